package dialogue

import "strings"

// SelectionType is the side of a binary market the user bets on.
type SelectionType string

const (
	SelectionWin      SelectionType = "win"
	SelectionDrawLose SelectionType = "draw_lose"
)

func (s SelectionType) Valid() bool {
	return s == SelectionWin || s == SelectionDrawLose
}

// SlotKey names one field of a SlotSet.
type SlotKey string

const (
	SlotFixtureID    SlotKey = "fixture_id"
	SlotHomeTeam     SlotKey = "home_team"
	SlotAwayTeam     SlotKey = "away_team"
	SlotSelectedType SlotKey = "selected_type"
	SlotAmount       SlotKey = "amount"
	SlotCurrency     SlotKey = "currency"
	SlotNetworkFrom  SlotKey = "network_from"
	SlotAssetFrom    SlotKey = "asset_from"
	SlotNetworkTo    SlotKey = "network_to"
	SlotAssetTo      SlotKey = "asset_to"
)

var (
	MarketSlots   = []SlotKey{SlotFixtureID, SlotSelectedType, SlotAmount, SlotCurrency}
	TransferSlots = []SlotKey{SlotNetworkFrom, SlotAssetFrom, SlotAmount, SlotNetworkTo, SlotAssetTo}
)

// FlowKind names the family of tools a flow's slots were gathered for.
type FlowKind string

const (
	FlowMarket   FlowKind = "market"
	FlowTransfer FlowKind = "transfer"
)

// SlotSet holds the partially gathered arguments of the flow in progress.
// A nil field is unset. Kind records which flow family committed the slots.
type SlotSet struct {
	Kind         FlowKind       `json:"flow_kind,omitempty"`
	FixtureID    *int64         `json:"fixture_id,omitempty"`
	HomeTeam     *string        `json:"home_team,omitempty"`
	AwayTeam     *string        `json:"away_team,omitempty"`
	SelectedType *SelectionType `json:"selected_type,omitempty"`
	Amount       *float64       `json:"amount,omitempty"`
	Currency     *string        `json:"currency,omitempty"`
	NetworkFrom  *string        `json:"network_from,omitempty"`
	AssetFrom    *string        `json:"asset_from,omitempty"`
	NetworkTo    *string        `json:"network_to,omitempty"`
	AssetTo      *string        `json:"asset_to,omitempty"`
}

// Merge returns s with every field set in patch overwritten. Unset patch
// fields never clear a value, so merging is monotonic.
func (s SlotSet) Merge(patch SlotSet) SlotSet {
	out := s
	if patch.Kind != "" {
		out.Kind = patch.Kind
	}
	if patch.FixtureID != nil {
		out.FixtureID = Ptr(*patch.FixtureID)
	}
	if patch.HomeTeam != nil {
		out.HomeTeam = Ptr(*patch.HomeTeam)
	}
	if patch.AwayTeam != nil {
		out.AwayTeam = Ptr(*patch.AwayTeam)
	}
	if patch.SelectedType != nil {
		out.SelectedType = Ptr(*patch.SelectedType)
	}
	if patch.Amount != nil {
		out.Amount = Ptr(*patch.Amount)
	}
	if patch.Currency != nil {
		out.Currency = Ptr(*patch.Currency)
	}
	if patch.NetworkFrom != nil {
		out.NetworkFrom = Ptr(*patch.NetworkFrom)
	}
	if patch.AssetFrom != nil {
		out.AssetFrom = Ptr(*patch.AssetFrom)
	}
	if patch.NetworkTo != nil {
		out.NetworkTo = Ptr(*patch.NetworkTo)
	}
	if patch.AssetTo != nil {
		out.AssetTo = Ptr(*patch.AssetTo)
	}
	return out
}

// Has reports whether the slot named by k is set.
func (s SlotSet) Has(k SlotKey) bool {
	switch k {
	case SlotFixtureID:
		return s.FixtureID != nil
	case SlotHomeTeam:
		return s.HomeTeam != nil
	case SlotAwayTeam:
		return s.AwayTeam != nil
	case SlotSelectedType:
		return s.SelectedType != nil
	case SlotAmount:
		return s.Amount != nil
	case SlotCurrency:
		return s.Currency != nil
	case SlotNetworkFrom:
		return s.NetworkFrom != nil
	case SlotAssetFrom:
		return s.AssetFrom != nil
	case SlotNetworkTo:
		return s.NetworkTo != nil
	case SlotAssetTo:
		return s.AssetTo != nil
	}
	return false
}

// Missing returns the keys in want that are unset, in the order given.
func (s SlotSet) Missing(want ...SlotKey) []SlotKey {
	var out []SlotKey
	for _, k := range want {
		if !s.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

func (s SlotSet) IsZero() bool {
	return s == SlotSet{}
}

// Belongs reports whether slots gathered so far may be reused by a tool of
// flow kind k. Untagged slots belong to any flow.
func (s SlotSet) Belongs(k FlowKind) bool {
	return s.Kind == "" || k == "" || s.Kind == k
}

// FlowState is the market flow position derived from slot completeness.
type FlowState string

const (
	StateSearching        FlowState = "SEARCHING"
	StateOptionsPresented FlowState = "OPTIONS_PRESENTED"
	StateAmountRequested  FlowState = "AMOUNT_REQUESTED"
	StateReadyToFinalize  FlowState = "READY_TO_FINALIZE"
	StateTerminal         FlowState = "TERMINAL"
)

// MarketState derives the flow state. Slots may arrive in any order; the
// state reflects the first required slot still missing.
func MarketState(s SlotSet, f Flow) FlowState {
	switch {
	case f.Done:
		return StateTerminal
	case s.FixtureID == nil:
		return StateSearching
	case s.SelectedType == nil:
		return StateOptionsPresented
	case s.Amount == nil || s.Currency == nil:
		return StateAmountRequested
	default:
		return StateReadyToFinalize
	}
}

// Describe renders slot keys for a prompt to the user.
func Describe(keys []SlotKey) string {
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, slotLabels[k])
	}
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	}
	return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
}

var slotLabels = map[SlotKey]string{
	SlotFixtureID:    "the match",
	SlotHomeTeam:     "the home team",
	SlotAwayTeam:     "the away team",
	SlotSelectedType: "the outcome you want to bet on",
	SlotAmount:       "the amount",
	SlotCurrency:     "the currency",
	SlotNetworkFrom:  "the source network",
	SlotAssetFrom:    "the token to send",
	SlotNetworkTo:    "the destination network",
	SlotAssetTo:      "the token to receive",
}

// Ptr returns a pointer to a copy of v.
func Ptr[T any](v T) *T {
	return &v
}
