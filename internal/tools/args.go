package tools

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/pkg/errors"

	"predix-agent-backend/internal/dialogue"
	"predix-agent-backend/internal/sports"
)

// Args is the typed argument struct of one tool. Patch returns the slots
// the arguments carry.
type Args interface {
	Patch() dialogue.SlotSet
	validate(tool string) error
}

type SearchFixtureArgs struct {
	Kind      sports.SearchKind `json:"kind"`
	Query     string            `json:"query,omitempty"`
	Country   string            `json:"country,omitempty"`
	Date      string            `json:"date,omitempty"`
	FixtureID int64             `json:"fixture_id,omitempty"`
	TeamID    int64             `json:"team_id,omitempty"`
	LeagueID  int64             `json:"league_id,omitempty"`
	Upcoming  *bool             `json:"upcoming,omitempty"`
}

func (a *SearchFixtureArgs) Patch() dialogue.SlotSet { return dialogue.SlotSet{} }

func (a *SearchFixtureArgs) validate(tool string) error {
	a.Query = strings.TrimSpace(a.Query)
	if a.Kind == "" {
		return &dialogue.ValidationError{Tool: tool, Field: "kind", Reason: "required"}
	}
	if !a.Kind.Valid() {
		return &dialogue.ValidationError{Tool: tool, Field: "kind", Reason: "must be league, team or fixture"}
	}
	if a.Date != "" {
		if _, err := time.Parse(time.DateOnly, a.Date); err != nil {
			return &dialogue.ValidationError{Tool: tool, Field: "date", Reason: "must be YYYY-MM-DD"}
		}
	}
	switch a.Kind {
	case sports.KindLeague:
		if a.Query == "" && a.LeagueID == 0 {
			return &dialogue.ValidationError{Tool: tool, Field: "query", Reason: "a league name is required"}
		}
	case sports.KindTeam:
		if a.Query == "" && a.TeamID == 0 {
			return &dialogue.ValidationError{Tool: tool, Field: "query", Reason: "a team name is required"}
		}
	case sports.KindFixture:
		if a.Query == "" && a.FixtureID == 0 && a.TeamID == 0 && a.LeagueID == 0 && a.Date == "" {
			return &dialogue.ValidationError{Tool: tool, Field: "query", Reason: "a team, league, date or fixture id is required"}
		}
	}
	return nil
}

func (a *SearchFixtureArgs) query() sports.Query {
	return sports.Query{
		Kind:      a.Kind,
		Text:      a.Query,
		Country:   a.Country,
		Date:      a.Date,
		FixtureID: a.FixtureID,
		TeamID:    a.TeamID,
		LeagueID:  a.LeagueID,
		Upcoming:  a.Upcoming,
	}
}

type PresentOptionsArgs struct {
	FixtureID int64  `json:"fixture_id"`
	HomeTeam  string `json:"home_team,omitempty"`
	AwayTeam  string `json:"away_team,omitempty"`
}

func (a *PresentOptionsArgs) Patch() dialogue.SlotSet {
	return dialogue.SlotSet{FixtureID: dialogue.Ptr(a.FixtureID)}
}

func (a *PresentOptionsArgs) validate(tool string) error {
	a.HomeTeam = strings.TrimSpace(a.HomeTeam)
	a.AwayTeam = strings.TrimSpace(a.AwayTeam)
	if a.FixtureID <= 0 {
		return &dialogue.ValidationError{Tool: tool, Field: "fixture_id", Reason: "required"}
	}
	return nil
}

type RequestAmountArgs struct {
	SelectedType dialogue.SelectionType `json:"selected_type"`
}

func (a *RequestAmountArgs) Patch() dialogue.SlotSet {
	return dialogue.SlotSet{SelectedType: dialogue.Ptr(a.SelectedType)}
}

func (a *RequestAmountArgs) validate(tool string) error {
	if a.SelectedType == "" {
		return &dialogue.ValidationError{Tool: tool, Field: "selected_type", Reason: "required"}
	}
	if !a.SelectedType.Valid() {
		return &dialogue.ValidationError{Tool: tool, Field: "selected_type", Reason: "must be win or draw_lose"}
	}
	return nil
}

// FinalizeMarketArgs may omit anything already held in the slot set.
type FinalizeMarketArgs struct {
	FixtureID    *int64                  `json:"fixture_id,omitempty"`
	SelectedType *dialogue.SelectionType `json:"selected_type,omitempty"`
	Amount       *float64                `json:"amount,omitempty"`
	Currency     *string                 `json:"currency,omitempty"`
}

func (a *FinalizeMarketArgs) Patch() dialogue.SlotSet {
	return dialogue.SlotSet{
		FixtureID:    a.FixtureID,
		SelectedType: a.SelectedType,
		Amount:       a.Amount,
		Currency:     a.Currency,
	}
}

func (a *FinalizeMarketArgs) validate(tool string) error {
	if a.FixtureID != nil && *a.FixtureID <= 0 {
		return &dialogue.ValidationError{Tool: tool, Field: "fixture_id", Reason: "must be positive"}
	}
	if a.SelectedType != nil && !a.SelectedType.Valid() {
		return &dialogue.ValidationError{Tool: tool, Field: "selected_type", Reason: "must be win or draw_lose"}
	}
	if err := validateAmount(tool, a.Amount); err != nil {
		return err
	}
	a.Currency = normalizeSymbol(a.Currency)
	return nil
}

// TransferArgs carries a bridge or swap request. Fields already held in the
// slot set may be omitted.
type TransferArgs struct {
	FromNetwork *string  `json:"from_network,omitempty"`
	FromAsset   *string  `json:"from_asset,omitempty"`
	Amount      *float64 `json:"amount,omitempty"`
	ToNetwork   *string  `json:"to_network,omitempty"`
	ToAsset     *string  `json:"to_asset,omitempty"`
}

func (a *TransferArgs) Patch() dialogue.SlotSet {
	return dialogue.SlotSet{
		NetworkFrom: a.FromNetwork,
		AssetFrom:   a.FromAsset,
		Amount:      a.Amount,
		NetworkTo:   a.ToNetwork,
		AssetTo:     a.ToAsset,
	}
}

func (a *TransferArgs) validate(tool string) error {
	if err := validateAmount(tool, a.Amount); err != nil {
		return err
	}
	a.FromNetwork = normalizeNetwork(a.FromNetwork)
	a.ToNetwork = normalizeNetwork(a.ToNetwork)
	a.FromAsset = normalizeSymbol(a.FromAsset)
	a.ToAsset = normalizeSymbol(a.ToAsset)
	return nil
}

func validateAmount(tool string, amount *float64) error {
	if amount != nil && *amount <= 0 {
		return &dialogue.ValidationError{Tool: tool, Field: "amount", Reason: "must be greater than zero"}
	}
	return nil
}

// normalizeSymbol upper-cases a token symbol and drops blank values.
func normalizeSymbol(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.ToUpper(strings.TrimSpace(*s))
	if v == "" {
		return nil
	}
	return &v
}

func normalizeNetwork(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.ToLower(strings.TrimSpace(*s))
	if v == "" {
		return nil
	}
	return &v
}

// decodeInto unmarshals raw tool arguments into dst. Unknown fields are
// ignored; type mismatches become validation errors.
func decodeInto(tool string, raw json.RawMessage, dst Args) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		trimmed = []byte("{}")
	}
	if err := json.Unmarshal(trimmed, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return &dialogue.ValidationError{Tool: tool, Field: typeErr.Field, Reason: "must be a " + jsonTypeName(typeErr.Type)}
		}
		return &dialogue.ValidationError{Tool: tool, Reason: "arguments are not a JSON object"}
	}
	return dst.validate(tool)
}

func jsonTypeName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.String:
		return "string"
	}
	return t.Kind().String()
}
