package tools

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"predix-agent-backend/internal/dialogue"
	"predix-agent-backend/internal/sports"
	"predix-agent-backend/internal/types"
)

const defaultCurrency = "SOL"

func catalog() []Tool {
	return []Tool{
		{
			Kind:        SearchFixture,
			Flow:        dialogue.FlowMarket,
			Description: "Search football fixtures by team, league, date or fixture id. Use it whenever the user asks about matches.",
			Parameters: object(map[string]any{
				"kind":       enum("What the query names", "team", "league", "fixture"),
				"query":      str("Team or league name, e.g. Tottenham or Premier League"),
				"country":    str("Country of the league, optional"),
				"date":       str("Match date as YYYY-MM-DD, optional"),
				"fixture_id": integer("A specific fixture id, optional"),
				"team_id":    integer("A team id from earlier results, optional"),
				"league_id":  integer("A league id from earlier results, optional"),
				"upcoming":   map[string]any{"type": "boolean", "description": "false to search finished matches"},
			}, "kind"),
			Response: types.MessageSportsSearch,
			Class:    Informational,
			newArgs:  func() Args { return &SearchFixtureArgs{} },
			handle:   handleSearch,
		},
		{
			Kind:        PresentOptions,
			Flow:        dialogue.FlowMarket,
			Description: "Show the two betting options for a fixture the user picked.",
			Parameters: object(map[string]any{
				"fixture_id": integer("The fixture the user picked"),
				"home_team":  str("Home team name if known"),
				"away_team":  str("Away team name if known"),
			}, "fixture_id"),
			Response: types.MessageMarketOptions,
			Class:    Informational,
			newArgs:  func() Args { return &PresentOptionsArgs{} },
			handle:   handlePresentOptions,
		},
		{
			Kind:        RequestAmount,
			Flow:        dialogue.FlowMarket,
			Description: "Record the outcome the user chose and ask how much they want to bet.",
			Parameters: object(map[string]any{
				"selected_type": enum("win: the home team wins; draw_lose: the home team draws or loses", "win", "draw_lose"),
			}, "selected_type"),
			Response: types.MessageAmountRequest,
			Class:    Informational,
			newArgs:  func() Args { return &RequestAmountArgs{} },
			handle:   handleRequestAmount,
		},
		{
			Kind:        FinalizeMarket,
			Flow:        dialogue.FlowMarket,
			Description: "Create the prediction market once the fixture, outcome, amount and currency are known.",
			Parameters: object(map[string]any{
				"fixture_id":    integer("Fixture id, if not already chosen"),
				"selected_type": enum("Chosen outcome, if not already chosen", "win", "draw_lose"),
				"amount":        number("Bet amount"),
				"currency":      str("Currency symbol, e.g. SOL"),
			}),
			Response: types.MessageMarketFinal,
			Class:    Terminal,
			Required: dialogue.MarketSlots,
			newArgs:  func() Args { return &FinalizeMarketArgs{} },
			handle:   handleFinalizeMarket,
		},
		{
			Kind:        FinalizeBridge,
			Flow:        dialogue.FlowTransfer,
			Description: "Prepare a token bridge between two networks.",
			Parameters:  transferSchema(),
			Response:    types.MessageTokenBridge,
			Class:       Terminal,
			Required:    dialogue.TransferSlots,
			newArgs:     func() Args { return &TransferArgs{} },
			handle:      handleTransfer,
		},
		{
			Kind:        FinalizeSwap,
			Flow:        dialogue.FlowTransfer,
			Description: "Prepare a token swap.",
			Parameters:  transferSchema(),
			Response:    types.MessageTokenSwap,
			Class:       Terminal,
			Required:    dialogue.TransferSlots,
			newArgs:     func() Args { return &TransferArgs{} },
			handle:      handleTransfer,
		},
	}
}

// ---- Schemas ----

func object(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func integer(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func number(desc string) map[string]any {
	return map[string]any{"type": "number", "description": desc}
}

func enum(desc string, values ...string) map[string]any {
	return map[string]any{"type": "string", "description": desc, "enum": values}
}

func transferSchema() map[string]any {
	return object(map[string]any{
		"from_network": str("Source network, e.g. solana"),
		"from_asset":   str("Token to send, e.g. USDC"),
		"amount":       number("Amount of from_asset"),
		"to_network":   str("Destination network, e.g. ethereum"),
		"to_asset":     str("Token to receive"),
	})
}

// ---- Payloads ----

type SearchPayload struct {
	Kind     sports.SearchKind `json:"kind"`
	Query    string            `json:"query,omitempty"`
	Fixtures []sports.Fixture  `json:"fixtures"`
}

type Option struct {
	Name        string                 `json:"name"`
	Type        dialogue.SelectionType `json:"type"`
	Description string                 `json:"description"`
}

// Options returns the two sides of a binary market on the home team.
func Options(home string) []Option {
	return []Option{
		{Name: home + " Win", Type: dialogue.SelectionWin, Description: home + " will win the match"},
		{Name: home + " Draw/Lose", Type: dialogue.SelectionDrawLose, Description: home + " will draw or lose the match"},
	}
}

func optionFor(home string, t dialogue.SelectionType) Option {
	for _, o := range Options(home) {
		if o.Type == t {
			return o
		}
	}
	return Option{Type: t}
}

type OptionsPayload struct {
	FixtureID int64    `json:"fixture_id"`
	HomeTeam  string   `json:"home_team"`
	AwayTeam  string   `json:"away_team"`
	Options   []Option `json:"options"`
}

type AmountRequestPayload struct {
	FixtureID    *int64                 `json:"fixture_id,omitempty"`
	SelectedType dialogue.SelectionType `json:"selected_type"`
	Selection    *Option                `json:"selection,omitempty"`
	Currency     string                 `json:"currency"`
}

type TransferPayload struct {
	FromNetwork string  `json:"from_network"`
	FromAsset   string  `json:"from_asset"`
	Amount      float64 `json:"amount"`
	ToNetwork   string  `json:"to_network"`
	ToAsset     string  `json:"to_asset"`
}

// ---- Handlers ----

func handleSearch(ctx context.Context, env Env, a Args) (Result, error) {
	args := a.(*SearchFixtureArgs)
	fixtures, err := env.Provider.Search(ctx, args.query())
	if err != nil {
		return Result{}, err
	}
	label := args.Query
	if label == "" {
		label = "your search"
	}
	msg := fmt.Sprintf("I found %d matches for %s. Pick one to create a market.", len(fixtures), label)
	switch {
	case len(fixtures) == 0:
		msg = fmt.Sprintf("I couldn't find any matches for %s. Try another team, league or date.", label)
	case len(fixtures) == 1:
		msg = fmt.Sprintf("I found one match for %s: %s vs %s.", label, fixtures[0].Home.Name, fixtures[0].Away.Name)
	}
	return Result{
		Payload: SearchPayload{Kind: args.Kind, Query: args.Query, Fixtures: fixtures},
		Message: msg,
	}, nil
}

func handlePresentOptions(ctx context.Context, env Env, a Args) (Result, error) {
	args := a.(*PresentOptionsArgs)
	home, away := args.HomeTeam, args.AwayTeam
	if home == "" || away == "" {
		fx, err := sports.FindFixture(ctx, env.Provider, args.FixtureID)
		if err != nil {
			return Result{}, err
		}
		if fx == nil {
			return Result{}, &userError{msg: fmt.Sprintf("I couldn't find fixture %d. Please pick a match from the search results.", args.FixtureID)}
		}
		home, away = fx.Home.Name, fx.Away.Name
	}
	return Result{
		Payload: OptionsPayload{FixtureID: args.FixtureID, HomeTeam: home, AwayTeam: away, Options: Options(home)},
		Message: fmt.Sprintf("%s vs %s. Will %s win, or draw or lose?", home, away, home),
		Patch:   dialogue.SlotSet{HomeTeam: dialogue.Ptr(home), AwayTeam: dialogue.Ptr(away)},
	}, nil
}

func handleRequestAmount(_ context.Context, env Env, a Args) (Result, error) {
	args := a.(*RequestAmountArgs)
	currency := defaultCurrency
	if env.Slots.Currency != nil {
		currency = *env.Slots.Currency
	}
	payload := AmountRequestPayload{
		FixtureID:    env.Slots.FixtureID,
		SelectedType: args.SelectedType,
		Currency:     currency,
	}
	what := string(args.SelectedType)
	if env.Slots.HomeTeam != nil {
		o := optionFor(*env.Slots.HomeTeam, args.SelectedType)
		payload.Selection = &o
		what = o.Name
	}
	return Result{
		Payload: payload,
		Message: fmt.Sprintf("You picked %s. How much %s would you like to bet?", what, currency),
	}, nil
}

func handleFinalizeMarket(ctx context.Context, env Env, _ Args) (Result, error) {
	s := env.Slots
	fixtureID := *s.FixtureID
	fx, err := sports.FindFixture(ctx, env.Provider, fixtureID)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, err
		}
		// The slots still carry enough to build the market
		log.Warn().Err(err).Int64("fixture_id", fixtureID).Msg("fixture lookup failed, using slot data")
		fx = nil
	}
	pkg := buildMarketPackage(env.UserID, s, fx, env.Now)
	return Result{
		Payload: pkg,
		Message: fmt.Sprintf("Your market \"%s\" is ready: %s for %s %s.",
			pkg.Market.Title, pkg.Selected.Name, formatAmount(pkg.Amount), pkg.Currency),
	}, nil
}

func handleTransfer(_ context.Context, env Env, _ Args) (Result, error) {
	s := env.Slots
	p := TransferPayload{
		FromNetwork: *s.NetworkFrom,
		FromAsset:   *s.AssetFrom,
		Amount:      *s.Amount,
		ToNetwork:   *s.NetworkTo,
		ToAsset:     *s.AssetTo,
	}
	return Result{
		Payload: p,
		Message: fmt.Sprintf("Ready to move %s %s on %s to %s on %s. Please confirm in your wallet.",
			formatAmount(p.Amount), p.FromAsset, p.FromNetwork, p.ToAsset, p.ToNetwork),
	}, nil
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
