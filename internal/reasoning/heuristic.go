package reasoning

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"predix-agent-backend/internal/dialogue"
)

const greeting = "Hi! I can help you create prediction markets on football matches, " +
	"or bridge and swap tokens. Try \"Find Tottenham matches\"."

var (
	bridgeRe  = regexp.MustCompile(`\bbridge\s+(\d+(?:\.\d+)?)\s*([a-z]+)\s+from\s+([a-z]+)\s+to\s+([a-z]+)`)
	swapRe    = regexp.MustCompile(`\bswap\s+(\d+(?:\.\d+)?)\s*([a-z]+)\s+(?:to|for|into)\s+([a-z]+)(?:\s+on\s+([a-z]+))?`)
	fixtureRe = regexp.MustCompile(`\bfixture\s*(?:id\s*)?#?\s*(\d+)`)
	betRe     = regexp.MustCompile(`\b(?:bet|wager|stake)\s+(\d+(?:\.\d+)?)(?:\s*(sol|usdc|usdt|eth)\b)?`)
	amountRe  = regexp.MustCompile(`\b(\d+(?:\.\d+)?)\s*(sol|usdc|usdt|eth)\b`)
	searchRe  = regexp.MustCompile(`\b(?:find|search for|search|show me|show|look for|any)\s+(.+?)\s+(?:matches|match|games|game|fixtures)\b`)
	forRe     = regexp.MustCompile(`\b(?:matches|games|fixtures)\s+(?:for|of)\s+(.+)$`)
	winRe     = regexp.MustCompile(`\bwins?\b`)
	drawRe    = regexp.MustCompile(`\b(?:draw|draws|lose|loses|loss)\b`)
)

var leagueNames = []string{
	"premier league", "la liga", "serie a", "bundesliga", "ligue 1",
	"champions league", "europa league", "mls", "eredivisie",
}

const defaultSwapNetwork = "solana"

// HeuristicReasoner maps a few fixed phrasings to tool calls. It makes one
// decision per turn and never needs network access.
type HeuristicReasoner struct{}

func NewHeuristicReasoner() *HeuristicReasoner { return &HeuristicReasoner{} }

func (h *HeuristicReasoner) Next(_ context.Context, in Input) (Decision, error) {
	if len(in.Steps) > 0 {
		return Decision{}, nil
	}
	m := strings.ToLower(strings.TrimSpace(latestUserText(in.History)))
	if m == "" {
		return Decision{Text: greeting}, nil
	}

	if g := bridgeRe.FindStringSubmatch(m); g != nil {
		return call("finalize_bridge", map[string]any{
			"amount":       parseAmount(g[1]),
			"from_asset":   g[2],
			"from_network": g[3],
			"to_network":   g[4],
			"to_asset":     g[2],
		}), nil
	}
	if g := swapRe.FindStringSubmatch(m); g != nil {
		network := g[4]
		if network == "" {
			network = defaultSwapNetwork
		}
		return call("finalize_swap", map[string]any{
			"amount":       parseAmount(g[1]),
			"from_asset":   g[2],
			"from_network": network,
			"to_network":   network,
			"to_asset":     g[3],
		}), nil
	}
	if g := fixtureRe.FindStringSubmatch(m); g != nil {
		id, _ := strconv.ParseInt(g[1], 10, 64)
		return call("present_options", map[string]any{"fixture_id": id}), nil
	}

	selection := detectSelection(m)
	amount, currency, hasAmount := detectAmount(m)
	switch {
	case hasAmount:
		args := map[string]any{"amount": amount}
		if currency != "" {
			args["currency"] = currency
		} else if in.Slots.Currency == nil {
			args["currency"] = "SOL"
		}
		if selection != "" {
			args["selected_type"] = selection
		}
		return call("finalize_market", args), nil
	case selection != "":
		return call("request_amount", map[string]any{"selected_type": selection}), nil
	}

	if q := detectSearch(m); q != "" {
		kind := "team"
		for _, l := range leagueNames {
			if strings.Contains(q, l) {
				kind = "league"
				break
			}
		}
		return call("search_fixture", map[string]any{"kind": kind, "query": titleCase(q)}), nil
	}
	return Decision{Text: greeting}, nil
}

func detectSelection(m string) dialogue.SelectionType {
	switch {
	case drawRe.MatchString(m):
		return dialogue.SelectionDrawLose
	case winRe.MatchString(m):
		return dialogue.SelectionWin
	}
	return ""
}

func detectAmount(m string) (float64, string, bool) {
	if g := betRe.FindStringSubmatch(m); g != nil {
		return parseAmount(g[1]), strings.ToUpper(g[2]), true
	}
	if g := amountRe.FindStringSubmatch(m); g != nil {
		return parseAmount(g[1]), strings.ToUpper(g[2]), true
	}
	return 0, "", false
}

func detectSearch(m string) string {
	var q string
	if g := searchRe.FindStringSubmatch(m); g != nil {
		q = g[1]
	} else if g := forRe.FindStringSubmatch(m); g != nil {
		q = g[1]
	}
	q = strings.Trim(q, " .?!")
	for _, p := range []string{"upcoming ", "next ", "the "} {
		q = strings.TrimPrefix(q, p)
	}
	return strings.TrimSuffix(q, "'s")
}

func parseAmount(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

func call(tool string, args map[string]any) Decision {
	b, _ := json.Marshal(args)
	return Decision{Call: &Call{Tool: tool, Args: b}}
}
