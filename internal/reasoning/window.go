package reasoning

import (
	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"

	"predix-agent-backend/internal/dialogue"
)

// perMessageTokens approximates the chat framing around every message.
const perMessageTokens = 4

// Window trims conversation history to a token budget, keeping the newest
// turns.
type Window struct {
	codec  tokenizer.Codec
	budget int
}

func NewWindow(budget int) (*Window, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, errors.Wrap(err, "load tokenizer")
	}
	return &Window{codec: codec, budget: budget}, nil
}

// Count returns the number of tokens in text. Text that cannot be encoded
// is estimated at four bytes per token.
func (w *Window) Count(text string) int {
	ids, _, err := w.codec.Encode(text)
	if err != nil {
		return len(text)/4 + 1
	}
	return len(ids)
}

// Fit returns the longest suffix of turns that fits the budget. The last
// turn is always kept. A budget of zero or less disables trimming.
func (w *Window) Fit(turns []dialogue.Turn) []dialogue.Turn {
	if w.budget <= 0 || len(turns) == 0 {
		return turns
	}
	used := 0
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		cost := w.Count(turns[i].Content) + perMessageTokens
		if used+cost > w.budget && start < len(turns) {
			break
		}
		used += cost
		start = i
	}
	return turns[start:]
}
