package reasoning

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"predix-agent-backend/internal/dialogue"
)

const defaultCallTimeout = 20 * time.Second

// OpenAIReasoner asks a chat completion model with function calling for the
// next step.
type OpenAIReasoner struct {
	client  *openai.Client
	model   string
	prompt  *PromptSpec
	window  *Window
	timeout time.Duration
}

func NewOpenAIReasoner(client *openai.Client, model string, prompt *PromptSpec, window *Window) *OpenAIReasoner {
	return &OpenAIReasoner{
		client:  client,
		model:   model,
		prompt:  prompt,
		window:  window,
		timeout: defaultCallTimeout,
	}
}

// NewOpenAIClient builds a client for apiKey. baseURL may point at any
// OpenAI compatible endpoint.
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return openai.NewClientWithConfig(cfg)
}

func (r *OpenAIReasoner) Next(ctx context.Context, in Input) (Decision, error) {
	req, err := r.request(in)
	if err != nil {
		return Decision{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	resp, err := r.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Decision{}, errors.Wrapf(dialogue.ErrUpstreamUnavailable, "chat completion: %v", err)
	}
	if len(resp.Choices) == 0 {
		return Decision{}, errors.Wrap(dialogue.ErrUpstreamUnavailable, "chat completion returned no choices")
	}

	msg := resp.Choices[0].Message
	d := Decision{Text: strings.TrimSpace(msg.Content)}
	if len(msg.ToolCalls) > 0 {
		tc := msg.ToolCalls[0]
		if len(msg.ToolCalls) > 1 {
			log.Debug().Str("conv_id", in.ConversationID).Int("tool_calls", len(msg.ToolCalls)).
				Msg("model requested several tools, using the first")
		}
		d.Call = &Call{ID: tc.ID, Tool: tc.Function.Name, Args: json.RawMessage(tc.Function.Arguments)}
	}
	log.Debug().Str("conv_id", in.ConversationID).Int("step", len(in.Steps)).
		Bool("tool_call", d.Call != nil).Int("total_tokens", resp.Usage.TotalTokens).Msg("reasoning step")
	return d, nil
}

func (r *OpenAIReasoner) request(in Input) (openai.ChatCompletionRequest, error) {
	system, err := r.prompt.Render(in.Now, in.Slots, in.State)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	messages := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: system}}

	history := in.History
	if r.window != nil {
		history = r.window.Fit(history)
	}
	for _, t := range history {
		if t.Kind != dialogue.KindText || strings.TrimSpace(t.Content) == "" {
			continue
		}
		role := openai.ChatMessageRoleUser
		if t.Actor == dialogue.ActorAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}

	for _, s := range in.Steps {
		args := string(s.Call.Args)
		if args == "" {
			args = "{}"
		}
		messages = append(messages,
			openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:       s.Call.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: s.Call.Tool, Arguments: args},
				}},
			},
			openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: s.Call.ID,
				Content:    stepContent(s),
			},
		)
	}

	toolDefs := make([]openai.Tool, 0, len(in.Tools))
	for _, t := range in.Tools {
		toolDefs = append(toolDefs, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: r.prompt.Description(t.Name, t.Description),
				Parameters:  t.Parameters,
			},
		})
	}

	return openai.ChatCompletionRequest{
		Model:       r.model,
		Temperature: r.prompt.Style.Temperature,
		MaxTokens:   r.prompt.Style.MaxTokens,
		Messages:    messages,
		Tools:       toolDefs,
	}, nil
}

// stepContent is what the model sees as the result of an earlier call.
func stepContent(s Step) string {
	out := struct {
		Status  dialogue.ToolStatus `json:"status"`
		Message string              `json:"message,omitempty"`
		Result  json.RawMessage     `json:"result,omitempty"`
	}{Status: s.Status, Message: s.Message, Result: s.Artifact}
	b, err := json.Marshal(out)
	if err != nil {
		return string(s.Status)
	}
	return string(b)
}
