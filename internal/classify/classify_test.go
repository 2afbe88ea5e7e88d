package classify

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"predix-agent-backend/internal/dialogue"
	"predix-agent-backend/internal/tools"
	"predix-agent-backend/internal/types"
)

func record(tool string, status dialogue.ToolStatus, artifact string) dialogue.ToolInvocation {
	r := dialogue.ToolInvocation{CallID: "call-" + tool, Tool: tool, Status: status}
	if artifact != "" {
		r.Artifact = json.RawMessage(artifact)
	}
	return r
}

func TestClassifyNoRecordsIsText(t *testing.T) {
	resp := Classify(tools.NewRegistry(), "c1", "Hello! Ask me about upcoming matches.", nil)
	assert.Equal(t, types.ChatResponse{
		ConversationID: "c1",
		Message:        "Hello! Ask me about upcoming matches.",
		MessageType:    types.MessageText,
	}, resp)
	assert.Nil(t, resp.Data)
}

func TestClassifyEachTool(t *testing.T) {
	reg := tools.NewRegistry()
	cases := map[string]types.MessageType{
		"search_fixture":  types.MessageSportsSearch,
		"present_options": types.MessageMarketOptions,
		"request_amount":  types.MessageAmountRequest,
		"finalize_market": types.MessageMarketFinal,
		"finalize_bridge": types.MessageTokenBridge,
		"finalize_swap":   types.MessageTokenSwap,
	}
	for tool, want := range cases {
		resp := Classify(reg, "c1", "ok", []dialogue.ToolInvocation{record(tool, dialogue.StatusSuccess, `{"tool":"`+tool+`"}`)})
		assert.Equal(t, want, resp.MessageType, tool)
		data, ok := resp.Data.(json.RawMessage)
		require.True(t, ok, tool)
		assert.JSONEq(t, `{"tool":"`+tool+`"}`, string(data))
	}
}

func TestClassifyLastRecordWins(t *testing.T) {
	records := []dialogue.ToolInvocation{
		record("search_fixture", dialogue.StatusSuccess, `{"fixtures":[]}`),
		record("present_options", dialogue.StatusSuccess, `{"fixture_id":12345}`),
	}
	resp := Classify(tools.NewRegistry(), "c1", "Pick an outcome", records)
	assert.Equal(t, types.MessageMarketOptions, resp.MessageType)
	assert.JSONEq(t, `{"fixture_id":12345}`, string(resp.Data.(json.RawMessage)))
}

func TestClassifyFailureIsError(t *testing.T) {
	records := []dialogue.ToolInvocation{
		record("search_fixture", dialogue.StatusFailure, ""),
	}
	resp := Classify(tools.NewRegistry(), "c1", "I couldn't search for matches right now. Please try again.", records)
	assert.Equal(t, types.MessageError, resp.MessageType)
	assert.Nil(t, resp.Data)
	assert.Equal(t, "I couldn't search for matches right now. Please try again.", resp.Message)
}

func TestClassifyIsIdempotent(t *testing.T) {
	reg := tools.NewRegistry()
	records := []dialogue.ToolInvocation{record("finalize_market", dialogue.StatusSuccess, `{"amount":0.5}`)}

	first := Classify(reg, "c1", "done", records)
	second := Classify(reg, "c1", "done", records)
	assert.Equal(t, first, second)

	// Mutating the response must not reach the records
	first.Data.(json.RawMessage)[0] = ' '
	assert.Equal(t, `{"amount":0.5}`, string(records[0].Artifact))
}

func TestClassifyUnknownToolFallsBackToText(t *testing.T) {
	resp := Classify(tools.NewRegistry(), "c1", "hi", []dialogue.ToolInvocation{record("legacy_tool", dialogue.StatusSuccess, `{}`)})
	assert.Equal(t, types.MessageText, resp.MessageType)
	assert.Nil(t, resp.Data)
}
