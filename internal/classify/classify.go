// Package classify maps the tool records of a turn to the response envelope.
package classify

import (
	"encoding/json"

	"predix-agent-backend/internal/dialogue"
	"predix-agent-backend/internal/types"
)

// KindLookup resolves the message type produced by a tool.
type KindLookup interface {
	ResponseKind(tool string) (types.MessageType, bool)
}

// Classify builds the envelope for a turn. With no records the response is
// TEXT. Otherwise the last record decides: a failure yields ERROR, a success
// yields the tool's message type with the record's artifact as data.
func Classify(lookup KindLookup, conversationID, text string, records []dialogue.ToolInvocation) types.ChatResponse {
	resp := types.ChatResponse{
		ConversationID: conversationID,
		Message:        text,
		MessageType:    types.MessageText,
	}
	if len(records) == 0 {
		return resp
	}
	last := records[len(records)-1]
	if !last.Succeeded() {
		resp.MessageType = types.MessageError
		return resp
	}
	kind, ok := lookup.ResponseKind(last.Tool)
	if !ok {
		return resp
	}
	resp.MessageType = kind
	if len(last.Artifact) > 0 {
		resp.Data = json.RawMessage(append([]byte(nil), last.Artifact...))
	}
	return resp
}
