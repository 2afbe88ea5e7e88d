// Package reasoning decides, for one step of a turn, whether the assistant
// replies with text or calls a tool.
package reasoning

import (
	"context"
	"encoding/json"
	"time"

	"predix-agent-backend/internal/dialogue"
	"predix-agent-backend/internal/tools"
)

// Call is a tool request as produced by a reasoner. Args are not yet
// validated.
type Call struct {
	ID   string
	Tool string
	Args json.RawMessage
}

// Step is a tool call already made earlier in the current turn, together
// with what it returned.
type Step struct {
	Call     Call
	Status   dialogue.ToolStatus
	Message  string
	Artifact json.RawMessage
}

type Input struct {
	ConversationID string
	UserID         string
	// History ends with the user message being answered.
	History []dialogue.Turn
	Slots   dialogue.SlotSet
	State   dialogue.FlowState
	Tools   []tools.Spec
	Steps   []Step
	Now     time.Time
}

// Decision is either a reply or a single tool call. Text may accompany a
// call; it is ignored unless the turn ends on it.
type Decision struct {
	Text string
	Call *Call
}

type Reasoner interface {
	Next(ctx context.Context, in Input) (Decision, error)
}

// latestUserText returns the content of the last user turn in history.
func latestUserText(history []dialogue.Turn) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Actor == dialogue.ActorUser {
			return history[i].Content
		}
	}
	return ""
}
