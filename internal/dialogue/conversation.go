package dialogue

import (
	"encoding/json"
	"time"
)

type Actor string

const (
	ActorUser      Actor = "user"
	ActorAssistant Actor = "assistant"
	ActorTool      Actor = "tool"
)

type TurnKind string

const (
	KindText TurnKind = "text"
	KindTool TurnKind = "tool"
)

type Turn struct {
	Seq       int       `json:"seq"`
	Actor     Actor     `json:"actor"`
	Kind      TurnKind  `json:"kind"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type ToolStatus string

const (
	StatusSuccess ToolStatus = "success"
	StatusFailure ToolStatus = "failure"
)

// ToolInvocation is the record of one tool call. Artifact is the payload
// returned to the client for a successful call.
type ToolInvocation struct {
	CallID    string          `json:"tool_call_id"`
	TurnSeq   int             `json:"turn_seq"`
	FlowSeq   int             `json:"flow_seq"`
	Tool      string          `json:"tool"`
	Args      json.RawMessage `json:"args,omitempty"`
	Status    ToolStatus      `json:"status"`
	Artifact  json.RawMessage `json:"artifact,omitempty"`
	Message   string          `json:"message,omitempty"`
	Terminal  bool            `json:"terminal"`
	CreatedAt time.Time       `json:"created_at"`
}

func (r ToolInvocation) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Flow identifies the slot-filling flow instance a conversation is in.
// Seq increases every time a new flow starts; Done is set once a terminal
// tool has succeeded for the instance.
type Flow struct {
	Seq  int  `json:"seq"`
	Done bool `json:"done"`
}

type Conversation struct {
	ID          string           `json:"conversation_id"`
	UserID      string           `json:"user_id,omitempty"`
	Turns       []Turn           `json:"turns"`
	Invocations []ToolInvocation `json:"tool_invocations"`
	Slots       SlotSet          `json:"slots"`
	Flow        Flow             `json:"flow"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// New returns an empty conversation in its first flow instance.
func New(id string) *Conversation {
	return &Conversation{ID: id, Flow: Flow{Seq: 1}}
}

// Clone returns a deep copy safe to hand to callers.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Turns = append([]Turn(nil), c.Turns...)
	out.Invocations = make([]ToolInvocation, len(c.Invocations))
	for i, r := range c.Invocations {
		r.Args = append(json.RawMessage(nil), r.Args...)
		r.Artifact = append(json.RawMessage(nil), r.Artifact...)
		out.Invocations[i] = r
	}
	out.Slots = SlotSet{}.Merge(c.Slots)
	return &out
}

// LatestSuccess returns the newest successful invocation in the current
// flow. A finished flow has nothing left to show.
func (c *Conversation) LatestSuccess() (ToolInvocation, bool) {
	if c.Flow.Done {
		return ToolInvocation{}, false
	}
	for i := len(c.Invocations) - 1; i >= 0; i-- {
		r := c.Invocations[i]
		if r.FlowSeq != c.Flow.Seq {
			break
		}
		if r.Succeeded() {
			return r, true
		}
	}
	return ToolInvocation{}, false
}

// TimelineEntry is one element of the persisted conversation timeline, a
// text turn or a tool record, ordered by time.
type TimelineEntry struct {
	Kind       TurnKind        `json:"kind"`
	Actor      Actor           `json:"actor"`
	Content    string          `json:"content,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Tool       string          `json:"tool,omitempty"`
	Status     ToolStatus      `json:"status,omitempty"`
	Artifact   json.RawMessage `json:"artifact,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Timeline interleaves text turns and tool records. Tool records produced by
// a user turn are placed right after it.
func (c *Conversation) Timeline() []TimelineEntry {
	byTurn := make(map[int][]ToolInvocation)
	for _, r := range c.Invocations {
		byTurn[r.TurnSeq] = append(byTurn[r.TurnSeq], r)
	}
	out := make([]TimelineEntry, 0, len(c.Turns)+len(c.Invocations))
	for _, t := range c.Turns {
		out = append(out, TimelineEntry{Kind: t.Kind, Actor: t.Actor, Content: t.Content, CreatedAt: t.CreatedAt})
		for _, r := range byTurn[t.Seq] {
			out = append(out, TimelineEntry{
				Kind:       KindTool,
				Actor:      ActorTool,
				Content:    r.Message,
				ToolCallID: r.CallID,
				Tool:       r.Tool,
				Status:     r.Status,
				Artifact:   r.Artifact,
				CreatedAt:  r.CreatedAt,
			})
		}
	}
	return out
}
