package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"predix-agent-backend/internal/dialogue"
	"predix-agent-backend/internal/sports"
	"predix-agent-backend/internal/types"
)

// Kind enumerates the tools the agent can call. The set is closed.
type Kind int

const (
	SearchFixture Kind = iota + 1
	PresentOptions
	RequestAmount
	FinalizeMarket
	FinalizeBridge
	FinalizeSwap
)

var kindNames = map[Kind]string{
	SearchFixture:  "search_fixture",
	PresentOptions: "present_options",
	RequestAmount:  "request_amount",
	FinalizeMarket: "finalize_market",
	FinalizeBridge: "finalize_bridge",
	FinalizeSwap:   "finalize_swap",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("tool(%d)", int(k))
}

// Class separates tools that only inform the user from tools that complete
// a flow. At most one terminal tool runs per turn.
type Class int

const (
	Informational Class = iota
	Terminal
)

// Env is what a handler may read. Slots already include the call's own
// arguments.
type Env struct {
	Provider sports.Provider
	UserID   string
	Slots    dialogue.SlotSet
	Now      time.Time
}

// Result is a handler's output. Patch holds slots learned by the handler in
// addition to those carried by the arguments.
type Result struct {
	Payload any
	Message string
	Patch   dialogue.SlotSet
}

type Tool struct {
	Kind        Kind
	Description string
	Parameters  map[string]any
	Response    types.MessageType
	Class       Class
	Flow        dialogue.FlowKind
	// Required lists the slots that must be known before a terminal tool runs.
	Required []dialogue.SlotKey

	newArgs func() Args
	handle  func(ctx context.Context, env Env, args Args) (Result, error)
}

func (t Tool) Name() string { return t.Kind.String() }

func (t Tool) Terminal() bool { return t.Class == Terminal }

// Spec is the description of a tool handed to the reasoning step.
type Spec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Call is a decoded, schema-valid tool request.
type Call struct {
	ID   string
	Tool Tool
	Args Args
}

// Outcome is the result of dispatching a Call. Patch is only set for a
// successful invocation and is what the caller commits to the slot set.
type Outcome struct {
	Record dialogue.ToolInvocation
	Patch  dialogue.SlotSet
}

type Registry struct {
	tools  []Tool
	byName map[string]Tool
}

// NewRegistry returns the registry of every tool in Kind order.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Tool)}
	for _, t := range catalog() {
		r.tools = append(r.tools, t)
		r.byName[t.Name()] = t
	}
	return r
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

func (r *Registry) Specs() []Spec {
	out := make([]Spec, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Spec{Name: t.Name(), Description: t.Description, Parameters: t.Parameters})
	}
	return out
}

// ResponseKind returns the message type a successful call of the named
// tool produces.
func (r *Registry) ResponseKind(name string) (types.MessageType, bool) {
	t, ok := r.byName[name]
	if !ok {
		return "", false
	}
	return t.Response, true
}

// Decode validates raw arguments against the named tool's schema. An empty
// id is replaced by a fresh correlation id.
func (r *Registry) Decode(id, name string, raw json.RawMessage) (Call, error) {
	t, ok := r.byName[name]
	if !ok {
		return Call{}, &dialogue.ValidationError{Tool: name, Reason: "unknown tool"}
	}
	args := t.newArgs()
	if err := decodeInto(name, raw, args); err != nil {
		return Call{}, err
	}
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	return Call{ID: id, Tool: t, Args: args}, nil
}

// Dispatch runs a decoded call. A terminal tool whose required slots are not
// all known after merging its arguments returns *dialogue.IncompleteSlotsError
// without running. Handler errors and panics become failure records.
func (r *Registry) Dispatch(ctx context.Context, env Env, call Call) (Outcome, error) {
	t := call.Tool
	supplied := t.tag(call.Args.Patch())
	env.Slots = env.Slots.Merge(supplied)
	if t.Terminal() {
		if missing := env.Slots.Missing(t.Required...); len(missing) > 0 {
			return Outcome{}, &dialogue.IncompleteSlotsError{Tool: t.Name(), Missing: missing, Supplied: supplied}
		}
	}

	argsJSON, _ := json.Marshal(call.Args)
	rec := dialogue.ToolInvocation{
		CallID:   call.ID,
		Tool:     t.Name(),
		Args:     argsJSON,
		Terminal: t.Terminal(),
	}
	logger := log.With().Str("tool", t.Name()).Str("call_id", call.ID).Logger()

	res, err := safeHandle(ctx, t, env, call.Args)
	if err == nil && ctx.Err() != nil {
		// Finished after the deadline; nothing from it may be committed.
		err = ctx.Err()
	}
	if err != nil {
		logger.Warn().Err(err).Msg("tool failed")
		rec.Status = dialogue.StatusFailure
		rec.Message = failureMessage(t.Kind, err)
		return Outcome{Record: rec}, nil
	}

	artifact, err := json.Marshal(res.Payload)
	if err != nil {
		logger.Error().Err(err).Msg("tool payload not serializable")
		rec.Status = dialogue.StatusFailure
		rec.Message = failureMessage(t.Kind, err)
		return Outcome{Record: rec}, nil
	}
	rec.Status = dialogue.StatusSuccess
	rec.Artifact = artifact
	rec.Message = res.Message
	logger.Debug().Msg("tool succeeded")
	return Outcome{Record: rec, Patch: t.tag(supplied.Merge(res.Patch))}, nil
}

// tag marks a non-empty patch with the tool's flow kind.
func (t Tool) tag(patch dialogue.SlotSet) dialogue.SlotSet {
	if patch.IsZero() {
		return patch
	}
	patch.Kind = t.Flow
	return patch
}

func safeHandle(ctx context.Context, t Tool, env Env, args Args) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s panicked: %v", t.Name(), p)
		}
	}()
	return t.handle(ctx, env, args)
}

// userError carries a message that is safe to show as is.
type userError struct {
	msg string
}

func (e *userError) Error() string { return e.msg }

func failureMessage(k Kind, err error) string {
	if ue, ok := err.(*userError); ok {
		return ue.msg
	}
	switch k {
	case SearchFixture:
		return "I couldn't search for matches right now. Please try again."
	case PresentOptions:
		return "I couldn't load that match right now. Please try again."
	default:
		return "Sorry, I couldn't complete that step. Please try again."
	}
}
