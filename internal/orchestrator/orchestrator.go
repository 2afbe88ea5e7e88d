// Package orchestrator runs one conversational turn: it records the user
// message, drives the reasoning step and tool dispatch, persists what
// happened and builds the response envelope.
package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"predix-agent-backend/internal/classify"
	"predix-agent-backend/internal/dialogue"
	"predix-agent-backend/internal/events"
	"predix-agent-backend/internal/lock"
	"predix-agent-backend/internal/reasoning"
	"predix-agent-backend/internal/sports"
	"predix-agent-backend/internal/store"
	"predix-agent-backend/internal/tools"
	"predix-agent-backend/internal/types"
)

const (
	FallbackMessage       = "Sorry, I encountered an error processing your request. Please try again."
	ConversationIDMessage = "Conversation ID is required"
	emptyMessage          = "Please type a message."
	busyMessage           = "I'm still working on your previous message. Please try again in a moment."
	unclearMessage        = "Sorry, I didn't quite get that. Could you rephrase?"

	defaultTurnTimeout = 30 * time.Second
	defaultMaxSteps    = 3
	persistTimeout     = 5 * time.Second
)

type Deps struct {
	Store    store.Store
	Registry *tools.Registry
	Reasoner reasoning.Reasoner
	Provider sports.Provider
	Locker   lock.Locker
	Events   *events.Publisher

	TurnTimeout time.Duration
	MaxSteps    int
	Now         func() time.Time
}

type Orchestrator struct {
	store    store.Store
	registry *tools.Registry
	reasoner reasoning.Reasoner
	provider sports.Provider
	locker   lock.Locker
	events   *events.Publisher

	turnTimeout time.Duration
	maxSteps    int
	now         func() time.Time
}

// New validates the collaborators. Store, Reasoner and Provider are
// required; the rest have in-process defaults.
func New(d Deps) (*Orchestrator, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case d.Reasoner == nil:
		return nil, errors.New("orchestrator: reasoner is required")
	case d.Provider == nil:
		return nil, errors.New("orchestrator: sports provider is required")
	}
	o := &Orchestrator{
		store:       d.Store,
		registry:    d.Registry,
		reasoner:    d.Reasoner,
		provider:    d.Provider,
		locker:      d.Locker,
		events:      d.Events,
		turnTimeout: d.TurnTimeout,
		maxSteps:    d.MaxSteps,
		now:         d.Now,
	}
	if o.registry == nil {
		o.registry = tools.NewRegistry()
	}
	if o.locker == nil {
		o.locker = lock.NewLocal()
	}
	if o.events == nil {
		o.events = events.Noop()
	}
	if o.turnTimeout <= 0 {
		o.turnTimeout = defaultTurnTimeout
	}
	if o.maxSteps <= 0 {
		o.maxSteps = defaultMaxSteps
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	return o, nil
}

// turn carries the state of one HandleMessage call.
type turn struct {
	id     string
	userID string
	text   string
	logger zerolog.Logger

	conv     *dialogue.Conversation
	userTurn dialogue.Turn
	slots    dialogue.SlotSet
	flow     dialogue.Flow
	records  []dialogue.ToolInvocation
	steps    []reasoning.Step
	terminal bool
}

// HandleMessage processes one user message. It never panics and always
// returns a well-formed envelope.
func (o *Orchestrator) HandleMessage(ctx context.Context, req types.ChatRequest) (resp types.ChatResponse) {
	id := strings.TrimSpace(req.ConversationID)
	logger := log.With().Str("conv_id", id).Str("user_id", req.UserID).Logger()
	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Bytes("stack", debug.Stack()).Msg("turn panicked")
			resp = errorEnvelope(id, FallbackMessage)
		}
	}()

	if id == "" {
		return errorEnvelope("", ConversationIDMessage)
	}
	text := strings.TrimSpace(req.Message)
	if text == "" {
		return errorEnvelope(id, emptyMessage)
	}

	ctx, cancel := context.WithTimeout(ctx, o.turnTimeout)
	defer cancel()

	unlock, err := o.locker.Lock(ctx, id)
	if err != nil {
		logger.Warn().Err(err).Msg("conversation lock not acquired")
		return errorEnvelope(id, busyMessage)
	}
	defer unlock()

	t := &turn{id: id, userID: req.UserID, text: text, logger: logger}
	return o.run(ctx, t)
}

func (o *Orchestrator) run(ctx context.Context, t *turn) types.ChatResponse {
	conv, err := o.store.Load(ctx, t.id)
	if err != nil {
		t.logger.Error().Err(err).Msg("load conversation")
		return errorEnvelope(t.id, FallbackMessage)
	}
	t.conv, t.slots, t.flow = conv, conv.Slots, conv.Flow

	t.userTurn, err = o.store.AppendTurn(ctx, t.id, t.userID, dialogue.ActorUser, t.text)
	if err != nil {
		t.logger.Error().Err(err).Msg("append user turn")
		return errorEnvelope(t.id, FallbackMessage)
	}
	conv.Turns = append(conv.Turns, t.userTurn)

	reply, err := o.reason(ctx, t)
	if err != nil {
		return o.fail(ctx, t, err)
	}

	classified := t.records
	if reply == "" {
		if len(t.records) > 0 {
			reply = t.records[len(t.records)-1].Message
		} else if latest, ok := conv.LatestSuccess(); ok {
			// Nothing new to say: show the current step of the flow again.
			reply = latest.Message
			classified = []dialogue.ToolInvocation{latest}
		} else {
			reply = unclearMessage
		}
	}

	pctx, cancel := persistContext(ctx)
	defer cancel()
	if _, err := o.store.AppendTurn(pctx, t.id, t.userID, dialogue.ActorAssistant, reply); err != nil {
		t.logger.Error().Err(err).Msg("append assistant turn")
		return errorEnvelope(t.id, FallbackMessage)
	}

	resp := classify.Classify(o.registry, t.id, reply, classified)
	o.publish(pctx, t, resp)
	t.logger.Info().
		Int("flow_seq", t.flow.Seq).
		Str("message_type", string(resp.MessageType)).
		Int("tool_calls", len(t.records)).
		Msg("turn handled")
	return resp
}

// reason runs the reasoning loop and returns the reply text. An empty reply
// means the last record or the reconciliation path decides what is shown.
func (o *Orchestrator) reason(ctx context.Context, t *turn) (string, error) {
	specs := o.registry.Specs()
	for step := 0; step < o.maxSteps; step++ {
		dec, err := o.reasoner.Next(ctx, reasoning.Input{
			ConversationID: t.id,
			UserID:         t.userID,
			History:        t.conv.Turns,
			Slots:          t.slots,
			State:          dialogue.MarketState(t.slots, t.flow),
			Tools:          specs,
			Steps:          t.steps,
			Now:            o.now(),
		})
		if err != nil {
			if len(t.records) > 0 {
				// What already ran is committed; answer from it.
				t.logger.Warn().Err(err).Msg("reasoning failed after a tool call")
				return "", nil
			}
			return "", errors.Wrap(err, "reasoning")
		}
		if dec.Call == nil {
			return dec.Text, nil
		}

		call, err := o.registry.Decode(dec.Call.ID, dec.Call.Tool, dec.Call.Args)
		if err != nil {
			t.logger.Info().Err(err).Str("tool", dec.Call.Tool).Msg("tool arguments rejected")
			return clarify(err), nil
		}
		if call.Tool.Terminal() && t.terminal {
			t.logger.Warn().Str("tool", call.Tool.Name()).Msg("second terminal tool in one turn refused")
			return "", nil
		}

		done, reply, err := o.dispatch(ctx, t, call)
		if err != nil || done {
			return reply, err
		}
	}
	return "", nil
}

// dispatch runs one call and commits its effects. done reports that the
// loop must stop.
func (o *Orchestrator) dispatch(ctx context.Context, t *turn, call tools.Call) (done bool, reply string, err error) {
	if !t.slots.Belongs(call.Tool.Flow) && (call.Tool.Terminal() || !call.Args.Patch().IsZero()) {
		// Slots gathered for another kind of flow must not leak into this one.
		if err := o.startFlow(ctx, t); err != nil {
			return true, "", err
		}
	}

	outcome, err := o.registry.Dispatch(ctx, tools.Env{
		Provider: o.provider,
		UserID:   t.userID,
		Slots:    t.slots,
		Now:      o.now(),
	}, call)

	var incomplete *dialogue.IncompleteSlotsError
	if errors.As(err, &incomplete) {
		if !incomplete.Supplied.IsZero() {
			if err := o.ensureOpenFlow(ctx, t); err != nil {
				return true, "", err
			}
			if t.slots, err = o.store.PatchSlots(ctx, t.id, incomplete.Supplied); err != nil {
				return true, "", err
			}
		}
		t.logger.Info().Str("tool", call.Tool.Name()).Interface("missing", incomplete.Missing).Msg("slots incomplete")
		return true, askFor(incomplete.Missing), nil
	}
	if err != nil {
		return true, "", err
	}

	rec := outcome.Record
	rec.TurnSeq = t.userTurn.Seq
	rec.CreatedAt = o.now()
	if rec.Succeeded() {
		if err := o.ensureOpenFlow(ctx, t); err != nil {
			return true, "", err
		}
	}
	rec.FlowSeq = t.flow.Seq

	// Slots are committed only once their record is stored.
	pctx, cancel := persistContext(ctx)
	defer cancel()
	if err := o.store.RecordToolInvocation(pctx, t.id, rec); err != nil {
		return true, "", err
	}
	if rec.Succeeded() {
		if t.slots, err = o.store.PatchSlots(pctx, t.id, outcome.Patch); err != nil {
			return true, "", err
		}
	}
	t.records = append(t.records, rec)
	t.steps = append(t.steps, reasoning.Step{
		Call:     reasoning.Call{ID: rec.CallID, Tool: rec.Tool, Args: rec.Args},
		Status:   rec.Status,
		Message:  rec.Message,
		Artifact: rec.Artifact,
	})

	if !rec.Succeeded() {
		return true, rec.Message, nil
	}
	if call.Tool.Terminal() {
		if err := o.store.CompleteFlow(pctx, t.id); err != nil {
			return true, "", err
		}
		t.terminal = true
		t.flow.Done = true
		return true, "", nil
	}
	return false, "", nil
}

// ensureOpenFlow starts a new flow instance when the current one has
// already finished.
func (o *Orchestrator) ensureOpenFlow(ctx context.Context, t *turn) error {
	if !t.flow.Done {
		return nil
	}
	return o.startFlow(ctx, t)
}

func (o *Orchestrator) startFlow(ctx context.Context, t *turn) error {
	flow, err := o.store.StartFlow(ctx, t.id)
	if err != nil {
		return err
	}
	t.flow, t.slots = flow, dialogue.SlotSet{}
	t.logger.Debug().Int("flow_seq", flow.Seq).Msg("new flow started")
	return nil
}

// fail records the fallback reply and returns the ERROR envelope.
func (o *Orchestrator) fail(ctx context.Context, t *turn, err error) types.ChatResponse {
	ev := t.logger.Error()
	if errors.Is(err, dialogue.ErrUpstreamUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		ev = t.logger.Warn()
	}
	ev.Err(err).Msg("turn failed")

	pctx, cancel := persistContext(ctx)
	defer cancel()
	if _, aerr := o.store.AppendTurn(pctx, t.id, t.userID, dialogue.ActorAssistant, FallbackMessage); aerr != nil {
		t.logger.Error().Err(aerr).Msg("append fallback turn")
	}
	resp := errorEnvelope(t.id, FallbackMessage)
	o.publish(pctx, t, resp)
	return resp
}

func (o *Orchestrator) publish(ctx context.Context, t *turn, resp types.ChatResponse) {
	names := make([]string, len(t.records))
	for i, r := range t.records {
		names[i] = r.Tool
	}
	err := o.events.PublishTurn(ctx, events.TurnEvent{
		ConversationID: t.id,
		UserID:         t.userID,
		FlowSeq:        t.flow.Seq,
		FlowState:      string(dialogue.MarketState(t.slots, t.flow)),
		MessageType:    string(resp.MessageType),
		Tools:          names,
		At:             o.now(),
	})
	if err != nil {
		t.logger.Warn().Err(err).Msg("publish turn event")
	}
}

// persistContext outlives the turn deadline so that the closing writes of
// a turn are not lost when the deadline has just passed.
func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

func errorEnvelope(id, msg string) types.ChatResponse {
	return types.ChatResponse{ConversationID: id, Message: msg, MessageType: types.MessageError}
}

func askFor(missing []dialogue.SlotKey) string {
	msg := fmt.Sprintf("Almost there! I still need %s.", dialogue.Describe(missing))
	for _, k := range missing {
		if k == dialogue.SlotFixtureID {
			return msg + " Tell me a team or league and I'll find the match."
		}
	}
	return msg
}

func clarify(err error) string {
	var ve *dialogue.ValidationError
	if !errors.As(err, &ve) {
		return unclearMessage
	}
	switch ve.Field {
	case "amount":
		return "The amount has to be greater than zero. How much would you like to use?"
	case "selected_type":
		return "Please choose whether the home team will win, or draw or lose."
	case "fixture_id":
		return "Which match do you mean? Please pick one from the search results."
	case "date":
		return "Please give the date as YYYY-MM-DD."
	case "kind", "query":
		return "Which team or league should I search for?"
	}
	return unclearMessage
}
