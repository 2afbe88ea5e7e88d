package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"predix-agent-backend/internal/classify"
	"predix-agent-backend/internal/dialogue"
	"predix-agent-backend/internal/events"
	"predix-agent-backend/internal/reasoning"
	"predix-agent-backend/internal/sports"
	"predix-agent-backend/internal/store"
	"predix-agent-backend/internal/tools"
	"predix-agent-backend/internal/types"
)

var testNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

type reasonerFunc func(ctx context.Context, in reasoning.Input) (reasoning.Decision, error)

func (f reasonerFunc) Next(ctx context.Context, in reasoning.Input) (reasoning.Decision, error) {
	return f(ctx, in)
}

// script replays decisions in order and then stays silent.
func script(decisions ...reasoning.Decision) reasoning.Reasoner {
	var (
		mu sync.Mutex
		i  int
	)
	return reasonerFunc(func(context.Context, reasoning.Input) (reasoning.Decision, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(decisions) {
			return reasoning.Decision{}, nil
		}
		d := decisions[i]
		i++
		return d, nil
	})
}

func toolCall(tool, args string) reasoning.Decision {
	return reasoning.Decision{Call: &reasoning.Call{Tool: tool, Args: json.RawMessage(args)}}
}

type blockingProvider struct{}

func (blockingProvider) Search(ctx context.Context, _ sports.Query) ([]sports.Fixture, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type brokenStore struct {
	*store.MemoryStore
}

func (brokenStore) Load(context.Context, string) (*dialogue.Conversation, error) {
	return nil, dialogue.Unavailable("load", errors.New("connection refused"))
}

type recordFailingStore struct {
	*store.MemoryStore
}

func (recordFailingStore) RecordToolInvocation(context.Context, string, dialogue.ToolInvocation) error {
	return dialogue.Unavailable("record_tool_invocation", errors.New("disk full"))
}

func newOrchestrator(t *testing.T, d Deps) (*Orchestrator, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	if d.Store == nil {
		d.Store = mem
	}
	if d.Reasoner == nil {
		d.Reasoner = reasoning.NewHeuristicReasoner()
	}
	if d.Provider == nil {
		d.Provider = sports.NewMockProvider(testNow)
	}
	if d.Now == nil {
		d.Now = func() time.Time { return testNow }
	}
	o, err := New(d)
	require.NoError(t, err)
	return o, mem
}

func send(o *Orchestrator, conv, text string) types.ChatResponse {
	return o.HandleMessage(context.Background(), types.ChatRequest{UserID: "u1", ConversationID: conv, Message: text})
}

func load(t *testing.T, s store.Store, id string) *dialogue.Conversation {
	t.Helper()
	c, err := s.Load(context.Background(), id)
	require.NoError(t, err)
	return c
}

func rawData(t *testing.T, resp types.ChatResponse) json.RawMessage {
	t.Helper()
	data, ok := resp.Data.(json.RawMessage)
	require.True(t, ok, "data should be raw JSON, got %T", resp.Data)
	return data
}

func TestMarketFlowEndToEnd(t *testing.T) {
	o, mem := newOrchestrator(t, Deps{})

	// Search
	resp := send(o, "c1", "Find Tottenham matches")
	require.Equal(t, types.MessageSportsSearch, resp.MessageType, resp.Message)
	assert.Equal(t, "c1", resp.ConversationID)
	var search tools.SearchPayload
	require.NoError(t, json.Unmarshal(rawData(t, resp), &search))
	assert.Equal(t, "Tottenham", search.Query)
	require.NotEmpty(t, search.Fixtures)
	ids := make([]int64, 0, len(search.Fixtures))
	for _, fx := range search.Fixtures {
		ids = append(ids, fx.ID)
	}
	assert.Contains(t, ids, int64(12345))

	// Pick a fixture
	resp = send(o, "c1", "I pick fixture 12345")
	require.Equal(t, types.MessageMarketOptions, resp.MessageType, resp.Message)
	var options tools.OptionsPayload
	require.NoError(t, json.Unmarshal(rawData(t, resp), &options))
	require.Len(t, options.Options, 2)
	assert.Equal(t, dialogue.SelectionWin, options.Options[0].Type)
	assert.Equal(t, dialogue.SelectionDrawLose, options.Options[1].Type)
	c := load(t, mem, "c1")
	require.NotNil(t, c.Slots.FixtureID)
	assert.Equal(t, int64(12345), *c.Slots.FixtureID)
	assert.Equal(t, dialogue.StateOptionsPresented, dialogue.MarketState(c.Slots, c.Flow))

	// Outcome and amount together
	resp = send(o, "c1", "Home team win, bet 0.5 SOL")
	require.Equal(t, types.MessageMarketFinal, resp.MessageType, resp.Message)
	var pkg tools.MarketPackage
	require.NoError(t, json.Unmarshal(rawData(t, resp), &pkg))
	assert.Equal(t, 0.5, pkg.Amount)
	assert.Equal(t, "SOL", pkg.Currency)
	assert.Equal(t, "Tottenham vs Arsenal Match Prediction", pkg.Market.Title)
	assert.Equal(t, "u1", pkg.Market.CreatorID)

	c = load(t, mem, "c1")
	require.NotNil(t, c.Slots.SelectedType)
	assert.Equal(t, dialogue.SelectionWin, *c.Slots.SelectedType)
	assert.Equal(t, 0.5, *c.Slots.Amount)
	assert.Equal(t, "SOL", *c.Slots.Currency)
	assert.Equal(t, int64(12345), *c.Slots.FixtureID)
	assert.True(t, c.Flow.Done)

	// Turns are exactly the user and assistant messages in order
	require.Len(t, c.Turns, 6)
	for i, turn := range c.Turns {
		assert.Equal(t, i+1, turn.Seq)
		if i%2 == 0 {
			assert.Equal(t, dialogue.ActorUser, turn.Actor)
		} else {
			assert.Equal(t, dialogue.ActorAssistant, turn.Actor)
		}
	}
	assert.Equal(t, "Find Tottenham matches", c.Turns[0].Content)
	assert.Equal(t, "I pick fixture 12345", c.Turns[2].Content)
	assert.Equal(t, "Home team win, bet 0.5 SOL", c.Turns[4].Content)

	require.Len(t, c.Invocations, 3)
	assert.Equal(t, []int{1, 3, 5}, []int{c.Invocations[0].TurnSeq, c.Invocations[1].TurnSeq, c.Invocations[2].TurnSeq})
	for _, rec := range c.Invocations {
		assert.Equal(t, 1, rec.FlowSeq)
		assert.True(t, rec.Succeeded())
		assert.NotEmpty(t, rec.CallID)
	}
}

func TestSlotsAreMonotonicWithinAFlow(t *testing.T) {
	o, mem := newOrchestrator(t, Deps{})
	send(o, "c1", "I pick fixture 12345")
	send(o, "c1", "Find Tottenham matches")
	send(o, "c1", "hello")

	c := load(t, mem, "c1")
	require.NotNil(t, c.Slots.FixtureID)
	assert.Equal(t, int64(12345), *c.Slots.FixtureID)
	assert.Equal(t, "Tottenham", *c.Slots.HomeTeam)
	assert.Equal(t, 1, c.Flow.Seq)
}

func TestFinalizeBeforeFixtureAsksForIt(t *testing.T) {
	o, mem := newOrchestrator(t, Deps{})

	resp := send(o, "c4", "bet 2 SOL")
	assert.Equal(t, types.MessageText, resp.MessageType)
	assert.Nil(t, resp.Data)
	assert.Contains(t, resp.Message, "the match")
	assert.Contains(t, resp.Message, "the outcome")

	c := load(t, mem, "c4")
	assert.Empty(t, c.Invocations)
	require.NotNil(t, c.Slots.Amount)
	assert.Equal(t, 2.0, *c.Slots.Amount)
	assert.Equal(t, "SOL", *c.Slots.Currency)
	assert.Nil(t, c.Slots.FixtureID)
	require.Len(t, c.Turns, 2)
	assert.Equal(t, resp.Message, c.Turns[1].Content)
}

func TestSearchProviderFailure(t *testing.T) {
	o, mem := newOrchestrator(t, Deps{Provider: sports.Unavailable{}})

	var resp types.ChatResponse
	require.NotPanics(t, func() { resp = send(o, "c5", "Find Tottenham matches") })
	assert.Equal(t, types.MessageError, resp.MessageType)
	assert.Equal(t, "I couldn't search for matches right now. Please try again.", resp.Message)
	assert.Nil(t, resp.Data)

	c := load(t, mem, "c5")
	require.Len(t, c.Turns, 2)
	assert.Equal(t, "Find Tottenham matches", c.Turns[0].Content)
	require.Len(t, c.Invocations, 1)
	assert.Equal(t, dialogue.StatusFailure, c.Invocations[0].Status)
}

func TestClassifierUsesLastOfTwoTerminalRecords(t *testing.T) {
	records := []dialogue.ToolInvocation{
		{CallID: "call_1", Tool: "finalize_market", Status: dialogue.StatusSuccess, Terminal: true, Artifact: json.RawMessage(`{"amount":1}`)},
		{CallID: "call_2", Tool: "finalize_swap", Status: dialogue.StatusSuccess, Terminal: true, Artifact: json.RawMessage(`{"amount":2}`)},
	}
	resp := classify.Classify(tools.NewRegistry(), "c6", "done", records)
	assert.Equal(t, types.MessageTokenSwap, resp.MessageType)
	assert.JSONEq(t, `{"amount":2}`, string(resp.Data.(json.RawMessage)))
}

func TestReasonerFailureKeepsUserMessage(t *testing.T) {
	failing := reasonerFunc(func(context.Context, reasoning.Input) (reasoning.Decision, error) {
		return reasoning.Decision{}, errors.Wrap(dialogue.ErrUpstreamUnavailable, "chat completion: 502")
	})
	o, mem := newOrchestrator(t, Deps{Reasoner: failing})

	resp := send(o, "c1", "Find Tottenham matches")
	assert.Equal(t, types.ChatResponse{ConversationID: "c1", Message: FallbackMessage, MessageType: types.MessageError}, resp)

	c := load(t, mem, "c1")
	require.Len(t, c.Turns, 2)
	assert.Equal(t, dialogue.ActorUser, c.Turns[0].Actor)
	assert.Equal(t, "Find Tottenham matches", c.Turns[0].Content)
	assert.Equal(t, FallbackMessage, c.Turns[1].Content)
}

func TestReasonerPanicIsContained(t *testing.T) {
	panicking := reasonerFunc(func(context.Context, reasoning.Input) (reasoning.Decision, error) {
		panic("nil map")
	})
	o, _ := newOrchestrator(t, Deps{Reasoner: panicking})

	var resp types.ChatResponse
	require.NotPanics(t, func() { resp = send(o, "c1", "hi") })
	assert.Equal(t, types.MessageError, resp.MessageType)
	assert.Equal(t, FallbackMessage, resp.Message)
}

func TestStoreFailureIsAnError(t *testing.T) {
	o, _ := newOrchestrator(t, Deps{Store: brokenStore{store.NewMemoryStore()}})
	resp := send(o, "c1", "Find Tottenham matches")
	assert.Equal(t, types.MessageError, resp.MessageType)
	assert.Equal(t, FallbackMessage, resp.Message)
	assert.NotContains(t, resp.Message, "connection refused")
}

func TestMissingConversationID(t *testing.T) {
	o, mem := newOrchestrator(t, Deps{})
	resp := send(o, "  ", "hello")
	assert.Equal(t, types.MessageError, resp.MessageType)
	assert.Equal(t, ConversationIDMessage, resp.Message)

	list, err := mem.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAtMostOneTerminalToolPerTurn(t *testing.T) {
	swap := `{"from_network":"solana","from_asset":"SOL","amount":1,"to_network":"solana","to_asset":"USDC"}`
	o, mem := newOrchestrator(t, Deps{
		Reasoner: script(toolCall("finalize_swap", swap), toolCall("finalize_swap", swap), toolCall("finalize_bridge", swap)),
		MaxSteps: 5,
	})

	resp := send(o, "c1", "swap 1 SOL to USDC twice")
	assert.Equal(t, types.MessageTokenSwap, resp.MessageType)

	c := load(t, mem, "c1")
	terminal := 0
	for _, rec := range c.Invocations {
		if rec.Terminal {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
	assert.True(t, c.Flow.Done)
}

func TestInformationalToolsChainWithinATurn(t *testing.T) {
	var seen []int
	steps := []reasoning.Decision{
		toolCall("present_options", `{"fixture_id":12345}`),
		toolCall("request_amount", `{"selected_type":"draw_lose"}`),
		{Text: "How much SOL would you like to bet on Tottenham Draw/Lose?"},
	}
	r := reasonerFunc(func(_ context.Context, in reasoning.Input) (reasoning.Decision, error) {
		seen = append(seen, len(in.Steps))
		return steps[len(in.Steps)], nil
	})
	o, mem := newOrchestrator(t, Deps{Reasoner: r})

	resp := send(o, "c1", "Spurs against Arsenal, I think they draw or lose")
	assert.Equal(t, types.MessageAmountRequest, resp.MessageType)
	assert.Equal(t, "How much SOL would you like to bet on Tottenham Draw/Lose?", resp.Message)
	assert.Equal(t, []int{0, 1, 2}, seen)

	c := load(t, mem, "c1")
	assert.Equal(t, dialogue.StateAmountRequested, dialogue.MarketState(c.Slots, c.Flow))
	require.Len(t, c.Invocations, 2)
}

func TestInvalidArgumentsAskForClarification(t *testing.T) {
	o, mem := newOrchestrator(t, Deps{Reasoner: script(toolCall("request_amount", `{"selected_type":"maybe"}`))})

	resp := send(o, "c1", "maybe")
	assert.Equal(t, types.MessageText, resp.MessageType)
	assert.Equal(t, "Please choose whether the home team will win, or draw or lose.", resp.Message)

	c := load(t, mem, "c1")
	assert.Empty(t, c.Invocations)
	assert.True(t, c.Slots.IsZero())
}

func TestTimedOutToolCommitsNothing(t *testing.T) {
	o, mem := newOrchestrator(t, Deps{Provider: blockingProvider{}, TurnTimeout: 50 * time.Millisecond})

	resp := send(o, "c1", "I pick fixture 12345")
	assert.Equal(t, types.MessageError, resp.MessageType)

	c := load(t, mem, "c1")
	assert.Nil(t, c.Slots.FixtureID)
	require.Len(t, c.Invocations, 1)
	assert.Equal(t, dialogue.StatusFailure, c.Invocations[0].Status)
	require.Len(t, c.Turns, 2)
}

func TestNewFlowStartsAfterFinalize(t *testing.T) {
	o, mem := newOrchestrator(t, Deps{})
	send(o, "c1", "I pick fixture 12345")
	send(o, "c1", "Home team win, bet 0.5 SOL")
	require.True(t, load(t, mem, "c1").Flow.Done)

	resp := send(o, "c1", "Find Real Madrid matches")
	assert.Equal(t, types.MessageSportsSearch, resp.MessageType)

	c := load(t, mem, "c1")
	assert.Equal(t, dialogue.Flow{Seq: 2}, c.Flow)
	assert.True(t, c.Slots.IsZero())
	assert.Equal(t, 2, c.Invocations[len(c.Invocations)-1].FlowSeq)
	assert.Equal(t, dialogue.StateSearching, dialogue.MarketState(c.Slots, c.Flow))
}

func TestSilentReasonerRepresentsCurrentStep(t *testing.T) {
	o, _ := newOrchestrator(t, Deps{})
	first := send(o, "c1", "I pick fixture 12345")
	require.Equal(t, types.MessageMarketOptions, first.MessageType)

	o.reasoner = script()
	resp := send(o, "c1", "...")
	assert.Equal(t, types.MessageMarketOptions, resp.MessageType)
	assert.Equal(t, first.Message, resp.Message)
	assert.JSONEq(t, string(rawData(t, first)), string(rawData(t, resp)))

	o.reasoner = reasoning.NewHeuristicReasoner()
	final := send(o, "c1", "Home team win, bet 0.5 SOL")
	require.Equal(t, types.MessageMarketFinal, final.MessageType, final.Message)

	// A finished market is never shown again
	o.reasoner = script()
	resp = send(o, "c1", "...")
	assert.Equal(t, types.MessageText, resp.MessageType)
	assert.Equal(t, unclearMessage, resp.Message)
	assert.Nil(t, resp.Data)
}

func TestTransferDoesNotReuseBetAmount(t *testing.T) {
	o, mem := newOrchestrator(t, Deps{Reasoner: script(
		toolCall("finalize_market", `{"amount":2,"currency":"SOL"}`),
		toolCall("finalize_bridge", `{"from_network":"solana","from_asset":"USDC","to_network":"ethereum","to_asset":"USDC"}`),
	)})

	resp := send(o, "c1", "bet 2 SOL")
	require.Equal(t, types.MessageText, resp.MessageType)
	require.Equal(t, dialogue.FlowMarket, load(t, mem, "c1").Slots.Kind)

	resp = send(o, "c1", "bridge my USDC from solana to ethereum")
	assert.Equal(t, types.MessageText, resp.MessageType)
	assert.Equal(t, "Almost there! I still need the amount.", resp.Message)
	assert.Nil(t, resp.Data)

	c := load(t, mem, "c1")
	assert.Equal(t, dialogue.Flow{Seq: 2}, c.Flow)
	assert.Equal(t, dialogue.FlowTransfer, c.Slots.Kind)
	assert.Nil(t, c.Slots.Amount)
	assert.Nil(t, c.Slots.Currency)
	require.NotNil(t, c.Slots.NetworkFrom)
	assert.Equal(t, "solana", *c.Slots.NetworkFrom)
	assert.Empty(t, c.Invocations)
}

func TestFailedRecordWriteCommitsNoSlots(t *testing.T) {
	mem := store.NewMemoryStore()
	o, _ := newOrchestrator(t, Deps{Store: recordFailingStore{mem}})

	resp := send(o, "c1", "I pick fixture 12345")
	assert.Equal(t, types.MessageError, resp.MessageType)
	assert.Equal(t, FallbackMessage, resp.Message)

	c := load(t, mem, "c1")
	assert.True(t, c.Slots.IsZero())
	assert.Empty(t, c.Invocations)
}

func TestTransferFlows(t *testing.T) {
	o, _ := newOrchestrator(t, Deps{})

	resp := send(o, "b1", "bridge 10 USDC from solana to ethereum")
	require.Equal(t, types.MessageTokenBridge, resp.MessageType, resp.Message)
	assert.JSONEq(t, `{"from_network":"solana","from_asset":"USDC","amount":10,"to_network":"ethereum","to_asset":"USDC"}`, string(rawData(t, resp)))

	resp = send(o, "s1", "swap 1 SOL to USDC on solana")
	require.Equal(t, types.MessageTokenSwap, resp.MessageType, resp.Message)
	assert.JSONEq(t, `{"from_network":"solana","from_asset":"SOL","amount":1,"to_network":"solana","to_asset":"USDC"}`, string(rawData(t, resp)))
}

func TestTurnEventsArePublished(t *testing.T) {
	ch := events.NewGoChannel(watermill.NopLogger{})
	defer ch.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msgs, err := ch.Subscribe(ctx, "turns")
	require.NoError(t, err)

	o, _ := newOrchestrator(t, Deps{Events: events.NewPublisher(ch, "turns")})
	send(o, "c1", "Find Tottenham matches")

	select {
	case msg := <-msgs:
		msg.Ack()
		var ev events.TurnEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		assert.Equal(t, "c1", ev.ConversationID)
		assert.Equal(t, "u1", ev.UserID)
		assert.Equal(t, string(types.MessageSportsSearch), ev.MessageType)
		assert.Equal(t, []string{"search_fixture"}, ev.Tools)
		assert.Equal(t, string(dialogue.StateSearching), ev.FlowState)
	case <-ctx.Done():
		t.Fatal("no turn event")
	}
}

func TestConcurrentTurnsAreSerialized(t *testing.T) {
	slow := reasonerFunc(func(context.Context, reasoning.Input) (reasoning.Decision, error) {
		time.Sleep(5 * time.Millisecond)
		return reasoning.Decision{Text: "ok"}, nil
	})
	o, mem := newOrchestrator(t, Deps{Reasoner: slow})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			send(o, "c1", fmt.Sprintf("message %d", i))
		}(i)
	}
	wg.Wait()

	c := load(t, mem, "c1")
	require.Len(t, c.Turns, 20)
	for i := 0; i < len(c.Turns); i += 2 {
		assert.Equal(t, dialogue.ActorUser, c.Turns[i].Actor)
		assert.Equal(t, dialogue.ActorAssistant, c.Turns[i+1].Actor)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{Reasoner: reasoning.NewHeuristicReasoner(), Provider: sports.Unavailable{}})
	assert.Error(t, err)
	_, err = New(Deps{Store: store.NewMemoryStore(), Provider: sports.Unavailable{}})
	assert.Error(t, err)
	_, err = New(Deps{Store: store.NewMemoryStore(), Reasoner: reasoning.NewHeuristicReasoner()})
	assert.Error(t, err)
}
