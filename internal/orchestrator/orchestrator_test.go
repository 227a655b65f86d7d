package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hward/chatrelay/internal/llm"
	"github.com/hward/chatrelay/internal/protocol"
)

// scriptedStream replays a fixed event sequence, then io.EOF.
type scriptedStream struct {
	events []llm.Event
	pos    int
	closed bool
}

func (s *scriptedStream) Recv() (llm.Event, error) {
	if s.pos >= len(s.events) {
		return llm.Event{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

// scriptedModel returns one scripted stream per StreamTurn call and
// records the conversations it was given.
type scriptedModel struct {
	mu            sync.Mutex
	scripts       [][]llm.Event
	call          int
	conversations [][]llm.Message
}

func (m *scriptedModel) StreamTurn(ctx context.Context, messages []llm.Message, tools []llm.ToolSpec) (llm.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations = append(m.conversations, append([]llm.Message(nil), messages...))
	if m.call >= len(m.scripts) {
		return nil, fmt.Errorf("unexpected StreamTurn call %d", m.call)
	}
	s := &scriptedStream{events: m.scripts[m.call]}
	m.call++
	return s, nil
}

// fakeBroker resolves tool calls from a map. Handlers may block to
// exercise concurrency.
type fakeBroker struct {
	tools map[string]func(ctx context.Context, args map[string]any) (string, error)
}

func (b *fakeBroker) ListAll(context.Context) []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(b.tools))
	for name := range b.tools {
		specs = append(specs, llm.ToolSpec{Name: name})
	}
	return specs
}

func (b *fakeBroker) Dispatch(ctx context.Context, name string, args map[string]any) (string, error) {
	h, ok := b.tools[name]
	if !ok {
		return "", fmt.Errorf("tool %q is not available", name)
	}
	return h(ctx, args)
}

// recordingEmitter captures every emitted event.
type recordingEmitter struct {
	mu     sync.Mutex
	events []protocol.ServerEvent
}

func (r *recordingEmitter) Emit(ev protocol.ServerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEmitter) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Status
	}
	return out
}

func textDelta(s string) llm.Event { return llm.Event{Kind: llm.KindTextDelta, Delta: s} }

func toolCall(id, name string) llm.Event {
	return llm.Event{Kind: llm.KindToolCall, ToolCall: &llm.ToolCall{ID: id, Name: name}}
}

var done = llm.Event{Kind: llm.KindDone}

func newTestOrchestrator(model llm.Client, broker ToolBroker) *Orchestrator {
	return New(model, broker, Config{
		SystemPrompt:  "be helpful",
		MaxToolRounds: 3,
	}, nil)
}

func TestRunTurnPlainText(t *testing.T) {
	model := &scriptedModel{scripts: [][]llm.Event{
		{textDelta("2 + 2 "), textDelta("is 4"), done},
	}}
	emitter := &recordingEmitter{}

	o := newTestOrchestrator(model, &fakeBroker{})
	o.RunTurn(context.Background(), "req-1", "what is 2+2?", emitter)

	want := []string{"processing", "chunk", "chunk", "complete"}
	if got := emitter.statuses(); !equal(got, want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}

	if emitter.events[1].Chunk.Data != "2 + 2 " {
		t.Errorf("first chunk = %q", emitter.events[1].Chunk.Data)
	}
	for _, ev := range emitter.events {
		if ev.RequestID != "req-1" {
			t.Errorf("event %s has RequestID %q, want req-1", ev.Status, ev.RequestID)
		}
	}
}

func TestRunTurnProcessingEchoesUserText(t *testing.T) {
	model := &scriptedModel{scripts: [][]llm.Event{{done}}}
	emitter := &recordingEmitter{}

	o := newTestOrchestrator(model, &fakeBroker{})
	o.RunTurn(context.Background(), "req-1", "hello there", emitter)

	first := emitter.events[0]
	if first.Status != protocol.StatusProcessing {
		t.Fatalf("first status = %q", first.Status)
	}
	if got := first.Chunk.Metadata["user_message"]; got != "hello there" {
		t.Errorf("user_message = %v, want %q", got, "hello there")
	}
}

func TestRunTurnSingleToolRound(t *testing.T) {
	model := &scriptedModel{scripts: [][]llm.Event{
		{textDelta("Checking."), toolCall("call_1", "lookup"), done},
		{textDelta("It is sunny."), done},
	}}
	broker := &fakeBroker{tools: map[string]func(context.Context, map[string]any) (string, error){
		"lookup": func(context.Context, map[string]any) (string, error) {
			return "sunny", nil
		},
	}}
	emitter := &recordingEmitter{}

	o := newTestOrchestrator(model, broker)
	o.RunTurn(context.Background(), "req-1", "weather?", emitter)

	want := []string{"processing", "chunk", "tool_call", "chunk", "complete"}
	if got := emitter.statuses(); !equal(got, want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}

	// The second model call must see the tool result appended after the
	// assistant message that requested it.
	conv := model.conversations[1]
	last := conv[len(conv)-1]
	if last.Role != "tool" || last.Content != "sunny" || last.ToolCallID != "call_1" {
		t.Errorf("last message = %+v, want tool result for call_1", last)
	}
	assistant := conv[len(conv)-2]
	if assistant.Role != "assistant" || len(assistant.ToolCalls) != 1 {
		t.Errorf("second-to-last = %+v, want assistant with tool calls", assistant)
	}
}

func TestRunTurnBatchJoinedInRequestOrder(t *testing.T) {
	// Three parallel calls; the first deliberately finishes last.
	release := make(chan struct{}, 2)
	model := &scriptedModel{scripts: [][]llm.Event{
		{toolCall("call_a", "slow"), toolCall("call_b", "fast"), toolCall("call_c", "fast"), done},
		{textDelta("done"), done},
	}}
	broker := &fakeBroker{tools: map[string]func(context.Context, map[string]any) (string, error){
		"slow": func(ctx context.Context, _ map[string]any) (string, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return "", ctx.Err()
			}
			return "slow-result", nil
		},
		"fast": func(context.Context, map[string]any) (string, error) {
			release <- struct{}{}
			return "fast-result", nil
		},
	}}
	emitter := &recordingEmitter{}

	o := newTestOrchestrator(model, broker)
	o.RunTurn(context.Background(), "req-1", "go", emitter)

	conv := model.conversations[1]
	var results []llm.Message
	for _, m := range conv {
		if m.Role == "tool" {
			results = append(results, m)
		}
	}
	if len(results) != 3 {
		t.Fatalf("got %d tool results, want 3", len(results))
	}
	wantIDs := []string{"call_a", "call_b", "call_c"}
	for i, id := range wantIDs {
		if results[i].ToolCallID != id {
			t.Errorf("results[%d].ToolCallID = %q, want %q (request order)", i, results[i].ToolCallID, id)
		}
	}
	if results[0].Content != "slow-result" {
		t.Errorf("results[0].Content = %q, want %q", results[0].Content, "slow-result")
	}
}

func TestRunTurnToolFailureDoesNotAbort(t *testing.T) {
	model := &scriptedModel{scripts: [][]llm.Event{
		{toolCall("call_1", "broken"), done},
		{textDelta("recovered"), done},
	}}
	broker := &fakeBroker{tools: map[string]func(context.Context, map[string]any) (string, error){
		"broken": func(context.Context, map[string]any) (string, error) {
			return "", fmt.Errorf("backend exploded")
		},
	}}
	emitter := &recordingEmitter{}

	o := newTestOrchestrator(model, broker)
	o.RunTurn(context.Background(), "req-1", "go", emitter)

	statuses := emitter.statuses()
	if statuses[len(statuses)-1] != protocol.StatusComplete {
		t.Fatalf("statuses = %v, want terminal complete", statuses)
	}

	conv := model.conversations[1]
	last := conv[len(conv)-1]
	if last.Role != "tool" || !strings.Contains(last.Content, "backend exploded") {
		t.Errorf("last message = %+v, want error text fed back to the model", last)
	}
}

func TestRunTurnUnknownToolBecomesErrorResult(t *testing.T) {
	model := &scriptedModel{scripts: [][]llm.Event{
		{toolCall("call_1", "ghost"), done},
		{textDelta("ok"), done},
	}}
	emitter := &recordingEmitter{}

	o := newTestOrchestrator(model, &fakeBroker{})
	o.RunTurn(context.Background(), "req-1", "go", emitter)

	conv := model.conversations[1]
	last := conv[len(conv)-1]
	if last.Role != "tool" || !strings.Contains(last.Content, "ghost") {
		t.Errorf("last message = %+v, want not-available result for ghost", last)
	}
	if got := emitter.statuses(); got[len(got)-1] != protocol.StatusComplete {
		t.Errorf("statuses = %v, want terminal complete", got)
	}
}

func TestRunTurnToolLoopLimit(t *testing.T) {
	// The model requests tools on every round, forever.
	loop := []llm.Event{toolCall("c", "echo"), done}
	model := &scriptedModel{scripts: [][]llm.Event{loop, loop, loop, loop, loop}}
	broker := &fakeBroker{tools: map[string]func(context.Context, map[string]any) (string, error){
		"echo": func(context.Context, map[string]any) (string, error) { return "again", nil },
	}}
	emitter := &recordingEmitter{}

	o := New(model, broker, Config{MaxToolRounds: 2}, nil)
	o.RunTurn(context.Background(), "req-1", "go", emitter)

	last := emitter.events[len(emitter.events)-1]
	if last.Status != protocol.StatusError {
		t.Fatalf("last status = %q, want error", last.Status)
	}
	if last.Error.Kind != protocol.ErrKindToolLoopLimit {
		t.Errorf("error kind = %q, want %q", last.Error.Kind, protocol.ErrKindToolLoopLimit)
	}

	// Exactly two batches ran before the limit tripped.
	var batches int
	for _, ev := range emitter.events {
		if ev.Status == protocol.StatusToolCall {
			batches++
		}
	}
	if batches != 2 {
		t.Errorf("tool_call events = %d, want 2", batches)
	}
}

func TestRunTurnModelErrorPropagates(t *testing.T) {
	model := &scriptedModel{scripts: [][]llm.Event{
		{textDelta("partial"), {Kind: llm.KindError, Err: &llm.TurnError{Kind: "provider_error", Message: "upstream 500"}}},
	}}
	emitter := &recordingEmitter{}

	o := newTestOrchestrator(model, &fakeBroker{})
	o.RunTurn(context.Background(), "req-1", "go", emitter)

	last := emitter.events[len(emitter.events)-1]
	if last.Status != protocol.StatusError {
		t.Fatalf("last status = %q, want error", last.Status)
	}
	if last.Error.Kind != protocol.ErrKindProvider {
		t.Errorf("error kind = %q, want %q", last.Error.Kind, protocol.ErrKindProvider)
	}
}

func TestRunTurnCancellationEmitsNothingFurther(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	model := &scriptedModel{scripts: [][]llm.Event{
		{toolCall("call_1", "hang"), done},
	}}
	broker := &fakeBroker{tools: map[string]func(context.Context, map[string]any) (string, error){
		"hang": func(hctx context.Context, _ map[string]any) (string, error) {
			cancel()
			<-hctx.Done()
			return "", hctx.Err()
		},
	}}
	emitter := &recordingEmitter{}

	o := newTestOrchestrator(model, broker)
	doneCh := make(chan struct{})
	go func() {
		o.RunTurn(ctx, "req-1", "go", emitter)
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("RunTurn did not return after cancellation")
	}

	statuses := emitter.statuses()
	for _, s := range statuses {
		if s == protocol.StatusComplete || s == protocol.StatusError {
			t.Errorf("statuses = %v, want no terminal event after cancellation", statuses)
		}
	}
}

func TestRunTurnTimeout(t *testing.T) {
	model := &scriptedModel{scripts: [][]llm.Event{
		{toolCall("call_1", "hang"), done},
	}}
	broker := &fakeBroker{tools: map[string]func(context.Context, map[string]any) (string, error){
		"hang": func(hctx context.Context, _ map[string]any) (string, error) {
			<-hctx.Done()
			return "", hctx.Err()
		},
	}}
	emitter := &recordingEmitter{}

	o := New(model, broker, Config{
		MaxToolRounds: 2,
		TurnTimeout:   50 * time.Millisecond,
	}, nil)

	start := time.Now()
	o.RunTurn(context.Background(), "req-1", "go", emitter)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("RunTurn took %s, want prompt timeout", elapsed)
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
