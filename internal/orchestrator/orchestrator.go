// Package orchestrator drives one chat turn: stream model output to the
// client, run requested tool batches, feed results back, and repeat
// until the model finishes or a limit trips.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hward/chatrelay/internal/llm"
	"github.com/hward/chatrelay/internal/protocol"
	"github.com/hward/chatrelay/internal/tools"
)

// State is the turn lifecycle state. Transitions only move forward:
// started → awaiting_model → (streaming_text | awaiting_tools) →
// awaiting_model … → complete. failed is reachable from anywhere,
// cancelled from any non-terminal state.
type State string

const (
	StateStarted       State = "started"
	StateAwaitingModel State = "awaiting_model"
	StateStreamingText State = "streaming_text"
	StateAwaitingTools State = "awaiting_tools"
	StateComplete      State = "complete"
	StateFailed        State = "failed"
	StateCancelled     State = "cancelled"
)

// Emitter delivers server events to the client. Implementations must be
// safe for use from the single turn goroutine; the session layer
// serializes socket writes underneath.
type Emitter interface {
	Emit(ev protocol.ServerEvent) error
}

// ToolBroker is the registry surface the orchestrator needs: a fresh
// catalogue at turn start and call dispatch during tool rounds.
type ToolBroker interface {
	ListAll(ctx context.Context) []llm.ToolSpec
	Dispatch(ctx context.Context, name string, args map[string]any) (string, error)
}

// Config bounds a turn's execution.
type Config struct {
	SystemPrompt  string
	MaxToolRounds int
	TurnTimeout   time.Duration
	ToolTimeout   time.Duration
}

// Orchestrator executes chat turns. One instance is shared by all
// connections; per-turn state lives on the stack of RunTurn.
type Orchestrator struct {
	model  llm.Client
	broker ToolBroker
	cfg    Config
	logger *slog.Logger
}

// New creates a turn orchestrator.
func New(model llm.Client, broker ToolBroker, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 8
	}
	return &Orchestrator{
		model:  model,
		broker: broker,
		cfg:    cfg,
		logger: logger.With("component", "orchestrator"),
	}
}

// RunTurn executes one chat turn for userText, emitting progress events
// tagged with requestID. It blocks until the turn reaches a terminal
// state. Context cancellation (disconnect or turn timeout) stops the
// model stream and in-flight tool calls; nothing further is emitted
// after cancellation is observed.
func (o *Orchestrator) RunTurn(ctx context.Context, requestID, userText string, emit Emitter) {
	if o.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.TurnTimeout)
		defer cancel()
	}

	logger := o.logger.With("request_id", requestID)
	state := StateStarted
	start := time.Now()

	logger.Info("turn started", "chars", len(userText))

	if err := emit.Emit(protocol.Processing(requestID, userText)); err != nil {
		logger.Warn("client write failed, turn abandoned", "error", err)
		return
	}

	conversation := []llm.Message{
		{Role: "system", Content: o.cfg.SystemPrompt},
		{Role: "user", Content: userText},
	}
	catalogue := o.broker.ListAll(ctx)
	logger.Debug("tool catalogue assembled", "tools", len(catalogue))

	// round counts executed tool batches.
	for round := 0; ; round++ {
		state = StateAwaitingModel
		reply, calls, err := o.streamModel(ctx, logger, requestID, conversation, catalogue, emit, &state)
		if err != nil {
			if ctx.Err() != nil {
				state = StateCancelled
				logger.Info("turn cancelled",
					"state", state, "elapsed", time.Since(start))
				return
			}
			state = StateFailed
			o.emitError(ctx, emit, requestID, errorKind(err), err.Error())
			return
		}

		if len(calls) == 0 {
			state = StateComplete
			if err := emit.Emit(protocol.Complete(requestID)); err != nil {
				logger.Warn("client write failed on completion", "error", err)
			}
			logger.Info("turn complete",
				"state", state, "rounds", round, "elapsed", time.Since(start))
			return
		}

		if round >= o.cfg.MaxToolRounds {
			state = StateFailed
			logger.Warn("tool round limit exceeded", "rounds", round)
			o.emitError(ctx, emit, requestID,
				protocol.ErrKindToolLoopLimit,
				fmt.Sprintf("turn exceeded %d tool rounds", o.cfg.MaxToolRounds))
			return
		}

		state = StateAwaitingTools
		names := make([]string, len(calls))
		for i, c := range calls {
			names[i] = c.Name
		}
		logger.Info("tool batch started", "round", round, "tools", names)

		if err := emit.Emit(protocol.ToolCallEvent(requestID, names)); err != nil {
			logger.Warn("client write failed, turn abandoned", "error", err)
			return
		}

		results := o.runBatch(ctx, logger, calls)
		if ctx.Err() != nil {
			state = StateCancelled
			logger.Info("turn cancelled during tool batch", "elapsed", time.Since(start))
			return
		}

		conversation = append(conversation, llm.Message{
			Role:      "assistant",
			Content:   reply,
			ToolCalls: calls,
		})
		for _, r := range results {
			conversation = append(conversation, llm.Message{
				Role:       "tool",
				Content:    r.Content,
				ToolCallID: r.CallID,
			})
		}
	}
}

// streamModel runs one model generation, forwarding text deltas as
// chunk events and collecting any tool calls. It returns the assembled
// assistant text and the batch of requested calls.
func (o *Orchestrator) streamModel(
	ctx context.Context,
	logger *slog.Logger,
	requestID string,
	conversation []llm.Message,
	catalogue []llm.ToolSpec,
	emit Emitter,
	state *State,
) (string, []llm.ToolCall, error) {
	stream, err := o.model.StreamTurn(ctx, conversation, catalogue)
	if err != nil {
		return "", nil, fmt.Errorf("open model stream: %w", err)
	}
	defer stream.Close()

	var reply []byte
	var calls []llm.ToolCall

	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return string(reply), calls, nil
		}
		if err != nil {
			return "", nil, fmt.Errorf("read model stream: %w", err)
		}

		switch ev.Kind {
		case llm.KindTextDelta:
			*state = StateStreamingText
			reply = append(reply, ev.Delta...)
			if err := emit.Emit(protocol.TextChunk(requestID, ev.Delta)); err != nil {
				return "", nil, fmt.Errorf("client write: %w", err)
			}

		case llm.KindToolCall:
			calls = append(calls, *ev.ToolCall)

		case llm.KindDone:
			// Terminal; the next Recv returns io.EOF.

		case llm.KindError:
			return "", nil, ev.Err
		}
	}
}

// runBatch dispatches every call in the batch concurrently and joins
// the results in request order, whatever order they finish in. A failed
// call becomes an error-status result; it never fails the batch.
func (o *Orchestrator) runBatch(ctx context.Context, logger *slog.Logger, calls []llm.ToolCall) []tools.Result {
	results := make([]tools.Result, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			results[i] = o.runCall(gctx, logger, call)
			return nil
		})
	}
	g.Wait()

	return results
}

func (o *Orchestrator) runCall(ctx context.Context, logger *slog.Logger, call llm.ToolCall) tools.Result {
	if o.cfg.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.ToolTimeout)
		defer cancel()
	}

	start := time.Now()
	out, err := o.broker.Dispatch(ctx, call.Name, call.Arguments)
	if err != nil {
		logger.Warn("tool call failed",
			"tool", call.Name, "call_id", call.ID,
			"elapsed", time.Since(start), "error", err)
		return tools.Failed(call.ID, err.Error())
	}

	logger.Debug("tool call succeeded",
		"tool", call.Name, "call_id", call.ID, "elapsed", time.Since(start))
	return tools.OK(call.ID, out)
}

// emitError sends a terminal error event unless the turn was already
// cancelled.
func (o *Orchestrator) emitError(ctx context.Context, emit Emitter, requestID, kind, message string) {
	if ctx.Err() != nil {
		return
	}
	if err := emit.Emit(protocol.ErrorEvent(requestID, kind, message)); err != nil {
		o.logger.Warn("client write failed for error event",
			"request_id", requestID, "error", err)
	}
}

// errorKind maps internal failures to the client-facing error kinds.
func errorKind(err error) string {
	var pe *llm.ProviderError
	var te *llm.TurnError
	switch {
	case errors.As(err, &pe):
		return protocol.ErrKindProvider
	case errors.As(err, &te):
		return te.Kind
	default:
		return protocol.ErrKindInternal
	}
}
