package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hward/chatrelay/internal/httpkit"
)

// OpenAIConfig holds the provider settings for the OpenAI adapter.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string // e.g. https://api.openai.com/v1
	Model       string
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// OpenAIClient implements Client against the OpenAI chat completions
// API with SSE streaming.
type OpenAIClient struct {
	cfg        OpenAIConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates an OpenAI streaming client.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	// Generation can run long before and while sending the body. Rely
	// on ctx deadlines for timeout control, not a client-wide timeout.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &OpenAIClient{
		cfg:    cfg,
		logger: logger.With("provider", "openai"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// OpenAI wire types

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Tools       []openaiTool    `json:"tools,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	TopP        float64         `json:"top_p,omitempty"`
	MaxTokens   int             `json:"max_completion_tokens,omitempty"`
	Stream      bool            `json:"stream"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openaiToolCall struct {
	Index    int    `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content"`
			ToolCalls []openaiToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// StreamTurn opens one streaming chat completion. The returned stream
// owns the HTTP response body; closing it cancels the provider call.
func (c *OpenAIClient) StreamTurn(ctx context.Context, messages []Message, tools []ToolSpec) (Stream, error) {
	req := openaiRequest{
		Model:       c.cfg.Model,
		Messages:    convertMessages(messages),
		Tools:       convertTools(tools),
		Temperature: c.cfg.Temperature,
		TopP:        c.cfg.TopP,
		MaxTokens:   c.cfg.MaxTokens,
		Stream:      true,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	// The stream outlives this call; tie the request to a cancel func
	// owned by the stream so Close aborts the provider call.
	streamCtx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, &ProviderError{Message: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		cancel()
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, &ProviderError{Status: resp.StatusCode, Message: errBody}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	return &openaiStream{
		body:     resp.Body,
		scanner:  scanner,
		cancel:   cancel,
		logger:   c.logger,
		toolArgs: make(map[int]*toolCallAccumulator),
	}, nil
}

// toolCallAccumulator collects the fragments of one tool call as they
// arrive across stream chunks.
type toolCallAccumulator struct {
	id   string
	name string
	args strings.Builder
}

// openaiStream parses the SSE body into generation events.
type openaiStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	logger  *slog.Logger

	pending  []Event
	toolArgs map[int]*toolCallAccumulator
	finished bool
}

// Recv returns the next generation event, or io.EOF after the terminal
// event has been delivered.
func (s *openaiStream) Recv() (Event, error) {
	if len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		return ev, nil
	}
	if s.finished {
		return Event{}, io.EOF
	}

	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "[DONE]" {
			return s.finish(nil)
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			s.logger.Debug("skipping malformed stream chunk", "error", err)
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := s.toolArgs[tc.Index]
			if !ok {
				acc = &toolCallAccumulator{}
				s.toolArgs[tc.Index] = acc
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			acc.args.WriteString(tc.Function.Arguments)
		}

		if choice.Delta.Content != "" {
			return Event{Kind: KindTextDelta, Delta: choice.Delta.Content}, nil
		}

		// finish_reason "tool_calls" flushes the accumulated batch;
		// "stop" ends the turn. Either way the terminal [DONE] frame
		// still follows but carries no information we need.
		switch choice.FinishReason {
		case "tool_calls":
			return s.finish(nil)
		case "stop", "length":
			return s.finish(nil)
		}
	}

	if err := s.scanner.Err(); err != nil {
		return s.finish(&TurnError{Kind: "provider_error", Message: fmt.Sprintf("read stream: %v", err)})
	}
	// Stream ended without an explicit finish. Treat accumulated state
	// as authoritative.
	return s.finish(nil)
}

// finish queues the terminal events: any completed tool calls in index
// order, then Done (or the given error) — and returns the first.
func (s *openaiStream) finish(terr *TurnError) (Event, error) {
	s.finished = true

	if terr != nil {
		return Event{Kind: KindError, Err: terr}, nil
	}

	indexes := make([]int, 0, len(s.toolArgs))
	for i := range s.toolArgs {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	for _, i := range indexes {
		acc := s.toolArgs[i]
		var args map[string]any
		if raw := acc.args.String(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				args = map[string]any{"_raw": raw}
			}
		}
		s.pending = append(s.pending, Event{
			Kind: KindToolCall,
			ToolCall: &ToolCall{
				ID:        acc.id,
				Name:      acc.name,
				Arguments: args,
			},
		})
	}
	s.toolArgs = make(map[int]*toolCallAccumulator)

	s.pending = append(s.pending, Event{Kind: KindDone})

	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, nil
}

// Close abandons the stream and cancels the underlying provider call.
func (s *openaiStream) Close() error {
	s.cancel()
	s.finished = true
	return s.body.Close()
}

// convertMessages maps provider-neutral messages to the OpenAI wire
// format. Tool-call arguments are re-serialized to JSON strings.
func convertMessages(messages []Message) []openaiMessage {
	out := make([]openaiMessage, 0, len(messages))
	for _, m := range messages {
		om := openaiMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			wire := openaiToolCall{ID: tc.ID, Type: "function"}
			wire.Function.Name = tc.Name
			argsJSON, err := json.Marshal(tc.Arguments)
			if err != nil {
				argsJSON = []byte("{}")
			}
			wire.Function.Arguments = string(argsJSON)
			om.ToolCalls = append(om.ToolCalls, wire)
		}
		out = append(out, om)
	}
	return out
}

// convertTools maps tool specs to the OpenAI function-tool format.
func convertTools(tools []ToolSpec) []openaiTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openaiTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openaiTool{
			Type: "function",
			Function: openaiFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}
