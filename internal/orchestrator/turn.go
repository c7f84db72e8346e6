// Package orchestrator runs the tool-calling turn loop: it feeds the thread
// history to the generation model, executes the tool calls the model
// requests, and streams the turn's events to a single consumer.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/taskpilot-ai/agent-platform/internal/llm"
	"github.com/taskpilot-ai/agent-platform/internal/model"
	"github.com/taskpilot-ai/agent-platform/internal/store"
	"github.com/taskpilot-ai/agent-platform/internal/tool"
	"github.com/taskpilot-ai/agent-platform/pkg/logger"
	"github.com/taskpilot-ai/agent-platform/pkg/metrics"
)

var tracer = otel.Tracer("agent-platform/orchestrator")

const systemPrompt = `You are a task management assistant. You help the user ` +
	`organize their personal task list through the tools provided. Use the ` +
	`tools to create, list, update, complete and delete tasks; never invent ` +
	`task state you have not read. Destructive bulk operations require the ` +
	`user's explicit confirmation. Keep answers short and concrete.`

// Config holds the orchestrator's turn-loop tunables.
type Config struct {
	Model        string
	RoundLimit   int
	RoundTimeout time.Duration
	HistoryLimit int
	MaxTokens    int
}

// Orchestrator drives turns over a store, a generation client and the tool
// registry. Safe for concurrent turns on distinct threads; the gateway
// guarantees at most one turn per thread.
type Orchestrator struct {
	store  store.Store
	client llm.Client
	tools  *tool.Registry
	log    *logger.Logger
	cfg    Config
}

// New creates an orchestrator, filling unset config fields with defaults.
func New(st store.Store, client llm.Client, tools *tool.Registry, log *logger.Logger, cfg Config) *Orchestrator {
	if cfg.RoundLimit <= 0 {
		cfg.RoundLimit = 8
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = 30 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &Orchestrator{store: st, client: client, tools: tools, log: log, cfg: cfg}
}

// Cancelled is the cancellation cause the gateway attaches to the turn
// context. Its reason surfaces on the turn_cancelled event.
type Cancelled struct {
	Reason string
}

func (c *Cancelled) Error() string {
	return "turn cancelled: " + c.Reason
}

// RunTurn persists the user message and starts the turn loop. The returned
// channel carries the turn's ordered events and is closed immediately after
// exactly one terminal event; the caller must drain it. An error return
// means nothing was streamed and nothing beyond the user message persisted.
func (o *Orchestrator) RunTurn(ctx context.Context, thread *model.Thread, input string) (<-chan model.TurnEvent, error) {
	userMsg := &model.Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		ThreadID:  thread.ID,
		OwnerID:   thread.OwnerID,
		Role:      model.RoleUser,
		Content:   []model.ContentPart{model.TextPart(input)},
		CreatedAt: time.Now().UTC(),
	}
	if _, err := o.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("failed to persist user message: %w", err)
	}
	if err := o.store.TouchThread(ctx, thread.ID); err != nil {
		o.log.Warn("failed to touch thread", zap.String("thread_id", thread.ID), zap.Error(err))
	}

	history, err := o.store.ListMessages(ctx, thread.ID, o.cfg.HistoryLimit, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load thread history: %w", err)
	}

	events := make(chan model.TurnEvent, 16)
	go o.run(ctx, thread, history, events)
	return events, nil
}

func (o *Orchestrator) run(ctx context.Context, thread *model.Thread, history []model.Message, events chan<- model.TurnEvent) {
	defer close(events)

	ctx, span := tracer.Start(ctx, "turn", trace.WithAttributes(
		attribute.String("thread.id", thread.ID),
		attribute.String("llm.model", o.cfg.Model),
	))
	defer span.End()

	modelName := o.cfg.Model
	t := &turn{
		o:          o,
		thread:     thread,
		events:     events,
		started:    time.Now(),
		transcript: historyTranscript(history),
		assistant: &model.Message{
			ID:        uuid.Must(uuid.NewV7()).String(),
			ThreadID:  thread.ID,
			OwnerID:   thread.OwnerID,
			Role:      model.RoleAssistant,
			Model:     &modelName,
			CreatedAt: time.Now().UTC(),
		},
	}

	t.emit(model.TurnEvent{Type: model.EventTurnStarted, ThreadID: thread.ID})

	for t.rounds = 1; t.rounds <= o.cfg.RoundLimit; t.rounds++ {
		done, err := t.round(ctx)
		if err != nil {
			t.abort(ctx, err)
			return
		}
		if done {
			t.complete()
			return
		}
	}
	t.rounds = o.cfg.RoundLimit
	t.fail(model.ReasonRoundLimitExceeded,
		fmt.Sprintf("no final answer after %d generation rounds", o.cfg.RoundLimit))
}

// turn holds the state of one in-flight turn.
type turn struct {
	o      *Orchestrator
	thread *model.Thread
	events chan<- model.TurnEvent

	started    time.Time
	rounds     int
	transcript []llm.ChatMessage

	assistant *model.Message
	persisted bool
}

// pendingCall accumulates one tool call's streamed fragments.
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// round runs one generation round. It returns done=true when the model
// produced a final answer with no tool calls.
func (t *turn) round(ctx context.Context) (bool, error) {
	ctx, span := tracer.Start(ctx, "turn.round", trace.WithAttributes(
		attribute.Int("round", t.rounds),
	))
	defer span.End()

	roundCtx, cancel := context.WithTimeout(ctx, t.o.cfg.RoundTimeout)
	defer cancel()

	req := &llm.Request{
		Model:     *t.assistant.Model,
		System:    systemPrompt,
		Messages:  t.transcript,
		Tools:     t.o.tools.Definitions(),
		MaxTokens: t.o.cfg.MaxTokens,
	}

	stream, err := t.o.client.Stream(roundCtx, req)
	if err != nil {
		t.recordLLMResult(err)
		return false, err
	}
	defer stream.Close()

	var (
		roundText strings.Builder
		byIndex   = make(map[int]*pendingCall)
		order     []int
		stop      string
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.recordLLMResult(err)
			return false, err
		}

		switch chunk.Type {
		case llm.ChunkText:
			if chunk.Text == "" {
				continue
			}
			roundText.WriteString(chunk.Text)
			t.assistant.AppendText(chunk.Text)
			t.emit(model.TurnEvent{Type: model.EventMessageDelta, Text: chunk.Text})

		case llm.ChunkToolCall:
			pc, ok := byIndex[chunk.ToolIndex]
			if !ok {
				pc = &pendingCall{}
				byIndex[chunk.ToolIndex] = pc
				order = append(order, chunk.ToolIndex)
			}
			if chunk.ToolCallID != "" {
				pc.id = chunk.ToolCallID
			}
			if chunk.ToolName != "" {
				pc.name = chunk.ToolName
			}
			pc.args.WriteString(chunk.ToolArgsDelta)

		case llm.ChunkFinish:
			stop = chunk.StopReason
			t.addUsage(chunk.TokensIn, chunk.TokensOut)
		}
	}
	t.recordLLMResult(nil)

	if len(order) == 0 {
		if stop != "" {
			t.assistant.StopReason = &stop
		}
		return true, nil
	}

	// The model requested tools: record them pending, persist the partial
	// assistant message, then resolve each call in order.
	first := len(t.assistant.ToolCalls)
	refs := make([]llm.ToolCallRef, 0, len(order))
	for _, idx := range order {
		pc := byIndex[idx]
		if pc.id == "" {
			pc.id = uuid.Must(uuid.NewV7()).String()
		}
		args := pc.args.String()
		if args == "" {
			args = "{}"
		}
		refs = append(refs, llm.ToolCallRef{ID: pc.id, Name: pc.name, Arguments: args})
		t.assistant.ToolCalls = append(t.assistant.ToolCalls, model.ToolCallRecord{
			CallID:    pc.id,
			ToolName:  pc.name,
			Arguments: json.RawMessage(args),
			Status:    model.ToolCallPending,
		})
	}
	t.assistant.Partial = true
	t.persistAssistant(ctx)

	for i, ref := range refs {
		rec := &t.assistant.ToolCalls[first+i]

		// A cancelled turn lets the in-flight call finish but issues no
		// further ones; the remaining records must not stay pending.
		if ctx.Err() != nil {
			rec.Status = model.ToolCallFailed
			rec.Error = "cancelled"
			continue
		}

		t.emit(model.TurnEvent{
			Type:      model.EventToolCallCreated,
			CallID:    rec.CallID,
			ToolName:  rec.ToolName,
			Arguments: rec.Arguments,
			Status:    model.ToolCallPending,
		})

		invStart := time.Now()
		result, toolErr, err := t.invokeTool(context.WithoutCancel(ctx), ref.Name, json.RawMessage(ref.Arguments))
		metrics.ToolCallDuration.WithLabelValues(ref.Name).Observe(time.Since(invStart).Seconds())

		if err != nil {
			rec.Status = model.ToolCallFailed
			rec.Error = err.Error()
			metrics.ToolCallsTotal.WithLabelValues(ref.Name, "failed").Inc()
			t.emit(model.TurnEvent{
				Type:     model.EventToolCallDone,
				CallID:   rec.CallID,
				ToolName: rec.ToolName,
				Status:   rec.Status,
				Error:    rec.Error,
			})
			t.persistAssistant(ctx)
			return false, err
		}

		if toolErr != nil {
			rec.Status = model.ToolCallFailed
			rec.Error = toolErr.Error()
			rec.Result = toolErr.JSON()
			metrics.ToolCallsTotal.WithLabelValues(ref.Name, "failed").Inc()
			t.o.log.Warn("tool call failed",
				zap.String("thread_id", t.thread.ID),
				zap.String("tool", ref.Name),
				zap.String("error", toolErr.Error()))
		} else {
			rec.Status = model.ToolCallSucceeded
			rec.Result = result
			metrics.ToolCallsTotal.WithLabelValues(ref.Name, "succeeded").Inc()
		}

		t.emit(model.TurnEvent{
			Type:     model.EventToolCallDone,
			CallID:   rec.CallID,
			ToolName: rec.ToolName,
			Status:   rec.Status,
			Result:   rec.Result,
			Error:    rec.Error,
		})
		t.persistAssistant(ctx)
	}

	t.transcript = append(t.transcript, llm.ChatMessage{
		Role:      llm.RoleAssistant,
		Content:   roundText.String(),
		ToolCalls: refs,
	})
	for i := range refs {
		rec := t.assistant.ToolCalls[first+i]
		t.transcript = append(t.transcript, llm.ChatMessage{
			Role:       llm.RoleTool,
			Content:    toolResultContent(rec),
			ToolCallID: rec.CallID,
			ToolName:   rec.ToolName,
		})
	}

	if err := ctx.Err(); err != nil {
		t.persistAssistant(ctx)
		return false, err
	}
	return false, nil
}

// toolFailure is a tool handler crashing instead of returning a tool error.
// Unlike a ToolError it is not fed back to the model; it fails the turn.
type toolFailure struct {
	tool  string
	cause any
}

func (f *toolFailure) Error() string {
	return fmt.Sprintf("tool %s crashed: %v", f.tool, f.cause)
}

// invokeTool runs one tool call, converting a handler panic into a
// toolFailure so a buggy tool cannot take the whole process down.
func (t *turn) invokeTool(ctx context.Context, name string, raw json.RawMessage) (result json.RawMessage, toolErr *tool.ToolError, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &toolFailure{tool: name, cause: r}
		}
	}()
	result, toolErr = t.o.tools.Invoke(ctx, t.thread.OwnerID, name, raw)
	return result, toolErr, nil
}

// abort ends the turn after a round error, distinguishing cancellation of
// the turn context from tool crashes and upstream failures.
func (t *turn) abort(ctx context.Context, err error) {
	if ctx.Err() != nil {
		t.cancelTurn(cancelReason(ctx))
		return
	}
	var tf *toolFailure
	if errors.As(err, &tf) {
		t.fail(model.ReasonToolExecutionError, tf.Error())
		return
	}
	switch llm.KindOf(err) {
	case llm.ErrorTimeout:
		t.fail(model.ReasonUpstreamTimeout, err.Error())
	case llm.ErrorRateLimited:
		t.fail(model.ReasonUpstreamRateLimited, err.Error())
	default:
		t.fail(model.ReasonUpstreamError, err.Error())
	}
}

// complete persists the final assistant message and emits the terminal
// turn_completed event.
func (t *turn) complete() {
	t.assistant.Partial = false
	latency := time.Since(t.started).Milliseconds()
	t.assistant.LatencyMs = &latency

	t.persistAssistant(context.Background())
	if t.persisted {
		t.emit(model.TurnEvent{Type: model.EventMessageDone, MessageID: t.assistant.ID})
	}
	t.emit(model.TurnEvent{Type: model.EventTurnCompleted, ThreadID: t.thread.ID})
	t.finishMetrics("completed")

	t.o.log.Info("turn completed",
		zap.String("thread_id", t.thread.ID),
		zap.Int("rounds", t.rounds),
		zap.Duration("duration", time.Since(t.started)))
}

// cancelTurn persists whatever partial output exists and emits the terminal
// turn_cancelled event. A turn cancelled before any output persists nothing.
func (t *turn) cancelTurn(reason string) {
	t.markUnresolved()
	t.assistant.Partial = true
	t.persistAssistant(context.Background())

	t.emit(model.TurnEvent{Type: model.EventTurnCancelled, Reason: reason})
	t.finishMetrics("cancelled")

	t.o.log.Info("turn cancelled",
		zap.String("thread_id", t.thread.ID),
		zap.String("reason", reason),
		zap.Int("rounds", t.rounds))
}

// fail persists whatever partial output exists and emits the terminal
// turn_failed event.
func (t *turn) fail(reason, detail string) {
	t.markUnresolved()
	t.assistant.Partial = true
	t.persistAssistant(context.Background())

	t.emit(model.TurnEvent{Type: model.EventTurnFailed, ReasonCode: reason, Detail: detail})
	t.finishMetrics("failed")

	t.o.log.Error("turn failed",
		zap.String("thread_id", t.thread.ID),
		zap.String("reason", reason),
		zap.String("detail", detail),
		zap.Int("rounds", t.rounds))
}

// markUnresolved fails any still-pending tool records so no record outlives
// the turn in the pending state.
func (t *turn) markUnresolved() {
	for i := range t.assistant.ToolCalls {
		if t.assistant.ToolCalls[i].Status == model.ToolCallPending {
			t.assistant.ToolCalls[i].Status = model.ToolCallFailed
			t.assistant.ToolCalls[i].Error = "cancelled"
		}
	}
}

func (t *turn) emit(ev model.TurnEvent) {
	t.events <- ev
}

// persistAssistant appends the assistant message on first output and updates
// it in place afterwards. Persistence survives turn cancellation; failures
// are logged rather than aborting the turn.
func (t *turn) persistAssistant(ctx context.Context) {
	if len(t.assistant.Content) == 0 && len(t.assistant.ToolCalls) == 0 {
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var err error
	if !t.persisted {
		if _, err = t.o.store.AppendMessage(pctx, t.assistant); err == nil {
			t.persisted = true
		}
	} else {
		err = t.o.store.UpdateMessage(pctx, t.assistant)
	}
	if err != nil {
		t.o.log.Error("failed to persist assistant message",
			zap.String("thread_id", t.thread.ID),
			zap.String("message_id", t.assistant.ID),
			zap.Error(err))
	}
}

func (t *turn) addUsage(tokensIn, tokensOut int) {
	if tokensIn > 0 {
		total := tokensIn
		if t.assistant.TokensIn != nil {
			total += *t.assistant.TokensIn
		}
		t.assistant.TokensIn = &total
		metrics.LLMTokensTotal.WithLabelValues(t.o.client.Name(), *t.assistant.Model, "in").Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		total := tokensOut
		if t.assistant.TokensOut != nil {
			total += *t.assistant.TokensOut
		}
		t.assistant.TokensOut = &total
		metrics.LLMTokensTotal.WithLabelValues(t.o.client.Name(), *t.assistant.Model, "out").Add(float64(tokensOut))
	}
}

func (t *turn) recordLLMResult(err error) {
	result := "ok"
	if err != nil {
		switch llm.KindOf(err) {
		case llm.ErrorTimeout:
			result = "timeout"
		case llm.ErrorRateLimited:
			result = "rate_limited"
		default:
			result = "error"
		}
	}
	metrics.LLMRequestsTotal.WithLabelValues(t.o.client.Name(), *t.assistant.Model, result).Inc()
}

func (t *turn) finishMetrics(outcome string) {
	metrics.TurnsTotal.WithLabelValues(outcome).Inc()
	metrics.TurnDuration.Observe(time.Since(t.started).Seconds())
	metrics.TurnRounds.Observe(float64(t.rounds))
}

// cancelReason maps the turn context's cancellation cause to a wire reason.
func cancelReason(ctx context.Context) string {
	cause := context.Cause(ctx)
	var c *Cancelled
	if errors.As(cause, &c) {
		return c.Reason
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return model.ReasonTimeout
	}
	return model.ReasonClientDisconnected
}

// historyTranscript converts stored messages to the provider transcript.
// Assistant messages replay their tool calls followed by each recorded
// result, so the model sees prior turns exactly as they ran.
func historyTranscript(history []model.Message) []llm.ChatMessage {
	var out []llm.ChatMessage
	for i := range history {
		msg := &history[i]
		switch msg.Role {
		case model.RoleUser:
			out = append(out, llm.ChatMessage{Role: llm.RoleUser, Content: msg.Text()})
		case model.RoleSystem:
			out = append(out, llm.ChatMessage{Role: llm.RoleSystem, Content: msg.Text()})
		case model.RoleAssistant:
			assistant := llm.ChatMessage{Role: llm.RoleAssistant, Content: msg.Text()}
			for _, rec := range msg.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, llm.ToolCallRef{
					ID:        rec.CallID,
					Name:      rec.ToolName,
					Arguments: string(rec.Arguments),
				})
			}
			out = append(out, assistant)
			for _, rec := range msg.ToolCalls {
				out = append(out, llm.ChatMessage{
					Role:       llm.RoleTool,
					Content:    toolResultContent(rec),
					ToolCallID: rec.CallID,
					ToolName:   rec.ToolName,
				})
			}
		}
	}
	return out
}

func toolResultContent(rec model.ToolCallRecord) string {
	if len(rec.Result) > 0 {
		return string(rec.Result)
	}
	data, _ := json.Marshal(map[string]string{"error": rec.Error})
	return string(data)
}
