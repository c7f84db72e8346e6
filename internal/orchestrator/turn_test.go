package orchestrator

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/taskpilot-ai/agent-platform/internal/llm"
	"github.com/taskpilot-ai/agent-platform/internal/model"
	"github.com/taskpilot-ai/agent-platform/internal/store"
	"github.com/taskpilot-ai/agent-platform/internal/tasks"
	"github.com/taskpilot-ai/agent-platform/internal/tool"
	"github.com/taskpilot-ai/agent-platform/pkg/logger"
)

// script is one round's canned model behaviour.
type script struct {
	chunks []llm.Chunk
	err    error // returned by Stream before any chunk
	block  bool  // Recv blocks until the round context is cancelled
}

type fakeLLM struct {
	scripts  []script
	requests []*llm.Request
}

func (f *fakeLLM) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	f.requests = append(f.requests, req)
	i := len(f.requests) - 1
	if i >= len(f.scripts) {
		i = len(f.scripts) - 1
	}
	s := f.scripts[i]
	if s.err != nil {
		return nil, s.err
	}
	return &fakeStream{ctx: ctx, chunks: s.chunks, block: s.block}, nil
}

func (f *fakeLLM) Name() string     { return "fake" }
func (f *fakeLLM) Models() []string { return []string{"fake-model"} }

type fakeStream struct {
	ctx    context.Context
	chunks []llm.Chunk
	block  bool
	i      int
}

func (s *fakeStream) Recv() (*llm.Chunk, error) {
	if s.i < len(s.chunks) {
		chunk := s.chunks[s.i]
		s.i++
		return &chunk, nil
	}
	if s.block {
		<-s.ctx.Done()
		return nil, s.ctx.Err()
	}
	return nil, io.EOF
}

func (s *fakeStream) Close() error { return nil }

type stubTasksAPI struct {
	err error
}

func (s *stubTasksAPI) Create(_ context.Context, _ string, req *tasks.CreateTaskRequest) (*tasks.Task, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &tasks.Task{ID: "task-1", Title: req.Title}, nil
}

func (s *stubTasksAPI) List(context.Context, string, tasks.ListFilter) ([]tasks.Task, error) {
	return nil, s.err
}

func (s *stubTasksAPI) Update(context.Context, string, string, *tasks.UpdateTaskRequest) (*tasks.Task, error) {
	return &tasks.Task{}, s.err
}

func (s *stubTasksAPI) SetCompleted(context.Context, string, string, bool) (*tasks.Task, error) {
	return &tasks.Task{}, s.err
}

func (s *stubTasksAPI) Delete(context.Context, string, string) error { return s.err }

func (s *stubTasksAPI) CompleteAll(context.Context, string, bool, string) (*tasks.BulkResult, error) {
	return &tasks.BulkResult{}, s.err
}

func (s *stubTasksAPI) DeleteAll(context.Context, string, string) (*tasks.BulkResult, error) {
	return &tasks.BulkResult{}, s.err
}

func testOrchestrator(t *testing.T, client llm.Client, api tasks.API) (*Orchestrator, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	log := &logger.Logger{Logger: zap.NewNop()}
	orch := New(st, client, tool.NewRegistry(api), log, Config{
		Model:        "fake-model",
		RoundLimit:   4,
		RoundTimeout: 5 * time.Second,
	})
	return orch, st
}

func runAndCollect(t *testing.T, orch *Orchestrator, ctx context.Context, thread *model.Thread, input string) []model.TurnEvent {
	t.Helper()
	events, err := orch.RunTurn(ctx, thread, input)
	require.NoError(t, err)

	var out []model.TurnEvent
	for ev := range events {
		out = append(out, ev)
	}
	require.NotEmpty(t, out)
	return out
}

func eventTypes(events []model.TurnEvent) []model.TurnEventType {
	types := make([]model.TurnEventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func TestTurnTextOnly(t *testing.T) {
	client := &fakeLLM{scripts: []script{{
		chunks: []llm.Chunk{
			{Type: llm.ChunkText, Text: "Hello "},
			{Type: llm.ChunkText, Text: "there"},
			{Type: llm.ChunkFinish, StopReason: "stop", TokensIn: 12, TokensOut: 3},
		},
	}}}
	orch, st := testOrchestrator(t, client, &stubTasksAPI{})

	thread, err := st.GetOrCreateThread(context.Background(), "", "alice")
	require.NoError(t, err)

	events := runAndCollect(t, orch, context.Background(), thread, "hi")
	assert.Equal(t, []model.TurnEventType{
		model.EventTurnStarted,
		model.EventMessageDelta,
		model.EventMessageDelta,
		model.EventMessageDone,
		model.EventTurnCompleted,
	}, eventTypes(events))
	assert.Equal(t, thread.ID, events[0].ThreadID)

	msgs, err := st.ListMessages(context.Background(), thread.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)

	reply := msgs[1]
	assert.Equal(t, model.RoleAssistant, reply.Role)
	assert.Equal(t, "Hello there", reply.Text())
	assert.False(t, reply.Partial)
	require.NotNil(t, reply.TokensIn)
	assert.Equal(t, 12, *reply.TokensIn)
	require.NotNil(t, reply.StopReason)
	assert.Equal(t, "stop", *reply.StopReason)
}

func TestTurnWithToolRound(t *testing.T) {
	client := &fakeLLM{scripts: []script{
		{chunks: []llm.Chunk{
			{Type: llm.ChunkToolCall, ToolIndex: 0, ToolCallID: "call_1", ToolName: "add_task"},
			{Type: llm.ChunkToolCall, ToolIndex: 0, ToolArgsDelta: `{"title":"buy`},
			{Type: llm.ChunkToolCall, ToolIndex: 0, ToolArgsDelta: ` milk"}`},
			{Type: llm.ChunkFinish, StopReason: "tool_calls", TokensIn: 10, TokensOut: 5},
		}},
		{chunks: []llm.Chunk{
			{Type: llm.ChunkText, Text: "Added it."},
			{Type: llm.ChunkFinish, StopReason: "stop", TokensIn: 20, TokensOut: 4},
		}},
	}}
	orch, st := testOrchestrator(t, client, &stubTasksAPI{})

	thread, err := st.GetOrCreateThread(context.Background(), "", "alice")
	require.NoError(t, err)

	events := runAndCollect(t, orch, context.Background(), thread, "add buy milk")
	assert.Equal(t, []model.TurnEventType{
		model.EventTurnStarted,
		model.EventToolCallCreated,
		model.EventToolCallDone,
		model.EventMessageDelta,
		model.EventMessageDone,
		model.EventTurnCompleted,
	}, eventTypes(events))

	created := events[1]
	assert.Equal(t, "call_1", created.CallID)
	assert.Equal(t, "add_task", created.ToolName)
	assert.JSONEq(t, `{"title":"buy milk"}`, string(created.Arguments))

	done := events[2]
	assert.Equal(t, model.ToolCallSucceeded, done.Status)
	assert.Contains(t, string(done.Result), "buy milk")

	msgs, err := st.ListMessages(context.Background(), thread.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	reply := msgs[1]
	assert.Equal(t, "Added it.", reply.Text())
	assert.False(t, reply.Partial)
	require.Len(t, reply.ToolCalls, 1)
	assert.Equal(t, model.ToolCallSucceeded, reply.ToolCalls[0].Status)
	require.NotNil(t, reply.TokensIn)
	assert.Equal(t, 30, *reply.TokensIn)

	// The second round's transcript replays the tool call and its result.
	require.Len(t, client.requests, 2)
	second := client.requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "call_1", last.ToolCallID)
}

func TestTurnToolFailureIsRecoverable(t *testing.T) {
	client := &fakeLLM{scripts: []script{
		{chunks: []llm.Chunk{
			{Type: llm.ChunkToolCall, ToolIndex: 0, ToolCallID: "call_1", ToolName: "add_task", ToolArgsDelta: `{"title":"x"}`},
			{Type: llm.ChunkFinish, StopReason: "tool_calls"},
		}},
		{chunks: []llm.Chunk{
			{Type: llm.ChunkText, Text: "That did not work."},
			{Type: llm.ChunkFinish, StopReason: "stop"},
		}},
	}}
	api := &stubTasksAPI{err: &tasks.APIError{StatusCode: 503, Body: "down"}}
	orch, st := testOrchestrator(t, client, api)

	thread, err := st.GetOrCreateThread(context.Background(), "", "alice")
	require.NoError(t, err)

	events := runAndCollect(t, orch, context.Background(), thread, "add x")
	types := eventTypes(events)
	assert.Equal(t, model.EventTurnCompleted, types[len(types)-1])

	var done model.TurnEvent
	for _, ev := range events {
		if ev.Type == model.EventToolCallDone {
			done = ev
		}
	}
	assert.Equal(t, model.ToolCallFailed, done.Status)
	assert.Contains(t, string(done.Result), tool.CodeBackendError)

	msgs, err := st.ListMessages(context.Background(), thread.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, model.ToolCallFailed, msgs[1].ToolCalls[0].Status)
}

func TestTurnUpstreamErrorFailsCleanly(t *testing.T) {
	client := &fakeLLM{scripts: []script{{err: errors.New("upstream exploded")}}}
	orch, st := testOrchestrator(t, client, &stubTasksAPI{})

	thread, err := st.GetOrCreateThread(context.Background(), "", "alice")
	require.NoError(t, err)

	events := runAndCollect(t, orch, context.Background(), thread, "hi")
	require.Len(t, events, 2)
	assert.Equal(t, model.EventTurnStarted, events[0].Type)
	assert.Equal(t, model.EventTurnFailed, events[1].Type)
	assert.Equal(t, model.ReasonUpstreamError, events[1].ReasonCode)

	// Nothing streamed, so no assistant message persists; the user message does.
	msgs, err := st.ListMessages(context.Background(), thread.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
}

func TestTurnRateLimitReason(t *testing.T) {
	client := &fakeLLM{scripts: []script{{err: errors.New("rate limit exceeded")}}}
	orch, st := testOrchestrator(t, client, &stubTasksAPI{})

	thread, err := st.GetOrCreateThread(context.Background(), "", "alice")
	require.NoError(t, err)

	events := runAndCollect(t, orch, context.Background(), thread, "hi")
	last := events[len(events)-1]
	assert.Equal(t, model.EventTurnFailed, last.Type)
	assert.Equal(t, model.ReasonUpstreamRateLimited, last.ReasonCode)
}

func TestTurnRoundLimitExceeded(t *testing.T) {
	// Every round asks for another tool call; the loop must give up.
	client := &fakeLLM{scripts: []script{{chunks: []llm.Chunk{
		{Type: llm.ChunkToolCall, ToolIndex: 0, ToolCallID: "call_x", ToolName: "list_tasks", ToolArgsDelta: `{}`},
		{Type: llm.ChunkFinish, StopReason: "tool_calls"},
	}}}}
	st := store.NewMemoryStore()
	log := &logger.Logger{Logger: zap.NewNop()}
	orch := New(st, client, tool.NewRegistry(&stubTasksAPI{}), log, Config{
		Model:      "fake-model",
		RoundLimit: 2,
	})

	thread, err := st.GetOrCreateThread(context.Background(), "", "alice")
	require.NoError(t, err)

	events := runAndCollect(t, orch, context.Background(), thread, "loop forever")
	last := events[len(events)-1]
	assert.Equal(t, model.EventTurnFailed, last.Type)
	assert.Equal(t, model.ReasonRoundLimitExceeded, last.ReasonCode)
	assert.Len(t, client.requests, 2)

	// The partial assistant message persists with every record resolved.
	msgs, err := st.ListMessages(context.Background(), thread.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].Partial)
	require.Len(t, msgs[1].ToolCalls, 2)
	for _, rec := range msgs[1].ToolCalls {
		assert.NotEqual(t, model.ToolCallPending, rec.Status)
	}
}

func TestTurnCancelledByClient(t *testing.T) {
	client := &fakeLLM{scripts: []script{{
		chunks: []llm.Chunk{{Type: llm.ChunkText, Text: "thinking"}},
		block:  true,
	}}}
	orch, st := testOrchestrator(t, client, &stubTasksAPI{})

	thread, err := st.GetOrCreateThread(context.Background(), "", "alice")
	require.NoError(t, err)

	ctx, cancel := context.WithCancelCause(context.Background())
	events, err := orch.RunTurn(ctx, thread, "hi")
	require.NoError(t, err)

	var collected []model.TurnEvent
	for ev := range events {
		collected = append(collected, ev)
		if ev.Type == model.EventMessageDelta {
			cancel(&Cancelled{Reason: model.ReasonClientDisconnected})
		}
	}
	cancel(nil)

	last := collected[len(collected)-1]
	assert.Equal(t, model.EventTurnCancelled, last.Type)
	assert.Equal(t, model.ReasonClientDisconnected, last.Reason)

	// The partial text persists, flagged as partial.
	msgs, err := st.ListMessages(context.Background(), thread.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].Partial)
	assert.Equal(t, "thinking", msgs[1].Text())
}

func TestTurnTimeoutReason(t *testing.T) {
	client := &fakeLLM{scripts: []script{{block: true}}}
	orch, st := testOrchestrator(t, client, &stubTasksAPI{})

	thread, err := st.GetOrCreateThread(context.Background(), "", "alice")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeoutCause(context.Background(), 50*time.Millisecond,
		&Cancelled{Reason: model.ReasonTimeout})
	defer cancel()

	events := runAndCollect(t, orch, ctx, thread, "hi")
	last := events[len(events)-1]
	assert.Equal(t, model.EventTurnCancelled, last.Type)
	assert.Equal(t, model.ReasonTimeout, last.Reason)

	// No output before the timeout, so nothing beyond the user message persists.
	msgs, err := st.ListMessages(context.Background(), thread.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

type panickyTasksAPI struct {
	*stubTasksAPI
}

func (panickyTasksAPI) Create(context.Context, string, *tasks.CreateTaskRequest) (*tasks.Task, error) {
	panic("create exploded")
}

func TestTurnToolPanicFailsTurn(t *testing.T) {
	client := &fakeLLM{scripts: []script{{chunks: []llm.Chunk{
		{Type: llm.ChunkToolCall, ToolIndex: 0, ToolCallID: "call_1", ToolName: "add_task", ToolArgsDelta: `{"title":"x"}`},
		{Type: llm.ChunkFinish, StopReason: "tool_calls"},
	}}}}
	orch, st := testOrchestrator(t, client, panickyTasksAPI{&stubTasksAPI{}})

	thread, err := st.GetOrCreateThread(context.Background(), "", "alice")
	require.NoError(t, err)

	events := runAndCollect(t, orch, context.Background(), thread, "add x")
	assert.Equal(t, []model.TurnEventType{
		model.EventTurnStarted,
		model.EventToolCallCreated,
		model.EventToolCallDone,
		model.EventTurnFailed,
	}, eventTypes(events))

	last := events[len(events)-1]
	assert.Equal(t, model.ReasonToolExecutionError, last.ReasonCode)
	assert.Contains(t, last.Detail, "add_task")

	// The crash resolves the record as failed on the persisted partial message.
	msgs, err := st.ListMessages(context.Background(), thread.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].Partial)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, model.ToolCallFailed, msgs[1].ToolCalls[0].Status)
}

func TestTurnEmitsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	client := &fakeLLM{scripts: []script{{chunks: []llm.Chunk{
		{Type: llm.ChunkText, Text: "hi"},
		{Type: llm.ChunkFinish, StopReason: "stop"},
	}}}}
	orch, st := testOrchestrator(t, client, &stubTasksAPI{})

	thread, err := st.GetOrCreateThread(context.Background(), "", "alice")
	require.NoError(t, err)
	runAndCollect(t, orch, context.Background(), thread, "hi")

	var names []string
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	assert.Contains(t, names, "turn")
	assert.Contains(t, names, "turn.round")
}

func TestActiveTurns(t *testing.T) {
	active := NewActiveTurns()

	release, err := active.Begin("t1")
	require.NoError(t, err)

	_, err = active.Begin("t1")
	assert.ErrorIs(t, err, ErrTurnActive)

	other, err := active.Begin("t2")
	require.NoError(t, err)
	other()

	release()
	release() // idempotent

	again, err := active.Begin("t1")
	require.NoError(t, err)
	again()
}
