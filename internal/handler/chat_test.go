package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskpilot-ai/agent-platform/internal/llm"
	"github.com/taskpilot-ai/agent-platform/internal/middleware"
	"github.com/taskpilot-ai/agent-platform/internal/model"
	"github.com/taskpilot-ai/agent-platform/internal/orchestrator"
	"github.com/taskpilot-ai/agent-platform/internal/store"
	"github.com/taskpilot-ai/agent-platform/internal/tasks"
	"github.com/taskpilot-ai/agent-platform/internal/tool"
	"github.com/taskpilot-ai/agent-platform/pkg/logger"
)

const testSecret = "test-secret"

func signToken(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

type scriptedLLM struct {
	chunks []llm.Chunk
}

func (s *scriptedLLM) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	return &scriptedStream{chunks: s.chunks}, nil
}

func (s *scriptedLLM) Name() string     { return "fake" }
func (s *scriptedLLM) Models() []string { return []string{"fake-model"} }

type scriptedStream struct {
	chunks []llm.Chunk
	i      int
}

func (s *scriptedStream) Recv() (*llm.Chunk, error) {
	if s.i < len(s.chunks) {
		chunk := s.chunks[s.i]
		s.i++
		return &chunk, nil
	}
	return nil, io.EOF
}

func (s *scriptedStream) Close() error { return nil }

type noopTasksAPI struct{}

func (noopTasksAPI) Create(context.Context, string, *tasks.CreateTaskRequest) (*tasks.Task, error) {
	return &tasks.Task{ID: "task-1"}, nil
}
func (noopTasksAPI) List(context.Context, string, tasks.ListFilter) ([]tasks.Task, error) {
	return nil, nil
}
func (noopTasksAPI) Update(context.Context, string, string, *tasks.UpdateTaskRequest) (*tasks.Task, error) {
	return &tasks.Task{}, nil
}
func (noopTasksAPI) SetCompleted(context.Context, string, string, bool) (*tasks.Task, error) {
	return &tasks.Task{}, nil
}
func (noopTasksAPI) Delete(context.Context, string, string) error { return nil }
func (noopTasksAPI) CompleteAll(context.Context, string, bool, string) (*tasks.BulkResult, error) {
	return &tasks.BulkResult{}, nil
}
func (noopTasksAPI) DeleteAll(context.Context, string, string) (*tasks.BulkResult, error) {
	return &tasks.BulkResult{}, nil
}

type testEnv struct {
	router chi.Router
	store  *store.MemoryStore
	active *orchestrator.ActiveTurns
}

func newTestEnv(t *testing.T, client llm.Client, cfg ChatConfig) *testEnv {
	t.Helper()

	st := store.NewMemoryStore()
	log := &logger.Logger{Logger: zap.NewNop()}
	orch := orchestrator.New(st, client, tool.NewRegistry(noopTasksAPI{}), log, orchestrator.Config{
		Model: "fake-model",
	})
	active := orchestrator.NewActiveTurns()

	chatHandler := NewChatHandler(st, orch, active, log, cfg)
	threadHandler := NewThreadHandler(st, log)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(testSecret))
		r.Post("/chat", chatHandler.SendMessage)
		r.Get("/threads", threadHandler.ListThreads)
		r.Get("/threads/{threadID}/messages", threadHandler.ListMessages)
	})

	return &testEnv{router: r, store: st, active: active}
}

func (e *testEnv) post(t *testing.T, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", bytes.NewReader(data))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// parseSSE splits a response body into (event, decoded data) pairs.
func parseSSE(t *testing.T, body string) []model.TurnEvent {
	t.Helper()
	var events []model.TurnEvent
	scanner := bufio.NewScanner(strings.NewReader(body))

	var current string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var ev model.TurnEvent
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			require.Equal(t, current, string(ev.Type))
			events = append(events, ev)
		}
	}
	return events
}

func TestChatRequiresAuth(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{}, ChatConfig{})

	rec := env.post(t, "", model.SendMessageRequest{Message: "hi"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.post(t, "garbage", model.SendMessageRequest{Message: "hi"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatValidation(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{}, ChatConfig{MaxMessageChars: 10})
	token := signToken(t, "alice")

	rec := env.post(t, token, model.SendMessageRequest{Message: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.post(t, token, model.SendMessageRequest{Message: strings.Repeat("x", 11)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Multibyte runes count as characters, not bytes.
	rec = env.post(t, token, model.SendMessageRequest{Message: strings.Repeat("ä", 10)})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChatStreamsTurn(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{chunks: []llm.Chunk{
		{Type: llm.ChunkText, Text: "Hello!"},
		{Type: llm.ChunkFinish, StopReason: "stop"},
	}}, ChatConfig{})
	token := signToken(t, "alice")

	rec := env.post(t, token, model.SendMessageRequest{Message: "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, model.EventTurnStarted, events[0].Type)
	assert.NotEmpty(t, events[0].ThreadID)
	assert.Equal(t, model.EventTurnCompleted, events[len(events)-1].Type)

	// A follow-up on the returned thread id lands in the same thread.
	rec = env.post(t, token, model.SendMessageRequest{ThreadID: events[0].ThreadID, Message: "again"})
	require.Equal(t, http.StatusOK, rec.Code)
	followUp := parseSSE(t, rec.Body.String())
	assert.Equal(t, events[0].ThreadID, followUp[0].ThreadID)
}

func TestChatStaleThreadIDGetsFreshThread(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{chunks: []llm.Chunk{
		{Type: llm.ChunkText, Text: "ok"},
		{Type: llm.ChunkFinish, StopReason: "stop"},
	}}, ChatConfig{})
	token := signToken(t, "alice")

	rec := env.post(t, token, model.SendMessageRequest{ThreadID: "long-gone", Message: "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	events := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, events)
	assert.NotEqual(t, "long-gone", events[0].ThreadID)
}

func TestChatForeignThreadForbidden(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{chunks: []llm.Chunk{
		{Type: llm.ChunkText, Text: "ok"},
		{Type: llm.ChunkFinish, StopReason: "stop"},
	}}, ChatConfig{})

	thread, err := env.store.GetOrCreateThread(context.Background(), "", "alice")
	require.NoError(t, err)

	rec := env.post(t, signToken(t, "bob"), model.SendMessageRequest{ThreadID: thread.ID, Message: "hi"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Alice's thread is untouched: no message landed and no turn ran.
	page, err := env.store.ListMessages(context.Background(), thread.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestChatDailyQuota(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{chunks: []llm.Chunk{
		{Type: llm.ChunkFinish, StopReason: "stop"},
	}}, ChatConfig{DailyMessageQuota: 1})
	token := signToken(t, "alice")

	rec := env.post(t, token, model.SendMessageRequest{Message: "first"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.post(t, token, model.SendMessageRequest{Message: "second"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var payload struct {
		Error    string `json:"error"`
		ResetsAt string `json:"resets_at"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	resets, err := time.Parse(time.RFC3339, payload.ResetsAt)
	require.NoError(t, err)
	assert.True(t, resets.After(time.Now().UTC()))

	// Another user is unaffected.
	rec = env.post(t, signToken(t, "bob"), model.SendMessageRequest{Message: "hi"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChatSingleTurnPerThread(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{chunks: []llm.Chunk{
		{Type: llm.ChunkFinish, StopReason: "stop"},
	}}, ChatConfig{})
	token := signToken(t, "alice")

	thread, err := env.store.GetOrCreateThread(context.Background(), "", "alice")
	require.NoError(t, err)

	release, err := env.active.Begin(thread.ID)
	require.NoError(t, err)
	defer release()

	rec := env.post(t, token, model.SendMessageRequest{ThreadID: thread.ID, Message: "hi"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), thread.ID)
}
