package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/taskpilot-ai/agent-platform/internal/middleware"
	"github.com/taskpilot-ai/agent-platform/internal/model"
	"github.com/taskpilot-ai/agent-platform/internal/orchestrator"
	"github.com/taskpilot-ai/agent-platform/internal/store"
	"github.com/taskpilot-ai/agent-platform/pkg/logger"
	"github.com/taskpilot-ai/agent-platform/pkg/metrics"
)

// ChatConfig holds the gateway's admission settings.
type ChatConfig struct {
	MaxMessageChars   int
	DailyMessageQuota int
	TurnTimeout       time.Duration
}

// ChatHandler admits chat requests and relays the turn's event stream to
// the client as server-sent events.
type ChatHandler struct {
	store  store.Store
	orch   *orchestrator.Orchestrator
	active *orchestrator.ActiveTurns
	log    *logger.Logger
	cfg    ChatConfig
}

// NewChatHandler creates the chat gateway handler.
func NewChatHandler(st store.Store, orch *orchestrator.Orchestrator, active *orchestrator.ActiveTurns, log *logger.Logger, cfg ChatConfig) *ChatHandler {
	if cfg.MaxMessageChars <= 0 {
		cfg.MaxMessageChars = 10000
	}
	if cfg.DailyMessageQuota <= 0 {
		cfg.DailyMessageQuota = 100
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 120 * time.Second
	}
	return &ChatHandler{store: st, orch: orch, active: active, log: log, cfg: cfg}
}

// SendMessage handles POST /api/v1/chat. Admission runs in a fixed order:
// request validation, thread ownership, daily quota, single-turn conflict.
// Once admitted the response switches to an SSE stream that always ends with
// exactly one terminal event.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	log := h.log.WithContext(middleware.GetCorrelationID(r.Context()), userID)

	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message must not be empty")
		return
	}
	if !utf8.ValidString(req.Message) {
		writeError(w, http.StatusBadRequest, "message must be valid UTF-8")
		return
	}
	if n := utf8.RuneCountInString(req.Message); n > h.cfg.MaxMessageChars {
		writeError(w, http.StatusBadRequest, "message exceeds maximum length")
		return
	}

	// Ownership before quota. A thread owned by someone else is rejected
	// outright; a stale id (expired or never existed) falls through to a
	// fresh thread once the request is otherwise admitted, and the client
	// learns the real id from turn_started.
	var thread *model.Thread
	if req.ThreadID != "" {
		existing, err := h.store.GetThread(r.Context(), req.ThreadID, userID)
		switch {
		case err == nil:
			thread = existing
		case errors.Is(err, store.ErrThreadForbidden):
			writeError(w, http.StatusForbidden, "thread belongs to another user")
			return
		case errors.Is(err, store.ErrThreadNotFound):
		default:
			log.Error("failed to resolve thread", zap.String("thread_id", req.ThreadID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}

	midnight := utcMidnight(time.Now())
	count, err := h.store.CountUserMessagesSince(r.Context(), userID, midnight)
	if err != nil {
		log.Error("failed to count daily messages", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if count >= h.cfg.DailyMessageQuota {
		metrics.QuotaRejectionsTotal.Inc()
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":     "daily message quota exceeded",
			"resets_at": midnight.Add(24 * time.Hour).Format(time.RFC3339),
		})
		return
	}

	if thread == nil {
		created, err := h.store.GetOrCreateThread(r.Context(), "", userID)
		if err != nil {
			log.Error("failed to create thread", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		thread = created
	}

	release, err := h.active.Begin(thread.ID)
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":     "a turn is already in progress on this thread",
			"thread_id": thread.ID,
		})
		return
	}
	defer release()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// The turn outlives the HTTP request context: client disconnect cancels
	// it with its own reason instead of killing it outright, and the turn
	// timeout carries the timeout reason as its cause.
	turnCtx, timeoutCancel := context.WithTimeoutCause(
		context.WithoutCancel(r.Context()),
		h.cfg.TurnTimeout,
		&orchestrator.Cancelled{Reason: model.ReasonTimeout},
	)
	defer timeoutCancel()
	turnCtx, cancel := context.WithCancelCause(turnCtx)
	defer cancel(nil)

	go func() {
		select {
		case <-r.Context().Done():
			cancel(&orchestrator.Cancelled{Reason: model.ReasonClientDisconnected})
		case <-turnCtx.Done():
		}
	}()

	events, err := h.orch.RunTurn(turnCtx, thread, req.Message)
	if err != nil {
		log.Error("failed to start turn", zap.String("thread_id", thread.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.SSEConnectionsActive.Inc()
	defer metrics.SSEConnectionsActive.Dec()

	// Always drain the channel so the orchestrator can finish and persist
	// even after the client goes away. Nothing goes on the wire after the
	// terminal frame.
	writable := true
	for ev := range events {
		if writable {
			if err := sendSSEEvent(w, flusher, string(ev.Type), ev); err != nil {
				writable = false
			}
		}
		if ev.Terminal() {
			writable = false
		}
	}
}

func utcMidnight(now time.Time) time.Time {
	d := now.UTC()
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}
