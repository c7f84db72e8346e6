package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/taskpilot-ai/agent-platform/internal/middleware"
	"github.com/taskpilot-ai/agent-platform/internal/model"
	"github.com/taskpilot-ai/agent-platform/internal/store"
	"github.com/taskpilot-ai/agent-platform/pkg/logger"
)

const defaultPageSize = 50

// ThreadHandler serves the thread read endpoints.
type ThreadHandler struct {
	store store.Store
	log   *logger.Logger
}

// NewThreadHandler creates the thread read handler.
func NewThreadHandler(st store.Store, log *logger.Logger) *ThreadHandler {
	return &ThreadHandler{store: st, log: log}
}

// ListThreads handles GET /api/v1/threads.
func (h *ThreadHandler) ListThreads(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	threads, err := h.store.ListThreads(r.Context(), userID)
	if err != nil {
		h.log.Error("failed to list threads", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if threads == nil {
		threads = []model.Thread{}
	}
	writeJSON(w, http.StatusOK, model.ListThreadsResponse{Threads: threads, Total: len(threads)})
}

// ListMessages handles GET /api/v1/threads/{threadID}/messages with optional
// limit and before_seq query parameters for backward pagination.
func (h *ThreadHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	threadID := chi.URLParam(r, "threadID")

	if _, err := h.store.GetThread(r.Context(), threadID, userID); err != nil {
		// A foreign thread reads as missing; existence is not revealed.
		if errors.Is(err, store.ErrThreadNotFound) || errors.Is(err, store.ErrThreadForbidden) {
			writeError(w, http.StatusNotFound, "thread not found")
			return
		}
		h.log.Error("failed to get thread", zap.String("thread_id", threadID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	limit := queryInt(r, "limit", defaultPageSize)
	if limit <= 0 || limit > 200 {
		limit = defaultPageSize
	}
	beforeSeq := uint64(queryInt(r, "before_seq", 0))

	// Fetch one extra message to learn whether an older page exists.
	page, err := h.store.ListMessages(r.Context(), threadID, limit+1, beforeSeq)
	if err != nil {
		h.log.Error("failed to list messages", zap.String("thread_id", threadID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	hasMore := len(page) > limit
	if hasMore {
		page = page[len(page)-limit:]
	}
	resp := model.ListMessagesResponse{Messages: page, HasMore: hasMore}
	if resp.Messages == nil {
		resp.Messages = []model.Message{}
	}
	if n := len(resp.Messages); n > 0 {
		resp.LastSeq = resp.Messages[n-1].Seq
	}
	writeJSON(w, http.StatusOK, resp)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
