// Package store provides durable, ordered persistence of threads and their
// messages. The orchestrator is the sole writer per thread (the gateway
// admits at most one turn per thread), so append order is submission order.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/taskpilot-ai/agent-platform/internal/model"
)

// ErrThreadNotFound is returned for reads of a missing thread.
var ErrThreadNotFound = errors.New("thread not found")

// ErrThreadForbidden is returned when a thread exists but belongs to a
// different owner.
var ErrThreadForbidden = errors.New("thread owned by another user")

// Store is the conversation persistence contract.
type Store interface {
	// GetOrCreateThread resolves threadID for ownerID. An empty threadID
	// creates a new thread; a stale threadID (expired or never existed)
	// also creates a fresh one rather than failing the turn. A threadID
	// owned by someone else returns ErrThreadForbidden.
	GetOrCreateThread(ctx context.Context, threadID, ownerID string) (*model.Thread, error)

	// GetThread returns the thread. ErrThreadNotFound if it does not
	// exist, ErrThreadForbidden if it belongs to a different owner.
	GetThread(ctx context.Context, threadID, ownerID string) (*model.Thread, error)

	// ListThreads returns ownerID's threads, most recently updated first.
	ListThreads(ctx context.Context, ownerID string) ([]model.Thread, error)

	// AppendMessage persists msg at the end of its thread and returns it
	// with the assigned sequence. Atomic per call.
	AppendMessage(ctx context.Context, msg *model.Message) (*model.Message, error)

	// UpdateMessage re-persists an already-appended message in place (same
	// position in the thread order), e.g. when an in-progress assistant
	// message accumulates content or its tool records resolve.
	UpdateMessage(ctx context.Context, msg *model.Message) error

	// ListMessages returns an ordered page of the thread's messages,
	// ascending by sequence. A non-zero beforeSeq restricts the page to
	// messages with a lower sequence; the page is the last limit messages
	// of that range.
	ListMessages(ctx context.Context, threadID string, limit int, beforeSeq uint64) ([]model.Message, error)

	// CountUserMessagesSince counts user-role messages across all of
	// ownerID's threads created at or after since. Drives the daily quota.
	CountUserMessagesSince(ctx context.Context, ownerID string, since time.Time) (int, error)

	// TouchThread bumps the thread's updated-at timestamp.
	TouchThread(ctx context.Context, threadID string) error
}
