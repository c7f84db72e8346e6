package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskpilot-ai/agent-platform/internal/model"
)

// MemoryStore is an in-memory Store used by tests and local development
// without NATS.
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]*model.Thread
	messages map[string][]*model.Message
	seq      map[string]uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  make(map[string]*model.Thread),
		messages: make(map[string][]*model.Message),
		seq:      make(map[string]uint64),
	}
}

// GetOrCreateThread resolves or creates a thread for the owner.
func (s *MemoryStore) GetOrCreateThread(ctx context.Context, threadID, ownerID string) (*model.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if threadID != "" {
		if thread, ok := s.threads[threadID]; ok {
			if thread.OwnerID != ownerID {
				return nil, ErrThreadForbidden
			}
			copied := *thread
			return &copied, nil
		}
	}

	now := time.Now().UTC()
	thread := &model.Thread{
		ID:        uuid.Must(uuid.NewV7()).String(),
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.threads[thread.ID] = thread
	copied := *thread
	return &copied, nil
}

// GetThread returns the thread if it belongs to ownerID.
func (s *MemoryStore) GetThread(ctx context.Context, threadID, ownerID string) (*model.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	thread, ok := s.threads[threadID]
	if !ok {
		return nil, ErrThreadNotFound
	}
	if thread.OwnerID != ownerID {
		return nil, ErrThreadForbidden
	}
	copied := *thread
	return &copied, nil
}

// ListThreads returns the owner's threads, most recently updated first.
func (s *MemoryStore) ListThreads(ctx context.Context, ownerID string) ([]model.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var threads []model.Thread
	for _, thread := range s.threads {
		if thread.OwnerID == ownerID {
			threads = append(threads, *thread)
		}
	}
	sort.Slice(threads, func(i, j int) bool {
		return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
	})
	return threads, nil
}

// AppendMessage persists msg at the end of its thread.
func (s *MemoryStore) AppendMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[msg.ThreadID]; !ok {
		return nil, ErrThreadNotFound
	}

	s.seq[msg.ThreadID]++
	stored := cloneMessage(msg)
	stored.Seq = s.seq[msg.ThreadID]
	s.messages[msg.ThreadID] = append(s.messages[msg.ThreadID], stored)

	msg.Seq = stored.Seq
	return cloneMessage(stored), nil
}

// UpdateMessage replaces a stored message in place by id.
func (s *MemoryStore) UpdateMessage(ctx context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messages[msg.ThreadID]
	for i, existing := range list {
		if existing.ID == msg.ID {
			updated := cloneMessage(msg)
			updated.Seq = existing.Seq
			list[i] = updated
			return nil
		}
	}
	return ErrThreadNotFound
}

// ListMessages returns an ascending page of the thread's messages.
func (s *MemoryStore) ListMessages(ctx context.Context, threadID string, limit int, beforeSeq uint64) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.threads[threadID]; !ok {
		return nil, ErrThreadNotFound
	}

	var page []model.Message
	for _, msg := range s.messages[threadID] {
		if beforeSeq > 0 && msg.Seq >= beforeSeq {
			continue
		}
		page = append(page, *cloneMessage(msg))
	}
	if limit > 0 && len(page) > limit {
		page = page[len(page)-limit:]
	}
	return page, nil
}

// CountUserMessagesSince counts the owner's user messages since a time.
func (s *MemoryStore) CountUserMessagesSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, list := range s.messages {
		for _, msg := range list {
			if msg.OwnerID == ownerID && msg.Role == model.RoleUser && !msg.CreatedAt.Before(since) {
				count++
			}
		}
	}
	return count, nil
}

// TouchThread bumps the thread's updated-at timestamp.
func (s *MemoryStore) TouchThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[threadID]
	if !ok {
		return ErrThreadNotFound
	}
	thread.UpdatedAt = time.Now().UTC()
	return nil
}

func cloneMessage(msg *model.Message) *model.Message {
	copied := *msg
	copied.Content = append([]model.ContentPart(nil), msg.Content...)
	copied.ToolCalls = append([]model.ToolCallRecord(nil), msg.ToolCalls...)
	return &copied
}
