package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/taskpilot-ai/agent-platform/internal/model"
	natsclient "github.com/taskpilot-ai/agent-platform/internal/nats"
)

const (
	// StreamName is the name of the thread message stream.
	StreamName = "THREADS"

	// SubjectPrefix is the prefix for all thread subjects.
	SubjectPrefix = "threads"

	// threadMetaBucket holds thread metadata keyed by thread id.
	threadMetaBucket = "thread_meta"
)

// JetStreamStore persists threads on NATS JetStream: an append-only stream
// carries the ordered message log per thread, a KeyValue bucket carries
// thread metadata. Updates to an in-progress message are republished under
// the same message id; reads keep the latest payload at the message's
// original position.
type JetStreamStore struct {
	client *natsclient.Client
	kv     jetstream.KeyValue
}

// NewJetStreamStore ensures the stream and metadata bucket exist.
func NewJetStreamStore(ctx context.Context, client *natsclient.Client) (*JetStreamStore, error) {
	js := client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err != nil {
		_, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:        StreamName,
			Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      365 * 24 * time.Hour,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
			Compression: jetstream.S2Compression,
			Description: "Conversation thread messages",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create stream: %w", err)
		}
	}

	kv, err := js.KeyValue(ctx, threadMetaBucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      threadMetaBucket,
			Description: "Thread metadata",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create thread metadata bucket: %w", err)
		}
	}

	return &JetStreamStore{client: client, kv: kv}, nil
}

func messageSubject(ownerID, threadID string, role model.Role) string {
	return fmt.Sprintf("%s.%s.%s.msg.%s", SubjectPrefix, ownerID, threadID, role)
}

// GetOrCreateThread resolves or creates a thread for the owner.
func (s *JetStreamStore) GetOrCreateThread(ctx context.Context, threadID, ownerID string) (*model.Thread, error) {
	if threadID != "" {
		thread, err := s.getThread(ctx, threadID)
		if err == nil {
			if thread.OwnerID != ownerID {
				return nil, ErrThreadForbidden
			}
			return thread, nil
		}
		if !errors.Is(err, ErrThreadNotFound) {
			return nil, err
		}
		// Stale id: fall through and start a fresh thread.
	}

	now := time.Now().UTC()
	thread := &model.Thread{
		ID:        uuid.Must(uuid.NewV7()).String(),
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.putThread(ctx, thread); err != nil {
		return nil, err
	}
	return thread, nil
}

// GetThread returns the thread if it belongs to ownerID.
func (s *JetStreamStore) GetThread(ctx context.Context, threadID, ownerID string) (*model.Thread, error) {
	thread, err := s.getThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if thread.OwnerID != ownerID {
		return nil, ErrThreadForbidden
	}
	return thread, nil
}

// ListThreads returns the owner's threads, most recently updated first.
func (s *JetStreamStore) ListThreads(ctx context.Context, ownerID string) ([]model.Thread, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list thread keys: %w", err)
	}

	var threads []model.Thread
	for _, key := range keys {
		thread, err := s.getThread(ctx, key)
		if err != nil {
			continue
		}
		if thread.OwnerID == ownerID {
			threads = append(threads, *thread)
		}
	}
	sort.Slice(threads, func(i, j int) bool {
		return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
	})
	return threads, nil
}

// AppendMessage publishes msg to the thread's subject.
func (s *JetStreamStore) AppendMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	ack, err := s.client.JetStream().Publish(ctx, messageSubject(msg.OwnerID, msg.ThreadID, msg.Role), data)
	if err != nil {
		return nil, fmt.Errorf("failed to publish message: %w", err)
	}

	msg.Seq = ack.Sequence
	return msg, nil
}

// UpdateMessage republishes an updated message under the same id; readers
// keep the latest payload at the message's original position.
func (s *JetStreamStore) UpdateMessage(ctx context.Context, msg *model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := s.client.JetStream().Publish(ctx, messageSubject(msg.OwnerID, msg.ThreadID, msg.Role), data); err != nil {
		return fmt.Errorf("failed to publish message update: %w", err)
	}
	return nil
}

// ListMessages returns an ascending page of the thread's messages.
func (s *JetStreamStore) ListMessages(ctx context.Context, threadID string, limit int, beforeSeq uint64) ([]model.Message, error) {
	filter := fmt.Sprintf("%s.*.%s.msg.>", SubjectPrefix, threadID)
	entries, err := s.fetchAll(ctx, filter)
	if err != nil {
		return nil, err
	}

	messages := collapseVersions(entries)

	var page []model.Message
	for _, msg := range messages {
		if beforeSeq > 0 && msg.Seq >= beforeSeq {
			continue
		}
		page = append(page, msg)
	}
	if limit > 0 && len(page) > limit {
		page = page[len(page)-limit:]
	}
	return page, nil
}

// CountUserMessagesSince counts the owner's user messages since a time.
func (s *JetStreamStore) CountUserMessagesSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	filter := fmt.Sprintf("%s.%s.*.msg.%s", SubjectPrefix, ownerID, model.RoleUser)
	entries, err := s.fetchAll(ctx, filter)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, msg := range collapseVersions(entries) {
		if !msg.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// TouchThread bumps the thread's updated-at timestamp.
func (s *JetStreamStore) TouchThread(ctx context.Context, threadID string) error {
	thread, err := s.getThread(ctx, threadID)
	if err != nil {
		return err
	}
	thread.UpdatedAt = time.Now().UTC()
	return s.putThread(ctx, thread)
}

type streamEntry struct {
	msg model.Message
	seq uint64
}

// fetchAll drains the stream for a filter subject via an ephemeral consumer.
func (s *JetStreamStore) fetchAll(ctx context.Context, filterSubject string) ([]streamEntry, error) {
	js := s.client.JetStream()

	consumer, err := js.CreateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	var entries []streamEntry
	for {
		batch, err := consumer.Fetch(256, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch messages: %w", err)
		}

		received := 0
		for raw := range batch.Messages() {
			received++

			var msg model.Message
			if err := json.Unmarshal(raw.Data(), &msg); err != nil {
				continue
			}

			seq := uint64(0)
			if meta, err := raw.Metadata(); err == nil {
				seq = meta.Sequence.Stream
			}
			entries = append(entries, streamEntry{msg: msg, seq: seq})
		}
		if batch.Error() != nil && !errors.Is(batch.Error(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("batch error: %w", batch.Error())
		}
		if received == 0 {
			break
		}
	}
	return entries, nil
}

// collapseVersions reduces republished message versions to the latest
// payload per id, ordered and sequenced by each message's first appearance.
func collapseVersions(entries []streamEntry) []model.Message {
	index := make(map[string]int)
	var out []model.Message
	for _, entry := range entries {
		if i, ok := index[entry.msg.ID]; ok {
			firstSeq := out[i].Seq
			out[i] = entry.msg
			out[i].Seq = firstSeq
			continue
		}
		msg := entry.msg
		msg.Seq = entry.seq
		index[msg.ID] = len(out)
		out = append(out, msg)
	}
	return out
}

func (s *JetStreamStore) getThread(ctx context.Context, threadID string) (*model.Thread, error) {
	entry, err := s.kv.Get(ctx, threadID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrThreadNotFound
		}
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}

	var thread model.Thread
	if err := json.Unmarshal(entry.Value(), &thread); err != nil {
		return nil, fmt.Errorf("failed to decode thread: %w", err)
	}
	return &thread, nil
}

func (s *JetStreamStore) putThread(ctx context.Context, thread *model.Thread) error {
	data, err := json.Marshal(thread)
	if err != nil {
		return fmt.Errorf("failed to marshal thread: %w", err)
	}
	if _, err := s.kv.Put(ctx, thread.ID, data); err != nil {
		return fmt.Errorf("failed to put thread: %w", err)
	}
	return nil
}
