package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/weftlabs/weft/engine/state"
)

// Store is the slice of the redis client the sink needs. The common/redis
// wrapper satisfies it.
type Store interface {
	SetHash(ctx context.Context, key, field, value string) error
	GetAllHash(ctx context.Context, key string) (map[string]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// RedisSink keeps one hash per execution with the latest checkpoint. The
// snapshot field is the expensive part, so it is skipped when jsonpatch
// says nothing changed since the last write; seq and queue state are
// always refreshed.
type RedisSink struct {
	store Store
	ttl   time.Duration

	mu   sync.Mutex
	last map[string][]byte
}

// RedisSinkOption configures a RedisSink
type RedisSinkOption func(*RedisSink)

// WithTTL overrides how long checkpoint hashes live after the last write
func WithTTL(ttl time.Duration) RedisSinkOption {
	return func(s *RedisSink) { s.ttl = ttl }
}

// NewRedisSink creates a sink with a 24h default TTL
func NewRedisSink(store Store, opts ...RedisSinkOption) *RedisSink {
	s := &RedisSink{
		store: store,
		ttl:   24 * time.Hour,
		last:  make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func checkpointKey(executionID string) string {
	return "checkpoint:" + executionID
}

// Save writes the checkpoint hash. Field layout: seq, snapshot, summary,
// buckets, at.
func (s *RedisSink) Save(ctx context.Context, st State) error {
	key := checkpointKey(st.ExecutionID)

	snapJSON, err := json.Marshal(st.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	s.mu.Lock()
	prev := s.last[st.ExecutionID]
	unchanged := prev != nil && jsonpatch.Equal(prev, snapJSON)
	if !unchanged {
		s.last[st.ExecutionID] = snapJSON
	}
	s.mu.Unlock()

	if !unchanged {
		if err := s.store.SetHash(ctx, key, "snapshot", string(snapJSON)); err != nil {
			return err
		}
	}

	summaryJSON, err := json.Marshal(st.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	bucketsJSON, err := json.Marshal(st.Buckets)
	if err != nil {
		return fmt.Errorf("marshal buckets: %w", err)
	}

	if err := s.store.SetHash(ctx, key, "seq", strconv.FormatInt(st.Seq, 10)); err != nil {
		return err
	}
	if err := s.store.SetHash(ctx, key, "summary", string(summaryJSON)); err != nil {
		return err
	}
	if err := s.store.SetHash(ctx, key, "buckets", string(bucketsJSON)); err != nil {
		return err
	}
	if err := s.store.SetHash(ctx, key, "at", st.At.UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	return s.store.Expire(ctx, key, s.ttl)
}

// Load reads an execution's latest checkpoint back. The second return is
// false when none exists.
func (s *RedisSink) Load(ctx context.Context, executionID string) (State, bool, error) {
	fields, err := s.store.GetAllHash(ctx, checkpointKey(executionID))
	if err != nil {
		return State{}, false, err
	}
	if len(fields) == 0 {
		return State{}, false, nil
	}

	st := State{ExecutionID: executionID}
	if raw, ok := fields["seq"]; ok {
		st.Seq, _ = strconv.ParseInt(raw, 10, 64)
	}
	if raw, ok := fields["snapshot"]; ok {
		snap := &state.Snapshot{}
		if err := json.Unmarshal([]byte(raw), snap); err != nil {
			return State{}, false, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		st.Snapshot = snap
	}
	if raw, ok := fields["summary"]; ok {
		if err := json.Unmarshal([]byte(raw), &st.Summary); err != nil {
			return State{}, false, fmt.Errorf("unmarshal summary: %w", err)
		}
	}
	if raw, ok := fields["buckets"]; ok {
		if err := json.Unmarshal([]byte(raw), &st.Buckets); err != nil {
			return State{}, false, fmt.Errorf("unmarshal buckets: %w", err)
		}
	}
	if raw, ok := fields["at"]; ok {
		st.At, _ = time.Parse(time.RFC3339Nano, raw)
	}
	return st, true, nil
}

// Forget drops the sink's dedup memory and the stored hash for an
// execution. Call it when an execution is finished with.
func (s *RedisSink) Forget(ctx context.Context, executionID string) error {
	s.mu.Lock()
	delete(s.last, executionID)
	s.mu.Unlock()
	return s.store.Delete(ctx, checkpointKey(executionID))
}
