// Package workflows stores registered workflow definitions in Redis with a
// local cache in front, so every service instance resolves the same
// definition for a given id.
package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/weftlabs/weft/common/cache"
	"github.com/weftlabs/weft/common/logger"
	"github.com/weftlabs/weft/engine/workflow"
)

// ErrNotFound is returned when no definition is registered under an id
var ErrNotFound = errors.New("workflow not found")

// ErrInvalidPatch is returned when a patch cannot be decoded, does not
// apply, or leaves the definition unbuildable
var ErrInvalidPatch = errors.New("invalid patch")

// Backend is the slice of the redis client the store needs. The
// common/redis wrapper satisfies it.
type Backend interface {
	SetHash(ctx context.Context, key, field, value string) error
	GetAllHash(ctx context.Context, key string) (map[string]string, error)
}

// Store registers and resolves workflow definitions. Definitions live in a
// Redis hash per workflow; the cache keeps hot definitions off the wire.
type Store struct {
	backend  Backend
	cache    cache.Cache
	cacheTTL time.Duration
	log      *logger.Logger
}

// Option configures a Store
type Option func(*Store)

// WithCacheTTL overrides how long cached definitions stay fresh
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Store) { s.cacheTTL = ttl }
}

// NewStore creates a store with a 5 minute cache TTL
func NewStore(backend Backend, c cache.Cache, log *logger.Logger, opts ...Option) *Store {
	s := &Store{
		backend:  backend,
		cache:    c,
		cacheTTL: 5 * time.Minute,
		log:      log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func definitionKey(id string) string {
	return "workflow:def:" + id
}

// Register validates a definition by building it, assigns an id when the
// definition carries none, and persists it. Returns the built workflow.
func (s *Store) Register(ctx context.Context, def *workflow.Definition) (*workflow.Workflow, error) {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}

	wf, err := workflow.Build(def)
	if err != nil {
		return nil, fmt.Errorf("invalid workflow definition: %w", err)
	}

	if err := s.persist(ctx, def, "registeredAt"); err != nil {
		return nil, err
	}

	s.log.Info("workflow registered", "workflow_id", def.ID, "name", def.Name, "nodes", len(def.Nodes))
	return wf, nil
}

// Patch applies an RFC 6902 patch to a stored definition. The patched
// definition must still build; on success it replaces the stored one.
// The workflow id is immutable regardless of what the patch touches.
func (s *Store) Patch(ctx context.Context, id string, patchJSON []byte) (*workflow.Workflow, error) {
	current, err := s.definitionJSON(ctx, id)
	if err != nil {
		return nil, err
	}

	patch, err := jsonpatch.DecodePatch(patchJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	patched, err := patch.Apply(current)
	if err != nil {
		return nil, fmt.Errorf("%w: does not apply to workflow %s: %v", ErrInvalidPatch, id, err)
	}

	def := &workflow.Definition{}
	if err := json.Unmarshal(patched, def); err != nil {
		return nil, fmt.Errorf("%w: patched workflow %s is not a definition: %v", ErrInvalidPatch, id, err)
	}
	def.ID = id

	wf, err := workflow.Build(def)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}

	if err := s.persist(ctx, def, "patchedAt"); err != nil {
		return nil, err
	}

	s.log.Info("workflow patched", "workflow_id", id, "operations", len(patch))
	return wf, nil
}

// persist writes the definition hash and refreshes the cache. Peer
// instances may serve the previous definition until their cache entry
// expires.
func (s *Store) persist(ctx context.Context, def *workflow.Definition, stampField string) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}

	key := definitionKey(def.ID)
	if err := s.backend.SetHash(ctx, key, "definition", string(raw)); err != nil {
		return fmt.Errorf("failed to store definition %s: %w", def.ID, err)
	}
	if err := s.backend.SetHash(ctx, key, "name", def.Name); err != nil {
		return fmt.Errorf("failed to store definition %s: %w", def.ID, err)
	}
	if err := s.backend.SetHash(ctx, key, stampField, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("failed to store definition %s: %w", def.ID, err)
	}

	if err := s.cache.Set(ctx, cacheKey(def.ID), raw, s.cacheTTL); err != nil {
		s.log.Warn("failed to cache workflow definition", "workflow_id", def.ID, "error", err)
	}
	return nil
}

// Get resolves a registered definition and builds it
func (s *Store) Get(ctx context.Context, id string) (*workflow.Workflow, error) {
	def, err := s.Definition(ctx, id)
	if err != nil {
		return nil, err
	}

	wf, err := workflow.Build(def)
	if err != nil {
		// a stored definition should always build; treat this as corruption
		return nil, fmt.Errorf("failed to build stored workflow %s: %w", id, err)
	}
	return wf, nil
}

// Definition returns the registered definition for an id
func (s *Store) Definition(ctx context.Context, id string) (*workflow.Definition, error) {
	raw, err := s.definitionJSON(ctx, id)
	if err != nil {
		return nil, err
	}

	def := &workflow.Definition{}
	if err := json.Unmarshal(raw, def); err != nil {
		return nil, fmt.Errorf("failed to decode stored workflow %s: %w", id, err)
	}
	return def, nil
}

func cacheKey(id string) string {
	return "workflow:" + id
}

func (s *Store) definitionJSON(ctx context.Context, id string) ([]byte, error) {
	if raw, hit, err := s.cache.Get(ctx, cacheKey(id)); err == nil && hit {
		return raw, nil
	}

	fields, err := s.backend.GetAllHash(ctx, definitionKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", id, err)
	}
	raw, ok := fields["definition"]
	if !ok || raw == "" {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}

	if err := s.cache.Set(ctx, cacheKey(id), []byte(raw), s.cacheTTL); err != nil {
		s.log.Warn("failed to cache workflow definition", "workflow_id", id, "error", err)
	}
	return []byte(raw), nil
}
