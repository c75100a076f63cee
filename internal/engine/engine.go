package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/roach88/itemsync/internal/backoff"
	"github.com/roach88/itemsync/internal/model"
	"github.com/roach88/itemsync/internal/remote"
	"github.com/roach88/itemsync/internal/schema"
	"github.com/roach88/itemsync/internal/store"
)

// DefaultWorkers is the default number of entities synced concurrently.
const DefaultWorkers = 4

// DefaultMaxConflictRounds bounds how many merge-and-resend rounds one
// mutation gets in a single pass before it is deferred with backoff.
const DefaultMaxConflictRounds = 3

// Validator checks a full entity record before a local write is accepted.
// *schema.Validator implements it.
type Validator interface {
	Validate(fields model.Map) error
}

// Engine drives the per-entity sync state machine against a remote store.
//
// Thread-safety model:
//   - Set, Delete, Retry, State, ApplyChange: safe from any goroutine
//   - SyncOnce: safe from any goroutine; an entity is never processed by
//     two workers at once
//   - Run: call from one goroutine
type Engine struct {
	store   *store.Store
	remote  remote.Store
	clock   *Clock
	wall    func() int64
	replica string
	logger  *slog.Logger

	policy            backoff.Policy
	workers           int
	maxConflictRounds int
	validator         Validator

	sem  *semaphore.Weighted
	wake chan struct{}

	mu       sync.Mutex
	inflight map[model.EntityID]struct{}
}

// Option allows configuration of engine parameters.
type Option func(*Engine)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithWallClock sets the millisecond wall source used for stamps and
// backoff schedules. Tests pass a testutil.DeterministicClock's Now.
func WithWallClock(wall func() int64) Option {
	return func(e *Engine) {
		e.wall = wall
	}
}

// WithClock shares a stamping clock, e.g. with the identity resolver.
func WithClock(c *Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithReplicaID overrides the origin written into field stamps.
// Default: the store's replica ID.
func WithReplicaID(id string) Option {
	return func(e *Engine) {
		e.replica = id
	}
}

// WithRetryPolicy sets the backoff schedule and retry budget for mutations.
func WithRetryPolicy(p backoff.Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithWorkers sets the number of entities synced concurrently.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		e.workers = n
	}
}

// WithMaxConflictRounds sets the per-pass conflict round limit.
func WithMaxConflictRounds(n int) Option {
	return func(e *Engine) {
		e.maxConflictRounds = n
	}
}

// WithValidator sets the record validator. Default: schema.Default().
func WithValidator(v Validator) Option {
	return func(e *Engine) {
		e.validator = v
	}
}

// New creates an engine syncing s against r.
func New(s *store.Store, r remote.Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:             s,
		remote:            r,
		logger:            slog.Default(),
		policy:            backoff.Default(),
		workers:           DefaultWorkers,
		maxConflictRounds: DefaultMaxConflictRounds,
		wake:              make(chan struct{}, 1),
		inflight:          make(map[model.EntityID]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.wall == nil {
		e.wall = WallMillis
	}
	if e.clock == nil {
		e.clock = NewClock(e.wall)
	}
	if e.workers < 1 {
		return nil, fmt.Errorf("engine: workers must be at least 1, got %d", e.workers)
	}
	if e.maxConflictRounds < 1 {
		return nil, fmt.Errorf("engine: max conflict rounds must be at least 1, got %d", e.maxConflictRounds)
	}
	if e.validator == nil {
		v, err := schema.Default()
		if err != nil {
			return nil, fmt.Errorf("engine: load default schema: %w", err)
		}
		e.validator = v
	}
	if e.replica == "" {
		id, err := s.ReplicaID(context.Background())
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		e.replica = id
	}
	e.sem = semaphore.NewWeighted(int64(e.workers))
	return e, nil
}

// Clock returns the stamping clock.
func (e *Engine) Clock() *Clock {
	return e.clock
}

// ReplicaID returns the origin written into this engine's stamps.
func (e *Engine) ReplicaID() string {
	return e.replica
}

// Set writes field values to an entity. A model.Null value clears a field.
// Field names are checked, and the resulting record is validated before
// anything is stored. The write is local and synchronous; the mutation is
// sent by the sync loop.
func (e *Engine) Set(ctx context.Context, id model.EntityID, delta model.Map) (model.Entity, error) {
	if len(delta) == 0 {
		return e.store.GetEntity(ctx, id)
	}
	for name := range delta {
		if err := model.ValidateFieldName(name); err != nil {
			return model.Entity{}, newInvalidFieldError(id, err)
		}
	}

	current, err := e.store.GetEntity(ctx, id)
	if err != nil {
		return model.Entity{}, fmt.Errorf("set %s: %w", id, err)
	}
	if current.Deleted {
		return model.Entity{}, fmt.Errorf("set %s: %w", id, store.ErrEntityDeleted)
	}

	record := current.Values()
	for k, v := range delta {
		if v == nil || model.IsNull(v) {
			delete(record, k)
			continue
		}
		record[k] = v
	}
	if err := e.validator.Validate(record); err != nil {
		return model.Entity{}, fmt.Errorf("set %s: %w", id, err)
	}

	now := e.clock.Now()
	updated, err := e.store.ApplyLocal(ctx, id, model.NewDocument(delta, model.Stamp{Time: now, Origin: e.replica}), now)
	if err != nil {
		return model.Entity{}, err
	}
	e.logger.Debug("local write", "entity", id, "fields", len(delta), "local_rev", updated.LocalRev)
	e.Wake()
	return updated, nil
}

// Delete tombstones an entity locally and queues the remote delete.
func (e *Engine) Delete(ctx context.Context, id model.EntityID) (model.Entity, error) {
	deleted, err := e.store.DeleteEntity(ctx, id, e.clock.Now())
	if err != nil {
		return model.Entity{}, err
	}
	e.logger.Debug("local delete", "entity", id)
	e.Wake()
	return deleted, nil
}

// Retry returns a failed entity to dirty with a fresh retry budget.
// Entities that are not failed are returned unchanged.
func (e *Engine) Retry(ctx context.Context, id model.EntityID) (model.Entity, error) {
	ent, err := e.store.RetryFailed(ctx, id)
	if err != nil {
		return model.Entity{}, err
	}
	e.Wake()
	return ent, nil
}

// State returns the entity with its sync state.
func (e *Engine) State(ctx context.Context, id model.EntityID) (model.Entity, error) {
	return e.store.GetEntity(ctx, id)
}

// Wake asks the Run loop to look for ready mutations now.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// ApplyChange applies a remote change to the local store and records its
// cursor. Changes to entities with local mutations are skipped; those
// converge through conflict resolution when the mutations are sent.
func (e *Engine) ApplyChange(ctx context.Context, change model.Change) (bool, error) {
	e.clock.Observe(max(change.Fields.Latest(), change.DeletedAt))

	applied, err := e.store.ApplyRemote(ctx, change)
	if err != nil {
		return false, err
	}
	if change.Cursor > 0 {
		if err := e.store.SetMeta(ctx, store.MetaRemoteCursor, fmt.Sprintf("%d", change.Cursor)); err != nil {
			return applied, err
		}
	}
	e.logger.Debug("remote change",
		"entity", change.EntityID,
		"version", change.Version,
		"cursor", change.Cursor,
		"applied", applied,
	)
	return applied, nil
}

func (e *Engine) claim(id model.EntityID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Engine) release(id model.EntityID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, id)
}
