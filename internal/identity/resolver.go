package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/roach88/itemsync/internal/model"
	"github.com/roach88/itemsync/internal/store"
)

// Strategy selects how a new token's entity ID is produced.
type Strategy string

const (
	StrategyDerived Strategy = "derived"
	StrategyToken   Strategy = "token"
	StrategyRandom  Strategy = "random"
)

// DanglingPolicy selects what Resolve does with a binding whose entity is gone.
type DanglingPolicy string

const (
	DanglingRecreate DanglingPolicy = "recreate"
	DanglingError    DanglingPolicy = "error"
)

// Binder is the persistence the resolver needs. *store.Store implements it.
type Binder interface {
	BindToken(ctx context.Context, token string, candidate model.EntityID, stamp model.Stamp) (store.BindResult, error)
	LookupToken(ctx context.Context, token string) (model.EntityID, error)
	RecreateEntity(ctx context.Context, id model.EntityID, clientTime int64) (bool, error)
}

// Clock supplies client timestamps in milliseconds.
type Clock interface {
	Now() int64
}

// Resolver maps raw scanned tokens to canonical entity IDs.
type Resolver struct {
	binder   Binder
	clock    Clock
	origin   string
	strategy Strategy
	checksum Checksum
	dangling DanglingPolicy
	newID    func() string
	logger   *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithStrategy sets the ID strategy for new tokens (default StrategyDerived).
func WithStrategy(s Strategy) Option {
	return func(r *Resolver) { r.strategy = s }
}

// WithChecksum enables token check character validation.
func WithChecksum(c Checksum) Option {
	return func(r *Resolver) { r.checksum = c }
}

// WithDanglingPolicy sets the dangling binding policy (default DanglingRecreate).
func WithDanglingPolicy(p DanglingPolicy) Option {
	return func(r *Resolver) { r.dangling = p }
}

// WithIDGenerator overrides the generator used by StrategyRandom.
func WithIDGenerator(gen func() string) Option {
	return func(r *Resolver) { r.newID = gen }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates a resolver writing bindings through b.
// origin is the local replica ID stamped on creation mutations.
func NewResolver(b Binder, clock Clock, origin string, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		binder:   b,
		clock:    clock,
		origin:   origin,
		strategy: StrategyDerived,
		dangling: DanglingRecreate,
		newID:    func() string { return uuid.Must(uuid.NewV7()).String() },
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	switch r.strategy {
	case StrategyDerived, StrategyToken, StrategyRandom:
	default:
		return nil, fmt.Errorf("identity: unknown id strategy %q", r.strategy)
	}
	switch r.dangling {
	case DanglingRecreate, DanglingError:
	default:
		return nil, fmt.Errorf("identity: unknown dangling policy %q", r.dangling)
	}
	return r, nil
}

// CandidateID returns the ID a new binding of token would use.
// Only derived and token strategies are deterministic.
func (r *Resolver) CandidateID(token string) model.EntityID {
	switch r.strategy {
	case StrategyToken:
		return model.EntityID(token)
	case StrategyRandom:
		return model.EntityID(r.newID())
	default:
		return model.DerivedEntityID(token)
	}
}

// Resolve returns the entity ID for a scanned token, binding and creating
// the entity on first sight. Concurrent calls for the same unseen token
// return the same ID.
func (r *Resolver) Resolve(ctx context.Context, raw string) (model.EntityID, error) {
	token, err := NormalizeToken(raw, r.checksum)
	if err != nil {
		return "", err
	}

	// A bound token keeps its ID; BindToken then only reports whether the
	// binding dangles.
	candidate, err := r.binder.LookupToken(ctx, token)
	switch {
	case errors.Is(err, store.ErrNotFound):
		candidate = r.CandidateID(token)
	case err != nil:
		return "", fmt.Errorf("resolve: %w", err)
	}

	res, err := r.binder.BindToken(ctx, token, candidate, model.Stamp{Time: r.clock.Now(), Origin: r.origin})
	if err != nil {
		return "", fmt.Errorf("resolve: %w", err)
	}
	if res.Created {
		r.logger.Info("bound new token", "entity", res.EntityID, "strategy", string(r.strategy))
	}

	if !res.Dangling {
		return res.EntityID, nil
	}
	return res.EntityID, r.handleDangling(ctx, token, res.EntityID)
}

func (r *Resolver) handleDangling(ctx context.Context, token string, id model.EntityID) error {
	if r.dangling == DanglingError {
		return &Error{
			Code:     CodeDanglingBinding,
			Token:    token,
			EntityID: id,
			Message:  "bound entity is deleted",
		}
	}
	recreated, err := r.binder.RecreateEntity(ctx, id, r.clock.Now())
	if err != nil {
		return fmt.Errorf("resolve: recreate %s: %w", id, err)
	}
	if recreated {
		r.logger.Info("recreated entity for dangling binding", "entity", id)
	}
	return nil
}

// Lookup returns the entity bound to a token without creating anything.
// Returns store.ErrNotFound when the token is unbound.
func (r *Resolver) Lookup(ctx context.Context, raw string) (model.EntityID, error) {
	token, err := NormalizeToken(raw, r.checksum)
	if err != nil {
		return "", err
	}
	return r.binder.LookupToken(ctx, token)
}
