package identity

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/itemsync/internal/model"
	"github.com/roach88/itemsync/internal/store"
)

type stepClock struct{ t atomic.Int64 }

func (c *stepClock) Now() int64 { return c.t.Add(1) }

func newTestResolver(t *testing.T, opts ...Option) (*Resolver, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	r, err := NewResolver(s, &stepClock{}, "dev-a", opts...)
	require.NoError(t, err)
	return r, s
}

func TestResolve_SameTokenSameID(t *testing.T) {
	r, s := newTestResolver(t)
	ctx := context.Background()

	first, err := r.Resolve(ctx, "ABC123")
	require.NoError(t, err)
	second, err := r.Resolve(ctx, "  ABC123\n")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, model.DerivedEntityID("ABC123"), first)

	muts, err := s.PendingMutations(ctx, first)
	require.NoError(t, err)
	assert.Len(t, muts, 1, "second resolve must not enqueue another creation")
}

func TestResolve_TwoDevicesConverge(t *testing.T) {
	a, _ := newTestResolver(t)
	b, _ := newTestResolver(t)
	ctx := context.Background()

	idA, err := a.Resolve(ctx, "ABC123")
	require.NoError(t, err)
	idB, err := b.Resolve(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, idA, idB)
}

func TestResolve_Concurrent(t *testing.T) {
	r, _ := newTestResolver(t, WithStrategy(StrategyRandom))
	ctx := context.Background()

	const workers = 10
	ids := make([]model.EntityID, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = r.Resolve(ctx, "UNSEEN")
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
}

func TestResolve_TokenStrategy(t *testing.T) {
	r, _ := newTestResolver(t, WithStrategy(StrategyToken))
	id, err := r.Resolve(context.Background(), "evt-42")
	require.NoError(t, err)
	assert.Equal(t, model.EntityID("evt-42"), id)
}

func TestResolve_NFCNormalization(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	composed, err := r.Resolve(ctx, "caf\u00e9")
	require.NoError(t, err)
	decomposed, err := r.Resolve(ctx, "cafe\u0301")
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestResolve_InvalidTokens(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	tests := map[string]string{
		"empty":        "",
		"whitespace":   "   \t ",
		"control":      "AB\x01C",
		"invalid utf8": "AB\xffC",
		"too long":     string(make([]byte, MaxTokenBytes+1)),
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := r.Resolve(ctx, raw)
			require.Error(t, err)
			assert.True(t, IsInvalidToken(err), "got %v", err)
		})
	}
}

func TestResolve_DanglingRecreate(t *testing.T) {
	r, s := newTestResolver(t)
	ctx := context.Background()

	id, err := r.Resolve(ctx, "ABC123")
	require.NoError(t, err)
	_, err = s.DeleteEntity(ctx, id, 100)
	require.NoError(t, err)

	again, err := r.Resolve(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	e, err := s.GetEntity(ctx, id)
	require.NoError(t, err)
	assert.False(t, e.Deleted)
}

func TestResolve_DanglingError(t *testing.T) {
	r, s := newTestResolver(t, WithDanglingPolicy(DanglingError))
	ctx := context.Background()

	id, err := r.Resolve(ctx, "ABC123")
	require.NoError(t, err)
	_, err = s.DeleteEntity(ctx, id, 100)
	require.NoError(t, err)

	_, err = r.Resolve(ctx, "ABC123")
	require.Error(t, err)
	assert.True(t, IsDanglingBinding(err))
	assert.False(t, IsInvalidToken(err))
}

func TestLookup(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	_, err := r.Lookup(ctx, "ABC123")
	assert.ErrorIs(t, err, store.ErrNotFound)

	id, err := r.Resolve(ctx, "ABC123")
	require.NoError(t, err)
	got, err := r.Lookup(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestNewResolver_RejectsUnknownOptions(t *testing.T) {
	_, err := NewResolver(nil, &stepClock{}, "dev", WithStrategy("sequential"))
	assert.Error(t, err)
	_, err = NewResolver(nil, &stepClock{}, "dev", WithDanglingPolicy("ignore"))
	assert.Error(t, err)
}
