package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/roach88/itemsync/internal/model"
	"github.com/roach88/itemsync/internal/queryir"
)

// ErrSubscriptionClosed is returned by Next after Cancel or Close.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Snapshot is the result set of a live query after a commit.
// Seq starts at 1 for the initial result and increases by one per delivery.
type Snapshot struct {
	Seq      uint64
	Entities []model.Entity
}

// commitSignal tells the dispatcher that at least one commit happened since
// it last looked. Commits that land while a dispatch is running set pending
// again, so the latest state is always evaluated.
type commitSignal struct {
	mu      sync.Mutex
	pending bool
	closed  bool
	wake    chan struct{}
}

func newCommitSignal() *commitSignal {
	return &commitSignal{wake: make(chan struct{}, 1)}
}

// Mark records a commit. It is a no-op after Close.
func (c *commitSignal) Mark() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pending = true
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Take reports whether a commit was marked and clears the flag.
func (c *commitSignal) Take() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending
	c.pending = false
	return p
}

// Wait returns the wake channel. It is closed by Close.
func (c *commitSignal) Wait() <-chan struct{} {
	return c.wake
}

// Close stops accepting commits and wakes the dispatcher.
func (c *commitSignal) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.wake)
}

// liveHub re-evaluates live queries after commits on a single dispatcher
// goroutine, so every subscription observes snapshots in commit order.
// Commits that land while a dispatch runs are evaluated together on the
// next pass: a snapshot always reflects a committed state and the latest
// state is always delivered, but a burst may skip intermediate states.
type liveHub struct {
	store   *Store
	commits *commitSignal
	wg      sync.WaitGroup

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
}

func newLiveHub(s *Store) *liveHub {
	return &liveHub{
		store:   s,
		commits: newCommitSignal(),
		subs:    make(map[uint64]*Subscription),
	}
}

func (h *liveHub) start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.run()
	}()
}

// stop closes the commit signal, waits for the dispatcher and closes every
// subscription.
func (h *liveHub) stop() {
	h.commits.Close()
	h.wg.Wait()

	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[uint64]*Subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// notify is called after every commit that may change a result set.
func (h *liveHub) notify() {
	h.commits.Mark()
}

func (h *liveHub) run() {
	for {
		if h.commits.Take() {
			h.dispatch()
		}
		if _, ok := <-h.commits.Wait(); !ok {
			return
		}
	}
}

func (h *liveHub) dispatch() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	ctx := context.Background()
	for _, sub := range subs {
		if sub.isClosed() {
			continue
		}
		entities, err := h.store.ListEntities(ctx, sub.query)
		if err != nil {
			h.store.logger.Error("live query evaluation failed", "subscription", sub.id, "error", err)
			continue
		}
		digest, err := model.SnapshotDigest(entities)
		if err != nil {
			h.store.logger.Error("live query digest failed", "subscription", sub.id, "error", err)
			continue
		}
		if sub.delivered > 0 && digest == sub.digest {
			continue
		}
		sub.digest = digest
		sub.delivered++
		sub.push(Snapshot{Seq: sub.delivered, Entities: entities})
	}
}

func (h *liveHub) add(q queryir.Query) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		hub:    h,
		id:     h.nextID,
		query:  q,
		signal: make(chan struct{}, 1),
	}
	h.subs[sub.id] = sub
	return sub
}

func (h *liveHub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// Subscription is a registered live query.
// Snapshots queue in a mailbox until read with Next or Snapshots.
type Subscription struct {
	hub   *liveHub
	id    uint64
	query queryir.Query

	// digest and delivered are owned by the dispatcher goroutine.
	digest    string
	delivered uint64

	mu      sync.Mutex
	mailbox []Snapshot
	closed  bool
	signal  chan struct{}
}

// LiveQuery registers a subscription for the entities matching q.
// The first snapshot is the current result set; later snapshots follow
// every commit that changes it. The subscription is cancelled when ctx ends.
func (s *Store) LiveQuery(ctx context.Context, q queryir.Query) (*Subscription, error) {
	if _, _, err := s.compiler.Compile(q); err != nil {
		return nil, fmt.Errorf("live query: %w", err)
	}
	sub := s.live.add(q)
	context.AfterFunc(ctx, sub.Cancel)
	s.live.notify()
	return sub, nil
}

func (sub *Subscription) push(snap Snapshot) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.closed {
		return
	}
	sub.mailbox = append(sub.mailbox, snap)
	select {
	case sub.signal <- struct{}{}:
	default:
	}
}

func (sub *Subscription) isClosed() bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.closed
}

// Next blocks until the next snapshot is available.
// Returns ErrSubscriptionClosed once the subscription is cancelled.
func (sub *Subscription) Next(ctx context.Context) (Snapshot, error) {
	for {
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			return Snapshot{}, ErrSubscriptionClosed
		}
		if len(sub.mailbox) > 0 {
			snap := sub.mailbox[0]
			sub.mailbox[0] = Snapshot{}
			sub.mailbox = sub.mailbox[1:]
			sub.mu.Unlock()
			return snap, nil
		}
		sub.mu.Unlock()

		select {
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		case <-sub.signal:
		}
	}
}

// Snapshots iterates over snapshots until ctx ends, the subscription is
// cancelled or the loop breaks.
func (sub *Subscription) Snapshots(ctx context.Context) iter.Seq[Snapshot] {
	return func(yield func(Snapshot) bool) {
		for {
			snap, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if !yield(snap) {
				return
			}
		}
	}
}

// Cancel stops delivery. Undelivered snapshots are discarded; no snapshot
// is delivered after Cancel returns. Safe to call more than once.
func (sub *Subscription) Cancel() {
	sub.hub.remove(sub.id)
	sub.close()
}

func (sub *Subscription) close() {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.closed {
		return
	}
	sub.closed = true
	sub.mailbox = nil
	close(sub.signal)
}
