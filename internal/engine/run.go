package engine

import (
	"context"
	"errors"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/itemsync/internal/queryir"
	"github.com/roach88/itemsync/internal/remote"
	"github.com/roach88/itemsync/internal/store"
)

// Run is the long-running sync loop. It blocks until ctx is cancelled.
//
// On start, entities left syncing or in conflict by a previous process are
// returned to dirty so their head mutations are resent. The loop then runs
// two tasks:
//   - push: a SyncOnce pass whenever a local commit adds pending work,
//     Wake is called, or the earliest backoff expires
//   - pull: a remote subscription from the persisted cursor, applied with
//     ApplyChange; dropped subscriptions are re-opened with backoff
func (e *Engine) Run(ctx context.Context) error {
	n, err := e.store.ResetInFlight(ctx)
	if err != nil {
		return err
	}
	e.logger.Info("engine starting", "replica", e.replica, "recovered", n, "workers", e.workers)

	// Any commit touching a pending entity is a reason to look again.
	pending, err := e.store.LiveQuery(ctx, queryir.Where(queryir.Pending{Value: true}))
	if err != nil {
		return err
	}
	defer pending.Cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for range pending.Snapshots(ctx) {
			e.Wake()
		}
		return nil
	})
	g.Go(func() error {
		return e.pushLoop(ctx)
	})
	g.Go(func() error {
		return e.pullLoop(ctx)
	})

	err = g.Wait()
	e.logger.Info("engine stopping", "reason", context.Cause(ctx))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) pushLoop(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		if _, err := e.SyncOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.logger.Error("sync pass failed", "error", err)
		}

		wait := time.Duration(-1)
		if at, ok, err := e.store.NextMutationAttempt(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.logger.Error("next attempt lookup failed", "error", err)
			wait = e.policy.Delay(1)
		} else if ok {
			wait = time.Duration(max(at-e.wall(), 0)) * time.Millisecond
		}

		// An entity that is ready but not claimable is being synced by a
		// concurrent SyncOnce; don't spin on it.
		if wait == 0 {
			wait = 10 * time.Millisecond
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		var fire <-chan time.Time
		if wait > 0 {
			timer.Reset(wait)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			return nil
		case <-e.wake:
		case <-fire:
		}
	}
}

func (e *Engine) pullLoop(ctx context.Context) error {
	failures := 0
	for {
		cursor, err := e.Cursor(ctx)
		if err != nil {
			return err
		}

		changes, err := e.remote.Subscribe(ctx, remote.Filter{Since: cursor})
		if err == nil {
			e.logger.Debug("remote subscription open", "since", cursor)
			for change := range changes {
				failures = 0
				if _, err := e.ApplyChange(ctx, change); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					e.logger.Error("apply remote change failed", "entity", change.EntityID, "error", err)
				}
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		failures++
		delay := e.policy.Delay(failures)
		e.logger.Warn("remote subscription lost", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// Cursor returns the last applied remote cursor, 0 if none.
func (e *Engine) Cursor(ctx context.Context) (int64, error) {
	raw, err := e.store.GetMeta(ctx, store.MetaRemoteCursor)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}
