package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/itemsync/internal/model"
	"github.com/roach88/itemsync/internal/remote"
	"github.com/roach88/itemsync/internal/store"
)

// Report summarizes one sync pass.
type Report struct {
	// Sent counts remote writes attempted.
	Sent int `json:"sent"`
	// Acked counts mutations the remote accepted.
	Acked int `json:"acked"`
	// Merged counts mutations completed by conflict resolution without a resend.
	Merged int `json:"merged"`
	// Conflicts counts conflict responses.
	Conflicts int `json:"conflicts"`
	// Retrying counts mutations rescheduled after a transient failure.
	Retrying int `json:"retrying"`
	// Failed holds the mutations that stopped syncing in this pass.
	Failed []*SyncError `json:"-"`
	// Errors holds local store failures.
	Errors []error `json:"-"`
}

// Empty reports whether the pass did nothing.
func (r Report) Empty() bool {
	return r.Sent == 0 && len(r.Errors) == 0
}

func (r *Report) add(o Report) {
	r.Sent += o.Sent
	r.Acked += o.Acked
	r.Merged += o.Merged
	r.Conflicts += o.Conflicts
	r.Retrying += o.Retrying
	r.Failed = append(r.Failed, o.Failed...)
	r.Errors = append(r.Errors, o.Errors...)
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeAcked
	outcomeMerged
	outcomeRetrying
	outcomeFailed
)

// SyncOnce drains every entity that is ready now: each entity's queued
// mutations are sent in order until its queue is empty or it has to wait.
// Entities run concurrently on the worker pool. The returned error is set
// only when the pass could not run; per-entity outcomes are in the report.
func (e *Engine) SyncOnce(ctx context.Context) (Report, error) {
	var report Report

	ids, err := e.store.ReadyEntities(ctx, e.wall())
	if err != nil {
		return report, err
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, id := range ids {
		if !e.claim(id) {
			continue
		}
		if err := e.sem.Acquire(ctx, 1); err != nil {
			e.release(id)
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer e.sem.Release(1)
			defer e.release(id)

			r := e.drainEntity(ctx, id)
			mu.Lock()
			report.add(r)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if !report.Empty() {
		e.logger.Info("sync pass",
			"sent", report.Sent,
			"acked", report.Acked,
			"merged", report.Merged,
			"conflicts", report.Conflicts,
			"retrying", report.Retrying,
			"failed", len(report.Failed),
		)
	}
	return report, ctx.Err()
}

// drainEntity sends the entity's mutations in seq order while they are ready.
func (e *Engine) drainEntity(ctx context.Context, id model.EntityID) Report {
	var report Report
	for ctx.Err() == nil {
		head, err := e.store.HeadMutation(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return report
		}
		if err != nil {
			report.Errors = append(report.Errors, err)
			return report
		}
		if !head.Ready(e.wall()) {
			return report
		}

		out, err := e.syncHead(ctx, id, head, &report)
		if err != nil {
			var se *SyncError
			if errors.As(err, &se) {
				report.Failed = append(report.Failed, se)
			} else {
				report.Errors = append(report.Errors, err)
			}
		}
		if out != outcomeAcked && out != outcomeMerged {
			return report
		}
	}
	return report
}

// syncHead sends one head mutation, merging and resending on conflict up to
// the round limit.
func (e *Engine) syncHead(ctx context.Context, id model.EntityID, head model.PendingMutation, report *Report) (outcome, error) {
	// Bookkeeping after the remote call must land even if ctx is cancelled,
	// or the entity would stay syncing until the next restart.
	bg := context.WithoutCancel(ctx)

	for round := 1; ; round++ {
		base, m, err := e.store.MarkSyncing(ctx, id, head.Seq)
		if errors.Is(err, store.ErrStaleMutation) {
			return outcomeSkipped, nil
		}
		if err != nil {
			return outcomeSkipped, err
		}

		if m.Kind == model.MutationUpsert && len(m.Delta) > 0 {
			m.Delta = currentFields(base.Fields, m.Delta)
			if len(m.Delta) == 0 {
				// Every field was overwritten by a later local write or a
				// merged remote value; there is nothing left to send.
				if _, err := e.store.AckMutation(bg, id, m.Seq, base.Version); err != nil {
					return outcomeSkipped, err
				}
				report.Merged++
				return outcomeMerged, nil
			}
		}

		report.Sent++
		version, sendErr := e.send(ctx, base, m)
		if sendErr == nil {
			if _, err := e.store.AckMutation(bg, id, m.Seq, version); err != nil {
				return outcomeSkipped, err
			}
			report.Acked++
			e.logger.Debug("mutation acked", "entity", id, "seq", m.Seq, "kind", m.Kind, "version", version)
			return outcomeAcked, nil
		}

		ce, isConflict := remote.IsConflict(sendErr)
		if !isConflict {
			return e.handleFailure(bg, m, sendErr, report)
		}

		report.Conflicts++
		if err := e.store.MarkConflict(bg, id, m.Seq, sendErr.Error()); err != nil {
			return outcomeSkipped, err
		}
		e.clock.Observe(max(ce.Current.Latest(), ce.DeletedAt))

		res := resolve(base, m, ce)
		if _, err := e.store.ResolveConflict(bg, id, m.Seq, res); err != nil {
			return outcomeSkipped, err
		}
		e.logger.Info("conflict resolved",
			"entity", id,
			"seq", m.Seq,
			"remote_version", ce.CurrentVersion,
			"remote_deleted", ce.Deleted,
			"resend", !res.Drop,
			"round", round,
		)
		if res.Drop {
			report.Merged++
			return outcomeMerged, nil
		}
		if round >= e.maxConflictRounds {
			next := e.policy.Next(e.wall(), 0)
			if err := e.store.BackoffMutation(bg, id, m.Seq, next, "conflict rounds exhausted"); err != nil {
				return outcomeSkipped, err
			}
			report.Retrying++
			return outcomeRetrying, nil
		}
		head = m
	}
}

// handleFailure records a non-conflict send failure: permanent rejections
// fail the mutation at once, everything else backs off until the budget
// is spent.
func (e *Engine) handleFailure(ctx context.Context, m model.PendingMutation, sendErr error, report *Report) (outcome, error) {
	if _, permanent := remote.PermanentReason(sendErr); permanent {
		if err := e.store.FailMutation(ctx, m.EntityID, m.Seq, sendErr.Error()); err != nil {
			return outcomeSkipped, err
		}
		e.logger.Warn("mutation rejected", "entity", m.EntityID, "seq", m.Seq, "error", sendErr)
		return outcomeFailed, newRejectedError(m.EntityID, m.Seq, sendErr)
	}

	attempts := m.Retries + 1
	if e.policy.Exhausted(attempts) {
		serr := NewRetryBudgetError(m.EntityID, m.Seq, attempts, sendErr)
		if err := e.store.FailMutation(ctx, m.EntityID, m.Seq, serr.Error()); err != nil {
			return outcomeSkipped, err
		}
		e.logger.Warn("retry budget exceeded", "entity", m.EntityID, "seq", m.Seq, "attempts", attempts, "error", sendErr)
		return outcomeFailed, serr
	}

	next := e.policy.Next(e.wall(), m.Retries)
	if err := e.store.BackoffMutation(ctx, m.EntityID, m.Seq, next, sendErr.Error()); err != nil {
		return outcomeSkipped, err
	}
	report.Retrying++
	e.logger.Debug("mutation backoff", "entity", m.EntityID, "seq", m.Seq, "attempt", attempts, "next_attempt_at", next, "error", sendErr)
	return outcomeRetrying, nil
}

func (e *Engine) send(ctx context.Context, base model.Entity, m model.PendingMutation) (int64, error) {
	switch m.Kind {
	case model.MutationUpsert:
		return e.remote.Put(ctx, m.EntityID, m.Delta, base.Version)
	case model.MutationDelete:
		return e.remote.Delete(ctx, m.EntityID, base.Version, m.ClientTime)
	default:
		return 0, &remote.PermanentError{Reason: model.ReasonRejected, Message: fmt.Sprintf("unknown mutation kind %q", m.Kind)}
	}
}
