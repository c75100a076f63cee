package attachment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/itemsync/internal/model"
	"github.com/roach88/itemsync/internal/remote"
	"github.com/roach88/itemsync/internal/store"
)

// UploadReport summarizes one upload pass.
type UploadReport struct {
	Uploaded  int     `json:"uploaded"`
	Retrying  int     `json:"retrying"`
	Failed    int     `json:"failed"`
	Cancelled int     `json:"cancelled"`
	Errors    []error `json:"-"`
}

func (r *UploadReport) add(res uploadResult) {
	switch res.state {
	case model.AttachmentSynced:
		r.Uploaded++
	case model.AttachmentFailed:
		switch {
		case res.reason == model.ReasonCancelled:
			r.Cancelled++
		case model.RetryableReason(res.reason):
			r.Retrying++
		default:
			r.Failed++
		}
	}
	if res.err != nil {
		r.Errors = append(r.Errors, res.err)
	}
}

type uploadResult struct {
	state  model.AttachmentState
	reason string
	err    error
}

// UploadOnce uploads every attachment that is due now and waits for the
// uploads to finish.
func (m *Manager) UploadOnce(ctx context.Context) (UploadReport, error) {
	var report UploadReport

	due, err := m.store.DueAttachments(ctx, m.wall())
	if err != nil {
		return report, err
	}

	results := make(chan uploadResult, len(due))
	started := 0
	for _, a := range due {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			break
		}
		started++
		go func() {
			defer m.sem.Release(1)
			results <- m.upload(ctx, a, false)
		}()
	}
	for range started {
		report.add(<-results)
	}

	if report.Uploaded+report.Retrying+report.Failed+report.Cancelled > 0 {
		m.logger.Info("upload pass",
			"uploaded", report.Uploaded,
			"retrying", report.Retrying,
			"failed", report.Failed,
			"cancelled", report.Cancelled,
		)
	}
	return report, ctx.Err()
}

// upload runs one attachment through uploading to synced or failed.
// manual uploads start with a fresh retry budget.
func (m *Manager) upload(ctx context.Context, a model.Attachment, manual bool) uploadResult {
	upCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	u, ok := m.register(a.Ticket, cancel)
	if !ok {
		return uploadResult{}
	}
	defer m.unregister(a.Ticket, u)

	// Outcomes are recorded even when ctx ends mid-upload.
	bg := context.WithoutCancel(ctx)

	start := m.store.StartScheduledUpload
	if manual {
		start = func(ctx context.Context, ticket string, mutate func(*model.Attachment)) (model.Attachment, error) {
			return m.store.TransitionAttachment(ctx, ticket, model.AttachmentUploading, mutate)
		}
	}
	cur, err := start(bg, a.Ticket, func(x *model.Attachment) {
		if manual {
			x.Retries = 0
		}
		x.UpdatedAt = m.wall()
	})
	if err != nil {
		return m.skip(a, err)
	}
	log := m.logger.With("entity", cur.EntityID, "slot", cur.Slot, "ticket", cur.Ticket)

	body, err := m.cache.Open(cur.Digest)
	if err != nil {
		log.Error("cached blob missing", "digest", cur.Digest, "error", err)
		return m.fail(bg, cur, model.ReasonMissingBlob, 0)
	}
	url, sendErr := m.media.Upload(upCtx, cur.Digest, cur.ContentType, body)
	body.Close()

	if sendErr == nil {
		synced, err := m.store.TransitionAttachment(bg, cur.Ticket, model.AttachmentSynced, func(x *model.Attachment) {
			x.URL = url
			x.NextAttemptAt = 0
			x.UpdatedAt = m.wall()
		})
		if err != nil {
			// Cancelled by another process or replaced while in flight.
			return m.skip(cur, err)
		}
		if err := m.cache.Alias(url, cur.Digest); err != nil {
			log.Warn("cache alias failed", "url", url, "error", err)
		}
		log.Info("attachment synced", "url", url, "size", cur.Size)
		m.link(bg, synced)
		return uploadResult{state: model.AttachmentSynced}
	}

	switch cause := context.Cause(upCtx); {
	case errors.Is(cause, errReplaced):
		return uploadResult{}
	case errors.Is(cause, errCancelled):
		log.Info("attachment cancelled")
		return m.fail(bg, cur, model.ReasonCancelled, 0)
	case ctx.Err() != nil:
		// Shutdown: resume on the next start without spending budget.
		return m.failTransient(bg, cur, cur.Retries, m.wall())
	}

	if reason, permanent := remote.PermanentReason(sendErr); permanent {
		log.Warn("upload rejected", "reason", reason, "error", sendErr)
		return m.fail(bg, cur, reason, 0)
	}

	attempts := cur.Retries + 1
	if m.policy.Exhausted(attempts) {
		log.Warn("upload retry budget exceeded", "attempts", attempts, "error", sendErr)
		return m.fail(bg, cur, model.ReasonRetryBudgetExceeded, attempts)
	}
	next := m.policy.Next(m.wall(), cur.Retries)
	log.Debug("upload backoff", "attempt", attempts, "next_attempt_at", next, "error", sendErr)
	return m.failTransient(bg, cur, attempts, next)
}

func (m *Manager) fail(ctx context.Context, a model.Attachment, reason string, retries int) uploadResult {
	_, err := m.store.TransitionAttachment(ctx, a.Ticket, model.AttachmentFailed, func(x *model.Attachment) {
		x.Reason = reason
		if retries > 0 {
			x.Retries = retries
		}
		x.NextAttemptAt = 0
		x.UpdatedAt = m.wall()
	})
	if err != nil {
		return m.skip(a, err)
	}
	return uploadResult{state: model.AttachmentFailed, reason: reason}
}

func (m *Manager) failTransient(ctx context.Context, a model.Attachment, retries int, next int64) uploadResult {
	_, err := m.store.TransitionAttachment(ctx, a.Ticket, model.AttachmentFailed, func(x *model.Attachment) {
		x.Reason = model.ReasonTransient
		x.Retries = retries
		x.NextAttemptAt = next
		x.UpdatedAt = m.wall()
	})
	if err != nil {
		return m.skip(a, err)
	}
	return uploadResult{state: model.AttachmentFailed, reason: model.ReasonTransient}
}

// skip treats a lost race on the row as a no-op: the ticket was replaced
// or moved to another state by someone else.
func (m *Manager) skip(a model.Attachment, err error) uploadResult {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidTransition) {
		m.logger.Debug("upload skipped", "entity", a.EntityID, "slot", a.Slot, "ticket", a.Ticket, "error", err)
		return uploadResult{}
	}
	return uploadResult{err: fmt.Errorf("upload %s/%s: %w", a.EntityID, a.Slot, err)}
}

// link records the synced URL on the entity. Failures are logged only:
// the attachment row already carries the URL.
func (m *Manager) link(ctx context.Context, a model.Attachment) {
	if m.linker == nil {
		return
	}
	field := LinkField(a.Slot)
	if _, err := m.linker.Set(ctx, a.EntityID, model.Map{field: model.String(a.URL)}); err != nil {
		m.logger.Warn("attachment link-back failed", "entity", a.EntityID, "field", field, "error", err)
	}
}

// Run resumes uploads interrupted by a previous process and then uploads
// due attachments until ctx is cancelled, sleeping until the next
// scheduled retry or a Wake.
func (m *Manager) Run(ctx context.Context) error {
	n, err := m.store.ResetUploading(ctx, m.wall())
	if err != nil {
		return err
	}
	m.logger.Info("attachment manager starting", "resumed", n, "workers", m.workers)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		if _, err := m.UploadOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.logger.Error("upload pass failed", "error", err)
		}

		wait := time.Duration(-1)
		if at, ok, err := m.store.NextAttachmentAttempt(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.logger.Error("next upload lookup failed", "error", err)
			wait = m.policy.Delay(1)
		} else if ok {
			wait = max(time.Duration(at-m.wall())*time.Millisecond, 10*time.Millisecond)
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
		case <-m.wake:
		case <-fire:
		}
	}
}
