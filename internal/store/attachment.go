package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/itemsync/internal/model"
)

// PutAttachment inserts or replaces the attachment for (EntityID, Slot).
// Returns the row it replaced, if any, so the caller can cancel its upload.
func (s *Store) PutAttachment(ctx context.Context, a model.Attachment) (*model.Attachment, error) {
	var prev *model.Attachment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		e, err := getEntity(ctx, tx, a.EntityID)
		if err != nil {
			return err
		}
		if e.Deleted {
			return ErrEntityDeleted
		}

		old, err := getAttachment(ctx, tx, a.EntityID, a.Slot)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		default:
			prev = &old
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO attachments
			(entity_id, slot, ticket, state, reason, digest, size, content_type, url, retries, next_attempt_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(entity_id, slot) DO UPDATE SET
				ticket = excluded.ticket,
				state = excluded.state,
				reason = excluded.reason,
				digest = excluded.digest,
				size = excluded.size,
				content_type = excluded.content_type,
				url = excluded.url,
				retries = excluded.retries,
				next_attempt_at = excluded.next_attempt_at,
				updated_at = excluded.updated_at
		`,
			string(a.EntityID), a.Slot, a.Ticket, string(a.State), a.Reason, a.Digest,
			a.Size, a.ContentType, a.URL, a.Retries, a.NextAttemptAt, a.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert attachment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("put attachment %s/%s: %w", a.EntityID, a.Slot, err)
	}
	s.live.notify()
	return prev, nil
}

// GetAttachment returns the attachment in a slot, or ErrNotFound.
func (s *Store) GetAttachment(ctx context.Context, id model.EntityID, slot string) (model.Attachment, error) {
	return getAttachment(ctx, s.db, id, slot)
}

// AttachmentByTicket returns the attachment currently holding ticket.
// A ticket replaced by a newer attach returns ErrNotFound.
func (s *Store) AttachmentByTicket(ctx context.Context, ticket string) (model.Attachment, error) {
	return attachmentByTicket(ctx, s.db, ticket)
}

// ListAttachments returns an entity's attachments ordered by slot.
func (s *Store) ListAttachments(ctx context.Context, id model.EntityID) ([]model.Attachment, error) {
	return queryAttachments(ctx, s.db, "SELECT "+attachmentColumns+`
		FROM attachments
		WHERE entity_id = ?
		ORDER BY slot COLLATE BINARY ASC`, string(id))
}

// TransitionAttachment moves the attachment holding ticket to state to.
// mutate, if non-nil, may adjust the other columns before the row is written.
// Transitions outside the lifecycle table return ErrInvalidTransition.
func (s *Store) TransitionAttachment(ctx context.Context, ticket string, to model.AttachmentState, mutate func(*model.Attachment)) (model.Attachment, error) {
	return s.transitionAttachment(ctx, ticket, nil, to, mutate)
}

// StartScheduledUpload moves a scheduled attachment to uploading. The check
// runs in the same transaction as the write, so an attachment cancelled or
// failed permanently since it was read returns ErrInvalidTransition.
func (s *Store) StartScheduledUpload(ctx context.Context, ticket string, mutate func(*model.Attachment)) (model.Attachment, error) {
	return s.transitionAttachment(ctx, ticket, model.Attachment.Scheduled, model.AttachmentUploading, mutate)
}

func (s *Store) transitionAttachment(ctx context.Context, ticket string, from func(model.Attachment) bool, to model.AttachmentState, mutate func(*model.Attachment)) (model.Attachment, error) {
	var a model.Attachment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		a, err = attachmentByTicket(ctx, tx, ticket)
		if err != nil {
			return err
		}
		if from != nil && !from(a) {
			return fmt.Errorf("%w: %s (%s) is not scheduled", ErrInvalidTransition, a.State, a.Reason)
		}
		if !model.CanTransition(a.State, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.State, to)
		}
		a.State = to
		if mutate != nil {
			mutate(&a)
		}
		if to != model.AttachmentSynced {
			a.URL = ""
		}
		if to != model.AttachmentFailed {
			a.Reason = ""
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE attachments
			SET state = ?, reason = ?, url = ?, retries = ?, next_attempt_at = ?, updated_at = ?
			WHERE ticket = ?
		`, string(a.State), a.Reason, a.URL, a.Retries, a.NextAttemptAt, a.UpdatedAt, ticket)
		if err != nil {
			return fmt.Errorf("update attachment: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Attachment{}, fmt.Errorf("transition %s to %s: %w", ticket, to, err)
	}
	s.live.notify()
	return a, nil
}

// dueClause matches attachments waiting for an upload attempt.
const dueClause = `(state = 'local-only' OR (state = 'failed' AND reason = 'transient'))`

// DueAttachments returns the attachments whose upload should start at now:
// scheduled local-only uploads and transient failures whose backoff elapsed.
func (s *Store) DueAttachments(ctx context.Context, now int64) ([]model.Attachment, error) {
	return queryAttachments(ctx, s.db, "SELECT "+attachmentColumns+`
		FROM attachments
		WHERE `+dueClause+` AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC, updated_at ASC, entity_id COLLATE BINARY ASC, slot COLLATE BINARY ASC`, now)
}

// NextAttachmentAttempt returns the earliest scheduled upload time.
// ok is false when no upload is waiting.
func (s *Store) NextAttachmentAttempt(ctx context.Context) (at int64, ok bool, err error) {
	var next sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(next_attempt_at) FROM attachments WHERE `+dueClause).Scan(&next); err != nil {
		return 0, false, fmt.Errorf("next attachment attempt: %w", err)
	}
	return next.Int64, next.Valid, nil
}

// ResetUploading marks uploads interrupted by a restart as transient failures
// due at now, so the next scheduling pass resumes them.
func (s *Store) ResetUploading(ctx context.Context, now int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE attachments
		SET state = 'failed', reason = 'transient', next_attempt_at = ?, updated_at = ?
		WHERE state = 'uploading'
	`, now, now)
	if err != nil {
		return 0, fmt.Errorf("reset uploading: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset uploading: %w", err)
	}
	if n > 0 {
		s.live.notify()
	}
	return int(n), nil
}

func getAttachment(ctx context.Context, q querier, id model.EntityID, slot string) (model.Attachment, error) {
	row := q.QueryRowContext(ctx, "SELECT "+attachmentColumns+" FROM attachments WHERE entity_id = ? AND slot = ?", string(id), slot)
	a, err := scanAttachment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Attachment{}, ErrNotFound
	}
	if err != nil {
		return model.Attachment{}, fmt.Errorf("get attachment %s/%s: %w", id, slot, err)
	}
	return a, nil
}

func attachmentByTicket(ctx context.Context, q querier, ticket string) (model.Attachment, error) {
	row := q.QueryRowContext(ctx, "SELECT "+attachmentColumns+" FROM attachments WHERE ticket = ?", ticket)
	a, err := scanAttachment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Attachment{}, ErrNotFound
	}
	if err != nil {
		return model.Attachment{}, fmt.Errorf("attachment by ticket %s: %w", ticket, err)
	}
	return a, nil
}

func queryAttachments(ctx context.Context, q querier, query string, args ...any) ([]model.Attachment, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attachments: %w", err)
	}
	defer rows.Close()

	out := []model.Attachment{}
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
