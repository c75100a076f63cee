package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/itemsync/internal/model"
)

// ConflictResolution is the outcome of merging a rejected head mutation
// against the remote document.
type ConflictResolution struct {
	// RemoteVersion becomes the entity's version and the new base.
	RemoteVersion int64
	// Fields is the merged document stored locally.
	Fields  model.Document
	Deleted bool
	// Kind and Delta replace the head mutation when it is re-queued.
	Kind  model.MutationKind
	Delta model.Document
	// Drop completes the mutation without resending it.
	Drop bool
}

// HeadMutation returns the oldest queued mutation of an entity, or ErrNotFound.
func (s *Store) HeadMutation(ctx context.Context, id model.EntityID) (model.PendingMutation, error) {
	return headMutation(ctx, s.db, id)
}

// PendingMutations returns every queued mutation of an entity in seq order.
func (s *Store) PendingMutations(ctx context.Context, id model.EntityID) ([]model.PendingMutation, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+mutationColumns+`
		FROM pending_mutations
		WHERE entity_id = ?
		ORDER BY seq ASC`, string(id))
	if err != nil {
		return nil, fmt.Errorf("pending mutations %s: %w", id, err)
	}
	defer rows.Close()

	mutations := []model.PendingMutation{}
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("pending mutations %s: %w", id, err)
		}
		mutations = append(mutations, m)
	}
	return mutations, rows.Err()
}

// headJoin selects dirty entities together with their head mutation.
const headJoin = `
	FROM entities e
	JOIN pending_mutations m ON m.entity_id = e.id
	WHERE m.seq = (SELECT MIN(seq) FROM pending_mutations WHERE entity_id = e.id)
	  AND e.sync_state = 'dirty'
	  AND m.failed = 0`

// ReadyEntities returns the dirty entities whose head mutation is due at now,
// oldest head first.
func (s *Store) ReadyEntities(ctx context.Context, now int64) ([]model.EntityID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT e.id`+headJoin+`
	  AND m.next_attempt_at <= ?
	ORDER BY m.seq ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("ready entities: %w", err)
	}
	defer rows.Close()

	ids := []model.EntityID{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ready entities: %w", err)
		}
		ids = append(ids, model.EntityID(id))
	}
	return ids, rows.Err()
}

// NextMutationAttempt returns the earliest next_attempt_at among retriable
// head mutations. ok is false when nothing is waiting.
func (s *Store) NextMutationAttempt(ctx context.Context) (at int64, ok bool, err error) {
	var next sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(m.next_attempt_at)`+headJoin).Scan(&next); err != nil {
		return 0, false, fmt.Errorf("next mutation attempt: %w", err)
	}
	return next.Int64, next.Valid, nil
}

// checkHead loads the head mutation and verifies it is seq.
func checkHead(ctx context.Context, tx *sql.Tx, id model.EntityID, seq int64) (model.PendingMutation, error) {
	m, err := headMutation(ctx, tx, id)
	if errors.Is(err, ErrNotFound) {
		return model.PendingMutation{}, ErrStaleMutation
	}
	if err != nil {
		return model.PendingMutation{}, err
	}
	if m.Seq != seq {
		return model.PendingMutation{}, ErrStaleMutation
	}
	return m, nil
}

// MarkSyncing moves a dirty entity to syncing for its head mutation seq.
// The returned entity carries the base version for the remote write.
func (s *Store) MarkSyncing(ctx context.Context, id model.EntityID, seq int64) (model.Entity, model.PendingMutation, error) {
	var (
		base model.Entity
		head model.PendingMutation
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		e, err := getEntity(ctx, tx, id)
		if err != nil {
			return err
		}
		if e.State != model.StateDirty {
			return fmt.Errorf("%w: entity is %s", ErrStaleMutation, e.State)
		}
		if head, err = checkHead(ctx, tx, id, seq); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE entities SET sync_state = 'syncing' WHERE id = ?`, string(id)); err != nil {
			return fmt.Errorf("mark syncing: %w", err)
		}
		e.State = model.StateSyncing
		base = e
		return nil
	})
	if err != nil {
		return model.Entity{}, model.PendingMutation{}, fmt.Errorf("mark syncing %s: %w", id, err)
	}
	s.live.notify()
	return base, head, nil
}

// settle updates the entity after its head mutation was removed: dirty while
// further mutations are queued, clean otherwise.
func settle(ctx context.Context, tx *sql.Tx, id model.EntityID, version int64) error {
	remaining, err := countMutations(ctx, tx, id)
	if err != nil {
		return err
	}
	state := model.StateClean
	if remaining > 0 {
		state = model.StateDirty
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE entities
		SET version = ?, sync_state = ?, pending = ?, last_error = ''
		WHERE id = ?
	`, version, string(state), boolInt(remaining > 0), string(id)); err != nil {
		return fmt.Errorf("settle entity: %w", err)
	}
	return nil
}

// AckMutation removes an acknowledged head mutation and records the accepted version.
func (s *Store) AckMutation(ctx context.Context, id model.EntityID, seq, version int64) (model.Entity, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := checkHead(ctx, tx, id, seq); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_mutations WHERE entity_id = ? AND seq = ?`, string(id), seq); err != nil {
			return fmt.Errorf("delete mutation: %w", err)
		}
		return settle(ctx, tx, id, version)
	})
	if err != nil {
		return model.Entity{}, fmt.Errorf("ack %s/%d: %w", id, seq, err)
	}
	s.live.notify()
	return s.GetEntity(ctx, id)
}

// MarkConflict moves a syncing entity to conflict.
func (s *Store) MarkConflict(ctx context.Context, id model.EntityID, seq int64, message string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := checkHead(ctx, tx, id, seq); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE entities SET sync_state = 'conflict', last_error = ? WHERE id = ?
		`, message, string(id))
		return err
	})
	if err != nil {
		return fmt.Errorf("mark conflict %s/%d: %w", id, seq, err)
	}
	s.live.notify()
	return nil
}

// ResolveConflict stores the merged document at the remote version and either
// re-queues the head mutation with the local winners or completes it.
func (s *Store) ResolveConflict(ctx context.Context, id model.EntityID, seq int64, res ConflictResolution) (model.Entity, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := checkHead(ctx, tx, id, seq); err != nil {
			return err
		}
		fields, err := marshalDocument(res.Fields)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE entities SET fields = ?, deleted = ?, updated_at = MAX(updated_at, ?) WHERE id = ?
		`, fields, boolInt(res.Deleted), res.Fields.Latest(), string(id)); err != nil {
			return fmt.Errorf("store merge: %w", err)
		}

		if res.Drop {
			if _, err := tx.ExecContext(ctx, `DELETE FROM pending_mutations WHERE entity_id = ? AND seq = ?`, string(id), seq); err != nil {
				return fmt.Errorf("drop mutation: %w", err)
			}
			return settle(ctx, tx, id, res.RemoteVersion)
		}

		delta, err := marshalDocument(res.Delta)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE pending_mutations
			SET kind = ?, delta = ?, retries = 0, next_attempt_at = 0, last_error = ''
			WHERE entity_id = ? AND seq = ?
		`, string(res.Kind), delta, string(id), seq); err != nil {
			return fmt.Errorf("requeue mutation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE entities SET version = ?, sync_state = 'dirty', pending = 1, last_error = '' WHERE id = ?
		`, res.RemoteVersion, string(id)); err != nil {
			return fmt.Errorf("requeue entity: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Entity{}, fmt.Errorf("resolve conflict %s/%d: %w", id, seq, err)
	}
	s.live.notify()
	return s.GetEntity(ctx, id)
}

// BackoffMutation records a transient failure and schedules the next attempt.
func (s *Store) BackoffMutation(ctx context.Context, id model.EntityID, seq, nextAttemptAt int64, message string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := checkHead(ctx, tx, id, seq); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE pending_mutations
			SET retries = retries + 1, next_attempt_at = ?, last_error = ?
			WHERE entity_id = ? AND seq = ?
		`, nextAttemptAt, message, string(id), seq); err != nil {
			return fmt.Errorf("update mutation: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE entities SET sync_state = 'dirty', last_error = ? WHERE id = ?
		`, message, string(id))
		return err
	})
	if err != nil {
		return fmt.Errorf("backoff %s/%d: %w", id, seq, err)
	}
	s.live.notify()
	return nil
}

// FailMutation marks the head mutation failed. It stays queued until RetryFailed.
func (s *Store) FailMutation(ctx context.Context, id model.EntityID, seq int64, message string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := checkHead(ctx, tx, id, seq); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE pending_mutations SET failed = 1, last_error = ? WHERE entity_id = ? AND seq = ?
		`, message, string(id), seq); err != nil {
			return fmt.Errorf("update mutation: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE entities SET sync_state = 'failed', last_error = ? WHERE id = ?
		`, message, string(id))
		return err
	})
	if err != nil {
		return fmt.Errorf("fail %s/%d: %w", id, seq, err)
	}
	s.live.notify()
	return nil
}

// RetryFailed clears the failed flag and retry count of an entity's mutations
// and returns it to dirty. Entities that are not failed are returned unchanged.
func (s *Store) RetryFailed(ctx context.Context, id model.EntityID) (model.Entity, error) {
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		e, err := getEntity(ctx, tx, id)
		if err != nil {
			return err
		}
		if e.State != model.StateFailed {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE pending_mutations
			SET failed = 0, retries = 0, next_attempt_at = 0
			WHERE entity_id = ?
		`, string(id)); err != nil {
			return fmt.Errorf("reset mutations: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE entities SET sync_state = 'dirty', last_error = '' WHERE id = ?
		`, string(id)); err != nil {
			return fmt.Errorf("reset entity: %w", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return model.Entity{}, fmt.Errorf("retry %s: %w", id, err)
	}
	if changed {
		s.live.notify()
	}
	return s.GetEntity(ctx, id)
}

// ResetInFlight returns syncing and conflict entities to dirty.
// Called at startup: a mutation in flight when the process died is resent.
func (s *Store) ResetInFlight(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entities SET sync_state = 'dirty' WHERE sync_state IN ('syncing', 'conflict')
	`)
	if err != nil {
		return 0, fmt.Errorf("reset in flight: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset in flight: %w", err)
	}
	if n > 0 {
		s.live.notify()
	}
	return int(n), nil
}
