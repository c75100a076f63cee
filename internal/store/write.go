package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/itemsync/internal/model"
)

// BindResult describes the outcome of BindToken.
type BindResult struct {
	EntityID model.EntityID
	// Created is true when this call created the entity row and its creation mutation.
	Created bool
	// Dangling is true when the token is bound but its entity is missing or deleted.
	Dangling bool
}

// BindToken atomically binds token to candidate and creates the entity if absent.
//
// The binding insert uses ON CONFLICT DO NOTHING, so of several concurrent
// calls for the same unseen token exactly one creates the binding; every
// caller observes the same EntityID. A token that is already bound never
// remaps: the existing binding is returned and candidate is ignored.
//
// The entity row, the binding and the creation mutation commit in one transaction.
func (s *Store) BindToken(ctx context.Context, token string, candidate model.EntityID, stamp model.Stamp) (BindResult, error) {
	var result BindResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO qr_bindings (token, entity_id, bound_at)
			VALUES (?, ?, ?)
			ON CONFLICT(token) DO NOTHING
		`, token, string(candidate), stamp.Time)
		if err != nil {
			return fmt.Errorf("insert binding: %w", err)
		}
		bound, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert binding: %w", err)
		}

		if bound == 0 {
			var id string
			if err := tx.QueryRowContext(ctx, `SELECT entity_id FROM qr_bindings WHERE token = ?`, token).Scan(&id); err != nil {
				return fmt.Errorf("read binding: %w", err)
			}
			result.EntityID = model.EntityID(id)
			e, err := getEntity(ctx, tx, result.EntityID)
			switch {
			case errors.Is(err, ErrNotFound):
				result.Dangling = true
			case err != nil:
				return err
			default:
				result.Dangling = e.Deleted
			}
			return nil
		}

		result.EntityID = candidate
		created, err := insertEntity(ctx, tx, candidate, stamp.Time)
		if err != nil {
			return err
		}
		if !created {
			// The entity arrived earlier (remote change or another token).
			e, err := getEntity(ctx, tx, candidate)
			if err != nil {
				return err
			}
			result.Dangling = e.Deleted
			return nil
		}
		if _, err := s.insertMutation(ctx, tx, candidate, model.MutationUpsert, model.Document{}, stamp.Time); err != nil {
			return err
		}
		result.Created = true
		return nil
	})
	if err != nil {
		return BindResult{}, fmt.Errorf("bind token: %w", err)
	}
	if result.Created {
		s.live.notify()
	}
	return result, nil
}

// ApplyLocal overlays delta onto the entity's fields and queues an upsert
// mutation carrying delta. The entity update and the mutation insert commit
// atomically. A clean entity becomes dirty; other states are kept so an
// in-flight or failed head mutation is not disturbed.
func (s *Store) ApplyLocal(ctx context.Context, id model.EntityID, delta model.Document, clientTime int64) (model.Entity, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		e, err := getEntity(ctx, tx, id)
		if err != nil {
			return err
		}
		if e.Deleted {
			return ErrEntityDeleted
		}

		fields, err := marshalDocument(e.Fields.Overlay(delta))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE entities
			SET fields = ?, local_rev = local_rev + 1, pending = 1, updated_at = ?,
			    sync_state = CASE sync_state WHEN 'clean' THEN 'dirty' ELSE sync_state END
			WHERE id = ?
		`, fields, clientTime, string(id)); err != nil {
			return fmt.Errorf("update entity: %w", err)
		}

		_, err = s.insertMutation(ctx, tx, id, model.MutationUpsert, delta, clientTime)
		return err
	})
	if err != nil {
		return model.Entity{}, fmt.Errorf("apply local %s: %w", id, err)
	}
	s.live.notify()
	return s.GetEntity(ctx, id)
}

// DeleteEntity tombstones the entity and queues a delete mutation.
// Returns ErrEntityDeleted if it is already deleted.
func (s *Store) DeleteEntity(ctx context.Context, id model.EntityID, clientTime int64) (model.Entity, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		e, err := getEntity(ctx, tx, id)
		if err != nil {
			return err
		}
		if e.Deleted {
			return ErrEntityDeleted
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE entities
			SET deleted = 1, local_rev = local_rev + 1, pending = 1, updated_at = ?,
			    sync_state = CASE sync_state WHEN 'clean' THEN 'dirty' ELSE sync_state END
			WHERE id = ?
		`, clientTime, string(id)); err != nil {
			return fmt.Errorf("tombstone entity: %w", err)
		}

		_, err = s.insertMutation(ctx, tx, id, model.MutationDelete, model.Document{}, clientTime)
		return err
	})
	if err != nil {
		return model.Entity{}, fmt.Errorf("delete %s: %w", id, err)
	}
	s.live.notify()
	return s.GetEntity(ctx, id)
}

// RecreateEntity brings a missing or deleted entity back under the same ID
// with empty fields and queues a creation mutation. Calling it on a live
// entity is a no-op, so concurrent recreates converge on one creation.
func (s *Store) RecreateEntity(ctx context.Context, id model.EntityID, clientTime int64) (bool, error) {
	var recreated bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		created, err := insertEntity(ctx, tx, id, clientTime)
		if err != nil {
			return err
		}
		if !created {
			e, err := getEntity(ctx, tx, id)
			if err != nil {
				return err
			}
			if !e.Deleted {
				return nil
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE entities
				SET deleted = 0, fields = '{}', local_rev = local_rev + 1, pending = 1, updated_at = ?,
				    sync_state = CASE sync_state WHEN 'clean' THEN 'dirty' ELSE sync_state END
				WHERE id = ?
			`, clientTime, string(id)); err != nil {
				return fmt.Errorf("revive entity: %w", err)
			}
		}
		if _, err := s.insertMutation(ctx, tx, id, model.MutationUpsert, model.Document{}, clientTime); err != nil {
			return err
		}
		recreated = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("recreate %s: %w", id, err)
	}
	if recreated {
		s.live.notify()
	}
	return recreated, nil
}

// ApplyRemote applies a remote-origin change. It only touches entities
// with no pending local mutation, and only when the change version is newer
// than the stored version. Unknown entities are inserted clean.
// Returns whether the change was applied.
func (s *Store) ApplyRemote(ctx context.Context, change model.Change) (bool, error) {
	var applied bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		fields, err := marshalDocument(change.Fields)
		if err != nil {
			return err
		}

		e, err := getEntity(ctx, tx, change.EntityID)
		if errors.Is(err, ErrNotFound) {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO entities (id, fields, version, local_rev, sync_state, pending, deleted, updated_at)
				VALUES (?, ?, ?, 0, 'clean', 0, ?, ?)
			`, string(change.EntityID), fields, change.Version, boolInt(change.Deleted), change.Fields.Latest()); err != nil {
				return fmt.Errorf("insert remote entity: %w", err)
			}
			applied = true
			return nil
		}
		if err != nil {
			return err
		}

		if e.Pending || e.State != model.StateClean || change.Version <= e.Version {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE entities
			SET fields = ?, version = ?, deleted = ?, last_error = '', updated_at = ?
			WHERE id = ?
		`, fields, change.Version, boolInt(change.Deleted), change.Fields.Latest(), string(change.EntityID)); err != nil {
			return fmt.Errorf("update remote entity: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("apply remote %s: %w", change.EntityID, err)
	}
	if applied {
		s.live.notify()
	}
	return applied, nil
}

// insertEntity creates a dirty, pending entity row at local_rev 1.
// Returns false if the row already exists.
func insertEntity(ctx context.Context, tx *sql.Tx, id model.EntityID, now int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO entities (id, fields, version, local_rev, sync_state, pending, deleted, updated_at)
		VALUES (?, '{}', 0, 1, 'dirty', 1, 0, ?)
		ON CONFLICT(id) DO NOTHING
	`, string(id), now)
	if err != nil {
		return false, fmt.Errorf("insert entity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert entity: %w", err)
	}
	return n == 1, nil
}

// insertMutation appends a mutation to the log. Seq comes from a store-wide
// counter kept in meta, so it never goes backwards after acknowledged
// mutations are removed.
func (s *Store) insertMutation(ctx context.Context, tx *sql.Tx, id model.EntityID, kind model.MutationKind, delta model.Document, clientTime int64) (model.PendingMutation, error) {
	var seq int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, '1')
		ON CONFLICT(key) DO UPDATE SET value = CAST(value AS INTEGER) + 1
		RETURNING CAST(value AS INTEGER)
	`, metaMutationSeq).Scan(&seq); err != nil {
		return model.PendingMutation{}, fmt.Errorf("next mutation seq: %w", err)
	}

	deltaJSON, err := marshalDocument(delta)
	if err != nil {
		return model.PendingMutation{}, err
	}

	m := model.PendingMutation{
		ID:         s.newID(),
		EntityID:   id,
		Seq:        seq,
		Kind:       kind,
		Delta:      delta,
		ClientTime: clientTime,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pending_mutations (entity_id, seq, id, kind, delta, client_time)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(id), m.Seq, m.ID, string(kind), deltaJSON, clientTime); err != nil {
		return model.PendingMutation{}, fmt.Errorf("insert mutation: %w", err)
	}
	return m, nil
}
