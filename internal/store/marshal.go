package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/itemsync/internal/model"
	"github.com/roach88/itemsync/internal/querysql"
)

const (
	mutationColumns   = "entity_id, seq, id, kind, delta, client_time, retries, next_attempt_at, failed, last_error"
	attachmentColumns = "entity_id, slot, ticket, state, reason, digest, size, content_type, url, retries, next_attempt_at, updated_at"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// marshalDocument converts a document to canonical JSON TEXT for storage.
func marshalDocument(doc model.Document) (string, error) {
	if doc == nil {
		doc = model.Document{}
	}
	data, err := model.MarshalCanonical(doc)
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}
	return string(data), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// scanEntity reads a row selected with querysql.EntityColumns.
func scanEntity(row rowScanner) (model.Entity, error) {
	var (
		e                model.Entity
		id, fields       string
		state            string
		pending, deleted int
	)
	if err := row.Scan(&id, &fields, &e.Version, &e.LocalRev, &state, &pending, &deleted, &e.LastError, &e.UpdatedAt); err != nil {
		return model.Entity{}, err
	}

	doc, err := model.ParseDocument([]byte(fields))
	if err != nil {
		return model.Entity{}, fmt.Errorf("entity %s: %w", id, err)
	}

	e.ID = model.EntityID(id)
	e.Fields = doc
	e.State = model.SyncState(state)
	e.Pending = pending != 0
	e.Deleted = deleted != 0
	return e, nil
}

func scanMutation(row rowScanner) (model.PendingMutation, error) {
	var (
		m           model.PendingMutation
		entityID    string
		kind, delta string
		failed      int
	)
	if err := row.Scan(&entityID, &m.Seq, &m.ID, &kind, &delta, &m.ClientTime, &m.Retries, &m.NextAttemptAt, &failed, &m.LastError); err != nil {
		return model.PendingMutation{}, err
	}

	doc, err := model.ParseDocument([]byte(delta))
	if err != nil {
		return model.PendingMutation{}, fmt.Errorf("mutation %s: %w", m.ID, err)
	}

	m.EntityID = model.EntityID(entityID)
	m.Kind = model.MutationKind(kind)
	m.Delta = doc
	m.Failed = failed != 0
	return m, nil
}

func scanAttachment(row rowScanner) (model.Attachment, error) {
	var (
		a        model.Attachment
		entityID string
		state    string
	)
	if err := row.Scan(&entityID, &a.Slot, &a.Ticket, &state, &a.Reason, &a.Digest, &a.Size, &a.ContentType, &a.URL, &a.Retries, &a.NextAttemptAt, &a.UpdatedAt); err != nil {
		return model.Attachment{}, err
	}
	a.EntityID = model.EntityID(entityID)
	a.State = model.AttachmentState(state)
	return a, nil
}

// getEntity loads one entity row (without attachments).
func getEntity(ctx context.Context, q querier, id model.EntityID) (model.Entity, error) {
	row := q.QueryRowContext(ctx, "SELECT "+querysql.EntityColumns+" FROM entities WHERE id = ?", string(id))
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return model.Entity{}, ErrNotFound
	}
	if err != nil {
		return model.Entity{}, fmt.Errorf("get entity %s: %w", id, err)
	}
	return e, nil
}

// headMutation loads the lowest-seq mutation of an entity.
func headMutation(ctx context.Context, q querier, id model.EntityID) (model.PendingMutation, error) {
	row := q.QueryRowContext(ctx, "SELECT "+mutationColumns+`
		FROM pending_mutations
		WHERE entity_id = ?
		ORDER BY seq ASC
		LIMIT 1`, string(id))
	m, err := scanMutation(row)
	if err == sql.ErrNoRows {
		return model.PendingMutation{}, ErrNotFound
	}
	if err != nil {
		return model.PendingMutation{}, fmt.Errorf("head mutation %s: %w", id, err)
	}
	return m, nil
}

// countMutations returns the number of queued mutations for an entity.
func countMutations(ctx context.Context, q querier, id model.EntityID) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_mutations WHERE entity_id = ?`, string(id)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count mutations %s: %w", id, err)
	}
	return n, nil
}
