package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/itemsync/internal/model"
	"github.com/roach88/itemsync/internal/queryir"
	"github.com/roach88/itemsync/internal/querysql"
)

// GetEntity returns an entity with its attachment references.
// Tombstoned entities are returned with Deleted set; missing IDs return ErrNotFound.
func (s *Store) GetEntity(ctx context.Context, id model.EntityID) (model.Entity, error) {
	e, err := getEntity(ctx, s.db, id)
	if err != nil {
		return model.Entity{}, err
	}
	entities := []model.Entity{e}
	if err := s.attachRefs(ctx, entities); err != nil {
		return model.Entity{}, err
	}
	return entities[0], nil
}

// ListEntities returns the entities matching q, ordered by ID.
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) ListEntities(ctx context.Context, q queryir.Query) ([]model.Entity, error) {
	query, params, err := s.compiler.Compile(q)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("list entities: query: %w", err)
	}

	entities := []model.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("list entities: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list entities: iterate: %w", err)
	}
	// Release the single connection before the attachment query.
	rows.Close()

	if err := s.attachRefs(ctx, entities); err != nil {
		return nil, err
	}
	return entities, nil
}

// attachRefs fills Attachments on each entity in place.
func (s *Store) attachRefs(ctx context.Context, entities []model.Entity) error {
	if len(entities) == 0 {
		return nil
	}

	index := make(map[model.EntityID]int, len(entities))
	params := make([]any, len(entities))
	for i, e := range entities {
		index[e.ID] = i
		params[i] = string(e.ID)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT "+attachmentColumns+`
		FROM attachments
		WHERE entity_id IN (`+querysql.Placeholders(len(params))+`)
		ORDER BY entity_id COLLATE BINARY ASC, slot COLLATE BINARY ASC`, params...)
	if err != nil {
		return fmt.Errorf("load attachments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return fmt.Errorf("load attachments: %w", err)
		}
		i := index[a.EntityID]
		entities[i].Attachments = append(entities[i].Attachments, a.Ref())
	}
	return rows.Err()
}

// LookupToken returns the entity ID bound to a token, or ErrNotFound.
func (s *Store) LookupToken(ctx context.Context, token string) (model.EntityID, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT entity_id FROM qr_bindings WHERE token = ?`, token).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup token: %w", err)
	}
	return model.EntityID(id), nil
}

// TokensFor returns every token bound to an entity, in binding order.
func (s *Store) TokensFor(ctx context.Context, id model.EntityID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token FROM qr_bindings
		WHERE entity_id = ?
		ORDER BY bound_at ASC, token COLLATE BINARY ASC
	`, string(id))
	if err != nil {
		return nil, fmt.Errorf("tokens for %s: %w", id, err)
	}
	defer rows.Close()

	tokens := []string{}
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("tokens for %s: %w", id, err)
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}
