package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"slices"
	"testing"

	"github.com/roach88/itemsync/internal/model"
)

// createTestStore opens a fresh store in a temp dir with sequential mutation IDs.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	n := 0
	s, err := Open(path, WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("id-%04d", n)
	}))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestEntity binds token to an entity of the same name and returns its ID.
func createTestEntity(t *testing.T, s *Store, token string) model.EntityID {
	t.Helper()
	res, err := s.BindToken(context.Background(), token, model.EntityID(token), model.Stamp{Time: 1000, Origin: "dev-a"})
	if err != nil {
		t.Fatalf("BindToken(%q) failed: %v", token, err)
	}
	if !res.Created {
		t.Fatalf("BindToken(%q) did not create the entity", token)
	}
	return res.EntityID
}

// createCleanEntity inserts a clean entity at version 1 with the given fields.
func createCleanEntity(t *testing.T, s *Store, id model.EntityID, fields model.Map) {
	t.Helper()
	applied, err := s.ApplyRemote(context.Background(), model.Change{
		EntityID: id,
		Version:  1,
		Fields:   model.NewDocument(fields, model.Stamp{Time: 500, Origin: "remote"}),
	})
	if err != nil {
		t.Fatalf("ApplyRemote(%s) failed: %v", id, err)
	}
	if !applied {
		t.Fatalf("ApplyRemote(%s) was not applied", id)
	}
}

func stamped(fields model.Map, at int64) model.Document {
	return model.NewDocument(fields, model.Stamp{Time: at, Origin: "dev-a"})
}

func mustGet(t *testing.T, s *Store, id model.EntityID) model.Entity {
	t.Helper()
	e, err := s.GetEntity(context.Background(), id)
	if err != nil {
		t.Fatalf("GetEntity(%s) failed: %v", id, err)
	}
	return e
}

func getTableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		t.Fatalf("failed to get table info for %q: %v", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var (
			cid         int
			name, ctype string
			notnull, pk int
			dfltValue   any
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			t.Fatalf("failed to scan column info: %v", err)
		}
		columns = append(columns, name)
	}
	return columns
}

func getTableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=?", table)
	if err != nil {
		t.Fatalf("failed to get indexes for %q: %v", table, err)
	}
	defer rows.Close()

	var indexes []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("failed to scan index name: %v", err)
		}
		indexes = append(indexes, name)
	}
	return indexes
}

func contains(slice []string, item string) bool {
	return slices.Contains(slice, item)
}
