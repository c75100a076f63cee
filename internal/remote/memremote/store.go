// Package memremote provides in-memory remote.Store and remote.MediaStorage
// implementations. They back the reference HTTP server, the scenario harness
// and tests, and support fault injection.
package memremote

import (
	"context"
	"sync"

	"github.com/roach88/itemsync/internal/model"
	"github.com/roach88/itemsync/internal/remote"
)

type document struct {
	version   int64
	fields    model.Document
	deleted   bool
	deletedAt int64
}

// Store is an in-memory versioned document store with a change log.
// Change cursors are 1-based positions in the log.
type Store struct {
	mu      sync.Mutex
	docs    map[model.EntityID]*document
	log     []model.Change
	changed chan struct{} // closed and replaced on every append
	offline bool
	faults  []error
	calls   int
}

var _ remote.Store = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		docs:    make(map[model.EntityID]*document),
		changed: make(chan struct{}),
	}
}

// SetOffline makes every call fail with a *remote.TransientError until reset.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// FailNext queues errors returned by the next Put or Delete calls, in order.
func (s *Store) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, errs...)
}

// Calls returns the number of Put and Delete calls received.
func (s *Store) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fault returns the injected error for this call, if any. Caller holds mu.
func (s *Store) fault(op string) error {
	s.calls++
	if s.offline {
		return &remote.TransientError{Op: op, Err: errOffline}
	}
	if len(s.faults) > 0 {
		err := s.faults[0]
		s.faults = s.faults[1:]
		return err
	}
	return nil
}

// Put implements remote.Store.
func (s *Store) Put(ctx context.Context, id model.EntityID, delta model.Document, baseVersion int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &remote.TransientError{Op: "put", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault("put"); err != nil {
		return 0, err
	}

	doc := s.docs[id]
	if doc == nil {
		doc = &document{fields: model.Document{}}
	}
	if doc.version != baseVersion {
		return 0, conflict(id, doc)
	}

	if doc.deleted {
		doc.deleted = false
		doc.deletedAt = 0
		doc.fields = model.Document{}
	}
	doc.fields = doc.fields.Overlay(delta)
	doc.version++
	s.docs[id] = doc
	s.appendChange(id, doc)
	return doc.version, nil
}

// Delete implements remote.Store.
func (s *Store) Delete(ctx context.Context, id model.EntityID, baseVersion, clientTime int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &remote.TransientError{Op: "delete", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault("delete"); err != nil {
		return 0, err
	}

	doc := s.docs[id]
	if doc == nil {
		doc = &document{fields: model.Document{}}
	}
	if doc.version != baseVersion {
		return 0, conflict(id, doc)
	}

	doc.deleted = true
	doc.deletedAt = clientTime
	doc.version++
	s.docs[id] = doc
	s.appendChange(id, doc)
	return doc.version, nil
}

// Write overlays delta without a version check, as another writer would.
// Returns the new version.
func (s *Store) Write(id model.EntityID, delta model.Document) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.docs[id]
	if doc == nil {
		doc = &document{fields: model.Document{}}
	}
	doc.fields = doc.fields.Overlay(delta)
	doc.deleted = false
	doc.deletedAt = 0
	doc.version++
	s.docs[id] = doc
	s.appendChange(id, doc)
	return doc.version
}

// Get returns the current document as a change at its version.
func (s *Store) Get(id model.EntityID) (model.Change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.docs[id]
	if doc == nil {
		return model.Change{}, false
	}
	return snapshot(id, doc, 0), true
}

// Changes returns the change log after cursor since.
func (s *Store) Changes(since int64) []model.Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	if since < 0 {
		since = 0
	}
	if since >= int64(len(s.log)) {
		return []model.Change{}
	}
	out := make([]model.Change, len(s.log)-int(since))
	copy(out, s.log[since:])
	return out
}

// Subscribe implements remote.Store. Changes are delivered in log order.
func (s *Store) Subscribe(ctx context.Context, filter remote.Filter) (<-chan model.Change, error) {
	s.mu.Lock()
	offline := s.offline
	s.mu.Unlock()
	if offline {
		return nil, &remote.TransientError{Op: "subscribe", Err: errOffline}
	}

	ch := make(chan model.Change)
	go func() {
		defer close(ch)
		next := filter.Since
		for {
			s.mu.Lock()
			var pending []model.Change
			if next < int64(len(s.log)) {
				for _, c := range s.log[max(next, 0):] {
					if filter.Match(c) {
						pending = append(pending, c)
					}
				}
				next = int64(len(s.log))
			}
			wait := s.changed
			s.mu.Unlock()

			for _, c := range pending {
				select {
				case ch <- c:
				case <-ctx.Done():
					return
				}
			}
			if len(pending) > 0 {
				continue
			}
			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// appendChange records the document state in the log. Caller holds mu.
func (s *Store) appendChange(id model.EntityID, doc *document) {
	s.log = append(s.log, snapshot(id, doc, int64(len(s.log)+1)))
	close(s.changed)
	s.changed = make(chan struct{})
}

func snapshot(id model.EntityID, doc *document, cursor int64) model.Change {
	return model.Change{
		EntityID:  id,
		Version:   doc.version,
		Fields:    doc.fields.Clone(),
		Deleted:   doc.deleted,
		DeletedAt: doc.deletedAt,
		Cursor:    cursor,
	}
}

func conflict(id model.EntityID, doc *document) *remote.ConflictError {
	return &remote.ConflictError{
		EntityID:       id,
		CurrentVersion: doc.version,
		Current:        doc.fields.Clone(),
		Deleted:        doc.deleted,
		DeletedAt:      doc.deletedAt,
	}
}
