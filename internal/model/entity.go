package model

import (
	"encoding/json"
	"fmt"
)

// EntityID is the canonical, immutable identity of a physical item record.
type EntityID string

// SyncState is the per-entity reconciliation state.
type SyncState string

const (
	// StateClean means no pending mutation and the entity matches the last known remote version.
	StateClean SyncState = "clean"
	// StateDirty means a local mutation is queued and not yet acknowledged.
	StateDirty SyncState = "dirty"
	// StateSyncing means the head mutation is in flight to the remote.
	StateSyncing SyncState = "syncing"
	// StateConflict means the remote advanced past the base version of the head mutation.
	StateConflict SyncState = "conflict"
	// StateFailed means the head mutation exhausted its retry budget and waits for a manual retry.
	StateFailed SyncState = "failed"
)

// Valid reports whether s is a known state.
func (s SyncState) Valid() bool {
	switch s {
	case StateClean, StateDirty, StateSyncing, StateConflict, StateFailed:
		return true
	}
	return false
}

// Stamp identifies the write that produced a field value.
// Time is the client timestamp in milliseconds; Origin is the writer's replica ID.
type Stamp struct {
	Time   int64
	Origin string
}

// Stamped is a field value together with the stamp of the write that set it.
// A Null value is a tombstone: the field was cleared at that stamp.
type Stamped struct {
	Value Value
	Stamp Stamp
}

// Document maps field names to stamped values.
type Document map[string]Stamped

// NewDocument stamps every value in fields with the same stamp.
func NewDocument(fields Map, stamp Stamp) Document {
	doc := make(Document, len(fields))
	for k, v := range fields {
		if v == nil {
			v = Null{}
		}
		doc[k] = Stamped{Value: v, Stamp: stamp}
	}
	return doc
}

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Overlay returns a copy of d with every field of delta written over it.
func (d Document) Overlay(delta Document) Document {
	out := d.Clone()
	for k, v := range delta {
		out[k] = v
	}
	return out
}

// Values returns the live (non-null) field values.
func (d Document) Values() Map {
	out := make(Map, len(d))
	for k, v := range d {
		if IsNull(v.Value) {
			continue
		}
		out[k] = v.Value
	}
	return out
}

// Latest returns the newest stamp time in the document, or 0 when empty.
func (d Document) Latest() int64 {
	var latest int64
	for _, v := range d {
		if v.Stamp.Time > latest {
			latest = v.Stamp.Time
		}
	}
	return latest
}

func (d Document) toMap() Map {
	m := make(Map, len(d))
	for k, v := range d {
		val := v.Value
		if val == nil {
			val = Null{}
		}
		m[k] = Map{
			"v": val,
			"t": Int(v.Stamp.Time),
			"o": String(v.Stamp.Origin),
		}
	}
	return m
}

// MarshalJSON encodes the document as canonical JSON: {"field":{"o":..,"t":..,"v":..}}.
func (d Document) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(d.toMap())
}

// UnmarshalJSON decodes the encoding produced by MarshalJSON.
func (d *Document) UnmarshalJSON(data []byte) error {
	v, err := ParseValue(data)
	if err != nil {
		return err
	}
	if IsNull(v) {
		*d = Document{}
		return nil
	}
	m, ok := v.(Map)
	if !ok {
		return fmt.Errorf("document: expected object, got %T", v)
	}
	doc := make(Document, len(m))
	for field, raw := range m {
		entry, ok := raw.(Map)
		if !ok {
			return fmt.Errorf("document field %q: expected object", field)
		}
		s := Stamped{Value: entry["v"]}
		if s.Value == nil {
			s.Value = Null{}
		}
		if t, ok := entry["t"].(Int); ok {
			s.Stamp.Time = int64(t)
		}
		if o, ok := entry["o"].(String); ok {
			s.Stamp.Origin = string(o)
		}
		doc[field] = s
	}
	*d = doc
	return nil
}

// ParseDocument decodes a persisted document.
func ParseDocument(data []byte) (Document, error) {
	var doc Document
	if len(data) == 0 {
		return Document{}, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

// AttachmentRef is the attachment summary carried on an entity snapshot.
type AttachmentRef struct {
	Slot   string          `json:"slot"`
	State  AttachmentState `json:"state"`
	Reason string          `json:"reason,omitempty"`
	URL    string          `json:"url,omitempty"`
	Digest string          `json:"digest,omitempty"`
}

// Entity is the locally cached record of one physical item.
type Entity struct {
	ID          EntityID        `json:"id"`
	Fields      Document        `json:"fields"`
	Version     int64           `json:"version"`
	LocalRev    int64           `json:"local_rev"`
	Pending     bool            `json:"pending"`
	State       SyncState       `json:"state"`
	Deleted     bool            `json:"deleted"`
	LastError   string          `json:"last_error,omitempty"`
	UpdatedAt   int64           `json:"updated_at"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
}

// Values returns the entity's live field values.
func (e Entity) Values() Map {
	return e.Fields.Values()
}

// Change is a remote-origin change event for one entity.
// Fields holds the full remote document at Version.
// DeletedAt is the client time of the delete when Deleted is set.
type Change struct {
	EntityID  EntityID `json:"entity_id"`
	Version   int64    `json:"version"`
	Fields    Document `json:"fields"`
	Deleted   bool     `json:"deleted"`
	DeletedAt int64    `json:"deleted_at,omitempty"`
	Cursor    int64    `json:"cursor"`
}

// ValidateFieldName checks that a field name is 1..64 characters of [A-Za-z0-9_.-].
func ValidateFieldName(name string) error {
	if name == "" {
		return fmt.Errorf("field name is empty")
	}
	if len(name) > 64 {
		return fmt.Errorf("field name %q exceeds 64 characters", name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '.', r == '-':
		default:
			return fmt.Errorf("field name %q contains invalid character %q", name, r)
		}
	}
	return nil
}
