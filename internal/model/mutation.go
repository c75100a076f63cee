package model

// MutationKind distinguishes field updates from deletions.
type MutationKind string

const (
	// MutationUpsert writes a field delta (and creates the remote document if absent).
	MutationUpsert MutationKind = "upsert"
	// MutationDelete tombstones the entity.
	MutationDelete MutationKind = "delete"
)

// PendingMutation is a queued local change awaiting remote acknowledgment.
// Mutations are keyed by (EntityID, Seq); Seq is assigned from a store-wide
// counter so creation order is total within one entity.
type PendingMutation struct {
	ID            string       `json:"id"`
	EntityID      EntityID     `json:"entity_id"`
	Seq           int64        `json:"seq"`
	Kind          MutationKind `json:"kind"`
	Delta         Document     `json:"delta"`
	ClientTime    int64        `json:"client_time"`
	Retries       int          `json:"retries"`
	NextAttemptAt int64        `json:"next_attempt_at"`
	Failed        bool         `json:"failed"`
	LastError     string       `json:"last_error,omitempty"`
}

// Ready reports whether the mutation may be sent at time now (ms).
func (m PendingMutation) Ready(now int64) bool {
	return !m.Failed && m.NextAttemptAt <= now
}
