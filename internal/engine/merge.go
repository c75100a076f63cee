package engine

import (
	"bytes"

	"github.com/roach88/itemsync/internal/model"
	"github.com/roach88/itemsync/internal/remote"
	"github.com/roach88/itemsync/internal/store"
)

// Wins reports whether a beats b under field-level last-writer-wins:
// the later client timestamp wins; on equal timestamps the lexically greater
// origin replica wins; if both are equal the greater canonical value
// encoding wins. Identical writes do not beat each other.
func Wins(a, b model.Stamped) bool {
	if a.Stamp.Time != b.Stamp.Time {
		return a.Stamp.Time > b.Stamp.Time
	}
	if a.Stamp.Origin != b.Stamp.Origin {
		return a.Stamp.Origin > b.Stamp.Origin
	}
	return bytes.Compare(canonicalValue(a.Value), canonicalValue(b.Value)) > 0
}

func canonicalValue(v model.Value) []byte {
	if v == nil {
		v = model.Null{}
	}
	b, err := model.MarshalValue(v)
	if err != nil {
		return nil
	}
	return b
}

// MergeDocuments merges two documents field by field. A field present on
// one side only is taken from that side.
func MergeDocuments(local, remote model.Document) model.Document {
	out := make(model.Document, len(local)+len(remote))
	for k, v := range remote {
		out[k] = v
	}
	for k, v := range local {
		if r, ok := remote[k]; !ok || Wins(v, r) {
			out[k] = v
		}
	}
	return out
}

// currentFields returns the delta fields the local document still holds,
// dropping those superseded since the mutation was queued.
func currentFields(local, delta model.Document) model.Document {
	out := make(model.Document, len(delta))
	for k, v := range delta {
		if l, ok := local[k]; !ok || !Wins(l, v) {
			out[k] = v
		}
	}
	return out
}

// resolve merges a rejected head mutation against the remote document
// carried by the conflict. local is the entity as it was sent.
//
// Upserts keep only the delta fields that still win; an empty result drops
// the mutation. A delete beats a live remote document only if it is newer
// than every remote field stamp; on a tie the update wins. An upsert racing
// a remote delete revives the document only if it is newer than the delete.
func resolve(local model.Entity, head model.PendingMutation, ce *remote.ConflictError) store.ConflictResolution {
	res := store.ConflictResolution{RemoteVersion: ce.CurrentVersion}

	switch head.Kind {
	case model.MutationDelete:
		switch {
		case ce.Deleted:
			res.Fields = ce.Current.Clone()
			res.Deleted = true
			res.Drop = true
		case head.ClientTime > ce.Current.Latest():
			res.Fields = local.Fields.Clone()
			res.Deleted = true
			res.Kind = model.MutationDelete
			res.Delta = model.Document{}
		default:
			res.Fields = MergeDocuments(local.Fields, ce.Current)
			res.Drop = true
		}

	default:
		if ce.Deleted {
			if head.ClientTime > ce.DeletedAt {
				// The remote revive resets fields to the delta, so resend everything.
				res.Fields = local.Fields.Clone()
				res.Deleted = local.Deleted
				res.Kind = model.MutationUpsert
				res.Delta = local.Fields.Clone()
			} else {
				res.Fields = ce.Current.Clone()
				res.Deleted = true
				res.Drop = true
			}
			return res
		}

		res.Fields = MergeDocuments(local.Fields, ce.Current)
		res.Deleted = local.Deleted
		winners := model.Document{}
		for k, v := range head.Delta {
			if r, ok := ce.Current[k]; !ok || Wins(v, r) {
				winners[k] = v
			}
		}
		if len(winners) == 0 {
			res.Drop = true
		} else {
			res.Kind = model.MutationUpsert
			res.Delta = winners
		}
	}
	return res
}
