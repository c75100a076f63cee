package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for an algorithm migration.
const (
	DomainBlob     = "itemsync/blob/v1"
	DomainEntity   = "itemsync/entity/v1"
	DomainSnapshot = "itemsync/snapshot/v1"
)

// newDomainHash returns a SHA-256 hash already fed with domain + 0x00.
// The null separator prevents domain/data boundary ambiguity.
func newDomainHash(domain string) hash.Hash {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	return h
}

func hashWithDomain(domain string, data []byte) string {
	h := newDomainHash(domain)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// NewBlobHash returns a streaming hasher for blob content digests.
// Finish with hex.EncodeToString(h.Sum(nil)).
func NewBlobHash() hash.Hash {
	return newDomainHash(DomainBlob)
}

// BlobDigest computes the content address of a blob.
func BlobDigest(data []byte) string {
	return hashWithDomain(DomainBlob, data)
}

// DerivedEntityID maps a normalized QR token to a stable entity ID.
// Independent devices scanning the same token compute the same ID.
func DerivedEntityID(token string) EntityID {
	return EntityID("e_" + hashWithDomain(DomainEntity, []byte(token))[:32])
}

// SnapshotDigest fingerprints the observable state of a set of entities.
// Live queries compare digests to decide whether a commit changed their result.
func SnapshotDigest(entities []Entity) (string, error) {
	list := make(List, 0, len(entities))
	for _, e := range entities {
		atts := make(List, 0, len(e.Attachments))
		for _, a := range e.Attachments {
			atts = append(atts, Map{
				"slot":   String(a.Slot),
				"state":  String(a.State),
				"reason": String(a.Reason),
				"url":    String(a.URL),
				"digest": String(a.Digest),
			})
		}
		list = append(list, Map{
			"id":          String(e.ID),
			"version":     Int(e.Version),
			"local_rev":   Int(e.LocalRev),
			"state":       String(e.State),
			"pending":     Bool(e.Pending),
			"deleted":     Bool(e.Deleted),
			"last_error":  String(e.LastError),
			"fields":      e.Fields.toMap(),
			"attachments": atts,
		})
	}

	canonical, err := MarshalCanonical(list)
	if err != nil {
		return "", fmt.Errorf("SnapshotDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainSnapshot, canonical), nil
}
