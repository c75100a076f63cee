package qrlabel

import (
	"bytes"
	"context"
	"image/png"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/itemsync/internal/identity"
	"github.com/roach88/itemsync/internal/model"
)

func TestPayload(t *testing.T) {
	got, err := Payload("  ABC123 ", identity.ChecksumNone)
	require.NoError(t, err)
	assert.Equal(t, "ABC123", got)

	withCheck, err := Payload("ABC123", identity.ChecksumLuhn36)
	require.NoError(t, err)
	assert.Len(t, withCheck, 7)
	assert.True(t, identity.ValidLuhn36(withCheck))

	_, err = Payload("", identity.ChecksumNone)
	assert.True(t, identity.IsInvalidToken(err))

	_, err = Payload("AB-12", identity.ChecksumLuhn36)
	assert.Error(t, err)
}

func TestPNG(t *testing.T) {
	img, err := PNG("ABC123", Options{Size: 128})
	require.NoError(t, err)

	decoded, err := png.Decode(bytes.NewReader(img))
	require.NoError(t, err)
	assert.Equal(t, 128, decoded.Bounds().Dx())

	_, err = PNG("ABC123", Options{Level: "extreme"})
	assert.Error(t, err)
}

func TestText(t *testing.T) {
	s, err := Text("ABC123", Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, s)
}

type recordingAttacher struct {
	id          model.EntityID
	slot        string
	contentType string
	blob        []byte
}

func (r *recordingAttacher) Attach(_ context.Context, id model.EntityID, slot string, blob io.Reader, contentType string) (string, error) {
	r.id, r.slot, r.contentType = id, slot, contentType
	data, err := io.ReadAll(blob)
	r.blob = data
	return "ticket-1", err
}

func TestAttach(t *testing.T) {
	rec := &recordingAttacher{}
	ticket, err := Attach(context.Background(), rec, "e1", "ABC123", Options{})
	require.NoError(t, err)
	assert.Equal(t, "ticket-1", ticket)
	assert.Equal(t, model.EntityID("e1"), rec.id)
	assert.Equal(t, Slot, rec.slot)
	assert.Equal(t, "image/png", rec.contentType)

	_, err = png.Decode(bytes.NewReader(rec.blob))
	assert.NoError(t, err)
}
