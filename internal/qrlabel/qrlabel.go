// Package qrlabel renders QR labels for entity tokens.
package qrlabel

import (
	"bytes"
	"context"
	"fmt"
	"io"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/roach88/itemsync/internal/identity"
	"github.com/roach88/itemsync/internal/model"
)

// Slot is the attachment slot label images are stored in.
const Slot = "qr"

// DefaultSize is the default PNG edge length in pixels.
const DefaultSize = 256

// Level is the error correction level of a rendered code.
type Level string

const (
	LevelLow     Level = "low"
	LevelMedium  Level = "medium"
	LevelHigh    Level = "high"
	LevelHighest Level = "highest"
)

func (l Level) recovery() (qrcode.RecoveryLevel, error) {
	switch l {
	case LevelLow:
		return qrcode.Low, nil
	case LevelMedium, "":
		return qrcode.Medium, nil
	case LevelHigh:
		return qrcode.High, nil
	case LevelHighest:
		return qrcode.Highest, nil
	default:
		return 0, fmt.Errorf("qrlabel: unknown error correction level %q", l)
	}
}

// Options control label rendering.
type Options struct {
	// Size is the PNG edge length in pixels. Zero uses DefaultSize.
	Size int
	// Level is the error correction level. Empty means medium.
	Level Level
	// Checksum, when set, appends the check character to the payload.
	Checksum identity.Checksum
}

// Payload returns the normalized text encoded into a label for token,
// with the check character appended when a checksum scheme is set.
func Payload(token string, checksum identity.Checksum) (string, error) {
	normalized, err := identity.NormalizeToken(token, identity.ChecksumNone)
	if err != nil {
		return "", err
	}
	switch checksum {
	case identity.ChecksumNone:
		return normalized, nil
	case identity.ChecksumLuhn36:
		c, ok := identity.Luhn36CheckChar(normalized)
		if !ok {
			return "", fmt.Errorf("qrlabel: token %q is not alphanumeric", normalized)
		}
		return normalized + string(c), nil
	default:
		return "", fmt.Errorf("qrlabel: unknown checksum scheme %q", checksum)
	}
}

func encode(token string, opts Options) (*qrcode.QRCode, error) {
	payload, err := Payload(token, opts.Checksum)
	if err != nil {
		return nil, err
	}
	level, err := opts.Level.recovery()
	if err != nil {
		return nil, err
	}
	q, err := qrcode.New(payload, level)
	if err != nil {
		return nil, fmt.Errorf("qrlabel: encode %q: %w", payload, err)
	}
	return q, nil
}

// PNG renders token as a PNG image.
func PNG(token string, opts Options) ([]byte, error) {
	q, err := encode(token, opts)
	if err != nil {
		return nil, err
	}
	size := opts.Size
	if size == 0 {
		size = DefaultSize
	}
	img, err := q.PNG(size)
	if err != nil {
		return nil, fmt.Errorf("qrlabel: render: %w", err)
	}
	return img, nil
}

// Text renders token with Unicode half blocks for a terminal.
func Text(token string, opts Options) (string, error) {
	q, err := encode(token, opts)
	if err != nil {
		return "", err
	}
	return q.ToSmallString(false), nil
}

// Attacher stores a blob in an entity slot. *attachment.Manager implements it.
type Attacher interface {
	Attach(ctx context.Context, id model.EntityID, slot string, blob io.Reader, contentType string) (string, error)
}

// Attach renders token and schedules it as the entity's qr attachment.
// Returns the attach ticket.
func Attach(ctx context.Context, a Attacher, id model.EntityID, token string, opts Options) (string, error) {
	img, err := PNG(token, opts)
	if err != nil {
		return "", err
	}
	return a.Attach(ctx, id, Slot, bytes.NewReader(img), "image/png")
}
