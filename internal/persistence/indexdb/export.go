package indexdb

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"voxelstruct.ai/internal/mcstructure"
)

// Export describes one written structure document.
type Export struct {
	ID          string           `json:"id"`
	Name        string           `json:"name,omitempty"`
	Path        string           `json:"path,omitempty"`
	RemoteKey   string           `json:"remote_key,omitempty"`
	Size        mcstructure.Vec3 `json:"size"`
	PaletteLen  int              `json:"palette_len"`
	Bytes       int              `json:"bytes"`
	Compression string           `json:"compression"`
	SHA256      string           `json:"sha256"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Index receives export records. Implementations queue writes and never block
// the caller; Close flushes what is queued.
type Index interface {
	RecordExport(e Export)
	Close() error
}

// NewExport fills the fields derivable from the structure and its encoded
// document. data is the uncompressed document.
func NewExport(name string, s *mcstructure.Structure, data []byte, compression string) Export {
	return NewExportInfo(name, s.Size(), s.PaletteLen(), data, compression)
}

// NewExportInfo is NewExport for a document whose structure is no longer at
// hand, such as one served from a build cache.
func NewExportInfo(name string, size mcstructure.Vec3, paletteLen int, data []byte, compression string) Export {
	sum := sha256.Sum256(data)
	return Export{
		ID:          uuid.NewString(),
		Name:        name,
		Size:        size,
		PaletteLen:  paletteLen,
		Bytes:       len(data),
		Compression: compression,
		SHA256:      hex.EncodeToString(sum[:]),
		CreatedAt:   time.Now().UTC(),
	}
}

func (e *Export) normalize() {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Compression == "" {
		e.Compression = "none"
	}
}

// Multi fans records out to several indexes.
type Multi []Index

func (m Multi) RecordExport(e Export) {
	e.normalize()
	for _, ix := range m {
		if ix != nil {
			ix.RecordExport(e)
		}
	}
}

func (m Multi) Close() error {
	var first error
	for _, ix := range m {
		if ix == nil {
			continue
		}
		if err := ix.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
