package format

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/telemerge/mergebot/pkg/log"
)

// BundleHandler carries opaque binary artifacts (.ovpn, .ehi, .hc, ...)
// through the pipeline untouched. Parse records the whole blob as one
// content-addressed record; Build re-packages the referenced blobs into a
// single ZIP.
//
// One implementation serves every format id in BundleFormats; the id is a
// constructor parameter.
type BundleHandler struct {
	id    string
	blobs BlobGetter
}

func NewBundleHandler(id string, blobs BlobGetter) *BundleHandler {
	return &BundleHandler{id: id, blobs: blobs}
}

func (h *BundleHandler) FormatID() string { return h.id }

func (h *BundleHandler) Parse(data []byte, info SourceInfo) ([]Record, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	filename := info.Filename
	if filename == "" {
		filename = hash + ".bin"
	}
	return []Record{{
		UniqueHash: hash,
		Data:       RecordData{Filename: filename, BlobHash: hash, Size: int64(len(data))},
	}}, nil
}

func (h *BundleHandler) Build(records []RecordData) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})

	seenNames := make(map[string]struct{})
	for _, r := range records {
		if r.BlobHash == "" {
			continue
		}
		content, err := h.blobs.Get(r.BlobHash)
		if err != nil || content == nil {
			// Blob already pruned; the build proceeds with what is left.
			logger := log.WithComponent("format")
			logger.Debug().
				Str("format", h.id).
				Str("blob_hash", r.BlobHash).
				Msg("skipping record with missing blob")
			continue
		}

		original := r.Filename
		if original == "" {
			original = "file.bin"
		}
		name := original
		for n := 1; ; n++ {
			if _, taken := seenNames[name]; !taken {
				break
			}
			name = fmt.Sprintf("%d_%s", n, original)
		}
		seenNames[name] = struct{}{}

		w, err := zw.Create(name)
		if err != nil {
			return nil, fmt.Errorf("create zip entry %s: %w", name, err)
		}
		if _, err := w.Write(content); err != nil {
			return nil, fmt.Errorf("write zip entry %s: %w", name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize zip: %w", err)
	}
	return buf.Bytes(), nil
}
