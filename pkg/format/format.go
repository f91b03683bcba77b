package format

// SourceInfo carries the context a handler may need while parsing.
type SourceInfo struct {
	Filename string
	SourceID string
}

// RecordData is the typed payload stored in records.data_json. Text formats
// fill Line; bundle formats fill Filename, BlobHash and Size.
type RecordData struct {
	Line     string `json:"line,omitempty"`
	Filename string `json:"filename,omitempty"`
	BlobHash string `json:"blob_hash,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Record is a canonical deduplicable entity emitted by Parse. UniqueHash is
// the identity key: sha256 of the canonical URI for text formats, sha256 of
// the raw bytes for bundle formats.
type Record struct {
	UniqueHash string
	Data       RecordData
}

// Handler parses raw bytes into records and rebuilds a consolidated
// artifact from deduplicated records.
type Handler interface {
	FormatID() string
	Parse(data []byte, info SourceInfo) ([]Record, error)
	Build(records []RecordData) ([]byte, error)
}

// BundleFormats lists the blob-dependent formats: their records reference
// the raw blob by hash at build time and are packaged as ZIP bundles.
var BundleFormats = []string{
	"opaque_bundle", "ovpn", "npv4", "ehi", "hc", "hat", "sip", "nm", "dark",
}

// IsBundleFormat reports whether id belongs to the blob-dependent family.
func IsBundleFormat(id string) bool {
	for _, f := range BundleFormats {
		if f == id {
			return true
		}
	}
	return false
}

// EmptyZipSize is the size of a ZIP archive with no entries. Bundle
// artifacts at or below this size carry no content and must be dropped.
const EmptyZipSize = 22
