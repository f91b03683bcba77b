package format

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/telemerge/mergebot/pkg/proxyuri"
)

// TextHandler parses proxy-URI lists published as plain text or as a
// base64-encoded subscription blob. It serves both the npvt and npvtsub
// format ids.
type TextHandler struct {
	id string
}

func NewTextHandler(id string) *TextHandler {
	return &TextHandler{id: id}
}

func (h *TextHandler) FormatID() string { return h.id }

func (h *TextHandler) Parse(data []byte, info SourceInfo) ([]Record, error) {
	text := decodeUTF8(data)

	// A subscription blob has no scheme and no whitespace; try to unwrap it.
	if clean := strings.TrimSpace(text); looksLikeBase64(clean, 10) {
		if decoded, err := proxyuri.DecodeBase64Loose(clean); err == nil {
			if dt := decodeUTF8(decoded); proxyuri.ContainsScheme(dt) {
				text = dt
			}
		}
	}

	var records []Record
	seen := make(map[string]struct{})
	emit := func(uri string) {
		canon := proxyuri.StripRemark(uri)
		h := hashString(canon)
		if _, dup := seen[h]; dup {
			return
		}
		seen[h] = struct{}{}
		records = append(records, Record{UniqueHash: h, Data: RecordData{Line: canon}})
	}

	for _, line := range strings.Split(text, "\n") {
		clean := normalizeLine(line)
		if clean == "" {
			continue
		}
		if proxyuri.HasScheme(clean) {
			emit(clean)
			continue
		}
		for _, uri := range proxyuri.Extract(clean) {
			emit(strings.TrimSpace(uri))
		}
	}
	return records, nil
}

// Build canonicalizes and deduplicates the record lines preserving first
// occurrence order, then re-tags each survivor with a per-protocol counter.
func (h *TextHandler) Build(records []RecordData) ([]byte, error) {
	var lines []string
	seen := make(map[string]struct{})
	counters := make(map[string]int)
	for _, r := range records {
		if r.Line == "" {
			continue
		}
		canon := proxyuri.StripRemark(r.Line)
		if _, dup := seen[canon]; dup {
			continue
		}
		seen[canon] = struct{}{}
		lines = append(lines, proxyuri.AddCleanRemark(canon, counters))
	}
	return []byte(strings.Join(lines, "\n")), nil
}

// ConfLinesHandler treats every non-empty, non-comment line as one record.
type ConfLinesHandler struct{}

func NewConfLinesHandler() *ConfLinesHandler { return &ConfLinesHandler{} }

func (h *ConfLinesHandler) FormatID() string { return "conf_lines" }

func (h *ConfLinesHandler) Parse(data []byte, info SourceInfo) ([]Record, error) {
	var records []Record
	seen := make(map[string]struct{})
	for _, line := range strings.Split(decodeUTF8(data), "\n") {
		clean := normalizeLine(line)
		if clean == "" || strings.HasPrefix(clean, "#") {
			continue
		}
		h := hashString(clean)
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		records = append(records, Record{UniqueHash: h, Data: RecordData{Line: clean}})
	}
	return records, nil
}

func (h *ConfLinesHandler) Build(records []RecordData) ([]byte, error) {
	var lines []string
	seen := make(map[string]struct{})
	for _, r := range records {
		if r.Line == "" {
			continue
		}
		if _, dup := seen[r.Line]; dup {
			continue
		}
		seen[r.Line] = struct{}{}
		lines = append(lines, r.Line)
	}
	return []byte(strings.Join(lines, "\n")), nil
}

// normalizeLine applies Unicode NFKC and trims surrounding whitespace.
func normalizeLine(line string) string {
	return strings.TrimSpace(norm.NFKC.String(line))
}

// decodeUTF8 interprets data as UTF-8, dropping invalid sequences.
func decodeUTF8(data []byte) string {
	return strings.ToValidUTF8(string(data), "")
}

// looksLikeBase64 is the subscription heuristic: no scheme separator, no
// whitespace, longer than min.
func looksLikeBase64(s string, min int) bool {
	return s != "" && len(s) > min &&
		!strings.Contains(s, "://") && !strings.ContainsAny(s, " \t\n\r")
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
