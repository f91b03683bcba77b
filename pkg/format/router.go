package format

import (
	"strings"

	"github.com/telemerge/mergebot/pkg/proxyuri"
)

// extensionFormats maps filename suffixes to dedicated format ids.
var extensionFormats = []struct {
	suffix string
	id     string
}{
	{".ovpn", "ovpn"},
	{".npv4", "npv4"},
	{".conf", "conf_lines"},
	{".ehi", "ehi"},
	{".hc", "hc"},
	{".hat", "hat"},
	{".sip", "sip"},
	{".nm", "nm"},
	{".dark", "dark"},
	{".npvtsub", "npvtsub"},
}

// DecideFormat chooses a format id from the filename extension and a
// content prefix. Unrecognized content falls back to opaque_bundle.
func DecideFormat(filename string, content []byte) string {
	fn := strings.ToLower(filename)
	for _, ef := range extensionFormats {
		if strings.HasSuffix(fn, ef.suffix) {
			return ef.id
		}
	}

	head := content
	if len(head) > 2048 {
		head = head[:2048]
	}
	preview := strings.ToValidUTF8(string(head), "")
	if proxyuri.ContainsScheme(preview) {
		return "npvt"
	}

	// A base64 subscription blob: no scheme separator, no whitespace.
	clean := strings.TrimSpace(preview)
	if len(clean) > 512 {
		clean = clean[:512]
	}
	if looksLikeBase64(clean, 20) {
		decoded, err := proxyuri.DecodeBase64Loose(clean)
		if err != nil {
			// The preview may cut mid-quantum; retry on a 4-byte boundary.
			decoded, err = proxyuri.DecodeBase64Loose(clean[:len(clean)-len(clean)%4])
		}
		if err == nil && proxyuri.ContainsScheme(strings.ToValidUTF8(string(decoded), "")) {
			return "npvt"
		}
	}

	return "opaque_bundle"
}
