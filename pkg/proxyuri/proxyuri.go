package proxyuri

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Schemes is the closed set of recognized proxy URI schemes, with the
// trailing "://" included.
var Schemes = []string{
	"vmess://", "vless://", "trojan://",
	"ss://", "ssr://",
	"hysteria2://", "hy2://", "hysteria://",
	"tuic://",
	"wireguard://", "wg://",
	"socks://", "socks5://", "socks4://",
	"anytls://",
	"juicity://",
	"warp://",
	"dns://", "dnstt://",
}

// uriRe matches any recognized scheme followed by a run of characters
// that cannot terminate a URI embedded in prose or markup.
var uriRe = regexp.MustCompile(
	`(?i)(?:vmess|vless|trojan|ssr|ss|hysteria2|hy2|hysteria|tuic|wireguard|wg|socks5|socks4|socks|anytls|juicity|warp|dnstt|dns)://[^\s<>"']+`)

// HasScheme reports whether the line starts with a recognized proxy scheme.
func HasScheme(line string) bool {
	for _, s := range Schemes {
		if strings.HasPrefix(line, s) {
			return true
		}
	}
	return false
}

// ContainsScheme reports whether any recognized scheme occurs anywhere in text.
func ContainsScheme(text string) bool {
	for _, s := range Schemes {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

// Extract returns every proxy URI found in text, including URIs embedded
// mid-line in prose.
func Extract(text string) []string {
	return uriRe.FindAllString(text, -1)
}

// DecodeBase64Loose decodes base64 tolerating missing padding and the
// URL-safe alphabet.
func DecodeBase64Loose(s string) ([]byte, error) {
	s = strings.ReplaceAll(s, "-", "+")
	s = strings.ReplaceAll(s, "_", "/")
	if pad := len(s) % 4; pad != 0 {
		s += strings.Repeat("=", 4-pad)
	}
	return base64.StdEncoding.DecodeString(s)
}

// StripRemark removes the cosmetic remark from a proxy URI so that proxies
// differing only in their label hash to the same canonical form.
//
// For vmess the base64 JSON payload is decoded, the "ps" field dropped and
// the object re-encoded with sorted keys and no whitespace. For every other
// scheme the #fragment is cut. Malformed vmess payloads are returned
// unchanged.
func StripRemark(uri string) string {
	if strings.HasPrefix(uri, "vmess://") {
		if canon, ok := reencodeVmess(uri, func(obj map[string]any) {
			delete(obj, "ps")
		}); ok {
			return canon
		}
		// fall through to fragment stripping on decode failure
	}
	if idx := strings.LastIndex(uri, "#"); idx > 0 {
		return uri[:idx]
	}
	return uri
}

// AddCleanRemark tags a URI with a stable "<scheme>-<N>" label, where N is a
// 1-based per-scheme counter maintained in counters. Any existing remark is
// replaced.
func AddCleanRemark(uri string, counters map[string]int) string {
	scheme := "proxy"
	if idx := strings.Index(uri, "://"); idx > 0 {
		scheme = strings.ToLower(uri[:idx])
	}
	counters[scheme]++
	tag := fmt.Sprintf("%s-%d", scheme, counters[scheme])

	if strings.HasPrefix(uri, "vmess://") {
		if tagged, ok := reencodeVmess(uri, func(obj map[string]any) {
			obj["ps"] = tag
		}); ok {
			return tagged
		}
		return uri
	}

	base := uri
	if idx := strings.LastIndex(uri, "#"); idx > 0 {
		base = uri[:idx]
	}
	return base + "#" + tag
}

// reencodeVmess decodes the vmess JSON payload, applies mutate and
// re-encodes it deterministically. ok is false when the payload is not
// valid base64 JSON.
func reencodeVmess(uri string, mutate func(map[string]any)) (string, bool) {
	raw, err := DecodeBase64Loose(uri[len("vmess://"):])
	if err != nil {
		return "", false
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", false
	}
	mutate(obj)
	// json.Marshal emits object keys sorted and without whitespace, which
	// makes the encoding canonical.
	out, err := json.Marshal(obj)
	if err != nil {
		return "", false
	}
	return "vmess://" + base64.StdEncoding.EncodeToString(out), true
}
