package proxyuri

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
)

// standardProtos maps URI prefixes of protocols that follow ordinary URL
// syntax to their canonical protocol name.
var standardProtos = []struct {
	prefix string
	proto  string
}{
	{"vless://", "vless"}, {"trojan://", "trojan"},
	{"hysteria2://", "hysteria2"}, {"hy2://", "hysteria2"}, {"hysteria://", "hysteria"},
	{"tuic://", "tuic"},
	{"wireguard://", "wireguard"}, {"wg://", "wireguard"},
	{"socks://", "socks"}, {"socks5://", "socks5"}, {"socks4://", "socks4"},
	{"anytls://", "anytls"}, {"juicity://", "juicity"},
	{"warp://", "warp"},
	{"dns://", "dns"}, {"dnstt://", "dnstt"},
}

// DecodeLine decodes a single proxy URI into a structured entry for the
// decoded-JSON artifact. It returns nil for lines that are not recognized
// proxy URIs.
func DecodeLine(line string) map[string]any {
	switch {
	case strings.HasPrefix(line, "vmess://"):
		return decodeVmess(line)
	case strings.HasPrefix(line, "ssr://"):
		return decodeSSR(line)
	case strings.HasPrefix(line, "ss://"):
		return decodeSS(line)
	}
	for _, sp := range standardProtos {
		if strings.HasPrefix(line, sp.prefix) {
			entry := parseStandardURI(line, sp.proto)
			entry["raw"] = line
			return entry
		}
	}
	return nil
}

func decodeVmess(line string) map[string]any {
	raw, err := DecodeBase64Loose(line[len("vmess://"):])
	if err == nil {
		var obj map[string]any
		if json.Unmarshal(raw, &obj) == nil {
			return map[string]any{"protocol": "vmess", "decoded": obj, "raw": line}
		}
	}
	return map[string]any{"protocol": "vmess", "raw": line, "error": "decode_failed"}
}

// decodeSS handles both SIP002 (userinfo@host:port) and the legacy
// whole-payload base64 form of ss:// URIs.
func decodeSS(line string) map[string]any {
	failed := map[string]any{"protocol": "shadowsocks", "raw": line, "error": "decode_failed"}

	rest := line[len("ss://"):]
	tag := ""
	if idx := strings.LastIndex(rest, "#"); idx >= 0 {
		if unq, err := url.QueryUnescape(rest[idx+1:]); err == nil {
			tag = unq
		} else {
			tag = rest[idx+1:]
		}
		rest = rest[:idx]
	}

	if at := strings.LastIndex(rest, "@"); at >= 0 {
		userinfo, hostport := rest[:at], rest[at+1:]
		var method, password string
		if decoded, err := DecodeBase64Loose(userinfo); err == nil && strings.Contains(string(decoded), ":") {
			parts := strings.SplitN(string(decoded), ":", 2)
			method, password = parts[0], parts[1]
		} else {
			unq, err := url.QueryUnescape(userinfo)
			if err != nil {
				unq = userinfo
			}
			parts := strings.SplitN(unq, ":", 2)
			method = parts[0]
			if len(parts) > 1 {
				password = parts[1]
			}
		}
		hostport = strings.SplitN(hostport, "?", 2)[0]
		host, port := splitHostPort(hostport)
		return map[string]any{
			"protocol": "shadowsocks", "method": method, "password": password,
			"address": host, "port": port, "tag": tag, "raw": line,
		}
	}

	// Legacy: the whole payload is base64(method:password@host:port).
	decoded, err := DecodeBase64Loose(strings.SplitN(rest, "?", 2)[0])
	if err != nil {
		return failed
	}
	text := string(decoded)
	if at := strings.LastIndex(text, "@"); at >= 0 {
		mp, hp := text[:at], text[at+1:]
		method, password := mp, ""
		if idx := strings.Index(mp, ":"); idx >= 0 {
			method, password = mp[:idx], mp[idx+1:]
		}
		host, port := splitHostPort(hp)
		return map[string]any{
			"protocol": "shadowsocks", "method": method, "password": password,
			"address": host, "port": port, "tag": tag, "raw": line,
		}
	}
	return map[string]any{"protocol": "shadowsocks", "raw": line, "decoded_text": text}
}

// decodeSSR decodes the composite base64 ssr:// form:
// base64(host:port:protocol:method:obfs:base64(password)/?params).
func decodeSSR(line string) map[string]any {
	decoded, err := DecodeBase64Loose(line[len("ssr://"):])
	if err != nil {
		return map[string]any{"protocol": "shadowsocksr", "raw": line, "error": "decode_failed"}
	}
	text := string(decoded)
	mainPart, paramPart, _ := strings.Cut(text, "/?")
	parts := strings.Split(mainPart, ":")
	if len(parts) < 6 {
		return map[string]any{"protocol": "shadowsocksr", "raw": line, "decoded_text": text}
	}

	// Everything before the last five fields is the server, which keeps
	// IPv6 addresses intact.
	n := len(parts)
	server := strings.Join(parts[:n-5], ":")
	port, _ := strconv.Atoi(parts[n-5])
	entry := map[string]any{
		"protocol": "shadowsocksr", "server": server, "port": port,
		"ssr_protocol": parts[n-4], "method": parts[n-3], "obfs": parts[n-2],
	}
	if pw, err := DecodeBase64Loose(parts[n-1]); err == nil {
		entry["password"] = string(pw)
	} else {
		entry["password"] = parts[n-1]
	}
	for _, kv := range strings.Split(paramPart, "&") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if dv, err := DecodeBase64Loose(v); err == nil {
			entry[k] = string(dv)
		} else {
			entry[k] = v
		}
	}
	entry["raw"] = line
	return entry
}

// parseStandardURI parses scheme://userinfo@host:port?params#tag.
func parseStandardURI(line, proto string) map[string]any {
	entry := map[string]any{"protocol": proto}
	u, err := url.Parse(line)
	if err != nil {
		return entry
	}
	if u.User != nil {
		if name := u.User.Username(); name != "" {
			entry["user"] = name
		}
		if pw, ok := u.User.Password(); ok {
			entry["password"] = pw
		}
	}
	if host := u.Hostname(); host != "" {
		entry["address"] = host
	}
	if p := u.Port(); p != "" {
		if port, err := strconv.Atoi(p); err == nil {
			entry["port"] = port
		}
	}
	if u.Fragment != "" {
		entry["tag"] = u.Fragment
	}
	if q := u.Query(); len(q) > 0 {
		params := make(map[string]any, len(q))
		for k, v := range q {
			if len(v) == 1 {
				params[k] = v[0]
			} else {
				params[k] = v
			}
		}
		entry["params"] = params
	}
	return entry
}

func splitHostPort(hostport string) (string, int) {
	if idx := strings.LastIndex(hostport, ":"); idx >= 0 {
		if port, err := strconv.Atoi(hostport[idx+1:]); err == nil {
			return hostport[:idx], port
		}
	}
	return hostport, 0
}
