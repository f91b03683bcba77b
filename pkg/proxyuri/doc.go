/*
Package proxyuri canonicalizes proxy share URIs for deduplication.

Proxies published on Telegram channels usually differ only in their cosmetic
remark (the #fragment, or the "ps" field inside the vmess base64 JSON).
StripRemark removes that remark so equal endpoints collapse to one canonical
URI; AddCleanRemark re-tags survivors with stable "<scheme>-<N>" labels for
output. DecodeLine expands a URI into the structured entry used by the
decoded-JSON artifact.

The recognized scheme set is closed: vmess, vless, trojan, ss, ssr,
hysteria2/hy2/hysteria, tuic, wireguard/wg, socks/socks5/socks4, anytls,
juicity, warp, dns and dnstt.
*/
package proxyuri
