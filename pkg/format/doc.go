/*
Package format defines the format handler contract, the per-run handler
registry, the extension/content router and the built-in handlers.

Text handlers (npvt, npvtsub, conf_lines) parse proxy-URI lists into
canonical records keyed by the sha256 of the remark-stripped URI. The
bundle handler family (ovpn, npv4, ehi, hc, hat, sip, nm, dark,
opaque_bundle) carries opaque blobs through by content hash and rebuilds
them into ZIP archives.
*/
package format
