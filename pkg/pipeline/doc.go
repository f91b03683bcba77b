/*
Package pipeline implements the four run phases: Ingest drains connectors
into the raw store and seen-file ledger, Transform parses pending files
into canonical records, Build consolidates records into per-route
artifacts (plus decoded-JSON and base64-subscription derivatives), and
Publish delivers changed artifacts to their destinations.
*/
package pipeline
