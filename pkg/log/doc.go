/*
Package log provides structured logging for mergebot using zerolog.

The package wraps a single global logger configured once at startup via
Init. Components obtain child loggers through WithComponent, pipelines
attach source and route identifiers through WithSourceID and WithRoute,
so every line carries enough context to trace one file through
ingest, transform, build and publish.
*/
package log
