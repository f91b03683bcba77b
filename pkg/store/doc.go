/*
Package store provides the on-disk stores: a content-addressed raw blob
store (sha256-sharded, crash-atomic writes) and the artifact store holding
internal hash-named artifacts, the latest per-route outputs and a rolling
archive of per-run snapshots.
*/
package store
