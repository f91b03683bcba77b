/*
Package state is the relational bookkeeping layer on SQLite: source
cursors, the seen-file ledger, append-only parsed records and the
publication history. Repository.InTx groups related writes into a single
transaction so a crashed run never leaves a half-recorded file.
*/
package state
