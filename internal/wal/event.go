// Package wal tails the database's logical replication stream and emits
// one normalized event per row change. It is the sole source of truth for
// change propagation: everything downstream (audit, hooks, caches) derives
// from this stream.
package wal

// Op is the row-level operation kind.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Row holds one tuple's columns decoded to text. A column absent from the
// map was NULL (or not transmitted); TOASTed columns on update are filled
// from the old tuple.
type Row map[string]string

// Event is one normalized row change.
type Event struct {
	// LSN is the WAL position of the change. Strictly increasing within
	// the stream.
	LSN uint64
	Op  Op
	// Table is the relation name (schema-qualified only when not public).
	Table string
	// Old is set for update and delete.
	Old Row
	// New is set for insert and update.
	New Row
	// Subject is the optional JSON payload of a logical message with
	// prefix "subject" emitted inside the same transaction. It identifies
	// the admin who caused the change, for audit.
	Subject []byte
}

// Handler consumes events in stream order. Handlers run on the consumer
// goroutine: application-level errors are the handler's own business and
// must not be allowed to halt the stream.
type Handler func(Event)
