package nsd

import "fmt"

// ParseError is spec §7's malformed-input error: wire parse errors become
// FORMERR, file parse errors increment a counter and skip the record.
type ParseError struct {
	Kind   string
	Offset int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %s at offset %d", e.Kind, e.Offset)
}

// OutOfMemory is spec §7's resource-exhaustion error for allocation failure.
type OutOfMemory struct{ Want int }

func (e *OutOfMemory) Error() string { return fmt.Sprintf("out of memory: wanted %d bytes", e.Want) }

// TooManyConnections is spec §7's resource-exhaustion error for connection
// limits (TCP pool exhaustion, accept backlog).
type TooManyConnections struct{ Limit int }

func (e *TooManyConnections) Error() string {
	return fmt.Sprintf("too many connections (limit %d)", e.Limit)
}

// Refused is spec §7's policy-denial error, mapped to REFUSED on the wire
// (or to an unsigned TSIG error response when the denial is TSIG-related).
type Refused struct{ Reason string }

func (e *Refused) Error() string { return "refused: " + e.Reason }

// StorageError is spec §7's I/O-failure error for journal/udb operations.
type StorageError struct {
	Op    string
	Errno error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage error during %s: %v", e.Op, e.Errno) }
func (e *StorageError) Unwrap() error { return e.Errno }
