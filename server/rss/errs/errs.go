// Package errs holds the sentinel errors shared across this module's
// packages. Call sites wrap a sentinel with github.com/pkg/errors so
// callers can both errors.Is against the sentinel and get a stack
// trace in logs.
package errs

import "errors"

var (
	// ErrStorage: I/O failure on a log or page file.
	ErrStorage = errors.New("storage: i/o failure")
	// ErrCorrupt: checksum or LSN mismatch while reading the log.
	ErrCorrupt = errors.New("wal: corrupt log record")
	// ErrLogFull: no online log file available and the archive queue is stalled.
	ErrLogFull = errors.New("wal: log full, no online file available")
	// ErrRecordTooLarge: a log record exceeds the buffer or a file's usable space.
	ErrRecordTooLarge = errors.New("wal: record too large")
	// ErrLogClosed: the log manager's errored flag is set; no further operations accepted.
	ErrLogClosed = errors.New("wal: log manager closed or errored")
	// ErrLatchTimeout: a page latch wait exceeded its bound.
	ErrLatchTimeout = errors.New("buffer: latch wait timed out")
	// ErrLockTimeout: lock acquisition exceeded its bound.
	ErrLockTimeout = errors.New("lock: acquisition timed out")
	// ErrDeadlock: the lock manager's wait-for graph detected a cycle.
	ErrDeadlock = errors.New("lock: deadlock detected")
	// ErrUniqueConstraintViolation: duplicate key on a unique index.
	ErrUniqueConstraintViolation = errors.New("btree: unique constraint violation")
	// ErrKeyNotFound: delete (or point lookup) target absent.
	ErrKeyNotFound = errors.New("btree: key not found")
	// ErrInvalidState: API misuse — operation on an EOF scan, a closed log, a non-active transaction.
	ErrInvalidState = errors.New("invalid state")
)
