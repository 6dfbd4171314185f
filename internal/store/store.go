package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/kac/caldb/internal/model"

	"github.com/go-sql-driver/mysql"
)

// ErrNotFound is returned when no synced record has the requested id.
var ErrNotFound = errors.New("not found")

// Sink is a destination for synced records.
type Sink interface {
	Begin(ctx context.Context) (Batch, error)
}

// Batch groups the writes of one sync pass. Nothing is visible to readers
// until Commit. Close must always be called; it discards uncommitted writes
// and releases the underlying resources.
type Batch interface {
	Upsert(ctx context.Context, record model.Record) error
	Commit() error
	Close() error
}

// IsConnectionError reports whether err means the connection behind a batch
// is gone, so that continuing with the remaining records is pointless.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, sql.ErrTxDone) ||
		errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
