package storage

import (
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/selma-orchestration/maestro/internal/domain"
)

// IsTransient reports whether a database error may go away on retry:
// connection loss, resource exhaustion, serialization failures and locks.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if domain.IsRetryable(err) || errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// connection exceptions, insufficient resources, operator
		// intervention, serialization failures and deadlocks
		code := string(pqErr.Code)
		return strings.HasPrefix(code, "08") ||
			strings.HasPrefix(code, "53") ||
			strings.HasPrefix(code, "57P") ||
			code == "40001" ||
			code == "40P01"
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
