package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrQuoteConflict is returned for edge keys whose text mixes ' and ".
	ErrQuoteConflict = errors.New("value contains both single and double quotes")
)

// IsConnectionError reports whether err means the connection to the
// database was lost, as opposed to a failing statement.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "08"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"database is closed", "connection refused", "broken pipe", "connection reset", "bad connection"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
