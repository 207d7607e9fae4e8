package pool

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"

	pkgerrors "github.com/ESnark/ansible-database-mcp/pkg/errors"
)

// ClassifyConnectionError maps a raw driver or network failure to a typed
// error with a message that tells the operator what to fix, not what the
// driver saw.
func ClassifyConnectionError(err error, host string, port int) *pkgerrors.DatabaseError {
	if err == nil {
		return nil
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1044, 1045:
			return pkgerrors.Wrap(err, pkgerrors.CodeAccessDenied,
				"authentication failed, check the configured user and password").
				WithDetail("host", host).WithDetail("mysql_errno", mysqlErr.Number)
		case 1049:
			return pkgerrors.Wrap(err, pkgerrors.CodeUnknownDatabase,
				"the configured database does not exist on the server").
				WithDetail("host", host).WithDetail("mysql_errno", mysqlErr.Number)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return pkgerrors.Wrap(err, pkgerrors.CodeConnectionTimeout,
			"connection attempt timed out, check network reachability and firewall rules").
			WithDetail("host", host).WithDetail("port", port)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return pkgerrors.Wrap(err, pkgerrors.CodeConnectionTimeout,
			"connection attempt timed out, check network reachability and firewall rules").
			WithDetail("host", host).WithDetail("port", port)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return pkgerrors.Wrap(err, pkgerrors.CodeConnectionRefused,
			"server refused the connection, verify the server is running and the port is correct").
			WithDetail("host", host).WithDetail("port", port)
	case strings.Contains(msg, "no such host"):
		return pkgerrors.Wrap(err, pkgerrors.CodeHostNotFound,
			"hostname could not be resolved, check the configured host").
			WithDetail("host", host)
	}

	return pkgerrors.Wrap(err, pkgerrors.CodeConnectionFailed,
		"connection to the database failed").
		WithDetail("host", host).WithDetail("port", port)
}
