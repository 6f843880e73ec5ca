package faststore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rollcall/backend/internal/apperr"
)

// transientSQLStates are the PostgreSQL error codes worth retrying.
var transientSQLStates = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57014": true, // query_canceled (statement_timeout)
	"53300": true, // too_many_connections
	"57P01": true, // admin_shutdown
	"08000": true, // connection_exception
	"08003": true, // connection_does_not_exist
	"08006": true, // connection_failure
}

// IsTransientDBError reports whether err is a retryable database failure.
func IsTransientDBError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientSQLStates[pgErr.Code]
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// classify converts a database error into an *apperr.Error.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if IsTransientDBError(err) {
		return apperr.Transient(err, op)
	}
	return apperr.Internal(err, op)
}

func errGuestNotFound(eventID, guestID string) *apperr.Error {
	return apperr.NotFound("guest %s not found in event %s", guestID, eventID)
}

func errEventNotFound(eventID string) *apperr.Error {
	return apperr.NotFound("event %s not found", eventID)
}

func errAlreadyCheckedIn(guestID string, at *time.Time) *apperr.Error {
	e := apperr.New(apperr.KindConflict, apperr.CodeAlreadyCheckedIn, fmt.Sprintf("guest %s is already checked in", guestID))
	if at != nil {
		return e.With("checkinTime", at.UTC())
	}
	return e
}

func errNotCheckedIn(guestID string) *apperr.Error {
	return apperr.New(apperr.KindConflict, apperr.CodeNotCheckedIn, fmt.Sprintf("guest %s is not checked in", guestID))
}

func noRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
