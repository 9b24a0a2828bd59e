package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hanko-field/fulfillment/internal/repositories"
)

// SQLSTATE codes mapped to repository categories.
const (
	sqlStateUniqueViolation      = "23505"
	sqlStateCheckViolation       = "23514"
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateAdminShutdown        = "57P01"
	sqlStateCannotConnectNow     = "57P03"
)

// wrapError classifies pgx failures. Context cancellations are passed through.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repositories.NewStoreError(op, repositories.StoreErrorNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateUniqueViolation, sqlStateCheckViolation, sqlStateSerializationFailure, sqlStateDeadlockDetected:
			return repositories.NewStoreError(op, repositories.StoreErrorConflict, err)
		case sqlStateAdminShutdown, sqlStateCannotConnectNow:
			return repositories.NewStoreError(op, repositories.StoreErrorUnavailable, err)
		}
		return err
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.Timeout(err) || errors.Is(err, pgx.ErrTxClosed) {
		return repositories.NewStoreError(op, repositories.StoreErrorUnavailable, err)
	}
	return err
}
