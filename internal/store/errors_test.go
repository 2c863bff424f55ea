package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	deadline := fmt.Errorf("timeout: %w", context.DeadlineExceeded)

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"lock not available", &pgconn.PgError{Code: pgErrLockNotAvailable, Message: "could not obtain lock"}, ErrLockTimeout},
		{"lock timeout cancel", &pgconn.PgError{Code: pgErrQueryCanceled, Message: "canceling statement due to lock timeout"}, ErrLockTimeout},
		{"statement timeout", &pgconn.PgError{Code: pgErrQueryCanceled, Message: "canceling statement due to statement timeout"}, ErrPersistenceUnavailable},
		{"connection lost", errors.New("conn closed"), ErrPersistenceUnavailable},
		{"deadline outside the lock wait", deadline, ErrPersistenceUnavailable},
		{"already classified", ErrLockTimeout, ErrLockTimeout},
		{"cancelled", context.Canceled, context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tt.err), tt.want)
		})
	}
	assert.NoError(t, classify(nil))
	assert.NotErrorIs(t, classify(context.Canceled), ErrPersistenceUnavailable)
}

func TestLockError(t *testing.T) {
	// Matches the in-memory store: a deadline hit while waiting for the
	// account lock is a lock timeout, not an outage.
	err := lockError(fmt.Errorf("timeout: %w", context.DeadlineExceeded))
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.NotErrorIs(t, err, ErrPersistenceUnavailable)

	assert.ErrorIs(t, lockError(&pgconn.PgError{Code: pgErrLockNotAvailable}), ErrLockTimeout)
	assert.ErrorIs(t, lockError(errors.New("conn closed")), ErrPersistenceUnavailable)
	assert.ErrorIs(t, lockError(context.Canceled), context.Canceled)
}
