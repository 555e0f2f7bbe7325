package lockout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/keygate/pkg/domain"
	"github.com/ethpandaops/keygate/pkg/store"
	"github.com/sirupsen/logrus"
)

// StateStore is the compare-and-set persistence the database backend uses.
type StateStore interface {
	GetLockoutState(ctx context.Context, userID string) (*store.LockoutState, error)
	SwapLockoutState(ctx context.Context, prev, next *store.LockoutState) (bool, error)
	DeleteLockoutState(ctx context.Context, userID string) error
	DeleteLockoutStateVersion(ctx context.Context, userID string, version int64) (bool, error)
}

// Compile-time interface check.
var _ Store = (*databaseStore)(nil)

type databaseStore struct {
	log    logrus.FieldLogger
	db     StateStore
	policy Policy
}

// NewDatabaseStore keeps lockout state in the main database, updating it
// with a versioned compare-and-set.
func NewDatabaseStore(log logrus.FieldLogger, db StateStore, policy Policy) Store {
	return &databaseStore{
		log:    log.WithField("component", "lockout"),
		db:     db,
		policy: policy,
	}
}

func (d *databaseStore) Get(ctx context.Context, userID string) (State, error) {
	row, err := d.load(ctx, userID)
	if err != nil {
		return State{}, err
	}

	return toState(row), nil
}

func (d *databaseStore) RecordFailure(
	ctx context.Context, userID string, now time.Time,
) (State, error) {
	for range maxSwapRetries {
		prev, err := d.load(ctx, userID)
		if err != nil {
			return State{}, err
		}

		next := d.policy.Fail(toState(prev), now)

		row := &store.LockoutState{
			UserID:         userID,
			FailedAttempts: next.FailedAttempts,
			WindowStart:    next.WindowStart,
			LockedUntil:    next.LockedUntil,
		}

		ok, err := d.db.SwapLockoutState(ctx, prev, row)
		if err != nil {
			return State{}, fmt.Errorf("recording failure: %w", err)
		}

		if ok {
			next.Version = row.Version

			return next, nil
		}

		d.log.WithField("user_id", userID).Debug("Lockout state changed concurrently, retrying")
	}

	return State{}, domain.Unavailable(
		fmt.Errorf("recording failure for %s: too much contention", userID),
	)
}

func (d *databaseStore) Reset(ctx context.Context, userID string) error {
	if err := d.db.DeleteLockoutState(ctx, userID); err != nil {
		return fmt.Errorf("resetting lockout: %w", err)
	}

	return nil
}

func (d *databaseStore) ResetIfUnchanged(
	ctx context.Context, userID string, observed State,
) (bool, error) {
	if observed.Version == 0 {
		return d.absent(ctx, userID)
	}

	ok, err := d.db.DeleteLockoutStateVersion(ctx, userID, observed.Version)
	if err != nil {
		return false, fmt.Errorf("resetting lockout: %w", err)
	}

	return ok, nil
}

func (d *databaseStore) absent(ctx context.Context, userID string) (bool, error) {
	row, err := d.load(ctx, userID)
	if err != nil {
		return false, err
	}

	return row == nil, nil
}

// load returns nil when no state exists.
func (d *databaseStore) load(ctx context.Context, userID string) (*store.LockoutState, error) {
	row, err := d.db.GetLockoutState(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("loading lockout state: %w", err)
	}

	return row, nil
}

func toState(row *store.LockoutState) State {
	if row == nil {
		return State{}
	}

	return State{
		FailedAttempts: row.FailedAttempts,
		WindowStart:    row.WindowStart,
		LockedUntil:    row.LockedUntil,
		Version:        row.Version,
	}
}
