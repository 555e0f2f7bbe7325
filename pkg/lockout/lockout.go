// Package lockout tracks failed credential checks and decides when a user
// is locked out.
package lockout

import (
	"context"
	"time"

	"github.com/ethpandaops/keygate/pkg/config"
)

// maxSwapRetries bounds optimistic retries under contention.
const maxSwapRetries = 16

// Policy holds the lockout thresholds.
type Policy struct {
	MaxAttempts int
	Window      time.Duration
	Duration    time.Duration
}

// PolicyFromConfig extracts the policy from the login config.
func PolicyFromConfig(cfg *config.LoginConfig) Policy {
	return Policy{
		MaxAttempts: cfg.MaxLoginAttempts,
		Window:      cfg.AttemptWindow,
		Duration:    cfg.LockoutDuration,
	}
}

// State is the failed-attempt record of one user. The zero value means no
// failures are on record.
type State struct {
	FailedAttempts int        `json:"failed_attempts"`
	WindowStart    time.Time  `json:"window_start"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`

	// Version changes on every write; zero when nothing is stored.
	Version int64 `json:"-"`
}

// LockedAt reports whether the state locks the user out at now.
func (s State) LockedAt(now time.Time) bool {
	return s.LockedUntil != nil && now.Before(*s.LockedUntil)
}

// Fail returns the state after one more failure at now. The counter starts
// over when the window has elapsed or a previous lockout has ended, so
// failures are never counted across two windows.
func (p Policy) Fail(cur State, now time.Time) State {
	restart := cur.FailedAttempts == 0 ||
		now.Sub(cur.WindowStart) > p.Window ||
		(cur.LockedUntil != nil && !now.Before(*cur.LockedUntil))

	next := State{FailedAttempts: 1, WindowStart: now}
	if !restart {
		next = State{
			FailedAttempts: cur.FailedAttempts + 1,
			WindowStart:    cur.WindowStart,
		}
	}

	if next.FailedAttempts >= p.MaxAttempts {
		until := now.Add(p.Duration)
		next.LockedUntil = &until
	}

	return next
}

// Store persists lockout state. RecordFailure must apply the policy
// atomically per user. Reset clears unconditionally; ResetIfUnchanged
// clears only while the stored state still has the observed version and
// reports false when a concurrent write got there first.
type Store interface {
	Get(ctx context.Context, userID string) (State, error)
	RecordFailure(ctx context.Context, userID string, now time.Time) (State, error)
	Reset(ctx context.Context, userID string) error
	ResetIfUnchanged(ctx context.Context, userID string, observed State) (bool, error)
}
