// Package loginrisk classifies credential-checked login attempts into
// admit, pending approval, rejected or locked out.
package loginrisk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/keygate/pkg/clock"
	"github.com/ethpandaops/keygate/pkg/config"
	"github.com/ethpandaops/keygate/pkg/domain"
	"github.com/ethpandaops/keygate/pkg/lockout"
	"github.com/ethpandaops/keygate/pkg/notify"
	"github.com/ethpandaops/keygate/pkg/store"
	"github.com/sirupsen/logrus"
)

// Outcome is the disposition of a login attempt.
type Outcome string

// Login outcomes.
const (
	OutcomeAdmit     Outcome = "admit"
	OutcomePending   Outcome = "pending_approval"
	OutcomeRejected  Outcome = "rejected"
	OutcomeLockedOut Outcome = "locked_out"
)

// FirstDeviceApprover is recorded as the approver of auto-trusted first
// devices.
const FirstDeviceApprover = "system:first-device"

// maxPendingRetries bounds re-reads after losing a pending insert race.
const maxPendingRetries = 3

// maxResetRetries bounds re-reads when failures land while a successful
// attempt clears the record.
const maxResetRetries = 8

// RequestStore is the persistence the gate needs for login requests and
// trusted devices.
type RequestStore interface {
	CreatePendingLoginRequest(ctx context.Context, req *store.LoginRequest) (bool, error)
	GetLoginRequest(ctx context.Context, id string) (*store.LoginRequest, error)
	GetPendingLoginRequest(ctx context.Context, userID, fingerprint string) (*store.LoginRequest, error)
	ListLoginRequests(ctx context.Context, filter store.LoginRequestFilter) ([]store.LoginRequest, error)
	ApproveLoginRequest(ctx context.Context, id, approverID string, now time.Time) (bool, error)
	RejectLoginRequest(ctx context.Context, id, reason string, now time.Time) (bool, error)
	ExpireLoginRequest(ctx context.Context, id string, now time.Time) (bool, error)
	ExpirePendingLoginRequests(ctx context.Context, now time.Time) (int64, error)

	IsTrustedDevice(ctx context.Context, userID, fingerprint string) (bool, error)
	TrustDevice(ctx context.Context, device *store.TrustedDevice) error
	TouchTrustedDevice(ctx context.Context, userID, fingerprint string, now time.Time) error
	CountTrustedDevices(ctx context.Context, userID string) (int64, error)
	ListTrustedDevices(ctx context.Context, userID string) ([]store.TrustedDevice, error)
	DeleteTrustedDevice(ctx context.Context, userID, fingerprint string) error
}

// Attempt is a login attempt whose credentials were already checked.
type Attempt struct {
	UserID           string
	OrganizationID   string
	Device           domain.DeviceContext
	CredentialsValid bool
}

// Decision is the gate's verdict on an attempt.
type Decision struct {
	Outcome     Outcome
	Fingerprint string
	// Request is set for OutcomePending.
	Request *store.LoginRequest
	// Created reports whether Request was created by this attempt rather
	// than found by a re-poll.
	Created bool
	// LockedUntil is set for OutcomeLockedOut.
	LockedUntil *time.Time
}

// Gate is the login risk state machine. Evaluate is serialized per
// (user, fingerprint) in process and relies on the store's conditional
// writes across processes.
type Gate interface {
	Evaluate(ctx context.Context, attempt Attempt) (*Decision, error)
	// Approve resolves a pending request and trusts its device. It fails
	// with domain.ErrNotFound or domain.ErrAlreadyResolved.
	Approve(ctx context.Context, requestID, approverID string) (*store.LoginRequest, error)
	Reject(ctx context.Context, requestID, approverID, reason string) (*store.LoginRequest, error)
	GetRequest(ctx context.Context, requestID string) (*store.LoginRequest, error)
	ListPending(ctx context.Context, organizationID string) ([]store.LoginRequest, error)
	// Sweep marks every overdue pending request expired.
	Sweep(ctx context.Context) (int64, error)
	LockoutStatus(ctx context.Context, userID string) (lockout.State, error)
	Unlock(ctx context.Context, userID string) error
	TrustedDevices(ctx context.Context, userID string) ([]store.TrustedDevice, error)
	RevokeDevice(ctx context.Context, userID, fingerprint string) error
}

// Compile-time interface check.
var _ Gate = (*gate)(nil)

type gate struct {
	log        logrus.FieldLogger
	cfg        config.LoginConfig
	requests   RequestStore
	lockouts   lockout.Store
	dispatcher notify.Dispatcher
	clk        clock.Clock
	locks      *keyedMutex
}

// NewGate creates a Gate. The config is copied so later mutation of the
// caller's value has no effect.
func NewGate(
	log logrus.FieldLogger,
	cfg *config.LoginConfig,
	requests RequestStore,
	lockouts lockout.Store,
	dispatcher notify.Dispatcher,
	clk clock.Clock,
) Gate {
	if dispatcher == nil {
		dispatcher = notify.Noop{}
	}

	return &gate{
		log:        log.WithField("component", "loginrisk"),
		cfg:        *cfg,
		requests:   requests,
		lockouts:   lockouts,
		dispatcher: dispatcher,
		clk:        clk,
		locks:      newKeyedMutex(),
	}
}

func (g *gate) Evaluate(ctx context.Context, a Attempt) (*Decision, error) {
	fp := a.Device.Hash()

	d, err := g.evaluate(ctx, a, fp)
	if err != nil {
		return nil, err
	}

	if d.Created {
		g.dispatcher.Dispatch(g.event(notify.KindApprovalNeeded, d.Request, "", ""))
	}

	return d, nil
}

func (g *gate) evaluate(ctx context.Context, a Attempt, fp string) (*Decision, error) {
	unlock := g.locks.lock(a.UserID + "|" + fp)
	defer unlock()

	now := g.clk.Now()
	log := g.log.WithField("user_id", a.UserID)

	state, err := g.lockouts.Get(ctx, a.UserID)
	if err != nil {
		return nil, fmt.Errorf("reading lockout state: %w", err)
	}

	if state.LockedAt(now) {
		return &Decision{
			Outcome:     OutcomeLockedOut,
			Fingerprint: fp,
			LockedUntil: state.LockedUntil,
		}, nil
	}

	if !a.CredentialsValid {
		next, err := g.lockouts.RecordFailure(ctx, a.UserID, now)
		if err != nil {
			return nil, fmt.Errorf("recording failed attempt: %w", err)
		}

		if next.LockedAt(now) {
			log.WithField("locked_until", next.LockedUntil).
				Warn("User locked out after repeated failures")

			return &Decision{
				Outcome:     OutcomeLockedOut,
				Fingerprint: fp,
				LockedUntil: next.LockedUntil,
			}, nil
		}

		return &Decision{Outcome: OutcomeRejected, Fingerprint: fp}, nil
	}

	locked, err := g.clearFailures(ctx, a.UserID, state, now)
	if err != nil {
		return nil, err
	}

	if locked != nil {
		return &Decision{
			Outcome:     OutcomeLockedOut,
			Fingerprint: fp,
			LockedUntil: locked.LockedUntil,
		}, nil
	}

	if !g.cfg.FingerprintingEnabled {
		return &Decision{Outcome: OutcomeAdmit, Fingerprint: fp}, nil
	}

	trusted, err := g.requests.IsTrustedDevice(ctx, a.UserID, fp)
	if err != nil {
		return nil, fmt.Errorf("checking device trust: %w", err)
	}

	if trusted {
		if err := g.requests.TouchTrustedDevice(ctx, a.UserID, fp, now); err != nil {
			log.WithError(err).Warn("Failed to update trusted device last seen")
		}

		return &Decision{Outcome: OutcomeAdmit, Fingerprint: fp}, nil
	}

	if g.cfg.TrustFirstDevice {
		admitted, err := g.trustFirstDevice(ctx, a.UserID, fp, now)
		if err != nil {
			return nil, err
		}

		if admitted {
			log.Info("Trusted first device without approval")

			return &Decision{Outcome: OutcomeAdmit, Fingerprint: fp}, nil
		}
	}

	return g.pending(ctx, a, fp, now)
}

// clearFailures resets the failure record a successful attempt observed.
// The record is keyed by user while attempts serialize per device, so a
// failure from another device may land first; the record is then read
// again and a lockout it set is returned instead of being erased.
func (g *gate) clearFailures(
	ctx context.Context, userID string, state lockout.State, now time.Time,
) (*lockout.State, error) {
	for range maxResetRetries {
		if state.FailedAttempts == 0 && state.LockedUntil == nil {
			return nil, nil
		}

		cleared, err := g.lockouts.ResetIfUnchanged(ctx, userID, state)
		if err != nil {
			return nil, fmt.Errorf("resetting lockout state: %w", err)
		}

		if cleared {
			return nil, nil
		}

		state, err = g.lockouts.Get(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("reading lockout state: %w", err)
		}

		if state.LockedAt(now) {
			return &state, nil
		}
	}

	return nil, domain.Unavailable(
		fmt.Errorf("resetting lockout state for %s: too much contention", userID),
	)
}

func (g *gate) trustFirstDevice(
	ctx context.Context, userID, fp string, now time.Time,
) (bool, error) {
	count, err := g.requests.CountTrustedDevices(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("counting trusted devices: %w", err)
	}

	if count > 0 {
		return false, nil
	}

	if err := g.requests.TrustDevice(ctx, &store.TrustedDevice{
		UserID:      userID,
		Fingerprint: fp,
		ApprovedBy:  FirstDeviceApprover,
		ApprovedAt:  now,
		LastSeenAt:  &now,
	}); err != nil {
		return false, fmt.Errorf("trusting first device: %w", err)
	}

	return true, nil
}

// pending returns the live pending request for the pair, creating one if
// none exists. A request found past its expiry is expired first.
func (g *gate) pending(
	ctx context.Context, a Attempt, fp string, now time.Time,
) (*Decision, error) {
	for range maxPendingRetries {
		existing, err := g.requests.GetPendingLoginRequest(ctx, a.UserID, fp)

		switch {
		case err == nil && now.Before(existing.ExpiresAt):
			return &Decision{Outcome: OutcomePending, Fingerprint: fp, Request: existing}, nil
		case err == nil:
			if _, err := g.requests.ExpireLoginRequest(ctx, existing.ID, now); err != nil {
				return nil, fmt.Errorf("expiring stale login request: %w", err)
			}
		case !errors.Is(err, domain.ErrNotFound):
			return nil, fmt.Errorf("looking up pending login request: %w", err)
		}

		req := &store.LoginRequest{
			UserID:            a.UserID,
			OrganizationID:    a.OrganizationID,
			DeviceFingerprint: fp,
			IPAddress:         a.Device.IPAddress,
			UserAgent:         a.Device.UserAgent,
			CreatedAt:         now,
			ExpiresAt:         now.Add(g.cfg.ApprovalWindow),
		}

		created, err := g.requests.CreatePendingLoginRequest(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("creating login request: %w", err)
		}

		if created {
			g.log.WithField("user_id", a.UserID).
				WithField("request_id", req.ID).
				Info("Login from unrecognized device awaiting approval")

			return &Decision{
				Outcome:     OutcomePending,
				Fingerprint: fp,
				Request:     req,
				Created:     true,
			}, nil
		}

		// Another process inserted the pending request first; re-read it.
	}

	return nil, domain.Unavailable(errors.New("pending login request kept changing"))
}

func (g *gate) Approve(
	ctx context.Context, requestID, approverID string,
) (*store.LoginRequest, error) {
	if _, err := g.resolvable(ctx, requestID); err != nil {
		return nil, err
	}

	ok, err := g.requests.ApproveLoginRequest(ctx, requestID, approverID, g.clk.Now())
	if err != nil {
		return nil, fmt.Errorf("approving login request: %w", err)
	}

	if !ok {
		return nil, domain.ErrAlreadyResolved
	}

	req, err := g.requests.GetLoginRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("reloading login request: %w", err)
	}

	g.log.WithField("request_id", requestID).
		WithField("approver_id", approverID).
		Info("Login request approved")

	g.dispatcher.Dispatch(g.event(notify.KindApproved, req, approverID, ""))

	return req, nil
}

func (g *gate) Reject(
	ctx context.Context, requestID, approverID, reason string,
) (*store.LoginRequest, error) {
	if _, err := g.resolvable(ctx, requestID); err != nil {
		return nil, err
	}

	ok, err := g.requests.RejectLoginRequest(ctx, requestID, reason, g.clk.Now())
	if err != nil {
		return nil, fmt.Errorf("rejecting login request: %w", err)
	}

	if !ok {
		return nil, domain.ErrAlreadyResolved
	}

	req, err := g.requests.GetLoginRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("reloading login request: %w", err)
	}

	g.log.WithField("request_id", requestID).
		WithField("approver_id", approverID).
		Info("Login request rejected")

	g.dispatcher.Dispatch(g.event(notify.KindRejected, req, approverID, reason))

	return req, nil
}

// resolvable loads a request that may still be approved or rejected,
// expiring it as a side effect when it is overdue.
func (g *gate) resolvable(ctx context.Context, requestID string) (*store.LoginRequest, error) {
	req, err := g.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	if req.Status != store.LoginStatusPending {
		return nil, domain.ErrAlreadyResolved
	}

	return req, nil
}

func (g *gate) GetRequest(ctx context.Context, requestID string) (*store.LoginRequest, error) {
	req, err := g.requests.GetLoginRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("getting login request: %w", err)
	}

	now := g.clk.Now()
	if req.Status != store.LoginStatusPending || now.Before(req.ExpiresAt) {
		return req, nil
	}

	if _, err := g.requests.ExpireLoginRequest(ctx, req.ID, now); err != nil {
		return nil, fmt.Errorf("expiring login request: %w", err)
	}

	return g.requests.GetLoginRequest(ctx, requestID)
}

func (g *gate) ListPending(
	ctx context.Context, organizationID string,
) ([]store.LoginRequest, error) {
	if _, err := g.requests.ExpirePendingLoginRequests(ctx, g.clk.Now()); err != nil {
		return nil, fmt.Errorf("expiring overdue requests: %w", err)
	}

	reqs, err := g.requests.ListLoginRequests(ctx, store.LoginRequestFilter{
		OrganizationID: organizationID,
		Status:         store.LoginStatusPending,
	})
	if err != nil {
		return nil, fmt.Errorf("listing pending requests: %w", err)
	}

	return reqs, nil
}

func (g *gate) Sweep(ctx context.Context) (int64, error) {
	n, err := g.requests.ExpirePendingLoginRequests(ctx, g.clk.Now())
	if err != nil {
		return 0, fmt.Errorf("sweeping login requests: %w", err)
	}

	return n, nil
}

func (g *gate) LockoutStatus(ctx context.Context, userID string) (lockout.State, error) {
	return g.lockouts.Get(ctx, userID)
}

func (g *gate) Unlock(ctx context.Context, userID string) error {
	if err := g.lockouts.Reset(ctx, userID); err != nil {
		return err
	}

	g.log.WithField("user_id", userID).Info("User unlocked by administrator")

	return nil
}

func (g *gate) TrustedDevices(
	ctx context.Context, userID string,
) ([]store.TrustedDevice, error) {
	return g.requests.ListTrustedDevices(ctx, userID)
}

func (g *gate) RevokeDevice(ctx context.Context, userID, fingerprint string) error {
	if err := g.requests.DeleteTrustedDevice(ctx, userID, fingerprint); err != nil {
		return fmt.Errorf("revoking trusted device: %w", err)
	}

	g.log.WithField("user_id", userID).Info("Trusted device revoked")

	return nil
}

func (g *gate) event(kind notify.Kind, req *store.LoginRequest, actor, reason string) notify.Event {
	return notify.Event{
		Kind:           kind,
		RequestID:      req.ID,
		UserID:         req.UserID,
		OrganizationID: req.OrganizationID,
		IPAddress:      req.IPAddress,
		UserAgent:      req.UserAgent,
		Actor:          actor,
		Reason:         reason,
		At:             g.clk.Now(),
	}
}
