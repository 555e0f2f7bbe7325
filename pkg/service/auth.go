package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/keygate/pkg/authz"
	"github.com/ethpandaops/keygate/pkg/domain"
	"github.com/ethpandaops/keygate/pkg/loginrisk"
	"github.com/ethpandaops/keygate/pkg/metrics"
	"github.com/ethpandaops/keygate/pkg/store"
	"github.com/ethpandaops/keygate/pkg/token"
	"golang.org/x/crypto/bcrypt"
)

// Login statuses returned to clients.
const (
	LoginAdmitted        = "admitted"
	LoginPendingApproval = "pending_approval"
)

// LoginInput is a login attempt as received from a client.
type LoginInput struct {
	Username string
	Password string
	Device   domain.DeviceContext
}

// LoginResult is returned for admitted and pending logins. Rejected and
// locked out attempts are errors.
type LoginResult struct {
	Status    string      `json:"status"`
	Tokens    *token.Pair `json:"tokens,omitempty"`
	User      *Identity   `json:"user,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
}

// Identity describes the authenticated principal.
type Identity struct {
	ID             string   `json:"id"`
	OrganizationID string   `json:"organization_id"`
	Username       string   `json:"username"`
	Roles          []string `json:"roles"`
	Permissions    []string `json:"permissions,omitempty"`
}

// LoginRequestStatus is what an unauthenticated client sees when it
// re-polls a pending login.
type LoginRequestStatus struct {
	RequestID       string     `json:"request_id"`
	Status          string     `json:"status"`
	ExpiresAt       time.Time  `json:"expires_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	RejectionReason *string    `json:"rejection_reason,omitempty"`
}

// Login checks credentials and runs the attempt through the login gate.
// Unknown and suspended users fail exactly like a wrong password, but
// only known users accrue lockout failures.
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	if in.Username == "" || in.Password == "" {
		return nil, domain.InvalidRequest("username and password are required")
	}

	if in.Device.Empty() {
		return nil, domain.InvalidRequest("a device fingerprint or user agent is required")
	}

	user, err := s.users.GetUserByUsername(ctx, in.Username)
	if errors.Is(err, domain.ErrNotFound) {
		metrics.RecordLoginOutcome(string(loginrisk.OutcomeRejected))

		return nil, domain.ErrInvalidCredentials
	}

	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	valid := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(in.Password)) == nil
	p := principalFor(user)

	d, err := s.gate.Evaluate(ctx, loginrisk.Attempt{
		UserID:           user.ID,
		OrganizationID:   user.OrganizationID,
		Device:           in.Device,
		CredentialsValid: valid && p.Active(),
	})
	if err != nil {
		return nil, fmt.Errorf("evaluating login: %w", err)
	}

	metrics.RecordLoginOutcome(string(d.Outcome))

	switch d.Outcome {
	case loginrisk.OutcomeLockedOut:
		return nil, domain.ErrLockedOut
	case loginrisk.OutcomeRejected:
		return nil, domain.ErrInvalidCredentials
	case loginrisk.OutcomePending:
		return &LoginResult{
			Status:    LoginPendingApproval,
			RequestID: d.Request.ID,
			ExpiresAt: &d.Request.ExpiresAt,
		}, nil
	}

	pair, err := s.tokens.Issue(p)
	if err != nil {
		return nil, fmt.Errorf("issuing tokens: %w", err)
	}

	s.log.WithField("user_id", user.ID).Info("User logged in")

	return &LoginResult{
		Status: LoginAdmitted,
		Tokens: pair,
		User:   s.identity(ctx, p, false),
	}, nil
}

// Refresh exchanges a refresh token for a new access token issued to the
// user as currently stored.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*token.Token, error) {
	if refreshToken == "" {
		return nil, domain.ErrUnauthenticated
	}

	return s.tokens.Refresh(refreshToken, func(c *token.Claims) (*domain.Principal, error) {
		return s.loadPrincipal(ctx, c.UserID)
	})
}

// Authenticate resolves an access token to the current principal.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*domain.Principal, error) {
	claims, err := s.tokens.Verify(accessToken)
	if err != nil {
		return nil, err
	}

	if claims.Type != token.TypeAccess {
		return nil, token.ErrInvalid
	}

	return s.loadPrincipal(ctx, claims.UserID)
}

// Me describes the principal with its effective permissions.
func (s *Service) Me(ctx context.Context, p *domain.Principal) (*Identity, error) {
	if p == nil {
		return nil, domain.ErrUnauthenticated
	}

	return s.identity(ctx, p, true), nil
}

func (s *Service) identity(ctx context.Context, p *domain.Principal, withPerms bool) *Identity {
	id := &Identity{
		ID:             p.ID,
		OrganizationID: p.OrganizationID,
		Username:       p.Username,
		Roles:          p.Roles,
	}

	if withPerms {
		perms := s.authz.Permissions(ctx, p)

		id.Permissions = make([]string, 0, len(perms))
		for _, perm := range perms {
			id.Permissions = append(id.Permissions, perm.Name())
		}
	}

	return id
}

// LoginStatus reports the state of a login request for re-polling.
func (s *Service) LoginStatus(ctx context.Context, requestID string) (*LoginRequestStatus, error) {
	req, err := s.gate.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	return &LoginRequestStatus{
		RequestID:       req.ID,
		Status:          req.Status,
		ExpiresAt:       req.ExpiresAt,
		ResolvedAt:      req.ResolvedAt,
		RejectionReason: req.RejectionReason,
	}, nil
}

// ListPendingLogins is the approval queue of the principal's organization.
func (s *Service) ListPendingLogins(
	ctx context.Context, p *domain.Principal, organizationID string,
) ([]store.LoginRequest, error) {
	if err := s.require(ctx, p, authz.ResourceLoginRequests, authz.ActionRead); err != nil {
		return nil, err
	}

	return s.gate.ListPending(ctx, s.scope(ctx, p, organizationID))
}

// ApproveLogin approves a pending request and trusts its device.
func (s *Service) ApproveLogin(
	ctx context.Context, p *domain.Principal, requestID string,
) (*store.LoginRequest, error) {
	if err := s.resolvable(ctx, p, requestID); err != nil {
		return nil, err
	}

	req, err := s.gate.Approve(ctx, requestID, p.ID)
	if err != nil {
		return nil, err
	}

	metrics.RecordLoginResolution(store.LoginStatusApproved)

	return req, nil
}

// RejectLogin rejects a pending request.
func (s *Service) RejectLogin(
	ctx context.Context, p *domain.Principal, requestID, reason string,
) (*store.LoginRequest, error) {
	if err := s.resolvable(ctx, p, requestID); err != nil {
		return nil, err
	}

	req, err := s.gate.Reject(ctx, requestID, p.ID, reason)
	if err != nil {
		return nil, err
	}

	metrics.RecordLoginResolution(store.LoginStatusRejected)

	return req, nil
}

func (s *Service) resolvable(ctx context.Context, p *domain.Principal, requestID string) error {
	if err := s.require(ctx, p, authz.ResourceLoginRequests, authz.ActionApprove); err != nil {
		return err
	}

	req, err := s.gate.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}

	return s.visible(ctx, p, req.OrganizationID)
}
