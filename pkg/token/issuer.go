// Package token mints and verifies signed session tokens.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/keygate/pkg/clock"
	"github.com/ethpandaops/keygate/pkg/config"
	"github.com/ethpandaops/keygate/pkg/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Type distinguishes access tokens from refresh tokens.
type Type string

// Token types.
const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

// Verification failures. Both match domain.ErrUnauthenticated.
var (
	ErrExpired = fmt.Errorf("%w: token expired", domain.ErrUnauthenticated)
	ErrInvalid = fmt.Errorf("%w: token invalid", domain.ErrUnauthenticated)
)

const leeway = 5 * time.Second

// Claims carried by every token.
type Claims struct {
	UserID         string   `json:"uid"`
	OrganizationID string   `json:"org"`
	Username       string   `json:"usr,omitempty"`
	Roles          []string `json:"roles"`
	Type           Type     `json:"typ"`
	jwt.RegisteredClaims
}

// Principal rebuilds the principal the token was issued to.
func (c *Claims) Principal() *domain.Principal {
	return &domain.Principal{
		ID:             c.UserID,
		OrganizationID: c.OrganizationID,
		Username:       c.Username,
		Roles:          c.Roles,
		Status:         domain.StatusActive,
	}
}

// Token is a signed token and its expiry.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Pair is the result of a successful login.
type Pair struct {
	Access  Token `json:"access"`
	Refresh Token `json:"refresh"`
}

// ResolveFunc maps refresh claims to the principal a new access token is
// issued to, typically by reloading it from storage.
type ResolveFunc func(claims *Claims) (*domain.Principal, error)

// Issuer mints and verifies tokens. Verification is a pure function of the
// token, the keyset and the clock.
type Issuer interface {
	Issue(p *domain.Principal) (*Pair, error)
	IssueAccess(p *domain.Principal) (*Token, error)
	// Verify accepts either token type; callers check Claims.Type.
	Verify(raw string) (*Claims, error)
	// Refresh exchanges a refresh token for a new access token. A nil
	// resolve reuses the identity carried by the refresh token.
	Refresh(raw string, resolve ResolveFunc) (*Token, error)
}

// Compile-time interface check.
var _ Issuer = (*issuer)(nil)

type issuer struct {
	log        logrus.FieldLogger
	clk        clock.Clock
	iss        string
	signingKID string
	keys       map[string][]byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	parser     *jwt.Parser
}

// NewIssuer builds an issuer from the auth config. The active secret signs;
// previous secrets, given as "kid:secret", only verify.
func NewIssuer(
	log logrus.FieldLogger, cfg *config.AuthConfig, clk clock.Clock,
) (Issuer, error) {
	if cfg.TokenSecret == "" {
		return nil, errors.New("token secret is required")
	}

	kid := cfg.TokenKeyID
	if kid == "" {
		kid = "primary"
	}

	keys := map[string][]byte{kid: []byte(cfg.TokenSecret)}

	for i, prev := range cfg.PreviousTokenSecrets {
		prevKID, secret, ok := strings.Cut(prev, ":")
		if !ok || prevKID == "" || secret == "" {
			return nil, fmt.Errorf("previous token secret %d: expected kid:secret", i)
		}

		if _, dup := keys[prevKID]; dup {
			return nil, fmt.Errorf("previous token secret %d: duplicate kid %q", i, prevKID)
		}

		keys[prevKID] = []byte(secret)
	}

	i := &issuer{
		log:        log.WithField("component", "token"),
		clk:        clk,
		iss:        cfg.Issuer,
		signingKID: kid,
		keys:       keys,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(leeway),
		jwt.WithTimeFunc(clk.Now),
		jwt.WithExpirationRequired(),
	}

	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	i.parser = jwt.NewParser(opts...)

	return i, nil
}

func (i *issuer) Issue(p *domain.Principal) (*Pair, error) {
	access, err := i.sign(p, TypeAccess, i.accessTTL)
	if err != nil {
		return nil, err
	}

	refresh, err := i.sign(p, TypeRefresh, i.refreshTTL)
	if err != nil {
		return nil, err
	}

	return &Pair{Access: *access, Refresh: *refresh}, nil
}

func (i *issuer) IssueAccess(p *domain.Principal) (*Token, error) {
	return i.sign(p, TypeAccess, i.accessTTL)
}

func (i *issuer) Verify(raw string) (*Claims, error) {
	claims := &Claims{}

	_, err := i.parser.ParseWithClaims(raw, claims, i.keyFunc)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	default:
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if claims.UserID == "" || (claims.Type != TypeAccess && claims.Type != TypeRefresh) {
		return nil, ErrInvalid
	}

	return claims, nil
}

func (i *issuer) Refresh(raw string, resolve ResolveFunc) (*Token, error) {
	claims, err := i.Verify(raw)
	if err != nil {
		return nil, err
	}

	if claims.Type != TypeRefresh {
		return nil, fmt.Errorf("%w: not a refresh token", ErrInvalid)
	}

	p := claims.Principal()

	if resolve != nil {
		p, err = resolve(claims)
		if err != nil {
			return nil, err
		}
	}

	return i.sign(p, TypeAccess, i.accessTTL)
}

func (i *issuer) sign(p *domain.Principal, typ Type, ttl time.Duration) (*Token, error) {
	if p == nil || p.ID == "" {
		return nil, errors.New("signing token: principal is required")
	}

	now := i.clk.Now()
	exp := now.Add(ttl)

	claims := Claims{
		UserID:         p.ID,
		OrganizationID: p.OrganizationID,
		Username:       p.Username,
		Roles:          p.Roles,
		Type:           typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.iss,
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = i.signingKID

	signed, err := tok.SignedString(i.keys[i.signingKID])
	if err != nil {
		return nil, fmt.Errorf("signing %s token: %w", typ, err)
	}

	return &Token{Value: signed, ExpiresAt: exp}, nil
}

func (i *issuer) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)

	key, ok := i.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}

	return key, nil
}
