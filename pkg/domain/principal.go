// Package domain holds the types shared by every engine component:
// the authenticated principal, the per-attempt device context and the
// error taxonomy.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// PrincipalStatus is the lifecycle state of a principal.
type PrincipalStatus string

// Principal statuses.
const (
	StatusActive    PrincipalStatus = "active"
	StatusSuspended PrincipalStatus = "suspended"
)

// Principal is an authenticated user acting on behalf of an organization.
type Principal struct {
	ID             string
	OrganizationID string
	Username       string
	Roles          []string
	Status         PrincipalStatus
}

// Active reports whether the principal may act at all.
func (p *Principal) Active() bool {
	return p != nil && p.Status == StatusActive
}

// DeviceContext describes the device a login attempt comes from. It is
// derived per attempt and only its hash is ever persisted.
type DeviceContext struct {
	Fingerprint string
	IPAddress   string
	UserAgent   string
}

// Empty reports whether the context carries nothing that tells one client
// from another. Such a context would hash to the same identifier for
// every client.
func (d DeviceContext) Empty() bool {
	return strings.TrimSpace(d.Fingerprint) == "" && strings.TrimSpace(d.UserAgent) == ""
}

// Hash returns the stable device identifier compared against history.
// Client fingerprints are preferred; the user agent is the fallback so
// that a changing IP address alone never makes a device look new.
func (d DeviceContext) Hash() string {
	src := strings.TrimSpace(d.Fingerprint)
	if src == "" {
		src = "ua:" + strings.TrimSpace(d.UserAgent)
	}

	sum := sha256.Sum256([]byte(src))

	return hex.EncodeToString(sum[:])
}
