// Package keys manages the lifecycle of metered gaming keys: generation,
// device activation, revocation and expiry.
package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/keygate/pkg/clock"
	"github.com/ethpandaops/keygate/pkg/config"
	"github.com/ethpandaops/keygate/pkg/domain"
	"github.com/ethpandaops/keygate/pkg/pricing"
	"github.com/ethpandaops/keygate/pkg/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// maxCodeAttempts bounds regeneration after a random code collides.
const maxCodeAttempts = 3

// KeyStore is the persistence the manager needs.
type KeyStore interface {
	CreateGamingKeys(ctx context.Context, keys []*store.GamingKey) error
	GetGamingKey(ctx context.Context, keyID string) (*store.GamingKey, error)
	GamingKeyExists(ctx context.Context, keyID string) (bool, error)
	ListGamingKeys(ctx context.Context, filter store.KeyFilter) ([]store.GamingKey, error)
	ActivateGamingKey(ctx context.Context, keyID, fingerprint string, now time.Time) (*store.Activation, error)
	RevokeGamingKey(ctx context.Context, keyID string, now time.Time) (bool, error)
	ExpireGamingKey(ctx context.Context, keyID string) (bool, error)
	ExpireGamingKeys(ctx context.Context, now time.Time) (int64, error)
	ListDeviceUsage(ctx context.Context, keyID string) ([]store.DeviceUsage, error)
}

// BatchExporter receives every bulk batch after it is committed.
type BatchExporter interface {
	// ExportBatch writes the batch and returns where it was written.
	ExportBatch(ctx context.Context, batchID string, keys []store.GamingKey) (string, error)
}

// GenerateRequest describes the keys to create.
type GenerateRequest struct {
	ServiceID     string `json:"service_id"`
	GameID        string `json:"game_id,omitempty"`
	MaxDevices    int    `json:"max_devices"`
	DurationHours int    `json:"duration_hours"`
	Quantity      int    `json:"quantity"`
	CustomKey     string `json:"custom_key,omitempty"`
}

// GenerateResult is the outcome of a generation request.
type GenerateResult struct {
	BatchID        string            `json:"batch_id,omitempty"`
	Keys           []store.GamingKey `json:"keys"`
	CostPerDevice  int64             `json:"cost_per_device"`
	CostPerKey     int64             `json:"cost_per_key"`
	TotalCost      int64             `json:"total_cost"`
	Currency       string            `json:"currency"`
	ExportLocation string            `json:"export_location,omitempty"`
}

// ActivationResult describes a successful activation.
type ActivationResult struct {
	KeyID            string    `json:"key_id"`
	NewDevice        bool      `json:"new_device"`
	DevicesUsed      int       `json:"devices_used"`
	DevicesRemaining int       `json:"devices_remaining"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// Key statuses reported by Validate.
const (
	StatusActive  = "active"
	StatusFull    = "full"
	StatusExpired = "expired"
	StatusRevoked = "revoked"
)

// KeyStatus is the read-only view returned by Validate.
type KeyStatus struct {
	KeyID            string    `json:"key_id"`
	Status           string    `json:"status"`
	Valid            bool      `json:"valid"`
	MaxDevices       int       `json:"max_devices"`
	DevicesUsed      int       `json:"devices_used"`
	DevicesRemaining int       `json:"devices_remaining"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// Manager is the key lifecycle engine. Organization scoping and
// permission checks are the caller's concern.
type Manager interface {
	Generate(ctx context.Context, p *domain.Principal, req GenerateRequest) (*GenerateResult, error)
	// Activate binds a device to the key. Re-activating a bound device
	// succeeds without consuming a slot.
	Activate(ctx context.Context, keyID, fingerprint string) (*ActivationResult, error)
	// Revoke is irreversible and keeps the usage history. Revoking an
	// already revoked key succeeds.
	Revoke(ctx context.Context, keyID string) (*store.GamingKey, error)
	Get(ctx context.Context, keyID string) (*store.GamingKey, error)
	List(ctx context.Context, filter store.KeyFilter) ([]store.GamingKey, error)
	Devices(ctx context.Context, keyID string) ([]store.DeviceUsage, error)
	Validate(ctx context.Context, keyID string) (*KeyStatus, error)
	// ExpireDue flips every overdue key inactive.
	ExpireDue(ctx context.Context) (int64, error)
}

// Compile-time interface check.
var _ Manager = (*manager)(nil)

type manager struct {
	log      logrus.FieldLogger
	cfg      config.KeysConfig
	store    KeyStore
	pricing  pricing.Resolver
	exporter BatchExporter
	clk      clock.Clock
}

// NewManager creates a Manager. exporter may be nil.
func NewManager(
	log logrus.FieldLogger,
	cfg *config.KeysConfig,
	keyStore KeyStore,
	resolver pricing.Resolver,
	exporter BatchExporter,
	clk clock.Clock,
) Manager {
	return &manager{
		log:      log.WithField("component", "keys"),
		cfg:      *cfg,
		store:    keyStore,
		pricing:  resolver,
		exporter: exporter,
		clk:      clk,
	}
}

func (m *manager) Generate(
	ctx context.Context, p *domain.Principal, req GenerateRequest,
) (*GenerateResult, error) {
	if err := m.validateRequest(&req); err != nil {
		return nil, err
	}

	tier, err := m.pricing.Resolve(ctx, req.ServiceID, req.GameID, req.DurationHours)
	if err != nil {
		return nil, err
	}

	if req.CustomKey != "" {
		exists, err := m.store.GamingKeyExists(ctx, req.CustomKey)
		if err != nil {
			return nil, fmt.Errorf("checking custom key: %w", err)
		}

		if exists {
			return nil, domain.InvalidRequest("custom key is already in use")
		}
	}

	now := m.clk.Now()
	costPerKey := tier.PricePerDevice * int64(req.MaxDevices)

	var batchID string
	if req.Quantity > 1 {
		batchID = uuid.NewString()
	}

	var rows []*store.GamingKey

	for attempt := 1; ; attempt++ {
		rows, err = m.buildKeys(p, req, tier, batchID, now)
		if err != nil {
			return nil, err
		}

		err = m.store.CreateGamingKeys(ctx, rows)
		if err == nil {
			break
		}

		// A random code collided with an existing key; the whole batch
		// was rolled back so it is safe to draw fresh codes.
		if req.CustomKey == "" && errors.Is(err, domain.ErrInvalidRequest) &&
			attempt < maxCodeAttempts {
			m.log.WithField("attempt", attempt).Warn("Generated key collided, retrying")

			continue
		}

		return nil, fmt.Errorf("storing gaming keys: %w", err)
	}

	result := &GenerateResult{
		BatchID:       batchID,
		Keys:          make([]store.GamingKey, 0, len(rows)),
		CostPerDevice: tier.PricePerDevice,
		CostPerKey:    costPerKey,
		TotalCost:     costPerKey * int64(len(rows)),
		Currency:      tier.Currency,
	}

	for _, row := range rows {
		result.Keys = append(result.Keys, *row)
	}

	m.log.WithFields(logrus.Fields{
		"organization_id": p.OrganizationID,
		"service_id":      req.ServiceID,
		"quantity":        len(rows),
		"batch_id":        batchID,
	}).Info("Generated gaming keys")

	if batchID != "" && m.exporter != nil {
		location, err := m.exporter.ExportBatch(ctx, batchID, result.Keys)
		if err != nil {
			m.log.WithError(err).WithField("batch_id", batchID).
				Warn("Failed to export key batch")
		} else {
			result.ExportLocation = location
		}
	}

	return result, nil
}

func (m *manager) validateRequest(req *GenerateRequest) error {
	if req.ServiceID == "" {
		return domain.InvalidRequest("service_id is required")
	}

	if req.MaxDevices <= 0 {
		return domain.InvalidRequest("max_devices must be positive")
	}

	if req.DurationHours <= 0 {
		return domain.InvalidRequest("duration_hours must be positive")
	}

	if req.Quantity == 0 && req.CustomKey != "" {
		req.Quantity = 1
	}

	if req.Quantity <= 0 {
		return domain.InvalidRequest("quantity must be positive")
	}

	if req.Quantity > m.cfg.MaxBatchSize {
		return domain.InvalidRequest("quantity exceeds the maximum of %d", m.cfg.MaxBatchSize)
	}

	if req.CustomKey != "" {
		if req.Quantity > 1 {
			return domain.InvalidRequest("custom_key requires quantity 1")
		}

		if !validCustomKey(req.CustomKey) {
			return domain.InvalidRequest(
				"custom_key must be 6-64 letters, digits, '-' or '_'",
			)
		}
	}

	return nil
}

func (m *manager) buildKeys(
	p *domain.Principal,
	req GenerateRequest,
	tier pricing.Tier,
	batchID string,
	now time.Time,
) ([]*store.GamingKey, error) {
	rows := make([]*store.GamingKey, 0, req.Quantity)
	seen := make(map[string]struct{}, req.Quantity)

	for len(rows) < req.Quantity {
		keyID := req.CustomKey
		if keyID == "" {
			code, err := newCode(m.cfg.KeyPrefix)
			if err != nil {
				return nil, fmt.Errorf("generating key code: %w", err)
			}

			keyID = code
		}

		if _, dup := seen[keyID]; dup {
			continue
		}

		seen[keyID] = struct{}{}

		rows = append(rows, &store.GamingKey{
			ID:             uuid.NewString(),
			KeyID:          keyID,
			OrganizationID: p.OrganizationID,
			BatchID:        batchID,
			ServiceID:      req.ServiceID,
			GameID:         req.GameID,
			MaxDevices:     req.MaxDevices,
			DurationHours:  req.DurationHours,
			CostPerDevice:  tier.PricePerDevice,
			TotalCost:      tier.PricePerDevice * int64(req.MaxDevices),
			Currency:       tier.Currency,
			IsActive:       true,
			ExpiresAt:      now.Add(time.Duration(req.DurationHours) * time.Hour),
			CreatedBy:      p.ID,
			CreatedAt:      now,
		})
	}

	return rows, nil
}

func (m *manager) Activate(
	ctx context.Context, keyID, fingerprint string,
) (*ActivationResult, error) {
	if keyID == "" || fingerprint == "" {
		return nil, domain.InvalidRequest("key id and device fingerprint are required")
	}

	act, err := m.store.ActivateGamingKey(ctx, keyID, fingerprint, m.clk.Now())
	if err != nil {
		return nil, err
	}

	log := m.log.WithField("key_id", keyID)

	switch act.Outcome {
	case store.ActivationInactive:
		return nil, fmt.Errorf("%w: key is no longer active", domain.ErrInactive)
	case store.ActivationExpired:
		log.Info("Gaming key expired on activation")

		return nil, fmt.Errorf("%w: key has expired", domain.ErrInactive)
	case store.ActivationFull:
		return nil, domain.ErrCapacityExceeded
	}

	if act.Outcome == store.ActivationAdded {
		log.WithField("devices_used", act.Key.DeviceUsageCount).Debug("Device bound to gaming key")
	}

	return &ActivationResult{
		KeyID:            act.Key.KeyID,
		NewDevice:        act.Outcome == store.ActivationAdded,
		DevicesUsed:      act.Key.DeviceUsageCount,
		DevicesRemaining: max(act.Key.MaxDevices-act.Key.DeviceUsageCount, 0),
		ExpiresAt:        act.Key.ExpiresAt,
	}, nil
}

func (m *manager) Revoke(ctx context.Context, keyID string) (*store.GamingKey, error) {
	revoked, err := m.store.RevokeGamingKey(ctx, keyID, m.clk.Now())
	if err != nil {
		return nil, err
	}

	if revoked {
		m.log.WithField("key_id", keyID).Info("Gaming key revoked")
	}

	return m.store.GetGamingKey(ctx, keyID)
}

// Get returns the key, flipping it inactive first if it is overdue.
func (m *manager) Get(ctx context.Context, keyID string) (*store.GamingKey, error) {
	key, err := m.store.GetGamingKey(ctx, keyID)
	if err != nil {
		return nil, err
	}

	if key.IsActive && !m.clk.Now().Before(key.ExpiresAt) {
		if _, err := m.store.ExpireGamingKey(ctx, keyID); err != nil {
			return nil, err
		}

		key.IsActive = false
	}

	return key, nil
}

func (m *manager) List(
	ctx context.Context, filter store.KeyFilter,
) ([]store.GamingKey, error) {
	if filter.ActiveOnly {
		if _, err := m.ExpireDue(ctx); err != nil {
			return nil, err
		}
	}

	return m.store.ListGamingKeys(ctx, filter)
}

func (m *manager) Devices(ctx context.Context, keyID string) ([]store.DeviceUsage, error) {
	if _, err := m.store.GetGamingKey(ctx, keyID); err != nil {
		return nil, err
	}

	return m.store.ListDeviceUsage(ctx, keyID)
}

func (m *manager) Validate(ctx context.Context, keyID string) (*KeyStatus, error) {
	key, err := m.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}

	st := &KeyStatus{
		KeyID:            key.KeyID,
		MaxDevices:       key.MaxDevices,
		DevicesUsed:      key.DeviceUsageCount,
		DevicesRemaining: max(key.MaxDevices-key.DeviceUsageCount, 0),
		ExpiresAt:        key.ExpiresAt,
	}

	switch {
	case key.RevokedAt != nil:
		st.Status = StatusRevoked
	case !key.IsActive:
		st.Status = StatusExpired
	case st.DevicesRemaining == 0:
		st.Status = StatusFull
		st.Valid = true
	default:
		st.Status = StatusActive
		st.Valid = true
	}

	return st, nil
}

func (m *manager) ExpireDue(ctx context.Context) (int64, error) {
	n, err := m.store.ExpireGamingKeys(ctx, m.clk.Now())
	if err != nil {
		return 0, fmt.Errorf("expiring overdue keys: %w", err)
	}

	return n, nil
}
