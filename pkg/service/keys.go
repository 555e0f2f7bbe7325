package service

import (
	"context"
	"errors"

	"github.com/ethpandaops/keygate/pkg/authz"
	"github.com/ethpandaops/keygate/pkg/domain"
	"github.com/ethpandaops/keygate/pkg/keys"
	"github.com/ethpandaops/keygate/pkg/metrics"
	"github.com/ethpandaops/keygate/pkg/pricing"
	"github.com/ethpandaops/keygate/pkg/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// KeyQuery filters ListKeys. OrganizationID is honoured for
// administrators only.
type KeyQuery struct {
	OrganizationID string
	ServiceID      string
	BatchID        string
	ActiveOnly     bool
	Limit          int
	Offset         int
}

// GenerateKeys creates keys billed to the principal's organization.
func (s *Service) GenerateKeys(
	ctx context.Context, p *domain.Principal, req keys.GenerateRequest,
) (*keys.GenerateResult, error) {
	if err := s.require(ctx, p, authz.ResourceGamingKeys, authz.ActionCreate); err != nil {
		return nil, err
	}

	res, err := s.keys.Generate(ctx, p, req)
	if err != nil {
		return nil, err
	}

	metrics.RecordKeysGenerated(req.ServiceID, len(res.Keys))

	return res, nil
}

// ListKeys lists keys of the principal's organization.
func (s *Service) ListKeys(
	ctx context.Context, p *domain.Principal, q KeyQuery,
) ([]store.GamingKey, error) {
	if err := s.require(ctx, p, authz.ResourceGamingKeys, authz.ActionRead); err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	if q.Offset < 0 {
		return nil, domain.InvalidRequest("offset must not be negative")
	}

	return s.keys.List(ctx, store.KeyFilter{
		OrganizationID: s.scope(ctx, p, q.OrganizationID),
		ServiceID:      q.ServiceID,
		BatchID:        q.BatchID,
		ActiveOnly:     q.ActiveOnly,
		Limit:          min(limit, maxListLimit),
		Offset:         q.Offset,
	})
}

// GetKey returns a key of the principal's organization.
func (s *Service) GetKey(
	ctx context.Context, p *domain.Principal, keyID string,
) (*store.GamingKey, error) {
	if err := s.require(ctx, p, authz.ResourceGamingKeys, authz.ActionRead); err != nil {
		return nil, err
	}

	return s.ownedKey(ctx, p, keyID)
}

// KeyDevices lists the devices bound to a key.
func (s *Service) KeyDevices(
	ctx context.Context, p *domain.Principal, keyID string,
) ([]store.DeviceUsage, error) {
	if err := s.require(ctx, p, authz.ResourceGamingKeys, authz.ActionRead); err != nil {
		return nil, err
	}

	if _, err := s.ownedKey(ctx, p, keyID); err != nil {
		return nil, err
	}

	return s.keys.Devices(ctx, keyID)
}

// RevokeKey permanently deactivates a key.
func (s *Service) RevokeKey(
	ctx context.Context, p *domain.Principal, keyID string,
) (*store.GamingKey, error) {
	if err := s.require(ctx, p, authz.ResourceGamingKeys, authz.ActionDelete); err != nil {
		return nil, err
	}

	if _, err := s.ownedKey(ctx, p, keyID); err != nil {
		return nil, err
	}

	key, err := s.keys.Revoke(ctx, keyID)
	if err != nil {
		return nil, err
	}

	s.log.WithField("key_id", keyID).WithField("actor", p.ID).Info("Key revoked")

	return key, nil
}

func (s *Service) ownedKey(
	ctx context.Context, p *domain.Principal, keyID string,
) (*store.GamingKey, error) {
	key, err := s.keys.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}

	if err := s.visible(ctx, p, key.OrganizationID); err != nil {
		return nil, err
	}

	return key, nil
}

// ActivateKey binds a device to a key. It needs no principal; the key
// itself is the credential.
func (s *Service) ActivateKey(
	ctx context.Context, keyID, fingerprint string,
) (*keys.ActivationResult, error) {
	res, err := s.keys.Activate(ctx, keyID, fingerprint)

	metrics.RecordActivation(activationLabel(res, err))

	return res, err
}

// ValidateKey is a read-only status check.
func (s *Service) ValidateKey(ctx context.Context, keyID string) (*keys.KeyStatus, error) {
	return s.keys.Validate(ctx, keyID)
}

func activationLabel(res *keys.ActivationResult, err error) string {
	switch {
	case err == nil && res.NewDevice:
		return "added"
	case err == nil:
		return "repeated"
	case errors.Is(err, domain.ErrCapacityExceeded):
		return "full"
	case errors.Is(err, domain.ErrInactive):
		return "inactive"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidRequest):
		return "invalid"
	default:
		return "error"
	}
}

// QuoteRequest asks for the price of a key.
type QuoteRequest struct {
	ServiceID     string
	GameID        string
	DurationHours int
	Devices       int
}

// Quote prices a key without creating it.
func (s *Service) Quote(
	ctx context.Context, p *domain.Principal, req QuoteRequest,
) (*pricing.Quote, error) {
	if err := s.require(ctx, p, authz.ResourcePricing, authz.ActionRead); err != nil {
		return nil, err
	}

	return s.pricing.Quote(ctx, req.ServiceID, req.GameID, req.DurationHours, req.Devices)
}

// PricingTiers lists every tier.
func (s *Service) PricingTiers(ctx context.Context, p *domain.Principal) ([]pricing.Tier, error) {
	if err := s.require(ctx, p, authz.ResourcePricing, authz.ActionRead); err != nil {
		return nil, err
	}

	return s.pricing.Tiers(ctx)
}

// UpsertPricingTier creates or reprices a tier.
func (s *Service) UpsertPricingTier(
	ctx context.Context, p *domain.Principal, tier pricing.Tier,
) (pricing.Tier, error) {
	if err := s.require(ctx, p, authz.ResourcePricing, authz.ActionUpdate); err != nil {
		return pricing.Tier{}, err
	}

	return s.pricing.UpsertTier(ctx, tier)
}

// DeletePricingTier removes a tier.
func (s *Service) DeletePricingTier(ctx context.Context, p *domain.Principal, id uint) error {
	if err := s.require(ctx, p, authz.ResourcePricing, authz.ActionUpdate); err != nil {
		return err
	}

	return s.pricing.DeleteTier(ctx, id)
}
