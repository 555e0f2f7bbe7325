package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethpandaops/keygate/pkg/config"
	"gorm.io/gorm"
)

// --- Pricing tiers ---

func (s *store) ListPricingTiers(ctx context.Context) ([]PricingTier, error) {
	var tiers []PricingTier
	if err := s.db.WithContext(ctx).
		Order("service_id ASC, game_id ASC, duration_hours ASC").
		Find(&tiers).Error; err != nil {
		return nil, wrapErr("listing pricing tiers", err)
	}

	return tiers, nil
}

// UpsertPricingTier creates or reprices the tier identified by
// (service, game, duration).
func (s *store) UpsertPricingTier(
	ctx context.Context, tier *PricingTier,
) error {
	tier.Currency = strings.ToUpper(tier.Currency)

	result := s.db.WithContext(ctx).
		Where("service_id = ? AND game_id = ? AND duration_hours = ?",
			tier.ServiceID, tier.GameID, tier.DurationHours).
		Assign(map[string]any{
			"price_per_device": tier.PricePerDevice,
			"currency":         tier.Currency,
		}).
		FirstOrCreate(tier)
	if result.Error != nil {
		return wrapErr("upserting pricing tier", result.Error)
	}

	return nil
}

func (s *store) DeletePricingTier(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Delete(&PricingTier{}, id)
	if result.Error != nil {
		return wrapErr("deleting pricing tier", result.Error)
	}

	if result.RowsAffected == 0 {
		return wrapErr("deleting pricing tier", gorm.ErrRecordNotFound)
	}

	return nil
}

// SeedPricingTiers upserts the configured tiers.
func (s *store) SeedPricingTiers(
	ctx context.Context, tiers []config.PricingTierConfig,
) error {
	for _, t := range tiers {
		tier := &PricingTier{
			ServiceID:      t.ServiceID,
			GameID:         t.GameID,
			DurationHours:  t.DurationHours,
			PricePerDevice: t.PricePerDevice,
			Currency:       t.Currency,
		}

		if err := s.UpsertPricingTier(ctx, tier); err != nil {
			return fmt.Errorf(
				"seeding pricing tier %s/%s/%dh: %w",
				t.ServiceID, t.GameID, t.DurationHours, err,
			)
		}
	}

	if len(tiers) > 0 {
		s.log.WithField("count", len(tiers)).Info("Seeded pricing tiers from config")
	}

	return nil
}
