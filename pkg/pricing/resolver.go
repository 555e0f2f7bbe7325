// Package pricing resolves per-device prices for gaming keys.
package pricing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethpandaops/keygate/pkg/domain"
	"github.com/ethpandaops/keygate/pkg/store"
	"github.com/sirupsen/logrus"
)

// TierStore is the persistence the resolver reads and administers.
type TierStore interface {
	ListPricingTiers(ctx context.Context) ([]store.PricingTier, error)
	UpsertPricingTier(ctx context.Context, tier *store.PricingTier) error
	DeletePricingTier(ctx context.Context, id uint) error
}

// Tier is a resolved price point. PricePerDevice is in minor units.
type Tier struct {
	ID             uint   `json:"id"`
	ServiceID      string `json:"service_id"`
	GameID         string `json:"game_id,omitempty"`
	DurationHours  int    `json:"duration_hours"`
	PricePerDevice int64  `json:"price_per_device"`
	Currency       string `json:"currency"`
}

// Quote is the price of a key for a device count.
type Quote struct {
	Tier       Tier   `json:"tier"`
	Devices    int    `json:"devices"`
	UnitPrice  int64  `json:"unit_price"`
	TotalPrice int64  `json:"total_price"`
	Currency   string `json:"currency"`
}

// Resolver looks up pricing tiers from an in-memory snapshot that is
// dropped whenever a tier changes.
type Resolver interface {
	// Resolve returns the game-specific tier when one exists, else the
	// service-wide tier. It fails with domain.ErrInvalidPricing otherwise.
	Resolve(ctx context.Context, serviceID, gameID string, durationHours int) (Tier, error)
	Quote(ctx context.Context, serviceID, gameID string, durationHours, devices int) (*Quote, error)
	Tiers(ctx context.Context) ([]Tier, error)
	UpsertTier(ctx context.Context, tier Tier) (Tier, error)
	DeleteTier(ctx context.Context, id uint) error
	Invalidate()
}

// Compile-time interface check.
var _ Resolver = (*resolver)(nil)

type tierKey struct {
	serviceID     string
	gameID        string
	durationHours int
}

type snapshot struct {
	tiers map[tierKey]Tier
	list  []Tier
}

type resolver struct {
	log   logrus.FieldLogger
	store TierStore
	snap  atomic.Pointer[snapshot]
	gen   atomic.Uint64
	mu    sync.Mutex
}

// NewResolver creates a Resolver backed by s.
func NewResolver(log logrus.FieldLogger, s TierStore) Resolver {
	return &resolver{
		log:   log.WithField("component", "pricing"),
		store: s,
	}
}

func (r *resolver) Resolve(
	ctx context.Context, serviceID, gameID string, durationHours int,
) (Tier, error) {
	snap, err := r.current(ctx)
	if err != nil {
		return Tier{}, err
	}

	if gameID != "" {
		if t, ok := snap.tiers[tierKey{serviceID, gameID, durationHours}]; ok {
			return t, nil
		}
	}

	if t, ok := snap.tiers[tierKey{serviceID, "", durationHours}]; ok {
		return t, nil
	}

	return Tier{}, fmt.Errorf(
		"%w: service %q game %q duration %dh",
		domain.ErrInvalidPricing, serviceID, gameID, durationHours,
	)
}

func (r *resolver) Quote(
	ctx context.Context, serviceID, gameID string, durationHours, devices int,
) (*Quote, error) {
	if devices <= 0 {
		return nil, domain.InvalidRequest("devices must be positive")
	}

	if durationHours <= 0 {
		return nil, domain.InvalidRequest("duration_hours must be positive")
	}

	tier, err := r.Resolve(ctx, serviceID, gameID, durationHours)
	if err != nil {
		return nil, err
	}

	return &Quote{
		Tier:       tier,
		Devices:    devices,
		UnitPrice:  tier.PricePerDevice,
		TotalPrice: tier.PricePerDevice * int64(devices),
		Currency:   tier.Currency,
	}, nil
}

func (r *resolver) Tiers(ctx context.Context) ([]Tier, error) {
	snap, err := r.current(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Tier, len(snap.list))
	copy(out, snap.list)

	return out, nil
}

func (r *resolver) UpsertTier(ctx context.Context, tier Tier) (Tier, error) {
	if tier.ServiceID == "" {
		return Tier{}, domain.InvalidRequest("service_id is required")
	}

	if tier.DurationHours <= 0 || tier.PricePerDevice <= 0 {
		return Tier{}, domain.InvalidRequest(
			"duration_hours and price_per_device must be positive",
		)
	}

	if len(tier.Currency) != 3 {
		return Tier{}, domain.InvalidRequest("currency must be a 3-letter code")
	}

	row := &store.PricingTier{
		ServiceID:      tier.ServiceID,
		GameID:         tier.GameID,
		DurationHours:  tier.DurationHours,
		PricePerDevice: tier.PricePerDevice,
		Currency:       tier.Currency,
	}

	if err := r.store.UpsertPricingTier(ctx, row); err != nil {
		return Tier{}, fmt.Errorf("upserting tier: %w", err)
	}

	r.Invalidate()

	r.log.WithFields(logrus.Fields{
		"service_id":     row.ServiceID,
		"game_id":        row.GameID,
		"duration_hours": row.DurationHours,
	}).Info("Pricing tier updated")

	return fromRow(*row), nil
}

func (r *resolver) DeleteTier(ctx context.Context, id uint) error {
	if err := r.store.DeletePricingTier(ctx, id); err != nil {
		return fmt.Errorf("deleting tier: %w", err)
	}

	r.Invalidate()

	r.log.WithField("tier_id", id).Info("Pricing tier deleted")

	return nil
}

func (r *resolver) Invalidate() {
	r.gen.Add(1)
	r.snap.Store(nil)
}

func (r *resolver) current(ctx context.Context) (*snapshot, error) {
	if snap := r.snap.Load(); snap != nil {
		return snap, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if snap := r.snap.Load(); snap != nil {
		return snap, nil
	}

	gen := r.gen.Load()

	rows, err := r.store.ListPricingTiers(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading pricing tiers: %w", err)
	}

	snap := &snapshot{
		tiers: make(map[tierKey]Tier, len(rows)),
		list:  make([]Tier, 0, len(rows)),
	}

	for _, row := range rows {
		t := fromRow(row)
		snap.tiers[tierKey{t.ServiceID, t.GameID, t.DurationHours}] = t
		snap.list = append(snap.list, t)
	}

	// Cache only if no tier changed during the load.
	if r.gen.Load() == gen {
		r.snap.Store(snap)
	}

	r.log.WithField("tiers", len(rows)).Debug("Pricing tiers loaded")

	return snap, nil
}

func fromRow(row store.PricingTier) Tier {
	return Tier{
		ID:             row.ID,
		ServiceID:      row.ServiceID,
		GameID:         row.GameID,
		DurationHours:  row.DurationHours,
		PricePerDevice: row.PricePerDevice,
		Currency:       row.Currency,
	}
}
