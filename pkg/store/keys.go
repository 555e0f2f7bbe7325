package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// KeyFilter narrows ListGamingKeys.
type KeyFilter struct {
	OrganizationID string
	ServiceID      string
	BatchID        string
	ActiveOnly     bool
	Limit          int
	Offset         int
}

// ActivationOutcome is the result of a single activation attempt.
type ActivationOutcome int

// Activation outcomes.
const (
	// ActivationAdded consumed a new device slot.
	ActivationAdded ActivationOutcome = iota
	// ActivationRepeated matched a device that already holds a slot.
	ActivationRepeated
	// ActivationFull found every slot taken.
	ActivationFull
	// ActivationInactive found the key revoked or already expired.
	ActivationInactive
	// ActivationExpired discovered the expiry and deactivated the key.
	ActivationExpired
)

// Activation carries the outcome and the key as it stood afterwards.
type Activation struct {
	Outcome ActivationOutcome
	Key     GamingKey
}

var errKeyFull = errors.New("no device slot left")

// --- Gaming keys ---

// CreateGamingKeys inserts every key in one transaction.
func (s *store) CreateGamingKeys(
	ctx context.Context, keys []*GamingKey,
) error {
	if len(keys) == 0 {
		return nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(keys, 100).Error
	})

	return wrapErr("creating gaming keys", err)
}

func (s *store) GetGamingKey(
	ctx context.Context, keyID string,
) (*GamingKey, error) {
	var key GamingKey
	if err := s.db.WithContext(ctx).
		Where("key_id = ?", keyID).
		First(&key).Error; err != nil {
		return nil, wrapErr("getting gaming key", err)
	}

	return &key, nil
}

func (s *store) GamingKeyExists(
	ctx context.Context, keyID string,
) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&GamingKey{}).
		Where("key_id = ?", keyID).
		Count(&count).Error; err != nil {
		return false, wrapErr("checking gaming key", err)
	}

	return count > 0, nil
}

func (s *store) ListGamingKeys(
	ctx context.Context, filter KeyFilter,
) ([]GamingKey, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC, key_id ASC")

	if filter.OrganizationID != "" {
		q = q.Where("organization_id = ?", filter.OrganizationID)
	}

	if filter.ServiceID != "" {
		q = q.Where("service_id = ?", filter.ServiceID)
	}

	if filter.BatchID != "" {
		q = q.Where("batch_id = ?", filter.BatchID)
	}

	if filter.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}

	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var keys []GamingKey
	if err := q.Find(&keys).Error; err != nil {
		return nil, wrapErr("listing gaming keys", err)
	}

	return keys, nil
}

// ActivateGamingKey binds fingerprint to the key in a single transaction.
// The device usage row is inserted first; if the device was new, the slot
// counter is bumped with an UPDATE guarded by the capacity and active
// checks, and a miss rolls the insert back.
func (s *store) ActivateGamingKey(
	ctx context.Context, keyID, fingerprint string, now time.Time,
) (*Activation, error) {
	act := &Activation{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var key GamingKey
		if err := tx.Where("key_id = ?", keyID).First(&key).Error; err != nil {
			return err
		}

		if !key.IsActive {
			act.Outcome = ActivationInactive
			act.Key = key

			return nil
		}

		if !now.Before(key.ExpiresAt) {
			if err := tx.Model(&GamingKey{}).
				Where("key_id = ?", keyID).
				Update("is_active", false).Error; err != nil {
				return err
			}

			key.IsActive = false
			act.Outcome = ActivationExpired
			act.Key = key

			return nil
		}

		usage := DeviceUsage{
			KeyID:             keyID,
			DeviceFingerprint: fingerprint,
			FirstUsedAt:       now,
			LastUsedAt:        now,
		}

		inserted := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&usage)
		if inserted.Error != nil {
			return inserted.Error
		}

		if inserted.RowsAffected == 0 {
			if err := tx.Model(&DeviceUsage{}).
				Where("key_id = ? AND device_fingerprint = ?", keyID, fingerprint).
				Update("last_used_at", now).Error; err != nil {
				return err
			}

			if err := tx.Model(&GamingKey{}).
				Where("key_id = ?", keyID).
				Update("last_used_at", now).Error; err != nil {
				return err
			}

			act.Outcome = ActivationRepeated
		} else {
			result := tx.Model(&GamingKey{}).
				Where("key_id = ? AND is_active = ? AND device_usage_count < max_devices",
					keyID, true).
				Updates(map[string]any{
					"device_usage_count": gorm.Expr("device_usage_count + 1"),
					"usage_count":        gorm.Expr("usage_count + 1"),
					"last_used_at":       now,
				})
			if result.Error != nil {
				return result.Error
			}

			if result.RowsAffected == 0 {
				return errKeyFull
			}

			act.Outcome = ActivationAdded
		}

		return tx.Where("key_id = ?", keyID).First(&act.Key).Error
	})

	if errors.Is(err, errKeyFull) {
		key, getErr := s.GetGamingKey(ctx, keyID)
		if getErr != nil {
			return nil, getErr
		}

		act.Outcome = ActivationFull
		if !key.IsActive {
			act.Outcome = ActivationInactive
		}

		act.Key = *key

		return act, nil
	}

	if err != nil {
		return nil, wrapErr("activating gaming key", err)
	}

	return act, nil
}

// RevokeGamingKey deactivates the key permanently. Revoking twice is a
// no-op that reports false.
func (s *store) RevokeGamingKey(
	ctx context.Context, keyID string, now time.Time,
) (bool, error) {
	var revoked bool

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var key GamingKey
		if err := tx.Where("key_id = ?", keyID).First(&key).Error; err != nil {
			return err
		}

		result := tx.Model(&GamingKey{}).
			Where("key_id = ? AND revoked_at IS NULL", keyID).
			Updates(map[string]any{
				"is_active":  false,
				"revoked_at": now,
			})
		if result.Error != nil {
			return result.Error
		}

		revoked = result.RowsAffected == 1

		return nil
	})
	if err != nil {
		return false, wrapErr("revoking gaming key", err)
	}

	return revoked, nil
}

// ExpireGamingKey flips a key inactive after its expiry was observed.
func (s *store) ExpireGamingKey(
	ctx context.Context, keyID string,
) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&GamingKey{}).
		Where("key_id = ? AND is_active = ?", keyID, true).
		Update("is_active", false)
	if result.Error != nil {
		return false, wrapErr("expiring gaming key", result.Error)
	}

	return result.RowsAffected == 1, nil
}

// ExpireGamingKeys flips every overdue active key inactive.
func (s *store) ExpireGamingKeys(
	ctx context.Context, now time.Time,
) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&GamingKey{}).
		Where("is_active = ? AND expires_at <= ?", true, now).
		Update("is_active", false)
	if result.Error != nil {
		return 0, wrapErr("expiring gaming keys", result.Error)
	}

	if result.RowsAffected > 0 {
		s.log.WithField("count", result.RowsAffected).
			Debug("Expired overdue gaming keys")
	}

	return result.RowsAffected, nil
}

func (s *store) ListDeviceUsage(
	ctx context.Context, keyID string,
) ([]DeviceUsage, error) {
	var usage []DeviceUsage
	if err := s.db.WithContext(ctx).
		Where("key_id = ?", keyID).
		Order("first_used_at ASC, id ASC").
		Find(&usage).Error; err != nil {
		return nil, wrapErr("listing device usage", err)
	}

	return usage, nil
}
