package store

import (
	"context"
	"time"

	"gorm.io/gorm/clause"
)

// --- Lockout state ---

func (s *store) GetLockoutState(
	ctx context.Context, userID string,
) (*LockoutState, error) {
	var state LockoutState
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&state).Error; err != nil {
		return nil, wrapErr("getting lockout state", err)
	}

	return &state, nil
}

// SwapLockoutState writes next only if the stored row still matches prev.
// A nil prev means no row was observed; the insert then loses to any
// concurrent insert. Inserts take a time-derived version so a row that is
// deleted and recreated never repeats a version seen before. On success
// next.Version holds the new version.
func (s *store) SwapLockoutState(
	ctx context.Context, prev, next *LockoutState,
) (bool, error) {
	if prev == nil {
		next.Version = time.Now().UnixNano()

		result := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(next)
		if result.Error != nil {
			return false, wrapErr("inserting lockout state", result.Error)
		}

		return result.RowsAffected == 1, nil
	}

	result := s.db.WithContext(ctx).
		Model(&LockoutState{}).
		Where("user_id = ? AND version = ?", prev.UserID, prev.Version).
		Updates(map[string]any{
			"failed_attempts": next.FailedAttempts,
			"window_start":    next.WindowStart,
			"locked_until":    next.LockedUntil,
			"version":         prev.Version + 1,
		})
	if result.Error != nil {
		return false, wrapErr("updating lockout state", result.Error)
	}

	if result.RowsAffected == 0 {
		return false, nil
	}

	next.Version = prev.Version + 1

	return true, nil
}

func (s *store) DeleteLockoutState(ctx context.Context, userID string) error {
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&LockoutState{}).Error; err != nil {
		return wrapErr("deleting lockout state", err)
	}

	return nil
}

// DeleteLockoutStateVersion deletes the row only while it still has the
// given version. A missing row counts as deleted.
func (s *store) DeleteLockoutStateVersion(
	ctx context.Context, userID string, version int64,
) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND version = ?", userID, version).
		Delete(&LockoutState{})
	if result.Error != nil {
		return false, wrapErr("deleting lockout state", result.Error)
	}

	if result.RowsAffected == 1 {
		return true, nil
	}

	var count int64
	if err := s.db.WithContext(ctx).
		Model(&LockoutState{}).
		Where("user_id = ?", userID).
		Count(&count).Error; err != nil {
		return false, wrapErr("counting lockout state", err)
	}

	return count == 0, nil
}
