package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LoginRequestFilter narrows ListLoginRequests.
type LoginRequestFilter struct {
	OrganizationID string
	UserID         string
	Status         string
	Limit          int
}

// errNotApplied aborts a transaction whose guarded update matched no row.
var errNotApplied = errors.New("conditional update not applied")

// --- Login requests ---

// CreatePendingLoginRequest inserts req unless a pending request for the
// same (user, fingerprint) already exists. It reports false on conflict.
func (s *store) CreatePendingLoginRequest(
	ctx context.Context, req *LoginRequest,
) (bool, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	req.Status = LoginStatusPending

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(req)
	if result.Error != nil {
		return false, wrapErr("creating login request", result.Error)
	}

	return result.RowsAffected == 1, nil
}

func (s *store) GetLoginRequest(
	ctx context.Context, id string,
) (*LoginRequest, error) {
	var req LoginRequest
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&req).Error; err != nil {
		return nil, wrapErr("getting login request", err)
	}

	return &req, nil
}

func (s *store) GetPendingLoginRequest(
	ctx context.Context, userID, fingerprint string,
) (*LoginRequest, error) {
	var req LoginRequest
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND device_fingerprint = ? AND status = ?",
			userID, fingerprint, LoginStatusPending).
		First(&req).Error; err != nil {
		return nil, wrapErr("getting pending login request", err)
	}

	return &req, nil
}

func (s *store) ListLoginRequests(
	ctx context.Context, filter LoginRequestFilter,
) ([]LoginRequest, error) {
	q := s.db.WithContext(ctx).Order("created_at ASC")

	if filter.OrganizationID != "" {
		q = q.Where("organization_id = ?", filter.OrganizationID)
	}

	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}

	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var reqs []LoginRequest
	if err := q.Find(&reqs).Error; err != nil {
		return nil, wrapErr("listing login requests", err)
	}

	return reqs, nil
}

// ApproveLoginRequest resolves a live pending request and trusts its
// fingerprint in the same transaction. It reports false when the request
// is no longer pending or has passed its expiry.
func (s *store) ApproveLoginRequest(
	ctx context.Context, id, approverID string, now time.Time,
) (bool, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&LoginRequest{}).
			Where("id = ? AND status = ? AND expires_at > ?",
				id, LoginStatusPending, now).
			Updates(map[string]any{
				"status":      LoginStatusApproved,
				"approved_by": approverID,
				"resolved_at": now,
			})
		if result.Error != nil {
			return result.Error
		}

		if result.RowsAffected == 0 {
			return errNotApplied
		}

		var req LoginRequest
		if err := tx.Where("id = ?", id).First(&req).Error; err != nil {
			return err
		}

		device := TrustedDevice{
			UserID:      req.UserID,
			Fingerprint: req.DeviceFingerprint,
			ApprovedBy:  approverID,
			ApprovedAt:  now,
		}

		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "fingerprint"}},
			DoUpdates: clause.AssignmentColumns(
				[]string{"approved_by", "approved_at"},
			),
		}).Create(&device).Error
	})

	switch {
	case errors.Is(err, errNotApplied):
		return false, nil
	case err != nil:
		return false, wrapErr("approving login request", err)
	}

	return true, nil
}

// RejectLoginRequest resolves a live pending request as rejected.
func (s *store) RejectLoginRequest(
	ctx context.Context, id, reason string, now time.Time,
) (bool, error) {
	updates := map[string]any{
		"status":      LoginStatusRejected,
		"resolved_at": now,
	}

	if reason != "" {
		updates["rejection_reason"] = reason
	}

	result := s.db.WithContext(ctx).
		Model(&LoginRequest{}).
		Where("id = ? AND status = ? AND expires_at > ?",
			id, LoginStatusPending, now).
		Updates(updates)
	if result.Error != nil {
		return false, wrapErr("rejecting login request", result.Error)
	}

	return result.RowsAffected == 1, nil
}

// ExpireLoginRequest marks a single overdue pending request expired.
func (s *store) ExpireLoginRequest(
	ctx context.Context, id string, now time.Time,
) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&LoginRequest{}).
		Where("id = ? AND status = ? AND expires_at <= ?",
			id, LoginStatusPending, now).
		Updates(map[string]any{
			"status":      LoginStatusExpired,
			"resolved_at": now,
		})
	if result.Error != nil {
		return false, wrapErr("expiring login request", result.Error)
	}

	return result.RowsAffected == 1, nil
}

// ExpirePendingLoginRequests marks every overdue pending request expired.
func (s *store) ExpirePendingLoginRequests(
	ctx context.Context, now time.Time,
) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&LoginRequest{}).
		Where("status = ? AND expires_at <= ?", LoginStatusPending, now).
		Updates(map[string]any{
			"status":      LoginStatusExpired,
			"resolved_at": now,
		})
	if result.Error != nil {
		return 0, wrapErr("expiring login requests", result.Error)
	}

	if result.RowsAffected > 0 {
		s.log.WithField("count", result.RowsAffected).
			Debug("Expired pending login requests")
	}

	return result.RowsAffected, nil
}

// --- Trusted devices ---

func (s *store) IsTrustedDevice(
	ctx context.Context, userID, fingerprint string,
) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&TrustedDevice{}).
		Where("user_id = ? AND fingerprint = ?", userID, fingerprint).
		Count(&count).Error; err != nil {
		return false, wrapErr("checking trusted device", err)
	}

	return count > 0, nil
}

// TrustDevice records device as trusted, refreshing the approval fields
// when the pair is already known.
func (s *store) TrustDevice(ctx context.Context, device *TrustedDevice) error {
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "fingerprint"}},
			DoUpdates: clause.AssignmentColumns(
				[]string{"approved_by", "approved_at"},
			),
		}).
		Create(device).Error; err != nil {
		return wrapErr("trusting device", err)
	}

	return nil
}

func (s *store) TouchTrustedDevice(
	ctx context.Context, userID, fingerprint string, now time.Time,
) error {
	if err := s.db.WithContext(ctx).
		Model(&TrustedDevice{}).
		Where("user_id = ? AND fingerprint = ?", userID, fingerprint).
		Update("last_seen_at", now).Error; err != nil {
		return wrapErr("touching trusted device", err)
	}

	return nil
}

func (s *store) CountTrustedDevices(
	ctx context.Context, userID string,
) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&TrustedDevice{}).
		Where("user_id = ?", userID).
		Count(&count).Error; err != nil {
		return 0, wrapErr("counting trusted devices", err)
	}

	return count, nil
}

func (s *store) ListTrustedDevices(
	ctx context.Context, userID string,
) ([]TrustedDevice, error) {
	var devices []TrustedDevice
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("approved_at ASC").
		Find(&devices).Error; err != nil {
		return nil, wrapErr("listing trusted devices", err)
	}

	return devices, nil
}

func (s *store) DeleteTrustedDevice(
	ctx context.Context, userID, fingerprint string,
) error {
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND fingerprint = ?", userID, fingerprint).
		Delete(&TrustedDevice{})
	if result.Error != nil {
		return wrapErr("deleting trusted device", result.Error)
	}

	if result.RowsAffected == 0 {
		return wrapErr("deleting trusted device", gorm.ErrRecordNotFound)
	}

	return nil
}
