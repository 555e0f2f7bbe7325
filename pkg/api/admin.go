package api

import (
	"net/http"
	"strconv"

	"github.com/ethpandaops/keygate/pkg/domain"
	"github.com/ethpandaops/keygate/pkg/pricing"
	"github.com/ethpandaops/keygate/pkg/service"
	"github.com/go-chi/chi/v5"
)

// --- User management ---

// handleListUsers returns the users of an organization.
func (s *server) handleListUsers(
	w http.ResponseWriter, r *http.Request,
) {
	users, err := s.svc.ListUsers(
		r.Context(), principalFromContext(r.Context()),
		r.URL.Query().Get("organization_id"),
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, users)
}

// handleGetUser returns a user with lockout state and trusted devices.
func (s *server) handleGetUser(
	w http.ResponseWriter, r *http.Request,
) {
	detail, err := s.svc.GetUser(
		r.Context(), principalFromContext(r.Context()), chi.URLParam(r, "id"),
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, detail)
}

// handleCreateUser creates an admin-sourced user.
func (s *server) handleCreateUser(
	w http.ResponseWriter, r *http.Request,
) {
	var req service.CreateUserInput
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)

		return
	}

	user, err := s.svc.CreateUser(r.Context(), principalFromContext(r.Context()), req)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, user)
}

// handleUpdateUser updates a user's password, status or roles.
func (s *server) handleUpdateUser(
	w http.ResponseWriter, r *http.Request,
) {
	var req service.UpdateUserInput
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)

		return
	}

	user, err := s.svc.UpdateUser(
		r.Context(), principalFromContext(r.Context()), chi.URLParam(r, "id"), req,
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, user)
}

// handleDeleteUser deletes a user.
func (s *server) handleDeleteUser(
	w http.ResponseWriter, r *http.Request,
) {
	if err := s.svc.DeleteUser(
		r.Context(), principalFromContext(r.Context()), chi.URLParam(r, "id"),
	); err != nil {
		s.writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleUnlockUser lifts a user's lockout.
func (s *server) handleUnlockUser(
	w http.ResponseWriter, r *http.Request,
) {
	if err := s.svc.UnlockUser(
		r.Context(), principalFromContext(r.Context()), chi.URLParam(r, "id"),
	); err != nil {
		s.writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleRevokeTrustedDevice forgets one of a user's trusted devices.
func (s *server) handleRevokeTrustedDevice(
	w http.ResponseWriter, r *http.Request,
) {
	if err := s.svc.RevokeTrustedDevice(
		r.Context(), principalFromContext(r.Context()),
		chi.URLParam(r, "id"), chi.URLParam(r, "fingerprint"),
	); err != nil {
		s.writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Roles ---

// handleListRoles returns every role with its permissions.
func (s *server) handleListRoles(
	w http.ResponseWriter, r *http.Request,
) {
	roles, err := s.svc.ListRoles(r.Context(), principalFromContext(r.Context()))
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, roles)
}

type upsertRoleRequest struct {
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

// handleUpsertRole creates or replaces the role named in the path.
func (s *server) handleUpsertRole(
	w http.ResponseWriter, r *http.Request,
) {
	var req upsertRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)

		return
	}

	role, err := s.svc.UpsertRole(r.Context(), principalFromContext(r.Context()), service.RoleInput{
		Name:        chi.URLParam(r, "name"),
		Description: req.Description,
		Permissions: req.Permissions,
	})
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, role)
}

// handleDeleteRole removes a role.
func (s *server) handleDeleteRole(
	w http.ResponseWriter, r *http.Request,
) {
	if err := s.svc.DeleteRole(
		r.Context(), principalFromContext(r.Context()), chi.URLParam(r, "name"),
	); err != nil {
		s.writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Pricing tiers ---

// handleListPricingTiers returns every pricing tier.
func (s *server) handleListPricingTiers(
	w http.ResponseWriter, r *http.Request,
) {
	tiers, err := s.svc.PricingTiers(r.Context(), principalFromContext(r.Context()))
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, tiers)
}

// handleUpsertPricingTier creates or reprices a tier.
func (s *server) handleUpsertPricingTier(
	w http.ResponseWriter, r *http.Request,
) {
	var req pricing.Tier
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)

		return
	}

	tier, err := s.svc.UpsertPricingTier(r.Context(), principalFromContext(r.Context()), req)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, tier)
}

// handleDeletePricingTier removes a tier.
func (s *server) handleDeletePricingTier(
	w http.ResponseWriter, r *http.Request,
) {
	id, err := parseIDParam(r)
	if err != nil {
		s.writeError(w, err)

		return
	}

	if err := s.svc.DeletePricingTier(
		r.Context(), principalFromContext(r.Context()), id,
	); err != nil {
		s.writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// parseIDParam extracts and parses the numeric "id" URL parameter.
func parseIDParam(r *http.Request) (uint, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, domain.InvalidRequest("invalid id")
	}

	return uint(id), nil
}
