package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethpandaops/keygate/pkg/domain"
	"github.com/ethpandaops/keygate/pkg/keys"
	"github.com/ethpandaops/keygate/pkg/service"
	"github.com/go-chi/chi/v5"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.InvalidRequest("invalid request body")
	}

	return nil
}

// writeError maps a domain error to its HTTP status. Only unexpected
// failures are logged; their details never reach the client.
func (s *server) writeError(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)

	if status >= http.StatusInternalServerError {
		s.log.WithError(err).Error("Request failed")
	}

	writeJSON(w, status, errorResponse{msg})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrUnavailable):
		return http.StatusServiceUnavailable, domain.ErrUnavailable.Error()
	case errors.Is(err, domain.ErrInvalidCredentials):
		return http.StatusUnauthorized, domain.ErrInvalidCredentials.Error()
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized, err.Error()
	case errors.Is(err, domain.ErrLockedOut):
		return http.StatusLocked, domain.ErrLockedOut.Error()
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, domain.ErrForbidden.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, domain.ErrNotFound.Error()
	case errors.Is(err, domain.ErrAlreadyResolved),
		errors.Is(err, domain.ErrCapacityExceeded):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrInactive), errors.Is(err, domain.ErrExpired):
		return http.StatusGone, err.Error()
	case errors.Is(err, domain.ErrInvalidPricing):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, domain.InvalidRequest("%s must be an integer", name)
	}

	return n, nil
}

// --- Public handlers ---

// handleHealth reports whether the database is reachable.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Health(r.Context()); err != nil {
		s.log.WithError(err).Warn("Health check failed")
		writeJSON(w, http.StatusServiceUnavailable,
			map[string]string{"status": "unavailable"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Auth handlers ---

type loginRequest struct {
	Username          string `json:"username"`
	Password          string `json:"password"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
}

// handleLogin authenticates credentials. Admitted logins get a token
// pair; logins from unfamiliar devices get a pending request to poll.
func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)

		return
	}

	fingerprint := req.DeviceFingerprint
	if fingerprint == "" {
		fingerprint = r.Header.Get("X-Device-Fingerprint")
	}

	res, err := s.svc.Login(r.Context(), service.LoginInput{
		Username: req.Username,
		Password: req.Password,
		Device: domain.DeviceContext{
			Fingerprint: fingerprint,
			IPAddress:   extractIP(r),
			UserAgent:   r.UserAgent(),
		},
	})
	if err != nil {
		s.writeError(w, err)

		return
	}

	status := http.StatusOK
	if res.Status == service.LoginPendingApproval {
		status = http.StatusAccepted
	}

	writeJSON(w, status, res)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// handleRefresh exchanges a refresh token for a new access token.
func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)

		return
	}

	tok, err := s.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, tok)
}

// handleMe returns the authenticated principal and its permissions.
func (s *server) handleMe(w http.ResponseWriter, r *http.Request) {
	id, err := s.svc.Me(r.Context(), principalFromContext(r.Context()))
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, id)
}

// handleLoginStatus lets a pending client poll its login request.
func (s *server) handleLoginStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.LoginStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, st)
}

// --- Login approval handlers ---

// handleListPendingLogins returns the approval queue.
func (s *server) handleListPendingLogins(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.svc.ListPendingLogins(
		r.Context(), principalFromContext(r.Context()),
		r.URL.Query().Get("organization_id"),
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, reqs)
}

// handleApproveLogin approves a pending login request.
func (s *server) handleApproveLogin(w http.ResponseWriter, r *http.Request) {
	req, err := s.svc.ApproveLogin(
		r.Context(), principalFromContext(r.Context()), chi.URLParam(r, "id"),
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, req)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// handleRejectLogin rejects a pending login request. The body is optional.
func (s *server) handleRejectLogin(w http.ResponseWriter, r *http.Request) {
	var body rejectRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			s.writeError(w, err)

			return
		}
	}

	req, err := s.svc.RejectLogin(
		r.Context(), principalFromContext(r.Context()),
		chi.URLParam(r, "id"), body.Reason,
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, req)
}

// --- Key handlers ---

// handleGenerateKeys creates one key or a batch.
func (s *server) handleGenerateKeys(w http.ResponseWriter, r *http.Request) {
	var req keys.GenerateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)

		return
	}

	res, err := s.svc.GenerateKeys(r.Context(), principalFromContext(r.Context()), req)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, res)
}

// handleListKeys lists keys with optional filters.
func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, err)

		return
	}

	offset, err := queryInt(r, "offset")
	if err != nil {
		s.writeError(w, err)

		return
	}

	activeOnly, _ := strconv.ParseBool(q.Get("active"))

	list, err := s.svc.ListKeys(r.Context(), principalFromContext(r.Context()), service.KeyQuery{
		OrganizationID: q.Get("organization_id"),
		ServiceID:      q.Get("service_id"),
		BatchID:        q.Get("batch_id"),
		ActiveOnly:     activeOnly,
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, list)
}

// handleGetKey returns one key.
func (s *server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.svc.GetKey(
		r.Context(), principalFromContext(r.Context()), chi.URLParam(r, "keyId"),
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, key)
}

// handleKeyDevices lists devices bound to a key.
func (s *server) handleKeyDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.svc.KeyDevices(
		r.Context(), principalFromContext(r.Context()), chi.URLParam(r, "keyId"),
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, devices)
}

// handleRevokeKey deactivates a key.
func (s *server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.svc.RevokeKey(
		r.Context(), principalFromContext(r.Context()), chi.URLParam(r, "keyId"),
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, key)
}

type activateRequest struct {
	DeviceFingerprint string `json:"device_fingerprint"`
}

// handleActivateKey binds the calling device to a key.
func (s *server) handleActivateKey(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)

		return
	}

	res, err := s.svc.ActivateKey(r.Context(), chi.URLParam(r, "keyId"), req.DeviceFingerprint)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, res)
}

// handleValidateKey reports whether a key can still be used.
func (s *server) handleValidateKey(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.ValidateKey(r.Context(), chi.URLParam(r, "keyId"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, st)
}

// --- Pricing handlers ---

// handleQuote prices a key without creating it.
func (s *server) handleQuote(w http.ResponseWriter, r *http.Request) {
	hours, err := queryInt(r, "duration_hours")
	if err != nil {
		s.writeError(w, err)

		return
	}

	devices, err := queryInt(r, "devices")
	if err != nil {
		s.writeError(w, err)

		return
	}

	quote, err := s.svc.Quote(r.Context(), principalFromContext(r.Context()), service.QuoteRequest{
		ServiceID:     r.URL.Query().Get("service_id"),
		GameID:        r.URL.Query().Get("game_id"),
		DurationHours: hours,
		Devices:       devices,
	})
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, quote)
}
