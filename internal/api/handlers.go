package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"streamgate/internal/access"
	"streamgate/internal/database"
	"streamgate/internal/mediaserver"
	"streamgate/internal/moderation"
	"streamgate/internal/payments"
	"streamgate/internal/rooms"
	"streamgate/internal/wallet"
)

type MediaTokenRequest struct {
	RoomSlug string `json:"room_slug"`
	Secret   string `json:"secret"`
}

type MediaTokenResponse struct {
	Token        string    `json:"token"`
	Identity     string    `json:"identity"`
	RoomName     string    `json:"room_name"`
	RoomSlug     string    `json:"room_slug"`
	Subject      string    `json:"subject"`
	CanPublish   bool      `json:"can_publish"`
	CanSubscribe bool      `json:"can_subscribe"`
	CanChat      bool      `json:"can_chat"`
	ExpiresAt    time.Time `json:"expires_at"`
	Paid         bool      `json:"paid"`
	NewBalance   *int      `json:"new_balance,omitempty"`
}

type UpdateAccessRequest struct {
	Slug   string `json:"slug"`
	Mode   string `json:"mode"`
	Secret string `json:"secret"`
	Price  int    `json:"price"`
}

type SetSubjectRequest struct {
	Slug    string `json:"slug"`
	Subject string `json:"subject"`
}

func (s *Server) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorw("json encode", "error", err)
	}
}

// writeDomainError translates domain errors into the JSON error envelope.
// Unknown errors become opaque 500s; their detail goes to the log only.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var errResp *ApiError

	var forbidden *access.ForbiddenError
	var payRequired *access.PaymentRequiredError

	switch {
	case errors.As(err, &forbidden):
		remaining := int(math.Ceil(forbidden.Remaining.Seconds()))
		if remaining < 0 {
			remaining = 0
		}
		errResp = NewAccessDeniedError(forbidden.Reason, remaining)
	case errors.As(err, &payRequired):
		errResp = NewPaymentRequiredError(payRequired.Price)
	case errors.Is(err, wallet.ErrInsufficientFunds):
		errResp = NewPaymentRequiredError(0)
	case errors.Is(err, access.ErrRoomNotFound),
		errors.Is(err, wallet.ErrTargetNotFound),
		errors.Is(err, sql.ErrNoRows):
		errResp = NewNotFoundError()
	case errors.Is(err, rooms.ErrNotOwner),
		errors.Is(err, moderation.ErrNotOwner),
		errors.Is(err, moderation.ErrCannotModerateOwner),
		errors.Is(err, moderation.ErrTargetModerator):
		errResp = NewForbiddenError()
	case errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, wallet.ErrSelfTransfer),
		errors.Is(err, rooms.ErrInvalidMode),
		errors.Is(err, rooms.ErrSecretRequired),
		errors.Is(err, rooms.ErrInvalidPrice),
		errors.Is(err, rooms.ErrSubjectTooLong),
		errors.Is(err, moderation.ErrInvalidDuration),
		errors.Is(err, payments.ErrInvalidAmount):
		errResp = NewValidationError(err.Error())
	case errors.Is(err, mediaserver.ErrUpstream),
		errors.Is(err, payments.ErrProvider):
		errResp = NewBadGatewayError(err)
	default:
		s.log.Errorw("request failed", "error", err)
		errResp = NewInternalServerError(err)
	}

	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *Server) mediaToken(w http.ResponseWriter, r *http.Request) {
	var req MediaTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var account *database.Account
	if a, ok := AccountFrom(r.Context()); ok {
		account = &a
	}

	decision, err := s.engine.Decide(access.Request{
		Account:  account,
		RoomSlug: req.RoomSlug,
		Secret:   req.Secret,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	resp := MediaTokenResponse{
		Token:        decision.Token,
		Identity:     decision.Identity,
		RoomName:     decision.RoomName,
		RoomSlug:     decision.RoomSlug,
		Subject:      decision.Subject,
		CanPublish:   decision.CanPublish,
		CanSubscribe: decision.CanSubscribe,
		CanChat:      decision.CanChat,
		ExpiresAt:    decision.ExpiresAt,
		Paid:         decision.Paid,
	}
	if decision.Paid {
		balance := decision.NewBalance
		resp.NewBalance = &balance
	}

	s.writeJson(w, http.StatusOK, resp)
}

// ownSlug resolves the slug an owner-gated room mutation applies to: the
// given slug, or the caller's own room (created on first use) when empty.
func (s *Server) ownSlug(account database.Account, slug string) (string, error) {
	if slug != "" {
		return slug, nil
	}

	room, err := s.rooms.GetOrCreateRoom(account)
	if err != nil {
		return "", err
	}

	return room.Slug, nil
}

func (s *Server) updateRoomAccess(w http.ResponseWriter, r *http.Request) {
	account, ok := AccountFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req UpdateAccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	slug, err := s.ownSlug(account, req.Slug)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	room, err := s.rooms.SetAccessPolicy(account, slug, req.Mode, req.Secret, req.Price)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]interface{}{
		"slug":        room.Slug,
		"access_mode": room.AccessMode,
		"token_price": room.TokenPrice,
	})
}

func (s *Server) setRoomSubject(w http.ResponseWriter, r *http.Request) {
	account, ok := AccountFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req SetSubjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	slug, err := s.ownSlug(account, req.Slug)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	subject, err := s.rooms.SetSubject(account, slug, req.Subject)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"subject": subject})
}

func (s *Server) resetRoomSubject(w http.ResponseWriter, r *http.Request) {
	account, ok := AccountFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req SetSubjectRequest
	if r.Body != nil {
		// Body is optional; ignore decode failures on an empty body.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	slug, err := s.ownSlug(account, req.Slug)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	subject, err := s.rooms.SetSubject(account, slug, "")
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"subject": subject})
}

func (s *Server) roomSubject(w http.ResponseWriter, r *http.Request) {
	slug := r.URL.Query().Get("slug")
	if slug == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.rooms.FindBySlug(slug)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{
		"slug":    room.Slug,
		"subject": room.Subject(),
	})
}

func (s *Server) liveStart(w http.ResponseWriter, r *http.Request) {
	account, ok := AccountFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.presence.Heartbeat(r.Context(), account.Username)
	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) liveStop(w http.ResponseWriter, r *http.Request) {
	account, ok := AccountFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.presence.Stop(r.Context(), account.Username)
	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

// liveActive lists everyone currently broadcasting; with a username query
// it answers for that single broadcaster instead.
func (s *Server) liveActive(w http.ResponseWriter, r *http.Request) {
	if username := r.URL.Query().Get("username"); username != "" {
		s.writeJson(w, http.StatusOK, map[string]interface{}{
			"username": username,
			"live":     s.presence.IsLive(r.Context(), username),
		})
		return
	}

	live := s.presence.Live(r.Context())
	if live == nil {
		live = []string{}
	}

	s.writeJson(w, http.StatusOK, map[string]interface{}{"live": live})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(); err != nil {
		s.log.Errorw("health check failed", "error", err)
		s.writeJson(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}
