package api

import (
	"encoding/json"
	"net/http"
	"time"

	"streamgate/internal/database"
)

// ModRequest targets a participant in a room. Room carries the media room
// name ("<slug>-room") as announced to clients; it is normalized back to
// the canonical slug before lookup. Identity is the in-room session
// identity, Username optionally names the target's account; moderation
// state is keyed by the latter when it can be determined.
type ModRequest struct {
	Room     string `json:"room"`
	Identity string `json:"identity"`
	Username string `json:"username"`
	Minutes  int    `json:"minutes"`
}

func (s *Server) decodeModRequest(w http.ResponseWriter, r *http.Request) (database.Account, ModRequest, bool) {
	account, ok := AccountFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return database.Account{}, ModRequest{}, false
	}

	var req ModRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return database.Account{}, ModRequest{}, false
	}

	if req.Room == "" || req.Identity == "" {
		errResp := NewValidationError("room and identity are required")
		s.writeJson(w, errResp.StatusCode, errResp)
		return database.Account{}, ModRequest{}, false
	}

	return account, req, true
}

func (s *Server) modKick(w http.ResponseWriter, r *http.Request) {
	account, req, ok := s.decodeModRequest(w, r)
	if !ok {
		return
	}

	if err := s.mods.Kick(r.Context(), account, req.Room, req.Identity); err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) modBan(w http.ResponseWriter, r *http.Request) {
	account, req, ok := s.decodeModRequest(w, r)
	if !ok {
		return
	}

	if err := s.mods.Ban(r.Context(), account, req.Room, req.Identity, req.Username); err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) modTimeout(w http.ResponseWriter, r *http.Request) {
	account, req, ok := s.decodeModRequest(w, r)
	if !ok {
		return
	}

	until, err := s.mods.Timeout(r.Context(), account, req.Room, req.Identity, req.Username, req.Minutes)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{
		"status": "ok",
		"until":  until.UTC().Format(time.RFC3339),
	})
}

func (s *Server) modUnban(w http.ResponseWriter, r *http.Request) {
	account, req, ok := s.decodeModRequest(w, r)
	if !ok {
		return
	}

	if err := s.mods.Unban(account, req.Room, req.Identity, req.Username); err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) modAdd(w http.ResponseWriter, r *http.Request) {
	account, req, ok := s.decodeModRequest(w, r)
	if !ok {
		return
	}

	if err := s.mods.AddModerator(account, req.Room, req.Identity, req.Username); err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) modRemove(w http.ResponseWriter, r *http.Request) {
	account, req, ok := s.decodeModRequest(w, r)
	if !ok {
		return
	}

	removed, err := s.mods.RemoveModerator(account, req.Room, req.Identity, req.Username)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"removed": removed,
	})
}
