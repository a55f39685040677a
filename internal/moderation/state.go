// Package moderation owns per-room ban, timeout and moderator state, and
// the owner-gated command surface that mutates it.
package moderation

import (
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"streamgate/internal/database"
)

var (
	ErrNotOwner            = errors.New("actor does not own this room")
	ErrCannotModerateOwner = errors.New("the room owner cannot be moderated")
	ErrTargetModerator     = errors.New("only the owner may act on a moderator")
	ErrInvalidDuration     = errors.New("timeout duration must be positive")
)

// State exposes the authoritative ban/timeout/moderator reads and writes.
// All mutations are idempotent; uniqueness is enforced per (room, identity).
type State struct {
	repo database.StreamGateRepository
	log  *zap.SugaredLogger
}

func NewState(repo database.StreamGateRepository, logger *zap.SugaredLogger) *State {
	return &State{repo: repo, log: logger}
}

func (s *State) IsBanned(roomId int, identity string) (bool, error) {
	_, err := s.repo.GetBan(roomId, identity)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	return err == nil, err
}

// Ban permanently blocks an identity from the room. Banning an already
// banned identity is a no-op.
func (s *State) Ban(roomId int, identity, username string) error {
	if username == "" {
		username = identity
	}

	return s.repo.CreateBan(roomId, identity, username)
}

// Unban is a full pardon: it removes the ban and any active timeout.
func (s *State) Unban(roomId int, identity string) error {
	if err := s.repo.DeleteBan(roomId, identity); err != nil {
		return err
	}

	return s.repo.DeleteTimeout(roomId, identity)
}

// SetTimeout blocks an identity until now+duration, replacing any prior
// timeout for the same identity.
func (s *State) SetTimeout(roomId int, identity, username string, duration time.Duration) (time.Time, error) {
	if duration <= 0 {
		return time.Time{}, ErrInvalidDuration
	}
	if username == "" {
		username = identity
	}

	until := time.Now().UTC().Add(duration)
	if err := s.repo.ReplaceTimeout(roomId, identity, username, until); err != nil {
		return time.Time{}, err
	}

	return until, nil
}

// IsTimedOut reports whether an unexpired timeout exists and how long it has
// left. Expired rows are lazily deleted on the way out.
func (s *State) IsTimedOut(roomId int, identity string) (bool, time.Duration, error) {
	entry, err := s.repo.GetTimeout(roomId, identity)
	if errors.Is(err, sql.ErrNoRows) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}

	remaining := time.Until(entry.Until)
	if remaining <= 0 {
		if err := s.repo.DeleteTimeout(roomId, identity); err != nil {
			s.log.Warnw("delete expired timeout",
				"room_id", roomId,
				"identity", identity,
				"error", err,
			)
		}
		return false, 0, nil
	}

	return true, remaining, nil
}

func (s *State) AddModerator(roomId int, identity, username string) error {
	if username == "" {
		username = identity
	}

	return s.repo.CreateModerator(roomId, identity, username)
}

func (s *State) RemoveModerator(roomId int, identity string) (bool, error) {
	return s.repo.DeleteModerator(roomId, identity)
}

func (s *State) IsModerator(roomId int, identity string) (bool, error) {
	return s.repo.IsModerator(roomId, identity)
}
