package moderation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"streamgate/internal/database"
	"streamgate/internal/mediaserver"
	"streamgate/internal/rooms"
	"streamgate/internal/stats"
)

// Commands processes owner-issued moderation actions. Ban and timeout
// persist their state before the media-server kick is attempted: the
// records stay authoritative for future joins even when the immediate
// eviction fails.
type Commands struct {
	repo    database.StreamGateRepository
	state   *State
	media   mediaserver.RoomService
	log     *zap.SugaredLogger
	metrics *stats.Metrics
}

func NewCommands(repo database.StreamGateRepository, state *State, media mediaserver.RoomService, logger *zap.SugaredLogger, metrics *stats.Metrics) *Commands {
	return &Commands{
		repo:    repo,
		state:   state,
		media:   media,
		log:     logger,
		metrics: metrics,
	}
}

// Kick terminates the target's live session without recording any state.
func (c *Commands) Kick(ctx context.Context, actor database.Account, roomName, identity string) error {
	target, err := c.resolveTarget(identity, "")
	if err != nil {
		return err
	}

	room, err := c.authorize(actor, roomName, target)
	if err != nil {
		return err
	}

	if err := c.removeParticipant(ctx, room, identity); err != nil {
		return err
	}

	c.metrics.ModerationActions.WithLabelValues("kick").Inc()
	c.log.Infow("viewer kicked",
		"room", room.Slug,
		"actor", actor.Username,
		"target", target,
	)

	return nil
}

// Ban records a permanent block, then best-effort evicts the live session.
// The ban is not rolled back when the eviction fails. The row is keyed by
// the target's stable identity; the raw session identity is only used for
// the eviction.
func (c *Commands) Ban(ctx context.Context, actor database.Account, roomName, identity, username string) error {
	target, err := c.resolveTarget(identity, username)
	if err != nil {
		return err
	}

	room, err := c.authorize(actor, roomName, target)
	if err != nil {
		return err
	}

	if err := c.state.Ban(room.Id, target, username); err != nil {
		return fmt.Errorf("record ban: %w", err)
	}

	c.metrics.ModerationActions.WithLabelValues("ban").Inc()
	c.log.Infow("viewer banned",
		"room", room.Slug,
		"actor", actor.Username,
		"target", target,
		"identity", identity,
	)

	return c.removeParticipant(ctx, room, identity)
}

// Timeout records a temporary block and best-effort evicts the session,
// with the same keying and no-rollback semantics as Ban.
func (c *Commands) Timeout(ctx context.Context, actor database.Account, roomName, identity, username string, minutes int) (time.Time, error) {
	if minutes <= 0 {
		return time.Time{}, ErrInvalidDuration
	}

	target, err := c.resolveTarget(identity, username)
	if err != nil {
		return time.Time{}, err
	}

	room, err := c.authorize(actor, roomName, target)
	if err != nil {
		return time.Time{}, err
	}

	until, err := c.state.SetTimeout(room.Id, target, username, time.Duration(minutes)*time.Minute)
	if err != nil {
		return time.Time{}, fmt.Errorf("record timeout: %w", err)
	}

	c.metrics.ModerationActions.WithLabelValues("timeout").Inc()
	c.log.Infow("viewer timed out",
		"room", room.Slug,
		"actor", actor.Username,
		"target", target,
		"until", until,
	)

	return until, c.removeParticipant(ctx, room, identity)
}

func (c *Commands) Unban(actor database.Account, roomName, identity, username string) error {
	target, err := c.resolveTarget(identity, username)
	if err != nil {
		return err
	}

	room, err := c.ownedRoom(actor, roomName)
	if err != nil {
		return err
	}

	if err := c.state.Unban(room.Id, target); err != nil {
		return fmt.Errorf("remove ban: %w", err)
	}

	c.metrics.ModerationActions.WithLabelValues("unban").Inc()
	return nil
}

func (c *Commands) AddModerator(actor database.Account, roomName, identity, username string) error {
	target, err := c.resolveTarget(identity, username)
	if err != nil {
		return err
	}

	room, err := c.ownedRoom(actor, roomName)
	if err != nil {
		return err
	}

	if err := c.state.AddModerator(room.Id, target, username); err != nil {
		return fmt.Errorf("add moderator: %w", err)
	}

	c.metrics.ModerationActions.WithLabelValues("addmod").Inc()
	return nil
}

func (c *Commands) RemoveModerator(actor database.Account, roomName, identity, username string) (bool, error) {
	target, err := c.resolveTarget(identity, username)
	if err != nil {
		return false, err
	}

	room, err := c.ownedRoom(actor, roomName)
	if err != nil {
		return false, err
	}

	removed, err := c.state.RemoveModerator(room.Id, target)
	if err != nil {
		return false, fmt.Errorf("remove moderator: %w", err)
	}

	c.metrics.ModerationActions.WithLabelValues("removemod").Inc()
	return removed, nil
}

// resolveTarget maps a target reference to the stable identity that ban,
// timeout and moderator rows are keyed by, which is also the key the join
// gate checks. Registered viewers appear in the room under a per-session
// identity ("<username>-<4 hex>"), so when the caller does not name the
// account the suffix is stripped and verified against the accounts table.
// Anonymous guests carry an 8-hex suffix and no account; they are keyed
// by the session identity itself.
func (c *Commands) resolveTarget(identity, username string) (string, error) {
	if username != "" {
		return username, nil
	}

	base, ok := splitSessionSuffix(identity)
	if !ok {
		return identity, nil
	}

	_, err := c.repo.GetAccountByUsername(base)
	if errors.Is(err, sql.ErrNoRows) {
		return identity, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve target account: %w", err)
	}

	return base, nil
}

// splitSessionSuffix strips the 4-hex-char session suffix from a
// registered viewer's in-room identity.
func splitSessionSuffix(identity string) (string, bool) {
	i := strings.LastIndex(identity, "-")
	if i <= 0 || len(identity)-i-1 != 4 {
		return "", false
	}

	for _, r := range identity[i+1:] {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", false
		}
	}

	return identity[:i], true
}

// ownedRoom resolves the media room name to a room the actor owns.
func (c *Commands) ownedRoom(actor database.Account, roomName string) (database.Room, error) {
	room, err := c.repo.GetRoomBySlug(rooms.NormalizeSlug(roomName))
	if err != nil {
		return database.Room{}, err
	}
	if room.AccountId != actor.Id {
		return database.Room{}, ErrNotOwner
	}

	return room, nil
}

// authorize enforces the role hierarchy for kick/ban/timeout: the owner is
// never a valid target, and a moderator may only be acted on by the owner.
func (c *Commands) authorize(actor database.Account, roomName, target string) (database.Room, error) {
	room, err := c.ownedRoom(actor, roomName)
	if err != nil {
		return database.Room{}, err
	}

	owner, err := c.repo.GetAccountById(room.AccountId)
	if err != nil {
		return database.Room{}, fmt.Errorf("lookup room owner: %w", err)
	}
	if target == owner.Username {
		return database.Room{}, ErrCannotModerateOwner
	}

	isMod, err := c.state.IsModerator(room.Id, target)
	if err != nil {
		return database.Room{}, fmt.Errorf("check target moderator: %w", err)
	}
	if isMod && actor.Id != room.AccountId {
		return database.Room{}, ErrTargetModerator
	}

	return room, nil
}

func (c *Commands) removeParticipant(ctx context.Context, room database.Room, target string) error {
	err := c.media.RemoveParticipant(ctx, rooms.MediaRoomName(room.Slug), target)
	if err != nil {
		c.metrics.UpstreamErrors.WithLabelValues("mediaserver").Inc()
		c.log.Errorw("media server kick failed",
			"room", room.Slug,
			"target", target,
			"error", err,
		)
	}

	return err
}
