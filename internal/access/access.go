// Package access implements the decision engine that turns a join request
// into a capability grant, combining room policy, moderation state and the
// wallet ledger for pay-gated rooms.
package access

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"streamgate/internal/database"
	"streamgate/internal/mediaserver"
	"streamgate/internal/rooms"
	"streamgate/internal/stats"
	"streamgate/internal/wallet"
)

// Denial reasons carried by ForbiddenError.
const (
	ReasonBanned        = "banned"
	ReasonTimedOut      = "timed_out"
	ReasonInvalidSecret = "invalid_secret"
)

var ErrRoomNotFound = errors.New("room not found")

// ForbiddenError is a terminal gate failure; Remaining is set only for
// timed-out viewers.
type ForbiddenError struct {
	Reason    string
	Remaining time.Duration
}

func (e *ForbiddenError) Error() string {
	if e.Reason == ReasonTimedOut {
		return fmt.Sprintf("access denied: %s (%s remaining)", e.Reason, e.Remaining.Round(time.Second))
	}
	return "access denied: " + e.Reason
}

// PaymentRequiredError reports the price of a token-gated room the caller
// could not pay. Both balances are left untouched.
type PaymentRequiredError struct {
	Price int
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("payment of %d tokens required", e.Price)
}

// Request is one join attempt. Account is nil for anonymous guests; an
// empty RoomSlug targets the authenticated caller's own room.
type Request struct {
	Account  *database.Account
	RoomSlug string
	Secret   string
}

// Decision is the ephemeral outcome of a granted join. It is returned to
// the caller and never persisted.
type Decision struct {
	Token        string
	Identity     string
	RoomName     string
	RoomSlug     string
	RoomTitle    string
	Subject      string
	CanPublish   bool
	CanSubscribe bool
	CanChat      bool
	ExpiresAt    time.Time
	Paid         bool
	NewBalance   int
}

type Engine struct {
	repo     database.StreamGateRepository
	dir      *rooms.Directory
	ledger   *wallet.Ledger
	signer   *mediaserver.TokenSigner
	grantTTL time.Duration
	log      *zap.SugaredLogger
	metrics  *stats.Metrics
}

func NewEngine(
	repo database.StreamGateRepository,
	dir *rooms.Directory,
	ledger *wallet.Ledger,
	signer *mediaserver.TokenSigner,
	grantTTL time.Duration,
	logger *zap.SugaredLogger,
	metrics *stats.Metrics,
) *Engine {
	if grantTTL <= 0 {
		grantTTL = mediaserver.DefaultGrantTTL
	}

	return &Engine{
		repo:     repo,
		dir:      dir,
		ledger:   ledger,
		signer:   signer,
		grantTTL: grantTTL,
		log:      logger,
		metrics:  metrics,
	}
}

// Decide runs every gate against one consistent snapshot of the room and
// the caller's moderation rows, then signs and returns the grant. Any gate
// failure is terminal for the request; nothing is retried.
func (e *Engine) Decide(req Request) (Decision, error) {
	authenticated := req.Account != nil

	if !authenticated && req.RoomSlug == "" {
		return Decision{}, ErrRoomNotFound
	}

	var (
		decision Decision
		room     database.Room
		isOwner  bool
		isMod    bool
	)

	if authenticated && req.RoomSlug == "" {
		// No explicit target: the caller broadcasts to their own room.
		var err error
		room, err = e.dir.GetOrCreateRoom(*req.Account)
		if err != nil {
			return Decision{}, err
		}
		isOwner = true
	} else {
		slug := rooms.NormalizeSlug(req.RoomSlug)

		// The ban/timeout rows are keyed by the stable identity; a guest's
		// randomized identity can never match one.
		stable := e.stableIdentity(req.Account)

		snap, err := e.repo.GetAccessSnapshot(slug, stable)
		if errors.Is(err, sql.ErrNoRows) {
			e.metrics.GrantsDenied.WithLabelValues("room_not_found").Inc()
			return Decision{}, ErrRoomNotFound
		}
		if err != nil {
			return Decision{}, fmt.Errorf("load access snapshot: %w", err)
		}

		room = snap.Room
		isOwner = authenticated && room.AccountId == req.Account.Id
		isMod = snap.IsModerator

		if !isOwner {
			if denied := e.moderationGate(snap, stable); denied != nil {
				return Decision{}, denied
			}

			if err := e.policyGate(req, room, &decision); err != nil {
				return Decision{}, err
			}
		}
	}

	identity := e.grantIdentity(req.Account, isOwner)

	metadata := ""
	if authenticated {
		// The moderator flag lets clients render the badge; enforcement
		// stays server-side in the moderation command surface.
		meta := map[string]interface{}{
			"display_name": req.Account.Username,
			"username":     req.Account.Username,
		}
		if isMod {
			meta["moderator"] = true
		}

		raw, err := json.Marshal(meta)
		if err != nil {
			return Decision{}, err
		}
		metadata = string(raw)
	}

	grant := mediaserver.AccessGrant{
		Room:           rooms.MediaRoomName(room.Slug),
		RoomJoin:       true,
		RoomCreate:     isOwner,
		CanPublish:     isOwner,
		CanSubscribe:   true,
		CanPublishData: authenticated,
	}

	token, err := e.signer.AccessToken(identity, grant, metadata, e.grantTTL)
	if err != nil {
		return Decision{}, fmt.Errorf("sign grant: %w", err)
	}

	decision.Token = token
	decision.Identity = identity
	decision.RoomName = grant.Room
	decision.RoomSlug = room.Slug
	decision.RoomTitle = room.Name
	decision.Subject = room.Subject()
	decision.CanPublish = grant.CanPublish
	decision.CanSubscribe = grant.CanSubscribe
	decision.CanChat = grant.CanPublishData
	decision.ExpiresAt = time.Now().Add(e.grantTTL)

	e.metrics.GrantsIssued.Inc()
	e.log.Infow("grant issued",
		"room", decision.RoomName,
		"identity", identity,
		"owner", isOwner,
		"publish", decision.CanPublish,
	)

	return decision, nil
}

// moderationGate enforces ban and timeout state. Never reached for the
// room owner.
func (e *Engine) moderationGate(snap database.AccessSnapshot, stable string) error {
	if snap.Banned {
		e.metrics.GrantsDenied.WithLabelValues(ReasonBanned).Inc()
		return &ForbiddenError{Reason: ReasonBanned}
	}

	if snap.TimeoutSet {
		remaining := time.Until(snap.TimedOutTil)
		if remaining > 0 {
			e.metrics.GrantsDenied.WithLabelValues(ReasonTimedOut).Inc()
			return &ForbiddenError{Reason: ReasonTimedOut, Remaining: remaining}
		}

		// Expired: drop the row so later checks skip it entirely.
		if err := e.repo.DeleteTimeout(snap.Room.Id, stable); err != nil {
			e.log.Warnw("delete expired timeout",
				"room_id", snap.Room.Id,
				"identity", stable,
				"error", err,
			)
		}
	}

	return nil
}

// policyGate enforces the room's access mode for non-owners, charging the
// entry fee of token-gated rooms through the ledger.
func (e *Engine) policyGate(req Request, room database.Room, decision *Decision) error {
	switch room.AccessMode {
	case rooms.ModeInvite, rooms.ModePassword:
		if !rooms.VerifySecret(room, req.Secret) {
			e.metrics.GrantsDenied.WithLabelValues(ReasonInvalidSecret).Inc()
			return &ForbiddenError{Reason: ReasonInvalidSecret}
		}
	case rooms.ModeToken:
		if room.TokenPrice <= 0 {
			return nil
		}
		if req.Account == nil {
			e.metrics.GrantsDenied.WithLabelValues("payment_required").Inc()
			return &PaymentRequiredError{Price: room.TokenPrice}
		}

		newBalance, _, err := e.ledger.Transfer(
			req.Account.Id,
			room.AccountId,
			room.TokenPrice,
			wallet.RoomJoinReason(room.Slug),
			wallet.RoomEarnReason(room.Slug),
		)
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			e.metrics.GrantsDenied.WithLabelValues("payment_required").Inc()
			return &PaymentRequiredError{Price: room.TokenPrice}
		}
		if err != nil {
			return fmt.Errorf("charge room entry: %w", err)
		}

		decision.Paid = true
		decision.NewBalance = newBalance
	}

	return nil
}

// stableIdentity is the identity moderation state is keyed by: the
// account's username, or a fresh randomized guest identity that cannot
// collide with any registered account.
func (e *Engine) stableIdentity(account *database.Account) string {
	if account != nil {
		return account.Username
	}

	u := uuid.New()
	return fmt.Sprintf("guest-%x", u[:4])
}

// grantIdentity is the identity embedded in the signed grant. Non-owners
// get a random suffix so nobody can present as the canonical owner
// identity inside the media room.
func (e *Engine) grantIdentity(account *database.Account, isOwner bool) string {
	if account == nil {
		u := uuid.New()
		return fmt.Sprintf("guest-%x", u[:4])
	}
	if isOwner {
		return account.Username
	}

	u := uuid.New()
	return fmt.Sprintf("%s-%x", account.Username, u[:2])
}
