package access

import (
	"database/sql"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"golang.org/x/crypto/bcrypt"

	"streamgate/internal/database"
	"streamgate/internal/mediaserver"
	"streamgate/internal/rooms"
	"streamgate/internal/stats"
	"streamgate/internal/testutil"
	"streamgate/internal/wallet"
)

const (
	testApiKey    = "api-key"
	testApiSecret = "api-secret"
)

func newTestEngine(t *testing.T, repo database.StreamGateRepository) *Engine {
	t.Helper()

	logger := testutil.TestLogger(t)
	metrics := stats.NewWithRegistry(prometheus.NewRegistry())

	return NewEngine(
		repo,
		rooms.NewDirectory(repo, logger),
		wallet.NewLedger(repo, logger, metrics),
		mediaserver.NewTokenSigner(testApiKey, testApiSecret),
		time.Hour,
		logger,
		metrics,
	)
}

func decodeGrant(t *testing.T, token string) jwt.MapClaims {
	t.Helper()

	parsed, err := jwt.Parse(token, func(tk *jwt.Token) (interface{}, error) {
		return []byte(testApiSecret), nil
	})
	assert.NoError(t, err)
	assert.True(t, parsed.Valid)

	claims, ok := parsed.Claims.(jwt.MapClaims)
	assert.True(t, ok)
	return claims
}

func videoGrant(t *testing.T, claims jwt.MapClaims) map[string]interface{} {
	t.Helper()
	video, ok := claims["video"].(map[string]interface{})
	assert.True(t, ok)
	return video
}

func snapshotFor(room database.Room) database.AccessSnapshot {
	return database.AccessSnapshot{Room: room}
}

func TestDecideOwnerOwnRoom(t *testing.T) {
	owner := database.Account{Id: 1, Username: "alice"}
	room := database.Room{Id: 7, AccountId: 1, Name: "Alice", Slug: "alice"}

	mockRepo := &database.MockStreamGateRepository{}
	defer mockRepo.AssertExpectations(t)

	mockRepo.On("GetRoomByOwner", 1).Return(room, nil).Once()

	e := newTestEngine(t, mockRepo)
	decision, err := e.Decide(Request{Account: &owner})
	assert.NoError(t, err)

	assert.Equal(t, "alice", decision.Identity)
	assert.Equal(t, "alice-room", decision.RoomName)
	assert.True(t, decision.CanPublish)
	assert.True(t, decision.CanSubscribe)
	assert.True(t, decision.CanChat)
	assert.False(t, decision.Paid)

	claims := decodeGrant(t, decision.Token)
	assert.Equal(t, testApiKey, claims["iss"])
	assert.Equal(t, "alice", claims["sub"])

	video := videoGrant(t, claims)
	assert.Equal(t, "alice-room", video["room"])
	assert.Equal(t, true, video["roomJoin"])
	assert.Equal(t, true, video["canPublish"])
}

func TestDecideViewerPublicRoom(t *testing.T) {
	viewer := database.Account{Id: 2, Username: "bob"}
	room := database.Room{Id: 7, AccountId: 1, Name: "Alice", Slug: "alice", AccessMode: rooms.ModePublic}

	mockRepo := &database.MockStreamGateRepository{}
	defer mockRepo.AssertExpectations(t)

	mockRepo.On("GetAccessSnapshot", "alice", "bob").Return(snapshotFor(room), nil).Once()

	e := newTestEngine(t, mockRepo)
	decision, err := e.Decide(Request{Account: &viewer, RoomSlug: "alice-room"})
	assert.NoError(t, err)

	// Viewers get a randomized suffix on their stable username.
	assert.True(t, strings.HasPrefix(decision.Identity, "bob-"))
	assert.NotEqual(t, "bob", decision.Identity)
	assert.False(t, decision.CanPublish)
	assert.True(t, decision.CanSubscribe)
	assert.True(t, decision.CanChat)
}

func TestDecideGuestPublicRoom(t *testing.T) {
	room := database.Room{Id: 7, AccountId: 1, Name: "Alice", Slug: "alice", AccessMode: rooms.ModePublic}

	mockRepo := &database.MockStreamGateRepository{}
	defer mockRepo.AssertExpectations(t)

	mockRepo.On("GetAccessSnapshot", "alice", mock.MatchedBy(func(identity string) bool {
		return strings.HasPrefix(identity, "guest-")
	})).Return(snapshotFor(room), nil).Once()

	e := newTestEngine(t, mockRepo)
	decision, err := e.Decide(Request{RoomSlug: "alice"})
	assert.NoError(t, err)

	assert.True(t, strings.HasPrefix(decision.Identity, "guest-"))
	assert.False(t, decision.CanPublish)
	assert.True(t, decision.CanSubscribe)
	// Guests cannot chat.
	assert.False(t, decision.CanChat)

	claims := decodeGrant(t, decision.Token)
	_, hasMetadata := claims["metadata"]
	assert.False(t, hasMetadata)
}

func TestDecideModeratorMetadata(t *testing.T) {
	viewer := database.Account{Id: 2, Username: "bob"}
	room := database.Room{Id: 7, AccountId: 1, Name: "Alice", Slug: "alice", AccessMode: rooms.ModePublic}

	decideMeta := func(t *testing.T, isMod bool) map[string]interface{} {
		t.Helper()

		snap := snapshotFor(room)
		snap.IsModerator = isMod

		mockRepo := &database.MockStreamGateRepository{}
		defer mockRepo.AssertExpectations(t)
		mockRepo.On("GetAccessSnapshot", "alice", "bob").Return(snap, nil).Once()

		e := newTestEngine(t, mockRepo)
		decision, err := e.Decide(Request{Account: &viewer, RoomSlug: "alice"})
		assert.NoError(t, err)

		claims := decodeGrant(t, decision.Token)
		raw, ok := claims["metadata"].(string)
		assert.True(t, ok)

		var meta map[string]interface{}
		assert.NoError(t, json.Unmarshal([]byte(raw), &meta))
		return meta
	}

	t.Run("moderator flagged in grant metadata", func(t *testing.T) {
		meta := decideMeta(t, true)
		assert.Equal(t, true, meta["moderator"])
		assert.Equal(t, "bob", meta["username"])
	})

	t.Run("plain viewer carries no flag", func(t *testing.T) {
		meta := decideMeta(t, false)
		_, ok := meta["moderator"]
		assert.False(t, ok)
	})
}

func TestDecideRoomNotFound(t *testing.T) {
	mockRepo := &database.MockStreamGateRepository{}
	defer mockRepo.AssertExpectations(t)

	mockRepo.On("GetAccessSnapshot", "ghost", mock.Anything).
		Return(database.AccessSnapshot{}, sql.ErrNoRows).Once()

	e := newTestEngine(t, mockRepo)
	_, err := e.Decide(Request{RoomSlug: "ghost"})
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestDecideAnonymousWithoutSlug(t *testing.T) {
	e := newTestEngine(t, &database.MockStreamGateRepository{})
	_, err := e.Decide(Request{})
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestDecideBannedViewer(t *testing.T) {
	viewer := database.Account{Id: 2, Username: "bob"}
	room := database.Room{Id: 7, AccountId: 1, Slug: "alice", AccessMode: rooms.ModePublic}

	mockRepo := &database.MockStreamGateRepository{}
	defer mockRepo.AssertExpectations(t)

	snap := snapshotFor(room)
	snap.Banned = true
	mockRepo.On("GetAccessSnapshot", "alice", "bob").Return(snap, nil).Once()

	e := newTestEngine(t, mockRepo)
	_, err := e.Decide(Request{Account: &viewer, RoomSlug: "alice"})

	var forbidden *ForbiddenError
	assert.ErrorAs(t, err, &forbidden)
	assert.Equal(t, ReasonBanned, forbidden.Reason)
}

func TestDecideTimedOutViewer(t *testing.T) {
	viewer := database.Account{Id: 2, Username: "bob"}
	room := database.Room{Id: 7, AccountId: 1, Slug: "alice", AccessMode: rooms.ModePublic}

	t.Run("active timeout denies with remaining", func(t *testing.T) {
		mockRepo := &database.MockStreamGateRepository{}
		defer mockRepo.AssertExpectations(t)

		snap := snapshotFor(room)
		snap.TimeoutSet = true
		snap.TimedOutTil = time.Now().Add(5 * time.Minute)
		mockRepo.On("GetAccessSnapshot", "alice", "bob").Return(snap, nil).Once()

		e := newTestEngine(t, mockRepo)
		_, err := e.Decide(Request{Account: &viewer, RoomSlug: "alice"})

		var forbidden *ForbiddenError
		assert.ErrorAs(t, err, &forbidden)
		assert.Equal(t, ReasonTimedOut, forbidden.Reason)
		assert.Greater(t, forbidden.Remaining, 4*time.Minute)
	})

	t.Run("expired timeout is deleted and admission proceeds", func(t *testing.T) {
		mockRepo := &database.MockStreamGateRepository{}
		defer mockRepo.AssertExpectations(t)

		snap := snapshotFor(room)
		snap.TimeoutSet = true
		snap.TimedOutTil = time.Now().Add(-time.Minute)
		mockRepo.On("GetAccessSnapshot", "alice", "bob").Return(snap, nil).Once()
		mockRepo.On("DeleteTimeout", 7, "bob").Return(nil).Once()

		e := newTestEngine(t, mockRepo)
		decision, err := e.Decide(Request{Account: &viewer, RoomSlug: "alice"})
		assert.NoError(t, err)
		assert.NotEmpty(t, decision.Token)
	})
}

func TestDecideSecretGatedRoom(t *testing.T) {
	viewer := database.Account{Id: 2, Username: "bob"}

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	assert.NoError(t, err)

	room := database.Room{
		Id:         7,
		AccountId:  1,
		Slug:       "alice",
		AccessMode: rooms.ModePassword,
		SecretHash: string(hash),
	}

	tcases := []struct {
		name    string
		secret  string
		allowed bool
	}{
		{
			name:    "correct secret",
			secret:  "hunter2",
			allowed: true,
		},
		{
			name:    "wrong secret",
			secret:  "letmein",
			allowed: false,
		},
		{
			name:    "missing secret",
			secret:  "",
			allowed: false,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo := &database.MockStreamGateRepository{}
			defer mockRepo.AssertExpectations(t)

			mockRepo.On("GetAccessSnapshot", "alice", "bob").Return(snapshotFor(room), nil).Once()

			e := newTestEngine(t, mockRepo)
			_, err := e.Decide(Request{Account: &viewer, RoomSlug: "alice", Secret: tc.secret})
			if tc.allowed {
				assert.NoError(t, err)
				return
			}

			var forbidden *ForbiddenError
			assert.ErrorAs(t, err, &forbidden)
			assert.Equal(t, ReasonInvalidSecret, forbidden.Reason)
		})
	}
}

func TestDecideTokenGatedRoom(t *testing.T) {
	viewer := database.Account{Id: 2, Username: "bob"}
	room := database.Room{
		Id:         7,
		AccountId:  1,
		Slug:       "alice",
		AccessMode: rooms.ModeToken,
		TokenPrice: 25,
	}

	t.Run("charges entry fee once", func(t *testing.T) {
		mockRepo := &database.MockStreamGateRepository{}
		defer mockRepo.AssertExpectations(t)

		mockRepo.On("GetAccessSnapshot", "alice", "bob").Return(snapshotFor(room), nil).Once()
		mockRepo.On("Transfer", 2, 1, 25, "room:private:join:alice", "room:private:earn:alice").
			Return(75, 125, nil).Once()

		e := newTestEngine(t, mockRepo)
		decision, err := e.Decide(Request{Account: &viewer, RoomSlug: "alice"})
		assert.NoError(t, err)
		assert.True(t, decision.Paid)
		assert.Equal(t, 75, decision.NewBalance)
	})

	t.Run("insufficient funds leaves balances untouched", func(t *testing.T) {
		mockRepo := &database.MockStreamGateRepository{}
		defer mockRepo.AssertExpectations(t)

		mockRepo.On("GetAccessSnapshot", "alice", "bob").Return(snapshotFor(room), nil).Once()
		mockRepo.On("Transfer", 2, 1, 25, "room:private:join:alice", "room:private:earn:alice").
			Return(0, 0, database.ErrInsufficientFunds).Once()

		e := newTestEngine(t, mockRepo)
		_, err := e.Decide(Request{Account: &viewer, RoomSlug: "alice"})

		var payRequired *PaymentRequiredError
		assert.ErrorAs(t, err, &payRequired)
		assert.Equal(t, 25, payRequired.Price)
	})

	t.Run("anonymous caller cannot pay", func(t *testing.T) {
		mockRepo := &database.MockStreamGateRepository{}
		defer mockRepo.AssertExpectations(t)

		mockRepo.On("GetAccessSnapshot", "alice", mock.Anything).Return(snapshotFor(room), nil).Once()

		e := newTestEngine(t, mockRepo)
		_, err := e.Decide(Request{RoomSlug: "alice"})

		var payRequired *PaymentRequiredError
		assert.ErrorAs(t, err, &payRequired)
		assert.Equal(t, 25, payRequired.Price)
	})

	t.Run("zero price admits without charge", func(t *testing.T) {
		free := room
		free.TokenPrice = 0

		mockRepo := &database.MockStreamGateRepository{}
		defer mockRepo.AssertExpectations(t)

		mockRepo.On("GetAccessSnapshot", "alice", "bob").Return(snapshotFor(free), nil).Once()

		e := newTestEngine(t, mockRepo)
		decision, err := e.Decide(Request{Account: &viewer, RoomSlug: "alice"})
		assert.NoError(t, err)
		assert.False(t, decision.Paid)
	})
}

func TestDecideOwnerBypassesGates(t *testing.T) {
	owner := database.Account{Id: 1, Username: "alice"}

	// Even a banned row for the owner's identity must not block the owner.
	room := database.Room{Id: 7, AccountId: 1, Slug: "alice", AccessMode: rooms.ModeToken, TokenPrice: 25}
	snap := snapshotFor(room)
	snap.Banned = true

	mockRepo := &database.MockStreamGateRepository{}
	defer mockRepo.AssertExpectations(t)

	mockRepo.On("GetAccessSnapshot", "alice", "alice").Return(snap, nil).Once()

	e := newTestEngine(t, mockRepo)
	decision, err := e.Decide(Request{Account: &owner, RoomSlug: "alice"})
	assert.NoError(t, err)
	assert.Equal(t, "alice", decision.Identity)
	assert.True(t, decision.CanPublish)
	assert.False(t, decision.Paid)
}

func TestDecideSubjectFallsBackToName(t *testing.T) {
	viewer := database.Account{Id: 2, Username: "bob"}

	tcases := []struct {
		name     string
		room     database.Room
		expected string
	}{
		{
			name:     "temp subject set",
			room:     database.Room{Id: 7, AccountId: 1, Name: "Alice", Slug: "alice", TempSubject: "movie night"},
			expected: "movie night",
		},
		{
			name:     "no temp subject",
			room:     database.Room{Id: 7, AccountId: 1, Name: "Alice", Slug: "alice"},
			expected: "Alice",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo := &database.MockStreamGateRepository{}
			defer mockRepo.AssertExpectations(t)

			mockRepo.On("GetAccessSnapshot", "alice", "bob").Return(snapshotFor(tc.room), nil).Once()

			e := newTestEngine(t, mockRepo)
			decision, err := e.Decide(Request{Account: &viewer, RoomSlug: "alice"})
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, decision.Subject)
		})
	}
}
