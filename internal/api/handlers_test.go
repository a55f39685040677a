package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"streamgate/internal/access"
	"streamgate/internal/config"
	"streamgate/internal/database"
	"streamgate/internal/identity"
	"streamgate/internal/mediaserver"
	"streamgate/internal/moderation"
	"streamgate/internal/payments"
	"streamgate/internal/presence"
	"streamgate/internal/rooms"
	"streamgate/internal/stats"
	"streamgate/internal/testutil"
	"streamgate/internal/wallet"
)

var testSigningKey = []byte("test-signing-secret")

type testHarness struct {
	srv      *Server
	repo     *database.MockStreamGateRepository
	media    *mediaserver.MockRoomService
	provider *payments.MockProvider
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	logger := testutil.TestLogger(t)
	metrics := stats.NewWithRegistry(prometheus.NewRegistry())

	mockRepo := &database.MockStreamGateRepository{}
	mockMedia := &mediaserver.MockRoomService{}
	mockProvider := &payments.MockProvider{}

	ledger := wallet.NewLedger(mockRepo, logger, metrics)
	directory := rooms.NewDirectory(mockRepo, logger)
	modState := moderation.NewState(mockRepo, logger)

	cfg := &config.Config{}
	cfg.Server.Addr = ":0"
	cfg.Server.RateLimit = 1000
	cfg.Server.RateBurst = 1000

	srv := NewServer(logger, cfg, Deps{
		Repo:     mockRepo,
		Resolver: identity.NewResolver(mockRepo, testSigningKey),
		Engine: access.NewEngine(
			mockRepo, directory, ledger,
			mediaserver.NewTokenSigner("api-key", "api-secret"),
			time.Hour, logger, metrics,
		),
		Ledger:   ledger,
		Rooms:    directory,
		Mods:     moderation.NewCommands(mockRepo, modState, mockMedia, logger, metrics),
		Payments: payments.NewService(mockProvider, ledger, logger, metrics),
		Presence: presence.NewTracker(nil, logger),
		Metrics:  metrics,
	})

	return &testHarness{
		srv:      srv,
		repo:     mockRepo,
		media:    mockMedia,
		provider: mockProvider,
	}
}

func (h *testHarness) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.srv.mux.Handler.ServeHTTP(rr, req)
	return rr
}

func bearerFor(t *testing.T, accountId int) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": accountId,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(testSigningKey)
	assert.NoError(t, err)
	return "Bearer " + token
}

func jsonRequest(t *testing.T, method, target string, body interface{}) *http.Request {
	t.Helper()
	raw, err := json.Marshal(body)
	assert.NoError(t, err)
	req := httptest.NewRequest(method, target, bytes.NewBuffer(raw))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestMediaTokenHandler(t *testing.T) {
	viewer := database.Account{Id: 2, Username: "bob"}

	t.Run("guest joins a public room", func(t *testing.T) {
		h := newTestHarness(t)
		defer h.repo.AssertExpectations(t)

		h.repo.On("GetAccessSnapshot", "alice", mock.Anything).Return(database.AccessSnapshot{
			Room: database.Room{Id: 7, AccountId: 1, Name: "Alice", Slug: "alice", AccessMode: rooms.ModePublic},
		}, nil).Once()

		rr := h.do(jsonRequest(t, http.MethodPost, "/api/media-token", MediaTokenRequest{RoomSlug: "alice"}))
		assert.Equal(t, http.StatusOK, rr.Code)

		var resp MediaTokenResponse
		assert.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.NotEmpty(t, resp.Token)
		assert.Equal(t, "alice-room", resp.RoomName)
		assert.True(t, strings.HasPrefix(resp.Identity, "guest-"))
		assert.False(t, resp.CanChat)
	})

	t.Run("banned viewer gets reason payload", func(t *testing.T) {
		h := newTestHarness(t)
		defer h.repo.AssertExpectations(t)

		h.repo.On("GetAccountById", 2).Return(viewer, nil).Once()
		h.repo.On("GetAccessSnapshot", "alice", "bob").Return(database.AccessSnapshot{
			Room:   database.Room{Id: 7, AccountId: 1, Slug: "alice", AccessMode: rooms.ModePublic},
			Banned: true,
		}, nil).Once()

		req := jsonRequest(t, http.MethodPost, "/api/media-token", MediaTokenRequest{RoomSlug: "alice"})
		req.Header.Set("Authorization", bearerFor(t, 2))

		rr := h.do(req)
		assert.Equal(t, http.StatusForbidden, rr.Code)

		var apiErr ApiError
		assert.NoError(t, json.NewDecoder(rr.Body).Decode(&apiErr))
		assert.Equal(t, access.ReasonBanned, apiErr.Reason)
	})

	t.Run("timed-out viewer gets remaining seconds", func(t *testing.T) {
		h := newTestHarness(t)
		defer h.repo.AssertExpectations(t)

		h.repo.On("GetAccountById", 2).Return(viewer, nil).Once()
		h.repo.On("GetAccessSnapshot", "alice", "bob").Return(database.AccessSnapshot{
			Room:        database.Room{Id: 7, AccountId: 1, Slug: "alice", AccessMode: rooms.ModePublic},
			TimeoutSet:  true,
			TimedOutTil: time.Now().Add(5 * time.Minute),
		}, nil).Once()

		req := jsonRequest(t, http.MethodPost, "/api/media-token", MediaTokenRequest{RoomSlug: "alice"})
		req.Header.Set("Authorization", bearerFor(t, 2))

		rr := h.do(req)
		assert.Equal(t, http.StatusForbidden, rr.Code)

		var apiErr ApiError
		assert.NoError(t, json.NewDecoder(rr.Body).Decode(&apiErr))
		assert.Equal(t, access.ReasonTimedOut, apiErr.Reason)
		assert.Greater(t, apiErr.RemainingSeconds, 4*60)
	})

	t.Run("anonymous caller of a paid room gets the price", func(t *testing.T) {
		h := newTestHarness(t)
		defer h.repo.AssertExpectations(t)

		h.repo.On("GetAccessSnapshot", "alice", mock.Anything).Return(database.AccessSnapshot{
			Room: database.Room{Id: 7, AccountId: 1, Slug: "alice", AccessMode: rooms.ModeToken, TokenPrice: 25},
		}, nil).Once()

		rr := h.do(jsonRequest(t, http.MethodPost, "/api/media-token", MediaTokenRequest{RoomSlug: "alice"}))
		assert.Equal(t, http.StatusPaymentRequired, rr.Code)

		var apiErr ApiError
		assert.NoError(t, json.NewDecoder(rr.Body).Decode(&apiErr))
		assert.Equal(t, 25, apiErr.Price)
	})

	t.Run("paid join reports the new balance", func(t *testing.T) {
		h := newTestHarness(t)
		defer h.repo.AssertExpectations(t)

		h.repo.On("GetAccountById", 2).Return(viewer, nil).Once()
		h.repo.On("GetAccessSnapshot", "alice", "bob").Return(database.AccessSnapshot{
			Room: database.Room{Id: 7, AccountId: 1, Slug: "alice", AccessMode: rooms.ModeToken, TokenPrice: 25},
		}, nil).Once()
		h.repo.On("Transfer", 2, 1, 25, "room:private:join:alice", "room:private:earn:alice").
			Return(75, 125, nil).Once()

		req := jsonRequest(t, http.MethodPost, "/api/media-token", MediaTokenRequest{RoomSlug: "alice"})
		req.Header.Set("Authorization", bearerFor(t, 2))

		rr := h.do(req)
		assert.Equal(t, http.StatusOK, rr.Code)

		var resp MediaTokenResponse
		assert.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.True(t, resp.Paid)
		if assert.NotNil(t, resp.NewBalance) {
			assert.Equal(t, 75, *resp.NewBalance)
		}
	})

	t.Run("unknown room", func(t *testing.T) {
		h := newTestHarness(t)
		defer h.repo.AssertExpectations(t)

		h.repo.On("GetAccessSnapshot", "ghost", mock.Anything).
			Return(database.AccessSnapshot{}, sql.ErrNoRows).Once()

		rr := h.do(jsonRequest(t, http.MethodPost, "/api/media-token", MediaTokenRequest{RoomSlug: "ghost"}))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("invalid credential rejected, not downgraded", func(t *testing.T) {
		h := newTestHarness(t)

		req := jsonRequest(t, http.MethodPost, "/api/media-token", MediaTokenRequest{RoomSlug: "alice"})
		req.Header.Set("Authorization", "Bearer garbage")

		rr := h.do(req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestWalletHandlers(t *testing.T) {
	account := database.Account{Id: 2, Username: "bob"}

	t.Run("balance requires auth", func(t *testing.T) {
		h := newTestHarness(t)

		rr := h.do(httptest.NewRequest(http.MethodGet, "/api/wallet", nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("balance", func(t *testing.T) {
		h := newTestHarness(t)
		defer h.repo.AssertExpectations(t)

		h.repo.On("GetAccountById", 2).Return(account, nil).Once()
		h.repo.On("Balance", 2).Return(120, nil).Once()

		req := httptest.NewRequest(http.MethodGet, "/api/wallet", nil)
		req.Header.Set("Authorization", bearerFor(t, 2))

		rr := h.do(req)
		assert.Equal(t, http.StatusOK, rr.Code)

		var resp map[string]int
		assert.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.Equal(t, 120, resp["balance"])
	})

	t.Run("history", func(t *testing.T) {
		h := newTestHarness(t)
		defer h.repo.AssertExpectations(t)

		h.repo.On("GetAccountById", 2).Return(account, nil).Once()
		h.repo.On("WalletHistory", 2, 50).Return([]database.WalletEntry{
			{Id: 2, AccountId: 2, Change: -25, Reason: "room:private:join:alice", CreatedAt: time.Now()},
			{Id: 1, AccountId: 2, Change: 100, Reason: "mollie", CreatedAt: time.Now().Add(-time.Hour)},
		}, nil).Once()

		req := httptest.NewRequest(http.MethodGet, "/api/wallet/history", nil)
		req.Header.Set("Authorization", bearerFor(t, 2))

		rr := h.do(req)
		assert.Equal(t, http.StatusOK, rr.Code)

		var resp struct {
			Entries []WalletEntryResponse `json:"entries"`
		}
		assert.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.Len(t, resp.Entries, 2)
		assert.Equal(t, -25, resp.Entries[0].Change)
	})

	t.Run("tip to unknown user", func(t *testing.T) {
		h := newTestHarness(t)
		defer h.repo.AssertExpectations(t)

		h.repo.On("GetAccountById", 2).Return(account, nil).Once()
		h.repo.On("GetAccountByUsername", "ghost").Return(database.Account{}, sql.ErrNoRows).Once()

		req := jsonRequest(t, http.MethodPost, "/api/tip", TipRequest{ToUsername: "ghost", Amount: 10})
		req.Header.Set("Authorization", bearerFor(t, 2))

		rr := h.do(req)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("tip with invalid amount", func(t *testing.T) {
		h := newTestHarness(t)
		defer h.repo.AssertExpectations(t)

		h.repo.On("GetAccountById", 2).Return(account, nil).Once()

		req := jsonRequest(t, http.MethodPost, "/api/tip", TipRequest{ToUsername: "alice", Amount: -5})
		req.Header.Set("Authorization", bearerFor(t, 2))

		rr := h.do(req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestPaymentHandlers(t *testing.T) {
	account := database.Account{Id: 2, Username: "bob"}

	t.Run("create payment", func(t *testing.T) {
		h := newTestHarness(t)
		defer h.repo.AssertExpectations(t)
		defer h.provider.AssertExpectations(t)

		h.repo.On("GetAccountById", 2).Return(account, nil).Once()
		h.provider.On("CreatePayment", mock.Anything, 10, "100 tokens", map[string]string{
			"account_id": "2",
		}).Return(payments.Payment{Id: "tr_123", CheckoutURL: "https://pay.example/tr_123"}, nil).Once()

		req := jsonRequest(t, http.MethodPost, "/api/wallet/create-payment", CreatePaymentRequest{AmountEUR: 10})
		req.Header.Set("Authorization", bearerFor(t, 2))

		rr := h.do(req)
		assert.Equal(t, http.StatusCreated, rr.Code)

		var resp map[string]string
		assert.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.Equal(t, "https://pay.example/tr_123", resp["checkout_url"])
	})

	t.Run("webhook settles a paid payment", func(t *testing.T) {
		h := newTestHarness(t)
		defer h.repo.AssertExpectations(t)
		defer h.provider.AssertExpectations(t)

		h.provider.On("GetPayment", mock.Anything, "tr_123").Return(payments.Payment{
			Id:        "tr_123",
			Status:    payments.StatusPaid,
			AmountEUR: 10,
			Metadata:  map[string]string{"account_id": "2"},
		}, nil).Once()
		h.repo.On("Credit", 2, 100, "mollie").Return(100, nil).Once()

		form := url.Values{"id": {"tr_123"}}
		req := httptest.NewRequest(http.MethodPost, "/api/wallet/webhook", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		rr := h.do(req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

func TestModHandlers(t *testing.T) {
	owner := database.Account{Id: 1, Username: "alice"}
	room := database.Room{Id: 7, AccountId: 1, Slug: "alice"}

	t.Run("ban", func(t *testing.T) {
		h := newTestHarness(t)
		defer h.repo.AssertExpectations(t)
		defer h.media.AssertExpectations(t)

		h.repo.On("GetAccountById", 1).Return(owner, nil).Twice()
		h.repo.On("GetRoomBySlug", "alice").Return(room, nil).Once()
		h.repo.On("IsModerator", 7, "viewer").Return(false, nil).Once()
		h.repo.On("CreateBan", 7, "viewer", "viewer").Return(nil).Once()
		h.media.On("RemoveParticipant", mock.Anything, "alice-room", "viewer-7").Return(nil).Once()

		req := jsonRequest(t, http.MethodPost, "/mod/ban", ModRequest{
			Room:     "alice-room",
			Identity: "viewer-7",
			Username: "viewer",
		})
		req.Header.Set("Authorization", bearerFor(t, 1))

		rr := h.do(req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("ban by session identity lands on the account", func(t *testing.T) {
		h := newTestHarness(t)
		defer h.repo.AssertExpectations(t)
		defer h.media.AssertExpectations(t)

		h.repo.On("GetAccountById", 1).Return(owner, nil).Twice()
		h.repo.On("GetAccountByUsername", "bob").
			Return(database.Account{Id: 2, Username: "bob"}, nil).Once()
		h.repo.On("GetRoomBySlug", "alice").Return(room, nil).Once()
		h.repo.On("IsModerator", 7, "bob").Return(false, nil).Once()
		h.repo.On("CreateBan", 7, "bob", "bob").Return(nil).Once()
		h.media.On("RemoveParticipant", mock.Anything, "alice-room", "bob-33be").Return(nil).Once()

		req := jsonRequest(t, http.MethodPost, "/mod/ban", ModRequest{
			Room:     "alice-room",
			Identity: "bob-33be",
		})
		req.Header.Set("Authorization", bearerFor(t, 1))

		rr := h.do(req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("missing fields", func(t *testing.T) {
		h := newTestHarness(t)
		defer h.repo.AssertExpectations(t)

		h.repo.On("GetAccountById", 1).Return(owner, nil).Once()

		req := jsonRequest(t, http.MethodPost, "/mod/kick", ModRequest{Room: "alice-room"})
		req.Header.Set("Authorization", bearerFor(t, 1))

		rr := h.do(req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("non-owner is forbidden", func(t *testing.T) {
		h := newTestHarness(t)
		defer h.repo.AssertExpectations(t)

		intruder := database.Account{Id: 2, Username: "bob"}
		h.repo.On("GetAccountById", 2).Return(intruder, nil).Once()
		h.repo.On("GetRoomBySlug", "alice").Return(room, nil).Once()

		req := jsonRequest(t, http.MethodPost, "/mod/kick", ModRequest{
			Room:     "alice-room",
			Identity: "viewer-7",
		})
		req.Header.Set("Authorization", bearerFor(t, 2))

		rr := h.do(req)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("timeout returns until", func(t *testing.T) {
		h := newTestHarness(t)
		defer h.repo.AssertExpectations(t)
		defer h.media.AssertExpectations(t)

		h.repo.On("GetAccountById", 1).Return(owner, nil).Twice()
		h.repo.On("GetRoomBySlug", "alice").Return(room, nil).Once()
		h.repo.On("IsModerator", 7, "viewer-7").Return(false, nil).Once()
		h.repo.On("ReplaceTimeout", 7, "viewer-7", "viewer-7", mock.AnythingOfType("time.Time")).
			Return(nil).Once()
		h.media.On("RemoveParticipant", mock.Anything, "alice-room", "viewer-7").Return(nil).Once()

		req := jsonRequest(t, http.MethodPost, "/mod/timeout", ModRequest{
			Room:     "alice-room",
			Identity: "viewer-7",
			Minutes:  10,
		})
		req.Header.Set("Authorization", bearerFor(t, 1))

		rr := h.do(req)
		assert.Equal(t, http.StatusOK, rr.Code)

		var resp map[string]string
		assert.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.NotEmpty(t, resp["until"])
	})
}

func TestRoomHandlers(t *testing.T) {
	owner := database.Account{Id: 1, Username: "alice"}
	room := database.Room{Id: 7, AccountId: 1, Name: "Alice", Slug: "alice"}

	t.Run("update access to token mode", func(t *testing.T) {
		h := newTestHarness(t)
		defer h.repo.AssertExpectations(t)

		h.repo.On("GetAccountById", 1).Return(owner, nil).Once()
		h.repo.On("GetRoomBySlug", "alice").Return(room, nil).Once()
		h.repo.On("UpdateRoomAccess", database.UpdateRoomAccessParams{
			RoomId:     7,
			AccessMode: rooms.ModeToken,
			TokenPrice: 25,
		}).Return(database.Room{Id: 7, AccountId: 1, Slug: "alice", AccessMode: rooms.ModeToken, TokenPrice: 25}, nil).Once()

		req := jsonRequest(t, http.MethodPost, "/api/room/update-access", UpdateAccessRequest{
			Slug:  "alice",
			Mode:  rooms.ModeToken,
			Price: 25,
		})
		req.Header.Set("Authorization", bearerFor(t, 1))

		rr := h.do(req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("subject lookup is public", func(t *testing.T) {
		h := newTestHarness(t)
		defer h.repo.AssertExpectations(t)

		withSubject := room
		withSubject.TempSubject = "movie night"
		h.repo.On("GetRoomBySlug", "alice").Return(withSubject, nil).Once()

		rr := h.do(httptest.NewRequest(http.MethodGet, "/api/room/subject?slug=alice", nil))
		assert.Equal(t, http.StatusOK, rr.Code)

		var resp map[string]string
		assert.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.Equal(t, "movie night", resp["subject"])
	})

	t.Run("set subject too long", func(t *testing.T) {
		h := newTestHarness(t)
		defer h.repo.AssertExpectations(t)

		h.repo.On("GetAccountById", 1).Return(owner, nil).Once()

		req := jsonRequest(t, http.MethodPost, "/api/room/set-subject", SetSubjectRequest{
			Slug:    "alice",
			Subject: strings.Repeat("a", 101),
		})
		req.Header.Set("Authorization", bearerFor(t, 1))

		rr := h.do(req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestHealthz(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		h := newTestHarness(t)
		defer h.repo.AssertExpectations(t)

		h.repo.On("Ping").Return(nil).Once()

		rr := h.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("database down", func(t *testing.T) {
		h := newTestHarness(t)
		defer h.repo.AssertExpectations(t)

		h.repo.On("Ping").Return(context.DeadlineExceeded).Once()

		rr := h.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})
}

func TestLiveHandlers(t *testing.T) {
	account := database.Account{Id: 1, Username: "alice"}

	t.Run("heartbeat with presence disabled still succeeds", func(t *testing.T) {
		h := newTestHarness(t)
		defer h.repo.AssertExpectations(t)

		h.repo.On("GetAccountById", 1).Return(account, nil).Once()

		req := httptest.NewRequest(http.MethodPost, "/api/live/start", nil)
		req.Header.Set("Authorization", bearerFor(t, 1))

		rr := h.do(req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("active lists broadcasters", func(t *testing.T) {
		h := newTestHarness(t)

		rr := h.do(httptest.NewRequest(http.MethodGet, "/api/live/active", nil))
		assert.Equal(t, http.StatusOK, rr.Code)

		var resp struct {
			Live []string `json:"live"`
		}
		assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Empty(t, resp.Live)
	})

	t.Run("active answers for one username", func(t *testing.T) {
		h := newTestHarness(t)

		rr := h.do(httptest.NewRequest(http.MethodGet, "/api/live/active?username=alice", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `"live":false`)
	})
}
