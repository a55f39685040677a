// Package api is the HTTP surface: routing, auth middleware, request
// decoding and the JSON error envelope. All domain decisions live in the
// packages behind it.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"go.uber.org/zap"

	"streamgate/internal/access"
	"streamgate/internal/config"
	"streamgate/internal/database"
	"streamgate/internal/identity"
	"streamgate/internal/moderation"
	"streamgate/internal/payments"
	"streamgate/internal/presence"
	"streamgate/internal/rooms"
	"streamgate/internal/stats"
	"streamgate/internal/wallet"
)

type Server struct {
	log      *zap.SugaredLogger
	repo     database.StreamGateRepository
	mux      *http.Server
	resolver *identity.Resolver
	engine   *access.Engine
	ledger   *wallet.Ledger
	rooms    *rooms.Directory
	mods     *moderation.Commands
	payments *payments.Service
	presence *presence.Tracker
	metrics  *stats.Metrics
	limiter  *ipRateLimiter
}

type Deps struct {
	Repo     database.StreamGateRepository
	Resolver *identity.Resolver
	Engine   *access.Engine
	Ledger   *wallet.Ledger
	Rooms    *rooms.Directory
	Mods     *moderation.Commands
	Payments *payments.Service
	Presence *presence.Tracker
	Metrics  *stats.Metrics
}

func NewServer(logger *zap.SugaredLogger, cfg *config.Config, deps Deps) *Server {
	s := &Server{
		log:      logger,
		repo:     deps.Repo,
		resolver: deps.Resolver,
		engine:   deps.Engine,
		ledger:   deps.Ledger,
		rooms:    deps.Rooms,
		mods:     deps.Mods,
		payments: deps.Payments,
		presence: deps.Presence,
		metrics:  deps.Metrics,
		limiter:  newIpRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/media-token", s.optionalAuthMiddleware(s.mediaToken))

	mux.HandleFunc("GET /api/wallet", s.authMiddleware(s.walletBalance))
	mux.HandleFunc("GET /api/wallet/history", s.authMiddleware(s.walletHistory))
	mux.HandleFunc("POST /api/wallet/create-payment", s.authMiddleware(s.createPayment))
	mux.HandleFunc("POST /api/wallet/webhook", s.paymentWebhook)
	mux.HandleFunc("POST /api/tip", s.authMiddleware(s.tip))

	mux.HandleFunc("POST /api/room/update-access", s.authMiddleware(s.updateRoomAccess))
	mux.HandleFunc("POST /api/room/set-subject", s.authMiddleware(s.setRoomSubject))
	mux.HandleFunc("POST /api/room/reset-subject", s.authMiddleware(s.resetRoomSubject))
	mux.HandleFunc("GET /api/room/subject", s.roomSubject)

	mux.HandleFunc("POST /mod/kick", s.authMiddleware(s.modKick))
	mux.HandleFunc("POST /mod/ban", s.authMiddleware(s.modBan))
	mux.HandleFunc("POST /mod/timeout", s.authMiddleware(s.modTimeout))
	mux.HandleFunc("POST /mod/unban", s.authMiddleware(s.modUnban))
	mux.HandleFunc("POST /mod/addmod", s.authMiddleware(s.modAdd))
	mux.HandleFunc("POST /mod/removemod", s.authMiddleware(s.modRemove))

	mux.HandleFunc("POST /api/live/start", s.authMiddleware(s.liveStart))
	mux.HandleFunc("POST /api/live/stop", s.authMiddleware(s.liveStop))
	mux.HandleFunc("GET /api/live/active", s.liveActive)

	mux.HandleFunc("GET /healthz", s.healthz)
	mux.Handle("GET /metrics", deps.Metrics.Handler())

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.Server.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.rateLimitMiddleware(h)
	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *Server) Start() error {
	s.log.Infow("starting server", "addr", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
