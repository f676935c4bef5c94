// ABOUTME: Assembles the gateway: store, session manager, router, sinks, queue, API.
// ABOUTME: Owns startup order, background loops, and graceful shutdown.

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zapfy/zap-gateway/internal/api"
	"github.com/zapfy/zap-gateway/internal/config"
	"github.com/zapfy/zap-gateway/internal/dedupe"
	"github.com/zapfy/zap-gateway/internal/protocol"
	"github.com/zapfy/zap-gateway/internal/queue"
	"github.com/zapfy/zap-gateway/internal/router"
	"github.com/zapfy/zap-gateway/internal/session"
	"github.com/zapfy/zap-gateway/internal/store"
	"github.com/zapfy/zap-gateway/internal/webhook"
	"github.com/zapfy/zap-gateway/internal/wshub"
)

// Gateway wires every component together for one running process.
type Gateway struct {
	config  *config.Config
	logger  *slog.Logger
	store   store.Store
	caches  *dedupe.Set
	router  *router.Router
	manager *session.Manager
	queue   *queue.Queue
	hub     *wshub.Hub

	httpServer *http.Server
}

// New builds the full component graph from config. Nothing starts running
// until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	factory, err := buildFactory(cfg.Protocol.Driver)
	if err != nil {
		st.Close()
		return nil, err
	}

	caches := dedupe.NewSet(cfg.Sessions.DedupeTTL)
	r := router.New(logger)

	mgr := session.NewManager(st, factory, r, caches, session.Options{
		MaxReconnectAttempts: cfg.Sessions.MaxReconnectAttempts,
		MaxQRRetries:         cfg.Sessions.MaxQRRetries,
		ReconnectBaseDelay:   cfg.Sessions.ReconnectBaseDelay,
		SyncBatchPause:       cfg.Sessions.SyncBatchPause,
		CleanupMaxDisconnect: cfg.Sessions.CleanupMaxDisconnect,
	}, logger)

	q := queue.New(mgr, cfg.Queue.DefaultDelay, logger)

	r.Register(webhook.NewSessionSink(st, webhook.Options{}, logger))
	if cfg.Webhook.GlobalEnabled {
		r.Register(webhook.NewGlobalSink(cfg.Webhook.GlobalURL, cfg.Webhook.GlobalSecret, webhook.Options{}, logger))
	}

	var hub *wshub.Hub
	if cfg.WebSocket.Enabled {
		hub = wshub.New(st, mgr, wshub.Options{
			GlobalSecret: cfg.WebSocket.GlobalSecret,
			AuthTimeout:  cfg.WebSocket.AuthTimeout,
		}, logger)
		r.Register(hub)
	}

	var verifier api.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = api.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}
	var counter api.ClientCounter
	if hub != nil {
		counter = hub
	}
	server := api.NewServer(st, mgr, q, counter, cfg.Auth.GlobalAPIKey, verifier, logger)

	var wsHandler http.Handler
	if hub != nil {
		wsHandler = hub
	}

	return &Gateway{
		config:  cfg,
		logger:  logger.With("component", "gateway"),
		store:   st,
		caches:  caches,
		router:  r,
		manager: mgr,
		queue:   q,
		hub:     hub,
		httpServer: &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           server.Routes(wsHandler),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func buildFactory(driver string) (protocol.Factory, error) {
	switch driver {
	case "loopback":
		return protocol.NewLoopbackFactory(), nil
	default:
		return nil, fmt.Errorf("unknown protocol driver %q", driver)
	}
}

// Run starts the HTTP server and background loops, restores previously live
// sessions, and blocks until ctx is cancelled or the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	g.manager.RestoreSessions(ctx)

	group, ctx := errgroup.WithContext(ctx)

	if g.config.Sessions.CleanupEnabled {
		group.Go(func() error {
			g.manager.StartCleanup(ctx, g.config.Sessions.CleanupInterval)
			return nil
		})
	}

	group.Go(func() error {
		g.logger.Info("http server listening", "addr", g.config.Server.HTTPAddr)
		if err := g.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		return g.shutdown()
	})

	return group.Wait()
}

// shutdown drains the process with a bounded grace period. The original run
// context is already cancelled, so a fresh one is used.
func (g *Gateway) shutdown() error {
	g.logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := g.httpServer.Shutdown(ctx)

	if g.hub != nil {
		g.hub.CloseAll()
	}
	g.queue.Shutdown()
	g.manager.Shutdown(ctx)
	g.router.Wait()
	g.caches.Close()

	if cerr := g.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
