package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/auth"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/call"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/config"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/gateway"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/handler"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/idgen"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/presence"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/push"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/registry"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/router"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/service"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/store"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/database"
	pkglog "github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/middleware"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/pubsub"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	pkglog.Init(cfg.Log)
	logger := pkglog.L()

	logger.Info().Str("addr", cfg.Server.Addr()).Msg("starting realtime-service")

	// Initialize database
	db, err := database.New(&cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close(db)

	st := store.NewGormStore(db)
	if err := st.Migrate(); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}
	logger.Info().Str("driver", cfg.Database.Driver).Msg("database ready")

	// Initialize PubSub
	ps, err := pubsub.NewPubSub(cfg.PubSub)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize pubsub")
	}
	defer ps.Close()
	logger.Info().Str("driver", cfg.PubSub.Driver).Msg("pubsub ready")

	// Initialize presence
	statusStore, err := newStatusStore(cfg.Presence)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize presence store")
	}
	origin, _ := os.Hostname()
	if origin == "" {
		origin = uuid.New().String()
	}
	presenceSvc := presence.NewService(statusStore, ps, origin)

	// Initialize collaborators
	verifier, err := auth.New(cfg.Auth)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize auth verifier")
	}
	if closer, ok := verifier.(io.Closer); ok {
		defer closer.Close()
	}
	logger.Info().Str("driver", cfg.Auth.Driver).Msg("auth verifier ready")

	notifier, err := push.New(cfg.Push)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize push notifier")
	}
	defer notifier.Close()

	ids, err := idgen.New(cfg.ID)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize id generator")
	}

	// Core
	reg := registry.New(registry.WithPresence(presenceSvc))
	msgRouter := router.New(reg, ids, notifier, router.WithStore(st))
	orchestrator := call.New(cfg.Call, reg, notifier, call.WithStore(st))
	defer orchestrator.Close()

	dispatcher := service.NewDispatcher(msgRouter, orchestrator, presenceSvc)
	gw := gateway.New(cfg.WebSocket, verifier, reg, dispatcher, gateway.WithSessionStore(st))
	relay := presence.NewRelay(ps, reg)

	// HTTP
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), pkglog.GinMiddleware(logger))

	authMiddleware := middleware.NewAuthMiddleware(auth.Authenticator{Verifier: verifier})
	h := handler.NewHandler(presenceSvc, orchestrator, st, ids, authMiddleware, gw)
	h.RegisterRoutes(engine)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg("realtime-service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return gw.RunWatchdog(gctx)
	})

	g.Go(func() error {
		relay.Run(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down realtime-service")

		gw.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("realtime-service exited with error")
	}

	logger.Info().Msg("realtime-service stopped")
}

func newStatusStore(cfg config.PresenceConfig) (presence.StatusStore, error) {
	switch cfg.Store {
	case "redis":
		client, err := pubsub.NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return presence.NewRedisStatusStore(client, cfg.TTL), nil
	default:
		return presence.NewMemoryStatusStore(), nil
	}
}
