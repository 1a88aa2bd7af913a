package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/quillpress/realtime/internal/api"
	"github.com/quillpress/realtime/internal/blogapi"
	"github.com/quillpress/realtime/internal/cache"
	"github.com/quillpress/realtime/internal/credential"
	"github.com/quillpress/realtime/internal/desktop"
	"github.com/quillpress/realtime/internal/events"
	"github.com/quillpress/realtime/internal/notify"
	"github.com/quillpress/realtime/internal/realtime"
	"github.com/quillpress/realtime/internal/transport"
	"github.com/quillpress/realtime/pkg/config"
	"github.com/quillpress/realtime/pkg/logging"
	"github.com/quillpress/realtime/pkg/telemetry"
)

func main() {
	envErr := godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logging.InitLogger(&cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.GetLogger().Sync()

	logger := logging.GetLogger()
	logger.Info("Starting Quill realtime client")
	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		logger.Warn("Ignoring unreadable .env file", zap.Error(envErr))
	}

	// Initialize telemetry
	telemetryShutdown, err := telemetry.Init(&cfg.Telemetry)
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer telemetryShutdown()

	token, identity, err := resolveIdentity(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to resolve credentials", zap.Error(err))
	}

	client, err := blogapi.New(&cfg.API, token)
	if err != nil {
		logger.Fatal("Failed to create API client", zap.Error(err))
	}

	dispatcher := events.NewDispatcher()

	storeOpts := notify.Options{Remote: client, Timeout: cfg.API.Timeout}
	var bridge *desktop.Bridge
	if cfg.Desktop.Enabled {
		bridge = desktop.New(desktop.NewDBusBackend(cfg.Desktop.AppName), desktop.Options{
			RatePerMinute: cfg.Desktop.RatePerMinute,
		})
		storeOpts.Bridge = bridge
	}
	store, err := notify.NewStore(storeOpts)
	if err != nil {
		logger.Fatal("Failed to create notification store", zap.Error(err))
	}
	detachStore := store.Attach(dispatcher)

	// Redis is optional; a failed connection leaves the mirror off
	redisCache, err := cache.New(&cfg.Redis)
	if err != nil {
		logger.Warn("Redis unavailable, unread mirror disabled", zap.Error(err))
		redisCache = nil
	}
	var mirror *cache.Mirror
	if redisCache != nil {
		mirror = cache.NewMirror(redisCache, 0)
		mirror.Attach(store)
	}

	session, err := realtime.NewSession(realtime.Options{
		Endpoint:   cfg.Realtime.WebSocketURL,
		Transport:  transport.NewWebSocket(transport.Options{Token: token}),
		Dispatcher: dispatcher,
		Policy: realtime.Policy{
			Base:        cfg.Realtime.ReconnectBase,
			MaxAttempts: cfg.Realtime.MaxAttempts,
		},
	})
	if err != nil {
		logger.Fatal("Failed to create realtime session", zap.Error(err))
	}
	session.AddEventListener(events.CategoryConnection, func(e events.Event) {
		change, ok := e.Payload.(events.ConnectionChange)
		if ok && change.Err != nil && transport.IsAuthError(change.Err) {
			logger.Warn("Realtime credentials rejected; not retrying", zap.Error(change.Err))
		}
	})

	if err := session.Start(identity); err != nil {
		logger.Fatal("Failed to start realtime session", zap.Error(err))
	}

	loadCtx, cancelLoad := context.WithTimeout(context.Background(), cfg.API.Timeout)
	store.Load(loadCtx, identity.TenantID)
	store.LoadUnreadCount(loadCtx, identity.TenantID)
	cancelLoad()

	// Create Gin router
	if cfg.Logging.Level == "DEBUG" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	routerOpts := api.Options{Store: store, Session: session, Metrics: cfg.Telemetry.PrometheusEnabled}
	if redisCache != nil {
		routerOpts.Cache = redisCache
	}
	api.NewRouter(routerOpts).SetupRoutes(engine)

	// Create HTTP server
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// Connection first so no event reaches a closing store
	session.Close()
	detachStore()
	store.Close()
	if mirror != nil {
		mirror.Close()
	}
	if bridge != nil {
		bridge.Close()
	}
	if err := redisCache.Close(); err != nil {
		logger.Warn("Error closing Redis", zap.Error(err))
	}

	logger.Info("Exited")
}

// resolveIdentity finds the bearer token and the user/tenant it belongs to.
// Configured ids take precedence over the token's claims.
func resolveIdentity(cfg *config.Config, logger *zap.Logger) (string, realtime.Identity, error) {
	var src credential.Source
	if ring, err := credential.OpenKeyring(cfg.API.KeyringService); err != nil {
		logger.Debug("Keyring unavailable", zap.Error(err))
	} else {
		src = ring
	}

	token, err := credential.ResolveToken(cfg.API.Token, src)
	if err != nil {
		return "", realtime.Identity{}, err
	}

	id := realtime.Identity{UserID: cfg.Identity.UserID, TenantID: cfg.Identity.TenantID}
	claims, err := credential.ParseClaims(token, time.Now())
	switch {
	case errors.Is(err, credential.ErrExpired):
		return "", realtime.Identity{}, err
	case err != nil:
		logger.Debug("Token carries no readable claims", zap.Error(err))
	default:
		if id.UserID == "" {
			id.UserID = claims.User()
		}
		if id.TenantID == "" {
			id.TenantID = claims.TenantID
		}
	}

	if !id.Complete() {
		return "", realtime.Identity{}, realtime.ErrIncompleteIdentity
	}
	return token, id, nil
}
