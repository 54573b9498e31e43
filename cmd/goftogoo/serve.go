package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/4xmen/goftogoo/internal/auth"
	"github.com/4xmen/goftogoo/internal/badge"
	"github.com/4xmen/goftogoo/internal/blob"
	"github.com/4xmen/goftogoo/internal/chatsync"
	"github.com/4xmen/goftogoo/internal/docstore"
	"github.com/4xmen/goftogoo/internal/handlers"
	"github.com/4xmen/goftogoo/internal/kv"
	"github.com/4xmen/goftogoo/internal/logger"
	"github.com/4xmen/goftogoo/internal/maintenance"
	"github.com/4xmen/goftogoo/internal/metrics"
	"github.com/4xmen/goftogoo/internal/moderation"
	"github.com/4xmen/goftogoo/internal/presence"
	"github.com/4xmen/goftogoo/internal/push"
	"github.com/4xmen/goftogoo/internal/ratelimit"
	"github.com/4xmen/goftogoo/internal/spam"
	"github.com/4xmen/goftogoo/internal/tree"
	"github.com/4xmen/goftogoo/internal/unread"
	"github.com/4xmen/goftogoo/internal/ws"
	"github.com/4xmen/goftogoo/pkg/config"
)

// treeJournalPrefix namespaces the ordered store inside the kv database,
// next to the unread watermarks.
const treeJournalPrefix = "tree/"

// app owns every store and engine of one server process.
type app struct {
	cfg *config.Config
	log *zap.Logger

	docs  *docstore.SQLite
	state *kv.Pebble
	store *tree.Memory
	files *blob.FS

	window    *ratelimit.SlidingWindow
	chats     *chatsync.Engine
	tracker   *unread.Tracker
	typing    *presence.Engine
	mod       *moderation.Engine
	hub       *ws.Hub
	scheduler *maintenance.Scheduler

	router *gin.Engine
}

func newApp(cfg *config.Config, log *zap.Logger) (a *app, err error) {
	log = logger.OrNop(log)
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	a = &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.docs, err = docstore.Open(cfg.DatabasePath); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if a.state, err = kv.Open(cfg.KVPath, log); err != nil {
		return nil, err
	}
	if a.store, err = tree.NewJournaled(a.state.Journal(treeJournalPrefix)); err != nil {
		return nil, err
	}
	if a.files, err = blob.NewFS(cfg.FileStoragePath, cfg.MaxUploadSize); err != nil {
		return nil, fmt.Errorf("failed to initialize file storage: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	tuning := cfg.Tuning
	webPush := push.NewWebPush(a.docs, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubscriber, log)
	var gateway push.Gateway
	if webPush != nil {
		gateway = webPush
	} else {
		log.Warn("web_push_disabled", zap.String("reason", "VAPID keys are not configured"))
	}
	authSvc := auth.New(a.docs, cfg.JWTSecret)

	a.window = ratelimit.NewSlidingWindow(tuning.SpamLimit, tuning.SpamWindow, nil)
	a.chats = chatsync.New(chatsync.Options{
		Tree:    a.store,
		Blobs:   a.files,
		Push:    gateway,
		Guard:   spam.New(tuning.MaxMessageLength, a.window),
		Admins:  authSvc,
		Log:     log.Named("chats"),
		Metrics: m,
		Tuning:  tuning,
	})
	a.tracker = unread.New(unread.Options{
		Tree:     a.store,
		KV:       a.state,
		Chats:    a.chats,
		Log:      log.Named("unread"),
		Metrics:  m,
		TTL:      tuning.UnreadCacheTTL,
		Lookback: tuning.UnreadLookback,
	})
	a.chats.AddReadListener(a.tracker)
	a.typing = presence.New(presence.Options{
		Tree:       a.store,
		Access:     a.chats,
		Log:        log.Named("presence"),
		Metrics:    m,
		Throttle:   tuning.TypingThrottle,
		StaleAfter: tuning.TypingStaleAfter,
	})
	a.mod = moderation.New(moderation.Options{
		Tree:    a.store,
		Docs:    a.docs,
		Poster:  a.chats,
		Admins:  authSvc,
		Log:     log.Named("moderation"),
		Metrics: m,
		Tuning:  tuning,
	})
	a.chats.SetGate(a.mod)

	a.hub = ws.NewHub(ws.Options{
		Chats:          a.chats,
		Unread:         a.tracker,
		Presence:       a.typing,
		BadgeSink:      badge.PushSink{Gateway: gateway},
		AllowedOrigins: cfg.CORSOrigins,
		Log:            log.Named("ws"),
	})

	a.scheduler = maintenance.New(nil, log.Named("maintenance"),
		maintenance.Sweep("typing", a.typing.Sweep),
		maintenance.Sweep("unread_cache", a.tracker.Sweep),
		maintenance.Sweep("spam_window", a.window.Sweep),
		maintenance.Task{Name: "ban_expiry", Run: a.mod.ExpireBans},
	)

	if a.router, err = a.buildRouter(authSvc, webPush, reg); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) buildRouter(authSvc *auth.Service, webPush *push.WebPush, reg *prometheus.Registry) (*gin.Engine, error) {
	global, err := handlers.NewLimiter(a.cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT: %w", err)
	}
	loginLimiter, _ := handlers.NewLimiter("5-M")
	registerLimiter, _ := handlers.NewLimiter("2-M")

	if a.cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(handlers.ServerErrorLogger(a.log))
	router.Use(gin.Logger())
	router.Use(handlers.PanicRecovery(a.log))
	router.Use(handlers.CORS(a.cfg.CORSOrigins))
	router.MaxMultipartMemory = a.cfg.MaxUploadSize

	authHandler := handlers.NewAuthHandler(authSvc)
	api := router.Group("", handlers.RateLimit(global))
	handlers.Routes{
		Auth:            authHandler,
		Chats:           handlers.NewChatHandler(a.chats, a.tracker, a.typing, a.files, a.cfg.MaxUploadSize, a.log.Named("http")),
		Moderation:      handlers.NewModerationHandler(a.mod),
		Push:            handlers.NewPushHandler(webPush),
		Files:           a.files,
		LoginLimiter:    loginLimiter,
		RegisterLimiter: registerLimiter,
	}.Mount(api)

	router.GET("/ws", authHandler.AuthMiddleware(), a.hub.HandleWebSocket)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": a.hub.Clients()})
	})
	return router, nil
}

// start runs the background loops and returns a func that stops them.
func (a *app) start(ctx context.Context) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		a.hub.Run(ctx)
	}()

	if _, err := a.mod.Restore(ctx); err != nil {
		a.log.Error("moderation_restore_failed", zap.Error(err))
	}

	stopScheduler, err := a.scheduler.Start(ctx, a.cfg.MaintenanceCron)
	if err != nil {
		cancel()
		<-hubDone
		return nil, err
	}
	return func() {
		stopScheduler()
		cancel()
		<-hubDone
	}, nil
}

// close shuts the engines down before the stores they write to.
func (a *app) close() {
	if a.mod != nil {
		a.mod.Close()
	}
	if a.typing != nil {
		a.typing.Close()
	}
	if a.tracker != nil {
		a.tracker.Close()
	}
	if a.chats != nil {
		a.chats.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.state != nil {
		if err := a.state.Close(); err != nil {
			a.log.Error("kv_close_failed", zap.Error(err))
		}
	}
	if a.docs != nil {
		if err := a.docs.Close(); err != nil {
			a.log.Error("database_close_failed", zap.Error(err))
		}
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
	log, err := logger.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return err
	}
	defer log.Sync()

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	stop, err := a.start(ctx)
	if err != nil {
		return err
	}
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%s", cfg.Port),
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("server_starting", zap.String("addr", srv.Addr), zap.String("environment", cfg.Environment))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("server_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
