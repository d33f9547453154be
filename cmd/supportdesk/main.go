// Package main is the Supportdesk chat backend entry point. One binary
// serves the visitor widget and the agent dashboard over WebSocket, plus a
// small HTTP surface for health checks and admin settings.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/supportdesk/supportdesk/internal/ai"
	"github.com/supportdesk/supportdesk/internal/auth"
	"github.com/supportdesk/supportdesk/internal/chat/dispatcher"
	"github.com/supportdesk/supportdesk/internal/chat/matcher"
	"github.com/supportdesk/supportdesk/internal/chat/models"
	"github.com/supportdesk/supportdesk/internal/chat/proactive"
	"github.com/supportdesk/supportdesk/internal/chat/session"
	"github.com/supportdesk/supportdesk/internal/chat/store"
	"github.com/supportdesk/supportdesk/internal/chat/wshandlers"
	"github.com/supportdesk/supportdesk/internal/common/config"
	apperrors "github.com/supportdesk/supportdesk/internal/common/errors"
	"github.com/supportdesk/supportdesk/internal/common/httpmw"
	"github.com/supportdesk/supportdesk/internal/common/logger"
	"github.com/supportdesk/supportdesk/internal/common/tracing"
	"github.com/supportdesk/supportdesk/internal/events/bus"
	"github.com/supportdesk/supportdesk/internal/fetch"
	gws "github.com/supportdesk/supportdesk/internal/gateway/websocket"
	"github.com/supportdesk/supportdesk/internal/notify"
	"github.com/supportdesk/supportdesk/internal/presence"
	"github.com/supportdesk/supportdesk/internal/settings"
	"github.com/supportdesk/supportdesk/pkg/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Supportdesk...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		defer natsBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// Repository: sqlite by default, postgres when configured.
	tables := store.Tables{
		Sessions:      cfg.Database.Tables.Sessions,
		Messages:      cfg.Database.Tables.Messages,
		Users:         cfg.Database.Tables.Users,
		Notifications: cfg.Database.Tables.Notifications,
		Accuracy:      cfg.Database.Tables.Accuracy,
		Settings:      cfg.Database.Tables.Settings,
	}
	var repo store.Repository
	switch cfg.Database.Driver {
	case "postgres":
		repo, err = store.NewPostgresRepository(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, tables)
		if err != nil {
			log.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
		}
		log.Info("PostgreSQL repository initialized", zap.String("host", cfg.Database.Host))
	default:
		repo, err = store.NewSQLiteRepository(cfg.Database.Path, tables)
		if err != nil {
			log.Fatal("Failed to initialize SQLite database", zap.Error(err))
		}
		log.Info("SQLite repository initialized", zap.String("path", cfg.Database.Path))
	}
	defer repo.Close()

	// Phrase pack: built-in tables unless a pack file overrides them.
	var pack *matcher.PhrasePack
	if cfg.Chat.PhrasePackPath != "" {
		pack, err = matcher.LoadPhrasePack(cfg.Chat.PhrasePackPath)
		if err != nil {
			log.Fatal("Failed to load phrase pack", zap.Error(err),
				zap.String("path", cfg.Chat.PhrasePackPath))
		}
		log.Info("Phrase pack loaded", zap.String("path", cfg.Chat.PhrasePackPath))
	}

	verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.AdminSharedSecret)
	if err != nil {
		log.Fatal("Failed to initialize auth", zap.Error(err))
	}

	// AI generator: nil when no API key, which disables the AI path and
	// routes everything through canned replies and the fallback.
	var generator ai.TextGenerator
	if cfg.AI.APIKey != "" {
		gen, err := ai.NewGenerator(ctx, cfg.AI.APIKey, cfg.AI.Model, cfg.AI.FallbackModels, log)
		if err != nil {
			log.Fatal("Failed to initialize AI generator", zap.Error(err))
		}
		generator = gen
		log.Info("AI generator initialized", zap.String("model", cfg.AI.Model))
	} else {
		log.Warn("No AI API key configured - AI replies disabled")
	}

	settingsSvc := settings.NewService(repo, log)
	sessionSvc := session.NewService(repo, log)
	notifySvc := notify.NewService(repo, eventBus, log)

	wsDispatcher := ws.NewDispatcher()
	hub := gws.NewHub(wsDispatcher, log)

	registry := presence.NewRegistry(cfg.Chat.GracePeriod())
	presenceMgr := presence.NewManager(registry, hub, verifier, repo, eventBus, notifySvc, log)

	queue := dispatcher.NewBestEffortQueue(cfg.Chat.BestEffortQueueSize, log)
	queue.Start(ctx)
	defer queue.Close()

	chatDispatcher := dispatcher.New(dispatcher.Params{
		Repo:      repo,
		Sessions:  sessionSvc,
		Matcher:   matcher.New(pack),
		Generator: generator,
		Fetcher:   fetch.NewHTTPFetcher(cfg.Chat.StorageProxyPrefix, cfg.Chat.StorageProxyBase),
		Settings:  settingsSvc,
		Agents:    registry,
		Rooms:     hub,
		Queue:     queue,
		RedactPII: cfg.Chat.RedactPII,
		WordLimit: cfg.AI.WordLimit,
		Logger:    log,
	})

	proactiveOrch := proactive.NewOrchestrator(repo, presenceMgr, hub, log)

	handlers := wshandlers.New(wshandlers.Params{
		Hub:        hub,
		Dispatcher: chatDispatcher,
		Sessions:   sessionSvc,
		Presence:   presenceMgr,
		Proactive:  proactiveOrch,
		Notify:     notifySvc,
		Settings:   settingsSvc,
		Repo:       repo,
		Queue:      queue,
		Bus:        eventBus,
		Logger:     log,
	})
	handlers.Register(wsDispatcher)
	if err := handlers.BindBus(); err != nil {
		log.Fatal("Failed to subscribe to event bus", zap.Error(err))
	}
	hub.SetDisconnectHandler(handlers.HandleDisconnect)
	go hub.Run(ctx)

	// HTTP surface.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "supportdesk"))
	router.Use(httpmw.OtelTracing("supportdesk"))

	wsHandler := gws.NewHandler(hub, log)
	router.GET("/ws", wsHandler.HandleConnection)
	router.GET("/ws/admin", wsHandler.HandleConnection)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "supportdesk",
			"bus":     eventBus.IsConnected(),
		})
	})

	api := router.Group("/api/v1")
	api.Use(requireAdmin(verifier))
	registerSettingsRoutes(api, settingsSvc)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("admin_websocket", "/ws/admin"),
		zap.String("health", "/health"),
		zap.String("settings", "/api/v1/settings"),
	)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		log.Info("Server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down Supportdesk...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Error("Tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("Server error", zap.Error(err))
	}
	log.Info("Supportdesk stopped")
}

// requireAdmin gates the REST surface on a bearer token carrying at least
// the admin role.
func requireAdmin(verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		claims, err := auth.RequireRole(verifier, token, models.RoleAdmin)
		if err != nil {
			status := http.StatusForbidden
			if apperrors.IsUnauthorized(err) {
				status = http.StatusUnauthorized
			}
			c.AbortWithStatusJSON(status, gin.H{"error": "admin access required"})
			return
		}
		c.Set("userID", claims.UserID)
		c.Next()
	}
}

// registerSettingsRoutes exposes the runtime-tunable settings.
func registerSettingsRoutes(group *gin.RouterGroup, svc *settings.Service) {
	group.GET("/settings", func(c *gin.Context) {
		ctx := c.Request.Context()
		c.JSON(http.StatusOK, gin.H{
			settings.KeySystemPrompt:        svc.SystemPrompt(ctx),
			settings.KeyContextLimit:        svc.ContextLimit(ctx),
			settings.KeyWelcomeMessage:      svc.WelcomeMessage(ctx),
			settings.KeyImageAnalysisPrompt: svc.ImageAnalysisPrompt(ctx),
		})
	})

	group.PUT("/settings/:key", func(c *gin.Context) {
		var body struct {
			Value string `json:"value"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := svc.Set(c.Request.Context(), c.Param("key"), body.Value); err != nil {
			if apperrors.IsValidation(err) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store setting"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
}

// corsMiddleware allows the widget and dashboard origins; the widget is
// embedded on arbitrary customer sites.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
