package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "fleetdesk/api/swagger" // swagger docs
	"fleetdesk/internal/config"
	"fleetdesk/internal/database"
	"fleetdesk/internal/handler"
	"fleetdesk/internal/identity"
	"fleetdesk/internal/logging"
	"fleetdesk/internal/metrics"
	"fleetdesk/internal/middleware"
	"fleetdesk/internal/model"
	"fleetdesk/internal/notify"
	"fleetdesk/internal/permission"
	"fleetdesk/internal/profile"
	"fleetdesk/internal/repository"
	"fleetdesk/internal/routegate"
	"fleetdesk/internal/service"
	"fleetdesk/internal/session"
	"fleetdesk/internal/storage"
	"fleetdesk/internal/websocket"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// @title           Fleetdesk Console API
// @version         1.0
// @description     Session, permission and role administration for the fleet operations console.
// @host            localhost:8080
// @BasePath        /
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.JSON)
	slog.SetDefault(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewConnection(ctx, cfg.DB.ConnectionString(), logger)
	if err != nil {
		logger.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to PostgreSQL")

	// Local token storage
	var local storage.Store
	switch cfg.Storage.Driver {
	case "redis":
		r, err := storage.NewRedis(storage.RedisConfig{
			Addr:      cfg.Storage.RedisAddr,
			Password:  cfg.Storage.RedisPassword,
			DB:        cfg.Storage.RedisDB,
			KeyPrefix: cfg.Storage.RedisPrefix,
		})
		if err != nil {
			logger.Error("redis connection failed", "error", err)
			os.Exit(1)
		}
		defer r.Close()
		local = r
	default:
		local = storage.NewMemory()
	}

	// Repositories
	txManager := repository.NewTransactionManager(db)
	profileRepo := repository.NewProfileRepository(db)
	permissionRepo := repository.NewPermissionRepository(db)
	roleRepo := repository.NewRoleRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	credentialRepo := repository.NewCredentialRepository(db)

	// Services
	auditService := service.NewAuditService(auditRepo)
	roleService, err := service.NewRoleService(permissionRepo, roleRepo, profileRepo, txManager, auditService, cfg.Server.RoleCacheTTL, logger)
	if err != nil {
		logger.Error("role service init failed", "error", err)
		os.Exit(1)
	}
	if err := roleService.SeedBuiltInRoles(ctx); err != nil {
		logger.Warn("seeding built-in roles failed", "error", err)
	}
	accountService := service.NewAccountService(credentialRepo, profileRepo, roleRepo, txManager, auditService, logger)

	// Identity provider
	var provider identity.Provider
	switch cfg.Identity.Driver {
	case "local":
		provider = identity.NewLocal(identity.LocalConfig{
			Secret:     []byte(cfg.Identity.LocalSecret),
			Issuer:     cfg.Identity.LocalIssuer,
			AccessTTL:  cfg.Identity.LocalAccessTTL,
			RefreshTTL: cfg.Identity.LocalRefreshTTL,
		}, credentialRepo, local, logger)
		if cfg.Identity.LocalAdminEmail != "" {
			err := accountService.EnsureAccount(ctx, service.CreateAccountRequest{
				Email:    cfg.Identity.LocalAdminEmail,
				Password: cfg.Identity.LocalAdminPassword,
				Name:     cfg.Identity.LocalAdminName,
				Role:     model.RoleAdmin.String(),
			})
			if err != nil {
				logger.Warn("bootstrap account not created", "email", cfg.Identity.LocalAdminEmail, "error", err)
			}
		}
	default:
		provider = identity.NewGoTrue(identity.GoTrueConfig{
			URL:           cfg.Identity.GoTrueURL,
			APIKey:        cfg.Identity.GoTrueAPIKey,
			RefreshMargin: cfg.Identity.RefreshMargin,
		}, local, logger)
	}

	// WebSocket hub carries toasts, auth state and navigation to the UI
	wsHub := websocket.NewHub(cfg.Server.CORSOrigins, logger)
	go wsHub.Run(ctx)
	toasts := notify.Multi{wsHub, notify.Log{Logger: logger}}

	// Session + permissions
	store := session.New(provider, profile.NewResolver(profileRepo, logger), local,
		session.WithInitTimeout(cfg.Session.InitTimeout),
		session.WithForceSignOutWait(cfg.Session.ForceSignOutWait),
		session.WithPasswordResetRedirect(cfg.Session.PasswordResetRedirect),
		session.WithNotifier(toasts),
		session.WithLogger(logger),
	)
	store.Subscribe(func(st session.State) { wsHub.Publish(websocket.KindAuthState, st) })
	store.OnReset(func() { wsHub.Navigate("/") })

	perms := permission.NewResolver(permissionRepo,
		permission.WithFetchTimeout(cfg.Permission.FetchTimeout),
		permission.WithMaxAttempts(cfg.Permission.MaxAttempts),
		permission.WithNotifier(toasts),
		permission.WithLogger(logger),
		permission.WithStallHandler(store.ForceResetLoading),
	)
	detach := perms.Attach(ctx, store)

	store.Init(ctx)

	// Handlers
	keys := middleware.NewConsoleKeys(local)
	authz := middleware.NewAuthorizer(store, perms, keys, cfg.Session.InitTimeout)
	signInLimiter := middleware.NewRateLimiter(cfg.Server.SignInRate, cfg.Server.SignInBurst)
	go signInLimiter.Janitor(ctx)

	authHandler := handler.NewAuthHandler(store, perms, keys)
	roleHandler := handler.NewRoleHandler(roleService, perms)
	auditHandler := handler.NewAuditHandler(auditService)
	viewHandler := handler.NewViewHandler(perms)

	gin.SetMode(cfg.Server.GinMode)
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.Logger(logger), metrics.Instrument())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.Server.CORSOrigins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Accept", "Authorization", middleware.RequestIDHeader}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	router.Use(cors.New(corsConfig))

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "OK"})
	})
	router.GET("/ws", authz.RequireSession(), func(c *gin.Context) {
		websocket.ServeWs(wsHub, c)
	})

	api := router.Group("")
	authHandler.RegisterRoutes(api, authz, signInLimiter.Middleware())
	roleHandler.RegisterRoutes(api, authz)
	auditHandler.RegisterRoutes(api, authz)
	if cfg.Identity.Driver == "local" {
		handler.NewAccountHandler(accountService).RegisterRoutes(api, authz)
	}
	viewHandler.RegisterRoutes(router, middleware.RouteGate(routegate.New(cfg.Routes), store, keys, cfg.Session.InitTimeout))

	srv := &http.Server{Addr: cfg.Server.Addr(), Handler: router}
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	detach()
	store.Teardown()
}
