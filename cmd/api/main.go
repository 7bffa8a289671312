package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "veilrate/docs" // This is for Swagger
	"veilrate/internal/auth"
	"veilrate/internal/config"
	"veilrate/internal/database"
	"veilrate/internal/email"
	"veilrate/internal/handlers"
	"veilrate/internal/he"
	"veilrate/internal/keyring"
	"veilrate/internal/logger"
	"veilrate/internal/middleware"
	"veilrate/internal/oracle"
	"veilrate/internal/repository"
	"veilrate/internal/scheduler"
	"veilrate/internal/service"
	"veilrate/internal/vault"

	httpSwagger "github.com/swaggo/http-swagger"
)

// @title Veilrate API
// @version 1.0
// @description Anonymous rating service. Ratings are stored encrypted; plaintext only ever appears through proof-gated oracle reveals, and every state change lands on a hash chained audit feed.

// @contact.name API Support
// @contact.email support@veilrate.dev

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logger
	logger.Setup(logger.Config{
		Level: cfg.Log.Level,
	})

	slog.Info("Starting application",
		"name", cfg.App.Name,
		"version", cfg.App.Version,
		"env", cfg.App.Env,
		"oracle_mode", cfg.Oracle.Mode,
		"log_level", cfg.Log.Level,
	)

	// Initialize database
	db, err := database.New(&cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func(db *database.Database) {
		if err := db.Close(); err != nil {
			slog.Error("Failed to close database connection", "error", err)
		}
	}(db)

	slog.Info("Database connection established")

	// Run database migrations
	migrator := database.NewMigrationExecutor(db.DB)
	if err := migrator.RunMigrations("./migrations"); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("Database migrations completed")

	// Initialize Vault (optional for embedded mode, required for remote)
	var vaultClient *vault.Client
	if cfg.Vault.Enabled {
		vaultClient, err = vault.NewClient(&vault.Config{
			Address:      cfg.Vault.Address,
			Token:        cfg.Vault.Token,
			TransitMount: cfg.Vault.TransitMount,
		})
		if err != nil {
			slog.Error("Failed to initialize Vault client", "error", err)
			os.Exit(1)
		}
		if err := vaultClient.Health(); err != nil {
			slog.Error("Vault health check failed", "error", err)
			os.Exit(1)
		}
		slog.Info("Vault connection established", "vault_addr", cfg.Vault.Address)
	}

	// Initialize the homomorphic encryption engine
	engine, err := he.NewEngine()
	if err != nil {
		slog.Error("Failed to initialize encryption engine", "error", err)
		os.Exit(1)
	}

	// Load oracle keys and build the decryption oracle
	var decryptionOracle service.DecryptionOracle
	var embeddedOracle *oracle.Embedded
	var ring *keyring.Keyring

	switch cfg.Oracle.Mode {
	case "embedded":
		ring, err = keyring.Load(db.DB, vaultClient, cfg.JWT.Secret, engine)
		if err != nil {
			slog.Error("Failed to load oracle keyring", "error", err)
			os.Exit(1)
		}

		signKey, err := ring.SigningKey()
		if err != nil {
			slog.Error("Oracle signing key unavailable", "error", err)
			os.Exit(1)
		}
		heSecret, err := ring.HESecretKey()
		if err != nil {
			slog.Error("Oracle decryption key unavailable", "error", err)
			os.Exit(1)
		}

		embeddedOracle, err = oracle.NewEmbedded(engine, signKey, ring.HEPublicKey(), heSecret, cfg.Oracle.DevLatency)
		if err != nil {
			slog.Error("Failed to initialize embedded oracle", "error", err)
			os.Exit(1)
		}
		decryptionOracle = embeddedOracle

		slog.Warn("Embedded oracle active: this process holds the decryption key, use only for development")
	case "remote":
		ring, err = keyring.FetchPublic(vaultClient)
		if err != nil {
			slog.Error("Failed to fetch oracle public keys", "error", err)
			os.Exit(1)
		}

		client, err := oracle.NewClient(engine, ring.SigningPublicKey(), ring.HEPublicKey(), cfg.Oracle.URL, cfg.Oracle.CallbackURL)
		if err != nil {
			slog.Error("Failed to initialize oracle client", "error", err)
			os.Exit(1)
		}
		decryptionOracle = client

		slog.Info("Remote oracle configured", "oracle_url", cfg.Oracle.URL)
	}

	// Initialize repositories
	userRepo := repository.NewUserRepository(db.DB)
	roleRepo := repository.NewRoleRepository(db.DB)
	recordRepo := repository.NewRecordRepository(db.DB)
	pendingRepo := repository.NewPendingRequestRepository(db.DB)
	aggregateRepo := repository.NewSubjectAggregateRepository(db.DB)
	eventRepo := repository.NewEventRepository(db.DB)

	// Initialize services
	jwtService := auth.NewService(&cfg.JWT)
	authService := service.NewAuthService(userRepo, roleRepo, jwtService)
	ratingService := service.NewRatingService(db.DB, recordRepo, cfg.Rating.MaxCiphertextBytes)
	protocolService := service.NewProtocolService(db.DB, decryptionOracle, recordRepo, pendingRepo, aggregateRepo, cfg.Oracle.RequestTTL)
	aggregateService := service.NewAggregateService(aggregateRepo)
	eventService := service.NewEventService(eventRepo)
	emailService := email.NewService(&cfg.Email)

	// The embedded oracle delivers its callbacks straight into the protocol
	// service, exercising the same commit path a remote oracle would hit
	// over HTTP.
	if embeddedOracle != nil {
		embeddedOracle.SetDelivery(func(cb oracle.Callback) error {
			return protocolService.HandleCallback(cb.RequestID, cb.Payload, cb.Proof)
		})
		embeddedOracle.Start()
		defer embeddedOracle.Stop()
	}

	// Initialize scheduler
	if cfg.Scheduler.Enabled {
		schedulerService := scheduler.NewScheduler(protocolService, eventService, roleRepo, emailService, &cfg.Scheduler, cfg.Oracle.RequestTTL)
		schedulerService.Start()
		defer schedulerService.Stop()
	}

	// Initialize middleware
	authMw := middleware.NewAuthMiddleware(jwtService)
	rbacMw := middleware.NewRBACMiddleware()
	corsMw := middleware.NewCORSMiddleware(&cfg.CORS)
	rateLimiter := middleware.NewRateLimiter(&cfg.RateLimit)

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(authService, &cfg.JWT)
	ratingHandler := handlers.NewRatingHandler(ratingService, protocolService, &cfg.Rating)
	aggregateHandler := handlers.NewAggregateHandler(aggregateService, protocolService)
	callbackHandler := handlers.NewCallbackHandler(protocolService)
	eventHandler := handlers.NewEventHandler(eventService)
	userHandler := handlers.NewUserHandler(userRepo, roleRepo)
	configHandler := handlers.NewConfigHandler(cfg, ring, engine)

	// Setup router
	mux := http.NewServeMux()

	// Public routes
	mux.HandleFunc("POST /api/v1/auth/register", authHandler.Register)
	mux.HandleFunc("POST /api/v1/auth/login", authHandler.Login)
	mux.Handle("GET /api/v1/auth/me", authMw.Authenticate(http.HandlerFunc(authHandler.Me)))
	mux.HandleFunc("GET /api/v1/config", configHandler.GetClientConfig)

	// Rating routes
	mux.Handle("POST /api/v1/ratings",
		authMw.Authenticate(
			rbacMw.RequireRole("rater")(
				http.HandlerFunc(ratingHandler.Submit),
			),
		),
	)
	mux.HandleFunc("GET /api/v1/ratings/{id}/reveal", ratingHandler.GetReveal)
	mux.Handle("POST /api/v1/ratings/{id}/reveal-requests",
		authMw.Authenticate(
			rbacMw.RequireRole("rater")(
				http.HandlerFunc(ratingHandler.RequestReveal),
			),
		),
	)

	// Aggregate routes
	mux.HandleFunc("GET /api/v1/subjects/{subjectId}/aggregate", aggregateHandler.GetAggregate)
	mux.Handle("POST /api/v1/subjects/{subjectId}/aggregate/reveal-requests",
		authMw.Authenticate(
			rbacMw.RequireRole("auditor")(
				http.HandlerFunc(aggregateHandler.RequestReveal),
			),
		),
	)

	// Oracle callback: no session auth, the ed25519 proof is the credential
	mux.HandleFunc("POST /api/v1/oracle/callback", callbackHandler.HandleCallback)

	// Audit event routes
	mux.HandleFunc("GET /api/v1/events", eventHandler.List)
	mux.Handle("GET /api/v1/events/verify",
		authMw.Authenticate(
			rbacMw.RequireRole("auditor")(
				http.HandlerFunc(eventHandler.Verify),
			),
		),
	)

	// User administration routes
	mux.Handle("GET /api/v1/users",
		authMw.Authenticate(
			rbacMw.RequireRole("auditor")(
				http.HandlerFunc(userHandler.ListUsers),
			),
		),
	)
	mux.Handle("GET /api/v1/users/{id}",
		authMw.Authenticate(
			rbacMw.RequireRole("auditor")(
				http.HandlerFunc(userHandler.GetUser),
			),
		),
	)
	mux.Handle("POST /api/v1/users/{id}/roles",
		authMw.Authenticate(
			rbacMw.RequireRole("auditor")(
				http.HandlerFunc(userHandler.AssignRole),
			),
		),
	)
	mux.Handle("DELETE /api/v1/users/{id}/roles/{role}",
		authMw.Authenticate(
			rbacMw.RequireRole("auditor")(
				http.HandlerFunc(userHandler.RemoveRole),
			),
		),
	)
	mux.Handle("PUT /api/v1/users/{id}/active",
		authMw.Authenticate(
			rbacMw.RequireRole("auditor")(
				http.HandlerFunc(userHandler.UpdateActiveStatus),
			),
		),
	)
	mux.Handle("GET /api/v1/roles",
		authMw.Authenticate(
			rbacMw.RequireRole("auditor")(
				http.HandlerFunc(userHandler.ListRoles),
			),
		),
	)

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			if _, err := w.Write([]byte(`{"status":"unhealthy","database":"error"}`)); err != nil {
				slog.Error("Failed to write health check response", "error", err)
			}
			return
		}
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"status":"healthy","version":"` + cfg.App.Version + `"}`)); err != nil {
			slog.Error("Failed to write health check response", "error", err)
		}
	})

	// Swagger documentation
	mux.Handle("/swagger/", httpSwagger.WrapHandler)

	// Apply global middleware
	handler := middleware.LoggingMiddleware(
		middleware.SecurityHeaders(
			corsMw.Handler(
				rateLimiter.Limit(mux),
			),
		),
	)

	// Create server
	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.TimeoutRead,
		WriteTimeout: cfg.Server.TimeoutWrite,
		IdleTimeout:  cfg.Server.TimeoutIdle,
	}

	// Start server in a goroutine
	go func() {
		slog.Info("Server starting", "address", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Server shutting down...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped")
}
