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

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hcp/hcp/internal/config"
	"github.com/hcp/hcp/internal/domain/audit"
	"github.com/hcp/hcp/internal/domain/billing"
	"github.com/hcp/hcp/internal/domain/facility"
	"github.com/hcp/hcp/internal/domain/settlement"
	"github.com/hcp/hcp/internal/platform/auth"
	"github.com/hcp/hcp/internal/platform/cache"
	"github.com/hcp/hcp/internal/platform/db"
	"github.com/hcp/hcp/internal/platform/gateway"
	"github.com/hcp/hcp/internal/platform/idgen"
	"github.com/hcp/hcp/internal/platform/middleware"
	"github.com/hcp/hcp/internal/platform/validate"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "hcp-server",
		Short: "Healthcare billing and settlement API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:              cfg.DatabaseURL,
		MaxConns:         cfg.DBMaxConns,
		MinConns:         cfg.DBMinConns,
		StatementTimeout: cfg.DBStatementTimeout,
		IdleInTxTimeout:  cfg.DBIdleTxTimeout,
	}
}

// connect loads config and opens the pool for CLI subcommands.
func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationsDir(cmd, cfg))
			if err := migrator.Bootstrap(ctx); err != nil {
				return err
			}
			to, _ := cmd.Flags().GetInt("to")
			count, err := migrator.UpTo(ctx, to)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	upCmd.Flags().Int("to", 0, "Stop after this version (0 applies all)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationsDir(cmd, cfg)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func migrationsDir(cmd *cobra.Command, cfg *config.Config) string {
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		return dir
	}
	return cfg.MigrationsDir
}

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the extensions and schemas, then apply all migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			migrator := db.NewMigrator(pool, cfg.MigrationsDir)
			if err := migrator.Bootstrap(ctx); err != nil {
				return err
			}
			fmt.Printf("Created schemas: %s\n", strings.Join(db.Schemas, ", "))
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s).\n", count)
			return nil
		},
	})
	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, _ := cmd.Flags().GetString("code")
			name, _ := cmd.Flags().GetString("name")
			if code == "" || name == "" {
				return fmt.Errorf("--code and --name are required")
			}

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := newFacilityService(pool, audit.NewRecorder(audit.NewRepoPG(pool)), newLogger(cfg.Env))
			t, err := svc.CreateTenant(ctx, code, name)
			if err != nil {
				return err
			}
			fmt.Printf("Tenant %s created with id %s\n", t.Code, t.ID)
			return nil
		},
	}
	createCmd.Flags().String("code", "", "Short unique tenant code")
	createCmd.Flags().String("name", "", "Tenant display name")

	cmd.AddCommand(createCmd)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint API tokens",
	}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token with JWT_SIGNING_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			tenant, _ := cmd.Flags().GetString("tenant")
			facilityID, _ := cmd.Flags().GetString("facility")
			user, _ := cmd.Flags().GetString("user")
			roles, _ := cmd.Flags().GetString("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			id, err := identityFromFlags(tenant, facilityID, user, roles)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.JWTTTL
			}
			token, err := auth.IssueToken(jwtConfig(cfg), id, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	issueCmd.Flags().String("tenant", "", "Tenant UUID")
	issueCmd.Flags().String("facility", "", "Facility UUID (omit for tenant-wide roles)")
	issueCmd.Flags().String("user", "", "User UUID (random when omitted)")
	issueCmd.Flags().String("roles", auth.RoleStaff, "Comma-separated roles")
	issueCmd.Flags().Duration("ttl", 0, "Token lifetime (defaults to JWT_TTL)")

	cmd.AddCommand(issueCmd)
	return cmd
}

// identityFromFlags builds the identity a CLI-issued token will carry.
func identityFromFlags(tenant, facilityID, user, roles string) (auth.Identity, error) {
	var id auth.Identity
	var err error
	if id.TenantID, err = uuid.Parse(tenant); err != nil {
		return id, fmt.Errorf("--tenant must be a UUID: %w", err)
	}
	if facilityID != "" {
		if id.FacilityID, err = uuid.Parse(facilityID); err != nil {
			return id, fmt.Errorf("--facility must be a UUID: %w", err)
		}
	}
	id.UserID = uuid.New()
	if user != "" {
		if id.UserID, err = uuid.Parse(user); err != nil {
			return id, fmt.Errorf("--user must be a UUID: %w", err)
		}
	}
	for _, r := range strings.Split(roles, ",") {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if !auth.ValidRole(r) {
			return id, fmt.Errorf("unknown role %q", r)
		}
		id.Roles = append(id.Roles, r)
	}
	if len(id.Roles) == 0 {
		return id, fmt.Errorf("at least one role is required")
	}
	if id.FacilityID == uuid.Nil && !id.IsSuperAdmin() {
		return id, fmt.Errorf("--facility is required for facility-scoped roles")
	}
	return id, nil
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	jc := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	}
	if cfg.JWTSigningKey != "" {
		jc.SigningKey = []byte(cfg.JWTSigningKey)
	}
	return jc
}

// devIdentity is the caller assumed for unauthenticated requests in
// development. Without DEV_FACILITY_ID it is a super admin.
func devIdentity(cfg *config.Config) auth.Identity {
	id := auth.Identity{
		TenantID: uuid.MustParse(cfg.DevTenantID),
		UserID:   uuid.MustParse(cfg.DevUserID),
		Roles:    []string{auth.RoleSuperAdmin},
	}
	if cfg.DevFacilityID != "" {
		id.FacilityID = uuid.MustParse(cfg.DevFacilityID)
		id.Roles = []string{auth.RoleFacilityAdmin}
	}
	return id
}

// newCacheStore prefers redis when REDIS_ADDR is set and falls back to the
// in-process store when it is unreachable.
func newCacheStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) cache.Store {
	if cfg.RedisAddr == "" {
		return cache.NewMemoryStore()
	}
	store, err := cache.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.CachePrefix)
	if err != nil {
		logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, using in-memory cache")
		return cache.NewMemoryStore()
	}
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
	return store
}

func newGatewayRegistry(cfg *config.Config) *gateway.Registry {
	reg := gateway.NewRegistry()
	if cfg.MidtransServerKey != "" {
		reg.Register("midtrans", gateway.NewMidtransVerifier(cfg.MidtransServerKey, cfg.MidtransProduction))
	}
	return reg
}

func newFacilityService(pool *pgxpool.Pool, recorder *audit.Recorder, logger zerolog.Logger) *facility.Service {
	return facility.NewService(
		facility.NewTenantRepoPG(pool),
		facility.NewFacilityRepoPG(pool),
		facility.NewPatientRepoPG(pool),
		db.NewTxRunner(pool),
		recorder,
		logger,
	)
}

// buildServer wires services and routes onto a new echo instance.
func buildServer(cfg *config.Config, pool *pgxpool.Pool, store cache.Store, logger zerolog.Logger) (*echo.Echo, error) {
	numbers, err := idgen.New(cfg.SnowflakeNode)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validate.New()

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	jc := jwtConfig(cfg)
	if cfg.IsDev() {
		e.Use(auth.SkipPublic(auth.DevAuthMiddleware(jc, devIdentity(cfg))))
	} else {
		e.Use(auth.SkipPublic(auth.JWTMiddleware(jc)))
	}
	e.Use(auth.SkipPublic(db.TenantMiddleware(pool, logger)))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, "pong")
	})
	e.GET("/health/db", db.HealthHandler(pool))

	apiV1 := e.Group("/api/v1")
	rl := middleware.RateLimitConfig{RequestsPerSecond: cfg.RateLimitRPS, BurstSize: cfg.RateLimitBurst}
	if rl.RequestsPerSecond <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rl))
	apiV1.GET("/stats", db.StatsHandler(pool), auth.RequireRole(auth.RoleSuperAdmin))

	tx := db.NewTxRunner(pool)
	recorder := audit.NewRecorder(audit.NewRepoPG(pool))

	facilitySvc := newFacilityService(pool, recorder, logger)
	facilitySvc.SetCache(store)

	billingSvc := billing.NewService(billing.Deps{
		Bills:           billing.NewBillRepoPG(pool),
		Payments:        billing.NewPaymentRepoPG(pool),
		CashCollections: billing.NewCashCollectionRepoPG(pool),
		Facilities:      facilitySvc,
		Patients:        facilitySvc,
		Gateways:        newGatewayRegistry(cfg),
		Numbers:         numbers,
		Settlements:     settlement.NewWindowsPG(pool),
		Tx:              tx,
		Audit:           recorder,
		Currency:        cfg.DefaultCurrency,
		Logger:          logger,
	})

	settlementSvc := settlement.NewService(
		settlement.NewRepoPG(pool),
		settlement.NewLinkRepoPG(pool),
		facilitySvc,
		tx,
		recorder,
		logger,
	)

	facility.NewHandler(facilitySvc).RegisterRoutes(apiV1)
	billing.NewHandler(billingSvc).RegisterRoutes(apiV1)
	settlement.NewHandler(settlementSvc).RegisterRoutes(apiV1)
	audit.NewHandler(recorder).RegisterRoutes(apiV1)

	return e, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	store := newCacheStore(ctx, cfg, logger)
	if rs, ok := store.(*cache.RedisStore); ok {
		defer rs.Close()
	}

	e, err := buildServer(cfg, pool, store, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
