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

	"github.com/ehr/mar/internal/config"
	"github.com/ehr/mar/internal/domain/mar"
	"github.com/ehr/mar/internal/platform/auth"
	"github.com/ehr/mar/internal/platform/blobstore"
	"github.com/ehr/mar/internal/platform/db"
	"github.com/ehr/mar/internal/platform/hipaa"
	"github.com/ehr/mar/internal/platform/middleware"
	"github.com/ehr/mar/internal/platform/scheduling"
	"github.com/ehr/mar/internal/platform/telemetry"
	"github.com/ehr/mar/internal/platform/websocket"
)

const version = "0.1.0"

// store bundles the selected order repository with what the server needs
// around it. pool is nil for the SQLite driver.
type store struct {
	orders mar.OrderRepository
	access hipaa.AccessLog
	pinger db.Pinger
	pool   *pgxpool.Pool
	close  func()
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:              cfg.DatabaseURL,
		MaxConns:         cfg.DBMaxConns,
		MinConns:         cfg.DBMinConns,
		StatementTimeout: cfg.RequestTimeout,
		AppName:          "mar-server",
	})
}

func openStore(ctx context.Context, cfg *config.Config) (*store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &store{
			orders: mar.NewOrderRepoPG(pool),
			access: hipaa.NewPGAccessLog(pool),
			pinger: pool,
			pool:   pool,
			close:  pool.Close,
		}, nil
	case "sqlite":
		s, err := mar.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &store{
			orders: s,
			access: hipaa.NewMemoryAccessLog(hipaa.DefaultMemoryCapacity),
			pinger: s,
			close:  func() { _ = s.Close() },
		}, nil
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

// openArchiveStore returns nil when archiving is disabled.
func openArchiveStore(ctx context.Context, cfg *config.Config) (blobstore.BlobStore, error) {
	switch cfg.ArchiveDriver {
	case "none", "":
		return nil, nil
	case "memory":
		return blobstore.NewInMemoryBlobStore(), nil
	case "s3":
		return blobstore.NewS3BlobStore(ctx, blobstore.S3Config{
			Region:    cfg.ArchiveS3Region,
			Bucket:    cfg.ArchiveS3Bucket,
			Endpoint:  cfg.ArchiveS3Endpoint,
			PathStyle: cfg.ArchiveS3PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown ARCHIVE_DRIVER %q", cfg.ArchiveDriver)
	}
}

// facilityConn scopes ctx to a facility schema for work that runs outside an
// HTTP request. SQLite stores are not facility-partitioned.
func facilityConn(ctx context.Context, st *store, facility string) (context.Context, func(), error) {
	if st.pool == nil {
		return ctx, func() {}, nil
	}
	return db.AcquireFacility(ctx, st.pool, facility)
}

// server is the assembled HTTP application.
type server struct {
	echo     *echo.Echo
	svc      *mar.Service
	archiver *mar.Archiver
	metrics  *telemetry.Provider
	hub      *websocket.Hub
}

func buildServer(cfg *config.Config, logger zerolog.Logger, st *store, blobs blobstore.BlobStore, loc *time.Location) *server {
	var metrics *telemetry.Provider
	if cfg.MetricsEnabled {
		metrics = telemetry.NewProvider(telemetry.Config{ServiceName: "mar-server", Environment: cfg.Env})
		metrics.RegisterPool(st.pool)
	}

	policy := mar.NewLockPolicy(cfg.LockWindow)
	svc := mar.NewService(st.orders, policy, logger)
	svc.SetAuditWindow(cfg.AuditWindowDays)
	if metrics != nil {
		svc.SetObserver(metrics)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	if metrics != nil {
		e.Use(metrics.MetricsMiddleware())
	}
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Facility-ID"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.Skip(auth.DevAuthMiddleware(), auth.AuthSkipper))
	} else {
		e.Use(auth.Skip(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}), auth.AuthSkipper))
	}

	// Facility middleware
	if st.pool != nil {
		e.Use(auth.Skip(db.FacilityMiddleware(st.pool, cfg.DefaultFacility), auth.AuthSkipper))
	} else {
		e.Use(auth.Skip(db.FacilityContext(cfg.DefaultFacility), auth.AuthSkipper))
	}

	// Audit middleware
	e.Use(middleware.Audit(logger, st.access))

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(st.pinger))
	if metrics != nil {
		e.GET("/metrics", metrics.PrometheusHandler())
	}

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	mar.NewHandler(svc, loc).RegisterRoutes(apiV1)

	// Live slot changes for open sheets
	var hub *websocket.Hub
	if cfg.LiveUpdates {
		hub = websocket.NewHub(residentTopic, logger)
		svc.SetFeed(mar.NewHubFeed(hub))
		live := apiV1.Group("", auth.RequireRole("admin", "nurse", "physician"))
		websocket.NewHandler(hub, func(c echo.Context) string {
			return auth.UserIDFromContext(c.Request().Context())
		}, cfg.CORSOrigins).RegisterRoutes(live)
	}

	adminGroup := apiV1.Group("", auth.RequireRole("admin"))
	if st.access != nil {
		hipaa.NewAccessHandler(st.access).RegisterRoutes(adminGroup)
	}

	var archiver *mar.Archiver
	if blobs != nil {
		archiver = mar.NewArchiver(st.orders, blobs, cfg.DefaultFacility, logger)
		blobstore.NewBlobHandler(blobs).RegisterRoutes(adminGroup)
	}

	return &server{echo: e, svc: svc, archiver: archiver, metrics: metrics, hub: hub}
}

// residentTopic accepts only "residents/<uuid>" subscriptions.
func residentTopic(topic string) bool {
	id, ok := strings.CutPrefix(topic, "residents/")
	if !ok {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// archiveJob is the nightly archive body for the default facility.
func archiveJob(st *store, srv *server, facility string, loc *time.Location) scheduling.JobFunc {
	return func(ctx context.Context) error {
		ctx, release, err := facilityConn(ctx, st, facility)
		if err != nil {
			return err
		}
		defer release()

		res, err := srv.archiver.ArchivePreviousDay(ctx, loc)
		if srv.metrics != nil {
			srv.metrics.ArchiveRun(err == nil && res.Created, err)
		}
		return err
	}
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	// Store
	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open store")
		return err
	}
	defer st.close()
	logger.Info().Str("driver", cfg.StoreDriver).Msg("store ready")

	blobs, err := openArchiveStore(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.ArchiveDriver).Msg("failed to open archive store")
		return err
	}

	srv := buildServer(cfg, logger, st, blobs, loc)

	// Nightly archive
	sched := scheduling.New(loc, logger)
	if srv.archiver != nil {
		if err := sched.Add("mar-archive", cfg.ArchiveSchedule, 10*time.Minute,
			archiveJob(st, srv, cfg.DefaultFacility, loc)); err != nil {
			return err
		}
	}
	sched.Start()

	addr := ":" + cfg.Port
	go func() {
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting MAR server")
		if err := srv.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("scheduler did not stop cleanly")
	}
	return srv.echo.Shutdown(shutdownCtx)
}
