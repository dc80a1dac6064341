package app

import (
	"context"
	"fmt"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	meteringhttp "github.com/tallyhq/metering/internal/adapter/inbound/http/metering"
	postgresadapter "github.com/tallyhq/metering/internal/adapter/outbound/postgres"
	redisadapter "github.com/tallyhq/metering/internal/adapter/outbound/redis"
	stripeadapter "github.com/tallyhq/metering/internal/adapter/outbound/stripe"
	"github.com/tallyhq/metering/internal/domain/ledger"
	"github.com/tallyhq/metering/internal/domain/limits"
	"github.com/tallyhq/metering/internal/domain/pricing"
	"github.com/tallyhq/metering/internal/domain/reporting"
	"github.com/tallyhq/metering/internal/domain/usage"
	"github.com/tallyhq/metering/internal/infra/events"
	"github.com/tallyhq/metering/internal/port/outbound"
	"github.com/tallyhq/metering/internal/shared/cache"
	"github.com/tallyhq/metering/internal/shared/config"
	"github.com/tallyhq/metering/internal/shared/database"
	"github.com/tallyhq/metering/internal/shared/logger"
	"github.com/tallyhq/metering/internal/shared/settings"
	"github.com/tallyhq/metering/internal/utils/metrics"
)

// App wires the metering service together.
type App struct {
	config *config.Config
	logger *zap.Logger
	db     *gorm.DB
	redis  *redis.Client
	router *gin.Engine

	eventBus *events.Bus
	metrics  *metrics.Metrics
	settings *settings.Cache
	reporter *reporting.Reporter
	recorder *usage.Recorder
	ledger   *ledger.Ledger
	guard    *limits.Guard
	ratesDB  outbound.RateConfigDatabasePort
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	zapLog, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	app := &App{
		config: cfg,
		logger: zapLog,
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	app.db = db

	// Redis is optional; without it the guard reads spend from the database.
	if cfg.Redis.Enabled() {
		redisClient, err := cache.NewRedisClient(&cfg.Redis)
		if err != nil {
			zapLog.Warn("redis connection failed, spend cache disabled", zap.Error(err))
		} else {
			app.redis = redisClient
		}
	}

	app.initServices()
	app.registerEventHandlers()
	app.router = app.setupRouter()

	return app, nil
}

// initServices builds the adapter and domain layers.
func (a *App) initServices() {
	a.eventBus = events.NewBus(a.logger)
	a.metrics = metrics.New("metering", prometheus.DefaultRegisterer)

	// Outbound adapters.
	usageDB := postgresadapter.NewUsageEventAdapter(a.db)
	ledgerDB := postgresadapter.NewCreditLedgerAdapter(a.db)
	limitsDB := postgresadapter.NewSpendingLimitAdapter(a.db)
	ratesDB := postgresadapter.NewRateConfigAdapter(a.db)
	settingsDB := postgresadapter.NewSettingAdapter(a.db)

	var spendCache outbound.SpendCachePort
	if a.redis != nil {
		spendCache = redisadapter.NewSpendCacheAdapter(a.redis)
	}

	a.settings = settings.NewCache(
		ratesDB, settingsDB,
		a.config.Billing.DefaultMarginPercent,
		a.config.Billing.RateCacheTTL,
		a.logger,
	)
	a.settings.SetRefreshCounter(a.metrics.RateCacheRefreshes)

	// Domain services.
	resolver := pricing.NewResolver(a.settings, a.metrics, a.logger)
	a.ledger = ledger.New(ledgerDB, a.eventBus, a.metrics, a.logger)
	a.guard = limits.NewGuard(limitsDB, spendCache, a.eventBus, a.metrics, a.logger)

	processor := stripeadapter.NewProcessorAdapter(a.config.Stripe.APIKey, a.logger)
	a.reporter = reporting.NewReporter(
		processor, ledgerDB, limitsDB, spendCache, usageDB,
		killSwitch{cache: a.settings, forced: a.config.Stripe.APIKey == ""},
		a.config.Billing.ReporterBufferSize,
		a.config.Billing.ReporterTimeout,
		a.metrics, a.logger,
	)

	a.recorder = usage.NewRecorder(resolver, usageDB, a.ledger, a.reporter, a.metrics, a.logger)
	a.ratesDB = ratesDB
}

// registerEventHandlers attaches domain event consumers.
func (a *App) registerEventHandlers() {
	// Spending limit crossings feed the operator notification pipeline; for
	// now that pipeline is the structured log stream.
	a.eventBus.Register(events.NewHandlerFunc(
		[]string{events.EventTypeSpendingLimitCrossed},
		func(e events.Event) error {
			crossed, ok := e.(*events.SpendingLimitCrossedEvent)
			if !ok {
				return nil
			}
			a.logger.Warn("spending limit crossed",
				zap.String("account_id", crossed.AccountID().String()),
				zap.String("period", crossed.PeriodKey),
				zap.Int64("cap_micros", crossed.CapMicros),
				zap.Int64("spent_micros", crossed.SpentMicros),
				zap.Bool("hard_limit", crossed.HardLimit),
			)
			return nil
		},
	))
}

// setupRouter creates and configures the Gin router.
func (a *App) setupRouter() *gin.Engine {
	if a.config.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(a.logger))
	r.Use(cors.Default())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	meteringhttp.NewUsageHandler(a.recorder, a.recorder).RegisterRoutes(v1)
	meteringhttp.NewCreditsHandler(a.ledger).RegisterRoutes(v1)
	meteringhttp.NewLimitsHandler(a.guard).RegisterRoutes(v1)
	meteringhttp.NewAdminHandler(a.ratesDB, a.settings).RegisterRoutes(v1)

	return r
}

// Router returns the HTTP router.
func (a *App) Router() *gin.Engine {
	return a.router
}

// Stop drains the reporter and releases connections.
func (a *App) Stop() {
	a.reporter.Close()

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if err := database.Close(a.db); err != nil {
		a.logger.Warn("database close failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// killSwitch disables external reporting when no processor credentials are
// configured or the platform kill switch is set.
type killSwitch struct {
	cache  *settings.Cache
	forced bool
}

func (k killSwitch) ReportingDisabled(ctx context.Context) bool {
	return k.forced || k.cache.ReportingDisabled(ctx)
}
