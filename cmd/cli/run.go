package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"ledgerflow/internal/config"
	"ledgerflow/internal/handlers"
	appmetrics "ledgerflow/internal/metrics"
	"ledgerflow/internal/middleware"
	"ledgerflow/internal/observability"
	"ledgerflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the automation engine and its HTTP API",
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) error {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 初始化日志系统
	log, err := config.InitLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	// OpenTelemetry 初始化（可选）
	if shutdown, err := observability.SetupTracing(context.Background(), cfg); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	} else {
		log.Warnf("init tracing: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化数据库（可选），不可用时 data 动作返回配置错误
	db := openDatabase(cfg, log)

	feed := services.NewExecutionFeed(log)
	go feed.Run(ctx)

	engine, err := buildEngine(cfg, db, feed, log)
	if err != nil {
		return err
	}
	if err := seedRules(engine, cfg.Automation.RulesFile, log); err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := setupRouter(cfg, engine, feed, db)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting server on %s (mode=%s)", server.Addr, cfg.Automation.Mode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		engine.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}
	// 等待在途执行结束
	engine.Stop()

	log.Info("Server exited")
	return nil
}

func openDatabase(cfg *config.Config, log *logrus.Logger) *gorm.DB {
	if !cfg.Database.Enabled {
		return nil
	}
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		log.Warnf("DB connect failed, data actions disabled: %v", err)
		return nil
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}
	if err := observability.InstrumentDB(db, cfg); err != nil {
		log.Warnf("instrument db: %v", err)
	}
	return db
}

func buildEngine(cfg *config.Config, db *gorm.DB, feed *services.ExecutionFeed, log *logrus.Logger) (*services.AutomationEngine, error) {
	bus := services.NewEventBus(log)

	cb := cfg.Actions.CircuitBreaker
	collab := services.ActionCollaborators{
		Notifier:  services.NewLogNotificationSender(log, feed),
		Workflows: services.NewBusWorkflowInvoker(bus),
		API: services.NewHTTPAPIDispatcher(cfg.Actions.HTTPTimeout, services.CircuitBreakerConfig{
			MaxFailures:     cb.MaxFailures,
			ResetTimeout:    cb.ResetTimeout,
			HalfOpenMaxReqs: cb.HalfOpenMaxReqs,
		}, log),
	}
	if db != nil {
		records := services.NewGormRecordStore(db)
		if err := records.AutoMigrate(); err != nil {
			return nil, fmt.Errorf("migrate records: %w", err)
		}
		collab.Records = records
	}

	opts := services.EngineOptions{
		Production:    cfg.Automation.Production(),
		HistoryLimit:  cfg.Automation.HistoryLimit,
		TickInterval:  cfg.Automation.TickInterval,
		MaxConcurrent: cfg.Automation.MaxConcurrent,
		EventBuffer:   cfg.Automation.EventBuffer,
		Collaborators: collab,
		Observer:      feed.PublishExecution,
	}
	if !opts.Production {
		sandbox := services.NewCUESandbox()
		opts.Sandbox = sandbox
		opts.Collaborators.Scripts = sandbox
		log.Warn("automation running in development mode: logic conditions and script actions are enabled")
	}

	return services.NewAutomationEngine(opts, bus, log), nil
}

// seedRules loads the configured rules file, if any.
func seedRules(engine *services.AutomationEngine, path string, log *logrus.Logger) error {
	if path == "" {
		return nil
	}
	drafts, err := services.LoadRulesFile(path)
	if err != nil {
		return err
	}
	for _, draft := range drafts {
		if _, err := engine.CreateRule(draft); err != nil {
			return fmt.Errorf("rule %q: %w", draft.Name, err)
		}
	}
	log.Infof("Loaded %d rules from %s", len(drafts), path)
	return nil
}

func setupRouter(cfg *config.Config, engine *services.AutomationEngine, feed *services.ExecutionFeed, db *gorm.DB) *gin.Engine {
	router := gin.New()

	// 中间件
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	if cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	// 健康检查
	healthHandler := handlers.NewHealthHandler(engine, feed, db, Version)
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	// 监控端点
	if cfg.Monitoring.Enabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(appmetrics.Handler()))
	}

	api := router.Group("/api/v1")
	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(engine, feed),
		middleware.IngressRateLimit(cfg.Security.RateLimiting))

	return router
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
