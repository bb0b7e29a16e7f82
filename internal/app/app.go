package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"casebridge/internal/bus"
	"casebridge/internal/config"
	"casebridge/internal/handlers"
	"casebridge/internal/models"
	"casebridge/internal/observability"
	"casebridge/internal/services"
	"casebridge/internal/store"
	"casebridge/pkg/caseapi"
	"casebridge/pkg/jira"
	"casebridge/pkg/retry"
	"casebridge/pkg/servicenow"
	"casebridge/pkg/slack"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

// Run 组装并运行整个同步引擎，阻塞直至收到退出信号。
// 所有依赖在这里显式注入，没有包级单例。
func Run() error {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	// OpenTelemetry 初始化（可选）
	shutdownOTel, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		appLogger.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	// Postgres：快照、映射与死信
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}
	if err := db.AutoMigrate(
		&models.IncidentSnapshot{}, &models.ExternalMapping{}, &models.DeadLetterEvent{},
	); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	// Redis：事件总线
	redisClient := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})

	snapshots := store.NewSnapshotStore(db, appLogger)
	deadLetters := store.NewDeadLetterStore(db, appLogger)
	eventBus := bus.NewRedisBus(redisClient, cfg.Bus, deadLetters, appLogger)

	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}
	caseClient := caseapi.NewClient(caseapi.Config{
		BaseURL:  cfg.CaseAPI.BaseURL,
		APIKey:   cfg.CaseAPI.APIKey,
		Timeout:  cfg.CaseAPI.Timeout,
		PageSize: cfg.CaseAPI.PageSize,
	}, appLogger)

	// 出站适配器，按启用情况订阅总线
	fetchers := make(map[string]services.AttachmentFetcher)

	if cfg.Jira.Enabled {
		jiraClient := jira.NewClient(jira.Config{
			BaseURL:  cfg.Jira.BaseURL,
			Email:    cfg.Jira.Email,
			APIToken: cfg.Jira.APIToken,
			Timeout:  cfg.Jira.Timeout,
		}, appLogger)
		adapter := services.NewJiraAdapter(jiraClient, caseClient, snapshots,
			cfg.Jira, cfg.Mappings.Jira, policy, appLogger)
		eventBus.Subscribe(adapter.Consumer(), adapter.Handle)
		fetchers[models.SystemJira] = func(ctx context.Context, _ string, att models.Attachment) ([]byte, error) {
			return jiraClient.DownloadAttachment(ctx, att.ID)
		}
		appLogger.Info("Jira adapter enabled")
	}

	if cfg.ServiceNow.Enabled {
		snowClient := servicenow.NewClient(servicenow.Config{
			InstanceURL: cfg.ServiceNow.InstanceURL,
			Username:    cfg.ServiceNow.Username,
			Password:    cfg.ServiceNow.Password,
			Table:       cfg.ServiceNow.Table,
			Timeout:     cfg.ServiceNow.Timeout,
		}, appLogger)
		adapter := services.NewServiceNowAdapter(snowClient, caseClient, snapshots,
			cfg.ServiceNow, cfg.Mappings.ServiceNow, policy, appLogger)
		eventBus.Subscribe(adapter.Consumer(), adapter.Handle)
		fetchers[models.SystemServiceNow] = func(ctx context.Context, _ string, att models.Attachment) ([]byte, error) {
			return snowClient.DownloadAttachment(ctx, att.ID)
		}
		appLogger.Info("ServiceNow adapter enabled")
	}

	if cfg.Slack.Enabled {
		slackClient := slack.NewClient(slack.Config{
			BaseURL:  cfg.Slack.BaseURL,
			BotToken: cfg.Slack.BotToken,
			Timeout:  cfg.Slack.Timeout,
		}, appLogger)
		adapter := services.NewSlackAdapter(slackClient, caseClient, snapshots,
			cfg.Slack, policy, appLogger)
		eventBus.Subscribe(adapter.Consumer(), adapter.Handle)
		appLogger.Info("Slack adapter enabled")
	}

	// 入站适配器：外部事件写回源系统
	caseAdapter := services.NewCaseAdapter(caseClient, snapshots, cfg.Mappings, fetchers, policy, appLogger)
	eventBus.Subscribe(caseAdapter.Consumer(), caseAdapter.Handle)

	// 活动流
	streamHub := services.NewStreamHub(appLogger)
	eventBus.Subscribe(streamHub.Consumer(), streamHub.Handle)
	go streamHub.Run()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eventBus.Run(ctx)

	// 变更探测轮询
	if cfg.Poller.Enabled {
		poller := services.NewPollerService(caseClient, snapshots, eventBus, cfg.Poller, policy, appLogger)
		go poller.Run(ctx)
	}

	router := setupRouter(cfg, db, redisClient, snapshots, deadLetters, eventBus, streamHub, appLogger)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}
	go func() {
		appLogger.Infof("Starting server on %s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Errorf("Server forced to shutdown: %v", err)
	}
	if err := eventBus.Close(); err != nil {
		appLogger.Errorf("Failed to close event bus: %v", err)
	}
	appLogger.Info("Server exited")
	return nil
}

func setupRouter(cfg *config.Config, db *gorm.DB, redisClient *redis.Client,
	snapshots *store.SnapshotStore, deadLetters *store.DeadLetterStore,
	eventBus bus.Bus, streamHub *services.StreamHub, appLogger *logrus.Logger) *gin.Engine {

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	healthHandler := handlers.NewHealthHandler(db, redisClient, appLogger)
	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)

	api := r.Group("/api/v1")
	handlers.RegisterWebhookRoutes(api, handlers.NewWebhookHandler(eventBus, appLogger))
	handlers.RegisterAdminRoutes(api, handlers.NewAdminHandler(snapshots, deadLetters, eventBus, appLogger))
	api.GET("/stream", streamHub.HandleWebSocket)

	return r
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
