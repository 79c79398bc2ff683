package application

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gearbot/msglog/internal/application/usecase"
	"github.com/gearbot/msglog/internal/domain/messagelog"
	"github.com/gearbot/msglog/internal/domain/repository"
	"github.com/gearbot/msglog/internal/infrastructure/config"
	"github.com/gearbot/msglog/internal/infrastructure/logger"
	"github.com/gearbot/msglog/internal/infrastructure/monitoring"
	"github.com/gearbot/msglog/internal/infrastructure/persistence"
	httpServer "github.com/gearbot/msglog/internal/interfaces/http"
	"github.com/gearbot/msglog/internal/interfaces/websocket"
	"github.com/gearbot/msglog/pkg/safego"
)

// App 应用程序
type App struct {
	// 配置
	config   *config.Config
	logger   *zap.Logger
	logLevel *zap.AtomicLevel
	db       *gorm.DB

	// 存储层
	store repository.MessageStore

	// 领域服务
	buffer  *messagelog.Buffer
	flusher *messagelog.Flusher
	query   *messagelog.Query

	// 应用服务
	logMessageUseCase *usecase.LogMessageUseCase

	// 基础设施
	metrics    *monitoring.Metrics
	hub        *websocket.Hub
	httpServer *httpServer.Server

	cancel context.CancelFunc
}

// NewApp 创建应用程序（依赖注入容器）
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{
		config: cfg,
		logger: logger,
	}

	// 初始化各层组件
	if err := app.initRepositories(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}

	if err := app.Migrate(); err != nil {
		return nil, err
	}

	app.initDomainServices()
	app.initApplicationServices()
	app.initInterfaces()

	return app, nil
}

// NewAppMigrate creates a lightweight app that only holds the database
// connection. Used by the migrate command.
func NewAppMigrate(cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{
		config: cfg,
		logger: logger,
	}
	if err := app.initRepositories(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}
	return app, nil
}

// initRepositories 初始化存储层
func (app *App) initRepositories() error {
	app.logger.Info("Initializing repositories", zap.String("database", app.config.Database.Type))

	// sqlite 数据文件所在目录
	if err := config.Bootstrap(&app.config.Database, app.logger); err != nil {
		return err
	}

	db, err := persistence.NewDBConnection(&app.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = db
	app.store = persistence.NewGormMessageStore(db)

	return nil
}

// Migrate 自动迁移数据库结构
func (app *App) Migrate() error {
	app.logger.Info("Migrating database schema")
	return persistence.AutoMigrate(app.db)
}

// initDomainServices 初始化领域服务
func (app *App) initDomainServices() {
	app.logger.Info("Initializing domain services")

	ml := app.config.MessageLog
	app.metrics = monitoring.NewMetrics(nil)

	app.buffer = messagelog.NewBuffer(ml.FlushSizeThreshold)
	app.flusher = messagelog.NewFlusher(app.buffer, app.store, messagelog.FlusherConfig{
		Interval: ml.FlushInterval,
		Timeout:  ml.FlushTimeout,
	}, app.logger)
	app.flusher.SetRecorder(app.metrics)
	app.query = messagelog.NewQuery(app.buffer, app.store, app.logger)
}

// initApplicationServices 初始化应用服务
func (app *App) initApplicationServices() {
	app.logMessageUseCase = usecase.NewLogMessageUseCase(app.buffer, app.metrics, app.logger)
}

// initInterfaces 初始化接口层
func (app *App) initInterfaces() {
	app.logger.Info("Initializing interfaces")
	app.hub = websocket.NewHub(app.logger)
}

// Start 启动应用程序
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("Starting application")

	ctx, app.cancel = context.WithCancel(ctx)

	safego.Go(app.logger, "ws-hub", func() { app.hub.Run(ctx) })
	wsHandler := websocket.NewHandler(ctx, app.hub, app.logMessageUseCase, app.logger)

	app.httpServer = httpServer.NewServer(httpServer.Config{
		Host: app.config.HTTP.Host,
		Port: app.config.HTTP.Port,
		Mode: app.config.HTTP.Mode,
	}, httpServer.Deps{
		Ingestor:  app.logMessageUseCase,
		Query:     app.query,
		Buffer:    app.buffer,
		Flusher:   app.flusher,
		Metrics:   app.metrics.Handler(),
		Observer:  app.metrics,
		WebSocket: wsHandler.ServeWS,
	}, app.logger)

	app.flusher.Start(ctx)

	// 启动HTTP服务器
	if err := app.httpServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	app.logger.Info("Application started successfully")
	return nil
}

// Stop 停止应用程序
//
// Ingest stops first, then the flusher writes whatever is still buffered
// before the database connection is closed.
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	// 停止HTTP服务器
	if app.httpServer != nil {
		if err := app.httpServer.Stop(ctx); err != nil {
			app.logger.Error("Failed to stop HTTP server", zap.Error(err))
		}
	}

	// 关闭 WebSocket 连接, 等待读循环退出后再做最后一次刷写
	if app.cancel != nil {
		app.cancel()
	}
	if app.hub != nil {
		if err := app.hub.Drain(ctx); err != nil {
			app.logger.Error("Failed to drain ingest connections", zap.Error(err))
		}
	}

	var flushErr error
	if app.flusher != nil {
		if flushErr = app.flusher.Stop(ctx); flushErr != nil {
			app.logger.Error("Final flush failed", zap.Error(flushErr))
		}
	}

	// 关闭数据库连接
	if app.db != nil {
		sqlDB, err := app.db.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				app.logger.Error("Failed to close database connection", zap.Error(err))
			}
		}
	}

	app.logger.Info("Application stopped successfully")
	return flushErr
}

// SetLogLevel lets Reload adjust the logger's level at runtime.
func (app *App) SetLogLevel(level zap.AtomicLevel) {
	app.logLevel = &level
}

// Reload applies the settings that can change without a restart: the flush
// size threshold, the flush interval and the log level.
func (app *App) Reload(cfg *config.Config) {
	ml := cfg.MessageLog
	app.buffer.SetThreshold(ml.FlushSizeThreshold)
	app.flusher.SetInterval(ml.FlushInterval)
	if app.logLevel != nil {
		app.logLevel.SetLevel(logger.ParseLevel(cfg.Log.Level))
	}

	app.logger.Info("Configuration reloaded",
		zap.Int("flush_size_threshold", app.buffer.Threshold()),
		zap.Duration("flush_interval", app.flusher.Interval()),
		zap.String("log_level", cfg.Log.Level),
	)
}

// LogMessageUseCase returns the message logging use-case
func (app *App) LogMessageUseCase() *usecase.LogMessageUseCase {
	return app.logMessageUseCase
}

// Query returns the read façade
func (app *App) Query() *messagelog.Query {
	return app.query
}
