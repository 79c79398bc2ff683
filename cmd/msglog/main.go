package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gearbot/msglog/internal/application"
	"github.com/gearbot/msglog/internal/infrastructure/config"
	"github.com/gearbot/msglog/internal/infrastructure/logger"
)

const (
	appName    = "msglog"
	appVersion = "0.1.0"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          appName,
		Short:        "Message log write buffer for the moderation bot",
		Long:         "msglog 接收网关消息事件, 缓冲后批量写入数据库, 并提供查询接口",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径 (默认查找 ./config/config.yaml, ./config.yaml, ~/.msglog/config.yaml)")

	// --- Subcommands ---

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "启动服务 (HTTP API + WebSocket 接入 + 定时刷盘)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "创建或更新数据库表结构",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(configPath)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "显示版本",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup(configPath string) (*config.Loader, *config.Config, *zap.Logger, zap.AtomicLevel, error) {
	loader, err := config.NewLoader(configPath)
	if err != nil {
		return nil, nil, nil, zap.AtomicLevel{}, err
	}
	cfg, err := loader.Config()
	if err != nil {
		return nil, nil, nil, zap.AtomicLevel{}, err
	}

	log, level, err := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.Output,
	})
	if err != nil {
		return nil, nil, nil, zap.AtomicLevel{}, err
	}
	return loader, cfg, log, level, nil
}

func runServe(configPath string) error {
	loader, cfg, log, level, err := setup(configPath)
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("Starting msglog",
		zap.String("version", appVersion),
		zap.String("config_file", loader.File()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := application.NewApp(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	app.SetLogLevel(level)

	loader.Watch(app.Reload, func(err error) {
		log.Warn("Ignoring invalid configuration change", zap.Error(err))
	})

	if err := app.Start(ctx); err != nil {
		_ = app.Stop(context.Background())
		return fmt.Errorf("failed to start application: %w", err)
	}

	<-ctx.Done()
	log.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.MessageLog.ShutdownTimeout)
	defer cancel()

	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		return err
	}
	return nil
}

func runMigrate(configPath string) error {
	_, cfg, log, _, err := setup(configPath)
	if err != nil {
		return err
	}
	defer log.Sync()

	app, err := application.NewAppMigrate(cfg, log)
	if err != nil {
		return err
	}
	defer app.Stop(context.Background())

	if err := app.Migrate(); err != nil {
		return err
	}
	log.Info("Database schema is up to date", zap.String("database", cfg.Database.Type))
	return nil
}
