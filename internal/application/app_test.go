package application

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gearbot/msglog/internal/domain/messagelog"
	"github.com/gearbot/msglog/internal/infrastructure/config"
	"github.com/gearbot/msglog/internal/infrastructure/persistence"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{
			Type: "sqlite",
			DSN:  filepath.Join(t.TempDir(), "data", "msglog.db"),
		},
		HTTP: config.HTTPConfig{Host: "127.0.0.1", Port: 0, Mode: "test"},
		MessageLog: config.MessageLogConfig{
			FlushSizeThreshold: 1000,
			FlushInterval:      time.Hour,
			FlushTimeout:       5 * time.Second,
			ShutdownTimeout:    5 * time.Second,
		},
	}
}

func TestApp_StopFlushesBufferedMessages(t *testing.T) {
	cfg := testConfig(t)

	app, err := NewApp(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	for _, id := range []messagelog.Snowflake{11, 12, 13} {
		ev := messagelog.RawEvent{ID: id, Content: "hi", AuthorID: 1, ChannelID: 2, GuildID: 3}
		if _, _, err := app.LogMessageUseCase().Execute(ctx, ev); err != nil {
			t.Fatalf("log message: %v", err)
		}
	}
	if got := app.Query().ListForChannel(ctx, 2); len(got) != 3 {
		t.Fatalf("expected 3 buffered messages, got %d", len(got))
	}

	stopCtx, cancel := context.WithTimeout(ctx, cfg.MessageLog.ShutdownTimeout)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	db, err := persistence.NewDBConnection(&cfg.Database)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}()
	n, err := persistence.NewGormMessageStore(db).Count(ctx)
	if err != nil || n != 3 {
		t.Fatalf("stored = %d (err=%v), want 3", n, err)
	}
}

func TestApp_Reload(t *testing.T) {
	cfg := testConfig(t)
	app, err := NewApp(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer app.Stop(context.Background())

	level := zap.NewAtomicLevel()
	app.SetLogLevel(level)

	next := *cfg
	next.MessageLog.FlushSizeThreshold = 10
	next.MessageLog.FlushInterval = time.Minute
	next.Log.Level = "debug"
	app.Reload(&next)

	if app.buffer.Threshold() != 10 {
		t.Errorf("threshold = %d, want 10", app.buffer.Threshold())
	}
	if app.flusher.Interval() != time.Minute {
		t.Errorf("interval = %s, want 1m", app.flusher.Interval())
	}
	if level.Level() != zap.DebugLevel {
		t.Errorf("log level = %s, want debug", level.Level())
	}
}

func TestNewAppMigrate(t *testing.T) {
	app, err := NewAppMigrate(testConfig(t), zap.NewNop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer app.Stop(context.Background())

	if err := app.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !app.db.Migrator().HasTable("logged_messages") || !app.db.Migrator().HasTable("logged_attachments") {
		t.Fatal("expected message tables to exist")
	}
}
