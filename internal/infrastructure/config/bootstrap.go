package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// AppName is the canonical application name
const AppName = "msglog"

// Bootstrap prepares the local filesystem for cfg. For sqlite it creates the
// directory holding the database file; other backends need nothing.
// Safe to call multiple times.
func Bootstrap(cfg *DatabaseConfig, logger *zap.Logger) error {
	if cfg.Type != "sqlite" {
		return nil
	}

	path := sqlitePath(cfg.DSN)
	if path == "" {
		return nil
	}

	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}
	logger.Info("Created database directory", zap.String("path", dir))
	return nil
}

// sqlitePath extracts the file path from a sqlite DSN. In-memory databases
// return "".
func sqlitePath(dsn string) string {
	dsn = strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		dsn = dsn[:i]
	}
	if dsn == "" || dsn == ":memory:" {
		return ""
	}
	return dsn
}
