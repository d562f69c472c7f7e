// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file contains database bootstrapping helpers for
// SQLite (pure Go driver) and schema migrations for both the device store and
// the sink store.
package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/physio-sync/internal/domain"
)

// Options tunes OpenSQLite.
type Options struct {
	// Synchronous is the SQLite synchronous PRAGMA. The device store uses
	// FULL so a committed write survives power loss; the sink uses NORMAL.
	Synchronous string
	// MaxOpenConns caps the pool. Zero means 10.
	MaxOpenConns int
	// Trace installs the OpenTelemetry GORM plugin.
	Trace bool
	// LogLevel sets the GORM logger level. Zero means Silent.
	LogLevel logger.LogLevel
}

// OpenSQLite opens (or creates) a SQLite database and applies PRAGMAs.
func OpenSQLite(path string, opts Options) (*gorm.DB, error) {
	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if dir := filepath.Dir(dsnFile(path)); dir != "." && !isMemoryDSN(path) {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	sync := opts.Synchronous
	if sync == "" {
		sync = "NORMAL"
	}

	level := opts.LogLevel
	if level == 0 {
		level = logger.Silent
	}
	db, err := gorm.Open(sqlite.Open(withPragmas(path, sync)), &gorm.Config{
		Logger:  logger.Default.LogMode(level),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}

	// Pool
	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(maxOpen)
		sqlDB.SetMaxIdleConns(maxOpen)
		// An in-memory database lives only as long as its last connection.
		if !isMemoryDSN(path) {
			sqlDB.SetConnMaxIdleTime(5 * time.Minute)
			sqlDB.SetConnMaxLifetime(30 * time.Minute)
		}
	}

	if opts.Trace {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			return nil, err
		}
	}

	return db, nil
}

// MemoryDSN returns a shared-cache in-memory DSN unique to name.
func MemoryDSN(name string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
}

// withPragmas appends PRAGMAs to the DSN so the driver applies them to every
// pooled connection, not only the first one.
func withPragmas(path, sync string) string {
	pragmas := []string{
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
		fmt.Sprintf("_pragma=synchronous(%s)", sync),
	}
	if !isMemoryDSN(path) {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(pragmas, "&")
}

func isMemoryDSN(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// dsnFile strips the URI scheme and query from a DSN, leaving the file path.
func dsnFile(path string) string {
	path = strings.TrimPrefix(path, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

// MigrateDevice creates the device-side outbox schema.
func MigrateDevice(db *gorm.DB) error {
	return db.AutoMigrate(&domain.Record{})
}

// MigrateSink creates the sink-side schema.
func MigrateSink(db *gorm.DB) error {
	return db.AutoMigrate(&domain.RemoteRecord{})
}
