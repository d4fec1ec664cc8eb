package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-monolith/mono"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Module owns the database connection for the lifetime of the application.
type Module struct {
	path  string
	debug bool
	db    *gorm.DB
	repo  *Repository
}

var (
	_ mono.Module                = (*Module)(nil)
	_ mono.HealthCheckableModule = (*Module)(nil)
)

// NewModule returns a storage module for the SQLite database at path.
func NewModule(path string, debug bool) *Module {
	return &Module{path: path, debug: debug}
}

// Open connects to the SQLite database at path and migrates it.
func Open(path string, debug bool) (*gorm.DB, error) {
	level := logger.Silent
	if debug {
		level = logger.Info
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// sqlite serializes writers anyway, and ":memory:" is per connection
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func (m *Module) Name() string {
	return "store"
}

// Repository is available once the module has started.
func (m *Module) Repository() *Repository {
	return m.repo
}

func (m *Module) Start(_ context.Context) error {
	slog.Info("opening database", "path", m.path)
	db, err := Open(m.path, m.debug)
	if err != nil {
		return err
	}
	m.db = db
	m.repo = NewRepository(db)
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.db == nil {
		return nil
	}
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	slog.Info("database closed", "path", m.path)
	return nil
}

func (m *Module) Health(ctx context.Context) mono.HealthStatus {
	if m.db == nil {
		return mono.HealthStatus{Healthy: false, Message: "database not initialized"}
	}
	sqlDB, err := m.db.DB()
	if err != nil {
		return mono.HealthStatus{Healthy: false, Message: fmt.Sprintf("failed to get sql.DB: %v", err)}
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return mono.HealthStatus{Healthy: false, Message: fmt.Sprintf("database ping failed: %v", err)}
	}
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{"driver": "sqlite", "path": m.path},
	}
}
