package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DatabaseType selects the SQL dialect for GormStore, mirroring the
// teacher's controlplane store dual-dialector pattern (pkg/controlplane/store/gorm.go).
type DatabaseType string

const (
	DatabaseSQLite   DatabaseType = "sqlite"
	DatabasePostgres DatabaseType = "postgres"
)

// SQLiteConfig configures the embedded sqlite dialect.
type SQLiteConfig struct {
	Path string
}

// PostgresConfig configures the postgres dialect for multi-process or
// networked deployments of the broker's durable store.
type PostgresConfig struct {
	Host         string
	Port         int
	Database     string
	User         string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// DSN builds a libpq connection string from the postgres config.
func (c PostgresConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.User, c.Password, sslMode)
}

// GormConfig selects and configures the GORM-backed store.
type GormConfig struct {
	Type     DatabaseType
	SQLite   SQLiteConfig
	Postgres PostgresConfig
}

// ApplyDefaults fills in a usable sqlite configuration when Type is unset.
func (c *GormConfig) ApplyDefaults() {
	if c.Type == "" {
		c.Type = DatabaseSQLite
	}
	if c.Type == DatabaseSQLite && c.SQLite.Path == "" {
		c.SQLite.Path = "gate-broker.db"
	}
	if c.Type == DatabasePostgres {
		if c.Postgres.MaxOpenConns == 0 {
			c.Postgres.MaxOpenConns = 10
		}
		if c.Postgres.MaxIdleConns == 0 {
			c.Postgres.MaxIdleConns = 5
		}
	}
}

// Validate checks that the configuration is internally consistent.
func (c GormConfig) Validate() error {
	switch c.Type {
	case DatabaseSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite path must not be empty")
		}
	case DatabasePostgres:
		if c.Postgres.Host == "" || c.Postgres.Database == "" {
			return fmt.Errorf("postgres host and database must not be empty")
		}
	default:
		return fmt.Errorf("unknown database type %q", c.Type)
	}
	return nil
}

// GormStore is the alternate durable backend for the broker's queue and
// audit log, suitable for deployments that already run a shared postgres
// instance rather than an embedded per-process database.
type GormStore struct {
	db     *gorm.DB
	config GormConfig
	mu     sync.Mutex // serializes NextRequestID's read-modify-write
}

// NewGorm opens the configured dialect, runs AutoMigrate for the broker's
// two tables, and returns a ready Store.
func NewGorm(config GormConfig) (*GormStore, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	gormLogger := logger.Default.LogMode(logger.Silent)

	var dialector gorm.Dialector
	switch config.Type {
	case DatabaseSQLite:
		dialector = sqlite.Open(config.SQLite.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	case DatabasePostgres:
		dialector = postgres.Open(config.Postgres.DSN())
	default:
		return nil, fmt.Errorf("unknown database type %q", config.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", config.Type, err)
	}

	if config.Type == DatabasePostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get underlying sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(config.Postgres.MaxOpenConns)
		sqlDB.SetMaxIdleConns(config.Postgres.MaxIdleConns)
	}

	if err := db.AutoMigrate(&PersistedEntry{}, &PersistedAuditEvent{}, &gormCounter{}); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	return &GormStore{db: db, config: config}, nil
}

// gormCounter backs NextRequestID with a durable monotonic sequence; GORM
// has no native auto-increment-without-a-row primitive portable across
// sqlite and postgres, so a single counter row is used instead.
type gormCounter struct {
	Name  string `gorm:"primaryKey;column:name"`
	Value uint64 `gorm:"column:value"`
}

func (gormCounter) TableName() string { return "counters" }

type gormTx struct {
	tx *gorm.DB
}

func (s *GormStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{tx: tx})
	})
}

func (t *gormTx) PutEntry(e PersistedEntry) error {
	return t.tx.Save(&e).Error
}

func (t *gormTx) DeleteEntry(path, owner string) error {
	return t.tx.Where("path = ? AND owner = ?", path, owner).Delete(&PersistedEntry{}).Error
}

func (t *gormTx) AppendAudit(ev PersistedAuditEvent) error {
	ev.ID = 0
	return t.tx.Create(&ev).Error
}

func (s *GormStore) ListEntries(ctx context.Context) ([]PersistedEntry, error) {
	var entries []PersistedEntry
	err := s.db.WithContext(ctx).Find(&entries).Error
	return entries, err
}

func (s *GormStore) ListAudit(ctx context.Context, limit int) ([]PersistedAuditEvent, error) {
	q := s.db.WithContext(ctx)
	if limit > 0 {
		q = q.Order("id desc").Limit(limit)
	} else {
		q = q.Order("id asc")
	}
	var events []PersistedAuditEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	if limit > 0 {
		for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
			events[i], events[j] = events[j], events[i]
		}
	}
	return events, nil
}

func (s *GormStore) NextRequestID(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id uint64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c gormCounter
		err := tx.Where("name = ?", "request_id").First(&c).Error
		if err != nil {
			if err != gorm.ErrRecordNotFound {
				return err
			}
			c = gormCounter{Name: "request_id", Value: 0}
		}
		c.Value++
		id = c.Value
		return tx.Save(&c).Error
	})
	return id, err
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
