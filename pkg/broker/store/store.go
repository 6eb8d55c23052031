// Package store provides the durable persistence layer for the lock broker:
// a transactional table of queue entries plus an append-only audit log,
// backed by either an embedded BadgerDB database or a GORM SQL backend
// (sqlite or postgres). The hot path — enqueue/grant/release — commits the
// entry mutation and its audit record in a single transaction.
package store

import (
	"context"
	"time"
)

// EntryState mirrors broker.EntryState without importing package broker, to
// keep this a leaf persistence package.
type EntryState string

const (
	StateWaiting EntryState = "waiting"
	StateGranted EntryState = "granted"
)

// Mode mirrors broker.Mode.
type Mode string

const (
	ModeRead  Mode = "read"
	ModeWrite Mode = "write"
)

// PersistedEntry is the durable representation of a broker queue entry. One
// row exists per (Path, Owner) pair, whatever its current state.
type PersistedEntry struct {
	Path          string     `gorm:"primaryKey;column:path"`
	Owner         string     `gorm:"primaryKey;column:owner"`
	Mode          Mode       `gorm:"column:mode"`
	RequestID     uint64     `gorm:"column:request_id"`
	EnqueuedAt    time.Time  `gorm:"column:enqueued_at"`
	State         EntryState `gorm:"column:state"`
	HoldCount     int        `gorm:"column:hold_count"`
	GrantedAt     time.Time  `gorm:"column:granted_at"`
	LastHeartbeat time.Time  `gorm:"column:last_heartbeat"`
}

func (PersistedEntry) TableName() string { return "queue_entries" }

// PersistedAuditEvent is one append-only audit log row.
type PersistedAuditEvent struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement;column:id"`
	Timestamp time.Time `gorm:"column:timestamp"`
	Event     string    `gorm:"column:event"`
	Path      string    `gorm:"column:path"`
	Owner     string    `gorm:"column:owner"`
	Mode      Mode      `gorm:"column:mode"`
}

func (PersistedAuditEvent) TableName() string { return "audit_log" }

// Store is the durable persistence interface the broker depends on. Every
// implementation must make PutEntry/DeleteEntry-plus-AppendAudit atomic when
// called via WithTx, so that a grant is never recorded without its audit
// trail (or vice versa).
type Store interface {
	// WithTx runs fn inside a single transaction; fn must use the Tx handed
	// to it for every mutation. If fn returns an error the transaction is
	// rolled back and no partial state is visible.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// ListEntries returns every persisted queue entry, for startup recovery.
	ListEntries(ctx context.Context) ([]PersistedEntry, error)

	// ListAudit returns the most recent audit events, newest last, bounded
	// by limit (0 means unbounded).
	ListAudit(ctx context.Context, limit int) ([]PersistedAuditEvent, error)

	// NextRequestID returns a monotonically increasing request id, durable
	// across restarts, used to break enqueued_at ties.
	NextRequestID(ctx context.Context) (uint64, error)

	Close() error
}

// Tx is the transactional handle passed to Store.WithTx callbacks.
type Tx interface {
	PutEntry(e PersistedEntry) error
	DeleteEntry(path, owner string) error
	AppendAudit(ev PersistedAuditEvent) error
}
