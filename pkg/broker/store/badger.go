package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/gate-fs/gate/internal/bytesize"
)

// Key prefixes for the badger-backed store, following the teacher's
// primary-key-plus-secondary-index layout (pkg/metadata/store/badger/locks.go):
// entries are keyed by path+owner, audit events by a monotonic sequence.
const (
	prefixEntry    = "entry:"   // entry:{path}\x00{owner} -> JSON(PersistedEntry)
	prefixAudit    = "audit:"   // audit:{seq:020d} -> JSON(PersistedAuditEvent)
	keyAuditSeq    = "auditseq" // next audit sequence number, 8 bytes big-endian
	keyRequestSeq  = "reqseq"   // next request id, 8 bytes big-endian
	entrySeparator = "\x00"
)

// BadgerStore persists queue entries and audit events in an embedded
// BadgerDB database. It is the default backend: a single-process
// installation needs no external database.
type BadgerStore struct {
	db *badgerdb.DB
}

// OpenBadger opens (creating if absent) a BadgerDB database rooted at dir,
// with the default in-memory table size (64MiB).
func OpenBadger(dir string) (*BadgerStore, error) {
	return OpenBadgerWithSize(dir, 64*bytesize.MiB)
}

// OpenBadgerWithSize opens a BadgerDB database rooted at dir, sizing its
// in-memory write buffer (memtable) to memTableSize. A larger memtable
// absorbs longer bursts of queue churn before badger flushes to disk, at
// the cost of a larger memory footprint per broker process.
func OpenBadgerWithSize(dir string, memTableSize bytesize.ByteSize) (*BadgerStore, error) {
	opts := badgerdb.DefaultOptions(dir).WithLogger(nil)
	if memTableSize > 0 {
		opts = opts.WithMemTableSize(memTableSize.Int64())
	}
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store at %q: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

func entryKey(path, owner string) []byte {
	return []byte(prefixEntry + path + entrySeparator + owner)
}

func auditKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixAudit, seq))
}

type badgerTx struct {
	txn *badgerdb.Txn
	db  *BadgerStore
}

func (s *BadgerStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return fn(&badgerTx{txn: txn, db: s})
	})
}

func (t *badgerTx) PutEntry(e PersistedEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	return t.txn.Set(entryKey(e.Path, e.Owner), data)
}

func (t *badgerTx) DeleteEntry(path, owner string) error {
	err := t.txn.Delete(entryKey(path, owner))
	if err == badgerdb.ErrKeyNotFound {
		return nil
	}
	return err
}

func (t *badgerTx) AppendAudit(ev PersistedAuditEvent) error {
	seq, err := t.nextSeq(keyAuditSeq)
	if err != nil {
		return err
	}
	ev.ID = seq
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	return t.txn.Set(auditKey(seq), data)
}

func (t *badgerTx) nextSeq(key string) (uint64, error) {
	item, err := t.txn.Get([]byte(key))
	var seq uint64
	if err == nil {
		err = item.Value(func(val []byte) error {
			seq = binary.BigEndian.Uint64(val)
			return nil
		})
		if err != nil {
			return 0, err
		}
	} else if err != badgerdb.ErrKeyNotFound {
		return 0, err
	}
	seq++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	if err := t.txn.Set([]byte(key), buf); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *BadgerStore) ListEntries(ctx context.Context) ([]PersistedEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var entries []PersistedEntry
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixEntry)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var e PersistedEntry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return fmt.Errorf("unmarshal entry: %w", err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

func (s *BadgerStore) ListAudit(ctx context.Context, limit int) ([]PersistedAuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var events []PersistedAuditEvent
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixAudit)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var ev PersistedAuditEvent
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			})
			if err != nil {
				return fmt.Errorf("unmarshal audit event: %w", err)
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

func (s *BadgerStore) NextRequestID(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var id uint64
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		t := &badgerTx{txn: txn, db: s}
		var err error
		id, err = t.nextSeq(keyRequestSeq)
		return err
	})
	return id, err
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
