package localstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/wolfman30/barber-sync/pkg/logging"
)

// ErrStorageUnavailable means the backend cannot be opened; callers degrade
// to a memory-only store with no durability.
var ErrStorageUnavailable = errors.New("localstore: storage unavailable")

// Table names one logical table.
type Table string

const (
	TableAppointments Table = "appointments"
	TableActions      Table = "actions"
)

// Tables lists every table Open must prepare.
var Tables = []Table{TableAppointments, TableActions}

func (t Table) valid() bool {
	return t == TableAppointments || t == TableActions
}

// Record is one stored value keyed by its primary key.
type Record struct {
	Key   string
	Value []byte
}

// Store is a durable key-value store with two tables.
//
// GetAll returns records in first-insertion order. Put is an upsert that keeps
// a key's original position. Delete of an absent key is not an error.
type Store interface {
	Open(ctx context.Context) error
	GetAll(ctx context.Context, table Table) ([]Record, error)
	Put(ctx context.Context, table Table, key string, value []byte) error
	Delete(ctx context.Context, table Table, key string) error
	Close() error
}

// OpenWithFallback opens primary. When it reports ErrStorageUnavailable a
// MemoryStore is returned instead and degraded is true. Other errors are returned.
func OpenWithFallback(ctx context.Context, primary Store, logger *logging.Logger) (Store, bool, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if primary == nil {
		mem := NewMemoryStore()
		return mem, true, mem.Open(ctx)
	}
	err := primary.Open(ctx)
	if err == nil {
		return primary, false, nil
	}
	if !errors.Is(err, ErrStorageUnavailable) {
		return nil, false, err
	}
	logger.Warn("local store unavailable; falling back to memory", "error", err)
	_ = primary.Close()
	mem := NewMemoryStore()
	if err := mem.Open(ctx); err != nil {
		return nil, false, err
	}
	return mem, true, nil
}

func checkTable(table Table) error {
	if !table.valid() {
		return fmt.Errorf("localstore: unknown table %q", table)
	}
	return nil
}
