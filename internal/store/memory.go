package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryLedger is the ledger used when no database is configured. Its state
// is lost on restart, so the reconciler only covers failures of the current
// process.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]LedgerRecord
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]LedgerRecord)}
}

func (m *MemoryLedger) Record(_ context.Context, rec LedgerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return fmt.Errorf("ledger record %s already exists", rec.ID)
	}
	rec.Files = append([]LedgerFile(nil), rec.Files...)
	m.records[rec.ID] = rec
	return nil
}

func (m *MemoryLedger) ListPending(_ context.Context, limit int) ([]LedgerRecord, error) {
	if limit <= 0 {
		limit = 25
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]LedgerRecord, 0)
	for _, rec := range m.records {
		if rec.Replicated || rec.Abandoned {
			continue
		}
		items = append(items, rec)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ReceivedAt.Before(items[j].ReceivedAt) })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *MemoryLedger) MarkReplicated(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	rec.Replicated = true
	rec.ReplicatedAt = &at
	rec.Attempts++
	rec.LastError = ""
	m.records[id] = rec
	return nil
}

func (m *MemoryLedger) MarkFailed(_ context.Context, id, reason string, abandon bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	rec.Attempts++
	rec.LastError = reason
	rec.Abandoned = rec.Abandoned || abandon
	m.records[id] = rec
	return nil
}

// Get returns a copy of the record with id.
func (m *MemoryLedger) Get(id string) (LedgerRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return rec, ok
}

func (m *MemoryLedger) Ping(context.Context) error {
	return nil
}
