// Package directory keeps the local call history: every call attempt,
// answered or not, keyed by call id. The call engine feeds it through
// its Recorder hook.
package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cargolink-comms/internal/domain"
	"cargolink-comms/pkg/logger"
)

// Store is an optional durable backend; terminal records are flushed
// to it. The postgres repository implements it.
type Store interface {
	SaveCall(ctx context.Context, rec domain.CallRecord) error
}

// DefaultCapacity bounds the in-memory history.
const DefaultCapacity = 200

// Directory is an in-memory call log. Safe for concurrent use.
type Directory struct {
	capacity int
	store    Store

	mu   sync.RWMutex
	byID map[uuid.UUID]domain.CallRecord
}

// New creates a directory. store may be nil for a purely in-memory
// log.
func New(capacity int, store Store) *Directory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Directory{
		capacity: capacity,
		store:    store,
		byID:     make(map[uuid.UUID]domain.CallRecord),
	}
}

// Record upserts a call record. Terminal records are flushed to the
// durable store in the background.
func (d *Directory) Record(rec domain.CallRecord) {
	d.mu.Lock()
	_, known := d.byID[rec.CallID]
	d.byID[rec.CallID] = rec
	if !known && len(d.byID) > d.capacity {
		d.evictOldestLocked()
	}
	d.mu.Unlock()

	if d.store != nil && rec.State.Terminal() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := d.store.SaveCall(ctx, rec); err != nil {
				logger.Warn("call record not persisted",
					zap.String("call_id", rec.CallID.String()),
					zap.Error(err))
			}
		}()
	}
}

// Get looks up one call by id.
func (d *Directory) Get(callID uuid.UUID) (domain.CallRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.byID[callID]
	return rec, ok
}

// Recent returns up to n records, newest first by start time.
func (d *Directory) Recent(n int) []domain.CallRecord {
	d.mu.RLock()
	out := make([]domain.CallRecord, 0, len(d.byID))
	for _, rec := range d.byID {
		out = append(out, rec)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Missed returns calls that ended without ever connecting, newest
// first.
func (d *Directory) Missed() []domain.CallRecord {
	all := d.Recent(0)
	out := all[:0]
	for _, rec := range all {
		if rec.State == domain.CallStateEnded && rec.Duration == 0 &&
			(rec.Reason == domain.EndReasonTimeout || rec.Reason == domain.EndReasonCancelled) {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the number of records held.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}

func (d *Directory) evictOldestLocked() {
	var oldest uuid.UUID
	var oldestAt time.Time
	first := true
	for id, rec := range d.byID {
		if first || rec.StartedAt.Before(oldestAt) {
			oldest, oldestAt, first = id, rec.StartedAt, false
		}
	}
	delete(d.byID, oldest)
}
