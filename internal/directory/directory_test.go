package directory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cargolink-comms/internal/domain"
)

type fakeStore struct {
	mu    sync.Mutex
	saved []domain.CallRecord
}

func (s *fakeStore) SaveCall(_ context.Context, rec domain.CallRecord) error {
	s.mu.Lock()
	s.saved = append(s.saved, rec)
	s.mu.Unlock()
	return nil
}

func record(state domain.CallState, reason domain.EndReason, startedAt time.Time) domain.CallRecord {
	return domain.CallRecord{
		CallID:    uuid.New(),
		CallerID:  uuid.New(),
		CalleeID:  uuid.New(),
		Media:     domain.MediaTypeAudio,
		State:     state,
		Reason:    reason,
		StartedAt: startedAt,
	}
}

func TestRecordUpsertsByCallID(t *testing.T) {
	d := New(10, nil)
	rec := record(domain.CallStateDialing, "", time.Now())
	d.Record(rec)

	rec.State = domain.CallStateActive
	d.Record(rec)

	got, ok := d.Get(rec.CallID)
	require.True(t, ok)
	assert.Equal(t, domain.CallStateActive, got.State)
	assert.Equal(t, 1, d.Len())
}

func TestRecentNewestFirst(t *testing.T) {
	d := New(10, nil)
	base := time.Now()
	older := record(domain.CallStateEnded, domain.EndReasonHangup, base.Add(-time.Hour))
	newer := record(domain.CallStateEnded, domain.EndReasonHangup, base)
	d.Record(older)
	d.Record(newer)

	recent := d.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, newer.CallID, recent[0].CallID)
}

func TestMissedFiltersUnconnectedCalls(t *testing.T) {
	d := New(10, nil)
	base := time.Now()

	missed := record(domain.CallStateEnded, domain.EndReasonTimeout, base)
	answered := record(domain.CallStateEnded, domain.EndReasonHangup, base.Add(-time.Minute))
	answered.Duration = 120
	declined := record(domain.CallStateEnded, domain.EndReasonDeclined, base.Add(-2*time.Minute))

	d.Record(missed)
	d.Record(answered)
	d.Record(declined)

	got := d.Missed()
	require.Len(t, got, 1)
	assert.Equal(t, missed.CallID, got[0].CallID)
}

func TestCapacityEvictsOldest(t *testing.T) {
	d := New(2, nil)
	base := time.Now()
	oldest := record(domain.CallStateEnded, domain.EndReasonHangup, base.Add(-2*time.Hour))
	d.Record(oldest)
	d.Record(record(domain.CallStateEnded, domain.EndReasonHangup, base.Add(-time.Hour)))
	d.Record(record(domain.CallStateEnded, domain.EndReasonHangup, base))

	assert.Equal(t, 2, d.Len())
	_, ok := d.Get(oldest.CallID)
	assert.False(t, ok)
}

func TestTerminalRecordsFlushToStore(t *testing.T) {
	store := &fakeStore{}
	d := New(10, store)

	live := record(domain.CallStateActive, "", time.Now())
	d.Record(live)

	ended := live
	ended.State = domain.CallStateEnded
	ended.Reason = domain.EndReasonHangup
	d.Record(ended)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.saved) == 1
	}, time.Second, 5*time.Millisecond, "only the terminal record is persisted")
}
