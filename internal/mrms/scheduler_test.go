package mrms

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingIngestMap_UpsertExpeditedBringsForward(t *testing.T) {
	m := NewPendingIngestMap()
	later := time.Now().Add(time.Hour)
	m.UpsertExpedited("20260801-120000", later)
	assert.True(t, m.Contains("20260801-120000"))

	now := time.Now()
	m.UpsertExpedited("20260801-120000", now)

	ts, entry, ok := m.PopDue(now.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, "20260801-120000", ts)
	assert.Equal(t, uint32(0), entry.Attempts)
}

func TestPendingIngestMap_PopDue_GreatestLexicalTimestampWins(t *testing.T) {
	m := NewPendingIngestMap()
	now := time.Now()
	m.UpsertExpedited("20260801-110000", now)
	m.UpsertExpedited("20260801-120000", now)
	m.UpsertExpedited("20260801-100000", now)

	ts, _, ok := m.PopDue(now.Add(time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, "20260801-120000", ts)
}

func TestPendingIngestMap_PopDue_NothingDueYet(t *testing.T) {
	m := NewPendingIngestMap()
	m.UpsertExpedited("20260801-120000", time.Now().Add(time.Hour))

	_, _, ok := m.PopDue(time.Now())
	assert.False(t, ok)
}

func TestPendingIngestMap_Reinsert_RespectsMaxAttempts(t *testing.T) {
	m := NewPendingIngestMap()
	m.Reinsert("20260801-120000", 20, time.Now(), 20)
	assert.False(t, m.Contains("20260801-120000"))

	m.Reinsert("20260801-120000", 5, time.Now(), 20)
	assert.True(t, m.Contains("20260801-120000"))
}

func TestPendingIngestMap_PruneOlderThan(t *testing.T) {
	m := NewPendingIngestMap()
	now := time.Now()
	m.UpsertExpedited("20260801-100000", now)
	m.UpsertExpedited("20260801-130000", now)

	m.PruneOlderThan("20260801-120000")
	assert.False(t, m.Contains("20260801-100000"))
	assert.True(t, m.Contains("20260801-130000"))
}

func TestPendingIngestMap_Len(t *testing.T) {
	m := NewPendingIngestMap()
	assert.Equal(t, 0, m.Len())
	m.UpsertExpedited("20260801-100000", time.Now())
	assert.Equal(t, 1, m.Len())
}

func TestRecentTimestamps_EvictsOldestBeyondCapacity(t *testing.T) {
	r := NewRecentTimestamps(2)
	r.Record("a")
	r.Record("b")
	r.Record("c")

	assert.False(t, r.Contains("a"))
	assert.True(t, r.Contains("b"))
	assert.True(t, r.Contains("c"))
}

func TestScheduler_EnqueueTimestamp_RejectsAtOrBeforeLatest(t *testing.T) {
	latest := &LatestSlot{}
	latest.PublishIfNewer(&ScanSnapshot{Timestamp: "20260801-120000"})

	sched := NewScheduler(nil, nil, latest)
	sched.EnqueueTimestamp("20260801-110000")
	sched.EnqueueTimestamp("20260801-120000")
	assert.Equal(t, 0, sched.Pending.Len())

	sched.EnqueueTimestamp("20260801-130000")
	assert.Equal(t, 1, sched.Pending.Len())
}

func TestScheduler_EnqueueTimestamp_SkipsRecent(t *testing.T) {
	latest := &LatestSlot{}
	sched := NewScheduler(nil, nil, latest)
	sched.Recent.Record("20260801-130000")

	sched.EnqueueTimestamp("20260801-130000")
	assert.Equal(t, 0, sched.Pending.Len())
}

func TestExtractTimestampsFromPushBody_FindsDirectAndNestedKeys(t *testing.T) {
	body := `{"Message":"{\"key\":\"CONUS/MergedReflectivityQC_00.50/20260801/MRMS_MergedReflectivityQC_00.50_20260801-120000.grib2.gz\"}"}`
	ts := extractTimestampsFromPushBody(body)
	require.Len(t, ts, 1)
	assert.Equal(t, "20260801-120000", ts[0])
}

func TestExtractTimestampsFromPushBody_EmptyOnNoMatch(t *testing.T) {
	ts := extractTimestampsFromPushBody(`{"hello":"world"}`)
	assert.Empty(t, ts)
}
