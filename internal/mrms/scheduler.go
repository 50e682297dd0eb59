package mrms

import (
	"context"
	"encoding/json"
	"net/url"
	"regexp"
	"sort"
	"sync"
	"time"
)

// PendingIngestMap is the scheduler's retry bookkeeping table, guarded by
// its own mutex so the scheduler loop never holds it across an ingest.
type PendingIngestMap struct {
	mu      sync.Mutex
	entries map[string]PendingIngest
}

// NewPendingIngestMap returns an empty pending map.
func NewPendingIngestMap() *PendingIngestMap {
	return &PendingIngestMap{entries: make(map[string]PendingIngest)}
}

// UpsertExpedited inserts a fresh zero-attempt entry due now, or — if one
// already exists — brings its next_attempt_at forward to now without
// resetting its attempt count. Implements spec §4.G's duplicate-enqueue
// "expedite" rule.
func (m *PendingIngestMap) UpsertExpedited(timestamp string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[timestamp]; ok {
		entry.NextAttemptAt = now
		m.entries[timestamp] = entry
		return
	}
	m.entries[timestamp] = PendingIngest{Attempts: 0, NextAttemptAt: now}
}

// PopDue removes and returns the due entry (next_attempt_at ≤ now) with the
// greatest lexical timestamp. Returns ok=false if nothing is due.
func (m *PendingIngestMap) PopDue(now time.Time) (timestamp string, entry PendingIngest, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var bestTimestamp string
	found := false
	for ts, e := range m.entries {
		if e.NextAttemptAt.After(now) {
			continue
		}
		if !found || ts > bestTimestamp {
			bestTimestamp, found = ts, true
		}
	}
	if !found {
		return "", PendingIngest{}, false
	}
	entry = m.entries[bestTimestamp]
	delete(m.entries, bestTimestamp)
	return bestTimestamp, entry, true
}

// Reinsert puts a failed attempt back with incremented attempts and a new
// due time, unless attempts has reached the cap.
func (m *PendingIngestMap) Reinsert(timestamp string, attempts uint32, nextAttemptAt time.Time, maxAttempts uint32) {
	if attempts >= maxAttempts {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[timestamp] = PendingIngest{Attempts: attempts, NextAttemptAt: nextAttemptAt}
}

// PruneOlderThan removes every entry strictly older (lexically) than cutoff.
func (m *PendingIngestMap) PruneOlderThan(cutoff string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ts := range m.entries {
		if ts < cutoff {
			delete(m.entries, ts)
		}
	}
}

// Contains reports whether timestamp currently has a pending entry.
func (m *PendingIngestMap) Contains(timestamp string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[timestamp]
	return ok
}

// Len reports the number of currently pending entries, for the scheduler's
// pending-count gauge.
func (m *PendingIngestMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// RecentTimestamps is a bounded, discard-oldest set used to avoid
// re-enqueueing timestamps the scheduler has already ingested.
type RecentTimestamps struct {
	mu       sync.Mutex
	capacity int
	order    []string
	seen     map[string]struct{}
}

// NewRecentTimestamps returns an empty set with the given capacity.
func NewRecentTimestamps(capacity int) *RecentTimestamps {
	return &RecentTimestamps{capacity: capacity, seen: make(map[string]struct{})}
}

// Contains reports whether timestamp has been recorded.
func (r *RecentTimestamps) Contains(timestamp string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[timestamp]
	return ok
}

// Record adds timestamp, evicting the single oldest entry if over capacity.
func (r *RecentTimestamps) Record(timestamp string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[timestamp]; ok {
		return
	}
	r.seen[timestamp] = struct{}{}
	r.order = append(r.order, timestamp)
	if len(r.order) > r.capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.seen, oldest)
	}
}

// SnapshotPersister durably writes a published snapshot (component H).
type SnapshotPersister interface {
	Persist(ctx context.Context, snap ScanSnapshot) error
}

// PushMessage is one message received from the external push queue.
type PushMessage struct {
	Body   string
	handle any
}

// PushSource abstracts a long-poll message queue (e.g. SQS) without
// depending on any particular SDK. No such SDK exists anywhere in the
// reference pack, so the scheduler talks to this interface and the
// transport is supplied by the caller (or omitted, relying on the
// bootstrap loop alone — as spec §4.G's "if unset, rely on S3 polling"
// note allows).
type PushSource interface {
	Receive(ctx context.Context) ([]PushMessage, error)
	Ack(ctx context.Context, msg PushMessage) error
}

// Scheduler ties the pending/recent/latest state together with the
// orchestrator and persister, implementing spec §4.G's three cooperating
// loops. Grounded on ingest.rs's spawn_background_workers and its push/
// bootstrap/scheduler loop trio.
type Scheduler struct {
	Orchestrator *Orchestrator
	Persister    SnapshotPersister
	Latest       *LatestSlot

	Pending *PendingIngestMap
	Recent  *RecentTimestamps

	BootstrapInterval    time.Duration
	PendingRetryDelay    time.Duration
	SqsPollDelay         time.Duration
	MaxBaseKeysLookup    int
	BaseLevelListPrefix  string

	OnIngestError func(timestamp string, attempt uint32, err error)
	OnIngestOK    func(snap ScanSnapshot)
}

// NewScheduler wires a Scheduler with spec-default bounded state.
func NewScheduler(orch *Orchestrator, persister SnapshotPersister, latest *LatestSlot) *Scheduler {
	return &Scheduler{
		Orchestrator:        orch,
		Persister:           persister,
		Latest:              latest,
		Pending:             NewPendingIngestMap(),
		Recent:              NewRecentTimestamps(RecentTimestampsCap),
		BootstrapInterval:   DefaultBootstrapInterval,
		PendingRetryDelay:   DefaultPendingRetryDelay,
		SqsPollDelay:        DefaultSqsPollDelay,
		MaxBaseKeysLookup:   MaxBaseKeysLookup,
		BaseLevelListPrefix: ConusPrefix + "/" + ProductPrefix + "_" + BaseLevelTag,
	}
}

// EnqueueTimestamp applies spec §4.G's enqueue filter: never enqueue a
// timestamp at or before latest, nor one already recorded recent; a
// duplicate pending enqueue only expedites.
func (s *Scheduler) EnqueueTimestamp(timestamp string) {
	if latest := s.Latest.Timestamp(); latest != "" && timestamp <= latest {
		return
	}
	if s.Recent.Contains(timestamp) {
		return
	}
	s.Pending.UpsertExpedited(timestamp, time.Now())
}

// RunBootstrapLoop polls object-store discovery for the newest base-level
// keys every BootstrapInterval and enqueues their timestamps.
func (s *Scheduler) RunBootstrapLoop(ctx context.Context) {
	ticker := time.NewTicker(s.BootstrapInterval)
	defer ticker.Stop()
	s.bootstrapOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.bootstrapOnce(ctx)
		}
	}
}

func (s *Scheduler) bootstrapOnce(ctx context.Context) {
	keys, err := s.Orchestrator.Lister.FindRecentBaseLevelKeys(ctx, s.BaseLevelListPrefix, time.Now(), MaxBaseDayLookback, s.MaxBaseKeysLookup)
	if err != nil {
		return
	}
	for _, key := range keys {
		if ts, ok := extractTimestampFromKeySuffix(key); ok {
			s.EnqueueTimestamp(ts)
		}
	}
}

// RunPushLoop long-polls source and enqueues every timestamp scraped from
// each message body, then acknowledges. On receive failure it sleeps for
// SqsPollDelay before retrying. Grounded on ingest.rs's sqs_loop.
func (s *Scheduler) RunPushLoop(ctx context.Context, source PushSource) {
	if source == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		messages, err := source.Receive(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.SqsPollDelay):
			}
			continue
		}
		for _, msg := range messages {
			for _, ts := range extractTimestampsFromPushBody(msg.Body) {
				s.EnqueueTimestamp(ts)
			}
			_ = source.Ack(ctx, msg)
		}
	}
}

// RunSchedulerLoop repeatedly pops the highest-priority due pending entry,
// ingests it, and applies the success/failure bookkeeping of spec §4.G.
func (s *Scheduler) RunSchedulerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		timestamp, entry, ok := s.Pending.PopDue(time.Now())
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		snap, err := s.Orchestrator.IngestTimestamp(ctx, timestamp)
		if err != nil {
			attempts := entry.Attempts + 1
			s.Pending.Reinsert(timestamp, attempts, time.Now().Add(s.PendingRetryDelay), MaxPendingAttempts)
			if s.OnIngestError != nil {
				s.OnIngestError(timestamp, attempts, err)
			}
			continue
		}

		if s.Persister != nil {
			_ = s.Persister.Persist(ctx, snap)
		}
		s.Latest.PublishIfNewer(&snap)
		s.Recent.Record(snap.Timestamp)
		s.Pending.PruneOlderThan(snap.Timestamp)
		if s.OnIngestOK != nil {
			s.OnIngestOK(snap)
		}
	}
}

var baseKeyRegex = regexp.MustCompile(`MergedReflectivityQC_00\.50[^\s"']*_(\d{8}-\d{6})\.grib2\.gz`)

func extractTimestampFromKeySuffix(key string) (string, bool) {
	m := baseKeyRegex.FindStringSubmatch(key)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// extractTimestampsFromPushBody scans a raw push-message body for base-
// level reflectivity keys directly, then walks it as JSON (including a
// possibly-embedded stringified inner "Message" field, URL-decoded) to
// harvest any nested key strings. Grounded on ingest.rs's
// extract_timestamps_from_sqs_body / collect_json_strings.
func extractTimestampsFromPushBody(body string) []string {
	candidates := make(map[string]struct{})

	for _, m := range baseKeyRegex.FindAllStringSubmatch(body, -1) {
		candidates[m[1]] = struct{}{}
	}

	var root any
	if err := json.Unmarshal([]byte(body), &root); err == nil {
		collectJSONTimestamps(root, candidates)
		if obj, ok := root.(map[string]any); ok {
			if inner, ok := obj["Message"].(string); ok {
				var innerRoot any
				if err := json.Unmarshal([]byte(inner), &innerRoot); err == nil {
					collectJSONTimestamps(innerRoot, candidates)
				}
			}
		}
	}

	out := make([]string, 0, len(candidates))
	for ts := range candidates {
		out = append(out, ts)
	}
	sort.Strings(out)
	return out
}

func collectJSONTimestamps(value any, candidates map[string]struct{}) {
	switch v := value.(type) {
	case string:
		for _, target := range []string{v, decodeURLComponent(v)} {
			for _, m := range baseKeyRegex.FindAllStringSubmatch(target, -1) {
				candidates[m[1]] = struct{}{}
			}
		}
	case []any:
		for _, item := range v {
			collectJSONTimestamps(item, candidates)
		}
	case map[string]any:
		for _, item := range v {
			collectJSONTimestamps(item, candidates)
		}
	}
}

func decodeURLComponent(s string) string {
	decoded, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return decoded
}
