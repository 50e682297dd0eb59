// Package statestore persists scheduler bookkeeping (recent-timestamp
// dedupe set, per-timestamp attempt counters, last-published marker) so a
// process restart does not force a full re-bootstrap of the scheduler's
// in-memory state.
//
// Grounded on the teacher's storage/storage.go buntdb lifecycle (Open,
// singleton Get, TTL-touch, rebuild-on-startup); the OpenSky position
// cache and IATA/ICAO callsign-conversion helpers it also carried have no
// home in this domain and are dropped (see DESIGN.md).
package statestore

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tidwall/buntdb"
)

const (
	recentTimestampKeyPrefix = "ts:"
	attemptKeyPrefix         = "attempt:"
	lastPublishedKey         = "meta:last_published_timestamp"
	lastGeneratedAtKey       = "meta:last_generated_at_ms"
)

type Store struct {
	db        *buntdb.DB
	retention time.Duration
}

var store *Store

// Open opens a persistent BuntDB file at dbPath and configures the
// retention TTL applied to recent-timestamp and attempt-counter entries.
func Open(dbPath string, retention time.Duration) (*Store, error) {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := buntdb.Open(dbPath)
	if err != nil {
		return nil, err
	}
	store = &Store{db: db, retention: retention}
	return store, nil
}

func Get() *Store { return store }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// MarkTimestampSeen records timestamp in the durable recent-timestamp set,
// mirroring the in-memory RecentTimestamps guard so a restart can
// repopulate it via LoadRecentTimestamps.
func (s *Store) MarkTimestampSeen(timestamp string) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(recentTimestampKeyPrefix+timestamp, "1", &buntdb.SetOptions{Expires: true, TTL: s.retention})
		return err
	})
}

// LoadRecentTimestamps returns every durably recorded timestamp still
// within its retention window, ascending lexically, for repopulating the
// in-memory RecentTimestamps set at startup.
func (s *Store) LoadRecentTimestamps() ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("statestore: not initialized")
	}
	var out []string
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(recentTimestampKeyPrefix+"*", func(key, _ string) bool {
			out = append(out, key[len(recentTimestampKeyPrefix):])
			return true
		})
	})
	return out, err
}

// RecordAttempt durably stores the attempt counter for a pending
// timestamp. The store has no reader for these counters; PendingIngestMap
// starts empty after a restart.
func (s *Store) RecordAttempt(timestamp string, attempts int) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(attemptKeyPrefix+timestamp, strconv.Itoa(attempts), &buntdb.SetOptions{Expires: true, TTL: s.retention})
		return err
	})
}

// ClearAttempt removes the durable attempt counter once a timestamp's
// ingest succeeds or is permanently abandoned.
func (s *Store) ClearAttempt(timestamp string) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(attemptKeyPrefix + timestamp)
		if err != nil && errors.Is(err, buntdb.ErrNotFound) {
			return nil
		}
		return err
	})
}

// SetLastPublished records the most recently published snapshot's
// timestamp and generation time; LastPublished reads them back. /meta
// reports only the in-memory latest snapshot and does not consult these.
func (s *Store) SetLastPublished(timestamp string, generatedAtMs int64) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		if _, _, err := tx.Set(lastPublishedKey, timestamp, nil); err != nil {
			return err
		}
		_, _, err := tx.Set(lastGeneratedAtKey, strconv.FormatInt(generatedAtMs, 10), nil)
		return err
	})
}

// LastPublished returns the durably recorded last-published timestamp and
// generation time, if any.
func (s *Store) LastPublished() (timestamp string, generatedAtMs int64, ok bool) {
	if s == nil || s.db == nil {
		return "", 0, false
	}
	_ = s.db.View(func(tx *buntdb.Tx) error {
		ts, err := tx.Get(lastPublishedKey)
		if err != nil {
			return nil
		}
		genStr, err := tx.Get(lastGeneratedAtKey)
		if err != nil {
			return nil
		}
		gen, err := strconv.ParseInt(genStr, 10, 64)
		if err != nil {
			return nil
		}
		timestamp, generatedAtMs, ok = ts, gen, true
		return nil
	})
	return
}
