// Package discovery lists object-store keys for a date/product prefix via
// paginated regex-scraped XML, without a full XML parser or an S3 SDK —
// neither is available anywhere in the reference pack, and the spec scopes
// "the object-store listing XML endpoint itself" as an external
// collaborator, not specified. It takes prefixes and day-lookback bounds as
// parameters rather than importing domain constants, so callers in the mrms
// package (which discovery must not depend on, to avoid an import cycle)
// can reuse it for both base-level and aux-product timestamp search.
//
// Grounded verbatim on
// original_source/services/runtime-rs/src/discovery.rs, generalized per
// ingest.rs's find_latest_timestamp_at_or_before prefix_builder pattern.
package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"time"
)

// Lister fetches and paginates S3-style list-objects-v2 XML responses.
type Lister struct {
	HTTP      *http.Client
	BucketURL string
}

// NewLister constructs a Lister bound to the given HTTP client and bucket.
func NewLister(httpClient *http.Client, bucketURL string) *Lister {
	return &Lister{HTTP: httpClient, BucketURL: bucketURL}
}

var keyTagRe = regexp.MustCompile(`<Key>([^<]+)</Key>`)
var isTruncatedRe = regexp.MustCompile(`<IsTruncated>([^<]+)</IsTruncated>`)
var continuationTokenRe = regexp.MustCompile(`<NextContinuationToken>([^<]+)</NextContinuationToken>`)
var grib2KeyTimestampRe = regexp.MustCompile(`_(\d{8}-\d{6})\.grib2\.gz$`)

// ListKeysForPrefix follows up to 4 pages of 1000 keys each via
// continuation tokens. Grounded on discovery.rs's list_keys_for_prefix.
func (l *Lister) ListKeysForPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var continuationToken string

	for page := 0; page < 4; page++ {
		listURL := fmt.Sprintf("%s/?list-type=2&prefix=%s&max-keys=1000", l.BucketURL, url.QueryEscape(prefix))
		if continuationToken != "" {
			listURL += "&continuation-token=" + url.QueryEscape(continuationToken)
		}

		body, err := l.fetchText(ctx, listURL)
		if err != nil {
			return nil, fmt.Errorf("discovery: list page %d: %w", page, err)
		}

		for _, m := range keyTagRe.FindAllStringSubmatch(body, -1) {
			keys = append(keys, m[1])
		}

		isTruncated := false
		if m := isTruncatedRe.FindStringSubmatch(body); m != nil {
			isTruncated = m[1] == "true"
		}
		if !isTruncated {
			break
		}
		m := continuationTokenRe.FindStringSubmatch(body)
		if m == nil {
			break
		}
		continuationToken = m[1]
	}

	return keys, nil
}

func (l *Lister) fetchText(ctx context.Context, listURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := l.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// IsMrmsGrib2Key reports whether a key names a gzipped GRIB2 object.
func IsMrmsGrib2Key(key string) bool {
	return len(key) > 9 && key[len(key)-9:] == ".grib2.gz"
}

// ExtractTimestampFromKey pulls the trailing YYYYMMDD-HHMMSS token from a
// MRMS object key.
func ExtractTimestampFromKey(key string) (string, bool) {
	m := grib2KeyTimestampRe.FindStringSubmatch(key)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// FindRecentBaseLevelKeys descends day-offsets 0..=maxDayLookback under
// prefix (e.g. "CONUS/MergedReflectivityQC_00.50"), filters to .grib2.gz
// keys, and returns up to limit keys in descending lexical order. Grounded
// on discovery.rs's find_recent_base_level_keys.
func (l *Lister) FindRecentBaseLevelKeys(ctx context.Context, prefix string, now time.Time, maxDayLookback, limit int) ([]string, error) {
	var candidates []string

	for dayOffset := 0; dayOffset <= maxDayLookback; dayOffset++ {
		day := now.AddDate(0, 0, -dayOffset).UTC().Format("20060102")
		dayPrefix := fmt.Sprintf("%s/%s/", prefix, day)

		keys, err := l.ListKeysForPrefix(ctx, dayPrefix)
		if err != nil {
			return nil, err
		}

		var filtered []string
		for _, k := range keys {
			if IsMrmsGrib2Key(k) {
				filtered = append(filtered, k)
			}
		}
		sort.Sort(sort.Reverse(sort.StringSlice(filtered)))

		for _, k := range filtered {
			candidates = append(candidates, k)
			if len(candidates) >= limit {
				return candidates, nil
			}
		}
	}

	return candidates, nil
}

// FindLatestTimestampAtOrBefore descends day-offsets 0..=maxDayLookback
// (relative to target, which must be a "YYYYMMDD-HHMMSS" timestamp),
// listing prefixBuilder(day) each time, and returns the lexically greatest
// extracted timestamp that does not exceed target. Grounded on ingest.rs's
// find_latest_timestamp_at_or_before.
func (l *Lister) FindLatestTimestampAtOrBefore(ctx context.Context, prefixBuilder func(day string) string, target time.Time, targetTimestamp string, maxDayLookback int) (string, bool) {
	var best string
	for dayOffset := 0; dayOffset <= maxDayLookback; dayOffset++ {
		day := target.AddDate(0, 0, -dayOffset).UTC().Format("20060102")
		prefix := prefixBuilder(day)

		keys, err := l.ListKeysForPrefix(ctx, prefix)
		if err != nil {
			continue
		}
		for _, k := range keys {
			ts, ok := ExtractTimestampFromKey(k)
			if !ok || ts > targetTimestamp {
				continue
			}
			if ts > best {
				best = ts
			}
		}
	}
	if best == "" {
		return "", false
	}
	return best, true
}
