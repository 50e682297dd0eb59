package mrms

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/approachradar/backend/internal/byteio"
	"github.com/approachradar/backend/internal/discovery"
	"github.com/approachradar/backend/internal/grib"
)

const timestampLayout = "20060102-150405"

// ParseTimestamp parses a "YYYYMMDD-HHMMSS" MRMS timestamp as UTC.
func ParseTimestamp(timestamp string) (time.Time, bool) {
	t, err := time.Parse(timestampLayout, timestamp)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func datePart(timestamp string) (string, bool) {
	idx := strings.IndexByte(timestamp, '-')
	if idx <= 0 {
		return "", false
	}
	return timestamp[:idx], true
}

// Fetcher retrieves the gzip-compressed bytes at a fully-qualified object
// URL. HTTPFetcher below adapts a *http.Client to it.
type Fetcher interface {
	FetchBytes(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher adapts a *http.Client to Fetcher.
type HTTPFetcher struct {
	Client *http.Client
}

// FetchBytes issues a GET and reads the full response body, failing on any
// non-2xx status. Grounded on rust-api/src/weather.rs's fetch_bytes.
func (f HTTPFetcher) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("mrms: fetch %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Orchestrator runs the MRMS ingest pipeline for one timestamp at a time,
// implementing the fan-out/fallback/staleness rules of spec §4.D. Grounded
// on original_source/services/mrms-rs/src/ingest.rs's ingest_timestamp.
type Orchestrator struct {
	Fetch     Fetcher
	Lister    *discovery.Lister
	TileSize  uint16

	LevelTags []string

	// FetchConcurrency bounds how many level/aux fetches run at once in
	// each fan-out; FetchRetries is the number of extra attempts (beyond
	// the first) made per fetch before it is given up on. Grounded on
	// weather.rs's fetch_mrms_levels_for_timestamp (chunked fan-out,
	// 0..=level_fetch_retries attempts per level).
	FetchConcurrency int
	FetchRetries     int
}

// NewOrchestrator builds an Orchestrator using the package's 33 fixed level
// tags.
func NewOrchestrator(fetch Fetcher, lister *discovery.Lister, tileSize uint16) *Orchestrator {
	return &Orchestrator{
		Fetch:            fetch,
		Lister:           lister,
		TileSize:         tileSize,
		LevelTags:        LevelTags,
		FetchConcurrency: len(LevelTags),
		FetchRetries:     2,
	}
}

func (o *Orchestrator) fetchGzippedGrib(ctx context.Context, key string) ([]byte, error) {
	raw, err := o.Fetch.FetchBytes(ctx, BucketURL+"/"+key)
	if err != nil {
		return nil, err
	}
	return byteio.Gunzip(raw)
}

// fetchGzippedGribWithRetry retries a failed fetch+gunzip up to
// o.FetchRetries extra times with no backoff delay, matching the original's
// plain attempt loop.
func (o *Orchestrator) fetchGzippedGribWithRetry(ctx context.Context, key string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= o.FetchRetries; attempt++ {
		gz, err := o.fetchGzippedGrib(ctx, key)
		if err == nil {
			return gz, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// fanOutLimit clamps FetchConcurrency to a usable positive value, defaulting
// to unbounded (a negative errgroup limit) when unset.
func (o *Orchestrator) fanOutLimit() int {
	if o.FetchConcurrency <= 0 {
		return -1
	}
	return o.FetchConcurrency
}

// IngestTimestamp executes the full fan-out for one target timestamp and
// returns the built snapshot. Any failed required fetch or decode aborts
// the whole ingest, per spec §4.D.5.
func (o *Orchestrator) IngestTimestamp(ctx context.Context, timestamp string) (ScanSnapshot, error) {
	date, ok := datePart(timestamp)
	if !ok {
		return ScanSnapshot{}, fmt.Errorf("mrms: invalid timestamp %q", timestamp)
	}

	reflectivity, err := o.fetchAllLevels(ctx, date, timestamp)
	if err != nil {
		return ScanSnapshot{}, err
	}

	baseGrid := reflectivity[0].Grid
	for i := 1; i < len(reflectivity); i++ {
		if !reflectivity[i].Grid.SameAs(baseGrid) {
			return ScanSnapshot{}, fmt.Errorf("mrms: grid mismatch at level %s", o.LevelTags[i])
		}
	}

	zdrBundle := o.fetchDualPolBundle(ctx, ZdrProduct, timestamp)
	rhohvBundle := o.fetchDualPolBundle(ctx, RhoHVProduct, timestamp)

	dualStale := (zdrBundle.ageSeconds != nil && *zdrBundle.ageSeconds > DualPolStaleAgeSeconds) ||
		(rhohvBundle.ageSeconds != nil && *rhohvBundle.ageSeconds > DualPolStaleAgeSeconds) ||
		zdrBundle.availableLevelCount() < len(o.LevelTags) ||
		rhohvBundle.availableLevelCount() < len(o.LevelTags)

	thermo := o.fetchThermoAuxBundle(ctx, timestamp)

	levelKm := make([]float64, len(o.LevelTags))
	for i, tag := range o.LevelTags {
		v, _ := strconv.ParseFloat(tag, 64)
		levelKm[i] = v
	}

	fields := make([]LevelField, len(reflectivity))
	for i, refl := range reflectivity {
		lf := LevelField{Reflectivity: refl}
		if f := zdrBundle.fieldsByLevel[i]; f != nil {
			if f.Grid.SameAs(refl.Grid) && len(f.Values) == len(refl.DbzTenths) {
				s := NewAuxSampler(*f)
				lf.Zdr = &s
			} else {
				log.Printf("mrms: discarding ZDR level %s: grid differs from reflectivity", o.LevelTags[i])
			}
		}
		if f := rhohvBundle.fieldsByLevel[i]; f != nil {
			if f.Grid.SameAs(refl.Grid) && len(f.Values) == len(refl.DbzTenths) {
				s := NewAuxSampler(*f)
				lf.RhoHV = &s
			} else {
				log.Printf("mrms: discarding RhoHV level %s: grid differs from reflectivity", o.LevelTags[i])
			}
		}
		fields[i] = lf
	}

	dual := DualPolBundle{
		Stale:           dualStale,
		ZdrTimestamp:    zdrBundle.selectedTimestamp,
		RhoHVTimestamp:  rhohvBundle.selectedTimestamp,
		ZdrAgeSeconds:   derefInt64(zdrBundle.ageSeconds),
		RhoHVAgeSeconds: derefInt64(rhohvBundle.ageSeconds),
	}

	generatedAtMs := time.Now().UTC().UnixMilli()
	scanTimeMs := generatedAtMs
	if t, ok := ParseTimestamp(timestamp); ok {
		scanTimeMs = t.UnixMilli()
	}

	return BuildSnapshot(timestamp, generatedAtMs, scanTimeMs, levelKm, fields, thermo, dual, StoreMinDbzTenths, o.TileSize)
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func (o *Orchestrator) fetchAllLevels(ctx context.Context, date, timestamp string) ([]ReflectivityField, error) {
	out := make([]ReflectivityField, len(o.LevelTags))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.fanOutLimit())
	for i, tag := range o.LevelTags {
		i, tag := i, tag
		g.Go(func() error {
			key := buildLevelKey(ProductPrefix, tag, date, timestamp)
			gz, err := o.fetchGzippedGribWithRetry(gctx, key)
			if err != nil {
				return fmt.Errorf("mrms: fetch level %s: %w", tag, err)
			}
			field, err := grib.DecodeReflectivity(gz)
			if err != nil {
				return fmt.Errorf("mrms: decode level %s: %w", tag, err)
			}
			out[i] = field
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// dualPolBundle is the per-product (ZDR or RhoHV) result: the timestamp
// actually used (possibly older than requested), its age relative to the
// target, and a per-level slice of decoded fields (nil where unavailable).
type dualPolBundle struct {
	selectedTimestamp string
	ageSeconds        *int64
	fieldsByLevel     []*AuxField
}

func (b dualPolBundle) availableLevelCount() int {
	n := 0
	for _, f := range b.fieldsByLevel {
		if f != nil {
			n++
		}
	}
	return n
}

// fetchDualPolBundle implements ingest.rs's fetch_dual_pol_bundle: try the
// base level at exactly the target timestamp; on failure, search backward
// for the newest available base-level timestamp, then fan the selected
// timestamp out across the remaining levels.
func (o *Orchestrator) fetchDualPolBundle(ctx context.Context, productPrefix, targetTimestamp string) dualPolBundle {
	empty := dualPolBundle{fieldsByLevel: make([]*AuxField, len(o.LevelTags))}

	date, ok := datePart(targetTimestamp)
	if !ok {
		return empty
	}

	selected := targetTimestamp
	baseField, err := o.fetchAuxAt(ctx, buildLevelKey(productPrefix, BaseLevelTag, date, targetTimestamp))
	if err != nil {
		target, ok := ParseTimestamp(targetTimestamp)
		if !ok {
			return empty
		}
		found, ok := o.Lister.FindLatestTimestampAtOrBefore(ctx, func(day string) string {
			return fmt.Sprintf("%s/%s_%s/%s/", ConusPrefix, productPrefix, BaseLevelTag, day)
		}, target, targetTimestamp, maxInt(AuxTimestampLookbackDays, MaxBaseDayLookback))
		if !ok {
			return empty
		}
		selected = found
		selDate, ok := datePart(selected)
		if !ok {
			return empty
		}
		baseField, err = o.fetchAuxAt(ctx, buildLevelKey(productPrefix, BaseLevelTag, selDate, selected))
		if err != nil {
			return empty
		}
		date = selDate
	}

	fields := make([]*AuxField, len(o.LevelTags))
	fields[0] = baseField

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.fanOutLimit())
	for i, tag := range o.LevelTags {
		if i == 0 {
			continue
		}
		i, tag := i, tag
		g.Go(func() error {
			field, err := o.fetchAuxAt(gctx, buildLevelKey(productPrefix, tag, date, selected))
			if err != nil {
				return nil // per-level aux loss is tolerated; voxel falls back to thermo-only
			}
			fields[i] = field
			return nil
		})
	}
	_ = g.Wait()

	var age *int64
	if targetT, ok1 := ParseTimestamp(targetTimestamp); ok1 {
		if selT, ok2 := ParseTimestamp(selected); ok2 {
			a := int64(targetT.Sub(selT).Seconds())
			if a < 0 {
				a = 0
			}
			age = &a
		}
	}

	return dualPolBundle{selectedTimestamp: selected, ageSeconds: age, fieldsByLevel: fields}
}

func (o *Orchestrator) fetchAuxAt(ctx context.Context, key string) (*AuxField, error) {
	gz, err := o.fetchGzippedGribWithRetry(ctx, key)
	if err != nil {
		return nil, err
	}
	field, err := grib.DecodeAux(gz)
	if err != nil {
		return nil, err
	}
	return &field, nil
}

// auxFetchResult is one optional thermo aux product's outcome: the sampler
// built from its decoded field, and the timestamp actually used.
type auxFetchResult struct {
	sampler   *AuxSampler
	timestamp string
}

// fetchThermoAuxBundle fetches the seven optional aux products, each
// independently searched backward for the newest timestamp at or before
// target. Grounded on ingest.rs's fetch_thermo_aux_bundle.
func (o *Orchestrator) fetchThermoAuxBundle(ctx context.Context, targetTimestamp string) ThermoBundle {
	products := []string{
		PrecipFlagProduct, FreezingLevelProduct, WetBulbProduct, SurfaceTempProduct,
		BrightBandTopProduct, BrightBandBottomProduct, RadarQualityProduct,
	}
	results := make([]auxFetchResult, len(products))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.fanOutLimit())
	for i, product := range products {
		i, product := i, product
		g.Go(func() error {
			results[i] = o.fetchLatestAuxAtOrBefore(gctx, product, targetTimestamp)
			return nil
		})
	}
	_ = g.Wait()

	return ThermoBundle{
		PrecipFlag:        results[0].sampler,
		FreezingLevel:     results[1].sampler,
		WetBulb:           results[2].sampler,
		SurfaceTemp:       results[3].sampler,
		BrightBandTop:     results[4].sampler,
		BrightBandBottom:  results[5].sampler,
		RQI:               results[6].sampler,
		PrecipTimestamp:   results[0].timestamp,
		FreezingTimestamp: results[1].timestamp,
	}
}

func (o *Orchestrator) fetchLatestAuxAtOrBefore(ctx context.Context, product, targetTimestamp string) auxFetchResult {
	target, ok := ParseTimestamp(targetTimestamp)
	if !ok {
		return auxFetchResult{}
	}
	found, ok := o.Lister.FindLatestTimestampAtOrBefore(ctx, func(day string) string {
		return fmt.Sprintf("%s/%s/%s/", ConusPrefix, product, day)
	}, target, targetTimestamp, AuxTimestampLookbackDays)
	if !ok {
		return auxFetchResult{}
	}
	date, ok := datePart(found)
	if !ok {
		return auxFetchResult{}
	}
	field, err := o.fetchAuxAt(ctx, buildAuxKey(product, date, found))
	if err != nil {
		return auxFetchResult{}
	}
	s := NewAuxSampler(*field)
	return auxFetchResult{sampler: &s, timestamp: found}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
