package traffic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	traceHistoryMaxAircraft     = 80
	traceHistoryBatchSize       = 8
	traceHistoryMaxPointsPerAC  = 240
	traceRequestTimeoutMs       = 3500
)

// TracePoint is one normalized point of an aircraft's recent track.
type TracePoint struct {
	TimestampMs int64
	Lat, Lon    float64
}

type traceResponse struct {
	Timestamp float64         `json:"timestamp"`
	Trace     [][]interface{} `json:"trace"`
}

// FetchRecentTraceHistory fetches up to min(len(hexes), 80) aircraft's
// recent trace history in batches of 8 concurrent requests, grounded on
// fetch_recent_trace_history.
func FetchRecentTraceHistory(ctx context.Context, client *http.Client, baseURL string, hexes []string, historyMinutes float64, nowMs int64) map[string][]TracePoint {
	if len(hexes) > traceHistoryMaxAircraft {
		hexes = hexes[:traceHistoryMaxAircraft]
	}

	result := make(map[string][]TracePoint, len(hexes))
	for start := 0; start < len(hexes); start += traceHistoryBatchSize {
		end := start + traceHistoryBatchSize
		if end > len(hexes) {
			end = len(hexes)
		}
		batch := hexes[start:end]

		g, gctx := errgroup.WithContext(ctx)
		points := make([][]TracePoint, len(batch))
		for i, hex := range batch {
			i, hex := i, hex
			g.Go(func() error {
				pts, err := fetchTraceHistoryForHex(gctx, client, baseURL, hex, historyMinutes, nowMs)
				if err != nil {
					return nil // non-fatal: this aircraft simply has no trace
				}
				points[i] = pts
				return nil
			})
		}
		_ = g.Wait()

		for i, hex := range batch {
			if len(points[i]) > 0 {
				result[hex] = points[i]
			}
		}
	}
	return result
}

func normalizeTraceHex(hex string) string {
	if len(hex) > 0 && hex[0] == '~' {
		hex = hex[1:]
	}
	return hex
}

func fetchTraceHistoryForHex(ctx context.Context, client *http.Client, baseURL, hex string, historyMinutes float64, nowMs int64) ([]TracePoint, error) {
	normalized := normalizeTraceHex(hex)
	if len(normalized) < 2 {
		return nil, fmt.Errorf("traffic: hex too short: %q", hex)
	}
	last2 := normalized[len(normalized)-2:]
	url := fmt.Sprintf("%s/data/traces/%s/trace_recent_%s.json", baseURL, last2, normalized)

	ctx, cancel := context.WithTimeout(ctx, traceRequestTimeoutMs*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("traffic: trace fetch status %d for %s", resp.StatusCode, hex)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, err
	}

	var parsed traceResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}

	cutoffMs := nowMs - int64(historyMinutes*60_000.0)
	points := make([]TracePoint, 0, len(parsed.Trace))
	for _, entry := range parsed.Trace {
		if len(entry) < 4 {
			continue
		}
		offsetSeconds, ok := entry[0].(float64)
		if !ok {
			continue
		}
		lat, ok := entry[1].(float64)
		if !ok {
			continue
		}
		lon, ok := entry[2].(float64)
		if !ok {
			continue
		}
		if altStr, isStr := entry[3].(string); isStr && altStr == "ground" {
			continue
		}
		if lat < -90.0 || lat > 90.0 || lon < -180.0 || lon > 180.0 {
			continue
		}
		timestampMs := int64((parsed.Timestamp + offsetSeconds) * 1000.0)
		if timestampMs < cutoffMs {
			continue
		}
		points = append(points, TracePoint{TimestampMs: timestampMs, Lat: lat, Lon: lon})
	}

	sort.Slice(points, func(i, j int) bool { return points[i].TimestampMs < points[j].TimestampMs })
	if len(points) > traceHistoryMaxPointsPerAC {
		points = points[len(points)-traceHistoryMaxPointsPerAC:]
	}
	return points, nil
}
