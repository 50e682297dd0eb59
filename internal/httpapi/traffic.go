package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/approachradar/backend/internal/monitoring"
	"github.com/approachradar/backend/internal/traffic"
)

const (
	defaultTrafficRadiusNm     = 100.0
	defaultTrafficLimit        = 200
	defaultTrafficHistoryMins  = 0.0
)

type trafficAircraft struct {
	Hex             string        `json:"hex"`
	Lat             float64       `json:"lat"`
	Lon             float64       `json:"lon"`
	IsOnGround      bool          `json:"isOnGround"`
	AltitudeFeet    *int32        `json:"altitudeFeet,omitempty"`
	GroundSpeedKt   *float64      `json:"groundSpeedKt,omitempty"`
	TrackDeg        *float64      `json:"trackDeg,omitempty"`
	Flight          *string       `json:"flight,omitempty"`
	LastSeenSeconds float64       `json:"lastSeenSeconds"`
	DistanceNm      float64       `json:"distanceNm"`
	Trace           []tracePoint  `json:"trace,omitempty"`
}

type tracePoint struct {
	TimestampMs int64   `json:"timestampMs"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
}

type trafficResponse struct {
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Aircraft  []trafficAircraft `json:"aircraft"`
}

func writeTrafficJSON(w http.ResponseWriter, status int, resp trafficResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if resp.Aircraft == nil {
		resp.Aircraft = []trafficAircraft{}
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// handleTraffic serves the binCraft-derived traffic picture (spec §4.J),
// always answering 200 with a success/error envelope except when lat/lon
// are missing or invalid.
func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	lat, lon, ok := parseLatLon(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "lat and lon query parameters are required and must be in range")
		return
	}

	radiusNm := parseFloatQuery(r, "radiusNm", defaultTrafficRadiusNm)
	limit := defaultTrafficLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			limit = n
		}
	}
	historyMinutes := parseFloatQuery(r, "historyMinutes", defaultTrafficHistoryMins)
	hideGround := r.URL.Query().Get("hideGround") == "1" || r.URL.Query().Get("hideGround") == "true"

	baseURL := s.Config.AdsbxTar1090BaseURL
	if baseURL == "" {
		monitoring.RecordTrafficResponse("unconfigured", 0)
		writeTrafficJSON(w, http.StatusOK, trafficResponse{Success: false, Error: "traffic source is not configured"})
		return
	}

	ctx := r.Context()
	data, err := traffic.FetchBinCraft(ctx, baseURL, s.Config.AdsbxTar1090FallbackBaseURLs)
	if err != nil {
		monitoring.RecordTrafficResponse("fetch_error", 0)
		writeTrafficJSON(w, http.StatusOK, trafficResponse{Success: false, Error: "failed to fetch traffic data"})
		return
	}

	decoded, err := traffic.DecodeBinCraft(data)
	if err != nil {
		monitoring.RecordTrafficResponse("decode_error", 0)
		writeTrafficJSON(w, http.StatusOK, trafficResponse{Success: false, Error: "failed to decode traffic data"})
		return
	}

	filtered := traffic.FilterSortLimit(decoded, lat, lon, radiusNm, hideGround, limit)

	var traces map[string][]traffic.TracePoint
	if historyMinutes > 0 && len(filtered) > 0 {
		hexes := make([]string, len(filtered))
		for i, ac := range filtered {
			hexes[i] = ac.Hex
		}
		client := traffic.Client(baseURL)
		traces = traffic.FetchRecentTraceHistory(ctx, client, baseURL, hexes, historyMinutes, time.Now().UnixMilli())
	}

	out := make([]trafficAircraft, len(filtered))
	for i, ac := range filtered {
		ta := trafficAircraft{
			Hex: ac.Hex, Lat: ac.Lat, Lon: ac.Lon, IsOnGround: ac.IsOnGround,
			AltitudeFeet: ac.AltitudeFeet, GroundSpeedKt: ac.GroundSpeedKt, TrackDeg: ac.TrackDeg,
			Flight: ac.Flight, LastSeenSeconds: ac.LastSeenSeconds, DistanceNm: ac.DistanceNm,
		}
		if pts, found := traces[ac.Hex]; found {
			ta.Trace = make([]tracePoint, len(pts))
			for j, p := range pts {
				ta.Trace[j] = tracePoint{TimestampMs: p.TimestampMs, Lat: p.Lat, Lon: p.Lon}
			}
		}
		out[i] = ta
	}

	monitoring.RecordTrafficResponse("ok", len(out))
	writeTrafficJSON(w, http.StatusOK, trafficResponse{Success: true, Aircraft: out})
}
