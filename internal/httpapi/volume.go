package httpapi

import (
	"net/http"
	"strconv"

	"github.com/approachradar/backend/internal/monitoring"
	"github.com/approachradar/backend/internal/volumewire"
)

const (
	defaultMinDbz     = 20.0
	defaultMaxRangeNm = 250.0
)

func parseLatLon(r *http.Request) (lat, lon float64, ok bool) {
	latStr := r.URL.Query().Get("lat")
	lonStr := r.URL.Query().Get("lon")
	if latStr == "" || lonStr == "" {
		return 0, 0, false
	}
	lat, errLat := strconv.ParseFloat(latStr, 64)
	lon, errLon := strconv.ParseFloat(lonStr, 64)
	if errLat != nil || errLon != nil || lat < -90.0 || lat > 90.0 || lon < -180.0 || lon > 180.0 {
		return 0, 0, false
	}
	return lat, lon, true
}

func parseFloatQuery(r *http.Request, key string, def float64) float64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// handleVolume serves the binary wire payload consumed by the 3D client,
// choosing the V1 flat-record or V2 quantized-brick encoding by the
// wireVersion query parameter (spec §4.I, §6).
func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	lat, lon, ok := parseLatLon(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "lat and lon query parameters are required and must be in range")
		return
	}
	minDbz := parseFloatQuery(r, "minDbz", defaultMinDbz)
	maxRangeNm := parseFloatQuery(r, "maxRangeNm", defaultMaxRangeNm)
	wireVersion := r.URL.Query().Get("wireVersion")
	if wireVersion == "" {
		wireVersion = "v1"
	}

	snap := s.Latest.Get()
	if snap == nil {
		monitoring.RecordVolumeResponse(wireVersion, 0)
		writeJSONError(w, http.StatusServiceUnavailable, "no snapshot has been published yet")
		return
	}

	var body []byte
	switch wireVersion {
	case "v2":
		body = volumewire.EncodeV2(snap, lat, lon, minDbz, maxRangeNm)
	default:
		body = volumewire.EncodeV1(snap, lat, lon, minDbz, maxRangeNm)
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-AV-SCAN-TIME", strconv.FormatInt(snap.ScanTimeMs, 10))
	w.Header().Set("X-AV-GENERATED-AT", strconv.FormatInt(snap.GeneratedAtMs, 10))
	if dbg := snap.PhaseDebug; dbg.Mode != "" {
		w.Header().Set("X-AV-PHASE-MODE", dbg.Mode)
		if dbg.DualPolStale {
			w.Header().Set("X-AV-DUAL-POL-STALE", "1")
		}
	}

	monitoring.RecordVolumeResponse(wireVersion, len(body))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
