package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/approachradar/backend/internal/volumewire"
)

const defaultMaxVoxels = 12000

type weatherVoxel struct {
	XNm        float64 `json:"xNm"`
	ZNm        float64 `json:"zNm"`
	BottomFeet uint16  `json:"bottomFeet"`
	TopFeet    uint16  `json:"topFeet"`
	DbzTenths  int16   `json:"dbzTenths"`
	Phase      uint8   `json:"phase"`
}

type weatherResponse struct {
	Ready         bool           `json:"ready"`
	GeneratedAt   int64          `json:"generatedAt,omitempty"`
	ScanTimeMs    int64          `json:"scanTime,omitempty"`
	Timestamp     string         `json:"timestamp,omitempty"`
	Voxels        []weatherVoxel `json:"voxels"`
	TruncatedTo   int            `json:"truncatedTo,omitempty"`
}

// handleWeather is the JSON-shaped face of the volume query (spec §6),
// carrying the same window/filter semantics as /volume but serializing
// individual voxels instead of the binary wire format.
func (s *Server) handleWeather(w http.ResponseWriter, r *http.Request) {
	lat, lon, ok := parseLatLon(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "lat and lon query parameters are required and must be in range")
		return
	}
	minDbz := parseFloatQuery(r, "minDbz", defaultMinDbz)
	maxRangeNm := parseFloatQuery(r, "maxRangeNm", defaultMaxRangeNm)
	maxVoxels := defaultMaxVoxels
	if v := r.URL.Query().Get("maxVoxels"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxVoxels = n
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")

	snap := s.Latest.Get()
	if snap == nil {
		_ = json.NewEncoder(w).Encode(weatherResponse{Ready: false, Voxels: []weatherVoxel{}})
		return
	}

	points := volumewire.CollectVoxels(snap, lat, lon, minDbz, maxRangeNm, maxVoxels)
	voxels := make([]weatherVoxel, len(points))
	for i, p := range points {
		voxels[i] = weatherVoxel{XNm: p.XNm, ZNm: p.ZNm, BottomFeet: p.BottomFeet, TopFeet: p.TopFeet, DbzTenths: p.DbzTenths, Phase: p.Phase}
	}

	resp := weatherResponse{
		Ready:       true,
		GeneratedAt: snap.GeneratedAtMs,
		ScanTimeMs:  snap.ScanTimeMs,
		Timestamp:   snap.Timestamp,
		Voxels:      voxels,
	}
	if len(voxels) >= maxVoxels {
		resp.TruncatedTo = maxVoxels
	}
	_ = json.NewEncoder(w).Encode(resp)
}
