package httpapi

import (
	"encoding/json"
	"net/http"
)

type metaResponse struct {
	Ready        bool   `json:"ready"`
	GeneratedAt  int64  `json:"generatedAt"`
	ScanTimeMs   int64  `json:"scanTime"`
	Timestamp    string `json:"timestamp"`
	VoxelCount   int    `json:"voxelCount"`
	TileCount    int    `json:"tileCount"`
	LayerCount   int    `json:"layerCount"`
	PhaseMode    string `json:"phaseMode"`
	PhaseDetail  string `json:"phaseDetail"`

	ZdrTimestamp           string `json:"zdrTimestamp,omitempty"`
	RhoHVTimestamp         string `json:"rhohvTimestamp,omitempty"`
	PrecipFlagTimestamp    string `json:"precipFlagTimestamp,omitempty"`
	FreezingLevelTimestamp string `json:"freezingLevelTimestamp,omitempty"`
	ZdrAgeSeconds          int64  `json:"zdrAgeSeconds,omitempty"`
	RhoHVAgeSeconds        int64  `json:"rhohvAgeSeconds,omitempty"`
	DualPolStale           bool   `json:"dualPolStale,omitempty"`

	StorageDir     string `json:"storageDir"`
	RetentionBytes int64  `json:"retentionBytes"`
	SqsEnabled     bool   `json:"sqsEnabled"`
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")

	snap := s.Latest.Get()
	resp := metaResponse{
		StorageDir:     s.Config.StorageDir,
		RetentionBytes: s.Config.RetentionBytes,
		SqsEnabled:     s.Config.SqsQueueURL != "",
	}
	if snap == nil {
		resp.Ready = false
		_ = json.NewEncoder(w).Encode(resp)
		return
	}

	resp.Ready = true
	resp.GeneratedAt = snap.GeneratedAtMs
	resp.ScanTimeMs = snap.ScanTimeMs
	resp.Timestamp = snap.Timestamp
	resp.VoxelCount = len(snap.Voxels)
	resp.TileCount = int(snap.TileCols) * int(snap.TileRows)
	resp.LayerCount = len(snap.LevelBounds)

	dbg := snap.PhaseDebug
	resp.PhaseMode = dbg.Mode
	resp.PhaseDetail = dbg.Counters
	resp.ZdrTimestamp = dbg.ZdrTimestamp
	resp.RhoHVTimestamp = dbg.RhoHVTimestamp
	resp.PrecipFlagTimestamp = dbg.PrecipTimestamp
	resp.FreezingLevelTimestamp = dbg.FreezingTimestamp
	resp.ZdrAgeSeconds = dbg.ZdrAgeSeconds
	resp.RhoHVAgeSeconds = dbg.RhoHVAgeSeconds
	resp.DualPolStale = dbg.DualPolStale

	_ = json.NewEncoder(w).Encode(resp)
}
