// Package config reads the service's environment-backed configuration,
// matching the keys and defaults in spec.md §6. Grounded on
// original_source/services/mrms-rs/src/config.rs's Config::from_env and
// its env_string/env_u64/env_u16 helper pattern; process-level flags are
// layered on top with the teacher's urfave/cli/v3 style
// (cmd/miniflightradar/main.go).
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds every tunable named in spec §6, plus the supplemented
// level-fetch concurrency/retry knobs from
// original_source/rust-api/src/weather.rs.
type Config struct {
	ListenAddr string

	StorageDir string

	RetentionBytes          int64
	RequestTimeout          time.Duration
	BootstrapInterval       time.Duration
	SqsQueueURL             string
	SqsPollDelay            time.Duration
	PendingRetryDelay       time.Duration
	TileSize                uint16

	AdsbxTar1090BaseURL          string
	AdsbxTar1090FallbackBaseURLs []string

	LevelFetchConcurrency int
	LevelFetchRetries     int

	Debug bool

	JWTSecret string
	JWTFile   string
}

// ScansDir is where on-disk snapshots live, per spec §6.
func (c Config) ScansDir() string {
	return filepath.Join(c.StorageDir, "scans")
}

// FromEnv builds a Config from environment variables with the defaults
// declared in spec.md §6. CLI flags (see cmd/approachradard) may override
// individual fields after this call returns.
func FromEnv() Config {
	return Config{
		ListenAddr:        envString("LISTEN_ADDR", "127.0.0.1:9191"),
		StorageDir:        envString("STORAGE_DIR", defaultStorageDir()),
		RetentionBytes:    envInt64("RETENTION_BYTES", 5*1024*1024*1024),
		RequestTimeout:    envSeconds("REQUEST_TIMEOUT_SECONDS", 10),
		BootstrapInterval: envSeconds("BOOTSTRAP_INTERVAL_SECONDS", 300),
		SqsQueueURL:       envString("SQS_QUEUE_URL", ""),
		SqsPollDelay:      envSeconds("SQS_POLL_DELAY_SECONDS", 3),
		PendingRetryDelay: envSeconds("PENDING_RETRY_SECONDS", 30),
		TileSize:          clampTileSize(envUint16("TILE_SIZE", 64)),

		AdsbxTar1090BaseURL:          envString("ADSBX_TAR1090_BASE_URL", ""),
		AdsbxTar1090FallbackBaseURLs: envCSV("ADSBX_TAR1090_FALLBACK_BASE_URLS"),

		LevelFetchConcurrency: envInt("MRMS_LEVEL_FETCH_CONCURRENCY", 33),
		LevelFetchRetries:     min(envInt("MRMS_LEVEL_FETCH_RETRIES", 2), 6),

		Debug: envBool("DEBUG"),

		JWTSecret: envString("ADMIN_JWT_SECRET", ""),
		JWTFile:   envString("ADMIN_JWT_FILE", "./data/jwt.secret"),
	}
}

func clampTileSize(v uint16) uint16 {
	if v < 16 {
		return 16
	}
	return v
}

func defaultStorageDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "approach-viz-mrms")
	}
	return "/var/lib/approach-viz-mrms"
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envUint16(key string, def uint16) uint16 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			return uint16(n)
		}
	}
	return def
}

func envSeconds(key string, defSeconds int64) time.Duration {
	return time.Duration(envInt64(key, defSeconds)) * time.Second
}

func envBool(key string) bool {
	v := os.Getenv(key)
	return v == "1" || v == "true" || v == "yes"
}

func envCSV(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}
