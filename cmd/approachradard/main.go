package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/approachradar/backend/internal/config"
	"github.com/approachradar/backend/internal/discovery"
	"github.com/approachradar/backend/internal/httpapi"
	"github.com/approachradar/backend/internal/mrms"
	"github.com/approachradar/backend/internal/monitoring"
	"github.com/approachradar/backend/internal/security"
	"github.com/approachradar/backend/internal/snapstore"
	"github.com/approachradar/backend/internal/statestore"
	"github.com/approachradar/backend/internal/traffic"
)

func main() {
	cmd := &cli.Command{
		Name:  "approachradard",
		Usage: "Ingests NOAA MRMS reflectivity into a queryable 3D volume and serves nearby ADS-B traffic",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Category: "net",
				Name:     "net.http_proxy",
				Usage:    "Proxy for HTTP requests (Linux-style HTTP_PROXY)",
				Sources:  cli.EnvVars("HTTP_PROXY", "http_proxy"),
				Hidden:   true,
			},
			&cli.StringFlag{
				Category: "net",
				Name:     "net.https_proxy",
				Usage:    "Proxy for HTTPS requests (Linux-style HTTPS_PROXY)",
				Sources:  cli.EnvVars("HTTPS_PROXY", "https_proxy"),
				Hidden:   true,
			},
			&cli.StringFlag{
				Category: "net",
				Name:     "net.no_proxy",
				Usage:    "Comma-separated NO_PROXY list for bypassing proxy (Linux-style NO_PROXY)",
				Sources:  cli.EnvVars("NO_PROXY", "no_proxy"),
				Hidden:   true,
			},
			&cli.StringFlag{
				Category: "server",
				Name:     "server.listen",
				Aliases:  []string{"listen", "l"},
				Value:    "127.0.0.1:9191",
				Usage:    "`ADDRESS` to listen on (e.g., ':9191')",
			},
			&cli.StringFlag{
				Category: "server",
				Name:     "server.proxy",
				Aliases:  []string{"proxy", "x"},
				Usage:    "Proxy URL override for outbound requests (object store, traffic mirrors)",
			},
			&cli.BoolFlag{
				Category: "monitoring",
				Name:     "metrics.enabled",
				Value:    true,
				Usage:    "Expose /metrics for Prometheus scraping",
			},
			&cli.StringFlag{
				Category: "monitoring",
				Name:     "tracing.endpoint",
				Aliases:  []string{"tracing", "t"},
				Usage:    "OpenTelemetry collector `ENDPOINT` for traces",
			},
			&cli.BoolFlag{
				Category: "monitoring",
				Name:     "debug",
				Aliases:  []string{"d"},
				Usage:    "Enable debug logging",
			},
			&cli.StringFlag{
				Category: "security",
				Name:     "security.jwt.secret",
				Usage:    "JWT secret for signing admin cookies (HS256). If empty, load/generate from file",
				Hidden:   true,
			},
			&cli.StringFlag{
				Category: "security",
				Name:     "security.jwt.file",
				Value:    "./data/jwt.secret",
				Usage:    "Path to file to load/store JWT secret (used if security.jwt.secret is empty)",
				Hidden:   true,
			},
			&cli.StringFlag{
				Category: "storage",
				Name:     "storage.state_path",
				Aliases:  []string{"db"},
				Value:    "./data/approachradard.buntdb",
				Usage:    "Path to BuntDB database file for scheduler bookkeeping (created if missing)",
			},
		},
		Action: run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func reportPendingGauge(ctx context.Context, sched *mrms.Scheduler) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			monitoring.PendingIngestGauge.Set(float64(sched.Pending.Len()))
		}
	}
}

func run(ctx context.Context, c *cli.Command) error {
	cfg := config.FromEnv()
	if v := c.String("server.listen"); v != "" && c.IsSet("server.listen") {
		cfg.ListenAddr = v
	}
	if c.Bool("debug") {
		cfg.Debug = true
	}
	if v := c.String("security.jwt.secret"); v != "" {
		cfg.JWTSecret = v
	}
	if v := c.String("security.jwt.file"); v != "" && c.IsSet("security.jwt.file") {
		cfg.JWTFile = v
	}

	if cfg.Debug {
		monitoring.SetLogLevel("debug")
	}

	shutdownTracer := monitoring.InitTracer(c.String("tracing.endpoint"), "approachradard")
	defer shutdownTracer()

	security.ConfigureJWT(cfg.JWTSecret, cfg.JWTFile)
	security.InitAuth()

	traffic.SetProxy(c.String("server.proxy"))
	httpClient := traffic.Client(mrms.BucketURL)

	statePath := c.String("storage.state_path")
	store, err := statestore.Open(statePath, 7*24*time.Hour)
	if err != nil {
		log.Printf("failed to open statestore: %v", err)
	}

	snaps := snapstore.New(cfg.ScansDir(), cfg.RetentionBytes)
	latest := &mrms.LatestSlot{}
	if snap, err := snaps.LoadLatest(); err == nil && snap != nil {
		latest.PublishIfNewer(snap)
	}

	lister := discovery.NewLister(httpClient, mrms.BucketURL)
	fetcher := mrms.HTTPFetcher{Client: httpClient}
	orch := mrms.NewOrchestrator(fetcher, lister, cfg.TileSize)
	orch.FetchConcurrency = cfg.LevelFetchConcurrency
	orch.FetchRetries = cfg.LevelFetchRetries

	sched := mrms.NewScheduler(orch, snaps, latest)
	sched.BootstrapInterval = cfg.BootstrapInterval
	sched.PendingRetryDelay = cfg.PendingRetryDelay
	sched.SqsPollDelay = cfg.SqsPollDelay

	if store != nil {
		if recent, err := store.LoadRecentTimestamps(); err == nil {
			for _, ts := range recent {
				sched.Recent.Record(ts)
			}
		}
	}
	sched.OnIngestOK = func(snap mrms.ScanSnapshot) {
		monitoring.RecordIngestOutcome("success", 0)
		monitoring.PublishedVoxelCount.Set(float64(len(snap.Voxels)))
		if store != nil {
			_ = store.MarkTimestampSeen(snap.Timestamp)
			_ = store.ClearAttempt(snap.Timestamp)
			_ = store.SetLastPublished(snap.Timestamp, snap.GeneratedAtMs)
		}
	}
	sched.OnIngestError = func(timestamp string, attempt uint32, ingestErr error) {
		monitoring.RecordIngestOutcome("error", 0)
		log.Printf("ingest_error timestamp=%s attempt=%d err=%v", timestamp, attempt, ingestErr)
		if store != nil {
			_ = store.RecordAttempt(timestamp, int(attempt))
		}
	}

	schedCtx, cancelSched := context.WithCancel(ctx)
	defer cancelSched()
	go sched.RunBootstrapLoop(schedCtx)
	go sched.RunSchedulerLoop(schedCtx)
	go reportPendingGauge(schedCtx, sched)
	if cfg.SqsQueueURL != "" {
		log.Printf("push source configured but no SQS SDK is wired; relying on bootstrap polling only")
	}

	server := &httpapi.Server{Latest: latest, Snapstore: snaps, Scheduler: sched, Config: cfg}
	handler := server.NewRouter(c.Bool("metrics.enabled"))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("approachradard listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Printf("shutdown signal received, shutting down...")
		cancelSched()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		if store != nil {
			_ = store.Close()
		}
		return nil
	case err := <-errCh:
		cancelSched()
		if store != nil {
			_ = store.Close()
		}
		return err
	}
}
