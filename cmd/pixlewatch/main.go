package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	robfigcron "github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/djlord-it/pixlewatch/internal/analytics"
	"github.com/djlord-it/pixlewatch/internal/api"
	"github.com/djlord-it/pixlewatch/internal/capture"
	"github.com/djlord-it/pixlewatch/internal/circuitbreaker"
	"github.com/djlord-it/pixlewatch/internal/config"
	"github.com/djlord-it/pixlewatch/internal/cron"
	"github.com/djlord-it/pixlewatch/internal/dispatcher"
	"github.com/djlord-it/pixlewatch/internal/imagediff"
	"github.com/djlord-it/pixlewatch/internal/leaderelection"
	"github.com/djlord-it/pixlewatch/internal/metrics"
	"github.com/djlord-it/pixlewatch/internal/objectstore"
	"github.com/djlord-it/pixlewatch/internal/orchestrator"
	"github.com/djlord-it/pixlewatch/internal/reconciler"
	"github.com/djlord-it/pixlewatch/internal/registry"
	"github.com/djlord-it/pixlewatch/internal/store/postgres"
	"github.com/djlord-it/pixlewatch/internal/transport/channel"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`pixlewatch - scheduled visual regression testing

Usage:
  pixlewatch <command>

Commands:
  serve      Start the registry, dispatcher and HTTP API
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables (a .env file in the working directory is loaded first):
  DATABASE_URL                     PostgreSQL connection string (required)
  DB_MIGRATE                       Apply schema migrations on startup (default: "false")
  REDIS_ADDR                       Redis address for verdict counters (optional)
  HTTP_ADDR                        HTTP server address (default: ":8080", or ":$PORT")

  DB_OP_TIMEOUT                    Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS                Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS                Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME             Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME            Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT            Graceful HTTP shutdown timeout (default: "10s")
  DISPATCHER_DRAIN_TIMEOUT         In-flight run drain timeout (default: "30s")
  DISPATCHER_WORKERS               Concurrent runs (default: "1")
  EVENTBUS_BUFFER_SIZE             Pending trigger buffer (default: "100")
  RUN_TIMEOUT                      Upper bound for one run (default: "30m")

  STORAGE_BACKEND                  "fs" or "azblob" (default: "fs")
  STORAGE_DIR                      Image directory for fs (default: "./data/images")
  AZURE_STORAGE_CONNECTION_STRING  Azure Blob connection string (azblob only)
  AZURE_STORAGE_CONTAINER_NAME     Azure Blob container (default: "screenshots")

  CHROME_URL                       Remote DevTools endpoint (default: launch local Chrome)
  NAVIGATION_TIMEOUT               Page navigation timeout (default: "30s")
  DIFF_PIXEL_THRESHOLD             Per-pixel color tolerance 0..1 (default: "0.1")
  CIRCUIT_BREAKER_THRESHOLD        Consecutive capture failures before skipping a URL (default: "0", disabled)
  CIRCUIT_BREAKER_COOLDOWN         Skip duration once open (default: "2m")

  ANALYTICS_RETENTION              Verdict counter TTL (default: "2160h")
  RUN_NOW_RATE                     Manual triggers per second (default: "1")
  RUN_NOW_BURST                    Manual trigger burst (default: "5")

  METRICS_ENABLED                  Enable Prometheus metrics (default: "false")
  METRICS_PATH                     Metrics endpoint path (default: "/metrics")
  METRICS_PORT                     Metrics server port (default: "9090")

  RECONCILE_ENABLED                Re-sync live timers from the database (default: "false")
  RECONCILE_INTERVAL               Re-sync interval (default: "5m")

  LEADER_ELECTION_ENABLED          Fire timers only on the lock holder (default: "false")
  LEADER_LOCK_KEY                  Postgres advisory lock key (default: "728379")
  LEADER_RETRY_INTERVAL            Follower acquisition retry (default: "5s")
  LEADER_HEARTBEAT_INTERVAL        Leader connection ping (default: "2s")`)
}

// logConfigWarnings reports configurations that work but are easy to regret.
func logConfigWarnings(cfg *config.Config) {
	if cfg.LeaderElectionEnabled && !cfg.ReconcileEnabled {
		log.Println("pixlewatch: WARNING [P0]: LEADER_ELECTION_ENABLED=true without RECONCILE_ENABLED; schedules created on one instance never reach the others' registries")
	}
	if !cfg.ReconcileEnabled {
		log.Println("pixlewatch: WARNING [P1]: RECONCILE_ENABLED=false; schedule edits made directly in the database are picked up only on restart")
	}
	if !cfg.MetricsEnabled {
		log.Println("pixlewatch: WARNING [P1]: METRICS_ENABLED=false; run outcomes are visible only in logs and the results table")
	}
	if cfg.StorageBackend == config.StorageFS {
		log.Printf("pixlewatch: INFO: STORAGE_BACKEND=fs; baselines live on this host only (dir=%s)", cfg.StorageDir)
	}
	if cfg.ChromeURL == "" && cfg.DispatcherWorkers > 1 {
		log.Printf("pixlewatch: WARNING [P2]: DISPATCHER_WORKERS=%d with a local browser; each run opens its own tab in one Chrome process", cfg.DispatcherWorkers)
	}
	if cfg.CircuitBreakerThreshold > 0 {
		log.Printf("pixlewatch: INFO: capture circuit breaker enabled (threshold=%d, cooldown=%s)",
			cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	}
}

func newRunLimiter(cfg *config.Config) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(cfg.RunNowRate), cfg.RunNowBurst)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logConfigWarnings(&cfg)

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	log.Printf("pixlewatch: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s, max_idle_time=%s)",
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		return exitRuntimeError
	}

	if cfg.DBMigrate {
		if err := postgres.Migrate(db); err != nil {
			fmt.Fprintf(os.Stderr, "failed to migrate database: %v\n", err)
			return exitRuntimeError
		}
		log.Println("pixlewatch: database migrations applied")
	}

	store := postgres.New(db).WithOpTimeout(cfg.DBOpTimeout)

	images, err := objectstore.Open(cfg.StorageBackend, cfg.StorageDir, cfg.AzureConnectionString, cfg.AzureContainer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open image store: %v\n", err)
		return exitRuntimeError
	}
	log.Printf("pixlewatch: image store ready (backend=%s)", cfg.StorageBackend)

	browserCtx, cancelBrowser := context.WithCancel(context.Background())
	defer cancelBrowser()
	browser, err := capture.NewChromeBrowser(browserCtx, capture.ChromeConfig{RemoteURL: cfg.ChromeURL})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start browser: %v\n", err)
		return exitRuntimeError
	}

	captureCfg := capture.DefaultConfig()
	captureCfg.NavigationTimeout = cfg.NavigationTimeout
	pipeline := capture.NewPipeline(browser, captureCfg)

	// Initialize metrics sink (optional)
	var metricsSink metrics.Sink = metrics.NewNoopSink()
	var metricsServer *http.Server

	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("pixlewatch: metrics enabled (port=%s, path=%s)", cfg.MetricsPort, cfg.MetricsPath)

		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              ":" + cfg.MetricsPort,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("pixlewatch: metrics server listening on :%s", cfg.MetricsPort)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("pixlewatch: metrics server error: %v", err)
			}
		}()
	} else {
		log.Println("pixlewatch: METRICS_ENABLED not set; metrics disabled")
	}

	bus := channel.NewEventBus(cfg.EventBusBufferSize, channel.WithMetrics(metricsSink))

	orch := orchestrator.New(pipeline, images, imagediff.New(cfg.DiffPixelThreshold), store).
		WithMetrics(metricsSink)
	if cfg.CircuitBreakerThreshold > 0 {
		orch = orch.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
	}

	var verdicts *analytics.RedisSink
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		defer redisClient.Close()
		verdicts = analytics.NewRedisSink(redisClient, cfg.AnalyticsRetention)
		orch = orch.WithAnalytics(verdicts)
		log.Printf("pixlewatch: analytics enabled (redis=%s, retention=%s)", cfg.RedisAddr, cfg.AnalyticsRetention)
	} else {
		log.Println("pixlewatch: REDIS_ADDR not set; analytics disabled")
	}

	timers := robfigcron.New(robfigcron.WithLocation(time.UTC))
	reg := registry.New(store, cron.NewParser(), timers, bus).WithMetrics(metricsSink)

	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 30*time.Second)
	stats, err := reg.Load(loadCtx)
	cancelLoad()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load schedules: %v\n", err)
		browser.Close()
		return exitRuntimeError
	}
	log.Printf("pixlewatch: schedules loaded (added=%d, skipped=%d)", stats.Added, stats.Skipped)

	disp := dispatcher.New(
		dispatcher.Config{
			Workers:      cfg.DispatcherWorkers,
			RunTimeout:   cfg.RunTimeout,
			DrainTimeout: cfg.DispatcherDrainTimeout,
		},
		reg,
		store,
		orch,
	).WithMetrics(metricsSink)

	var elector *leaderelection.Elector
	if cfg.LeaderElectionEnabled {
		elector = leaderelection.New(db, leaderelection.Config{
			LockKey:           cfg.LeaderLockKey,
			RetryInterval:     cfg.LeaderRetryInterval,
			HeartbeatInterval: cfg.LeaderHeartbeatInterval,
		}, &timerDuties{
			timers:  timers,
			store:   store,
			syncer:  reg,
			timeout: 30 * time.Second,
		}).WithMetrics(metricsSink)
	}

	apiHandler := api.NewHandler(reg, store, images).
		WithHealthChecker(store).
		WithRunLimiter(newRunLimiter(&cfg))
	if verdicts != nil {
		apiHandler = apiHandler.WithVerdicts(verdicts)
	}
	if elector != nil {
		apiHandler = apiHandler.WithLeaderStatus(elector)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("pixlewatch: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("pixlewatch: http server error: %v", err)
		}
	}()

	// Separate contexts let shutdown stop producers before the consumer.
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())

	var dispatcherWg sync.WaitGroup
	var reconcilerWg sync.WaitGroup
	var cancelReconciler context.CancelFunc
	var electorWg sync.WaitGroup
	var cancelElector context.CancelFunc

	dispatcherWg.Add(1)
	go func() {
		defer dispatcherWg.Done()
		disp.Run(dispatcherCtx, bus.Channel())
	}()

	if elector != nil {
		var electorCtx context.Context
		electorCtx, cancelElector = context.WithCancel(context.Background())
		electorWg.Add(1)
		go func() {
			defer electorWg.Done()
			elector.Run(electorCtx)
		}()
		log.Printf("pixlewatch: leader election enabled (lock_key=%d); timers start on promotion", cfg.LeaderLockKey)
	} else {
		timers.Start()
	}

	if cfg.ReconcileEnabled {
		var reconcilerCtx context.Context
		reconcilerCtx, cancelReconciler = context.WithCancel(context.Background())
		recon := reconciler.New(
			reconciler.Config{Interval: cfg.ReconcileInterval},
			store,
			reg,
		).WithMetrics(metricsSink)
		reconcilerWg.Add(1)
		go func() {
			defer reconcilerWg.Done()
			recon.Run(reconcilerCtx)
		}()
		log.Printf("pixlewatch: reconciler enabled (interval=%s)", cfg.ReconcileInterval)
	} else {
		log.Println("pixlewatch: RECONCILE_ENABLED not set; reconciler disabled")
	}

	log.Printf("pixlewatch: started (schedules=%d, workers=%d, http=%s)", reg.ActiveCount(), cfg.DispatcherWorkers, cfg.HTTPAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("pixlewatch: received signal %v, shutting down", received)

	// Phase 1: Stop timers (no new scheduled triggers)
	log.Println("pixlewatch: stopping timers...")
	if cancelElector != nil {
		cancelElector()
		electorWg.Wait()
	}
	<-timers.Stop().Done()
	log.Println("pixlewatch: timers stopped")

	// Phase 2: Stop reconciler (no re-arming)
	if cancelReconciler != nil {
		log.Println("pixlewatch: stopping reconciler...")
		cancelReconciler()
		reconcilerWg.Wait()
		log.Println("pixlewatch: reconciler stopped")
	}

	// Phase 3: Stop HTTP server (no new manual triggers)
	log.Println("pixlewatch: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("pixlewatch: http server shutdown error: %v", err)
	}
	log.Println("pixlewatch: http server stopped")

	// Phase 4: Stop dispatcher (drains buffered triggers within DISPATCHER_DRAIN_TIMEOUT)
	log.Println("pixlewatch: stopping dispatcher (draining runs)...")
	cancelDispatcher()
	dispatcherWg.Wait()
	log.Println("pixlewatch: dispatcher stopped")

	// Phase 5: Release the browser
	if err := browser.Close(); err != nil {
		log.Printf("pixlewatch: browser close error: %v", err)
	}

	// Phase 6: Stop metrics server if running
	if metricsServer != nil {
		log.Println("pixlewatch: stopping metrics server...")
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			log.Printf("pixlewatch: metrics server shutdown error: %v", err)
		}
		log.Println("pixlewatch: metrics server stopped")
	}

	log.Println("pixlewatch: stopped")
	return exitSuccess
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("pixlewatch version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
