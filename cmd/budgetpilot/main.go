package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbo-labs/budgetpilot/pkg/adapter"
	"github.com/mbo-labs/budgetpilot/pkg/analyst"
	"github.com/mbo-labs/budgetpilot/pkg/approval"
	"github.com/mbo-labs/budgetpilot/pkg/config"
	"github.com/mbo-labs/budgetpilot/pkg/contracts"
	"github.com/mbo-labs/budgetpilot/pkg/control"
	"github.com/mbo-labs/budgetpilot/pkg/counters"
	"github.com/mbo-labs/budgetpilot/pkg/engine"
	"github.com/mbo-labs/budgetpilot/pkg/ledger"
	"github.com/mbo-labs/budgetpilot/pkg/normalize"
	"github.com/mbo-labs/budgetpilot/pkg/observability"

	_ "github.com/lib/pq"        // postgres driver
	_ "modernc.org/sqlite"       // embedded sqlite driver
)

var version = "0.1.0"

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	cmd := "run"
	if len(args) > 1 {
		cmd = args[1]
	}
	switch cmd {
	case "run":
		return runLoop(stdout, stderr)
	case "tick":
		return runOnce(stdout, stderr)
	case "health":
		return runHealth(stdout, stderr)
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "budgetpilot %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", cmd)
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: budgetpilot [command]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  run      start the decision loop (default)")
	fmt.Fprintln(w, "  tick     run a single decision tick and exit")
	fmt.Fprintln(w, "  health   probe platform adapters and exit")
	fmt.Fprintln(w, "  version  print the version")
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		l = slog.LevelDebug
	case "WARN":
		l = slog.LevelWarn
	case "ERROR":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

// app holds everything the commands share.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	store   ledger.Store
	reg     *adapter.Registry
	svc     *control.Service
	eng     *engine.Engine
	obs     *observability.Provider
	cleanup []func()
}

func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

func buildApp(ctx context.Context, stderr io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	a := &app{cfg: cfg, log: log}

	a.obs, err = observability.New(ctx, &observability.Config{
		ServiceName:    "budgetpilot",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.TelemetryEnabled,
		Insecure:       cfg.Environment != "production",
	})
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}
	a.cleanup = append(a.cleanup, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.obs.Shutdown(shutdownCtx)
	})

	a.store, err = openStore(ctx, cfg, a)
	if err != nil {
		return nil, err
	}

	a.reg, err = buildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	queue := approval.NewQueue(storeResolver{a.store})
	tracker := counters.NewTracker(cfg.Location())

	a.svc = control.New(cfg.Guardrails, a.store, queue, a.reg, log)

	var lease engine.Lease = engine.NewLocalLease()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		a.cleanup = append(a.cleanup, func() { _ = client.Close() })
		lease = engine.NewRedisLease(client, "budgetpilot:tick-lease", 2*cfg.TickInterval)
	}

	var analystClient analyst.Client
	if cfg.MockMode() || cfg.AnalystAPIKey == "" {
		log.Info("using deterministic local analyst", "mock_mode", cfg.MockMode())
		analystClient = analyst.NewCanned()
	} else {
		analystClient = analyst.NewHTTPClient(cfg.AnalystBaseURL, cfg.AnalystAPIKey, cfg.AnalystModel, cfg.AnalystTimeout)
	}

	fx := cfg.FX
	a.eng, err = engine.New(engine.Config{
		TickInterval:     cfg.TickInterval,
		DeadlineFraction: cfg.TickDeadlineFraction,
		Lookback:         cfg.Lookback,
		AnalystTimeout:   cfg.AnalystTimeout,
	}, engine.Deps{
		Registry:      a.reg,
		Store:         a.store,
		Analyst:       analystClient,
		Approvals:     queue,
		Counters:      tracker,
		Guardrails:    a.svc.Guardrails,
		FX:            func() normalize.FXTable { return fx },
		Lease:         lease,
		Observability: a.obs,
		Logger:        log,
	})
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	a.svc.AttachEngine(a.eng)

	if err := a.eng.Bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap from ledger: %w", err)
	}
	return a, nil
}

// storeResolver adapts the ledger store to the approval queue's narrower
// resolution interface.
type storeResolver struct {
	store ledger.Store
}

func (r storeResolver) ResolveAction(ctx context.Context, proposalID string, res approval.Resolution) error {
	return r.store.ResolveAction(ctx, proposalID, ledger.Resolution{
		Outcome:    res.Outcome,
		ExecutedAt: res.ExecutedAt,
		AfterState: res.AfterState,
		Error:      res.Error,
	})
}

func openStore(ctx context.Context, cfg *config.Config, a *app) (ledger.Store, error) {
	if cfg.DatabaseURL == "" {
		a.log.Info("using in-memory ledger store")
		return ledger.NewMemory(), nil
	}
	driver := "sqlite"
	if strings.HasPrefix(cfg.DatabaseURL, "postgres://") || strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		driver = "postgres"
	}
	db, err := sql.Open(driver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.cleanup = append(a.cleanup, func() { _ = db.Close() })

	store := ledger.NewSQLStore(db)
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}
	a.log.Info("ledger store ready", "driver", driver)
	return store, nil
}

func buildRegistry(cfg *config.Config) (*adapter.Registry, error) {
	adapters := make([]adapter.Adapter, 0, len(contracts.AllPlatforms()))
	for _, platform := range contracts.AllPlatforms() {
		// Real platform protocols plug in here per credential; every
		// platform without credentials runs the deterministic mock.
		inner := adapter.NewMock(platform).WithCurrency(cfg.CanonicalCurrency)
		adapters = append(adapters, adapter.Throttle(inner, 5, 10, nil))
	}
	return adapter.NewRegistry(adapters...)
}

func runLoop(stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "startup: %v\n", err)
		return 1
	}
	defer a.close()

	a.log.Info("decision loop starting",
		"tick_interval", a.cfg.TickInterval.String(),
		"automation_level", string(a.cfg.Guardrails.AutomationLevel),
		"mock_mode", a.cfg.MockMode(),
	)
	if err := a.eng.Run(ctx); err != nil && ctx.Err() == nil {
		a.log.Error("decision loop stopped", "error", err)
		return 1
	}
	a.log.Info("decision loop stopped")
	return 0
}

func runOnce(stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "startup: %v\n", err)
		return 1
	}
	defer a.close()

	result, err := a.eng.Tick(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "tick: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "tick %s: %d samples, %d proposals, %d executed, %d queued, %d rejected\n",
		result.TickID, result.Samples, result.Proposals, result.Executed, result.Queued, result.Rejected)
	return 0
}

func runHealth(stdout, stderr io.Writer) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := buildApp(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "startup: %v\n", err)
		return 1
	}
	defer a.close()

	code := 0
	for platform, hs := range a.svc.PlatformHealth(ctx) {
		status := "ok"
		if !hs.OK {
			status = "unhealthy"
			code = 1
		}
		if hs.MockData {
			status += " (mock data)"
		}
		fmt.Fprintf(stdout, "%-14s %s %s\n", platform, status, hs.Detail)
	}
	return code
}
