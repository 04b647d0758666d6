package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/mission-control/internal/agent"
	"github.com/basket/mission-control/internal/audit"
	"github.com/basket/mission-control/internal/bus"
	"github.com/basket/mission-control/internal/config"
	"github.com/basket/mission-control/internal/cron"
	"github.com/basket/mission-control/internal/events"
	"github.com/basket/mission-control/internal/execution"
	"github.com/basket/mission-control/internal/gateway"
	"github.com/basket/mission-control/internal/otel"
	"github.com/basket/mission-control/internal/persistence"
	"github.com/basket/mission-control/internal/risk"
	"github.com/basket/mission-control/internal/supervisor"
	"github.com/basket/mission-control/internal/tasks"
	"github.com/basket/mission-control/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage of %[1]s:

DAEMON:
  %[1]s [-quiet]                Run the bus, risk gate, supervisor and gateway

CLIENT SUBCOMMANDS (talk to a running daemon):
  %[1]s status                  Health, risk figures and queue depths
  %[1]s estop trigger <reason>  Raise the emergency stop
  %[1]s estop clear             Clear the emergency stop (authorized principals only)
  %[1]s dead-letters [-limit N] List persisted dead letters
  %[1]s decisions [-outcome X]  List risk decisions
                                Client flags: -addr host:port, -token t, -json

OFFLINE:
  %[1]s doctor [-json]          Run diagnostic checks

ENVIRONMENT VARIABLES:
  MISSIONCTL_HOME         Data directory (default: ~/.missionctl)
  MISSIONCTL_API_TOKEN    API token for client subcommands; also accepted by the daemon
  MISSIONCTL_BIND_ADDR    Gateway listen address
  MISSIONCTL_LOG_LEVEL    debug, info, warn or error
`, os.Args[0])
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only")
	flag.Usage = func() { printUsage(os.Stderr); flag.PrintDefaults() }
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		os.Exit(runSubcommand(ctx, args, os.Stdout, os.Stderr))
	}
	os.Exit(runDaemon(ctx, *quiet))
}

func runSubcommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	case "version":
		fmt.Fprintln(stdout, Version)
		return 0
	case "status":
		return runStatusCommand(ctx, args[1:], stdout, stderr)
	case "estop":
		return runEstopCommand(ctx, args[1:], stdout, stderr)
	case "dead-letters":
		return runDeadLettersCommand(ctx, args[1:], stdout, stderr)
	case "decisions":
		return runDecisionsCommand(ctx, args[1:], stdout, stderr)
	case "doctor":
		return runDoctorCommand(ctx, args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown subcommand %q\n\n", args[0])
		printUsage(stderr)
		return 2
	}
}

func runDaemon(ctx context.Context, quiet bool) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.NeedsGenesis {
		var token string
		cfg, token, err = config.WriteGenesis(cfg.HomeDir)
		if err != nil {
			fatalStartup(nil, "E_GENESIS_WRITE", err)
		}
		if isatty.IsTerminal(os.Stderr.Fd()) {
			fmt.Fprintf(os.Stderr, "\n  Wrote %s\n  Operator API token: %s\n\n", config.ConfigPath(cfg.HomeDir), token)
		}
		// Reload so env overrides apply to the fresh file.
		if cfg, err = config.Load(); err != nil {
			fatalStartup(nil, "E_CONFIG_RELOAD", err)
		}
	}

	// Audit before logger so E_LOGGER_INIT failures are audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.ToLower(host)
		if h != "127.0.0.1" && h != "localhost" && h != "::1" && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; browser clients are limited to same-origin", "bind_addr", cfg.BindAddr)
		}
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	// Initialize OpenTelemetry (no-op when disabled).
	provider, err := otel.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	feed := events.New()

	// Components run on their own context so shutdown can be sequenced
	// after the signal arrives.
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()

	busCfg := cfg.Bus.Config()
	busCfg.Logger = logger.With("component", "bus")
	busCfg.Metrics = metrics
	busCfg.Events = feed
	msgBus := bus.New(busCfg)
	if err := otel.ObserveQueueDepths(provider.Meter, msgBus.Depths); err != nil {
		logger.Warn("queue depth gauge not registered", "error", err)
	}

	tracker := tasks.NewTracker(tasks.Config{
		Logger:   logger.With("component", "tasks"),
		Events:   feed,
		Metrics:  metrics,
		Archiver: store,
	})

	gate, err := risk.New(risk.Config{
		Limits:          cfg.Risk.Limits,
		StartingBalance: cfg.Risk.StartingBalance,
		DefaultStopLoss: cfg.Risk.DefaultStopLoss,
		Authorized:      cfg.Risk.AuthorizedResetters,
		Tasks:           tracker,
		Publisher:       msgBus,
		Recorder:        store,
		Events:          feed,
		Metrics:         metrics,
		Tracer:          provider.Tracer,
		Logger:          logger,
	})
	if err != nil {
		fatalStartup(logger, "E_RISK_INIT", err)
	}
	if snap, ok, err := store.LoadRiskSnapshot(ctx); err != nil {
		fatalStartup(logger, "E_RISK_RESTORE", err)
	} else if ok {
		if err := gate.Restore(snap); err != nil {
			fatalStartup(logger, "E_RISK_RESTORE", err)
		}
		logger.Info("risk state restored", "taken_at", snap.TakenAt, "balance", snap.Balance.String(), "emergency_stop", snap.Emergency.Active)
	}
	msgBus.SetGate(gate)
	logger.Info("startup phase", "phase", "risk_gate_ready", "emergency_stop", gate.EmergencyActive())

	monitored := make([]bus.AgentID, 0, len(cfg.Supervisor.Monitored))
	for _, id := range cfg.Supervisor.Monitored {
		monitored = append(monitored, bus.AgentID(id))
	}
	sup, err := supervisor.New(supervisor.Config{
		CheckInterval: time.Duration(cfg.Supervisor.CheckIntervalSeconds) * time.Second,
		StaleAfter:    time.Duration(cfg.Supervisor.StaleAfterSeconds) * time.Second,
		Monitored:     monitored,
		Bus:           msgBus,
		Tasks:         tracker,
		Risk:          gate,
		Store:         store,
		Events:        feed,
		Logger:        logger,
	})
	if err != nil {
		fatalStartup(logger, "E_SUPERVISOR_INIT", err)
	}

	registry := agent.NewRegistry(msgBus, agent.RunnerConfig{
		PollInterval:      time.Duration(cfg.Agents.PollIntervalMillis) * time.Millisecond,
		HeartbeatInterval: time.Duration(cfg.Agents.HeartbeatIntervalSeconds) * time.Second,
		Tracer:            provider.Tracer,
		Logger:            logger,
	})
	trader, err := startTrader(runCtx, cfg.Paper, registry, gate, tracker, logger)
	if err != nil {
		fatalStartup(logger, "E_TRADER_START", err)
	}

	remote := make(map[bus.AgentID]string, len(cfg.Agents.Remote))
	for _, ra := range cfg.Agents.Remote {
		id := bus.AgentID(ra.ID)
		if err := msgBus.Register(id, ra.TaskTypes()...); err != nil {
			fatalStartup(logger, "E_REMOTE_AGENT", err)
		}
		if err := msgBus.Subscribe(id, bus.EmergencyStop, bus.SystemShutdown); err != nil {
			fatalStartup(logger, "E_REMOTE_AGENT", err)
		}
		remote[id] = ra.Principal
	}
	logger.Info("startup phase", "phase", "agents_started", "local", len(registry.List()), "remote", len(remote))

	sched, err := cron.NewScheduler(cron.Config{
		Jobs: []cron.Job{
			cron.DailyResetJob(cfg.Risk.DailyResetCron, gate),
			cron.WeeklyResetJob(cfg.Risk.WeeklyResetCron, gate),
			cron.SnapshotJob(cfg.Risk.SnapshotCron, gate),
			cron.ReportJob(cfg.Supervisor.DailyReportCron, sup.DailyReport, store),
			cron.RetentionJob(cfg.RetentionCron, store, tracker, cfg.RetentionRecordsDays, cfg.RetentionAuditLogDays),
		},
		KV:     store,
		Logger: logger.With("component", "cron"),
	})
	if err != nil {
		fatalStartup(logger, "E_CRON_INIT", err)
	}

	var wg sync.WaitGroup
	msgBus.Start(runCtx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = sup.Run(runCtx)
	}()
	sched.Start(runCtx)

	watcher := config.NewWatcher(cfg.HomeDir, logger.With("component", "config"))
	if err := watcher.Start(runCtx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go config.ApplyReloads(runCtx, watcher, gate, 500*time.Millisecond, func(c config.Config) {
			logger.Info("risk limits reloaded", "fingerprint", c.Fingerprint())
		})
	}

	srv := gateway.New(gateway.Config{
		Bus:               msgBus,
		Tasks:             tracker,
		Gate:              gate,
		Store:             store,
		Supervisor:        sup,
		Registry:          registry,
		Scheduler:         sched,
		Events:            feed,
		AuthTokens:        cfg.AuthTokens,
		AllowOrigins:      cfg.AllowOrigins,
		RemoteAgents:      remote,
		RateLimitRPS:      cfg.RateLimitRPS,
		RateLimitBurst:    cfg.RateLimitBurst,
		ConfigFingerprint: cfg.Fingerprint(),
		Tracer:            provider.Tracer,
		Metrics:           metrics,
		Logger:            logger,
	})
	srv.Limiter().StartEviction(runCtx, time.Minute, 10*time.Minute)

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  another missionctl may be running; check with: missionctl status -addr %s", err, cfg.BindAddr)
		}
		fatalStartup(logger, "E_GATEWAY_BIND", err)
	}
	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.Serve(ln) }()
	logger.Info("startup phase", "phase", "gateway_listening", "addr", ln.Addr().String())
	audit.Record("startup", "runtime", audit.Allow, "daemon started", cfg.Fingerprint())

	exit := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway stopped", "error", err)
			exit = 1
		}
	}

	// Stop taking requests, tell agents to stop, drain, then persist.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = httpServer.Shutdown(shutdownCtx)
	cancel()
	srv.Close()

	drainTimeout := cfg.DrainTimeout()
	if err := sup.Shutdown(runCtx, "daemon stopping"); err != nil {
		logger.Warn("shutdown broadcast failed", "error", err)
	}
	waitCtx, cancel := context.WithTimeout(runCtx, drainTimeout)
	if err := registry.Wait(waitCtx); err != nil {
		logger.Warn("agents did not stop on broadcast", "error", err)
	}
	cancel()
	registry.DrainAll(drainTimeout)

	sched.Stop()
	cancelRun()
	wg.Wait()
	msgBus.Stop()
	gate.PersistSnapshot(context.Background())

	if trader != nil {
		executed, rejected := trader.Counts()
		logger.Info("trader totals", "executed", executed, "rejected", rejected)
	}
	logger.Info("shutdown complete", "audit_vetoes", audit.VetoCount())
	return exit
}

// startTrader runs the in-process TRADER against the paper exchange. With
// paper trading disabled no trader runs and proposals wait in its queue.
func startTrader(ctx context.Context, cfg config.PaperConfig, reg *agent.Registry, gate *risk.Gate, tracker *tasks.Tracker, logger *slog.Logger) (*execution.Trader, error) {
	if !cfg.Enabled {
		logger.Warn("paper trading disabled; no in-process trader")
		return nil, nil
	}
	exchange, err := execution.NewPaperExchange(cfg.FillRatio)
	if err != nil {
		return nil, err
	}
	for asset, mark := range cfg.Marks {
		exchange.SetMark(asset, mark)
	}
	trader, err := execution.NewTrader(execution.TraderConfig{
		Exchange: exchange,
		Risk:     gate,
		Tasks:    tracker,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	if err := reg.Start(ctx, trader); err != nil {
		return nil, err
	}
	return trader, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("startup", "runtime", audit.Deny, reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"mission-control","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
