package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/hyperspace"
	"pkt.systems/hyperspace/api"
	"pkt.systems/hyperspace/internal/loggingutil"
	"pkt.systems/pslog"
)

// demoHandleID is the handle the simulator registers and pushes events to.
const demoHandleID = 1

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("HYPERSPACE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "hyperspace")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	called, err := cmd.ExecuteContextC(ctx)
	if err != nil {
		if err != context.Canceled {
			if called == nil || called == cmd {
				loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

// simulationOptions carries the simulator-only knobs that sit next to the
// session Config: run length, fault injection, event generation, metrics.
type simulationOptions struct {
	MasterFile        string
	SessionID         uint64
	Duration          time.Duration
	OutageAfter       time.Duration
	OutageDuration    time.Duration
	DropProbability   float64
	MinResponseDelay  time.Duration
	MaxResponseDelay  time.Duration
	FailFirstDials    int
	Seed              int64
	EventsEvery       time.Duration
	EventPayloadBytes int
	MetricsListen     string
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "hyperspace",
		Short:         "hyperspace maintains a lease session against a lock-service master cell; the root command drills one against a simulated cell with injectable faults",
		SilenceErrors: true,
		Example: `
  # Keepalive loop against three simulated masters until interrupted
  hyperspace

  # Five-minute failover drill: full outage two minutes in, healed 15s later
  hyperspace --duration 5m --outage-after 2m --outage-duration 15s

  # Lossy network with reproducible drops and Prometheus metrics
  hyperspace --drop-probability 0.3 --seed 42 --metrics-listen :9090

  # Compressed timings, chatty round-trip logging
  HYPERSPACE_LOG_MIN_LEVEL=debug hyperspace --lease-interval 2s --keepalive-interval 500ms --grace-period 1s --verbose

  # Resume a known session id, masters taken from a watched file
  hyperspace --session-id 7331 --master-file ~/.hyperspace/masters.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			var cfg hyperspace.Config
			var sim simulationOptions
			if err := bindConfig(&cfg, &sim); err != nil {
				return err
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			level, ok := pslog.ParseLevel(logLevel)
			if ok {
				logger = logger.LogLevel(level)
			}

			return runSimulation(ctx, logger, cfg, sim)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file mapping flag names to values")

	flags := cmd.Flags()
	flags.StringSliceP("masters", "m", []string{"sim-1:38040", "sim-2:38040", "sim-3:38040"}, "master addresses of the simulated cell, primary first")
	flags.String("master-file", "", "YAML master file to load at start and watch for changes")
	flags.Duration("lease-interval", hyperspace.DefaultLeaseInterval, "master validity promise after an acknowledged keepalive")
	flags.Duration("keepalive-interval", hyperspace.DefaultKeepaliveInterval, "keepalive send cadence (must undercut the lease interval)")
	flags.Duration("grace-period", hyperspace.DefaultGracePeriod, "extra time past lease expiry before the session gives up")
	flags.Duration("reconnect-backoff", hyperspace.DefaultReconnectBackoff, "pause between reconnect attempts during failover")
	flags.Bool("verbose", false, "log every keepalive round trip at debug instead of trace")
	flags.Uint64("session-id", 0, "resume this session id instead of establishing a new one")
	flags.DurationP("duration", "d", 0, "stop the drill after this long (0 runs until interrupted or expired)")
	flags.Duration("outage-after", 0, "take every master down this far into the run (0 disables)")
	flags.Duration("outage-duration", 0, "heal the outage after this long (0 keeps the masters down)")
	flags.Float64("drop-probability", 0, "probability a keepalive is silently dropped (0.0-1.0)")
	flags.Duration("response-delay-min", 0, "lower bound on the latency added before each acknowledgment")
	flags.Duration("response-delay-max", 0, "upper bound on the latency added before each acknowledgment")
	flags.Int("fail-first-dials", 0, "reject this many reconnect dials before dials succeed again")
	flags.Int64("seed", 0, "pseudo-random seed for fault injection (0 derives one from the clock)")
	flags.Duration("events-every", 0, "push a server event to the demo handle at this cadence (0 disables)")
	flags.String("event-payload", "64B", "payload size attached to each pushed event")
	flags.String("metrics-listen", "", "Prometheus scrape endpoint (empty disables)")
	flags.String("log-level", "", "minimum log level (trace, debug, info, warn, error)")

	lookup := func(name string) *pflag.Flag {
		if f := flags.Lookup(name); f != nil {
			return f
		}
		return persistentFlags.Lookup(name)
	}
	bindFlag := func(name string) {
		flag := lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("HYPERSPACE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"masters", "master-file",
		"lease-interval", "keepalive-interval", "grace-period", "reconnect-backoff", "verbose",
		"session-id", "duration", "outage-after", "outage-duration",
		"drop-probability", "response-delay-min", "response-delay-max", "fail-first-dials", "seed",
		"events-every", "event-payload", "metrics-listen", "log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newMastersCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *hyperspace.Config, sim *simulationOptions) error {
	cfg.LeaseInterval = viper.GetDuration("lease-interval")
	cfg.KeepaliveInterval = viper.GetDuration("keepalive-interval")
	cfg.GracePeriod = viper.GetDuration("grace-period")
	cfg.ReconnectBackoff = viper.GetDuration("reconnect-backoff")
	cfg.Verbose = viper.GetBool("verbose")

	masters := viper.GetStringSlice("masters")
	if len(masters) == 1 && strings.Contains(masters[0], ",") {
		// Env and config-file values arrive as one comma-joined string.
		parsed, err := hyperspace.ParseMasterAddresses(masters[0])
		if err != nil {
			return err
		}
		masters = parsed
	}
	cfg.MasterAddresses = masters

	sim.MasterFile = strings.TrimSpace(viper.GetString("master-file"))
	sim.SessionID = viper.GetUint64("session-id")
	sim.Duration = viper.GetDuration("duration")
	sim.OutageAfter = viper.GetDuration("outage-after")
	sim.OutageDuration = viper.GetDuration("outage-duration")
	sim.DropProbability = viper.GetFloat64("drop-probability")
	sim.MinResponseDelay = viper.GetDuration("response-delay-min")
	sim.MaxResponseDelay = viper.GetDuration("response-delay-max")
	sim.FailFirstDials = viper.GetInt("fail-first-dials")
	sim.Seed = viper.GetInt64("seed")
	sim.EventsEvery = viper.GetDuration("events-every")
	sim.MetricsListen = strings.TrimSpace(viper.GetString("metrics-listen"))
	if payload := strings.TrimSpace(viper.GetString("event-payload")); payload != "" {
		size, err := humanize.ParseBytes(payload)
		if err != nil {
			return fmt.Errorf("parse event-payload: %w", err)
		}
		sim.EventPayloadBytes = int(size)
	}
	return nil
}

func runSimulation(ctx context.Context, logger pslog.Logger, cfg hyperspace.Config, sim simulationOptions) error {
	simLogger := loggingutil.WithSubsystem(logger, "cli.simulate")

	if sim.MasterFile != "" {
		path, err := expandPath(sim.MasterFile)
		if err != nil {
			return fmt.Errorf("expand master file path %q: %w", sim.MasterFile, err)
		}
		sim.MasterFile = path
		addrs, err := hyperspace.LoadMasterFile(path)
		if err != nil {
			return err
		}
		cfg.MasterAddresses = addrs
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	simLogger.Info("drill.begin",
		"masters", strings.Join(cfg.MasterAddresses, ","),
		"lease_interval", cfg.LeaseInterval.String(),
		"keepalive_interval", cfg.KeepaliveInterval.String(),
		"grace_period", cfg.GracePeriod.String(),
		"reconnect_backoff", cfg.ReconnectBackoff.String(),
		"pid", os.Getpid(),
	)

	plan := hyperspace.FaultPlan{
		Seed:             sim.Seed,
		DropProbability:  sim.DropProbability,
		MinResponseDelay: sim.MinResponseDelay,
		MaxResponseDelay: sim.MaxResponseDelay,
		FailFirstDials:   sim.FailFirstDials,
	}
	master, err := hyperspace.NewTestMaster(cfg.MasterAddresses,
		hyperspace.WithMasterLogger(logger),
		hyperspace.WithMasterFaults(&plan),
	)
	if err != nil {
		return err
	}
	defer master.Close()

	trans := newTransitionTally()
	sessionOpts := []hyperspace.Option{
		hyperspace.WithLogger(logger),
		hyperspace.WithObserver(trans.observer()),
	}
	if sim.MetricsListen != "" {
		registry := prometheus.NewRegistry()
		sessionOpts = append(sessionOpts, hyperspace.WithMetricsRegisterer(registry))
		srv, ln, err := startMetricsServer(sim.MetricsListen, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), simLogger)
		if err != nil {
			return err
		}
		defer srv.Close()
		simLogger.Info("metrics.enabled", "listen", ln.Addr().String())
	}

	session, err := hyperspace.New(cfg, master, sessionOpts...)
	if err != nil {
		return err
	}
	master.Attach(session)

	if err := session.Start(sim.SessionID); err != nil {
		return err
	}
	defer session.Stop()

	events := &handleTally{logger: loggingutil.WithSubsystem(logger, "cli.handle")}
	if err := session.RegisterHandle(demoHandleID, events.funcs()); err != nil {
		return err
	}

	if sim.MasterFile != "" {
		watcher, err := hyperspace.WatchMasterFile(sim.MasterFile, session, logger)
		if err != nil {
			return err
		}
		defer watcher.Close()
	}

	stop := make(chan struct{})
	var workers sync.WaitGroup

	var pushedEvents int
	var pushedBytes int64
	if sim.EventsEvery > 0 {
		payload := []byte(strings.Repeat("x", sim.EventPayloadBytes))
		types := []api.EventType{api.EventAttrSet, api.EventChildAdded, api.EventLockAcquired}
		workers.Add(1)
		go func() {
			defer workers.Done()
			ticker := time.NewTicker(sim.EventsEvery)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					master.Push(demoHandleID, types[pushedEvents%len(types)], payload)
					pushedEvents++
					pushedBytes += int64(len(payload))
				}
			}
		}()
	}

	if sim.OutageAfter > 0 {
		workers.Add(1)
		go func() {
			defer workers.Done()
			select {
			case <-stop:
				return
			case <-time.After(sim.OutageAfter):
			}
			master.SetDown(cfg.MasterAddresses...)
			simLogger.Warn("outage.begin", "masters", strings.Join(cfg.MasterAddresses, ","))
			if sim.OutageDuration <= 0 {
				return
			}
			select {
			case <-stop:
				return
			case <-time.After(sim.OutageDuration):
			}
			master.SetUp(cfg.MasterAddresses...)
			simLogger.Info("outage.end", "masters", strings.Join(cfg.MasterAddresses, ","))
		}()
	}

	runStart := time.Now()
	var deadline <-chan time.Time
	if sim.Duration > 0 {
		timer := time.NewTimer(sim.Duration)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case <-ctx.Done():
		simLogger.Info("drill.interrupted")
	case <-deadline:
	case <-trans.expiredCh:
	}

	close(stop)
	workers.Wait()
	snap := session.Snapshot()
	received, receivedBytes := events.totals()

	simLogger.Info("drill.summary",
		"elapsed", time.Since(runStart).Round(time.Millisecond).String(),
		"final_state", snap.State.String(),
		"session_id", snap.SessionID,
		"master", snap.Master,
		"keepalives", master.Requests(),
		"events_pushed", pushedEvents,
		"events_received", received,
		"event_bytes", humanizeBytes(receivedBytes),
		"jeopardy", trans.count(&trans.jeopardy),
		"safe", trans.count(&trans.safe),
		"disconnected", trans.count(&trans.disconnected),
		"reconnected", trans.count(&trans.reconnected),
		"expired", trans.count(&trans.expired),
	)
	return nil
}

func startMetricsServer(addr string, handler http.Handler, logger pslog.Logger) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{
		Handler: mux,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics.serve_error", "error", err)
		}
	}()
	return srv, ln, nil
}

// transitionTally counts observer callbacks for the end-of-run summary and
// flags expiry so the drill can end early.
type transitionTally struct {
	mu           sync.Mutex
	jeopardy     int
	safe         int
	expired      int
	reconnected  int
	disconnected int
	expiredCh    chan struct{}
}

func newTransitionTally() *transitionTally {
	return &transitionTally{expiredCh: make(chan struct{})}
}

func (t *transitionTally) bump(field *int) {
	t.mu.Lock()
	*field++
	t.mu.Unlock()
}

func (t *transitionTally) count(field *int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *field
}

func (t *transitionTally) observer() hyperspace.ObserverFuncs {
	return hyperspace.ObserverFuncs{
		OnJeopardy: func() { t.bump(&t.jeopardy) },
		OnSafe:     func() { t.bump(&t.safe) },
		OnExpired: func() {
			t.bump(&t.expired)
			close(t.expiredCh)
		},
		OnReconnected:  func() { t.bump(&t.reconnected) },
		OnDisconnected: func() { t.bump(&t.disconnected) },
	}
}

// handleTally is the demo handle callback: it counts deliveries and logs each
// event at debug.
type handleTally struct {
	logger pslog.Logger
	mu     sync.Mutex
	count  int
	bytes  int64
}

func (h *handleTally) funcs() hyperspace.HandleFuncs {
	return hyperspace.HandleFuncs{
		OnEventFunc: func(ev api.ServerEvent) {
			h.mu.Lock()
			h.count++
			h.bytes += int64(len(ev.Payload))
			h.mu.Unlock()
			h.logger.Debug("event.received",
				"event_id", ev.ID,
				"type", ev.Type.String(),
				"bytes", len(ev.Payload),
			)
		},
		InvalidatedFunc: func() {
			h.logger.Warn("handle.invalidated", "handle_id", uint64(demoHandleID))
		},
	}
}

func (h *handleTally) totals() (int, int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count, h.bytes
}

func newMastersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "masters FILE",
		Short: "Validate a master file and print the normalized address list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			path, err := expandPath(args[0])
			if err != nil {
				return err
			}
			addrs, err := hyperspace.LoadMasterFile(path)
			if err != nil {
				return err
			}
			for _, addr := range addrs {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), addr); err != nil {
					return err
				}
			}
			return nil
		},
	}
	return cmd
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
