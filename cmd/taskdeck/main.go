package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/taskdeck/internal/audit"
	"github.com/basket/taskdeck/internal/bus"
	"github.com/basket/taskdeck/internal/config"
	"github.com/basket/taskdeck/internal/cron"
	"github.com/basket/taskdeck/internal/hub"
	"github.com/basket/taskdeck/internal/notify"
	tdotel "github.com/basket/taskdeck/internal/otel"
	"github.com/basket/taskdeck/internal/plan"
	"github.com/basket/taskdeck/internal/server"
	"github.com/basket/taskdeck/internal/store"
	"github.com/basket/taskdeck/internal/stream"
	"github.com/basket/taskdeck/internal/telemetry"
	"github.com/basket/taskdeck/internal/upstream"
	"github.com/google/uuid"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.2-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SERVER MODE (default):
  %s                          Start the sync server
  %s serve                    Same as above

SUBCOMMANDS:
  %s watch [-url URL]         Follow the live event feed in the terminal
  %s status                   Show server health (/healthz)
  %s doctor [-json]           Run diagnostic checks
                              Flags: -json for JSON output
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKDECK_HOME           Data directory (default: ~/.taskdeck)
  TASKDECK_BIND_ADDR      Listen address override
  TASKDECK_AUTH_TOKEN     Bearer token override for mutating endpoints
  TELEGRAM_TOKEN          Bot token for the Telegram approval channel

EXAMPLES:
  Run the server:         %s serve
  Follow events:          %s watch
  Check server health:    %s status
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI subcommands (non-server actions).
	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "serve":
			// Continues into the server below.
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "version":
			fmt.Printf("taskdeck %s\n", Version)
			os.Exit(0)
		case "watch":
			os.Exit(runWatchCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit opens before the logger so logger-init failures still leave a
	// record. It only needs the home dir.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	if cfg.NeedsGenesis {
		if err := config.WriteGenesis(cfg); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with defaults", "home", cfg.HomeDir)
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}

	if cfg.AuthToken == "" {
		token := uuid.NewString()
		if err := config.SetAuthToken(cfg.HomeDir, token); err != nil {
			fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
		}
		cfg.AuthToken = token
		logger.Info("auth token generated", "path", config.ConfigPath(cfg.HomeDir))
	}

	// Create the event bus early so every later component can be handed one.
	eventBus := bus.New()

	exporter := ""
	if cfg.Otel.Stdout {
		exporter = "stdout"
	}
	otelProvider, err := tdotel.Init(ctx, tdotel.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := tdotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	audit.SetDB(st.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath())

	heartbeat := time.Duration(cfg.Stream.HeartbeatSeconds) * time.Second

	socketHub := hub.New(hub.Options{
		Logger:           logger,
		QueueSize:        cfg.Stream.QueueSize,
		PingInterval:     heartbeat,
		DefaultWorkspace: cfg.DefaultWorkspace,
		Metrics:          metrics,
	})
	socketHub.Start(ctx)
	defer socketHub.Stop()

	streams := stream.New(stream.Options{
		Logger:       logger,
		QueueSize:    cfg.Stream.QueueSize,
		PingInterval: heartbeat,
		Metrics:      metrics,
	})
	streams.Start(ctx)
	defer streams.Stop()

	machine := plan.New(st, socketHub, streams, plan.Options{
		Logger:  logger,
		Tracer:  otelProvider.Tracer,
		Metrics: metrics,
		Bus:     eventBus,
	})

	var gateway *upstream.Client
	if cfg.Upstream.BaseURL != "" {
		gateway = upstream.New(cfg.Upstream.BaseURL,
			time.Duration(cfg.Upstream.TimeoutSeconds)*time.Second,
			upstream.Options{Logger: logger, Tracer: otelProvider.Tracer})
	}

	srv, err := server.New(server.Config{
		Store:             st,
		Hub:               socketHub,
		Streams:           streams,
		Machine:           machine,
		Upstream:          gateway,
		Bus:               eventBus,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		DefaultWorkspace:  cfg.DefaultWorkspace,
		Logger:            logger,
		Tracer:            otelProvider.Tracer,
		Metrics:           metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_SERVER_INIT", err)
	}

	sched, err := cron.New(cron.Config{
		Store:             st,
		Hub:               socketHub,
		Streams:           streams,
		Logger:            logger,
		RemindersEnabled:  cfg.Reminders.Enabled,
		ReminderSchedule:  cfg.Reminders.Schedule,
		StaleAfter:        time.Duration(cfg.Reminders.StaleAfterMinutes) * time.Minute,
		RetentionSchedule: cfg.Retention.Schedule,
		ActivityRetention: time.Duration(cfg.Retention.ActivityDays) * 24 * time.Hour,
		AuditRetention:    time.Duration(cfg.Retention.AuditLogDays) * 24 * time.Hour,
	})
	if err != nil {
		fatalStartup(logger, "E_CRON_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	var channels []notify.Channel
	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			channels = append(channels, notify.NewTelegram(notify.TelegramConfig{
				Token:      cfg.Channels.Telegram.Token,
				AllowedIDs: cfg.Channels.Telegram.ChatIDs,
				Machine:    machine,
				Store:      st,
				Bus:        eventBus,
				Logger:     logger,
			}))
		}
	}
	for _, ch := range channels {
		go func(ch notify.Channel) {
			if err := ch.Start(ctx); err != nil {
				logger.Error("notification channel failed", "channel", ch.Name(), "error", err)
			}
		}(ch)
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		activeToken := cfg.AuthToken
		telegramOn := len(channels) > 0
		for range confWatcher.Events() {
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed; keeping previous settings", "error", err)
				continue
			}
			if newCfg.AuthToken != "" && newCfg.AuthToken != activeToken {
				srv.SetAuthToken(newCfg.AuthToken)
				activeToken = newCfg.AuthToken
				logger.Info("auth token hot-reloaded")
			}
			// A channel enabled after startup is picked up here. Disabling
			// or re-pointing one still needs a restart.
			if !telegramOn && newCfg.Channels.Telegram.Enabled && newCfg.Channels.Telegram.Token != "" {
				tg := notify.NewTelegram(notify.TelegramConfig{
					Token:      newCfg.Channels.Telegram.Token,
					AllowedIDs: newCfg.Channels.Telegram.ChatIDs,
					Machine:    machine,
					Store:      st,
					Bus:        eventBus,
					Logger:     logger,
				})
				telegramOn = true
				go func() {
					if err := tg.Start(ctx); err != nil {
						logger.Error("notification channel failed", "channel", tg.Name(), "error", err)
					}
				}()
				logger.Info("telegram channel started on config reload")
			}
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr, "ws", "/ws", "events", "/events")
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server error", "error", err)
	}

	// Stop intake first. The deferred hub, stream, and scheduler Stops then
	// drop whatever connections outlasted the drain window.
	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("-", "runtime", "startup", "fatal", reasonCode+": "+message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
