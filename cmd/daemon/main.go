// Command daemon is the IPTV streaming daemon's process entrypoint: it
// owns the control-plane and subscriber unix sockets, the worker
// supervisor, the user directory, and the upstream orchestrator
// connection. Use --stop / --reload to control an already-running
// instance instead of starting a second one.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fastogt/iptv-daemon/internal/config"
	"github.com/fastogt/iptv-daemon/internal/logging"
	"github.com/fastogt/iptv-daemon/internal/metrics"
	"github.com/fastogt/iptv-daemon/internal/orchestrator"
	"github.com/fastogt/iptv-daemon/internal/pidfile"
	"github.com/fastogt/iptv-daemon/internal/rpcwire"
	"github.com/fastogt/iptv-daemon/internal/subscriber"
	"github.com/fastogt/iptv-daemon/internal/supervisor"
	"github.com/fastogt/iptv-daemon/internal/transport"
	"github.com/fastogt/iptv-daemon/internal/userdir"
)

func main() {
	cli, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cli.showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	if cli.stopDaemon {
		os.Exit(runStopCommand(cfg))
	}
	if cli.reload {
		os.Exit(runReloadCommand(cfg))
	}

	os.Exit(runDaemon(cfg, cli.configPath))
}

func loadConfig(cli *cliConfig) (config.Config, error) {
	base, err := config.Load(cli.configPath)
	if err != nil {
		return config.Config{}, err
	}
	override := config.Config{
		LogLevel:          cli.logLevel,
		FeedbackDir:       cli.feedbackDir,
		PIDFile:           cli.pidFile,
		BandwidthHost:     cli.bandwidthHost,
		ControlSocketPath: cli.controlSocket,
		SubscriberSocket:  cli.subscriberSocket,
		MetricsAddr:       cli.metricsAddr,
		UserDirectoryPath: cli.userDirectoryPath,
		ArchiveContainer:  cli.archiveContainer,
		PingIntervalSec:   cli.pingIntervalSec,
		StatsIntervalSec:  cli.statsIntervalSec,
		DefaultRestarts:   cli.defaultRestarts,
		UpstreamAddr:      cli.upstreamAddr,
		WorkerBinaryPath:  cli.workerBinaryPath,
	}
	return config.Overlay(base, override), nil
}

// runStopCommand dials the running daemon's control socket and sends it a
// stop_service request, mirroring how the worker-facing side of
// internal/supervisor already answers that method.
func runStopCommand(cfg config.Config) int {
	conn, err := net.DialTimeout("unix", cfg.ControlSocketPath, 2*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stop: %v\n", err)
		return 1
	}
	defer conn.Close()

	writer := rpcwire.NewWriter(conn)
	reader := rpcwire.NewReader(conn)
	if err := writer.WriteMessage(rpcwire.NewRequestMessage(1, "stop_service", "")); err != nil {
		fmt.Fprintf(os.Stderr, "stop: %v\n", err)
		return 1
	}
	msg, err := reader.ReadMessage()
	if err != nil || msg.Response == nil || !msg.Response.IsOk() {
		fmt.Fprintf(os.Stderr, "stop: daemon reported failure: %v %+v\n", err, msg)
		return 1
	}
	return 0
}

// runReloadCommand resolves the running daemon's pid from the pid file and
// sends it SIGHUP; the daemon's own signal loop re-reads cfg and applies it.
func runReloadCommand(cfg config.Config) int {
	pid, err := pidfile.Read(cfg.PIDFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reload: %v\n", err)
		return 1
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reload: %v\n", err)
		return 1
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		fmt.Fprintf(os.Stderr, "reload: %v\n", err)
		return 1
	}
	return 0
}

func runDaemon(cfg config.Config, configPath string) int {
	logging.Init("iptv-daemon", version, cfg.LogLevel)
	logger := logging.Component("main")

	lock, err := pidfile.Acquire(cfg.PIDFile)
	if err != nil {
		logger.Error().Err(err).Msg("failed to acquire pid file")
		return 1
	}
	defer lock.Release()

	dir, err := userdir.Open(cfg.UserDirectoryPath, userdir.DefaultTTL)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open user directory")
		return 1
	}
	defer dir.Close()

	metricsReg := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metricsReg.Serve(cfg.MetricsAddr); err != nil {
				logger.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	var upstream *orchestrator.Client
	if cfg.UpstreamAddr != "" {
		dialer := func(ctx context.Context) (net.Conn, error) {
			d := net.Dialer{}
			return d.DialContext(ctx, "tcp", cfg.UpstreamAddr)
		}
		upstream = orchestrator.New(dialer, logging.Component("orchestrator"))
	}

	spawner := &supervisor.ProcessSpawner{WorkerBinaryPath: cfg.WorkerBinaryPath}
	opts := []supervisor.Option{
		supervisor.WithMetrics(metricsReg),
		supervisor.WithStatsInterval(time.Duration(cfg.StatsIntervalSec) * time.Second),
		supervisor.WithArchiveContainer(cfg.ArchiveContainer),
	}
	if upstream != nil {
		opts = append(opts, supervisor.WithUpstream(upstream))
	}
	super := supervisor.New(spawner, logging.Component("supervisor"), opts...)
	defer super.Stop()

	sub := subscriber.New(dir, logging.Component("subscriber"),
		subscriber.WithBandwidthHost(cfg.BandwidthHost),
		subscriber.WithProtocolVersion(cfg.ProtocolVersion),
		subscriber.WithPingInterval(time.Duration(cfg.PingIntervalSec)*time.Second),
	)
	defer sub.Stop()

	controlSrv := transport.New("unix", cfg.ControlSocketPath, logging.Component("control"), controlHandler(super))
	if err := controlSrv.Start(); err != nil {
		logger.Error().Err(err).Msg("failed to start control socket")
		return 1
	}
	defer controlSrv.Stop()

	subscriberSrv := transport.New("unix", cfg.SubscriberSocket, logging.Component("subscriber-transport"), subscriberHandler(sub))
	if err := subscriberSrv.Start(); err != nil {
		logger.Error().Err(err).Msg("failed to start subscriber socket")
		return 1
	}
	defer subscriberSrv.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if upstream != nil {
		go upstream.Run(ctx)
	}

	go watchReload(configPath, logger)

	logger.Info().
		Str("control_socket", cfg.ControlSocketPath).
		Str("subscriber_socket", cfg.SubscriberSocket).
		Msg("daemon started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	super.Shutdown(shutdownCtx)
	if err := metricsReg.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics shutdown")
	}
	return 0
}

// watchReload installs the daemon's SIGHUP handler, the signal --reload
// sends after resolving this process's pid from the pid file. Only the
// log level is live-reloadable today; everything else (sockets, worker
// binary path) requires a restart.
func watchReload(configPath string, logger zerolog.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)
	for range sig {
		fresh, err := config.Load(configPath)
		if err != nil {
			logger.Warn().Err(err).Msg("reload: failed to re-read config")
			continue
		}
		if err := logging.SetLevel(fresh.LogLevel); err != nil {
			logger.Warn().Err(err).Msg("reload: invalid log level")
		}
		logger.Info().Msg("reload applied")
	}
}

// controlHandler adapts one accepted control-socket connection to
// supervisor.Dispatch's request/notify shape.
func controlHandler(super *supervisor.Supervisor) transport.ConnHandler {
	return func(id string, conn net.Conn) {
		defer conn.Close()
		reader := rpcwire.NewReader(conn)
		writer := rpcwire.NewWriter(conn)
		ctx := context.Background()
		for {
			msg, err := reader.ReadMessage()
			if err != nil {
				return
			}
			if msg.Kind != rpcwire.KindRequest {
				continue
			}
			resp := super.Dispatch(ctx, *msg.Request, writer.WriteMessage)
			if err := writer.WriteMessage(resp); err != nil {
				return
			}
		}
	}
}

// subscriberHandler adapts one accepted subscriber-socket connection to
// subscriber.Handler.Dispatch, wiring rpcwire.Reader/Writer as the
// connection's subscriber.Link.
func subscriberHandler(h *subscriber.Handler) transport.ConnHandler {
	return func(id string, conn net.Conn) {
		defer conn.Close()
		link := &subscriberLink{writer: rpcwire.NewWriter(conn), conn: conn}
		sc := h.NewConnection(id, link)
		defer h.Unregister(sc)

		reader := rpcwire.NewReader(conn)
		ctx := context.Background()
		for {
			msg, err := reader.ReadMessage()
			if err != nil {
				return
			}
			if msg.Kind != rpcwire.KindRequest {
				continue
			}
			resp := h.Dispatch(ctx, sc, *msg.Request)
			if err := link.WriteMessage(resp); err != nil {
				return
			}
		}
	}
}

type subscriberLink struct {
	writer *rpcwire.Writer
	conn   net.Conn
}

func (l *subscriberLink) WriteMessage(m rpcwire.Message) error { return l.writer.WriteMessage(m) }
func (l *subscriberLink) Close() error                         { return l.conn.Close() }
