// Command worker is the stream worker's process entrypoint. It is never
// invoked directly by an operator: the supervisor (C5) forks it via
// ProcessSpawner, handing it one end of a control socketpair as fd 3.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/fastogt/iptv-daemon/internal/archive"
	apperrors "github.com/fastogt/iptv-daemon/internal/errors"
	"github.com/fastogt/iptv-daemon/internal/logging"
	"github.com/fastogt/iptv-daemon/internal/model"
	"github.com/fastogt/iptv-daemon/internal/rpcwire"
	"github.com/fastogt/iptv-daemon/internal/stats"
	"github.com/fastogt/iptv-daemon/internal/worker"
)

// controlFD is the fixed fd the supervisor passes the worker's end of the
// control socketpair on via os/exec's ExtraFiles[0].
const controlFD = 3

func main() {
	streamID := pflag.String("stream-id", "", "stream id this worker was spawned for (diagnostic only; authoritative config arrives over the control socket)")
	logLevel := pflag.String("log-level", "info", "log level: debug|info|warn|error")
	statsInterval := pflag.Duration("stats-interval", time.Second, "statistic_stream publish interval")
	pflag.Parse()

	logging.Init("iptv-worker", "dev", *logLevel)
	logger := logging.Component("worker")
	if *streamID != "" {
		logger = logging.WithStream(logger, *streamID)
	}

	conn, err := net.FileConn(os.NewFile(uintptr(controlFD), "control"))
	if err != nil {
		logger.Fatal().Err(err).Msg("control socket fd not inherited")
	}
	link := &wireLink{conn: conn, reader: rpcwire.NewReader(conn), writer: rpcwire.NewWriter(conn)}

	cfg, err := awaitConfigure(link)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to receive configuration")
	}

	region, err := stats.Alloc(string(cfg.ID), uint32(cfg.Type))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to allocate local stats region")
	}
	defer region.Free()

	var uploader archive.Uploader = archive.NoopUploader{}
	if cfg.ArchiveContainer != "" {
		u, err := archive.NewBlobUploader(cfg.ArchiveContainer)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to construct archive uploader, falling back to no-op")
		} else {
			uploader = u
		}
	}

	runner, err := worker.NewRunner(cfg, region, link, logger, *statsInterval, worker.WithArchiver(uploader))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct runner")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runner.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("worker exiting with error")
		os.Exit(1)
	}
	logger.Info().Msg("worker exiting cleanly")
}

// awaitConfigure blocks for the supervisor's first control message, which
// must be a "configure" notification carrying the worker's model.Config —
// the only way a freshly exec'd process learns what it is supposed to run.
func awaitConfigure(link rpcwireLink) (model.Config, error) {
	msg, err := link.ReadMessage()
	if err != nil {
		return model.Config{}, apperrors.NewIO("worker.await_configure", err)
	}
	if msg.Kind != rpcwire.KindNotification || msg.Notification.Method != "configure" {
		return model.Config{}, apperrors.NewInvalidMessage("worker.await_configure", fmt.Errorf("expected configure, got %+v", msg))
	}
	var cfg model.Config
	if err := json.Unmarshal([]byte(msg.Notification.Params), &cfg); err != nil {
		return model.Config{}, apperrors.NewInvalidMessage("worker.await_configure", err)
	}
	if err := cfg.Validate(); err != nil {
		return model.Config{}, apperrors.NewInvalidConfig("worker.await_configure", err)
	}
	return cfg, nil
}

type rpcwireLink interface {
	ReadMessage() (rpcwire.Message, error)
}

// wireLink adapts the inherited control connection to worker.ControlLink.
type wireLink struct {
	conn   net.Conn
	reader *rpcwire.Reader
	writer *rpcwire.Writer
}

func (l *wireLink) ReadMessage() (rpcwire.Message, error) { return l.reader.ReadMessage() }
func (l *wireLink) WriteMessage(m rpcwire.Message) error  { return l.writer.WriteMessage(m) }
