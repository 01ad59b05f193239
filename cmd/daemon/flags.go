package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

// version is injected at build time with -ldflags "-X main.version=...".
var version = "dev"

// cliConfig holds the flags spec §6 ("Environment / config file") and
// process-control §4.5 (stop_service/SIGHUP) require; main.go translates
// this into a config.Config override via flagsToOverride.
type cliConfig struct {
	showVersion bool
	foreground  bool
	stopDaemon  bool
	reload      bool
	configPath  string

	logLevel          string
	feedbackDir       string
	pidFile           string
	bandwidthHost     string
	controlSocket     string
	subscriberSocket  string
	metricsAddr       string
	userDirectoryPath string
	archiveContainer  string
	pingIntervalSec   int
	statsIntervalSec  int
	defaultRestarts   int
	upstreamAddr      string
	workerBinaryPath  string
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := pflag.NewFlagSet("iptv-daemon", pflag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	fs.BoolVar(&cfg.showVersion, "version", false, "print version and exit")
	fs.BoolVar(&cfg.foreground, "daemon", false, "run without detaching (the daemon never forks itself; this flag only selects not-a-control-command mode)")
	fs.BoolVar(&cfg.stopDaemon, "stop", false, "send stop_service to the running daemon and exit")
	fs.BoolVar(&cfg.reload, "reload", false, "send a config reload signal to the running daemon and exit")
	fs.StringVarP(&cfg.configPath, "config", "c", "", "path to the YAML config file")

	fs.StringVar(&cfg.logLevel, "log-level", "", "log level: debug|info|warn|error")
	fs.StringVar(&cfg.feedbackDir, "feedback-dir", "", "per-stream feedback directory")
	fs.StringVar(&cfg.pidFile, "pid-file", "", "pid file path")
	fs.StringVar(&cfg.bandwidthHost, "bandwidth-host", "", "bandwidth host reported to subscribers")
	fs.StringVar(&cfg.controlSocket, "control-socket", "", "unix socket the orchestrator/worker control plane listens on")
	fs.StringVar(&cfg.subscriberSocket, "subscriber-socket", "", "unix socket the subscriber-facing endpoint listens on")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "loopback address to serve /metrics on")
	fs.StringVar(&cfg.userDirectoryPath, "user-directory", "", "badger user directory path")
	fs.StringVar(&cfg.archiveContainer, "archive-container", "", "azure blob container URL for timeshift archival")
	fs.IntVar(&cfg.pingIntervalSec, "ping-interval-sec", 0, "subscriber liveness ping interval, seconds")
	fs.IntVar(&cfg.statsIntervalSec, "stats-interval-sec", 0, "aggregate statistic_service publish interval, seconds")
	fs.IntVar(&cfg.defaultRestarts, "default-restarts", 0, "stored in the daemon config only; a stream without restarts_left always starts with the built-in default of 3")
	fs.StringVar(&cfg.upstreamAddr, "upstream-addr", "", "address of the upstream orchestrator this daemon reports to")
	fs.StringVar(&cfg.workerBinaryPath, "worker-binary", "", "path to the iptv-worker binary the supervisor forks")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.stopDaemon && cfg.reload {
		return nil, fmt.Errorf("--stop and --reload are mutually exclusive")
	}
	return cfg, nil
}
