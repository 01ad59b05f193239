// Package config loads the daemon's startup configuration: a YAML file on
// disk, overridden by CLI flags, plus an fsnotify-driven Watcher that
// re-parses the file when it changes.
package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	apperrors "github.com/fastogt/iptv-daemon/internal/errors"
)

// Config is the daemon's top-level configuration (spec §6 "Environment /
// config file").
type Config struct {
	LogPath            string `yaml:"log_path"`
	LogLevel           string `yaml:"log_level"`
	FeedbackDir        string `yaml:"feedback_dir"`
	PIDFile            string `yaml:"pid_file"`
	BandwidthHost      string `yaml:"bandwidth_host"`
	ControlSocketPath  string `yaml:"control_socket_path"`
	SubscriberSocket   string `yaml:"subscriber_socket_path"`
	MetricsAddr        string `yaml:"metrics_addr"`
	UserDirectoryPath  string `yaml:"user_directory_path"`
	ArchiveContainer   string `yaml:"archive_container_url"`
	ProtocolVersion    string `yaml:"protocol_version"`
	PingIntervalSec    int    `yaml:"ping_interval_sec"`
	StatsIntervalSec   int    `yaml:"stats_interval_sec"`
	DefaultRestarts    int    `yaml:"default_restarts"`
	UpstreamAddr       string `yaml:"upstream_addr"`
	WorkerBinaryPath   string `yaml:"worker_binary_path"`
}

// Default returns the baseline configuration used when no file is present
// and no flags override it.
func Default() Config {
	return Config{
		LogPath:           "/var/log/iptv-daemon/daemon.log",
		LogLevel:          "info",
		FeedbackDir:       "/var/run/iptv-daemon/streams",
		PIDFile:           "/var/run/iptv-daemon.pid",
		BandwidthHost:     "",
		ControlSocketPath: "/var/run/iptv-daemon/control.sock",
		SubscriberSocket:  "/var/run/iptv-daemon/subscriber.sock",
		MetricsAddr:       "127.0.0.1:9191",
		ProtocolVersion:   "1.0",
		PingIntervalSec:   60,
		StatsIntervalSec:  1,
		DefaultRestarts:   3,
		UpstreamAddr:      "",
		WorkerBinaryPath:  "/usr/lib/iptv-daemon/iptv-worker",
	}
}

// Load reads path (if non-empty and it exists) as YAML over the default
// configuration. A missing path is not an error — the daemon falls back
// to defaults plus whatever CLI flags supply.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, apperrors.NewInvalidConfig("config.load", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, apperrors.NewInvalidConfig("config.load", err)
	}
	return cfg, nil
}

// Overlay applies non-zero-value fields from override on top of base,
// mirroring the teacher's flags-override-file translation step.
func Overlay(base Config, override Config) Config {
	out := base
	if override.LogPath != "" {
		out.LogPath = override.LogPath
	}
	if override.LogLevel != "" {
		out.LogLevel = override.LogLevel
	}
	if override.FeedbackDir != "" {
		out.FeedbackDir = override.FeedbackDir
	}
	if override.PIDFile != "" {
		out.PIDFile = override.PIDFile
	}
	if override.BandwidthHost != "" {
		out.BandwidthHost = override.BandwidthHost
	}
	if override.ControlSocketPath != "" {
		out.ControlSocketPath = override.ControlSocketPath
	}
	if override.SubscriberSocket != "" {
		out.SubscriberSocket = override.SubscriberSocket
	}
	if override.MetricsAddr != "" {
		out.MetricsAddr = override.MetricsAddr
	}
	if override.UserDirectoryPath != "" {
		out.UserDirectoryPath = override.UserDirectoryPath
	}
	if override.ArchiveContainer != "" {
		out.ArchiveContainer = override.ArchiveContainer
	}
	if override.ProtocolVersion != "" {
		out.ProtocolVersion = override.ProtocolVersion
	}
	if override.PingIntervalSec != 0 {
		out.PingIntervalSec = override.PingIntervalSec
	}
	if override.StatsIntervalSec != 0 {
		out.StatsIntervalSec = override.StatsIntervalSec
	}
	if override.DefaultRestarts != 0 {
		out.DefaultRestarts = override.DefaultRestarts
	}
	if override.UpstreamAddr != "" {
		out.UpstreamAddr = override.UpstreamAddr
	}
	if override.WorkerBinaryPath != "" {
		out.WorkerBinaryPath = override.WorkerBinaryPath
	}
	return out
}

// Watcher watches a config file for changes and invokes onReload with the
// freshly-parsed Config (SPEC_FULL §2 Configuration). cmd/daemon does not
// use it: --reload / SIGHUP re-reads the file in the daemon's own signal
// handler.
type Watcher struct {
	mu       sync.Mutex
	path     string
	watcher  *fsnotify.Watcher
	onReload func(Config)
	done     chan struct{}
}

// NewWatcher starts watching path's containing directory (watching the
// directory rather than the file survives editors that replace the file
// via rename-on-save).
func NewWatcher(path string, onReload func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, apperrors.NewInternal("config.watch", err)
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, apperrors.NewInternal("config.watch", err)
	}
	w := &Watcher{path: path, watcher: fw, onReload: onReload, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	target := filepath.Clean(w.path)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				continue
			}
			w.onReload(cfg)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	return w.watcher.Close()
}
