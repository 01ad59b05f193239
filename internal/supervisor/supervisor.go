// Package supervisor implements the supervisor (C5): the process-wide
// event loop that accepts upstream and per-worker control connections,
// spawns/monitors/restarts workers, and routes RPC replies by sequence
// id.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	apperrors "github.com/fastogt/iptv-daemon/internal/errors"
	"github.com/fastogt/iptv-daemon/internal/model"
	"github.com/fastogt/iptv-daemon/internal/orchestrator"
	"github.com/fastogt/iptv-daemon/internal/rpcwire"
	"github.com/fastogt/iptv-daemon/internal/stats"
	workerpkg "github.com/fastogt/iptv-daemon/internal/worker"
)

const (
	// DefaultKillTimeout is T_kill from spec §4.5.
	DefaultKillTimeout = 30 * time.Second
	// DefaultShutdownTimeout is T_shutdown from spec §4.5.
	DefaultShutdownTimeout = 60 * time.Second
	// DefaultWorkerRequestTimeout is the implicit deadline for outbound
	// requests to a worker (spec §5). Nothing reads it: no
	// supervisor->worker message currently expects a reply.
	DefaultWorkerRequestTimeout = 30 * time.Second
	// DefaultStatsPublishInterval is how often the aggregate
	// statistic_service notification goes upstream (SPEC_FULL §3.1).
	DefaultStatsPublishInterval = 5 * time.Second
)

// LicenseChecker authorizes an activate/prepare_service call. The license
// generation scheme itself is out of scope (spec §1) — this is the narrow
// interface the daemon consumes.
type LicenseChecker interface {
	Check(license string) error
}

// AllowAllLicense is the default LicenseChecker used when no real one is
// configured — every call succeeds. cmd/daemon installs no other checker,
// so this is the one in effect there.
type AllowAllLicense struct{}

func (AllowAllLicense) Check(string) error { return nil }

// Metrics is the subset of metrics.Registry the supervisor updates;
// declared as an interface so tests don't need a live Prometheus
// registry.
type Metrics interface {
	SetWorkersActive(n int)
	SetWorkersRestarting(n int)
	IncWorkerRestart(streamID string)
	SetPendingRequests(peer string, n int)
	IncRPCError(code string)
}

// NoopMetrics discards every call.
type NoopMetrics struct{}

func (NoopMetrics) SetWorkersActive(int)          {}
func (NoopMetrics) SetWorkersRestarting(int)      {}
func (NoopMetrics) IncWorkerRestart(string)       {}
func (NoopMetrics) SetPendingRequests(string, int) {}
func (NoopMetrics) IncRPCError(string)            {}

// Supervisor is the C5 component.
type Supervisor struct {
	registry   *Registry
	spawner    Spawner
	license    LicenseChecker
	logger     zerolog.Logger
	metrics    Metrics
	seq        rpcwire.SeqSource
	clock      func() time.Time
	killAfter     time.Duration
	shutdownAfter time.Duration
	statsInterval time.Duration

	upstream *orchestrator.Client

	// archiveContainer is stamped onto every spawned worker's Config, since
	// a worker otherwise has no way to learn it (it never reads the
	// daemon's own config file).
	archiveContainer string

	mu            sync.Mutex
	shuttingDown  bool
	shutdownDone  chan struct{}
	restartingNow int32

	statsCron *cron.Cron
}

// Option configures a Supervisor at construction time.
type Option func(*Supervisor)

func WithLicenseChecker(l LicenseChecker) Option { return func(s *Supervisor) { s.license = l } }
func WithMetrics(m Metrics) Option               { return func(s *Supervisor) { s.metrics = m } }
func WithUpstream(c *orchestrator.Client) Option { return func(s *Supervisor) { s.upstream = c } }
func WithKillTimeout(d time.Duration) Option     { return func(s *Supervisor) { s.killAfter = d } }
func WithShutdownTimeout(d time.Duration) Option { return func(s *Supervisor) { s.shutdownAfter = d } }
func WithStatsInterval(d time.Duration) Option   { return func(s *Supervisor) { s.statsInterval = d } }
func WithArchiveContainer(url string) Option     { return func(s *Supervisor) { s.archiveContainer = url } }

// New constructs a Supervisor around spawner, ready to accept RPCs.
func New(spawner Spawner, logger zerolog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		registry:      NewRegistry(),
		spawner:       spawner,
		license:       AllowAllLicense{},
		logger:        logger.With().Str("component", "supervisor").Logger(),
		metrics:       NoopMetrics{},
		clock:         time.Now,
		killAfter:     DefaultKillTimeout,
		shutdownAfter: DefaultShutdownTimeout,
		statsInterval: DefaultStatsPublishInterval,
	}
	for _, o := range opts {
		o(s)
	}
	s.statsCron = cron.New()
	spec := fmt.Sprintf("@every %s", s.statsInterval)
	if _, err := s.statsCron.AddFunc(spec, s.publishAggregateStats); err != nil {
		s.logger.Error().Err(err).Str("spec", spec).Msg("failed scheduling aggregate stats publish")
	}
	s.statsCron.Start()
	return s
}

// publishAggregateStats sends the whole worker table upstream as one
// statistic_service notification (SPEC_FULL §3.1's periodic push,
// distinct from state_service's on-demand pull).
func (s *Supervisor) publishAggregateStats() {
	if s.upstream == nil {
		return
	}
	raw, err := s.handleStateService()
	if err != nil {
		return
	}
	_ = s.upstream.Notify("statistic_service", json.RawMessage(raw))
}

// Stop releases the supervisor's background cron; call after Shutdown.
func (s *Supervisor) Stop() {
	s.statsCron.Stop()
}

// Registry exposes the worker table for state_service and tests.
func (s *Supervisor) Registry() *Registry { return s.registry }

// ---- inbound method params/results ----

type activateParams struct {
	License      string   `json:"license"`
	Capabilities []string `json:"capabilities"`
}

type activateResult struct {
	Fingerprint string `json:"fingerprint"`
}

type streamIDParams struct {
	ID string `json:"id"`
}

type workerState struct {
	ID         string                        `json:"id"`
	Status     string                        `json:"status"`
	PID        int                           `json:"pid"`
	RestartsLeft int                         `json:"restarts_left"`
	LastStats  *workerpkg.StatisticStreamParams `json:"last_stats,omitempty"`
}

type stateServiceResult struct {
	Workers []workerState `json:"workers"`
}

type syncServiceParams struct {
	Streams []model.Config `json:"streams"`
}

type quitStatusParams struct {
	ID         string `json:"id"`
	ExitStatus int    `json:"exit_status"`
	Signal     int    `json:"signal"`
}

// Dispatch handles one inbound upstream Request and returns the Response
// to write back. get_log_stream additionally streams Notifications via
// notify for as long as ctx stays open.
func (s *Supervisor) Dispatch(ctx context.Context, req rpcwire.Request, notify func(rpcwire.Message) error) rpcwire.Message {
	result, err := s.dispatch(ctx, req, notify)
	if err != nil {
		kind := apperrors.KindOf(err)
		s.metrics.IncRPCError(string(kind))
		msg := err.Error()
		if rpcErr, ok := err.(*apperrors.RPCError); ok {
			msg = rpcErr.Message()
		}
		return rpcwire.NewErrResponse(req.Seq, kind, msg)
	}
	return rpcwire.NewOkResponse(req.Seq, result)
}

func (s *Supervisor) dispatch(ctx context.Context, req rpcwire.Request, notify func(rpcwire.Message) error) (string, error) {
	switch req.Method {
	case "activate", "prepare_service":
		return s.handleActivate(req.Params)
	case "start_stream":
		return s.handleStartStream(req.Params)
	case "stop_stream":
		return s.handleStopStream(req.Params)
	case "restart_stream":
		return s.handleRestartStream(req.Params)
	case "state_service":
		return s.handleStateService()
	case "sync_service":
		return s.handleSyncService(req.Params)
	case "ping_service":
		return "", nil
	case "stop_service":
		go s.Shutdown(context.Background())
		return "", nil
	case "get_log_stream":
		return s.handleGetLogStream(ctx, req.Params, notify)
	default:
		return "", apperrors.NewInvalidMessage("supervisor.dispatch", fmt.Errorf("unknown method %q", req.Method))
	}
}

func (s *Supervisor) handleActivate(params string) (string, error) {
	var p activateParams
	if params != "" {
		if err := json.Unmarshal([]byte(params), &p); err != nil {
			return "", apperrors.NewInvalidMessage("activate", err)
		}
	}
	if err := s.license.Check(p.License); err != nil {
		return "", apperrors.NewUnauthorized("activate", err)
	}
	res := activateResult{Fingerprint: uuid.NewString()}
	raw, _ := json.Marshal(res)
	return string(raw), nil
}

func (s *Supervisor) handleStartStream(params string) (string, error) {
	var cfg model.Config
	if err := json.Unmarshal([]byte(params), &cfg); err != nil {
		return "", apperrors.NewInvalidMessage("start_stream", err)
	}
	if err := cfg.Validate(); err != nil {
		return "", apperrors.NewInvalidConfig("start_stream", err)
	}
	if _, exists := s.registry.Get(cfg.ID); exists {
		return "", apperrors.NewAlreadyExists("start_stream", fmt.Errorf("stream %s already running", cfg.ID))
	}
	if s.archiveContainer != "" {
		cfg.ArchiveContainer = s.archiveContainer
	}

	region, err := stats.Alloc(string(cfg.ID), uint32(cfg.Type))
	if err != nil {
		return "", apperrors.NewInternal("start_stream", err)
	}
	pid, link, err := s.spawner.Spawn(cfg, region)
	if err != nil {
		region.Free()
		return "", apperrors.NewInternal("start_stream", fmt.Errorf("spawn worker: %w", err))
	}
	if err := sendConfigure(link, cfg); err != nil {
		region.Free()
		_ = link.Close()
		return "", apperrors.NewInternal("start_stream", fmt.Errorf("configure worker: %w", err))
	}

	entry := newWorkerEntry(cfg, region, pid, link)
	s.registry.Put(entry)
	s.metrics.SetWorkersActive(s.registry.Len())
	go s.superviseWorker(entry)

	return "", nil
}

func (s *Supervisor) handleStopStream(params string) (string, error) {
	var p streamIDParams
	if err := json.Unmarshal([]byte(params), &p); err != nil {
		return "", apperrors.NewInvalidMessage("stop_stream", err)
	}
	entry, ok := s.registry.Get(model.StreamID(p.ID))
	if !ok {
		return "", apperrors.NewNotFound("stop_stream", fmt.Errorf("stream %s not registered", p.ID))
	}
	entry.markStopping()
	_, link, _ := entry.snapshotLive()
	if err := link.WriteMessage(rpcwire.NewNotificationMessage("stop", "")); err != nil {
		return "", apperrors.NewIO("stop_stream", err)
	}
	s.scheduleHardKill(entry)
	return "", nil
}

func (s *Supervisor) handleRestartStream(params string) (string, error) {
	var p streamIDParams
	if err := json.Unmarshal([]byte(params), &p); err != nil {
		return "", apperrors.NewInvalidMessage("restart_stream", err)
	}
	entry, ok := s.registry.Get(model.StreamID(p.ID))
	if !ok {
		return "", apperrors.NewNotFound("restart_stream", fmt.Errorf("stream %s not registered", p.ID))
	}
	_, link, _ := entry.snapshotLive()
	if err := link.WriteMessage(rpcwire.NewNotificationMessage("restart", "")); err != nil {
		return "", apperrors.NewIO("restart_stream", err)
	}
	return "", nil
}

func (s *Supervisor) handleStateService() (string, error) {
	entries := s.registry.All()
	res := stateServiceResult{Workers: make([]workerState, 0, len(entries))}
	for _, e := range entries {
		pid, _, _ := e.snapshotLive()
		lastStats := e.getLastStats()
		status := "NEW"
		if lastStats != nil {
			status = lastStats.Status
		}
		res.Workers = append(res.Workers, workerState{
			ID:           string(e.StreamID),
			Status:       status,
			PID:          pid,
			RestartsLeft: e.getRestartsLeft(),
			LastStats:    lastStats,
		})
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return "", apperrors.NewInternal("state_service", err)
	}
	return string(raw), nil
}

func (s *Supervisor) handleSyncService(params string) (string, error) {
	var p syncServiceParams
	if err := json.Unmarshal([]byte(params), &p); err != nil {
		return "", apperrors.NewInvalidMessage("sync_service", err)
	}
	desired := make(map[model.StreamID]model.Config, len(p.Streams))
	for _, cfg := range p.Streams {
		desired[cfg.ID] = cfg
	}

	for id, cfg := range desired {
		if _, exists := s.registry.Get(id); !exists {
			raw, _ := json.Marshal(cfg)
			if _, err := s.handleStartStream(string(raw)); err != nil {
				s.logger.Warn().Err(err).Str("stream_id", string(id)).Msg("sync_service: failed to start missing stream")
			}
		}
	}
	for _, entry := range s.registry.All() {
		if _, wanted := desired[entry.StreamID]; !wanted {
			raw, _ := json.Marshal(streamIDParams{ID: string(entry.StreamID)})
			if _, err := s.handleStopStream(string(raw)); err != nil {
				s.logger.Warn().Err(err).Str("stream_id", string(entry.StreamID)).Msg("sync_service: failed to stop undesired stream")
			}
		}
	}
	return "", nil
}

func (s *Supervisor) handleGetLogStream(ctx context.Context, params string, notify func(rpcwire.Message) error) (string, error) {
	var p streamIDParams
	if err := json.Unmarshal([]byte(params), &p); err != nil {
		return "", apperrors.NewInvalidMessage("get_log_stream", err)
	}
	entry, ok := s.registry.Get(model.StreamID(p.ID))
	if !ok {
		return "", apperrors.NewNotFound("get_log_stream", fmt.Errorf("stream %s not registered", p.ID))
	}
	logPath := entry.Config.FeedbackDir + "/worker.log"
	go tailLogFile(ctx, logPath, notify, s.logger)
	return "", nil
}

func tailLogFile(ctx context.Context, path string, notify func(rpcwire.Message) error, logger zerolog.Logger) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				line, err := reader.ReadString('\n')
				if line != "" {
					raw, _ := json.Marshal(map[string]string{"line": line})
					if err := notify(rpcwire.NewNotificationMessage("log_line", string(raw))); err != nil {
						return
					}
				}
				if err != nil {
					break
				}
			}
		}
	}
}

// sendConfigure writes cfg as the worker's first control-channel message.
// cmd/worker blocks on exactly this before building its pipeline variant,
// since a freshly exec'd process has no other way to learn which stream it
// is running (spec §4.5's socketpair-then-fork leaves the child with
// nothing but an open fd and the --stream-id argument).
func sendConfigure(link WorkerLink, cfg model.Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return link.WriteMessage(rpcwire.NewNotificationMessage("configure", string(raw)))
}

// scheduleHardKill kills entry's process after s.killAfter if it has not
// already been reaped (spec §4.5 stop_stream T_kill).
func (s *Supervisor) scheduleHardKill(entry *WorkerEntry) {
	time.AfterFunc(s.killAfter, func() {
		if entry.isTerminated() {
			return
		}
		pid, _, _ := entry.snapshotLive()
		s.logger.Warn().Str("stream_id", string(entry.StreamID)).Msg("hard-killing unresponsive worker")
		killProcess(pid)
	})
}
