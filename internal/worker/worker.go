// Package worker implements the stream worker (C3): the child-process
// side state machine that owns one pipeline variant, publishes metrics
// into its C2 shared-memory region, and speaks the worker-facing RPC
// vocabulary (restart/stop inbound, changed_source_stream/statistic_stream
// outbound) on its control socket.
//
// The event loop itself follows the teacher's single-goroutine-owns-state
// pattern: one reader goroutine feeds decoded messages over a channel, and
// every state mutation happens inside Run's select loop, so the worker
// still has exactly one place mutating the StreamStruct even though Go
// gives the transport its own goroutine.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	gopsprocess "github.com/shirou/gopsutil/v3/process"

	"github.com/fastogt/iptv-daemon/internal/archive"
	apperrors "github.com/fastogt/iptv-daemon/internal/errors"
	"github.com/fastogt/iptv-daemon/internal/model"
	"github.com/fastogt/iptv-daemon/internal/pipeline"
	"github.com/fastogt/iptv-daemon/internal/rpcwire"
	"github.com/fastogt/iptv-daemon/internal/stats"
)

// ControlLink is the minimal control-socket surface Run needs; satisfied
// by an rpcwire.Reader/Writer pair over a net.Conn in production and by a
// fake in tests.
type ControlLink interface {
	ReadMessage() (rpcwire.Message, error)
	WriteMessage(rpcwire.Message) error
}

// StatisticStreamParams is the payload of an outbound statistic_stream
// notification (spec §4.3).
type StatisticStreamParams struct {
	StreamID    string   `json:"stream_id"`
	Status      string   `json:"status"`
	CPULoad     float64  `json:"cpu_load"`
	RSSBytes    uint64   `json:"rss_bytes"`
	InputsBps   []uint64 `json:"inputs_bps"`
	OutputsBps  []uint64 `json:"outputs_bps"`
	TimestampMs int64    `json:"timestamp_ms"`
}

// ChangedSourceParams is the payload of an outbound changed_source_stream
// notification, emitted whenever an input's active source set changes.
type ChangedSourceParams struct {
	StreamID string `json:"stream_id"`
	InputID  uint64 `json:"input_id"`
	Scheme   string `json:"scheme"`
	URL      string `json:"url"`
}

// Clock abstracts wall-clock reads so tests can control timestamps.
type Clock func() time.Time

// Runner drives one worker process's lifecycle.
type Runner struct {
	cfg     model.Config
	variant pipeline.Variant
	region  *stats.Region
	link    ControlLink
	logger  zerolog.Logger
	clock   Clock
	pid     int

	statsInterval time.Duration
	cron          *cron.Cron

	archiver   archive.Uploader
	chunkCron  *cron.Cron
}

// RunnerOption configures optional Runner behavior at construction.
type RunnerOption func(*Runner)

// WithArchiver installs the uploader a TIMESHIFT_RECORDER variant hands
// its expired chunks to instead of just deleting them (SPEC_FULL §3.4).
// Ignored by every other variant.
func WithArchiver(u archive.Uploader) RunnerOption {
	return func(r *Runner) { r.archiver = u }
}

// NewRunner validates cfg, selects a pipeline variant via the factory, and
// returns a Runner ready to Run. The caller owns region's lifetime (the
// supervisor allocated it and will Free it after reap).
func NewRunner(cfg model.Config, region *stats.Region, link ControlLink, logger zerolog.Logger, statsInterval time.Duration, opts ...RunnerOption) (*Runner, error) {
	variant, err := pipeline.Select(cfg)
	if err != nil {
		return nil, err
	}
	if statsInterval <= 0 {
		statsInterval = time.Second
	}
	r := &Runner{
		cfg:           cfg,
		variant:       variant,
		region:        region,
		link:          link,
		logger:        logger.With().Str("stream_id", string(cfg.ID)).Str("variant", string(variant)).Logger(),
		clock:         time.Now,
		pid:           os.Getpid(),
		statsInterval: statsInterval,
		archiver:      archive.NoopUploader{},
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// loopSignal is what the background reader goroutine hands to Run.
type loopSignal struct {
	msg rpcwire.Message
	err error
}

// Run executes the worker's lifecycle until the control link reports the
// peer gone, the context is cancelled, or a `stop` is received. It
// returns nil for an orderly stop (exit status 0 is the caller's
// responsibility) and a non-zero-worthy error otherwise.
func (r *Runner) Run(ctx context.Context) error {
	r.region.Struct.SetStatus(stats.StatusInit)
	r.region.Struct.SetLastMs(r.clock().UnixMilli())
	if err := r.region.Struct.SetNumInputs(len(r.cfg.Inputs)); err != nil {
		return apperrors.NewInvalidConfig("worker.run", err)
	}
	if err := r.region.Struct.SetNumOutputs(len(r.cfg.Outputs)); err != nil {
		return apperrors.NewInvalidConfig("worker.run", err)
	}
	for i, in := range r.cfg.Inputs {
		r.region.Struct.Inputs[i] = stats.NewChannelStats(uint64(in.ID))
		r.emitChangedSource(in)
	}
	for i, out := range r.cfg.Outputs {
		r.region.Struct.Outputs[i] = stats.NewChannelStats(uint64(out.ID))
	}

	r.region.Struct.SetStatus(stats.StatusPlaying)
	r.logger.Info().Msg("worker playing")

	incoming := make(chan loopSignal, 8)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			msg, err := r.link.ReadMessage()
			select {
			case incoming <- loopSignal{msg: msg, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	r.cron = cron.New(cron.WithSeconds())
	statsTick := make(chan struct{}, 1)
	spec := cronSpecFor(r.statsInterval)
	if _, err := r.cron.AddFunc(spec, func() {
		select {
		case statsTick <- struct{}{}:
		default:
		}
	}); err != nil {
		return apperrors.NewInternal("worker.run", err)
	}
	r.cron.Start()
	defer r.cron.Stop()

	if r.cfg.Type == model.TIMESHIFT_RECORDER && r.cfg.Timeshift.Directory != "" && r.cfg.Timeshift.ChunkLifetime > 0 {
		r.chunkCron = cron.New(cron.WithSeconds())
		chunkSpec := cronSpecFor(time.Duration(r.cfg.Timeshift.ChunkLifetime) * time.Second)
		if _, err := r.chunkCron.AddFunc(chunkSpec, func() { r.rotateExpiredChunks(ctx) }); err != nil {
			return apperrors.NewInternal("worker.run", err)
		}
		r.chunkCron.Start()
		defer r.chunkCron.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-statsTick:
			r.publishStats()

		case sig := <-incoming:
			if sig.err != nil {
				if apperrors.Is(sig.err, apperrors.KindInvalidMessage) {
					return sig.err
				}
				return apperrors.NewPeerGone("worker.run", sig.err)
			}
			done, err := r.handleControlMessage(sig.msg)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

func cronSpecFor(d time.Duration) string {
	if d <= 0 {
		d = time.Second
	}
	return fmt.Sprintf("@every %s", d)
}

func (r *Runner) handleControlMessage(msg rpcwire.Message) (done bool, err error) {
	if msg.Kind != rpcwire.KindNotification && msg.Kind != rpcwire.KindRequest {
		return false, nil
	}
	method := ""
	if msg.Notification != nil {
		method = msg.Notification.Method
	} else if msg.Request != nil {
		method = msg.Request.Method
	}

	switch method {
	case "restart":
		r.logger.Info().Msg("restart requested")
		r.region.Struct.SetStatus(stats.StatusInit)
		r.region.Struct.SetLastMs(r.clock().UnixMilli())
		r.publishStats()
		r.region.Struct.SetStatus(stats.StatusPlaying)
		r.publishStats()
		return false, nil
	case "stop":
		r.logger.Info().Msg("stop requested")
		r.region.Struct.SetStatus(stats.StatusWaiting)
		r.publishStats()
		return true, nil
	default:
		r.logger.Warn().Str("method", method).Msg("unknown worker control method")
		return false, nil
	}
}

func (r *Runner) emitChangedSource(in model.InputURI) {
	params := ChangedSourceParams{
		StreamID: string(r.cfg.ID),
		InputID:  uint64(in.ID),
		Scheme:   string(in.Scheme),
		URL:      in.URL,
	}
	r.sendNotification("changed_source_stream", params)
}

func (r *Runner) publishStats() {
	r.sampleProcess()
	r.region.Struct.SetLastMs(r.clock().UnixMilli())

	n := r.region.Struct.NumInputs()
	inBps := make([]uint64, n)
	for i := 0; i < n; i++ {
		r.region.Struct.Inputs[i].UpdateBps(1)
		r.region.Struct.Inputs[i].UpdateCheckPoint()
		inBps[i] = r.region.Struct.Inputs[i].Bps()
	}
	m := r.region.Struct.NumOutputs()
	outBps := make([]uint64, m)
	for i := 0; i < m; i++ {
		r.region.Struct.Outputs[i].UpdateBps(1)
		r.region.Struct.Outputs[i].UpdateCheckPoint()
		outBps[i] = r.region.Struct.Outputs[i].Bps()
	}

	params := StatisticStreamParams{
		StreamID:    string(r.cfg.ID),
		Status:      r.region.Struct.GetStatus().String(),
		CPULoad:     r.region.Struct.CPULoad(),
		RSSBytes:    r.region.Struct.RSS(),
		InputsBps:   inBps,
		OutputsBps:  outBps,
		TimestampMs: r.clock().UnixMilli(),
	}
	r.sendNotification("statistic_stream", params)
}

// rotateExpiredChunks archives (or, with the default NoopUploader, just
// deletes) every timeshift chunk in the configured directory older than
// ChunkLifetime, one archive.Rotate call per file (SPEC_FULL §3.4).
func (r *Runner) rotateExpiredChunks(ctx context.Context) {
	dir := r.cfg.Timeshift.Directory
	entries, err := os.ReadDir(dir)
	if err != nil {
		r.logger.Warn().Err(err).Str("dir", dir).Msg("timeshift rotation: read directory")
		return
	}
	lifetime := time.Duration(r.cfg.Timeshift.ChunkLifetime) * time.Second
	now := r.clock()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < lifetime {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := archive.Rotate(ctx, r.archiver, string(r.cfg.ID), path); err != nil {
			r.logger.Warn().Err(err).Str("path", path).Msg("timeshift rotation failed")
		}
	}
}

func (r *Runner) sampleProcess() {
	proc, err := gopsprocess.NewProcess(int32(r.pid))
	if err != nil {
		return
	}
	if pct, err := proc.CPUPercent(); err == nil {
		r.region.Struct.SetCPULoad(pct)
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		r.region.Struct.SetRSS(mem.RSS)
	}
}

func (r *Runner) sendNotification(method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		r.logger.Error().Err(err).Str("method", method).Msg("marshal notification params")
		return
	}
	msg := rpcwire.NewNotificationMessage(method, string(raw))
	if err := r.link.WriteMessage(msg); err != nil {
		r.logger.Warn().Err(err).Str("method", method).Msg("write notification")
	}
}

// AddBytes is a test/instrumentation hook a real pipeline's buffer-probe
// callback would call once per delivered buffer (spec §4.2 byte
// accounting); exported so TestInput-style variants and tests can drive
// the counters without a media framework.
func (r *Runner) AddBytes(inputIndex int, n uint64) {
	if inputIndex < 0 || inputIndex >= r.region.Struct.NumInputs() {
		return
	}
	r.region.Struct.Inputs[inputIndex].AddBytes(n, r.clock().UnixMilli())
}
