package supervisor

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	apperrors "github.com/fastogt/iptv-daemon/internal/errors"
	"github.com/fastogt/iptv-daemon/internal/rpcwire"
	"github.com/fastogt/iptv-daemon/internal/stats"
	"github.com/fastogt/iptv-daemon/internal/worker"
)

// MaxRestartBackoff is the ceiling on the exponential restart delay
// (spec §4.5: min(2^attempt, 60s)).
const MaxRestartBackoff = 60 * time.Second

func restartBackoff(attempt int) time.Duration {
	d := time.Second
	for i := 0; i < attempt && d < MaxRestartBackoff; i++ {
		d *= 2
	}
	if d > MaxRestartBackoff {
		d = MaxRestartBackoff
	}
	return d
}

// superviseWorker owns entry's control link for its whole lifetime: it
// routes Response messages to pending callers, forwards Notifications
// upstream, and on a read failure (unless the entry is already
// terminated) hands the exit to onWorkerExit, which reports
// quit_status_stream upstream and then respawns or retires the entry
// (spec §4.5/§7).
func (s *Supervisor) superviseWorker(entry *WorkerEntry) {
	_, link, _ := entry.snapshotLive()
	for {
		msg, err := link.ReadMessage()
		if err != nil {
			break
		}
		switch msg.Kind {
		case rpcwire.KindResponse:
			if !entry.resolve(*msg.Response) {
				s.logger.Warn().Str("stream_id", string(entry.StreamID)).Int64("seq", msg.Response.Seq).Msg("response for unknown pending request")
			}
		case rpcwire.KindNotification:
			s.forwardWorkerNotification(entry, *msg.Notification)
		}
	}

	if entry.isTerminated() {
		return
	}
	exitCode, signal := -1, 0
	if w, ok := link.(ExitWaiter); ok {
		exitCode, signal = w.WaitExit()
	}
	s.onWorkerExit(entry, exitCode, signal)
}

// forwardWorkerNotification relays a worker's statistic_stream/
// changed_source_stream notification upstream unchanged (spec §4.2/§7).
func (s *Supervisor) forwardWorkerNotification(entry *WorkerEntry, n rpcwire.Notification) {
	if n.Method == "statistic_stream" {
		var params worker.StatisticStreamParams
		if err := json.Unmarshal([]byte(n.Params), &params); err == nil {
			entry.setLastStats(params)
		}
	}
	if s.upstream == nil {
		return
	}
	if err := s.upstream.Notify(n.Method, json.RawMessage(n.Params)); err != nil {
		s.logger.Debug().Err(err).Str("stream_id", string(entry.StreamID)).Str("method", n.Method).Msg("failed forwarding worker notification upstream")
	}
}

func killProcess(pid int) {
	if pid <= 0 {
		return
	}
	_ = unix.Kill(pid, unix.SIGKILL)
}

// Shutdown stops every registered worker in parallel, waits up to
// shutdownAfter for them to exit cleanly, then hard-kills stragglers
// (spec §4.5 "stop_service").
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.shuttingDown = true
	s.shutdownDone = make(chan struct{})
	s.mu.Unlock()
	defer close(s.shutdownDone)

	entries := s.registry.All()
	for _, e := range entries {
		e.markStopping()
		_, link, _ := e.snapshotLive()
		_ = link.WriteMessage(rpcwire.NewNotificationMessage("stop", ""))
	}

	deadline := time.After(s.shutdownAfter)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if allTerminated(entries) {
			break
		}
		select {
		case <-deadline:
			for _, e := range entries {
				if !e.isTerminated() {
					pid, _, _ := e.snapshotLive()
					killProcess(pid)
				}
			}
			return
		case <-ticker.C:
		}
	}
}

func allTerminated(entries []*WorkerEntry) bool {
	for _, e := range entries {
		if !e.isTerminated() {
			return false
		}
	}
	return true
}

// onWorkerExit is invoked once a worker's control link is confirmed dead,
// with the exit code/signal the OS reported for it (spec §4.5's
// "quit_status_stream on every reap"). It then applies the restart policy:
// a deliberately stopped stream (Stopping) or a clean zero-exit is expected
// termination and is retired outright; an abnormal exit (non-zero status or
// killed by signal) respawns with backoff while RestartsLeft permits it,
// otherwise the entry is also retired for good.
func (s *Supervisor) onWorkerExit(entry *WorkerEntry, exitCode int, signal int) {
	entry.cancelAllPending(errPeerGoneResponse())
	s.notifyQuitStatus(entry, exitCode, signal)

	if entry.isStopping() || (exitCode == 0 && signal == 0) {
		entry.markTerminated()
		_, _, region := entry.snapshotLive()
		_ = region.Free()
		s.registry.Remove(entry.StreamID)
		s.metrics.SetWorkersActive(s.registry.Len())
		return
	}

	attempt, ok := entry.takeRestart()
	if !ok {
		entry.markTerminated()
		_, _, region := entry.snapshotLive()
		_ = region.Free()
		s.registry.Remove(entry.StreamID)
		s.metrics.SetWorkersActive(s.registry.Len())
		return
	}

	n := atomic.AddInt32(&s.restartingNow, 1)
	s.metrics.SetWorkersRestarting(int(n))
	s.metrics.IncWorkerRestart(string(entry.StreamID))
	backoff := restartBackoff(attempt)
	timer := time.NewTimer(backoff)
	go func() {
		<-timer.C
		s.respawn(entry)
		n := atomic.AddInt32(&s.restartingNow, -1)
		s.metrics.SetWorkersRestarting(int(n))
	}()
}

func (s *Supervisor) respawn(entry *WorkerEntry) {
	region, err := stats.Alloc(string(entry.StreamID), uint32(entry.Config.Type))
	if err != nil {
		s.logger.Error().Err(err).Str("stream_id", string(entry.StreamID)).Msg("respawn: region alloc failed")
		return
	}
	pid, link, err := s.spawner.Spawn(entry.Config, region)
	if err != nil {
		region.Free()
		s.logger.Error().Err(err).Str("stream_id", string(entry.StreamID)).Msg("respawn: spawn failed")
		return
	}
	if err := sendConfigure(link, entry.Config); err != nil {
		region.Free()
		_ = link.Close()
		s.logger.Error().Err(err).Str("stream_id", string(entry.StreamID)).Msg("respawn: configure failed")
		return
	}
	old := entry.replaceLive(pid, link, region)
	_ = old.Free()
	go s.superviseWorker(entry)
}

func (s *Supervisor) notifyQuitStatus(entry *WorkerEntry, exitStatus int, signal int) {
	if s.upstream == nil {
		return
	}
	raw, _ := json.Marshal(quitStatusParams{ID: string(entry.StreamID), ExitStatus: exitStatus, Signal: signal})
	_ = s.upstream.Notify("quit_status_stream", json.RawMessage(raw))
}

func errPeerGoneResponse() rpcwire.Response {
	return rpcwire.Response{Err: &rpcwire.WireError{Code: apperrors.KindPeerGone, Message: "worker connection lost"}}
}
