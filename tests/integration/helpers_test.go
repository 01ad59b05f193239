// Package integration exercises the daemon's components wired together
// the way cmd/daemon wires them, instead of in isolation the way each
// package's own _test.go files do.
package integration

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fastogt/iptv-daemon/internal/model"
	"github.com/fastogt/iptv-daemon/internal/rpcwire"
	"github.com/fastogt/iptv-daemon/internal/stats"
	"github.com/fastogt/iptv-daemon/internal/supervisor"
	"github.com/fastogt/iptv-daemon/internal/worker"
)

// pipeLink wraps one end of a net.Pipe() as both worker.ControlLink and
// supervisor.WorkerLink.
type pipeLink struct {
	conn   net.Conn
	reader *rpcwire.Reader
	writer *rpcwire.Writer
}

func newPipeLink(conn net.Conn) *pipeLink {
	return &pipeLink{conn: conn, reader: rpcwire.NewReader(conn), writer: rpcwire.NewWriter(conn)}
}

func (l *pipeLink) ReadMessage() (rpcwire.Message, error) { return l.reader.ReadMessage() }
func (l *pipeLink) WriteMessage(m rpcwire.Message) error  { return l.writer.WriteMessage(m) }
func (l *pipeLink) Close() error                          { return l.conn.Close() }

// inProcessSpawner stands in for supervisor.ProcessSpawner: instead of
// exec'ing cmd/worker it runs a real worker.Runner goroutine wired to the
// supervisor over a net.Pipe, so these tests exercise the real state
// machine (restart/stop handling, statistic_stream publication) without a
// subprocess.
type inProcessSpawner struct {
	mu      sync.Mutex
	nextPID int
	workers map[model.StreamID]*spawnedWorker
}

type spawnedWorker struct {
	pid    int
	link   *pipeLink // worker-side end
	cancel context.CancelFunc
	region *stats.Region
}

func newInProcessSpawner() *inProcessSpawner {
	return &inProcessSpawner{nextPID: 1000, workers: make(map[model.StreamID]*spawnedWorker)}
}

func (s *inProcessSpawner) Spawn(cfg model.Config, region *stats.Region) (int, supervisor.WorkerLink, error) {
	s.mu.Lock()
	s.nextPID++
	pid := s.nextPID
	s.mu.Unlock()

	parent, child := net.Pipe()
	workerLink := newPipeLink(child)

	ctx, cancel := context.WithCancel(context.Background())
	sw := &spawnedWorker{pid: pid, link: workerLink, cancel: cancel, region: region}

	s.mu.Lock()
	s.workers[cfg.ID] = sw
	s.mu.Unlock()

	go runFakeWorkerProcess(ctx, workerLink, region)

	return pid, newPipeLink(parent), nil
}

func (s *inProcessSpawner) get(id model.StreamID) *spawnedWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[id]
}

// crash simulates a worker process dying uncleanly: the control link just
// goes away without a graceful "stop" handshake.
func (s *inProcessSpawner) crash(id model.StreamID) {
	sw := s.get(id)
	if sw == nil {
		return
	}
	sw.cancel()
	sw.link.Close()
}

// runFakeWorkerProcess mirrors cmd/worker's bootstrap: block for the
// "configure" notification, then hand off to the real worker.Runner. A
// real pipeline's buffer probe would call Runner.AddBytes as data flows
// through it; since the media graph itself is out of scope here, this
// drives the same hook with a steady synthetic trickle so statistic_stream
// reports a non-zero input bitrate.
func runFakeWorkerProcess(ctx context.Context, link *pipeLink, region *stats.Region) {
	msg, err := link.ReadMessage()
	if err != nil || msg.Kind != rpcwire.KindNotification || msg.Notification.Method != "configure" {
		return
	}
	var cfg model.Config
	if err := json.Unmarshal([]byte(msg.Notification.Params), &cfg); err != nil {
		return
	}

	r, err := worker.NewRunner(cfg, region, link, zerolog.Nop(), 20*time.Millisecond)
	if err != nil {
		return
	}

	if len(cfg.Inputs) > 0 {
		go func() {
			ticker := time.NewTicker(10 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					r.AddBytes(0, 2048)
				}
			}
		}()
	}

	_ = r.Run(ctx)
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
