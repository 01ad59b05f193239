package supervisor

import (
	"sync"

	"github.com/fastogt/iptv-daemon/internal/model"
	"github.com/fastogt/iptv-daemon/internal/rpcwire"
	"github.com/fastogt/iptv-daemon/internal/stats"
	"github.com/fastogt/iptv-daemon/internal/worker"
)

// WorkerLink is the supervisor-side half of a worker's control socket.
type WorkerLink interface {
	ReadMessage() (rpcwire.Message, error)
	WriteMessage(rpcwire.Message) error
	Close() error
}

// pendingEntry is one outbound request (to a worker or upstream) awaiting a
// reply. No supervisor->worker method currently expects one back (stop and
// restart both go out as Notifications, per DESIGN.md); this stays in place
// so a future reply-expecting request has somewhere to register.
type pendingEntry struct {
	callback func(rpcwire.Response)
}

// WorkerEntry is the supervisor's record of one live or restarting stream
// worker (spec §3 "Worker entry").
type WorkerEntry struct {
	StreamID     model.StreamID
	Config       model.Config
	Region       *stats.Region
	PID          int
	Link         WorkerLink
	RestartsLeft int
	LastStatus   stats.Status
	Terminated   bool
	// Stopping is set once the supervisor has itself asked this worker to
	// exit (stop_stream or Shutdown), so its next reap is never mistaken
	// for an abnormal exit that should be restarted (spec §4.5).
	Stopping bool
	attempt  int

	mu        sync.Mutex
	pending   map[int64]pendingEntry
	lastStats *worker.StatisticStreamParams
}

func newWorkerEntry(cfg model.Config, region *stats.Region, pid int, link WorkerLink) *WorkerEntry {
	restarts := cfg.RestartsLeft
	if restarts == 0 {
		restarts = model.DefaultRestarts
	}
	return &WorkerEntry{
		StreamID:     cfg.ID,
		Config:       cfg,
		Region:       region,
		PID:          pid,
		Link:         link,
		RestartsLeft: restarts,
		pending:      make(map[int64]pendingEntry),
	}
}

// resolve invokes and removes the pending callback for seq, reporting
// whether one was found (an unknown seq is logged at WARN by the caller).
func (w *WorkerEntry) resolve(resp rpcwire.Response) bool {
	w.mu.Lock()
	entry, ok := w.pending[resp.Seq]
	if ok {
		delete(w.pending, resp.Seq)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	entry.callback(resp)
	return true
}

// cancelAllPending completes every pending entry with cause, used when the
// worker's connection is gone (spec §5 "connection reset cancels all
// pending entries scoped to it with PeerGone").
func (w *WorkerEntry) cancelAllPending(resp rpcwire.Response) {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[int64]pendingEntry)
	w.mu.Unlock()
	for _, entry := range pending {
		entry.callback(resp)
	}
}

// isTerminated/markTerminated guard the flag respawn and Shutdown both
// race to read/write.
func (w *WorkerEntry) isTerminated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Terminated
}

func (w *WorkerEntry) markTerminated() {
	w.mu.Lock()
	w.Terminated = true
	w.mu.Unlock()
}

// isStopping/markStopping guard the flag that distinguishes a worker exit
// the supervisor itself requested (stop_stream, Shutdown) from one it
// didn't, so onWorkerExit never restarts a deliberately stopped stream.
func (w *WorkerEntry) isStopping() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Stopping
}

func (w *WorkerEntry) markStopping() {
	w.mu.Lock()
	w.Stopping = true
	w.mu.Unlock()
}

// snapshotLive returns the current pid/link/region under lock, for a
// caller about to act on them (write a notification, kill, snapshot).
func (w *WorkerEntry) snapshotLive() (pid int, link WorkerLink, region *stats.Region) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.PID, w.Link, w.Region
}

// replaceLive installs a freshly spawned process/link/region after a
// restart, clearing Terminated/Stopping, and returns the region it
// replaced.
func (w *WorkerEntry) replaceLive(pid int, link WorkerLink, region *stats.Region) *stats.Region {
	w.mu.Lock()
	defer w.mu.Unlock()
	old := w.Region
	w.PID = pid
	w.Link = link
	w.Region = region
	w.Terminated = false
	w.Stopping = false
	return old
}

// setLastStats records the most recent statistic_stream payload a worker
// reported, used in place of reading the C2 region directly (see
// DESIGN.md's shared-memory-across-exec resolution).
func (w *WorkerEntry) setLastStats(p worker.StatisticStreamParams) {
	w.mu.Lock()
	w.lastStats = &p
	w.mu.Unlock()
}

func (w *WorkerEntry) getLastStats() *worker.StatisticStreamParams {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastStats
}

func (w *WorkerEntry) getRestartsLeft() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.RestartsLeft
}

// takeRestart decrements RestartsLeft and bumps the backoff attempt
// counter, reporting whether a restart is still permitted.
func (w *WorkerEntry) takeRestart() (attempt int, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.RestartsLeft <= 0 {
		return w.attempt, false
	}
	w.RestartsLeft--
	attempt = w.attempt
	w.attempt++
	return attempt, true
}

// Registry is the supervisor's worker table, keyed by stream id.
type Registry struct {
	mu      sync.RWMutex
	workers map[model.StreamID]*WorkerEntry
}

func NewRegistry() *Registry {
	return &Registry{workers: make(map[model.StreamID]*WorkerEntry)}
}

func (r *Registry) Put(w *WorkerEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[w.StreamID] = w
}

func (r *Registry) Get(id model.StreamID) (*WorkerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	return w, ok
}

func (r *Registry) Remove(id model.StreamID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, id)
}

func (r *Registry) All() []*WorkerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*WorkerEntry, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}
