package supervisor

import (
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/fastogt/iptv-daemon/internal/rpcwire"
)

// wireLink implements WorkerLink over a net.Conn using the length-prefixed
// JSON-RPC codec. ProcessSpawner also reports the forked child's reap
// result through it, so it doubles as an ExitWaiter.
type wireLink struct {
	conn   net.Conn
	reader *rpcwire.Reader
	writer *rpcwire.Writer

	exitOnce   sync.Once
	exitDone   chan struct{}
	exitCode   int
	exitSignal int
}

func newWireLink(conn net.Conn) *wireLink {
	return &wireLink{
		conn:     conn,
		reader:   rpcwire.NewReader(conn),
		writer:   rpcwire.NewWriter(conn),
		exitDone: make(chan struct{}),
	}
}

func (l *wireLink) ReadMessage() (rpcwire.Message, error) { return l.reader.ReadMessage() }
func (l *wireLink) WriteMessage(m rpcwire.Message) error  { return l.writer.WriteMessage(m) }
func (l *wireLink) Close() error                          { return l.conn.Close() }

// setExit records the reaped child's exit code/signal and unblocks any
// WaitExit call. Safe to call once from the ProcessSpawner's cmd.Wait
// goroutine.
func (l *wireLink) setExit(state *os.ProcessState) {
	l.exitOnce.Do(func() {
		l.exitCode, l.exitSignal = exitInfo(state)
		close(l.exitDone)
	})
}

// WaitExit blocks until the child has been reaped and returns its exit
// code (-1 if killed by a signal) and the signal that killed it (0 if it
// exited normally).
func (l *wireLink) WaitExit() (exitCode int, signal int) {
	<-l.exitDone
	return l.exitCode, l.exitSignal
}

// ExitWaiter is implemented by a WorkerLink backed by a real OS process.
// superviseWorker type-asserts for it once a worker's control connection
// drops, to learn whether the exit was clean or abnormal (spec §4.5
// restart policy); links with no real process behind them (tests) don't
// implement it and are treated as an abnormal exit by default.
type ExitWaiter interface {
	WaitExit() (exitCode int, signal int)
}

// exitInfo translates a reaped child's os.ProcessState into (exitCode,
// signal): exitCode is -1 and signal is non-zero when the process was
// killed by a signal, otherwise signal is 0 and exitCode is its normal
// exit status.
func exitInfo(state *os.ProcessState) (exitCode int, signal int) {
	if state == nil {
		return -1, 0
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return -1, int(ws.Signal())
		}
		return ws.ExitStatus(), 0
	}
	return state.ExitCode(), 0
}
