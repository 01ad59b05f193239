package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fastogt/iptv-daemon/internal/model"
	"github.com/fastogt/iptv-daemon/internal/rpcwire"
	"github.com/fastogt/iptv-daemon/internal/stats"
)

// pipeLink wraps one end of a net.Pipe() as a WorkerLink, giving tests a
// real (in-memory) control socket without spawning an OS process.
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

// fakeSpawner hands out net.Pipe()-backed links instead of forking a real
// process; the "worker" side of each pipe is returned to the test so it
// can act like cmd/worker would.
type fakeSpawner struct {
	mu       sync.Mutex
	nextPID  int
	workers  map[model.StreamID]*pipeLink // worker-side end, keyed by stream id
	failNext bool
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{nextPID: 100, workers: make(map[model.StreamID]*pipeLink)}
}

func (f *fakeSpawner) Spawn(cfg model.Config, region *stats.Region) (int, WorkerLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return 0, nil, fmt.Errorf("injected spawn failure")
	}
	parent, child := net.Pipe()
	childLink := newPipeLink(child)
	f.nextPID++
	f.workers[cfg.ID] = childLink
	// A real cmd/worker blocks reading its first ("configure") message
	// before doing anything else; drain it here so the supervisor's
	// synchronous write over the unbuffered net.Pipe doesn't deadlock the
	// caller. Tests read whatever arrives after that on workerSide(id).
	go childLink.ReadMessage()
	return f.nextPID, newPipeLink(parent), nil
}

func (f *fakeSpawner) workerSide(id model.StreamID) *pipeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workers[id]
}

func testConfig(id string) string {
	cfg := model.Config{
		ID:   model.StreamID(id),
		Type: model.ENCODE,
		Inputs: []model.InputURI{
			{ID: 1, Scheme: model.SchemeTest, URL: "test://"},
		},
		Outputs: []model.OutputURI{
			{ID: 1, Scheme: model.SchemeFile, URL: "/tmp/" + id + ".ts"},
		},
		FeedbackDir: "/tmp",
	}
	raw, _ := json.Marshal(cfg)
	return string(raw)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestStartStreamRegistersWorker(t *testing.T) {
	spawner := newFakeSpawner()
	s := New(spawner, zerolog.Nop())
	defer s.Stop()

	resp := s.Dispatch(context.Background(), rpcwire.Request{Seq: 1, Method: "start_stream", Params: testConfig("s1")}, nil)
	if !resp.Response.IsOk() {
		t.Fatalf("start_stream failed: %+v", resp.Response.Err)
	}
	if _, ok := s.Registry().Get("s1"); !ok {
		t.Fatal("expected stream s1 registered")
	}
}

func TestStartStreamDuplicateIsAlreadyExists(t *testing.T) {
	spawner := newFakeSpawner()
	s := New(spawner, zerolog.Nop())
	defer s.Stop()

	s.Dispatch(context.Background(), rpcwire.Request{Seq: 1, Method: "start_stream", Params: testConfig("dup")}, nil)
	resp := s.Dispatch(context.Background(), rpcwire.Request{Seq: 2, Method: "start_stream", Params: testConfig("dup")}, nil)
	if resp.Response.IsOk() {
		t.Fatal("expected second start_stream to fail")
	}
	if resp.Response.Err.Code != "AlreadyExists" {
		t.Fatalf("expected AlreadyExists, got %s", resp.Response.Err.Code)
	}
}

func TestStartStreamSpawnFailureIsErr(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.failNext = true
	s := New(spawner, zerolog.Nop())
	defer s.Stop()

	resp := s.Dispatch(context.Background(), rpcwire.Request{Seq: 1, Method: "start_stream", Params: testConfig("fails")}, nil)
	if resp.Response.IsOk() {
		t.Fatal("expected spawn failure to surface as Err")
	}
}

func TestStopStreamUnknownIsNotFound(t *testing.T) {
	spawner := newFakeSpawner()
	s := New(spawner, zerolog.Nop())
	defer s.Stop()

	raw, _ := json.Marshal(streamIDParams{ID: "ghost"})
	resp := s.Dispatch(context.Background(), rpcwire.Request{Seq: 1, Method: "stop_stream", Params: string(raw)}, nil)
	if resp.Response.IsOk() || resp.Response.Err.Code != "NotFound" {
		t.Fatalf("expected NotFound, got %+v", resp.Response)
	}
}

func TestStopStreamSendsNotificationToWorker(t *testing.T) {
	spawner := newFakeSpawner()
	s := New(spawner, zerolog.Nop())
	defer s.Stop()

	s.Dispatch(context.Background(), rpcwire.Request{Seq: 1, Method: "start_stream", Params: testConfig("s2")}, nil)
	worker := spawner.workerSide("s2")

	done := make(chan rpcwire.Message, 1)
	go func() {
		msg, err := worker.ReadMessage()
		if err == nil {
			done <- msg
		}
	}()

	raw, _ := json.Marshal(streamIDParams{ID: "s2"})
	resp := s.Dispatch(context.Background(), rpcwire.Request{Seq: 2, Method: "stop_stream", Params: string(raw)}, nil)
	if !resp.Response.IsOk() {
		t.Fatalf("stop_stream failed: %+v", resp.Response.Err)
	}

	select {
	case msg := <-done:
		if msg.Kind != rpcwire.KindNotification || msg.Notification.Method != "stop" {
			t.Fatalf("expected stop notification, got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stop notification")
	}
}

func TestStateServiceReportsRegisteredWorkers(t *testing.T) {
	spawner := newFakeSpawner()
	s := New(spawner, zerolog.Nop())
	defer s.Stop()

	s.Dispatch(context.Background(), rpcwire.Request{Seq: 1, Method: "start_stream", Params: testConfig("s3")}, nil)
	resp := s.Dispatch(context.Background(), rpcwire.Request{Seq: 2, Method: "state_service", Params: ""}, nil)
	if !resp.Response.IsOk() {
		t.Fatalf("state_service failed: %+v", resp.Response.Err)
	}
	var result stateServiceResult
	if err := json.Unmarshal([]byte(resp.Response.Result), &result); err != nil {
		t.Fatalf("unmarshal state_service result: %v", err)
	}
	if len(result.Workers) != 1 || result.Workers[0].ID != "s3" {
		t.Fatalf("unexpected state_service result: %+v", result)
	}
}

func TestWorkerDisconnectTriggersRestart(t *testing.T) {
	spawner := newFakeSpawner()
	s := New(spawner, zerolog.Nop())
	defer s.Stop()

	s.Dispatch(context.Background(), rpcwire.Request{Seq: 1, Method: "start_stream", Params: testConfig("s4")}, nil)
	entry, _ := s.Registry().Get("s4")
	entry.RestartsLeft = 2

	worker := spawner.workerSide("s4")
	worker.Close() // simulate the worker process dying

	waitFor(t, 2*time.Second, func() bool {
		_, ok := s.Registry().Get("s4")
		return ok && spawner.workerSide("s4") != worker
	})
}

func TestWorkerDisconnectExhaustedRestartsRemovesEntry(t *testing.T) {
	spawner := newFakeSpawner()
	s := New(spawner, zerolog.Nop())
	defer s.Stop()

	s.Dispatch(context.Background(), rpcwire.Request{Seq: 1, Method: "start_stream", Params: testConfig("s5")}, nil)
	entry, _ := s.Registry().Get("s5")
	entry.RestartsLeft = 0

	worker := spawner.workerSide("s5")
	worker.Close()

	waitFor(t, 2*time.Second, func() bool {
		_, ok := s.Registry().Get("s5")
		return !ok
	})
}

func TestActivateReturnsFingerprint(t *testing.T) {
	spawner := newFakeSpawner()
	s := New(spawner, zerolog.Nop())
	defer s.Stop()

	resp := s.Dispatch(context.Background(), rpcwire.Request{Seq: 1, Method: "activate", Params: `{"license":"abc"}`}, nil)
	if !resp.Response.IsOk() {
		t.Fatalf("activate failed: %+v", resp.Response.Err)
	}
	var res activateResult
	if err := json.Unmarshal([]byte(resp.Response.Result), &res); err != nil {
		t.Fatalf("unmarshal activate result: %v", err)
	}
	if res.Fingerprint == "" {
		t.Fatal("expected a non-empty fingerprint")
	}
}

func TestActivateRejectedByLicenseChecker(t *testing.T) {
	spawner := newFakeSpawner()
	s := New(spawner, zerolog.Nop(), WithLicenseChecker(denyLicense{}))
	defer s.Stop()

	resp := s.Dispatch(context.Background(), rpcwire.Request{Seq: 1, Method: "activate", Params: `{"license":"bad"}`}, nil)
	if resp.Response.IsOk() || resp.Response.Err.Code != "Unauthorized" {
		t.Fatalf("expected Unauthorized, got %+v", resp.Response)
	}
}

type denyLicense struct{}

func (denyLicense) Check(string) error { return fmt.Errorf("denied") }

func TestUnknownMethodIsInvalidMessage(t *testing.T) {
	spawner := newFakeSpawner()
	s := New(spawner, zerolog.Nop())
	defer s.Stop()

	resp := s.Dispatch(context.Background(), rpcwire.Request{Seq: 1, Method: "not_a_method", Params: ""}, nil)
	if resp.Response.IsOk() || resp.Response.Err.Code != "InvalidMessage" {
		t.Fatalf("expected InvalidMessage, got %+v", resp.Response)
	}
}

func TestRestartBackoffGrowsAndCaps(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{10, MaxRestartBackoff},
	}
	for _, c := range cases {
		if got := restartBackoff(c.attempt); got != c.want {
			t.Errorf("restartBackoff(%d) = %s, want %s", c.attempt, got, c.want)
		}
	}
}
