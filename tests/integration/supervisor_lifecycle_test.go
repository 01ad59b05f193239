package integration

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fastogt/iptv-daemon/internal/model"
	"github.com/fastogt/iptv-daemon/internal/rpcwire"
	"github.com/fastogt/iptv-daemon/internal/supervisor"
	"github.com/fastogt/iptv-daemon/internal/transport"
)

func newControlEndpoint(t *testing.T) (sock string, super *supervisor.Supervisor, spawner *inProcessSpawner) {
	t.Helper()
	spawner = newInProcessSpawner()
	super = supervisor.New(spawner, zerolog.Nop(), supervisor.WithStatsInterval(20*time.Millisecond))
	t.Cleanup(super.Stop)

	sock = filepath.Join(t.TempDir(), "control.sock")
	srv := transport.New("unix", sock, zerolog.Nop(), func(id string, conn net.Conn) {
		defer conn.Close()
		reader := rpcwire.NewReader(conn)
		writer := rpcwire.NewWriter(conn)
		ctx := context.Background()
		for {
			msg, err := reader.ReadMessage()
			if err != nil {
				return
			}
			if msg.Kind != rpcwire.KindRequest {
				continue
			}
			resp := super.Dispatch(ctx, *msg.Request, writer.WriteMessage)
			if err := writer.WriteMessage(resp); err != nil {
				return
			}
		}
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("transport.Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return sock, super, spawner
}

func encodeStartStreamConfig(id string) string {
	cfg := model.Config{
		ID:   model.StreamID(id),
		Type: model.ENCODE,
		Inputs: []model.InputURI{
			{ID: 1, Scheme: model.SchemeTest, URL: "test://"},
		},
		Outputs: []model.OutputURI{
			{ID: 1, Scheme: model.SchemeFile, URL: "file:///tmp/" + id + ".ts"},
		},
		FeedbackDir:  "/tmp",
		RestartsLeft: 3,
	}
	raw, _ := json.Marshal(cfg)
	return string(raw)
}

// Scenario 3: starting an ENCODE stream yields, within a couple of
// seconds, a worker-reported status of INIT or PLAYING and a positive
// input bitrate, observed via state_service (the supervisor only relays
// statistic_stream over the wire to an upstream orchestrator connection,
// which this test doesn't register).
func TestStatsPublicationAfterStartStream(t *testing.T) {
	sock, _, _ := newControlEndpoint(t)
	c := dial(t, sock)
	defer c.conn.Close()

	resp := c.call(t, "start_stream", encodeStartStreamConfig("s42"))
	if !resp.IsOk() {
		t.Fatalf("start_stream failed: %+v", resp.Err)
	}

	type workerState struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		LastStats *struct {
			Status    string   `json:"status"`
			InputsBps []uint64 `json:"inputs_bps"`
		} `json:"last_stats"`
	}
	type stateServiceResult struct {
		Workers []workerState `json:"workers"`
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp := c.call(t, "state_service", "")
		if resp.IsOk() {
			var result stateServiceResult
			if err := json.Unmarshal([]byte(resp.Result), &result); err != nil {
				t.Fatalf("unmarshal state_service: %v", err)
			}
			for _, w := range result.Workers {
				if w.ID != "s42" || w.LastStats == nil {
					continue
				}
				if w.LastStats.Status != "INIT" && w.LastStats.Status != "PLAYING" {
					t.Fatalf("unexpected status: %s", w.LastStats.Status)
				}
				if len(w.LastStats.InputsBps) == 0 || w.LastStats.InputsBps[0] == 0 {
					t.Fatalf("expected a positive input bitrate, got %+v", w.LastStats.InputsBps)
				}
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("timed out waiting for statistic_stream-derived state")
}

// Scenario 4: restart_stream keeps the same worker pid. The worker's
// INIT-then-PLAYING re-announcement is not observed here.
func TestRestartStreamKeepsWorkerPID(t *testing.T) {
	sock, _, spawner := newControlEndpoint(t)
	c := dial(t, sock)
	defer c.conn.Close()

	resp := c.call(t, "start_stream", encodeStartStreamConfig("s42"))
	if !resp.IsOk() {
		t.Fatalf("start_stream failed: %+v", resp.Err)
	}

	waitForCondition(t, time.Second, func() bool { return spawner.get("s42") != nil })
	pidBefore := spawner.get("s42").pid

	resp = c.call(t, "restart_stream", `{"id":"s42"}`)
	if !resp.IsOk() {
		t.Fatalf("restart_stream failed: %+v", resp.Err)
	}

	time.Sleep(100 * time.Millisecond)
	if pidAfter := spawner.get("s42").pid; pidAfter != pidBefore {
		t.Fatalf("expected pid to stay %d, got %d", pidBefore, pidAfter)
	}
}

// Scenario 5: a worker that disappears without a graceful stop gets
// re-spawned by the supervisor after backoff.
func TestCrashedWorkerIsRespawned(t *testing.T) {
	sock, super, spawner := newControlEndpoint(t)
	c := dial(t, sock)
	defer c.conn.Close()

	resp := c.call(t, "start_stream", encodeStartStreamConfig("s99"))
	if !resp.IsOk() {
		t.Fatalf("start_stream failed: %+v", resp.Err)
	}

	waitForCondition(t, time.Second, func() bool { return spawner.get("s99") != nil })
	firstPID := spawner.get("s99").pid

	spawner.crash("s99")

	waitForCondition(t, 3*time.Second, func() bool {
		_, ok := super.Registry().Get("s99")
		sw := spawner.get("s99")
		return ok && sw != nil && sw.pid != firstPID
	})
}
