package orchestrator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fastogt/iptv-daemon/internal/rpcwire"
)

func pipeDialer(server net.Conn) Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		return server, nil
	}
}

func TestRequestRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	c := New(pipeDialer(clientConn), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// serve one request: read it, reply Ok.
	go func() {
		r := rpcwire.NewReader(serverConn)
		w := rpcwire.NewWriter(serverConn)
		msg, err := r.ReadMessage()
		if err != nil || msg.Request == nil {
			return
		}
		w.WriteMessage(rpcwire.NewOkResponse(msg.Request.Seq, `{"fingerprint":"abc"}`))
	}()

	waitConnected(t, c)

	reqCtx, reqCancel := context.WithTimeout(context.Background(), time.Second)
	defer reqCancel()
	resp, err := c.Request(reqCtx, "activate", map[string]string{"license": "x"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !resp.IsOk() || resp.Result != `{"fingerprint":"abc"}` {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestNotifyWhileDisconnectedIsPeerGone(t *testing.T) {
	c := New(func(ctx context.Context) (net.Conn, error) { return nil, context.DeadlineExceeded }, zerolog.Nop())
	if err := c.Notify("statistic_service", map[string]int{"x": 1}); err == nil {
		t.Fatalf("expected error notifying while disconnected")
	}
}

func TestBackoffForGrowsAndCaps(t *testing.T) {
	if backoffFor(0) != time.Second {
		t.Fatalf("attempt 0 = %v, want 1s", backoffFor(0))
	}
	if backoffFor(1) != 2*time.Second {
		t.Fatalf("attempt 1 = %v, want 2s", backoffFor(1))
	}
	if backoffFor(10) != MaxBackoff {
		t.Fatalf("attempt 10 = %v, want capped at %v", backoffFor(10), MaxBackoff)
	}
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.Status() == StatusConnected {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("client never reached connected state")
}
