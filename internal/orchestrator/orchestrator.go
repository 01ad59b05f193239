// Package orchestrator implements the orchestrator adapter (C8): an
// outbound client that dials the upstream orchestrator and carries the
// daemon's outbound notifications (statistic_service, quit_status_stream,
// changed_sources_stream, statistic_stream), reconnecting with exponential
// backoff on drop. Its Request call supports a request/reply exchange, but
// cmd/daemon sends none, so no activation handshake goes upstream.
package orchestrator

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/fastogt/iptv-daemon/internal/errors"
	"github.com/fastogt/iptv-daemon/internal/rpcwire"
)

// Dialer opens the transport connection to the upstream orchestrator;
// production wires net.Dialer.DialContext, tests inject a net.Pipe or
// in-memory listener.
type Dialer func(ctx context.Context) (net.Conn, error)

// Status is the client's current connection state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

// MaxBackoff caps the reconnect delay (spec §4.5's restart backoff shape
// reused here: min(2^attempt, max) seconds).
const MaxBackoff = 60 * time.Second

// pendingEntry is one outbound request awaiting a reply.
type pendingEntry struct {
	replyCh  chan rpcwire.Response
	deadline time.Time
}

// Client is the C8 adapter. One Client serves the single upstream
// connection for the life of the daemon process.
type Client struct {
	dial   Dialer
	logger zerolog.Logger
	seq    rpcwire.SeqSource

	mu      sync.Mutex
	status  Status
	conn    net.Conn
	writer  *rpcwire.Writer
	pending map[int64]pendingEntry
}

// New constructs a Client around dial.
func New(dial Dialer, logger zerolog.Logger) *Client {
	return &Client{
		dial:    dial,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
		pending: make(map[int64]pendingEntry),
	}
}

// Status reports the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Run maintains the connection until ctx is cancelled: connect, read
// responses and route them to pending callers, and reconnect with
// exponential backoff on any read/dial failure.
func (c *Client) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connectAndServe(ctx); err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("orchestrator connection lost")
		}
		c.failPending(apperrors.NewPeerGone("orchestrator.run", nil))

		backoff := backoffFor(attempt)
		attempt++
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func backoffFor(attempt int) time.Duration {
	d := time.Second
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= MaxBackoff {
			return MaxBackoff
		}
	}
	return d
}

func (c *Client) connectAndServe(ctx context.Context) error {
	c.mu.Lock()
	c.status = StatusConnecting
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	reader := rpcwire.NewReader(conn)
	writer := rpcwire.NewWriter(conn)

	c.mu.Lock()
	c.conn = conn
	c.writer = writer
	c.status = StatusConnected
	c.mu.Unlock()

	c.logger.Info().Msg("orchestrator connected")

	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			return err
		}
		if msg.Kind == rpcwire.KindResponse {
			c.routeResponse(*msg.Response)
		}
	}
}

func (c *Client) routeResponse(resp rpcwire.Response) {
	c.mu.Lock()
	entry, ok := c.pending[resp.Seq]
	if ok {
		delete(c.pending, resp.Seq)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Warn().Int64("seq", resp.Seq).Msg("response for unknown seq")
		return
	}
	entry.replyCh <- resp
}

func (c *Client) failPending(cause error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]pendingEntry)
	c.status = StatusDisconnected
	c.mu.Unlock()

	for _, entry := range pending {
		entry.replyCh <- rpcwire.Response{Err: &rpcwire.WireError{Code: apperrors.KindOf(cause), Message: cause.Error()}}
	}
}

// Request sends method/params and blocks for a reply or ctx's deadline.
func (c *Client) Request(ctx context.Context, method string, params any) (rpcwire.Response, error) {
	c.mu.Lock()
	if c.status != StatusConnected {
		c.mu.Unlock()
		return rpcwire.Response{}, apperrors.NewPeerGone("orchestrator.request", nil)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		c.mu.Unlock()
		return rpcwire.Response{}, apperrors.NewInternal("orchestrator.request", err)
	}
	seq := c.seq.Next()
	replyCh := make(chan rpcwire.Response, 1)
	c.pending[seq] = pendingEntry{replyCh: replyCh}
	writer := c.writer
	c.mu.Unlock()

	if err := writer.WriteMessage(rpcwire.NewRequestMessage(seq, method, string(raw))); err != nil {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		return rpcwire.Response{}, apperrors.NewIO("orchestrator.request", err)
	}

	select {
	case resp := <-replyCh:
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		return rpcwire.Response{}, apperrors.NewTimeout("orchestrator.request", ctx.Err())
	}
}

// Notify sends a fire-and-forget notification upstream (statistic_service,
// quit_status_stream, changed_sources_stream, statistic_stream). When
// disconnected it sends nothing and returns a PeerGone error — outbound
// telemetry is best-effort, never buffered across reconnects.
func (c *Client) Notify(method string, params any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusConnected {
		return apperrors.NewPeerGone("orchestrator.notify", nil)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return apperrors.NewInternal("orchestrator.notify", err)
	}
	return c.writer.WriteMessage(rpcwire.NewNotificationMessage(method, string(raw)))
}
