// Package subscriber implements the subscriber handler (C6): the
// end-user-facing RPC endpoint, its per-connection auth state, the
// user_id-keyed connection registry, and the 60s liveness ping.
package subscriber

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	apperrors "github.com/fastogt/iptv-daemon/internal/errors"
	"github.com/fastogt/iptv-daemon/internal/rpcwire"
	"github.com/fastogt/iptv-daemon/internal/userdir"
)

// DefaultPingInterval is ping_timeout_clients from spec §4.6.
const DefaultPingInterval = 60 * time.Second

// ChannelType mirrors the fixed vocabulary client_get_runtime_channel_info
// reports.
const ChannelTypeOfficial = "OFFICIAL"

// Link is the connection-side transport a Connection writes to / is
// identified by; cmd/daemon satisfies it with an rpcwire.Writer plus the
// net.Conn it wraps.
type Link interface {
	WriteMessage(rpcwire.Message) error
	Close() error
}

// ServerAuthInfo is the identity a connection is stamped with on a
// successful client_activate (spec §3's "Subscriber connection").
type ServerAuthInfo struct {
	UserID   string
	Login    string
	DeviceID string
	Channels []string
}

// Connection is one subscriber socket's server-side state.
type Connection struct {
	ID   string
	Link Link

	mu            sync.Mutex
	auth          *ServerAuthInfo
	currentStream string
}

func newConnection(id string, link Link) *Connection {
	return &Connection{ID: id, Link: link}
}

func (c *Connection) setAuth(a ServerAuthInfo) {
	c.mu.Lock()
	c.auth = &a
	c.mu.Unlock()
}

func (c *Connection) Auth() *ServerAuthInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth
}

func (c *Connection) setCurrentStream(id string) {
	c.mu.Lock()
	c.currentStream = id
	c.mu.Unlock()
}

func (c *Connection) CurrentStream() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentStream
}

// activateParams/Result mirror spec §4.6's AuthInfo and the
// empty-result-on-success shape the scenario in §8 expects
// ({"id":"1","result":""}).
type activateParams struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	DeviceID string `json:"device_id"`
}

type channelsResult struct {
	Channels []string `json:"channels"`
}

type runtimeChannelInfoParams struct {
	ChannelID string `json:"channel_id"`
}

type runtimeChannelInfoResult struct {
	ChannelID     string `json:"channel_id"`
	WatchersCount int    `json:"watchers_count"`
	ChannelType   string `json:"channel_type"`
}

type serverInfoResult struct {
	BandwidthHost   string `json:"bandwidth_host"`
	ProtocolVersion string `json:"protocol_version"`
	PingIntervalSec int    `json:"ping_interval_sec"`
}

// Handler is the C6 component: shared across every accepted connection.
type Handler struct {
	directory       *userdir.Directory
	logger          zerolog.Logger
	bandwidthHost   string
	protocolVersion string
	pingInterval    time.Duration

	mu           sync.Mutex
	byUser       map[string]map[*Connection]struct{}
	byUserDevice map[string]*Connection // key: userID + "\x00" + deviceID

	seq       rpcwire.SeqSource
	pingCron  *cron.Cron
}

// Option configures a Handler at construction.
type Option func(*Handler)

func WithBandwidthHost(host string) Option { return func(h *Handler) { h.bandwidthHost = host } }
func WithProtocolVersion(v string) Option  { return func(h *Handler) { h.protocolVersion = v } }
func WithPingInterval(d time.Duration) Option {
	return func(h *Handler) { h.pingInterval = d }
}

// New constructs a Handler backed by directory and starts its liveness
// ping cron job.
func New(directory *userdir.Directory, logger zerolog.Logger, opts ...Option) *Handler {
	h := &Handler{
		directory:       directory,
		logger:          logger.With().Str("component", "subscriber").Logger(),
		protocolVersion: "1.0",
		pingInterval:    DefaultPingInterval,
		byUser:          make(map[string]map[*Connection]struct{}),
		byUserDevice:    make(map[string]*Connection),
	}
	for _, o := range opts {
		o(h)
	}
	h.pingCron = cron.New()
	spec := fmt.Sprintf("@every %s", h.pingInterval)
	if _, err := h.pingCron.AddFunc(spec, h.pingAll); err != nil {
		h.logger.Error().Err(err).Str("spec", spec).Msg("failed scheduling client liveness ping")
	}
	h.pingCron.Start()
	return h
}

// Stop releases the Handler's background cron.
func (h *Handler) Stop() { h.pingCron.Stop() }

func userDeviceKey(userID, deviceID string) string { return userID + "\x00" + deviceID }

// NewConnection wraps link in a Connection the Handler can dispatch
// requests against and, later, unregister on Close.
func (h *Handler) NewConnection(id string, link Link) *Connection {
	return newConnection(id, link)
}

// Dispatch handles one request from conn, returning the Response to send
// back. Pre-activation, every method but client_activate is rejected as
// Unauthorized.
func (h *Handler) Dispatch(ctx context.Context, conn *Connection, req rpcwire.Request) rpcwire.Message {
	result, err := h.dispatch(ctx, conn, req)
	if err != nil {
		kind := apperrors.KindOf(err)
		msg := err.Error()
		if rpcErr, ok := err.(*apperrors.RPCError); ok {
			msg = rpcErr.Message()
		}
		return rpcwire.NewErrResponse(req.Seq, kind, msg)
	}
	return rpcwire.NewOkResponse(req.Seq, result)
}

func (h *Handler) dispatch(ctx context.Context, conn *Connection, req rpcwire.Request) (string, error) {
	if req.Method == "client_activate" {
		return h.handleActivate(conn, req.Params)
	}

	if conn.Auth() == nil {
		return "", apperrors.NewUnauthorized(req.Method, fmt.Errorf("connection not activated"))
	}

	switch req.Method {
	case "client_ping":
		return "", nil
	case "client_get_server_info":
		return h.handleGetServerInfo()
	case "client_get_channels":
		return h.handleGetChannels(conn)
	case "client_get_runtime_channel_info":
		return h.handleRuntimeChannelInfo(conn, req.Params)
	default:
		return "", apperrors.NewInvalidMessage("subscriber.dispatch", fmt.Errorf("unknown method %q", req.Method))
	}
}

func (h *Handler) handleActivate(conn *Connection, params string) (string, error) {
	var p activateParams
	if err := json.Unmarshal([]byte(params), &p); err != nil {
		return "", apperrors.NewInvalidMessage("client_activate", err)
	}

	info, err := h.directory.FindUser(userdir.AuthInfo{Login: p.Login, Password: p.Password, DeviceID: p.DeviceID})
	if err != nil {
		// The literal message is the spec's own wire text (see §8 scenario
		// 1-2), not "client_activate: <cause>" — RPCError.Message() falls
		// back to Op verbatim when no cause is set.
		return "", apperrors.NewNotFound("Not found", nil)
	}

	deviceKnown := false
	for _, d := range info.Devices {
		if d == p.DeviceID {
			deviceKnown = true
			break
		}
	}
	if !deviceKnown {
		return "", apperrors.NewUnauthorized("Unknown device reject", nil)
	}
	if info.Banned {
		return "", apperrors.NewUnauthorized("Banned user", nil)
	}

	h.mu.Lock()
	key := userDeviceKey(info.UserID, p.DeviceID)
	if _, exists := h.byUserDevice[key]; exists {
		h.mu.Unlock()
		return "", apperrors.NewAlreadyExists("Double connection reject", nil)
	}
	auth := ServerAuthInfo{UserID: info.UserID, Login: p.Login, DeviceID: p.DeviceID, Channels: info.Channels}
	if h.byUser[info.UserID] == nil {
		h.byUser[info.UserID] = make(map[*Connection]struct{})
	}
	h.byUser[info.UserID][conn] = struct{}{}
	h.byUserDevice[key] = conn
	h.mu.Unlock()

	conn.setAuth(auth)
	return "", nil
}

func (h *Handler) handleGetServerInfo() (string, error) {
	res := serverInfoResult{
		BandwidthHost:   h.bandwidthHost,
		ProtocolVersion: h.protocolVersion,
		PingIntervalSec: int(h.pingInterval / time.Second),
	}
	raw, _ := json.Marshal(res)
	return string(raw), nil
}

func (h *Handler) handleGetChannels(conn *Connection) (string, error) {
	res := channelsResult{Channels: conn.Auth().Channels}
	raw, _ := json.Marshal(res)
	return string(raw), nil
}

func (h *Handler) handleRuntimeChannelInfo(conn *Connection, params string) (string, error) {
	var p runtimeChannelInfoParams
	if err := json.Unmarshal([]byte(params), &p); err != nil {
		return "", apperrors.NewInvalidMessage("client_get_runtime_channel_info", err)
	}
	conn.setCurrentStream(p.ChannelID)

	watchers := h.countWatchers(p.ChannelID)
	res := runtimeChannelInfoResult{ChannelID: p.ChannelID, WatchersCount: watchers, ChannelType: ChannelTypeOfficial}
	raw, _ := json.Marshal(res)
	return string(raw), nil
}

func (h *Handler) countWatchers(channelID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, conns := range h.byUser {
		for c := range conns {
			if c.CurrentStream() == channelID {
				n++
			}
		}
	}
	return n
}

// Unregister removes conn from the registry (spec §4.6 "On Closed").
func (h *Handler) Unregister(conn *Connection) {
	auth := conn.Auth()
	if auth == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.byUser[auth.UserID]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(h.byUser, auth.UserID)
		}
	}
	delete(h.byUserDevice, userDeviceKey(auth.UserID, auth.DeviceID))
}

// pingAll sends server_ping to every registered connection; a write
// failure closes and unregisters it (spec §4.6 "Liveness").
func (h *Handler) pingAll() {
	h.mu.Lock()
	var conns []*Connection
	for _, set := range h.byUser {
		for c := range set {
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()

	seq := h.seq.Next()
	msg := rpcwire.NewRequestMessage(seq, "server_ping", "")
	for _, c := range conns {
		if err := c.Link.WriteMessage(msg); err != nil {
			h.logger.Debug().Str("conn_id", c.ID).Err(err).Msg("liveness ping write failed, closing connection")
			_ = c.Link.Close()
			h.Unregister(c)
		}
	}
}

// ConnectionCount reports how many connections are registered for userID,
// a test/diagnostic hook mirroring what get_server_client_info would
// expose.
func (h *Handler) ConnectionCount(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byUser[userID])
}
