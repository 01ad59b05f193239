// Package model holds the daemon's wire-visible data model: stream/channel
// identifiers, input/output URIs, the stream type enum, and the
// per-stream-type configuration variants the pipeline factory consumes.
package model

import "fmt"

// ChannelID scopes per-source byte counters inside a stream.
type ChannelID uint64

// StreamID is opaque and unique within the daemon.
type StreamID string

// Scheme is the closed set of URI schemes a stream endpoint may use.
type Scheme string

const (
	SchemeHTTP   Scheme = "http"
	SchemeHTTPS  Scheme = "https"
	SchemeRTMP   Scheme = "rtmp"
	SchemeRTMPS  Scheme = "rtmps"
	SchemeUDP    Scheme = "udp"
	SchemeRTP    Scheme = "rtp"
	SchemeFile   Scheme = "file"
	SchemeDevice Scheme = "dev"
	SchemeScreen Scheme = "screen"
	SchemeTest   Scheme = "test"
)

func (s Scheme) Valid() bool {
	switch s {
	case SchemeHTTP, SchemeHTTPS, SchemeRTMP, SchemeRTMPS, SchemeUDP, SchemeRTP, SchemeFile, SchemeDevice, SchemeScreen, SchemeTest:
		return true
	}
	return false
}

// UserAgent is the player/decoder identity hint an endpoint may carry.
type UserAgent string

const (
	UserAgentGStreamer UserAgent = "GSTREAMER"
	UserAgentVLC       UserAgent = "VLC"
)

// InputURI describes one ingest endpoint. Equality is structural.
type InputURI struct {
	ID         ChannelID `json:"id"`
	Scheme     Scheme    `json:"scheme"`
	URL        string    `json:"url"`
	Mute       bool      `json:"mute,omitempty"`
	RelayVideo bool      `json:"relay_video,omitempty"`
	RelayAudio bool      `json:"relay_audio,omitempty"`
	UserAgent  UserAgent `json:"user_agent,omitempty"`
}

// Equals performs structural equality, matching the source model's
// InputUri::Equals (id + scheme + url + user agent; the relay/mute hints are
// negotiated per-pipeline and excluded from identity).
func (u InputURI) Equals(o InputURI) bool {
	return u.ID == o.ID && u.Scheme == o.Scheme && u.URL == o.URL && u.UserAgent == o.UserAgent
}

// IsTest reports whether this input is the synthetic test source scheme.
func (u InputURI) IsTest() bool { return u.Scheme == SchemeTest }

func (u InputURI) Validate() error {
	if !u.Scheme.Valid() {
		return fmt.Errorf("input %d: invalid scheme %q", u.ID, u.Scheme)
	}
	if u.URL == "" {
		return fmt.Errorf("input %d: empty url", u.ID)
	}
	return nil
}

// OutputURI describes one publish/sink endpoint.
type OutputURI struct {
	ID     ChannelID `json:"id"`
	Scheme Scheme    `json:"scheme"`
	URL    string    `json:"url"`
}

func (u OutputURI) Equals(o OutputURI) bool {
	return u.ID == o.ID && u.Scheme == o.Scheme && u.URL == o.URL
}

func (u OutputURI) Validate() error {
	if !u.Scheme.Valid() {
		return fmt.Errorf("output %d: invalid scheme %q", u.ID, u.Scheme)
	}
	if u.URL == "" {
		return fmt.Errorf("output %d: empty url", u.ID)
	}
	return nil
}
