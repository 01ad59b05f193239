// Package rpcwire implements the wire codec (C1): length-prefixed
// "LEN<CRLF>PAYLOAD" framing around a JSON-RPC 2.0 dialect where id may be
// omitted for notifications and params/result are themselves JSON-encoded
// as strings (spec §4.1).
package rpcwire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"

	apperrors "github.com/fastogt/iptv-daemon/internal/errors"
)

// Kind discriminates the three message shapes the spec's RPC model allows.
type Kind uint8

const (
	KindRequest Kind = iota
	KindResponse
	KindNotification
)

// WireError is the Err half of a Response: a closed error kind plus a
// human message (spec §7).
type WireError struct {
	Code    apperrors.Kind `json:"code"`
	Message string         `json:"message"`
}

func (e *WireError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Request carries a method call expecting a reply, seq-addressed.
type Request struct {
	Seq    int64
	Method string
	Params string // optional: a JSON object serialized to a string; "" means absent
}

// Response answers exactly one prior Request by Seq, either Ok(Result) or
// Err(WireError) — never both.
type Response struct {
	Seq    int64
	Result string // set when Ok
	Err    *WireError
}

func (r Response) IsOk() bool { return r.Err == nil }

// Notification is a Request-shaped message the sender does not expect a
// reply to; it is distinguished from Request only by the absence of id.
type Notification struct {
	Method string
	Params string
}

// Message is the tagged union returned by the decoder: exactly one of
// Request/Response/Notification is set, selected by Kind.
type Message struct {
	Kind         Kind
	Request      *Request
	Response     *Response
	Notification *Notification
}

func NewRequestMessage(seq int64, method, params string) Message {
	return Message{Kind: KindRequest, Request: &Request{Seq: seq, Method: method, Params: params}}
}

func NewNotificationMessage(method, params string) Message {
	return Message{Kind: KindNotification, Notification: &Notification{Method: method, Params: params}}
}

func NewOkResponse(seq int64, result string) Message {
	return Message{Kind: KindResponse, Response: &Response{Seq: seq, Result: result}}
}

func NewErrResponse(seq int64, code apperrors.Kind, message string) Message {
	return Message{Kind: KindResponse, Response: &Response{Seq: seq, Err: &WireError{Code: code, Message: message}}}
}

// envelope is the raw JSON shape transported on the wire; Message is built
// from/flattened into it.
type envelope struct {
	ID     *string    `json:"id,omitempty"`
	Method string     `json:"method,omitempty"`
	Params string     `json:"params,omitempty"`
	Result *string    `json:"result,omitempty"`
	Error  *WireError `json:"error,omitempty"`
}

// Encode renders m as the JSON payload (without length-prefix framing).
func Encode(m Message) ([]byte, error) {
	var env envelope
	switch m.Kind {
	case KindRequest:
		if m.Request == nil {
			return nil, apperrors.NewInvalidMessage("encode", fmt.Errorf("nil Request"))
		}
		id := strconv.FormatInt(m.Request.Seq, 10)
		env = envelope{ID: &id, Method: m.Request.Method, Params: m.Request.Params}
	case KindNotification:
		if m.Notification == nil {
			return nil, apperrors.NewInvalidMessage("encode", fmt.Errorf("nil Notification"))
		}
		env = envelope{Method: m.Notification.Method, Params: m.Notification.Params}
	case KindResponse:
		if m.Response == nil {
			return nil, apperrors.NewInvalidMessage("encode", fmt.Errorf("nil Response"))
		}
		id := strconv.FormatInt(m.Response.Seq, 10)
		env.ID = &id
		if m.Response.Err != nil {
			env.Error = m.Response.Err
		} else {
			result := m.Response.Result
			env.Result = &result
		}
	default:
		return nil, apperrors.NewInvalidMessage("encode", fmt.Errorf("unknown message kind %d", m.Kind))
	}
	return json.Marshal(env)
}

// Decode parses payload (the PAYLOAD portion of one frame) into a Message.
// Any structural or semantic violation of the dialect returns an
// InvalidMessage-kind error; the caller (per spec §4.1) closes the
// connection on this outcome rather than attempting recovery.
func Decode(payload []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Message{}, apperrors.NewInvalidMessage("decode.json", err)
	}

	switch {
	case env.Method != "" && env.ID != nil:
		seq, err := strconv.ParseInt(*env.ID, 10, 64)
		if err != nil {
			return Message{}, apperrors.NewInvalidMessage("decode.id", err)
		}
		return NewRequestMessage(seq, env.Method, env.Params), nil
	case env.Method != "" && env.ID == nil:
		return NewNotificationMessage(env.Method, env.Params), nil
	case env.Method == "" && env.ID != nil && (env.Result != nil || env.Error != nil):
		seq, err := strconv.ParseInt(*env.ID, 10, 64)
		if err != nil {
			return Message{}, apperrors.NewInvalidMessage("decode.id", err)
		}
		if env.Error != nil {
			return NewErrResponse(seq, env.Error.Code, env.Error.Message), nil
		}
		return NewOkResponse(seq, *env.Result), nil
	default:
		return Message{}, apperrors.NewInvalidMessage("decode.shape", fmt.Errorf("payload matches neither request, notification nor response shape"))
	}
}

// SeqSource hands out the monotone non-negative sequence ids a sender
// stamps onto outbound Request/Response messages.
type SeqSource struct{ n int64 }

// Next returns the next sequence id, starting from 1.
func (s *SeqSource) Next() int64 { return atomic.AddInt64(&s.n, 1) }
