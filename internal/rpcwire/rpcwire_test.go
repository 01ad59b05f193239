package rpcwire

import (
	"bytes"
	"testing"

	apperrors "github.com/fastogt/iptv-daemon/internal/errors"
)

func TestEncodeDecodeRoundTripRequest(t *testing.T) {
	msg := NewRequestMessage(7, "client_activate", `{"login":"u","password":"p"}`)
	raw, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Kind != KindRequest || got.Request.Seq != 7 || got.Request.Method != "client_activate" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestEncodeDecodeRoundTripNotification(t *testing.T) {
	msg := NewNotificationMessage("statistic_stream", `{"stream_id":"s1"}`)
	raw, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Kind != KindNotification || got.Notification.Method != "statistic_stream" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestEncodeDecodeRoundTripOkResponse(t *testing.T) {
	msg := NewOkResponse(3, "")
	raw, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Kind != KindResponse || !got.Response.IsOk() || got.Response.Seq != 3 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestEncodeDecodeRoundTripErrResponse(t *testing.T) {
	msg := NewErrResponse(9, apperrors.KindAlreadyExists, "Double connection reject")
	raw, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Kind != KindResponse || got.Response.IsOk() {
		t.Fatalf("expected error response, got: %+v", got)
	}
	if got.Response.Err.Code != apperrors.KindAlreadyExists {
		t.Fatalf("unexpected code: %v", got.Response.Err.Code)
	}
}

func TestDecodeMalformedJSONIsInvalidMessage(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	if !apperrors.Is(err, apperrors.KindInvalidMessage) {
		t.Fatalf("expected InvalidMessage, got %v", err)
	}
}

func TestDecodeAmbiguousShapeIsInvalidMessage(t *testing.T) {
	_, err := Decode([]byte(`{"foo":"bar"}`))
	if !apperrors.Is(err, apperrors.KindInvalidMessage) {
		t.Fatalf("expected InvalidMessage, got %v", err)
	}
}

func TestWriterReaderFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	msg := NewRequestMessage(42, "ping_service", "")
	if err := w.WriteMessage(msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	r := NewReader(&buf)
	got, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.Kind != KindRequest || got.Request.Seq != 42 || got.Request.Method != "ping_service" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestReaderMultipleFramesInSequence(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for i := int64(0); i < 3; i++ {
		if err := w.WriteMessage(NewRequestMessage(i, "ping_service", "")); err != nil {
			t.Fatalf("WriteMessage %d: %v", i, err)
		}
	}
	r := NewReader(&buf)
	for i := int64(0); i < 3; i++ {
		got, err := r.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage %d: %v", i, err)
		}
		if got.Request.Seq != i {
			t.Fatalf("frame %d: seq = %d, want %d", i, got.Request.Seq, i)
		}
	}
}

func TestReaderRejectsBadLengthHeader(t *testing.T) {
	buf := bytes.NewBufferString("notanumber\r\n{}")
	r := NewReader(buf)
	_, err := r.ReadMessage()
	if !apperrors.Is(err, apperrors.KindInvalidMessage) {
		t.Fatalf("expected InvalidMessage, got %v", err)
	}
}

func TestReaderRejectsOversizedLength(t *testing.T) {
	buf := bytes.NewBufferString("99999999999\r\n")
	r := NewReader(buf)
	_, err := r.ReadMessage()
	if !apperrors.Is(err, apperrors.KindInvalidMessage) {
		t.Fatalf("expected InvalidMessage, got %v", err)
	}
}

func TestSeqSourceMonotonic(t *testing.T) {
	var s SeqSource
	a := s.Next()
	b := s.Next()
	if b != a+1 {
		t.Fatalf("expected monotonic increase, got %d then %d", a, b)
	}
}
