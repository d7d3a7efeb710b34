package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newFakeDeepgram(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/listen" {
			t.Errorf("path = %q, want /v1/listen", r.URL.Path)
		}
		if got := r.URL.Query().Get("model"); got != "nova-2" {
			t.Errorf("model = %q, want nova-2", got)
		}
		if got := r.Header.Get("Authorization"); got != "Token dg-key" {
			t.Errorf("Authorization = %q", got)
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType == websocket.BinaryMessage {
				partial := `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hello","confidence":0.4}]}}`
				final := `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello world","confidence":0.9}]}}`
				_ = conn.WriteMessage(websocket.TextMessage, []byte(partial))
				_ = conn.WriteMessage(websocket.TextMessage, []byte(final))
				continue
			}
			var ctrl map[string]string
			if err := json.Unmarshal(data, &ctrl); err == nil && ctrl["type"] == "CloseStream" {
				return
			}
		}
	}))
}

func TestDeepgramStreamEmitsTranscripts(t *testing.T) {
	ts := newFakeDeepgram(t)
	defer ts.Close()

	p := NewDeepgramProvider(DeepgramConfig{
		APIKey:    "dg-key",
		WSBaseURL: "ws" + strings.TrimPrefix(ts.URL, "http"),
	})

	stream, events, err := p.StartStream(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("StartStream() error = %v", err)
	}
	defer stream.Close()

	if err := stream.SendAudio(context.Background(), []byte{0, 1, 2, 3}); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}

	var got []Event
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed after %d events", len(got))
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for transcript events, got %d", len(got))
		}
	}

	if got[0].Type != EventPartial || got[0].Text != "hello" {
		t.Fatalf("first event = %+v, want partial hello", got[0])
	}
	if got[1].Type != EventFinal || got[1].Text != "hello world" {
		t.Fatalf("second event = %+v, want final hello world", got[1])
	}

	if err := stream.Finalize(context.Background()); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
}

func TestDeepgramCloseDuringActiveStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msg := `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"still talking","confidence":0.5}]}}`
		for {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
	}))
	defer ts.Close()

	p := NewDeepgramProvider(DeepgramConfig{
		APIKey:    "dg-key",
		WSBaseURL: "ws" + strings.TrimPrefix(ts.URL, "http"),
	})

	stream, events, err := p.StartStream(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("StartStream() error = %v", err)
	}

	// Wait for the read loop to be mid-stream before tearing the stream down.
	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatalf("no event arrived before Close()")
	}

	_ = stream.Close()

	// The read loop owns the channel; it must close it without panicking even
	// while the server is still pushing results.
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatalf("event channel was not closed after Close()")
		}
	}
}
