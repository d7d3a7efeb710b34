package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mbeaufort/voicebridge/internal/config"
	"github.com/mbeaufort/voicebridge/internal/observability"
	"github.com/mbeaufort/voicebridge/internal/provider"
	"github.com/mbeaufort/voicebridge/internal/session"
	"github.com/mbeaufort/voicebridge/internal/transcript"
	"github.com/mbeaufort/voicebridge/internal/transport"
)

var metricsSeq int

func newTestServer(t *testing.T, rooms transport.RoomProvider, store transcript.Store) (*Server, *session.Manager) {
	t.Helper()
	cfg := config.Config{
		SessionIdleTimeout: 2 * time.Minute,
		ProviderTimeout:    5 * time.Second,
		DailyAPIKey:        "k",
		DeepgramAPIKey:     "k",
		ElevenLabsAPIKey:   "k",
		WebhookURL:         "https://n8n.example.com/webhook",
	}
	sessions := session.NewManager(cfg.SessionIdleTimeout)
	metricsSeq++
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d_%d", time.Now().UnixNano(), metricsSeq))
	return New(cfg, sessions, rooms, nil, store, metrics, zap.NewNop()), sessions
}

type fakeRooms struct {
	allocErr error
	released []string
}

func (f *fakeRooms) AllocateRoom(_ context.Context) (transport.Room, error) {
	if f.allocErr != nil {
		return transport.Room{}, f.allocErr
	}
	return transport.Room{Name: "vb-room", URL: "https://voice.daily.co/vb-room"}, nil
}

func (f *fakeRooms) ReleaseRoom(_ context.Context, name string) error {
	f.released = append(f.released, name)
	return nil
}

func TestStartStatusEndSession(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRooms{}, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/start_session", "application/json", nil)
	if err != nil {
		t.Fatalf("start_session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var created map[string]any
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	sessionID, _ := created["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("missing session_id in response: %+v", created)
	}
	if created["state"] != string(session.StateActive) {
		t.Fatalf("state = %v, want active", created["state"])
	}
	if created["room_url"] != "https://voice.daily.co/vb-room" {
		t.Fatalf("room_url = %v", created["room_url"])
	}

	statusRes, err := http.Get(ts.URL + "/session_status/" + sessionID)
	if err != nil {
		t.Fatalf("session_status request error = %v", err)
	}
	defer statusRes.Body.Close()
	if statusRes.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d, want %d", statusRes.StatusCode, http.StatusOK)
	}
	var status map[string]any
	if err := json.NewDecoder(statusRes.Body).Decode(&status); err != nil {
		t.Fatalf("decode status response: %v", err)
	}
	if status["state"] != string(session.StateActive) {
		t.Fatalf("status state = %v, want active", status["state"])
	}
	if _, ok := status["idle_sec"]; !ok {
		t.Fatalf("status missing idle_sec: %+v", status)
	}

	endRes, err := http.Post(ts.URL+"/end_session/"+sessionID, "application/json", nil)
	if err != nil {
		t.Fatalf("end_session request error = %v", err)
	}
	defer endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}

	// Ending again is a no-op, not an error.
	endAgain, err := http.Post(ts.URL+"/end_session/"+sessionID, "application/json", nil)
	if err != nil {
		t.Fatalf("second end_session request error = %v", err)
	}
	defer endAgain.Body.Close()
	if endAgain.StatusCode != http.StatusOK {
		t.Fatalf("second end status = %d, want %d", endAgain.StatusCode, http.StatusOK)
	}
	var ended session.Session
	if err := json.NewDecoder(endAgain.Body).Decode(&ended); err != nil {
		t.Fatalf("decode second end response: %v", err)
	}
	if ended.State != session.StateEnded {
		t.Fatalf("state after double end = %q, want %q", ended.State, session.StateEnded)
	}
}

func TestStartSessionRoomAllocationFailure(t *testing.T) {
	rooms := &fakeRooms{allocErr: &provider.Error{
		Provider: "daily", Code: "status_503", Retryable: true, Err: errors.New("upstream down"),
	}}
	srv, sessions := newTestServer(t, rooms, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/start_session", "application/json", nil)
	if err != nil {
		t.Fatalf("start_session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadGateway)
	}
	if sessions.ActiveCount() != 0 {
		t.Fatalf("active sessions = %d after failed create, want 0", sessions.ActiveCount())
	}
}

func TestUnknownSessionReturns404(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRooms{}, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/session_status/never-issued")
	if err != nil {
		t.Fatalf("session_status request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}

	endRes, err := http.Post(ts.URL+"/end_session/never-issued", "application/json", nil)
	if err != nil {
		t.Fatalf("end_session request error = %v", err)
	}
	defer endRes.Body.Close()
	if endRes.StatusCode != http.StatusNotFound {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusNotFound)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRooms{}, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if payload["status"] != "healthy" {
		t.Fatalf("status = %v, want healthy", payload["status"])
	}
	env, _ := payload["environment"].(map[string]any)
	if env["daily"] != "configured" {
		t.Fatalf("daily = %v, want configured", env["daily"])
	}
	if env["transcripts"] != "missing" {
		t.Fatalf("transcripts = %v, want missing", env["transcripts"])
	}
}

type fakeTranscripts struct {
	turns []transcript.Turn
	err   error
}

func (f *fakeTranscripts) SaveTurn(_ context.Context, turn transcript.Turn) error {
	f.turns = append(f.turns, turn)
	return nil
}

func (f *fakeTranscripts) RecentTurns(_ context.Context, sessionID string, _ int) ([]transcript.Turn, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []transcript.Turn
	for _, turn := range f.turns {
		if turn.SessionID == sessionID {
			out = append(out, turn)
		}
	}
	return out, nil
}

func (f *fakeTranscripts) Close() error { return nil }

func TestSessionTranscript(t *testing.T) {
	store := &fakeTranscripts{turns: []transcript.Turn{
		{ID: "t1", SessionID: "sess-1", Role: "user", Content: "hello there"},
		{ID: "t2", SessionID: "sess-1", Role: "assistant", Content: "hi, how can I help?"},
		{ID: "t3", SessionID: "sess-2", Role: "user", Content: "other call"},
	}}
	srv, _ := newTestServer(t, &fakeRooms{}, store)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/session_transcript/sess-1")
	if err != nil {
		t.Fatalf("session_transcript request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var payload struct {
		SessionID string            `json:"session_id"`
		Turns     []transcript.Turn `json:"turns"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode transcript response: %v", err)
	}
	if payload.SessionID != "sess-1" {
		t.Fatalf("session_id = %q, want sess-1", payload.SessionID)
	}
	if len(payload.Turns) != 2 {
		t.Fatalf("got %d turns, want 2: %+v", len(payload.Turns), payload.Turns)
	}
	if payload.Turns[0].Role != "user" || payload.Turns[1].Role != "assistant" {
		t.Fatalf("unexpected turn roles: %+v", payload.Turns)
	}

	badLimit, err := http.Get(ts.URL + "/session_transcript/sess-1?limit=zero")
	if err != nil {
		t.Fatalf("bad limit request error = %v", err)
	}
	defer badLimit.Body.Close()
	if badLimit.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want %d", badLimit.StatusCode, http.StatusBadRequest)
	}
}

func TestSessionTranscriptDisabledWithoutStore(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRooms{}, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/session_transcript/sess-1")
	if err != nil {
		t.Fatalf("session_transcript request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotImplemented)
	}
}

func TestWidgetServedAtRoot(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRooms{}, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET / status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("reading / body failed: %v", err)
	}
	page := string(body)
	if !strings.Contains(page, "voiceButton") {
		t.Fatalf("GET / body missing widget markup")
	}
	// The widget must drive the audio side channel, not just the lifecycle
	// endpoints, or no activity ever reaches the session.
	for _, marker := range []string{"/session_audio", "client_audio_chunk", "reply_audio_chunk", "getUserMedia"} {
		if !strings.Contains(page, marker) {
			t.Fatalf("GET / body missing %q", marker)
		}
	}
}
