package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbeaufort/voicebridge/internal/provider"
)

type DeepgramConfig struct {
	APIKey     string
	WSBaseURL  string
	Model      string
	Language   string
	SampleRate int
}

// DeepgramProvider opens realtime recognition streams against the Deepgram
// listen websocket.
type DeepgramProvider struct {
	cfg DeepgramConfig
}

func NewDeepgramProvider(cfg DeepgramConfig) *DeepgramProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.deepgram.com"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "nova-2"
	}
	if strings.TrimSpace(cfg.Language) == "" {
		cfg.Language = "en-US"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &DeepgramProvider{cfg: cfg}
}

func (p *DeepgramProvider) StartStream(ctx context.Context, _ string) (Stream, <-chan Event, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/listen")
	if err != nil {
		return nil, nil, &provider.Error{Provider: "deepgram", Code: "url", Err: err}
	}
	q := u.Query()
	q.Set("model", p.cfg.Model)
	q.Set("language", p.cfg.Language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", fmt.Sprintf("%d", p.cfg.SampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("smart_format", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, nil, &provider.Error{Provider: "deepgram", Code: "dial", Retryable: true, Err: fmt.Errorf("dial listen websocket: %w", err)}
	}

	events := make(chan Event, 256)
	s := &deepgramStream{conn: conn, events: events}
	go s.readLoop()
	return s, events, nil
}

type deepgramStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan Event
}

func (s *deepgramStream) SendAudio(_ context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (s *deepgramStream) Finalize(_ context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(map[string]string{"type": "CloseStream"})
}

// readLoop is the only goroutine that sends on or closes the event channel;
// Close only tears down the connection, which unblocks the pending read.
func (s *deepgramStream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg struct {
			Type    string `json:"type"`
			IsFinal bool   `json:"is_final"`
			Channel struct {
				Alternatives []struct {
					Transcript string  `json:"transcript"`
					Confidence float64 `json:"confidence"`
				} `json:"alternatives"`
			} `json:"channel"`
			Description string `json:"description"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "Results":
			if len(msg.Channel.Alternatives) == 0 {
				continue
			}
			alt := msg.Channel.Alternatives[0]
			if strings.TrimSpace(alt.Transcript) == "" {
				continue
			}
			eventType := EventPartial
			if msg.IsFinal {
				eventType = EventFinal
			}
			s.events <- Event{
				Type:       eventType,
				Text:       alt.Transcript,
				Confidence: alt.Confidence,
				TSMs:       time.Now().UnixMilli(),
			}
		case "Metadata", "UtteranceEnd", "SpeechStarted":
			// control events carry no transcript
		case "Error":
			s.events <- Event{
				Type:      EventError,
				Code:      "upstream",
				Detail:    msg.Description,
				Retryable: true,
				TSMs:      time.Now().UnixMilli(),
			}
		}
	}
}

func (s *deepgramStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		retErr = s.conn.Close()
	})
	return retErr
}
