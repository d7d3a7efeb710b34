// Package tts converts assistant replies into streamed speech audio.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbeaufort/voicebridge/internal/provider"
	"github.com/mbeaufort/voicebridge/internal/reliability"
)

// Chunk is one slice of synthesized audio. Err is set on the terminal chunk
// when the stream failed mid-way.
type Chunk struct {
	Audio []byte
	Err   error
}

type Provider interface {
	Synthesize(ctx context.Context, text string) (<-chan Chunk, error)
}

type ElevenLabsConfig struct {
	APIKey  string
	APIURL  string
	VoiceID string
	ModelID string
	Timeout time.Duration
}

// ElevenLabsClient streams synthesis over the text-to-speech stream endpoint.
type ElevenLabsClient struct {
	cfg    ElevenLabsConfig
	client *http.Client
}

func NewElevenLabsClient(cfg ElevenLabsConfig) *ElevenLabsClient {
	if strings.TrimSpace(cfg.APIURL) == "" {
		cfg.APIURL = "https://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_turbo_v2"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &ElevenLabsClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *ElevenLabsClient) Synthesize(ctx context.Context, text string) (<-chan Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &provider.Error{Provider: "elevenlabs", Code: "empty_text", Err: fmt.Errorf("nothing to synthesize")}
	}

	payload, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": c.cfg.ModelID,
		"voice_settings": map[string]any{
			"stability":         0.5,
			"similarity_boost":  0.8,
			"style":             0.0,
			"use_speaker_boost": true,
		},
	})
	if err != nil {
		return nil, &provider.Error{Provider: "elevenlabs", Code: "marshal", Err: err}
	}

	endpoint := strings.TrimRight(c.cfg.APIURL, "/") + "/v1/text-to-speech/" + url.PathEscape(c.cfg.VoiceID) + "/stream"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &provider.Error{Provider: "elevenlabs", Code: "request", Err: err}
	}
	req.Header.Set("xi-api-key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return nil, &provider.Error{Provider: "elevenlabs", Code: "dial", Retryable: true, Err: err}
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		return nil, &provider.Error{
			Provider:  "elevenlabs",
			Code:      "status_" + strconv.Itoa(res.StatusCode),
			Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
			Err:       fmt.Errorf("synthesize: %s", strings.TrimSpace(string(detail))),
		}
	}

	chunks := make(chan Chunk, 32)
	go func() {
		defer close(chunks)
		defer res.Body.Close()

		buf := make([]byte, 8<<10)
		for {
			n, err := res.Body.Read(buf)
			if n > 0 {
				audio := make([]byte, n)
				copy(audio, buf[:n])
				select {
				case chunks <- Chunk{Audio: audio}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					chunks <- Chunk{Err: &provider.Error{Provider: "elevenlabs", Code: "stream_read", Retryable: true, Err: err}}
				}
				return
			}
		}
	}()
	return chunks, nil
}
