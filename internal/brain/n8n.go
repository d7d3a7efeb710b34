// Package brain forwards transcribed user text to the workflow engine that
// fronts the LLM and extracts its reply.
package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mbeaufort/voicebridge/internal/provider"
	"github.com/mbeaufort/voicebridge/internal/reliability"
)

// Spoken fallbacks when the workflow engine misbehaves. The pipeline reads
// these out instead of leaving the caller in silence.
const (
	FallbackEmptyReply = "I'm sorry, I didn't understand that."
	FallbackDegraded   = "I'm experiencing some technical difficulties. Please try again."
)

// Responder turns one user utterance into one assistant reply.
type Responder interface {
	Reply(ctx context.Context, sessionID, message string) (string, error)
}

type WebhookConfig struct {
	URL     string
	Timeout time.Duration
}

// WebhookClient posts utterances to an n8n-style webhook. The payload shape
// (message/sessionId/channel) is the contract the workflow expects.
type WebhookClient struct {
	cfg    WebhookConfig
	client *http.Client
}

func NewWebhookClient(cfg WebhookConfig) *WebhookClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &WebhookClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *WebhookClient) Reply(ctx context.Context, sessionID, message string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"message":   message,
		"sessionId": sessionID,
		"channel":   "voice_call",
	})
	if err != nil {
		return "", &provider.Error{Provider: "n8n", Code: "marshal", Err: err}
	}

	// One bounded retry on retryable failures; a dead workflow engine should
	// surface quickly rather than be masked by a retry loop.
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", &provider.Error{Provider: "n8n", Code: "canceled", Err: ctx.Err()}
			case <-time.After(reliability.Backoff(attempt, 200*time.Millisecond, time.Second)):
			}
		}

		reply, err := c.post(ctx, payload)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if !provider.IsRetryable(err) {
			break
		}
	}
	return "", lastErr
}

func (c *WebhookClient) post(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return "", &provider.Error{Provider: "n8n", Code: "request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return "", &provider.Error{Provider: "n8n", Code: "dial", Retryable: true, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", &provider.Error{
			Provider:  "n8n",
			Code:      "status_" + strconv.Itoa(res.StatusCode),
			Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
			Err:       fmt.Errorf("webhook: %s", strings.TrimSpace(string(detail))),
		}
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", &provider.Error{Provider: "n8n", Code: "read", Retryable: true, Err: err}
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		// Some workflows respond with the bare reply text.
		text := strings.TrimSpace(string(body))
		if text == "" {
			return FallbackEmptyReply, nil
		}
		return text, nil
	}

	reply := extractReply(obj)
	if reply == "" {
		return FallbackEmptyReply, nil
	}
	return reply, nil
}

// extractReply checks the response keys different workflow revisions have
// used, most recent first.
func extractReply(obj map[string]any) string {
	for _, k := range []string{"output", "response", "text", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}
