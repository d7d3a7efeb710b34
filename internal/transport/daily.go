// Package transport allocates and releases WebRTC rooms for voice sessions.
package transport

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

// Room is the handle returned by the transport provider. The browser joins
// RoomURL directly; Name is what the release call needs.
type Room struct {
	Name string
	URL  string
}

// RoomProvider is the capability the session lifecycle depends on.
type RoomProvider interface {
	AllocateRoom(ctx context.Context) (Room, error)
	ReleaseRoom(ctx context.Context, name string) error
}

type DailyConfig struct {
	APIKey  string
	APIURL  string
	RoomTTL time.Duration
	Timeout time.Duration
}

// DailyClient talks to the Daily REST API for temporary room management.
type DailyClient struct {
	cfg    DailyConfig
	client *http.Client
}

func NewDailyClient(cfg DailyConfig) *DailyClient {
	if strings.TrimSpace(cfg.APIURL) == "" {
		cfg.APIURL = "https://api.daily.co"
	}
	if cfg.RoomTTL <= 0 {
		cfg.RoomTTL = time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &DailyClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *DailyClient) AllocateRoom(ctx context.Context) (Room, error) {
	payload := map[string]any{
		"properties": map[string]any{
			"max_participants":   2,
			"enable_chat":        false,
			"enable_screenshare": false,
			"enable_recording":   false,
			"exp":                time.Now().Add(c.cfg.RoomTTL).Unix(),
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Room{}, &provider.Error{Provider: "daily", Code: "marshal", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.APIURL, "/")+"/v1/rooms", bytes.NewReader(body))
	if err != nil {
		return Room{}, &provider.Error{Provider: "daily", Code: "request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return Room{}, &provider.Error{Provider: "daily", Code: "dial", Retryable: true, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Room{}, &provider.Error{
			Provider:  "daily",
			Code:      "status_" + strconv.Itoa(res.StatusCode),
			Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
			Err:       fmt.Errorf("create room: %s", strings.TrimSpace(string(detail))),
		}
	}

	var room struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	}
	if err := json.NewDecoder(res.Body).Decode(&room); err != nil {
		return Room{}, &provider.Error{Provider: "daily", Code: "decode", Err: err}
	}
	if room.URL == "" {
		return Room{}, &provider.Error{Provider: "daily", Code: "decode", Err: fmt.Errorf("create room response missing url")}
	}
	return Room{Name: room.Name, URL: room.URL}, nil
}

func (c *DailyClient) ReleaseRoom(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, strings.TrimRight(c.cfg.APIURL, "/")+"/v1/rooms/"+name, nil)
	if err != nil {
		return &provider.Error{Provider: "daily", Code: "request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	res, err := c.client.Do(req)
	if err != nil {
		return &provider.Error{Provider: "daily", Code: "dial", Retryable: true, Err: err}
	}
	defer res.Body.Close()

	// A room that already expired server-side is fine to "release" again.
	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &provider.Error{
			Provider:  "daily",
			Code:      "status_" + strconv.Itoa(res.StatusCode),
			Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
			Err:       fmt.Errorf("delete room %s: %s", name, strings.TrimSpace(string(detail))),
		}
	}
	return nil
}
