package session

import "time"

// CreateResponse returns created session metadata and room connection info.
type CreateResponse struct {
	SessionID      string    `json:"session_id"`
	State          State     `json:"state"`
	RoomURL        string    `json:"room_url"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	IdleTimeoutMS  int64     `json:"idle_timeout_ms"`
}

// StatusResponse reports the current lifecycle view of a session.
type StatusResponse struct {
	SessionID      string    `json:"session_id"`
	State          State     `json:"state"`
	RoomURL        string    `json:"room_url"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ElapsedSec     float64   `json:"elapsed_sec"`
	IdleSec        float64   `json:"idle_sec"`
	IdleTimeoutSec float64   `json:"idle_timeout_sec"`
}
