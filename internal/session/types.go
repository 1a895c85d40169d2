package session

import "time"

// CreateRequest defines the payload for creating a new voice session.
type CreateRequest struct {
	UserID   string `json:"user_id"`
	Language string `json:"language"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	Language        string    `json:"language"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}

// Turn is one recognized conversation turn kept in the session's ring.
type Turn struct {
	Transcript string    `json:"transcript"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}
