package settings

import (
	"context"
	"errors"
	"time"
)

// Preferences are a user's persisted voice settings.
type Preferences struct {
	UserID       string    `json:"user_id"`
	Language     string    `json:"language"`
	SpeakingRate float64   `json:"speaking_rate"`
	Volume       float64   `json:"volume"`
	VoiceID      string    `json:"voice_id,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ErrNotFound is returned when a user has no saved preferences.
var ErrNotFound = errors.New("preferences not found")

// DefaultPreferences fills the fields a fresh user starts with.
func DefaultPreferences(userID string) Preferences {
	return Preferences{
		UserID:       userID,
		Language:     "en-US",
		SpeakingRate: 1.0,
		Volume:       1.0,
	}
}

// Validate rejects out-of-range preference values before they persist.
func (p Preferences) Validate() error {
	if p.UserID == "" {
		return errors.New("user_id is required")
	}
	if p.SpeakingRate < 0.1 || p.SpeakingRate > 10 {
		return errors.New("speaking_rate must be in [0.1, 10]")
	}
	if p.Volume < 0 || p.Volume > 1 {
		return errors.New("volume must be in [0, 1]")
	}
	return nil
}

// Store persists and retrieves voice preferences.
type Store interface {
	Save(ctx context.Context, prefs Preferences) error
	Get(ctx context.Context, userID string) (Preferences, error)
	Close() error
}
