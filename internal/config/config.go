package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice coordinator service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	DatabaseURL string

	RelayURL        string
	RelayAckTimeout time.Duration

	// Playback completion heuristics for the remote path.
	PerCharDuration  time.Duration
	MinPlayDuration  time.Duration
	MaxPlayDuration  time.Duration
	CompletionBuffer time.Duration
	ProgressInterval time.Duration

	// Recognition session timing.
	RecognitionTimeout       time.Duration
	PermissionTimeout        time.Duration
	ConversationRestartDelay time.Duration

	DefaultLanguage     string
	DefaultSpeakingRate float64
	DefaultVolume       float64
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "museavoice"),
		DatabaseURL:              trimmedEnv("DATABASE_URL"),
		RelayURL:                 trimmedEnv("VOICE_RELAY_URL"),
		DefaultLanguage:          envOrDefault("VOICE_DEFAULT_LANGUAGE", "en-US"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		RelayAckTimeout:          5 * time.Second,
		PerCharDuration:          60 * time.Millisecond,
		MinPlayDuration:          time.Second,
		MaxPlayDuration:          30 * time.Second,
		CompletionBuffer:         2 * time.Second,
		ProgressInterval:         250 * time.Millisecond,
		RecognitionTimeout:       10 * time.Second,
		PermissionTimeout:        5 * time.Second,
		ConversationRestartDelay: 300 * time.Millisecond,
		DefaultSpeakingRate:      1.0,
		DefaultVolume:            1.0,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RelayAckTimeout, err = durationFromEnv("VOICE_RELAY_ACK_TIMEOUT", cfg.RelayAckTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PerCharDuration, err = durationFromEnv("VOICE_PER_CHAR_DURATION", cfg.PerCharDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.MinPlayDuration, err = durationFromEnv("VOICE_MIN_PLAY_DURATION", cfg.MinPlayDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxPlayDuration, err = durationFromEnv("VOICE_MAX_PLAY_DURATION", cfg.MaxPlayDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.CompletionBuffer, err = durationFromEnv("VOICE_COMPLETION_BUFFER", cfg.CompletionBuffer)
	if err != nil {
		return Config{}, err
	}
	cfg.ProgressInterval, err = durationFromEnv("VOICE_PROGRESS_INTERVAL", cfg.ProgressInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.RecognitionTimeout, err = durationFromEnv("VOICE_RECOGNITION_TIMEOUT", cfg.RecognitionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PermissionTimeout, err = durationFromEnv("VOICE_PERMISSION_TIMEOUT", cfg.PermissionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ConversationRestartDelay, err = durationFromEnv("VOICE_CONVERSATION_RESTART_DELAY", cfg.ConversationRestartDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultSpeakingRate, err = floatFromEnv("VOICE_DEFAULT_SPEAKING_RATE", cfg.DefaultSpeakingRate)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultVolume, err = floatFromEnv("VOICE_DEFAULT_VOLUME", cfg.DefaultVolume)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.PerCharDuration <= 0 {
		return Config{}, fmt.Errorf("VOICE_PER_CHAR_DURATION must be positive")
	}
	if cfg.MinPlayDuration <= 0 || cfg.MaxPlayDuration < cfg.MinPlayDuration {
		return Config{}, fmt.Errorf("VOICE_MIN_PLAY_DURATION/VOICE_MAX_PLAY_DURATION must be positive and ordered")
	}
	if cfg.CompletionBuffer < 0 {
		return Config{}, fmt.Errorf("VOICE_COMPLETION_BUFFER must not be negative")
	}
	if cfg.ConversationRestartDelay <= 0 {
		return Config{}, fmt.Errorf("VOICE_CONVERSATION_RESTART_DELAY must be positive")
	}
	if cfg.DefaultSpeakingRate < 0.1 || cfg.DefaultSpeakingRate > 10 {
		return Config{}, fmt.Errorf("VOICE_DEFAULT_SPEAKING_RATE must be in [0.1, 10]")
	}
	if cfg.DefaultVolume < 0 || cfg.DefaultVolume > 1 {
		return Config{}, fmt.Errorf("VOICE_DEFAULT_VOLUME must be in [0, 1]")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}
