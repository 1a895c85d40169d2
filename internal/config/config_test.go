package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.MetricsNamespace != "museavoice" {
		t.Fatalf("MetricsNamespace = %q", cfg.MetricsNamespace)
	}
	if cfg.RelayURL != "" {
		t.Fatalf("RelayURL = %q, want empty default", cfg.RelayURL)
	}
	if cfg.PerCharDuration != 60*time.Millisecond {
		t.Fatalf("PerCharDuration = %v, want 60ms", cfg.PerCharDuration)
	}
	if cfg.MinPlayDuration != time.Second || cfg.MaxPlayDuration != 30*time.Second {
		t.Fatalf("play clamp = [%v, %v]", cfg.MinPlayDuration, cfg.MaxPlayDuration)
	}
	if cfg.ConversationRestartDelay != 300*time.Millisecond {
		t.Fatalf("ConversationRestartDelay = %v", cfg.ConversationRestartDelay)
	}
	if cfg.DefaultLanguage != "en-US" {
		t.Fatalf("DefaultLanguage = %q", cfg.DefaultLanguage)
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")
	t.Setenv("VOICE_RELAY_URL", "ws://relay:9000/play")
	t.Setenv("VOICE_PER_CHAR_DURATION", "80ms")
	t.Setenv("VOICE_MAX_PLAY_DURATION", "45s")
	t.Setenv("VOICE_DEFAULT_VOLUME", "0.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.RelayURL != "ws://relay:9000/play" {
		t.Fatalf("RelayURL = %q", cfg.RelayURL)
	}
	if cfg.PerCharDuration != 80*time.Millisecond {
		t.Fatalf("PerCharDuration = %v", cfg.PerCharDuration)
	}
	if cfg.MaxPlayDuration != 45*time.Second {
		t.Fatalf("MaxPlayDuration = %v", cfg.MaxPlayDuration)
	}
	if cfg.DefaultVolume != 0.5 {
		t.Fatalf("DefaultVolume = %v", cfg.DefaultVolume)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"malformed duration", "VOICE_PER_CHAR_DURATION", "sixty"},
		{"negative per char", "VOICE_PER_CHAR_DURATION", "-1ms"},
		{"inverted clamp", "VOICE_MAX_PLAY_DURATION", "100ms"},
		{"tiny inactivity", "APP_SESSION_INACTIVITY_TIMEOUT", "1s"},
		{"rate out of range", "VOICE_DEFAULT_SPEAKING_RATE", "99"},
		{"volume out of range", "VOICE_DEFAULT_VOLUME", "1.5"},
		{"restart delay zero", "VOICE_CONVERSATION_RESTART_DELAY", "0s"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() accepted %s=%s", tc.key, tc.value)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"DATABASE_URL",
		"VOICE_RELAY_URL",
		"VOICE_RELAY_ACK_TIMEOUT",
		"VOICE_PER_CHAR_DURATION",
		"VOICE_MIN_PLAY_DURATION",
		"VOICE_MAX_PLAY_DURATION",
		"VOICE_COMPLETION_BUFFER",
		"VOICE_PROGRESS_INTERVAL",
		"VOICE_RECOGNITION_TIMEOUT",
		"VOICE_PERMISSION_TIMEOUT",
		"VOICE_CONVERSATION_RESTART_DELAY",
		"VOICE_DEFAULT_LANGUAGE",
		"VOICE_DEFAULT_SPEAKING_RATE",
		"VOICE_DEFAULT_VOLUME",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
