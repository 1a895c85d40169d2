package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/Shen-Yukang/musea-voice/internal/config"
	"github.com/Shen-Yukang/musea-voice/internal/httpapi"
	"github.com/Shen-Yukang/musea-voice/internal/observability"
	"github.com/Shen-Yukang/musea-voice/internal/relay"
	"github.com/Shen-Yukang/musea-voice/internal/session"
	"github.com/Shen-Yukang/musea-voice/internal/settings"
	"github.com/Shen-Yukang/musea-voice/internal/voice"
)

// BackendInfo describes which playback backends were resolved at startup.
type BackendInfo struct {
	Relay  string
	Detail string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Metrics  *observability.Metrics
	Backend  BackendInfo

	// Cleanup should be called on shutdown to release external resources
	// (DB pool, relay connection).
	Cleanup func() error
}

// Build assembles the service from configuration: metrics, preference store,
// playback backends, per-session coordinators, HTTP surface.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	prefsStore, err := settings.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("preferences store init failed: %w", err)
	}

	// The simulated backends stand in for the host platform's synthesizer,
	// recognizer and microphone probe; the relay is the only remote piece.
	backends := voice.NewMockBackends()
	info := BackendInfo{Relay: "none", Detail: "simulated relay + local synthesis"}

	var playbackRelay voice.PlaybackRelay = backends.Relay
	var relayClient *relay.Client
	if strings.TrimSpace(cfg.RelayURL) != "" {
		relayClient, err = relay.NewClient(cfg.RelayURL, cfg.DefaultLanguage, cfg.RelayAckTimeout)
		if err != nil {
			_ = prefsStore.Close()
			return nil, fmt.Errorf("relay client init failed: %w", err)
		}
		playbackRelay = relayClient
		info = BackendInfo{Relay: cfg.RelayURL, Detail: "websocket relay"}
	}

	coordCfg := voice.CoordinatorConfig{
		Playback: voice.PlaybackConfig{
			PerCharDuration:  cfg.PerCharDuration,
			MinDuration:      cfg.MinPlayDuration,
			MaxDuration:      cfg.MaxPlayDuration,
			CompletionBuffer: cfg.CompletionBuffer,
			ProgressInterval: cfg.ProgressInterval,
		},
		Recognition: voice.RecognitionManagerConfig{
			PermissionTimeout: cfg.PermissionTimeout,
			ListenTimeout:     cfg.RecognitionTimeout,
			RestartDelay:      cfg.ConversationRestartDelay,
		},
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout, func() *voice.Coordinator {
		return voice.NewCoordinator(coordCfg, playbackRelay, backends.Synth, backends.Recognizer, backends.Probe, metrics)
	})

	// The preview path only needs the synthesizer; it never touches the
	// relay or the microphone.
	previewer := voice.NewCoordinator(coordCfg, nil, backends.Synth, nil, backends.Probe, metrics)

	api := httpapi.New(cfg, sessions, prefsStore, previewer, metrics)

	cleanup := func() error {
		var errs []string
		if relayClient != nil {
			if err := relayClient.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if err := prefsStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Metrics:  metrics,
		Backend:  info,
		Cleanup:  cleanup,
	}, nil
}
