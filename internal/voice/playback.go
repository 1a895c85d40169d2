package voice

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PlaybackMethod names which backend carries the current utterance.
type PlaybackMethod string

const (
	PlaybackRemote PlaybackMethod = "remote_tts"
	PlaybackLocal  PlaybackMethod = "local_synthesis"
)

// PlaybackSession is the ephemeral per-utterance record owned exclusively by
// the playback manager. State() hands out copies, never the live value.
// After a session ends, only ActualDuration survives until the next start.
type PlaybackSession struct {
	IsPlaying      bool
	StartTime      time.Time
	EstimatedEnd   time.Time
	ActualDuration time.Duration
	Text           string
	Method         PlaybackMethod
}

// PlaybackConfig carries the completion-inference heuristics. They are
// configuration rather than constants: the right values depend on the real
// backend's playback speed, which this service does not measure directly.
type PlaybackConfig struct {
	// PerCharDuration is the estimated speaking time per character.
	PerCharDuration time.Duration
	// MinDuration and MaxDuration clamp the estimate.
	MinDuration time.Duration
	MaxDuration time.Duration
	// CompletionBuffer is the grace added to the estimate before the remote
	// path unilaterally declares completion.
	CompletionBuffer time.Duration
	// ProgressInterval is the tick between OnProgress callbacks.
	ProgressInterval time.Duration
}

func (c PlaybackConfig) withDefaults() PlaybackConfig {
	if c.PerCharDuration <= 0 {
		c.PerCharDuration = 60 * time.Millisecond
	}
	if c.MinDuration <= 0 {
		c.MinDuration = time.Second
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 30 * time.Second
	}
	if c.MaxDuration < c.MinDuration {
		c.MaxDuration = c.MinDuration
	}
	if c.CompletionBuffer < 0 {
		c.CompletionBuffer = 0
	}
	if c.CompletionBuffer == 0 {
		c.CompletionBuffer = 2 * time.Second
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 250 * time.Millisecond
	}
	return c
}

const localProgressCap = 0.95

// PlaybackManager plays one text utterance at a time. The remote relay path
// has no completion signal, so the manager arms a timer for the clamped
// estimate plus a buffer and declares completion when it fires. The local
// synthesis path reports the backend's genuine end event instead.
type PlaybackManager struct {
	mu        sync.Mutex
	cfg       PlaybackConfig
	relay     PlaybackRelay
	synth     Synthesizer
	estimates *estimateCache

	session      PlaybackSession
	callbacks    PlaybackCallbacks
	generation   uint64
	completion   *time.Timer
	progressStop chan struct{}
	utterance    SynthesisUtterance
}

func NewPlaybackManager(cfg PlaybackConfig, relay PlaybackRelay, synth Synthesizer) *PlaybackManager {
	return &PlaybackManager{
		cfg:       cfg.withDefaults(),
		relay:     relay,
		synth:     synth,
		estimates: newEstimateCache(32),
	}
}

// State returns a snapshot copy of the current session.
func (m *PlaybackManager) State() PlaybackSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// EstimateDuration exposes the clamped estimate for an utterance, preferring
// a previously observed duration for the same text.
func (m *PlaybackManager) EstimateDuration(text string) time.Duration {
	if observed, ok := m.estimates.Get(text); ok {
		return clampDuration(observed, m.cfg.MinDuration, m.cfg.MaxDuration)
	}
	return estimateSpeechDuration(text, m.cfg.PerCharDuration, m.cfg.MinDuration, m.cfg.MaxDuration)
}

// StartRemote dispatches text to the relay and infers completion. An active
// session is stopped first; that is not an error.
func (m *PlaybackManager) StartRemote(ctx context.Context, text string, cb PlaybackCallbacks) *Error {
	normalized := normalizeUtterance(text)
	if normalized == "" {
		return NewError(ErrTTSConfigInvalid, "playback text is empty")
	}
	if m.relay == nil {
		return NewError(ErrMissingConfiguration, "no playback relay configured")
	}

	m.stopActive()

	estimate := m.EstimateDuration(normalized)
	now := time.Now()

	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.callbacks = cb
	m.session = PlaybackSession{
		IsPlaying:    true,
		StartTime:    now,
		EstimatedEnd: now.Add(estimate),
		Text:         normalized,
		Method:       PlaybackRemote,
	}
	m.mu.Unlock()

	invoke(cb.OnStart)

	if err := m.relay.Play(ctx, normalized); err != nil {
		m.mu.Lock()
		if m.generation == gen {
			m.resetLocked()
		}
		m.mu.Unlock()
		verr := WrapError(ErrTTSPlaybackFailed, "relay dispatch failed", err)
		invokeErr(cb.OnError, verr)
		return verr
	}

	m.mu.Lock()
	if m.generation != gen {
		// Stopped while the dispatch was in flight.
		m.mu.Unlock()
		return nil
	}
	m.completion = time.AfterFunc(estimate+m.cfg.CompletionBuffer, func() {
		m.completeRemote(gen)
	})
	m.startProgressLocked(gen, now, estimate, 1.0)
	m.mu.Unlock()
	return nil
}

// SynthesisOptions tune the local fallback path.
type SynthesisOptions struct {
	Rate     float64
	Volume   float64
	Language string
}

// StartLocal plays text through the local synthesizer. This path has a real
// completion signal, so OnEnd reports actual duration, not an estimate.
func (m *PlaybackManager) StartLocal(ctx context.Context, text string, opts SynthesisOptions, cb PlaybackCallbacks) *Error {
	normalized := normalizeUtterance(text)
	if normalized == "" {
		return NewError(ErrTTSConfigInvalid, "playback text is empty")
	}
	if m.synth == nil {
		return NewError(ErrMissingConfiguration, "no local synthesizer configured")
	}

	m.stopActive()

	estimate := m.EstimateDuration(normalized)
	now := time.Now()

	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.callbacks = cb
	m.session = PlaybackSession{
		IsPlaying:    true,
		StartTime:    now,
		EstimatedEnd: now.Add(estimate),
		Text:         normalized,
		Method:       PlaybackLocal,
	}
	m.mu.Unlock()

	req := SynthesisRequest{
		Text:     normalized,
		Rate:     clampFloat(opts.Rate, 0, 2),
		Volume:   clampFloat(opts.Volume, 0, 1),
		Language: opts.Language,
	}
	utterance, events, err := m.synth.Speak(ctx, req)
	if err != nil {
		m.mu.Lock()
		if m.generation == gen {
			m.resetLocked()
		}
		m.mu.Unlock()
		verr := WrapError(ErrTTSGenerationFailed, "local synthesis failed to start", err)
		invokeErr(cb.OnError, verr)
		return verr
	}

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		_ = utterance.Cancel()
		return nil
	}
	m.utterance = utterance
	m.startProgressLocked(gen, now, estimate, localProgressCap)
	m.mu.Unlock()

	go m.consumeSynthesisEvents(gen, now, events)
	return nil
}

func (m *PlaybackManager) consumeSynthesisEvents(gen uint64, started time.Time, events <-chan SynthesisEvent) {
	for evt := range events {
		m.mu.Lock()
		if m.generation != gen {
			m.mu.Unlock()
			return
		}
		cb := m.callbacks
		switch evt.Type {
		case SynthesisEventStart:
			m.mu.Unlock()
			invoke(cb.OnStart)
		case SynthesisEventAudio:
			// Audio bytes are the host's concern; playback state does not
			// change per chunk.
			m.mu.Unlock()
		case SynthesisEventEnd:
			actual := time.Since(started)
			text := m.session.Text
			m.resetLocked()
			m.session.ActualDuration = actual
			m.mu.Unlock()
			m.estimates.Put(text, actual)
			invokeDur(cb.OnEnd, actual)
			return
		case SynthesisEventError:
			m.resetLocked()
			m.mu.Unlock()
			invokeErr(cb.OnError, NewError(ErrTTSPlaybackFailed,
				fmt.Sprintf("synthesis backend error %s: %s", evt.Code, evt.Detail)))
			return
		default:
			m.mu.Unlock()
		}
	}
}

// completeRemote fires when the completion timer elapses. A stale timer
// (session already stopped or replaced) is a no-op.
func (m *PlaybackManager) completeRemote(gen uint64) {
	m.mu.Lock()
	if m.generation != gen || !m.session.IsPlaying {
		m.mu.Unlock()
		return
	}
	elapsed := time.Since(m.session.StartTime)
	cb := m.callbacks
	m.resetLocked()
	m.session.ActualDuration = elapsed
	m.mu.Unlock()

	invokeDur(cb.OnEnd, elapsed)
}

// Stop is idempotent. OnEnd fires with the elapsed play time only when a
// session was actually active.
func (m *PlaybackManager) Stop() {
	m.stopActive()
}

func (m *PlaybackManager) stopActive() {
	m.mu.Lock()
	if !m.session.IsPlaying {
		m.clearTimersLocked()
		m.mu.Unlock()
		return
	}
	elapsed := time.Since(m.session.StartTime)
	cb := m.callbacks
	utterance := m.utterance
	m.resetLocked()
	m.session.ActualDuration = elapsed
	m.generation++ // invalidate in-flight dispatches and stale timers
	m.mu.Unlock()

	if utterance != nil {
		_ = utterance.Cancel()
	}
	invokeDur(cb.OnEnd, elapsed)
}

// Cleanup tears the manager down. Safe to call repeatedly and on a fresh
// instance; no callbacks fire.
func (m *PlaybackManager) Cleanup() {
	m.mu.Lock()
	utterance := m.utterance
	m.resetLocked()
	m.generation++
	m.callbacks = PlaybackCallbacks{}
	m.mu.Unlock()
	if utterance != nil {
		_ = utterance.Cancel()
	}
}

// resetLocked clears the session and timers; caller holds m.mu.
func (m *PlaybackManager) resetLocked() {
	m.clearTimersLocked()
	m.utterance = nil
	m.session = PlaybackSession{}
}

func (m *PlaybackManager) clearTimersLocked() {
	if m.completion != nil {
		m.completion.Stop()
		m.completion = nil
	}
	if m.progressStop != nil {
		close(m.progressStop)
		m.progressStop = nil
	}
}

// startProgressLocked begins the recurring progress tick; caller holds m.mu.
// The remote path caps at 100%; the local path caps at 95% because true
// completion is awaited from the backend, not guessed.
func (m *PlaybackManager) startProgressLocked(gen uint64, started time.Time, total time.Duration, cap float64) {
	if total <= 0 {
		return
	}
	stop := make(chan struct{})
	m.progressStop = stop
	cb := m.callbacks
	if cb.OnProgress == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(m.cfg.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.mu.Lock()
				alive := m.generation == gen && m.session.IsPlaying
				m.mu.Unlock()
				if !alive {
					return
				}
				fraction := float64(time.Since(started)) / float64(total)
				cb.OnProgress(clampFloat(fraction, 0, cap))
			}
		}
	}()
}

func invoke(fn func()) {
	if fn != nil {
		fn()
	}
}

func invokeDur(fn func(time.Duration), d time.Duration) {
	if fn != nil {
		fn(d)
	}
}

func invokeErr(fn func(*Error), err *Error) {
	if fn != nil {
		fn(err)
	}
}
