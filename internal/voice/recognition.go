package voice

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RecognitionSession is the ephemeral per-capture record owned exclusively
// by the recognition manager. HasResult distinguishes "ended because a final
// transcript arrived" from "ended on silence/error/abort"; it is the sole
// gate for the conversation re-arm.
type RecognitionSession struct {
	IsListening        bool
	IsConversationMode bool
	HasResult          bool
	StartTime          time.Time
	SessionID          string
}

// RecognitionManagerConfig tunes session lifecycle timing.
type RecognitionManagerConfig struct {
	// PermissionTimeout bounds the microphone capability probe.
	PermissionTimeout time.Duration
	// ListenTimeout is the default hard no-speech timeout; 0 disables it.
	ListenTimeout time.Duration
	// RestartDelay is the pause between conversation turns. It gives the
	// backend time to release its audio handle from the just-ended session
	// before the next one starts.
	RestartDelay time.Duration
	// DefaultLanguage is used when ListenOptions leaves Language empty.
	DefaultLanguage string
}

func (c RecognitionManagerConfig) withDefaults() RecognitionManagerConfig {
	if c.PermissionTimeout <= 0 {
		c.PermissionTimeout = 5 * time.Second
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = 300 * time.Millisecond
	}
	if strings.TrimSpace(c.DefaultLanguage) == "" {
		c.DefaultLanguage = "en-US"
	}
	return c
}

// ListenOptions configure one listening session.
type ListenOptions struct {
	Language        string
	Continuous      bool
	InterimResults  bool
	MaxAlternatives int
	// Timeout overrides the configured no-speech timeout. Zero means use
	// the default; negative disables the timeout for this session.
	Timeout time.Duration
}

// RecognitionManager runs at most one listening session at a time and
// survives repeated start/stop cycles without leaking timers or listeners.
type RecognitionManager struct {
	mu         sync.Mutex
	cfg        RecognitionManagerConfig
	recognizer Recognizer
	probe      MicrophoneProbe

	session    RecognitionSession
	callbacks  RecognitionCallbacks
	generation uint64
	backend    RecognizerSession
	timeout    *time.Timer
	restart    *time.Timer

	// userStopped records an explicit stop so an abort triggered by the
	// user is never mistaken for a natural end-of-turn that should
	// auto-continue.
	userStopped bool

	convOptions ListenOptions
	convCtx     context.Context
	convCB      ConversationCallbacks
}

func NewRecognitionManager(cfg RecognitionManagerConfig, recognizer Recognizer, probe MicrophoneProbe) *RecognitionManager {
	return &RecognitionManager{
		cfg:        cfg.withDefaults(),
		recognizer: recognizer,
		probe:      probe,
	}
}

// State returns a snapshot copy of the current session.
func (m *RecognitionManager) State() RecognitionSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Supported reports whether a recognition backend is wired at all.
func (m *RecognitionManager) Supported() bool {
	return m.recognizer != nil
}

// RequestPermission probes microphone access. The probe releases the audio
// track immediately on success; this is a capability check, not a capture.
func (m *RecognitionManager) RequestPermission(ctx context.Context) *Error {
	if m.probe == nil {
		return NewError(ErrMissingConfiguration, "no microphone probe configured")
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.PermissionTimeout)
	defer cancel()
	if err := m.probe.Probe(probeCtx); err != nil {
		if probeCtx.Err() != nil {
			return WrapError(ErrAPITimeout, "microphone permission probe timed out", err)
		}
		return WrapError(ErrMicrophoneAccessDenied, "microphone access denied", err)
	}
	return nil
}

// StartListening begins a capture session. It rejects with
// CONCURRENT_OPERATION when one is already running; there is no queueing.
func (m *RecognitionManager) StartListening(ctx context.Context, opts ListenOptions, cb RecognitionCallbacks) *Error {
	if m.recognizer == nil {
		return NewError(ErrSpeechRecognitionNotSupported, "no recognition backend available")
	}

	m.mu.Lock()
	if m.session.IsListening {
		m.mu.Unlock()
		return NewError(ErrConcurrentOperation, "a listening session is already active")
	}
	m.mu.Unlock()

	if verr := m.RequestPermission(ctx); verr != nil {
		return verr
	}

	m.mu.Lock()
	if m.session.IsListening {
		m.mu.Unlock()
		return NewError(ErrConcurrentOperation, "a listening session is already active")
	}
	m.clearSessionLocked()
	m.generation++
	gen := m.generation
	sessionID := uuid.NewString()
	m.session.IsListening = true
	m.session.HasResult = false
	m.session.StartTime = time.Now()
	m.session.SessionID = sessionID
	m.userStopped = false
	m.callbacks = cb

	language := strings.TrimSpace(opts.Language)
	if language == "" {
		language = m.cfg.DefaultLanguage
	}
	maxAlternatives := opts.MaxAlternatives
	if maxAlternatives <= 0 {
		maxAlternatives = 1
	}
	backendCfg := RecognizerConfig{
		Language:        language,
		Continuous:      opts.Continuous,
		InterimResults:  opts.InterimResults,
		MaxAlternatives: maxAlternatives,
	}
	m.mu.Unlock()

	backend, events, err := m.recognizer.Start(ctx, backendCfg)
	if err != nil {
		m.mu.Lock()
		if m.generation == gen {
			m.session.IsListening = false
			m.session.HasResult = false
		}
		m.mu.Unlock()
		return WrapError(ErrSpeechRecognitionFailed, "recognition backend failed to start", err).
			WithContext(sessionID)
	}

	m.mu.Lock()
	if m.generation != gen {
		// Stopped while the backend was starting.
		m.mu.Unlock()
		_ = backend.Abort()
		return nil
	}
	m.backend = backend
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = m.cfg.ListenTimeout
	}
	if timeout > 0 {
		m.timeout = time.AfterFunc(timeout, func() {
			m.handleListenTimeout(gen)
		})
	}
	m.mu.Unlock()

	invoke(cb.OnStart)
	go m.consumeRecognitionEvents(gen, events)
	return nil
}

func (m *RecognitionManager) consumeRecognitionEvents(gen uint64, events <-chan RecognitionEvent) {
	for evt := range events {
		m.mu.Lock()
		if m.generation != gen {
			m.mu.Unlock()
			return
		}
		cb := m.callbacks
		switch evt.Type {
		case RecognitionEventPartial:
			m.mu.Unlock()
			if cb.OnResult != nil {
				cb.OnResult(evt.Transcript, false, evt.Confidence)
			}
		case RecognitionEventFinal:
			if strings.TrimSpace(evt.Transcript) != "" {
				m.session.HasResult = true
			}
			m.mu.Unlock()
			if cb.OnResult != nil {
				cb.OnResult(evt.Transcript, true, evt.Confidence)
			}
		case RecognitionEventEnd:
			m.session.IsListening = false
			m.stopTimeoutLocked()
			m.backend = nil
			m.mu.Unlock()
			invoke(cb.OnEnd)
		case RecognitionEventError:
			m.session.IsListening = false
			m.stopTimeoutLocked()
			sessionID := m.session.SessionID
			m.mu.Unlock()
			invokeErr(cb.OnError, mapRecognitionError(evt.Code, evt.Detail).WithContext(sessionID))
		default:
			m.mu.Unlock()
		}
	}
}

// handleListenTimeout fires the hard no-speech timeout. If a result already
// arrived or the session changed, it is a no-op.
func (m *RecognitionManager) handleListenTimeout(gen uint64) {
	m.mu.Lock()
	if m.generation != gen || !m.session.IsListening || m.session.HasResult {
		m.mu.Unlock()
		return
	}
	cb := m.callbacks
	backend := m.backend
	sessionID := m.session.SessionID
	m.backend = nil
	m.session.IsListening = false
	m.generation++
	m.mu.Unlock()

	if backend != nil {
		_ = backend.Abort()
	}
	invokeErr(cb.OnError, NewError(ErrNoSpeechDetected, "no speech detected before timeout").
		WithContext(sessionID))
}

// StopListening aborts the active capture immediately. A caller blocked on
// the displaced session resolves with OPERATION_CANCELLED. Idempotent;
// calling it with no active session is a no-op.
func (m *RecognitionManager) StopListening() {
	m.mu.Lock()
	m.userStopped = true
	wasListening := m.session.IsListening
	cb := m.callbacks
	sessionID := m.session.SessionID
	backend := m.backend
	m.backend = nil
	m.stopTimeoutLocked()
	m.session.IsListening = false
	m.session.HasResult = false
	m.generation++
	m.mu.Unlock()

	if backend != nil {
		_ = backend.Abort()
	}
	if wasListening {
		invokeErr(cb.OnError, NewError(ErrOperationCancelled, "listening stopped").
			WithContext(sessionID))
	}
}

// suspendListening displaces the active capture on behalf of another
// operation. Unlike StopListening it is not a user stop: when conversation
// mode is active the loop re-arms after the displacing operation finishes
// instead of ending for good.
func (m *RecognitionManager) suspendListening() {
	m.mu.Lock()
	wasListening := m.session.IsListening
	cb := m.callbacks
	sessionID := m.session.SessionID
	backend := m.backend
	m.backend = nil
	m.stopTimeoutLocked()
	m.session.IsListening = false
	m.session.HasResult = false
	m.generation++
	rearm := m.session.IsConversationMode && !m.userStopped
	ctx := m.convCtx
	convCB := m.convCB
	m.mu.Unlock()

	if backend != nil {
		_ = backend.Abort()
	}
	if wasListening {
		invokeErr(cb.OnError, NewError(ErrOperationCancelled, "listening displaced by playback").
			WithContext(sessionID))
	}
	if rearm && ctx != nil {
		m.scheduleConversationRestart(ctx, convCB)
	}
}

// ConversationCallbacks extends RecognitionCallbacks with a per-turn hook
// fired only for final non-empty transcripts.
type ConversationCallbacks struct {
	RecognitionCallbacks
	OnTurn func(transcript string, confidence float64)
	// RestartGate, when set, can hold back a pending re-arm. A closed gate
	// reschedules the restart instead of opening the microphone, so the
	// loop waits out whatever is occupying the audio path.
	RestartGate func() bool
}

// StartConversationMode begins the self-renewing listen loop. A no-op when
// conversation mode is already active.
func (m *RecognitionManager) StartConversationMode(ctx context.Context, opts ListenOptions, cb ConversationCallbacks) *Error {
	m.mu.Lock()
	if m.session.IsConversationMode {
		m.mu.Unlock()
		return nil
	}
	m.session.IsConversationMode = true
	m.userStopped = false
	m.convOptions = opts
	m.convCtx = ctx
	m.convCB = cb
	m.mu.Unlock()

	return m.startConversationListen(ctx, cb)
}

func (m *RecognitionManager) startConversationListen(ctx context.Context, cb ConversationCallbacks) *Error {
	inner := cb.RecognitionCallbacks
	wrapped := RecognitionCallbacks{
		OnStart: inner.OnStart,
		OnEnd:   inner.OnEnd,
		OnResult: func(transcript string, isFinal bool, confidence float64) {
			if inner.OnResult != nil {
				inner.OnResult(transcript, isFinal, confidence)
			}
			// Only a final transcript with non-empty trimmed content arms
			// the re-arm path; interims and empty finals never loop.
			if isFinal && strings.TrimSpace(transcript) != "" {
				if cb.OnTurn != nil {
					cb.OnTurn(transcript, confidence)
				}
				m.scheduleConversationRestart(ctx, cb)
			}
		},
		OnError: func(err *Error) {
			if inner.OnError != nil {
				inner.OnError(err)
			}
			// Silence is a natural end of turn; anything else likely
			// indicates a real failure that should surface instead of
			// looping silently.
			if err != nil && err.Type == ErrNoSpeechDetected {
				m.scheduleConversationRestart(ctx, cb)
			}
		},
	}

	verr := m.StartListening(ctx, m.convOptionsSnapshot(), wrapped)
	if verr != nil && verr.Type == ErrConcurrentOperation {
		// The previous turn's session is still winding down; the restart
		// timer will try again.
		return nil
	}
	return verr
}

func (m *RecognitionManager) convOptionsSnapshot() ListenOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.convOptions
}

// scheduleConversationRestart arms the delayed re-arm. Any pending restart
// timer is replaced, so one turn produces at most one re-arm.
func (m *RecognitionManager) scheduleConversationRestart(ctx context.Context, cb ConversationCallbacks) {
	m.mu.Lock()
	if !m.session.IsConversationMode || m.userStopped {
		m.mu.Unlock()
		return
	}
	if m.restart != nil {
		m.restart.Stop()
	}
	m.restart = time.AfterFunc(m.cfg.RestartDelay, func() {
		m.runConversationRestart(ctx, cb)
	})
	m.mu.Unlock()
}

func (m *RecognitionManager) runConversationRestart(ctx context.Context, cb ConversationCallbacks) {
	m.mu.Lock()
	m.restart = nil
	if !m.session.IsConversationMode || m.userStopped {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	// Opening the microphone mid-playback would capture our own speech;
	// wait out the gate and try again.
	if cb.RestartGate != nil && !cb.RestartGate() {
		m.scheduleConversationRestart(ctx, cb)
		return
	}

	m.mu.Lock()
	if !m.session.IsConversationMode || m.userStopped {
		m.mu.Unlock()
		return
	}
	// The backend normally ends the old session during the restart delay;
	// abort it if it is still lingering.
	backend := m.backend
	m.backend = nil
	m.stopTimeoutLocked()
	m.session.IsListening = false
	m.session.HasResult = false
	m.generation++
	m.mu.Unlock()

	if backend != nil {
		_ = backend.Abort()
	}
	if verr := m.startConversationListen(ctx, cb); verr != nil {
		invokeErr(cb.OnError, verr)
	}
}

// StopConversationMode leaves the loop: it cancels any pending re-arm and
// aborts the current capture. Idempotent.
func (m *RecognitionManager) StopConversationMode() {
	m.mu.Lock()
	m.session.IsConversationMode = false
	m.userStopped = true
	m.convCtx = nil
	m.convCB = ConversationCallbacks{}
	if m.restart != nil {
		m.restart.Stop()
		m.restart = nil
	}
	m.mu.Unlock()

	m.StopListening()
}

// Cleanup aborts everything, clears all timers and callbacks, and resets
// state. Safe to call repeatedly, including on a fresh instance.
func (m *RecognitionManager) Cleanup() {
	m.mu.Lock()
	wasListening := m.session.IsListening
	cb := m.callbacks
	sessionID := m.session.SessionID
	backend := m.backend
	m.clearSessionLocked()
	m.session = RecognitionSession{}
	m.callbacks = RecognitionCallbacks{}
	m.convOptions = ListenOptions{}
	m.convCtx = nil
	m.convCB = ConversationCallbacks{}
	m.userStopped = false
	m.generation++
	m.mu.Unlock()

	if backend != nil {
		_ = backend.Abort()
	}
	if wasListening {
		invokeErr(cb.OnError, NewError(ErrOperationCancelled, "recognition shut down").
			WithContext(sessionID))
	}
}

// clearSessionLocked drops the backend reference and stops per-session and
// conversation timers; caller holds m.mu.
func (m *RecognitionManager) clearSessionLocked() {
	m.backend = nil
	m.stopTimeoutLocked()
	if m.restart != nil {
		m.restart.Stop()
		m.restart = nil
	}
}

func (m *RecognitionManager) stopTimeoutLocked() {
	if m.timeout != nil {
		m.timeout.Stop()
		m.timeout = nil
	}
}

// mapRecognitionError translates backend error codes into the shared
// taxonomy.
func mapRecognitionError(code, detail string) *Error {
	msg := strings.TrimSpace(detail)
	if msg == "" {
		msg = fmt.Sprintf("recognition backend reported %q", code)
	}
	switch strings.TrimSpace(strings.ToLower(code)) {
	case "no-speech", "no_speech":
		return NewError(ErrNoSpeechDetected, msg)
	case "not-allowed", "service-not-allowed", "audio-capture", "permission":
		return NewError(ErrMicrophoneAccessDenied, msg)
	case "network":
		return NewError(ErrNetwork, msg)
	case "aborted":
		return NewError(ErrOperationCancelled, msg)
	default:
		return NewError(ErrSpeechRecognitionFailed, msg)
	}
}
