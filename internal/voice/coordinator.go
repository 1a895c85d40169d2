package voice

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Shen-Yukang/musea-voice/internal/observability"
)

// SpeakOptions tune one utterance.
type SpeakOptions struct {
	// InterruptCurrent lets this utterance displace an active one instead
	// of failing with CONCURRENT_OPERATION.
	InterruptCurrent bool
	Rate             float64
	Volume           float64
	Language         string
	// OnProgress, when set, receives playback progress in [0,1].
	OnProgress func(fraction float64)
}

// SpeakResult reports how an utterance ended.
type SpeakResult struct {
	Duration    time.Duration
	Interrupted bool
	Method      PlaybackMethod
}

// ListenResult is the single-shot recognition outcome.
type ListenResult struct {
	Transcript string
	Confidence float64
	IsFinal    bool
}

// ConversationOptions configure the turn-taking loop.
type ConversationOptions struct {
	Listen ListenOptions
	// OnTurn fires once per final non-empty transcript.
	OnTurn func(transcript string, confidence float64)
	// OnError surfaces loop failures that stop auto-continuation.
	OnError func(err *Error)
}

// StateInfo is the externally visible coordinator snapshot.
type StateInfo struct {
	State                State     `json:"state"`
	IsListening          bool      `json:"is_listening"`
	IsSpeaking           bool      `json:"is_speaking"`
	IsConversationActive bool      `json:"is_conversation_active"`
	LastErrorType        ErrorType `json:"last_error_type,omitempty"`
	LastErrorMessage     string    `json:"last_error_message,omitempty"`
}

// Coordinator is the single entry point for voice interaction. It owns the
// state machine and mediates between the playback and recognition managers
// so that at most one of {speaking, listening} is active at any instant:
// simultaneous mic capture and audio playback cause feedback in practice.
type Coordinator struct {
	machine     *stateMachine
	playback    *PlaybackManager
	recognition *RecognitionManager
	router      *playbackRouter
	synth       Synthesizer
	metrics     *observability.Metrics

	mu             sync.Mutex
	lastErr        *Error
	conversing     bool
	speakInterrupt bool
}

// CoordinatorConfig aggregates manager tuning.
type CoordinatorConfig struct {
	Playback    PlaybackConfig
	Recognition RecognitionManagerConfig
}

func NewCoordinator(
	cfg CoordinatorConfig,
	relay PlaybackRelay,
	synth Synthesizer,
	recognizer Recognizer,
	probe MicrophoneProbe,
	metrics *observability.Metrics,
) *Coordinator {
	return &Coordinator{
		machine:     newStateMachine(),
		playback:    NewPlaybackManager(cfg.Playback, relay, synth),
		recognition: NewRecognitionManager(cfg.Recognition, recognizer, probe),
		router:      newPlaybackRouter(relay, synth),
		synth:       synth,
		metrics:     metrics,
	}
}

// StateInfo returns a snapshot of the coordinator.
func (c *Coordinator) StateInfo() StateInfo {
	rec := c.recognition.State()
	play := c.playback.State()
	c.mu.Lock()
	lastErr := c.lastErr
	conversing := c.conversing
	c.mu.Unlock()

	info := StateInfo{
		State:                c.machine.Current(),
		IsListening:          rec.IsListening,
		IsSpeaking:           play.IsPlaying,
		IsConversationActive: conversing,
	}
	if lastErr != nil {
		info.LastErrorType = lastErr.Type
		info.LastErrorMessage = lastErr.UserMessage()
	}
	return info
}

// LastError returns the stored error, if the coordinator is in error state.
func (c *Coordinator) LastError() *Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

type playOutcome struct {
	duration    time.Duration
	interrupted bool
	err         *Error
}

// Speak plays text and blocks until playback completes, is interrupted, or
// fails. With InterruptCurrent unset, speaking over an active utterance
// fails with CONCURRENT_OPERATION.
func (c *Coordinator) Speak(ctx context.Context, text string, opts SpeakOptions) (SpeakResult, *Error) {
	if strings.TrimSpace(text) == "" {
		return SpeakResult{}, NewError(ErrTTSConfigInvalid, "speak text is empty")
	}
	c.exitErrorState()

	if c.machine.Current() == StateSpeaking && !opts.InterruptCurrent {
		return SpeakResult{}, NewError(ErrConcurrentOperation, "already speaking")
	}

	// Mutual exclusion: stop any in-flight session of either manager before
	// starting this one. A conversation capture is suspended, not killed:
	// the loop re-arms once this utterance finishes.
	if c.recognition.State().IsListening {
		c.recognition.suspendListening()
		if c.machine.Current() == StateListening {
			c.transitionTo(StateIdle)
		}
	}
	if c.playback.State().IsPlaying {
		c.markInterrupt()
		c.playback.Stop() // the displaced utterance resolves as interrupted
		c.transitionTo(StateIdle)
	}

	if verr := c.transitionTo(StateSpeaking); verr != nil {
		return SpeakResult{}, verr
	}

	done := make(chan playOutcome, 1)
	cb := PlaybackCallbacks{
		OnProgress: opts.OnProgress,
		OnEnd: func(d time.Duration) {
			interrupted := c.takeInterrupt()
			c.transitionTo(StateIdle)
			select {
			case done <- playOutcome{duration: d, interrupted: interrupted}:
			default:
			}
		},
		OnError: func(err *Error) {
			c.recordError(err)
			select {
			case done <- playOutcome{err: err}:
			default:
			}
		},
	}

	method := PlaybackLocal
	var verr *Error
	if c.router.UseRemote() {
		method = PlaybackRemote
		verr = c.playback.StartRemote(ctx, text, cb)
		if verr != nil {
			c.router.NoteRemoteFailure()
		}
	} else {
		verr = c.playback.StartLocal(ctx, text, SynthesisOptions{
			Rate:     opts.Rate,
			Volume:   opts.Volume,
			Language: opts.Language,
		}, cb)
		if verr != nil {
			c.router.NoteLocalFailure()
		}
	}
	if verr != nil {
		// A start failure never produced a playback session, so there is
		// nothing to be in error about; roll SPEAKING back to idle instead
		// of stranding the machine.
		if c.machine.Current() == StateSpeaking {
			c.transitionTo(StateIdle)
		}
		return SpeakResult{}, verr
	}

	// A conversation re-arm can slip in between the exclusion check and the
	// playback flag going up; sweep it out now that the flag gates restarts.
	if c.recognition.State().IsListening {
		c.recognition.suspendListening()
	}

	select {
	case out := <-done:
		if out.err != nil {
			return SpeakResult{}, out.err
		}
		c.metrics.ObservePlaybackDuration(string(method), out.duration)
		return SpeakResult{Duration: out.duration, Interrupted: out.interrupted, Method: method}, nil
	case <-ctx.Done():
		c.StopSpeaking()
		return SpeakResult{}, WrapError(ErrOperationCancelled, "speak cancelled", ctx.Err())
	}
}

// StopSpeaking halts any active playback. Idempotent.
func (c *Coordinator) StopSpeaking() {
	if c.playback.State().IsPlaying {
		c.markInterrupt()
	}
	c.playback.Stop()
	if c.machine.Current() == StateSpeaking {
		c.transitionTo(StateIdle)
	}
}

// Listen runs one single-shot recognition session and blocks until a final
// transcript arrives, recognition fails, or ctx is cancelled.
func (c *Coordinator) Listen(ctx context.Context, opts ListenOptions) (ListenResult, *Error) {
	c.exitErrorState()

	if c.recognition.State().IsListening {
		return ListenResult{}, NewError(ErrConcurrentOperation, "already listening")
	}

	// Stop playback before the microphone opens; its OnEnd fires before the
	// listening session starts.
	if c.playback.State().IsPlaying {
		c.markInterrupt()
		c.playback.Stop()
		c.transitionTo(StateIdle)
	}

	if verr := c.transitionTo(StateListening); verr != nil {
		return ListenResult{}, verr
	}

	resultCh := make(chan ListenResult, 1)
	errCh := make(chan *Error, 1)
	cb := RecognitionCallbacks{
		OnResult: func(transcript string, isFinal bool, confidence float64) {
			if !isFinal {
				return
			}
			select {
			case resultCh <- ListenResult{Transcript: transcript, Confidence: confidence, IsFinal: true}:
			default:
			}
		},
		OnEnd: func() {
			if c.machine.Current() == StateListening {
				c.transitionTo(StateIdle)
			}
		},
		OnError: func(err *Error) {
			if err != nil && err.Type == ErrOperationCancelled {
				// Displaced by a stop or by another operation; not a fault.
				if c.machine.Current() == StateListening {
					c.transitionTo(StateIdle)
				}
			} else {
				c.recordError(err)
			}
			select {
			case errCh <- err:
			default:
			}
		},
	}

	if verr := c.recognition.StartListening(ctx, opts, cb); verr != nil {
		if verr.Type == ErrConcurrentOperation {
			c.transitionTo(StateIdle)
		} else {
			c.recordError(verr)
		}
		return ListenResult{}, verr
	}
	c.metrics.ObserveRecognitionSession()

	select {
	case res := <-resultCh:
		c.transitionTo(StateProcessing)
		c.recognition.StopListening()
		c.transitionTo(StateIdle)
		return res, nil
	case verr := <-errCh:
		return ListenResult{}, verr
	case <-ctx.Done():
		c.recognition.StopListening()
		if c.machine.Current() == StateListening {
			c.transitionTo(StateIdle)
		}
		return ListenResult{}, WrapError(ErrOperationCancelled, "listen cancelled", ctx.Err())
	}
}

// StopListening aborts any active capture. Idempotent.
func (c *Coordinator) StopListening() {
	c.recognition.StopListening()
	if c.machine.Current() == StateListening {
		c.transitionTo(StateIdle)
	}
}

// StartConversation enables the turn-taking loop: after every final
// non-empty transcript (or a silence timeout) the next listening session
// starts automatically until StopConversation. A no-op when already active.
func (c *Coordinator) StartConversation(ctx context.Context, opts ConversationOptions) *Error {
	c.exitErrorState()

	c.mu.Lock()
	if c.conversing {
		c.mu.Unlock()
		return nil
	}
	c.conversing = true
	c.mu.Unlock()

	cb := ConversationCallbacks{
		RecognitionCallbacks: RecognitionCallbacks{
			OnStart: func() {
				c.transitionTo(StateListening)
			},
			OnResult: func(transcript string, isFinal bool, confidence float64) {
				if isFinal && strings.TrimSpace(transcript) != "" {
					c.transitionTo(StateProcessing)
				}
			},
			OnEnd: func() {
				if c.machine.Current() == StateListening {
					c.transitionTo(StateIdle)
				}
			},
			OnError: func(err *Error) {
				if err != nil && (err.Type == ErrNoSpeechDetected || err.Type == ErrOperationCancelled) {
					// Silence is an ordinary turn boundary, and a cancelled
					// capture means the turn was displaced; neither is a
					// failure of the loop.
					if c.machine.Current() == StateListening {
						c.transitionTo(StateIdle)
					}
					return
				}
				c.recordError(err)
				if opts.OnError != nil {
					opts.OnError(err)
				}
			},
		},
		OnTurn: func(transcript string, confidence float64) {
			if c.machine.Current() == StateProcessing {
				c.transitionTo(StateIdle)
			}
			c.metrics.ObserveConversationRearm()
			if opts.OnTurn != nil {
				opts.OnTurn(transcript, confidence)
			}
		},
		RestartGate: func() bool {
			return !c.playback.State().IsPlaying
		},
	}

	if verr := c.recognition.StartConversationMode(ctx, opts.Listen, cb); verr != nil {
		c.mu.Lock()
		c.conversing = false
		c.mu.Unlock()
		c.recordError(verr)
		return verr
	}
	return nil
}

// StopConversation leaves conversation mode and force-stops any in-flight
// speaking or listening. Idempotent.
func (c *Coordinator) StopConversation() {
	c.mu.Lock()
	c.conversing = false
	c.mu.Unlock()

	c.recognition.StopConversationMode()
	c.StopSpeaking()
	c.transitionTo(StateIdle)
	c.clearError()
}

// RequestPermissions asks for microphone access.
func (c *Coordinator) RequestPermissions(ctx context.Context) (bool, *Error) {
	if verr := c.recognition.RequestPermission(ctx); verr != nil {
		return false, verr
	}
	return true, nil
}

// CheckPermissions probes without surfacing a denial as an error.
func (c *Coordinator) CheckPermissions(ctx context.Context) (bool, *Error) {
	verr := c.recognition.RequestPermission(ctx)
	if verr == nil {
		return true, nil
	}
	if verr.Type == ErrMicrophoneAccessDenied || verr.Type == ErrPermissionDenied {
		return false, nil
	}
	return false, verr
}

// Preview synthesizes a short standalone utterance through the local
// synthesizer and returns raw PCM16 audio. It bypasses the playback state
// machine entirely; nothing about the coordinator changes.
func (c *Coordinator) Preview(ctx context.Context, text string, opts SynthesisOptions) ([]byte, int, *Error) {
	normalized := normalizeUtterance(text)
	if normalized == "" {
		return nil, 0, NewError(ErrTTSConfigInvalid, "preview text is empty")
	}
	if c.synth == nil {
		return nil, 0, NewError(ErrMissingConfiguration, "no local synthesizer configured")
	}

	previewCtx, cancel := context.WithTimeout(ctx, 12*time.Second)
	defer cancel()

	utterance, events, err := c.synth.Speak(previewCtx, SynthesisRequest{
		Text:     truncateRunes(normalized, 280),
		Rate:     opts.Rate,
		Volume:   opts.Volume,
		Language: opts.Language,
	})
	if err != nil {
		return nil, 0, WrapError(ErrTTSGenerationFailed, "preview synthesis failed", err)
	}
	defer func() { _ = utterance.Cancel() }()

	var pcm []byte
	sampleRate := 0
	for {
		select {
		case <-previewCtx.Done():
			return nil, 0, WrapError(ErrAPITimeout, "preview timed out", previewCtx.Err())
		case evt, ok := <-events:
			if !ok {
				return pcm, sampleRate, nil
			}
			switch evt.Type {
			case SynthesisEventAudio:
				pcm = append(pcm, evt.PCM16...)
				if sampleRate == 0 && evt.SampleRate > 0 {
					sampleRate = evt.SampleRate
				}
			case SynthesisEventEnd:
				return pcm, sampleRate, nil
			case SynthesisEventError:
				return nil, 0, NewError(ErrTTSGenerationFailed, evt.Detail)
			}
		}
	}
}

// Cleanup stops everything and resets to idle. Safe on a fresh instance and
// safe to call repeatedly.
func (c *Coordinator) Cleanup() {
	c.mu.Lock()
	c.conversing = false
	c.speakInterrupt = false
	c.lastErr = nil
	c.mu.Unlock()

	c.recognition.StopConversationMode()
	c.recognition.Cleanup()
	c.playback.Cleanup()
	c.machine.Reset()
}

// transitionTo applies a state change through the table; an illegal request
// is returned as an error and the current state is preserved.
func (c *Coordinator) transitionTo(to State) *Error {
	from := c.machine.Current()
	if from == to {
		return nil
	}
	if verr := c.machine.Transition(to); verr != nil {
		c.metrics.ObserveVoiceError(string(ErrInvalidStateTransition))
		return verr
	}
	c.metrics.ObserveStateTransition(string(from), string(to))
	if from == StateError && to == StateIdle {
		c.clearError()
	}
	return nil
}

// recordError stores the failure and moves the machine to ERROR, which is
// reachable from every state.
func (c *Coordinator) recordError(err *Error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.metrics.ObserveVoiceError(string(err.Type))
	c.transitionTo(StateError)
}

// exitErrorState takes the only legal exit from ERROR, clearing the stored
// error, so a new operation can proceed.
func (c *Coordinator) exitErrorState() {
	if c.machine.Current() == StateError {
		c.transitionTo(StateIdle)
	}
}

func (c *Coordinator) clearError() {
	c.mu.Lock()
	c.lastErr = nil
	c.mu.Unlock()
}

func (c *Coordinator) markInterrupt() {
	c.mu.Lock()
	c.speakInterrupt = true
	c.mu.Unlock()
}

func (c *Coordinator) takeInterrupt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.speakInterrupt
	c.speakInterrupt = false
	return v
}
