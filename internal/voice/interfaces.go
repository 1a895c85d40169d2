package voice

import (
	"context"
	"time"
)

// PlaybackRelay is the privileged-context channel that accepts a
// "play this text" request. Play returns once the relay has acked the
// dispatch; it says nothing about when the audio actually finishes, which is
// why the playback manager infers completion from a duration estimate.
type PlaybackRelay interface {
	Play(ctx context.Context, text string) error
	Available() bool
}

// MicrophoneProbe checks microphone access. A successful probe must release
// the underlying audio track immediately: it is a capability check, not a
// capture.
type MicrophoneProbe interface {
	Probe(ctx context.Context) error
}

type RecognitionEventType string

const (
	RecognitionEventPartial RecognitionEventType = "partial"
	RecognitionEventFinal   RecognitionEventType = "final"
	RecognitionEventEnd     RecognitionEventType = "end"
	RecognitionEventError   RecognitionEventType = "error"
)

type RecognitionEvent struct {
	Type       RecognitionEventType
	Transcript string
	Confidence float64
	Code       string
	Detail     string
}

// RecognizerConfig mirrors the host recognition backend's knobs.
type RecognizerConfig struct {
	Language        string
	Continuous      bool
	InterimResults  bool
	MaxAlternatives int
}

// RecognizerSession is one in-flight capture. Abort stops it immediately so
// the backend frees its audio handle before a new session starts; there is
// no graceful stop.
type RecognizerSession interface {
	Abort() error
}

// Recognizer starts microphone-to-text sessions. The event channel closes
// after the terminal end or error event.
type Recognizer interface {
	Start(ctx context.Context, cfg RecognizerConfig) (RecognizerSession, <-chan RecognitionEvent, error)
}

type SynthesisEventType string

const (
	SynthesisEventStart SynthesisEventType = "start"
	SynthesisEventAudio SynthesisEventType = "audio"
	SynthesisEventEnd   SynthesisEventType = "end"
	SynthesisEventError SynthesisEventType = "error"
)

type SynthesisEvent struct {
	Type       SynthesisEventType
	PCM16      []byte
	SampleRate int
	Code       string
	Detail     string
}

type SynthesisRequest struct {
	Text     string
	Rate     float64
	Volume   float64
	Language string
}

// SynthesisUtterance is one in-flight local synthesis. Cancel discards any
// remaining audio.
type SynthesisUtterance interface {
	Cancel() error
}

// Synthesizer is the local speech-synthesis fallback. Unlike the relay path
// it delivers genuine start/end/error events, so completion is observed, not
// inferred. The event channel closes after the terminal event.
type Synthesizer interface {
	Speak(ctx context.Context, req SynthesisRequest) (SynthesisUtterance, <-chan SynthesisEvent, error)
}

// PlaybackCallbacks receive playback lifecycle notifications. Nil fields are
// skipped. Callbacks are invoked without manager locks held.
type PlaybackCallbacks struct {
	OnStart    func()
	OnProgress func(fraction float64)
	OnEnd      func(played time.Duration)
	OnError    func(err *Error)
}

// RecognitionCallbacks receive recognition lifecycle notifications. Nil
// fields are skipped. Callbacks are invoked without manager locks held.
type RecognitionCallbacks struct {
	OnStart  func()
	OnResult func(transcript string, isFinal bool, confidence float64)
	OnEnd    func()
	OnError  func(err *Error)
}
