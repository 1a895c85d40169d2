package voice

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Shen-Yukang/musea-voice/internal/audio"
)

// MockBackends bundles simulated host capabilities for local/dev use when no
// real relay or recognition hardware is configured.
type MockBackends struct {
	Relay      *MockRelay
	Synth      *MockSynthesizer
	Recognizer *MockRecognizer
	Probe      *MockProbe
}

func NewMockBackends() *MockBackends {
	return &MockBackends{
		Relay:      &MockRelay{},
		Synth:      &MockSynthesizer{SampleRate: 16000, CharsPerSecond: 16},
		Recognizer: &MockRecognizer{Transcript: "simulated voice input", ResultDelay: 60 * time.Millisecond},
		Probe:      &MockProbe{},
	}
}

// MockRelay acks every dispatch. Set Fail to simulate relay outages.
type MockRelay struct {
	mu     sync.Mutex
	Fail   bool
	plays  int
	last   string
	closed bool
}

func (r *MockRelay) Play(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail {
		return errRelayUnavailable
	}
	r.plays++
	r.last = text
	return nil
}

func (r *MockRelay) Available() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && !r.Fail
}

func (r *MockRelay) Plays() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.plays
}

var errRelayUnavailable = &relayError{"relay unavailable"}

type relayError struct{ msg string }

func (e *relayError) Error() string { return e.msg }

// MockSynthesizer emits silence PCM frames sized from the text length and
// finishes with a genuine end event, like a real synthesis backend.
type MockSynthesizer struct {
	SampleRate     int
	CharsPerSecond int
}

func (s *MockSynthesizer) Speak(_ context.Context, req SynthesisRequest) (SynthesisUtterance, <-chan SynthesisEvent, error) {
	sampleRate := s.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	cps := s.CharsPerSecond
	if cps <= 0 {
		cps = 16
	}
	seconds := float64(len(req.Text)) / float64(cps)
	if seconds < 0.05 {
		seconds = 0.05
	}
	pcm := audio.SilencePCM16(time.Duration(seconds*float64(time.Second)), sampleRate)

	events := make(chan SynthesisEvent, 8)
	utt := &mockUtterance{cancel: make(chan struct{})}
	go func() {
		defer close(events)
		events <- SynthesisEvent{Type: SynthesisEventStart}
		events <- SynthesisEvent{Type: SynthesisEventAudio, PCM16: pcm, SampleRate: sampleRate}
		select {
		case <-utt.cancel:
			return
		case <-time.After(audio.DurationPCM16(pcm, sampleRate)):
		}
		events <- SynthesisEvent{Type: SynthesisEventEnd}
	}()
	return utt, events, nil
}

type mockUtterance struct {
	once   sync.Once
	cancel chan struct{}
}

func (u *mockUtterance) Cancel() error {
	u.once.Do(func() { close(u.cancel) })
	return nil
}

// MockRecognizer emits an optional partial, then a final transcript, then an
// end event. An empty Transcript simulates silence: the session just ends.
type MockRecognizer struct {
	Transcript  string
	Confidence  float64
	ResultDelay time.Duration
}

func (r *MockRecognizer) Start(_ context.Context, cfg RecognizerConfig) (RecognizerSession, <-chan RecognitionEvent, error) {
	conf := r.Confidence
	if conf <= 0 {
		conf = 0.9
	}
	delay := r.ResultDelay
	if delay <= 0 {
		delay = 60 * time.Millisecond
	}

	events := make(chan RecognitionEvent, 8)
	sess := &mockRecognizerSession{abort: make(chan struct{})}
	go func() {
		defer close(events)
		select {
		case <-sess.abort:
			events <- RecognitionEvent{Type: RecognitionEventError, Code: "aborted"}
			return
		case <-time.After(delay):
		}
		text := strings.TrimSpace(r.Transcript)
		if text != "" {
			if cfg.InterimResults {
				events <- RecognitionEvent{Type: RecognitionEventPartial, Transcript: text, Confidence: conf / 2}
			}
			events <- RecognitionEvent{Type: RecognitionEventFinal, Transcript: text, Confidence: conf}
		}
		events <- RecognitionEvent{Type: RecognitionEventEnd}
	}()
	return sess, events, nil
}

type mockRecognizerSession struct {
	once  sync.Once
	abort chan struct{}
}

func (s *mockRecognizerSession) Abort() error {
	s.once.Do(func() { close(s.abort) })
	return nil
}

// MockProbe grants or denies microphone access.
type MockProbe struct {
	Deny bool
}

func (p *MockProbe) Probe(_ context.Context) error {
	if p.Deny {
		return &relayError{"microphone permission denied"}
	}
	return nil
}
