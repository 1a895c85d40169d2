package voice

import (
	"context"
	"sync"
	"time"
)

type stubRelay struct {
	mu        sync.Mutex
	playFn    func(ctx context.Context, text string) error
	available bool
	plays     []string
}

func (r *stubRelay) Play(ctx context.Context, text string) error {
	r.mu.Lock()
	r.plays = append(r.plays, text)
	fn := r.playFn
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx, text)
	}
	return nil
}

func (r *stubRelay) Available() bool { return r.available }

func (r *stubRelay) playCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.plays)
}

type stubProbe struct {
	err   error
	delay time.Duration
	calls int
	mu    sync.Mutex
}

func (p *stubProbe) Probe(ctx context.Context) error {
	p.mu.Lock()
	p.calls++
	err := p.err
	delay := p.delay
	p.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// stubRecognizer scripts each session's event stream. The startFn is called
// once per session; returning a nil channel makes Start fail with startErr.
type stubRecognizer struct {
	mu       sync.Mutex
	startFn  func(session int) []RecognitionEvent
	startErr error
	starts   int
	sessions []*stubRecognizerSession
}

func (r *stubRecognizer) Start(_ context.Context, _ RecognizerConfig) (RecognizerSession, <-chan RecognitionEvent, error) {
	r.mu.Lock()
	r.starts++
	n := r.starts
	if r.startErr != nil {
		r.mu.Unlock()
		return nil, nil, r.startErr
	}
	var script []RecognitionEvent
	if r.startFn != nil {
		script = r.startFn(n)
	}
	sess := &stubRecognizerSession{abort: make(chan struct{})}
	r.sessions = append(r.sessions, sess)
	r.mu.Unlock()

	events := make(chan RecognitionEvent, len(script)+2)
	go func() {
		defer close(events)
		for _, evt := range script {
			select {
			case <-sess.abort:
				return
			case events <- evt:
			}
		}
	}()
	return sess, events, nil
}

func (r *stubRecognizer) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

func (r *stubRecognizer) abortedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.wasAborted() {
			n++
		}
	}
	return n
}

type stubRecognizerSession struct {
	once    sync.Once
	aborted bool
	mu      sync.Mutex
	abort   chan struct{}
}

func (s *stubRecognizerSession) Abort() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.aborted = true
		s.mu.Unlock()
		close(s.abort)
	})
	return nil
}

func (s *stubRecognizerSession) wasAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// stubSynthesizer scripts the synthesis event stream per utterance.
type stubSynthesizer struct {
	mu      sync.Mutex
	speakFn func(req SynthesisRequest, events chan<- SynthesisEvent, cancelled <-chan struct{})
	speaks  int
}

func (s *stubSynthesizer) Speak(_ context.Context, req SynthesisRequest) (SynthesisUtterance, <-chan SynthesisEvent, error) {
	s.mu.Lock()
	s.speaks++
	fn := s.speakFn
	s.mu.Unlock()

	events := make(chan SynthesisEvent, 16)
	utt := &stubUtterance{cancel: make(chan struct{})}
	go func() {
		defer close(events)
		if fn != nil {
			fn(req, events, utt.cancel)
		}
	}()
	return utt, events, nil
}

func (s *stubSynthesizer) speakCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaks
}

type stubUtterance struct {
	once   sync.Once
	cancel chan struct{}
}

func (u *stubUtterance) Cancel() error {
	u.once.Do(func() { close(u.cancel) })
	return nil
}
