package voice

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func testCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Playback:    fastPlaybackConfig(),
		Recognition: fastRecognitionConfig(),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSpeakRemoteEndToEnd(t *testing.T) {
	relay := &stubRelay{available: true}
	c := NewCoordinator(testCoordinatorConfig(), relay, nil, nil, &stubProbe{}, nil)

	res, verr := c.Speak(context.Background(), "Hello", SpeakOptions{})
	if verr != nil {
		t.Fatalf("Speak() error = %v", verr)
	}
	if res.Method != PlaybackRemote {
		t.Fatalf("Speak() method = %s, want %s", res.Method, PlaybackRemote)
	}
	if res.Interrupted {
		t.Fatalf("Speak() reported interrupted for an uninterrupted utterance")
	}
	if res.Duration <= 0 {
		t.Fatalf("Speak() duration = %v, want > 0", res.Duration)
	}
	if relay.playCount() != 1 {
		t.Fatalf("relay dispatches = %d, want 1", relay.playCount())
	}
	if st := c.StateInfo(); st.State != StateIdle || st.IsSpeaking {
		t.Fatalf("state after speak = %+v, want idle", st)
	}
}

func TestSpeakRejectsEmptyText(t *testing.T) {
	c := NewCoordinator(testCoordinatorConfig(), &stubRelay{available: true}, nil, nil, &stubProbe{}, nil)
	if _, verr := c.Speak(context.Background(), "  \n ", SpeakOptions{}); verr == nil || verr.Type != ErrTTSConfigInvalid {
		t.Fatalf("Speak() error = %v, want %s", verr, ErrTTSConfigInvalid)
	}
	if st := c.StateInfo(); st.State != StateIdle {
		t.Fatalf("a rejected speak must not change state, got %s", st.State)
	}
}

func TestSpeakConcurrentWithoutInterruptFails(t *testing.T) {
	relay := &stubRelay{available: true}
	c := NewCoordinator(testCoordinatorConfig(), relay, nil, nil, &stubProbe{}, nil)

	firstDone := make(chan SpeakResult, 1)
	go func() {
		res, _ := c.Speak(context.Background(), strings.Repeat("a", 80), SpeakOptions{})
		firstDone <- res
	}()
	waitFor(t, "first utterance to start", func() bool { return c.StateInfo().IsSpeaking })

	_, verr := c.Speak(context.Background(), "excuse me", SpeakOptions{})
	if verr == nil || verr.Type != ErrConcurrentOperation {
		t.Fatalf("second Speak() error = %v, want %s", verr, ErrConcurrentOperation)
	}

	c.StopSpeaking()
	res := <-firstDone
	if !res.Interrupted {
		t.Fatalf("stopped utterance should resolve as interrupted")
	}
}

func TestSpeakInterruptDisplacesActiveUtterance(t *testing.T) {
	relay := &stubRelay{available: true}
	c := NewCoordinator(testCoordinatorConfig(), relay, nil, nil, &stubProbe{}, nil)

	firstDone := make(chan SpeakResult, 1)
	go func() {
		res, _ := c.Speak(context.Background(), strings.Repeat("a", 80), SpeakOptions{})
		firstDone <- res
	}()
	waitFor(t, "first utterance to start", func() bool { return c.StateInfo().IsSpeaking })

	res, verr := c.Speak(context.Background(), "more important", SpeakOptions{InterruptCurrent: true})
	if verr != nil {
		t.Fatalf("interrupting Speak() error = %v", verr)
	}
	if res.Interrupted {
		t.Fatalf("the interrupting utterance itself completed normally")
	}
	if first := <-firstDone; !first.Interrupted {
		t.Fatalf("displaced utterance should resolve as interrupted")
	}
	if relay.playCount() != 2 {
		t.Fatalf("relay dispatches = %d, want 2", relay.playCount())
	}
}

func TestSpeakFallsBackToLocalSynthesis(t *testing.T) {
	synth := &stubSynthesizer{speakFn: func(_ SynthesisRequest, events chan<- SynthesisEvent, _ <-chan struct{}) {
		events <- SynthesisEvent{Type: SynthesisEventStart}
		events <- SynthesisEvent{Type: SynthesisEventEnd}
	}}
	c := NewCoordinator(testCoordinatorConfig(), &stubRelay{available: false}, synth, nil, &stubProbe{}, nil)

	res, verr := c.Speak(context.Background(), "local voice", SpeakOptions{Rate: 1, Volume: 1})
	if verr != nil {
		t.Fatalf("Speak() error = %v", verr)
	}
	if res.Method != PlaybackLocal {
		t.Fatalf("Speak() method = %s, want %s when the relay is unavailable", res.Method, PlaybackLocal)
	}
	if synth.speakCount() != 1 {
		t.Fatalf("synth dispatches = %d, want 1", synth.speakCount())
	}
}

func TestListenReturnsFinalTranscript(t *testing.T) {
	rec := &stubRecognizer{startFn: func(int) []RecognitionEvent {
		return []RecognitionEvent{
			{Type: RecognitionEventPartial, Transcript: "turn on", Confidence: 0.4},
			{Type: RecognitionEventFinal, Transcript: "turn on the lights", Confidence: 0.87},
		}
	}}
	c := NewCoordinator(testCoordinatorConfig(), &stubRelay{available: true}, nil, rec, &stubProbe{}, nil)

	res, verr := c.Listen(context.Background(), ListenOptions{InterimResults: true, Timeout: -1})
	if verr != nil {
		t.Fatalf("Listen() error = %v", verr)
	}
	if res.Transcript != "turn on the lights" || !res.IsFinal || res.Confidence != 0.87 {
		t.Fatalf("Listen() = %+v", res)
	}
	if st := c.StateInfo(); st.State != StateIdle || st.IsListening {
		t.Fatalf("state after listen = %+v, want idle", st)
	}
}

func TestListenNoSpeechEntersErrorStateThenRecovers(t *testing.T) {
	calls := 0
	rec := &stubRecognizer{startFn: func(session int) []RecognitionEvent {
		calls = session
		if session == 1 {
			return nil // silence; the timeout fires
		}
		return []RecognitionEvent{{Type: RecognitionEventFinal, Transcript: "second try", Confidence: 0.7}}
	}}
	c := NewCoordinator(testCoordinatorConfig(), &stubRelay{available: true}, nil, rec, &stubProbe{}, nil)

	_, verr := c.Listen(context.Background(), ListenOptions{})
	if verr == nil || verr.Type != ErrNoSpeechDetected {
		t.Fatalf("Listen() error = %v, want %s", verr, ErrNoSpeechDetected)
	}
	st := c.StateInfo()
	if st.State != StateError || st.LastErrorType != ErrNoSpeechDetected {
		t.Fatalf("state after silence = %+v, want error/%s", st, ErrNoSpeechDetected)
	}

	// A new operation exits ERROR and proceeds.
	res, verr := c.Listen(context.Background(), ListenOptions{Timeout: -1})
	if verr != nil {
		t.Fatalf("second Listen() error = %v", verr)
	}
	if res.Transcript != "second try" || calls != 2 {
		t.Fatalf("second Listen() = %+v after %d sessions", res, calls)
	}
	if st := c.StateInfo(); st.State != StateIdle || st.LastErrorType != "" {
		t.Fatalf("error state not cleared: %+v", st)
	}
}

func TestListenStopsActivePlaybackFirst(t *testing.T) {
	relay := &stubRelay{available: true}
	rec := &stubRecognizer{startFn: func(int) []RecognitionEvent {
		return []RecognitionEvent{{Type: RecognitionEventFinal, Transcript: "interrupting cow", Confidence: 0.8}}
	}}
	c := NewCoordinator(testCoordinatorConfig(), relay, nil, rec, &stubProbe{}, nil)

	speakDone := make(chan SpeakResult, 1)
	go func() {
		res, _ := c.Speak(context.Background(), strings.Repeat("a", 80), SpeakOptions{})
		speakDone <- res
	}()
	waitFor(t, "utterance to start", func() bool { return c.StateInfo().IsSpeaking })

	res, verr := c.Listen(context.Background(), ListenOptions{Timeout: -1})
	if verr != nil {
		t.Fatalf("Listen() error = %v", verr)
	}
	if res.Transcript != "interrupting cow" {
		t.Fatalf("Listen() = %+v", res)
	}
	// The displaced utterance must have resolved before the mic opened.
	select {
	case sr := <-speakDone:
		if !sr.Interrupted {
			t.Fatalf("displaced utterance should resolve as interrupted")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("speak did not resolve after being displaced by listen")
	}
}

func TestConversationEndToEnd(t *testing.T) {
	cfg := testCoordinatorConfig()
	rec := &stubRecognizer{startFn: func(session int) []RecognitionEvent {
		if session == 1 {
			return []RecognitionEvent{
				{Type: RecognitionEventFinal, Transcript: "continue", Confidence: 0.95},
				{Type: RecognitionEventEnd},
			}
		}
		return nil // later sessions stay silent and open
	}}
	c := NewCoordinator(cfg, &stubRelay{available: true}, nil, rec, &stubProbe{}, nil)

	turns := make(chan string, 2)
	verr := c.StartConversation(context.Background(), ConversationOptions{
		Listen: ListenOptions{Timeout: -1},
		OnTurn: func(transcript string, _ float64) { turns <- transcript },
	})
	if verr != nil {
		t.Fatalf("StartConversation() error = %v", verr)
	}
	if !c.StateInfo().IsConversationActive {
		t.Fatalf("conversation not reported active")
	}

	select {
	case got := <-turns:
		if got != "continue" {
			t.Fatalf("turn transcript = %q", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("OnTurn never fired")
	}

	// The loop re-arms exactly once for the one turn.
	waitFor(t, "re-armed session", func() bool { return rec.startCount() == 2 })

	c.StopConversation()
	time.Sleep(cfg.Recognition.RestartDelay + 100*time.Millisecond)
	if n := rec.startCount(); n != 2 {
		t.Fatalf("backend sessions = %d after stop, want 2", n)
	}
	st := c.StateInfo()
	if st.IsConversationActive || st.IsListening || st.State != StateIdle {
		t.Fatalf("state after StopConversation = %+v", st)
	}

	// Restarting later is allowed.
	if verr := c.StartConversation(context.Background(), ConversationOptions{Listen: ListenOptions{Timeout: -1}}); verr != nil {
		t.Fatalf("restarted StartConversation() error = %v", verr)
	}
	c.StopConversation()
}

func TestSpeakDefersConversationRearmUntilPlaybackEnds(t *testing.T) {
	rec := &stubRecognizer{startFn: func(session int) []RecognitionEvent {
		if session == 1 {
			return []RecognitionEvent{
				{Type: RecognitionEventFinal, Transcript: "what is this", Confidence: 0.9},
				{Type: RecognitionEventEnd},
			}
		}
		return nil // later sessions stay silent and open
	}}
	c := NewCoordinator(testCoordinatorConfig(), &stubRelay{available: true}, nil, rec, &stubProbe{}, nil)

	turns := make(chan string, 1)
	verr := c.StartConversation(context.Background(), ConversationOptions{
		Listen: ListenOptions{Timeout: -1},
		OnTurn: func(transcript string, _ float64) { turns <- transcript },
	})
	if verr != nil {
		t.Fatalf("StartConversation() error = %v", verr)
	}
	<-turns

	// Answer the turn. The pending re-arm must wait for playback to end
	// instead of opening the microphone over the speakers.
	speakDone := make(chan *Error, 1)
	go func() {
		_, verr := c.Speak(context.Background(), strings.Repeat("a", 80), SpeakOptions{})
		speakDone <- verr
	}()
	for done := false; !done; {
		select {
		case verr := <-speakDone:
			if verr != nil {
				t.Fatalf("Speak() error = %v", verr)
			}
			done = true
		default:
			if st := c.StateInfo(); st.IsSpeaking && st.IsListening {
				t.Fatalf("microphone opened during playback")
			}
			time.Sleep(time.Millisecond)
		}
	}

	// The loop resumes once playback is over.
	waitFor(t, "re-armed session after playback", func() bool { return rec.startCount() >= 2 })
	st := c.StateInfo()
	if !st.IsConversationActive {
		t.Fatalf("conversation ended by an intervening speak: %+v", st)
	}
	if st.State == StateError || st.LastErrorType != "" {
		t.Fatalf("intervening speak left an error: %+v", st)
	}
	c.StopConversation()
}

func TestSpeakSuspendsConversationCaptureWithoutEndingLoop(t *testing.T) {
	rec := &stubRecognizer{} // every session silent and open
	c := NewCoordinator(testCoordinatorConfig(), &stubRelay{available: true}, nil, rec, &stubProbe{}, nil)

	if verr := c.StartConversation(context.Background(), ConversationOptions{Listen: ListenOptions{Timeout: -1}}); verr != nil {
		t.Fatalf("StartConversation() error = %v", verr)
	}
	waitFor(t, "conversation capture", func() bool { return c.StateInfo().IsListening })

	// Speaking over an open capture suspends it for the duration of the
	// utterance; the loop picks up again afterwards.
	if _, verr := c.Speak(context.Background(), "pardon the interruption", SpeakOptions{}); verr != nil {
		t.Fatalf("Speak() error = %v", verr)
	}
	waitFor(t, "capture to resume", func() bool {
		st := c.StateInfo()
		return st.IsListening && !st.IsSpeaking
	})
	st := c.StateInfo()
	if !st.IsConversationActive || st.LastErrorType != "" {
		t.Fatalf("conversation did not survive the speak: %+v", st)
	}
	if n := rec.startCount(); n < 2 {
		t.Fatalf("backend sessions = %d, want a fresh capture after the speak", n)
	}
	c.StopConversation()
}

func TestStopListeningResolvesPendingListen(t *testing.T) {
	rec := &stubRecognizer{} // silent backend: no result will ever arrive
	c := NewCoordinator(testCoordinatorConfig(), &stubRelay{available: true}, nil, rec, &stubProbe{}, nil)

	type listenOutcome struct {
		res  ListenResult
		verr *Error
	}
	done := make(chan listenOutcome, 1)
	go func() {
		res, verr := c.Listen(context.Background(), ListenOptions{Timeout: -1})
		done <- listenOutcome{res, verr}
	}()
	waitFor(t, "listen to start", func() bool { return c.StateInfo().IsListening })

	c.StopListening()

	select {
	case out := <-done:
		if out.verr == nil || out.verr.Type != ErrOperationCancelled {
			t.Fatalf("Listen() = (%+v, %v), want %s", out.res, out.verr, ErrOperationCancelled)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("Listen() still blocked after StopListening()")
	}
	st := c.StateInfo()
	if st.State != StateIdle || st.LastErrorType != "" {
		t.Fatalf("state after a stopped listen = %+v, want clean idle", st)
	}
}

func TestSpeakDisplacesPendingListen(t *testing.T) {
	rec := &stubRecognizer{} // silent backend
	c := NewCoordinator(testCoordinatorConfig(), &stubRelay{available: true}, nil, rec, &stubProbe{}, nil)

	done := make(chan *Error, 1)
	go func() {
		_, verr := c.Listen(context.Background(), ListenOptions{Timeout: -1})
		done <- verr
	}()
	waitFor(t, "listen to start", func() bool { return c.StateInfo().IsListening })

	if _, verr := c.Speak(context.Background(), "coming through", SpeakOptions{}); verr != nil {
		t.Fatalf("Speak() error = %v", verr)
	}
	select {
	case verr := <-done:
		if verr == nil || verr.Type != ErrOperationCancelled {
			t.Fatalf("displaced Listen() error = %v, want %s", verr, ErrOperationCancelled)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("Listen() still blocked after being displaced by Speak()")
	}
	if st := c.StateInfo(); st.State != StateIdle || st.LastErrorType != "" {
		t.Fatalf("state after displaced listen = %+v, want clean idle", st)
	}
}

func TestSpeakStartFailureRollsBackToIdle(t *testing.T) {
	// No relay and no synthesizer: the start fails before any session exists.
	c := NewCoordinator(testCoordinatorConfig(), &stubRelay{available: false}, nil, nil, &stubProbe{}, nil)

	_, verr := c.Speak(context.Background(), "nothing to play with", SpeakOptions{})
	if verr == nil {
		t.Fatalf("Speak() should fail without a playback path")
	}
	st := c.StateInfo()
	if st.State != StateIdle {
		t.Fatalf("state after failed start = %s, want %s", st.State, StateIdle)
	}
	if st.LastErrorType != "" {
		t.Fatalf("failed start recorded error state: %+v", st)
	}
}

func TestStartConversationIsIdempotent(t *testing.T) {
	rec := &stubRecognizer{}
	c := NewCoordinator(testCoordinatorConfig(), &stubRelay{available: true}, nil, rec, &stubProbe{}, nil)

	if verr := c.StartConversation(context.Background(), ConversationOptions{Listen: ListenOptions{Timeout: -1}}); verr != nil {
		t.Fatalf("StartConversation() error = %v", verr)
	}
	if verr := c.StartConversation(context.Background(), ConversationOptions{Listen: ListenOptions{Timeout: -1}}); verr != nil {
		t.Fatalf("repeated StartConversation() error = %v", verr)
	}
	if rec.startCount() != 1 {
		t.Fatalf("backend sessions = %d, want 1", rec.startCount())
	}
	c.StopConversation()
	c.StopConversation()
}

func TestPermissionChecks(t *testing.T) {
	denied := &stubProbe{err: errors.New("user said no")}
	c := NewCoordinator(testCoordinatorConfig(), &stubRelay{available: true}, nil, &stubRecognizer{}, denied, nil)

	ok, verr := c.CheckPermissions(context.Background())
	if verr != nil {
		t.Fatalf("CheckPermissions() error = %v, a denial is not an error", verr)
	}
	if ok {
		t.Fatalf("CheckPermissions() = true for a denied probe")
	}

	ok, verr = c.RequestPermissions(context.Background())
	if ok || verr == nil || verr.Type != ErrMicrophoneAccessDenied {
		t.Fatalf("RequestPermissions() = (%v, %v), want denial error", ok, verr)
	}

	granted := NewCoordinator(testCoordinatorConfig(), &stubRelay{available: true}, nil, &stubRecognizer{}, &stubProbe{}, nil)
	if ok, verr := granted.CheckPermissions(context.Background()); !ok || verr != nil {
		t.Fatalf("CheckPermissions() = (%v, %v), want granted", ok, verr)
	}
}

func TestPreviewCollectsAudio(t *testing.T) {
	want := []byte{1, 2, 3, 4, 5, 6}
	synth := &stubSynthesizer{speakFn: func(_ SynthesisRequest, events chan<- SynthesisEvent, _ <-chan struct{}) {
		events <- SynthesisEvent{Type: SynthesisEventStart}
		events <- SynthesisEvent{Type: SynthesisEventAudio, PCM16: want[:4], SampleRate: 16000}
		events <- SynthesisEvent{Type: SynthesisEventAudio, PCM16: want[4:], SampleRate: 16000}
		events <- SynthesisEvent{Type: SynthesisEventEnd}
	}}
	c := NewCoordinator(testCoordinatorConfig(), nil, synth, nil, &stubProbe{}, nil)

	pcm, rate, verr := c.Preview(context.Background(), "preview me", SynthesisOptions{})
	if verr != nil {
		t.Fatalf("Preview() error = %v", verr)
	}
	if !bytes.Equal(pcm, want) {
		t.Fatalf("Preview() pcm = %v, want %v", pcm, want)
	}
	if rate != 16000 {
		t.Fatalf("Preview() rate = %d, want 16000", rate)
	}
	if st := c.StateInfo(); st.State != StateIdle || st.IsSpeaking {
		t.Fatalf("Preview() must not touch coordinator state, got %+v", st)
	}
}

func TestCoordinatorCleanup(t *testing.T) {
	rec := &stubRecognizer{}
	c := NewCoordinator(testCoordinatorConfig(), &stubRelay{available: true}, nil, rec, &stubProbe{}, nil)

	// Cleanup on a fresh coordinator is safe.
	c.Cleanup()

	if verr := c.StartConversation(context.Background(), ConversationOptions{Listen: ListenOptions{Timeout: -1}}); verr != nil {
		t.Fatalf("StartConversation() error = %v", verr)
	}
	c.Cleanup()
	c.Cleanup()

	st := c.StateInfo()
	if st.State != StateIdle || st.IsListening || st.IsSpeaking || st.IsConversationActive || st.LastErrorType != "" {
		t.Fatalf("state after Cleanup = %+v", st)
	}
}
