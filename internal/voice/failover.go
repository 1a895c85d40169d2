package voice

import "sync/atomic"

// playbackRouter picks the playback backend for each utterance. The remote
// relay path is preferred; once it fails the router sticks to the local
// synthesis fallback until that fails in turn, which re-opens the remote
// path. Routing never retries a failed dispatch within the same utterance.
type playbackRouter struct {
	relay          PlaybackRelay
	synth          Synthesizer
	fallbackActive atomic.Bool
}

func newPlaybackRouter(relay PlaybackRelay, synth Synthesizer) *playbackRouter {
	return &playbackRouter{relay: relay, synth: synth}
}

// UseRemote reports whether the next utterance should go through the relay.
func (r *playbackRouter) UseRemote() bool {
	if r.relay == nil || !r.relay.Available() {
		return false
	}
	if r.fallbackActive.Load() && r.synth != nil {
		return false
	}
	return true
}

func (r *playbackRouter) NoteRemoteFailure() {
	if r.synth != nil {
		r.fallbackActive.Store(true)
	}
}

func (r *playbackRouter) NoteLocalFailure() {
	r.fallbackActive.Store(false)
}
