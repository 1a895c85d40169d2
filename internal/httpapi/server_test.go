package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Shen-Yukang/musea-voice/internal/config"
	"github.com/Shen-Yukang/musea-voice/internal/session"
	"github.com/Shen-Yukang/musea-voice/internal/settings"
	"github.com/Shen-Yukang/musea-voice/internal/voice"
)

func testServer(t *testing.T, mocks *voice.MockBackends) *httptest.Server {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		DefaultLanguage:          "en-US",
		DefaultSpeakingRate:      1.0,
		DefaultVolume:            1.0,
	}
	coordCfg := voice.CoordinatorConfig{
		Playback: voice.PlaybackConfig{
			PerCharDuration:  time.Millisecond,
			MinDuration:      30 * time.Millisecond,
			MaxDuration:      80 * time.Millisecond,
			CompletionBuffer: 40 * time.Millisecond,
			ProgressInterval: 5 * time.Millisecond,
		},
		Recognition: voice.RecognitionManagerConfig{
			PermissionTimeout: 200 * time.Millisecond,
			ListenTimeout:     time.Second,
			RestartDelay:      20 * time.Millisecond,
		},
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout, func() *voice.Coordinator {
		return voice.NewCoordinator(coordCfg, mocks.Relay, mocks.Synth, mocks.Recognizer, mocks.Probe, nil)
	})
	previewer := voice.NewCoordinator(coordCfg, nil, mocks.Synth, nil, mocks.Probe, nil)
	srv := New(cfg, sessions, settings.NewInMemoryStore(), previewer, nil)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func createSession(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	res, err := http.Post(ts.URL+"/v1/voice/session", "application/json",
		strings.NewReader(`{"user_id":"user-1"}`))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created session.CreateResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.SessionID == "" {
		t.Fatalf("missing session_id in create response")
	}
	return created.SessionID
}

func postJSON(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	res, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	return res, data
}

func TestSessionLifecycle(t *testing.T) {
	ts := testServer(t, voice.NewMockBackends())
	id := createSession(t, ts)

	res, err := http.Get(ts.URL + "/v1/voice/session/" + id + "/state")
	if err != nil {
		t.Fatalf("state request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("state status = %d", res.StatusCode)
	}
	var state voice.StateInfo
	if err := json.NewDecoder(res.Body).Decode(&state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.State != voice.StateIdle {
		t.Fatalf("fresh session state = %s, want idle", state.State)
	}

	endRes, _ := postJSON(t, ts.URL+"/v1/voice/session/"+id+"/end", "")
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d", endRes.StatusCode)
	}

	// Operations against an ended session fail with 404.
	stateRes, err := http.Get(ts.URL + "/v1/voice/session/" + id + "/state")
	if err != nil {
		t.Fatalf("state request error = %v", err)
	}
	defer stateRes.Body.Close()
	if stateRes.StatusCode != http.StatusNotFound {
		t.Fatalf("state after end status = %d, want 404", stateRes.StatusCode)
	}
}

func TestSpeakEndpoint(t *testing.T) {
	mocks := voice.NewMockBackends()
	ts := testServer(t, mocks)
	id := createSession(t, ts)

	res, body := postJSON(t, ts.URL+"/v1/voice/session/"+id+"/speak", `{"text":"Hello there"}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("speak status = %d: %s", res.StatusCode, body)
	}
	var out speakResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode speak response: %v", err)
	}
	if out.Method != string(voice.PlaybackRemote) {
		t.Fatalf("speak method = %q", out.Method)
	}
	if out.DurationMS <= 0 {
		t.Fatalf("speak duration_ms = %d", out.DurationMS)
	}
	if mocks.Relay.Plays() != 1 {
		t.Fatalf("relay plays = %d, want 1", mocks.Relay.Plays())
	}
}

func TestSpeakEndpointRejectsEmptyText(t *testing.T) {
	ts := testServer(t, voice.NewMockBackends())
	id := createSession(t, ts)

	res, body := postJSON(t, ts.URL+"/v1/voice/session/"+id+"/speak", `{"text":"   "}`)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("speak status = %d: %s", res.StatusCode, body)
	}
	var out errorResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if out.Code != string(voice.ErrTTSConfigInvalid) {
		t.Fatalf("error code = %q", out.Code)
	}
}

func TestListenEndpoint(t *testing.T) {
	mocks := voice.NewMockBackends()
	mocks.Recognizer.Transcript = "open the gallery"
	ts := testServer(t, mocks)
	id := createSession(t, ts)

	res, body := postJSON(t, ts.URL+"/v1/voice/session/"+id+"/listen", `{}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("listen status = %d: %s", res.StatusCode, body)
	}
	var out voice.ListenResult
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode listen response: %v", err)
	}
	if out.Transcript != "open the gallery" || !out.IsFinal {
		t.Fatalf("listen result = %+v", out)
	}
}

func TestConversationEndpoints(t *testing.T) {
	mocks := voice.NewMockBackends()
	mocks.Recognizer.Transcript = "tell me about this painting"
	mocks.Recognizer.ResultDelay = 10 * time.Millisecond
	ts := testServer(t, mocks)
	id := createSession(t, ts)

	res, body := postJSON(t, ts.URL+"/v1/voice/session/"+id+"/conversation/start", `{}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("conversation start status = %d: %s", res.StatusCode, body)
	}

	deadline := time.Now().Add(2 * time.Second)
	var turns struct {
		Turns []session.Turn `json:"turns"`
	}
	for time.Now().Before(deadline) {
		res, err := http.Get(ts.URL + "/v1/voice/session/" + id + "/conversation/turns")
		if err != nil {
			t.Fatalf("turns request error = %v", err)
		}
		err = json.NewDecoder(res.Body).Decode(&turns)
		res.Body.Close()
		if err != nil {
			t.Fatalf("decode turns: %v", err)
		}
		if len(turns.Turns) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(turns.Turns) == 0 {
		t.Fatalf("no conversation turns recorded")
	}
	if turns.Turns[0].Transcript != "tell me about this painting" {
		t.Fatalf("turn transcript = %q", turns.Turns[0].Transcript)
	}

	stopRes, _ := postJSON(t, ts.URL+"/v1/voice/session/"+id+"/conversation/stop", "")
	if stopRes.StatusCode != http.StatusOK {
		t.Fatalf("conversation stop status = %d", stopRes.StatusCode)
	}
}

func TestPermissionsEndpoints(t *testing.T) {
	mocks := voice.NewMockBackends()
	mocks.Probe.Deny = true
	ts := testServer(t, mocks)
	id := createSession(t, ts)

	res, err := http.Get(ts.URL + "/v1/voice/session/" + id + "/permissions")
	if err != nil {
		t.Fatalf("permissions check error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("permissions check status = %d, a denial is not an http error", res.StatusCode)
	}
	var check map[string]bool
	if err := json.NewDecoder(res.Body).Decode(&check); err != nil {
		t.Fatalf("decode check: %v", err)
	}
	if check["granted"] {
		t.Fatalf("granted = true for a denied probe")
	}

	reqRes, _ := postJSON(t, ts.URL+"/v1/voice/session/"+id+"/permissions/request", "")
	if reqRes.StatusCode != http.StatusForbidden {
		t.Fatalf("permissions request status = %d, want 403", reqRes.StatusCode)
	}
}

func TestPreferencesEndpoints(t *testing.T) {
	ts := testServer(t, voice.NewMockBackends())

	// Unknown users get defaults, not 404.
	res, err := http.Get(ts.URL + "/v1/voice/preferences/visitor-9")
	if err != nil {
		t.Fatalf("preferences get error = %v", err)
	}
	var prefs settings.Preferences
	err = json.NewDecoder(res.Body).Decode(&prefs)
	res.Body.Close()
	if err != nil {
		t.Fatalf("decode preferences: %v", err)
	}
	if prefs.Language != "en-US" || prefs.SpeakingRate != 1.0 {
		t.Fatalf("default preferences = %+v", prefs)
	}

	update := `{"language":"nl-NL","speaking_rate":1.4,"volume":0.6}`
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/v1/voice/preferences/visitor-9", strings.NewReader(update))
	putRes, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preferences put error = %v", err)
	}
	putRes.Body.Close()
	if putRes.StatusCode != http.StatusOK {
		t.Fatalf("preferences put status = %d", putRes.StatusCode)
	}

	res, err = http.Get(ts.URL + "/v1/voice/preferences/visitor-9")
	if err != nil {
		t.Fatalf("preferences get error = %v", err)
	}
	err = json.NewDecoder(res.Body).Decode(&prefs)
	res.Body.Close()
	if err != nil {
		t.Fatalf("decode preferences: %v", err)
	}
	if prefs.Language != "nl-NL" || prefs.SpeakingRate != 1.4 || prefs.Volume != 0.6 {
		t.Fatalf("updated preferences = %+v", prefs)
	}
}

func TestPreviewEndpoint(t *testing.T) {
	ts := testServer(t, voice.NewMockBackends())

	res, body := postJSON(t, ts.URL+"/v1/voice/preview", `{"text":"welcome to the museum"}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("preview status = %d: %s", res.StatusCode, body)
	}
	if ct := res.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Fatalf("preview content type = %q", ct)
	}
	if !bytes.HasPrefix(body, []byte("RIFF")) {
		t.Fatalf("preview body is not a WAV file")
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	ts := testServer(t, voice.NewMockBackends())
	res, _ := postJSON(t, ts.URL+"/v1/voice/session/nope/speak", `{"text":"hi"}`)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("speak status = %d, want 404", res.StatusCode)
	}
}
