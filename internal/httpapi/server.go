package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Shen-Yukang/musea-voice/internal/audio"
	"github.com/Shen-Yukang/musea-voice/internal/config"
	"github.com/Shen-Yukang/musea-voice/internal/observability"
	"github.com/Shen-Yukang/musea-voice/internal/session"
	"github.com/Shen-Yukang/musea-voice/internal/settings"
	"github.com/Shen-Yukang/musea-voice/internal/voice"
)

// Server exposes the voice coordinator over HTTP. Speak and listen are
// blocking endpoints: the response arrives when the operation resolves.
type Server struct {
	cfg       config.Config
	sessions  *session.Manager
	prefs     settings.Store
	previewer *voice.Coordinator
	metrics   *observability.Metrics
}

func New(cfg config.Config, sessions *session.Manager, prefs settings.Store, previewer *voice.Coordinator, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		sessions:  sessions,
		prefs:     prefs,
		previewer: previewer,
		metrics:   metrics,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/voice/session", s.handleCreateSession)
	r.Post("/v1/voice/session/{id}/end", s.handleEndSession)
	r.Get("/v1/voice/session/{id}/state", s.handleSessionState)
	r.Post("/v1/voice/session/{id}/speak", s.handleSpeak)
	r.Post("/v1/voice/session/{id}/speak/stop", s.handleStopSpeaking)
	r.Post("/v1/voice/session/{id}/listen", s.handleListen)
	r.Post("/v1/voice/session/{id}/listen/stop", s.handleStopListening)
	r.Post("/v1/voice/session/{id}/conversation/start", s.handleStartConversation)
	r.Post("/v1/voice/session/{id}/conversation/stop", s.handleStopConversation)
	r.Get("/v1/voice/session/{id}/conversation/turns", s.handleConversationTurns)
	r.Post("/v1/voice/session/{id}/permissions/request", s.handleRequestPermissions)
	r.Get("/v1/voice/session/{id}/permissions", s.handleCheckPermissions)

	r.Get("/v1/voice/preferences/{userID}", s.handleGetPreferences)
	r.Put("/v1/voice/preferences/{userID}", s.handlePutPreferences)
	r.Post("/v1/voice/preview", s.handlePreview)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}
	if strings.TrimSpace(req.Language) == "" {
		req.Language = s.cfg.DefaultLanguage
	}

	sess := s.sessions.Create(req.UserID, req.Language)
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		Language:        sess.Language,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.End(sessionID(r))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	coord, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, coord.StateInfo())
}

type speakRequest struct {
	Text      string  `json:"text"`
	Interrupt bool    `json:"interrupt"`
	Rate      float64 `json:"rate"`
	Volume    float64 `json:"volume"`
	Language  string  `json:"language"`
}

type speakResponse struct {
	DurationMS  int64  `json:"duration_ms"`
	Interrupted bool   `json:"interrupted"`
	Method      string `json:"method"`
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	coord, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	var req speakRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	defaults := s.preferenceDefaults(r.Context(), sessionID(r))
	if req.Rate == 0 {
		req.Rate = defaults.SpeakingRate
	}
	if req.Volume == 0 {
		req.Volume = defaults.Volume
	}
	if strings.TrimSpace(req.Language) == "" {
		req.Language = defaults.Language
	}
	_ = s.sessions.Touch(sessionID(r))

	res, verr := coord.Speak(r.Context(), req.Text, voice.SpeakOptions{
		InterruptCurrent: req.Interrupt,
		Rate:             req.Rate,
		Volume:           req.Volume,
		Language:         req.Language,
	})
	if verr != nil {
		respondVoiceError(w, verr)
		return
	}
	respondJSON(w, http.StatusOK, speakResponse{
		DurationMS:  res.Duration.Milliseconds(),
		Interrupted: res.Interrupted,
		Method:      string(res.Method),
	})
}

func (s *Server) handleStopSpeaking(w http.ResponseWriter, r *http.Request) {
	coord, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	coord.StopSpeaking()
	respondJSON(w, http.StatusOK, map[string]any{"stopped": true})
}

type listenRequest struct {
	Language       string `json:"language"`
	InterimResults bool   `json:"interim_results"`
	TimeoutMS      int64  `json:"timeout_ms"`
}

func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	coord, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	var req listenRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Language) == "" {
		req.Language = s.preferenceDefaults(r.Context(), sessionID(r)).Language
	}
	_ = s.sessions.Touch(sessionID(r))

	res, verr := coord.Listen(r.Context(), voice.ListenOptions{
		Language:       req.Language,
		InterimResults: req.InterimResults,
		Timeout:        time.Duration(req.TimeoutMS) * time.Millisecond,
	})
	if verr != nil {
		respondVoiceError(w, verr)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleStopListening(w http.ResponseWriter, r *http.Request) {
	coord, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	coord.StopListening()
	respondJSON(w, http.StatusOK, map[string]any{"stopped": true})
}

func (s *Server) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	coord, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	var req listenRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	// The request context dies with this response; conversation mode outlives
	// it, so the loop runs on the background context.
	verr := coord.StartConversation(context.Background(), voice.ConversationOptions{
		Listen: voice.ListenOptions{
			Language:       req.Language,
			InterimResults: req.InterimResults,
			Timeout:        time.Duration(req.TimeoutMS) * time.Millisecond,
		},
		OnTurn: func(transcript string, confidence float64) {
			_ = s.sessions.RecordTurn(id, transcript, confidence)
		},
	})
	if verr != nil {
		respondVoiceError(w, verr)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"conversation_active": true})
}

func (s *Server) handleStopConversation(w http.ResponseWriter, r *http.Request) {
	coord, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	coord.StopConversation()
	respondJSON(w, http.StatusOK, map[string]any{"conversation_active": false})
}

func (s *Server) handleConversationTurns(w http.ResponseWriter, r *http.Request) {
	turns, err := s.sessions.Turns(sessionID(r))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

func (s *Server) handleRequestPermissions(w http.ResponseWriter, r *http.Request) {
	coord, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	granted, verr := coord.RequestPermissions(r.Context())
	if verr != nil {
		respondVoiceError(w, verr)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"granted": granted})
}

func (s *Server) handleCheckPermissions(w http.ResponseWriter, r *http.Request) {
	coord, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	granted, verr := coord.CheckPermissions(r.Context())
	if verr != nil {
		respondVoiceError(w, verr)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"granted": granted})
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "missing user id")
		return
	}
	prefs, err := s.prefs.Get(r.Context(), userID)
	if err != nil {
		if errors.Is(err, settings.ErrNotFound) {
			respondJSON(w, http.StatusOK, settings.DefaultPreferences(userID))
			return
		}
		respondError(w, http.StatusInternalServerError, "preferences_load_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, prefs)
}

func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "missing user id")
		return
	}
	var prefs settings.Preferences
	if err := decodeJSON(r, &prefs); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	prefs.UserID = userID
	if err := s.prefs.Save(r.Context(), prefs); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_preferences", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, prefs)
}

type previewRequest struct {
	Text     string  `json:"text"`
	Rate     float64 `json:"rate"`
	Volume   float64 `json:"volume"`
	Language string  `json:"language"`
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if s.previewer == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "preview synthesizer not configured")
		return
	}
	var req previewRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	pcm, sampleRate, verr := s.previewer.Preview(r.Context(), req.Text, voice.SynthesisOptions{
		Rate:     req.Rate,
		Volume:   req.Volume,
		Language: req.Language,
	})
	if verr != nil {
		respondVoiceError(w, verr)
		return
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	wav, err := audio.EncodeWAVPCM16LE(pcm, sampleRate)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "preview_encode_failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wav)
}

// preferenceDefaults resolves the session user's stored preferences. Service
// defaults apply when the session or the user's preferences are missing; the
// session's own language beats the service default.
func (s *Server) preferenceDefaults(ctx context.Context, id string) settings.Preferences {
	prefs := settings.Preferences{
		Language:     s.cfg.DefaultLanguage,
		SpeakingRate: s.cfg.DefaultSpeakingRate,
		Volume:       s.cfg.DefaultVolume,
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		return prefs
	}
	if strings.TrimSpace(sess.Language) != "" {
		prefs.Language = sess.Language
	}
	stored, err := s.prefs.Get(ctx, sess.UserID)
	if err != nil {
		return prefs
	}
	if strings.TrimSpace(stored.Language) != "" {
		prefs.Language = stored.Language
	}
	prefs.SpeakingRate = stored.SpeakingRate
	prefs.Volume = stored.Volume
	return prefs
}

// coordinator resolves the session's coordinator or writes the 404 itself.
func (s *Server) coordinator(w http.ResponseWriter, r *http.Request) (*voice.Coordinator, bool) {
	id := sessionID(r)
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return nil, false
	}
	coord, err := s.sessions.Coordinator(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	return coord, true
}

func sessionID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "id"))
}

// respondVoiceError maps the shared error taxonomy onto HTTP statuses.
func respondVoiceError(w http.ResponseWriter, verr *voice.Error) {
	status := http.StatusInternalServerError
	switch verr.Type {
	case voice.ErrConcurrentOperation:
		status = http.StatusConflict
	case voice.ErrTTSConfigInvalid, voice.ErrInvalidStateTransition,
		voice.ErrInvalidConfiguration, voice.ErrMissingConfiguration:
		status = http.StatusBadRequest
	case voice.ErrSpeechRecognitionNotSupported:
		status = http.StatusNotImplemented
	case voice.ErrPermissionDenied, voice.ErrMicrophoneAccessDenied:
		status = http.StatusForbidden
	case voice.ErrNoSpeechDetected:
		status = http.StatusRequestTimeout
	case voice.ErrAPITimeout:
		status = http.StatusGatewayTimeout
	case voice.ErrNetwork:
		status = http.StatusBadGateway
	case voice.ErrOperationCancelled:
		status = httpStatusClientClosedRequest
	}
	respondJSON(w, status, errorResponse{
		Error:     verr.UserMessage(),
		Code:      string(verr.Type),
		Retryable: verr.Retryable(),
	})
}

// Nginx convention for a client that went away mid-request.
const httpStatusClientClosedRequest = 499

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
