package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/Shen-Yukang/musea-voice/internal/reliability"
)

// speakAttempts bounds retries of a single turn on retryable HTTP statuses.
const speakAttempts = 3

// perfspeak replays synthetic speak turns against a running museavoice
// server and reports per-turn latency. Speak is a blocking endpoint, so the
// wall time of each request is the full utterance lifecycle: dispatch,
// estimated playback, completion buffer.

type options struct {
	baseURL        string
	userID         string
	language       string
	turns          int
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	checkPreview   bool
	texts          []string
	verbose        bool
}

type createSessionRequest struct {
	UserID   string `json:"user_id,omitempty"`
	Language string `json:"language,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type speakRequest struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

type speakResponse struct {
	DurationMS  int64  `json:"duration_ms"`
	Interrupted bool   `json:"interrupted"`
	Method      string `json:"method"`
}

type previewRequest struct {
	Text     string `json:"text,omitempty"`
	Language string `json:"language,omitempty"`
}

var defaultUtterances = []string{
	"This portrait was painted in seventeen twelve.",
	"The sculpture gallery is to your left.",
	"Ask me about any artwork you see.",
	"The museum closes in thirty minutes.",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfspeak: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfspeak: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	var interTurnMS int
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "museavoice base URL")
	flag.StringVar(&cfg.userID, "user-id", "perf-replay", "user_id used for the synthetic session")
	flag.StringVar(&cfg.language, "language", "", "optional BCP-47 language tag for speak/preview")
	flag.IntVar(&cfg.turns, "turns", 10, "number of speak turns to replay")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 180, "delay between turns in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 45000, "per-turn speak timeout in milliseconds")
	flag.BoolVar(&cfg.checkPreview, "check-preview", true, "also synthesize each utterance via /preview and validate the WAV")
	flag.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultUtterances...)
	} else {
		parts := strings.Split(textsRaw, "|")
		for _, part := range parts {
			t := strings.TrimSpace(part)
			if t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty utterances")
		}
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: cfg.turnTimeout + 15*time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()

	if cfg.verbose {
		fmt.Printf("perfspeak: session=%s turns=%d\n", sessionID, cfg.turns)
	}

	if cfg.checkPreview {
		if err := checkPreviews(ctx, httpClient, cfg); err != nil {
			return fmt.Errorf("preview check: %w", err)
		}
	}

	latencies := make([]time.Duration, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]

		started := time.Now()
		res, err := speakTurn(ctx, httpClient, cfg, sessionID, text)
		if err != nil {
			return fmt.Errorf("turn %d speak: %w", i+1, err)
		}
		elapsed := time.Since(started)
		latencies = append(latencies, elapsed)

		if cfg.verbose {
			fmt.Printf("perfspeak: turn %d/%d text=%q method=%s estimate_ms=%d wall_ms=%d\n",
				i+1, cfg.turns, text, res.Method, res.DurationMS, elapsed.Milliseconds())
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	printSummary(latencies)
	return nil
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	body, err := postJSON(ctx, client, cfg.baseURL+"/v1/voice/session", createSessionRequest{
		UserID:   cfg.userID,
		Language: strings.TrimSpace(cfg.language),
	}, http.StatusCreated)
	if err != nil {
		return "", err
	}
	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/voice/session/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func speakTurn(ctx context.Context, client *http.Client, cfg options, sessionID, text string) (speakResponse, error) {
	turnCtx, cancel := context.WithTimeout(ctx, cfg.turnTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < speakAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, 250*time.Millisecond, 2*time.Second)
			select {
			case <-turnCtx.Done():
				return speakResponse{}, turnCtx.Err()
			case <-time.After(wait):
			}
		}

		body, err := postJSON(turnCtx, client,
			cfg.baseURL+"/v1/voice/session/"+url.PathEscape(sessionID)+"/speak",
			speakRequest{Text: text, Language: strings.TrimSpace(cfg.language)},
			http.StatusOK)
		if err != nil {
			lastErr = err
			var statusErr *httpStatusError
			if errors.As(err, &statusErr) && reliability.IsRetryableHTTPStatus(statusErr.status) {
				continue
			}
			return speakResponse{}, err
		}
		var out speakResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return speakResponse{}, err
		}
		return out, nil
	}
	return speakResponse{}, lastErr
}

func checkPreviews(ctx context.Context, client *http.Client, cfg options) error {
	seen := make(map[string]bool, len(cfg.texts))
	for _, text := range cfg.texts {
		if seen[text] {
			continue
		}
		seen[text] = true

		wav, err := postJSON(ctx, client, cfg.baseURL+"/v1/voice/preview", previewRequest{
			Text:     text,
			Language: strings.TrimSpace(cfg.language),
		}, http.StatusOK)
		if err != nil {
			return fmt.Errorf("preview %q: %w", text, err)
		}
		pcm, sampleRate, err := decodeWAVPCM16(wav)
		if err != nil {
			return fmt.Errorf("decode preview wav for %q: %w", text, err)
		}
		if len(pcm) == 0 {
			return fmt.Errorf("preview wav for %q produced no PCM bytes", text)
		}
		if cfg.verbose {
			audioMS := int64(len(pcm)) * 1000 / int64(sampleRate*2)
			fmt.Printf("perfspeak: preview text=%q sample_rate=%dHz audio_ms=%d\n", text, sampleRate, audioMS)
		}
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, payload any, wantStatus int) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 40<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode != wantStatus {
		return nil, &httpStatusError{status: res.StatusCode, body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.status, e.body)
}

func printSummary(latencies []time.Duration) {
	if len(latencies) == 0 {
		return
	}
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	pct := func(p float64) time.Duration {
		idx := int(p*float64(len(sorted))) - 1
		if idx < 0 {
			idx = 0
		}
		return sorted[idx]
	}
	fmt.Printf("perfspeak: turns=%d avg_ms=%d p50_ms=%d p95_ms=%d max_ms=%d\n",
		len(sorted),
		(total / time.Duration(len(sorted))).Milliseconds(),
		pct(0.50).Milliseconds(),
		pct(0.95).Milliseconds(),
		sorted[len(sorted)-1].Milliseconds())
}

func decodeWAVPCM16(data []byte) ([]byte, int, error) {
	if len(data) < 12 {
		return nil, 0, fmt.Errorf("wav too short")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("unsupported wav header")
	}

	var (
		haveFmt     bool
		audioFormat uint16
		channels    uint16
		sampleRate  int
		bitsPerSamp uint16
		pcmData     []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("invalid wav chunk size")
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("invalid wav fmt chunk")
			}
			audioFormat = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bitsPerSamp = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			pcmData = append(pcmData[:0], chunk...)
		}
		off += size
		if size%2 == 1 {
			off++
		}
	}
	if !haveFmt {
		return nil, 0, fmt.Errorf("wav fmt chunk missing")
	}
	if len(pcmData) == 0 {
		return nil, 0, fmt.Errorf("wav data chunk missing")
	}
	if audioFormat != 1 {
		return nil, 0, fmt.Errorf("unsupported wav audio format %d", audioFormat)
	}
	if bitsPerSamp != 16 {
		return nil, 0, fmt.Errorf("unsupported wav bits_per_sample %d", bitsPerSamp)
	}
	if channels == 0 {
		return nil, 0, fmt.Errorf("invalid wav channels=0")
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	if channels == 1 {
		if len(pcmData)%2 != 0 {
			pcmData = pcmData[:len(pcmData)-1]
		}
		return pcmData, sampleRate, nil
	}

	// Downmix interleaved multichannel audio to mono by averaging frames.
	frameBytes := int(channels) * 2
	if frameBytes <= 0 || len(pcmData) < frameBytes {
		return nil, 0, fmt.Errorf("invalid wav frame bytes")
	}
	frameCount := len(pcmData) / frameBytes
	mono := make([]byte, frameCount*2)
	for i := 0; i < frameCount; i++ {
		base := i * frameBytes
		sum := 0
		for ch := 0; ch < int(channels); ch++ {
			s := int16(binary.LittleEndian.Uint16(pcmData[base+ch*2 : base+ch*2+2]))
			sum += int(s)
		}
		avg := int16(sum / int(channels))
		binary.LittleEndian.PutUint16(mono[i*2:i*2+2], uint16(avg))
	}
	return mono, sampleRate, nil
}
