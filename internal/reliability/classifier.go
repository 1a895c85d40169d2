package reliability

import "time"

// IsRetryableVoiceCode classifies recoverable voice error codes. Permission
// and capability errors are excluded: they need user action, not a retry.
func IsRetryableVoiceCode(code string) bool {
	switch code {
	case "network_error", "api_timeout", "tts_generation_failed", "no_speech_detected":
		return true
	default:
		return false
	}
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
