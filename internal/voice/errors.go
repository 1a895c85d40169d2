package voice

import (
	"fmt"
	"strings"

	"github.com/Shen-Yukang/musea-voice/internal/reliability"
)

// ErrorType classifies voice failures into a stable taxonomy. Values cross
// the HTTP boundary verbatim, so they are lowercase snake case like the
// relay protocol codes.
type ErrorType string

const (
	// Permission.
	ErrPermissionDenied       ErrorType = "permission_denied"
	ErrMicrophoneAccessDenied ErrorType = "microphone_access_denied"

	// Transport.
	ErrNetwork    ErrorType = "network_error"
	ErrAPITimeout ErrorType = "api_timeout"

	// Playback.
	ErrTTSGenerationFailed ErrorType = "tts_generation_failed"
	ErrTTSPlaybackFailed   ErrorType = "tts_playback_failed"
	ErrTTSConfigInvalid    ErrorType = "tts_config_invalid"

	// Recognition.
	ErrSpeechRecognitionFailed       ErrorType = "speech_recognition_failed"
	ErrSpeechRecognitionNotSupported ErrorType = "speech_recognition_not_supported"
	ErrNoSpeechDetected              ErrorType = "no_speech_detected"

	// Coordination.
	ErrInvalidStateTransition ErrorType = "invalid_state_transition"
	ErrConcurrentOperation    ErrorType = "concurrent_operation"

	// Configuration.
	ErrInvalidConfiguration ErrorType = "invalid_configuration"
	ErrMissingConfiguration ErrorType = "missing_configuration"

	// Generic.
	ErrUnknown            ErrorType = "unknown_error"
	ErrOperationCancelled ErrorType = "operation_cancelled"
)

// Error is the structured failure value every public voice operation
// returns. Errors are values: nothing panics or throws past a manager
// boundary, and truly unexpected failures are wrapped before surfacing.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context string
}

func NewError(t ErrorType, message string) *Error {
	return &Error{Type: t, Message: message}
}

func WrapError(t ErrorType, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Cause: cause}
}

// WithContext attaches a correlation hint (session id, operation name).
func (e *Error) WithContext(ctx string) *Error {
	e.Context = strings.TrimSpace(ctx)
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Context != "" {
		msg += " (" + e.Context + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Retryable reports whether the caller may reasonably retry the operation.
// The core itself never auto-retries except the conversation re-arm, which
// is a deliberate delayed retry of listening only.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	return reliability.IsRetryableVoiceCode(string(e.Type))
}

// UserMessage returns a human-readable message suitable for end users.
func (e *Error) UserMessage() string {
	if e == nil {
		return ""
	}
	switch e.Type {
	case ErrPermissionDenied, ErrMicrophoneAccessDenied:
		return "Microphone access was denied. Please allow microphone access and try again."
	case ErrNetwork:
		return "A network error occurred. Please check your connection and try again."
	case ErrAPITimeout:
		return "The voice service took too long to respond. Please try again."
	case ErrTTSGenerationFailed, ErrTTSPlaybackFailed:
		return "Speech playback failed. Please try again."
	case ErrTTSConfigInvalid:
		return "The speech request was invalid."
	case ErrSpeechRecognitionNotSupported:
		return "Speech recognition is not supported on this device."
	case ErrNoSpeechDetected:
		return "No speech was detected. Please try speaking again."
	case ErrSpeechRecognitionFailed:
		return "Speech recognition failed. Please try again."
	case ErrConcurrentOperation:
		return "Another voice operation is already in progress."
	case ErrOperationCancelled:
		return "The voice operation was cancelled."
	default:
		return "An unexpected voice error occurred."
	}
}
