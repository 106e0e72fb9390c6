package cli

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"strings"

	"github.com/rileyhilliard/vpsinit/internal/errors"
	"github.com/rileyhilliard/vpsinit/internal/remote"
)

// JSONEnvelope wraps command output in a consistent structure for machine parsing.
// All --json output should use this envelope.
type JSONEnvelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *JSONError  `json:"error,omitempty"`
}

// JSONError provides structured error information for machine parsing.
type JSONError struct {
	Code       string      `json:"code"`
	Message    string      `json:"message"`
	Step       string      `json:"step,omitempty"`
	Suggestion string      `json:"suggestion,omitempty"`
	Details    interface{} `json:"details,omitempty"`
}

// Error codes for machine-readable output.
// These map to specific actions automation can take.
const (
	ErrCodeConfigMissing     = "CONFIG_MISSING"
	ErrCodeConfigInvalid     = "CONFIG_INVALID"
	ErrCodeSSHTimeout        = "SSH_TIMEOUT"
	ErrCodeSSHAuthFailed     = "SSH_AUTH_FAILED"
	ErrCodeSSHHostKey        = "SSH_HOST_KEY"
	ErrCodeSSHConnectionFail = "SSH_CONNECTION_FAILED"
	ErrCodeCommandFailed     = "COMMAND_FAILED"
	ErrCodeDisconnected      = "DISCONNECTED"
	ErrCodeUnknown           = "UNKNOWN"
)

// WriteJSONSuccess writes a successful response with data to the writer.
func WriteJSONSuccess(w io.Writer, data interface{}) error {
	return writeJSONEnvelope(w, JSONEnvelope{
		Success: true,
		Data:    data,
	})
}

// WriteJSONResult writes data alongside err. A nil err is a success.
func WriteJSONResult(w io.Writer, data interface{}, err error) error {
	return writeJSONEnvelope(w, JSONEnvelope{
		Success: err == nil,
		Data:    data,
		Error:   ErrorToJSON(err),
	})
}

// WriteJSONFromError converts a Go error to a JSON error response.
func WriteJSONFromError(w io.Writer, err error) error {
	return writeJSONEnvelope(w, JSONEnvelope{
		Success: false,
		Error:   ErrorToJSON(err),
	})
}

// writeJSONEnvelope writes the envelope with consistent formatting.
func writeJSONEnvelope(w io.Writer, env JSONEnvelope) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(env)
}

// ErrorToJSON converts a Go error to a JSONError with appropriate code mapping.
func ErrorToJSON(err error) *JSONError {
	if err == nil {
		return nil
	}

	var vErr *errors.Error
	if !stderrors.As(err, &vErr) {
		return &JSONError{
			Code:    ErrCodeUnknown,
			Message: err.Error(),
		}
	}

	jErr := &JSONError{
		Code:       mapErrorCode(vErr.Code, vErr.Message),
		Message:    vErr.Message,
		Step:       vErr.Step,
		Suggestion: vErr.Suggestion,
	}

	// Dial failures carry a reason that picks a more specific code.
	var dErr *remote.DialError
	if stderrors.As(err, &dErr) {
		jErr.Code = dialErrorCode(dErr.Reason)
		jErr.Details = map[string]interface{}{
			"reason": dErr.Reason.String(),
			"mode":   dErr.Mode.String(),
			"host":   dErr.Host,
		}
	} else if vErr.Cause != nil {
		jErr.Details = map[string]interface{}{
			"cause": vErr.Cause.Error(),
		}
	}
	return jErr
}

// mapErrorCode maps internal error codes to machine-readable codes.
func mapErrorCode(internalCode, message string) string {
	switch internalCode {
	case errors.ErrConfig:
		if strings.HasPrefix(strings.ToLower(message), "missing required") {
			return ErrCodeConfigMissing
		}
		return ErrCodeConfigInvalid
	case errors.ErrConnect:
		return ErrCodeSSHConnectionFail
	case errors.ErrCommand:
		return ErrCodeCommandFailed
	case errors.ErrDisconnect:
		return ErrCodeDisconnected
	}
	return ErrCodeUnknown
}

func dialErrorCode(reason remote.FailReason) string {
	switch reason {
	case remote.FailTimeout:
		return ErrCodeSSHTimeout
	case remote.FailAuth:
		return ErrCodeSSHAuthFailed
	case remote.FailHostKey:
		return ErrCodeSSHHostKey
	default:
		return ErrCodeSSHConnectionFail
	}
}
