package deck

import (
	"errors"
	"strings"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidMetric   = errors.New("invalid metric")
	ErrDivisionByZero  = errors.New("division by zero: deck has no slides")
	ErrRenderFailure   = errors.New("render failure")
	ErrAnalysisFailure = errors.New("analysis failure")
	ErrMalformedInput  = errors.New("malformed input")
	ErrInvalidRequest  = errors.New("invalid request")
)

const (
	ErrorCodeValidation        = "VALIDATION_ERROR"
	ErrorCodeRender            = "RENDER_FAILURE"
	ErrorCodeAnalysis          = "ANALYSIS_FAILURE"
	ErrorCodeLLMTimeout        = "LLM_TIMEOUT"
	ErrorCodeLLMQuota          = "LLM_QUOTA"
	ErrorCodeLLMSchemaMismatch = "LLM_SCHEMA_MISMATCH"
	ErrorCodeLLMTransport      = "LLM_TRANSPORT"
	ErrorCodeMalformed         = "MALFORMED_RESULT"
	ErrorCodeInternal          = "INTERNAL_ERROR"
)

const (
	msgRender   = "We could not render your presentation. Please check that your presentation is valid and contains slides."
	msgAnalysis = "We could not analyse your presentation right now. Please try again in a moment."
	msgInvalid  = "Please check the form: a presentation file and a positive time cap are required."
	msgInternal = "Something went wrong while analysing your presentation. Please try again."
)

// CodedError carries an internal failure code alongside the wrapped error.
type CodedError struct {
	Code string
	Err  error
}

func (e *CodedError) Error() string {
	if e.Err == nil {
		return strings.ToLower(e.Code)
	}
	return e.Err.Error()
}

func (e *CodedError) Unwrap() error { return e.Err }

// WithCode attaches an internal failure code to err.
func WithCode(code string, err error) error {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Err: err}
}

// Code returns the failure code for err.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var coded *CodedError
	if errors.As(err, &coded) && coded.Code != "" {
		return coded.Code
	}
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return ErrorCodeValidation
	case errors.Is(err, ErrRenderFailure):
		return ErrorCodeRender
	case errors.Is(err, ErrMalformedInput):
		return ErrorCodeMalformed
	case errors.Is(err, ErrAnalysisFailure):
		return ErrorCodeAnalysis
	default:
		return ErrorCodeInternal
	}
}

// UserMessage returns a message safe to show to end users. It never includes
// subprocess or provider diagnostics.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return msgInvalid
	case errors.Is(err, ErrRenderFailure):
		return msgRender
	case errors.Is(err, ErrAnalysisFailure), errors.Is(err, ErrMalformedInput):
		return msgAnalysis
	default:
		return msgInternal
	}
}

// SanitizeDetail flattens and truncates an error for internal storage.
func SanitizeDetail(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.TrimSpace(msg)
	const maxLen = 500
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}

// MessageForCode returns the user-facing message for a stored failure code.
func MessageForCode(code string) string {
	switch code {
	case "":
		return ""
	case ErrorCodeValidation:
		return msgInvalid
	case ErrorCodeRender:
		return msgRender
	case ErrorCodeAnalysis, ErrorCodeLLMTimeout, ErrorCodeLLMQuota, ErrorCodeLLMSchemaMismatch, ErrorCodeLLMTransport, ErrorCodeMalformed:
		return msgAnalysis
	default:
		return msgInternal
	}
}
