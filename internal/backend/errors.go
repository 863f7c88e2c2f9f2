package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies a failed backend call.
type ErrorKind string

const (
	KindTransport  ErrorKind = "transport"
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindProcessing ErrorKind = "processing"
)

// RemoteError is the uniform failure signal of every gateway operation.
type RemoteError struct {
	Op         string
	Kind       ErrorKind
	StatusCode int // 0 when no HTTP response was received
	Message    string
	Err        error
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	b.WriteString(" error")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// KindOf reports the kind of a gateway error, or "" if err is not one.
func KindOf(err error) ErrorKind {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// MessageOf returns the backend-supplied message carried by err, or "".
func MessageOf(err error) string {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Message
	}
	return ""
}

// NewValidationError builds a validation failure detected before any request
// was sent.
func NewValidationError(op, message string) *RemoteError {
	return &RemoteError{Op: op, Kind: KindValidation, Message: message}
}

func transportError(op string, err error) *RemoteError {
	return &RemoteError{Op: op, Kind: KindTransport, Message: err.Error(), Err: err}
}

func kindForStatus(status int) ErrorKind {
	switch status {
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge,
		http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity:
		return KindValidation
	default:
		return KindProcessing
	}
}

func statusError(op string, status int, body []byte) *RemoteError {
	return &RemoteError{
		Op:         op,
		Kind:       kindForStatus(status),
		StatusCode: status,
		Message:    detailMessage(body),
	}
}

// detailMessage extracts the FastAPI-style "detail" field. Validation errors
// carry a list of objects there; their "msg" fields are joined.
func detailMessage(body []byte) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Detail) == 0 {
		return strings.TrimSpace(string(body))
	}

	var s string
	if err := json.Unmarshal(envelope.Detail, &s); err == nil {
		return s
	}

	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(envelope.Detail, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		if len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
	}
	return string(envelope.Detail)
}
