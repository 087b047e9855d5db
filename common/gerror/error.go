package gerror

import (
	"fmt"
	"strings"
)

const (
	AudienceInternal Audience = "internal"
	AudienceExternal Audience = "external"
)

type Audience string
type Code string
type DetailKey string
type Details map[DetailKey]Detail

// Error is a structured error carrying an audience, a stable code and an
// HTTP status code, so API and WebSocket layers can translate it without
// string matching.
type Error struct {
	innerErr error
	// errorText is the full error chain, for logs.
	errorText string
	// message is safe to show to an end user when the audience is external.
	message        string
	details        Details
	audience       Audience
	code           Code
	httpStatusCode int
}

func NewError(message string, audience Audience, code Code, httpStatusCode int, inner error) Error {
	return NewErrorWithDetails(message, nil, audience, code, httpStatusCode, inner)
}

func NewErrorWithDetails(message string, details Details, audience Audience, code Code, httpStatusCode int, inner error) Error {
	return Error{
		innerErr:       inner,
		message:        message,
		errorText:      makeErrorText(message, details, inner),
		details:        details,
		audience:       audience,
		code:           code,
		httpStatusCode: httpStatusCode,
	}
}

func (e Error) Error() string {
	if e.errorText != "" {
		return e.errorText
	}
	return e.message
}

func (e Error) Unwrap() error {
	return e.innerErr
}

func (e Error) Message() string {
	return e.message
}

func (e Error) Details() Details {
	m := make(Details, len(e.details))
	for k, v := range e.details {
		m[k] = v
	}
	return m
}

func (e Error) Audience() Audience {
	return e.audience
}

func (e Error) Code() Code {
	return e.code
}

func (e Error) HTTPStatusCode() int {
	return e.httpStatusCode
}

// Wrap returns a copy of the error with the inner error set to err.
func (e Error) Wrap(innerErr error) Error {
	return Error{
		innerErr:       innerErr,
		errorText:      makeErrorText(e.message, e.details, innerErr),
		message:        e.message,
		details:        e.Details(),
		audience:       e.audience,
		code:           e.code,
		httpStatusCode: e.httpStatusCode,
	}
}

// IDetail returns a copy of the error with an internal-only detail appended.
func (e Error) IDetail(key DetailKey, value interface{}) Error {
	return e.withDetail(AudienceInternal, key, value)
}

// EDetail returns a copy of the error with an externally visible detail appended.
func (e Error) EDetail(key DetailKey, value interface{}) Error {
	return e.withDetail(AudienceExternal, key, value)
}

func (e *Error) withDetail(audience Audience, key DetailKey, value interface{}) Error {
	details := e.Details()
	details[key] = NewDetail(audience, key, value)
	return Error{
		innerErr:       e.innerErr,
		errorText:      makeErrorText(e.message, details, e.innerErr),
		message:        e.message,
		details:        details,
		audience:       e.audience,
		code:           e.code,
		httpStatusCode: e.httpStatusCode,
	}
}

func makeErrorText(message string, details Details, inner error) string {
	var sb strings.Builder
	sb.WriteString(message)
	if len(details) > 0 {
		sb.WriteString(" [")
		first := true
		for k, v := range details {
			if !first {
				sb.WriteString(", ")
			}
			first = false
			sb.WriteString(fmt.Sprintf("%s=%v", k, v.value))
		}
		sb.WriteString("]")
	}
	if inner != nil {
		sb.WriteString(fmt.Sprintf(": %v", inner))
	}
	return sb.String()
}

type Detail struct {
	audience Audience
	key      DetailKey
	value    interface{}
}

func NewDetail(audience Audience, key DetailKey, value interface{}) Detail {
	return Detail{
		audience: audience,
		key:      key,
		value:    value,
	}
}

func (d Detail) Audience() Audience {
	return d.audience
}

func (d Detail) Key() DetailKey {
	return d.key
}

func (d Detail) Value() interface{} {
	return d.value
}
