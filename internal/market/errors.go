package market

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

// Kind classifies a market-data failure.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindProtocol   Kind = "protocol"
	KindValidation Kind = "validation"
	KindParse      Kind = "parse"
	KindUnknown    Kind = "unknown"
)

// MaxDiagnosticLen caps human-readable diagnostics, in runes.
const MaxDiagnosticLen = 180

// Error is a classified, non-fatal failure of a data source.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind) + " error"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NetworkError wraps a transport failure.
func NetworkError(err error) error {
	return &Error{Kind: KindNetwork, Message: "network error", Err: err}
}

// ProtocolError describes a non-success HTTP status with a condensed body snippet.
func ProtocolError(status int, body []byte) error {
	label := strings.TrimSpace(fmt.Sprintf("%d %s", status, http.StatusText(status)))
	msg := "HTTP " + label
	if snippet := condense(string(body)); snippet != "" {
		msg += " • Body: " + snippet
	}
	return &Error{Kind: KindProtocol, StatusCode: status, Message: Truncate(msg, MaxDiagnosticLen)}
}

// ValidationError reports a payload that decoded but lacks required fields.
func ValidationError(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// ParseError reports a payload that could not be decoded.
func ParseError(err error) error {
	return &Error{Kind: KindParse, Message: "malformed payload", Err: err}
}

// KindOf extracts the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindUnknown
}

// Diagnostic renders err as a single line of at most MaxDiagnosticLen runes.
func Diagnostic(err error) string {
	if err == nil {
		return ""
	}
	var me *Error
	if errors.As(err, &me) && me.Kind == KindProtocol {
		return me.Message
	}
	return Truncate(condense(err.Error()), MaxDiagnosticLen)
}

// Truncate cuts s to at most max runes, ending with an ellipsis when cut.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}

func condense(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
