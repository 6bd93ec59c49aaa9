package esb

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a failed login or download.
type Kind int

const (
	InvalidCredentialsFormat Kind = iota + 1
	AuthenticationRejected
	CaptchaRequired
	ProtocolChanged
	TransientNetwork
	PayloadTooLarge
	MalformedData
)

func (k Kind) String() string {
	switch k {
	case InvalidCredentialsFormat:
		return "invalid_credentials_format"
	case AuthenticationRejected:
		return "authentication_rejected"
	case CaptchaRequired:
		return "captcha_required"
	case ProtocolChanged:
		return "protocol_changed"
	case TransientNetwork:
		return "transient_network"
	case PayloadTooLarge:
		return "payload_too_large"
	case MalformedData:
		return "malformed_data"
	}
	return "unknown"
}

// Sentinels matched with errors.Is against any *Error of the same Kind.
var (
	ErrInvalidCredentialsFormat = errors.New("invalid credentials format")
	ErrAuthenticationRejected   = errors.New("authentication rejected")
	ErrCaptchaRequired          = errors.New("captcha required")
	ErrProtocolChanged          = errors.New("protocol changed")
	ErrTransientNetwork         = errors.New("transient network error")
	ErrPayloadTooLarge          = errors.New("payload too large")
	ErrMalformedData            = errors.New("malformed data")

	// ErrSessionRejected marks an AuthenticationRejected error caused by a
	// stored session that the portal no longer accepts.
	ErrSessionRejected = errors.New("session rejected")
)

func (k Kind) sentinel() error {
	switch k {
	case InvalidCredentialsFormat:
		return ErrInvalidCredentialsFormat
	case AuthenticationRejected:
		return ErrAuthenticationRejected
	case CaptchaRequired:
		return ErrCaptchaRequired
	case ProtocolChanged:
		return ErrProtocolChanged
	case TransientNetwork:
		return ErrTransientNetwork
	case PayloadTooLarge:
		return ErrPayloadTooLarge
	case MalformedData:
		return ErrMalformedData
	}
	return nil
}

// Error is the only error type returned by Client apart from context errors.
type Error struct {
	Kind Kind
	Step Step
	// Expected describes the missing page structure for ProtocolChanged.
	Expected   string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.sentinel().Error())
	b.WriteString(" at ")
	b.WriteString(e.Step.String())
	if e.Expected != "" {
		b.WriteString(": expected ")
		b.WriteString(e.Expected)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	errs := []error{e.Kind.sentinel()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the kind of err if it is or wraps an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// RetryAfterOf returns the server supplied retry hint carried by err.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

func protocolChanged(step Step, expected string, err error) *Error {
	return &Error{Kind: ProtocolChanged, Step: step, Expected: expected, Err: err}
}

func rejected(step Step, status int, err error) *Error {
	return &Error{Kind: AuthenticationRejected, Step: step, Status: status, Err: err}
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
