package capital

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failed provider request.
type Kind int

const (
	KindTransient Kind = iota + 1
	KindRateLimited
	KindAuth
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindAuth:
		return "auth"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sentinels matched through errors.Is against a *RequestError.
var (
	ErrTransient   = errors.New("transient provider error")
	ErrRateLimited = errors.New("provider rate limited")
	ErrAuth        = errors.New("provider rejected credentials")
	ErrFatal       = errors.New("fatal provider error")
)

// RequestError is returned by Client.Request for every non-success outcome.
type RequestError struct {
	Kind       Kind
	Method     string
	Path       string
	Status     int           // 0 for transport failures
	RetryAfter time.Duration // from the Retry-After header on 429
	Body       string        // truncated response body
	Attempts   int
	Err        error
}

func (e *RequestError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Method, e.Path, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RequestError) Unwrap() error { return e.Err }

func (e *RequestError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrFatal:
		return e.Kind == KindFatal
	}
	return false
}

// KindOf returns the kind of the outermost *RequestError in err, or 0.
func KindOf(err error) Kind {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Kind
	}
	return 0
}

// IsAuth reports whether err is (or wraps) an authentication failure.
func IsAuth(err error) bool {
	return KindOf(err) == KindAuth
}

const maxBodyInError = 512

func truncateBody(b []byte) string {
	if len(b) > maxBodyInError {
		return string(b[:maxBodyInError]) + "..."
	}
	return string(b)
}
