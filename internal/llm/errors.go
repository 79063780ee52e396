package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedResponse is matched by every MalformedResponseError.
var ErrMalformedResponse = errors.New("malformed response")

// TransportKind classifies a failed transport attempt.
type TransportKind int

const (
	KindNetwork TransportKind = iota + 1
	KindRateLimited
	KindServerError
	KindClientError
)

func (k TransportKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRateLimited:
		return "rate_limited"
	case KindServerError:
		return "server_error"
	case KindClientError:
		return "client_error"
	default:
		return "unknown"
	}
}

// TransportError is a failed attempt against the remote endpoint.
type TransportError struct {
	Kind       TransportKind
	StatusCode int           // 0 for network failures.
	Body       string        // Truncated response body, if any.
	RetryAfter time.Duration // Parsed Retry-After header on 429, if present.
	Err        error         // Underlying network error, if any.
}

func (e *TransportError) Error() string {
	switch {
	case e.Kind == KindNetwork && e.Err != nil:
		return fmt.Sprintf("network error: %v", e.Err)
	case e.Body != "":
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("%s (status %d)", e.Kind, e.StatusCode)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient. Client errors are
// caller defects and never retried.
func (e *TransportError) Retryable() bool {
	return e.Kind != KindClientError
}

// ExhaustedError is returned when every allowed attempt failed with a
// retryable error. Last carries the final observed cause.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// MalformedResponseError reports a 2xx response whose body could not be
// interpreted. It is never retried.
type MalformedResponseError struct {
	Reason string
	Body   string
	Err    error
}

func (e *MalformedResponseError) Error() string {
	msg := "malformed response: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

func (e *MalformedResponseError) Is(target error) bool { return target == ErrMalformedResponse }

// GenerationKind classifies a failed generation.
type GenerationKind int

const (
	GenerationTransport GenerationKind = iota + 1
	GenerationMalformedResponse
)

// GenerationError is what the conversation layer surfaces to callers.
type GenerationError struct {
	Kind GenerationKind
	Err  error
}

func (e *GenerationError) Error() string {
	if e.Kind == GenerationMalformedResponse {
		return "generation failed: " + e.Err.Error()
	}
	return "generation failed: transport: " + e.Err.Error()
}

func (e *GenerationError) Unwrap() error { return e.Err }

// NewGenerationError wraps err, classifying it as a malformed response or
// a transport failure. A nil err yields nil.
func NewGenerationError(err error) error {
	if err == nil {
		return nil
	}
	var ge *GenerationError
	if errors.As(err, &ge) {
		return ge
	}
	if errors.Is(err, ErrMalformedResponse) {
		return &GenerationError{Kind: GenerationMalformedResponse, Err: err}
	}
	return &GenerationError{Kind: GenerationTransport, Err: err}
}

const maxErrorBody = 500

// ErrorFromStatus maps a non-2xx HTTP status to a TransportError. It returns
// nil for 2xx statuses.
func ErrorFromStatus(status int, body string, header http.Header) *TransportError {
	if status >= 200 && status < 300 {
		return nil
	}
	te := &TransportError{StatusCode: status, Body: truncate(strings.TrimSpace(body), maxErrorBody)}
	switch {
	case status == http.StatusTooManyRequests:
		te.Kind = KindRateLimited
		if header != nil {
			te.RetryAfter = ParseRetryAfter(header.Get("Retry-After"), time.Now())
		}
	case status >= 500:
		te.Kind = KindServerError
	default:
		te.Kind = KindClientError
	}
	return te
}

// ParseRetryAfter parses a Retry-After header value given as delta-seconds
// or an HTTP date. It returns 0 when the value is absent or unparsable.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
