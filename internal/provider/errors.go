package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rookgm/esimhub/internal/models"
)

// default time of retry after
const delaySeconds = 60

// ConfigError is a configuration fault: unregistered provider, duplicate
// registration, missing credential. It is never retried.
type ConfigError struct {
	Slug   models.ProviderSlug
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Slug == "" {
		return "provider configuration: " + e.Reason
	}
	return fmt.Sprintf("provider %q configuration: %s", e.Slug, e.Reason)
}

// TransientError is a provider fault worth failing over on: timeout, 5xx,
// network failure or throttling.
type TransientError struct {
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// StatusError is a non-transient HTTP rejection, e.g. 4xx on a bad request.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// IsConfigError reports whether err is a configuration fault.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsTransient reports whether err is a transient provider fault.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return IsTimeout(err)
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ErrorText renders err for an attempt record: timeouts collapse to "timeout".
func ErrorText(err error) string {
	if err == nil {
		return ""
	}
	if IsTimeout(err) {
		return "timeout"
	}
	return err.Error()
}

// TransportError wraps an error returned by http.Client.Do.
func TransportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

// CheckResponse classifies an HTTP response:
// 2xx — nil;
// 429 — TransientError with RetryAfter;
// 5xx — TransientError;
// other — StatusError with a snippet of the body.
func CheckResponse(op string, resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &TransientError{
			Op:         op,
			StatusCode: resp.StatusCode,
			RetryAfter: RetryAfter(resp.Header),
		}
	case resp.StatusCode >= 500:
		return &TransientError{Op: op, StatusCode: resp.StatusCode}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Message: string(body)}
	}
}

// RetryAfter parses the Retry-After header in seconds.
func RetryAfter(h http.Header) time.Duration {
	val := h.Get("Retry-After")
	if val == "" {
		return delaySeconds * time.Second
	}
	t, err := strconv.Atoi(val)
	if err != nil || t < 0 {
		return delaySeconds * time.Second
	}
	return time.Duration(t) * time.Second
}
