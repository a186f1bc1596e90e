// Package providers holds the HTTP plumbing shared by all upstream adapters.
package providers

import (
	"fmt"
	"strconv"
)

// StatusError captures a non-2xx upstream response. Adapters return it so the
// router's classifier can inspect status and body.
type StatusError struct {
	StatusCode     int
	Body           string
	RetryAfterSecs int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter records a Retry-After header value when it is an integer
// number of seconds. HTTP-date forms are ignored.
func (e *StatusError) ParseRetryAfter(v string) {
	if v == "" {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		e.RetryAfterSecs = secs
	}
}
