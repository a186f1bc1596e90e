package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/smartrouter/smartrouter/internal/providers"
)

// ErrorKind classifies upstream failures for blacklist scope and retry policy.
type ErrorKind string

const (
	KindAuthFatal       ErrorKind = "auth_fatal"
	KindRateLimit       ErrorKind = "rate_limit"
	KindModelNotFound   ErrorKind = "model_not_found"
	KindServerTransient ErrorKind = "server_transient"
	KindNetwork         ErrorKind = "network"
	KindUnknown         ErrorKind = "unknown"
)

// BlacklistScope says whether a failure poisons the whole channel or only the
// (channel, model) pair.
type BlacklistScope string

const (
	ScopeChannel BlacklistScope = "channel"
	ScopeModel   BlacklistScope = "model"
)

// ErrorPolicy is one row of the static policy matrix driving the executor.
type ErrorPolicy struct {
	Scope         BlacklistScope
	FixedCooldown time.Duration // 0 = exponential backoff owned by the blacklist
	SurfaceStatus int           // HTTP status when no candidate is left
}

// policyMatrix is the closed error-policy table. Every kind retries on the
// next candidate; only the blacklist scope and terminal status differ.
var policyMatrix = map[ErrorKind]ErrorPolicy{
	KindAuthFatal:       {Scope: ScopeChannel, SurfaceStatus: 502},
	KindRateLimit:       {Scope: ScopeModel, SurfaceStatus: 429},
	KindModelNotFound:   {Scope: ScopeModel, FixedCooldown: time.Hour, SurfaceStatus: 404},
	KindServerTransient: {Scope: ScopeModel, SurfaceStatus: 502},
	KindNetwork:         {Scope: ScopeModel, SurfaceStatus: 504},
	KindUnknown:         {Scope: ScopeModel, FixedCooldown: time.Minute, SurfaceStatus: 500},
}

// PolicyFor returns the policy row for kind, defaulting to unknown.
func PolicyFor(kind ErrorKind) ErrorPolicy {
	if p, ok := policyMatrix[kind]; ok {
		return p
	}
	return policyMatrix[KindUnknown]
}

// severity orders kinds so the executor can report the worst error seen when
// every candidate fails.
var severity = map[ErrorKind]int{
	KindUnknown:         0,
	KindModelNotFound:   1,
	KindNetwork:         2,
	KindServerTransient: 3,
	KindRateLimit:       4,
	KindAuthFatal:       5,
}

// WorseKind returns the more severe of two kinds.
func WorseKind(a, b ErrorKind) ErrorKind {
	if severity[b] > severity[a] {
		return b
	}
	return a
}

// Classify maps an upstream error to its routing kind. Status codes dominate;
// body substrings refine 4xx responses; transport errors become network.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var se *providers.StatusError
	if errors.As(err, &se) {
		body := strings.ToLower(se.Body)
		switch {
		case se.StatusCode == 401 || se.StatusCode == 403:
			return KindAuthFatal
		case strings.Contains(body, "invalid api key") || strings.Contains(body, "quota exceeded"):
			// Quota exhaustion is per-key, so it blocks the whole channel.
			return KindAuthFatal
		case se.StatusCode == 429 || se.StatusCode == 402:
			return KindRateLimit
		case se.StatusCode == 404:
			return KindModelNotFound
		case strings.Contains(body, "model") && strings.Contains(body, "not found"):
			return KindModelNotFound
		case se.StatusCode >= 500:
			return KindServerTransient
		}
		return KindUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindNetwork
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "tls") ||
		strings.Contains(msg, "timeout") {
		return KindNetwork
	}
	return KindUnknown
}

// ErrNoChannels is returned when the candidate finder produces an empty set.
var ErrNoChannels = errors.New("no channels match the request")

// AllFailedError reports that every ranked candidate was tried and failed.
type AllFailedError struct {
	Attempts int
	Worst    ErrorKind
	LastErr  error
}

func (e *AllFailedError) Error() string {
	return fmt.Sprintf("all channels failed after %d attempts (worst: %s): %v", e.Attempts, e.Worst, e.LastErr)
}

func (e *AllFailedError) Unwrap() error { return e.LastErr }

// StreamAbortedError marks a failure after response bytes already reached the
// client; failover is no longer possible.
type StreamAbortedError struct {
	ChannelID string
	Err       error
}

func (e *StreamAbortedError) Error() string {
	return fmt.Sprintf("stream aborted on channel %s: %v", e.ChannelID, e.Err)
}

func (e *StreamAbortedError) Unwrap() error { return e.Err }
