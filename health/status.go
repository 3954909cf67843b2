// Package health provides health monitoring for Lattice services and their components
package health

import (
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/latticeworks/lattice/errors"
)

// Status levels. The wire values are part of the health endpoint
// contract, so they never change.
const (
	levelHealthy   = "healthy"
	levelDegraded  = "degraded"
	levelUnhealthy = "unhealthy"
)

// Status represents the health state of a component or system
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"` // true if status is "healthy"
	Status      string    `json:"status"`  // "healthy", "unhealthy", "degraded"
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics contains health-related operational data
type Metrics struct {
	Uptime          time.Duration `json:"uptime"`
	ErrorCount      int           `json:"error_count"`
	EventsProcessed int64         `json:"events_processed,omitempty"`
	LastActivity    time.Time     `json:"last_activity,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == levelHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == levelDegraded
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == levelUnhealthy
}

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// WithSubStatus returns a copy of the status with subStatus appended.
// The sub-status slice is cloned so the copy never shares a backing
// array with the original.
func (s Status) WithSubStatus(subStatus Status) Status {
	s.SubStatuses = append(slices.Clone(s.SubStatuses), subStatus)
	return s
}

// redactions maps sensitive patterns to their replacement tokens, in
// application order. URLs go before paths because a URL contains path
// segments, and paths before ports because sanitized URLs leave bare
// colons behind.
var redactions = []struct {
	pattern *regexp.Regexp
	token   string
}{
	{regexp.MustCompile(`(?:https?|nats|wss?)://[^\s]+`), "[URL]"},
	{regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`), "[PATH]"},
	{regexp.MustCompile(`[A-Z]:\\[^:\s]+`), "[PATH]"},
	{regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), "[IP]"},
	{regexp.MustCompile(`:\d{2,5}\b`), "[PORT]"},
}

// credentialPattern matches key/value pairs whose key names a secret.
// It is broad enough to catch "password=x", "token: x", and quoted JSON
// forms, so it only runs when a secret keyword is actually present.
var (
	credentialPattern  = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
	credentialKeywords = []string{"password", "token", "key", "secret", "credential"}
)

// SanitizeMessage removes endpoints, filesystem paths, addresses, and
// credential values from a message before it appears on health
// endpoints or dashboards. Redacted spans are replaced with bracketed
// tokens: [URL], [PATH], [IP], [PORT], and [REDACTED] for credentials.
func SanitizeMessage(msg string) string {
	if msg == "" {
		return ""
	}

	for _, r := range redactions {
		msg = r.pattern.ReplaceAllString(msg, r.token)
	}

	lower := strings.ToLower(msg)
	for _, keyword := range credentialKeywords {
		if strings.Contains(lower, keyword) {
			msg = credentialPattern.ReplaceAllString(msg, "[REDACTED]")
			break
		}
	}

	return msg
}

// FromError converts an error into a component status with a sanitized
// message. A nil error reports healthy. Transient errors report degraded
// because the operation may recover on retry; any other class reports
// unhealthy.
func FromError(component string, err error) Status {
	if err == nil {
		return NewHealthy(component, "operating normally")
	}

	msg := SanitizeMessage(err.Error())
	if errors.IsTransient(err) {
		return NewDegraded(component, msg)
	}
	return NewUnhealthy(component, msg)
}
