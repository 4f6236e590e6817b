// Package health aggregates per-component health into a single system
// status served over HTTP alongside the metrics endpoint.
package health

import (
	"regexp"
	"strings"
	"time"

	"github.com/c360/twinsync/component"
)

// Compiled once; the sanitizer runs on every status conversion.
var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|wss?)://[^\s]+`)
	unixPathRegex   = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the health of one component or an aggregate over several.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"` // "healthy", "unhealthy", "degraded"
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"subStatuses,omitempty"`
}

// IsHealthy reports whether the status is healthy.
func (s Status) IsHealthy() bool { return s.Status == "healthy" }

// IsDegraded reports whether the status is degraded.
func (s Status) IsDegraded() bool { return s.Status == "degraded" }

// IsUnhealthy reports whether the status is unhealthy.
func (s Status) IsUnhealthy() bool { return s.Status == "unhealthy" }

// Healthy creates a healthy status.
func Healthy(name, message string) Status {
	return Status{
		Component: name,
		Healthy:   true,
		Status:    "healthy",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Unhealthy creates an unhealthy status.
func Unhealthy(name, message string) Status {
	return Status{
		Component: name,
		Status:    "unhealthy",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Degraded creates a degraded status.
func Degraded(name, message string) Status {
	return Status{
		Component: name,
		Status:    "degraded",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// sanitize strips connection URLs, file paths, addresses, and anything
// credential-shaped from a message before it leaves the process. Health
// responses are served unauthenticated, so detail strings from failed
// NATS or bridge connections must not leak endpoints or secrets.
func sanitize(msg string) string {
	if msg == "" {
		return ""
	}
	out := urlRegex.ReplaceAllString(msg, "[URL]")
	out = unixPathRegex.ReplaceAllString(out, "[PATH]")
	out = ipAddrRegex.ReplaceAllString(out, "[IP]")
	out = portRegex.ReplaceAllString(out, "[PORT]")

	lower := strings.ToLower(out)
	if strings.Contains(lower, "password") || strings.Contains(lower, "token") ||
		strings.Contains(lower, "key") || strings.Contains(lower, "secret") ||
		strings.Contains(lower, "credential") {
		out = credentialRegex.ReplaceAllString(out, "[REDACTED]")
	}
	return out
}

// FromComponent converts a lifecycle health report into a Status,
// sanitizing the detail message.
func FromComponent(name string, ch component.HealthStatus) Status {
	status := "unhealthy"
	message := "component unhealthy"
	if ch.Healthy {
		status = "healthy"
		message = "component healthy"
	}
	if ch.Detail != "" {
		message = sanitize(ch.Detail)
	}

	ts := ch.LastCheck
	if ts.IsZero() {
		ts = time.Now()
	}
	return Status{
		Component: name,
		Healthy:   ch.Healthy,
		Status:    status,
		Message:   message,
		Timestamp: ts,
	}
}

// Aggregate folds sub-statuses into one: any unhealthy makes the whole
// unhealthy; otherwise any degraded makes it degraded.
func Aggregate(name string, subs []Status) Status {
	if len(subs) == 0 {
		return Healthy(name, "no components registered")
	}

	hasUnhealthy, hasDegraded := false, false
	for _, sub := range subs {
		switch {
		case sub.IsUnhealthy():
			hasUnhealthy = true
		case sub.IsDegraded():
			hasDegraded = true
		}
	}

	var agg Status
	switch {
	case hasUnhealthy:
		agg = Unhealthy(name, "one or more components are unhealthy")
	case hasDegraded:
		agg = Degraded(name, "one or more components are degraded")
	default:
		agg = Healthy(name, "all components are healthy")
	}
	agg.SubStatuses = make([]Status, len(subs))
	copy(agg.SubStatuses, subs)
	return agg
}
