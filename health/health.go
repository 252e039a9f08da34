// Package health tracks the readiness of the daemon's moving parts
// (NATS connection, queues, scheduler) and serves them over HTTP.
// Messages are scrubbed of URLs, paths and credentials before they
// leave the process.
package health

import (
	"regexp"
	"time"

	"github.com/esmero/strawberry-runners-sub000/errors"
)

// Status values
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Status is the reported condition of one component
type Status struct {
	Component string    `json:"component"`
	Healthy   bool      `json:"healthy"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Details   []Status  `json:"details,omitempty"`
}

func (s Status) IsHealthy() bool   { return s.Status == StatusHealthy }
func (s Status) IsDegraded() bool  { return s.Status == StatusDegraded }
func (s Status) IsUnhealthy() bool { return s.Status == StatusUnhealthy }

// Healthy builds a healthy status
func Healthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   true,
		Status:    StatusHealthy,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Degraded builds a degraded status, working but impaired
func Degraded(component, message string) Status {
	return Status{
		Component: component,
		Status:    StatusDegraded,
		Message:   Sanitize(message),
		Timestamp: time.Now().UTC(),
	}
}

// Unhealthy builds an unhealthy status
func Unhealthy(component, message string) Status {
	return Status{
		Component: component,
		Status:    StatusUnhealthy,
		Message:   Sanitize(message),
		Timestamp: time.Now().UTC(),
	}
}

// FromError maps an error onto a status by its class. Transient
// trouble reports as degraded since the component retries on its own;
// everything else is unhealthy.
func FromError(component string, err error) Status {
	if err == nil {
		return Healthy(component, "ok")
	}
	if errors.IsTransient(err) {
		return Degraded(component, err.Error())
	}
	return Unhealthy(component, err.Error())
}

// Aggregate folds sub-statuses into one: any unhealthy part makes the
// whole unhealthy, otherwise any degraded part makes it degraded.
func Aggregate(component string, parts []Status) Status {
	if len(parts) == 0 {
		return Healthy(component, "no components registered")
	}

	unhealthy := 0
	degraded := 0
	for _, p := range parts {
		switch {
		case p.IsUnhealthy():
			unhealthy++
		case p.IsDegraded():
			degraded++
		}
	}

	var agg Status
	switch {
	case unhealthy > 0:
		agg = Unhealthy(component, "one or more components are unhealthy")
	case degraded > 0:
		agg = Degraded(component, "one or more components are degraded")
	default:
		agg = Healthy(component, "all components healthy")
	}
	agg.Details = make([]Status, len(parts))
	copy(agg.Details, parts)
	return agg
}

var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|wss?)://\S+`)
	unixPathRegex   = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Sanitize scrubs URLs, file paths, addresses and credential-looking
// fragments out of a message before it is exposed.
func Sanitize(message string) string {
	if message == "" {
		return ""
	}
	out := urlRegex.ReplaceAllString(message, "[URL]")
	out = unixPathRegex.ReplaceAllString(out, "[PATH]")
	out = ipAddrRegex.ReplaceAllString(out, "[IP]")
	out = portRegex.ReplaceAllString(out, "[PORT]")
	out = credentialRegex.ReplaceAllString(out, "[REDACTED]")
	return out
}
