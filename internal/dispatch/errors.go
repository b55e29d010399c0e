package dispatch

import (
	"errors"
	"strings"
)

// ApologyText replaces the reply of an agent whose invocation failed.
const ApologyText = "Sorry, I encountered an error processing your request. Please check the queue logs."

// ErrNoAgents is returned when the registry has no agent to route to.
var ErrNoAgents = errors.New("no agents configured")

// failureKind classifies an invocation error for logs and metrics. Provider
// errors are transient infrastructure issues (network, rate limits, server
// errors); everything else is reported as "agent".
func failureKind(err error) string {
	if err == nil {
		return ""
	}
	if isProviderError(err.Error()) {
		return "provider"
	}
	return "agent"
}

func isProviderError(errMsg string) bool {
	if errMsg == "" {
		return false
	}
	// Connection/network errors
	if strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "context canceled") ||
		strings.Contains(errMsg, "context deadline exceeded") ||
		strings.Contains(errMsg, "dial tcp") ||
		strings.Contains(errMsg, "no such host") ||
		strings.Contains(errMsg, "i/o timeout") {
		return true
	}
	// HTTP status code errors (rate limits, auth, server errors)
	for _, code := range []string{"401", "403", "429", "500", "502", "503", "504"} {
		if strings.Contains(errMsg, "status code "+code) {
			return true
		}
	}
	if strings.Contains(errMsg, "rate limit") ||
		strings.Contains(errMsg, "quota exceeded") ||
		strings.Contains(errMsg, "executable file not found") {
		return true
	}
	return false
}
