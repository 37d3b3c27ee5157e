package gateway

import (
	"net/http"
	"strings"
)

// statusForFailure maps a result's error message onto an HTTP status.
// Orchestrator results report failures as strings, not error values.
func statusForFailure(msg string) int {
	switch {
	case strings.Contains(msg, "already exists"):
		return http.StatusConflict
	case isNotFound(msg):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func isNotFound(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "not found")
}
