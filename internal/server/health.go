package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// HealthResponse is the body of both probes. Checks carries the export
// status (state, parts, rows, destination, error) on readiness responses.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// LivenessHandler answers the liveness probe. It fails only when the
// process has to be restarted.
func LivenessHandler(checker HealthChecker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker.Liveness() {
			writeProbe(w, logger, "liveness", http.StatusOK, "alive", nil)
			return
		}
		writeProbe(w, logger, "liveness", http.StatusServiceUnavailable, "not alive", nil)
	}
}

// ReadinessHandler answers the readiness probe. An export is ready while it
// runs with a connected source and has not failed.
func ReadinessHandler(checker HealthChecker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := checker.GetStatus()
		if checker.Readiness(r.Context()) && checker.IsHealthy() {
			writeProbe(w, logger, "readiness", http.StatusOK, "ready", checks)
			return
		}
		logger.Debug("export not ready", "checks", checks)
		writeProbe(w, logger, "readiness", http.StatusServiceUnavailable, "not ready", checks)
	}
}

func writeProbe(w http.ResponseWriter, logger *slog.Logger, probe string, code int, status string, checks map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)

	err := json.NewEncoder(w).Encode(HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	})
	if err != nil {
		logger.Error("failed to encode probe response", "probe", probe, "error", err)
	}
}
