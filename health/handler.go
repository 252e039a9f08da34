package health

import (
	"encoding/json"
	"net/http"
)

// Handler serves the monitor's aggregated status as JSON. Responds
// 200 while healthy or degraded and 503 once any component is
// unhealthy, so orchestrators only restart on hard failures.
func Handler(monitor *Monitor, systemName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		overall := monitor.Overall(systemName)

		w.Header().Set("Content-Type", "application/json")
		if overall.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(overall)
	})
}
