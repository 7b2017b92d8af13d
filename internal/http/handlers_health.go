package httpx

import (
	"context"
	"net/http"
	"time"
)

const readinessTimeout = 2 * time.Second

// DepthProber reports the number of pending jobs. A failing probe means the
// queue backend is unreachable.
type DepthProber interface {
	Depth(ctx context.Context) (int64, error)
}

type healthResponse struct {
	Status     string `json:"status"`
	QueueDepth *int64 `json:"queue_depth,omitempty"`
	Error      string `json:"error,omitempty"`
}

// healthHandler reports liveness. It never touches a backend.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, r, http.StatusOK, healthResponse{Status: "ok"})
}

// readyHandler reports readiness and the queue depth an autoscaler can act on.
func readyHandler(probe DepthProber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		depth, err := probe.Depth(ctx)
		if err != nil {
			writeHealth(w, r, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: "queue unavailable"})
			return
		}
		writeHealth(w, r, http.StatusOK, healthResponse{Status: "ready", QueueDepth: &depth})
	}
}

func writeHealth(w http.ResponseWriter, r *http.Request, status int, body healthResponse) {
	w.Header().Set("Cache-Control", "no-store")
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		return
	}
	WriteJSON(w, status, body)
}
