package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/me/cyclecast/pkg/model"
)

// Version is reported by /health and discovery.
const Version = "0.1.0"

const timeFormat = time.RFC3339Nano

type healthResponse struct {
	Status    string           `json:"status"`
	Version   string           `json:"version"`
	GoVersion string           `json:"go_version"`
	Uptime    string           `json:"uptime"`
	Suite     string           `json:"suite"`
	RunID     string           `json:"run_id,omitempty"`
	Broadcast model.StoreStats `json:"broadcast"`
	Throttled bool             `json:"throttled"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, healthResponse{
		Status:    "healthy",
		Version:   Version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Suite:     s.config.SuiteName,
		RunID:     s.runID,
		Broadcast: s.broadcast.Stats(),
		Throttled: s.limiter != nil,
	})
}
