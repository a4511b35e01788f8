package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "cyclecast API",
		Version:     "v1",
		Description: "Runtime broadcast overrides for cycling suites",
		Endpoints: []endpointInfo{
			{"/api/v1/broadcast", []string{"GET"}, "Settings for ?task=<namespace>.<cycle>, or the whole tree"},
			{"/api/v1/broadcast", []string{"POST"}, "Broadcast settings to namespaces at cycle points"},
			{"/api/v1/broadcast", []string{"DELETE"}, "Clear all broadcast settings"},
			{"/api/v1/broadcast/expire", []string{"POST"}, "Expire settings of cycle points before a cutoff"},
			{"/api/v1/broadcast/dump", []string{"GET"}, "State-dump entry for the current settings (text/plain)"},
			{"/api/v1/broadcast/load", []string{"POST"}, "Replace the settings from a state-dump entry"},
			{"/api/v1/broadcast/journal", []string{"GET"}, "Every change record, consumed or not"},
			{"/api/v1/broadcast/journal/drain", []string{"POST"}, "Consume pending change records"},
			{"/api/v1/broadcast/history", []string{"GET"}, "Change records persisted for this run (paginated)"},
			{"/api/v1/health", []string{"GET"}, "Server health, version and store stats"},
		},
	})
}
