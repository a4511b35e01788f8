package model

import "time"

// Response is the standard API response envelope.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination holds pagination metadata for list endpoints.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// PutRequest is the body of a broadcast put.
type PutRequest struct {
	Namespaces []string   `json:"namespaces"`
	Cycles     []string   `json:"cycles"`
	Settings   []Settings `json:"settings"`
}

// PutResult reports whether a broadcast was accepted.
type PutResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// ExpireRequest is the body of a broadcast expire. An empty cutoff expires everything.
type ExpireRequest struct {
	Cutoff string `json:"cutoff"`
}

// StoreStats summarises the broadcast store for health reporting.
type StoreStats struct {
	Scopes         int `json:"scopes"`
	Namespaces     int `json:"namespaces"`
	JournalTotal   int `json:"journal_total"`
	JournalPending int `json:"journal_pending"`
}

// ListOptions configures list queries with pagination.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns sensible defaults.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: 20, Offset: 0}
}

// Clamp enforces limits (max 100, min 1).
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}
