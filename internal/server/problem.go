package server

import (
	"encoding/json"
	"net/http"
)

// Problem types for RFC 7807 responses written by the server itself.
// Analytics errors carry their own types.
const (
	ProblemTypeNotFound         = "https://carbonsight.dev/problems/not-found"
	ProblemTypeInternal         = "https://carbonsight.dev/problems/internal-error"
	ProblemTypeRateLimited      = "https://carbonsight.dev/problems/rate-limited"
	ProblemTypeMethodNotAllowed = "https://carbonsight.dev/problems/read-only"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type" example:"https://carbonsight.dev/problems/rate-limited"`
	Title    string `json:"title" example:"Too Many Requests"`
	Status   int    `json:"status" example:"429"`
	Detail   string `json:"detail,omitempty" example:"rate limit exceeded"`
	Instance string `json:"instance,omitempty" example:"/api/v1/analytics/query"`
}

// WriteProblem writes p as application/problem+json.
func WriteProblem(w http.ResponseWriter, p Problem) {
	if p.Title == "" {
		p.Title = http.StatusText(p.Status)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// NotFound writes a 404 problem response.
func NotFound(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{Type: ProblemTypeNotFound, Status: http.StatusNotFound, Detail: detail, Instance: instance})
}

// InternalError writes a 500 problem response.
func InternalError(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{Type: ProblemTypeInternal, Status: http.StatusInternalServerError, Detail: detail, Instance: instance})
}

// RateLimited writes a 429 problem response.
func RateLimited(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{Type: ProblemTypeRateLimited, Status: http.StatusTooManyRequests, Detail: detail, Instance: instance})
}

// ReadOnlyRejected writes a 405 problem response for writes in read-only mode.
func ReadOnlyRejected(w http.ResponseWriter, instance string) {
	w.Header().Set("Allow", "GET, HEAD, OPTIONS")
	WriteProblem(w, Problem{
		Type:     ProblemTypeMethodNotAllowed,
		Status:   http.StatusMethodNotAllowed,
		Detail:   "server is read-only",
		Instance: instance,
	})
}
