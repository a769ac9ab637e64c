// Package companion implements the local companion service that the relay
// reports to: a client used by the engine and the HTTP server that writes
// finished files into the sandbox.
//
// Endpoints:
//
//	POST /job_write   {jobId, filePath, content} -> {success, error?}
//	POST /status      {jobId, state}             -> {success}
//	GET  /restart                                -> {success, method, before, after, error?}
//	GET  /jobs, GET /jobs/{id}, POST /break_lock, GET /health
package companion

import "time"

// WriteRequest asks the server to write a job's file. The legacy qid key
// is accepted in place of jobId.
type WriteRequest struct {
	JobID    string `json:"jobId,omitempty"`
	QID      string `json:"qid,omitempty"`
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
}

func (r WriteRequest) id() string {
	if r.JobID != "" {
		return r.JobID
	}
	return r.QID
}

// WriteResponse reports the outcome of a write.
type WriteResponse struct {
	Success bool   `json:"success"`
	Path    string `json:"path,omitempty"`
	Bytes   int    `json:"bytes,omitempty"`
	Warning string `json:"warning,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusRequest is a best-effort progress report.
type StatusRequest struct {
	JobID string `json:"jobId,omitempty"`
	QID   string `json:"qid,omitempty"`
	State string `json:"state"`
}

func (r StatusRequest) id() string {
	if r.JobID != "" {
		return r.JobID
	}
	return r.QID
}

// Count is a job count snapshot.
type Count struct {
	Count int64 `json:"count"`
}

// RestartResponse reports a store clear.
type RestartResponse struct {
	Success   bool      `json:"success"`
	Method    string    `json:"method"`
	Before    Count     `json:"before"`
	After     Count     `json:"after"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ackResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
