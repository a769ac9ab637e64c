package core

import (
	"time"

	"github.com/google/uuid"
)

// Event is the interface for all relay events.
type Event interface {
	eventMarker()
}

// JobStarted is emitted when the engine picks up a job.
type JobStarted struct {
	JobID     string
	Kind      JobKind
	Timestamp time.Time
}

func (*JobStarted) eventMarker() {}

// ChunkSent is emitted after each prompt chunk is submitted to the page.
type ChunkSent struct {
	JobID     string
	Index     int
	Total     int
	Timestamp time.Time
}

func (*ChunkSent) eventMarker() {}

// JobGenerating is emitted when the page starts generating a response.
type JobGenerating struct {
	JobID     string
	Timestamp time.Time
}

func (*JobGenerating) eventMarker() {}

// JobParsed is emitted after a response was captured and parsed.
type JobParsed struct {
	JobID      string
	Structured bool
	Recovered  bool
	Timestamp  time.Time
}

func (*JobParsed) eventMarker() {}

// SubJobDispatched is emitted for every manifest item opened in a new page context.
type SubJobDispatched struct {
	ParentID  string
	JobID     string
	Batch     int
	Err       error
	Timestamp time.Time
}

func (*SubJobDispatched) eventMarker() {}

// JobCompleted is emitted when a job settles successfully.
type JobCompleted struct {
	JobID     string
	Duration  time.Duration
	Timestamp time.Time
}

func (*JobCompleted) eventMarker() {}

// JobRetrying is emitted when a step failed and the job goes back to awaiting readiness.
type JobRetrying struct {
	JobID     string
	Attempt   int
	Error     error
	Timestamp time.Time
}

func (*JobRetrying) eventMarker() {}

// JobTimedOut is emitted when a job exceeds the global timeout.
type JobTimedOut struct {
	JobID     string
	Timestamp time.Time
}

func (*JobTimedOut) eventMarker() {}

// JobFailed is emitted when a job exhausts its retries.
type JobFailed struct {
	JobID     string
	Error     error
	Timestamp time.Time
}

func (*JobFailed) eventMarker() {}

// RecordOf converts an event into its persisted form.
func RecordOf(e Event) EventRecord {
	rec := EventRecord{ID: uuid.Must(uuid.NewV7()).String()}
	switch ev := e.(type) {
	case *JobStarted:
		rec.Type, rec.JobID, rec.At = "job_started", ev.JobID, ev.Timestamp
		rec.Message = string(ev.Kind)
	case *ChunkSent:
		rec.Type, rec.JobID, rec.At = "chunk_sent", ev.JobID, ev.Timestamp
	case *JobGenerating:
		rec.Type, rec.JobID, rec.At = "job_generating", ev.JobID, ev.Timestamp
	case *JobParsed:
		rec.Type, rec.JobID, rec.At = "job_parsed", ev.JobID, ev.Timestamp
		if ev.Recovered {
			rec.Message = "recovered"
		}
	case *SubJobDispatched:
		rec.Type, rec.JobID, rec.At = "sub_job_dispatched", ev.JobID, ev.Timestamp
		if ev.Err != nil {
			rec.Message = ev.Err.Error()
		}
	case *JobCompleted:
		rec.Type, rec.JobID, rec.At = "job_completed", ev.JobID, ev.Timestamp
	case *JobRetrying:
		rec.Type, rec.JobID, rec.At = "job_retrying", ev.JobID, ev.Timestamp
		if ev.Error != nil {
			rec.Message = ev.Error.Error()
		}
	case *JobTimedOut:
		rec.Type, rec.JobID, rec.At = "job_timed_out", ev.JobID, ev.Timestamp
	case *JobFailed:
		rec.Type, rec.JobID, rec.At = "job_failed", ev.JobID, ev.Timestamp
		if ev.Error != nil {
			rec.Message = ev.Error.Error()
		}
	default:
		rec.Type = "unknown"
	}
	return rec
}
