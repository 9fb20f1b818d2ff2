package domain

import "time"

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusComplete   JobStatus = "complete"
	JobStatusFailed     JobStatus = "failed"
)

// VideoRetention is how long a rendered video stays downloadable.
const VideoRetention = 48 * time.Hour

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusFailed},
	JobStatusProcessing: {JobStatusComplete, JobStatusFailed},
}

// ParseJobStatus validates a stored status string.
func ParseJobStatus(s string) (JobStatus, bool) {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusProcessing, JobStatusComplete, JobStatusFailed:
		return JobStatus(s), true
	}
	return "", false
}

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusComplete || s == JobStatusFailed
}

// CanTransition reports whether s may move to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Rank orders statuses along pending < processing < terminal.
func (s JobStatus) Rank() int {
	switch s {
	case JobStatusPending:
		return 0
	case JobStatusProcessing:
		return 1
	case JobStatusComplete, JobStatusFailed:
		return 2
	}
	return -1
}

// Step is one narrated step of a solution script.
type Step struct {
	Narration string `json:"narration"`
	LaTeX     string `json:"latex"`
}

// ScriptMeta describes the parsed problem.
type ScriptMeta struct {
	Topic      string `json:"topic,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
	LaTeX      string `json:"latex,omitempty"`
	JobID      string `json:"job_id,omitempty"`
	Brand      string `json:"brand,omitempty"`
}

// Script is the parser output handed to the renderer.
type Script struct {
	Problem string     `json:"problem"`
	Meta    ScriptMeta `json:"meta"`
	Steps   []Step     `json:"steps"`
}

// Job is the durable record of one video request.
type Job struct {
	ID            string
	UserID        string
	Status        JobStatus
	Problem       string
	Steps         []Step
	Voice         string
	Cost          Minutes
	CorrelationID string
	VideoURL      string
	Error         string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	UpdatedAt     time.Time
}

// ExpiresAt is set only for completed jobs.
func (j *Job) ExpiresAt() *time.Time {
	if j == nil || j.Status != JobStatusComplete || j.CompletedAt == nil {
		return nil
	}
	t := j.CompletedAt.Add(VideoRetention)
	return &t
}

// Transition is a guarded status change. The write applies only when the
// stored status is one of From.
type Transition struct {
	From     []JobStatus
	To       JobStatus
	At       time.Time
	VideoURL string
	Error    string
}

// Valid reports whether every source status may legally reach To.
func (t Transition) Valid() bool {
	if len(t.From) == 0 {
		return false
	}
	for _, from := range t.From {
		if !from.CanTransition(t.To) {
			return false
		}
	}
	return true
}

// FromStrings renders From for SQL array parameters.
func (t Transition) FromStrings() []string {
	out := make([]string, 0, len(t.From))
	for _, s := range t.From {
		out = append(out, string(s))
	}
	return out
}

// Subscription links a user to a recurring payment plan.
type Subscription struct {
	UserID         string
	CustomerID     string
	SubscriptionID string
	Tier           string
	UpdatedAt      time.Time
}
