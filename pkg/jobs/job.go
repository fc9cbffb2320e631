package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lanes consumed by the worker fleet. Pipeline stages run on their own lane so a
// backlog of notification work never delays transcription.
const (
	LaneDefault  = "default"
	LanePipeline = "pipeline"
)

// ErrEmpty is returned by Dequeue when a lane has nothing ready.
var ErrEmpty = errors.New("jobs: lane empty")

// Job represents a queued background task.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Lane        string          `json:"lane"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	Enqueued    time.Time       `json:"enqueued"`
	LastError   string          `json:"last_error,omitempty"`
}

// NewJob builds a job with a fresh id and a JSON encoded payload.
func NewJob(jobType, lane string, payload interface{}) (Job, error) {
	if lane == "" {
		lane = LaneDefault
	}
	job := Job{ID: uuid.NewString(), Type: jobType, Lane: lane, Enqueued: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Job{}, fmt.Errorf("encode %s payload: %w", jobType, err)
		}
		job.Payload = raw
	}
	return job, nil
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v interface{}) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s has no payload", j.ID)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Type, err)
	}
	return nil
}

// LastAttempt reports whether a failure of the current run exhausts the job.
func (j Job) LastAttempt() bool {
	return j.MaxAttempts > 0 && j.Attempt+1 >= j.MaxAttempts
}

func (j Job) encode() (string, error) {
	raw, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	return string(raw), nil
}

func decodeJob(raw string) (Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the queue dead-letters the job immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Backoff returns the delay before retry number attempt (1-based).
type Backoff func(attempt int) time.Duration

// Fixed retries after the same delay every time.
func Fixed(delay time.Duration) Backoff {
	return func(int) time.Duration { return delay }
}

// Exponential doubles base on every attempt, capped at max.
func Exponential(base, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		delay := base
		for i := 1; i < attempt; i++ {
			delay *= 2
			if max > 0 && delay >= max {
				return max
			}
		}
		if max > 0 && delay > max {
			return max
		}
		return delay
	}
}
