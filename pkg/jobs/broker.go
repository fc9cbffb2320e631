package jobs

import (
	"context"
	"time"
)

// Broker persists jobs for one or more lanes. Dequeued jobs are leased until
// acknowledged; a lease that outlives its deadline is handed to another worker.
type Broker interface {
	Enqueue(ctx context.Context, job Job, delay time.Duration) error
	Dequeue(ctx context.Context, lane string, visibility time.Duration) (Job, error)
	Ack(ctx context.Context, job Job) error
	Retry(ctx context.Context, job Job, delay time.Duration) error
	Dead(ctx context.Context, job Job) error
	Extend(ctx context.Context, job Job, visibility time.Duration) error
	// Maintain promotes due delayed jobs and requeues expired leases, returning how many moved.
	// An expired lease spends an attempt; a job whose attempts reach maxAttempts (or its own
	// MaxAttempts) is dead-lettered instead.
	Maintain(ctx context.Context, lane string, now time.Time, maxAttempts int) (int, error)
	// Claim sets key once for ttl and reports whether this caller won it.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Stats(ctx context.Context, lane string) (LaneStats, error)
}

// LaneStats summarises the state of one lane.
type LaneStats struct {
	Lane    string `json:"lane"`
	Ready   int64  `json:"ready"`
	Leased  int64  `json:"leased"`
	Delayed int64  `json:"delayed"`
	Dead    int64  `json:"dead"`
}
