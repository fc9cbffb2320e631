package jobs

import (
	"context"
	"sync"
	"time"
)

type timedJob struct {
	job Job
	at  time.Time
}

type memoryLane struct {
	ready   []Job
	leased  map[string]timedJob
	delayed map[string]timedJob
	dead    []Job
}

// MemoryBroker keeps lanes in process memory. It backs tests and single-binary
// development runs where Redis is not available.
type MemoryBroker struct {
	mu     sync.Mutex
	lanes  map[string]*memoryLane
	claims map[string]time.Time
	now    func() time.Time
}

// NewMemoryBroker builds an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		lanes:  make(map[string]*memoryLane),
		claims: make(map[string]time.Time),
		now:    time.Now,
	}
}

func (b *MemoryBroker) lane(name string) *memoryLane {
	l, ok := b.lanes[name]
	if !ok {
		l = &memoryLane{leased: make(map[string]timedJob), delayed: make(map[string]timedJob)}
		b.lanes[name] = l
	}
	return l
}

func (b *MemoryBroker) Enqueue(_ context.Context, job Job, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if job.Lane == "" {
		job.Lane = LaneDefault
	}
	if job.Enqueued.IsZero() {
		job.Enqueued = b.now().UTC()
	}
	l := b.lane(job.Lane)
	if delay > 0 {
		l.delayed[job.ID] = timedJob{job: job, at: b.now().Add(delay)}
		return nil
	}
	l.ready = append(l.ready, job)
	return nil
}

func (b *MemoryBroker) Dequeue(ctx context.Context, lane string, visibility time.Duration) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.lane(lane)
	if len(l.ready) == 0 {
		return Job{}, ErrEmpty
	}
	job := l.ready[0]
	l.ready = l.ready[1:]
	l.leased[job.ID] = timedJob{job: job, at: b.now().Add(visibility)}
	return job, nil
}

func (b *MemoryBroker) Ack(_ context.Context, job Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.lane(job.Lane).leased, job.ID)
	return nil
}

func (b *MemoryBroker) Retry(_ context.Context, job Job, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.lane(job.Lane)
	delete(l.leased, job.ID)
	l.delayed[job.ID] = timedJob{job: job, at: b.now().Add(delay)}
	return nil
}

func (b *MemoryBroker) Dead(_ context.Context, job Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.lane(job.Lane)
	delete(l.leased, job.ID)
	l.dead = append(l.dead, job)
	return nil
}

func (b *MemoryBroker) Extend(_ context.Context, job Job, visibility time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.lane(job.Lane)
	if lease, ok := l.leased[job.ID]; ok {
		lease.at = b.now().Add(visibility)
		l.leased[job.ID] = lease
	}
	return nil
}

func (b *MemoryBroker) Maintain(_ context.Context, lane string, now time.Time, maxAttempts int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.lane(lane)
	moved := 0
	for id, entry := range l.delayed {
		if !entry.at.After(now) {
			delete(l.delayed, id)
			l.ready = append(l.ready, entry.job)
			moved++
		}
	}
	for id, entry := range l.leased {
		if !entry.at.After(now) {
			delete(l.leased, id)
			job := entry.job
			job.Attempt++
			limit := job.MaxAttempts
			if limit <= 0 {
				limit = maxAttempts
			}
			if limit > 0 && job.Attempt >= limit {
				l.dead = append(l.dead, job)
			} else {
				l.ready = append([]Job{job}, l.ready...)
			}
			moved++
		}
	}
	return moved, nil
}

func (b *MemoryBroker) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if until, ok := b.claims[key]; ok && until.After(now) {
		return false, nil
	}
	b.claims[key] = now.Add(ttl)
	return true, nil
}

func (b *MemoryBroker) Stats(_ context.Context, lane string) (LaneStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.lane(lane)
	return LaneStats{
		Lane:    lane,
		Ready:   int64(len(l.ready)),
		Leased:  int64(len(l.leased)),
		Delayed: int64(len(l.delayed)),
		Dead:    int64(len(l.dead)),
	}, nil
}

// DeadJobs returns a copy of the dead list of lane.
func (b *MemoryBroker) DeadJobs(lane string) []Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Job(nil), b.lane(lane).dead...)
}
