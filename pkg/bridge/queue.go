// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RateLimit is a per-platform token-bucket budget.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

// RetryPolicy bounds the transient-failure retry loop.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy matches the documented platform guidance: a handful of
// exponentially spaced attempts, capped.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseBackoff: 500 * time.Millisecond,
	MaxBackoff:  30 * time.Second,
}

// laneKey identifies one ordered delivery lane.
type laneKey struct {
	platform string
	channel  string
}

// lane is a strictly ordered job list with its own drain goroutine and
// token bucket. Jobs never overtake each other within a lane.
type lane struct {
	mu      sync.Mutex
	cond    *sync.Cond
	jobs    []*OutboundJob
	limiter *rate.Limiter
}

// DeliveryQueue serializes outbound sends per (targetPlatform,
// targetChannelID) pair while unrelated pairs drain independently.
type DeliveryQueue struct {
	ctx    context.Context
	cancel context.CancelFunc

	limits   map[string]RateLimit
	fallback RateLimit
	retry    RetryPolicy
	metrics  *Metrics
	log      zerolog.Logger

	mu     sync.Mutex
	lanes  map[laneKey]*lane
	closed bool
	wg     sync.WaitGroup
}

// NewDeliveryQueue creates a queue with per-platform rate limits. Platforms
// missing from limits use a conservative one-per-second budget.
func NewDeliveryQueue(limits map[string]RateLimit, retry RetryPolicy, metrics *Metrics, log zerolog.Logger) *DeliveryQueue {
	ctx, cancel := context.WithCancel(context.Background())
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy
	}
	return &DeliveryQueue{
		ctx:      ctx,
		cancel:   cancel,
		limits:   limits,
		fallback: RateLimit{PerSecond: 1, Burst: 1},
		retry:    retry,
		metrics:  metrics,
		log:      log.With().Str("component", "queue").Logger(),
		lanes:    make(map[laneKey]*lane),
	}
}

// Enqueue hands a job to its lane. Fire-and-forget: the terminal outcome is
// reported through job.Done. Jobs enqueued after Close are abandoned, which
// is safe because the source event is still on the source platform.
func (q *DeliveryQueue) Enqueue(job *OutboundJob) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.log.Warn().
			Str("job_id", job.ID).
			Str("platform", job.TargetPlatform).
			Msg("Queue closed, abandoning job")
		return
	}
	key := laneKey{platform: job.TargetPlatform, channel: job.TargetChannelID}
	ln, ok := q.lanes[key]
	if !ok {
		ln = q.newLane(job.TargetPlatform)
		q.lanes[key] = ln
		q.wg.Add(1)
		go q.drain(key, ln)
	}
	q.mu.Unlock()

	ln.mu.Lock()
	ln.jobs = append(ln.jobs, job)
	ln.mu.Unlock()
	ln.cond.Signal()
}

func (q *DeliveryQueue) newLane(platform string) *lane {
	limit, ok := q.limits[platform]
	if !ok || limit.PerSecond <= 0 {
		limit = q.fallback
	}
	if limit.Burst <= 0 {
		limit.Burst = 1
	}
	ln := &lane{limiter: rate.NewLimiter(rate.Limit(limit.PerSecond), limit.Burst)}
	ln.cond = sync.NewCond(&ln.mu)
	return ln
}

// drain is the per-lane loop: pop the head job, wait for rate budget, run
// the attempt loop, report the outcome. Head-of-line ordering holds because
// a job's retries finish before the next job's first attempt.
func (q *DeliveryQueue) drain(key laneKey, ln *lane) {
	defer q.wg.Done()
	log := q.log.With().Str("platform", key.platform).Str("channel", key.channel).Logger()

	for {
		job := ln.next(q.ctx, q.isClosed)
		if job == nil {
			return
		}

		if err := ln.limiter.Wait(q.ctx); err != nil {
			q.finish(job, err, log)
			continue
		}

		err := q.attempt(job, log)
		q.finish(job, err, log)
	}
}

func (q *DeliveryQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// next blocks until a job is available. Returns nil when the queue is shut
// down and the lane is empty, or the grace context is cancelled.
func (ln *lane) next(ctx context.Context, closed func() bool) *OutboundJob {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	for len(ln.jobs) == 0 {
		if ctx.Err() != nil || closed() {
			return nil
		}
		ln.cond.Wait()
	}
	if ctx.Err() != nil {
		return nil
	}
	job := ln.jobs[0]
	ln.jobs = ln.jobs[1:]
	return job
}

// attempt runs the job with bounded exponential backoff on transient
// failures. Permanent failures stop immediately.
func (q *DeliveryQueue) attempt(job *OutboundJob, log zerolog.Logger) error {
	var err error
	backoff := q.retry.BaseBackoff
	for i := 1; i <= q.retry.MaxAttempts; i++ {
		err = job.Execute(q.ctx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			log.Warn().Err(err).
				Str("job_id", job.ID).
				Str("kind", string(job.Kind)).
				Msg("Permanent delivery failure")
			return err
		}
		if i == q.retry.MaxAttempts {
			break
		}
		if q.metrics != nil {
			q.metrics.Retries.WithLabelValues(job.TargetPlatform).Inc()
		}
		log.Debug().Err(err).
			Str("job_id", job.ID).
			Int("attempt", i).
			Dur("backoff", backoff).
			Msg("Transient delivery failure, retrying")

		select {
		case <-q.ctx.Done():
			return q.ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > q.retry.MaxBackoff {
			backoff = q.retry.MaxBackoff
		}
	}
	log.Warn().Err(err).
		Str("job_id", job.ID).
		Int("attempts", q.retry.MaxAttempts).
		Msg("Delivery retries exhausted")
	return err
}

func (q *DeliveryQueue) finish(job *OutboundJob, err error, log zerolog.Logger) {
	if job.Done != nil {
		job.Done(err)
	}
	if err == nil {
		log.Debug().Str("job_id", job.ID).Str("kind", string(job.Kind)).Msg("Job delivered")
	}
}

// Close drains in-flight and queued jobs up to the grace deadline, then
// cancels whatever remains. Remaining jobs are abandoned, not corrupted: the
// source events survive on their source platforms.
func (q *DeliveryQueue) Close(grace time.Duration) {
	q.mu.Lock()
	q.closed = true
	lanes := make([]*lane, 0, len(q.lanes))
	for _, ln := range q.lanes {
		lanes = append(lanes, ln)
	}
	q.mu.Unlock()
	for _, ln := range lanes {
		ln.cond.Broadcast()
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		q.log.Warn().Msg("Shutdown grace deadline reached, abandoning queued jobs")
		q.cancel()
		for _, ln := range lanes {
			ln.cond.Broadcast()
		}
		<-done
	}
	q.cancel()
}
