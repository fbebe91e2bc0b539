// Package queue dispatches pending jobs to a fixed pool of workers.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/catalogsync/catalogsync/internal/job"
)

// ErrQueueFull is returned by Enqueue when the buffer is full. The job stays
// pending and the poller picks it up later.
var ErrQueueFull = errors.New("queue full")

const interruptedByRestart = "interrupted by restart"

// ProgressFunc reports progress of a catalog-wide job.
type ProgressFunc func(processed, total int)

// Executor performs the domain work for a job. A nil error completes the job
// with summary; a non-nil error fails it.
type Executor interface {
	Execute(ctx context.Context, j *job.Job, progress ProgressFunc) (summary string, err error)
}

// Event is a Server-Sent Events frame.
type Event struct {
	Event string // "status", "progress", "result"
	Data  string // JSON
}

type Config struct {
	Concurrency  int
	QueueSize    int
	JobTimeout   time.Duration
	PollInterval time.Duration
}

// Queue manages the job channel and workers.
type Queue struct {
	jobs  chan string
	store job.Store
	exec  Executor
	cfg   Config
	log   *zap.SugaredLogger

	mu   sync.RWMutex
	subs map[string][]chan Event

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	wg sync.WaitGroup
}

// New creates a Queue. Workers start with Start.
func New(cfg Config, store job.Store, log *zap.SugaredLogger) *Queue {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 100
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Queue{
		jobs:     make(chan string, cfg.QueueSize),
		store:    store,
		cfg:      cfg,
		log:      log.Named("queue"),
		subs:     make(map[string][]chan Event),
		inflight: make(map[string]struct{}),
	}
}

// Enqueue adds a job ID to the queue. Enqueueing an ID that is already queued
// or running is a no-op.
func (q *Queue) Enqueue(jobID string) error {
	q.inflightMu.Lock()
	defer q.inflightMu.Unlock()

	if _, ok := q.inflight[jobID]; ok {
		return nil
	}
	select {
	case q.jobs <- jobID:
		q.inflight[jobID] = struct{}{}
		return nil
	default:
		return errors.Wrapf(ErrQueueFull, "cannot enqueue job %s", jobID)
	}
}

func (q *Queue) release(jobID string) {
	q.inflightMu.Lock()
	delete(q.inflight, jobID)
	q.inflightMu.Unlock()
}

// Stats reports buffered and in-flight job counts.
func (q *Queue) Stats() (queued, inflight int) {
	q.inflightMu.Lock()
	defer q.inflightMu.Unlock()
	return len(q.jobs), len(q.inflight)
}

// Start launches cfg.Concurrency workers and, if PollInterval is set, the
// pending-job poller. They stop when ctx is cancelled; use Wait to join them.
func (q *Queue) Start(ctx context.Context, exec Executor) {
	q.exec = exec
	for range q.cfg.Concurrency {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.runWorker(ctx)
		}()
	}
	if q.cfg.PollInterval > 0 {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.runPoller(ctx)
		}()
	}
	q.log.Infow("Queue started", "concurrency", q.cfg.Concurrency, "poll_interval", q.cfg.PollInterval)
}

// Wait blocks until all workers and the poller have returned.
func (q *Queue) Wait() { q.wg.Wait() }

// Recovery fails jobs a previous process left running and re-enqueues pending ones.
// Running jobs are never moved back to pending.
func (q *Queue) Recovery(ctx context.Context) error {
	running, err := q.store.ListIDsByStatus(ctx, job.StatusRunning, 0)
	if err != nil {
		return errors.Wrap(err, "list running jobs")
	}
	for _, id := range running {
		if err := q.store.MarkFailed(ctx, id, interruptedByRestart); err != nil && !errors.Is(err, job.ErrConflict) {
			return errors.Wrapf(err, "fail interrupted job %s", id)
		}
	}

	pending, err := q.store.ListIDsByStatus(ctx, job.StatusPending, q.cfg.QueueSize)
	if err != nil {
		return errors.Wrap(err, "list pending jobs")
	}
	enqueued := 0
	for _, id := range pending {
		if err := q.Enqueue(id); err != nil {
			q.log.Warnw("Recovery enqueue stopped", "job_id", id, "error", err)
			break
		}
		enqueued++
	}
	if len(running) > 0 || enqueued > 0 {
		q.log.Infow("Recovered jobs", "failed_interrupted", len(running), "requeued", enqueued)
	}
	return nil
}

func (q *Queue) runPoller(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.poll(ctx)
		}
	}
}

// poll enqueues pending jobs created outside this process (e.g. by the CLI)
// or dropped on a full queue.
func (q *Queue) poll(ctx context.Context) {
	ids, err := q.store.ListIDsByStatus(ctx, job.StatusPending, q.cfg.QueueSize)
	if err != nil {
		if ctx.Err() == nil {
			q.log.Warnw("Poll pending jobs failed", "error", err)
		}
		return
	}
	for _, id := range ids {
		if err := q.Enqueue(id); err != nil {
			return
		}
	}
}

// runWorker is a worker loop: dequeues jobs and processes them.
func (q *Queue) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-q.jobs:
			q.processJob(ctx, jobID)
		}
	}
}

func (q *Queue) processJob(ctx context.Context, jobID string) {
	defer q.release(jobID)
	log := q.log.With("job_id", jobID)

	if err := q.store.MarkRunning(ctx, jobID); err != nil {
		if errors.Is(err, job.ErrConflict) || errors.Is(err, job.ErrNotFound) {
			log.Debugw("Skipping job", "reason", err)
			return
		}
		log.Warnw("Mark running failed", "error", err)
		return
	}
	q.notify(jobID, Event{Event: "status", Data: `{"status":"running"}`})

	// Terminal writes must land even when the server is shutting down.
	finalCtx := context.WithoutCancel(ctx)

	j, err := q.store.Get(ctx, jobID)
	if err != nil {
		q.finalize(finalCtx, jobID, "", errors.Wrap(err, "load job"))
		return
	}

	start := time.Now()
	log.Infow("Job started", "type", j.Kind, "product_id", j.ProductID)
	summary, runErr := q.run(ctx, j)
	if runErr != nil && ctx.Err() != nil {
		runErr = errors.Wrap(runErr, "interrupted by shutdown")
	}
	q.finalize(finalCtx, jobID, summary, runErr)

	if runErr != nil {
		log.Warnw("Job failed", "type", j.Kind, "error", runErr, "elapsed", time.Since(start))
	} else {
		log.Infow("Job completed", "type", j.Kind, "summary", summary, "elapsed", time.Since(start))
	}
}

// run executes j under the per-job timeout and turns panics into errors.
func (q *Queue) run(ctx context.Context, j *job.Job) (summary string, err error) {
	jobCtx, cancel := ctx, context.CancelFunc(func() {})
	if q.cfg.JobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, q.cfg.JobTimeout)
	}
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			q.log.Errorw("Job panicked", "job_id", j.ID, "panic", r)
			summary, err = "", errors.Newf("job panicked: %v", r)
		}
	}()

	report := func(processed, total int) {
		if err := q.store.UpdateProgress(ctx, j.ID, processed, total); err != nil {
			q.log.Debugw("Progress update dropped", "job_id", j.ID, "error", err)
			return
		}
		data, _ := json.Marshal(map[string]int{
			"processed_items": processed,
			"total_items":     total,
			"progress":        job.Progress(processed, total),
		})
		q.notify(j.ID, Event{Event: "progress", Data: string(data)})
	}

	summary, err = q.exec.Execute(jobCtx, j, report)
	if err != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = errors.Wrapf(err, "job timed out after %s", q.cfg.JobTimeout)
	}
	return summary, err
}

func (q *Queue) finalize(ctx context.Context, jobID, summary string, runErr error) {
	status := job.StatusCompleted
	errMsg := ""
	var err error
	if runErr != nil {
		status = job.StatusFailed
		errMsg = runErr.Error()
		summary = ""
		err = q.store.MarkFailed(ctx, jobID, errMsg)
	} else {
		err = q.store.MarkCompleted(ctx, jobID, summary)
	}
	if err != nil {
		q.log.Errorw("Finalize job failed", "job_id", jobID, "status", status, "error", err)
	}

	data, _ := json.Marshal(map[string]string{
		"status":  string(status),
		"summary": summary,
		"error":   errMsg,
	})
	q.notifyAndClose(jobID, Event{Event: "result", Data: string(data)})
}

// Subscribe creates a buffered SSE channel for a job and returns it.
func (q *Queue) Subscribe(jobID string) chan Event {
	ch := make(chan Event, 64)
	q.mu.Lock()
	q.subs[jobID] = append(q.subs[jobID], ch)
	q.mu.Unlock()
	return ch
}

// Unsubscribe removes an SSE channel from the map.
func (q *Queue) Unsubscribe(jobID string, ch chan Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	chans := q.subs[jobID]
	for i, c := range chans {
		if c == ch {
			q.subs[jobID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(q.subs[jobID]) == 0 {
		delete(q.subs, jobID)
	}
}

// notify sends an event to all subscribers of a job without blocking.
func (q *Queue) notify(jobID string, event Event) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, ch := range q.subs[jobID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// notifyAndClose sends the final event and closes all channels for the job.
func (q *Queue) notifyAndClose(jobID string, event Event) {
	q.mu.Lock()
	chans := q.subs[jobID]
	delete(q.subs, jobID)
	q.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
		}
		close(ch)
	}
}
