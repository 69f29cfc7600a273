package queue

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"fleetsync/internal/metrics"
)

// Handler runs one task. A returned error schedules a retry with backoff.
type Handler func(ctx context.Context, t Task) error

type Worker struct {
	Queue       Queue
	Queues      []string
	Handlers    map[string]Handler
	MaxAttempts int
	Interval    time.Duration
	Batch       int
	Now         func() time.Time
	Log         *log.Entry
}

func NewWorker(q Queue, maxAttempts int) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Worker{
		Queue:       q,
		Queues:      []string{QueueLong, QueueTraccar},
		Handlers:    map[string]Handler{},
		MaxAttempts: maxAttempts,
		Interval:    time.Second,
		Batch:       50,
		Now:         time.Now,
		Log:         log.WithField("component", "worker"),
	}
}

func (w *Worker) Handle(kind string, h Handler) { w.Handlers[kind] = h }

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.processOnce(ctx)
		}
	}
}

// Drain processes batches until a pass finds nothing due, or ctx ends. Tasks
// rescheduled with backoff stay queued for a later worker. It returns the
// number of tasks handled.
func (w *Worker) Drain(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		n := w.processOnce(ctx)
		if n == 0 {
			break
		}
		total += n
	}
	return total
}

// processOnce claims and runs one batch per queue. It returns the number of
// tasks handled.
func (w *Worker) processOnce(ctx context.Context) int {
	n := 0
	for _, q := range w.Queues {
		items, err := w.Queue.Claim(ctx, q, w.Batch)
		if err != nil {
			w.Log.WithError(err).WithField("queue", q).Warn("claim failed")
			continue
		}
		for _, t := range items {
			w.run(ctx, t)
			n++
		}
	}
	return n
}

func (w *Worker) run(ctx context.Context, t Task) {
	entry := w.Log.WithFields(log.Fields{"task": t.ID, "kind": t.Kind, "key": t.Key, "attempt": t.Attempts + 1})
	h, ok := w.Handlers[t.Kind]
	if !ok {
		entry.Error("no handler for task kind")
		_ = w.Queue.Fail(ctx, t, time.Time{}, true)
		metrics.QueueJobs.WithLabelValues(t.Kind, "dead").Inc()
		return
	}
	tctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := safeRun(tctx, h, t)
	cancel()
	if err == nil {
		if cerr := w.Queue.Complete(ctx, t); cerr != nil {
			entry.WithError(cerr).Warn("complete failed")
		}
		metrics.QueueJobs.WithLabelValues(t.Kind, "done").Inc()
		return
	}
	t.LastError = err.Error()
	if t.Attempts+1 >= w.MaxAttempts {
		entry.WithError(err).Error("task failed permanently")
		_ = w.Queue.Fail(ctx, t, time.Time{}, true)
		metrics.QueueJobs.WithLabelValues(t.Kind, "dead").Inc()
		return
	}
	entry.WithError(err).Warn("task failed, retrying")
	_ = w.Queue.Fail(ctx, t, w.Now().Add(nextBackoff(t.Attempts)), false)
	metrics.QueueJobs.WithLabelValues(t.Kind, "retry").Inc()
}

func safeRun(ctx context.Context, h Handler, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, t)
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
