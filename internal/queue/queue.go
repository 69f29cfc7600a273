// Package queue is the asynchronous task queue: keyed, deduplicated jobs
// claimed by a polling worker.
package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	KindSyncVehicle       = "sync_vehicle"
	KindCreateDraftRepair = "create_draft_repair"

	QueueLong    = "long"
	QueueTraccar = "traccar"
)

type Task struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Queue     string            `json:"queue"`
	Key       string            `json:"key,omitempty"`
	Args      map[string]string `json:"args,omitempty"`
	Attempts  int               `json:"attempts"`
	NotBefore time.Time         `json:"notBefore,omitempty"`
	LastError string            `json:"lastError,omitempty"`
}

// Queue is the enqueue-async-task collaborator. A task with a Key is
// rejected (false, nil) while another task with the same key is pending or
// running.
type Queue interface {
	Enqueue(ctx context.Context, t Task) (bool, error)
	Claim(ctx context.Context, queue string, n int) ([]Task, error)
	Complete(ctx context.Context, t Task) error
	// Fail requeues the task at retryAt, or drops it when dead.
	Fail(ctx context.Context, t Task, retryAt time.Time, dead bool) error
}

var ErrInvalidTask = errors.New("invalid task")

func prepare(t *Task) error {
	if t.Kind == "" || t.Queue == "" {
		return ErrInvalidTask
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	return nil
}

// Memory keeps tasks in process; used when Redis is not configured.
type Memory struct {
	mu      sync.Mutex
	pending map[string][]Task
	keys    map[string]string // dedupe key -> task id
	dead    []Task
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{pending: map[string][]Task{}, keys: map[string]string{}, now: time.Now}
}

func (m *Memory) Enqueue(_ context.Context, t Task) (bool, error) {
	if err := prepare(&t); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Key != "" {
		if _, held := m.keys[t.Key]; held {
			return false, nil
		}
		m.keys[t.Key] = t.ID
	}
	m.pending[t.Queue] = append(m.pending[t.Queue], t)
	return true, nil
}

func (m *Memory) Claim(_ context.Context, queue string, n int) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out, keep []Task
	for _, t := range m.pending[queue] {
		if len(out) < n && !now.Before(t.NotBefore) {
			out = append(out, t)
			continue
		}
		keep = append(keep, t)
	}
	m.pending[queue] = keep
	return out, nil
}

func (m *Memory) Complete(_ context.Context, t Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.release(t)
	return nil
}

func (m *Memory) Fail(_ context.Context, t Task, retryAt time.Time, dead bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.Attempts++
	if dead {
		m.release(t)
		m.dead = append(m.dead, t)
		return nil
	}
	t.NotBefore = retryAt
	m.pending[t.Queue] = append(m.pending[t.Queue], t)
	return nil
}

func (m *Memory) release(t Task) {
	if t.Key != "" && m.keys[t.Key] == t.ID {
		delete(m.keys, t.Key)
	}
}

// Pending lists the queued tasks of a queue, oldest first.
func (m *Memory) Pending(queue string) []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]Task(nil), m.pending[queue]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].NotBefore.Before(out[j].NotBefore) })
	return out
}

// Dead lists tasks that exhausted their attempts.
func (m *Memory) Dead() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Task(nil), m.dead...)
}

// SetClock overrides the time used to decide whether a retry is due.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}
