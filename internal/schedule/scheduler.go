package schedule

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/looplab/fsm"
	log "github.com/sirupsen/logrus"

	"fleetsync/internal/model"
)

type Kind string

const (
	Unscheduled Kind = "unscheduled"
	Scheduled   Kind = "scheduled"
)

const (
	EventSchedule   = "schedule"
	EventReschedule = "reschedule"
	EventFire       = "fire"
	EventClear      = "clear"
)

// State is the explicit poll state of one vehicle. Last and Next are only
// meaningful when Kind is Scheduled.
type State struct {
	Kind Kind      `json:"kind"`
	Last time.Time `json:"last,omitempty"`
	Next time.Time `json:"next,omitempty"`
}

// StateOf reads the persisted timestamps of a vehicle.
func StateOf(v model.Vehicle) State {
	if v.NextRunAt == nil {
		return State{Kind: Unscheduled}
	}
	st := State{Kind: Scheduled, Next: *v.NextRunAt}
	if v.LastRunAt != nil {
		st.Last = *v.LastRunAt
	}
	return st
}

// StateStore persists a vehicle's cadence and timestamps without touching its
// modification time.
type StateStore interface {
	SetSchedule(ctx context.Context, vehicleID, cadence string, last, next *time.Time) error
}

// Enqueuer hands a vehicle sync to the async task queue. It reports false
// when a sync for the vehicle is already pending.
type Enqueuer interface {
	EnqueueSync(ctx context.Context, vehicleID string) (bool, error)
}

type Scheduler struct {
	Store StateStore
	Jobs  Enqueuer
	Now   func() time.Time
	Log   *log.Entry
}

func New(st StateStore, jobs Enqueuer) *Scheduler {
	return &Scheduler{Store: st, Jobs: jobs, Now: time.Now, Log: log.WithField("component", "scheduler")}
}

func newMachine(kind Kind, due bool) *fsm.FSM {
	return fsm.NewFSM(string(kind),
		fsm.Events{
			{Name: EventSchedule, Src: []string{string(Unscheduled)}, Dst: string(Scheduled)},
			{Name: EventReschedule, Src: []string{string(Scheduled)}, Dst: string(Scheduled)},
			{Name: EventFire, Src: []string{string(Scheduled)}, Dst: string(Scheduled)},
			{Name: EventClear, Src: []string{string(Unscheduled), string(Scheduled)}, Dst: string(Unscheduled)},
		},
		fsm.Callbacks{
			// fire is guarded by the due check
			"before_" + EventFire: func(_ context.Context, e *fsm.Event) {
				if !due {
					e.Cancel()
				}
			},
		},
	)
}

// transition reports whether the event was accepted. Self transitions and
// guard cancellations are not errors.
func transition(ctx context.Context, m *fsm.FSM, event string) (bool, error) {
	err := m.Event(ctx, event)
	if err == nil {
		return true, nil
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return noTransition.Err == nil, noTransition.Err
	}
	var canceled fsm.CanceledError
	if errors.As(err, &canceled) {
		return false, nil
	}
	return false, err
}

// OnCadenceChange applies a new cadence expression. last becomes now; next is
// recomputed on first schedule, when the expression changed, or on force.
// An empty expression returns the vehicle to the default cadence.
func (s *Scheduler) OnCadenceChange(ctx context.Context, v model.Vehicle, expr string, force bool) (State, error) {
	expr = strings.TrimSpace(expr)
	cur := StateOf(v)
	if expr == "" {
		if _, err := transition(ctx, newMachine(cur.Kind, false), EventClear); err != nil {
			return cur, err
		}
		if err := s.Store.SetSchedule(ctx, v.ID, "", nil, nil); err != nil {
			return cur, err
		}
		return State{Kind: Unscheduled}, nil
	}
	sched, err := Parse(expr)
	if err != nil {
		return cur, err
	}
	now := s.Now()
	next := cur.Next
	event := EventReschedule
	if cur.Kind == Unscheduled {
		event = EventSchedule
	}
	if event == EventSchedule || force || expr != v.Cadence {
		next = sched.Next(now)
	}
	if _, err := transition(ctx, newMachine(cur.Kind, false), event); err != nil {
		return cur, err
	}
	if err := s.Store.SetSchedule(ctx, v.ID, expr, &now, &next); err != nil {
		return cur, err
	}
	return State{Kind: Scheduled, Last: now, Next: next}, nil
}

// Tick fires a sync for the vehicle when its next execution is due, then
// advances next from the previous next. It reports true only when a sync was
// queued; a due tick whose sync is still pending advances without firing.
// Vehicles without a cadence are left alone.
func (s *Scheduler) Tick(ctx context.Context, v model.Vehicle) (bool, State, error) {
	cur := StateOf(v)
	if strings.TrimSpace(v.Cadence) == "" {
		return false, cur, nil
	}
	sched, err := Parse(v.Cadence)
	if err != nil {
		return false, cur, err
	}
	now := s.Now()
	if cur.Kind == Unscheduled {
		// cadence stored without timestamps, e.g. imported directly
		next := sched.Next(now)
		if _, err := transition(ctx, newMachine(cur.Kind, false), EventSchedule); err != nil {
			return false, cur, err
		}
		if err := s.Store.SetSchedule(ctx, v.ID, v.Cadence, &now, &next); err != nil {
			return false, cur, err
		}
		return false, State{Kind: Scheduled, Last: now, Next: next}, nil
	}

	due := !now.Before(cur.Next)
	ok, err := transition(ctx, newMachine(cur.Kind, due), EventFire)
	if err != nil || !ok {
		return false, cur, err
	}
	queued, err := s.Jobs.EnqueueSync(ctx, v.ID)
	if err != nil {
		return false, cur, err
	}
	next := sched.Next(cur.Next)
	if err := s.Store.SetSchedule(ctx, v.ID, v.Cadence, &now, &next); err != nil {
		return queued, cur, err
	}
	entry := s.Log.WithFields(log.Fields{"vehicle": v.ID, "next": next.Format(time.RFC3339)})
	if queued {
		entry.Debug("cadence fired")
	} else {
		entry.Debug("cadence due but a sync is still pending")
	}
	return queued, State{Kind: Scheduled, Last: now, Next: next}, nil
}
