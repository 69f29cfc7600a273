// Package events fans sync events out to websocket clients and external
// subscribers.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	TypeLogCreated      = "log.created"
	TypeGeofenceEntered = "geofence.entered"
	TypeGeofenceExited  = "geofence.exited"
	TypeRepairQueued    = "repair.queued"
	TypeSweepFinished   = "sweep.finished"

	TopicFleet = "fleet"
)

func VehicleTopic(id string) string { return "vehicle:" + id }

type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	VehicleID string         `json:"vehicleId,omitempty"`
	At        time.Time      `json:"at"`
	Data      map[string]any `json:"data,omitempty"`
}

// New stamps an event with an id and the current time.
func New(typ, vehicleID string, data map[string]any) Event {
	return Event{ID: uuid.New().String(), Type: typ, VehicleID: vehicleID, At: time.Now().UTC(), Data: data}
}

// Bus is a best-effort publish/subscribe channel. Publish never blocks on
// slow subscribers.
type Bus interface {
	Subscribe(topic string) chan Event
	Unsubscribe(topic string, ch chan Event)
	Publish(topic string, evt Event)
}

// Memory is the in-process bus.
type Memory struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

func NewMemory() *Memory {
	return &Memory{subs: map[string]map[chan Event]struct{}{}}
}

func (b *Memory) Subscribe(topic string) chan Event {
	ch := make(chan Event, 8)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = map[chan Event]struct{}{}
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Memory) Unsubscribe(topic string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[topic]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, topic)
	}
	close(ch)
}

func (b *Memory) Publish(topic string, evt Event) {
	b.mu.Lock()
	for ch := range b.subs[topic] {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}

// Multi publishes to every bus and subscribes through the first one.
type Multi []Bus

func (m Multi) Subscribe(topic string) chan Event { return m[0].Subscribe(topic) }

func (m Multi) Unsubscribe(topic string, ch chan Event) { m[0].Unsubscribe(topic, ch) }

func (m Multi) Publish(topic string, evt Event) {
	for _, b := range m {
		b.Publish(topic, evt)
	}
}

// Discard drops everything.
type Discard struct{}

func (Discard) Subscribe(string) chan Event { return make(chan Event) }
func (Discard) Unsubscribe(_ string, ch chan Event) { close(ch) }
func (Discard) Publish(string, Event) {}
