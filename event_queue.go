package remote

import (
	"sync"
	"time"
)

const (
	EventTapDown = "tapDown"
	EventTapUp   = "tapUp"
	EventTapMove = "tapMove"
)

// a discrete input event queued between sync ticks.
// the wire shape is fixed by the server contract.
type InputEvent struct {
	Type  string `json:"type"`
	Coord [2]int `json:"coord"`
}

type EventQueueSettings struct {
	// minimum spacing between queued move events.
	// down/up and value changes are never rate limited.
	MoveEventMinSpacing time.Duration
}

func DefaultEventQueueSettings() *EventQueueSettings {
	return &EventQueueSettings{
		MoveEventMinSpacing: 50 * time.Millisecond,
	}
}

// accumulates local input between sync ticks.
// `Push`/`SetValue` never block. `DrainAll` atomically starts a new
// generation, so a concurrent push lands in the next drain, never lost.
type EventQueue struct {
	settings *EventQueueSettings

	stateLock    sync.Mutex
	events       []InputEvent
	values       map[string]string
	lastMoveTime time.Time
}

func NewEventQueueWithDefaults() *EventQueue {
	return NewEventQueue(DefaultEventQueueSettings())
}

func NewEventQueue(settings *EventQueueSettings) *EventQueue {
	return &EventQueue{
		settings: settings,
		events:   []InputEvent{},
		values:   map[string]string{},
	}
}

func (self *EventQueue) Push(event InputEvent) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if event.Type == EventTapMove {
		now := time.Now()
		if now.Sub(self.lastMoveTime) < self.settings.MoveEventMinSpacing {
			// bound queue growth under continuous motion
			return
		}
		self.lastMoveTime = now
	}
	self.events = append(self.events, event)
}

// latest value per element wins
func (self *EventQueue) SetValue(elementId string, value string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.values[elementId] = value
}

func (self *EventQueue) DrainAll() ([]InputEvent, map[string]string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	events := self.events
	values := self.values
	self.events = []InputEvent{}
	self.values = map[string]string{}
	return events, values
}

func (self *EventQueue) Size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.events) + len(self.values)
}
