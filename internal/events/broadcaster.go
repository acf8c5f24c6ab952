package events

import (
	"sync"
	"time"

	"foreman/internal/logging"
)

// Event names published by the orchestrator.
const (
	RunCreated           = "run.created"
	RunCompleted         = "run.completed"
	RunFailed            = "run.failed"
	StepClaimed          = "step.claimed"
	StepCompleted        = "step.completed"
	StepFailed           = "step.failed"
	StepAwaitingApproval = "step.awaiting_approval"
	StoryCompleted       = "story.completed"

	TypeWorkflowEvent = "workflow_event"
	TypeTaskEvent     = "task_event"
)

// Event is one frame delivered to subscribed clients.
type Event struct {
	Type    string      `json:"type"` // workflow_event or task_event
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
	UserID  int64       `json:"-"`
}

type subscriber struct {
	userID int64
	ch     chan Event

	mu     sync.Mutex
	closed bool
}

// deliver attempts one bounded send. Returns false when the subscriber is
// too slow and has been closed.
func (s *subscriber) deliver(event Event, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	select {
	case s.ch <- event:
		return true
	default:
	}

	// Buffer full; give the consumer one bounded chance, then drop it.
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.ch <- event:
		return true
	case <-timer.C:
		s.closed = true
		close(s.ch)
		return false
	}
}

func (s *subscriber) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Broadcaster is a process-local pub/sub fanning run/step lifecycle events
// out to connected clients, filtered by owning user. Delivery is best-effort
// and single-attempt; a subscriber that cannot accept within the send
// timeout is dropped.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber // connection id -> subscriber

	bufferSize  int
	sendTimeout time.Duration
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]*subscriber),
		bufferSize:  32,
		sendTimeout: 100 * time.Millisecond,
	}
}

// Subscribe registers a connection for the user's events. The returned
// channel is closed on Unsubscribe or when the subscriber is dropped for
// being too slow.
func (b *Broadcaster) Subscribe(userID int64, connID string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.subscribers[connID]; ok {
		existing.shutdown()
	}
	sub := &subscriber{userID: userID, ch: make(chan Event, b.bufferSize)}
	b.subscribers[connID] = sub
	return sub.ch
}

// Unsubscribe removes the connection and closes its channel.
func (b *Broadcaster) Unsubscribe(connID string) {
	b.mu.Lock()
	sub, ok := b.subscribers[connID]
	if ok {
		delete(b.subscribers, connID)
	}
	b.mu.Unlock()

	if ok {
		sub.shutdown()
	}
}

// Publish delivers the event to every subscriber owned by event.UserID.
// Slow subscribers are disconnected, not blocked.
func (b *Broadcaster) Publish(event Event) {
	b.mu.RLock()
	var targets []*subscriber
	var targetIDs []string
	for connID, sub := range b.subscribers {
		if sub.userID == event.UserID {
			targets = append(targets, sub)
			targetIDs = append(targetIDs, connID)
		}
	}
	b.mu.RUnlock()

	for i, sub := range targets {
		if !sub.deliver(event, b.sendTimeout) {
			logging.Debug("dropping slow event subscriber %s", targetIDs[i])
			b.remove(targetIDs[i], sub)
		}
	}
}

// remove deletes the registration only if it still points at sub; the
// connection id may have been re-subscribed in the meantime.
func (b *Broadcaster) remove(connID string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if current, ok := b.subscribers[connID]; ok && current == sub {
		delete(b.subscribers, connID)
	}
}

// SubscriberCount reports current registrations, mainly for tests.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
