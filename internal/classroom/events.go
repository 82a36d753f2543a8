package classroom

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/openclass/classroom/internal/domain"
)

// EventKind discriminates coordinator notifications.
type EventKind int

const (
	// EventRoomUpdated: lifecycle, mode or ban flag changed.
	EventRoomUpdated EventKind = iota
	// EventUserUpdated: a user appeared or its status changed.
	EventUserUpdated
	// EventUserLeft: the transport reported the peer gone.
	EventUserLeft
	// EventMustLeave: the room is stopped, the client has to exit.
	// Emitted exactly once.
	EventMustLeave
	// EventNotice: free-text announcement from the owner.
	EventNotice
	// EventSessionError: a fatal transport error ended the session.
	EventSessionError
)

func (k EventKind) String() string {
	switch k {
	case EventRoomUpdated:
		return "room_updated"
	case EventUserUpdated:
		return "user_updated"
	case EventUserLeft:
		return "user_left"
	case EventMustLeave:
		return "must_leave"
	case EventNotice:
		return "notice"
	case EventSessionError:
		return "session_error"
	}
	return "unknown"
}

type Event struct {
	Kind   EventKind
	Peer   domain.PeerID
	Notice string
	Err    error
}

const eventQueueSize = 32

// eventBus fans coordinator events out to any number of subscribers.
// Sends never block the coordinator; a subscriber that stops draining
// loses events rather than stalling state application.
type eventBus struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]chan Event)}
}

func (b *eventBus) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, eventQueueSize)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

func (b *eventBus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("module", "classroom.events").Stringer("kind", ev.Kind).Msg("slow subscriber, dropping event")
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
