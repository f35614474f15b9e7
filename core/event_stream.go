package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"cdpledger/core/events"
	"cdpledger/core/types"
	"cdpledger/observability"
)

const eventHistoryLimit = 256

var (
	// ErrInvalidCursor is returned for cursors that do not parse or point
	// past the newest event.
	ErrInvalidCursor = errors.New("event stream: invalid cursor")
	// ErrCursorEvicted is returned when events after the cursor have already
	// left the retained history.
	ErrCursorEvicted = errors.New("event stream: cursor no longer retained")
)

// StreamedEvent is a committed ledger event with its stream position.
type StreamedEvent struct {
	Sequence uint64
	Cursor   string
	Event    types.Event
}

// EventStream fans committed events out to live subscribers and keeps a
// bounded history so reconnecting clients can resume from a cursor.
type EventStream struct {
	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	history []StreamedEvent
	subs    map[uint64]chan StreamedEvent
	buffer  int
}

// NewEventStream returns a stream whose subscribers buffer up to buffer
// events. A subscriber that falls further behind is closed.
func NewEventStream(buffer int) *EventStream {
	if buffer <= 0 {
		buffer = 32
	}
	return &EventStream{subs: make(map[uint64]chan StreamedEvent), buffer: buffer}
}

// Publish implements events.Sink.
func (s *EventStream) Publish(evt types.Event) {
	if s == nil || evt.Type == "" {
		return
	}
	s.mu.Lock()
	s.seq++
	entry := StreamedEvent{Sequence: s.seq, Cursor: strconv.FormatUint(s.seq, 10), Event: evt.Clone()}
	s.history = append(s.history, entry)
	if len(s.history) > eventHistoryLimit {
		excess := len(s.history) - eventHistoryLimit
		trimmed := make([]StreamedEvent, eventHistoryLimit)
		copy(trimmed, s.history[excess:])
		s.history = trimmed
	}
	for id, ch := range s.subs {
		select {
		case ch <- entry:
		default:
			delete(s.subs, id)
			close(ch)
			observability.Events().RecordDropped(evt.Type)
		}
	}
	s.mu.Unlock()
}

// Subscribe registers a subscriber for events after cursor. The backlog holds
// retained history past the cursor; an empty cursor replays everything
// retained. The channel closes when cancel runs, ctx ends, or the subscriber
// falls behind.
func (s *EventStream) Subscribe(ctx context.Context, cursor string) (<-chan StreamedEvent, func(), []StreamedEvent, error) {
	if s == nil {
		return nil, nil, nil, fmt.Errorf("event stream not initialised")
	}
	var since uint64
	trimmed := strings.TrimSpace(cursor)
	if trimmed != "" {
		parsed, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
		}
		since = parsed
	}
	updates := make(chan StreamedEvent, s.buffer)

	s.mu.Lock()
	if trimmed != "" {
		if since > s.seq {
			s.mu.Unlock()
			return nil, nil, nil, fmt.Errorf("%w: %d is ahead of %d", ErrInvalidCursor, since, s.seq)
		}
		if len(s.history) > 0 && since+1 < s.history[0].Sequence {
			oldest := s.history[0].Sequence
			s.mu.Unlock()
			return nil, nil, nil, fmt.Errorf("%w: oldest retained is %d", ErrCursorEvicted, oldest)
		}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = updates
	backlog := make([]StreamedEvent, 0, len(s.history))
	for _, entry := range s.history {
		if entry.Sequence > since {
			backlog = append(backlog, entry)
		}
	}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			if sub, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub)
			}
			s.mu.Unlock()
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return updates, cancel, backlog, nil
}

// Subscribers reports the number of live subscribers.
func (s *EventStream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

var _ events.Sink = (*EventStream)(nil)
