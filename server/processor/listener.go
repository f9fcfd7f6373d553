package processor

import (
	"sync"
	"sync/atomic"

	"github.com/san-kum/pose-landmarker/server/models"
)

// Event is one listener notification: either Bundle or Message is set.
type Event struct {
	Bundle  *models.ResultBundle
	Message string
	Kind    models.ErrorKind
}

func (e Event) IsError() bool {
	return e.Bundle == nil
}

// ChannelListener hands results from the engine goroutine to a consumer
// through a buffered channel. Sends never block the engine: when the buffer
// is full the event is dropped and counted.
type ChannelListener struct {
	events  chan Event
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

func NewChannelListener(buffer int) *ChannelListener {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelListener{events: make(chan Event, buffer)}
}

func (l *ChannelListener) Events() <-chan Event {
	return l.events
}

func (l *ChannelListener) OnResults(bundle *models.ResultBundle) {
	l.publish(Event{Bundle: bundle})
}

func (l *ChannelListener) OnError(message string, kind models.ErrorKind) {
	l.publish(Event{Message: message, Kind: kind})
}

func (l *ChannelListener) publish(event Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		l.dropped.Add(1)
		return
	}
	select {
	case l.events <- event:
	default:
		l.dropped.Add(1)
	}
}

func (l *ChannelListener) Dropped() int64 {
	return l.dropped.Load()
}

// Close ends the event stream. Later notifications are dropped.
func (l *ChannelListener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.events)
	}
}
