// Package stream fans the output of one running job out to any number of
// observers.
//
// Observers see events published after they subscribe; nothing is replayed.
// The only exception is the terminal End event: it is retained so observers
// that attach after the job finished still receive it, and it is always the
// last event an observer gets.
package stream

import (
	"context"
	"io"
	"strconv"
	"sync"
)

// Type is the category of an event.
type Type string

const (
	Data Type = "data" // one stdout line
	Err  Type = "err"  // one stderr line
	End  Type = "end"  // process terminated
)

// Event is one unit delivered to observers. For End events Data carries the
// exit status text (or an explanation) and Code the exit code.
type Event struct {
	Type Type   `json:"type"`
	Data string `json:"data"`
	Code int    `json:"code,omitempty"`
}

// EndEvent builds the terminal event for an exit code.
func EndEvent(code int) Event {
	return Event{Type: End, Data: strconv.Itoa(code), Code: code}
}

// Hub is the publish side for a single job.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
	final  Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Publish delivers ev to every current subscriber without blocking on any of
// them. Events published after Close are dropped.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for s := range h.subs {
		s.push(ev, false)
	}
}

// Close delivers end to every subscriber, detaches them and retains end for
// late subscribers. Only the first call has an effect.
func (h *Hub) Close(end Event) {
	end.Type = End
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.final = end
	for s := range h.subs {
		s.push(end, true)
		delete(h.subs, s)
	}
}

// Subscribe attaches a new observer. On a closed hub the subscription holds
// only the retained End event.
func (h *Hub) Subscribe() *Subscription {
	s := newSubscription(h)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.push(h.final, true)
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// Subscribers reports the number of attached observers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Closed reports whether the End event has been published.
func (h *Hub) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// Subscription is the receive side for one observer. Its queue is unbounded:
// a slow observer accumulates events instead of slowing the job or other
// observers.
type Subscription struct {
	hub    *Hub
	mu     sync.Mutex
	queue  []Event
	ended  bool // End is queued; nothing follows it
	closed bool // detached by the observer
	notify chan struct{}
}

func newSubscription(h *Hub) *Subscription {
	return &Subscription{hub: h, notify: make(chan struct{}, 1)}
}

// Ended returns a detached subscription that yields only ev as an End event.
// It stands in for jobs that are not (or no longer) registered.
func Ended(ev Event) *Subscription {
	ev.Type = End
	s := newSubscription(nil)
	s.push(ev, true)
	return s
}

func (s *Subscription) push(ev Event, last bool) {
	s.mu.Lock()
	if s.ended || s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	if last {
		s.ended = true
	}
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available. It returns io.EOF once the End
// event has been consumed or the subscription was closed, and ctx.Err() when
// ctx is cancelled first.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Event{}, io.EOF
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			if len(s.queue) == 0 {
				s.queue = nil
			}
			s.mu.Unlock()
			return ev, nil
		}
		if s.ended {
			s.mu.Unlock()
			return Event{}, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Close detaches the observer. The job and other observers are unaffected.
func (s *Subscription) Close() {
	if s.hub != nil {
		s.hub.remove(s)
	}
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
