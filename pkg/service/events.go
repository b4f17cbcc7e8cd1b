package service

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Phase identifies where in the lifecycle an error was observed.
type Phase string

const (
	PhaseStart       Phase = "start"
	PhaseHealthCheck Phase = "health_check"
	PhaseRuntime     Phase = "runtime"
	PhaseStop        Phase = "stop"
)

// EventMeta is carried by every event.
type EventMeta struct {
	ID      uuid.UUID
	Service string
	Time    time.Time
}

func newMeta(name string) EventMeta {
	return EventMeta{ID: uuid.New(), Service: name, Time: time.Now()}
}

func (m EventMeta) meta() EventMeta { return m }

// Meta returns the metadata shared by all event variants.
func Meta(ev Event) EventMeta {
	return ev.meta()
}

// Event is a lifecycle notification. The set of implementations is closed:
// Registered, Started, Errored, Unhealthy, Stopped and Failed.
type Event interface {
	meta() EventMeta
}

// Registered is emitted once per successful Register call.
type Registered struct {
	EventMeta
	Dependencies []string
	Priority     int
	AutoStart    bool
}

// Started is emitted when a service reaches running.
type Started struct {
	EventMeta
	// Attempt is 0 for the first start and n for the n-th retry.
	Attempt  int
	Duration time.Duration
}

// Errored is emitted for every failure recorded in a service's metrics.
type Errored struct {
	EventMeta
	Phase Phase
	Err   error
}

// Unhealthy is emitted when a health check returns false.
type Unhealthy struct {
	EventMeta
	Failures int
}

// Stopped is emitted after a service's instance has been released.
type Stopped struct {
	EventMeta
}

// Failed is emitted when a service is marked failed permanently.
type Failed struct {
	EventMeta
	Attempts int
	Err      error
}

// Handler receives events with one method per variant, so adding a variant
// breaks every handler at compile time.
type Handler interface {
	OnRegistered(Registered)
	OnStarted(Started)
	OnError(Errored)
	OnUnhealthy(Unhealthy)
	OnStopped(Stopped)
	OnFailed(Failed)
}

// Dispatch routes ev to the matching Handler method.
func Dispatch(ev Event, h Handler) {
	switch e := ev.(type) {
	case Registered:
		h.OnRegistered(e)
	case Started:
		h.OnStarted(e)
	case Errored:
		h.OnError(e)
	case Unhealthy:
		h.OnUnhealthy(e)
	case Stopped:
		h.OnStopped(e)
	case Failed:
		h.OnFailed(e)
	default:
		panic(fmt.Sprintf("service: unhandled event type %T", ev))
	}
}

// Kind returns the wire name of an event.
func Kind(ev Event) string {
	switch ev.(type) {
	case Registered:
		return "service-registered"
	case Started:
		return "service-started"
	case Errored:
		return "service-error"
	case Unhealthy:
		return "service-unhealthy"
	case Stopped:
		return "service-stopped"
	case Failed:
		return "service-failed"
	default:
		panic(fmt.Sprintf("service: unhandled event type %T", ev))
	}
}

// EventRecord is a flat, JSON-friendly rendition of an Event.
type EventRecord struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	Service  string    `json:"service"`
	Time     time.Time `json:"time"`
	Phase    Phase     `json:"phase,omitempty"`
	Error    string    `json:"error,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Failures int       `json:"failures,omitempty"`
}

// Record flattens ev into an EventRecord.
func Record(ev Event) EventRecord {
	m := ev.meta()
	rec := EventRecord{
		ID:      m.ID.String(),
		Kind:    Kind(ev),
		Service: m.Service,
		Time:    m.Time,
	}
	switch e := ev.(type) {
	case Started:
		rec.Attempt = e.Attempt
	case Errored:
		rec.Phase = e.Phase
		rec.Error = errString(e.Err)
	case Unhealthy:
		rec.Failures = e.Failures
	case Failed:
		rec.Attempt = e.Attempts
		rec.Error = errString(e.Err)
	}
	return rec
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type subscriber struct {
	id int
	fn func(Event)
}

// Subscribe registers fn for every event and returns a function that removes it.
// Events are delivered synchronously, in emission order, often while the
// emitting service's lifecycle transition is still in progress. fn must not
// call StartService, RetryService or StopService directly; start a goroutine
// for that.
func (s *Supervisor) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribeLocked(fn)
}

func (s *Supervisor) subscribeLocked(fn func(Event)) func() {
	s.nextSubID++
	id := s.nextSubID
	s.subscribers = append(s.subscribers, subscriber{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subscribers {
			if sub.id == id {
				s.subscribers = append(s.subscribers[:i:i], s.subscribers[i+1:]...)
				return
			}
		}
	}
}

// SubscribeHandler registers h for every event. The rules of Subscribe apply.
func (s *Supervisor) SubscribeHandler(h Handler) (unsubscribe func()) {
	return s.Subscribe(func(ev Event) { Dispatch(ev, h) })
}

// emit delivers ev to the current subscribers. Must not be called with s.mu held.
func (s *Supervisor) emit(ev Event) {
	s.mu.RLock()
	subs := make([]subscriber, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.RUnlock()

	for _, sub := range subs {
		s.deliver(sub, ev)
	}
}

func (s *Supervisor) deliver(sub subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Event subscriber panicked", "event", Kind(ev), "panic", r)
		}
	}()
	sub.fn(ev)
}
