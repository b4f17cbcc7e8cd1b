package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

// fakeService records every lifecycle call made on it. Start fails for the
// first failStarts calls.
type fakeService struct {
	name string
	log  *callLog

	mu         sync.Mutex
	failStarts int
	starts     int
	stops      int
	stopErr    error
	errs       chan error
}

func (f *fakeService) Initialize(context.Context) error {
	f.log.add(f.name + ".init")
	return nil
}

func (f *fakeService) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.log.add(f.name + ".start")
	if f.failStarts != 0 {
		if f.failStarts > 0 {
			f.failStarts--
		}
		return errBoom
	}
	return nil
}

func (f *fakeService) Stop(context.Context) error {
	f.mu.Lock()
	f.stops++
	err := f.stopErr
	f.mu.Unlock()
	f.log.add(f.name + ".stop")
	return err
}

func (f *fakeService) Errors() <-chan error {
	return f.errs
}

func (f *fakeService) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

// callLog collects calls across services in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = nil
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) filter(suffix string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, c := range l.calls {
		if len(c) > len(suffix) && c[len(c)-len(suffix):] == suffix {
			out = append(out, c[:len(c)-len(suffix)])
		}
	}
	return out
}

// factoryFor returns a factory that always hands out svc.
func factoryFor(svc *fakeService) Factory {
	return func(context.Context) (any, error) { return svc, nil }
}

// eventRecorder collects events from a supervisor.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) kinds(service string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if Meta(ev).Service == service {
			out = append(out, Kind(ev))
		}
	}
	return out
}

func (r *eventRecorder) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if Kind(ev) == kind {
			n++
		}
	}
	return n
}

func newTestSupervisor(t *testing.T, mutate ...func(*Config)) (*Supervisor, *eventRecorder) {
	t.Helper()
	cfg := Config{
		HealthCheckInterval: time.Hour,
		RetryDelay:          time.Millisecond,
		MaxRetries:          3,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s := New(cfg)
	rec := &eventRecorder{}
	s.Subscribe(rec.record)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Cleanup(ctx)
	})
	return s, rec
}

func mustRegister(t *testing.T, s *Supervisor, name string, factory Factory, opts ...Option) {
	t.Helper()
	require.NoError(t, s.Register(name, factory, opts...))
}
