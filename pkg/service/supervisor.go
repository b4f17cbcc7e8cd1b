package service

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	apperrors "github.com/cmatc13/overseer/pkg/errors"
	"github.com/cmatc13/overseer/pkg/logging"
	"github.com/robfig/cron/v3"
)

// entry is the supervisor's record for one registered service.
// state, instance, metrics and reporter are guarded by Supervisor.mu;
// transition serialises lifecycle changes of this service.
type entry struct {
	desc Descriptor
	seq  int

	transition sync.Mutex

	state    State
	instance any
	metrics  Metrics
	reporter *reporter
}

// Supervisor manages registered services and their lifecycle.
// It is constructed once by the process entry point and passed to whatever
// needs service handles.
type Supervisor struct {
	mu sync.RWMutex

	cfg    Config
	logger *logging.Logger

	services map[string]*entry
	nextSeq  int

	subscribers []subscriber
	nextSubID   int

	scheduler   *cron.Cron
	runCtx      context.Context
	cancelRun   context.CancelFunc
	unsubscribe []func()
	background  sync.WaitGroup
	closing     bool
}

// New creates a supervisor with the given policy.
func New(cfg Config) *Supervisor {
	cfg = cfg.withDefaults()
	runCtx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:       cfg,
		logger:    cfg.Logger,
		services:  make(map[string]*entry),
		runCtx:    runCtx,
		cancelRun: cancel,
	}
}

// Config returns the effective policy.
func (s *Supervisor) Config() Config {
	return s.cfg
}

// Register adds a service descriptor.
func (s *Supervisor) Register(name string, factory Factory, opts ...Option) error {
	desc := Descriptor{
		Name:           name,
		Factory:        factory,
		AutoStart:      true,
		Singleton:      true,
		RetryOnFailure: true,
	}
	for _, opt := range opts {
		opt(&desc)
	}
	desc.Dependencies = uniq(desc.Dependencies)

	if name == "" || factory == nil {
		return apperrors.WrapWithOperation(apperrors.WrapWithDomain(
			apperrors.ErrInvalidInput, apperrors.SupervisorDomain), apperrors.OpRegister)
	}
	if !desc.Singleton {
		return apperrors.NewSupervisorError(apperrors.SupErrUnsupported, apperrors.OpRegister, name, ErrUnsupportedMode, nil)
	}

	s.mu.Lock()
	if _, exists := s.services[name]; exists {
		s.mu.Unlock()
		return duplicateServiceError(name)
	}
	s.nextSeq++
	s.services[name] = &entry{
		desc:  desc,
		seq:   s.nextSeq,
		state: StateRegistered,
	}
	s.mu.Unlock()

	s.logger.Info("Service registered", "service", name, "dependencies", desc.Dependencies, "priority", desc.Priority)
	s.emit(Registered{
		EventMeta:    newMeta(name),
		Dependencies: slices.Clone(desc.Dependencies),
		Priority:     desc.Priority,
		AutoStart:    desc.AutoStart,
	})
	return nil
}

// HasService reports whether name is registered.
func (s *Supervisor) HasService(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.services[name]
	return ok
}

// Len returns the number of registered services.
func (s *Supervisor) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.services)
}

// Names returns the registered names in registration order.
func (s *Supervisor) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*entry, 0, len(s.services))
	for _, e := range s.services {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.desc.Name
	}
	return names
}

// Descriptor returns a copy of the registered descriptor.
func (s *Supervisor) Descriptor(name string) (Descriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.services[name]
	if !ok {
		return Descriptor{}, false
	}
	d := e.desc
	d.Dependencies = slices.Clone(d.Dependencies)
	return d, true
}

// Get returns the live instance of a running service. It never starts anything.
func (s *Supervisor) Get(name string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.services[name]
	if !ok {
		return nil, notAvailableError(name, StateUnknown)
	}
	if e.state != StateRunning {
		return nil, notAvailableError(name, e.state)
	}
	return e.instance, nil
}

// Lookup returns the live instance of name as T.
func Lookup[T any](s *Supervisor, name string) (T, error) {
	var zero T
	instance, err := s.Get(name)
	if err != nil {
		return zero, err
	}
	typed, ok := instance.(T)
	if !ok {
		return zero, apperrors.WrapWithField(notAvailableError(name, s.State(name)), "reason", "type mismatch")
	}
	return typed, nil
}

// State returns the current state of name, or StateUnknown.
func (s *Supervisor) State(name string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.services[name]; ok {
		return e.state
	}
	return StateUnknown
}

// States returns the current state of every registered service.
func (s *Supervisor) States() map[string]State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]State, len(s.services))
	for name, e := range s.services {
		out[name] = e.state
	}
	return out
}

// Metrics returns a snapshot of a service's metrics.
func (s *Supervisor) Metrics(name string) (Metrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.services[name]
	if !ok {
		return Metrics{}, false
	}
	return e.metrics.snapshot(), true
}

// AllMetrics returns a snapshot of every service's metrics.
func (s *Supervisor) AllMetrics() map[string]Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Metrics, len(s.services))
	for name, e := range s.services {
		out[name] = e.metrics.snapshot()
	}
	return out
}

func (m Metrics) snapshot() Metrics {
	if m.LastError != nil {
		last := *m.LastError
		m.LastError = &last
	}
	return m
}

// lookup returns the entry for name.
func (s *Supervisor) lookup(name string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.services[name]
	return e, ok
}

func (s *Supervisor) setState(e *entry, state State) {
	s.mu.Lock()
	e.state = state
	s.mu.Unlock()
}

// recordError bumps the error counters of e and emits an Errored event.
func (s *Supervisor) recordError(e *entry, phase Phase, err error) {
	now := time.Now()
	s.mu.Lock()
	e.metrics.Errors++
	e.metrics.LastError = &ErrorRecord{Message: err.Error(), Time: now}
	s.mu.Unlock()

	s.logger.WithService(e.desc.Name).WithError(err).Error("Service error", "phase", string(phase))
	s.emit(Errored{EventMeta: newMeta(e.desc.Name), Phase: phase, Err: err})
}
