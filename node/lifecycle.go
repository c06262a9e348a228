package node

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/eth2030/blockpipe/log"
)

// ServiceState represents the lifecycle state of a service.
type ServiceState int

const (
	StateCreated  ServiceState = iota // registered but not started
	StateRunning                      // running normally
	StateStopped                      // stopped cleanly
	StateFailed                       // failed to start or stop
)

// String returns a human-readable name for the service state.
func (s ServiceState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Service is a long-running part of the node.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// serviceFuncs adapts plain functions to Service.
type serviceFuncs struct {
	name  string
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

func (s *serviceFuncs) Name() string { return s.name }

func (s *serviceFuncs) Start(ctx context.Context) error {
	if s.start == nil {
		return nil
	}
	return s.start(ctx)
}

func (s *serviceFuncs) Stop(ctx context.Context) error {
	if s.stop == nil {
		return nil
	}
	return s.stop(ctx)
}

type serviceEntry struct {
	svc       Service
	state     ServiceState
	startedAt time.Time
	err       error
	priority  int // lower value = start first
}

// LifecycleManager starts services in priority order and stops them in
// reverse.
type LifecycleManager struct {
	mu       sync.Mutex
	services []*serviceEntry
	byName   map[string]*serviceEntry
	log      *log.Logger
}

// NewLifecycleManager creates an empty manager.
func NewLifecycleManager(logger *log.Logger) *LifecycleManager {
	return &LifecycleManager{
		byName: make(map[string]*serviceEntry),
		log:    logger.Module("lifecycle"),
	}
}

// Register adds a service. Names must be unique.
func (lm *LifecycleManager) Register(svc Service, priority int) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if _, exists := lm.byName[svc.Name()]; exists {
		return fmt.Errorf("service %q already registered", svc.Name())
	}
	entry := &serviceEntry{svc: svc, state: StateCreated, priority: priority}
	lm.services = append(lm.services, entry)
	lm.byName[svc.Name()] = entry
	return nil
}

// StartAll starts the registered services in ascending priority. When one
// fails, the services already started are stopped again and the combined
// error is returned.
func (lm *LifecycleManager) StartAll(ctx context.Context) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for _, entry := range lm.sortedServices() {
		if entry.state == StateRunning {
			continue
		}
		if err := entry.svc.Start(ctx); err != nil {
			entry.state, entry.err = StateFailed, err
			err = fmt.Errorf("start %s: %w", entry.svc.Name(), err)
			return multierr.Append(err, lm.stopAll(ctx))
		}
		entry.state, entry.startedAt = StateRunning, time.Now()
		lm.log.Debug("Service started", "name", entry.svc.Name())
	}
	return nil
}

// StopAll stops running services in descending priority and returns every
// stop error combined.
func (lm *LifecycleManager) StopAll(ctx context.Context) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.stopAll(ctx)
}

func (lm *LifecycleManager) stopAll(ctx context.Context) error {
	ordered := lm.sortedServices()
	var errs error
	for i := len(ordered) - 1; i >= 0; i-- {
		entry := ordered[i]
		if entry.state != StateRunning {
			continue
		}
		if err := entry.svc.Stop(ctx); err != nil {
			entry.state, entry.err = StateFailed, err
			errs = multierr.Append(errs, fmt.Errorf("stop %s: %w", entry.svc.Name(), err))
			continue
		}
		entry.state = StateStopped
		lm.log.Debug("Service stopped", "name", entry.svc.Name(), "uptime", time.Since(entry.startedAt))
	}
	return errs
}

// State returns the state of the named service.
func (lm *LifecycleManager) State(name string) (ServiceState, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	entry, ok := lm.byName[name]
	if !ok {
		return StateFailed, errors.New("unknown service " + name)
	}
	return entry.state, entry.err
}

// RunningCount returns the number of services currently running.
func (lm *LifecycleManager) RunningCount() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	count := 0
	for _, entry := range lm.services {
		if entry.state == StateRunning {
			count++
		}
	}
	return count
}

// sortedServices returns the services ordered by priority. Caller must
// hold lm.mu.
func (lm *LifecycleManager) sortedServices() []*serviceEntry {
	sorted := make([]*serviceEntry, len(lm.services))
	copy(sorted, lm.services)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].priority < sorted[j].priority
	})
	return sorted
}
