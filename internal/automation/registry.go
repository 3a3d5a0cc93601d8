package automation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry tracks the runners of one unit and enforces that a job name is
// active at most once.
//
// All public methods are thread-safe.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]*Runner
	logger  Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		runners: make(map[string]*Runner),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Start registers and starts runner. It returns ErrAlreadyRunning, leaving
// the existing runner untouched, if a runner with the same job name has not
// terminated.
func (r *Registry) Start(ctx context.Context, runner *Runner) error {
	name := runner.Name()

	r.mu.Lock()
	if existing, ok := r.runners[name]; ok && existing.State() != StateTerminated {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAlreadyRunning, name, existing.State())
	}
	r.runners[name] = runner
	r.mu.Unlock()

	if err := runner.Start(ctx); err != nil {
		r.remove(name, runner)
		return err
	}

	go func() {
		<-runner.Done()
		r.remove(name, runner)
		r.logger.Info("job removed from registry", "job", name)
	}()

	r.logger.Info("job started", "job", name, "kind", runner.Kind())
	return nil
}

func (r *Registry) remove(name string, runner *Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runners[name] == runner {
		delete(r.runners, name)
	}
}

// Get returns the runner of a job.
func (r *Registry) Get(name string) (*Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return runner, nil
}

// List returns the records of all registered jobs sorted by name.
func (r *Registry) List() []JobRecord {
	r.mu.RLock()
	records := make([]JobRecord, 0, len(r.runners))
	for _, runner := range r.runners {
		records = append(records, runner.Record())
	}
	r.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return records[i].Job < records[j].Job })
	return records
}

// Stop terminates one job.
func (r *Registry) Stop(ctx context.Context, name string) error {
	runner, err := r.Get(name)
	if err != nil {
		return err
	}
	return runner.Stop(ctx)
}

// StopAll terminates every job, collecting errors.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.RLock()
	runners := make([]*Runner, 0, len(r.runners))
	for _, runner := range r.runners {
		runners = append(runners, runner)
	}
	r.mu.RUnlock()

	var errs []error
	for _, runner := range runners {
		if err := runner.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s: %w", runner.Name(), err))
		}
	}
	return errors.Join(errs...)
}
