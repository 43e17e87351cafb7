package kvm

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Result is how one vCPU's execution context ended.
type Result struct {
	VCPU  int
	State VCPUState
	// Exit is the terminal exit, if the vCPU reached one.
	Exit Exit
	Err  error
}

// OK reports whether the vCPU shut down cleanly.
func (r Result) OK() bool {
	return r.Err == nil && r.Exit.Kind == ExitKindShutdown
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithObserver sends every vCPU's events to obs.
func WithObserver(obs Observer) CoordinatorOption {
	return func(rc *Coordinator) { rc.obs = obs }
}

// WithMaxContexts caps the number of execution contexts that may run at
// once. A vCPU that cannot get one fails to start with
// ErrThreadSpawnFailed. The default is one per vCPU.
func WithMaxContexts(n int) CoordinatorOption {
	return func(rc *Coordinator) { rc.limit = n }
}

// Coordinator runs every vCPU of a VM on its own OS thread and waits for
// all of them. A failing vCPU never stops its siblings.
type Coordinator struct {
	vm    *VM
	obs   Observer
	limit int

	g       errgroup.Group
	mu      sync.Mutex
	started bool
	results []Result
}

func NewCoordinator(vm *VM, opts ...CoordinatorOption) *Coordinator {
	rc := &Coordinator{vm: vm, obs: nopObserver}
	for _, opt := range opts {
		opt(rc)
	}
	if rc.obs == nil {
		rc.obs = nopObserver
	}
	return rc
}

// Start launches one execution context per vCPU created so far. If a
// context cannot be started Start returns ErrThreadSpawnFailed at once;
// contexts already started keep running and Join still waits for them.
func (rc *Coordinator) Start() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.started {
		return fmt.Errorf("%w: coordinator already started", ErrPrecondition)
	}
	rc.started = true

	vcpus := rc.vm.VCPUs()
	rc.results = make([]Result, len(vcpus))
	for i, c := range vcpus {
		rc.results[i] = Result{
			VCPU:  c.ID(),
			State: c.State(),
			Err:   fmt.Errorf("%w: vcpu %d not started", ErrThreadSpawnFailed, c.ID()),
		}
	}
	if len(vcpus) == 0 {
		return nil
	}

	limit := rc.limit
	if limit < 1 {
		limit = len(vcpus)
	}
	rc.g.SetLimit(limit)

	for i, c := range vcpus {
		i, c := i, c
		if !rc.g.TryGo(func() error { return rc.runOne(i, c) }) {
			err := fmt.Errorf("%w: vcpu %d: %d execution context(s) busy", ErrThreadSpawnFailed, c.ID(), limit)
			rc.obs.Observe(Event{VCPU: c.ID(), Disposition: Terminate, Err: err})
			rc.results[i].Err = err
			return err
		}
	}
	return nil
}

func (rc *Coordinator) runOne(i int, c *VCPU) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	exit, err := c.Run(rc.obs)
	rc.results[i] = Result{VCPU: c.ID(), State: c.State(), Exit: exit, Err: err}

	// Failures stay in results; returning them would only surface the
	// first one from Wait.
	return nil
}

// Join blocks until every started execution context has finished and
// returns one Result per vCPU in creation order. The error joins every
// vCPU's failure and is nil only if all of them shut down cleanly.
func (rc *Coordinator) Join() ([]Result, error) {
	rc.mu.Lock()
	started := rc.started
	rc.mu.Unlock()
	if !started {
		return nil, fmt.Errorf("%w: coordinator not started", ErrPrecondition)
	}

	_ = rc.g.Wait()

	results := make([]Result, len(rc.results))
	copy(results, rc.results)

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("vcpu %d: %w", r.VCPU, r.Err))
		}
	}
	return results, errors.Join(errs...)
}

// Run starts every vCPU of vm and waits for all of them.
func Run(vm *VM, opts ...CoordinatorOption) ([]Result, error) {
	rc := NewCoordinator(vm, opts...)
	// A spawn failure is recorded in the vCPU's Result.
	_ = rc.Start()
	return rc.Join()
}
