package kvm

import (
	"errors"
	"syscall"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRunAllShutDown(t *testing.T) {
	dev := newFakeDevice()
	h, vm := newFakeVM(t, dev, 4)
	for id := 0; id < 4; id++ {
		dev.script(id, ioOut(0x10, 1, byte(id)), shutdown)
	}

	rec := &recorder{}
	results, err := Run(vm, WithObserver(rec))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}
	for i, r := range results {
		if r.VCPU != i || !r.OK() || r.State != VCPUExited {
			t.Errorf("result %d = %+v", i, r)
		}
		evs := rec.forVCPU(i)
		if len(evs) != 2 {
			t.Fatalf("vcpu %d: %d events, want 2", i, len(evs))
		}
		if io := evs[0].Exit.IO; io == nil || io.Port != 0x10 || io.Value() != uint64(i) || evs[0].Disposition != Resume {
			t.Errorf("vcpu %d first event = %+v", i, evs[0])
		}
		if evs[1].Exit.Kind != ExitKindShutdown || evs[1].Disposition != Terminate {
			t.Errorf("vcpu %d last event = %+v", i, evs[1])
		}
	}

	if err := vm.Destroy(); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRunIsolatesFailures(t *testing.T) {
	const failing = 2

	dev := newFakeDevice()
	dev.failGetSRegs[failing] = syscall.EIO
	dev.script(1, fakeExit{reason: ExitReasonHlt})
	h, vm := newFakeVM(t, dev, 4)
	defer h.Close()
	defer vm.Destroy()

	rec := &recorder{}
	results, err := Run(vm, WithObserver(rec))
	if !errors.Is(err, ErrRegisterRead) || !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("Run = %v, want both failures joined", err)
	}

	type summary struct {
		State VCPUState
		Kind  ExitKind
		OK    bool
	}
	var got []summary
	for _, r := range results {
		got = append(got, summary{r.State, r.Exit.Kind, r.OK()})
	}
	want := []summary{
		{VCPUExited, ExitKindShutdown, true},
		{VCPUExited, ExitKindOther, false},
		{VCPUFailed, ExitKindNone, false},
		{VCPUExited, ExitKindShutdown, true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
	if !errors.Is(results[failing].Err, ErrRegisterExchange) {
		t.Errorf("vcpu %d error = %v, want ErrRegisterExchange", failing, results[failing].Err)
	}
	if evs := rec.forVCPU(failing); len(evs) != 1 || evs[0].Err == nil {
		t.Errorf("vcpu %d events = %+v, want one failure", failing, evs)
	}
}

func TestCoordinatorSpawnFailure(t *testing.T) {
	dev := newFakeDevice()
	block := make(chan struct{})
	dev.script(0, fakeExit{reason: ExitReasonShutdown, block: block})
	h, vm := newFakeVM(t, dev, 3)
	defer h.Close()
	defer vm.Destroy()

	rec := &recorder{}
	rc := NewCoordinator(vm, WithObserver(rec), WithMaxContexts(1))
	err := rc.Start()
	close(block)
	if !errors.Is(err, ErrThreadSpawnFailed) {
		t.Fatalf("Start = %v, want ErrThreadSpawnFailed", err)
	}

	results, err := rc.Join()
	if !errors.Is(err, ErrThreadSpawnFailed) {
		t.Errorf("Join = %v, want ErrThreadSpawnFailed", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if !results[0].OK() {
		t.Errorf("vcpu 0 = %+v, want clean shutdown", results[0])
	}
	for _, r := range results[1:] {
		if !errors.Is(r.Err, ErrThreadSpawnFailed) || r.State != VCPUCreated {
			t.Errorf("vcpu %d = %+v, want spawn failure", r.VCPU, r)
		}
	}
	if evs := rec.forVCPU(1); len(evs) != 1 || !errors.Is(evs[0].Err, ErrThreadSpawnFailed) {
		t.Errorf("vcpu 1 events = %+v", evs)
	}
}

func TestCoordinatorMisuse(t *testing.T) {
	h, vm := newFakeVM(t, newFakeDevice(), 1)
	defer h.Close()
	defer vm.Destroy()

	rc := NewCoordinator(vm)
	if _, err := rc.Join(); !errors.Is(err, ErrPrecondition) {
		t.Errorf("Join before Start = %v, want ErrPrecondition", err)
	}
	if err := rc.Start(); err != nil {
		t.Fatal(err)
	}
	if err := rc.Start(); !errors.Is(err, ErrPrecondition) {
		t.Errorf("second Start = %v, want ErrPrecondition", err)
	}
	if _, err := rc.Join(); err != nil {
		t.Errorf("Join = %v", err)
	}
}

func TestRunNoVCPUs(t *testing.T) {
	dev := newFakeDevice()
	h := openFake(t, dev)
	defer h.Close()
	vm, err := h.CreateVM(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer vm.Destroy()

	results, err := Run(vm)
	if err != nil || len(results) != 0 {
		t.Errorf("Run = %v, %v; want no results", results, err)
	}
}

func TestRunExitedVCPU(t *testing.T) {
	dev := newFakeDevice()
	h, vm := newFakeVM(t, dev, 1)
	defer h.Close()
	defer vm.Destroy()

	if _, err := Run(vm); err != nil {
		t.Fatal(err)
	}
	_, err := Run(vm)
	if !errors.Is(err, ErrVCPUExited) {
		t.Errorf("second Run = %v, want ErrVCPUExited", err)
	}
}
