package kvm

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/davecgh/go-spew/spew"
)

// Step issues one run request, blocks until the kernel hands control back
// and decodes why. The vCPU must have been Reset. Shutdown and
// unrecognized exits move it to VCPUExited; the latter also return
// ErrProtocolViolation. A failed run request moves it to VCPUFailed.
func (c *VCPU) Step() (Exit, Disposition, error) {
	if err := c.vm.enter(); err != nil {
		return Exit{}, Terminate, err
	}
	defer c.vm.leave()

	return c.step()
}

func (c *VCPU) step() (Exit, Disposition, error) {
	if !c.state.CompareAndSwap(int32(VCPUReset), int32(VCPURunning)) {
		switch s := c.State(); s {
		case VCPUExited, VCPUFailed:
			return Exit{}, Terminate, fmt.Errorf("%w: vcpu %d is %s", ErrVCPUExited, c.id, s)
		default:
			return Exit{}, Terminate, fmt.Errorf("%w: step vcpu %d while %s", ErrPrecondition, c.id, s)
		}
	}

	if _, err := c.vm.hv.sys.ioctl(c.handle.fd, ioctlKVMRun, 0); err != nil {
		// A pending signal makes KVM_RUN return early with nothing for us
		// to do but run again.
		if errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) {
			c.setState(VCPUReset)
			return Exit{Kind: ExitKindInterrupted, Reason: ExitReasonIntr}, Resume, nil
		}
		c.setState(VCPUFailed)
		return Exit{}, Terminate, fmt.Errorf("%w: vcpu %d: %w", ErrRunRequest, c.id, err)
	}

	exit, err := c.run.decode()
	if err != nil {
		c.setState(VCPUExited)
		return exit, Terminate, err
	}

	d := Dispatch(exit.Kind)
	if d == Resume {
		c.setState(VCPUReset)
		return exit, d, nil
	}

	c.setState(VCPUExited)
	if exit.Kind == ExitKindOther {
		return exit, d, fmt.Errorf("%w: unexpected %s", ErrProtocolViolation, exit.Reason)
	}
	return exit, d, nil
}

// Run resets the vCPU and steps it until a terminal exit, reporting every
// dispatch decision and failure to obs. It returns the terminal exit, or
// the error that ended the loop. This is the whole job of one execution
// context.
func (c *VCPU) Run(obs Observer) (Exit, error) {
	if obs == nil {
		obs = nopObserver
	}

	if err := c.vm.enter(); err != nil {
		obs.Observe(Event{VCPU: c.id, Disposition: Terminate, Err: err})
		return Exit{}, err
	}
	defer c.vm.leave()

	if err := c.reset(); err != nil {
		obs.Observe(Event{VCPU: c.id, Disposition: Terminate, Err: err})
		c.log.WithError(err).Error("reset failed")
		return Exit{}, err
	}

	for {
		exit, d, err := c.step()

		ev := Event{VCPU: c.id, Exit: exit, Disposition: d, Err: err}
		if exit.Kind == ExitKindDebug || exit.Kind == ExitKindOther {
			if _, text, ierr := c.Instruction(); ierr == nil {
				ev.Instruction = text
			}
		}
		obs.Observe(ev)

		if err != nil {
			c.logFailure(err)
			return exit, err
		}
		if d == Terminate {
			return exit, nil
		}
	}
}

func (c *VCPU) logFailure(err error) {
	c.log.WithError(err).Error("vcpu stopped")

	regs, rerr := c.GetRegisters()
	if rerr != nil {
		return
	}
	c.log.Debugf("registers at failure:\n%s", spew.Sdump(regs))
}
