package kvm

import (
	"github.com/sirupsen/logrus"
)

// Event is one dispatch decision or failure of a vCPU.
type Event struct {
	VCPU        int
	Exit        Exit
	Disposition Disposition
	// Instruction is the disassembled instruction at CS:IP, filled in for
	// debug and unrecognized exits when it can be read.
	Instruction string
	// Err is set when the event reports a failure; Exit may then be empty.
	Err error
}

// Observer receives events from every vCPU's execution context. It is
// called concurrently and must not block for long.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

var nopObserver = ObserverFunc(func(Event) {})

// MultiObserver fans events out to each of obs in order.
func MultiObserver(obs ...Observer) Observer {
	return ObserverFunc(func(ev Event) {
		for _, o := range obs {
			o.Observe(ev)
		}
	})
}

// NewLogObserver returns an Observer that logs events to l. Port I/O and
// terminal exits log at info, failures at error, the rest at debug.
func NewLogObserver(l logrus.FieldLogger) Observer {
	return ObserverFunc(func(ev Event) {
		entry := l.WithField("vcpu", ev.VCPU)
		if ev.Exit.Kind != ExitKindNone {
			entry = entry.WithField("exit", ev.Exit.Kind.String())
		}
		if ev.Instruction != "" {
			entry = entry.WithField("inst", ev.Instruction)
		}

		if ev.Err != nil {
			entry.WithError(ev.Err).Error("vcpu failed")
			return
		}

		switch {
		case ev.Exit.IO != nil:
			io := ev.Exit.IO
			entry.WithFields(logrus.Fields{
				"port":      io.Port,
				"direction": io.Direction.String(),
				"size":      io.Size,
				"count":     io.Count,
				"value":     io.Value(),
			}).Info("port io")
		case ev.Exit.MMIO != nil:
			entry.WithFields(logrus.Fields{
				"addr":  ev.Exit.MMIO.PhysAddr,
				"len":   ev.Exit.MMIO.Len,
				"write": ev.Exit.MMIO.IsWrite != 0,
			}).Debug("mmio")
		case ev.Disposition == Terminate:
			entry.Info("vcpu exited")
		default:
			entry.Debug(ev.Exit.String())
		}
	})
}
