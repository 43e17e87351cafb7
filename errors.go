package kvm

import (
	"errors"
	"fmt"
)

// Failure categories. Every error returned by the package that belongs to
// a category matches it with errors.Is, as well as the specific step.
var (
	ErrResourceAcquisition = errors.New("kvm: resource acquisition failed")
	ErrRegisterExchange    = errors.New("kvm: register exchange failed")
	ErrRunRequest          = errors.New("kvm: run request failed")
	ErrProtocolViolation   = errors.New("kvm: protocol violation")
)

// Resource acquisition steps.
var (
	ErrDeviceUnavailable  = errors.New("kvm: device unavailable")
	ErrUnsupportedVersion = errors.New("kvm: unsupported api version")
	ErrVMCreation         = errors.New("kvm: vm creation failed")
	ErrMemoryMap          = errors.New("kvm: guest memory map failed")
	ErrMemoryRegistration = errors.New("kvm: guest memory registration failed")
	ErrVCPUCreation       = errors.New("kvm: vcpu creation failed")
	ErrControlPageMap     = errors.New("kvm: control page map failed")
	ErrThreadSpawnFailed  = errors.New("kvm: execution context could not be started")
)

// Register exchange steps.
var (
	ErrRegisterRead  = errors.New("kvm: register read failed")
	ErrRegisterWrite = errors.New("kvm: register write failed")
)

// Lifecycle and usage errors.
var (
	ErrPrecondition   = errors.New("kvm: precondition violated")
	ErrClosed         = errors.New("kvm: hypervisor closed")
	ErrDestroyed      = errors.New("kvm: vm destroyed")
	ErrVCPUExited     = errors.New("kvm: vcpu exited")
	ErrHandleReleased = errors.New("kvm: handle already released")
	ErrInvalidConfig  = errors.New("kvm: invalid config")
	ErrImageLoad      = errors.New("kvm: guest image load failed")
	ErrImageTooLarge  = errors.New("kvm: guest image larger than guest memory")
)

func acquireErr(step error, err error) error {
	return fmt.Errorf("%w: %w: %w", ErrResourceAcquisition, step, err)
}

func registerErr(step error, err error) error {
	return fmt.Errorf("%w: %w: %w", ErrRegisterExchange, step, err)
}
