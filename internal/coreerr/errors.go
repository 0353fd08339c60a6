// Package coreerr defines the error taxonomy shared by every subsystem.
//
// Config and model-load errors are fatal at init. Resource and device
// errors are recoverable: the scheduler decides whether to preempt,
// retry, or fail the offending sequence. Protocol errors are specific
// to the speculative draft/verify pipeline.
package coreerr

import "errors"

// ErrOutOfBlocks is returned by the block pool/manager when no free
// block is available to satisfy an allocation request.
var ErrOutOfBlocks = errors.New("resource: out of KV cache blocks")

// ErrConfig wraps a bad configuration value discovered at construction
// time (block size, device list, unsupported dtype).
type ErrConfig struct {
	Msg string
}

func (e *ErrConfig) Error() string { return "config: " + e.Msg }

// ErrModelLoad reports a fatal failure while initializing or loading a
// model on a worker.
type ErrModelLoad struct {
	Msg string
}

func (e *ErrModelLoad) Error() string { return "model load: " + e.Msg }

// ErrDevice reports a failure on a specific device during a forward,
// sample, or validate op (OOM, kernel error). The continuous scheduler
// returns it from Tick without retrying; the speculative scheduler keeps
// the affected sequence running and retries it on every following tick,
// with no retry limit and no degraded-engine state.
type ErrDevice struct {
	Device string
	Msg    string
}

func (e *ErrDevice) Error() string { return "device(" + e.Device + "): " + e.Msg }

// ErrProtocol reports a draft/verify disagreement in the speculative
// pipeline (sequence identity or position mismatch between engines).
// It is fatal to the tick; affected sequences are re-prefilled.
type ErrProtocol struct {
	Msg string
}

func (e *ErrProtocol) Error() string { return "protocol: " + e.Msg }

// IsRecoverable reports whether err should trigger preemption/retry
// rather than terminating the offending sequence outright.
func IsRecoverable(err error) bool {
	if errors.Is(err, ErrOutOfBlocks) {
		return true
	}
	var devErr *ErrDevice
	return errors.As(err, &devErr)
}
