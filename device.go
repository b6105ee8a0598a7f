package usbcat

import (
	"errors"
	"fmt"
	"time"
)

// ErrDeviceNotFound is returned by Context.Open when no attached device
// matches the requested vendor and product ids.
var ErrDeviceNotFound = errors.New("usbcat: device not found")

// TransferStatus is the completion status of one bulk transfer, mirroring the
// libusb transfer status set.
type TransferStatus int

const (
	TransferCompleted TransferStatus = iota
	TransferError
	TransferTimedOut
	TransferCancelled
	TransferStall
	TransferNoDevice
	TransferOverflow
)

func (s TransferStatus) String() string {
	switch s {
	case TransferCompleted:
		return "completed"
	case TransferError:
		return "error"
	case TransferTimedOut:
		return "timed out"
	case TransferCancelled:
		return "cancelled"
	case TransferStall:
		return "endpoint stalled"
	case TransferNoDevice:
		return "device disconnected"
	case TransferOverflow:
		return "buffer overflow"
	}
	return fmt.Sprintf("status %d", int(s))
}

// Completion is the event produced for every submitted transfer, exactly once
// per submission, dispatched synchronously from within Device.HandleEvents.
type Completion struct {
	Transfer     Transfer
	Status       TransferStatus
	ActualLength int
}

// Transfer is an asynchronous bulk request bound to one fixed buffer. The
// device layer borrows the buffer only for the duration of one submission and
// holds no reference to it after the completion event has been delivered.
type Transfer interface {
	// Buffer returns the byte region bound to this transfer for the life
	// of the process.
	Buffer() []byte
	// Submit queues Buffer()[:length] on the bound endpoint. The direction
	// bit of the endpoint decides whether the bytes move to or from the
	// device.
	Submit(length int) error
	// Resubmit requeues the transfer unchanged, with the same length as
	// the previous Submit. Used to retry timed-out transfers.
	Resubmit() error
}

// PollFD is one readiness descriptor exposed by the device layer, to be
// merged into the event loop's poll set.
type PollFD struct {
	FD     int32
	Events int16
}

// Device is one opened and claimable USB device. All methods are driven from
// the single event-loop thread; HandleEvents dispatches pending completion
// events before returning and never blocks.
type Device interface {
	ClaimInterface(number int) error
	ReleaseInterface(number int) error
	// DetachKernelDriver unbinds a kernel driver from the interface so it
	// can be claimed. Callers treat failure as best-effort.
	DetachKernelDriver(number int) error

	// AllocTransfer allocates a transfer of the given buffer size bound to
	// endpoint. done receives the completion event of every submission.
	// A zero timeout means the transfer never times out.
	AllocTransfer(endpoint, size int, timeout time.Duration, done func(Completion)) (Transfer, error)

	// PollFDs returns the descriptors to poll on behalf of the device
	// layer. The set must be re-fetched whenever PollFDsChanged reports
	// true.
	PollFDs() ([]PollFD, error)
	PollFDsChanged() bool

	// HandleEvents processes any device events that are currently ready
	// and dispatches their completion callbacks. Zero-wait.
	HandleEvents() error

	Close() error
}
