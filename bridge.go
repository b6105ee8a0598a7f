package usbcat

import (
	"fmt"
	"io"
	"time"

	"github.com/zhihanii/zlog"
	"golang.org/x/sys/unix"
)

const (
	defaultTransferSize = 512
	defaultQueueDepth   = 2
)

// Config describes one bridge. A negative endpoint number disables that
// direction; at least one direction must be enabled.
type Config struct {
	// ReadEndpoint is the IN endpoint (bit 7 set) drained to stdout.
	ReadEndpoint int
	// WriteEndpoint is the OUT endpoint fed from stdin.
	WriteEndpoint int

	// TransferSize is the capacity of every transfer buffer. Default 512.
	TransferSize int
	// QueueDepth is the slot count per direction, of which one less than
	// QueueDepth are usable at once. Minimum and default 2.
	QueueDepth int
	// ReadChunk caps how many bytes one stdin readiness event reads into a
	// transfer buffer. Defaults to TransferSize, the full buffer.
	ReadChunk int
	// TransferTimeout applies to every submitted transfer; zero means
	// transfers never time out. Timed-out transfers are resubmitted
	// unchanged.
	TransferTimeout time.Duration
}

// TransferFailedError reports a transfer completion with an unrecoverable
// status.
type TransferFailedError struct {
	Endpoint int
	Status   TransferStatus
}

func (e *TransferFailedError) Error() string {
	return fmt.Sprintf("bulk transfer failed on endpoint %#02x: %s", e.Endpoint, e.Status)
}

// Bridge couples stdin/stdout with the bulk endpoints of one device. It is
// single-threaded and readiness-driven: the only suspension point is the
// poll call in Run, and device completion events dispatch synchronously from
// within Device.HandleEvents on the same thread, so no queue state is ever
// touched concurrently.
type Bridge struct {
	dev Device
	cfg Config

	in  Stream
	out Stream

	// wq moves stdin bytes into outbound transfers, rq moves inbound
	// completions to stdout. Either may be nil for a one-directional
	// bridge.
	wq *bufferQueue
	rq *bufferQueue

	pollfds   []unix.PollFd
	stdinIdx  int
	stdoutIdx int
	usbIdx    int
}

// NewBridge allocates the transfer queues for the directions cfg enables.
// The inbound pipeline is primed and the poll set is built when Run starts.
func NewBridge(dev Device, in, out Stream, cfg Config) (*Bridge, error) {
	if cfg.TransferSize <= 0 {
		cfg.TransferSize = defaultTransferSize
	}
	if cfg.QueueDepth < 2 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.ReadChunk <= 0 || cfg.ReadChunk > cfg.TransferSize {
		cfg.ReadChunk = cfg.TransferSize
	}
	if cfg.ReadEndpoint < 0 && cfg.WriteEndpoint < 0 {
		return nil, fmt.Errorf("no endpoints configured")
	}

	b := &Bridge{dev: dev, cfg: cfg, in: in, out: out}

	if cfg.WriteEndpoint >= 0 {
		b.wq = newBufferQueue(cfg.QueueDepth, cfg.WriteEndpoint)
		b.wq.mask = unix.POLLIN
		if err := b.allocSlots(b.wq, b.onWriteComplete); err != nil {
			return nil, err
		}
	}
	if cfg.ReadEndpoint >= 0 {
		b.rq = newBufferQueue(cfg.QueueDepth, cfg.ReadEndpoint)
		b.rq.mask = unix.POLLOUT
		if err := b.allocSlots(b.rq, b.onReadComplete); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *Bridge) allocSlots(q *bufferQueue, done func(Completion)) error {
	for i := range q.slots {
		xfer, err := b.dev.AllocTransfer(q.endpoint, b.cfg.TransferSize, b.cfg.TransferTimeout, done)
		if err != nil {
			return fmt.Errorf("allocate transfer for endpoint %#02x: %w", q.endpoint, err)
		}
		q.slots[i] = queueSlot{buf: xfer.Buffer(), xfer: xfer}
	}
	return nil
}

// Run drives the bridge until a fatal condition or until stdin has reported
// end of input and every outbound transfer has completed. Outstanding
// inbound transfers are not waited for; they are abandoned when the caller
// exits.
func (b *Bridge) Run() error {
	if b.rq != nil {
		if err := b.primeRead(); err != nil {
			return err
		}
	}
	if err := b.rebuildPollSet(); err != nil {
		return err
	}

	for b.running() {
		n, err := unix.Poll(b.pollfds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}
		if n <= 0 {
			continue
		}
		if err := b.dispatch(); err != nil {
			return err
		}
		if b.dev.PollFDsChanged() {
			if err := b.rebuildPollSet(); err != nil {
				return err
			}
		}
	}
	return b.failure()
}

func (b *Bridge) running() bool {
	if b.wq != nil && (b.wq.failure != nil || b.wq.shutdown && b.wq.empty()) {
		return false
	}
	if b.rq != nil && b.rq.failure != nil {
		return false
	}
	return true
}

func (b *Bridge) failure() error {
	if b.wq != nil && b.wq.failure != nil {
		return b.wq.failure
	}
	if b.rq != nil && b.rq.failure != nil {
		return b.rq.failure
	}
	return nil
}

// primeRead pre-submits one inbound transfer per usable slot so the pipeline
// is filled before the first poll. In-flight inbound transfers ride with the
// device, not with any cell; cells hold payloads only once a completion
// parks one.
func (b *Bridge) primeRead() error {
	for i := 0; i != len(b.rq.slots)-1; i++ {
		slot := &b.rq.slots[i]
		if err := slot.xfer.Submit(len(slot.buf)); err != nil {
			return fmt.Errorf("submit bulk IN transfer: %w", err)
		}
	}
	return nil
}

// rebuildPollSet lays out the poll entries as stdin, stdout, then every
// device descriptor, and points each queue at its registration entry. The
// interest bits are derived from queue state so a rebuild mid-run keeps the
// current registrations.
func (b *Bridge) rebuildPollSet() error {
	usbfds, err := b.dev.PollFDs()
	if err != nil {
		return fmt.Errorf("fetch device poll descriptors: %w", err)
	}

	fds := make([]unix.PollFd, 0, 2+len(usbfds))
	b.stdinIdx, b.stdoutIdx = -1, -1
	if b.wq != nil {
		b.stdinIdx = len(fds)
		b.wq.fd = int32(b.in.Fd())
		// A negative fd drops the entry from the poll set; POLLHUP would
		// otherwise keep firing on a closed stdin with no interest bits.
		fd, events := b.wq.fd, int16(unix.POLLHUP|unix.POLLERR)
		if b.wq.shutdown {
			fd, events = -1, 0
		} else if !b.wq.full() {
			events |= unix.POLLIN
		}
		fds = append(fds, unix.PollFd{Fd: fd, Events: events})
	}
	if b.rq != nil {
		b.stdoutIdx = len(fds)
		b.rq.fd = int32(b.out.Fd())
		// No stdout interest until a completed transfer is waiting.
		events := int16(unix.POLLHUP | unix.POLLERR)
		if !b.rq.empty() {
			events |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: b.rq.fd, Events: events})
	}
	b.usbIdx = len(fds)
	for _, u := range usbfds {
		fds = append(fds, unix.PollFd{Fd: u.FD, Events: u.Events})
	}

	b.pollfds = fds
	if b.wq != nil {
		b.wq.reg = &b.pollfds[b.stdinIdx]
	}
	if b.rq != nil {
		b.rq.reg = &b.pollfds[b.stdoutIdx]
	}
	return nil
}

func (b *Bridge) dispatch() error {
	for i := range b.pollfds {
		pfd := &b.pollfds[i]
		if pfd.Revents == 0 {
			continue
		}
		switch {
		case i == b.stdinIdx:
			switch {
			case pfd.Revents&unix.POLLIN != 0:
				if err := b.handleStdin(); err != nil {
					return err
				}
			case pfd.Revents&(unix.POLLHUP|unix.POLLERR) == 0 || b.wq.shutdown:
			case b.wq.full():
				// Hangup with every slot in flight: park the entry until
				// a completion frees a slot and restores it, otherwise
				// POLLHUP keeps waking the loop.
				pfd.Fd = -1
			default:
				// The writer went away but buffered input may remain;
				// keep reading until the read itself reports the end.
				if err := b.handleStdin(); err != nil {
					return err
				}
			}
		case i == b.stdoutIdx:
			if pfd.Revents&unix.POLLOUT != 0 {
				if err := b.handleStdout(); err != nil {
					return err
				}
			} else if pfd.Revents&(unix.POLLHUP|unix.POLLERR) != 0 {
				return fmt.Errorf("write output: %w", unix.EPIPE)
			}
		default:
			// A device descriptor. One zero-wait call dispatches every
			// pending completion; the device entries are last, so the
			// sweep is done.
			if err := b.dev.HandleEvents(); err != nil {
				return fmt.Errorf("handle device events: %w", err)
			}
			return nil
		}
	}
	return nil
}

// handleStdin moves one chunk of input into the head slot and submits it as
// an outbound transfer. stdin interest is deasserted whenever the queue
// fills, so readiness implies a free slot.
func (b *Bridge) handleStdin() error {
	q := b.wq
	slot := q.popFree()
	if slot == nil {
		q.clearInterest()
		return nil
	}

	n, err := b.in.Read(slot.buf[:b.cfg.ReadChunk])
	switch {
	case err == unix.EINTR || err == unix.EAGAIN:
		return nil
	case err != nil && err != io.EOF:
		return fmt.Errorf("read input: %w", err)
	case n == 0:
		b.shutdownWrite()
		return nil
	}

	if err := slot.xfer.Submit(n); err != nil {
		return fmt.Errorf("submit bulk OUT transfer: %w", err)
	}
	slot.status = slotInFlight
	q.advanceHead()
	if q.full() {
		q.clearInterest()
	}
	return nil
}

// shutdownWrite records end of input. In-flight outbound transfers still
// drain before Run returns.
func (b *Bridge) shutdownWrite() {
	q := b.wq
	if q.shutdown {
		return
	}
	q.shutdown = true
	if q.reg != nil {
		// Drop stdin from the poll set entirely so a lingering POLLHUP
		// cannot spin the loop while outbound transfers drain.
		q.reg.Fd = -1
		q.reg.Events = 0
	}
	if !q.empty() {
		zlog.Infof("end of input, draining outbound transfers")
	}
}

// handleStdout writes the unwritten remainder of the oldest completed
// inbound transfer. A fully drained buffer goes straight back to the device.
func (b *Bridge) handleStdout() error {
	q := b.rq
	if q.empty() {
		q.clearInterest()
		return nil
	}
	slot := q.tailSlot()
	if slot.status != slotReady {
		return fmt.Errorf("inbound queue out of step: slot %d occupied but not ready", q.tail)
	}

	n, err := b.out.Write(slot.buf[q.drainPos:q.drainLen])
	if err == unix.EINTR || err == unix.EAGAIN {
		return nil
	}
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	q.drainPos += n
	if q.drainPos < q.drainLen {
		return nil
	}

	if err := slot.xfer.Submit(len(slot.buf)); err != nil {
		return fmt.Errorf("submit bulk IN transfer: %w", err)
	}
	q.pushFree()
	if q.empty() {
		q.clearInterest()
	} else {
		q.drainPos, q.drainLen = 0, q.tailSlot().n
	}
	return nil
}

// onWriteComplete retires one outbound transfer. A resubmitted timed-out
// transfer completes behind later submissions, so the completing transfer is
// not necessarily the one the tail cell carried; the freed cell gets the
// completing transfer parked in it so handleStdin only ever hands out idle
// transfers.
func (b *Bridge) onWriteComplete(c Completion) {
	q := b.wq
	switch c.Status {
	case TransferCompleted:
		wasFull := q.full()
		freed := q.pushFree()
		freed.xfer = c.Transfer
		freed.buf = c.Transfer.Buffer()
		if wasFull && !q.shutdown {
			q.setInterest()
		}
	case TransferTimedOut:
		if err := c.Transfer.Resubmit(); err != nil {
			q.failure = fmt.Errorf("resubmit timed-out transfer: %w", err)
		}
	default:
		q.failure = &TransferFailedError{Endpoint: q.endpoint, Status: c.Status}
	}
}

// onReadComplete parks the completing transfer and its payload at the head
// cell. Cells fill in completion order, not submission order, and stdout
// drains them oldest first, so output follows the order data arrived from
// the device even when a timeout resubmit reordered the device queue.
func (b *Bridge) onReadComplete(c Completion) {
	q := b.rq
	switch c.Status {
	case TransferCompleted:
		slot := &q.slots[q.head]
		if slot.status != slotFree {
			q.failure = fmt.Errorf("inbound queue out of step: head slot %d not free", q.head)
			return
		}
		slot.xfer = c.Transfer
		slot.buf = c.Transfer.Buffer()
		slot.n = c.ActualLength
		slot.status = slotReady
		wasEmpty := q.empty()
		q.advanceHead()
		if wasEmpty {
			q.setInterest()
			q.drainPos, q.drainLen = 0, slot.n
		}
	case TransferTimedOut:
		if err := c.Transfer.Resubmit(); err != nil {
			q.failure = fmt.Errorf("resubmit timed-out transfer: %w", err)
		}
	default:
		q.failure = &TransferFailedError{Endpoint: q.endpoint, Status: c.Status}
	}
}
