package usbcat

import (
	"golang.org/x/sys/unix"
)

type slotStatus uint8

const (
	slotFree slotStatus = iota
	slotInFlight
	slotReady
)

// queueSlot carries one transfer handle and a view of its buffer. The
// binding is rebound at every completion: a timed-out transfer is
// resubmitted and re-enters the device queue behind later submissions, so
// completions do not arrive in ring order, and each one is parked into the
// cell it frees (or fills) rather than matched to a cell by position.
type queueSlot struct {
	buf    []byte
	xfer   Transfer
	status slotStatus
	// n is the payload length attached to a Ready slot (actual length of
	// the completed inbound transfer).
	n int
}

// bufferQueue is a fixed-depth circular queue of transfer slots, one instance
// per direction. head produces, tail consumes; the occupied region is
// [tail, head). The buffer is one slot larger than its usable capacity so
// head == tail unambiguously means empty and (head+1)%len == tail means full.
// At most len-1 transfers are ever outstanding or pending-drain at once,
// which is the flow-control bound of the whole bridge.
//
// No locking: the queue is touched only from the event-loop thread, and
// completion callbacks dispatch synchronously within that thread's call into
// Device.HandleEvents.
type bufferQueue struct {
	slots []queueSlot
	head  int
	tail  int

	// endpoint this queue serves.
	endpoint int

	// reg points at the pollfd entry of the stream this queue feeds or
	// drains; mask is the readiness bit toggled on it (POLLIN for stdin,
	// POLLOUT for stdout). fd is the stream's descriptor, kept here so a
	// parked entry (negative fd) can be restored.
	reg  *unix.PollFd
	mask int16
	fd   int32

	// shutdown is set when stdin reports end of input (write direction
	// only).
	shutdown bool
	// failure records the first unrecoverable condition; it terminates the
	// event loop on its next check.
	failure error

	// Drain cursor into the Ready slot currently being written to stdout
	// (read direction only).
	drainPos int
	drainLen int
}

func newBufferQueue(depth, endpoint int) *bufferQueue {
	return &bufferQueue{
		slots:    make([]queueSlot, depth),
		endpoint: endpoint,
	}
}

func (q *bufferQueue) empty() bool {
	return q.head == q.tail
}

func (q *bufferQueue) full() bool {
	return (q.head+1)%len(q.slots) == q.tail
}

// popFree hands out the free slot at the head, or nil if the queue is full.
// The caller advances the head by submitting the slot. The head slot of a
// non-full queue is always in the free region, so its status must read
// slotFree here.
func (q *bufferQueue) popFree() *queueSlot {
	if q.full() || q.slots[q.head].status != slotFree {
		return nil
	}
	return &q.slots[q.head]
}

// advanceHead commits the head slot into the occupied region.
func (q *bufferQueue) advanceHead() {
	q.head = (q.head + 1) % len(q.slots)
}

// pushFree returns the tail slot to the free region after its contents have
// been consumed, and hands the freed slot back so the caller can park an
// idle transfer in it.
func (q *bufferQueue) pushFree() *queueSlot {
	s := &q.slots[q.tail]
	s.status = slotFree
	q.tail = (q.tail + 1) % len(q.slots)
	return s
}

// tailSlot is the oldest occupied slot, the next one to be consumed.
func (q *bufferQueue) tailSlot() *queueSlot {
	return &q.slots[q.tail]
}

func (q *bufferQueue) setInterest() {
	if q.reg != nil {
		q.reg.Fd = q.fd
		q.reg.Events |= q.mask
	}
}

func (q *bufferQueue) clearInterest() {
	if q.reg != nil {
		q.reg.Events &^= q.mask
	}
}
