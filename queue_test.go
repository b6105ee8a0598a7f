package usbcat

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestQueueEmptyFullDisambiguation(t *testing.T) {
	for depth := 2; depth <= 6; depth++ {
		q := newBufferQueue(depth, 0x02)

		if !q.empty() || q.full() {
			t.Fatalf("depth %d: new queue should be empty and not full", depth)
		}

		occupied := 0
		for q.popFree() != nil {
			q.advanceHead()
			occupied++
			if q.empty() && q.full() {
				t.Fatalf("depth %d: empty and full both true at occupancy %d", depth, occupied)
			}
		}
		if occupied != depth-1 {
			t.Fatalf("depth %d: filled %d slots, want %d", depth, occupied, depth-1)
		}
		if !q.full() {
			t.Fatalf("depth %d: queue with %d occupied slots should be full", depth, occupied)
		}

		for ; occupied > 0; occupied-- {
			q.pushFree()
			if q.full() {
				t.Fatalf("depth %d: still full after freeing a slot", depth)
			}
		}
		if !q.empty() {
			t.Fatalf("depth %d: queue should be empty after draining", depth)
		}
	}
}

func TestQueueSlotRecycling(t *testing.T) {
	const depth = 3
	q := newBufferQueue(depth, 0x02)

	seen := make(map[*queueSlot]int)
	for i := 0; i < depth*4; i++ {
		slot := q.popFree()
		if slot == nil {
			t.Fatalf("cycle %d: queue unexpectedly full", i)
		}
		seen[slot]++
		slot.status = slotInFlight
		q.advanceHead()
		if freed := q.pushFree(); freed != slot || freed.status != slotFree {
			t.Fatalf("cycle %d: pushFree did not return the freed slot reset to free", i)
		}
	}
	if len(seen) != depth {
		t.Fatalf("cycled through %d distinct slots, want %d", len(seen), depth)
	}
	for slot, n := range seen {
		if n != 4 {
			t.Fatalf("slot %p used %d times, want 4", slot, n)
		}
	}
}

func TestQueueStatusGuardsHandout(t *testing.T) {
	q := newBufferQueue(3, 0x02)

	// A head slot whose status disagrees with the ring accounting is never
	// handed out.
	q.slots[q.head].status = slotReady
	if q.popFree() != nil {
		t.Fatal("popFree handed out a slot that is not free")
	}
	q.slots[q.head].status = slotFree
	if q.popFree() == nil {
		t.Fatal("popFree should hand out the free head slot")
	}
}

func TestQueueInterestToggling(t *testing.T) {
	q := newBufferQueue(2, 0x85)
	reg := unix.PollFd{Fd: 1, Events: unix.POLLHUP | unix.POLLERR}
	q.reg, q.mask = &reg, unix.POLLOUT

	q.setInterest()
	if reg.Events&unix.POLLOUT == 0 {
		t.Fatal("setInterest did not assert the interest bit")
	}
	q.clearInterest()
	if reg.Events&unix.POLLOUT != 0 {
		t.Fatal("clearInterest did not deassert the interest bit")
	}
	if reg.Events&(unix.POLLHUP|unix.POLLERR) == 0 {
		t.Fatal("interest toggling clobbered the error bits")
	}

	// A queue without a registration entry tolerates the toggles.
	q.reg = nil
	q.setInterest()
	q.clearInterest()
}
