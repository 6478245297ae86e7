// Package slottable implements the fixed-capacity registry of in-flight DNS
// queries keyed by DNS transaction ID.
//
// A [SlotTable] is not safe for concurrent use on its own; per spec, callers
// serialize access to it using the owning shard's mutex (see package shard).
// This mirrors the teacher's connlimiter package, where the counter type is a
// bare, unsynchronized structure and the mutex lives one level up, in
// Limiter.
package slottable

import (
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
)

// NumSlots is the fixed size of a [SlotTable], equal to the number of
// possible 16-bit DNS transaction IDs.
const NumSlots = 1 << 16

// ErrExhausted is returned by [SlotTable.Reserve] when every slot is
// currently outstanding.
const ErrExhausted errors.Error = "slot table exhausted"

// ErrUnexpected is returned by [SlotTable.Complete] when the given ID does
// not name a currently-outstanding slot sent on the given socket.
const ErrUnexpected errors.Error = "unexpected response"

// nilLink marks the absence of a list neighbor.  IDs are uint16, so int32 has
// room for a sentinel outside the valid range.
const nilLink int32 = -1

// SocketRef identifies the [socket] a query was sent on.  It carries a
// generation counter so that a response cannot be matched against a TCP
// socket that has since been closed and reopened for a new connection — see
// spec.md §9, "Cyclic back-reference slot ↔ socket".
type SocketRef struct {
	Index      int
	Generation uint32
}

// querySlot is one entry of the fixed array, indexed by DNS transaction ID.
type querySlot struct {
	// timestamp is the send time, in microseconds from [clock.Clock]. It is
	// [clock.Forever] while the slot is reserved but not yet committed.
	timestamp int64

	sock SocketRef
	note string

	prev, next int32
	outstanding bool
}

// SlotTable is the fixed array of 65536 per-ID slots, partitioned between an
// "outstanding" list (FIFO by send time, newest at the head) and an "unused"
// list.
type SlotTable struct {
	slots [NumSlots]querySlot

	outstandingHead, outstandingTail int32
	unusedHead, unusedTail           int32

	numOutstanding int
}

// New returns a [SlotTable] with every slot initially unused.
func New() (t *SlotTable) {
	t = &SlotTable{
		outstandingHead: nilLink,
		outstandingTail: nilLink,
	}

	for i := range t.slots {
		t.slots[i].prev = int32(i - 1)
		t.slots[i].next = int32(i + 1)
	}

	t.slots[0].prev = nilLink
	t.slots[NumSlots-1].next = nilLink
	t.unusedHead = 0
	t.unusedTail = NumSlots - 1

	return t
}

// NumOutstanding returns the number of slots currently on the outstanding
// list.
func (t *SlotTable) NumOutstanding() (n int) { return t.numOutstanding }

// Reserve removes the head of unused, appends it to the head of outstanding,
// and sets its timestamp to [clock.Forever] pending [SlotTable.Commit]. The
// DNS transaction ID to use for the query is the returned id.
func (t *SlotTable) Reserve(forever int64) (id uint16, err error) {
	if t.unusedHead == nilLink {
		return 0, ErrExhausted
	}

	id = uint16(t.unusedHead)
	t.unlink(int32(id))

	t.pushOutstandingHead(int32(id))
	t.slots[id].timestamp = forever
	t.slots[id].outstanding = true
	t.numOutstanding++

	return id, nil
}

// Commit sets the send time, socket reference, and optional verbose note on
// a reserved slot.
func (t *SlotTable) Commit(id uint16, sendTime int64, sock SocketRef, note string) {
	s := &t.slots[id]
	s.timestamp = sendTime
	s.sock = sock
	s.note = note
}

// Note returns the verbose-logging descriptive text attached to slot id by
// [SlotTable.Commit], if the slot is still outstanding.
func (t *SlotTable) Note(id uint16) (note string) {
	return t.slots[id].note
}

// Complete matches a response's DNS ID against the outstanding slot for it.
// The response is accepted only if the slot is outstanding, has a finite
// timestamp (i.e. was actually sent, not merely reserved), and was sent on
// the same socket (same index and generation) the response arrived on —
// this rejects responses meant for a query whose slot has since been
// reassigned, or that arrived after a TCP socket was closed and reopened.
//
// On success the slot moves to the tail of unused and its prior send
// timestamp is returned so the caller can compute latency.
func (t *SlotTable) Complete(id uint16, sock SocketRef, forever int64) (sendTime int64, err error) {
	s := &t.slots[id]
	if !s.outstanding || s.timestamp == forever || s.sock != sock {
		return 0, fmt.Errorf("id %d: %w", id, ErrUnexpected)
	}

	sendTime = s.timestamp
	t.release(int32(id))

	return sendTime, nil
}

// Release returns a reserved-or-sent slot to unused without treating it as a
// matched response. Used by the sender to abandon a slot it reserved but
// never delivered (malformed input, end of input) or that it sent but then
// failed to deliver (a fatal socket write). The caller must be the sole
// owner of id between Reserve and Release/Commit/Complete — true for the
// sender, which is the only goroutine that reserves slots.
func (t *SlotTable) Release(id uint16) {
	t.release(int32(id))
}

// ExpireOlderThan scans the tail of outstanding — the oldest entries, since
// insertion is always at the head — moving every slot whose deadline
// (timestamp+timeout) is at or before now to unused. fn is called once per
// expired slot, in oldest-first order, before the scan stops at the first
// slot that has not yet expired.
func (t *SlotTable) ExpireOlderThan(now, timeout int64, fn func(id uint16, sock SocketRef)) {
	for cur := t.outstandingTail; cur != nilLink; {
		s := &t.slots[cur]
		if s.timestamp+timeout > now {
			return
		}

		id := uint16(cur)
		cur = s.prev
		sock := s.sock
		t.release(int32(id))
		fn(id, sock)
	}
}

// CancelAll drains every outstanding slot into unused, calling fn once per
// drained slot. Used on interrupt.
func (t *SlotTable) CancelAll(fn func(id uint16, sock SocketRef)) {
	for cur := t.outstandingHead; cur != nilLink; {
		id := uint16(cur)
		cur = t.slots[cur].next
		sock := t.slots[id].sock
		t.release(int32(id))
		fn(id, sock)
	}
}

// release unlinks id from outstanding and appends it to the tail of unused.
// Callers must ensure id is currently on outstanding.
func (t *SlotTable) release(id int32) {
	t.unlink(id)
	t.slots[id].outstanding = false
	t.slots[id].note = ""
	t.numOutstanding--
	t.pushUnusedTail(id)
}

func (t *SlotTable) unlink(id int32) {
	s := &t.slots[id]
	prev, next := s.prev, s.next

	if prev != nilLink {
		t.slots[prev].next = next
	} else if t.outstandingHead == id {
		t.outstandingHead = next
	} else if t.unusedHead == id {
		t.unusedHead = next
	}

	if next != nilLink {
		t.slots[next].prev = prev
	} else if t.outstandingTail == id {
		t.outstandingTail = prev
	} else if t.unusedTail == id {
		t.unusedTail = prev
	}

	s.prev, s.next = nilLink, nilLink
}

func (t *SlotTable) pushOutstandingHead(id int32) {
	s := &t.slots[id]
	s.prev = nilLink
	s.next = t.outstandingHead

	if t.outstandingHead != nilLink {
		t.slots[t.outstandingHead].prev = id
	} else {
		t.outstandingTail = id
	}

	t.outstandingHead = id
}

func (t *SlotTable) pushUnusedTail(id int32) {
	s := &t.slots[id]
	s.next = nilLink
	s.prev = t.unusedTail

	if t.unusedTail != nilLink {
		t.slots[t.unusedTail].next = id
	} else {
		t.unusedHead = id
	}

	t.unusedTail = id
}
