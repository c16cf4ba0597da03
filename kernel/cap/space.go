// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cap

import (
	"fmt"

	"github.com/usbarmory/GoSK/kernel/abi"
)

// Ref addresses a capability slot as (process id, table index).
type Ref struct {
	PID   uint16
	Index uint16
}

// NoRef is the null derivation link.
var NoRef = Ref{0xffff, 0xffff}

func (r Ref) String() string {
	if r == NoRef {
		return "-"
	}

	return fmt.Sprintf("%d:%d", r.PID, r.Index)
}

// Observer is notified of slots cleared by Delete or Revoke and of
// capabilities relocated by Move.
type Observer interface {
	Cleared(r Ref, c Capability)
	Moved(src Ref, dst Ref, c Capability)
}

type slot struct {
	cap    Capability
	parent Ref
	child  Ref
	prev   Ref
	next   Ref
}

// Space holds the capability tables of all processes, allocated once, and
// the derivation forest threaded through them.
//
// Space performs no locking, callers serialize mutations.
type Space struct {
	procs int
	caps  int
	slots []slot

	// Observer, when set, receives slot removal and relocation events.
	Observer Observer
}

// NewSpace allocates capability tables of caps slots for procs processes.
func NewSpace(procs, caps int) *Space {
	s := &Space{
		procs: procs,
		caps:  caps,
		slots: make([]slot, procs*caps),
	}

	for i := range s.slots {
		s.slots[i] = emptySlot()
	}

	return s
}

func emptySlot() slot {
	return slot{parent: NoRef, child: NoRef, prev: NoRef, next: NoRef}
}

// Procs returns the number of capability tables.
func (s *Space) Procs() int {
	return s.procs
}

// Caps returns the number of slots per table.
func (s *Space) Caps() int {
	return s.caps
}

// Valid returns whether r addresses an existing slot.
func (s *Space) Valid(r Ref) bool {
	return int(r.PID) < s.procs && int(r.Index) < s.caps
}

func (s *Space) at(r Ref) *slot {
	if !s.Valid(r) {
		panic(fmt.Sprintf("invalid capability reference %v", r))
	}

	return &s.slots[int(r.PID)*s.caps+int(r.Index)]
}

// Read returns the capability stored at r, Empty if none.
func (s *Space) Read(r Ref) Capability {
	return s.at(r).cap
}

// Parent returns the slot r was derived from, NoRef for roots.
func (s *Space) Parent(r Ref) Ref {
	return s.at(r).parent
}

// Children returns the slots directly derived from r, most recent first.
func (s *Space) Children(r Ref) (children []Ref) {
	for c := s.at(r).child; c != NoRef; c = s.at(c).next {
		children = append(children, c)
	}

	return
}

// Walk visits r and its descendants in depth first order.
func (s *Space) Walk(r Ref, fn func(r Ref, c Capability, depth int)) {
	s.walk(r, 0, fn)
}

func (s *Space) walk(r Ref, depth int, fn func(Ref, Capability, int)) {
	sl := s.at(r)

	if sl.cap.IsEmpty() {
		return
	}

	fn(r, sl.cap, depth)

	for c := sl.child; c != NoRef; c = s.at(c).next {
		s.walk(c, depth+1, fn)
	}
}

// Install stores a root capability, with no parent, in an empty slot.
func (s *Space) Install(r Ref, c Capability) error {
	sl := s.at(r)

	if !sl.cap.IsEmpty() {
		return abi.CapCollision
	}

	if c.IsEmpty() {
		return abi.CapEmpty
	}

	*sl = emptySlot()
	sl.cap = c

	return nil
}

// Derive stores c in the empty slot dst as a child of src, c must be a
// narrowing of src. Time capabilities must not overlap the Time capabilities
// already derived from src.
func (s *Space) Derive(src Ref, dst Ref, c Capability) (err error) {
	if err = CanDerive(s.at(src).cap, c); err != nil {
		return
	}

	return s.insert(src, dst, c)
}

// Grant stores a copy of src in the empty slot dst as its child.
func (s *Space) Grant(src Ref, dst Ref) error {
	c := s.at(src).cap

	if c.IsEmpty() {
		return abi.CapEmpty
	}

	return s.insert(src, dst, c)
}

func (s *Space) insert(src Ref, dst Ref, c Capability) error {
	parent := s.at(src)
	sl := s.at(dst)

	if !sl.cap.IsEmpty() {
		return abi.CapCollision
	}

	if c.Kind == Time {
		for r := parent.child; r != NoRef; r = s.at(r).next {
			sib := s.at(r).cap

			if sib.Kind == Time && sib.Hart == c.Hart && sib.overlaps(c) {
				return abi.CapIllegalDerivation
			}
		}
	}

	sl.cap = c
	sl.parent = src
	sl.child = NoRef
	sl.prev = NoRef
	sl.next = parent.child

	if sl.next != NoRef {
		s.at(sl.next).prev = dst
	}

	parent.child = dst

	return nil
}

func (s *Space) unlink(r Ref) {
	sl := s.at(r)

	if sl.prev != NoRef {
		s.at(sl.prev).next = sl.next
	} else if sl.parent != NoRef {
		s.at(sl.parent).child = sl.next
	}

	if sl.next != NoRef {
		s.at(sl.next).prev = sl.prev
	}
}

func (s *Space) clear(r Ref) {
	c := s.at(r).cap

	s.unlink(r)
	*s.at(r) = emptySlot()

	if s.Observer != nil {
		s.Observer.Cleared(r, c)
	}
}

// Delete clears the capability at r, which must have no children.
func (s *Space) Delete(r Ref) error {
	sl := s.at(r)

	if sl.cap.IsEmpty() {
		return abi.CapEmpty
	}

	if sl.child != NoRef {
		return abi.CapNotLeaf
	}

	s.clear(r)

	return nil
}

// Revoke clears every descendant of r, leaving r in place.
func (s *Space) Revoke(r Ref) error {
	sl := s.at(r)

	if sl.cap.IsEmpty() {
		return abi.CapEmpty
	}

	for sl.child != NoRef {
		leaf := sl.child

		for s.at(leaf).child != NoRef {
			leaf = s.at(leaf).child
		}

		s.clear(leaf)
	}

	return nil
}

// Move relocates the capability at src to the empty slot dst, keeping its
// position in the derivation forest.
func (s *Space) Move(src Ref, dst Ref) error {
	if src == dst {
		if s.at(src).cap.IsEmpty() {
			return abi.CapEmpty
		}

		return nil
	}

	from := s.at(src)
	to := s.at(dst)

	if from.cap.IsEmpty() {
		return abi.CapEmpty
	}

	if !to.cap.IsEmpty() {
		return abi.CapCollision
	}

	*to = *from
	*from = emptySlot()

	if to.prev != NoRef {
		s.at(to.prev).next = dst
	} else if to.parent != NoRef {
		s.at(to.parent).child = dst
	}

	if to.next != NoRef {
		s.at(to.next).prev = dst
	}

	for c := to.child; c != NoRef; c = s.at(c).next {
		s.at(c).parent = dst
	}

	if s.Observer != nil {
		s.Observer.Moved(src, dst, to.cap)
	}

	return nil
}

// Cover returns the deepest Time capability in the subtree rooted at r
// covering the given hart slot. Time capabilities derived from a common
// parent never overlap, so at most one child covers the slot at each level.
func (s *Space) Cover(r Ref, hart uint64, slot uint64) (Ref, bool) {
	c := s.at(r).cap

	if c.Kind != Time || c.Hart != hart || !c.Contains(slot) {
		return NoRef, false
	}

descend:
	for {
		for ch := s.at(r).child; ch != NoRef; ch = s.at(ch).next {
			c = s.at(ch).cap

			if c.Kind == Time && c.Hart == hart && c.Contains(slot) {
				r = ch
				continue descend
			}
		}

		return r, true
	}
}
