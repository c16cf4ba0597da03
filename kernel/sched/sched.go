// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sched implements the per-hart cyclic time partition tables.
//
// Each hart owns a table of slots, every entry names the process owning the
// slot or Idle. Entries are individual atomic words: writers (capability
// operations on any hart) update entries one by one while the owning hart
// reads them at every slot boundary without locking.
package sched

import (
	"strings"
	"sync/atomic"
)

// Idle marks a slot with no owner.
const Idle = -1

const idleWord = ^uint32(0)

const digits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Table holds the slot tables of all harts.
type Table struct {
	slots int
	harts [][]atomic.Uint32
}

// New allocates idle tables for harts harts of slots entries each.
func New(harts int, slots int) *Table {
	t := &Table{
		slots: slots,
		harts: make([][]atomic.Uint32, harts),
	}

	for h := range t.harts {
		t.harts[h] = make([]atomic.Uint32, slots)

		for i := range t.harts[h] {
			t.harts[h][i].Store(idleWord)
		}
	}

	return t
}

// Harts returns the number of hart tables.
func (t *Table) Harts() int {
	return len(t.harts)
}

// Slots returns the number of slots per hart.
func (t *Table) Slots() int {
	return t.slots
}

// Set assigns slot of hart to pid, or Idle.
func (t *Table) Set(hart int, slot int, pid int) {
	w := idleWord

	if pid != Idle {
		w = uint32(pid)
	}

	t.harts[hart][slot].Store(w)
}

// Owner returns the pid owning slot of hart, or Idle.
func (t *Table) Owner(hart int, slot int) int {
	w := t.harts[hart][slot].Load()

	if w == idleWord {
		return Idle
	}

	return int(w)
}

// Cursor returns the slot index for absolute slot number abs.
func (t *Table) Cursor(abs uint64) int {
	return int(abs % uint64(t.slots))
}

// Owners returns a copy of the table of a hart.
func (t *Table) Owners(hart int) []int {
	owners := make([]int, t.slots)

	for i := range owners {
		owners[i] = t.Owner(hart, i)
	}

	return owners
}

// Dump formats the table of a hart, one character per slot: the pid in
// base 36 or '.' for idle slots.
func (t *Table) Dump(hart int) string {
	var b strings.Builder

	for i, pid := range t.Owners(hart) {
		if i > 0 && i%64 == 0 {
			b.WriteByte('\n')
		}

		switch {
		case pid == Idle:
			b.WriteByte('.')
		case pid < len(digits):
			b.WriteByte(digits[pid])
		default:
			b.WriteByte('?')
		}
	}

	return b.String()
}
