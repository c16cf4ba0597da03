// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package pmp implements the RISC-V Physical Memory Protection NAPOT
// (naturally aligned power-of-two) address encoding.
//
// A NAPOT region of size 2^n (n >= 3) starting at a base aligned to its size
// is described by the single word base | (size/2 - 1), the pmpaddr CSR holds
// that word shifted right by two.
package pmp

import (
	"math/bits"

	"github.com/usbarmory/GoSK/kernel/abi"
)

// MinSize is the smallest NAPOT region.
const MinSize = 8

// pmpcfg fields
const (
	CfgR     = 1 << 0
	CfgW     = 1 << 1
	CfgX     = 1 << 2
	CfgNAPOT = 3 << 3
	CfgL     = 1 << 7
)

// Rights is a set of read, write and execute permissions.
type Rights uint8

const (
	R Rights = CfgR
	W Rights = CfgW
	X Rights = CfgX

	RWX = R | W | X
)

// Subset returns whether r grants no permission outside of o.
func (r Rights) Subset(o Rights) bool {
	return r&^o == 0
}

func (r Rights) String() string {
	b := []byte("---")

	if r&R != 0 {
		b[0] = 'r'
	}

	if r&W != 0 {
		b[1] = 'w'
	}

	if r&X != 0 {
		b[2] = 'x'
	}

	return string(b)
}

// ParseRights parses an "rwx" style permission string, dashes and missing
// letters deny the corresponding permission.
func ParseRights(s string) (r Rights, ok bool) {
	for _, c := range s {
		switch c {
		case 'r':
			r |= R
		case 'w':
			r |= W
		case 'x':
			r |= X
		case '-':
		default:
			return 0, false
		}
	}

	return r, true
}

// Check validates a region for NAPOT encoding.
func Check(base, size uint64) error {
	if size < MinSize || bits.OnesCount64(size) != 1 || base&(size-1) != 0 {
		return abi.PmpAlignment
	}

	return nil
}

// Encode returns the NAPOT word of a region, the region must pass Check.
func Encode(base, size uint64) uint64 {
	return base | (size>>1 - 1)
}

// Decode returns the region described by a NAPOT word.
func Decode(w uint64) (base, size uint64) {
	base = w & (w + 1)
	size = ((w + 1) ^ w) + 1
	return
}

// Addr returns the pmpaddr CSR value for a NAPOT word.
func Addr(w uint64) uint64 {
	return w >> 2
}

// Config returns the pmpcfg byte for a NAPOT entry with the given rights.
func Config(r Rights) uint8 {
	return uint8(r&RWX) | CfgNAPOT
}

// Entry is one loaded PMP register pair.
type Entry struct {
	// Word is the NAPOT word (not shifted)
	Word uint64
	// Rights are the granted permissions
	Rights Rights
	// Valid reports whether the entry is enabled
	Valid bool
}

// Cfg returns the pmpcfg byte for the entry, zero (off) when invalid.
func (e Entry) Cfg() uint8 {
	if !e.Valid {
		return 0
	}

	return Config(e.Rights)
}

// Region returns the decoded region of the entry.
func (e Entry) Region() (base, size uint64) {
	return Decode(e.Word)
}

// Set is the group of PMP entries enforced while a process runs, entry i is
// written to PMP register i.
type Set []Entry

// NewSet returns an empty set of n entries.
func NewSet(n int) Set {
	return make(Set, n)
}

// Allows returns whether some valid entry grants all rights r on the byte
// range [addr, addr+size).
func (s Set) Allows(addr, size uint64, r Rights) bool {
	for _, e := range s {
		if !e.Valid || !r.Subset(e.Rights) {
			continue
		}

		base, n := e.Region()

		if addr >= base && addr+size <= base+n {
			return true
		}
	}

	return false
}
