// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package abi defines the user/kernel binary interface: register file layout,
// system call numbers, trap causes and result codes.
//
// A system call is issued with `ecall`, the call number in t0 and the
// arguments in a0-a7. On return t0 holds the result code (Success or an
// Errno) and a0-a7 hold call specific results.
package abi

// Register file indices, the first 32 entries match the RISC-V integer
// register numbering with x0 replaced by the program counter.
const (
	RegPC = iota
	RegRA
	RegSP
	RegGP
	RegTP
	RegT0
	RegT1
	RegT2
	RegS0
	RegS1
	RegA0
	RegA1
	RegA2
	RegA3
	RegA4
	RegA5
	RegA6
	RegA7
	RegS2
	RegS3
	RegS4
	RegS5
	RegS6
	RegS7
	RegS8
	RegS9
	RegS10
	RegS11
	RegT3
	RegT4
	RegT5
	RegT6

	// virtual registers for user level trap handling
	RegTPC
	RegTSP
	RegEPC
	RegESP
	RegECause
	RegEVal

	RegCount
)

// System call numbers.
const (
	SysGetInfo = iota
	SysRegRead
	SysRegWrite
	SysYield
	SysSleepUntil
	SysCapRead
	SysCapMove
	SysCapDelete
	SysCapRevoke
	SysCapDerive
	SysPmpLoad
	SysMonSuspend
	SysMonResume
	SysMonState
	SysMonYield
	SysMonRegRead
	SysMonRegWrite
	SysMonCapRead
	SysMonCapMove
	SysMonPmpLoad
	SysSend
	SysRecv
	SysSendRecv

	SysCount
)

// GetInfo selectors.
const (
	InfoPID = iota
	InfoTime
	InfoSlotDeadline
	InfoHart
)

const (
	// MsgWords is the number of inline message words carried by IPC.
	MsgWords = 4

	// NoDeadline disables the timeout of a blocking IPC operation.
	NoDeadline = ^uint64(0)

	// NoSlot marks an unused capability index argument (no capability
	// transfer, unused PMP entry).
	NoSlot = 0xffff

	// NoPMP marks an unused entry in a packed PMP load argument.
	NoPMP = 0xff
)

// PackPMP packs up to eight capability indices into a PMP load argument,
// entry i of the argument selects the capability loaded in PMP register i.
func PackPMP(idx ...int) (w uint64) {
	w = ^uint64(0)

	for i, n := range idx {
		if i >= 8 {
			break
		}

		w &^= NoPMP << (8 * i)
		w |= uint64(n&NoPMP) << (8 * i)
	}

	return
}

// UnpackPMP returns the capability index for PMP register i of a packed
// load argument and whether the entry is used.
func UnpackPMP(w uint64, i int) (idx int, ok bool) {
	idx = int(w>>(8*i)) & NoPMP
	return idx, idx != NoPMP
}

// PackPair packs two capability indices (or NoSlot) into one argument word.
func PackPair(lo, hi uint64) uint64 {
	return lo&0xffff | (hi&0xffff)<<16
}

// UnpackPair is the inverse of PackPair.
func UnpackPair(w uint64) (lo, hi uint64) {
	return w & 0xffff, (w >> 16) & 0xffff
}
