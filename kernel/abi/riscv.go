// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package abi

// RISC-V mcause values (privileged specification, table 3.6).
const (
	Interrupt = 1 << 63

	CauseInstructionMisaligned = 0
	CauseInstructionFault      = 1
	CauseIllegalInstruction    = 2
	CauseBreakpoint            = 3
	CauseLoadMisaligned        = 4
	CauseLoadFault             = 5
	CauseStoreMisaligned       = 6
	CauseStoreFault            = 7
	CauseUserEcall             = 8

	CauseSoftwareInterrupt = Interrupt | 3
	CauseTimerInterrupt    = Interrupt | 7
	CauseExternalInterrupt = Interrupt | 11
)

// Trap return instruction encodings, any of them executed by a user trap
// handler returns to the interrupted context.
const (
	MRET = 0x30200073
	SRET = 0x10200073
	URET = 0x00200073
)

// TrapReturn returns whether an instruction word is a trap return.
func TrapReturn(insn uint64) bool {
	return insn == MRET || insn == SRET || insn == URET
}
