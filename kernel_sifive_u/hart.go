// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && riscv64
// +build tamago,riscv64

package main

import (
	"errors"
	"log"
	"time"
	"unsafe"

	"github.com/usbarmory/tamago/riscv64"
	"github.com/usbarmory/tamago/soc/sifive/fu540"

	"github.com/usbarmory/GoTEE/monitor"

	"github.com/usbarmory/GoSK/kernel"
	"github.com/usbarmory/GoSK/kernel/abi"
	"github.com/usbarmory/GoSK/kernel/pmp"
	"github.com/usbarmory/GoSK/kernel/proc"
	"github.com/usbarmory/GoSK/util"
)

// errTrap stops an execution context at its first trap.
var errTrap = errors.New("trap")

// hart runs processes in U-mode through GoTEE execution contexts, one per
// process, the kernel itself runs in M-mode.
type hart struct {
	id     uint64
	start  time.Time
	period time.Duration
	timer  uint64

	pmp  pmp.Set
	ctx  []*monitor.ExecCtx
	syms []*util.Symbols
	trap kernel.Trap
}

func newHart(id uint64, hz uint64, n int) *hart {
	return &hart{
		id:     id,
		start:  time.Now(),
		period: time.Second / time.Duration(hz),
		pmp:    pmp.NewSet(n),
	}
}

// attach binds the execution context of the next process.
func (h *hart) attach(ctx *monitor.ExecCtx, syms *util.Symbols) {
	ctx.Handler = h.handle
	ctx.PMP = h.writePMP

	h.ctx = append(h.ctx, ctx)
	h.syms = append(h.syms, syms)
}

// handle records the trap cause and returns to the kernel.
func (h *hart) handle(ctx *monitor.ExecCtx) error {
	h.trap = kernel.Trap{Cause: uint64(ctx.ExceptionVector)}

	if h.trap.Cause == abi.CauseIllegalInstruction {
		h.trap.Value = uint64(*(*uint32)(unsafe.Pointer(uintptr(ctx.PC))))
	}

	return errTrap
}

// writePMP loads the process entries from PMP register i onwards.
func (h *hart) writePMP(_ *monitor.ExecCtx, i int) (err error) {
	for j, e := range h.pmp {
		if !e.Valid {
			err = fu540.RV64.WritePMP(i+j, 0, false, false, false, riscv64.PMP_A_OFF, false)
		} else {
			err = fu540.RV64.WritePMP(i+j, e.Word, e.Rights&pmp.R != 0, e.Rights&pmp.W != 0, e.Rights&pmp.X != 0, riscv64.PMP_A_NAPOT, false)
		}

		if err != nil {
			return
		}
	}

	return
}

func xregs(ctx *monitor.ExecCtx) [32]*uint64 {
	return [32]*uint64{
		&ctx.PC, &ctx.X1, &ctx.X2, &ctx.X3, &ctx.X4, &ctx.X5, &ctx.X6, &ctx.X7,
		&ctx.X8, &ctx.X9, &ctx.X10, &ctx.X11, &ctx.X12, &ctx.X13, &ctx.X14, &ctx.X15,
		&ctx.X16, &ctx.X17, &ctx.X18, &ctx.X19, &ctx.X20, &ctx.X21, &ctx.X22, &ctx.X23,
		&ctx.X24, &ctx.X25, &ctx.X26, &ctx.X27, &ctx.X28, &ctx.X29, &ctx.X30, &ctx.X31,
	}
}

func (h *hart) ID() uint64 {
	return h.id
}

func (h *hart) Now() uint64 {
	return uint64(time.Since(h.start) / h.period)
}

func (h *hart) SetTimer(deadline uint64) {
	h.timer = deadline
}

func (h *hart) LoadPMP(set pmp.Set) error {
	copy(h.pmp, set)
	return nil
}

func (h *hart) Idle(until uint64) {
	if now := h.Now(); until > now {
		time.Sleep(time.Duration(until-now) * h.period)
	}
}

// Resume runs p until its next trap. Execution contexts cannot be
// preempted, an expired slot is reported as a timer interrupt before the
// process runs again.
func (h *hart) Resume(p *proc.Proc) kernel.Trap {
	if p.PID >= len(h.ctx) || h.Now() >= h.timer {
		return kernel.Trap{Cause: abi.CauseTimerInterrupt}
	}

	ctx := h.ctx[p.PID]
	regs := xregs(ctx)

	for i, r := range regs {
		*r = p.Regs[i]
	}

	err := ctx.Run()

	for i, r := range regs {
		p.Regs[i] = *r
	}

	if errors.Is(err, errTrap) {
		return h.trap
	}

	log.Printf("SK pid:%d stopped sp:%#.8x ra:%#.8x pc:%#.8x err:%v", p.PID, ctx.X2, ctx.X1, ctx.PC, err)

	if syms := h.syms[p.PID]; syms != nil {
		log.Printf("stack trace:\n  %s\n  %s", syms.PCToLine(ctx.PC), syms.PCToLine(ctx.X1))
	}

	return kernel.Trap{Cause: abi.CauseInstructionFault, Value: ctx.PC}
}
