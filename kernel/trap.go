// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package kernel

import (
	"context"
	"fmt"

	"github.com/usbarmory/GoSK/kernel/abi"
	"github.com/usbarmory/GoSK/kernel/proc"
)

// Run is the dispatcher loop of a hart: it resumes the scheduled process,
// handles its next trap and repeats until ctx is cancelled.
func (k *Kernel) Run(ctx context.Context, hw Hart) (err error) {
	i, ok := k.Params.HartIndex(hw.ID())

	if !ok {
		return fmt.Errorf("SK hart %d not managed by this kernel", hw.ID())
	}

	hc := k.harts[i]

	if hc.hw != nil {
		return fmt.Errorf("SK hart %d already running", hw.ID())
	}

	hc.hw = hw
	defer func() { hc.hw = nil }()

	k.Logger.Printf("SK hart %d started", hw.ID())

	p := k.schedule(hc)

	for {
		if err = ctx.Err(); err != nil {
			if p != nil {
				p.Release()
			}

			k.Logger.Printf("SK hart %d stopped, %v", hw.ID(), err)

			return
		}

		if p == nil {
			hw.Idle(k.slotEnd(hw.Now()))
			p = k.schedule(hc)
			continue
		}

		if err = k.loadPMP(hc, p); err != nil {
			p.Release()
			return fmt.Errorf("SK hart %d could not load PMP for pid %d, %v", hw.ID(), p.PID, err)
		}

		hc.current.Store(p)
		t := hw.Resume(p)
		hc.current.Store(nil)

		p = k.Trap(hc, p, t)
	}
}

// Trap handles the trap ending the execution of Running process p on a
// hart and returns the next process to resume on it, nil to idle.
func (k *Kernel) Trap(hc *HartContext, p *proc.Proc, t Trap) *proc.Proc {
	switch {
	case t.Interrupt():
		p.Release()
		return k.schedule(hc)
	case t.Cause == abi.CauseUserEcall:
		next := k.Syscall(hc, p)

		if next == p {
			return k.resume(hc, p)
		}

		p.Release()

		if next != nil {
			return k.resume(hc, next)
		}

		return k.schedule(hc)
	default:
		k.exception(p, t)
		return k.resume(hc, p)
	}
}

// resume honours a pending suspension before p runs again.
func (k *Kernel) resume(hc *HartContext, p *proc.Proc) *proc.Proc {
	if !p.SuspendPending() {
		return p
	}

	p.Release()

	return k.schedule(hc)
}

// exception redirects a faulting process to its own trap handler (tpc,
// tsp), saving the fault state in the virtual trap registers. A trap return
// (mret, sret or uret) executed by the handler restores the saved context.
func (k *Kernel) exception(p *proc.Proc, t Trap) {
	r := &p.Regs

	if t.Cause == abi.CauseIllegalInstruction && abi.TrapReturn(t.Value) {
		r[abi.RegPC] = r[abi.RegEPC]
		r[abi.RegSP] = r[abi.RegESP]
		r[abi.RegECause] = 0
		r[abi.RegEVal] = 0
		r[abi.RegEPC] = 0
		r[abi.RegESP] = 0
		return
	}

	k.Logger.Printf("SK pid:%d exception %s pc:%#x tpc:%#x", p.PID, t, r[abi.RegPC], r[abi.RegTPC])

	r[abi.RegECause] = t.Cause
	r[abi.RegEVal] = t.Value
	r[abi.RegEPC] = r[abi.RegPC]
	r[abi.RegESP] = r[abi.RegSP]
	r[abi.RegPC] = r[abi.RegTPC]
	r[abi.RegSP] = r[abi.RegTSP]
}

func (k *Kernel) loadPMP(hc *HartContext, p *proc.Proc) error {
	gen := p.PMP(hc.pmp)

	if hc.pmpPID == p.PID && hc.pmpGen == gen {
		return nil
	}

	if err := hc.hw.LoadPMP(hc.pmp); err != nil {
		hc.pmpPID = -1
		return err
	}

	hc.pmpPID = p.PID
	hc.pmpGen = gen

	return nil
}
