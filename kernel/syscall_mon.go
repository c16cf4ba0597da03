// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package kernel

import (
	"github.com/usbarmory/GoSK/kernel/abi"
	"github.com/usbarmory/GoSK/kernel/cap"
	"github.com/usbarmory/GoSK/kernel/proc"
)

// monitored resolves the process at argument i, which must be covered by
// the Monitor capability at argument 0 of p. capLock must be held.
func (k *Kernel) monitored(p *proc.Proc, i int) (t *proc.Proc, err error) {
	r, err := k.ref(p.PID, arg(p, 0))

	if err != nil {
		return
	}

	c := k.caps.Read(r)

	switch {
	case c.IsEmpty():
		return nil, abi.CapEmpty
	case c.Kind != cap.Monitor:
		return nil, abi.CapInvalidKind
	}

	pid := arg(p, i)

	if !c.Contains(pid) || pid >= uint64(len(k.procs)) {
		return nil, abi.MonitorOutOfRange
	}

	return k.procs[pid], nil
}

// suspended resolves a monitored process that must be Suspended, unless
// it is the caller itself.
func (k *Kernel) suspended(p *proc.Proc, i int) (t *proc.Proc, err error) {
	if t, err = k.monitored(p, i); err != nil {
		return
	}

	if t != p && t.State() != proc.Suspended {
		return nil, abi.MonitorBusy
	}

	return
}

func sysMonSuspend(k *Kernel, _ *HartContext, p *proc.Proc) *proc.Proc {
	k.capLock.Lock()
	defer k.capLock.Unlock()

	t, err := k.monitored(p, 1)

	if err != nil {
		return ret(p, err)
	}

	prev, ch := t.Suspend()

	if prev == proc.Waiting {
		k.waiting.Add(-1)

		if ch != proc.NoChannel {
			k.chans.Cancel(ch, t.PID)
		}
	}

	return ret(p, nil)
}

func sysMonResume(k *Kernel, _ *HartContext, p *proc.Proc) *proc.Proc {
	k.capLock.Lock()
	defer k.capLock.Unlock()

	t, err := k.monitored(p, 1)

	if err != nil {
		return ret(p, err)
	}

	t.Resume()

	return ret(p, nil)
}

func sysMonState(k *Kernel, _ *HartContext, p *proc.Proc) *proc.Proc {
	k.capLock.Lock()
	defer k.capLock.Unlock()

	t, err := k.monitored(p, 1)

	if err != nil {
		return ret(p, err)
	}

	p.Regs[abi.RegA0] = uint64(t.State())
	p.Regs[abi.RegA1] = 0

	if t.SuspendPending() {
		p.Regs[abi.RegA1] = 1
	}

	return ret(p, nil)
}

// sysMonYield hands the remainder of the caller's slot to a Ready
// monitored process.
func sysMonYield(k *Kernel, _ *HartContext, p *proc.Proc) *proc.Proc {
	k.capLock.Lock()
	defer k.capLock.Unlock()

	t, err := k.monitored(p, 1)

	if err != nil {
		return ret(p, err)
	}

	if t == p {
		return ret(p, nil)
	}

	if !t.Acquire() {
		return ret(p, abi.MonitorBusy)
	}

	ret(p, nil)

	return t
}

func sysMonRegRead(k *Kernel, _ *HartContext, p *proc.Proc) *proc.Proc {
	k.capLock.Lock()
	defer k.capLock.Unlock()

	t, err := k.suspended(p, 1)

	if err != nil {
		return ret(p, err)
	}

	reg := arg(p, 2)

	if reg >= abi.RegCount {
		return ret(p, abi.InvalidRegister)
	}

	p.Regs[abi.RegA0] = t.Regs[reg]

	return ret(p, nil)
}

func sysMonRegWrite(k *Kernel, _ *HartContext, p *proc.Proc) *proc.Proc {
	k.capLock.Lock()
	defer k.capLock.Unlock()

	t, err := k.suspended(p, 1)

	if err != nil {
		return ret(p, err)
	}

	reg := arg(p, 2)

	if reg >= abi.RegCount {
		return ret(p, abi.InvalidRegister)
	}

	val := arg(p, 3)
	ret(p, nil)
	t.Regs[reg] = val

	return p
}

func sysMonCapRead(k *Kernel, _ *HartContext, p *proc.Proc) *proc.Proc {
	k.capLock.Lock()
	defer k.capLock.Unlock()

	t, err := k.monitored(p, 1)

	if err != nil {
		return ret(p, err)
	}

	r, err := k.ref(t.PID, arg(p, 2))

	if err != nil {
		return ret(p, err)
	}

	return readCap(p, k.caps.Read(r))
}

// sysMonCapMove moves a capability between the tables of two monitored
// processes, either may be the caller's own.
func sysMonCapMove(k *Kernel, _ *HartContext, p *proc.Proc) *proc.Proc {
	k.capLock.Lock()
	defer k.capLock.Unlock()

	src, err := k.suspended(p, 1)

	if err != nil {
		return ret(p, err)
	}

	dst, err := k.suspended(p, 3)

	if err != nil {
		return ret(p, err)
	}

	sr, err := k.ref(src.PID, arg(p, 2))

	if err != nil {
		return ret(p, err)
	}

	dr, err := k.ref(dst.PID, arg(p, 4))

	if err != nil {
		return ret(p, err)
	}

	return ret(p, k.move(sr, dr))
}

func sysMonPmpLoad(k *Kernel, hc *HartContext, p *proc.Proc) *proc.Proc {
	k.capLock.Lock()
	defer k.capLock.Unlock()

	t, err := k.suspended(p, 1)

	if err != nil {
		return ret(p, err)
	}

	return ret(p, k.pmpLoad(hc, t, arg(p, 2)))
}
