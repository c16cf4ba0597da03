// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package kernel

import (
	"github.com/usbarmory/GoSK/kernel/proc"
	"github.com/usbarmory/GoSK/kernel/sched"
)

// slotEnd returns the start of the slot following time now.
func (k *Kernel) slotEnd(now uint64) uint64 {
	return (now/k.Params.SlotLen + 1) * k.Params.SlotLen
}

// schedule picks the owner of the current slot of a hart, expiring waiting
// processes first, and programs the timer for the next slot boundary. It
// returns nil when the slot is idle or its owner cannot run.
func (k *Kernel) schedule(hc *HartContext) *proc.Proc {
	now := hc.hw.Now()
	abs := now / k.Params.SlotLen

	k.expire(now)

	hc.hw.SetTimer(k.slotEnd(now))

	pid := k.sched.Owner(hc.Index, k.sched.Cursor(abs))

	if pid == sched.Idle {
		return nil
	}

	p := k.procs[pid]

	if p.Yielded(abs) || !p.Acquire() {
		return nil
	}

	hc.slot = abs

	return p
}

// expire wakes every Waiting process whose deadline elapsed.
func (k *Kernel) expire(now uint64) {
	if k.waiting.Load() == 0 {
		return
	}

	k.capLock.Lock()
	defer k.capLock.Unlock()

	for _, p := range k.procs {
		k.expireProc(p, now)
	}
}

// expireChannel expires the processes waiting on channel ch, capLock must
// be held.
func (k *Kernel) expireChannel(ch int, now uint64) {
	s, r := k.chans.Waiting(ch)

	for _, pid := range []int{s, r} {
		if pid >= 0 {
			k.expireProc(k.procs[pid], now)
		}
	}
}

func (k *Kernel) expireProc(p *proc.Proc, now uint64) {
	ch, ok := p.Expire(now)

	if !ok {
		return
	}

	k.waiting.Add(-1)

	if ch != proc.NoChannel {
		k.chans.Cancel(ch, p.PID)
	}
}

// block moves a Running process to Waiting, capLock must be held. A
// process suspended in the meantime is not blocked and any IPC state it
// registered on ch is dropped.
func (k *Kernel) block(p *proc.Proc, ch int, deadline uint64) {
	if p.Block(ch, deadline) {
		k.waiting.Add(1)
		return
	}

	if ch != proc.NoChannel {
		k.chans.Cancel(ch, p.PID)
	}
}

// wake readies a Waiting process with a result, capLock must be held.
func (k *Kernel) wake(p *proc.Proc, res error) {
	if p.Wake(errno(res)) {
		k.waiting.Add(-1)
	}
}
