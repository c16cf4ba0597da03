// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package kernel

import (
	"github.com/usbarmory/GoSK/kernel/abi"
	"github.com/usbarmory/GoSK/kernel/cap"
	"github.com/usbarmory/GoSK/kernel/pmp"
	"github.com/usbarmory/GoSK/kernel/proc"
)

func sysCapRead(k *Kernel, _ *HartContext, p *proc.Proc) *proc.Proc {
	r, err := k.ref(p.PID, arg(p, 0))

	if err != nil {
		return ret(p, err)
	}

	k.capLock.Lock()
	c := k.caps.Read(r)
	k.capLock.Unlock()

	return readCap(p, c)
}

func readCap(p *proc.Proc, c cap.Capability) *proc.Proc {
	w := c.Words()
	copy(p.Regs[abi.RegA0:abi.RegA3], w[:])

	if c.IsEmpty() {
		return ret(p, abi.CapEmpty)
	}

	return ret(p, nil)
}

func sysCapMove(k *Kernel, _ *HartContext, p *proc.Proc) *proc.Proc {
	src, err := k.ref(p.PID, arg(p, 0))

	if err != nil {
		return ret(p, err)
	}

	dst, err := k.ref(p.PID, arg(p, 1))

	if err != nil {
		return ret(p, err)
	}

	k.capLock.Lock()
	defer k.capLock.Unlock()

	return ret(p, k.move(src, dst))
}

// move relocates a capability, capLock must be held.
func (k *Kernel) move(src cap.Ref, dst cap.Ref) (err error) {
	if err = k.caps.Move(src, dst); err != nil {
		return
	}

	if c := k.caps.Read(dst); c.Kind == cap.Time {
		k.retime(dst, c)
	}

	return
}

func sysCapDelete(k *Kernel, _ *HartContext, p *proc.Proc) *proc.Proc {
	r, err := k.ref(p.PID, arg(p, 0))

	if err != nil {
		return ret(p, err)
	}

	k.capLock.Lock()
	defer k.capLock.Unlock()

	c := k.caps.Read(r)
	parent := k.caps.Parent(r)

	if err = k.caps.Delete(r); err != nil {
		return ret(p, err)
	}

	if c.Kind == cap.Time {
		k.retime(parent, c)
	}

	return ret(p, nil)
}

func sysCapRevoke(k *Kernel, _ *HartContext, p *proc.Proc) *proc.Proc {
	r, err := k.ref(p.PID, arg(p, 0))

	if err != nil {
		return ret(p, err)
	}

	k.capLock.Lock()
	defer k.capLock.Unlock()

	if err = k.caps.Revoke(r); err != nil {
		return ret(p, err)
	}

	if c := k.caps.Read(r); c.Kind == cap.Time {
		k.retime(r, c)
	}

	return ret(p, nil)
}

func sysCapDerive(k *Kernel, _ *HartContext, p *proc.Proc) *proc.Proc {
	src, err := k.ref(p.PID, arg(p, 0))

	if err != nil {
		return ret(p, err)
	}

	dst, err := k.ref(p.PID, arg(p, 1))

	if err != nil {
		return ret(p, err)
	}

	c, err := cap.FromWords(arg(p, 2), arg(p, 3), arg(p, 4))

	if err != nil {
		return ret(p, err)
	}

	k.capLock.Lock()
	defer k.capLock.Unlock()

	if err = k.caps.Derive(src, dst, c); err != nil {
		return ret(p, err)
	}

	if c.Kind == cap.Time {
		k.retime(src, c)
	}

	return ret(p, nil)
}

func sysPmpLoad(k *Kernel, hc *HartContext, p *proc.Proc) *proc.Proc {
	k.capLock.Lock()
	defer k.capLock.Unlock()

	return ret(p, k.pmpLoad(hc, p, arg(p, 0)))
}

// pmpLoad validates every PMP capability designated by a packed index
// argument of process t before replacing its loaded set, capLock must be
// held.
func (k *Kernel) pmpLoad(hc *HartContext, t *proc.Proc, packed uint64) error {
	entries := hc.scratch
	slots := hc.scratchSlots

	for i := 0; i < 8; i++ {
		idx, used := abi.UnpackPMP(packed, i)

		if i >= len(entries) {
			if used {
				return abi.InvalidSlot
			}

			continue
		}

		entries[i] = pmp.Entry{}
		slots[i] = -1

		if !used {
			continue
		}

		r, err := k.ref(t.PID, uint64(idx))

		if err != nil {
			return err
		}

		c := k.caps.Read(r)

		switch {
		case c.IsEmpty():
			return abi.CapEmpty
		case c.Kind != cap.PMP:
			return abi.CapInvalidKind
		}

		if err = pmp.Check(c.Begin, c.Size()); err != nil {
			return err
		}

		entries[i] = pmp.Entry{Word: c.NAPOT(), Rights: c.Rights, Valid: true}
		slots[i] = idx
	}

	t.LoadPMP(entries, slots)

	return nil
}
