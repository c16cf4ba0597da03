// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package kernel

import (
	"github.com/usbarmory/GoSK/kernel/abi"
	"github.com/usbarmory/GoSK/kernel/cap"
	"github.com/usbarmory/GoSK/kernel/ipc"
	"github.com/usbarmory/GoSK/kernel/proc"
)

// endpoint resolves the channel and sender tag of the IPC capability at
// index idx of p, capLock must be held.
func (k *Kernel) endpoint(p *proc.Proc, idx uint64) (ch int, tag uint64, err error) {
	r, err := k.ref(p.PID, idx)

	if err != nil {
		return
	}

	c := k.caps.Read(r)

	if c.IsEmpty() {
		return 0, 0, abi.CapEmpty
	}

	n, ok := c.Channel()

	if !ok || n >= uint64(k.chans.Len()) {
		return 0, 0, abi.CapInvalidKind
	}

	return int(n), c.Tag, nil
}

// transferSlot validates an optional capability index argument.
func (k *Kernel) transferSlot(idx uint64) error {
	if idx != abi.NoSlot && idx >= uint64(k.Params.Caps) {
		return abi.InvalidIndex
	}

	return nil
}

func (k *Kernel) message(p *proc.Proc, capIdx uint64, tag uint64) (m ipc.Message) {
	m.PID = p.PID
	m.Cap = capIdx
	m.Tag = tag
	m.Then = ipc.Receiver{PID: ipc.None}
	copy(m.Words[:], p.Regs[abi.RegA3:abi.RegA3+abi.MsgWords])

	return
}

func sysSend(k *Kernel, hc *HartContext, p *proc.Proc) *proc.Proc {
	k.capLock.Lock()
	defer k.capLock.Unlock()

	ch, tag, err := k.endpoint(p, arg(p, 0))

	if err != nil {
		return ret(p, err)
	}

	capIdx := arg(p, 2)

	if err = k.transferSlot(capIdx); err != nil {
		return ret(p, err)
	}

	return k.send(hc, p, ch, k.message(p, capIdx, tag), arg(p, 1))
}

func sysRecv(k *Kernel, hc *HartContext, p *proc.Proc) *proc.Proc {
	k.capLock.Lock()
	defer k.capLock.Unlock()

	ch, _, err := k.endpoint(p, arg(p, 0))

	if err != nil {
		return ret(p, err)
	}

	capIdx := arg(p, 2)

	if err = k.transferSlot(capIdx); err != nil {
		return ret(p, err)
	}

	return k.recv(hc, p, ch, ipc.Receiver{PID: p.PID, Cap: capIdx}, arg(p, 1))
}

// sysSendRecv sends on one endpoint then receives on another in a single
// call. A completed send is not undone when the receive times out.
func sysSendRecv(k *Kernel, hc *HartContext, p *proc.Proc) *proc.Proc {
	k.capLock.Lock()
	defer k.capLock.Unlock()

	sendIdx, recvIdx := abi.UnpackPair(arg(p, 0))
	capSrc, capDst := abi.UnpackPair(arg(p, 2))

	sendCh, tag, err := k.endpoint(p, sendIdx)

	if err != nil {
		return ret(p, err)
	}

	recvCh, _, err := k.endpoint(p, recvIdx)

	if err != nil {
		return ret(p, err)
	}

	if err = k.transferSlot(capSrc); err != nil {
		return ret(p, err)
	}

	if err = k.transferSlot(capDst); err != nil {
		return ret(p, err)
	}

	m := k.message(p, capSrc, tag)
	m.Then = ipc.Receiver{PID: p.PID, Cap: capDst}
	m.ThenChannel = recvCh

	return k.send(hc, p, sendCh, m, arg(p, 1))
}

// send offers m from the calling process p on channel ch, capLock must be
// held.
func (k *Kernel) send(hc *HartContext, p *proc.Proc, ch int, m ipc.Message, deadline uint64) *proc.Proc {
	now := hc.hw.Now()

	k.expireChannel(ch, now)

	r, matched, err := k.chans.Send(ch, m)

	if err != nil {
		return ret(p, err)
	}

	if matched {
		k.deliver(m, r)
		k.wake(k.procs[r.PID], nil)

		if m.Combined() {
			return k.recv(hc, p, m.ThenChannel, m.Then, deadline)
		}

		return ret(p, nil)
	}

	return k.wait(p, ch, deadline, now)
}

// recv requests a message for the calling process p on channel ch,
// capLock must be held.
func (k *Kernel) recv(hc *HartContext, p *proc.Proc, ch int, r ipc.Receiver, deadline uint64) *proc.Proc {
	now := hc.hw.Now()

	k.expireChannel(ch, now)

	m, matched, err := k.chans.Recv(ch, r)

	if err != nil {
		return ret(p, err)
	}

	if matched {
		k.deliver(m, r)
		k.release(m)
		return ret(p, nil)
	}

	return k.wait(p, ch, deadline, now)
}

// wait blocks p on channel ch, a deadline already reached times out
// immediately.
func (k *Kernel) wait(p *proc.Proc, ch int, deadline uint64, now uint64) *proc.Proc {
	if deadline <= now {
		k.chans.Cancel(ch, p.PID)
		return ret(p, abi.Timeout)
	}

	k.block(p, ch, deadline)

	return nil
}

// release completes the send of a waiting sender whose message was
// taken: the sender is readied, or continues into the receive half of a
// combined call.
func (k *Kernel) release(m ipc.Message) {
	sp := k.procs[m.PID]

	if !m.Combined() {
		k.wake(sp, nil)
		return
	}

	next, matched, err := k.chans.Recv(m.ThenChannel, m.Then)

	switch {
	case err != nil:
		k.wake(sp, err)
	case matched:
		k.deliver(next, m.Then)
		k.wake(sp, nil)
		k.release(next)
	default:
		sp.Retarget(m.ThenChannel)
	}
}

// deliver copies a message into the receiver registers and performs the
// capability transfer when both parties designated a slot.
func (k *Kernel) deliver(m ipc.Message, r ipc.Receiver) {
	rp := k.procs[r.PID]

	copy(rp.Regs[abi.RegA0:abi.RegA0+abi.MsgWords], m.Words[:])
	rp.Regs[abi.RegA4] = m.Tag
	rp.Regs[abi.RegA5] = 0

	if m.Cap == abi.NoSlot || r.Cap == abi.NoSlot {
		return
	}

	src := cap.Ref{PID: uint16(m.PID), Index: uint16(m.Cap)}
	dst := cap.Ref{PID: uint16(r.PID), Index: uint16(r.Cap)}

	if err := k.caps.Grant(src, dst); err != nil {
		return
	}

	if c := k.caps.Read(dst); c.Kind == cap.Time {
		k.retime(src, c)
	}

	rp.Regs[abi.RegA5] = 1
}
