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

// handler implements a system call for the calling process p. It returns
// p to resume it immediately, another Ready process it acquired to run it
// instead, or nil to defer to the scheduler.
type handler func(k *Kernel, hc *HartContext, p *proc.Proc) *proc.Proc

var syscalls = [abi.SysCount]handler{
	abi.SysGetInfo:     sysGetInfo,
	abi.SysRegRead:     sysRegRead,
	abi.SysRegWrite:    sysRegWrite,
	abi.SysYield:       sysYield,
	abi.SysSleepUntil:  sysSleepUntil,
	abi.SysCapRead:     sysCapRead,
	abi.SysCapMove:     sysCapMove,
	abi.SysCapDelete:   sysCapDelete,
	abi.SysCapRevoke:   sysCapRevoke,
	abi.SysCapDerive:   sysCapDerive,
	abi.SysPmpLoad:     sysPmpLoad,
	abi.SysMonSuspend:  sysMonSuspend,
	abi.SysMonResume:   sysMonResume,
	abi.SysMonState:    sysMonState,
	abi.SysMonYield:    sysMonYield,
	abi.SysMonRegRead:  sysMonRegRead,
	abi.SysMonRegWrite: sysMonRegWrite,
	abi.SysMonCapRead:  sysMonCapRead,
	abi.SysMonCapMove:  sysMonCapMove,
	abi.SysMonPmpLoad:  sysMonPmpLoad,
	abi.SysSend:        sysSend,
	abi.SysRecv:        sysRecv,
	abi.SysSendRecv:    sysSendRecv,
}

// Syscall handles an ecall from Running process p: the program counter
// moves past the ecall, the call number is read from t0 and the result code
// written back to t0.
func (k *Kernel) Syscall(hc *HartContext, p *proc.Proc) *proc.Proc {
	p.Regs[abi.RegPC] += 4

	n := p.Regs[abi.RegT0]

	if n >= abi.SysCount {
		return ret(p, abi.InvalidSyscall)
	}

	k.quiesce.Acquire()
	defer k.quiesce.Release()

	return syscalls[n](k, hc, p)
}

func errno(err error) abi.Errno {
	return abi.Errno(abi.Code(err))
}

// ret sets the result code of p and resumes it.
func ret(p *proc.Proc, err error) *proc.Proc {
	p.Regs[abi.RegT0] = abi.Code(err)
	return p
}

func arg(p *proc.Proc, i int) uint64 {
	return p.Regs[abi.RegA0+i]
}

// ref validates a capability index argument of process pid.
func (k *Kernel) ref(pid int, idx uint64) (r cap.Ref, err error) {
	if idx >= uint64(k.Params.Caps) {
		return cap.NoRef, abi.InvalidIndex
	}

	return cap.Ref{PID: uint16(pid), Index: uint16(idx)}, nil
}

func sysGetInfo(k *Kernel, hc *HartContext, p *proc.Proc) *proc.Proc {
	var v uint64

	switch arg(p, 0) {
	case abi.InfoPID:
		v = uint64(p.PID)
	case abi.InfoTime:
		v = hc.hw.Now()
	case abi.InfoSlotDeadline:
		v = (hc.slot + 1) * k.Params.SlotLen
	case abi.InfoHart:
		v = hc.hw.ID()
	default:
		return ret(p, abi.InvalidSyscall)
	}

	p.Regs[abi.RegA0] = v

	return ret(p, nil)
}

func sysRegRead(k *Kernel, _ *HartContext, p *proc.Proc) *proc.Proc {
	reg := arg(p, 0)

	if reg >= abi.RegCount {
		return ret(p, abi.InvalidRegister)
	}

	p.Regs[abi.RegA0] = p.Regs[reg]

	return ret(p, nil)
}

func sysRegWrite(k *Kernel, _ *HartContext, p *proc.Proc) *proc.Proc {
	reg := arg(p, 0)

	if reg >= abi.RegCount {
		return ret(p, abi.InvalidRegister)
	}

	ret(p, nil)
	p.Regs[reg] = arg(p, 1)

	return p
}

func sysYield(k *Kernel, hc *HartContext, p *proc.Proc) *proc.Proc {
	p.Yield(hc.slot)
	ret(p, nil)

	return nil
}

func sysSleepUntil(k *Kernel, hc *HartContext, p *proc.Proc) *proc.Proc {
	deadline := arg(p, 0)

	if arg(p, 1) == 1 {
		if deadline > abi.NoDeadline/k.Params.SlotLen {
			deadline = abi.NoDeadline
		} else {
			deadline *= k.Params.SlotLen
		}
	}

	ret(p, nil)

	if deadline <= hc.hw.Now() {
		return p
	}

	k.capLock.Lock()
	defer k.capLock.Unlock()

	k.block(p, proc.NoChannel, deadline)

	return nil
}
