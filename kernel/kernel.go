// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package kernel implements a capability based separation kernel for
// multi-hart RISC-V targets.
//
// The kernel partitions memory (PMP), processor time (per-hart slot tables)
// and communication channels among a fixed set of processes by means of
// capabilities. Each hart runs the dispatcher loop (Run), which resumes the
// scheduled process until its next trap and handles the trap: system calls,
// timer interrupts and exceptions.
//
// Hardware access is abstracted by the Hart interface, implemented by the
// board packages and by the host simulator.
package kernel

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/usbarmory/GoSK/kernel/abi"
	"github.com/usbarmory/GoSK/kernel/cap"
	"github.com/usbarmory/GoSK/kernel/config"
	"github.com/usbarmory/GoSK/kernel/ipc"
	"github.com/usbarmory/GoSK/kernel/lock"
	"github.com/usbarmory/GoSK/kernel/pmp"
	"github.com/usbarmory/GoSK/kernel/proc"
	"github.com/usbarmory/GoSK/kernel/sched"
)

// Trap describes the event ending the execution of a process.
type Trap struct {
	// Cause is the mcause value
	Cause uint64
	// Value is the mtval value
	Value uint64
}

// Interrupt returns whether the trap is asynchronous.
func (t Trap) Interrupt() bool {
	return t.Cause&abi.Interrupt != 0
}

func (t Trap) String() string {
	return fmt.Sprintf("cause:%#x tval:%#x", t.Cause, t.Value)
}

// Hart is a hardware thread running the kernel.
type Hart interface {
	// ID returns the hart id.
	ID() uint64
	// Now returns the current time in timer ticks.
	Now() uint64
	// SetTimer programs the timer interrupt for time deadline.
	SetTimer(deadline uint64)
	// LoadPMP writes the PMP registers, entry i to register i.
	LoadPMP(set pmp.Set) error
	// Resume restores the process registers, runs it until its next
	// trap and saves its registers back.
	Resume(p *proc.Proc) Trap
	// Idle waits until time until, or an earlier interrupt.
	Idle(until uint64)
}

// HartContext is the kernel state private to one hart.
type HartContext struct {
	// Index is the hart slot table index.
	Index int

	hw      Hart
	current atomic.Pointer[proc.Proc]
	// slot is the absolute slot being run, a process resumed through a
	// monitor yield runs on (and yields) the slot of its donor
	slot uint64

	pmp    pmp.Set
	pmpPID int
	pmpGen uint64

	scratch      pmp.Set
	scratchSlots []int
}

// Current returns the process running on the hart, if any.
func (hc *HartContext) Current() *proc.Proc {
	return hc.current.Load()
}

// Kernel is the separation kernel instance.
type Kernel struct {
	// Params are the kernel dimensions.
	Params config.Params
	// Logger receives kernel diagnostics.
	Logger *log.Logger

	caps  *cap.Space
	procs []*proc.Proc
	sched *sched.Table
	chans *ipc.Table
	harts []*HartContext

	// capLock serializes capability, IPC and monitor operations.
	capLock lock.TicketLock
	// quiesce holds one ticket per hart, taken for the duration of
	// every system call.
	quiesce *lock.Semaphore
	// waiting counts Waiting processes, guarded by capLock for writes.
	waiting atomic.Int32
}

// New allocates all kernel state for a platform and boots it: the boot
// capability table is installed in process 0, which starts Ready, every
// other process starts Suspended.
func New(c *config.Config) (k *Kernel, err error) {
	if err = c.Validate(); err != nil {
		return nil, fmt.Errorf("SK invalid configuration, %v", err)
	}

	bootCaps, err := c.BootCaps()

	if err != nil {
		return
	}

	p := c.Kernel

	k = &Kernel{
		Params:  p,
		Logger:  log.Default(),
		caps:    cap.NewSpace(p.Procs, p.Caps),
		procs:   make([]*proc.Proc, p.Procs),
		sched:   sched.New(p.Harts, p.Slots),
		chans:   ipc.New(p.Chans),
		harts:   make([]*HartContext, p.Harts),
		quiesce: lock.NewSemaphore(uint64(p.Harts)),
	}

	k.caps.Observer = k

	for i := range k.harts {
		k.harts[i] = &HartContext{
			Index:        i,
			pmp:          pmp.NewSet(p.PMPs),
			pmpPID:       -1,
			scratch:      pmp.NewSet(p.PMPs),
			scratchSlots: make([]int, p.PMPs),
		}
	}

	for pid := range k.procs {
		state := proc.Suspended

		if pid == 0 {
			state = proc.Ready
		}

		k.procs[pid] = proc.New(pid, state, p.PMPs)

		if img, ok := c.Process(pid); ok {
			k.procs[pid].Regs[abi.RegPC] = img.Entry
			k.procs[pid].Regs[abi.RegSP] = img.Stack
		}
	}

	set := pmp.NewSet(p.PMPs)
	slots := make([]int, p.PMPs)
	n := 0

	for i := range slots {
		slots[i] = -1
	}

	for i, cp := range bootCaps {
		ref := cap.Ref{PID: 0, Index: uint16(i)}

		if err = k.caps.Install(ref, cp); err != nil {
			return nil, fmt.Errorf("SK could not install boot capability %d, %v", i, err)
		}

		switch cp.Kind {
		case cap.Time:
			k.retime(ref, cp)
		case cap.PMP:
			if n < len(set) {
				set[n] = pmp.Entry{Word: cp.NAPOT(), Rights: cp.Rights, Valid: true}
				slots[n] = i
				n++
			}
		}
	}

	k.procs[0].LoadPMP(set, slots)

	return
}

// Caps returns the capability space.
func (k *Kernel) Caps() *cap.Space {
	return k.caps
}

// Proc returns process pid.
func (k *Kernel) Proc(pid int) *proc.Proc {
	return k.procs[pid]
}

// Procs returns all processes.
func (k *Kernel) Procs() []*proc.Proc {
	return k.procs
}

// Sched returns the slot tables.
func (k *Kernel) Sched() *sched.Table {
	return k.sched
}

// Chans returns the channel table.
func (k *Kernel) Chans() *ipc.Table {
	return k.chans
}

// Harts returns the hart contexts.
func (k *Kernel) Harts() []*HartContext {
	return k.harts
}

// Quiesce runs fn while no hart executes a system call and capability
// state is locked, for consistent inspection.
func (k *Kernel) Quiesce(fn func()) {
	n := uint64(len(k.harts))

	k.quiesce.AcquireN(n)
	defer k.quiesce.ReleaseN(n)

	k.capLock.Lock()
	defer k.capLock.Unlock()

	fn()
}

// retime rewrites the slot table entries covered by Time capability c,
// assigning each to the deepest Time capability under root covering it.
func (k *Kernel) retime(root cap.Ref, c cap.Capability) {
	h, ok := k.Params.HartIndex(c.Hart)

	if !ok {
		panic(fmt.Sprintf("time capability for unknown hart %d", c.Hart))
	}

	for s := c.Begin; s < c.End && s < uint64(k.sched.Slots()); s++ {
		owner := sched.Idle

		if root != cap.NoRef {
			if r, ok := k.caps.Cover(root, c.Hart, s); ok {
				owner = int(r.PID)
			}
		}

		k.sched.Set(h, int(s), owner)
	}
}

// Cleared unloads PMP entries backed by a removed capability.
func (k *Kernel) Cleared(r cap.Ref, c cap.Capability) {
	if c.Kind == cap.PMP {
		k.procs[r.PID].UnloadPMP(int(r.Index))
	}
}

// Moved follows a relocated PMP capability within its table, or unloads
// it when it leaves the table.
func (k *Kernel) Moved(src cap.Ref, dst cap.Ref, c cap.Capability) {
	if c.Kind != cap.PMP {
		return
	}

	if src.PID == dst.PID {
		k.procs[src.PID].MovePMP(int(src.Index), int(dst.Index))
	} else {
		k.procs[src.PID].UnloadPMP(int(src.Index))
	}
}
