// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sim implements kernel harts on the host, for testing and
// experimentation without RISC-V hardware.
//
// Processes are Go programs stepped one trap at a time against a virtual
// clock: each step consumes a fixed number of ticks of its hart and the slot
// timer preempts a process whose next step would cross it.
package sim

import (
	"fmt"
	"sync"

	"github.com/usbarmory/GoSK/kernel"
	"github.com/usbarmory/GoSK/kernel/abi"
	"github.com/usbarmory/GoSK/kernel/pmp"
	"github.com/usbarmory/GoSK/kernel/proc"
	"github.com/usbarmory/GoSK/util"
)

// Clock tracks the local time of each simulated hart. A hart moving ahead
// of the slowest one by more than Window ticks waits for it to catch up, so
// that an idle hart cannot run the others out of their slots.
type Clock struct {
	// Window is the maximum lead of a hart, unbounded when zero.
	Window uint64

	mu      sync.Mutex
	cond    *sync.Cond
	local   []uint64
	stopped bool
}

// NewClock returns a clock for harts kept within window ticks.
func NewClock(window uint64) *Clock {
	c := &Clock{Window: window}
	c.cond = sync.NewCond(&c.mu)

	return c
}

func (c *Clock) attach() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.local = append(c.local, c.min())

	return len(c.local) - 1
}

func (c *Clock) min() (t uint64) {
	for i, l := range c.local {
		if i == 0 || l < t {
			t = l
		}
	}

	return
}

// Now returns the time reached by every hart.
func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.min()
}

// Local returns the time of hart i.
func (c *Clock) Local(i int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.local[i]
}

// Advance moves the time of hart i forward to t, it never moves backwards.
func (c *Clock) Advance(i int, t uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t > c.local[i] {
		c.local[i] = t
		c.cond.Broadcast()
	}

	for c.Window > 0 && !c.stopped && c.local[i] > c.min()+c.Window {
		c.cond.Wait()
	}
}

// Stop releases harts waiting for others and disables the window until
// Start.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	c.cond.Broadcast()
}

// Start enables the window.
func (c *Clock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = false
}

// Program is a simulated process image.
type Program interface {
	// Step runs the process until its next trap.
	Step(env *Env) kernel.Trap
}

// ProgramFunc adapts a function to the Program interface.
type ProgramFunc func(env *Env) kernel.Trap

// Step calls f(env).
func (f ProgramFunc) Step(env *Env) kernel.Trap {
	return f(env)
}

// Env is the execution environment of a program step.
type Env struct {
	// Regs is the process register file.
	Regs *[abi.RegCount]uint64
	// PID is the process identifier.
	PID int

	hart *Hart
}

// Now returns the current time.
func (env *Env) Now() uint64 {
	return env.hart.Now()
}

// Hart returns the id of the hart running the step.
func (env *Env) Hart() uint64 {
	return env.hart.id
}

// Access returns whether the loaded PMP entries grant rights r on
// [addr, addr+size).
func (env *Env) Access(addr, size uint64, r pmp.Rights) bool {
	return env.hart.pmp.Allows(addr, size, r)
}

// Load simulates a load from addr, returning a load access fault trap when
// denied.
func (env *Env) Load(addr uint64) (kernel.Trap, bool) {
	if env.Access(addr, 8, pmp.R) {
		return kernel.Trap{}, true
	}

	return kernel.Trap{Cause: abi.CauseLoadFault, Value: addr}, false
}

// Store simulates a store to addr, returning a store access fault trap
// when denied.
func (env *Env) Store(addr uint64) (kernel.Trap, bool) {
	if env.Access(addr, 8, pmp.W) {
		return kernel.Trap{}, true
	}

	return kernel.Trap{Cause: abi.CauseStoreFault, Value: addr}, false
}

// Ecall loads a system call number and arguments and returns the ecall
// trap.
func (env *Env) Ecall(sys uint64, args ...uint64) kernel.Trap {
	env.Regs[abi.RegT0] = sys

	for i, a := range args {
		env.Regs[abi.RegA0+i] = a
	}

	return kernel.Trap{Cause: abi.CauseUserEcall}
}

// Printf writes to the process console.
func (env *Env) Printf(format string, a ...any) {
	if c := env.hart.Console; c != nil {
		c.Write(env.PID, []byte(fmt.Sprintf(format, a...)))
	}
}

// Result returns the result code of the last system call.
func (env *Env) Result() abi.Errno {
	return abi.Errno(env.Regs[abi.RegT0])
}

// Arg returns argument/result register a<i>.
func (env *Env) Arg(i int) uint64 {
	return env.Regs[abi.RegA0+i]
}

// Hart is a simulated hart.
type Hart struct {
	// StepCost is the number of ticks consumed by each program step.
	StepCost uint64
	// Console collects process output, discarded when nil.
	Console *util.BufferedLog

	id    uint64
	clock *Clock
	index int
	timer uint64
	pmp   pmp.Set

	mu       sync.Mutex
	programs map[int]Program
	steps    map[int]int
	loads    int
}

// NewHart returns a hart keeping its local time on clock.
func NewHart(id uint64, clock *Clock, pmpEntries int) *Hart {
	return &Hart{
		StepCost: 1,
		id:       id,
		clock:    clock,
		index:    clock.attach(),
		pmp:      pmp.NewSet(pmpEntries),
		programs: make(map[int]Program),
		steps:    make(map[int]int),
	}
}

// Bind sets the program run for process pid.
func (h *Hart) Bind(pid int, p Program) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.programs[pid] = p
}

// Steps returns the number of steps executed for process pid.
func (h *Hart) Steps(pid int) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.steps[pid]
}

// PMP returns a copy of the PMP registers.
func (h *Hart) PMP() pmp.Set {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append(pmp.Set(nil), h.pmp...)
}

// PMPLoads returns the number of PMP register writes.
func (h *Hart) PMPLoads() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.loads
}

func (h *Hart) ID() uint64 {
	return h.id
}

func (h *Hart) Now() uint64 {
	return h.clock.Local(h.index)
}

func (h *Hart) SetTimer(deadline uint64) {
	h.timer = deadline
}

func (h *Hart) LoadPMP(set pmp.Set) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	copy(h.pmp, set)
	h.loads++

	return nil
}

func (h *Hart) Idle(until uint64) {
	h.clock.Advance(h.index, until)
}

func (h *Hart) Resume(p *proc.Proc) kernel.Trap {
	timer := kernel.Trap{Cause: abi.CauseTimerInterrupt}

	h.mu.Lock()
	prog := h.programs[p.PID]
	h.mu.Unlock()

	now := h.Now()

	if prog == nil || now+h.StepCost > h.timer {
		h.clock.Advance(h.index, h.timer)
		return timer
	}

	h.clock.Advance(h.index, now+h.StepCost)

	h.mu.Lock()
	h.steps[p.PID]++
	h.mu.Unlock()

	return prog.Step(&Env{Regs: &p.Regs, PID: p.PID, hart: h})
}
