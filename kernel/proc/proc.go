// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package proc implements the process control block and its lifecycle state
// machine.
//
// Every transition is performed under the process spin lock, so that harts
// racing on the same process (scheduling, monitor calls, IPC wake ups) never
// observe a partial transition.
package proc

import (
	"fmt"

	"github.com/usbarmory/GoSK/kernel/abi"
	"github.com/usbarmory/GoSK/kernel/lock"
	"github.com/usbarmory/GoSK/kernel/pmp"
)

// State is the lifecycle state of a process.
type State uint32

const (
	// Ready processes can be picked by the scheduler.
	Ready State = iota
	// Running processes execute on exactly one hart.
	Running
	// Waiting processes are blocked on IPC or sleep until a partner
	// arrives or their deadline elapses.
	Waiting
	// Suspended processes only run again after a monitor resume.
	Suspended
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Waiting:
		return "waiting"
	case Suspended:
		return "suspended"
	}

	return fmt.Sprintf("state(%d)", uint32(s))
}

// NoChannel marks a Waiting process that is sleeping rather than blocked on
// a channel.
const NoChannel = -1

// Proc is a process control block.
type Proc struct {
	// PID is the process identifier, also its capability table index.
	PID int
	// Regs is the register file saved at the last trap.
	Regs [abi.RegCount]uint64

	mu       lock.SpinLock
	state    State
	busy     bool
	suspend  bool
	deadline uint64
	channel  int
	yielded  uint64

	pmp      pmp.Set
	pmpSlots []int
	pmpGen   uint64
}

// New returns a process in the given initial state with n PMP entries.
func New(pid int, state State, n int) *Proc {
	p := &Proc{
		PID:      pid,
		state:    state,
		channel:  NoChannel,
		pmp:      pmp.NewSet(n),
		pmpSlots: make([]int, n),
	}

	for i := range p.pmpSlots {
		p.pmpSlots[i] = -1
	}

	return p
}

// State returns the current state.
func (p *Proc) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state
}

// SuspendPending returns whether a suspension of the running process
// awaits its next trap.
func (p *Proc) SuspendPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.suspend
}

// Wait returns the channel and deadline of a Waiting process.
func (p *Proc) Wait() (channel int, deadline uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.channel, p.deadline
}

// Busy returns whether a hart holds the process, from Acquire until the
// matching Release.
func (p *Proc) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.busy
}

// Acquire moves a Ready process to Running, it fails if the process is in
// any other state or is still held by the hart it last ran on.
func (p *Proc) Acquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Ready || p.busy {
		return false
	}

	p.state = Running
	p.busy = true

	return true
}

// Release ends the execution of a process at a trap boundary, applying a
// pending suspension, and returns the resulting state. It must only be
// called by the hart holding the process: a process that blocked during
// the trap keeps the state it reached since, but becomes available to other
// harts only now.
func (p *Proc) Release() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.busy = false

	if p.state != Running {
		return p.state
	}

	if p.suspend {
		p.suspend = false
		p.state = Suspended
	} else {
		p.state = Ready
	}

	return p.state
}

// Block moves a Running process to Waiting until deadline, on channel ch or
// NoChannel for a sleep. A pending suspension takes precedence: the process
// becomes Suspended with result Suspended and Block returns false.
func (p *Proc) Block(ch int, deadline uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Running {
		panic(fmt.Sprintf("block of %s process %d", p.state, p.PID))
	}

	if p.suspend {
		p.suspend = false
		p.state = Suspended
		p.Regs[abi.RegT0] = uint64(abi.Suspended)
		return false
	}

	p.state = Waiting
	p.channel = ch
	p.deadline = deadline

	return true
}

// Wake moves a Waiting process to Ready with the given result code in t0.
func (p *Proc) Wake(res abi.Errno) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Waiting {
		return false
	}

	p.wake(res)

	return true
}

func (p *Proc) wake(res abi.Errno) {
	p.state = Ready
	p.channel = NoChannel
	p.Regs[abi.RegT0] = uint64(res)
}

// Retarget moves a Waiting process to another channel, keeping its
// deadline.
func (p *Proc) Retarget(ch int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Waiting {
		return false
	}

	p.channel = ch

	return true
}

// Expire wakes a Waiting process whose deadline is not after now. Blocked
// IPC completes with Timeout, sleeps with Success. The channel the process
// was blocked on is returned for cleanup.
func (p *Proc) Expire(now uint64) (ch int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Waiting || now < p.deadline {
		return NoChannel, false
	}

	ch = p.channel

	if ch == NoChannel {
		p.wake(abi.Success)
	} else {
		p.wake(abi.Timeout)
	}

	return ch, true
}

// Suspend suspends a process. Ready and Waiting processes are suspended
// immediately, a Waiting process loses its IPC operation with result
// Suspended. A Running process is suspended at its next trap boundary. The
// previous state and, for Waiting processes, the channel are returned.
func (p *Proc) Suspend() (prev State, ch int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev = p.state
	ch = NoChannel

	switch p.state {
	case Ready:
		p.state = Suspended
	case Waiting:
		ch = p.channel
		p.wake(abi.Suspended)
		p.state = Suspended
	case Running:
		p.suspend = true
	}

	return
}

// Resume makes a Suspended process Ready, or cancels a pending suspension.
func (p *Proc) Resume() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.state == Suspended:
		p.state = Ready
		return true
	case p.suspend:
		p.suspend = false
		return true
	}

	return false
}

// Yield records that the process gave up absolute slot abs.
func (p *Proc) Yield(abs uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.yielded = abs + 1
}

// Yielded returns whether the process gave up absolute slot abs.
func (p *Proc) Yielded(abs uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.yielded == abs+1
}

func (p *Proc) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := fmt.Sprintf("pid:%d state:%s pc:%#x sp:%#x", p.PID, p.state, p.Regs[abi.RegPC], p.Regs[abi.RegSP])

	if p.suspend {
		s += " (suspend pending)"
	}

	if p.busy && p.state != Running {
		s += " (held)"
	}

	if p.state == Waiting {
		s += fmt.Sprintf(" channel:%d deadline:%d", p.channel, p.deadline)
	}

	return s
}
