// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"github.com/usbarmory/GoSK/kernel"
	"github.com/usbarmory/GoSK/kernel/abi"
	"github.com/usbarmory/GoSK/kernel/cap"
	"github.com/usbarmory/GoSK/kernel/pmp"
	"github.com/usbarmory/GoSK/sim"
)

// boot capability table of the sim platform
const (
	bootPMP = iota
	bootMemory
	bootTime0
	bootTime1
	bootMonitor
	bootChannel
)

// capability slots of the ping and pong processes
const (
	slotPMP = iota
	slotSocket
	slotTime
)

const (
	pingPID = 1
	pongPID = 2

	pingBase = 0x80020000
	pongBase = 0x80030000
	region   = 0x10000

	scratch = 31
)

var programs = map[string]func() sim.Program{
	"root": root,
	"ping": ping,
	"pong": pong,
}

func deriveAt(src uint64, dst uint64, c cap.Capability) sim.Step {
	w := c.Words()
	return sim.Call(abi.SysCapDerive, src, dst, w[0], w[1], w[2])
}

func derive(src uint64, c cap.Capability) sim.Step {
	return deriveAt(src, scratch, c)
}

func moveTo(pid uint64, idx uint64) sim.Step {
	return sim.Call(abi.SysMonCapMove, bootMonitor, 0, scratch, pid, idx)
}

func mustPMP(base, size uint64, r pmp.Rights) cap.Capability {
	c, err := cap.NewPMP(base, size, r)

	if err != nil {
		panic(err)
	}

	return c
}

// root provisions a ping process on hart 0 and a pong process on hart 1,
// connected by channel 0, then yields its remaining slots.
func root() sim.Program {
	steps := []sim.Step{
		derive(bootMemory, mustPMP(pingBase, region, pmp.R|pmp.W)),
		moveTo(pingPID, slotPMP),
		derive(bootMemory, mustPMP(pongBase, region, pmp.R|pmp.W)),
		moveTo(pongPID, slotPMP),

		deriveAt(bootChannel, 20, cap.NewSocket(0, 0)),
		derive(20, cap.NewSocket(0, 1)),
		moveTo(pingPID, slotSocket),
		sim.Call(abi.SysMonCapMove, bootMonitor, 0, 20, pongPID, slotSocket),

		derive(bootTime0, cap.NewTime(0, 4, 12)),
		moveTo(pingPID, slotTime),
		derive(bootTime1, cap.NewTime(1, 4, 12)),
		moveTo(pongPID, slotTime),

		sim.Call(abi.SysMonPmpLoad, bootMonitor, pingPID, abi.PackPMP(slotPMP)),
		sim.Call(abi.SysMonPmpLoad, bootMonitor, pongPID, abi.PackPMP(slotPMP)),
		sim.Call(abi.SysMonResume, bootMonitor, pingPID),
		sim.Call(abi.SysMonResume, bootMonitor, pongPID),
	}

	for i, s := range steps[1:] {
		i, s := i, s

		steps[i+1] = sim.Check(func(env *sim.Env) {
			if res := env.Result(); res != abi.Success {
				env.Printf("root: step %d failed, %v\n", i, res)
			}
		}, s)
	}

	steps = append(steps, func(env *sim.Env) kernel.Trap {
		env.Printf("root: provisioned\n")
		return env.Ecall(abi.SysYield)
	})

	return sim.NewScript(steps...)
}

// ping sends an increasing counter to pong and waits for its answer.
func ping() sim.Program {
	var n uint64

	return sim.ProgramFunc(func(env *sim.Env) kernel.Trap {
		if n > 0 {
			if res := env.Result(); res != abi.Success {
				env.Printf("ping: %d failed, %v\n", n, res)
			} else {
				env.Printf("ping: %d -> %d\n", n, env.Arg(0))
			}
		}

		if t, ok := env.Store(pingBase); !ok {
			return t
		}

		n++

		return env.Ecall(abi.SysSendRecv, abi.PackPair(slotSocket, slotSocket), abi.NoDeadline, abi.PackPair(abi.NoSlot, abi.NoSlot), n)
	})
}

// pong answers each request with twice its value.
func pong() sim.Program {
	s := sim.NewScript(
		sim.Call(abi.SysRecv, slotSocket, abi.NoDeadline, abi.NoSlot),
		func(env *sim.Env) kernel.Trap {
			if t, ok := env.Load(pongBase); !ok {
				return t
			}

			return env.Ecall(abi.SysSend, slotSocket, abi.NoDeadline, abi.NoSlot, env.Arg(0)*2)
		},
	)

	s.Repeat = 0

	return s
}
