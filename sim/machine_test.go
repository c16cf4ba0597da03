// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

import (
	"bytes"
	"context"
	"io"
	"log"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/usbarmory/GoSK/kernel"
	"github.com/usbarmory/GoSK/kernel/abi"
	"github.com/usbarmory/GoSK/kernel/cap"
	"github.com/usbarmory/GoSK/kernel/config"
	"github.com/usbarmory/GoSK/kernel/proc"
)

const pingPong = `
name = "pingpong"

[kernel]
harts = 1
processes = 3
capabilities = 16
channels = 2
slots = 4
slot_length = 100
pmp_entries = 4
tick_hz = 1000

[[capability]]
kind = "time"
hart = 0
begin = 0
end = 4

[[capability]]
kind = "monitor"
begin = 0
end = 3

[[capability]]
kind = "channel"
begin = 0
end = 2

[[capability]]
kind = "pmp"
base = 0x80000000
size = 0x1000
rwx = "rw-"
`

func newMachine(t *testing.T, platform string) *Machine {
	t.Helper()

	c, err := config.Parse(platform)

	if err != nil {
		t.Fatal(err)
	}

	k, err := kernel.New(c)

	if err != nil {
		t.Fatal(err)
	}

	k.Logger = log.New(io.Discard, "", 0)

	return NewMachine(k)
}

func derive(src, dst uint64, c cap.Capability) Step {
	w := c.Words()
	return Call(abi.SysCapDerive, src, dst, w[0], w[1], w[2])
}

func give(src uint64, c cap.Capability, pid uint64, idx uint64) []Step {
	return []Step{
		derive(src, 15, c),
		Call(abi.SysMonCapMove, 1, 0, 15, pid, idx),
	}
}

// checked fails the test when the previous system call of the process
// did not succeed.
func checked(t *testing.T, steps []Step) []Step {
	for i, s := range steps[1:] {
		i, s := i, s

		steps[i+1] = Check(func(env *Env) {
			if res := env.Result(); res != abi.Success {
				t.Errorf("pid %d step %d: %v", env.PID, i, res)
			}
		}, s)
	}

	return steps
}

func TestPingPong(t *testing.T) {
	var console bytes.Buffer

	m := newMachine(t, pingPong)
	m.Console.Output = &console

	var steps []Step
	steps = append(steps, derive(2, 10, cap.NewSocket(0, 0)), derive(10, 11, cap.NewSocket(0, 1)))
	steps = append(steps, Call(abi.SysMonCapMove, 1, 0, 10, 1, 0), Call(abi.SysMonCapMove, 1, 0, 11, 2, 0))
	steps = append(steps, give(0, cap.NewTime(0, 1, 2), 1, 1)...)
	steps = append(steps, give(0, cap.NewTime(0, 2, 3), 2, 1)...)
	steps = append(steps, Call(abi.SysMonResume, 1, 1), Call(abi.SysMonResume, 1, 2), Call(abi.SysYield))

	root := NewScript(checked(t, steps)...)

	pong := NewScript(
		Call(abi.SysRecv, 0, abi.NoDeadline, abi.NoSlot),
		func(env *Env) kernel.Trap {
			return env.Ecall(abi.SysSend, 0, abi.NoDeadline, abi.NoSlot, env.Arg(0)+1)
		},
	)
	pong.Repeat = 0

	var sent, replies uint64

	ping := ProgramFunc(func(env *Env) kernel.Trap {
		if sent > 0 {
			if env.Result() != abi.Success || env.Arg(0) != sent*10+1 || env.Arg(4) != 0 {
				t.Errorf("reply %d: %v %d", sent, env.Result(), env.Arg(0))
			} else {
				replies++
			}
		}

		sent++
		env.Printf("ping %d\n", sent)

		return env.Ecall(abi.SysSendRecv, abi.PackPair(0, 0), abi.NoDeadline, abi.PackPair(abi.NoSlot, abi.NoSlot), sent*10)
	})

	m.Bind(0, root)
	m.Bind(1, pong)
	m.Bind(2, ping)

	if err := m.Run(context.Background(), 2000); err != nil {
		t.Fatal(err)
	}

	if !root.Done() {
		t.Error("root did not complete provisioning")
	}

	if diff := cmp.Diff([]int{0, 1, 2, 0}, m.Kernel.Sched().Owners(0)); diff != "" {
		t.Errorf("schedule mismatch (-want +got):\n%s", diff)
	}

	if replies < 3 {
		t.Errorf("%d replies", replies)
	}

	if !bytes.HasPrefix(console.Bytes(), []byte("ping 1\nping 2\n")) {
		t.Errorf("console output %q", console.String())
	}

	if m.Clock.Now() < 2000 {
		t.Errorf("stopped at %d", m.Clock.Now())
	}
}

func TestFaultHandler(t *testing.T) {
	m := newMachine(t, pingPong)

	const bad = 0x90000000

	var handled, returned bool

	root := NewScript(
		Call(abi.SysRegWrite, abi.RegTPC, 0x4000),
		func(env *Env) kernel.Trap {
			if _, ok := env.Load(0x80000000); !ok {
				t.Error("boot PMP entry not enforced")
			}

			if _, ok := env.Store(0x80000ff8); !ok {
				t.Error("boot PMP entry not writable")
			}

			tr, _ := env.Load(bad)

			return tr
		},
		func(env *Env) kernel.Trap {
			r := env.Regs
			handled = r[abi.RegPC] == 0x4000 && r[abi.RegECause] == abi.CauseLoadFault && r[abi.RegEVal] == bad

			return kernel.Trap{Cause: abi.CauseIllegalInstruction, Value: abi.MRET}
		},
		func(env *Env) kernel.Trap {
			returned = env.Regs[abi.RegPC] != 0x4000 && env.Regs[abi.RegECause] == 0
			return env.Ecall(abi.SysYield)
		},
	)

	m.Bind(0, root)

	if err := m.Run(context.Background(), 500); err != nil {
		t.Fatal(err)
	}

	if !handled || !returned {
		t.Errorf("handled:%v returned:%v", handled, returned)
	}

	if n := m.Harts[0].PMPLoads(); n == 0 {
		t.Error("PMP never loaded")
	}
}

func TestPlatformIdle(t *testing.T) {
	c, err := config.Platform("sim")

	if err != nil {
		t.Fatal(err)
	}

	k, err := kernel.New(c)

	if err != nil {
		t.Fatal(err)
	}

	k.Logger = log.New(io.Discard, "", 0)
	m := NewMachine(k)

	if len(m.Harts) != 2 {
		t.Fatalf("%d harts", len(m.Harts))
	}

	if err := m.Run(context.Background(), 5000); err != nil {
		t.Fatal(err)
	}

	if m.Harts[0].Steps(0) != 0 {
		t.Errorf("unbound process stepped")
	}

	if s := k.Proc(0).State(); s == proc.Running {
		t.Errorf("pid 0 left %v", s)
	}
}

func TestRunCancel(t *testing.T) {
	m := newMachine(t, pingPong)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.Run(ctx, 0); err != nil {
		t.Errorf("cancelled run: %v", err)
	}
}
