// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package kernel

import (
	"io"
	"log"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/usbarmory/GoSK/kernel/abi"
	"github.com/usbarmory/GoSK/kernel/cap"
	"github.com/usbarmory/GoSK/kernel/config"
	"github.com/usbarmory/GoSK/kernel/pmp"
	"github.com/usbarmory/GoSK/kernel/proc"
)

const testPlatform = `
name = "test"

[kernel]
harts = 1
processes = 4
capabilities = 16
channels = 4
slots = 8
slot_length = 100
pmp_entries = 4
tick_hz = 1000

[[process]]
pid = 0
entry = 0x1000
stack = 0x2000

[[capability]]
kind = "time"
hart = 0
begin = 0
end = 8

[[capability]]
kind = "monitor"
begin = 0
end = 4

[[capability]]
kind = "channel"
begin = 0
end = 4

[[capability]]
kind = "memory"
begin = 0x80000000
end = 0x80100000
rwx = "rwx"

[[capability]]
kind = "pmp"
base = 0x1000
size = 0x1000
rwx = "rwx"
`

// boot capability slots
const (
	capTime = iota
	capMon
	capChan
	capMem
	capPMP
)

// scratch slot used to provision other processes
const capTmp = 15

type fakeHart struct {
	now   uint64
	timer uint64
	set   pmp.Set
	loads int
}

func (h *fakeHart) ID() uint64 {
	return 0
}

func (h *fakeHart) Now() uint64 {
	return h.now
}

func (h *fakeHart) SetTimer(deadline uint64) {
	h.timer = deadline
}

func (h *fakeHart) LoadPMP(set pmp.Set) error {
	h.set = append(pmp.Set(nil), set...)
	h.loads++
	return nil
}

func (h *fakeHart) Resume(p *proc.Proc) Trap {
	panic("unexpected resume")
}

func (h *fakeHart) Idle(until uint64) {
	h.now = until
}

func boot(t *testing.T) (*Kernel, *HartContext, *fakeHart) {
	t.Helper()
	return bootPlatform(t, testPlatform)
}

func bootPlatform(t *testing.T, platform string) (*Kernel, *HartContext, *fakeHart) {
	t.Helper()

	c, err := config.Parse(platform)

	if err != nil {
		t.Fatal(err)
	}

	k, err := New(c)

	if err != nil {
		t.Fatal(err)
	}

	k.Logger = log.New(io.Discard, "", 0)

	fh := &fakeHart{}
	hc := k.harts[0]
	hc.hw = fh

	return k, hc, fh
}

func call(k *Kernel, hc *HartContext, p *proc.Proc, sys uint64, args ...uint64) (abi.Errno, *proc.Proc) {
	p.Regs[abi.RegT0] = sys

	for i, a := range args {
		p.Regs[abi.RegA0+i] = a
	}

	next := k.Syscall(hc, p)

	return abi.Errno(p.Regs[abi.RegT0]), next
}

func mustCall(t *testing.T, k *Kernel, hc *HartContext, p *proc.Proc, sys uint64, args ...uint64) {
	t.Helper()

	if res, _ := call(k, hc, p, sys, args...); res != abi.Success {
		t.Fatalf("syscall %d%v = %v", sys, args, res)
	}
}

func running(t *testing.T, p *proc.Proc) *proc.Proc {
	t.Helper()

	if !p.Acquire() {
		t.Fatalf("pid %d not ready (%v)", p.PID, p.State())
	}

	return p
}

func derive(t *testing.T, k *Kernel, hc *HartContext, p *proc.Proc, src, dst uint64, c cap.Capability) {
	t.Helper()

	w := c.Words()
	mustCall(t, k, hc, p, abi.SysCapDerive, src, dst, w[0], w[1], w[2])
}

// give derives c from slot src of process 0 and moves it to slot idx of
// the suspended process pid.
func give(t *testing.T, k *Kernel, hc *HartContext, src uint64, c cap.Capability, pid, idx uint64) {
	t.Helper()

	p0 := k.Proc(0)

	derive(t, k, hc, p0, src, capTmp, c)
	mustCall(t, k, hc, p0, abi.SysMonCapMove, capMon, 0, capTmp, pid, idx)
}

func TestBoot(t *testing.T) {
	k, _, _ := boot(t)

	if s := k.Proc(0).State(); s != proc.Ready {
		t.Errorf("pid 0 %v", s)
	}

	for pid := 1; pid < 4; pid++ {
		if s := k.Proc(pid).State(); s != proc.Suspended {
			t.Errorf("pid %d %v", pid, s)
		}
	}

	if diff := cmp.Diff([]int{0, 0, 0, 0, 0, 0, 0, 0}, k.Sched().Owners(0)); diff != "" {
		t.Errorf("schedule mismatch (-want +got):\n%s", diff)
	}

	p0 := k.Proc(0)

	if p0.Regs[abi.RegPC] != 0x1000 || p0.Regs[abi.RegSP] != 0x2000 {
		t.Errorf("pid 0 pc:%#x sp:%#x", p0.Regs[abi.RegPC], p0.Regs[abi.RegSP])
	}

	if diff := cmp.Diff([]int{capPMP, -1, -1, -1}, p0.PMPSlots()); diff != "" {
		t.Errorf("boot PMP mismatch (-want +got):\n%s", diff)
	}
}

func TestSyscallEntry(t *testing.T) {
	k, hc, _ := boot(t)
	p0 := running(t, k.Proc(0))

	res, next := call(k, hc, p0, 999)

	if res != abi.InvalidSyscall || next != p0 {
		t.Errorf("invalid syscall = %v, %v", res, next)
	}

	if pc := p0.Regs[abi.RegPC]; pc != 0x1004 {
		t.Errorf("pc = %#x, want %#x", pc, 0x1004)
	}
}

func TestGetInfo(t *testing.T) {
	k, hc, fh := boot(t)
	fh.now = 250

	p0 := k.schedule(hc)

	if p0 == nil {
		t.Fatal("nothing scheduled")
	}

	for _, tc := range []struct {
		info uint64
		want uint64
	}{
		{abi.InfoPID, 0},
		{abi.InfoTime, 250},
		{abi.InfoSlotDeadline, 300},
		{abi.InfoHart, 0},
	} {
		mustCall(t, k, hc, p0, abi.SysGetInfo, tc.info)

		if got := p0.Regs[abi.RegA0]; got != tc.want {
			t.Errorf("info %d = %d, want %d", tc.info, got, tc.want)
		}
	}

	if res, _ := call(k, hc, p0, abi.SysGetInfo, 42); res != abi.InvalidSyscall {
		t.Errorf("unknown info = %v", res)
	}
}

func TestRegisters(t *testing.T) {
	k, hc, _ := boot(t)
	p0 := running(t, k.Proc(0))

	mustCall(t, k, hc, p0, abi.SysRegWrite, abi.RegTPC, 0x5000)

	if p0.Regs[abi.RegTPC] != 0x5000 {
		t.Errorf("tpc = %#x", p0.Regs[abi.RegTPC])
	}

	mustCall(t, k, hc, p0, abi.SysRegRead, abi.RegTPC)

	if p0.Regs[abi.RegA0] != 0x5000 {
		t.Errorf("read tpc = %#x", p0.Regs[abi.RegA0])
	}

	if res, _ := call(k, hc, p0, abi.SysRegRead, abi.RegCount); res != abi.InvalidRegister {
		t.Errorf("read invalid register = %v", res)
	}

	if res, _ := call(k, hc, p0, abi.SysRegWrite, abi.RegCount, 0); res != abi.InvalidRegister {
		t.Errorf("write invalid register = %v", res)
	}
}

func TestCapErrors(t *testing.T) {
	k, hc, _ := boot(t)
	p0 := running(t, k.Proc(0))

	mem := cap.NewMemory(0x80000000, 0x80001000, pmp.R).Words()

	for _, tc := range []struct {
		name string
		sys  uint64
		args []uint64
		want abi.Errno
	}{
		{"read index", abi.SysCapRead, []uint64{16}, abi.InvalidIndex},
		{"read empty", abi.SysCapRead, []uint64{9}, abi.CapEmpty},
		{"delete empty", abi.SysCapDelete, []uint64{9}, abi.CapEmpty},
		{"revoke empty", abi.SysCapRevoke, []uint64{9}, abi.CapEmpty},
		{"move empty", abi.SysCapMove, []uint64{9, 10}, abi.CapEmpty},
		{"move occupied", abi.SysCapMove, []uint64{capMon, capChan}, abi.CapCollision},
		{"derive kind", abi.SysCapDerive, []uint64{capTime, 10, mem[0], mem[1], mem[2]}, abi.CapInvalidKind},
		{"derive collision", abi.SysCapDerive, []uint64{capMem, capChan, mem[0], mem[1], mem[2]}, abi.CapCollision},
		{"derive bad words", abi.SysCapDerive, []uint64{capMem, 10, 0xff, 0, 0}, abi.CapInvalidKind},
		{"derive dst index", abi.SysCapDerive, []uint64{capMem, 99, mem[0], mem[1], mem[2]}, abi.InvalidIndex},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if res, _ := call(k, hc, p0, tc.sys, tc.args...); res != tc.want {
				t.Errorf("= %v, want %v", res, tc.want)
			}
		})
	}
}

func TestCapReadMoveDelete(t *testing.T) {
	k, hc, _ := boot(t)
	p0 := running(t, k.Proc(0))

	want := cap.NewMemory(0x80000000, 0x80001000, pmp.R|pmp.W)
	derive(t, k, hc, p0, capMem, 10, want)

	mustCall(t, k, hc, p0, abi.SysCapMove, 10, 11)
	mustCall(t, k, hc, p0, abi.SysCapRead, 11)

	got, err := cap.FromWords(p0.Regs[abi.RegA0], p0.Regs[abi.RegA1], p0.Regs[abi.RegA2])

	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("read mismatch (-want +got):\n%s", diff)
	}

	if res, _ := call(k, hc, p0, abi.SysCapDelete, capMem); res != abi.CapNotLeaf {
		t.Errorf("delete parent = %v", res)
	}

	mustCall(t, k, hc, p0, abi.SysCapDelete, 11)
	mustCall(t, k, hc, p0, abi.SysCapDelete, capMem)
}

func TestDeriveMisalignedPMP(t *testing.T) {
	k, hc, _ := boot(t)
	p0 := running(t, k.Proc(0))

	bad := cap.Capability{Kind: cap.PMP, Rights: pmp.R, Begin: 0x80001000, End: 0x80004000}
	w := bad.Words()

	if res, _ := call(k, hc, p0, abi.SysCapDerive, capMem, 10, w[0], w[1], w[2]); res != abi.CapIllegalDerivation {
		t.Fatalf("derive = %v", res)
	}

	if c := k.Caps().Read(cap.Ref{PID: 0, Index: 10}); !c.IsEmpty() {
		t.Errorf("destination written: %v", c)
	}
}

func TestTimeSchedule(t *testing.T) {
	k, hc, _ := boot(t)
	p0 := running(t, k.Proc(0))

	give(t, k, hc, capTime, cap.NewTime(0, 2, 4), 1, 0)
	give(t, k, hc, capTime, cap.NewTime(0, 6, 8), 2, 0)

	if diff := cmp.Diff([]int{0, 0, 1, 1, 0, 0, 2, 2}, k.Sched().Owners(0)); diff != "" {
		t.Errorf("schedule mismatch (-want +got):\n%s", diff)
	}

	w := cap.NewTime(0, 3, 5).Words()

	if res, _ := call(k, hc, p0, abi.SysCapDerive, capTime, 10, w[0], w[1], w[2]); res != abi.CapIllegalDerivation {
		t.Errorf("overlapping time derive = %v", res)
	}

	// process 2 deletes its own slots
	mustCall(t, k, hc, p0, abi.SysMonResume, capMon, 2)
	p2 := running(t, k.Proc(2))
	mustCall(t, k, hc, p2, abi.SysCapDelete, 0)

	if diff := cmp.Diff([]int{0, 0, 1, 1, 0, 0, 0, 0}, k.Sched().Owners(0)); diff != "" {
		t.Errorf("schedule after delete mismatch (-want +got):\n%s", diff)
	}

	// nested derivation within process 1 keeps ownership
	mustCall(t, k, hc, p0, abi.SysMonResume, capMon, 1)
	p1 := running(t, k.Proc(1))
	derive(t, k, hc, p1, 0, 1, cap.NewTime(0, 3, 4))

	if owner := k.Sched().Owner(0, 3); owner != 1 {
		t.Errorf("slot 3 owner %d", owner)
	}

	mustCall(t, k, hc, p0, abi.SysCapRevoke, capTime)

	if diff := cmp.Diff([]int{0, 0, 0, 0, 0, 0, 0, 0}, k.Sched().Owners(0)); diff != "" {
		t.Errorf("schedule after revoke mismatch (-want +got):\n%s", diff)
	}
}

// Two processes splitting a 32 slot hart run in their own halves.
func TestSlotOwnership(t *testing.T) {
	k, hc, fh := bootPlatform(t, `
[kernel]
harts = 1
processes = 3
capabilities = 16
channels = 0
slots = 32
slot_length = 100
pmp_entries = 0
tick_hz = 1000

[[capability]]
kind = "time"
hart = 0
begin = 0
end = 32

[[capability]]
kind = "monitor"
begin = 0
end = 3
`)

	p0 := running(t, k.Proc(0))

	give(t, k, hc, capTime, cap.NewTime(0, 0, 16), 1, 0)
	give(t, k, hc, capTime, cap.NewTime(0, 16, 32), 2, 0)
	mustCall(t, k, hc, p0, abi.SysMonResume, capMon, 1)
	mustCall(t, k, hc, p0, abi.SysMonResume, capMon, 2)
	p0.Release()

	for _, tc := range []struct {
		slot uint64
		pid  int
	}{
		{5, 1},
		{20, 2},
		{32 + 15, 1},
		{32 + 16, 2},
	} {
		fh.now = tc.slot*100 + 50
		p := k.schedule(hc)

		if p == nil || p.PID != tc.pid {
			t.Errorf("slot %d: scheduled %v, want pid %d", tc.slot, p, tc.pid)
			continue
		}

		if fh.timer != (tc.slot+1)*100 {
			t.Errorf("slot %d: timer %d", tc.slot, fh.timer)
		}

		p.Release()
	}
}

func TestPmpLoad(t *testing.T) {
	k, hc, fh := boot(t)
	p0 := running(t, k.Proc(0))

	ro, _ := cap.NewPMP(0x80000000, 0x1000, pmp.R)
	rw, _ := cap.NewPMP(0x80010000, 0x10000, pmp.R|pmp.W)

	derive(t, k, hc, p0, capMem, 5, ro)
	derive(t, k, hc, p0, capMem, 6, rw)

	mustCall(t, k, hc, p0, abi.SysPmpLoad, abi.PackPMP(5, 6))

	want := []int{5, 6, -1, -1}

	if diff := cmp.Diff(want, p0.PMPSlots()); diff != "" {
		t.Fatalf("slots mismatch (-want +got):\n%s", diff)
	}

	for _, tc := range []struct {
		name   string
		packed uint64
		res    abi.Errno
	}{
		{"kind", abi.PackPMP(5, capMon), abi.CapInvalidKind},
		{"empty", abi.PackPMP(7), abi.CapEmpty},
		{"entries", abi.PackPMP(5, 6, 5, 6, 5), abi.InvalidSlot},
		{"index", abi.PackPMP(20), abi.InvalidIndex},
	} {
		if res, _ := call(k, hc, p0, abi.SysPmpLoad, tc.packed); res != tc.res {
			t.Errorf("%s: PmpLoad = %v, want %v", tc.name, res, tc.res)
		}

		// failed loads leave the previous set in place
		if diff := cmp.Diff(want, p0.PMPSlots()); diff != "" {
			t.Errorf("%s: slots changed (-want +got):\n%s", tc.name, diff)
		}
	}

	if err := k.loadPMP(hc, p0); err != nil {
		t.Fatal(err)
	}

	if !fh.set.Allows(0x80000000, 8, pmp.R) || fh.set.Allows(0x80000000, 8, pmp.W) || !fh.set.Allows(0x80010000, 8, pmp.W) {
		t.Errorf("hart PMP %+v", fh.set)
	}

	if fh.set.Allows(0x1000, 8, pmp.R) {
		t.Error("unloaded boot entry still enforced")
	}

	k.loadPMP(hc, p0)

	if fh.loads != 1 {
		t.Errorf("%d PMP writes for an unchanged set", fh.loads)
	}

	// revocation unloads derived entries
	mustCall(t, k, hc, p0, abi.SysCapRevoke, capMem)

	if diff := cmp.Diff([]int{-1, -1, -1, -1}, p0.PMPSlots()); diff != "" {
		t.Errorf("slots after revoke mismatch (-want +got):\n%s", diff)
	}

	k.loadPMP(hc, p0)

	if fh.loads != 2 || fh.set.Allows(0x80000000, 8, pmp.R) {
		t.Error("revoked entry still enforced")
	}
}

func TestMonitor(t *testing.T) {
	k, hc, _ := boot(t)
	p0 := running(t, k.Proc(0))
	p1 := k.Proc(1)

	for _, tc := range []struct {
		name string
		sys  uint64
		args []uint64
		want abi.Errno
	}{
		{"out of range", abi.SysMonSuspend, []uint64{capMon, 4}, abi.MonitorOutOfRange},
		{"kind", abi.SysMonSuspend, []uint64{capChan, 1}, abi.CapInvalidKind},
		{"empty", abi.SysMonSuspend, []uint64{9, 1}, abi.CapEmpty},
		{"index", abi.SysMonSuspend, []uint64{99, 1}, abi.InvalidIndex},
		{"register", abi.SysMonRegRead, []uint64{capMon, 1, abi.RegCount}, abi.InvalidRegister},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if res, _ := call(k, hc, p0, tc.sys, tc.args...); res != tc.want {
				t.Errorf("= %v, want %v", res, tc.want)
			}
		})
	}

	mustCall(t, k, hc, p0, abi.SysMonRegWrite, capMon, 1, abi.RegPC, 0x4000)
	mustCall(t, k, hc, p0, abi.SysMonRegRead, capMon, 1, abi.RegPC)

	if p0.Regs[abi.RegA0] != 0x4000 || p1.Regs[abi.RegPC] != 0x4000 {
		t.Errorf("pc = %#x", p1.Regs[abi.RegPC])
	}

	mustCall(t, k, hc, p0, abi.SysMonResume, capMon, 1)

	if res, _ := call(k, hc, p0, abi.SysMonRegWrite, capMon, 1, abi.RegPC, 0); res != abi.MonitorBusy {
		t.Errorf("write registers of ready process = %v", res)
	}

	mustCall(t, k, hc, p0, abi.SysMonState, capMon, 1)

	if proc.State(p0.Regs[abi.RegA0]) != proc.Ready {
		t.Errorf("state = %v", proc.State(p0.Regs[abi.RegA0]))
	}

	// a running process is suspended at its next trap
	running(t, p1)
	mustCall(t, k, hc, p0, abi.SysMonSuspend, capMon, 1)
	mustCall(t, k, hc, p0, abi.SysMonState, capMon, 1)

	if proc.State(p0.Regs[abi.RegA0]) != proc.Running || p0.Regs[abi.RegA1] != 1 {
		t.Errorf("state = %v pending:%d", proc.State(p0.Regs[abi.RegA0]), p0.Regs[abi.RegA1])
	}

	k.Trap(hc, p1, Trap{Cause: abi.CauseTimerInterrupt})

	if s := p1.State(); s != proc.Suspended {
		t.Errorf("state after trap = %v", s)
	}
}

func TestMonCapRead(t *testing.T) {
	k, hc, _ := boot(t)
	p0 := running(t, k.Proc(0))

	give(t, k, hc, capChan, cap.NewSocket(1, 0), 3, 2)
	mustCall(t, k, hc, p0, abi.SysMonCapRead, capMon, 3, 2)

	got, _ := cap.FromWords(p0.Regs[abi.RegA0], p0.Regs[abi.RegA1], p0.Regs[abi.RegA2])

	if got != cap.NewSocket(1, 0) {
		t.Errorf("read %v", got)
	}

	// moving out of a running process is refused
	mustCall(t, k, hc, p0, abi.SysMonResume, capMon, 3)

	if res, _ := call(k, hc, p0, abi.SysMonCapMove, capMon, 3, 2, 0, 9); res != abi.MonitorBusy {
		t.Errorf("move from ready process = %v", res)
	}
}

func TestMonYield(t *testing.T) {
	k, hc, _ := boot(t)
	p0 := running(t, k.Proc(0))

	if res, next := call(k, hc, p0, abi.SysMonYield, capMon, 1); res != abi.MonitorBusy || next != p0 {
		t.Errorf("yield to suspended = %v", res)
	}

	mustCall(t, k, hc, p0, abi.SysMonResume, capMon, 1)

	p0.Regs[abi.RegT0] = abi.SysMonYield
	next := k.Trap(hc, p0, Trap{Cause: abi.CauseUserEcall})

	if next != k.Proc(1) || next.State() != proc.Running {
		t.Fatalf("next = %v", next)
	}

	if s := p0.State(); s != proc.Ready {
		t.Errorf("donor state %v", s)
	}
}

// A process run on a donated slot sees the slot of the donor, a yield
// gives that slot back without touching its own slots.
func TestMonYieldSlot(t *testing.T) {
	k, hc, fh := boot(t)
	p0 := k.schedule(hc)

	if p0 == nil || p0.PID != 0 {
		t.Fatalf("schedule = %v", p0)
	}

	give(t, k, hc, capTime, cap.NewTime(0, 1, 2), 1, 0)
	mustCall(t, k, hc, p0, abi.SysMonResume, capMon, 1)

	p0.Regs[abi.RegT0] = abi.SysMonYield
	p1 := k.Trap(hc, p0, Trap{Cause: abi.CauseUserEcall})

	if p1 != k.Proc(1) {
		t.Fatalf("next = %v", p1)
	}

	mustCall(t, k, hc, p1, abi.SysGetInfo, abi.InfoSlotDeadline)

	if dl := p1.Regs[abi.RegA0]; dl != 100 {
		t.Errorf("slot deadline %d", dl)
	}

	p1.Regs[abi.RegT0] = abi.SysYield

	if next := k.Trap(hc, p1, Trap{Cause: abi.CauseUserEcall}); next != p0 {
		t.Fatalf("after yield = %v", next)
	}

	if !p1.Yielded(0) {
		t.Error("donated slot not yielded")
	}

	p0.Release()
	fh.now = 100

	if next := k.schedule(hc); next != p1 {
		t.Errorf("own slot = %v", next)
	}
}

func TestException(t *testing.T) {
	k, hc, _ := boot(t)
	p0 := running(t, k.Proc(0))

	p0.Regs[abi.RegTPC] = 0x5000
	p0.Regs[abi.RegTSP] = 0x6000
	p0.Regs[abi.RegPC] = 0x1234

	if next := k.Trap(hc, p0, Trap{Cause: abi.CauseLoadFault, Value: 0xdead}); next != p0 {
		t.Fatalf("faulting process not resumed: %v", next)
	}

	r := &p0.Regs

	if r[abi.RegPC] != 0x5000 || r[abi.RegSP] != 0x6000 {
		t.Errorf("pc:%#x sp:%#x", r[abi.RegPC], r[abi.RegSP])
	}

	if r[abi.RegECause] != abi.CauseLoadFault || r[abi.RegEVal] != 0xdead || r[abi.RegEPC] != 0x1234 || r[abi.RegESP] != 0x2000 {
		t.Errorf("trap registers %#x %#x %#x %#x", r[abi.RegECause], r[abi.RegEVal], r[abi.RegEPC], r[abi.RegESP])
	}

	k.Trap(hc, p0, Trap{Cause: abi.CauseIllegalInstruction, Value: abi.MRET})

	if r[abi.RegPC] != 0x1234 || r[abi.RegSP] != 0x2000 || r[abi.RegECause] != 0 {
		t.Errorf("after mret pc:%#x sp:%#x cause:%#x", r[abi.RegPC], r[abi.RegSP], r[abi.RegECause])
	}

	if s := p0.State(); s != proc.Running {
		t.Errorf("state %v", s)
	}
}

func TestTrapReturn(t *testing.T) {
	for _, tc := range []struct {
		name string
		insn uint64
		ret  bool
	}{
		{"mret", abi.MRET, true},
		{"sret", abi.SRET, true},
		{"uret", abi.URET, true},
		{"wfi", 0x10500073, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			k, hc, _ := boot(t)
			p0 := running(t, k.Proc(0))
			r := &p0.Regs

			r[abi.RegTPC] = 0x5000
			r[abi.RegTSP] = 0x6000
			r[abi.RegPC] = 0x1234

			k.Trap(hc, p0, Trap{Cause: abi.CauseStoreFault, Value: 0xbeef})
			k.Trap(hc, p0, Trap{Cause: abi.CauseIllegalInstruction, Value: tc.insn})

			if returned := r[abi.RegPC] == 0x1234; returned != tc.ret {
				t.Errorf("pc:%#x ecause:%#x", r[abi.RegPC], r[abi.RegECause])
			}
		})
	}
}

func TestYield(t *testing.T) {
	k, hc, fh := boot(t)

	p0 := k.schedule(hc)

	if p0 == nil || fh.timer != 100 {
		t.Fatalf("schedule = %v timer:%d", p0, fh.timer)
	}

	p0.Regs[abi.RegT0] = abi.SysYield

	if next := k.Trap(hc, p0, Trap{Cause: abi.CauseUserEcall}); next != nil {
		t.Fatalf("yielding process rescheduled in the same slot")
	}

	fh.now = 100

	if next := k.schedule(hc); next != p0 {
		t.Errorf("next slot = %v", next)
	}
}

func TestSleep(t *testing.T) {
	k, hc, fh := boot(t)
	p0 := k.schedule(hc)

	p0.Regs[abi.RegT0] = abi.SysSleepUntil
	p0.Regs[abi.RegA0] = 3
	p0.Regs[abi.RegA1] = 1

	if next := k.Trap(hc, p0, Trap{Cause: abi.CauseUserEcall}); next != nil {
		t.Fatal("sleeping process resumed")
	}

	fh.now = 299

	if next := k.schedule(hc); next != nil {
		t.Fatal("woke up early")
	}

	fh.now = 300

	if next := k.schedule(hc); next != p0 {
		t.Fatalf("not woken at deadline: %v", next)
	}

	if res := abi.Errno(p0.Regs[abi.RegT0]); res != abi.Success {
		t.Errorf("result %v", res)
	}

	// past deadlines return immediately
	if res, next := call(k, hc, p0, abi.SysSleepUntil, 10, 0); res != abi.Success || next != p0 {
		t.Errorf("past sleep = %v, %v", res, next)
	}

	// slot deadlines beyond the clock range never wrap into the past
	if res, next := call(k, hc, p0, abi.SysSleepUntil, 1<<62, 1); res != abi.Success || next != nil {
		t.Fatalf("far sleep = %v, %v", res, next)
	}

	if _, dl := p0.Wait(); dl != abi.NoDeadline {
		t.Errorf("deadline %#x", dl)
	}
}

func TestQuiesce(t *testing.T) {
	k, _, _ := boot(t)

	ran := false

	k.Quiesce(func() {
		ran = true
	})

	if !ran {
		t.Error("Quiesce did not run")
	}
}
