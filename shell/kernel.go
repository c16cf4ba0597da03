// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package shell

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/usbarmory/GoSK/kernel"
	"github.com/usbarmory/GoSK/kernel/abi"
	"github.com/usbarmory/GoSK/kernel/cap"
	"github.com/usbarmory/GoSK/kernel/ipc"
	"github.com/usbarmory/GoSK/kernel/proc"
)

var sk *kernel.Kernel

var regNames = [abi.RegCount]string{
	"pc", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
	"tpc", "tsp", "epc", "esp", "ecause", "eval",
}

func init() {
	Add(Cmd{
		Name: "procs",
		Help: "process table",
		Fn:   procsCmd,
	})

	Add(Cmd{
		Name:    "caps",
		Args:    1,
		Pattern: regexp.MustCompile(`^caps (\d+)$`),
		Syntax:  "<pid>",
		Help:    "capability table of a process",
		Fn:      capsCmd,
	})

	Add(Cmd{
		Name: "tree",
		Help: "capability derivation tree",
		Fn:   treeCmd,
	})

	Add(Cmd{
		Name: "sched",
		Help: "slot table of every hart",
		Fn:   schedCmd,
	})

	Add(Cmd{
		Name:    "regs",
		Args:    1,
		Pattern: regexp.MustCompile(`^regs (\d+)$`),
		Syntax:  "<pid>",
		Help:    "registers of a process not running",
		Fn:      regsCmd,
	})

	Add(Cmd{
		Name: "chans",
		Help: "processes waiting on channels",
		Fn:   chansCmd,
	})
}

// Attach selects the kernel inspected by the console commands.
func Attach(k *kernel.Kernel) {
	sk = k
}

func inspect(fn func(k *kernel.Kernel, w *tabwriter.Writer)) (string, error) {
	if sk == nil {
		return "", errors.New("no kernel attached")
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 8, 2, ' ', 0)

	sk.Quiesce(func() {
		fn(sk, w)
	})

	w.Flush()

	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func pid(arg string) (int, error) {
	n, err := strconv.Atoi(arg)

	if err != nil {
		return 0, fmt.Errorf("invalid pid, %v", err)
	}

	if sk == nil {
		return 0, errors.New("no kernel attached")
	}

	if n < 0 || n >= len(sk.Procs()) {
		return 0, fmt.Errorf("pid %d out of range", n)
	}

	return n, nil
}

func procsCmd(_ *term.Terminal, _ []string) (string, error) {
	return inspect(func(k *kernel.Kernel, w *tabwriter.Writer) {
		running := make(map[int]int)

		for _, hc := range k.Harts() {
			if p := hc.Current(); p != nil {
				running[p.PID] = hc.Index
			}
		}

		fmt.Fprintf(w, "pid\tstate\tchannel\tdeadline\thart\tpmp\n")

		for _, p := range k.Procs() {
			state := p.State().String()

			if p.SuspendPending() {
				state += "*"
			}

			ch, deadline := p.Wait()
			chs, dl, hart := "-", "-", "-"

			if p.State() == proc.Waiting {
				if ch != proc.NoChannel {
					chs = strconv.Itoa(ch)
				}

				if deadline != abi.NoDeadline {
					dl = strconv.FormatUint(deadline, 10)
				}
			}

			if h, ok := running[p.PID]; ok {
				hart = strconv.Itoa(h)
			}

			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%v\n", p.PID, state, chs, dl, hart, p.PMPSlots())
		}
	})
}

func capsCmd(_ *term.Terminal, arg []string) (string, error) {
	n, err := pid(arg[0])

	if err != nil {
		return "", err
	}

	return inspect(func(k *kernel.Kernel, w *tabwriter.Writer) {
		s := k.Caps()

		fmt.Fprintf(w, "index\tcapability\tparent\tchildren\n")

		for i := 0; i < s.Caps(); i++ {
			r := cap.Ref{PID: uint16(n), Index: uint16(i)}
			c := s.Read(r)

			if c.IsEmpty() {
				continue
			}

			fmt.Fprintf(w, "%d\t%v\t%v\t%d\n", i, c, s.Parent(r), len(s.Children(r)))
		}
	})
}

func treeCmd(_ *term.Terminal, _ []string) (string, error) {
	return inspect(func(k *kernel.Kernel, w *tabwriter.Writer) {
		s := k.Caps()

		for pid := 0; pid < s.Procs(); pid++ {
			for i := 0; i < s.Caps(); i++ {
				r := cap.Ref{PID: uint16(pid), Index: uint16(i)}

				if s.Read(r).IsEmpty() || s.Parent(r) != cap.NoRef {
					continue
				}

				s.Walk(r, func(r cap.Ref, c cap.Capability, depth int) {
					fmt.Fprintf(w, "%s%v\t%v\n", strings.Repeat("  ", depth), r, c)
				})
			}
		}
	})
}

func schedCmd(_ *term.Terminal, _ []string) (string, error) {
	return inspect(func(k *kernel.Kernel, w *tabwriter.Writer) {
		t := k.Sched()

		for _, hc := range k.Harts() {
			current := "idle"

			if p := hc.Current(); p != nil {
				current = fmt.Sprintf("pid %d", p.PID)
			}

			fmt.Fprintf(w, "hart %d\t%s\t%s\n", hc.Index, t.Dump(hc.Index), current)
		}
	})
}

func regsCmd(_ *term.Terminal, arg []string) (string, error) {
	n, err := pid(arg[0])

	if err != nil {
		return "", err
	}

	var busy bool

	res, err := inspect(func(k *kernel.Kernel, w *tabwriter.Writer) {
		p := k.Proc(n)

		// pin a Ready process so that no hart resumes it meanwhile
		switch {
		case p.Acquire():
			defer p.Release()
		case p.State() == proc.Running:
			busy = true
			return
		}

		for i := 0; i < abi.RegCount; i++ {
			sep := "\t"

			if i%4 == 3 || i == abi.RegCount-1 {
				sep = "\n"
			}

			fmt.Fprintf(w, "%s\t0x%016x%s", regNames[i], p.Regs[i], sep)
		}
	})

	if busy {
		return "", fmt.Errorf("pid %d is running", n)
	}

	return res, err
}

func chansCmd(_ *term.Terminal, _ []string) (string, error) {
	return inspect(func(k *kernel.Kernel, w *tabwriter.Writer) {
		t := k.Chans()

		fmt.Fprintf(w, "channel\tsender\treceiver\n")

		for ch := 0; ch < t.Len(); ch++ {
			s, r := t.Waiting(ch)

			if s == ipc.None && r == ipc.None {
				continue
			}

			fmt.Fprintf(w, "%d\t%s\t%s\n", ch, waiter(s), waiter(r))
		}
	})
}

func waiter(pid int) string {
	if pid == ipc.None {
		return "-"
	}

	return strconv.Itoa(pid)
}
