// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/term"

	"github.com/usbarmory/GoSK/kernel"
	"github.com/usbarmory/GoSK/kernel/config"
	"github.com/usbarmory/GoSK/shell"
	"github.com/usbarmory/GoSK/sim"
	"github.com/usbarmory/GoSK/util"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	config   string
	platform string
	ticks    uint64
	step     uint64
	console  bool
	ssh      string
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot a platform on simulated harts"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - boot a platform on simulated harts.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.config, "config", "", "platform configuration file")
	f.StringVar(&b.platform, "platform", "sim", "embedded platform name")
	f.Uint64Var(&b.ticks, "ticks", 100000, "simulated ticks to run, 0 runs until interrupted")
	f.Uint64Var(&b.step, "step", 1, "ticks consumed by each program step")
	f.BoolVar(&b.console, "console", false, "inspection console on standard input")
	f.StringVar(&b.ssh, "ssh", "", "inspection console on an SSH listener address")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := b.boot(ctx); err != nil {
		log.Printf("SK %v", err)
		return subcommands.ExitFailure
	}

	return subcommands.ExitSuccess
}

func (b *Boot) boot(ctx context.Context) (err error) {
	c, err := loadConfig(b.config, b.platform)

	if err != nil {
		return
	}

	m, err := newMachine(c, b.step)

	if err != nil {
		return
	}

	k := m.Kernel

	shell.Attach(k)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	if len(b.ssh) > 0 {
		l, err := net.Listen("tcp", b.ssh)

		if err != nil {
			return err
		}

		defer l.Close()

		console := &util.Console{Session: shell.Console}

		if err = console.Start(l); err != nil {
			return err
		}
	}

	done := make(chan struct{})

	if b.console {
		go func() {
			defer close(done)
			defer cancel()

			serialConsole()
		}()
	} else {
		close(done)
	}

	log.Printf("SK booting %s, %d harts %d processes", c.Name, k.Params.Harts, k.Params.Procs)

	start := time.Now()

	if err = m.Run(ctx, b.ticks); err != nil {
		return
	}

	log.Printf("SK stopped at tick %d after %v", m.Clock.Now(), time.Since(start))

	summary(os.Stdout, m)

	<-done

	return
}

// newMachine boots a kernel on simulated harts running the programs named
// by the process table.
func newMachine(c *config.Config, step uint64) (*sim.Machine, error) {
	k, err := kernel.New(c)

	if err != nil {
		return nil, err
	}

	m := sim.NewMachine(k)

	for _, h := range m.Harts {
		h.StepCost = step
	}

	for _, p := range c.Processes {
		if len(p.Program) == 0 {
			continue
		}

		prog, ok := programs[p.Program]

		if !ok {
			return nil, fmt.Errorf("pid %d: unknown program %q", p.PID, p.Program)
		}

		m.Bind(p.PID, prog())
	}

	return m, nil
}

func serialConsole() {
	fd := int(os.Stdin.Fd())

	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)

		if err != nil {
			log.Printf("SK could not set raw terminal, %v", err)
			return
		}

		defer term.Restore(fd, state)
	}

	shell.SerialConsole(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout})
}

func summary(out io.Writer, m *sim.Machine) {
	k := m.Kernel
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)

	fmt.Fprintf(w, "pid\tstate\tsteps\n")

	for _, p := range k.Procs() {
		steps := 0

		for _, h := range m.Harts {
			steps += h.Steps(p.PID)
		}

		fmt.Fprintf(w, "%d\t%v\t%d\n", p.PID, p.State(), steps)
	}

	for i := 0; i < k.Sched().Harts(); i++ {
		fmt.Fprintf(w, "hart %d\t%s\t\n", i, k.Sched().Dump(i))
	}

	w.Flush()
}
