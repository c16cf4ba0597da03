// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/usbarmory/GoSK/kernel"
	"github.com/usbarmory/GoSK/kernel/proc"
	"github.com/usbarmory/GoSK/util"
)

// Machine is a simulated multi-hart system running a kernel.
type Machine struct {
	Kernel *kernel.Kernel
	Clock  *Clock
	Harts  []*Hart
	// Console is shared by all harts.
	Console *util.BufferedLog
}

// NewMachine creates one simulated hart per kernel hart.
func NewMachine(k *kernel.Kernel) *Machine {
	m := &Machine{
		Kernel:  k,
		Clock:   NewClock(k.Params.SlotLen),
		Console: &util.BufferedLog{},
	}

	for i := 0; i < k.Params.Harts; i++ {
		id := uint64(k.Params.MinHart + i)
		h := NewHart(id, m.Clock, k.Params.PMPs)
		h.Console = m.Console
		m.Harts = append(m.Harts, h)
	}

	return m
}

// Bind sets the program of process pid on every hart.
func (m *Machine) Bind(pid int, p Program) {
	for _, h := range m.Harts {
		h.Bind(pid, p)
	}
}

// Run runs the kernel dispatcher on every hart until ctx is cancelled or
// every hart reaches time until (0 for no limit).
func (m *Machine) Run(ctx context.Context, until uint64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	m.Clock.Start()
	release := context.AfterFunc(ctx, m.Clock.Stop)
	defer release()

	for _, h := range m.Harts {
		h := h

		g.Go(func() error {
			err := m.Kernel.Run(ctx, &limited{Hart: h, until: until, stop: cancel})

			if err == context.Canceled {
				return nil
			}

			return err
		})
	}

	return g.Wait()
}

// limited stops the machine once all harts reach a time limit.
type limited struct {
	*Hart

	until uint64
	stop  context.CancelFunc
}

func (l *limited) check() {
	if l.until != 0 && l.clock.Now() >= l.until {
		l.stop()
	}
}

func (l *limited) Idle(until uint64) {
	l.Hart.Idle(until)
	l.check()
}

func (l *limited) Resume(p *proc.Proc) kernel.Trap {
	t := l.Hart.Resume(p)
	l.check()

	return t
}
