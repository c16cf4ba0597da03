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
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/usbarmory/GoSK/kernel"
	"github.com/usbarmory/GoSK/kernel/cap"
	"github.com/usbarmory/GoSK/kernel/config"
)

// Check implements subcommands.Command for the "check" command.
type Check struct {
	config   string
	platform string
}

// Name implements subcommands.Command.Name.
func (*Check) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Check) Synopsis() string {
	return "validate a platform and print its boot state"
}

// Usage implements subcommands.Command.Usage.
func (*Check) Usage() string {
	return `check [flags] - validate a platform configuration, every embedded
platform when none is given.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Check) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "platform configuration file")
	f.StringVar(&c.platform, "platform", "", "embedded platform name")
}

// Execute implements subcommands.Command.Execute.
func (c *Check) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	var confs []*config.Config

	if len(c.config) == 0 && len(c.platform) == 0 {
		for _, name := range config.Platforms() {
			conf, err := config.Platform(name)

			if err != nil {
				log.Printf("SK %s: %v", name, err)
				return subcommands.ExitFailure
			}

			confs = append(confs, conf)
		}
	} else {
		conf, err := loadConfig(c.config, c.platform)

		if err != nil {
			log.Printf("SK %v", err)
			return subcommands.ExitFailure
		}

		confs = append(confs, conf)
	}

	status := subcommands.ExitSuccess

	for _, conf := range confs {
		if err := check(os.Stdout, conf); err != nil {
			log.Printf("SK %s: %v", conf.Name, err)
			status = subcommands.ExitFailure
		}
	}

	return status
}

func check(out io.Writer, c *config.Config) error {
	k, err := kernel.New(c)

	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "%s\t%d harts, %d processes, %d slots of %d ticks\n", c.Name, k.Params.Harts, k.Params.Procs, k.Params.Slots, k.Params.SlotLen)

	for i := 0; i < k.Params.Caps; i++ {
		r := cap.Ref{PID: 0, Index: uint16(i)}

		if cp := k.Caps().Read(r); !cp.IsEmpty() {
			fmt.Fprintf(w, "  %v\t%v\n", r, cp)
		}
	}

	for i := 0; i < k.Sched().Harts(); i++ {
		fmt.Fprintf(w, "  hart %d\t%s\n", i, k.Sched().Dump(i))
	}

	return nil
}

// Platforms implements subcommands.Command for the "platforms" command.
type Platforms struct{}

// Name implements subcommands.Command.Name.
func (*Platforms) Name() string {
	return "platforms"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Platforms) Synopsis() string {
	return "list embedded platforms"
}

// Usage implements subcommands.Command.Usage.
func (*Platforms) Usage() string {
	return `platforms - list embedded platforms.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Platforms) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Platforms) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	for _, name := range config.Platforms() {
		fmt.Println(name)
	}

	return subcommands.ExitSuccess
}
