// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// The kernel_sim command runs the separation kernel on simulated harts.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/google/subcommands"

	"github.com/usbarmory/GoSK/kernel/config"
)

func init() {
	log.SetFlags(log.Ltime)
	log.SetOutput(os.Stdout)
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(new(Boot), "")
	subcommands.Register(new(Check), "")
	subcommands.Register(new(Platforms), "")

	flag.Parse()

	os.Exit(int(subcommands.Execute(context.Background())))
}

func loadConfig(file string, platform string) (*config.Config, error) {
	if len(file) > 0 {
		return config.Load(file)
	}

	return config.Platform(platform)
}
