// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && riscv64
// +build tamago,riscv64

package main

import (
	"fmt"
	"log"

	"github.com/usbarmory/GoTEE/monitor"

	"github.com/usbarmory/armory-boot/exec"

	"github.com/usbarmory/GoSK/kernel"
	"github.com/usbarmory/GoSK/kernel/abi"
	"github.com/usbarmory/GoSK/kernel/config"
	"github.com/usbarmory/GoSK/mem"
	"github.com/usbarmory/GoSK/util"
)

// images maps process program names to their ELF images.
var images = map[string][]byte{}

// load creates the execution context of every process. Provisioned
// processes have their image loaded, the others start empty and are set up
// through the monitor interface.
func load(k *kernel.Kernel, c *config.Config, h *hart) (err error) {
	for pid := 0; pid < c.Kernel.Procs; pid++ {
		var ctx *monitor.ExecCtx
		var syms *util.Symbols

		p := k.Proc(pid)
		img, ok := c.Process(pid)

		if !ok || img.Program == "" {
			if ctx, err = monitor.Load(0, mem.ProcessRegion, true); err != nil {
				return fmt.Errorf("SK could not create pid %d, %v", pid, err)
			}

			h.attach(ctx, nil)
			continue
		}

		buf, ok := images[img.Program]

		if !ok {
			return fmt.Errorf("SK unknown program %q for pid %d", img.Program, pid)
		}

		image := &exec.ELFImage{
			Region: mem.ProcessRegion,
			ELF:    buf,
		}

		if err = image.Load(); err != nil {
			return fmt.Errorf("SK could not load %s, %v", img.Program, err)
		}

		if ctx, err = monitor.Load(image.Entry(), image.Region, true); err != nil {
			return fmt.Errorf("SK could not load %s, %v", img.Program, err)
		}

		if entry := uint64(image.Entry()); entry != img.Entry {
			log.Printf("SK pid:%d %s entry %#x overrides %#x", pid, img.Program, entry, img.Entry)
			p.Regs[abi.RegPC] = entry
		}

		if syms, err = util.NewSymbols(buf); err != nil {
			log.Printf("SK pid:%d no symbols, %v", pid, err)
		}

		log.Printf("SK loaded %s pid:%d addr:%#x entry:%#x size:%d", img.Program, pid, ctx.Memory.Start(), p.Regs[abi.RegPC], len(buf))

		h.attach(ctx, syms)
	}

	return nil
}
