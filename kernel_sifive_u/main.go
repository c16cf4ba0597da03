// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && riscv64
// +build tamago,riscv64

package main

import (
	"context"
	_ "embed"
	"log"
	"os"
	_ "unsafe"

	"github.com/usbarmory/tamago/board/qemu/sifive_u"
	"github.com/usbarmory/tamago/dma"

	"github.com/usbarmory/GoSK/kernel"
	"github.com/usbarmory/GoSK/kernel/config"
	"github.com/usbarmory/GoSK/mem"
	"github.com/usbarmory/GoSK/shell"
)

// The boot process image is embedded within the kernel executable.

//go:embed assets/applet.elf
var appletELF []byte

//go:linkname ramStart runtime/goos.RamStart
var ramStart uint64 = mem.KernelStart

//go:linkname ramSize runtime/goos.RamSize
var ramSize uint64 = mem.KernelSize

func init() {
	log.SetFlags(log.Ltime)
	log.SetOutput(os.Stdout)

	mem.Init()
	dma.Init(mem.KernelDMAStart, mem.KernelDMASize)

	images["applet"] = appletELF
}

func main() {
	c, err := config.Platform("sifive_u")

	if err != nil {
		log.Fatal(err)
	}

	k, err := kernel.New(c)

	if err != nil {
		log.Fatal(err)
	}

	h := newHart(uint64(c.Kernel.MinHart), c.Kernel.TickHz, c.Kernel.PMPs)

	if err = load(k, c, h); err != nil {
		log.Fatal(err)
	}

	shell.Attach(k)

	go func() {
		if err := k.Run(context.Background(), h); err != nil {
			log.Printf("SK hart %d failed, %v", h.ID(), err)
		}
	}()

	shell.SerialConsole(sifive_u.UART0)

	log.Printf("SK says goodbye")
}
