// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && riscv64
// +build tamago,riscv64

package main

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"

	"golang.org/x/term"

	"github.com/usbarmory/tamago/dma"
	"github.com/usbarmory/tamago/soc/sifive/fu540"

	"github.com/usbarmory/GoSK/kernel/pmp"
	"github.com/usbarmory/GoSK/shell"
)

const (
	maxBufferSize = 102400
	pmpRegisters  = 16
)

func init() {
	shell.Add(shell.Cmd{
		Name: "pmp",
		Help: "dump PMP CSRs",
		Fn:   pmpDumpCmd,
	})

	shell.Add(shell.Cmd{
		Name:    "pmp ",
		Args:    1,
		Pattern: regexp.MustCompile(`^pmp (\d+)$`),
		Syntax:  "<index>",
		Help:    "read PMP CSR",
		Fn:      pmpReadCmd,
	})

	shell.Add(shell.Cmd{
		Name:    "peek",
		Args:    2,
		Pattern: regexp.MustCompile(`^peek ([[:xdigit:]]+) (\d+)$`),
		Syntax:  "<hex offset> <size>",
		Help:    "memory display (use with caution)",
		Fn:      memReadCmd,
	})

	shell.Add(shell.Cmd{
		Name:    "poke",
		Args:    2,
		Pattern: regexp.MustCompile(`^poke ([[:xdigit:]]+) ([[:xdigit:]]+)$`),
		Syntax:  "<hex offset> <hex value>",
		Help:    "memory write   (use with caution)",
		Fn:      memWriteCmd,
	})
}

func pmpLine(i int) (string, error) {
	addr, r, w, x, a, l, err := fu540.RV64.ReadPMP(i)

	if err != nil {
		return "", err
	}

	s := fmt.Sprintf("PMP:%.2d addr:%.16x A:%d R:%v W:%v X:%v l:%v", i, addr, a, r, w, x, l)

	// NAPOT, the two low bits of the region encoding are not stored
	if a == 3 {
		base, size := pmp.Decode(uint64(addr) | 3)
		s += fmt.Sprintf(" [%#x-%#x)", base, base+size)
	}

	return s, nil
}

func pmpDumpCmd(_ *term.Terminal, _ []string) (string, error) {
	var buf bytes.Buffer

	for i := 0; i < pmpRegisters; i++ {
		s, err := pmpLine(i)

		if err != nil {
			return "", err
		}

		fmt.Fprintln(&buf, s)
	}

	return buf.String(), nil
}

func pmpReadCmd(_ *term.Terminal, arg []string) (res string, err error) {
	i, err := strconv.ParseUint(arg[0], 10, 8)

	if err != nil {
		return "", fmt.Errorf("invalid index, %v", err)
	}

	return pmpLine(int(i))
}

func memCopy(start uint, size int, w []byte) (b []byte) {
	mem, err := dma.NewRegion(start, size, true)

	if err != nil {
		panic("could not allocate memory copy DMA")
	}

	start, buf := mem.Reserve(size, 0)
	defer mem.Release(start)

	if len(w) > 0 {
		copy(buf, w)
	} else {
		b = make([]byte, size)
		copy(b, buf)
	}

	return
}

func memReadCmd(_ *term.Terminal, arg []string) (res string, err error) {
	addr, err := strconv.ParseUint(arg[0], 16, 32)

	if err != nil {
		return "", fmt.Errorf("invalid address, %v", err)
	}

	size, err := strconv.ParseUint(arg[1], 10, 32)

	if err != nil {
		return "", fmt.Errorf("invalid size, %v", err)
	}

	if (addr%4) != 0 || (size%4) != 0 {
		return "", fmt.Errorf("only 32-bit aligned accesses are supported")
	}

	if size > maxBufferSize {
		return "", fmt.Errorf("size argument must be <= %d", maxBufferSize)
	}

	return hex.Dump(memCopy(uint(addr), int(size), nil)), nil
}

func memWriteCmd(_ *term.Terminal, arg []string) (res string, err error) {
	addr, err := strconv.ParseUint(arg[0], 16, 32)

	if err != nil {
		return "", fmt.Errorf("invalid address, %v", err)
	}

	val, err := strconv.ParseUint(arg[1], 16, 32)

	if err != nil {
		return "", fmt.Errorf("invalid data, %v", err)
	}

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(val))

	memCopy(uint(addr), 4, buf)

	return
}
