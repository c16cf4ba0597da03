// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package shell

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"runtime"
	"runtime/debug"
	"runtime/pprof"
	"time"

	"golang.org/x/term"
)

var started = time.Now()

func init() {
	Add(Cmd{
		Name: "help",
		Help: "this help",
		Fn:   helpCmd,
	})

	Add(Cmd{
		Name:    "exit, quit",
		Args:    1,
		Pattern: regexp.MustCompile(`^(exit|quit)$`),
		Help:    "close session",
		Fn:      exitCmd,
	})

	Add(Cmd{
		Name:    "stack",
		Args:    1,
		Pattern: regexp.MustCompile(`^stack( all)?$`),
		Syntax:  "(all)?",
		Help:    "stack trace of current (or all) goroutines",
		Fn:      stackCmd,
	})

	Add(Cmd{
		Name: "info",
		Help: "runtime and kernel parameters",
		Fn:   infoCmd,
	})
}

func helpCmd(term *term.Terminal, _ []string) (string, error) {
	return Help(term), nil
}

func exitCmd(_ *term.Terminal, _ []string) (string, error) {
	return "logout", io.EOF
}

func stackCmd(_ *term.Terminal, arg []string) (string, error) {
	if arg[0] == "" {
		return string(debug.Stack()), nil
	}

	buf := new(bytes.Buffer)
	pprof.Lookup("goroutine").WriteTo(buf, 1)

	return buf.String(), nil
}

func infoCmd(_ *term.Terminal, _ []string) (string, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "%s/%s (%s) up %v", runtime.GOOS, runtime.GOARCH, runtime.Version(), time.Since(started).Round(time.Second))

	if sk == nil {
		return buf.String(), nil
	}

	p := sk.Params

	fmt.Fprintf(&buf, "\nharts:%d (from %d) processes:%d capabilities:%d channels:%d", p.Harts, p.MinHart, p.Procs, p.Caps, p.Chans)
	fmt.Fprintf(&buf, "\nslots:%d slot_length:%d tick_hz:%d pmp_entries:%d", p.Slots, p.SlotLen, p.TickHz, p.PMPs)

	return buf.String(), nil
}
