// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package shell implements the kernel inspection console.
package shell

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"regexp"
	"sort"
	"text/tabwriter"

	"golang.org/x/term"
)

// Banner is printed when a console session starts.
const Banner = "GoSK separation kernel console"

// CmdFn is a console command handler.
type CmdFn func(term *term.Terminal, arg []string) (res string, err error)

// Cmd is a console command.
type Cmd struct {
	// Name is the command name, as shown in the help
	Name string
	// Args is the number of Pattern submatches passed to Fn
	Args int
	// Pattern matches the command line, defaults to Name
	Pattern *regexp.Regexp
	// Syntax describes the arguments
	Syntax string
	// Help is the command description
	Help string
	// Fn is the command handler
	Fn CmdFn
}

var cmds = make(map[string]*Cmd)

// Add registers a console command.
func Add(cmd Cmd) {
	if cmd.Pattern == nil {
		cmd.Pattern = regexp.MustCompile(`^` + regexp.QuoteMeta(cmd.Name) + `$`)
	}

	cmds[cmd.Name] = &cmd
}

// Help returns the list of registered commands.
func Help(term *term.Terminal) string {
	var help bytes.Buffer
	var names []string

	for name := range cmds {
		names = append(names, name)
	}

	sort.Strings(names)

	t := tabwriter.NewWriter(&help, 16, 8, 0, '\t', tabwriter.TabIndent)

	for _, name := range names {
		cmd := cmds[name]
		_, _ = fmt.Fprintf(t, "%s\t%s\t # %s\n", cmd.Name, cmd.Syntax, cmd.Help)
	}

	_ = t.Flush()

	if term != nil {
		return string(term.Escape.Cyan) + help.String() + string(term.Escape.Reset)
	}

	return help.String()
}

// Handle runs the command matching a console line, io.EOF is returned to
// terminate the session.
func Handle(term *term.Terminal, line string) (err error) {
	var match *Cmd
	var arg []string

	if len(line) == 0 {
		return
	}

	for _, cmd := range cmds {
		m := cmd.Pattern.FindStringSubmatch(line)

		if len(m) > 0 && len(m)-1 == cmd.Args {
			match = cmd
			arg = m[1:]
			break
		}
	}

	if match == nil {
		return errors.New("unknown command, type `help`")
	}

	res, err := match.Fn(term, arg)

	if len(res) > 0 {
		fmt.Fprintln(term, res)
	}

	return
}

// Console runs a command session on a terminal until it is closed.
func Console(t *term.Terminal) {
	fmt.Fprintf(t, "%s\n\n", Banner)
	fmt.Fprintf(t, "%s\n", Help(t))

	for {
		line, err := t.ReadLine()

		if err == io.EOF {
			break
		}

		if err != nil {
			log.Printf("readline error, %v", err)
			continue
		}

		if err = Handle(t, line); err == io.EOF {
			break
		} else if err != nil {
			fmt.Fprintf(t, "error: %v\n", err)
		}
	}
}

// SerialConsole runs a command session on a serial line or standard
// streams.
func SerialConsole(rw io.ReadWriter) {
	t := term.NewTerminal(rw, "")
	t.SetPrompt(string(t.Escape.Red) + "> " + string(t.Escape.Reset))

	Console(t)
}
