// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package util

import (
	"bytes"
	"io"
	"os"
	"sync"

	"golang.org/x/term"
)

const outputLimit = 1024
const flushChr = 0x0a // \n

// BufferedLog collects the console output of processes, flushing each
// process buffer on newlines or once outputLimit is exceeded.
type BufferedLog struct {
	// Output receives flushed lines, standard output when nil.
	Output io.Writer
	// Term receives colour coded lines instead of Output when set.
	Term *term.Terminal

	mu   sync.Mutex
	bufs map[int]*bytes.Buffer
}

func (l *BufferedLog) color(pid int) []byte {
	palette := [][]byte{
		l.Term.Escape.Green,
		l.Term.Escape.Red,
		l.Term.Escape.Yellow,
		l.Term.Escape.Blue,
		l.Term.Escape.Magenta,
		l.Term.Escape.Cyan,
	}

	return palette[pid%len(palette)]
}

func (l *BufferedLog) flush(pid int, buf *bytes.Buffer) {
	switch {
	case l.Term != nil:
		l.Term.Write(l.color(pid))
		l.Term.Write(buf.Bytes())
		l.Term.Write(l.Term.Escape.Reset)
	case l.Output != nil:
		l.Output.Write(buf.Bytes())
	default:
		os.Stdout.Write(buf.Bytes())
	}

	buf.Reset()
}

// WriteByte buffers one output character of process pid.
func (l *BufferedLog) WriteByte(pid int, c byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.bufs == nil {
		l.bufs = make(map[int]*bytes.Buffer)
	}

	buf, ok := l.bufs[pid]

	if !ok {
		buf = new(bytes.Buffer)
		l.bufs[pid] = buf
	}

	buf.WriteByte(c)

	if c == flushChr || buf.Len() > outputLimit {
		l.flush(pid, buf)
	}
}

// Write buffers output of process pid.
func (l *BufferedLog) Write(pid int, p []byte) {
	for _, c := range p {
		l.WriteByte(pid, c)
	}
}
