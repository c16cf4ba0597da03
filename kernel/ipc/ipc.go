// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ipc implements rendezvous channels: each channel holds at most one
// waiting sender and one waiting receiver, the first party of a pair to
// arrive waits for its complement.
//
// The table only tracks who waits with what, process state changes and
// message delivery are left to the caller, which serializes all accesses.
package ipc

import (
	"github.com/usbarmory/GoSK/kernel/abi"
)

// Message is a pending send.
type Message struct {
	// PID is the sending process
	PID int
	// Words is the inline payload
	Words [abi.MsgWords]uint64
	// Cap is the sender capability index to transfer, or abi.NoSlot
	Cap uint64
	// Tag identifies the sender endpoint (socket tag)
	Tag uint64

	// Then is the receive half of a combined send and receive, Then.PID
	// is valid only when the sender requested it
	Then Receiver
	// ThenChannel is the channel of the receive half
	ThenChannel int
}

// Combined returns whether the sender continues into a receive.
func (m *Message) Combined() bool {
	return m.Then.PID != None
}

// Receiver is a pending receive.
type Receiver struct {
	// PID is the receiving process
	PID int
	// Cap is the receiver capability index for a transferred
	// capability, or abi.NoSlot
	Cap uint64
}

// None marks the absence of a waiting process.
const None = -1

type channel struct {
	send Message
	recv Receiver
}

// Table is a fixed set of channels.
type Table struct {
	chans []channel
}

// New allocates n idle channels.
func New(n int) *Table {
	t := &Table{
		chans: make([]channel, n),
	}

	for i := range t.chans {
		t.chans[i].send.PID = None
		t.chans[i].send.Then.PID = None
		t.chans[i].recv.PID = None
	}

	return t
}

// Len returns the number of channels.
func (t *Table) Len() int {
	return len(t.chans)
}

// Send offers m on channel ch. A waiting receiver is dequeued and returned
// with matched set, otherwise m is stored and the sender must wait. A
// channel already holding a waiting sender returns ChannelBusy.
func (t *Table) Send(ch int, m Message) (r Receiver, matched bool, err error) {
	c := &t.chans[ch]

	if c.recv.PID != None {
		r = c.recv
		c.recv = Receiver{PID: None}
		return r, true, nil
	}

	if c.send.PID != None {
		return Receiver{PID: None}, false, abi.ChannelBusy
	}

	c.send = m

	return Receiver{PID: None}, false, nil
}

// Recv requests a message on channel ch. A waiting sender is dequeued and
// its message returned with matched set, otherwise r is stored and the
// receiver must wait. A channel already holding a waiting receiver returns
// ChannelBusy.
func (t *Table) Recv(ch int, r Receiver) (m Message, matched bool, err error) {
	c := &t.chans[ch]

	if c.send.PID != None {
		m = c.send
		c.send = Message{PID: None, Then: Receiver{PID: None}}
		return m, true, nil
	}

	if c.recv.PID != None {
		return Message{PID: None}, false, abi.ChannelBusy
	}

	c.recv = r

	return Message{PID: None}, false, nil
}

// Cancel drops any pending operation of pid on channel ch.
func (t *Table) Cancel(ch int, pid int) {
	c := &t.chans[ch]

	if c.send.PID == pid {
		c.send = Message{PID: None, Then: Receiver{PID: None}}
	}

	if c.recv.PID == pid {
		c.recv = Receiver{PID: None}
	}
}

// Waiting returns the pids of the sender and receiver waiting on channel
// ch, None when absent.
func (t *Table) Waiting(ch int) (sender int, receiver int) {
	c := &t.chans[ch]
	return c.send.PID, c.recv.PID
}
