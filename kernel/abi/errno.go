// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package abi

import "fmt"

// Errno is a system call result code as returned in t0.
type Errno uint64

const (
	Success Errno = iota
	CapEmpty
	CapInvalidKind
	CapIllegalDerivation
	CapCollision
	CapNotLeaf
	MonitorOutOfRange
	MonitorBusy
	Timeout
	PmpAlignment
	InvalidSyscall
	InvalidIndex
	InvalidPID
	InvalidRegister
	InvalidSlot
	ChannelBusy
	Suspended
)

var errnoNames = [...]string{
	Success:              "success",
	CapEmpty:             "capability empty",
	CapInvalidKind:       "invalid capability kind",
	CapIllegalDerivation: "illegal capability derivation",
	CapCollision:         "capability slot occupied",
	CapNotLeaf:           "capability has children",
	MonitorOutOfRange:    "process outside monitor range",
	MonitorBusy:          "process not suspended",
	Timeout:              "timeout",
	PmpAlignment:         "PMP region not NAPOT aligned",
	InvalidSyscall:       "invalid system call",
	InvalidIndex:         "invalid capability index",
	InvalidPID:           "invalid process id",
	InvalidRegister:      "invalid register",
	InvalidSlot:          "invalid slot",
	ChannelBusy:          "channel busy",
	Suspended:            "process suspended",
}

func (e Errno) Error() string {
	return e.String()
}

func (e Errno) String() string {
	if int(e) < len(errnoNames) {
		return errnoNames[e]
	}

	return fmt.Sprintf("errno(%d)", uint64(e))
}

// Code returns the t0 value for a Go error produced by kernel operations,
// nil maps to Success.
func Code(err error) uint64 {
	if err == nil {
		return uint64(Success)
	}

	if e, ok := err.(Errno); ok {
		return uint64(e)
	}

	panic(fmt.Sprintf("non kernel error %v", err))
}
