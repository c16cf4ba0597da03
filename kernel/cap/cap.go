// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package cap implements the kernel capability model: capability values,
// their derivation rules and the derivation forest linking every capability
// to the boot time grant it descends from.
package cap

import (
	"fmt"
	"strings"

	"github.com/usbarmory/GoSK/kernel/abi"
	"github.com/usbarmory/GoSK/kernel/pmp"
)

// Kind identifies the resource a capability grants.
type Kind uint8

const (
	Empty Kind = iota
	PMP
	Memory
	Time
	Monitor
	Channel
	Socket

	kinds
)

var kindNames = [...]string{
	Empty:   "EMPTY",
	PMP:     "PMP",
	Memory:  "MEMORY",
	Time:    "TIME",
	Monitor: "MONITOR",
	Channel: "CHANNEL",
	Socket:  "SOCKET",
}

func (k Kind) String() string {
	if k < kinds {
		return kindNames[k]
	}

	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// ParseKind returns the kind with the given case insensitive name.
func ParseKind(s string) (Kind, bool) {
	for k, n := range kindNames {
		if strings.EqualFold(n, s) {
			return Kind(k), true
		}
	}

	return Empty, false
}

// Capability is an immutable access token. Field usage depends on Kind:
//
//	PMP      [Begin, End) NAPOT region, Rights
//	Memory   [Begin, End) address range, Rights
//	Time     Hart, [Begin, End) slot range
//	Monitor  [Begin, End) process id range
//	Channel  [Begin, End) channel index range
//	Socket   Begin channel index, Tag (0 for the server end)
type Capability struct {
	Kind   Kind
	Rights pmp.Rights
	Hart   uint64
	Begin  uint64
	End    uint64
	Tag    uint64
}

// NewPMP returns a PMP capability for a NAPOT region.
func NewPMP(base, size uint64, r pmp.Rights) (c Capability, err error) {
	if err = pmp.Check(base, size); err != nil {
		return
	}

	return Capability{Kind: PMP, Rights: r & pmp.RWX, Begin: base, End: base + size}, nil
}

// NewMemory returns a Memory capability for [begin, end).
func NewMemory(begin, end uint64, r pmp.Rights) Capability {
	return Capability{Kind: Memory, Rights: r & pmp.RWX, Begin: begin, End: end}
}

// NewTime returns a Time capability for slots [begin, end) of a hart.
func NewTime(hart, begin, end uint64) Capability {
	return Capability{Kind: Time, Hart: hart, Begin: begin, End: end}
}

// NewMonitor returns a Monitor capability for processes [begin, end).
func NewMonitor(begin, end uint64) Capability {
	return Capability{Kind: Monitor, Begin: begin, End: end}
}

// NewChannel returns a Channel capability for channels [begin, end).
func NewChannel(begin, end uint64) Capability {
	return Capability{Kind: Channel, Begin: begin, End: end}
}

// NewSocket returns a Socket capability, tag 0 denotes the server end.
func NewSocket(channel, tag uint64) Capability {
	return Capability{Kind: Socket, Begin: channel, End: channel + 1, Tag: tag}
}

// IsEmpty returns whether c is the empty capability.
func (c Capability) IsEmpty() bool {
	return c.Kind == Empty
}

// NAPOT returns the NAPOT word of a PMP capability.
func (c Capability) NAPOT() uint64 {
	return pmp.Encode(c.Begin, c.End-c.Begin)
}

// Size returns the length of the capability range.
func (c Capability) Size() uint64 {
	return c.End - c.Begin
}

// Contains returns whether v falls in the capability range.
func (c Capability) Contains(v uint64) bool {
	return c.Begin <= v && v < c.End
}

// Channel returns the channel index of an IPC endpoint capability, that is
// a Socket or a Channel capability covering exactly one channel.
func (c Capability) Channel() (ch uint64, ok bool) {
	switch c.Kind {
	case Socket:
		return c.Begin, true
	case Channel:
		return c.Begin, c.End == c.Begin+1
	}

	return 0, false
}

func (c Capability) within(o Capability) bool {
	return c.Begin < c.End && o.Begin <= c.Begin && c.End <= o.End
}

func (c Capability) overlaps(o Capability) bool {
	return c.Begin < o.End && o.Begin < c.End
}

// Words returns the register encoding of a capability.
func (c Capability) Words() (w [3]uint64) {
	w[0] = uint64(c.Kind) | uint64(c.Rights)<<8 | (c.Hart&0xffff)<<16

	switch c.Kind {
	case Empty:
		return [3]uint64{}
	case PMP:
		w[1], w[2] = c.Begin, c.End-c.Begin
	case Memory, Time, Monitor, Channel:
		w[1], w[2] = c.Begin, c.End
	case Socket:
		w[1], w[2] = c.Begin, c.Tag
	default:
		panic("invalid capability kind")
	}

	return
}

// FromWords decodes the register encoding of a capability. The result is
// not validated beyond its kind, derivation checks are responsible for the
// rest.
func FromWords(w0, w1, w2 uint64) (c Capability, err error) {
	c.Kind = Kind(w0 & 0xff)
	c.Rights = pmp.Rights(w0>>8) & pmp.RWX
	c.Hart = (w0 >> 16) & 0xffff

	switch c.Kind {
	case PMP:
		c.Begin, c.End = w1, w1+w2
	case Memory, Time, Monitor, Channel:
		c.Begin, c.End = w1, w2
	case Socket:
		c.Begin, c.End, c.Tag = w1, w1+1, w2
	default:
		return Capability{}, abi.CapInvalidKind
	}

	if c.Kind != PMP && c.Kind != Memory {
		c.Rights = 0
	}

	if c.Kind != Time {
		c.Hart = 0
	}

	return
}

func (c Capability) String() string {
	switch c.Kind {
	case Empty:
		return "EMPTY"
	case PMP:
		return fmt.Sprintf("PMP{addr:%#x size:%#x %s}", c.Begin, c.Size(), c.Rights)
	case Memory:
		return fmt.Sprintf("MEMORY{[%#x,%#x) %s}", c.Begin, c.End, c.Rights)
	case Time:
		return fmt.Sprintf("TIME{hart:%d [%d,%d)}", c.Hart, c.Begin, c.End)
	case Monitor:
		return fmt.Sprintf("MONITOR{[%d,%d)}", c.Begin, c.End)
	case Channel:
		return fmt.Sprintf("CHANNEL{[%d,%d)}", c.Begin, c.End)
	case Socket:
		return fmt.Sprintf("SOCKET{chan:%d tag:%d}", c.Begin, c.Tag)
	}

	return c.Kind.String()
}

// CanDerive checks whether child may be derived from parent, without
// considering the parent's existing children.
func CanDerive(parent, child Capability) error {
	if parent.IsEmpty() {
		return abi.CapEmpty
	}

	switch parent.Kind {
	case Memory:
		switch child.Kind {
		case Memory:
			if !child.within(parent) || !child.Rights.Subset(parent.Rights) {
				return abi.CapIllegalDerivation
			}
		case PMP:
			if pmp.Check(child.Begin, child.Size()) != nil ||
				!child.within(parent) || !child.Rights.Subset(parent.Rights) {
				return abi.CapIllegalDerivation
			}
		default:
			return abi.CapInvalidKind
		}
	case PMP:
		if child.Kind != PMP {
			return abi.CapInvalidKind
		}

		if pmp.Check(child.Begin, child.Size()) != nil ||
			!child.within(parent) || !child.Rights.Subset(parent.Rights) {
			return abi.CapIllegalDerivation
		}
	case Time:
		if child.Kind != Time {
			return abi.CapInvalidKind
		}

		if child.Hart != parent.Hart || !child.within(parent) {
			return abi.CapIllegalDerivation
		}
	case Monitor:
		if child.Kind != Monitor {
			return abi.CapInvalidKind
		}

		if !child.within(parent) {
			return abi.CapIllegalDerivation
		}
	case Channel:
		switch child.Kind {
		case Channel:
			if !child.within(parent) {
				return abi.CapIllegalDerivation
			}
		case Socket:
			if !parent.Contains(child.Begin) {
				return abi.CapIllegalDerivation
			}
		default:
			return abi.CapInvalidKind
		}
	case Socket:
		if child.Kind != Socket {
			return abi.CapInvalidKind
		}

		// only the server end hands out client ends
		if parent.Tag != 0 || child.Tag == 0 || child.Begin != parent.Begin {
			return abi.CapIllegalDerivation
		}
	default:
		panic("invalid capability kind")
	}

	return nil
}
