// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package config describes a kernel platform: its compile time parameters,
// the statically provisioned processes and the boot capability table
// granted to the first process.
package config

import (
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/usbarmory/GoSK/kernel/cap"
	"github.com/usbarmory/GoSK/kernel/pmp"
)

//go:embed platform/*.toml
var platforms embed.FS

// Params are the fixed kernel dimensions.
type Params struct {
	// Harts is the number of harts running the kernel
	Harts int `toml:"harts"`
	// MinHart is the id of the first kernel hart
	MinHart int `toml:"min_hart"`
	// Procs is the number of processes
	Procs int `toml:"processes"`
	// Caps is the number of capability slots per process
	Caps int `toml:"capabilities"`
	// Chans is the number of IPC channels
	Chans int `toml:"channels"`
	// Slots is the number of scheduler slots per hart
	Slots int `toml:"slots"`
	// SlotLen is the slot length in timer ticks
	SlotLen uint64 `toml:"slot_length"`
	// PMPs is the number of PMP entries available to processes
	PMPs int `toml:"pmp_entries"`
	// TickHz is the timer frequency
	TickHz uint64 `toml:"tick_hz"`
}

// Process is a statically provisioned process image.
type Process struct {
	PID   int    `toml:"pid"`
	Entry uint64 `toml:"entry"`
	Stack uint64 `toml:"stack"`
	// Program names the process image (an ELF asset on hardware, a
	// built-in program on the simulator)
	Program string `toml:"program"`
}

// Capability is a boot capability table entry.
type Capability struct {
	Kind    string `toml:"kind"`
	Rights  string `toml:"rwx"`
	Hart    uint64 `toml:"hart"`
	Base    uint64 `toml:"base"`
	Size    uint64 `toml:"size"`
	Begin   uint64 `toml:"begin"`
	End     uint64 `toml:"end"`
	Channel uint64 `toml:"channel"`
	Tag     uint64 `toml:"tag"`
}

// Config is a platform description.
type Config struct {
	Name         string       `toml:"name"`
	Kernel       Params       `toml:"kernel"`
	Processes    []Process    `toml:"process"`
	Capabilities []Capability `toml:"capability"`
}

// Parse decodes a TOML platform description.
func Parse(data string) (c *Config, err error) {
	c = &Config{}

	md, err := toml.Decode(data, c)

	if err != nil {
		return nil, fmt.Errorf("could not parse configuration, %v", err)
	}

	if err = undecoded(md); err != nil {
		return nil, err
	}

	if err = c.Validate(); err != nil {
		return nil, err
	}

	return
}

// Load reads a TOML platform description from a file.
func Load(name string) (c *Config, err error) {
	c = &Config{}

	md, err := toml.DecodeFile(name, c)

	if err != nil {
		return nil, fmt.Errorf("could not load %s, %v", name, err)
	}

	if err = undecoded(md); err != nil {
		return nil, err
	}

	if err = c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	return
}

// Platform returns a built-in platform description.
func Platform(name string) (*Config, error) {
	buf, err := platforms.ReadFile(path.Join("platform", name+".toml"))

	if err != nil {
		return nil, fmt.Errorf("unknown platform %q", name)
	}

	return Parse(string(buf))
}

// Platforms lists the built-in platform names.
func Platforms() (names []string) {
	entries, _ := platforms.ReadDir("platform")

	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".toml"))
	}

	sort.Strings(names)

	return
}

func undecoded(md toml.MetaData) error {
	keys := md.Undecoded()

	if len(keys) == 0 {
		return nil
	}

	var s []string

	for _, k := range keys {
		s = append(s, k.String())
	}

	return fmt.Errorf("unknown configuration keys: %s", strings.Join(s, ", "))
}

// Validate checks the parameters, process and capability tables.
func (c *Config) Validate() error {
	k := &c.Kernel

	switch {
	case k.Harts <= 0:
		return errors.New("harts must be positive")
	case k.MinHart < 0:
		return errors.New("min_hart must not be negative")
	case k.Procs <= 0 || k.Procs >= 0xffff:
		return fmt.Errorf("invalid process count %d", k.Procs)
	case k.Caps <= 0 || k.Caps >= 0xffff:
		return fmt.Errorf("invalid capability count %d", k.Caps)
	case k.Chans < 0:
		return fmt.Errorf("invalid channel count %d", k.Chans)
	case k.Slots <= 0:
		return fmt.Errorf("invalid slot count %d", k.Slots)
	case k.SlotLen == 0:
		return errors.New("slot_length must be positive")
	case k.PMPs < 0 || k.PMPs > 8:
		return fmt.Errorf("invalid PMP entry count %d", k.PMPs)
	case k.TickHz == 0:
		return errors.New("tick_hz must be positive")
	}

	seen := make(map[int]bool)

	for _, p := range c.Processes {
		if p.PID < 0 || p.PID >= k.Procs {
			return fmt.Errorf("process %d out of range", p.PID)
		}

		if seen[p.PID] {
			return fmt.Errorf("duplicate process %d", p.PID)
		}

		seen[p.PID] = true
	}

	if len(c.Capabilities) > k.Caps {
		return fmt.Errorf("%d boot capabilities exceed table size %d", len(c.Capabilities), k.Caps)
	}

	caps, err := c.BootCaps()

	if err != nil {
		return err
	}

	return timeOverlap(caps)
}

// timeOverlap rejects boot Time capabilities sharing a slot of a hart, as
// every (hart, slot) pair has at most one root.
func timeOverlap(caps []cap.Capability) error {
	for i, a := range caps {
		if a.Kind != cap.Time {
			continue
		}

		for j, b := range caps[:i] {
			if b.Kind == cap.Time && a.Hart == b.Hart && a.Begin < b.End && b.Begin < a.End {
				return fmt.Errorf("capability %d: time slots [%d,%d) of hart %d overlap capability %d", i, a.Begin, a.End, a.Hart, j)
			}
		}
	}

	return nil
}

// Process returns the description of process pid, if provisioned.
func (c *Config) Process(pid int) (Process, bool) {
	for _, p := range c.Processes {
		if p.PID == pid {
			return p, true
		}
	}

	return Process{}, false
}

// BootCaps returns the boot capability table, entry i is installed in slot
// i of the first process.
func (c *Config) BootCaps() (caps []cap.Capability, err error) {
	for i, e := range c.Capabilities {
		cp, err := c.capability(e)

		if err != nil {
			return nil, fmt.Errorf("capability %d: %w", i, err)
		}

		caps = append(caps, cp)
	}

	return
}

func (c *Config) capability(e Capability) (cp cap.Capability, err error) {
	kind, ok := cap.ParseKind(e.Kind)

	if !ok || kind == cap.Empty {
		return cp, fmt.Errorf("invalid kind %q", e.Kind)
	}

	rights, ok := pmp.ParseRights(e.Rights)

	if !ok {
		return cp, fmt.Errorf("invalid rights %q", e.Rights)
	}

	k := &c.Kernel

	switch kind {
	case cap.PMP:
		return cap.NewPMP(e.Base, e.Size, rights)
	case cap.Memory:
		cp = cap.NewMemory(e.Begin, e.End, rights)
	case cap.Time:
		if e.Hart < uint64(k.MinHart) || e.Hart >= uint64(k.MinHart+k.Harts) {
			return cp, fmt.Errorf("hart %d out of range", e.Hart)
		}

		if e.End > uint64(k.Slots) {
			return cp, fmt.Errorf("slot range [%d,%d) exceeds %d slots", e.Begin, e.End, k.Slots)
		}

		cp = cap.NewTime(e.Hart, e.Begin, e.End)
	case cap.Monitor:
		if e.End > uint64(k.Procs) {
			return cp, fmt.Errorf("process range [%d,%d) exceeds %d processes", e.Begin, e.End, k.Procs)
		}

		cp = cap.NewMonitor(e.Begin, e.End)
	case cap.Channel:
		if e.End > uint64(k.Chans) {
			return cp, fmt.Errorf("channel range [%d,%d) exceeds %d channels", e.Begin, e.End, k.Chans)
		}

		cp = cap.NewChannel(e.Begin, e.End)
	case cap.Socket:
		if e.Channel >= uint64(k.Chans) {
			return cp, fmt.Errorf("channel %d out of range", e.Channel)
		}

		return cap.NewSocket(e.Channel, e.Tag), nil
	}

	if cp.Begin >= cp.End {
		return cp, fmt.Errorf("empty range [%#x,%#x)", cp.Begin, cp.End)
	}

	return
}

// HartIndex converts a hart id to its kernel table index.
func (p *Params) HartIndex(hart uint64) (int, bool) {
	i := int(hart) - p.MinHart
	return i, hart < 1<<16 && i >= 0 && i < p.Harts
}
