// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package proc

import (
	"github.com/usbarmory/GoSK/kernel/pmp"
)

// LoadPMP atomically replaces the loaded PMP set, slots[i] is the
// capability index backing entry i or -1 for an unused entry.
func (p *Proc) LoadPMP(set pmp.Set, slots []int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	copy(p.pmp, set)
	copy(p.pmpSlots, slots)
	p.pmpGen++
}

// UnloadPMP disables every entry backed by capability index idx.
func (p *Proc) UnloadPMP(idx int) (unloaded bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, s := range p.pmpSlots {
		if s == idx {
			p.pmp[i] = pmp.Entry{}
			p.pmpSlots[i] = -1
			unloaded = true
		}
	}

	if unloaded {
		p.pmpGen++
	}

	return
}

// MovePMP rebinds entries backed by capability index src to index dst.
func (p *Proc) MovePMP(src int, dst int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, s := range p.pmpSlots {
		if s == src {
			p.pmpSlots[i] = dst
		}
	}
}

// PMP copies the loaded set into dst and returns its generation, which
// changes on every modification.
func (p *Proc) PMP(dst pmp.Set) (gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	copy(dst, p.pmp)

	return p.pmpGen
}

// PMPSlots returns the capability indices backing the loaded set.
func (p *Proc) PMPSlots() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]int(nil), p.pmpSlots...)
}
