// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

import (
	"sync"

	"github.com/usbarmory/GoSK/kernel"
	"github.com/usbarmory/GoSK/kernel/abi"
)

// Step is one trap producing action of a Script.
type Step func(env *Env) kernel.Trap

// Script is a program running a sequence of steps. Once exhausted it
// restarts at step Repeat, or yields forever when Repeat is negative.
type Script struct {
	Steps  []Step
	Repeat int

	mu   sync.Mutex
	next int
}

// NewScript returns a script running steps once.
func NewScript(steps ...Step) *Script {
	return &Script{Steps: steps, Repeat: -1}
}

// Step runs the next step of the script.
func (s *Script) Step(env *Env) kernel.Trap {
	s.mu.Lock()

	if s.next >= len(s.Steps) {
		if s.Repeat < 0 || s.Repeat >= len(s.Steps) {
			s.mu.Unlock()
			return env.Ecall(abi.SysYield)
		}

		s.next = s.Repeat
	}

	step := s.Steps[s.next]
	s.next++
	s.mu.Unlock()

	return step(env)
}

// Done returns whether every step ran at least once.
func (s *Script) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.next >= len(s.Steps)
}

// Call returns a step issuing a system call.
func Call(sys uint64, args ...uint64) Step {
	return func(env *Env) kernel.Trap {
		return env.Ecall(sys, args...)
	}
}

// Check returns a step running fn on the results of the previous step,
// then issuing the trap of next.
func Check(fn func(env *Env), next Step) Step {
	return func(env *Env) kernel.Trap {
		fn(env)
		return next(env)
	}
}
