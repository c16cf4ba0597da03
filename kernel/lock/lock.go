// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package lock implements the busy waiting synchronization primitives used
// by kernel harts, which never sleep while holding kernel state.
package lock

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is a test-and-set lock for short critical sections.
type SpinLock struct {
	v atomic.Uint32
}

// Lock acquires the lock, spinning until it is available.
func (l *SpinLock) Lock() {
	for !l.v.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

// TryLock acquires the lock if available.
func (l *SpinLock) TryLock() bool {
	return l.v.CompareAndSwap(0, 1)
}

// Unlock releases the lock.
func (l *SpinLock) Unlock() {
	if l.v.Swap(0) == 0 {
		panic("unlock of unlocked SpinLock")
	}
}

// TicketLock is a fair lock, waiters are served in arrival order.
type TicketLock struct {
	next    atomic.Uint64
	serving atomic.Uint64
}

// Lock takes a ticket and spins until it is served.
func (l *TicketLock) Lock() {
	t := l.next.Add(1) - 1

	for l.serving.Load() != t {
		runtime.Gosched()
	}
}

// Unlock serves the next ticket.
func (l *TicketLock) Unlock() {
	l.serving.Add(1)
}

// Semaphore is a ticket based counting semaphore, acquisitions of any
// weight are granted in arrival order.
type Semaphore struct {
	acquired atomic.Uint64
	released atomic.Uint64
}

// NewSemaphore returns a semaphore holding n tickets.
func NewSemaphore(n uint64) *Semaphore {
	s := &Semaphore{}
	s.released.Store(n)
	return s
}

// Acquire takes one ticket.
func (s *Semaphore) Acquire() {
	s.AcquireN(1)
}

// Release returns one ticket.
func (s *Semaphore) Release() {
	s.ReleaseN(1)
}

// AcquireN takes n tickets at once, spinning until all are available.
func (s *Semaphore) AcquireN(n uint64) {
	t := s.acquired.Add(n)

	for s.released.Load() < t {
		runtime.Gosched()
	}
}

// ReleaseN returns n tickets.
func (s *Semaphore) ReleaseN(n uint64) {
	s.released.Add(n)
}
