// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mem describes the physical memory layout of the sifive_u board.
package mem

const (
	// Separation kernel
	KernelStart = 0x90000000
	KernelSize  = 0x07f00000 // 127MB

	// Separation kernel DMA (relocated to avoid conflicts with processes)
	KernelDMAStart = 0x97f00000
	KernelDMASize  = 0x00100000 // 1MB

	// Process images
	ProcessStart = 0x98000000
	ProcessSize  = 0x04000000 // 64MB

	// Memory delegated through capabilities
	UserStart = 0x80000000
	UserSize  = 0x10000000 // 256MB
)

// KernelEnd returns the first address after the kernel and its DMA region.
func KernelEnd() uint64 {
	return KernelDMAStart + KernelDMASize
}

// Overlaps returns whether [start, start+size) intersects the kernel or its
// DMA region.
func Overlaps(start, size uint64) bool {
	return start < KernelEnd() && start+size > KernelStart
}
