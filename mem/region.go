// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago
// +build tamago

package mem

import (
	"github.com/usbarmory/tamago/dma"
)

// ProcessRegion holds the process images.
var ProcessRegion *dma.Region

// Init reserves the process image region, so that the kernel DMA allocator
// never hands it out.
func Init() {
	ProcessRegion, _ = dma.NewRegion(ProcessStart, ProcessSize, false)
	ProcessRegion.Reserve(ProcessSize, 0)
}
