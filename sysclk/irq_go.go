// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !tinygo

package sysclk

// irqState is a placeholder for the interrupt state on regular Go.
type irqState uintptr

// disableInterrupts is a no-op on regular Go.
func disableInterrupts() irqState {
	return 0
}

// restoreInterrupts is a no-op on regular Go.
func restoreInterrupts(state irqState) {}
