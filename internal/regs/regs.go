// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package regs holds the register map of the NPCX internal timers (ITIM).
package regs // import "github.com/go-lpc/itim/internal/regs"

import "fmt"

// Default physical base addresses of the timer instances.
const (
	ITIM32_EVT_BASE = 0x400BC000 // event timer (ITIM32)
	ITIM64_SYS_BASE = 0x400BE000 // system timer (ITIM64)

	ITIM_SPAN = 0x1000
)

// ITIM32 register offsets.
const (
	ITPRE32  = 0x001 // prescaler (8b)
	ITCTS32  = 0x002 // control and status (8b)
	ITCNT32  = 0x008 // counter (32b)
	ITIM32_N = 0x00c
)

// ITIM64 register offsets.
const (
	ITPRE64  = 0x001 // prescaler (8b)
	ITCTS64  = 0x002 // control and status (8b)
	ITCNT64L = 0x008 // counter, low half (32b)
	ITCNT64H = 0x00c // counter, high half (32b)
	ITIM64_N = 0x010
)

// ITCTS bit positions.
const (
	ITCTS_TO_STS = 0 // timeout status, write-1-to-clear
	ITCTS_TO_IE  = 2 // timeout interrupt enable
	ITCTS_TO_WUE = 3 // timeout wake-up enable
	ITCTS_CKSEL  = 4 // clock select: 0=APB2, 1=LFCLK
	ITCTS_ITEN   = 7 // module enable
)

// ITCTS bit masks.
const (
	O_TO_STS = 1 << ITCTS_TO_STS
	O_TO_IE  = 1 << ITCTS_TO_IE
	O_TO_WUE = 1 << ITCTS_TO_WUE
	O_CKSEL  = 1 << ITCTS_CKSEL
	O_ITEN   = 1 << ITCTS_ITEN
)

const (
	ITIM32_MAX_CNT      = 0xffffffff
	ITIM64_MAX_HALF_CNT = 0xffffffff

	PRE_DIV1 = 0x00 // prescaler value for divide-by-one

	LFCLK = 32768 // Hz

	// CLK_SEL_DELAY is the time (in us) to wait after a clock source
	// selection before ITIM status can be trusted.
	CLK_SEL_DELAY = 92

	EVT_IRQ = 28 // ITIM32 event timer interrupt line
)

// ClockID identifies the clock gate of a peripheral.
type ClockID struct {
	Ctrl uint8 // power-down control register index
	Bit  uint8 // bit within that register
}

func (id ClockID) String() string {
	return fmt.Sprintf("pwdwn-ctl%d.%d", id.Ctrl, id.Bit)
}

// Default clock gates of the timer instances.
var (
	ITIM64_CLK = ClockID{Ctrl: 7, Bit: 5}
	ITIM32_CLK = ClockID{Ctrl: 7, Bit: 1}
)
