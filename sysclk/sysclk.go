// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sysclk implements a kernel system clock driver on top of the
// NPCX internal timers.
//
// The driver uses two timer instances:
//   - an ITIM64, clocked by APB2, as a free-running 64-bit cycle counter.
//     Its clock stops while the chip is in (deep) sleep;
//   - an ITIM32, clocked by the 32kHz LFCLK, as the event timer that
//     delivers timeout notifications. It keeps running in (deep) sleep.
//
// Event timer cycles are derived from kernel ticks as:
//
//	cycles = ceil(ticks * LFCLK / TicksPerSec)
//
// In tickless mode, the interrupt handler announces the number of ticks
// elapsed on the system timer since the last announcement, which
// compensates for the time the system timer clock was gated.
package sysclk // import "github.com/go-lpc/itim/sysclk"

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-lpc/itim/internal/regs"
)

// Mode selects how the kernel is fed with ticks.
type Mode uint8

const (
	// Tickless mode reprograms the event timer on demand and may
	// announce more than one tick per interrupt.
	Tickless Mode = iota
	// Periodic mode rearms the event timer for one tick on every
	// interrupt and always announces exactly one tick.
	Periodic
)

func (m Mode) String() string {
	switch m {
	case Tickless:
		return "tickless"
	case Periodic:
		return "periodic"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// ParseMode parses the textual representation of a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "tickless":
		return Tickless, nil
	case "periodic":
		return Periodic, nil
	default:
		return 0, fmt.Errorf("sysclk: invalid mode %q: %w", s, ErrConfig)
	}
}

// Forever requests the longest timeout the event timer can hold.
//
// The event timer is not disabled: it is armed for its maximum count.
const Forever int32 = -1

var (
	// ErrPeripheralClock is returned when a timer clock gate could not
	// be switched on.
	ErrPeripheralClock = errors.New("sysclk: could not enable peripheral clock")

	// ErrHardware reports a violated hardware assumption: a register that
	// never settles, an enable bit that never confirms or a register
	// window that cannot be accessed.
	ErrHardware = errors.New("sysclk: hardware assumption violation")

	// ErrConfig reports an invalid driver configuration.
	ErrConfig = errors.New("sysclk: invalid configuration")

	// ErrInitialized is returned when Init is called after a successful Init.
	ErrInitialized = errors.New("sysclk: driver already initialized")
)

// Window is a memory-mapped register window of a timer instance.
type Window interface {
	io.ReaderAt
	io.WriterAt
}

// ClockID identifies the clock gate of a peripheral.
type ClockID = regs.ClockID

// ClockControl switches peripheral clocks on.
type ClockControl interface {
	On(id ClockID) error
}

// IRQController registers and enables interrupt service routines.
type IRQController interface {
	Connect(irq uint, isr func()) error
	Enable(irq uint) error
}

// Announcer is the kernel tick accounting consumer.
type Announcer interface {
	// Announce informs the kernel that ticks ticks have elapsed.
	Announce(ticks uint32)
}

// AnnouncerFunc adapts a function to the Announcer interface.
type AnnouncerFunc func(ticks uint32)

// Announce calls f(ticks).
func (f AnnouncerFunc) Announce(ticks uint32) { f(ticks) }

// Hardware bundles the hardware resources used by the driver.
type Hardware struct {
	Sys    Window // ITIM64 system timer registers
	Evt    Window // ITIM32 event timer registers
	Clocks ClockControl
	IRQ    IRQController
}
