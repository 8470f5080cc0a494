// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sysclk

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-lpc/itim/internal/regs"
)

// Default clock gates of the timer instances.
var (
	SysClockID = regs.ITIM64_CLK
	EvtClockID = regs.ITIM32_CLK
)

const (
	defaultTicksPerSec = 10000
	defaultSysHz       = 15000000
	defaultSpins       = 1 << 20
)

type config struct {
	mode  Mode
	tps   uint32 // kernel ticks per second
	sysHz uint64 // system timer (APB2) frequency
	evtHz uint64 // event timer (LFCLK) frequency
	irq   uint
	clks  [2]ClockID // sys, evt

	spins int // max iterations of a hardware confirmation loop
	delay func(time.Duration)
	fatal func(error)

	msg   *log.Logger
	debug bool
}

func newConfig() config {
	return config{
		mode:  Tickless,
		tps:   defaultTicksPerSec,
		sysHz: defaultSysHz,
		evtHz: regs.LFCLK,
		irq:   regs.EVT_IRQ,
		clks:  [2]ClockID{SysClockID, EvtClockID},
		spins: defaultSpins,
		delay: busyWait,
		msg:   log.New(os.Stdout, "sysclk: ", 0),
	}
}

func (cfg *config) validate() error {
	switch {
	case cfg.mode != Tickless && cfg.mode != Periodic:
		return fmt.Errorf("sysclk: invalid mode %v: %w", cfg.mode, ErrConfig)
	case cfg.tps == 0:
		return fmt.Errorf("sysclk: invalid ticks per second (%d): %w", cfg.tps, ErrConfig)
	case cfg.sysHz/uint64(cfg.tps) == 0:
		return fmt.Errorf(
			"sysclk: system clock (%d Hz) slower than tick rate (%d ticks/s): %w",
			cfg.sysHz, cfg.tps, ErrConfig,
		)
	case cfg.evtHz == 0 || cfg.evtHz > regs.ITIM32_MAX_CNT:
		return fmt.Errorf("sysclk: invalid event clock (%d Hz): %w", cfg.evtHz, ErrConfig)
	case cfg.spins <= 0:
		return fmt.Errorf("sysclk: invalid spin limit (%d): %w", cfg.spins, ErrConfig)
	case cfg.delay == nil:
		return fmt.Errorf("sysclk: nil delay function: %w", ErrConfig)
	case cfg.msg == nil:
		return fmt.Errorf("sysclk: nil logger: %w", ErrConfig)
	}
	return nil
}

// Option configures a Driver.
type Option func(cfg *config)

// WithMode sets the kernel ticking mode.
func WithMode(mode Mode) Option {
	return func(cfg *config) {
		cfg.mode = mode
	}
}

// WithTicksPerSec sets the kernel tick rate.
func WithTicksPerSec(tps uint32) Option {
	return func(cfg *config) {
		cfg.tps = tps
	}
}

// WithSysClock sets the frequency (in Hz) of the system timer clock.
func WithSysClock(hz uint64) Option {
	return func(cfg *config) {
		cfg.sysHz = hz
	}
}

// WithEventClock sets the frequency (in Hz) of the event timer clock.
func WithEventClock(hz uint64) Option {
	return func(cfg *config) {
		cfg.evtHz = hz
	}
}

// WithIRQ sets the interrupt line of the event timer.
func WithIRQ(irq uint) Option {
	return func(cfg *config) {
		cfg.irq = irq
	}
}

// WithClocks sets the clock gates of the system and event timers.
func WithClocks(sys, evt ClockID) Option {
	return func(cfg *config) {
		cfg.clks = [2]ClockID{sys, evt}
	}
}

// WithSpinLimit sets the maximum number of register reads a hardware
// confirmation loop may perform before the hardware is deemed faulty.
func WithSpinLimit(n int) Option {
	return func(cfg *config) {
		cfg.spins = n
	}
}

// WithDelay sets the function used for fixed hardware settle delays.
func WithDelay(f func(time.Duration)) Option {
	return func(cfg *config) {
		cfg.delay = f
	}
}

// WithFatalHandler sets the function invoked on unrecoverable hardware
// errors detected outside of Init.
// The default handler logs the error and panics.
func WithFatalHandler(f func(error)) Option {
	return func(cfg *config) {
		cfg.fatal = f
	}
}

// WithLogger sets the driver logger.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithDebug enables debug messages.
func WithDebug(v bool) Option {
	return func(cfg *config) {
		cfg.debug = v
	}
}

// busyWait spins for d.
func busyWait(d time.Duration) {
	beg := time.Now()
	for time.Since(beg) < d {
	}
}
