// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sysclk

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/go-lpc/itim/internal/regs"
)

// Driver is the system clock driver.
//
// A Driver is created once with New, brought up once with Init and then
// serves the kernel for the lifetime of the process.
type Driver struct {
	msg *log.Logger
	cfg config

	bus bus
	sys itim64 // free-running system timer
	evt itim32 // event timer

	clks ClockControl
	irqs IRQController
	kern Announcer

	cpt uint64 // system timer cycles per kernel tick

	lock      irqLock
	announced uint64 // system timer cycles announced to the kernel, guarded by lock
	timeout   uint32 // event timer cycles of the current timeout (atomic)
	booted    uint32 // atomic
}

// New creates a new system clock driver over the provided hardware,
// announcing elapsed ticks to kern.
func New(hw Hardware, kern Announcer, opts ...Option) (*Driver, error) {
	switch {
	case hw.Sys == nil:
		return nil, fmt.Errorf("sysclk: nil system timer registers: %w", ErrConfig)
	case hw.Evt == nil:
		return nil, fmt.Errorf("sysclk: nil event timer registers: %w", ErrConfig)
	case hw.Clocks == nil:
		return nil, fmt.Errorf("sysclk: nil clock control: %w", ErrConfig)
	case hw.IRQ == nil:
		return nil, fmt.Errorf("sysclk: nil interrupt controller: %w", ErrConfig)
	case kern == nil:
		return nil, fmt.Errorf("sysclk: nil tick announcer: %w", ErrConfig)
	}

	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	err := cfg.validate()
	if err != nil {
		return nil, err
	}

	drv := &Driver{
		msg:  cfg.msg,
		cfg:  cfg,
		clks: hw.Clocks,
		irqs: hw.IRQ,
		kern: kern,
		cpt:  cfg.sysHz / uint64(cfg.tps),
	}
	drv.sys = newITIM64(&drv.bus, hw.Sys)
	drv.evt = newITIM32(&drv.bus, hw.Evt)
	if drv.cfg.fatal == nil {
		drv.cfg.fatal = drv.panic
	}

	return drv, nil
}

func (drv *Driver) panic(err error) {
	drv.msg.Printf("fatal error: %+v", err)
	panic(err)
}

func (drv *Driver) fatal(err error) {
	drv.cfg.fatal(err)
}

// Mode returns the ticking mode of the driver.
func (drv *Driver) Mode() Mode { return drv.cfg.mode }

// CyclesPerTick returns the number of system timer cycles per kernel tick.
func (drv *Driver) CyclesPerTick() uint64 { return drv.cpt }

// Init brings the timers up.
//
// Init turns the clocks of both timers on, starts the system timer,
// configures the event timer and connects its interrupt.
// In periodic mode, the event timer is armed for the first tick.
// Init may be called again after a failure.
func (drv *Driver) Init() error {
	if !atomic.CompareAndSwapUint32(&drv.booted, 0, 1) {
		return ErrInitialized
	}
	ok := false
	defer func() {
		if !ok {
			atomic.StoreUint32(&drv.booted, 0)
		}
	}()

	for i, id := range drv.cfg.clks {
		err := drv.clks.On(id)
		if err != nil {
			drv.msg.Printf("turn on timer %d clock (%v) failed: %+v", i, id, err)
			return fmt.Errorf("%w (timer=%d, clock=%v): %v", ErrPeripheralClock, i, id, err)
		}
	}

	// system timer: divide-by-one, counter seeded to its maximum,
	// APB2 clock source and cleared timeout status.
	drv.sys.pre.w(regs.PRE_DIV1)
	drv.sys.cntL.w(regs.ITIM64_MAX_HALF_CNT)
	drv.sys.cntH.w(regs.ITIM64_MAX_HALF_CNT)
	drv.sys.cts.w(regs.O_TO_STS)
	drv.sys.cts.w(drv.sys.cts.r() | regs.O_ITEN)
	if err := drv.bus.Err(); err != nil {
		return fmt.Errorf("sysclk: could not start system timer: %w", err)
	}

	// event timer: divide-by-one, LFCLK clock source, timeout interrupt
	// and wake-up enabled, cleared timeout status.
	drv.evt.pre.w(regs.PRE_DIV1)
	drv.evt.cts.w(regs.O_CKSEL | regs.O_TO_WUE | regs.O_TO_IE | regs.O_TO_STS)
	if err := drv.bus.Err(); err != nil {
		return fmt.Errorf("sysclk: could not configure event timer: %w", err)
	}

	drv.cfg.delay(regs.CLK_SEL_DELAY * time.Microsecond)

	err := drv.irqs.Connect(drv.cfg.irq, drv.isr)
	if err != nil {
		return fmt.Errorf("sysclk: could not connect event timer ISR (irq=%d): %w", drv.cfg.irq, err)
	}
	err = drv.irqs.Enable(drv.cfg.irq)
	if err != nil {
		return fmt.Errorf("sysclk: could not enable event timer IRQ (irq=%d): %w", drv.cfg.irq, err)
	}

	if drv.cfg.mode == Periodic {
		err = drv.arm(1)
		if err != nil {
			return fmt.Errorf("sysclk: could not start event timer: %w", err)
		}
	}

	ok = true
	return nil
}

// SetTimeout programs the event timer to expire after ticks kernel ticks.
// idle reports whether the kernel is about to idle.
//
// SetTimeout is a no-op in periodic mode.
func (drv *Driver) SetTimeout(ticks int32, idle bool) {
	if drv.cfg.mode != Tickless {
		return
	}

	if drv.cfg.debug {
		drv.msg.Printf("timeout is %d (idle=%v)", ticks, idle)
	}

	err := drv.arm(ticks)
	if err != nil {
		drv.fatal(err)
	}
}

// Elapsed returns the number of ticks elapsed since the last announcement.
//
// Elapsed always returns 0 in periodic mode.
func (drv *Driver) Elapsed() uint32 {
	if drv.cfg.mode != Tickless {
		return 0
	}

	key := drv.lock.lock()
	delta := (drv.Cycles() - drv.announced) / drv.cpt
	drv.lock.unlock(key)

	return uint32(delta)
}

// CycleCount32 returns the low 32 bits of the system timer cycle count.
func (drv *Driver) CycleCount32() uint32 {
	return uint32(drv.CycleCount64())
}

// CycleCount64 returns the system timer cycle count.
func (drv *Driver) CycleCount64() uint64 {
	key := drv.lock.lock()
	cyc := drv.Cycles()
	drv.lock.unlock(key)
	return cyc
}

// Announced returns the system timer cycle count at the last announcement.
func (drv *Driver) Announced() uint64 {
	key := drv.lock.lock()
	defer drv.lock.unlock(key)
	return drv.announced
}

// Timeout returns the number of event timer cycles of the current timeout.
func (drv *Driver) Timeout() uint32 {
	return atomic.LoadUint32(&drv.timeout)
}
