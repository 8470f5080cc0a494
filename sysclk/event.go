// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sysclk

import (
	"fmt"
	"sync/atomic"

	"github.com/go-lpc/itim/internal/regs"
)

// EventCycles converts kernel ticks into event timer cycles.
// The result is rounded up to the next tick boundary and clamped to the
// maximum count of the event timer.
func (drv *Driver) EventCycles(ticks uint32) uint32 {
	tps := uint64(drv.cfg.tps)
	cyc := (uint64(ticks)*drv.cfg.evtHz + tps - 1) / tps
	if cyc > regs.ITIM32_MAX_CNT {
		return regs.ITIM32_MAX_CNT
	}
	return uint32(cyc)
}

// EventTicks converts event timer cycles into (whole) kernel ticks.
func (drv *Driver) EventTicks(cycles uint32) uint32 {
	return uint32(uint64(cycles) * uint64(drv.cfg.tps) / drv.cfg.evtHz)
}

// arm starts the event timer for the requested number of ticks.
func (drv *Driver) arm(ticks int32) error {
	var cyc uint32
	switch {
	case ticks == Forever:
		cyc = regs.ITIM32_MAX_CNT
	case ticks <= 0:
		cyc = drv.EventCycles(1)
	default:
		cyc = drv.EventCycles(uint32(ticks))
	}
	atomic.StoreUint32(&drv.timeout, cyc)

	if drv.cfg.debug {
		drv.msg.Printf("ticks %d, timeout 0x%x", ticks, cyc)
	}

	// the counter may not be reloaded while the timer is running.
	if drv.evtEnabled() {
		drv.evtDisable()
	}

	load := uint32(1)
	if cyc > 1 {
		load = cyc - 1
	}
	drv.evt.cnt.w(load)

	return drv.evtEnable()
}

func (drv *Driver) evtEnabled() bool {
	return drv.evt.cts.r()&regs.O_ITEN != 0
}

// evtEnable starts the event timer and waits for the enable bit to take
// effect: LFCLK is asynchronous to the core clock and it usually takes one
// LFCLK cycle (30.5us).
func (drv *Driver) evtEnable() error {
	cts := drv.evt.cts.r() &^ regs.O_TO_STS
	drv.evt.cts.w(cts | regs.O_ITEN)

	for i := 0; !drv.evtEnabled(); i++ {
		if err := drv.bus.Err(); err != nil {
			return fmt.Errorf("%w: could not enable event timer: %v", ErrHardware, err)
		}
		if i >= drv.cfg.spins {
			return fmt.Errorf("%w: event timer enable not confirmed after %d reads", ErrHardware, i)
		}
	}

	if err := drv.bus.Err(); err != nil {
		return fmt.Errorf("%w: could not enable event timer: %v", ErrHardware, err)
	}
	return nil
}

// evtDisable stops the event timer. It takes effect immediately.
// The timeout status is left untouched.
func (drv *Driver) evtDisable() {
	cts := drv.evt.cts.r() &^ regs.O_TO_STS
	drv.evt.cts.w(cts &^ regs.O_ITEN)
}
