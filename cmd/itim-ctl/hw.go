// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/go-lpc/itim/internal/regs"
	"github.com/go-lpc/itim/sysclk"
)

// fwClocks assumes the timer clocks were ungated by the firmware: there is
// no clock controller reachable from user space.
type fwClocks struct {
	w io.Writer
}

func (clk fwClocks) On(id sysclk.ClockID) error {
	fmt.Fprintf(clk.w, "clock %v: assumed on\n", id)
	return nil
}

// pollIRQ services the event timer interrupt by polling its timeout status.
type pollIRQ struct {
	evt io.ReaderAt

	mu  sync.Mutex
	irq uint
	isr func()
	ena bool
}

func newPollIRQ(evt io.ReaderAt) *pollIRQ {
	return &pollIRQ{evt: evt}
}

func (ctl *pollIRQ) Connect(irq uint, isr func()) error {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if ctl.isr != nil {
		return fmt.Errorf("irq=%d already connected", ctl.irq)
	}
	ctl.irq = irq
	ctl.isr = isr
	return nil
}

func (ctl *pollIRQ) Enable(irq uint) error {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if ctl.isr == nil || ctl.irq != irq {
		return fmt.Errorf("irq=%d not connected", irq)
	}
	ctl.ena = true
	return nil
}

// poll runs the ISR if the event timer reports a timeout.
func (ctl *pollIRQ) poll() (bool, error) {
	ctl.mu.Lock()
	isr := ctl.isr
	ena := ctl.ena
	ctl.mu.Unlock()

	if !ena {
		return false, fmt.Errorf("event timer irq not enabled")
	}

	var cts [1]byte
	_, err := ctl.evt.ReadAt(cts[:], regs.ITCTS32)
	if err != nil {
		return false, fmt.Errorf("could not read event timer status: %w", err)
	}
	if cts[0]&regs.O_TO_STS == 0 {
		return false, nil
	}

	isr()
	return true, nil
}
