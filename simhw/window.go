// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package simhw

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/go-lpc/itim/internal/regs"
)

// Window is the register window of a simulated timer.
// It only accepts accesses of the exact width of a register.
type Window struct {
	name string
	size int64
	r    func(off int64) uint32
	w    func(off int64, v uint32)
}

// width returns the width of the register at off, or 0 when there is none.
func (win *Window) width(off int64) int {
	switch off {
	case regs.ITPRE32, regs.ITCTS32: // same as ITIM64
		return 1
	case regs.ITCNT32: // same as ITCNT64L
		return 4
	case regs.ITCNT64H:
		if win.size == regs.ITIM64_N {
			return 4
		}
	}
	return 0
}

func (win *Window) check(p []byte, off int64, op string) error {
	if off < 0 || off+int64(len(p)) > win.size {
		return fmt.Errorf("simhw: %s %s offset 0x%x out of bounds", win.name, op, off)
	}
	if n := win.width(off); n == 0 || n != len(p) {
		return fmt.Errorf(
			"simhw: %s invalid %d-byte %s at offset 0x%x",
			win.name, len(p), op, off,
		)
	}
	return nil
}

// ReadAt implements io.ReaderAt.
func (win *Window) ReadAt(p []byte, off int64) (int, error) {
	err := win.check(p, off, "read")
	if err != nil {
		return 0, err
	}
	v := win.r(off)
	switch len(p) {
	case 1:
		p[0] = uint8(v)
	default:
		binary.LittleEndian.PutUint32(p, v)
	}
	return len(p), nil
}

// WriteAt implements io.WriterAt.
func (win *Window) WriteAt(p []byte, off int64) (int, error) {
	err := win.check(p, off, "write")
	if err != nil {
		return 0, err
	}
	var v uint32
	switch len(p) {
	case 1:
		v = uint32(p[0])
	default:
		v = binary.LittleEndian.Uint32(p)
	}
	win.w(off, v)
	return len(p), nil
}

var (
	_ io.ReaderAt = (*Window)(nil)
	_ io.WriterAt = (*Window)(nil)
)

// Clocks is a simulated clock controller.
type Clocks struct {
	mu   sync.Mutex
	on   map[regs.ClockID]bool
	fail map[regs.ClockID]error
}

// On switches the clock id on.
func (clk *Clocks) On(id regs.ClockID) error {
	clk.mu.Lock()
	defer clk.mu.Unlock()
	if err := clk.fail[id]; err != nil {
		return err
	}
	clk.on[id] = true
	return nil
}

// IsOn returns whether the clock id has been switched on.
func (clk *Clocks) IsOn(id regs.ClockID) bool {
	clk.mu.Lock()
	defer clk.mu.Unlock()
	return clk.on[id]
}

// Fail makes switching the clock id on fail with err.
func (clk *Clocks) Fail(id regs.ClockID, err error) {
	clk.mu.Lock()
	defer clk.mu.Unlock()
	clk.fail[id] = err
}

// IRQ is a simulated interrupt controller.
type IRQ struct {
	mu   sync.Mutex
	isrs map[uint]func()
	ena  map[uint]bool
}

// Connect registers isr as the service routine of the interrupt line irq.
func (ctl *IRQ) Connect(irq uint, isr func()) error {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if isr == nil {
		return fmt.Errorf("simhw: nil ISR for irq=%d", irq)
	}
	if _, dup := ctl.isrs[irq]; dup {
		return fmt.Errorf("simhw: irq=%d already connected", irq)
	}
	ctl.isrs[irq] = isr
	return nil
}

// Enable unmasks the interrupt line irq.
func (ctl *IRQ) Enable(irq uint) error {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if _, ok := ctl.isrs[irq]; !ok {
		return fmt.Errorf("simhw: irq=%d not connected", irq)
	}
	ctl.ena[irq] = true
	return nil
}

// Disable masks the interrupt line irq.
func (ctl *IRQ) Disable(irq uint) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	ctl.ena[irq] = false
}

// Enabled returns whether the interrupt line irq is unmasked.
func (ctl *IRQ) Enabled(irq uint) bool {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.ena[irq]
}

func (ctl *IRQ) isr(irq uint) func() {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if !ctl.ena[irq] {
		return nil
	}
	return ctl.isrs[irq]
}
