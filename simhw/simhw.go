// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package simhw simulates the NPCX internal timers used by the system
// clock driver: an ITIM64 free-running down-counter and an ITIM32 event
// timer, together with their clock gates and interrupt line.
//
// Time only moves forward when Advance or Sleep is called.
// Interrupt service routines are invoked synchronously from Advance.
package simhw // import "github.com/go-lpc/itim/simhw"

import (
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/go-lpc/itim/internal/regs"
)

const nsPerSec = uint64(time.Second)

// Board is a simulated pair of ITIM64 and ITIM32 timers.
type Board struct {
	mu sync.Mutex

	now   time.Duration // virtual time since creation
	gated bool          // APB2 clock gated (deep sleep)

	sys struct {
		hz   uint64
		frac uint64
		pre  uint8
		cts  uint8
		cnt  uint64 // cycles counted since the counter was seeded
	}

	evt struct {
		hz      uint64
		frac    uint64
		pre     uint8
		cts     uint8  // ITEN holds the effective enable state
		pending int    // control reads left before ITEN takes effect
		cnt     uint32 // current count
		load    uint32 // reload value
		fired   int    // number of expiries
	}

	latency int  // control reads before an enable takes effect
	stuck   bool // enable never takes effect

	clks  *Clocks
	irq   *IRQ
	line  uint
	trace []string
	tron  bool

	sysw *Window
	evtw *Window
}

// New creates a new simulated board, with a system timer clocked at sysHz
// and an event timer clocked at evtHz.
func New(sysHz, evtHz uint64) *Board {
	b := &Board{
		latency: 1,
		line:    regs.EVT_IRQ,
	}
	b.sys.hz = sysHz
	b.evt.hz = evtHz
	b.clks = &Clocks{on: make(map[regs.ClockID]bool), fail: make(map[regs.ClockID]error)}
	b.irq = &IRQ{isrs: make(map[uint]func()), ena: make(map[uint]bool)}
	b.sysw = &Window{name: "itim64", size: regs.ITIM64_N, r: b.readSys, w: b.writeSys}
	b.evtw = &Window{name: "itim32", size: regs.ITIM32_N, r: b.readEvt, w: b.writeEvt}
	return b
}

// Sys returns the register window of the system timer.
func (b *Board) Sys() *Window { return b.sysw }

// Evt returns the register window of the event timer.
func (b *Board) Evt() *Window { return b.evtw }

// Clocks returns the clock controller of the board.
func (b *Board) Clocks() *Clocks { return b.clks }

// IRQ returns the interrupt controller of the board.
func (b *Board) IRQ() *IRQ { return b.irq }

// SetIRQLine sets the interrupt line of the event timer.
func (b *Board) SetIRQLine(irq uint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.line = irq
}

// SetEnableLatency sets the number of control register reads needed for
// an event timer enable to take effect.
func (b *Board) SetEnableLatency(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latency = n
}

// StickEnable makes event timer enables never take effect.
func (b *Board) StickEnable(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stuck = v
}

// Trace starts or stops recording register writes.
func (b *Board) Trace(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tron = v
	b.trace = b.trace[:0]
}

// Writes returns the recorded register writes.
func (b *Board) Writes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	o := make([]string, len(b.trace))
	copy(o, b.trace)
	return o
}

// Now returns the virtual time elapsed since the board was created.
func (b *Board) Now() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now
}

// Elapsed returns the number of cycles counted by the system timer since
// it was seeded.
func (b *Board) Elapsed() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sys.cnt
}

// SetElapsed moves the system timer as if n cycles had been counted since
// it was seeded to its maximum.
func (b *Board) SetElapsed(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sys.cnt = n
}

// Fired returns the number of event timer expiries.
func (b *Board) Fired() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evt.fired
}

// State is a snapshot of the timer registers.
type State struct {
	SysPre uint8
	SysCts uint8
	SysL   uint32
	SysH   uint32

	EvtPre  uint8
	EvtCts  uint8
	EvtCnt  uint32
	EvtLoad uint32
	Pending bool // event timer enable not yet in effect
}

// State returns a snapshot of the timer registers, without side effects.
func (b *Board) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{
		SysPre:  b.sys.pre,
		SysCts:  b.sys.cts,
		SysL:    b.sysL(),
		SysH:    b.sysH(),
		EvtPre:  b.evt.pre,
		EvtCts:  b.evt.cts,
		EvtCnt:  b.evt.cnt,
		EvtLoad: b.evt.load,
		Pending: b.evt.pending != 0,
	}
}

// Gate stops (or restarts) the system timer clock, as the chip does in
// (deep) sleep. The event timer is not affected.
func (b *Board) Gate(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gated = v
}

// Sleep advances time by d with the system timer clock gated.
func (b *Board) Sleep(d time.Duration) {
	b.Gate(true)
	defer b.Gate(false)
	b.Advance(d)
}

// Advance moves time forward by d.
// Event timer interrupts due during d are delivered in order, each one at
// the time of its expiry.
func (b *Board) Advance(d time.Duration) {
	for d > 0 {
		b.mu.Lock()
		step := d
		next, armed := b.untilExpiry()
		if armed && next < step {
			step = next
		}
		isr := b.step(step)
		b.mu.Unlock()

		d -= step
		if isr != nil {
			isr()
		}
	}
}

// untilExpiry returns the time left before the event timer expires.
func (b *Board) untilExpiry() (time.Duration, bool) {
	if b.evt.cts&regs.O_ITEN == 0 || b.evt.hz == 0 {
		return 0, false
	}
	// smallest dt such that dt*hz + frac >= (cnt+1)*div.
	div := nsPerSec * (uint64(b.evt.pre) + 1)
	hi, lo := bits.Mul64(uint64(b.evt.cnt)+1, div)
	lo, borrow := bits.Sub64(lo, b.evt.frac, 0)
	hi -= borrow
	lo, carry := bits.Add64(lo, b.evt.hz-1, 0)
	hi += carry
	if hi >= b.evt.hz {
		return 1<<63 - 1, true
	}
	dt, _ := bits.Div64(hi, lo, b.evt.hz)
	if dt > 1<<63-1 {
		dt = 1<<63 - 1
	}
	return time.Duration(dt), true
}

// step advances both timers by dt and returns the ISR to run, if any.
func (b *Board) step(dt time.Duration) func() {
	b.now += dt

	if b.sys.cts&regs.O_ITEN != 0 && !b.gated {
		b.sys.cnt += cycles(dt, b.sys.hz, b.sys.pre, &b.sys.frac)
	}

	if b.evt.cts&regs.O_ITEN == 0 {
		return nil
	}

	n := cycles(dt, b.evt.hz, b.evt.pre, &b.evt.frac)
	if n <= uint64(b.evt.cnt) {
		b.evt.cnt -= uint32(n)
		return nil
	}

	// expiry: the counter reloads and keeps running.
	n -= uint64(b.evt.cnt) + 1
	b.evt.cnt = b.evt.load
	if period := uint64(b.evt.load) + 1; n > 0 {
		b.evt.cnt = b.evt.load - uint32(n%period)
	}
	b.evt.cts |= regs.O_TO_STS
	b.evt.fired++

	if b.evt.cts&regs.O_TO_IE == 0 {
		return nil
	}
	return b.irq.isr(b.line)
}

// cycles returns the number of clock cycles counted during dt.
func cycles(dt time.Duration, hz uint64, pre uint8, frac *uint64) uint64 {
	div := nsPerSec * (uint64(pre) + 1)
	hi, lo := bits.Mul64(uint64(dt), hz)
	lo, carry := bits.Add64(lo, *frac, 0)
	hi += carry
	if hi >= div {
		// not reachable with sensible clocks and steps.
		panic(fmt.Errorf("simhw: time step %v too large for a %d Hz clock", dt, hz))
	}
	q, r := bits.Div64(hi, lo, div)
	*frac = r
	return q
}

func (b *Board) record(name string, off int64, v uint32) {
	if !b.tron {
		return
	}
	b.trace = append(b.trace, fmt.Sprintf("%s[0x%02x]=0x%x", name, off, v))
}

// The high half of the system timer borrows when the low half reaches
// zero, so that the up-count of the two halves is cnt+1.
func (b *Board) sysL() uint32 {
	return regs.ITIM64_MAX_HALF_CNT - uint32(b.sys.cnt)
}

func (b *Board) sysH() uint32 {
	return regs.ITIM64_MAX_HALF_CNT - uint32((b.sys.cnt+1)>>32)
}

func (b *Board) readSys(off int64) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch off {
	case regs.ITPRE64:
		return uint32(b.sys.pre)
	case regs.ITCTS64:
		return uint32(b.sys.cts)
	case regs.ITCNT64L:
		return b.sysL()
	case regs.ITCNT64H:
		return b.sysH()
	}
	panic("unreachable")
}

func (b *Board) writeSys(off int64, v uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("itim64", off, v)

	switch off {
	case regs.ITPRE64:
		b.sys.pre = uint8(v)
	case regs.ITCTS64:
		cts := uint8(v) &^ regs.O_TO_STS
		if uint8(v)&regs.O_TO_STS == 0 {
			cts |= b.sys.cts & regs.O_TO_STS
		}
		b.sys.cts = cts
	case regs.ITCNT64L:
		b.sys.cnt = b.sys.cnt&^0xffffffff | uint64(regs.ITIM64_MAX_HALF_CNT-v)
	case regs.ITCNT64H:
		b.sys.cnt = b.sys.cnt&0xffffffff | uint64(regs.ITIM64_MAX_HALF_CNT-v)<<32
	}
}

func (b *Board) readEvt(off int64) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch off {
	case regs.ITPRE32:
		return uint32(b.evt.pre)
	case regs.ITCTS32:
		if b.evt.pending > 0 {
			b.evt.pending--
			if b.evt.pending == 0 {
				b.evt.cts |= regs.O_ITEN
			}
		}
		return uint32(b.evt.cts)
	case regs.ITCNT32:
		return b.evt.cnt
	}
	panic("unreachable")
}

func (b *Board) writeEvt(off int64, v uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("itim32", off, v)

	switch off {
	case regs.ITPRE32:
		b.evt.pre = uint8(v)
	case regs.ITCTS32:
		var (
			req = uint8(v)
			cts = req &^ (regs.O_TO_STS | regs.O_ITEN)
		)
		if req&regs.O_TO_STS == 0 {
			cts |= b.evt.cts & regs.O_TO_STS
		}
		switch {
		case req&regs.O_ITEN == 0:
			b.evt.pending = 0
		case b.evt.cts&regs.O_ITEN != 0:
			cts |= regs.O_ITEN
		case b.evt.pending != 0:
			// enable already in flight.
		case b.stuck:
			b.evt.pending = -1
		case b.latency <= 0:
			cts |= regs.O_ITEN
		default:
			b.evt.pending = b.latency
		}
		b.evt.cts = cts
	case regs.ITCNT32:
		b.evt.cnt = v
		b.evt.load = v
	}
}
