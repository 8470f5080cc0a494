// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package simhw

import (
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/go-lpc/itim/internal/regs"
)

func rd8(t *testing.T, win *Window, off int64) uint8 {
	t.Helper()
	var p [1]byte
	_, err := win.ReadAt(p[:], off)
	if err != nil {
		t.Fatalf("could not read %s[0x%x]: %+v", win.name, off, err)
	}
	return p[0]
}

func rd32(t *testing.T, win *Window, off int64) uint32 {
	t.Helper()
	var p [4]byte
	_, err := win.ReadAt(p[:], off)
	if err != nil {
		t.Fatalf("could not read %s[0x%x]: %+v", win.name, off, err)
	}
	return binary.LittleEndian.Uint32(p[:])
}

func wr8(t *testing.T, win *Window, off int64, v uint8) {
	t.Helper()
	_, err := win.WriteAt([]byte{v}, off)
	if err != nil {
		t.Fatalf("could not write %s[0x%x]: %+v", win.name, off, err)
	}
}

func wr32(t *testing.T, win *Window, off int64, v uint32) {
	t.Helper()
	var p [4]byte
	binary.LittleEndian.PutUint32(p[:], v)
	_, err := win.WriteAt(p[:], off)
	if err != nil {
		t.Fatalf("could not write %s[0x%x]: %+v", win.name, off, err)
	}
}

func TestWindow(t *testing.T) {
	brd := New(1000, regs.LFCLK)

	for _, tc := range []struct {
		name string
		win  *Window
		off  int64
		n    int
		ok   bool
	}{
		{"sys-pre", brd.Sys(), regs.ITPRE64, 1, true},
		{"sys-cts", brd.Sys(), regs.ITCTS64, 1, true},
		{"sys-cntl", brd.Sys(), regs.ITCNT64L, 4, true},
		{"sys-cnth", brd.Sys(), regs.ITCNT64H, 4, true},
		{"evt-pre", brd.Evt(), regs.ITPRE32, 1, true},
		{"evt-cts", brd.Evt(), regs.ITCTS32, 1, true},
		{"evt-cnt", brd.Evt(), regs.ITCNT32, 4, true},
		{"evt-cnth", brd.Evt(), regs.ITCNT64H, 4, false},
		{"sys-cts-wide", brd.Sys(), regs.ITCTS64, 4, false},
		{"sys-cnt-narrow", brd.Sys(), regs.ITCNT64L, 1, false},
		{"sys-hole", brd.Sys(), 0x00, 1, false},
		{"sys-negative", brd.Sys(), -1, 1, false},
		{"sys-oob", brd.Sys(), regs.ITIM64_N, 4, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := make([]byte, tc.n)
			_, rerr := tc.win.ReadAt(p, tc.off)
			_, werr := tc.win.WriteAt(p, tc.off)
			switch {
			case tc.ok && (rerr != nil || werr != nil):
				t.Fatalf("unexpected error: read=%+v, write=%+v", rerr, werr)
			case !tc.ok && (rerr == nil || werr == nil):
				t.Fatalf("expected errors: read=%+v, write=%+v", rerr, werr)
			}
		})
	}
}

func TestSysCounter(t *testing.T) {
	brd := New(1000, regs.LFCLK)
	sys := brd.Sys()

	wr32(t, sys, regs.ITCNT64L, regs.ITIM64_MAX_HALF_CNT)
	wr32(t, sys, regs.ITCNT64H, regs.ITIM64_MAX_HALF_CNT)

	// not enabled: does not count.
	brd.Advance(time.Second)
	if got, want := brd.Elapsed(), uint64(0); got != want {
		t.Fatalf("disabled counter counted: got=%d, want=%d", got, want)
	}

	wr8(t, sys, regs.ITCTS64, regs.O_ITEN)
	brd.Advance(1500 * time.Millisecond)
	if got, want := brd.Elapsed(), uint64(1500); got != want {
		t.Fatalf("invalid elapsed cycles: got=%d, want=%d", got, want)
	}
	if got, want := rd32(t, sys, regs.ITCNT64L), uint32(regs.ITIM64_MAX_HALF_CNT-1500); got != want {
		t.Fatalf("invalid low half: got=0x%x, want=0x%x", got, want)
	}
	if got, want := rd32(t, sys, regs.ITCNT64H), uint32(regs.ITIM64_MAX_HALF_CNT); got != want {
		t.Fatalf("invalid high half: got=0x%x, want=0x%x", got, want)
	}

	// the high half borrows one cycle before the low half wraps.
	brd.SetElapsed(1<<32 - 1)
	if got, want := rd32(t, sys, regs.ITCNT64L), uint32(0); got != want {
		t.Fatalf("invalid low half: got=0x%x, want=0x%x", got, want)
	}
	if got, want := rd32(t, sys, regs.ITCNT64H), uint32(regs.ITIM64_MAX_HALF_CNT-1); got != want {
		t.Fatalf("invalid high half: got=0x%x, want=0x%x", got, want)
	}

	// fractional cycles accumulate.
	brd.SetElapsed(0)
	for i := 0; i < 10; i++ {
		brd.Advance(100 * time.Microsecond)
	}
	if got, want := brd.Elapsed(), uint64(1); got != want {
		t.Fatalf("invalid accumulated cycles: got=%d, want=%d", got, want)
	}

	brd.Sleep(time.Second)
	if got, want := brd.Elapsed(), uint64(1); got != want {
		t.Fatalf("gated counter counted: got=%d, want=%d", got, want)
	}
	if got, want := brd.Now(), 2501*time.Millisecond+time.Second; got != want {
		t.Fatalf("invalid virtual time: got=%v, want=%v", got, want)
	}
}

func TestSysStatus(t *testing.T) {
	brd := New(1000, regs.LFCLK)
	sys := brd.Sys()

	wr8(t, sys, regs.ITCTS64, regs.O_ITEN|regs.O_TO_STS)
	if got, want := rd8(t, sys, regs.ITCTS64), uint8(regs.O_ITEN); got != want {
		t.Fatalf("timeout status not cleared: got=0x%x, want=0x%x", got, want)
	}
}

func TestEvtEnableLatency(t *testing.T) {
	brd := New(1000, regs.LFCLK)
	evt := brd.Evt()
	brd.SetEnableLatency(3)

	wr8(t, evt, regs.ITCTS32, regs.O_ITEN)
	if !brd.State().Pending {
		t.Fatalf("enable not pending")
	}
	for i := 0; i < 2; i++ {
		if got := rd8(t, evt, regs.ITCTS32); got&regs.O_ITEN != 0 {
			t.Fatalf("enable effective too early (read=%d)", i)
		}
	}
	if got := rd8(t, evt, regs.ITCTS32); got&regs.O_ITEN == 0 {
		t.Fatalf("enable not effective")
	}

	// disable is immediate.
	wr8(t, evt, regs.ITCTS32, 0)
	if got := brd.State().EvtCts; got&regs.O_ITEN != 0 {
		t.Fatalf("disable not effective: cts=0x%x", got)
	}

	brd.SetEnableLatency(0)
	wr8(t, evt, regs.ITCTS32, regs.O_ITEN)
	if got := brd.State().EvtCts; got&regs.O_ITEN == 0 {
		t.Fatalf("enable not immediate: cts=0x%x", got)
	}

	wr8(t, evt, regs.ITCTS32, 0)
	brd.StickEnable(true)
	wr8(t, evt, regs.ITCTS32, regs.O_ITEN)
	for i := 0; i < 100; i++ {
		if got := rd8(t, evt, regs.ITCTS32); got&regs.O_ITEN != 0 {
			t.Fatalf("stuck enable took effect")
		}
	}
}

func TestEvtExpiry(t *testing.T) {
	brd := New(1000, 1000)
	evt := brd.Evt()
	brd.SetEnableLatency(0)

	var fired []time.Duration
	err := brd.IRQ().Connect(regs.EVT_IRQ, func() {
		fired = append(fired, brd.Now())
		// acknowledge.
		cts := rd8(t, evt, regs.ITCTS32)
		wr8(t, evt, regs.ITCTS32, cts|regs.O_TO_STS)
	})
	if err != nil {
		t.Fatalf("could not connect ISR: %+v", err)
	}
	err = brd.IRQ().Enable(regs.EVT_IRQ)
	if err != nil {
		t.Fatalf("could not enable IRQ: %+v", err)
	}

	wr8(t, evt, regs.ITCTS32, regs.O_TO_IE)
	wr32(t, evt, regs.ITCNT32, 9) // 10 cycles period
	wr8(t, evt, regs.ITCTS32, regs.O_TO_IE|regs.O_ITEN)

	brd.Advance(35 * time.Millisecond)

	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		30 * time.Millisecond,
	}
	if !reflect.DeepEqual(fired, want) {
		t.Fatalf("invalid expiry times:\ngot= %v\nwant=%v", fired, want)
	}
	if got, want := brd.Fired(), 3; got != want {
		t.Fatalf("invalid number of expiries: got=%d, want=%d", got, want)
	}
	if got, want := brd.State().EvtCnt, uint32(4); got != want {
		t.Fatalf("invalid event counter: got=%d, want=%d", got, want)
	}
	if got := brd.State().EvtCts; got&regs.O_TO_STS != 0 {
		t.Fatalf("timeout status not acknowledged: cts=0x%x", got)
	}

	// masked interrupt: status is latched, no ISR.
	brd.IRQ().Disable(regs.EVT_IRQ)
	brd.Advance(10 * time.Millisecond)
	if got, want := len(fired), 3; got != want {
		t.Fatalf("masked IRQ delivered: got=%d, want=%d", got, want)
	}
	if got := brd.State().EvtCts; got&regs.O_TO_STS == 0 {
		t.Fatalf("timeout status not latched: cts=0x%x", got)
	}

	// a write without TO_STS preserves it.
	wr8(t, evt, regs.ITCTS32, regs.O_TO_IE)
	if got := brd.State().EvtCts; got != regs.O_TO_IE|regs.O_TO_STS {
		t.Fatalf("invalid control: got=0x%x, want=0x%x", got, regs.O_TO_IE|regs.O_TO_STS)
	}
}

func TestEvtIRQLine(t *testing.T) {
	brd := New(1000, 1000)
	evt := brd.Evt()
	brd.SetEnableLatency(0)
	brd.SetIRQLine(5)

	var n5, n28 int
	for _, v := range []struct {
		irq uint
		n   *int
	}{{5, &n5}, {regs.EVT_IRQ, &n28}} {
		n := v.n
		err := brd.IRQ().Connect(v.irq, func() { *n++ })
		if err != nil {
			t.Fatalf("could not connect irq=%d: %+v", v.irq, err)
		}
		err = brd.IRQ().Enable(v.irq)
		if err != nil {
			t.Fatalf("could not enable irq=%d: %+v", v.irq, err)
		}
	}

	wr32(t, evt, regs.ITCNT32, 0)
	wr8(t, evt, regs.ITCTS32, regs.O_TO_IE|regs.O_ITEN)
	brd.Advance(time.Millisecond)

	if n5 != 1 || n28 != 0 {
		t.Fatalf("invalid IRQ routing: irq5=%d, irq28=%d", n5, n28)
	}
}

func TestTrace(t *testing.T) {
	brd := New(1000, 1000)

	wr8(t, brd.Sys(), regs.ITPRE64, 0)
	brd.Trace(true)
	wr8(t, brd.Sys(), regs.ITCTS64, 0x80)
	wr32(t, brd.Evt(), regs.ITCNT32, 0x1234)
	_ = rd8(t, brd.Evt(), regs.ITCTS32)

	want := []string{
		"itim64[0x02]=0x80",
		"itim32[0x08]=0x1234",
	}
	if got := brd.Writes(); !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid trace:\ngot= %q\nwant=%q", got, want)
	}

	brd.Trace(false)
	wr8(t, brd.Sys(), regs.ITCTS64, 0)
	if got := brd.Writes(); len(got) != 0 {
		t.Fatalf("trace not reset: %q", got)
	}
}

func TestClocks(t *testing.T) {
	brd := New(1000, 1000)
	clk := brd.Clocks()

	if clk.IsOn(regs.ITIM64_CLK) {
		t.Fatalf("clock on by default")
	}
	if err := clk.On(regs.ITIM64_CLK); err != nil {
		t.Fatalf("could not switch clock on: %+v", err)
	}
	if !clk.IsOn(regs.ITIM64_CLK) {
		t.Fatalf("clock not on")
	}

	want := errors.New("boom")
	clk.Fail(regs.ITIM32_CLK, want)
	if err := clk.On(regs.ITIM32_CLK); !errors.Is(err, want) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, want)
	}
	if clk.IsOn(regs.ITIM32_CLK) {
		t.Fatalf("failed clock switched on")
	}
}

func TestIRQ(t *testing.T) {
	ctl := New(1000, 1000).IRQ()

	if err := ctl.Connect(1, nil); err == nil {
		t.Fatalf("expected an error for a nil ISR")
	}
	if err := ctl.Enable(1); err == nil {
		t.Fatalf("expected an error for an unconnected IRQ")
	}
	if err := ctl.Connect(1, func() {}); err != nil {
		t.Fatalf("could not connect: %+v", err)
	}
	if err := ctl.Connect(1, func() {}); err == nil {
		t.Fatalf("expected an error for a duplicate ISR")
	}
	if ctl.Enabled(1) {
		t.Fatalf("IRQ enabled by default")
	}
	if err := ctl.Enable(1); err != nil {
		t.Fatalf("could not enable: %+v", err)
	}
	if !ctl.Enabled(1) || ctl.isr(1) == nil {
		t.Fatalf("IRQ not enabled")
	}
	ctl.Disable(1)
	if ctl.Enabled(1) || ctl.isr(1) != nil {
		t.Fatalf("IRQ not disabled")
	}
}
