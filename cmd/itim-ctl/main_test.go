// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-lpc/itim/internal/regs"
	"github.com/go-lpc/itim/simhw"
)

func newTestConsole(t *testing.T, mode string) (*console, *bytes.Buffer) {
	t.Helper()
	out := new(bytes.Buffer)
	con, err := newConsole(out, config{
		mode:  mode,
		tps:   100,
		sysHz: 10000,
	})
	if err != nil {
		t.Fatalf("could not create console: %+v", err)
	}
	t.Cleanup(func() { _ = con.Close() })
	return con, out
}

func TestConsole(t *testing.T) {
	con, out := newTestConsole(t, "tickless")

	for _, tc := range []struct {
		line string
		want string
	}{
		{"init", ""},
		{"timeout 3", "timeout: 984 cycles\n"},
		{"advance 40ms", "announce: 3 ticks\nnow: 40ms\n"},
		{"ticks", "ticks: 3 (announced cycles: 301)\n"},
		{"elapsed", "elapsed: 1 ticks\n"},
		{"cycles", "cycles: 401 (32b: 401)\n"},
		{"peek evt 0x02", "evt[0x02] = 0x1c\n"},
		{"peek sys 0x0c", "sys[0x0c] = 0xffffffff\n"},
		{"sleep 10ms", "now: 50ms\n"},
		{"cycles", "cycles: 401 (32b: 401)\n"},
		{"timeout forever idle", "timeout: 4294967295 cycles\n"},
		{"poke evt 0x02 0x1c", ""},
		{"peek evt 0x02", "evt[0x02] = 0x1c\n"},
		{"  ", ""},
	} {
		t.Run(tc.line, func(t *testing.T) {
			out.Reset()
			quit, err := con.exec(tc.line)
			if err != nil {
				t.Fatalf("could not run %q: %+v", tc.line, err)
			}
			if quit {
				t.Fatalf("unexpected quit")
			}
			if got, want := out.String(), tc.want; got != want {
				t.Fatalf("invalid output:\ngot= %q\nwant=%q", got, want)
			}
		})
	}

	out.Reset()
	_, err := con.exec("help")
	if err != nil {
		t.Fatalf("could not run help: %+v", err)
	}
	for _, name := range []string{"init", "timeout", "advance", "peek", "poke", "quit"} {
		if !strings.Contains(out.String(), name) {
			t.Fatalf("help does not mention %q:\n%s", name, out.String())
		}
	}

	for _, line := range []string{"quit", "exit", "QUIT"} {
		quit, err := con.exec(line)
		if err != nil {
			t.Fatalf("could not run %q: %+v", line, err)
		}
		if !quit {
			t.Fatalf("%q did not quit", line)
		}
	}
}

func TestConsolePeriodic(t *testing.T) {
	con, out := newTestConsole(t, "periodic")

	for _, line := range []string{"init", "timeout 42"} {
		_, err := con.exec(line)
		if err != nil {
			t.Fatalf("could not run %q: %+v", line, err)
		}
	}
	if got := out.String(); got != "" {
		t.Fatalf("unexpected output: %q", got)
	}

	_, err := con.exec("advance 100ms")
	if err != nil {
		t.Fatalf("could not advance: %+v", err)
	}
	if got, want := strings.Count(out.String(), "announce: 1 ticks\n"), 9; got != want {
		t.Fatalf("invalid number of announcements: got=%d, want=%d\n%s", got, want, out.String())
	}
}

func TestConsoleErrors(t *testing.T) {
	con, _ := newTestConsole(t, "tickless")

	for _, line := range []string{
		"bogus",
		"timeout",
		"timeout x",
		"timeout 1 idle extra",
		"advance",
		"advance 1parsec",
		"advance -1s",
		"poll",
		"peek",
		"peek foo 0x02",
		"peek sys xyz",
		"peek sys 0x20",
		"poke sys 0x02",
		"poke sys 0x02 xyz",
		"poke evt 0x0c 1",
	} {
		t.Run(line, func(t *testing.T) {
			_, err := con.exec(line)
			if err == nil {
				t.Fatalf("expected an error")
			}
		})
	}

	_, err := con.exec("init")
	if err != nil {
		t.Fatalf("could not init: %+v", err)
	}
	_, err = con.exec("init")
	if err == nil {
		t.Fatalf("expected an error on second init")
	}
}

func TestNewConsole(t *testing.T) {
	_, err := newConsole(new(bytes.Buffer), config{mode: "tickful", tps: 100, sysHz: 10000})
	if err == nil {
		t.Fatalf("expected an error for an invalid mode")
	}

	_, err = newConsole(new(bytes.Buffer), config{mode: "tickless", tps: 0, sysHz: 10000})
	if err == nil {
		t.Fatalf("expected an error for an invalid tick rate")
	}

	_, err = newConsole(new(bytes.Buffer), config{
		dev:     filepath.Join(t.TempDir(), "not-there"),
		sysBase: regs.ITIM64_SYS_BASE,
		evtBase: regs.ITIM32_EVT_BASE,
		mode:    "tickless",
		tps:     100,
		sysHz:   10000,
	})
	if err == nil {
		t.Fatalf("expected an error for a missing device")
	}
}

func TestComplete(t *testing.T) {
	for _, tc := range []struct {
		line string
		want []string
	}{
		{"p", []string{"peek", "poke", "poll"}},
		{"ti", []string{"ticks", "timeout"}},
		{"xyz", nil},
	} {
		if got := complete(tc.line); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("invalid completion for %q: got=%q, want=%q", tc.line, got, tc.want)
		}
	}
}

func TestPollIRQ(t *testing.T) {
	brd := simhw.New(10000, 1000)
	brd.SetEnableLatency(0)
	ctl := newPollIRQ(brd.Evt())

	_, err := ctl.poll()
	if err == nil {
		t.Fatalf("expected an error for a disabled irq")
	}

	if err := ctl.Enable(regs.EVT_IRQ); err == nil {
		t.Fatalf("expected an error for an unconnected irq")
	}

	n := 0
	err = ctl.Connect(regs.EVT_IRQ, func() { n++ })
	if err != nil {
		t.Fatalf("could not connect: %+v", err)
	}
	if err := ctl.Connect(regs.EVT_IRQ, func() {}); err == nil {
		t.Fatalf("expected an error for a duplicate connect")
	}
	err = ctl.Enable(regs.EVT_IRQ)
	if err != nil {
		t.Fatalf("could not enable: %+v", err)
	}

	ok, err := ctl.poll()
	if err != nil || ok {
		t.Fatalf("spurious interrupt: ok=%v, err=%+v", ok, err)
	}

	// run the event timer with its interrupt output masked.
	_, err = brd.Evt().WriteAt([]byte{0, 0, 0, 0}, regs.ITCNT32)
	if err != nil {
		t.Fatalf("could not load event timer: %+v", err)
	}
	_, err = brd.Evt().WriteAt([]byte{regs.O_ITEN}, regs.ITCTS32)
	if err != nil {
		t.Fatalf("could not enable event timer: %+v", err)
	}
	brd.Advance(time.Millisecond)

	ok, err = ctl.poll()
	if err != nil || !ok {
		t.Fatalf("interrupt not serviced: ok=%v, err=%+v", ok, err)
	}
	if n != 1 {
		t.Fatalf("invalid number of ISR calls: got=%d, want=1", n)
	}
}
