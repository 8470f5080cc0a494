// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command itim-ctl is an interactive console to drive the ITIM system clock,
// either on a simulated board or on the real timers through /dev/mem.
//
// Example:
//
//	$> itim-ctl -mode=tickless -tps=100
//	itim> init
//	itim> timeout 3
//	itim> advance 40ms
//	announce: 3 ticks
//	itim> cycles
package main // import "github.com/go-lpc/itim/cmd/itim-ctl"

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-lpc/itim/internal/mmap"
	"github.com/go-lpc/itim/internal/regs"
	"github.com/go-lpc/itim/simhw"
	"github.com/go-lpc/itim/sysclk"
	"github.com/peterh/liner"
)

func main() {
	log.SetPrefix("itim-ctl: ")
	log.SetFlags(0)

	var (
		dev     = flag.String("dev", "", "path to the memory device (e.g. /dev/mem); empty for a simulated board")
		sysBase = flag.Int64("sys-base", regs.ITIM64_SYS_BASE, "physical address of the ITIM64 system timer")
		evtBase = flag.Int64("evt-base", regs.ITIM32_EVT_BASE, "physical address of the ITIM32 event timer")
		mode    = flag.String("mode", "tickless", "ticking mode (tickless, periodic)")
		tps     = flag.Uint("tps", 10000, "kernel ticks per second")
		sysHz   = flag.Uint64("sys-hz", 15000000, "system timer (APB2) clock frequency (Hz)")
		debug   = flag.Bool("v", false, "enable verbose driver messages")
	)

	flag.Parse()

	con, err := newConsole(os.Stdout, config{
		dev:     *dev,
		sysBase: *sysBase,
		evtBase: *evtBase,
		mode:    *mode,
		tps:     uint32(*tps),
		sysHz:   *sysHz,
		debug:   *debug,
	})
	if err != nil {
		log.Fatalf("could not create console: %+v", err)
	}
	defer con.Close()

	err = run(con)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(con *console) error {
	term := liner.NewLiner()
	defer term.Close()

	term.SetCtrlCAborts(true)
	term.SetCompleter(complete)

	for {
		o, err := term.Prompt("itim> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("could not read command: %w", err)
		}
		if strings.TrimSpace(o) == "" {
			continue
		}
		term.AppendHistory(o)

		quit, err := con.exec(o)
		if err != nil {
			fmt.Fprintf(con.w, "error: %+v\n", err)
			continue
		}
		if quit {
			return nil
		}
	}
}

type config struct {
	dev     string
	sysBase int64
	evtBase int64
	mode    string
	tps     uint32
	sysHz   uint64
	debug   bool
}

type console struct {
	w   io.Writer
	drv *sysclk.Driver

	brd *simhw.Board // nil on real hardware
	irq *pollIRQ     // nil on a simulated board

	wins    map[string]sysclk.Window
	closers []io.Closer

	mu    sync.Mutex
	ticks uint64 // total announced ticks
}

func newConsole(w io.Writer, cfg config) (*console, error) {
	mode, err := sysclk.ParseMode(cfg.mode)
	if err != nil {
		return nil, err
	}

	con := &console{
		w:    w,
		wins: make(map[string]sysclk.Window),
	}

	var hw sysclk.Hardware
	switch cfg.dev {
	case "":
		con.brd = simhw.New(cfg.sysHz, regs.LFCLK)
		hw = sysclk.Hardware{
			Sys:    con.brd.Sys(),
			Evt:    con.brd.Evt(),
			Clocks: con.brd.Clocks(),
			IRQ:    con.brd.IRQ(),
		}
	default:
		sys, err := mmap.Open(cfg.dev, cfg.sysBase, regs.ITIM_SPAN)
		if err != nil {
			return nil, fmt.Errorf("could not map system timer: %w", err)
		}
		con.closers = append(con.closers, sys)

		evt, err := mmap.Open(cfg.dev, cfg.evtBase, regs.ITIM_SPAN)
		if err != nil {
			_ = con.Close()
			return nil, fmt.Errorf("could not map event timer: %w", err)
		}
		con.closers = append(con.closers, evt)

		con.irq = newPollIRQ(evt)
		hw = sysclk.Hardware{
			Sys:    sys,
			Evt:    evt,
			Clocks: fwClocks{w: w},
			IRQ:    con.irq,
		}
	}
	con.wins["sys"] = hw.Sys
	con.wins["evt"] = hw.Evt

	con.drv, err = sysclk.New(
		hw, sysclk.AnnouncerFunc(con.announce),
		sysclk.WithMode(mode),
		sysclk.WithTicksPerSec(cfg.tps),
		sysclk.WithSysClock(cfg.sysHz),
		sysclk.WithLogger(log.New(w, "sysclk: ", 0)),
		sysclk.WithDebug(cfg.debug),
		sysclk.WithFatalHandler(func(err error) {
			fmt.Fprintf(w, "fatal: %+v\n", err)
		}),
	)
	if err != nil {
		_ = con.Close()
		return nil, err
	}

	return con, nil
}

func (con *console) Close() error {
	var err error
	for _, c := range con.closers {
		if e := c.Close(); e != nil && err == nil {
			err = e
		}
	}
	con.closers = nil
	return err
}

func (con *console) announce(ticks uint32) {
	con.mu.Lock()
	con.ticks += uint64(ticks)
	con.mu.Unlock()
	fmt.Fprintf(con.w, "announce: %d ticks\n", ticks)
}

type command struct {
	args string
	help string
	run  func(con *console, args []string) (bool, error)
}

var cmds map[string]command

func init() {
	cmds = map[string]command{
		"help": {
			help: "print this help message",
			run:  (*console).cmdHelp,
		},
		"init": {
			help: "bring the timers up",
			run: func(con *console, args []string) (bool, error) {
				return false, con.drv.Init()
			},
		},
		"cycles": {
			help: "print the system timer cycle count",
			run: func(con *console, args []string) (bool, error) {
				fmt.Fprintf(con.w, "cycles: %d (32b: %d)\n", con.drv.CycleCount64(), con.drv.CycleCount32())
				return false, nil
			},
		},
		"elapsed": {
			help: "print the ticks elapsed since the last announcement",
			run: func(con *console, args []string) (bool, error) {
				fmt.Fprintf(con.w, "elapsed: %d ticks\n", con.drv.Elapsed())
				return false, nil
			},
		},
		"ticks": {
			help: "print the total announced ticks",
			run: func(con *console, args []string) (bool, error) {
				con.mu.Lock()
				n := con.ticks
				con.mu.Unlock()
				fmt.Fprintf(con.w, "ticks: %d (announced cycles: %d)\n", n, con.drv.Announced())
				return false, nil
			},
		},
		"timeout": {
			args: "TICKS|forever [idle]",
			help: "program the next timeout",
			run:  (*console).cmdTimeout,
		},
		"advance": {
			args: "DURATION",
			help: "move simulated time forward",
			run:  (*console).cmdAdvance,
		},
		"sleep": {
			args: "DURATION",
			help: "move simulated time forward with the system timer clock gated",
			run:  (*console).cmdAdvance,
		},
		"poll": {
			help: "service a pending event timer interrupt (hardware only)",
			run: func(con *console, args []string) (bool, error) {
				if con.irq == nil {
					return false, fmt.Errorf("poll needs real hardware")
				}
				ok, err := con.irq.poll()
				if err != nil {
					return false, err
				}
				if !ok {
					fmt.Fprintf(con.w, "no pending interrupt\n")
				}
				return false, nil
			},
		},
		"peek": {
			args: "sys|evt OFFSET",
			help: "read a timer register",
			run:  (*console).cmdPeek,
		},
		"poke": {
			args: "sys|evt OFFSET VALUE",
			help: "write a timer register",
			run:  (*console).cmdPoke,
		},
		"quit": {
			help: "quit the console",
			run: func(con *console, args []string) (bool, error) {
				return true, nil
			},
		},
	}
}

// exec runs one console command line and reports whether the console
// should quit.
func (con *console) exec(line string) (bool, error) {
	toks := strings.Fields(line)
	if len(toks) == 0 {
		return false, nil
	}
	name := strings.ToLower(toks[0])
	if name == "exit" {
		name = "quit"
	}
	cmd, ok := cmds[name]
	if !ok {
		return false, fmt.Errorf("unknown command %q", toks[0])
	}
	return cmd.run(con, toks)
}

func (con *console) cmdHelp(args []string) (bool, error) {
	names := make([]string, 0, len(cmds))
	for k := range cmds {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		cmd := cmds[k]
		fmt.Fprintf(con.w, "  %-8s %-20s %s\n", k, cmd.args, cmd.help)
	}
	return false, nil
}

func (con *console) cmdTimeout(args []string) (bool, error) {
	if len(args) < 2 || len(args) > 3 {
		return false, fmt.Errorf("usage: timeout TICKS|forever [idle]")
	}
	var ticks int32
	switch v := strings.ToLower(args[1]); v {
	case "forever":
		ticks = sysclk.Forever
	default:
		n, err := strconv.ParseInt(v, 0, 32)
		if err != nil {
			return false, fmt.Errorf("could not parse ticks %q: %w", args[1], err)
		}
		ticks = int32(n)
	}
	idle := len(args) == 3 && args[2] == "idle"
	con.drv.SetTimeout(ticks, idle)
	if con.drv.Mode() == sysclk.Tickless {
		fmt.Fprintf(con.w, "timeout: %d cycles\n", con.drv.Timeout())
	}
	return false, nil
}

func (con *console) cmdAdvance(args []string) (bool, error) {
	if con.brd == nil {
		return false, fmt.Errorf("%s needs a simulated board", args[0])
	}
	if len(args) != 2 {
		return false, fmt.Errorf("usage: %s DURATION", args[0])
	}
	d, err := time.ParseDuration(args[1])
	if err != nil {
		return false, fmt.Errorf("could not parse duration %q: %w", args[1], err)
	}
	if d < 0 {
		return false, fmt.Errorf("invalid negative duration %v", d)
	}
	switch strings.ToLower(args[0]) {
	case "sleep":
		con.brd.Sleep(d)
	default:
		con.brd.Advance(d)
	}
	fmt.Fprintf(con.w, "now: %v\n", con.brd.Now())
	return false, nil
}

func (con *console) window(name string) (sysclk.Window, error) {
	win, ok := con.wins[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown timer %q (want sys or evt)", name)
	}
	return win, nil
}

func regWidth(off int64) int {
	switch off {
	case regs.ITPRE32, regs.ITCTS32:
		return 1
	default:
		return 4
	}
}

func (con *console) cmdPeek(args []string) (bool, error) {
	if len(args) != 3 {
		return false, fmt.Errorf("usage: peek sys|evt OFFSET")
	}
	win, err := con.window(args[1])
	if err != nil {
		return false, err
	}
	off, err := strconv.ParseInt(args[2], 0, 64)
	if err != nil {
		return false, fmt.Errorf("could not parse offset %q: %w", args[2], err)
	}

	p := make([]byte, regWidth(off))
	_, err = win.ReadAt(p, off)
	if err != nil {
		return false, fmt.Errorf("could not read %s[0x%02x]: %w", args[1], off, err)
	}
	var v uint32
	for i := len(p) - 1; i >= 0; i-- {
		v = v<<8 | uint32(p[i])
	}
	fmt.Fprintf(con.w, "%s[0x%02x] = 0x%x\n", args[1], off, v)
	return false, nil
}

func (con *console) cmdPoke(args []string) (bool, error) {
	if len(args) != 4 {
		return false, fmt.Errorf("usage: poke sys|evt OFFSET VALUE")
	}
	win, err := con.window(args[1])
	if err != nil {
		return false, err
	}
	off, err := strconv.ParseInt(args[2], 0, 64)
	if err != nil {
		return false, fmt.Errorf("could not parse offset %q: %w", args[2], err)
	}
	v, err := strconv.ParseUint(args[3], 0, 32)
	if err != nil {
		return false, fmt.Errorf("could not parse value %q: %w", args[3], err)
	}

	p := make([]byte, regWidth(off))
	for i := range p {
		p[i] = byte(v >> (8 * i))
	}
	_, err = win.WriteAt(p, off)
	if err != nil {
		return false, fmt.Errorf("could not write %s[0x%02x]: %w", args[1], off, err)
	}
	return false, nil
}

func complete(line string) []string {
	var o []string
	for k := range cmds {
		if strings.HasPrefix(k, strings.ToLower(line)) {
			o = append(o, k)
		}
	}
	sort.Strings(o)
	return o
}
