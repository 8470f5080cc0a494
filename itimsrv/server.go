// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package itimsrv exposes a system clock driver, running on a simulated
// board, as a TDAQ process.
//
// The process honors the usual run-control commands (/config, /init,
// /reset, /start, /stop, /quit) and publishes every tick announcement on
// the /ticks output stream.
package itimsrv // import "github.com/go-lpc/itim/itimsrv"

import (
	"bytes"
	"fmt"
	"io"
	stdlog "log"
	"sync"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-lpc/itim/internal/regs"
	"github.com/go-lpc/itim/simhw"
	"github.com/go-lpc/itim/sysclk"
)

// Config describes the clock driver run by a Server.
type Config struct {
	Mode        sysclk.Mode
	TicksPerSec uint32
	SysHz       uint64

	Timeout int32         // ticks requested each time the kernel idles
	Step    time.Duration // virtual time simulated per run-loop iteration
	Pace    time.Duration // wall-clock pause between run-loop iterations
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Mode:        sysclk.Tickless,
		TicksPerSec: 1000,
		SysHz:       15000000,
		Timeout:     10,
		Step:        5 * time.Millisecond,
		Pace:        100 * time.Millisecond,
	}
}

// Server is a TDAQ process driving a simulated system clock.
type Server struct {
	name string

	mu  sync.Mutex
	cfg Config
	brd *simhw.Board
	drv *sysclk.Driver

	armed bool   // a timeout is pending
	run   uint32 // current run number
	total uint64 // ticks announced during the current run
	n     int    // announcements during the current run

	data chan []byte
}

// New creates a new server named name.
func New(name string, cfg Config) *Server {
	return &Server{
		name: name,
		cfg:  cfg,
		data: make(chan []byte, 1024),
	}
}

// OnConfig configures the clock driver.
//
// An empty request keeps the current configuration. Otherwise the request
// body holds the mode (string), the tick rate (u32) and the idle timeout
// in ticks (u32, 0xffffffff for forever).
func (srv *Server) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")

	srv.mu.Lock()
	defer srv.mu.Unlock()

	if len(req.Body) == 0 {
		return nil
	}

	dec := tdaq.NewDecoder(bytes.NewReader(req.Body))
	var (
		name = dec.ReadStr()
		tps  = dec.ReadU32()
		tmo  = int32(dec.ReadU32())
	)
	if err := dec.Err(); err != nil {
		ctx.Msg.Errorf("could not decode /config request: %+v", err)
		return fmt.Errorf("could not decode /config request: %w", err)
	}

	mode, err := sysclk.ParseMode(name)
	if err != nil {
		ctx.Msg.Errorf("could not parse mode: %+v", err)
		return fmt.Errorf("could not parse mode: %w", err)
	}

	srv.cfg.Mode = mode
	srv.cfg.TicksPerSec = tps
	srv.cfg.Timeout = tmo
	ctx.Msg.Infof("config: mode=%v, tps=%d, timeout=%d", mode, tps, tmo)
	return nil
}

// OnInit creates the simulated board and brings the clock driver up.
func (srv *Server) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")

	srv.mu.Lock()
	defer srv.mu.Unlock()

	err := srv.boot(ctx)
	if err != nil {
		ctx.Msg.Errorf("could not initialize system clock: %+v", err)
		return fmt.Errorf("could not initialize system clock: %w", err)
	}
	return nil
}

// OnReset tears the driver down and brings a fresh one up.
func (srv *Server) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")

	srv.mu.Lock()
	defer srv.mu.Unlock()

	err := srv.boot(ctx)
	if err != nil {
		ctx.Msg.Errorf("could not reset system clock: %+v", err)
		return fmt.Errorf("could not reset system clock: %w", err)
	}
	return nil
}

// OnStart starts a new run. The request body holds the run number (u32).
func (srv *Server) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.drv == nil {
		ctx.Msg.Errorf("received /start command before /init")
		return fmt.Errorf("itimsrv: system clock not initialized")
	}

	var run uint32
	if len(req.Body) > 0 {
		dec := tdaq.NewDecoder(bytes.NewReader(req.Body))
		run = dec.ReadU32()
		if err := dec.Err(); err != nil {
			return fmt.Errorf("could not decode run number: %w", err)
		}
	}
	ctx.Msg.Debugf("received /start command... (run=%d)", run)

	srv.run = run
	srv.total = 0
	srv.n = 0
	return nil
}

// OnStop stops the current run.
func (srv *Server) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	ctx.Msg.Debugf("received /stop command... -> run=%d, n=%d, ticks=%d", srv.run, srv.n, srv.total)
	return nil
}

// OnQuit is called when the process is asked to quit.
func (srv *Server) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	return nil
}

func (srv *Server) boot(ctx tdaq.Context) error {
	cfg := srv.cfg
	brd := simhw.New(cfg.SysHz, regs.LFCLK)
	drv, err := sysclk.New(
		sysclk.Hardware{
			Sys:    brd.Sys(),
			Evt:    brd.Evt(),
			Clocks: brd.Clocks(),
			IRQ:    brd.IRQ(),
		},
		sysclk.AnnouncerFunc(srv.announce),
		sysclk.WithMode(cfg.Mode),
		sysclk.WithTicksPerSec(cfg.TicksPerSec),
		sysclk.WithSysClock(cfg.SysHz),
		sysclk.WithDelay(brd.Advance),
		sysclk.WithLogger(stdlog.New(io.Discard, "", 0)),
		sysclk.WithFatalHandler(func(err error) {
			ctx.Msg.Errorf("system clock failure: %+v", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("could not create system clock driver: %w", err)
	}

	err = drv.Init()
	if err != nil {
		return fmt.Errorf("could not bring system clock up: %w", err)
	}

	srv.brd = brd
	srv.drv = drv
	srv.drain()
	srv.armed = false
	srv.total = 0
	srv.n = 0
	return nil
}

// drain drops the frames left over from a previous boot.
func (srv *Server) drain() {
	for {
		select {
		case <-srv.data:
		default:
			return
		}
	}
}

// announce is called from the event timer ISR, while step holds srv.mu.
func (srv *Server) announce(ticks uint32) {
	var (
		buf = new(bytes.Buffer)
		enc = tdaq.NewEncoder(buf)
	)
	enc.WriteU32(srv.run)
	enc.WriteU32(ticks)
	enc.WriteU64(srv.drv.Announced())
	enc.WriteI64(int64(srv.brd.Now()))
	if err := enc.Err(); err != nil {
		return
	}

	srv.armed = false
	srv.total += uint64(ticks)
	srv.n++

	select {
	case srv.data <- buf.Bytes():
	default:
	}
}

// Tick is a decoded /ticks output frame.
type Tick struct {
	Run       uint32        // run number
	Ticks     uint32        // announced ticks
	Announced uint64        // system timer cycles at the announcement
	Time      time.Duration // virtual time of the announcement
}

// DecodeTick decodes the body of a /ticks output frame.
func DecodeTick(p []byte) (Tick, error) {
	var (
		dec = tdaq.NewDecoder(bytes.NewReader(p))
		tck Tick
	)
	tck.Run = dec.ReadU32()
	tck.Ticks = dec.ReadU32()
	tck.Announced = dec.ReadU64()
	tck.Time = time.Duration(dec.ReadI64())
	if err := dec.Err(); err != nil {
		return tck, fmt.Errorf("could not decode tick frame: %w", err)
	}
	return tck, nil
}

// Ticks is the /ticks output handler.
func (srv *Server) Ticks(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case p := <-srv.data:
		dst.Body = p
	}
	return nil
}

// Run is the run loop: it idles the simulated kernel, letting virtual time
// flow, until the run is stopped.
func (srv *Server) Run(ctx tdaq.Context) error {
	for {
		select {
		case <-ctx.Ctx.Done():
			return nil
		default:
			srv.step()
		}
		time.Sleep(srv.pace())
	}
}

func (srv *Server) step() {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.drv == nil {
		return
	}
	if srv.drv.Mode() == sysclk.Tickless && !srv.armed {
		srv.armed = true
		srv.drv.SetTimeout(srv.cfg.Timeout, true)
	}
	srv.brd.Advance(srv.cfg.Step)
}

func (srv *Server) pace() time.Duration {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.cfg.Pace
}
