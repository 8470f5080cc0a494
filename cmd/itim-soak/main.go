// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command itim-soak runs the ITIM system clock on a simulated board for a
// long stretch of virtual time, with a randomized tickless kernel, and
// checks the clock invariants while doing so.
//
// Three goroutines run concurrently:
//   - the clock, moving virtual time forward (sometimes in deep sleep);
//   - the kernel, rearming the event timer after each announcement;
//   - the checker, sampling the cycle counter and the announced ticks.
package main // import "github.com/go-lpc/itim/cmd/itim-soak"

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-lpc/itim/internal/regs"
	"github.com/go-lpc/itim/simhw"
	"github.com/go-lpc/itim/sysclk"
	"github.com/sbinet/pmon"
	"golang.org/x/sync/errgroup"
)

var (
	doMon  = flag.Bool("pmon", false, "enable pmon monitoring")
	doFreq = flag.Duration("freq", 1*time.Second, "pmon frequency")

	stop = make(chan os.Signal, 1)
)

func main() {
	var (
		mode  = flag.String("mode", "tickless", "ticking mode (tickless, periodic)")
		tps   = flag.Uint("tps", 10000, "kernel ticks per second")
		sysHz = flag.Uint64("sys-hz", 15000000, "system timer clock frequency (Hz)")
		dur   = flag.Duration("dur", time.Hour, "virtual time to simulate")
		step  = flag.Duration("step", 50*time.Millisecond, "maximum virtual time step")
		tmax  = flag.Int("max-timeout", 1000, "maximum timeout requested by the kernel (ticks)")
		seed  = flag.Int64("seed", 1234, "seed for the random number generator")
		dir   = flag.String("dir", ".", "output directory for pmon logs")
	)

	flag.Parse()

	log.SetPrefix("itim-soak: ")
	log.SetFlags(0)

	m, err := sysclk.ParseMode(*mode)
	if err != nil {
		log.Fatalf("%+v", err)
	}

	rep, err := run(config{
		mode:  m,
		tps:   uint32(*tps),
		sysHz: *sysHz,
		dur:   *dur,
		step:  *step,
		tmax:  *tmax,
		seed:  *seed,
		mon:   *doMon,
		freq:  *doFreq,
		dir:   *dir,
	}, stop)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	log.Printf("%v", rep)
}

type config struct {
	mode  sysclk.Mode
	tps   uint32
	sysHz uint64
	dur   time.Duration // virtual time
	step  time.Duration
	tmax  int // ticks

	seed int64

	mon  bool
	freq time.Duration
	dir  string
}

type report struct {
	virtual time.Duration
	wall    time.Duration
	fired   int
	isrs    uint64
	ticks   uint64
	cycles  uint64
}

func (rep report) String() string {
	return fmt.Sprintf(
		"virtual=%v wall=%v expiries=%d isrs=%d ticks=%d cycles=%d",
		rep.virtual, rep.wall, rep.fired, rep.isrs, rep.ticks, rep.cycles,
	)
}

type soak struct {
	cfg config
	brd *simhw.Board
	drv *sysclk.Driver

	ticks uint64 // announced ticks (atomic)
	isrs  uint64 // announcements (atomic)
	fired uint32 // unacknowledged announcement (atomic)

	rnd *rand.Rand // kernel timeouts

	wake  chan struct{} // announcement, to the kernel
	armed chan struct{} // rearm done, to the clock
	errs  chan error
	done  chan struct{}
}

func run(cfg config, stop chan os.Signal) (report, error) {
	signal.Notify(stop, os.Interrupt)
	defer signal.Stop(stop)

	beg := time.Now()

	if cfg.mon {
		name := filepath.Base(os.Args[0])
		p, err := pmon.Monitor(os.Getpid())
		if err != nil {
			return report{}, fmt.Errorf("could not start monitoring %q (pid=%d): %w", name, os.Getpid(), err)
		}
		f, err := os.Create(filepath.Join(cfg.dir, "itim-soak-pmon.log"))
		if err != nil {
			return report{}, fmt.Errorf("could not create pmon log file: %w", err)
		}
		defer f.Close()
		p.W = f
		p.Freq = cfg.freq

		go func() {
			log.Printf("run pmon %q...", name)
			err := p.Run()
			if err != nil {
				log.Printf("could not start monitoring %q: %+v", name, err)
			}
		}()

		defer func() {
			err := p.Kill()
			if err != nil {
				log.Printf("could not stop monitoring %q: %+v", name, err)
			}
		}()
	}

	s, err := newSoak(cfg)
	if err != nil {
		return report{}, err
	}

	err = s.drv.Init()
	if err != nil {
		return report{}, fmt.Errorf("could not initialize system clock: %w", err)
	}

	if s.drv.Mode() == sysclk.Tickless {
		s.drv.SetTimeout(s.timeout(), true)
	}

	grp, ctx := errgroup.WithContext(context.Background())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	grp.Go(func() error {
		return s.clock(ctx)
	})
	grp.Go(func() error {
		return s.kernel(ctx)
	})
	grp.Go(func() error {
		return s.check(ctx)
	})

	err = grp.Wait()
	if err != nil {
		return report{}, fmt.Errorf("could not run soak test: %w", err)
	}

	rep := report{
		virtual: s.brd.Now(),
		wall:    time.Since(beg),
		fired:   s.brd.Fired(),
		isrs:    atomic.LoadUint64(&s.isrs),
		ticks:   atomic.LoadUint64(&s.ticks),
		cycles:  s.drv.CycleCount64(),
	}

	err = s.final(rep)
	if err != nil {
		return rep, err
	}
	return rep, nil
}

func newSoak(cfg config) (*soak, error) {
	s := &soak{
		cfg:   cfg,
		brd:   simhw.New(cfg.sysHz, regs.LFCLK),
		rnd:   rand.New(rand.NewSource(cfg.seed + 1)),
		wake:  make(chan struct{}, 1),
		armed: make(chan struct{}, 1),
		errs:  make(chan error, 1),
		done:  make(chan struct{}),
	}
	drv, err := sysclk.New(
		sysclk.Hardware{
			Sys:    s.brd.Sys(),
			Evt:    s.brd.Evt(),
			Clocks: s.brd.Clocks(),
			IRQ:    s.brd.IRQ(),
		},
		sysclk.AnnouncerFunc(s.announce),
		sysclk.WithMode(cfg.mode),
		sysclk.WithTicksPerSec(cfg.tps),
		sysclk.WithSysClock(cfg.sysHz),
		sysclk.WithDelay(s.brd.Advance),
		sysclk.WithLogger(log.New(io.Discard, "", 0)),
		sysclk.WithFatalHandler(s.fatal),
	)
	if err != nil {
		return nil, fmt.Errorf("could not create system clock driver: %w", err)
	}
	s.drv = drv
	return s, nil
}

func (s *soak) announce(ticks uint32) {
	atomic.AddUint64(&s.isrs, 1)
	atomic.AddUint64(&s.ticks, uint64(ticks))
	atomic.StoreUint32(&s.fired, 1)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *soak) fatal(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// clock moves virtual time forward until the requested duration has been
// simulated. In tickless mode, it waits for the kernel to rearm the event
// timer after each announcement.
func (s *soak) clock(ctx context.Context) error {
	defer close(s.done)

	rnd := rand.New(rand.NewSource(s.cfg.seed))
	for s.brd.Now() < s.cfg.dur {
		select {
		case <-ctx.Done():
			return nil
		case err := <-s.errs:
			return fmt.Errorf("system clock failure at %v: %w", s.brd.Now(), err)
		default:
		}

		d := time.Duration(rnd.Int63n(int64(s.cfg.step))) + 1
		switch rnd.Intn(8) {
		case 0:
			s.brd.Sleep(d)
		default:
			s.brd.Advance(d)
		}

		if atomic.SwapUint32(&s.fired, 0) == 0 || s.drv.Mode() != sysclk.Tickless {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.armed:
		}
	}

	select {
	case err := <-s.errs:
		return fmt.Errorf("system clock failure at %v: %w", s.brd.Now(), err)
	default:
	}
	return nil
}

// kernel rearms the event timer after each announcement.
// The first timeout is programmed before the clock starts.
func (s *soak) kernel(ctx context.Context) error {
	if s.drv.Mode() != sysclk.Tickless {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-s.wake:
			s.drv.SetTimeout(s.timeout(), s.rnd.Intn(2) == 0)
			s.armed <- struct{}{}
		}
	}
}

// timeout returns a random kernel timeout, in ticks.
func (s *soak) timeout() int32 {
	// no Forever: nothing would rearm the timer before it expires.
	if s.rnd.Intn(16) == 0 {
		return 0
	}
	return int32(1 + s.rnd.Intn(s.cfg.tmax))
}

// check samples the clock invariants while time flows.
func (s *soak) check(ctx context.Context) error {
	var prev uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		default:
		}

		ticks := atomic.LoadUint64(&s.ticks)
		cur := s.drv.CycleCount64()
		if cur < prev {
			return fmt.Errorf("cycle counter went backward: prev=%d, cur=%d", prev, cur)
		}
		prev = cur

		switch s.drv.Mode() {
		case sysclk.Tickless:
			if max := s.drv.Announced() / s.drv.CyclesPerTick(); ticks > max {
				return fmt.Errorf("announced more ticks than counted: ticks=%d, max=%d", ticks, max)
			}
		default:
			if n := atomic.LoadUint64(&s.isrs); ticks > n {
				return fmt.Errorf("periodic announcements are not single ticks: ticks=%d, isrs=%d", ticks, n)
			}
		}
		runtime.Gosched()
	}
}

// final checks the invariants once the run is over.
func (s *soak) final(rep report) error {
	if s.drv.Mode() != sysclk.Tickless {
		if rep.ticks != uint64(rep.fired) {
			return fmt.Errorf("ticks and expiries mismatch: ticks=%d, expiries=%d", rep.ticks, rep.fired)
		}
		return nil
	}

	counted := s.drv.Announced() / s.drv.CyclesPerTick()
	switch {
	case rep.ticks > counted:
		return fmt.Errorf("announced more ticks than counted: ticks=%d, counted=%d", rep.ticks, counted)
	case rep.ticks+uint64(rep.fired) < counted:
		return fmt.Errorf("lost ticks: ticks=%d, expiries=%d, counted=%d", rep.ticks, rep.fired, counted)
	}
	return nil
}
