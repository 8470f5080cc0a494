// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sysclk

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/go-lpc/itim/internal/regs"
)

// bus keeps the first register access error.
//
// bus holds no lock: the event timer ISR accesses registers too and must
// never block on a thread it preempted.
type bus struct {
	err atomic.Pointer[error]
}

func (b *bus) Err() error {
	if p := b.err.Load(); p != nil {
		return *p
	}
	return nil
}

func (b *bus) fail(err error) {
	b.err.CompareAndSwap(nil, &err)
}

func (b *bus) read(r io.ReaderAt, off int64, p []byte) bool {
	if b.Err() != nil {
		return false
	}
	_, err := r.ReadAt(p, off)
	if err != nil {
		b.fail(fmt.Errorf("sysclk: could not read register 0x%x: %w", off, err))
		return false
	}
	return true
}

func (b *bus) write(w io.WriterAt, off int64, p []byte) {
	if b.Err() != nil {
		return
	}
	_, err := w.WriteAt(p, off)
	if err != nil {
		b.fail(fmt.Errorf("sysclk: could not write register 0x%x: %w", off, err))
	}
}

func (b *bus) readU8(r io.ReaderAt, off int64) uint8 {
	var buf [1]byte
	if !b.read(r, off, buf[:]) {
		return 0
	}
	return buf[0]
}

func (b *bus) readU32(r io.ReaderAt, off int64) uint32 {
	var buf [4]byte
	if !b.read(r, off, buf[:]) {
		return 0
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func (b *bus) writeU8(w io.WriterAt, off int64, v uint8) {
	buf := [1]byte{v}
	b.write(w, off, buf[:])
}

func (b *bus) writeU32(w io.WriterAt, off int64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	b.write(w, off, buf[:])
}

type reg8 struct {
	r func() uint8
	w func(v uint8)
}

func newReg8(b *bus, rw Window, offset int64) reg8 {
	return reg8{
		r: func() uint8 {
			return b.readU8(rw, offset)
		},
		w: func(v uint8) {
			b.writeU8(rw, offset, v)
		},
	}
}

type reg32 struct {
	r func() uint32
	w func(v uint32)
}

func newReg32(b *bus, rw Window, offset int64) reg32 {
	return reg32{
		r: func() uint32 {
			return b.readU32(rw, offset)
		},
		w: func(v uint32) {
			b.writeU32(rw, offset, v)
		},
	}
}

// itim64 is the register set of a 64-bit internal timer.
type itim64 struct {
	pre  reg8
	cts  reg8
	cntL reg32
	cntH reg32
}

func newITIM64(b *bus, rw Window) itim64 {
	return itim64{
		pre:  newReg8(b, rw, regs.ITPRE64),
		cts:  newReg8(b, rw, regs.ITCTS64),
		cntL: newReg32(b, rw, regs.ITCNT64L),
		cntH: newReg32(b, rw, regs.ITCNT64H),
	}
}

// itim32 is the register set of a 32-bit internal timer.
type itim32 struct {
	pre reg8
	cts reg8
	cnt reg32
}

func newITIM32(b *bus, rw Window) itim32 {
	return itim32{
		pre: newReg8(b, rw, regs.ITPRE32),
		cts: newReg8(b, rw, regs.ITCTS32),
		cnt: newReg32(b, rw, regs.ITCNT32),
	}
}
