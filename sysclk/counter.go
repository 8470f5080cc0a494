// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sysclk

import (
	"fmt"

	"github.com/go-lpc/itim/internal/regs"
)

// Cycles returns the current value of the 64-bit system timer, counting up
// from its seed.
//
// The two 32-bit halves of the down-counter cannot be read atomically:
// the high half is read before and after the low half and the whole
// sequence is restarted when a borrow happened in between.
func (drv *Driver) Cycles() uint64 {
	var hi, lo uint32
	for i := 0; ; i++ {
		chk := drv.sys.cntH.r()
		lo = drv.sys.cntL.r()
		hi = drv.sys.cntH.r()
		if hi == chk {
			break
		}
		if i >= drv.cfg.spins {
			drv.fatal(fmt.Errorf(
				"%w: system timer high half never settled (0x%x != 0x%x)",
				ErrHardware, chk, hi,
			))
			break
		}
	}

	if err := drv.bus.Err(); err != nil {
		drv.fatal(fmt.Errorf("%w: could not read system timer: %v", ErrHardware, err))
	}

	return cycles64(hi, lo)
}

// cycles64 converts the raw down-counter halves into an up-count.
func cycles64(hi, lo uint32) uint64 {
	hi = regs.ITIM64_MAX_HALF_CNT - hi
	lo = regs.ITIM64_MAX_HALF_CNT - lo + 1
	return uint64(hi)<<32 | uint64(lo)
}
