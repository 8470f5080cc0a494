// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sysclk

import (
	"fmt"

	"github.com/go-lpc/itim/internal/regs"
)

// isr is the event timer interrupt service routine.
func (drv *Driver) isr() {
	drv.evtDisable()
	// clear the timeout status before anything that could race with a
	// new expiry.
	drv.evt.cts.w(drv.evt.cts.r() | regs.O_TO_STS)

	if err := drv.bus.Err(); err != nil {
		drv.fatal(fmt.Errorf("%w: could not acknowledge event timer: %v", ErrHardware, err))
		return
	}

	switch drv.cfg.mode {
	case Tickless:
		key := drv.lock.lock()
		delta := (drv.Cycles() - drv.announced) / drv.cpt
		// re-sample: the lock may have been held for a while.
		drv.announced = drv.Cycles()
		drv.lock.unlock(key)

		drv.kern.Announce(uint32(delta))

	default:
		err := drv.evtEnable()
		if err != nil {
			drv.fatal(err)
			return
		}
		drv.kern.Announce(1)
	}
}
