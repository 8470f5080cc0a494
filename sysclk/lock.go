// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sysclk

import "sync"

// irqLock is an exclusive lock that also masks interrupts while held,
// so a thread holding it cannot be preempted by the event timer ISR.
type irqLock struct {
	mu sync.Mutex
}

func (l *irqLock) lock() irqState {
	state := disableInterrupts()
	l.mu.Lock()
	return state
}

func (l *irqLock) unlock(state irqState) {
	l.mu.Unlock()
	restoreInterrupts(state)
}
