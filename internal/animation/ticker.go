// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package animation

import (
	"sync"
	"time"
)

// TickSource is a periodic tick source. Each tick carries the elapsed
// time since the previous tick.
type TickSource interface {
	// Ticks returns the channel on which ticks
	// are delivered.
	Ticks() <-chan time.Duration
	// SetPaused pauses or resumes tick delivery.
	// Time spent paused is not reported as
	// elapsed time.
	SetPaused(paused bool)
	// Stop releases the tick source. No ticks
	// are delivered after Stop returns. Stop
	// may be called multiple times.
	Stop()
}

// Ticker is a wall clock TickSource. If ticks are not consumed as quickly
// as they are produced, their elapsed times are coalesced into a single
// tick.
type Ticker struct {
	c     chan time.Duration
	pause chan bool
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewTicker returns a running Ticker delivering ticks every interval.
// The interval must be greater than zero.
func NewTicker(interval time.Duration) *Ticker {
	t := &Ticker{
		c:     make(chan time.Duration, 1),
		pause: make(chan bool),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go t.run(interval)
	return t
}

func (t *Ticker) run(interval time.Duration) {
	defer close(t.done)
	clock := time.NewTicker(interval)
	defer clock.Stop()
	var (
		last    = time.Now()
		pending time.Duration
		paused  bool
	)
	for {
		select {
		case <-t.stop:
			return
		case p := <-t.pause:
			if p == paused {
				continue
			}
			paused = p
			if paused {
				clock.Stop()
				pending = 0
				// Discard any undelivered tick.
				select {
				case <-t.c:
				default:
				}
			} else {
				last = time.Now()
				clock.Reset(interval)
			}
		case now := <-clock.C:
			if paused {
				continue
			}
			pending += now.Sub(last)
			last = now
			select {
			case t.c <- pending:
				pending = 0
			default:
				// The consumer holds an undelivered tick.
				// Fold it into the next delivery.
				select {
				case d := <-t.c:
					pending += d
				default:
				}
				select {
				case t.c <- pending:
					pending = 0
				default:
				}
			}
		}
	}
}

// Ticks implements the TickSource interface.
func (t *Ticker) Ticks() <-chan time.Duration {
	return t.c
}

// SetPaused implements the TickSource interface.
func (t *Ticker) SetPaused(paused bool) {
	select {
	case t.pause <- paused:
	case <-t.done:
	}
}

// Stop implements the TickSource interface.
func (t *Ticker) Stop() {
	t.once.Do(func() {
		close(t.stop)
	})
	<-t.done
	select {
	case <-t.c:
	default:
	}
}
