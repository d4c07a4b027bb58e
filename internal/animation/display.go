// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package animation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned when a closed Display is used.
var ErrClosed = errors.New("display closed")

// Display drives a Player from a TickSource on a single goroutine. Host
// lifecycle events are submitted to the Display with Do and are serialised
// with ticks, so the Player is never accessed concurrently.
//
// While the Player is not active, the TickSource is paused.
type Display struct {
	player *Player
	ticks  TickSource
	log    *slog.Logger

	// Render is called after each processed
	// tick and event when it is not nil. It is
	// the host's render pass.
	Render func(*Player)

	events  chan func(*Player)
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	started atomic.Bool
}

// NewDisplay returns a new Display for p driven by ticks. If log is nil,
// no logging is performed.
func NewDisplay(p *Player, ticks TickSource, log *slog.Logger) *Display {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Display{
		player: p,
		ticks:  ticks,
		log:    log,
		events: make(chan func(*Player)),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run runs the display loop until ctx is cancelled or the display is
// closed. The TickSource is stopped when Run returns.
func (d *Display) Run(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.New("display already running")
	}
	defer close(d.done)
	defer d.ticks.Stop()

	active := d.player.Active()
	d.ticks.SetPaused(!active)
	for {
		select {
		case <-d.stop:
			return nil
		default:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stop:
			return nil
		case fn := <-d.events:
			fn(d.player)
		case elapsed, ok := <-d.ticks.Ticks():
			if !ok {
				return nil
			}
			d.tick(ctx, elapsed)
		}
		if d.Render != nil {
			d.Render(d.player)
		}
		if now := d.player.Active(); now != active {
			active = now
			d.ticks.SetPaused(!active)
			d.log.LogAttrs(ctx, slog.LevelDebug, "tick source", slog.Bool("paused", !active), slog.Int("frame", d.player.Index()))
		}
	}
}

func (d *Display) tick(ctx context.Context, elapsed time.Duration) {
	d.player.Tick(elapsed)
	if d.log.Enabled(ctx, slog.LevelDebug-1) {
		d.log.LogAttrs(ctx, slog.LevelDebug-1, "tick", slog.Duration("elapsed", elapsed), slog.Int("frame", d.player.Index()))
	}
}

// Do runs fn on the display goroutine and waits for it to be submitted.
// It returns ErrClosed if the display has been closed.
func (d *Display) Do(ctx context.Context, fn func(*Player)) error {
	select {
	case d.events <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrClosed
	case <-d.stop:
		return ErrClosed
	}
}

// Done returns a channel that is closed when Run has returned.
func (d *Display) Done() <-chan struct{} {
	return d.done
}

// Close stops the display loop and releases the TickSource, waiting for
// a running display loop to return. It is safe to call Close multiple
// times.
func (d *Display) Close() error {
	d.once.Do(func() {
		close(d.stop)
	})
	d.ticks.Stop()
	if d.started.Load() {
		<-d.done
	}
	return nil
}
