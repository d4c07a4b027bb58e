// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package animation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// manualTicks is a TickSource driven by the test.
type manualTicks struct {
	c chan time.Duration

	mu      sync.Mutex
	paused  []bool
	stopped int
}

func newManualTicks() *manualTicks {
	return &manualTicks{c: make(chan time.Duration)}
}

func (m *manualTicks) Ticks() <-chan time.Duration { return m.c }

func (m *manualTicks) SetPaused(paused bool) {
	m.mu.Lock()
	m.paused = append(m.paused, paused)
	m.mu.Unlock()
}

func (m *manualTicks) Stop() {
	m.mu.Lock()
	m.stopped++
	m.mu.Unlock()
}

func (m *manualTicks) pauses() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.paused...)
}

func (m *manualTicks) stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func TestDisplay(t *testing.T) {
	ctx := context.Background()
	ticks := newManualTicks()
	d := NewDisplay(NewPlayer(&surface{}), ticks, nil)
	var renders atomic.Int64
	d.Render = func(*Player) { renders.Add(1) }

	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()

	const delay = 20 * time.Millisecond
	f := testFrames(Times(1), delay, delay, delay)
	err := d.Do(ctx, func(p *Player) {
		p.Attach(f)
		p.Show()
	})
	if err != nil {
		t.Fatalf("unexpected error submitting event: %v", err)
	}
	if err := d.Run(ctx); err == nil {
		t.Error("expected error running display twice")
	}
	for range 10 {
		ticks.c <- delay / 2
	}

	state := make(chan playerState)
	err = d.Do(ctx, func(p *Player) { state <- stateOf(p) })
	if err != nil {
		t.Fatalf("unexpected error submitting event: %v", err)
	}
	got := <-state
	want := playerState{
		Playing:   false,
		Visible:   true,
		Index:     2,
		Elapsed:   0,
		Remaining: "0",
	}
	if !cmp.Equal(want, got) {
		t.Errorf("unexpected state:\n--- want:\n+++ got:\n%s", cmp.Diff(want, got))
	}

	wantPauses := []bool{true, false, true}
	if gotPauses := ticks.pauses(); !cmp.Equal(wantPauses, gotPauses) {
		t.Errorf("unexpected pause sequence:\n--- want:\n+++ got:\n%s", cmp.Diff(wantPauses, gotPauses))
	}
	// One render for the attach event and one for each tick.
	if n := renders.Load(); n < 11 {
		t.Errorf("unexpected number of renders: got:%d want at least 11", n)
	}

	err = d.Close()
	if err != nil {
		t.Errorf("unexpected error closing display: %v", err)
	}
	err = <-errc
	if err != nil {
		t.Errorf("unexpected error from run: %v", err)
	}
	err = d.Close()
	if err != nil {
		t.Errorf("unexpected error closing display twice: %v", err)
	}
	if ticks.stops() == 0 {
		t.Error("tick source not stopped")
	}
	err = d.Do(ctx, func(*Player) {})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("unexpected error for closed display: got:%v want:%v", err, ErrClosed)
	}
}

func TestDisplayCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ticks := newManualTicks()
	d := NewDisplay(NewPlayer(&surface{}), ticks, nil)

	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("unexpected error: got:%v want:%v", err, context.Canceled)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("display did not stop on cancellation")
	}
	<-d.Done()
	if ticks.stops() == 0 {
		t.Error("tick source not stopped")
	}
}

func TestDisplayCloseNotRunning(t *testing.T) {
	ticks := newManualTicks()
	d := NewDisplay(NewPlayer(&surface{}), ticks, nil)
	err := d.Close()
	if err != nil {
		t.Errorf("unexpected error closing display: %v", err)
	}
	if ticks.stops() == 0 {
		t.Error("tick source not stopped")
	}
	err = d.Do(context.Background(), func(*Player) {})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("unexpected error for closed display: got:%v want:%v", err, ErrClosed)
	}
}

func TestTicker(t *testing.T) {
	tk := NewTicker(time.Millisecond)
	defer tk.Stop()

	next := func() time.Duration {
		t.Helper()
		select {
		case d := <-tk.Ticks():
			return d
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for tick")
			return 0
		}
	}

	for range 5 {
		if d := next(); d <= 0 {
			t.Errorf("unexpected non-positive elapsed time: %v", d)
		}
	}

	// Undelivered ticks are coalesced.
	time.Sleep(30 * time.Millisecond)
	if d := next(); d < 20*time.Millisecond {
		t.Errorf("expected coalesced tick of at least 20ms: got:%v", d)
	}

	tk.SetPaused(true)
	// Allow a tick in flight at the time of
	// the pause to be drained.
	time.Sleep(5 * time.Millisecond)
	select {
	case <-tk.Ticks():
	default:
	}
	select {
	case d := <-tk.Ticks():
		t.Errorf("unexpected tick while paused: %v", d)
	case <-time.After(20 * time.Millisecond):
	}

	tk.SetPaused(false)
	if d := next(); d <= 0 {
		t.Errorf("unexpected non-positive elapsed time after resume: %v", d)
	}

	tk.Stop()
	tk.Stop()
	select {
	case d := <-tk.Ticks():
		t.Errorf("unexpected tick after stop: %v", d)
	case <-time.After(10 * time.Millisecond):
	}
	// SetPaused must not block on a stopped ticker.
	tk.SetPaused(true)
}
