// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package animation

import (
	"image"
	"time"
)

// Surface is a host display surface that a Player renders to.
type Surface interface {
	// SetImage sets the image to composite on the
	// surface's next render pass.
	SetImage(image.Image)
	// SetNeedsDisplay marks the surface as requiring
	// a redraw. The redraw must not happen synchronously.
	SetNeedsDisplay()
}

// DefaultAnimator is implemented by surfaces that have their own animation
// behaviour when no frames are attached to a Player.
type DefaultAnimator interface {
	StartAnimating()
	StopAnimating()
	IsAnimating() bool
}

// Player plays a set of Frames to a Surface. A Player is advanced by calls
// to Tick and only processes ticks while it is both playing and shown.
//
// Player values must not be used concurrently; use a Display to drive a
// Player from a TickSource.
type Player struct {
	surface Surface

	frames  *Frames
	playing bool
	visible bool

	index     int
	remaining Loop
	elapsed   time.Duration
	current   image.Image

	// advanced indicates a frame advance happened
	// since the last redraw request.
	advanced bool
}

// NewPlayer returns a stopped Player rendering to s.
func NewPlayer(s Surface) *Player {
	return &Player{surface: s}
}

// Attach sets the frames played by p, resetting the playback state and
// displaying the poster frame. If p is shown, playback starts, otherwise
// p is stopped. Attaching nil frames detaches any current frames and
// stops playback.
func (p *Player) Attach(f *Frames) {
	p.Stop()
	p.frames = f
	p.index = 0
	p.elapsed = 0
	p.advanced = false
	if f == nil {
		p.current = nil
		p.remaining = Loop{}
		return
	}
	p.remaining = f.Loop()
	p.current = f.Poster()
	p.surface.SetImage(p.current)
	if p.visible {
		p.Start()
	}
	p.surface.SetNeedsDisplay()
}

// Start starts playback. It is a no-op if p is already playing. If no
// frames are attached and the surface is a DefaultAnimator, the surface's
// StartAnimating method is called.
func (p *Player) Start() {
	if p.frames == nil {
		if a, ok := p.surface.(DefaultAnimator); ok {
			a.StartAnimating()
		}
		return
	}
	p.playing = true
}

// Stop stops playback. It is a no-op if p is already stopped. If no
// frames are attached and the surface is a DefaultAnimator, the surface's
// StopAnimating method is called.
func (p *Player) Stop() {
	if p.frames == nil {
		if a, ok := p.surface.(DefaultAnimator); ok {
			a.StopAnimating()
		}
		return
	}
	p.playing = false
}

// IsPlaying returns whether p is playing. If no frames are attached and
// the surface is a DefaultAnimator, the surface's animation state is
// returned.
func (p *Player) IsPlaying() bool {
	if p.frames == nil {
		if a, ok := p.surface.(DefaultAnimator); ok {
			return a.IsAnimating()
		}
		return false
	}
	return p.playing
}

// Show notes that the surface is attached to a visible hierarchy and
// starts playback.
func (p *Player) Show() {
	p.visible = true
	p.Start()
}

// Hide notes that the surface is no longer part of a visible hierarchy
// and stops playback.
func (p *Player) Hide() {
	p.visible = false
	p.Stop()
}

// Visible returns whether the surface is shown.
func (p *Player) Visible() bool {
	return p.visible
}

// Active returns whether ticks will be processed by p.
func (p *Player) Active() bool {
	return p.playing && p.visible && p.frames != nil
}

// Tick advances the animation by the elapsed time since the previous
// tick. It is a no-op unless p is active.
func (p *Player) Tick(elapsed time.Duration) {
	if !p.Active() {
		return
	}
	f, ok := p.frames.Frame(p.index)
	if !ok {
		// Nothing to render, but keep time.
		p.elapsed += elapsed
		return
	}
	p.current = f.Image
	p.surface.SetImage(f.Image)
	if p.advanced {
		p.surface.SetNeedsDisplay()
		p.advanced = false
	}

	p.elapsed += elapsed
	for p.elapsed >= f.Delay {
		p.elapsed -= f.Delay
		p.index++
		if p.index >= p.frames.Len() {
			var more bool
			p.remaining, more = p.remaining.next()
			if !more {
				p.index = p.frames.Len() - 1
				p.showFinal()
				p.Stop()
				return
			}
			p.index = 0
		}
		p.advanced = true
		f, _ = p.frames.Frame(p.index)
	}
}

// showFinal pushes the final frame to the surface if a single tick
// drained past it. No further tick will deliver the redraw, so it is
// requested immediately.
func (p *Player) showFinal() {
	f, _ := p.frames.Frame(p.index)
	if f.Image == p.current {
		return
	}
	p.current = f.Image
	p.surface.SetImage(f.Image)
	p.surface.SetNeedsDisplay()
	p.advanced = false
}

// Frames returns the attached frames.
func (p *Player) Frames() *Frames {
	return p.frames
}

// Index returns the index of the current frame.
func (p *Player) Index() int {
	return p.index
}

// Elapsed returns the time accumulated against the current frame.
func (p *Player) Elapsed() time.Duration {
	return p.elapsed
}

// Remaining returns the number of traversals remaining, including the
// current traversal.
func (p *Player) Remaining() Loop {
	return p.remaining
}

// Image returns the image most recently pushed to the surface.
func (p *Player) Image() image.Image {
	return p.current
}
