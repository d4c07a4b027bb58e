// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package animation provides animated GIF decoding and playback.
//
// Decode reads a GIF into an immutable set of composited Frames with their
// display delays and loop count. A Player plays Frames to a host Surface,
// advancing on ticks that carry the elapsed time since the previous tick.
// Frames are advanced by accumulating elapsed time and draining it against
// each frame's delay, so playback speed does not depend on the tick
// interval and frames are skipped when ticks stall.
//
// A Display runs a Player from a TickSource on a single goroutine,
// pausing the TickSource while the Player is not active:
//
//	frames, err := animation.Decode(r)
//	if err != nil {
//		return err
//	}
//	p := animation.NewPlayer(surface)
//	d := animation.NewDisplay(p, animation.NewTicker(time.Second/60), log)
//	defer d.Close()
//	go d.Run(ctx)
//	d.Do(ctx, func(p *animation.Player) {
//		p.Attach(frames)
//		p.Show()
//	})
package animation
