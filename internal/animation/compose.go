// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package animation

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// Disposal methods.
const (
	restoreBackground = 2
	restorePrevious   = 3
)

// compositor renders GIF frames onto a logical screen canvas, applying
// each frame's disposal method before the following frame is drawn.
type compositor struct {
	canvas     *image.RGBA
	background image.Image

	// last is the bounds of the previously
	// rendered frame and disposal is its
	// disposal method.
	last     image.Rectangle
	disposal byte
	// restore holds the canvas under the
	// previous frame when its disposal is
	// restorePrevious.
	restore *image.RGBA
}

func newCompositor(width, height int, background color.Color) *compositor {
	bg := image.Image(image.Transparent)
	if background != nil {
		bg = &image.Uniform{background}
	}
	return &compositor{
		canvas:     image.NewRGBA(image.Rect(0, 0, width, height)),
		background: bg,
	}
}

// render draws frame over the current canvas and returns a copy of the
// result. The returned image is not modified by later calls to render.
func (c *compositor) render(frame *image.Paletted, disposal byte) image.Image {
	switch c.disposal {
	case restoreBackground:
		draw.Draw(c.canvas, c.last, c.background, image.Point{}, draw.Src)
	case restorePrevious:
		if c.restore != nil {
			draw.Copy(c.canvas, c.last.Min, c.restore, c.restore.Bounds(), draw.Src, nil)
		}
	}

	b := frame.Bounds().Intersect(c.canvas.Bounds())
	c.restore = nil
	if disposal == restorePrevious {
		c.restore = image.NewRGBA(b)
		draw.Copy(c.restore, b.Min, c.canvas, b, draw.Src, nil)
	}
	draw.Draw(c.canvas, b, frame, b.Min, draw.Over)
	c.last, c.disposal = b, disposal

	dst := image.NewRGBA(c.canvas.Bounds())
	copy(dst.Pix, c.canvas.Pix)
	return dst
}
