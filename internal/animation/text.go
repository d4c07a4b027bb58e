// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package animation

import (
	"errors"
	"image"
	"image/color"
	"image/gif"
	"strings"
	"unicode/utf8"

	"golang.org/x/image/draw"
	"golang.org/x/image/font/basicfont"

	"github.com/kortschak/flipbook/internal/text"
)

// Frame delays for text banners, in hundredths of a second.
const (
	scrollDelay = 15
	blinkOn     = 75
	blinkOff    = 25
)

// Text is a text banner.
type Text string

// GIF returns a GIF animation presenting the receiver within the given
// bounds using [basicfont.Face7x13]. Text that fits within the bounds is
// centered, word wrapped and blinks. Longer text scrolls. The provided
// palette must have at least two colors, which will be indexed by fg and
// bg to provide the foreground and background colors for the text.
//
// The returned GIF always has more than one frame and a non-negative
// LoopCount, so it is encoded by [gif.EncodeAll] with a loop count that
// Decode accepts.
func (t Text) GIF(bound image.Rectangle, pal color.Palette, fg, bg byte, loop Loop) (*gif.GIF, error) {
	if len(pal) < 2 || int(fg) >= len(pal) || int(bg) >= len(pal) {
		return nil, errors.New("invalid palette")
	}
	rows, cols := text.Size(bound, basicfont.Face7x13)
	if rows*cols == 0 {
		return nil, errors.New("bound too small")
	}
	s := string(t)
	g := &gif.GIF{
		Config: image.Config{
			ColorModel: pal,
			Width:      bound.Dx(),
			Height:     bound.Dy(),
		},
		BackgroundIndex: bg,
	}
	if n, ok := loop.Count(); ok {
		g.LoopCount = n
	}
	background := &image.Uniform{pal[bg]}
	frame := func(s string, delay int, center bool) {
		dst := image.NewPaletted(bound, pal)
		draw.Draw(dst, dst.Bounds(), background, image.Point{}, draw.Src)
		if s != "" {
			var delta float64
			if center {
				delta = 0.5
			}
			text.Draw(dst, s, pal[fg], basicfont.Face7x13, delta, delta, center)
		}
		g.Image = append(g.Image, dst)
		g.Delay = append(g.Delay, delay)
	}

	if text.Fits(s, rows, cols) {
		frame(s, blinkOn, true)
		frame("", blinkOff, false)
		return g, nil
	}
	if rows*cols < 4 {
		return nil, errors.New("bound too small")
	}
	s = strings.Repeat(" ", rows*cols-4) + s
	for i := range utf8.RuneCountInString(s) {
		frame(string([]rune(s)[i:]), scrollDelay, false)
	}
	return g, nil
}
