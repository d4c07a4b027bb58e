// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package animation

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"io"
	"time"
)

// ErrInvalidFormat is returned by Decode when the data is not a playable
// animated GIF. Errors returned by Decode wrap ErrInvalidFormat.
var ErrInvalidFormat = errors.New("invalid animated image data")

const (
	// MinDelay is the shortest delay a frame is displayed for.
	MinDelay = 20 * time.Millisecond
	// DefaultDelay is the delay of a leading frame with no timing
	// metadata.
	DefaultDelay = 100 * time.Millisecond
)

// IsGIF returns whether the data held by r is a GIF image.
func IsGIF(r ReadPeeker) bool {
	b, err := r.Peek(len(gif87a))
	return err == nil && isGIFVersion(string(b))
}

// ReadPeeker is an io.Reader that can also peek n bytes ahead.
type ReadPeeker interface {
	io.Reader
	Peek(n int) ([]byte, error)
}

// AsReadPeeker converts an io.Reader to a ReadPeeker.
func AsReadPeeker(r io.Reader) ReadPeeker {
	if r, ok := r.(ReadPeeker); ok {
		return r
	}
	return bufio.NewReader(r)
}


// Frame is a single rendered animation frame.
type Frame struct {
	// Delay is the time the frame is displayed for.
	Delay time.Duration
	// Image is the fully composited frame.
	Image image.Image
}

// Frames is an immutable decoded animation. It is never empty.
//
// The Frames image.Image implementation renders the poster frame.
//
// Frames values are safe to share between goroutines.
type Frames struct {
	frames []Frame
	loop   Loop
	bounds image.Rectangle
}

// Decode decodes an animated GIF from r. Frames that cannot be decoded are
// omitted from the result. If no loop count is present in the data, or no
// frame can be decoded, an error wrapping ErrInvalidFormat is returned.
func Decode(r io.Reader) (*Frames, error) {
	rp := AsReadPeeker(r)
	if !IsGIF(rp) {
		return nil, fmt.Errorf("%w: not a GIF", ErrInvalidFormat)
	}
	data, err := io.ReadAll(rp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	c, err := scan(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if c.loop < 0 {
		return nil, fmt.Errorf("%w: missing loop count", ErrInvalidFormat)
	}

	var (
		cmp    = newCompositor(c.width, c.height, c.background)
		frames []Frame
		last   = DefaultDelay
	)
	for _, s := range c.segments {
		img, err := decodeSegment(c.header, s.data)
		if err != nil {
			continue
		}
		delay := last
		if s.control != nil {
			delay = s.control.delay
		}
		delay = max(delay, MinDelay)
		last = delay

		var disposal byte
		if s.control != nil {
			disposal = s.control.disposal
		}
		frames = append(frames, Frame{
			Delay: delay,
			Image: cmp.render(img, disposal),
		})
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: no decodable frames", ErrInvalidFormat)
	}
	return &Frames{
		frames: frames,
		loop:   loopFromGIF(c.loop),
		bounds: image.Rect(0, 0, c.width, c.height),
	}, nil
}

// decodeSegment decodes a single frame by presenting it to image/gif as a
// complete single-frame stream sharing the container's screen descriptor
// and global color table.
func decodeSegment(header, segment []byte) (*image.Paletted, error) {
	buf := make([]byte, 0, len(header)+len(segment)+1)
	buf = append(buf, header...)
	buf = append(buf, segment...)
	buf = append(buf, sTrailer)
	img, err := gif.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	p, ok := img.(*image.Paletted)
	if !ok {
		return nil, fmt.Errorf("unexpected frame image type: %T", img)
	}
	return p, nil
}

// Len returns the number of frames.
func (f *Frames) Len() int {
	return len(f.frames)
}

// Frame returns the i'th frame and whether it exists.
func (f *Frames) Frame(i int) (Frame, bool) {
	if f == nil || i < 0 || i >= len(f.frames) {
		return Frame{}, false
	}
	return f.frames[i], true
}

// Poster returns the image of the first frame.
func (f *Frames) Poster() image.Image {
	return f.frames[0].Image
}

// Loop returns the number of times the animation is played.
func (f *Frames) Loop() Loop {
	return f.loop
}

// WithLoop returns a copy of f sharing its frames that is played
// according to loop.
func (f *Frames) WithLoop(loop Loop) *Frames {
	c := *f
	c.loop = loop
	return &c
}

// Duration returns the total display time of a single traversal of the
// frames.
func (f *Frames) Duration() time.Duration {
	var d time.Duration
	for _, fr := range f.frames {
		d += fr.Delay
	}
	return d
}

// ColorModel implements the image.Image interface.
func (f *Frames) ColorModel() color.Model {
	return f.Poster().ColorModel()
}

// Bounds implements the image.Image interface.
func (f *Frames) Bounds() image.Rectangle {
	return f.bounds
}

// At implements the image.Image interface.
func (f *Frames) At(x, y int) color.Color {
	return f.Poster().At(x, y)
}
