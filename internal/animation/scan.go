// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package animation

import (
	"errors"
	"fmt"
	"image/color"
	"time"
)

// Section indicators.
const (
	sExtension       = 0x21
	sImageDescriptor = 0x2C
	sTrailer         = 0x3B
)

// Extensions.
const (
	eGraphicControl = 0xF9
	eApplication    = 0xFF
)

// Masks.
const (
	fColorTable         = 1 << 7
	fColorTableBitsMask = 7
)

// container is the block structure of a GIF stream.
type container struct {
	// header holds the signature, logical screen
	// descriptor and global color table.
	header []byte

	width, height int
	background    color.Color

	// loop is the raw application extension
	// loop count, or -1 if none was found.
	loop int

	segments []segment
}

// segment is the encoded form of a single frame.
type segment struct {
	// control is the frame's graphic control
	// extension, nil if there was none.
	control *control

	// data holds the graphic control extension,
	// image descriptor, local color table and
	// image data of the frame.
	data []byte
}

type control struct {
	delay    time.Duration
	disposal byte
}

// GIF signatures and versions.
const (
	gif87a = "GIF87a"
	gif89a = "GIF89a"
)

func isGIFVersion(v string) bool {
	return v == gif87a || v == gif89a
}

// scan splits a GIF stream into its header and frame segments. Scanning
// ends at the trailer, or at the first block that cannot be read; frames
// found before that point are retained. An error is only returned if the
// header cannot be read.
func scan(data []byte) (*container, error) {
	if len(data) < 13 {
		return nil, errors.New("short header")
	}
	if v := string(data[:len(gif87a)]); !isGIFVersion(v) {
		return nil, fmt.Errorf("can't recognize format %q", v)
	}
	c := &container{
		width:  int(data[6]) | int(data[7])<<8,
		height: int(data[8]) | int(data[9])<<8,
		loop:   -1,
	}
	pos := 13
	if fields := data[10]; fields&fColorTable != 0 {
		n := 1 << (1 + uint(fields&fColorTableBitsMask))
		if len(data) < pos+3*n {
			return nil, errors.New("short global color table")
		}
		if idx := int(data[11]); idx < n {
			p := data[pos+3*idx:]
			c.background = color.RGBA{R: p[0], G: p[1], B: p[2], A: 0xff}
		}
		pos += 3 * n
	}
	c.header = data[:pos]

	var (
		ctl      *control
		ctlStart = -1
	)
	for pos < len(data) {
		switch data[pos] {
		case sExtension:
			if pos+1 >= len(data) {
				return c, nil
			}
			start := pos
			label := data[pos+1]
			pos += 2
			switch label {
			case eGraphicControl:
				// Block size, packed fields, delay, transparency
				// index and block terminator.
				if pos+6 > len(data) || data[pos] != 4 || data[pos+5] != 0 {
					return c, nil
				}
				b := data[pos+1 : pos+5]
				ctl = &control{
					disposal: (b[0] >> 2) & 0x7,
					delay:    time.Duration(int(b[1])|int(b[2])<<8) * 10 * time.Millisecond,
				}
				ctlStart = start
				pos += 6
				continue
			case eApplication:
				var ok bool
				pos, ok = c.readApplication(data, pos)
				if !ok {
					return c, nil
				}
				continue
			}
			var ok bool
			pos, ok = skipBlocks(data, pos)
			if !ok {
				return c, nil
			}

		case sImageDescriptor:
			start := pos
			pos++
			if pos+9 > len(data) {
				return c, nil
			}
			fields := data[pos+8]
			pos += 9
			if fields&fColorTable != 0 {
				pos += 3 * (1 << (1 + uint(fields&fColorTableBitsMask)))
			}
			// LZW minimum code size.
			pos++
			var ok bool
			pos, ok = skipBlocks(data, pos)
			if !ok {
				return c, nil
			}
			s := segment{control: ctl}
			if ctlStart >= 0 {
				s.data = append(s.data, data[ctlStart:ctlStart+8]...)
			}
			s.data = append(s.data, data[start:pos]...)
			c.segments = append(c.segments, s)
			ctl, ctlStart = nil, -1

		case sTrailer:
			return c, nil

		default:
			return c, nil
		}
	}
	return c, nil
}

// readApplication reads an application extension starting at the block
// size byte at pos, recording a loop count if one is present. It returns
// the position after the extension's block terminator.
func (c *container) readApplication(data []byte, pos int) (int, bool) {
	if pos >= len(data) {
		return pos, false
	}
	size := int(data[pos])
	pos++
	if pos+size > len(data) {
		return pos, false
	}
	app := string(data[pos : pos+size])
	pos += size
	if app == "NETSCAPE2.0" || app == "ANIMEXTS1.0" {
		if pos+4 <= len(data) && data[pos] == 3 && data[pos+1] == 1 {
			c.loop = int(data[pos+2]) | int(data[pos+3])<<8
		}
	}
	return skipBlocks(data, pos)
}

// skipBlocks skips a sequence of data sub-blocks starting at pos and
// returns the position after the block terminator.
func skipBlocks(data []byte, pos int) (int, bool) {
	for {
		if pos >= len(data) {
			return pos, false
		}
		n := int(data[pos])
		pos++
		if n == 0 {
			return pos, true
		}
		pos += n
	}
}
