// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package animation

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var testPalette = color.Palette{
	color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff},
	color.RGBA{R: 0xff, A: 0xff},
	color.RGBA{B: 0xff, A: 0xff},
	color.RGBA{G: 0xff, A: 0xff},
}

// solid returns a paletted image filled with the palette color at idx.
func solid(r image.Rectangle, idx uint8) *image.Paletted {
	img := image.NewPaletted(r, testPalette)
	for i := range img.Pix {
		img.Pix[i] = idx
	}
	return img
}

// encode returns an encoded GIF with one solid 4×4 frame for each delay.
// A zero delay with a zero disposal results in a frame without a graphic
// control extension.
func encode(t *testing.T, delays []int, disposal []byte, loop int) []byte {
	t.Helper()
	g := &gif.GIF{
		Config: image.Config{
			ColorModel: testPalette,
			Width:      4,
			Height:     4,
		},
		LoopCount: loop,
	}
	for i, d := range delays {
		g.Image = append(g.Image, solid(image.Rect(0, 0, 4, 4), uint8(i%len(testPalette))))
		g.Delay = append(g.Delay, d)
	}
	if disposal != nil {
		g.Disposal = disposal
	} else {
		g.Disposal = make([]byte, len(delays))
	}
	var buf bytes.Buffer
	err := gif.EncodeAll(&buf, g)
	if err != nil {
		t.Fatalf("unexpected error encoding GIF: %v", err)
	}
	return buf.Bytes()
}

// withLoop returns data with a NETSCAPE2.0 loop extension inserted after
// the header and global color table.
func withLoop(data []byte, n int) []byte {
	pos := 13
	if f := data[10]; f&fColorTable != 0 {
		pos += 3 * (1 << (1 + uint(f&fColorTableBitsMask)))
	}
	ext := append([]byte{sExtension, eApplication, 11}, "NETSCAPE2.0"...)
	ext = append(ext, 3, 1, byte(n), byte(n>>8), 0)
	var buf []byte
	buf = append(buf, data[:pos]...)
	buf = append(buf, ext...)
	buf = append(buf, data[pos:]...)
	return buf
}

var decodeTests = []struct {
	name     string
	delays   []int
	disposal []byte
	loop     int
	want     []time.Duration
	wantLoop Loop
}{
	{
		name:     "explicit_delays",
		delays:   []int{5, 10, 15},
		loop:     0,
		want:     []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 150 * time.Millisecond},
		wantLoop: Forever,
	},
	{
		name:     "inherit",
		delays:   []int{5, 0, 0, 7},
		loop:     2,
		want:     []time.Duration{50 * time.Millisecond, 50 * time.Millisecond, 50 * time.Millisecond, 70 * time.Millisecond},
		wantLoop: Times(2),
	},
	{
		name:     "first_default",
		delays:   []int{0, 0, 30},
		loop:     1,
		want:     []time.Duration{DefaultDelay, DefaultDelay, 300 * time.Millisecond},
		wantLoop: Times(1),
	},
	{
		name:     "clamp",
		delays:   []int{1, 0, 2},
		loop:     0,
		want:     []time.Duration{MinDelay, MinDelay, MinDelay},
		wantLoop: Forever,
	},
	{
		// A graphic control extension with a zero delay
		// is present, so the delay is not inherited.
		name:     "explicit_zero",
		delays:   []int{50, 0},
		disposal: []byte{gif.DisposalNone, gif.DisposalNone},
		loop:     0,
		want:     []time.Duration{500 * time.Millisecond, MinDelay},
		wantLoop: Forever,
	},
}

func TestDecode(t *testing.T) {
	for _, test := range decodeTests {
		t.Run(test.name, func(t *testing.T) {
			f, err := Decode(bytes.NewReader(encode(t, test.delays, test.disposal, test.loop)))
			if err != nil {
				t.Fatalf("unexpected error decoding: %v", err)
			}
			if f.Len() != len(test.delays) {
				t.Fatalf("unexpected number of frames: got:%d want:%d", f.Len(), len(test.delays))
			}
			var got []time.Duration
			for i := range f.Len() {
				fr, ok := f.Frame(i)
				if !ok {
					t.Fatalf("missing frame %d", i)
				}
				got = append(got, fr.Delay)
			}
			if !cmp.Equal(test.want, got) {
				t.Errorf("unexpected delays:\n--- want:\n+++ got:\n%s", cmp.Diff(test.want, got))
			}
			if f.Loop() != test.wantLoop {
				t.Errorf("unexpected loop: got:%v want:%v", f.Loop(), test.wantLoop)
			}
			first, _ := f.Frame(0)
			if f.Poster() != first.Image {
				t.Error("poster image is not the first frame")
			}
			if _, ok := f.Frame(f.Len()); ok {
				t.Error("unexpected frame past end")
			}
			if f.Bounds() != image.Rect(0, 0, 4, 4) {
				t.Errorf("unexpected bounds: %v", f.Bounds())
			}
		})
	}
}

func TestDecodeFrameImages(t *testing.T) {
	f, err := Decode(bytes.NewReader(encode(t, []int{10, 10, 10}, nil, 0)))
	if err != nil {
		t.Fatalf("unexpected error decoding: %v", err)
	}
	for i := range f.Len() {
		fr, _ := f.Frame(i)
		got := color.RGBAModel.Convert(fr.Image.At(1, 1))
		want := color.RGBAModel.Convert(testPalette[i])
		if got != want {
			t.Errorf("unexpected color for frame %d: got:%v want:%v", i, got, want)
		}
	}
}

func TestDecodeSingleFrame(t *testing.T) {
	data := encode(t, []int{10}, nil, 0)
	_, err := Decode(bytes.NewReader(data))
	if !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("expected invalid format error for missing loop count: got:%v", err)
	}

	f, err := Decode(bytes.NewReader(withLoop(data, 3)))
	if err != nil {
		t.Fatalf("unexpected error decoding: %v", err)
	}
	if f.Len() != 1 {
		t.Errorf("unexpected number of frames: got:%d want:1", f.Len())
	}
	if f.Loop() != Times(3) {
		t.Errorf("unexpected loop: got:%v want:3", f.Loop())
	}
}

func TestDecodeInvalid(t *testing.T) {
	valid := encode(t, []int{10, 10}, nil, 0)
	c, err := scan(valid)
	if err != nil {
		t.Fatalf("unexpected error scanning valid data: %v", err)
	}
	noFrames := append(append([]byte{}, valid[:len(c.header)]...), 0x21, 0xff, 11)
	noFrames = append(noFrames, "NETSCAPE2.0"...)
	noFrames = append(noFrames, 3, 1, 0, 0, 0, sTrailer)

	for _, test := range []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "png", data: []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\x0dIHDR")},
		{name: "short_header", data: []byte("GIF89a\x04\x00")},
		{name: "unknown_version", data: append([]byte("GIF88a"), valid[len(gif89a):]...)},
		{name: "no_loop", data: encode(t, []int{10, 10}, nil, -1)},
		{name: "no_frames", data: noFrames},
	} {
		t.Run(test.name, func(t *testing.T) {
			f, err := Decode(bytes.NewReader(test.data))
			if !errors.Is(err, ErrInvalidFormat) {
				t.Errorf("expected invalid format error: got:%v", err)
			}
			if f != nil {
				t.Errorf("unexpected frames for invalid data: %d", f.Len())
			}
		})
	}
}

// corrupt returns a copy of data with the LZW minimum code size of the
// i'th frame set to an invalid value.
func corrupt(t *testing.T, data []byte, i int) []byte {
	t.Helper()
	c, err := scan(data)
	if err != nil {
		t.Fatalf("unexpected error scanning data: %v", err)
	}
	seg := c.segments[i].data
	start := bytes.Index(data, seg)
	if start < 0 {
		t.Fatal("could not find segment")
	}
	off := 0
	if c.segments[i].control != nil {
		off = 8
	}
	fields := seg[off+9]
	off += 10
	if fields&fColorTable != 0 {
		off += 3 * (1 << (1 + uint(fields&fColorTableBitsMask)))
	}
	out := bytes.Clone(data)
	out[start+off] = 12
	return out
}

func TestDecodeCorruptFrame(t *testing.T) {
	data := corrupt(t, encode(t, []int{10, 20, 30}, nil, 0), 1)
	f, err := Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("unexpected error decoding: %v", err)
	}
	if f.Len() != 2 {
		t.Fatalf("unexpected number of frames: got:%d want:2", f.Len())
	}
	var got []time.Duration
	for i := range f.Len() {
		fr, _ := f.Frame(i)
		got = append(got, fr.Delay)
	}
	want := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond}
	if !cmp.Equal(want, got) {
		t.Errorf("unexpected delays:\n--- want:\n+++ got:\n%s", cmp.Diff(want, got))
	}

	all := corrupt(t, corrupt(t, encode(t, []int{10, 20}, nil, 0), 0), 1)
	_, err = Decode(bytes.NewReader(all))
	if !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("expected invalid format error for all corrupt frames: got:%v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	data := encode(t, []int{10, 20, 30}, nil, 0)
	c, err := scan(data)
	if err != nil {
		t.Fatalf("unexpected error scanning data: %v", err)
	}
	last := c.segments[2].data
	end := bytes.Index(data, last) + len(last)/2

	f, err := Decode(bytes.NewReader(data[:end]))
	if err != nil {
		t.Fatalf("unexpected error decoding: %v", err)
	}
	if f.Len() != 2 {
		t.Errorf("unexpected number of frames: got:%d want:2", f.Len())
	}
}

func TestDecodeDisposal(t *testing.T) {
	g := &gif.GIF{
		Config: image.Config{
			ColorModel: testPalette,
			Width:      4,
			Height:     4,
		},
		BackgroundIndex: 0,
		Image: []*image.Paletted{
			solid(image.Rect(0, 0, 4, 4), 1),
			solid(image.Rect(0, 0, 2, 2), 2),
			solid(image.Rect(3, 3, 4, 4), 3),
			solid(image.Rect(2, 0, 4, 2), 2),
			solid(image.Rect(0, 3, 1, 4), 3),
		},
		Delay: []int{10, 10, 10, 10, 10},
		Disposal: []byte{
			gif.DisposalNone,
			gif.DisposalBackground,
			gif.DisposalNone,
			gif.DisposalPrevious,
			gif.DisposalNone,
		},
	}
	var buf bytes.Buffer
	err := gif.EncodeAll(&buf, g)
	if err != nil {
		t.Fatalf("unexpected error encoding GIF: %v", err)
	}
	f, err := Decode(&buf)
	if err != nil {
		t.Fatalf("unexpected error decoding: %v", err)
	}
	if f.Len() != 5 {
		t.Fatalf("unexpected number of frames: got:%d want:5", f.Len())
	}

	var (
		white = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
		red   = color.RGBA{R: 0xff, A: 0xff}
		blue  = color.RGBA{B: 0xff, A: 0xff}
		green = color.RGBA{G: 0xff, A: 0xff}
	)
	for _, test := range []struct {
		frame int
		x, y  int
		want  color.RGBA
	}{
		{frame: 0, x: 0, y: 0, want: red},
		{frame: 1, x: 0, y: 0, want: blue},
		{frame: 1, x: 3, y: 3, want: red},
		// Frame 1 is disposed to background.
		{frame: 2, x: 0, y: 0, want: white},
		{frame: 2, x: 2, y: 2, want: red},
		{frame: 2, x: 3, y: 3, want: green},
		{frame: 3, x: 3, y: 0, want: blue},
		{frame: 3, x: 0, y: 0, want: white},
		// Frame 3 is disposed to previous.
		{frame: 4, x: 3, y: 0, want: red},
		{frame: 4, x: 0, y: 3, want: green},
		{frame: 4, x: 3, y: 3, want: green},
	} {
		fr, _ := f.Frame(test.frame)
		got := color.RGBAModel.Convert(fr.Image.At(test.x, test.y))
		if got != test.want {
			t.Errorf("unexpected color for frame %d at (%d,%d): got:%v want:%v",
				test.frame, test.x, test.y, got, test.want)
		}
	}
}

func TestIsGIF(t *testing.T) {
	for _, test := range []struct {
		data string
		want bool
	}{
		{data: "GIF89a...", want: true},
		{data: "GIF87a...", want: true},
		{data: "GIF88a...", want: false},
		{data: "GIF8xa...", want: false},
		{data: "gif89a...", want: false},
		{data: "GIF89", want: false},
		{data: "GIF", want: false},
		{data: "\x89PNG\r\n", want: false},
	} {
		got := IsGIF(AsReadPeeker(bytes.NewReader([]byte(test.data))))
		if got != test.want {
			t.Errorf("unexpected result for %q: got:%t want:%t", test.data, got, test.want)
		}
	}
}
