// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The gifplay executable plays an animated GIF or a text banner in a
// terminal using 24-bit colour half-block cells.
package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"github.com/kortschak/flipbook/internal/animation"
	"github.com/kortschak/flipbook/internal/slogext"
	"github.com/kortschak/flipbook/internal/text"
	"github.com/kortschak/flipbook/internal/version"
)

// Exit status codes.
const (
	success       = 0
	internalError = 1 << (iota - 1)
	invocationError
)

func main() { os.Exit(Main()) }

func Main() int {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), `Usage of %s:

  %[1]s [options] <file.gif>
  %[1]s [options] -text <banner>

`, os.Args[0])
		flag.PrintDefaults()
	}
	width := flag.Int("width", 0, "display width in columns (default terminal width)")
	fps := flag.Int("fps", 60, "tick rate")
	banner := flag.String("text", "", "play a text banner instead of a file")
	loops := flag.Int("loops", 0, "number of times to play the animation (0 uses the animation's loop count)")
	frames := flag.Bool("frames", false, "print displayed frame indices instead of drawing")
	logging := flag.String("log", "warn", "logging level (debug, info, warn or error)")
	v := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *v {
		err := version.Print(os.Stdout)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return internalError
		}
		return success
	}
	if *fps <= 0 || *width < 0 || *loops < 0 {
		flag.Usage()
		return invocationError
	}
	if (*banner == "") == (flag.NArg() == 0) || flag.NArg() > 1 {
		flag.Usage()
		return invocationError
	}
	var level slog.LevelVar
	err := level.UnmarshalText([]byte(*logging))
	if err != nil {
		flag.Usage()
		return invocationError
	}
	log := slogext.New(os.Stderr, &level, slogext.NewAtomicBool(false))

	var anim *animation.Frames
	if *banner != "" {
		anim, err = textFrames(*banner, *loops)
	} else {
		anim, err = fileFrames(flag.Arg(0))
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return internalError
	}
	if *loops != 0 {
		anim = anim.WithLoop(animation.Times(*loops))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	log.LogAttrs(ctx, slog.LevelDebug, "frames",
		slog.Int("count", anim.Len()),
		slog.Any("loop", slogext.Stringer{Stringer: anim.Loop()}),
		slog.Any("bounds", slogext.Stringer{Stringer: anim.Bounds()}),
		slog.Duration("traversal", anim.Duration()),
	)

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	var surf surface
	if *frames {
		surf = &indexSurface{w: out, frames: anim}
	} else {
		cols, rows := terminalSize(os.Stdout)
		if *width != 0 {
			cols = *width
		}
		surf = newTermSurface(out, cols, rows)
	}
	err = play(ctx, anim, surf, time.Second/time.Duration(*fps), log)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.LogAttrs(ctx, slog.LevelError, "play", slog.Any("error", err))
		return internalError
	}
	return success
}

// fileFrames decodes the animation held in the named file.
func fileFrames(path string) (*animation.Frames, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return animation.Decode(f)
}

// banner dimensions and palette.
var (
	bannerBounds  = image.Rect(0, 0, 72, 26)
	bannerPalette = color.Palette{color.Black, color.RGBA{R: 0xff, G: 0xbf, A: 0xff}}
)

// textFrames renders the text banner as an animation.
func textFrames(s string, loops int) (*animation.Frames, error) {
	loop := animation.Forever
	if loops != 0 {
		loop = animation.Times(loops)
	}
	g, err := animation.Text(s).GIF(bannerBounds, bannerPalette, 1, 0, loop)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err = gif.EncodeAll(&buf, g)
	if err != nil {
		return nil, err
	}
	return animation.Decode(&buf)
}

// surface is an animation.Surface with a render pass.
type surface interface {
	animation.Surface
	render(p *animation.Player) error
	close() error
}

// play plays the animation to surf until it completes or ctx is
// cancelled.
func play(ctx context.Context, anim *animation.Frames, surf surface, interval time.Duration, log *slog.Logger) error {
	d := animation.NewDisplay(animation.NewPlayer(surf), animation.NewTicker(interval), log)
	var (
		once     sync.Once
		finished = make(chan error, 1)
	)
	finish := func(err error) {
		once.Do(func() { finished <- err })
	}
	d.Render = func(p *animation.Player) {
		err := surf.render(p)
		if err != nil {
			finish(err)
			return
		}
		if p.Frames() != nil && !p.IsPlaying() {
			finish(nil)
		}
	}
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()
	err := d.Do(ctx, func(p *animation.Player) {
		p.Attach(anim)
		p.Show()
	})
	if err != nil {
		d.Close()
		return errors.Join(err, surf.close())
	}
	select {
	case err = <-finished:
		d.Close()
		<-runErr
	case err = <-runErr:
	}
	return errors.Join(err, surf.close())
}

// indexSurface prints the index of each displayed frame.
type indexSurface struct {
	w      *bufio.Writer
	frames *animation.Frames

	img   image.Image
	dirty bool
}

func (s *indexSurface) SetImage(img image.Image) { s.img = img }
func (s *indexSurface) SetNeedsDisplay()         { s.dirty = true }

func (s *indexSurface) render(*animation.Player) error {
	if !s.dirty {
		return nil
	}
	s.dirty = false
	for i := range s.frames.Len() {
		f, _ := s.frames.Frame(i)
		if f.Image == s.img {
			fmt.Fprintln(s.w, i)
			break
		}
	}
	return s.w.Flush()
}

func (s *indexSurface) close() error { return s.w.Flush() }

// termSurface draws frames to a terminal using upper half-block cells
// with the foreground holding the upper pixel and the background the
// lower pixel.
type termSurface struct {
	w      *bufio.Writer
	canvas *image.RGBA

	img     image.Image
	dirty   bool
	started bool
}

func newTermSurface(w *bufio.Writer, cols, rows int) *termSurface {
	return &termSurface{
		w:      w,
		canvas: image.NewRGBA(image.Rect(0, 0, max(cols, 1), 2*max(rows, 1))),
	}
}

func (s *termSurface) SetImage(img image.Image) { s.img = img }
func (s *termSurface) SetNeedsDisplay()         { s.dirty = true }

// ANSI control sequences.
const (
	hideCursor  = "\x1b[?25l"
	showCursor  = "\x1b[?25h"
	clearScreen = "\x1b[2J"
	home        = "\x1b[H"
	reset       = "\x1b[0m"
)

func (s *termSurface) render(*animation.Player) error {
	if !s.dirty || s.img == nil {
		return nil
	}
	s.dirty = false
	if !s.started {
		s.started = true
		s.w.WriteString(hideCursor + clearScreen)
	}
	draw.Draw(s.canvas, s.canvas.Bounds(), image.Black, image.Point{}, draw.Src)
	draw.BiLinear.Scale(s.canvas, text.KeepAspectRatio(s.canvas, s.img), s.img, s.img.Bounds(), draw.Over, nil)
	s.w.WriteString(home)
	writeCells(s.w, s.canvas)
	return s.w.Flush()
}

// writeCells writes img as rows of half-block cells.
func writeCells(w io.Writer, img *image.RGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y+1 < b.Max.Y; y += 2 {
		for x := b.Min.X; x < b.Max.X; x++ {
			top := img.RGBAAt(x, y)
			bot := img.RGBAAt(x, y+1)
			fmt.Fprintf(w, "\x1b[38;2;%d;%d;%dm\x1b[48;2;%d;%d;%dm▀", top.R, top.G, top.B, bot.R, bot.G, bot.B)
		}
		io.WriteString(w, reset+"\r\n")
	}
}

func (s *termSurface) close() error {
	if s.started {
		s.w.WriteString(reset + showCursor)
	}
	return s.w.Flush()
}
