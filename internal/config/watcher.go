// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileDebounce is the default duration we wait for the contents to have
// stabilised to work around some editors writing an empty file and then the
// buffer.
const FileDebounce = 10 * time.Millisecond

// Change is a configuration change identified by a Watcher.
type Change struct {
	Event  []fsnotify.Event
	Config *Config
	Sum    Sum
	Err    error
}

// Op returns an aggregated fsnotify.Op for all elements of the receivers'
// Event field.
func (c Change) Op() fsnotify.Op {
	switch len(c.Event) {
	case 0:
		return 0
	case 1:
		return c.Event[0].Op
	default:
		var op fsnotify.Op
		for _, o := range c.Event {
			op |= o.Op
		}
		return op
	}
}

func (c Change) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("op", c.Op().String()),
		slog.String("sum", c.Sum.String()),
	}
	if c.Err != nil {
		attrs = append(attrs, slog.Any("error", c.Err))
	}
	return slog.GroupValue(attrs...)
}

// Watcher follows a configuration file and reports semantically
// meaningful changes to it.
type Watcher struct {
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	last     Sum
	log      *slog.Logger
}

// NewWatcher returns a Watcher for the configuration file at path. The
// containing directory is watched so that files replaced by rename are
// followed. The debounce parameter specifies how long to wait after an
// fsnotify.Event before reading the file. If it is less than zero,
// FileDebounce is used.
func NewWatcher(path string, debounce time.Duration, log *slog.Logger) (*Watcher, error) {
	if debounce < 0 {
		debounce = FileDebounce
	}
	path = filepath.Clean(path)
	w := &Watcher{
		path:     path,
		debounce: debounce,
		log:      log.With(slog.String("component", "config_watcher")),
	}
	if b, err := os.ReadFile(path); err == nil {
		_, w.last, _ = parse(b)
	}
	var err error
	w.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	err = w.watcher.Add(filepath.Dir(path))
	if err != nil {
		w.watcher.Close()
		return nil, err
	}
	return w, nil
}

// Run sends configuration changes on changes until ctx is cancelled or
// the Watcher is closed. A Change is only sent when the file can not be
// read or validated, or when its semantic content differs from the last
// valid configuration.
func (w *Watcher) Run(ctx context.Context, changes chan<- Change) error {
	var (
		pending []fsnotify.Event
		timer   *time.Timer
		fire    <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			w.log.LogAttrs(ctx, slog.LevelDebug, "event", slog.String("name", ev.Name), slog.String("op", ev.Op.String()))
			pending = append(pending, ev)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.LogAttrs(ctx, slog.LevelWarn, "watcher error", slog.Any("error", err))
		case <-fire:
			fire = nil
			c := Change{Event: pending}
			pending = nil
			b, err := os.ReadFile(w.path)
			if err != nil {
				c.Err = err
			} else {
				c.Config, c.Sum, c.Err = parse(b)
				if c.Err == nil {
					if c.Sum == w.last {
						w.log.LogAttrs(ctx, slog.LevelDebug, "unchanged", slog.String("sum", c.Sum.String()))
						continue
					}
					w.last = c.Sum
				}
			}
			w.log.LogAttrs(ctx, slog.LevelInfo, "change", slog.Any("change", c))
			select {
			case changes <- c:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Close releases the Watcher's resources.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
