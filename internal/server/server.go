// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package server provides the HTTP token submission and device information
// service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"unicode/utf8"

	"github.com/kortschak/flipbook/api"
	"github.com/kortschak/flipbook/internal/slogext"
)

// Limits on submitted values.
const (
	DefaultMaxBody = 1 << 16
	maxField       = 256
	maxTypes       = 32
	maxRanges      = 366
)

// Options are the server options.
type Options struct {
	// MaxBody is the maximum accepted request
	// body size. If zero, DefaultMaxBody is used.
	MaxBody int64
}

type server struct {
	store   api.Store
	log     *slog.Logger
	maxBody int64
}

// New returns an http.Handler serving token submissions on /apns and
// device information on /info, storing them in store. If log is nil, no
// logging is performed.
func New(store api.Store, log *slog.Logger, opts Options) http.Handler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &server{
		store:   store,
		log:     log,
		maxBody: opts.MaxBody,
	}
	if s.maxBody <= 0 {
		s.maxBody = DefaultMaxBody
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/apns", s.handle(s.token))
	mux.HandleFunc("/info", s.handle(s.device))
	return mux
}

// statusError is an error with an associated HTTP status code.
type statusError struct {
	code int
	err  error
}

func (e statusError) Error() string { return e.err.Error() }
func (e statusError) Unwrap() error { return e.err }

func badRequest(format string, args ...any) error {
	return statusError{code: http.StatusBadRequest, err: fmt.Errorf(format, args...)}
}

// handle returns a handler that checks the request method, content type
// and body size and passes the decoded JSON object in the body to fn.
// Errors returned by fn are reported with the status of a statusError,
// or with http.StatusInternalServerError.
func (s *server) handle(fn func(context.Context, map[string]json.RawMessage) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		defer func() {
			io.Copy(io.Discard, req.Body)
			req.Body.Close()
		}()
		s.log.LogAttrs(ctx, slog.LevelDebug, "web server", slog.String("method", req.Method), slog.String("url", req.RequestURI), slog.Any("header", slogext.Header(req.Header)))
		if req.Method != http.MethodPost {
			s.log.LogAttrs(ctx, slog.LevelWarn, "web server", slog.String("method", req.Method), slog.String("url", req.RequestURI))
			w.Header().Set("Allow", http.MethodPost)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		typ, _, err := mime.ParseMediaType(req.Header.Get("content-type"))
		if err != nil || typ != "application/json" {
			s.log.LogAttrs(ctx, slog.LevelWarn, "web server", slog.String("content-type", req.Header.Get("content-type")), slog.String("url", req.RequestURI))
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		b, err := io.ReadAll(http.MaxBytesReader(w, req.Body, s.maxBody))
		if err != nil {
			s.log.LogAttrs(ctx, slog.LevelWarn, "web server", slog.Any("error", err), slog.String("url", req.RequestURI))
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				w.WriteHeader(http.StatusRequestEntityTooLarge)
			} else {
				w.WriteHeader(http.StatusBadRequest)
			}
			return
		}
		var obj map[string]json.RawMessage
		err = json.Unmarshal(b, &obj)
		if err != nil || obj == nil {
			s.log.LogAttrs(ctx, slog.LevelWarn, "web server", slog.Any("error", err), slog.String("url", req.RequestURI))
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		err = fn(ctx, obj)
		if err != nil {
			code := http.StatusInternalServerError
			var serr statusError
			if errors.As(err, &serr) {
				code = serr.code
			}
			s.log.LogAttrs(ctx, slog.LevelWarn, "web server", slog.Any("error", err), slog.Int("status", code), slog.String("url", req.RequestURI))
			w.WriteHeader(code)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// require returns an error if any of keys is absent from obj.
func require(obj map[string]json.RawMessage, keys ...string) error {
	for _, k := range keys {
		if _, ok := obj[k]; !ok {
			return badRequest("missing key: %s", k)
		}
	}
	return nil
}

// decode unmarshals the value at key in obj into dst.
func decode(obj map[string]json.RawMessage, key string, dst any) error {
	err := json.Unmarshal(obj[key], dst)
	if err != nil {
		return badRequest("invalid %s: %v", key, err)
	}
	return nil
}

func (s *server) token(ctx context.Context, obj map[string]json.RawMessage) error {
	err := require(obj, "token", "data", "debug")
	if err != nil {
		return err
	}
	var (
		token string
		debug bool
		data  map[string][]api.DateRange
	)
	err = errors.Join(
		decode(obj, "token", &token),
		decode(obj, "debug", &debug),
		decode(obj, "data", &data),
	)
	if err != nil {
		return err
	}
	err = api.ValidToken(token)
	if err != nil {
		return badRequest("%w", err)
	}
	if data == nil {
		return badRequest("data is not an object")
	}
	if len(data) > maxTypes {
		return badRequest("too many registration types: %d", len(data))
	}
	for typ, ranges := range data {
		if typ == "" || !validString(typ) {
			return badRequest("invalid registration type: %q", typ)
		}
		if len(ranges) > maxRanges {
			return badRequest("too many date ranges for %s: %d", typ, len(ranges))
		}
	}
	s.log.LogAttrs(ctx, slog.LevelInfo, "replace token", slog.Any("token", slogext.Token(token)), slog.Bool("debug", debug), slog.Int("types", len(data)))
	return s.store.ReplaceToken(ctx, token, debug, data)
}

// deviceAliases maps alternative device information keys to their
// canonical names.
var deviceAliases = map[string]string{
	"ios": "os_version",
	"app": "appName",
}

func (s *server) device(ctx context.Context, obj map[string]json.RawMessage) error {
	for alt, key := range deviceAliases {
		if v, ok := obj[alt]; ok {
			if _, ok := obj[key]; !ok {
				obj[key] = v
			}
		}
	}
	err := require(obj, "ident", "os_version", "appName", "languages")
	if err != nil {
		return err
	}
	var dev api.Device
	err = errors.Join(
		decode(obj, "ident", &dev.Ident),
		decode(obj, "os_version", &dev.OSVersion),
		decode(obj, "appName", &dev.App),
		decode(obj, "languages", &dev.Languages),
	)
	if err != nil {
		return err
	}
	if dev.Ident == "" || dev.App == "" {
		return badRequest("empty device key")
	}
	for _, v := range []string{dev.Ident, dev.OSVersion, dev.App, dev.Languages} {
		if !validString(v) {
			return badRequest("invalid device field value")
		}
	}
	s.log.LogAttrs(ctx, slog.LevelInfo, "replace device", slog.String("ident", dev.Ident), slog.String("app", dev.App))
	return s.store.ReplaceDevice(ctx, dev)
}

func validString(s string) bool {
	return len(s) <= maxField && utf8.ValidString(s)
}
