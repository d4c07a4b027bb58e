// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slogext

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestJSONHandlerAddSource(t *testing.T) {
	var buf bytes.Buffer
	addSource := NewAtomicBool(false)
	log := New(&buf, slog.LevelInfo, addSource)

	log.LogAttrs(context.Background(), slog.LevelInfo, "without")
	addSource.Store(true)
	log.LogAttrs(context.Background(), slog.LevelInfo, "with")
	log.LogAttrs(context.Background(), slog.LevelDebug, "dropped")

	dec := json.NewDecoder(&buf)
	var got []map[string]any
	for dec.More() {
		var m map[string]any
		err := dec.Decode(&m)
		if err != nil {
			t.Fatalf("unexpected error decoding log line: %v", err)
		}
		got = append(got, m)
	}
	if len(got) != 2 {
		t.Fatalf("unexpected number of log lines: got:%d want:2", len(got))
	}
	for i, want := range []struct {
		msg    string
		source bool
	}{
		{msg: "without", source: false},
		{msg: "with", source: true},
	} {
		if got[i]["msg"] != want.msg {
			t.Errorf("unexpected message: got:%v want:%s", got[i]["msg"], want.msg)
		}
		if _, ok := got[i][slog.SourceKey]; ok != want.source {
			t.Errorf("unexpected source presence for %q: got:%t want:%t", want.msg, ok, want.source)
		}
		if _, ok := got[i]["goid"]; !ok {
			t.Errorf("missing goid for %q", want.msg)
		}
	}
}

func TestToken(t *testing.T) {
	for _, test := range []struct {
		token string
		want  string
	}{
		{token: "", want: ""},
		{token: "abcd", want: "abcd"},
		{token: "0123456789abcdef0123", want: "01234567...(20)"},
	} {
		got := Token(test.token).LogValue().String()
		if got != test.want {
			t.Errorf("unexpected log value for %q: got:%q want:%q", test.token, got, test.want)
		}
	}
}

func TestHeader(t *testing.T) {
	h := http.Header{
		"Authorization": {"bearer secret"},
		"Apns-Topic":    {"org.example.app"},
		"Accept":        {"a", "b"},
	}
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	log.LogAttrs(context.Background(), slog.LevelInfo, "request", slog.Any("header", Header(h)))

	var got struct {
		Header map[string]any `json:"header"`
	}
	err := json.Unmarshal(buf.Bytes(), &got)
	if err != nil {
		t.Fatalf("unexpected error decoding log line: %v", err)
	}
	want := map[string]any{
		"Authorization": "REDACTED",
		"Apns-Topic":    "org.example.app",
		"Accept":        []any{"a", "b"},
	}
	if !cmp.Equal(want, got.Header) {
		t.Errorf("unexpected header:\n--- want:\n+++ got:\n%s", cmp.Diff(want, got.Header))
	}
}
