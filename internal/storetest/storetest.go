// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package storetest provides a behavioural test suite for [api.Store]
// implementations.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kortschak/flipbook/api"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dates(start, end time.Time) api.DateRange {
	return api.DateRange{Start: start, End: end}
}

// Run runs the store test suite against an empty store.
func Run(t *testing.T, ctx context.Context, db api.Store) {
	t.Helper()

	const (
		tokA = "aaaa"
		tokB = "bbbb"
	)

	t.Run("empty", func(t *testing.T) {
		regs, err := db.Registrations(ctx)
		if err != nil {
			t.Fatalf("unexpected error getting registrations: %v", err)
		}
		if len(regs) != 0 {
			t.Errorf("unexpected registrations in empty store: %v", regs)
		}
		n, err := db.DeleteToken(ctx, tokA)
		if err != nil {
			t.Fatalf("unexpected error deleting token: %v", err)
		}
		if n != 0 {
			t.Errorf("unexpected deletion count: got:%d want:0", n)
		}
	})

	t.Run("replace_token", func(t *testing.T) {
		err := db.ReplaceToken(ctx, tokB, false, map[string][]api.DateRange{
			"daily": {dates(date(2024, 1, 1), date(2024, 1, 8))},
		})
		if err != nil {
			t.Fatalf("unexpected error replacing token: %v", err)
		}
		err = db.ReplaceToken(ctx, tokA, true, map[string][]api.DateRange{
			"weekly": {dates(date(2024, 2, 1), date(2024, 3, 1))},
			"daily": {
				dates(date(2024, 1, 10), date(2024, 1, 12)),
				dates(date(2024, 1, 1), date(2024, 1, 3)),
			},
		})
		if err != nil {
			t.Fatalf("unexpected error replacing token: %v", err)
		}

		want := []api.Registration{
			{Token: tokA, Type: "daily", Debug: true, Dates: dates(date(2024, 1, 1), date(2024, 1, 3))},
			{Token: tokA, Type: "daily", Debug: true, Dates: dates(date(2024, 1, 10), date(2024, 1, 12))},
			{Token: tokA, Type: "weekly", Debug: true, Dates: dates(date(2024, 2, 1), date(2024, 3, 1))},
			{Token: tokB, Type: "daily", Debug: false, Dates: dates(date(2024, 1, 1), date(2024, 1, 8))},
		}
		got, err := db.Registrations(ctx)
		if err != nil {
			t.Fatalf("unexpected error getting registrations: %v", err)
		}
		if !cmp.Equal(want, got) {
			t.Errorf("unexpected registrations:\n--- want:\n+++ got:\n%s", cmp.Diff(want, got))
		}

		// Replacement is not a merge.
		err = db.ReplaceToken(ctx, tokA, false, map[string][]api.DateRange{
			"monthly": {dates(date(2024, 4, 1), date(2024, 5, 1))},
		})
		if err != nil {
			t.Fatalf("unexpected error replacing token: %v", err)
		}
		want = []api.Registration{
			{Token: tokA, Type: "monthly", Debug: false, Dates: dates(date(2024, 4, 1), date(2024, 5, 1))},
			{Token: tokB, Type: "daily", Debug: false, Dates: dates(date(2024, 1, 1), date(2024, 1, 8))},
		}
		got, err = db.Registrations(ctx)
		if err != nil {
			t.Fatalf("unexpected error getting registrations: %v", err)
		}
		if !cmp.Equal(want, got) {
			t.Errorf("unexpected registrations after replacement:\n--- want:\n+++ got:\n%s", cmp.Diff(want, got))
		}

		toks, err := db.Tokens(ctx)
		if err != nil {
			t.Fatalf("unexpected error getting tokens: %v", err)
		}
		wantToks := []string{tokA, tokB}
		if !cmp.Equal(wantToks, toks) {
			t.Errorf("unexpected tokens:\n--- want:\n+++ got:\n%s", cmp.Diff(wantToks, toks))
		}
	})

	t.Run("delete_token", func(t *testing.T) {
		n, err := db.DeleteToken(ctx, tokB)
		if err != nil {
			t.Fatalf("unexpected error deleting token: %v", err)
		}
		if n != 1 {
			t.Errorf("unexpected deletion count: got:%d want:1", n)
		}
		toks, err := db.Tokens(ctx)
		if err != nil {
			t.Fatalf("unexpected error getting tokens: %v", err)
		}
		wantToks := []string{tokA}
		if !cmp.Equal(wantToks, toks) {
			t.Errorf("unexpected tokens:\n--- want:\n+++ got:\n%s", cmp.Diff(wantToks, toks))
		}
	})

	t.Run("replace_device", func(t *testing.T) {
		for _, d := range []api.Device{
			{Ident: "dev1", OSVersion: "17.0", App: "app", Languages: "en"},
			{Ident: "dev1", OSVersion: "17.1", App: "app", Languages: "en,de"},
			{Ident: "dev1", OSVersion: "17.1", App: "other", Languages: "en"},
			{Ident: "dev0", OSVersion: "16.4", App: "app", Languages: "fr"},
		} {
			err := db.ReplaceDevice(ctx, d)
			if err != nil {
				t.Fatalf("unexpected error replacing device: %v", err)
			}
		}
		want := []api.Device{
			{Ident: "dev0", OSVersion: "16.4", App: "app", Languages: "fr"},
			{Ident: "dev1", OSVersion: "17.1", App: "app", Languages: "en,de"},
			{Ident: "dev1", OSVersion: "17.1", App: "other", Languages: "en"},
		}
		got, err := db.Devices(ctx)
		if err != nil {
			t.Fatalf("unexpected error getting devices: %v", err)
		}
		if !cmp.Equal(want, got) {
			t.Errorf("unexpected devices:\n--- want:\n+++ got:\n%s", cmp.Diff(want, got))
		}
	})
}
