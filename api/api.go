// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package api defines the push registration data types and the token
// store interface.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Registration is a single notification registration for a device token.
type Registration struct {
	Token string    `json:"token"`
	Type  string    `json:"type"`
	Debug bool      `json:"debug"`
	Dates DateRange `json:"dates"`
}

// Device is the description of a device and application installation.
type Device struct {
	Ident     string `json:"ident"`
	OSVersion string `json:"os_version"`
	App       string `json:"appName"`
	Languages string `json:"languages"`
}

// Store is a persistent token and device store.
type Store interface {
	// ReplaceToken replaces all registrations for token with
	// one registration for each date range in data, keyed by
	// registration type.
	ReplaceToken(ctx context.Context, token string, debug bool, data map[string][]DateRange) error
	// ReplaceDevice replaces the device record with the same
	// ident and application.
	ReplaceDevice(ctx context.Context, dev Device) error
	// Registrations returns all registrations ordered by token,
	// type and start date.
	Registrations(ctx context.Context) ([]Registration, error)
	// Tokens returns the distinct registered tokens in lexical
	// order.
	Tokens(ctx context.Context) ([]string, error)
	// Devices returns all device records.
	Devices(ctx context.Context) ([]Device, error)
	// DeleteToken removes all registrations for token, returning
	// the number of registrations removed.
	DeleteToken(ctx context.Context, token string) (int64, error)
	// Close closes the store.
	Close(ctx context.Context) error
}

// MaxTokenLength is the maximum length of a hex-encoded device token.
const MaxTokenLength = 200

// ErrInvalidToken is returned for malformed device tokens.
var ErrInvalidToken = errors.New("invalid device token")

// ValidToken returns a non-nil error wrapping ErrInvalidToken if token is
// not a non-empty hex-encoded byte string no longer than MaxTokenLength.
func ValidToken(token string) error {
	switch {
	case token == "":
		return fmt.Errorf("%w: empty", ErrInvalidToken)
	case len(token) > MaxTokenLength:
		return fmt.Errorf("%w: too long", ErrInvalidToken)
	}
	_, err := hex.DecodeString(token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return nil
}

// DateLayout is the layout of date range bounds.
const DateLayout = time.DateOnly

// DateRange is a half-open range of calendar days, [Start, End). Start
// and End are midnight UTC.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// ParseDateRange parses a range literal in the PostgreSQL daterange
// syntax with YYYY-MM-DD bounds. Inclusive and exclusive bounds on either
// side are accepted and normalised to the half-open form. Empty and
// unbounded ranges are rejected.
func ParseDateRange(s string) (DateRange, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return DateRange{}, fmt.Errorf("invalid date range: %q", s)
	}
	lo, hi := s[0], s[len(s)-1]
	if (lo != '[' && lo != '(') || (hi != ']' && hi != ')') {
		return DateRange{}, fmt.Errorf("invalid date range bounds: %q", s)
	}
	start, end, ok := strings.Cut(s[1:len(s)-1], ",")
	if !ok {
		return DateRange{}, fmt.Errorf("invalid date range: %q", s)
	}
	var (
		r   DateRange
		err error
	)
	r.Start, err = parseDate(start)
	if err != nil {
		return DateRange{}, fmt.Errorf("invalid date range start: %w", err)
	}
	r.End, err = parseDate(end)
	if err != nil {
		return DateRange{}, fmt.Errorf("invalid date range end: %w", err)
	}
	if lo == '(' {
		r.Start = r.Start.AddDate(0, 0, 1)
	}
	if hi == ']' {
		r.End = r.End.AddDate(0, 0, 1)
	}
	if !r.Start.Before(r.End) {
		return DateRange{}, fmt.Errorf("empty date range: %q", s)
	}
	return r, nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.Trim(strings.TrimSpace(s), `"`)
	if s == "" {
		return time.Time{}, errors.New("unbounded")
	}
	return time.Parse(DateLayout, s)
}

// String returns the canonical half-open literal form of the range.
func (r DateRange) String() string {
	return "[" + r.Start.Format(DateLayout) + "," + r.End.Format(DateLayout) + ")"
}

// Contains returns whether the calendar day of t, in t's location, is
// within the range.
func (r DateRange) Contains(t time.Time) bool {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return !d.Before(r.Start) && d.Before(r.End)
}

// Days returns the number of days in the range.
func (r DateRange) Days() int {
	return int(r.End.Sub(r.Start).Hours()+12) / 24
}

func (r DateRange) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *DateRange) UnmarshalJSON(b []byte) error {
	var s string
	err := json.Unmarshal(b, &s)
	if err != nil {
		return err
	}
	*r, err = ParseDateRange(s)
	return err
}
