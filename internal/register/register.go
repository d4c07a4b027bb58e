// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package register provides the client side of push notification
// registration: obtaining a device token and submitting it, with device
// details, to a token submission service.
package register

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"sync"

	"github.com/kortschak/flipbook/api"
	"github.com/kortschak/flipbook/internal/slogext"
)

var (
	// ErrNotAuthorized is returned when the user declines
	// notifications.
	ErrNotAuthorized = errors.New("notifications not authorized")
	// ErrNoToken is returned when a token is submitted
	// before one has been obtained.
	ErrNoToken = errors.New("no device token")
)

// Authorizer is a platform notification facility.
type Authorizer interface {
	// RequestAuthorization asks the user whether
	// notifications may be shown.
	RequestAuthorization(ctx context.Context) (granted bool, err error)
	// DeviceToken returns the device's push token.
	DeviceToken(ctx context.Context) ([]byte, error)
}

// StatusError is returned for unsuccessful submissions.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Client submits registrations to a token submission service.
type Client struct {
	// HTTP is the client used for submissions. If nil,
	// http.DefaultClient is used.
	HTTP *http.Client
	// Log is the client's logger. If nil, no logging
	// is performed.
	Log *slog.Logger

	mu    sync.Mutex
	token []byte
}

// Register requests notification authorization and obtains the device
// token, remembering it for subsequent submissions.
func (c *Client) Register(ctx context.Context, auth Authorizer) ([]byte, error) {
	ok, err := auth.RequestAuthorization(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAuthorized
	}
	tok, err := auth.DeviceToken(ctx)
	if err != nil {
		return nil, err
	}
	if len(tok) == 0 {
		return nil, ErrNoToken
	}
	c.remember(tok)
	c.log(ctx, slog.LevelInfo, "registered", slog.Any("token", slogext.Token(hex.EncodeToString(tok))))
	return tok, nil
}

// Token returns the most recently obtained device token.
func (c *Client) Token() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.token)
}

func (c *Client) remember(tok []byte) {
	c.mu.Lock()
	c.token = bytes.Clone(tok)
	c.mu.Unlock()
}

// SubmitToken posts the hex-encoded device token to url with the fields
// in extra. If deviceToken is nil, the most recently obtained token is
// used, otherwise deviceToken is remembered. A "token" field in extra is
// overwritten.
func (c *Client) SubmitToken(ctx context.Context, url string, deviceToken []byte, extra map[string]any) error {
	if deviceToken == nil {
		deviceToken = c.Token()
		if deviceToken == nil {
			return ErrNoToken
		}
	} else {
		c.remember(deviceToken)
	}
	body := make(map[string]any, len(extra)+1)
	maps.Copy(body, extra)
	tok := hex.EncodeToString(deviceToken)
	body["token"] = tok
	err := c.post(ctx, url, body)
	if err != nil {
		return err
	}
	c.log(ctx, slog.LevelDebug, "submitted token", slog.Any("token", slogext.Token(tok)), slog.String("url", url))
	return nil
}

// SubmitDevice posts the device details to url.
func (c *Client) SubmitDevice(ctx context.Context, url string, dev api.Device) error {
	err := c.post(ctx, url, dev)
	if err != nil {
		return err
	}
	c.log(ctx, slog.LevelDebug, "submitted device", slog.String("ident", dev.Ident), slog.String("url", url))
	return nil
}

// maxErrorBody is the largest error body retained in a StatusError.
const maxErrorBody = 1 << 10

func (c *Client) post(ctx context.Context, url string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	cli := c.HTTP
	if cli == nil {
		cli = http.DefaultClient
	}
	resp, err := cli.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode/100 != 2 {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return nil
}

func (c *Client) log(ctx context.Context, level slog.Level, msg string, attrs ...slog.Attr) {
	if c.Log == nil {
		return
	}
	c.Log.LogAttrs(ctx, level, msg, attrs...)
}
