// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package apns provides a client for the Apple Push Notification service
// provider API and a dispatcher that sends notifications to registered
// device tokens.
package apns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/net/http2"
)

// Gateway base URLs.
const (
	Production  = "https://api.push.apple.com"
	Development = "https://api.sandbox.push.apple.com"
)

// Failure reasons that indicate a token will never be deliverable.
const (
	ReasonBadDeviceToken = "BadDeviceToken"
	ReasonUnregistered   = "Unregistered"
)

// Client sends notifications to a push gateway.
type Client struct {
	// Gateway is the base URL of the push gateway.
	Gateway string
	// Topic is the application bundle ID.
	Topic string
	// PushType is the value of the apns-push-type
	// header. If empty, "alert" is used.
	PushType string

	// HTTP is the client used to send notifications.
	HTTP *http.Client
	// Tokens provides provider authentication tokens.
	Tokens TokenSource
}

// NewClient returns a Client for the gateway and topic using an HTTP/2
// transport.
func NewClient(gateway, topic string, tokens TokenSource) *Client {
	return &Client{
		Gateway: gateway,
		Topic:   topic,
		HTTP:    &http.Client{Transport: &http2.Transport{}},
		Tokens:  tokens,
	}
}

// Response is a successful gateway response.
type Response struct {
	Status int
	// ID is the notification's apns-id.
	ID string
}

// Error is an unsuccessful gateway response.
type Error struct {
	Status int
	Reason string
	ID     string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("apns: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("apns: %d %s", e.Status, e.Reason)
}

// Unusable returns whether the error indicates that the device token will
// never be deliverable and should be forgotten.
func (e *Error) Unusable() bool {
	switch {
	case e.Status == http.StatusBadRequest && e.Reason == ReasonBadDeviceToken:
		return true
	case e.Status == http.StatusGone && e.Reason == ReasonUnregistered:
		return true
	default:
		return false
	}
}

// maxErrorBody is the largest error body that will be read.
const maxErrorBody = 4 << 10

// Send sends the JSON payload to the device with the given token.
func (c *Client) Send(ctx context.Context, token string, payload []byte) (*Response, error) {
	auth, err := c.Tokens.Token()
	if err != nil {
		return nil, err
	}
	u, err := url.JoinPath(c.Gateway, "3/device", token)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	pushType := c.PushType
	if pushType == "" {
		pushType = "alert"
	}
	id := uuid.NewString()
	req.Header.Set("content-type", "application/json")
	req.Header.Set("apns-topic", c.Topic)
	req.Header.Set("apns-push-type", pushType)
	req.Header.Set("apns-id", id)
	req.Header.Set("authorization", "bearer "+auth)

	cli := c.HTTP
	if cli == nil {
		cli = http.DefaultClient
	}
	resp, err := cli.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if respID := resp.Header.Get("apns-id"); respID != "" {
		id = respID
	}
	if resp.StatusCode == http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return &Response{Status: resp.StatusCode, ID: id}, nil
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, &Error{Status: resp.StatusCode, ID: id}
	}
	return nil, &Error{Status: resp.StatusCode, Reason: reason(b), ID: id}
}

// reason returns the failure reason held in an error body. Bodies that are
// not a JSON reason object are returned as text.
func reason(b []byte) string {
	var body struct {
		Reason string `json:"reason"`
	}
	err := json.Unmarshal(b, &body)
	if err == nil {
		return body.Reason
	}
	return strings.TrimSpace(string(b))
}
