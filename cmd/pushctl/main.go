// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The pushctl executable submits device token registrations and device
// information to a running tokend service.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/kortschak/flipbook/api"
	"github.com/kortschak/flipbook/internal/mtls"
	"github.com/kortschak/flipbook/internal/register"
	"github.com/kortschak/flipbook/internal/slogext"
	"github.com/kortschak/flipbook/internal/version"
)

// Exit status codes.
const (
	success       = 0
	internalError = 1 << (iota - 1)
	invocationError
)

type cli struct {
	Server string `help:"Base URL of the tokend service." default:"http://localhost:8080" env:"FLIPBOOK_SERVER"`
	Log    string `help:"Logging level." default:"warn" enum:"debug,info,warn,error"`
	CA     string `help:"PEM file of the certificate authority used to verify the service." type:"existingfile" env:"FLIPBOOK_CA"`
	Cert   string `help:"PEM client certificate file for mTLS." type:"existingfile"`
	Key    string `help:"PEM client key file for mTLS." type:"existingfile"`

	Token   tokenCmd   `cmd:"" help:"Submit a device token registration, replacing any previous registration for the token."`
	Device  deviceCmd  `cmd:"" help:"Submit device information."`
	Version versionCmd `cmd:"" help:"Print version information."`
}

// service is the target tokend service.
type service struct {
	base   string
	client *register.Client
}

func (s service) endpoint(path string) (string, error) {
	return url.JoinPath(s.base, path)
}

type tokenCmd struct {
	Token    string   `arg:"" help:"Hex-encoded device token."`
	Debug    bool     `help:"Mark the registration as belonging to a development build."`
	Register []string `short:"r" sep:"none" placeholder:"TYPE=RANGE" help:"Registration of a type for a date range, for example recycling=[2024-03-01,2024-03-08). May be repeated."`

	data map[string][]string
}

func (c *tokenCmd) Validate() error {
	err := api.ValidToken(c.Token)
	if err != nil {
		return err
	}
	c.data = make(map[string][]string)
	for _, r := range c.Register {
		typ, dates, ok := strings.Cut(r, "=")
		if !ok || typ == "" {
			return fmt.Errorf("invalid registration %q: want TYPE=RANGE", r)
		}
		rng, err := api.ParseDateRange(dates)
		if err != nil {
			return fmt.Errorf("invalid registration %q: %w", r, err)
		}
		c.data[typ] = append(c.data[typ], rng.String())
	}
	return nil
}

func (c *tokenCmd) Run(ctx context.Context, svc service) error {
	tok, err := hex.DecodeString(c.Token)
	if err != nil {
		return err
	}
	u, err := svc.endpoint("apns")
	if err != nil {
		return err
	}
	return svc.client.SubmitToken(ctx, u, tok, map[string]any{
		"debug": c.Debug,
		"data":  c.data,
	})
}

type deviceCmd struct {
	Ident     string `required:"" help:"Device identifier."`
	OSVersion string `name:"os-version" required:"" help:"Operating system version."`
	App       string `required:"" help:"Application name."`
	Languages string `required:"" help:"Preferred languages."`
}

func (c *deviceCmd) Run(ctx context.Context, svc service) error {
	u, err := svc.endpoint("info")
	if err != nil {
		return err
	}
	return svc.client.SubmitDevice(ctx, u, api.Device{
		Ident:     c.Ident,
		OSVersion: c.OSVersion,
		App:       c.App,
		Languages: c.Languages,
	})
}

type versionCmd struct{}

func (versionCmd) Run() error {
	return version.Print(os.Stdout)
}

func main() { os.Exit(Main()) }

func Main() int {
	var c cli
	k, err := kong.New(&c,
		kong.Name("pushctl"),
		kong.Description("Submit push notification registrations to a tokend service."),
		kong.UsageOnError(),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return internalError
	}
	kctx, err := k.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "pushctl: error: %v\n", err)
		return invocationError
	}

	var level slog.LevelVar
	err = level.UnmarshalText([]byte(c.Log))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return invocationError
	}
	log := slogext.New(os.Stderr, &level, slogext.NewAtomicBool(false))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	tlsCfg, err := mtls.ClientConfig(mtls.Files{CA: c.CA, Cert: c.Cert, Key: c.Key})
	if err != nil {
		fmt.Fprintf(os.Stderr, "pushctl: %v\n", err)
		return invocationError
	}
	client := &register.Client{Log: log}
	if tlsCfg != nil {
		client.HTTP = &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}}
	}

	kctx.BindTo(ctx, (*context.Context)(nil))
	err = kctx.Run(service{base: c.Server, client: client})
	if err != nil {
		log.LogAttrs(ctx, slog.LevelDebug, "submit", slog.String("command", kctx.Command()), slog.Any("error", err))
		fmt.Fprintf(os.Stderr, "pushctl: %v\n", err)
		return internalError
	}
	return success
}
