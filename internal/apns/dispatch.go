// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package apns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kortschak/flipbook/api"
	"github.com/kortschak/flipbook/internal/celext"
	"github.com/kortschak/flipbook/internal/slogext"
)

// Sender sends a notification payload to a device.
type Sender interface {
	Send(ctx context.Context, token string, payload []byte) (*Response, error)
}

// Registry is the registration store used by a Dispatcher.
type Registry interface {
	Registrations(ctx context.Context) ([]api.Registration, error)
	DeleteToken(ctx context.Context, token string) (int64, error)
}

// Options are Dispatcher options.
type Options struct {
	// Filter is a CEL expression evaluating to a bool
	// that selects recipient tokens. The expression has
	// access to token, a string, registrations, a list
	// of the token's registrations, and now, the time
	// of the dispatch.
	//
	// Each registration is a map with the fields type,
	// debug, dates, start and end.
	Filter string
	// Payload is a CEL expression evaluating to the
	// notification payload object. It has access to the
	// same variables as Filter.
	Payload string
	// Concurrency is the maximum number of concurrent
	// sends. If zero, one send is made at a time.
	Concurrency int
	// DryRun prevents notifications being sent and
	// tokens being removed.
	DryRun bool
	// Now is the dispatcher's clock. If nil, time.Now
	// is used.
	Now func() time.Time
}

// Dispatcher sends notifications to registered device tokens.
type Dispatcher struct {
	store  Registry
	sender Sender
	log    *slog.Logger

	filter  cel.Program
	payload cel.Program

	concurrency int
	dryRun      bool
	now         func() time.Time
}

// NewDispatcher returns a new Dispatcher sending notifications via sender
// to tokens held in store.
func NewDispatcher(store Registry, sender Sender, log *slog.Logger, opts Options) (*Dispatcher, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	d := &Dispatcher{
		store:       store,
		sender:      sender,
		log:         log,
		concurrency: max(opts.Concurrency, 1),
		dryRun:      opts.DryRun,
		now:         opts.Now,
	}
	if d.now == nil {
		d.now = time.Now
	}
	var err error
	d.filter, err = d.compile(opts.Filter, cel.BoolType)
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	d.payload, err = d.compile(opts.Payload, nil)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	return d, nil
}

func (d *Dispatcher) compile(src string, want *cel.Type) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.OptionalTypes(cel.OptionalTypesVersion(1)),
		celext.Lib(d.log),
		ext.Strings(),
		cel.Variable("token", cel.StringType),
		cel.Variable("registrations", cel.ListType(cel.MapType(cel.StringType, cel.DynType))),
		cel.Variable("now", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create env: %v", err)
	}

	ast, iss := env.Compile(src)
	if iss.Err() != nil {
		return nil, fmt.Errorf("failed compilation: %v", iss.Err())
	}
	if want != nil && !ast.OutputType().IsExactType(want) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("invalid result type: got:%v want:%v", ast.OutputType(), want)
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed program instantiation: %v", err)
	}
	return prg, nil
}

// Summary is the outcome of a dispatch.
type Summary struct {
	// Tokens is the number of distinct tokens.
	Tokens int
	// Sent is the number of notifications sent,
	// or that would have been sent in a dry run.
	Sent int
	// Skipped is the number of tokens not
	// selected by the filter.
	Skipped int
	// Failed is the number of tokens that could
	// not be evaluated or sent to, excluding
	// removed tokens.
	Failed int
	// Removed is the number of unusable tokens
	// removed from the store.
	Removed int
}

func (s Summary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("tokens", s.Tokens),
		slog.Int("sent", s.Sent),
		slog.Int("skipped", s.Skipped),
		slog.Int("failed", s.Failed),
		slog.Int("removed", s.Removed),
	)
}

// recipient is a distinct token and its registrations.
type recipient struct {
	token         string
	registrations []any
}

// Dispatch sends notifications to each registered token selected by the
// filter.
func (d *Dispatcher) Dispatch(ctx context.Context) (Summary, error) {
	regs, err := d.store.Registrations(ctx)
	if err != nil {
		return Summary{}, err
	}
	recipients := group(regs)
	now := d.now()

	var (
		mu  sync.Mutex
		sum = Summary{Tokens: len(recipients)}
	)
	count := func(field *int) {
		mu.Lock()
		*field++
		mu.Unlock()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, r := range recipients {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			log := d.log.With(slog.Any("token", slogext.Token(r.token)))
			act := map[string]any{
				"token":         r.token,
				"registrations": r.registrations,
				"now":           now,
			}
			ok, err := d.selected(act)
			if err != nil {
				log.LogAttrs(gctx, slog.LevelError, "filter", slog.Any("error", err))
				count(&sum.Failed)
				return nil
			}
			if !ok {
				count(&sum.Skipped)
				return nil
			}
			payload, err := d.render(act)
			if err != nil {
				log.LogAttrs(gctx, slog.LevelError, "payload", slog.Any("error", err))
				count(&sum.Failed)
				return nil
			}
			if d.dryRun {
				log.LogAttrs(gctx, slog.LevelInfo, "dry run", slog.String("payload", string(payload)))
				count(&sum.Sent)
				return nil
			}
			resp, err := d.sender.Send(gctx, r.token, payload)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				var apnsErr *Error
				if !errors.As(err, &apnsErr) || !apnsErr.Unusable() {
					log.LogAttrs(gctx, slog.LevelWarn, "send", slog.Any("error", err))
					count(&sum.Failed)
					return nil
				}
				n, err := d.store.DeleteToken(gctx, r.token)
				if err != nil {
					log.LogAttrs(gctx, slog.LevelError, "remove token", slog.Any("error", err))
					count(&sum.Failed)
					return nil
				}
				log.LogAttrs(gctx, slog.LevelInfo, "removed token", slog.String("reason", apnsErr.Reason), slog.Int64("registrations", n))
				count(&sum.Removed)
				return nil
			}
			log.LogAttrs(gctx, slog.LevelDebug, "sent", slog.String("apns-id", resp.ID))
			count(&sum.Sent)
			return nil
		})
	}
	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return sum, err
}

// group returns the distinct tokens in regs with their registrations in
// order of first appearance.
func group(regs []api.Registration) []recipient {
	var (
		recipients []recipient
		index      = make(map[string]int)
	)
	for _, r := range regs {
		i, ok := index[r.Token]
		if !ok {
			i = len(recipients)
			index[r.Token] = i
			recipients = append(recipients, recipient{token: r.Token})
		}
		recipients[i].registrations = append(recipients[i].registrations, map[string]any{
			"type":  r.Type,
			"debug": r.Debug,
			"dates": r.Dates.String(),
			"start": r.Dates.Start,
			"end":   r.Dates.End,
		})
	}
	return recipients
}

func (d *Dispatcher) selected(act map[string]any) (bool, error) {
	out, _, err := d.filter.Eval(act)
	if err != nil {
		return false, fmt.Errorf("failed eval: %v", err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("invalid filter result type: %s", out.Type())
	}
	return ok, nil
}

func (d *Dispatcher) render(act map[string]any) ([]byte, error) {
	out, _, err := d.payload.Eval(act)
	if err != nil {
		return nil, fmt.Errorf("failed eval: %v", err)
	}
	v, err := out.ConvertToNative(reflect.TypeOf((*structpb.Value)(nil)))
	if err != nil {
		return nil, fmt.Errorf("failed proto conversion: %v", err)
	}
	if _, ok := v.(*structpb.Value).GetKind().(*structpb.Value_StructValue); !ok {
		return nil, errors.New("payload is not an object")
	}
	b, err := protojson.MarshalOptions{}.Marshal(v.(proto.Message))
	if err != nil {
		return nil, fmt.Errorf("failed native conversion: %v", err)
	}
	return b, nil
}
