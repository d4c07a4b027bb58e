// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package celext provides extensions to ease use of maps and registration
// date ranges in CEL programs.
package celext

import (
	"context"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"google.golang.org/protobuf/types/known/structpb"
)

// Lib returns a cel.EnvOption to configure extended functions to ease
// use of maps, timestamps and registration lists.
//
// # With
//
// Returns the receiver's value with the value of the parameter updating
// or adding fields:
//
//	<map<K,V>>.with(<map<K,V>>) -> <map<K,V>>
//
// Examples:
//
//	{"a":1, "b":2}.with({"a":10, "c":3})  // return {"a":10, "b":2, "c":3}
//
// # With Replace
//
// Returns the receiver's value with the value of the parameter replacing
// existing fields:
//
//	<map<K,V>>.with_replace(<map<K,V>>) -> <map<K,V>>
//
// Examples:
//
//	{"a":1, "b":2}.with_replace({"a":10, "c":3})  // return {"a":10, "b":2}
//
// # With Update
//
// Returns the receiver's value with the value of the parameter updating
// the map without replacing any existing fields:
//
//	<map<K,V>>.with_update(<map<K,V>>) -> <map<K,V>>
//
// Examples:
//
//	{"a":1, "b":2}.with_update({"a":10, "c":3})  // return {"a":1, "b":2, "c":3}
//
// # Is Zero
//
// Returns whether the receiver is the zero time:
//
//	<timestamp>.is_zero() -> <bool>
//
// Examples:
//
//	timestamp("0001-01-01T00:00:00Z").is_zero()  // return true
//	timestamp("0001-01-01T00:00:01Z").is_zero()  // return false
//
// # Date
//
// Returns the UTC calendar date of the receiver in YYYY-MM-DD form:
//
//	<timestamp>.date() -> <string>
//
// Examples:
//
//	timestamp("2024-03-01T23:00:00Z").date()  // return "2024-03-01"
//
// # Active
//
// Returns the elements of the receiver whose half-open ["start", "end")
// timestamp range holds the parameter. Elements without timestamp start
// and end fields are not included:
//
//	<list<map<string,dyn>>>.active(<timestamp>) -> <list<map<string,dyn>>>
//
// Examples:
//
//	registrations.active(now)                        // return registrations covering now
//	registrations.active(now).exists(r, r.debug)     // return whether a debug registration covers now
//
// # Debug
//
// The second parameter is returned unaltered and the value is logged to the
// lib's logger:
//
//	debug(<string>, <dyn>) -> <dyn>
//
// Examples:
//
//	debug("tag", expr) // return expr even if it is an error and logs with "tag".
func Lib(log *slog.Logger) cel.EnvOption {
	return cel.Lib(lib{log: log})
}

type lib struct {
	log *slog.Logger
}

func (l lib) CompileOptions() []cel.EnvOption {
	return []cel.EnvOption{
		cel.Function("is_zero",
			cel.MemberOverload(
				"timestamp_is_zero",
				[]*cel.Type{cel.TimestampType},
				cel.BoolType,
				cel.UnaryBinding(isZero),
			),
		),
		cel.Function("date",
			cel.MemberOverload(
				"timestamp_date",
				[]*cel.Type{cel.TimestampType},
				cel.StringType,
				cel.UnaryBinding(date),
			),
		),
		cel.Function("active",
			cel.MemberOverload(
				"list_active_timestamp",
				[]*cel.Type{listMap, cel.TimestampType},
				listMap,
				cel.BinaryBinding(active),
			),
		),
		cel.Function("with",
			cel.MemberOverload(
				"map_with_map",
				[]*cel.Type{mapKV, mapKV},
				mapKV,
				cel.BinaryBinding(withAll),
			),
		),
		cel.Function("with_update",
			cel.MemberOverload(
				"map_with_update_map",
				[]*cel.Type{mapKV, mapKV},
				mapKV,
				cel.BinaryBinding(withUpdate),
			),
		),
		cel.Function("with_replace",
			cel.MemberOverload(
				"map_with_replace_map",
				[]*cel.Type{mapKV, mapKV},
				mapKV,
				cel.BinaryBinding(withReplace),
			),
		),
		cel.Function("debug",
			cel.Overload(
				"debug_string_dyn",
				[]*cel.Type{cel.StringType, cel.DynType},
				cel.DynType,
				cel.BinaryBinding(l.logDebug),
				cel.OverloadIsNonStrict(),
			),
		),
	}
}

var (
	mapKV   = cel.MapType(cel.TypeParamType("K"), cel.TypeParamType("V"))
	listMap = cel.ListType(cel.MapType(cel.StringType, cel.DynType))
)

func (lib) ProgramOptions() []cel.ProgramOption { return nil }

func isZero(arg ref.Val) ref.Val {
	ts, ok := arg.(types.Timestamp)
	if !ok {
		return types.ValOrErr(ts, "no such overload")
	}
	return types.Bool(ts.IsZeroValue())
}

func date(arg ref.Val) ref.Val {
	ts, ok := arg.(types.Timestamp)
	if !ok {
		return types.ValOrErr(ts, "no such overload")
	}
	return types.String(ts.Time.UTC().Format(time.DateOnly))
}

func active(list, at ref.Val) ref.Val {
	l, ok := list.(traits.Lister)
	if !ok {
		return types.ValOrErr(list, "no such overload")
	}
	ts, ok := at.(types.Timestamp)
	if !ok {
		return types.ValOrErr(at, "no such overload")
	}
	var found []ref.Val
	it := l.Iterator()
	for it.HasNext() == types.True {
		v := it.Next()
		m, ok := v.(traits.Mapper)
		if !ok {
			continue
		}
		start, ok := timestampField(m, "start")
		if !ok {
			continue
		}
		end, ok := timestampField(m, "end")
		if !ok {
			continue
		}
		if !ts.Time.Before(start) && ts.Time.Before(end) {
			found = append(found, v)
		}
	}
	return types.NewRefValList(types.DefaultTypeAdapter, found)
}

func timestampField(m traits.Mapper, name string) (time.Time, bool) {
	v, ok := m.Find(types.String(name))
	if !ok {
		return time.Time{}, false
	}
	ts, ok := v.(types.Timestamp)
	if !ok {
		return time.Time{}, false
	}
	return ts.Time, true
}

func withAll(dst, src ref.Val) ref.Val {
	new, other, err := with(dst, src)
	if err != nil {
		return err
	}
	for k, v := range other {
		new[k] = v
	}
	return types.NewRefValMap(types.DefaultTypeAdapter, new)
}

func withUpdate(dst, src ref.Val) ref.Val {
	new, other, err := with(dst, src)
	if err != nil {
		return err
	}
	for k, v := range other {
		if _, ok := new[k]; ok {
			continue
		}
		new[k] = v
	}
	return types.NewRefValMap(types.DefaultTypeAdapter, new)
}

func withReplace(dst, src ref.Val) ref.Val {
	new, other, err := with(dst, src)
	if err != nil {
		return err
	}
	for k, v := range other {
		if _, ok := new[k]; !ok {
			continue
		}
		new[k] = v
	}
	return types.NewRefValMap(types.DefaultTypeAdapter, new)
}

var refValMap = reflect.TypeOf(map[ref.Val]ref.Val(nil))

func with(dst, src ref.Val) (res, other map[ref.Val]ref.Val, maybe ref.Val) {
	obj, ok := dst.(traits.Mapper)
	if !ok {
		return nil, nil, types.ValOrErr(obj, "no such overload")
	}
	val, ok := src.(traits.Mapper)
	if !ok {
		return nil, nil, types.ValOrErr(src, "unsupported src type")
	}

	new := make(map[ref.Val]ref.Val)
	m, err := obj.ConvertToNative(refValMap)
	if err != nil {
		return nil, nil, types.NewErr("unable to convert dst to native: %v", err)
	}
	for k, v := range m.(map[ref.Val]ref.Val) {
		new[k] = v
	}
	m, err = val.ConvertToNative(refValMap)
	if err != nil {
		return nil, nil, types.NewErr("unable to convert src to native: %v", err)
	}
	return new, m.(map[ref.Val]ref.Val), nil
}

func (l lib) logDebug(arg0, arg1 ref.Val) ref.Val {
	tag, ok := arg0.(types.String)
	if !ok {
		return types.ValOrErr(tag, "no such overload")
	}
	if l.log == nil {
		return arg1
	}
	val, err := arg1.ConvertToNative(reflect.TypeOf((*structpb.Value)(nil)))
	if err != nil {
		l.log.LogAttrs(context.Background(), slog.LevelError, "cel debug log error", slog.String("tag", string(tag)), slog.Any("error", err))
	} else {
		l.log.LogAttrs(context.Background(), slog.LevelDebug, "cel debug log", slog.String("tag", string(tag)), slog.Any("value", val))
	}
	return arg1
}
