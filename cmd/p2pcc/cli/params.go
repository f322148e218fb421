// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// FlagsFromParams returns a [pflag.FlagSet] bound to the tagged fields
// of params, a pointer to a struct. It panics on a malformed params
// type, which is a programming error.
//
//	var params spawnParams
//	command := &cli.Command{
//	    Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("spawn", &params) },
//	    Run: func(args []string) error {
//	        // params is populated here
//	    },
//	}
func FlagsFromParams(name string, params any) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	if err := BindFlags(params, flagSet); err != nil {
		panic(fmt.Sprintf("cli.FlagsFromParams(%q): %v", name, err))
	}
	return flagSet
}

// BindFlags registers a flag on flagSet for every tagged field of
// params, a pointer to a struct. Embedded structs are walked so that
// shared parameter groups (config, output, peer selection) compose.
//
// Tags:
//
//   - flag:"name" or flag:"name,n" gives the long name and an optional
//     shorthand. Untagged fields are skipped.
//   - desc:"..." is the help text.
//   - default:"..." is parsed as the field's type.
//   - env:"VAR" makes a non-empty $VAR override default. The variable
//     is named in the help text.
//
// Field types: string, bool, int, [time.Duration], []string.
func BindFlags(params any, flagSet *pflag.FlagSet) error {
	value := reflect.ValueOf(params)
	if value.Kind() != reflect.Pointer || value.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("params must be a pointer to a struct, got %T", params)
	}
	return bindStruct(value.Elem(), flagSet)
}

func bindStruct(structValue reflect.Value, flagSet *pflag.FlagSet) error {
	structType := structValue.Type()
	for i := range structType.NumField() {
		field := structType.Field(i)
		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			if err := bindStruct(structValue.Field(i), flagSet); err != nil {
				return fmt.Errorf("embedded %s: %w", field.Name, err)
			}
			continue
		}
		tags, ok := tagsFor(field)
		if !ok {
			continue
		}
		bind, ok := binders[field.Type]
		if !ok {
			return fmt.Errorf("field %s: unsupported type %s for --%s", field.Name, field.Type, tags.name)
		}
		if err := bind(flagSet, structValue.Field(i).Addr().Interface(), tags); err != nil {
			return fmt.Errorf("field %s: default for --%s: %w", field.Name, tags.name, err)
		}
	}
	return nil
}

// flagTags are the parsed tags of one field.
type flagTags struct {
	name      string
	shorthand string
	usage     string
	fallback  string
}

func tagsFor(field reflect.StructField) (flagTags, bool) {
	tag := field.Tag.Get("flag")
	if tag == "" {
		return flagTags{}, false
	}
	name, shorthand, _ := strings.Cut(tag, ",")
	tags := flagTags{
		name:      name,
		shorthand: shorthand,
		usage:     field.Tag.Get("desc"),
		fallback:  field.Tag.Get("default"),
	}
	if variable := field.Tag.Get("env"); variable != "" {
		if value := os.Getenv(variable); value != "" {
			tags.fallback = value
		}
		tags.usage = strings.TrimSpace(tags.usage + " [$" + variable + "]")
	}
	return tags, true
}

// binders registers a flag for each supported field type. pointer is
// the field's address.
var binders = map[reflect.Type]func(flagSet *pflag.FlagSet, pointer any, tags flagTags) error{
	reflect.TypeFor[string](): func(flagSet *pflag.FlagSet, pointer any, tags flagTags) error {
		flagSet.StringVarP(pointer.(*string), tags.name, tags.shorthand, tags.fallback, tags.usage)
		return nil
	},
	reflect.TypeFor[bool](): func(flagSet *pflag.FlagSet, pointer any, tags flagTags) error {
		value, err := parseOrZero(tags.fallback, strconv.ParseBool)
		flagSet.BoolVarP(pointer.(*bool), tags.name, tags.shorthand, value, tags.usage)
		return err
	},
	reflect.TypeFor[int](): func(flagSet *pflag.FlagSet, pointer any, tags flagTags) error {
		value, err := parseOrZero(tags.fallback, strconv.Atoi)
		flagSet.IntVarP(pointer.(*int), tags.name, tags.shorthand, value, tags.usage)
		return err
	},
	reflect.TypeFor[time.Duration](): func(flagSet *pflag.FlagSet, pointer any, tags flagTags) error {
		value, err := parseOrZero(tags.fallback, time.ParseDuration)
		flagSet.DurationVarP(pointer.(*time.Duration), tags.name, tags.shorthand, value, tags.usage)
		return err
	},
	reflect.TypeFor[[]string](): func(flagSet *pflag.FlagSet, pointer any, tags flagTags) error {
		var value []string
		if tags.fallback != "" {
			value = strings.Split(tags.fallback, ",")
		}
		flagSet.StringSliceVarP(pointer.(*[]string), tags.name, tags.shorthand, value, tags.usage)
		return nil
	},
}

func parseOrZero[V any](text string, parse func(string) (V, error)) (V, error) {
	var zero V
	if text == "" {
		return zero, nil
	}
	return parse(text)
}
