package config

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strconv"
	"strings"
)

// Flatten converts a nested map into a flat map with dot-separated keys.
// For example, {"server": {"base_url": "x"}} becomes {"server.base_url": "x"}.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			key := joinKey(prefix, k)
			if child, ok := v.(map[string]any); ok {
				walk(key, child)
				continue
			}
			out[key] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten converts a flat map with dot-separated keys back into a nested map.
// For example, {"server.base_url": "x"} becomes {"server": {"base_url": "x"}}.
// A scalar sitting where a section is needed is replaced by the section.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range flat {
		parts := strings.Split(k, ".")
		section := out
		for _, part := range parts[:len(parts)-1] {
			next, ok := section[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				section[part] = next
			}
			section = next
		}
		section[parts[len(parts)-1]] = v
	}
	return out
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// Kind is the value type a setting accepts.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "integer"
	KindFloat  Kind = "number"
	KindBool   Kind = "boolean"
)

// choices restricts settings to a fixed set of values.
var choices = map[string][]string{
	"log_level":       {"debug", "info", "warn", "error"},
	"storage.backend": {StorageFile, StorageSQLite, StorageMemory},
}

// Schema returns every settable dot-separated key with its kind, derived
// from the Config struct's JSON tags.
func Schema() map[string]Kind {
	out := make(map[string]Kind)
	schemaOf("", reflect.TypeFor[Config](), out)
	return out
}

func schemaOf(prefix string, t reflect.Type, out map[string]Kind) {
	for i := range t.NumField() {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		key := joinKey(prefix, name)
		switch f.Type.Kind() {
		case reflect.Struct:
			schemaOf(key, f.Type, out)
		case reflect.String:
			out[key] = KindString
		case reflect.Int, reflect.Int64:
			out[key] = KindInt
		case reflect.Float64:
			out[key] = KindFloat
		case reflect.Bool:
			out[key] = KindBool
		}
	}
}

// Keys returns the settable keys in sorted order.
func Keys() []string {
	return slices.Sorted(maps.Keys(Schema()))
}

// Coerce parses a command-line value for key into the type the setting
// holds. Unknown keys and values of the wrong kind are rejected.
func Coerce(key, value string) (any, error) {
	kind, ok := Schema()[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	switch kind {
	case KindInt:
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("%s: want %s, got %q", key, kind, value)
		}
		return n, nil
	case KindFloat:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: want %s, got %q", key, kind, value)
		}
		return f, nil
	case KindBool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("%s: want %s, got %q", key, kind, value)
		}
		return b, nil
	}
	if allowed, ok := choices[key]; ok && !slices.Contains(allowed, value) {
		return nil, fmt.Errorf("%s: must be one of %s", key, strings.Join(allowed, ", "))
	}
	return value, nil
}
