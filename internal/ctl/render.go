// Package ctl renders Bittern's observability surface (spec §6): every
// read-only key ("conf", "stats", "pmem_stats", "bgwriter", ...)
// returns text lines of the form
//
//	<name>: <section>: key=value key=value ...
//
// Variable names never rename across a release; their order within a
// line may shift, so renderer callers build each section as an ordered
// slice of KV pairs rather than a map.
package ctl

import (
	"fmt"
	"strings"
)

// KV is one key=value pair in a rendered line.
type KV struct {
	Key   string
	Value string
}

// Section is one "<name>: <section>: ..." line's payload.
type Section struct {
	Name string
	Pairs []KV
}

// Int, Int64, Bool, and Str build a KV with the conventional textual
// encoding for each value kind (booleans render as 0/1, matching the
// control-plane's own 0/1 settable flags in spec §6).
func Int(key string, v int) KV     { return KV{Key: key, Value: fmt.Sprintf("%d", v)} }
func Int64(key string, v int64) KV { return KV{Key: key, Value: fmt.Sprintf("%d", v)} }
func Uint64(key string, v uint64) KV { return KV{Key: key, Value: fmt.Sprintf("%d", v)} }
func Str(key, v string) KV         { return KV{Key: key, Value: v} }

func Bool(key string, v bool) KV {
	if v {
		return KV{Key: key, Value: "1"}
	}

	return KV{Key: key, Value: "0"}
}

// Render formats one observability key's sections into the
// "<name>: <section>: key=value ..." line format, one line per section,
// joined with newlines.
func Render(name string, sections []Section) string {
	var b strings.Builder

	for i, s := range sections {
		if i > 0 {
			b.WriteByte('\n')
		}

		fmt.Fprintf(&b, "%s: %s:", name, s.Name)

		for _, kv := range s.Pairs {
			fmt.Fprintf(&b, " %s=%s", kv.Key, kv.Value)
		}
	}

	return b.String()
}
