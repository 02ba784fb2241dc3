package querycache

import (
	"fmt"
	"hash/fnv"
	"reflect"

	"github.com/illmade-knight/go-querycache/pkg/cache"
	"github.com/mitchellh/hashstructure/v2"
)

// QueryKey identifies a cached result set by normalized query text and
// positional parameters. Numeric parameters of different Go types are equal
// when both their integer truncation and float64 value match, so int(1),
// int64(1) and float64(1) identify the same result. Very large integers or
// high precision floats can collide or split under this rule; it is kept as is.
type QueryKey struct {
	query  string
	params []any
}

// NewQueryKey builds a key from raw query text, which is normalized.
func NewQueryKey(query string, params ...any) QueryKey {
	if params == nil {
		params = []any{}
	}
	return QueryKey{query: NormalizeSQL(query), params: params}
}

// Query returns the normalized query text.
func (k QueryKey) Query() string { return k.query }

// Params returns the positional parameters.
func (k QueryKey) Params() []any { return k.params }

// WithoutLimit returns the key with any trailing LIMIT/OFFSET clause removed.
func (k QueryKey) WithoutLimit() QueryKey {
	return QueryKey{query: TrimLimitOffset(k.query), params: k.params}
}

func (k QueryKey) String() string {
	return k.query + " " + cache.ParamString(k.params)
}

// Equal compares query text exactly and parameters positionally.
func (k QueryKey) Equal(other QueryKey) bool {
	if k.query != other.query || len(k.params) != len(other.params) {
		return false
	}
	for i := range k.params {
		if !paramEqual(k.params[i], other.params[i]) {
			return false
		}
	}
	return true
}

// numericParam is the canonical form of a numeric parameter used for hashing.
type numericParam struct {
	I int64
	F float64
}

// Hash is consistent with Equal.
func (k QueryKey) Hash() uint64 {
	canonical := struct {
		Query  string
		Params []any
	}{Query: k.query, Params: make([]any, len(k.params))}
	for i, p := range k.params {
		if iv, fv, ok := numeric(p); ok {
			canonical.Params[i] = numericParam{I: iv, F: fv}
			continue
		}
		canonical.Params[i] = p
	}

	h, err := hashstructure.Hash(canonical, hashstructure.FormatV2, nil)
	if err == nil {
		return h
	}
	// unhashable parameter types (funcs, channels) fall back to their printed form
	f := fnv.New64a()
	_, _ = fmt.Fprintf(f, "%s|%v", canonical.Query, canonical.Params)
	return f.Sum64()
}

func paramEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ai, af, aNum := numeric(a)
	bi, bf, bNum := numeric(b)
	if aNum || bNum {
		return aNum && bNum && ai == bi && af == bf
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	// a comparable type can still hold a slice or map behind an interface field
	if va.Comparable() && vb.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

// numeric returns the integer truncation and float64 value of a numeric value.
func numeric(v any) (int64, float64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), float64(n), true
	case int8:
		return int64(n), float64(n), true
	case int16:
		return int64(n), float64(n), true
	case int32:
		return int64(n), float64(n), true
	case int64:
		return n, float64(n), true
	case uint:
		return int64(n), float64(n), true
	case uint8:
		return int64(n), float64(n), true
	case uint16:
		return int64(n), float64(n), true
	case uint32:
		return int64(n), float64(n), true
	case uint64:
		return int64(n), float64(n), true
	case float32:
		return int64(n), float64(n), true
	case float64:
		return int64(n), n, true
	default:
		return 0, 0, false
	}
}
