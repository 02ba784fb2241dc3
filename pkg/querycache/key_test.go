package querycache_test

import (
	"testing"

	"github.com/illmade-knight/go-querycache/pkg/querycache"
	"github.com/stretchr/testify/assert"
)

// wrappedParam is comparable by type but may hold an uncomparable value.
type wrappedParam struct {
	V any
}

func TestQueryKey_Equal(t *testing.T) {
	testCases := []struct {
		name  string
		a, b  querycache.QueryKey
		equal bool
	}{
		{
			name:  "normalization makes formatting irrelevant",
			a:     querycache.NewQueryKey("SELECT * FROM people WHERE id=?", 1),
			b:     querycache.NewQueryKey("select *   from people where id = ?", 1),
			equal: true,
		},
		{
			name:  "int and int64 are the same parameter",
			a:     querycache.NewQueryKey("select * from people where id = ?", 1),
			b:     querycache.NewQueryKey("select * from people where id = ?", int64(1)),
			equal: true,
		},
		{
			name:  "whole float matches int",
			a:     querycache.NewQueryKey("select * from people where id = ?", 1),
			b:     querycache.NewQueryKey("select * from people where id = ?", 1.0),
			equal: true,
		},
		{
			name:  "fractional float does not match its truncation",
			a:     querycache.NewQueryKey("select * from people where id = ?", 1),
			b:     querycache.NewQueryKey("select * from people where id = ?", 1.5),
			equal: false,
		},
		{
			name:  "every parameter position is compared",
			a:     querycache.NewQueryKey("select * from people where a = ? and b = ?", 1, 2),
			b:     querycache.NewQueryKey("select * from people where a = ? and b = ?", 1, 3),
			equal: false,
		},
		{
			name:  "different parameter counts",
			a:     querycache.NewQueryKey("select * from people where a = ?", 1),
			b:     querycache.NewQueryKey("select * from people where a = ?", 1, 2),
			equal: false,
		},
		{
			name:  "nil parameters match",
			a:     querycache.NewQueryKey("select * from people where a = ?", nil),
			b:     querycache.NewQueryKey("select * from people where a = ?", nil),
			equal: true,
		},
		{
			name:  "nil does not match a value",
			a:     querycache.NewQueryKey("select * from people where a = ?", nil),
			b:     querycache.NewQueryKey("select * from people where a = ?", 0),
			equal: false,
		},
		{
			name:  "string and number differ",
			a:     querycache.NewQueryKey("select * from people where a = ?", "1"),
			b:     querycache.NewQueryKey("select * from people where a = ?", 1),
			equal: false,
		},
		{
			name:  "slices compare by content",
			a:     querycache.NewQueryKey("select * from people where a in (?)", []string{"x", "y"}),
			b:     querycache.NewQueryKey("select * from people where a in (?)", []string{"x", "y"}),
			equal: true,
		},
		{
			name:  "struct holding equal slices",
			a:     querycache.NewQueryKey("select * from people where a = ?", wrappedParam{V: []int{1}}),
			b:     querycache.NewQueryKey("select * from people where a = ?", wrappedParam{V: []int{1}}),
			equal: true,
		},
		{
			name:  "struct holding different slices",
			a:     querycache.NewQueryKey("select * from people where a = ?", wrappedParam{V: []int{1}}),
			b:     querycache.NewQueryKey("select * from people where a = ?", wrappedParam{V: []int{2}}),
			equal: false,
		},
		{
			name:  "struct holding a slice against one holding a number",
			a:     querycache.NewQueryKey("select * from people where a = ?", wrappedParam{V: []int{1}}),
			b:     querycache.NewQueryKey("select * from people where a = ?", wrappedParam{V: 1}),
			equal: false,
		},
		{
			name:  "struct holding comparable values",
			a:     querycache.NewQueryKey("select * from people where a = ?", wrappedParam{V: "x"}),
			b:     querycache.NewQueryKey("select * from people where a = ?", wrappedParam{V: "x"}),
			equal: true,
		},
		{
			name:  "no parameters equals empty parameters",
			a:     querycache.NewQueryKey("select * from people"),
			b:     querycache.NewQueryKey("select * from people", []any{}...),
			equal: true,
		},
		{
			name:  "literal case is significant",
			a:     querycache.NewQueryKey("select * from people where name = 'Bob'"),
			b:     querycache.NewQueryKey("select * from people where name = 'bob'"),
			equal: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.equal, tc.a.Equal(tc.b))
			assert.Equal(t, tc.equal, tc.b.Equal(tc.a), "equality must be symmetric")
			if tc.equal {
				assert.Equal(t, tc.a.Hash(), tc.b.Hash(), "equal keys must hash alike")
			}
		})
	}
}

func TestQueryKey_WithoutLimit(t *testing.T) {
	k := querycache.NewQueryKey("SELECT * FROM people LIMIT 5 OFFSET 3", "x")

	base := k.WithoutLimit()

	assert.Equal(t, "select * from people", base.Query())
	assert.Equal(t, []any{"x"}, base.Params())
	assert.True(t, base.Equal(querycache.NewQueryKey("select * from people", "x")))
}

func TestQueryKey_String(t *testing.T) {
	assert.Equal(t, "select 1 []", querycache.NewQueryKey("SELECT 1").String())
	assert.Equal(t, "select * from t where a = ? [1, b]", querycache.NewQueryKey("select * from t where a=?", 1, "b").String())
}
