package querycache

import "strings"

// Metadata answers whether results for a table may be cached. Every cache
// operation for a table that is not cacheable is skipped before reaching the backend.
type Metadata interface {
	Cacheable(table string) bool
}

// MetadataFunc adapts a function to the Metadata interface.
type MetadataFunc func(table string) bool

// Cacheable calls f.
func (f MetadataFunc) Cacheable(table string) bool { return f(table) }

// Tables is a static, case-insensitive set of cacheable table names.
type Tables map[string]struct{}

// NewTables builds a Tables set. Names are trimmed and blank names skipped,
// so the result of splitting a configured list can be passed as is.
func NewTables(names ...string) Tables {
	t := make(Tables, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		t[strings.ToLower(n)] = struct{}{}
	}
	return t
}

// Cacheable reports whether the table is in the set.
func (t Tables) Cacheable(table string) bool {
	_, ok := t[strings.ToLower(table)]
	return ok
}

type allTables struct{}

func (allTables) Cacheable(string) bool { return true }

// AllTables treats every table as cacheable.
var AllTables Metadata = allTables{}

// Entity is the per-model view of metadata: the table it maps to and whether
// it opted into caching.
type Entity interface {
	TableName() string
	Cached() bool
}
