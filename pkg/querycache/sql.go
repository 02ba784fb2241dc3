package querycache

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	operatorRe   = regexp.MustCompile(`\s*(!=|>=|<=|==|<>|=|<|>)\s*`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	hasLimitRe   = regexp.MustCompile(`(?i)\blimit\b`)
	// limitOffsetRe matches a trailing "limit N" with an optional "offset M".
	limitOffsetRe = regexp.MustCompile(`(?i)\s+limit\s+(\d+)(?:\s+offset\s+(\d+))?\s*;?\s*$`)
)

// NormalizeSQL returns a canonical form of a query: lower case outside of
// single-quoted literals, single spaces around comparison operators and
// collapsed whitespace. Literals are left untouched.
func NormalizeSQL(query string) string {
	var b strings.Builder
	inLiteral := false
	start := 0
	flush := func(end int) {
		seg := query[start:end]
		if inLiteral {
			b.WriteString(seg)
			return
		}
		seg = strings.ToLower(seg)
		seg = operatorRe.ReplaceAllString(seg, " $1 ")
		b.WriteString(whitespaceRe.ReplaceAllString(seg, " "))
	}
	for i := 0; i < len(query); i++ {
		if query[i] != '\'' {
			continue
		}
		if inLiteral {
			// include the closing quote in the literal
			flush(i + 1)
			start = i + 1
		} else {
			flush(i)
			start = i
		}
		inLiteral = !inLiteral
	}
	flush(len(query))
	return strings.TrimSpace(b.String())
}

// HasLimit reports whether the query text mentions a LIMIT clause.
func HasLimit(query string) bool {
	return hasLimitRe.MatchString(query)
}

// TrimLimitOffset strips a trailing numeric "limit N [offset M]" clause. A
// clause with non-numeric operands is left in place.
func TrimLimitOffset(query string) string {
	loc := limitOffsetRe.FindStringIndex(query)
	if loc == nil {
		return strings.TrimSpace(query)
	}
	return strings.TrimSpace(query[:loc[0]])
}

// ParseLimitOffset extracts the trailing limit and offset. OFFSET is only
// honored together with LIMIT; an offset alone yields ok == false.
func ParseLimitOffset(query string) (limit, offset int, ok bool) {
	m := limitOffsetRe.FindStringSubmatch(query)
	if m == nil {
		return 0, 0, false
	}
	limit, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	if m[2] != "" {
		offset, err = strconv.Atoi(m[2])
		if err != nil {
			return 0, 0, false
		}
	}
	return limit, offset, true
}

// SliceWindow returns the rows a LIMIT/OFFSET window selects from a full result.
// The returned slice has its capacity clipped so appends never write into rows.
func SliceWindow[R any](rows []R, limit, offset int) []R {
	n := len(rows)
	if offset < 0 {
		offset = 0
	}
	if offset >= n && offset > 0 {
		return []R{}
	}
	end := n
	switch {
	case limit < 0:
		end = offset
	case limit < n-offset:
		end = offset + limit
	}
	return rows[offset:end:end]
}
