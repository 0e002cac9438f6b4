// Package sqlutil holds the placeholder helpers shared by the database/sql
// backed stores.
package sqlutil

import (
	"strconv"
	"strings"
)

// Rebind rewrites '?' placeholders to $1, $2, ... when numbered is set.
func Rebind(numbered bool, query string) string {
	if !numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Placeholders returns n comma separated '?' markers.
func Placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
