// Package csvio streams delimited text into typed columnar batches and
// writes them back out, with a reader that publishes byte offsets tied
// exactly to completed record boundaries so a resumed run can reseek
// precisely.
package csvio

import "strconv"

// Dialect describes how to split and decode a delimited-text input.
type Dialect struct {
	Delimiter  byte
	Quote      byte
	HasHeaders bool
	Encoding   string // "utf8" or "latin1"
	NATokens   []string
	BatchSize  int
}

// DefaultDialect mirrors the CLI's flag defaults.
func DefaultDialect() Dialect {
	return Dialect{
		Delimiter:  ',',
		Quote:      '"',
		HasHeaders: true,
		Encoding:   "utf8",
		NATokens:   []string{"NA", "null", `\N`, ""},
		BatchSize:  65536,
	}
}

func toSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

func isNA(field string, naSet map[string]bool) bool {
	return naSet[field]
}

func synthNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = "col_" + strconv.Itoa(i+1)
	}
	return names
}
