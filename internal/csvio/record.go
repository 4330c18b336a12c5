package csvio

import "errors"

var errUnterminatedQuote = errors.New("csvio: unterminated quoted field")

// parseRecord splits one logical record's raw bytes into fields, honoring
// a configurable quote byte (encoding/csv hardcodes '"', which is too
// rigid for the --quote flag this engine exposes).
func parseRecord(raw []byte, delim, quote byte) ([]string, error) {
	var fields []string
	var cur []byte
	inQuotes := false

	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if inQuotes {
			if c == quote {
				if i+1 < len(raw) && raw[i+1] == quote {
					cur = append(cur, quote)
					i++
					continue
				}
				inQuotes = false
				continue
			}
			cur = append(cur, c)
			continue
		}
		switch c {
		case quote:
			inQuotes = true
		case delim:
			fields = append(fields, string(cur))
			cur = cur[:0]
		case '\r':
		case '\n':
		default:
			cur = append(cur, c)
		}
	}
	if inQuotes {
		return nil, errUnterminatedQuote
	}
	fields = append(fields, string(cur))
	return fields, nil
}

// quoteParity counts occurrences of the quote byte in raw; an odd count
// means the accumulated lines so far end inside an open quoted field
// (escaped doubled quotes keep parity even, so this stays correct across
// "" sequences).
func quoteParity(raw []byte, quote byte) int {
	n := 0
	for _, c := range raw {
		if c == quote {
			n++
		}
	}
	return n % 2
}
