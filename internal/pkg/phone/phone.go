package phone

import "strings"

// Normalize canonicalizes a Tanzanian mobile number to the local 0XXXXXXXXX
// form so that checkout, webhook and recovery flows all key the ledger the
// same way regardless of how the buyer typed the number.
func Normalize(raw string) string {
	number := strings.TrimSpace(raw)
	number = strings.ReplaceAll(number, " ", "")
	number = strings.ReplaceAll(number, "-", "")

	switch {
	case strings.HasPrefix(number, "+255"):
		number = "0" + number[4:]
	case strings.HasPrefix(number, "255") && len(number) > 3:
		number = "0" + number[3:]
	}

	return number
}

// Valid reports whether a normalized number looks like a dialable local
// mobile number. It is a shape check, not a carrier lookup.
func Valid(normalized string) bool {
	if len(normalized) != 10 || !strings.HasPrefix(normalized, "0") {
		return false
	}
	for _, r := range normalized {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
