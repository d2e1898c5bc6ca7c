// Package barcode turns raw keyboard-wedge scanner input into product lookup
// keys: it cleans noisy bursts, splits concatenated scans and suppresses
// accidental repeat triggers.
package barcode

import (
	"strings"
)

const (
	MinCodeLength = 4
	MaxCodeLength = 20
)

// Artifact prefixes and suffixes some camera and scanner firmwares wrap around
// the payload. Longer prefixes come first so BARCODE: wins over BC:.
var (
	artifactPrefixes = []string{"BARCODE:", "CODE:", "PROD:", "ITEM:", "SKU:", "REF:", "BC:", "ID:"}
	artifactSuffixes = []string{"STOP", "END", "FIN"}
)

var controlStripper = strings.NewReplacer("\r", "", "\n", "", "\t", "")

// CleanAndValidate normalizes one scanned code. It returns the uppercase code
// restricted to [A-Z0-9_-], or "" when the result is outside
// [MinCodeLength, MaxCodeLength]. Rejection is a normal outcome, not an error.
//
// Each call strips at most one prefix and one terminator word, so a code that
// still ends in END, STOP or FIN after cleaning loses it on the next call
// ("ABCDENDEND" cleans to "ABCDEND", then to "ABCD"). Clean once.
func CleanAndValidate(raw string) string {
	code := controlStripper.Replace(strings.TrimSpace(raw))
	code = stripPrefix(code)
	code = stripSuffix(code)
	code = strings.ToUpper(code)

	var b strings.Builder
	b.Grow(len(code))
	for i := 0; i < len(code); i++ {
		if isCodeChar(code[i]) {
			b.WriteByte(code[i])
		}
	}
	code = b.String()

	if len(code) < MinCodeLength || len(code) > MaxCodeLength {
		return ""
	}
	return code
}

// IsClean reports whether code already satisfies the clean barcode invariant.
func IsClean(code string) bool {
	if len(code) < MinCodeLength || len(code) > MaxCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if c >= 'a' && c <= 'z' {
			return false
		}
		if !isCodeChar(c) {
			return false
		}
	}
	return true
}

func stripPrefix(code string) string {
	for _, prefix := range artifactPrefixes {
		if len(code) >= len(prefix) && strings.EqualFold(code[:len(prefix)], prefix) {
			return code[len(prefix):]
		}
	}
	return code
}

// stripSuffix removes one trailing terminator word. A genuine code ending in
// END, STOP or FIN loses it too; scanners configured with a terminator make
// the two indistinguishable.
func stripSuffix(code string) string {
	for _, suffix := range artifactSuffixes {
		n := len(code) - len(suffix)
		if n >= 0 && strings.EqualFold(code[n:], suffix) {
			return code[:n]
		}
	}
	return code
}

func isCodeChar(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_':
		return true
	}
	return false
}
