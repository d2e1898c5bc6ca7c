package barcode

import "strings"

// Candidate is one hypothesised barcode carved out of a scan burst.
type Candidate struct {
	Raw string
}

func (c Candidate) Len() int {
	return len(c.Raw)
}

// Strategy proposes how a burst splits into candidates. Split returns false
// when the strategy does not apply to the burst.
type Strategy struct {
	Name  string
	Split func(burst string) ([]Candidate, bool)
}

const (
	ean13Width         = 13
	upcAWidth          = 12
	minRepeatedPattern = 8
)

var (
	FixedWidth13    = Strategy{Name: "fixed_width_13", Split: fixedWidth(ean13Width)}
	FixedWidth12    = Strategy{Name: "fixed_width_12", Split: fixedWidth(upcAWidth)}
	RepeatedPattern = Strategy{Name: "repeated_pattern", Split: repeatedPattern}
	Fallback        = Strategy{Name: "fallback", Split: single}
)

// Strategies is the order in which bursts are split; the first strategy that
// applies wins. Fallback always applies.
//
// A single custom SKU whose length is a multiple of 12 or 13 (24, 26, ...) is
// split as if two codes had been concatenated. Inter-keystroke timing is not
// available at this layer, so the ambiguity is accepted.
var Strategies = []Strategy{FixedWidth13, FixedWidth12, RepeatedPattern, Fallback}

// SplitConcatenatedBurst splits a burst that may hold several scans typed into
// the same field without a separator. Control characters and surrounding
// whitespace are removed before the length heuristics run.
func SplitConcatenatedBurst(raw string) []Candidate {
	candidates, _ := splitWith(Strategies, raw)
	return candidates
}

func splitWith(strategies []Strategy, raw string) ([]Candidate, string) {
	burst := controlStripper.Replace(strings.TrimSpace(raw))
	if burst == "" {
		return nil, ""
	}
	for _, strategy := range strategies {
		if candidates, ok := strategy.Split(burst); ok {
			return candidates, strategy.Name
		}
	}
	return nil, ""
}

// ExtractCodes splits raw and cleans every candidate. Candidates that fail
// validation are dropped; rejected counts them.
func ExtractCodes(raw string) (codes []string, rejected int) {
	for _, candidate := range SplitConcatenatedBurst(raw) {
		code := CleanAndValidate(candidate.Raw)
		if code == "" {
			rejected++
			continue
		}
		codes = append(codes, code)
	}
	return codes, rejected
}

func fixedWidth(width int) func(string) ([]Candidate, bool) {
	return func(burst string) ([]Candidate, bool) {
		if len(burst) == 0 || len(burst)%width != 0 {
			return nil, false
		}
		out := make([]Candidate, 0, len(burst)/width)
		for i := 0; i < len(burst); i += width {
			out = append(out, Candidate{Raw: burst[i : i+width]})
		}
		return out, true
	}
}

// repeatedPattern detects the same code scanned twice in a row: the shortest
// prefix of at least minRepeatedPattern characters that is immediately
// repeated. Characters after the second copy are discarded.
func repeatedPattern(burst string) ([]Candidate, bool) {
	for n := minRepeatedPattern; n <= len(burst)/2; n++ {
		if burst[:n] == burst[n:2*n] {
			return []Candidate{{Raw: burst[:n]}, {Raw: burst[:n]}}, true
		}
	}
	return nil, false
}

func single(burst string) ([]Candidate, bool) {
	return []Candidate{{Raw: burst}}, true
}
