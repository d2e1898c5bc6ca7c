// Package ticket issues the human-facing transaction numbers printed on
// receipts: V-YYYYMMDD-NNNN for sales and R-YYYYMMDD-NNNN for returns.
package ticket

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

type Kind string

const (
	KindSale   Kind = "sale"
	KindReturn Kind = "return"
)

const (
	// DayLayout keys a counter scope.
	DayLayout = "2006-01-02"
	// MaxSeq is the largest suffix the four-digit format can carry.
	MaxSeq = 9999

	compactDayLayout = "20060102"
)

var (
	ErrDuplicate   = errors.New("ticket number already issued")
	ErrCollision   = errors.New("transaction could not be completed: ticket number collision")
	ErrMalformed   = errors.New("malformed ticket number")
	ErrUnknownKind = errors.New("unknown ticket kind")
	ErrExhausted   = errors.New("daily ticket counter exhausted")
)

var numberPattern = regexp.MustCompile(`^([VR])-(\d{8})-(\d{4})$`)

// Kinds lists every ticket kind in a stable order.
var Kinds = []Kind{KindSale, KindReturn}

func ParseKind(raw string) (Kind, error) {
	k := Kind(raw)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
	return k, nil
}

func (k Kind) Valid() bool {
	return k == KindSale || k == KindReturn
}

func (k Kind) Prefix() string {
	switch k {
	case KindSale:
		return "V"
	case KindReturn:
		return "R"
	}
	return ""
}

func kindForPrefix(prefix string) Kind {
	if prefix == "R" {
		return KindReturn
	}
	return KindSale
}

// Number is an issued ticket number. The zero value is not a valid number.
type Number struct {
	Kind Kind
	Day  time.Time
	Seq  int
}

func Format(kind Kind, day time.Time, seq int) Number {
	return Number{Kind: kind, Day: time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC), Seq: seq}
}

func (n Number) String() string {
	if n.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s-%s-%04d", n.Kind.Prefix(), n.Day.Format(compactDayLayout), n.Seq)
}

func (n Number) IsZero() bool {
	return n.Kind == "" && n.Seq == 0
}

// DayKey is the counter scope date, YYYY-MM-DD.
func (n Number) DayKey() string {
	return n.Day.Format(DayLayout)
}

func Parse(raw string) (Number, error) {
	m := numberPattern.FindStringSubmatch(raw)
	if m == nil {
		return Number{}, fmt.Errorf("%w: %q", ErrMalformed, raw)
	}
	day, err := time.Parse(compactDayLayout, m[2])
	if err != nil {
		return Number{}, fmt.Errorf("%w: %q", ErrMalformed, raw)
	}
	seq, _ := strconv.Atoi(m[3])
	if seq < 1 {
		return Number{}, fmt.Errorf("%w: %q", ErrMalformed, raw)
	}
	return Number{Kind: kindForPrefix(m[1]), Day: day, Seq: seq}, nil
}

// Valid reports whether raw has the ticket number shape.
func Valid(raw string) bool {
	_, err := Parse(raw)
	return err == nil
}
