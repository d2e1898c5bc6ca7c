package ticket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// CounterStore hands out the next value of the (day, kind) counter. The first
// call for a scope returns 1. Implementations must make the increment and the
// read-back a single atomic step.
type CounterStore interface {
	NextTicketCounter(ctx context.Context, day string, kind Kind) (int, error)
}

// commitAttempts is the first write plus one retry with a fresh number.
const commitAttempts = 2

type Issuer struct {
	counters CounterStore
	location *time.Location
	logger   *zap.Logger
}

// NewIssuer scopes days in location, the shop's time zone.
func NewIssuer(counters CounterStore, location *time.Location, logger *zap.Logger) *Issuer {
	if location == nil {
		location = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Issuer{counters: counters, location: location, logger: logger}
}

func (i *Issuer) Location() *time.Location {
	return i.location
}

// Issue draws the next number of kind for the calendar day of today.
func (i *Issuer) Issue(ctx context.Context, kind Kind, today time.Time) (Number, error) {
	if !kind.Valid() {
		return Number{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	day := today.In(i.location)
	seq, err := i.counters.NextTicketCounter(ctx, day.Format(DayLayout), kind)
	if err != nil {
		return Number{}, fmt.Errorf("next %s counter: %w", kind, err)
	}
	if seq < 1 {
		return Number{}, fmt.Errorf("counter for %s %s returned %d", kind, day.Format(DayLayout), seq)
	}
	if seq > MaxSeq {
		return Number{}, fmt.Errorf("%w: %s %s", ErrExhausted, kind, day.Format(DayLayout))
	}
	return Format(kind, day, seq), nil
}

// Commit issues a number and hands it to write, which persists the record
// under a unique constraint. When write reports ErrDuplicate a fresh number
// is issued and write runs once more; a second collision is ErrCollision.
// Any other write error is returned as is.
func (i *Issuer) Commit(ctx context.Context, kind Kind, today time.Time, write func(Number) error) (Number, error) {
	for attempt := 1; attempt <= commitAttempts; attempt++ {
		number, err := i.Issue(ctx, kind, today)
		if err != nil {
			return Number{}, err
		}

		err = write(number)
		if err == nil {
			return number, nil
		}
		if !errors.Is(err, ErrDuplicate) {
			return Number{}, err
		}
		i.logger.Warn("ticket number collision",
			zap.String("ticket_number", number.String()),
			zap.Int("attempt", attempt))
	}
	return Number{}, ErrCollision
}
