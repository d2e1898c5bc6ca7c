package ticket

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Legacy is a record created before ticket numbers existed.
type Legacy struct {
	ID        string
	Row       int64
	CreatedAt time.Time
}

// BackfillStore exposes unnumbered records. AssignTicketNumber must only set
// the number when the record still has none and report whether it did.
type BackfillStore interface {
	ListUnnumbered(ctx context.Context, kind Kind) ([]Legacy, error)
	AssignTicketNumber(ctx context.Context, kind Kind, id string, number string) (bool, error)
}

// Backfill numbers every legacy record of kind using its creation day and its
// position in row order. Records numbered by a concurrent run are skipped, so
// running it again is a no-op.
func (i *Issuer) Backfill(ctx context.Context, store BackfillStore, kind Kind) (int, error) {
	records, err := store.ListUnnumbered(ctx, kind)
	if err != nil {
		return 0, fmt.Errorf("list unnumbered %s records: %w", kind, err)
	}
	sort.SliceStable(records, func(a, b int) bool {
		dayA := records[a].CreatedAt.In(i.location).Format(DayLayout)
		dayB := records[b].CreatedAt.In(i.location).Format(DayLayout)
		if dayA != dayB {
			return dayA < dayB
		}
		return records[a].Row < records[b].Row
	})

	assigned := 0
	for _, rec := range records {
		var applied bool
		number, err := i.Commit(ctx, kind, rec.CreatedAt, func(n Number) error {
			ok, err := store.AssignTicketNumber(ctx, kind, rec.ID, n.String())
			applied = ok
			return err
		})
		if err != nil {
			return assigned, fmt.Errorf("backfill %s %s: %w", kind, rec.ID, err)
		}
		if !applied {
			i.logger.Info("record already numbered, skipping", zap.String("id", rec.ID))
			continue
		}
		assigned++
		i.logger.Debug("backfilled ticket number",
			zap.String("id", rec.ID),
			zap.String("ticket_number", number.String()))
	}
	return assigned, nil
}
