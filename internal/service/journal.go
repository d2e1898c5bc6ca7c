package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gestionpro/backend/internal/domain"
)

const journalSheet = "Journal"

var journalHeaders = []string{
	"ticket", "type", "heure", "terminal", "paiement", "articles", "ticket_origine", "montant_eur",
}

type journalRow struct {
	number    string
	kind      string
	at        time.Time
	terminal  string
	payment   string
	items     int
	original  string
	amountCts int64
}

// ExportDailyJournal renders the sales and returns of one shop day as an
// xlsx workbook, in ticket order, with a totals row.
func (s *Service) ExportDailyJournal(ctx context.Context, day time.Time) ([]byte, error) {
	loc := s.Location()
	local := day.In(loc)
	from := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	to := from.AddDate(0, 0, 1)

	var sales []domain.Sale
	var returns []domain.Return
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sales, err = s.repo.ListSalesBetween(gctx, from, to)
		return err
	})
	g.Go(func() error {
		var err error
		returns, err = s.repo.ListReturnsBetween(gctx, from, to)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load journal %s: %w", from.Format("2006-01-02"), err)
	}

	rows := make([]journalRow, 0, len(sales)+len(returns))
	var salesTotal, refundsTotal int64
	for _, sale := range sales {
		rows = append(rows, journalRow{
			number:    sale.TicketNumber,
			kind:      "vente",
			at:        sale.CreatedAt,
			terminal:  sale.TerminalID,
			payment:   sale.PaymentMethod,
			items:     countSaleItems(sale.Items),
			amountCts: sale.TotalCents,
		})
		salesTotal += sale.TotalCents
	}
	for _, ret := range returns {
		rows = append(rows, journalRow{
			number:    ret.TicketNumber,
			kind:      "retour",
			at:        ret.CreatedAt,
			terminal:  ret.TerminalID,
			original:  ret.OriginalTicket,
			items:     countReturnItems(ret.Items),
			amountCts: -ret.RefundCents,
		})
		refundsTotal += ret.RefundCents
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].at.Equal(rows[j].at) {
			return rows[i].at.Before(rows[j].at)
		}
		return rows[i].number < rows[j].number
	})

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	if err := f.SetSheetName(f.GetSheetName(0), journalSheet); err != nil {
		return nil, err
	}

	for i, h := range journalHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(journalSheet, cell, h)
	}
	for i, row := range rows {
		r := i + 2
		set := func(col int, value any) {
			cell, _ := excelize.CoordinatesToCellName(col, r)
			_ = f.SetCellValue(journalSheet, cell, value)
		}

		set(1, row.number)
		set(2, row.kind)
		set(3, row.at.In(loc).Format("15:04:05"))
		set(4, row.terminal)
		set(5, row.payment)
		set(6, row.items)
		set(7, row.original)
		set(8, euros(row.amountCts))
	}

	totalsRow := len(rows) + 3
	for col, value := range map[int]any{
		1: "total_ventes", 2: euros(salesTotal),
		3: "total_retours", 4: euros(-refundsTotal),
		5: "net", 6: euros(salesTotal - refundsTotal),
	} {
		cell, _ := excelize.CoordinatesToCellName(col, totalsRow)
		_ = f.SetCellValue(journalSheet, cell, value)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}

	s.logger.Info("daily journal exported",
		zap.String("day", from.Format("2006-01-02")),
		zap.Int("sales", len(sales)),
		zap.Int("returns", len(returns)))
	return buf.Bytes(), nil
}

func countSaleItems(items []domain.SaleLine) int {
	n := 0
	for _, item := range items {
		n += item.Qty
	}
	return n
}

func countReturnItems(items []domain.ReturnLine) int {
	n := 0
	for _, item := range items {
		n += item.Qty
	}
	return n
}

func euros(cents int64) float64 {
	return float64(cents) / 100
}
