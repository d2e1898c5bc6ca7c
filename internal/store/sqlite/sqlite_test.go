package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"gestionpro/backend/internal/domain"
	"gestionpro/backend/internal/store"
	"gestionpro/backend/internal/ticket"
)

var jan20 = time.Date(2025, 1, 20, 10, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "gestionpro.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.CreateProduct(context.Background(), domain.Product{
		SKU: "SKU-CAFE-01", Barcode: "3228881010417", Name: "Café moulu 250g", Category: "epicerie", PriceCents: 389,
	}, 20)
	require.NoError(t, err)
	return s
}

func sale(id, number string, qty int, at time.Time) domain.Sale {
	return domain.Sale{
		ID:            id,
		TicketNumber:  number,
		TerminalID:    "T1",
		PaymentMethod: domain.PaymentCard,
		SubtotalCents: int64(qty) * 389,
		TotalCents:    int64(qty) * 389,
		Items:         []domain.SaleLine{{SKU: "SKU-CAFE-01", Name: "Café moulu 250g", Qty: qty, UnitPriceCents: 389}},
		CreatedAt:     at,
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gestionpro.db")
	first, err := Open(context.Background(), path, nil)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(context.Background(), path, nil)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestProductsAndStock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.GetProductByCode(ctx, "3228881010417")
	require.NoError(t, err)
	assert.Equal(t, "SKU-CAFE-01", p.SKU)
	assert.True(t, p.Active)

	_, err = s.GetProductByCode(ctx, "9999999999999")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.CreateProduct(ctx, domain.Product{SKU: "SKU-CAFE-01", Name: "dup", Category: "x"}, 0)
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)

	require.NoError(t, s.SetStock(ctx, "SKU-CAFE-01", 7))
	stock, err := s.GetStock(ctx, "SKU-CAFE-01")
	require.NoError(t, err)
	assert.Equal(t, 7, stock)
	assert.ErrorIs(t, s.SetStock(ctx, "SKU-NOPE", 1), store.ErrNotFound)

	products, err := s.ListProducts(ctx)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, 7, products[0].Stock)
	assert.Equal(t, "3228881010417", products[0].Barcode)
}

func TestTicketCounterSequence(t *testing.T) {
	s := openTestStore(t)
	issuer := ticket.NewIssuer(s, time.UTC, nil)
	ctx := context.Background()

	for i := 1; i <= 7; i++ {
		n, err := issuer.Issue(ctx, ticket.KindSale, jan20)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("V-20250120-%04d", i), n.String())
	}
	ret, err := issuer.Issue(ctx, ticket.KindReturn, jan20)
	require.NoError(t, err)
	assert.Equal(t, "R-20250120-0001", ret.String())
}

func TestTicketCounterConcurrent(t *testing.T) {
	s := openTestStore(t)
	issuer := ticket.NewIssuer(s, time.UTC, nil)

	const m = 50
	var mu sync.Mutex
	seen := make(map[string]struct{}, m)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < m; i++ {
		g.Go(func() error {
			n, err := issuer.Issue(ctx, ticket.KindSale, jan20)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			seen[n.String()] = struct{}{}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, seen, m)
	assert.Contains(t, seen, fmt.Sprintf("V-20250120-%04d", m))
}

func TestCreateSaleAndReturn(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSale(ctx, sale("s1", "V-20250120-0001", 3, jan20))
	require.NoError(t, err)

	_, err = s.CreateSale(ctx, sale("s2", "V-20250120-0001", 1, jan20))
	assert.ErrorIs(t, err, store.ErrDuplicateTicket)

	_, err = s.CreateSale(ctx, sale("s3", "V-20250120-0002", 50, jan20))
	assert.ErrorIs(t, err, store.ErrInsufficientStock)

	stock, err := s.GetStock(ctx, "SKU-CAFE-01")
	require.NoError(t, err)
	assert.Equal(t, 17, stock)

	found, err := s.FindSaleByTicket(ctx, "V-20250120-0001")
	require.NoError(t, err)
	assert.Equal(t, "s1", found.ID)
	require.Len(t, found.Items, 1)
	assert.Equal(t, 3, found.Items[0].Qty)
	assert.True(t, found.CreatedAt.Equal(jan20))

	ret := domain.Return{
		ID:             "r1",
		TicketNumber:   "R-20250120-0001",
		SaleID:         "s1",
		OriginalTicket: "V-20250120-0001",
		TerminalID:     "T1",
		Reason:         "damaged",
		RefundCents:    778,
		Items:          []domain.ReturnLine{{SKU: "SKU-CAFE-01", Qty: 2, UnitPriceCents: 389}},
		CreatedAt:      jan20.Add(time.Hour),
	}
	_, err = s.CreateReturn(ctx, ret)
	require.NoError(t, err)

	returned, err := s.GetReturnedQty(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"SKU-CAFE-01": 2}, returned)

	over := ret
	over.ID, over.TicketNumber = "r2", "R-20250120-0002"
	_, err = s.CreateReturn(ctx, over)
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)

	stock, err = s.GetStock(ctx, "SKU-CAFE-01")
	require.NoError(t, err)
	assert.Equal(t, 19, stock)

	foundRet, err := s.FindReturnByTicket(ctx, "R-20250120-0001")
	require.NoError(t, err)
	assert.Equal(t, "damaged", foundRet.Reason)
	require.Len(t, foundRet.Items, 1)
}

func TestSearchTickets(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i, number := range []string{"V-20250120-0001", "V-20250120-0002", "V-20250121-0001"} {
		_, err := s.CreateSale(ctx, sale(number, number, 1, jan20.Add(time.Duration(i)*12*time.Hour)))
		require.NoError(t, err)
	}

	rows, err := s.SearchTickets(ctx, domain.TicketFilter{Query: "V-20250120"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "V-20250120-0002", rows[0].TicketNumber)
	assert.Equal(t, "sale", rows[0].Kind)

	rows, err = s.SearchTickets(ctx, domain.TicketFilter{Query: "v-20250120"})
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = s.SearchTickets(ctx, domain.TicketFilter{Kind: "return"})
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = s.SearchTickets(ctx, domain.TicketFilter{From: jan20.Add(time.Hour), To: jan20.Add(48 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	// From is inclusive, To exclusive.
	rows, err = s.SearchTickets(ctx, domain.TicketFilter{From: jan20, To: jan20.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	rows, err = s.SearchTickets(ctx, domain.TicketFilter{From: jan20.Add(24 * time.Hour), To: jan20.Add(25 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "V-20250121-0001", rows[0].TicketNumber)

	sales, err := s.ListSalesBetween(ctx, jan20, jan20.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, sales, 2)
	assert.Equal(t, "V-20250120-0001", sales[0].TicketNumber)
	assert.Len(t, sales[0].Items, 1)
}

func TestBackfillLegacySales(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"legacy-b", "legacy-a", "legacy-c"} {
		at := jan20.Add(time.Duration(i) * time.Minute)
		if id == "legacy-c" {
			at = jan20.AddDate(0, 0, 1)
		}
		_, err := s.DB().ExecContext(ctx, `
			INSERT INTO sales (id, ticket_number, terminal_id, payment_method, subtotal_cents, total_cents, created_at)
			VALUES (?, NULL, 'T1', 'cash', 100, 100, ?)
		`, id, at.UnixMilli())
		require.NoError(t, err)
	}

	issuer := ticket.NewIssuer(s, time.UTC, nil)
	n, err := issuer.Backfill(ctx, s, ticket.KindSale)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for number, id := range map[string]string{
		"V-20250120-0001": "legacy-b",
		"V-20250120-0002": "legacy-a",
		"V-20250121-0001": "legacy-c",
	} {
		found, err := s.FindSaleByTicket(ctx, number)
		require.NoError(t, err)
		assert.Equal(t, id, found.ID)
	}

	n, err = issuer.Backfill(ctx, s, ticket.KindSale)
	require.NoError(t, err)
	assert.Zero(t, n)

	next, err := issuer.Issue(ctx, ticket.KindSale, jan20)
	require.NoError(t, err)
	assert.Equal(t, "V-20250120-0003", next.String())
}

func TestAssignTicketNumberRejectsTakenNumber(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.CreateSale(ctx, sale("s1", "V-20250120-0001", 1, jan20))
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, `
		INSERT INTO sales (id, ticket_number, terminal_id, payment_method, subtotal_cents, total_cents, created_at)
		VALUES ('legacy', NULL, 'T1', 'cash', 100, 100, ?)
	`, jan20.UnixMilli())
	require.NoError(t, err)

	_, err = s.AssignTicketNumber(ctx, ticket.KindSale, "legacy", "V-20250120-0001")
	assert.ErrorIs(t, err, store.ErrDuplicateTicket)

	ok, err := s.AssignTicketNumber(ctx, ticket.KindSale, "legacy", "V-20250120-0002")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AssignTicketNumber(ctx, ticket.KindSale, "legacy", "V-20250120-0003")
	require.NoError(t, err)
	assert.False(t, ok)
}
