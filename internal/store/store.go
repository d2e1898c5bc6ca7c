package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"gestionpro/backend/internal/domain"
	"gestionpro/backend/internal/ticket"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	// ErrDuplicateTicket is returned when a ticket number is already
	// registered; callers retry with a freshly issued number.
	ErrDuplicateTicket = ticket.ErrDuplicate
)

// DefaultSearchLimit caps ticket searches without an explicit limit.
const DefaultSearchLimit = 100

type Repository interface {
	ticket.CounterStore
	ticket.BackfillStore

	ListProducts(ctx context.Context) ([]domain.ProductStock, error)
	CreateProduct(ctx context.Context, product domain.Product, initialStock int) (*domain.Product, error)
	// GetProductByCode matches a clean barcode against SKU or barcode.
	GetProductByCode(ctx context.Context, code string) (*domain.Product, error)
	GetStock(ctx context.Context, sku string) (int, error)
	SetStock(ctx context.Context, sku string, qty int) error

	// CreateSale registers the ticket number, stores the sale and takes its
	// lines out of stock in one transaction.
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	// CreateReturn registers the ticket number, stores the return and puts
	// its lines back in stock in one transaction.
	CreateReturn(ctx context.Context, ret domain.Return) (*domain.Return, error)
	GetReturnedQty(ctx context.Context, saleID string) (map[string]int, error)

	FindSaleByTicket(ctx context.Context, number string) (*domain.Sale, error)
	FindReturnByTicket(ctx context.Context, number string) (*domain.Return, error)
	SearchTickets(ctx context.Context, filter domain.TicketFilter) ([]domain.TicketSummary, error)
	ListSalesBetween(ctx context.Context, from, to time.Time) ([]domain.Sale, error)
	ListReturnsBetween(ctx context.Context, from, to time.Time) ([]domain.Return, error)

	Close() error
}

// CheckSale enforces the invariants every backend relies on before writing.
func CheckSale(sale domain.Sale) error {
	if sale.ID == "" || !hasKind(sale.TicketNumber, ticket.KindSale) || len(sale.Items) == 0 {
		return ErrInvalidTransaction
	}
	for _, item := range sale.Items {
		if item.SKU == "" || item.Qty < 1 || item.UnitPriceCents < 0 {
			return ErrInvalidTransaction
		}
	}
	return nil
}

func CheckReturn(ret domain.Return) error {
	if ret.ID == "" || ret.SaleID == "" || !hasKind(ret.TicketNumber, ticket.KindReturn) || len(ret.Items) == 0 {
		return ErrInvalidTransaction
	}
	for _, item := range ret.Items {
		if item.SKU == "" || item.Qty < 1 || item.UnitPriceCents < 0 {
			return ErrInvalidTransaction
		}
	}
	return nil
}

func hasKind(number string, kind ticket.Kind) bool {
	n, err := ticket.Parse(number)
	return err == nil && n.Kind == kind
}

// LikePrefix escapes a ticket query for a LIKE 'prefix%' match. Ticket
// numbers never contain LIKE wildcards, so anything that does matches nothing.
func LikePrefix(query string) string {
	if strings.ContainsAny(query, `%_\`) {
		return "\x00"
	}
	return query + "%"
}
