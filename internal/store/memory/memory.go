package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"gestionpro/backend/internal/domain"
	"gestionpro/backend/internal/store"
	"gestionpro/backend/internal/ticket"
)

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	barcodes        map[string]string
	stock           map[string]int
	salesByID       map[string]*domain.Sale
	saleOrder       []string
	returnsByID     map[string]*domain.Return
	returnOrder     []string
	counters        map[string]int
	issuedTickets   map[string]string
	returnedBySales map[string]map[string]int
}

func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		barcodes:        make(map[string]string),
		stock:           make(map[string]int),
		salesByID:       make(map[string]*domain.Sale),
		returnsByID:     make(map[string]*domain.Return),
		counters:        make(map[string]int),
		issuedTickets:   make(map[string]string),
		returnedBySales: make(map[string]map[string]int),
	}
}

// NewSeeded returns a store with a small demo catalogue.
func NewSeeded() *Store {
	s := New()
	for _, p := range []domain.Product{
		{SKU: "SKU-CAFE-01", Barcode: "3228881010417", Name: "Café moulu 250g", Category: "epicerie", PriceCents: 389, Active: true},
		{SKU: "SKU-LAIT-01", Barcode: "3428273980046", Name: "Lait demi-écrémé 1L", Category: "cremerie", PriceCents: 115, Active: true},
		{SKU: "SKU-PAIN-01", Barcode: "3270190207924", Name: "Pain de mie", Category: "boulangerie", PriceCents: 209, Active: true},
		{SKU: "SKU-EAU-01", Barcode: "3057640257773", Name: "Eau minérale 1,5L", Category: "boissons", PriceCents: 65, Active: true},
		{SKU: "SKU-PILE-01", Barcode: "5000394023963", Name: "Piles AA x4", Category: "bazar", PriceCents: 599, Active: true},
		{SKU: "SKU-STYLO-01", Barcode: "3086123309634", Name: "Stylo bille bleu", Category: "papeterie", PriceCents: 150, Active: true},
	} {
		s.products[p.SKU] = p
		s.barcodes[p.Barcode] = p.SKU
		s.stock[p.SKU] = 50
	}
	return s
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.ProductStock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ProductStock, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		out = append(out, domain.ProductStock{Product: p, Stock: s.stock[p.SKU]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product, initialStock int) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.PriceCents < 0 || initialStock < 0 {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.SKU]; exists {
		return nil, store.ErrInvalidTransaction
	}
	if product.Barcode != "" {
		if _, exists := s.barcodes[product.Barcode]; exists {
			return nil, store.ErrInvalidTransaction
		}
		s.barcodes[product.Barcode] = product.SKU
	}
	product.Active = true
	s.products[product.SKU] = product
	s.stock[product.SKU] = initialStock

	created := product
	return &created, nil
}

func (s *Store) GetProductByCode(_ context.Context, code string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sku, ok := s.barcodes[code]; ok {
		if p, ok := s.products[sku]; ok && p.Active {
			return &p, nil
		}
	}
	for sku, p := range s.products {
		if p.Active && strings.EqualFold(sku, code) {
			return &p, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetStock(_ context.Context, sku string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.products[sku]; !ok {
		return 0, store.ErrNotFound
	}
	return s.stock[sku], nil
}

func (s *Store) SetStock(_ context.Context, sku string, qty int) error {
	if qty < 0 {
		return store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[sku]; !ok {
		return store.ErrNotFound
	}
	s.stock[sku] = qty
	return nil
}

func (s *Store) NextTicketCounter(_ context.Context, day string, kind ticket.Kind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := counterKey(day, kind)
	s.counters[key]++
	return s.counters[key], nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if err := store.CheckSale(sale); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.issuedTickets[sale.TicketNumber]; taken {
		return nil, store.ErrDuplicateTicket
	}
	if _, exists := s.salesByID[sale.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}

	needed := make(map[string]int, len(sale.Items))
	for _, item := range sale.Items {
		if _, ok := s.products[item.SKU]; !ok {
			return nil, store.ErrInvalidTransaction
		}
		needed[item.SKU] += item.Qty
	}
	for sku, qty := range needed {
		if s.stock[sku] < qty {
			return nil, store.ErrInsufficientStock
		}
	}
	for sku, qty := range needed {
		s.stock[sku] -= qty
	}

	stored := cloneSale(sale)
	s.salesByID[sale.ID] = &stored
	s.saleOrder = append(s.saleOrder, sale.ID)
	s.issuedTickets[sale.TicketNumber] = sale.ID

	created := cloneSale(stored)
	return &created, nil
}

func (s *Store) CreateReturn(_ context.Context, ret domain.Return) (*domain.Return, error) {
	if err := store.CheckReturn(ret); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.issuedTickets[ret.TicketNumber]; taken {
		return nil, store.ErrDuplicateTicket
	}
	sale, ok := s.salesByID[ret.SaleID]
	if !ok {
		return nil, store.ErrNotFound
	}

	sold := make(map[string]int, len(sale.Items))
	for _, item := range sale.Items {
		sold[item.SKU] += item.Qty
	}
	already := s.returnedBySales[ret.SaleID]
	requested := make(map[string]int, len(ret.Items))
	for _, item := range ret.Items {
		requested[item.SKU] += item.Qty
	}
	for sku, qty := range requested {
		if already[sku]+qty > sold[sku] {
			return nil, store.ErrInvalidTransaction
		}
	}

	if already == nil {
		already = make(map[string]int, len(requested))
		s.returnedBySales[ret.SaleID] = already
	}
	for sku, qty := range requested {
		already[sku] += qty
		s.stock[sku] += qty
	}

	stored := cloneReturn(ret)
	s.returnsByID[ret.ID] = &stored
	s.returnOrder = append(s.returnOrder, ret.ID)
	s.issuedTickets[ret.TicketNumber] = ret.ID

	created := cloneReturn(stored)
	return &created, nil
}

func (s *Store) GetReturnedQty(_ context.Context, saleID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]int)
	for sku, qty := range s.returnedBySales[saleID] {
		result[sku] = qty
	}
	return result, nil
}

func (s *Store) FindSaleByTicket(_ context.Context, number string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.saleOrder {
		sale := s.salesByID[id]
		if sale.TicketNumber == number {
			found := cloneSale(*sale)
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) FindReturnByTicket(_ context.Context, number string) (*domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.returnOrder {
		ret := s.returnsByID[id]
		if ret.TicketNumber == number {
			found := cloneReturn(*ret)
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) SearchTickets(_ context.Context, filter domain.TicketFilter) ([]domain.TicketSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.TicketSummary, 0, 32)
	if filter.Kind == "" || filter.Kind == string(ticket.KindSale) {
		for _, id := range s.saleOrder {
			sale := s.salesByID[id]
			row := domain.TicketSummary{
				TicketNumber: sale.TicketNumber,
				Kind:         string(ticket.KindSale),
				RecordID:     sale.ID,
				TerminalID:   sale.TerminalID,
				AmountCents:  sale.TotalCents,
				CreatedAt:    sale.CreatedAt,
			}
			if matches(row, filter) {
				out = append(out, row)
			}
		}
	}
	if filter.Kind == "" || filter.Kind == string(ticket.KindReturn) {
		for _, id := range s.returnOrder {
			ret := s.returnsByID[id]
			row := domain.TicketSummary{
				TicketNumber: ret.TicketNumber,
				Kind:         string(ticket.KindReturn),
				RecordID:     ret.ID,
				TerminalID:   ret.TerminalID,
				AmountCents:  ret.RefundCents,
				CreatedAt:    ret.CreatedAt,
			}
			if matches(row, filter) {
				out = append(out, row)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].TicketNumber > out[j].TicketNumber
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = store.DefaultSearchLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListSalesBetween(_ context.Context, from, to time.Time) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Sale, 0, 32)
	for _, id := range s.saleOrder {
		sale := s.salesByID[id]
		if inRange(sale.CreatedAt, from, to) {
			out = append(out, cloneSale(*sale))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListReturnsBetween(_ context.Context, from, to time.Time) ([]domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Return, 0, 8)
	for _, id := range s.returnOrder {
		ret := s.returnsByID[id]
		if inRange(ret.CreatedAt, from, to) {
			out = append(out, cloneReturn(*ret))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListUnnumbered(_ context.Context, kind ticket.Kind) ([]ticket.Legacy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ticket.Legacy, 0)
	switch kind {
	case ticket.KindSale:
		for i, id := range s.saleOrder {
			if sale := s.salesByID[id]; sale.TicketNumber == "" {
				out = append(out, ticket.Legacy{ID: id, Row: int64(i + 1), CreatedAt: sale.CreatedAt})
			}
		}
	case ticket.KindReturn:
		for i, id := range s.returnOrder {
			if ret := s.returnsByID[id]; ret.TicketNumber == "" {
				out = append(out, ticket.Legacy{ID: id, Row: int64(i + 1), CreatedAt: ret.CreatedAt})
			}
		}
	default:
		return nil, ticket.ErrUnknownKind
	}
	return out, nil
}

func (s *Store) AssignTicketNumber(_ context.Context, kind ticket.Kind, id string, number string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current *string
	switch kind {
	case ticket.KindSale:
		sale, ok := s.salesByID[id]
		if !ok {
			return false, store.ErrNotFound
		}
		current = &sale.TicketNumber
	case ticket.KindReturn:
		ret, ok := s.returnsByID[id]
		if !ok {
			return false, store.ErrNotFound
		}
		current = &ret.TicketNumber
	default:
		return false, ticket.ErrUnknownKind
	}

	if *current != "" {
		return false, nil
	}
	if _, taken := s.issuedTickets[number]; taken {
		return false, store.ErrDuplicateTicket
	}
	*current = number
	s.issuedTickets[number] = id
	return true, nil
}

// ImportLegacySale stores a sale recorded before ticket numbering, leaving
// stock untouched.
func (s *Store) ImportLegacySale(sale domain.Sale) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale.TicketNumber = ""
	stored := cloneSale(sale)
	s.salesByID[sale.ID] = &stored
	s.saleOrder = append(s.saleOrder, sale.ID)
}

func matches(row domain.TicketSummary, filter domain.TicketFilter) bool {
	if row.TicketNumber == "" {
		return false
	}
	if filter.Query != "" && !strings.HasPrefix(row.TicketNumber, filter.Query) {
		return false
	}
	return inRange(row.CreatedAt, filter.From, filter.To)
}

func inRange(at, from, to time.Time) bool {
	if !from.IsZero() && at.Before(from) {
		return false
	}
	if !to.IsZero() && !at.Before(to) {
		return false
	}
	return true
}

func counterKey(day string, kind ticket.Kind) string {
	return day + "|" + string(kind)
}

func cloneSale(sale domain.Sale) domain.Sale {
	sale.Items = append([]domain.SaleLine(nil), sale.Items...)
	return sale
}

func cloneReturn(ret domain.Return) domain.Return {
	ret.Items = append([]domain.ReturnLine(nil), ret.Items...)
	return ret
}
