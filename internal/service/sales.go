package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gestionpro/backend/internal/domain"
	"gestionpro/backend/internal/store"
	"gestionpro/backend/internal/ticket"
)

// FinalizeSale prices the cart from the catalogue, checks payment and stores
// the sale under a freshly issued V- ticket number.
func (s *Service) FinalizeSale(ctx context.Context, req domain.SaleRequest) (domain.SaleResponse, error) {
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if req.PaymentMethod == "" {
		req.PaymentMethod = domain.PaymentCash
	}
	if !isSupportedPaymentMethod(req.PaymentMethod) {
		return domain.SaleResponse{}, store.ErrInvalidTransaction
	}
	if req.DiscountCents < 0 || req.CashReceivedCents < 0 {
		return domain.SaleResponse{}, store.ErrInvalidTransaction
	}

	normalized, err := normalizeItems(req.CartItems)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	lines := make([]domain.SaleLine, 0, len(normalized))
	subtotal := int64(0)
	for _, item := range normalized {
		product, err := s.repo.GetProductByCode(ctx, item.SKU)
		if err != nil {
			if isNotFound(err) {
				return domain.SaleResponse{}, store.ErrInvalidTransaction
			}
			return domain.SaleResponse{}, err
		}
		line := domain.SaleLine{SKU: product.SKU, Name: product.Name, Qty: item.Qty, UnitPriceCents: product.PriceCents}
		lines = append(lines, line)
		subtotal += line.TotalCents()
	}

	discount := req.DiscountCents
	if discount > subtotal {
		discount = subtotal
	}
	total := subtotal - discount

	cash, change := int64(0), int64(0)
	switch req.PaymentMethod {
	case domain.PaymentCash:
		if req.CashReceivedCents < total {
			return domain.SaleResponse{}, store.ErrInvalidTransaction
		}
		cash, change = req.CashReceivedCents, req.CashReceivedCents-total
	case domain.PaymentMixed:
		if req.CashReceivedCents < 1 || req.CashReceivedCents >= total {
			return domain.SaleResponse{}, store.ErrInvalidTransaction
		}
		cash = req.CashReceivedCents
	}

	sale := domain.Sale{
		ID:                uuid.NewString(),
		TerminalID:        s.terminal(req.TerminalID),
		PaymentMethod:     req.PaymentMethod,
		SubtotalCents:     subtotal,
		DiscountCents:     discount,
		TotalCents:        total,
		CashReceivedCents: cash,
		ChangeCents:       change,
		Items:             lines,
		CreatedAt:         s.now().UTC(),
	}

	var created *domain.Sale
	number, err := s.issuer.Commit(ctx, ticket.KindSale, sale.CreatedAt, func(n ticket.Number) error {
		sale.TicketNumber = n.String()
		c, err := s.repo.CreateSale(ctx, sale)
		created = c
		return err
	})
	if err != nil {
		if errors.Is(err, ticket.ErrCollision) {
			s.logger.Error("sale not recorded, ticket numbers keep colliding", zap.String("terminal_id", sale.TerminalID))
		}
		return domain.SaleResponse{}, err
	}

	s.logger.Info("sale finalized",
		zap.String("ticket_number", number.String()),
		zap.String("terminal_id", created.TerminalID),
		zap.String("payment_method", created.PaymentMethod),
		zap.Int64("total_cents", created.TotalCents))
	return domain.SaleResponse{Sale: *created}, nil
}

// ProcessReturn takes items back against a sale ticket. Refunds follow the
// prices paid, with any sale discount spread pro rata.
func (s *Service) ProcessReturn(ctx context.Context, req domain.ReturnRequest) (domain.ReturnResponse, error) {
	original, err := ticket.Parse(strings.ToUpper(strings.TrimSpace(req.OriginalTicket)))
	if err != nil || original.Kind != ticket.KindSale {
		return domain.ReturnResponse{}, store.ErrInvalidTransaction
	}
	normalized, err := normalizeItems(req.Items)
	if err != nil {
		return domain.ReturnResponse{}, err
	}

	sale, err := s.repo.FindSaleByTicket(ctx, original.String())
	if err != nil {
		return domain.ReturnResponse{}, err
	}

	purchased := make(map[string]domain.SaleLine, len(sale.Items))
	for _, line := range sale.Items {
		current, ok := purchased[line.SKU]
		if !ok {
			current = line
			current.Qty = 0
		}
		current.Qty += line.Qty
		purchased[line.SKU] = current
	}
	alreadyReturned, err := s.repo.GetReturnedQty(ctx, sale.ID)
	if err != nil {
		return domain.ReturnResponse{}, err
	}

	lines := make([]domain.ReturnLine, 0, len(normalized))
	gross := int64(0)
	for _, item := range normalized {
		bought, ok := purchased[item.SKU]
		if !ok || alreadyReturned[item.SKU]+item.Qty > bought.Qty {
			return domain.ReturnResponse{}, store.ErrInvalidTransaction
		}
		lines = append(lines, domain.ReturnLine{SKU: item.SKU, Qty: item.Qty, UnitPriceCents: bought.UnitPriceCents})
		gross += bought.UnitPriceCents * int64(item.Qty)
	}

	refund := gross
	if sale.DiscountCents > 0 && sale.SubtotalCents > 0 {
		refund = gross * sale.TotalCents / sale.SubtotalCents
	}

	ret := domain.Return{
		ID:             uuid.NewString(),
		SaleID:         sale.ID,
		OriginalTicket: sale.TicketNumber,
		TerminalID:     s.terminal(req.TerminalID),
		Reason:         strings.TrimSpace(req.Reason),
		RefundCents:    refund,
		Items:          lines,
		CreatedAt:      s.now().UTC(),
	}

	var created *domain.Return
	number, err := s.issuer.Commit(ctx, ticket.KindReturn, ret.CreatedAt, func(n ticket.Number) error {
		ret.TicketNumber = n.String()
		c, err := s.repo.CreateReturn(ctx, ret)
		created = c
		return err
	})
	if err != nil {
		return domain.ReturnResponse{}, err
	}

	s.logger.Info("return processed",
		zap.String("ticket_number", number.String()),
		zap.String("original_ticket", created.OriginalTicket),
		zap.Int64("refund_cents", created.RefundCents))
	return domain.ReturnResponse{Return: *created}, nil
}

// normalizeItems merges repeated SKUs, keeping first-seen order.
func normalizeItems(items []domain.CartItem) ([]domain.CartItem, error) {
	index := make(map[string]int, len(items))
	normalized := make([]domain.CartItem, 0, len(items))
	for _, item := range items {
		sku := strings.ToUpper(strings.TrimSpace(item.SKU))
		if sku == "" || item.Qty < 1 {
			return nil, store.ErrInvalidTransaction
		}
		if i, ok := index[sku]; ok {
			normalized[i].Qty += item.Qty
			continue
		}
		index[sku] = len(normalized)
		normalized = append(normalized, domain.CartItem{SKU: sku, Qty: item.Qty})
	}
	if len(normalized) == 0 {
		return nil, fmt.Errorf("%w: empty cart", store.ErrInvalidTransaction)
	}
	return normalized, nil
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentCheck, domain.PaymentMixed:
		return true
	}
	return false
}
