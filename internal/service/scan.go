package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"gestionpro/backend/internal/barcode"
	"gestionpro/backend/internal/domain"
)

const (
	hintUnreadable = "Scan illisible, veuillez réessayer"
	msgNotFound    = "Produit introuvable"
	msgOutOfStock  = "Rupture de stock"
	msgDuplicate   = "Scan en double ignoré"
)

// session returns the pipeline of a terminal, creating it on first use.
func (s *Service) session(terminalID string) *barcode.Pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.sessions[terminalID]
	if !ok {
		p = barcode.NewPipeline(s.windows(terminalID), s.logger.Named("barcode").With(zap.String("terminal_id", terminalID)))
		s.sessions[terminalID] = p
	}
	return p
}

// Scan runs one keystroke burst through the terminal's pipeline and resolves
// every admitted code against the catalogue. Unknown and out-of-stock
// products are outcomes, not errors.
func (s *Service) Scan(ctx context.Context, req domain.ScanRequest) (domain.ScanResponse, error) {
	terminalID := s.terminal(req.TerminalID)
	now := s.now()
	if req.ScannedAt != nil && !req.ScannedAt.IsZero() {
		now = *req.ScannedAt
	}

	res, err := s.session(terminalID).Ingest(ctx, req.Raw, now)
	if err != nil {
		return domain.ScanResponse{}, err
	}

	resp := domain.ScanResponse{
		Results:  make([]domain.ScanResult, 0, len(res.Admitted)+len(res.Suppressed)),
		Rejected: res.Rejected,
	}
	for _, code := range res.Admitted {
		result, err := s.resolve(ctx, code)
		if err != nil {
			return domain.ScanResponse{}, fmt.Errorf("resolve %s: %w", code, err)
		}
		resp.Results = append(resp.Results, result)
	}
	for _, code := range res.Suppressed {
		resp.Results = append(resp.Results, domain.ScanResult{
			Code:    code,
			Status:  domain.ScanStatusDuplicate,
			Message: msgDuplicate,
		})
	}
	if res.Empty() {
		resp.Hint = hintUnreadable
	}
	return resp, nil
}

func (s *Service) resolve(ctx context.Context, code string) (domain.ScanResult, error) {
	product, err := s.lookupProduct(ctx, code)
	if isNotFound(err) {
		return domain.ScanResult{Code: code, Status: domain.ScanStatusNotFound, Message: msgNotFound}, nil
	}
	if err != nil {
		return domain.ScanResult{}, err
	}

	stock, err := s.repo.GetStock(ctx, product.SKU)
	if err != nil && !isNotFound(err) {
		return domain.ScanResult{}, err
	}
	if stock <= 0 {
		return domain.ScanResult{
			Code:    code,
			Status:  domain.ScanStatusOutOfStock,
			Product: product,
			Message: msgOutOfStock,
		}, nil
	}
	return domain.ScanResult{
		Code:    code,
		Status:  domain.ScanStatusAdded,
		Product: product,
		Qty:     1,
		Stock:   stock,
	}, nil
}
