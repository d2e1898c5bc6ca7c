package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"gestionpro/backend/internal/domain"
	"gestionpro/backend/internal/store"
	"gestionpro/backend/internal/ticket"
)

const maxSearchLimit = 500

func (s *Service) LookupTicket(ctx context.Context, number string) (domain.TicketLookupResponse, error) {
	n, err := ticket.Parse(strings.ToUpper(strings.TrimSpace(number)))
	if err != nil {
		return domain.TicketLookupResponse{}, fmt.Errorf("%w: %v", store.ErrInvalidTransaction, err)
	}

	switch n.Kind {
	case ticket.KindSale:
		sale, err := s.repo.FindSaleByTicket(ctx, n.String())
		if err != nil {
			return domain.TicketLookupResponse{}, err
		}
		return domain.TicketLookupResponse{Kind: string(n.Kind), Sale: sale}, nil
	default:
		ret, err := s.repo.FindReturnByTicket(ctx, n.String())
		if err != nil {
			return domain.TicketLookupResponse{}, err
		}
		return domain.TicketLookupResponse{Kind: string(n.Kind), Return: ret}, nil
	}
}

// SearchTickets lists tickets matching filter, newest first.
func (s *Service) SearchTickets(ctx context.Context, filter domain.TicketFilter) (domain.TicketSearchResponse, error) {
	filter.Query = strings.ToUpper(strings.TrimSpace(filter.Query))
	filter.Kind = strings.ToLower(strings.TrimSpace(filter.Kind))
	if filter.Kind != "" {
		if _, err := ticket.ParseKind(filter.Kind); err != nil {
			return domain.TicketSearchResponse{}, fmt.Errorf("%w: %v", store.ErrInvalidTransaction, err)
		}
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		return domain.TicketSearchResponse{}, store.ErrInvalidTransaction
	}
	if filter.Limit <= 0 {
		filter.Limit = store.DefaultSearchLimit
	}
	if filter.Limit > maxSearchLimit {
		filter.Limit = maxSearchLimit
	}

	tickets, err := s.repo.SearchTickets(ctx, filter)
	if err != nil {
		return domain.TicketSearchResponse{}, err
	}
	return domain.TicketSearchResponse{Tickets: tickets}, nil
}

// BackfillTickets numbers sales and returns recorded before ticket numbers
// existed. Running it again assigns nothing.
func (s *Service) BackfillTickets(ctx context.Context) (domain.BackfillResponse, error) {
	sales, err := s.issuer.Backfill(ctx, s.repo, ticket.KindSale)
	if err != nil {
		return domain.BackfillResponse{Sales: sales}, err
	}
	returns, err := s.issuer.Backfill(ctx, s.repo, ticket.KindReturn)
	if err != nil {
		return domain.BackfillResponse{Sales: sales, Returns: returns}, err
	}

	s.logger.Info("ticket backfill finished", zap.Int("sales", sales), zap.Int("returns", returns))
	return domain.BackfillResponse{Sales: sales, Returns: returns}, nil
}
