package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"gestionpro/backend/internal/barcode"
	"gestionpro/backend/internal/cache"
	"gestionpro/backend/internal/domain"
	"gestionpro/backend/internal/store"
	"gestionpro/backend/internal/ticket"
)

// WindowFactory builds the dedup window of a terminal's sales session.
type WindowFactory func(terminalID string) barcode.Window

type Options struct {
	// Location is the shop time zone. Ticket days and journal days use it.
	Location        *time.Location
	ProductCache    cache.ProductCache
	ProductCacheTTL time.Duration
	DedupWindow     time.Duration
	Windows         WindowFactory
	DefaultTerminal string
	Logger          *zap.Logger
	Now             func() time.Time
}

type Service struct {
	repo            store.Repository
	issuer          *ticket.Issuer
	products        cache.ProductCache
	productTTL      time.Duration
	windows         WindowFactory
	defaultTerminal string
	logger          *zap.Logger
	now             func() time.Time

	mu       sync.Mutex
	sessions map[string]*barcode.Pipeline
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.ProductCache == nil {
		opts.ProductCache = cache.NoopProductCache{}
	}
	if opts.ProductCacheTTL <= 0 {
		opts.ProductCacheTTL = time.Minute
	}
	if opts.Windows == nil {
		span := opts.DedupWindow
		opts.Windows = func(string) barcode.Window {
			return barcode.NewMemoryWindow(span)
		}
	}
	if opts.DefaultTerminal == "" {
		opts.DefaultTerminal = "POS-1"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		repo:            repo,
		issuer:          ticket.NewIssuer(repo, opts.Location, opts.Logger.Named("ticket")),
		products:        opts.ProductCache,
		productTTL:      opts.ProductCacheTTL,
		windows:         opts.Windows,
		defaultTerminal: opts.DefaultTerminal,
		logger:          opts.Logger,
		now:             opts.Now,
		sessions:        make(map[string]*barcode.Pipeline),
	}
}

func (s *Service) Location() *time.Location {
	return s.issuer.Location()
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.ProductStock, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	req.Barcode = strings.TrimSpace(req.Barcode)

	if req.SKU == "" || req.Name == "" || req.Category == "" {
		return domain.Product{}, store.ErrInvalidTransaction
	}
	if req.PriceCents < 0 || req.InitialStock < 0 {
		return domain.Product{}, store.ErrInvalidTransaction
	}
	if req.Barcode != "" {
		// Products are found by what the scanner produces, so the stored
		// barcode must already be in clean form.
		clean := barcode.CleanAndValidate(req.Barcode)
		if clean == "" {
			return domain.Product{}, store.ErrInvalidTransaction
		}
		req.Barcode = clean
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		SKU:        req.SKU,
		Barcode:    req.Barcode,
		Name:       req.Name,
		Category:   req.Category,
		PriceCents: req.PriceCents,
		Active:     true,
	}, req.InitialStock)
	if err != nil {
		return domain.Product{}, err
	}

	codes := []string{created.SKU}
	if created.Barcode != "" {
		codes = append(codes, created.Barcode)
	}
	if err := s.products.Delete(ctx, codes...); err != nil {
		s.logger.Warn("product cache invalidation failed", zap.String("sku", created.SKU), zap.Error(err))
	}

	s.logger.Info("product created",
		zap.String("sku", created.SKU),
		zap.Int64("price_cents", created.PriceCents),
		zap.Int("initial_stock", req.InitialStock))
	return *created, nil
}

func (s *Service) SetStock(ctx context.Context, sku string, req domain.StockSetRequest) error {
	sku = strings.ToUpper(strings.TrimSpace(sku))
	if sku == "" || req.Qty < 0 {
		return store.ErrInvalidTransaction
	}
	if err := s.repo.SetStock(ctx, sku, req.Qty); err != nil {
		return err
	}
	s.logger.Info("stock set", zap.String("sku", sku), zap.Int("qty", req.Qty))
	return nil
}

// lookupProduct resolves a clean code through the cache. Misses are not
// cached so new products become scannable at once.
func (s *Service) lookupProduct(ctx context.Context, code string) (*domain.Product, error) {
	if cached, ok, err := s.products.Get(ctx, code); err != nil {
		s.logger.Warn("product cache read failed", zap.String("code", code), zap.Error(err))
	} else if ok {
		return cached, nil
	}

	product, err := s.repo.GetProductByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.products.Set(ctx, code, product, s.productTTL); err != nil {
		s.logger.Warn("product cache write failed", zap.String("code", code), zap.Error(err))
	}
	return product, nil
}

func (s *Service) terminal(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return s.defaultTerminal
	}
	return id
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
