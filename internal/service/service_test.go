package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gestionpro/backend/internal/barcode"
	"gestionpro/backend/internal/domain"
	"gestionpro/backend/internal/store"
	"gestionpro/backend/internal/store/memory"
)

var jan20 = time.Date(2025, 1, 20, 14, 30, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T) (*Service, *memory.Store, *clock) {
	t.Helper()
	repo := memory.NewSeeded()
	clk := &clock{now: jan20}
	svc := New(repo, Options{Location: time.UTC, Now: clk.Now})
	return svc, repo, clk
}

func TestScanAddsKnownProduct(t *testing.T) {
	svc, _, _ := newTestService(t)

	resp, err := svc.Scan(context.Background(), domain.ScanRequest{TerminalID: "T1", Raw: "3228881010417\r\n"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	got := resp.Results[0]
	assert.Equal(t, domain.ScanStatusAdded, got.Status)
	assert.Equal(t, "SKU-CAFE-01", got.Product.SKU)
	assert.Equal(t, 1, got.Qty)
	assert.Equal(t, 50, got.Stock)
	assert.Empty(t, resp.Hint)
}

func TestScanSuppressesDoubleTrigger(t *testing.T) {
	svc, _, clk := newTestService(t)
	ctx := context.Background()

	_, err := svc.Scan(ctx, domain.ScanRequest{TerminalID: "T1", Raw: "3228881010417"})
	require.NoError(t, err)

	clk.Advance(200 * time.Millisecond)
	resp, err := svc.Scan(ctx, domain.ScanRequest{TerminalID: "T1", Raw: "3228881010417"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, domain.ScanStatusDuplicate, resp.Results[0].Status)

	// Another terminal has its own session.
	resp, err = svc.Scan(ctx, domain.ScanRequest{TerminalID: "T2", Raw: "3228881010417"})
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusAdded, resp.Results[0].Status)

	clk.Advance(time.Second)
	resp, err = svc.Scan(ctx, domain.ScanRequest{TerminalID: "T1", Raw: "3228881010417"})
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusAdded, resp.Results[0].Status)
}

func TestScanReportsNotFoundAndOutOfStock(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, repo.SetStock(ctx, "SKU-LAIT-01", 0))

	resp, err := svc.Scan(ctx, domain.ScanRequest{TerminalID: "T1", Raw: "9999999999999"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, domain.ScanStatusNotFound, resp.Results[0].Status)
	assert.Nil(t, resp.Results[0].Product)

	resp, err = svc.Scan(ctx, domain.ScanRequest{TerminalID: "T1", Raw: "3428273980046"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, domain.ScanStatusOutOfStock, resp.Results[0].Status)
	assert.Zero(t, resp.Results[0].Qty)
}

func TestScanConcatenatedBurst(t *testing.T) {
	svc, _, _ := newTestService(t)

	resp, err := svc.Scan(context.Background(), domain.ScanRequest{
		TerminalID: "T1",
		Raw:        "32288810104173428273980046",
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "SKU-CAFE-01", resp.Results[0].Product.SKU)
	assert.Equal(t, "SKU-LAIT-01", resp.Results[1].Product.SKU)
}

func TestScanUnreadableBurstGivesHint(t *testing.T) {
	svc, _, _ := newTestService(t)

	resp, err := svc.Scan(context.Background(), domain.ScanRequest{TerminalID: "T1", Raw: "ab"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Equal(t, 1, resp.Rejected)
	assert.NotEmpty(t, resp.Hint)
}

func TestScanUsesWindowFactoryOncePerTerminal(t *testing.T) {
	repo := memory.NewSeeded()
	calls := map[string]int{}
	svc := New(repo, Options{
		Location: time.UTC,
		Windows: func(terminalID string) barcode.Window {
			calls[terminalID]++
			return barcode.NewMemoryWindow(time.Second)
		},
	})

	for i := 0; i < 3; i++ {
		_, err := svc.Scan(context.Background(), domain.ScanRequest{Raw: "3228881010417"})
		require.NoError(t, err)
	}
	assert.Equal(t, map[string]int{"POS-1": 1}, calls)
}

type countingCache struct {
	mu     sync.Mutex
	values map[string]*domain.Product
	hits   int
}

func (c *countingCache) Get(_ context.Context, code string) (*domain.Product, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.values[code]
	if ok {
		c.hits++
	}
	return p, ok, nil
}

func (c *countingCache) Set(_ context.Context, code string, value *domain.Product, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[code] = value
	return nil
}

func (c *countingCache) Delete(_ context.Context, codes ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, code := range codes {
		delete(c.values, code)
	}
	return nil
}

func TestScanReadsThroughProductCache(t *testing.T) {
	repo := memory.NewSeeded()
	clk := &clock{now: jan20}
	products := &countingCache{values: map[string]*domain.Product{}}
	svc := New(repo, Options{Location: time.UTC, Now: clk.Now, ProductCache: products})
	ctx := context.Background()

	_, err := svc.Scan(ctx, domain.ScanRequest{Raw: "3228881010417"})
	require.NoError(t, err)
	clk.Advance(2 * time.Second)
	resp, err := svc.Scan(ctx, domain.ScanRequest{Raw: "3228881010417"})
	require.NoError(t, err)

	assert.Equal(t, domain.ScanStatusAdded, resp.Results[0].Status)
	assert.Equal(t, 1, products.hits)
	assert.Contains(t, products.values, "3228881010417")
}

func TestCreateProductMakesItScannable(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{
		SKU: " sku-sel-01 ", Barcode: "3183280017107", Name: "Sel fin", Category: "epicerie", PriceCents: 89, InitialStock: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, "SKU-SEL-01", created.SKU)

	resp, err := svc.Scan(ctx, domain.ScanRequest{Raw: "3183280017107"})
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusAdded, resp.Results[0].Status)
	assert.Equal(t, 4, resp.Results[0].Stock)

	_, err = svc.CreateProduct(ctx, domain.ProductCreateRequest{SKU: "X", Barcode: "a", Name: "x", Category: "y"})
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)

	assert.ErrorIs(t, svc.SetStock(ctx, "sku-inconnu", domain.StockSetRequest{Qty: 1}), store.ErrNotFound)
	require.NoError(t, svc.SetStock(ctx, "sku-sel-01", domain.StockSetRequest{Qty: 9}))

	products, err := svc.ListProducts(ctx)
	require.NoError(t, err)
	for _, p := range products {
		if strings.EqualFold(p.SKU, "SKU-SEL-01") {
			assert.Equal(t, 9, p.Stock)
		}
	}
}
