package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gestionpro/backend/internal/domain"
	"gestionpro/backend/internal/service"
	"gestionpro/backend/internal/store/memory"
)

// newTestAPI builds a full API over the seeded in-memory store so handler
// tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, service.Options{Location: time.UTC})
	return New(svc, "*", nil)
}

func doJSON(t *testing.T, h http.Handler, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}
	req := httptest.NewRequest(method, path, &body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), "body: %s", rec.Body.String())
	return out
}

func TestHandleHealth(t *testing.T) {
	h := newTestAPI(t).Handler()

	rec := doJSON(t, h, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, body["ok"])
}

func TestHandleProductsListAndCreate(t *testing.T) {
	h := newTestAPI(t).Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/v1/products", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[struct {
		Products []domain.ProductStock `json:"products"`
	}](t, rec)
	assert.Len(t, list.Products, 6)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/products", domain.ProductCreateRequest{
		SKU: "SKU-SEL-01", Barcode: "3183280017107", Name: "Sel fin", Category: "epicerie", PriceCents: 89, InitialStock: 3,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodPost, "/api/v1/products", domain.ProductCreateRequest{SKU: "X", Name: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/products/SKU-SEL-01/stock", domain.StockSetRequest{Qty: 12})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodPost, "/api/v1/products/SKU-INCONNU/stock", domain.StockSetRequest{Qty: 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/products/SKU-SEL-01/price", domain.StockSetRequest{Qty: 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleScan(t *testing.T) {
	h := newTestAPI(t).Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/scan", domain.ScanRequest{TerminalID: "T1", Raw: "3228881010417\n"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[domain.ScanResponse](t, rec)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, domain.ScanStatusAdded, resp.Results[0].Status)
	assert.Equal(t, "SKU-CAFE-01", resp.Results[0].Product.SKU)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/scan", domain.ScanRequest{TerminalID: "T1", Raw: "3228881010417"})
	resp = decodeBody[domain.ScanResponse](t, rec)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, domain.ScanStatusDuplicate, resp.Results[0].Status)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/scan", domain.ScanRequest{TerminalID: "T1", Raw: "??"})
	resp = decodeBody[domain.ScanResponse](t, rec)
	assert.Empty(t, resp.Results)
	assert.NotEmpty(t, resp.Hint)
}

func TestSaleReturnAndTicketRoutes(t *testing.T) {
	h := newTestAPI(t).Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/sales", domain.SaleRequest{
		TerminalID:        "T1",
		PaymentMethod:     "cash",
		CashReceivedCents: 1000,
		CartItems:         []domain.CartItem{{SKU: "SKU-CAFE-01", Qty: 2}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sale := decodeBody[domain.SaleResponse](t, rec).Sale
	assert.True(t, strings.HasPrefix(sale.TicketNumber, "V-"), sale.TicketNumber)
	assert.Equal(t, int64(778), sale.TotalCents)
	assert.Equal(t, int64(222), sale.ChangeCents)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/tickets/"+sale.TicketNumber, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	lookup := decodeBody[domain.TicketLookupResponse](t, rec)
	assert.Equal(t, "sale", lookup.Kind)
	require.NotNil(t, lookup.Sale)
	assert.Equal(t, sale.ID, lookup.Sale.ID)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/returns", domain.ReturnRequest{
		OriginalTicket: sale.TicketNumber,
		Reason:         "abîmé",
		Items:          []domain.CartItem{{SKU: "SKU-CAFE-01", Qty: 1}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ret := decodeBody[domain.ReturnResponse](t, rec).Return
	assert.True(t, strings.HasPrefix(ret.TicketNumber, "R-"), ret.TicketNumber)
	assert.Equal(t, int64(389), ret.RefundCents)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/tickets?kind=return", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	search := decodeBody[domain.TicketSearchResponse](t, rec)
	require.Len(t, search.Tickets, 1)
	assert.Equal(t, ret.TicketNumber, search.Tickets[0].TicketNumber)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/tickets?q="+strings.ToLower(sale.TicketNumber[:10]), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	search = decodeBody[domain.TicketSearchResponse](t, rec)
	require.Len(t, search.Tickets, 1)
	assert.Equal(t, sale.TicketNumber, search.Tickets[0].TicketNumber)
}

func TestTicketRoutesMapErrors(t *testing.T) {
	h := newTestAPI(t).Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/v1/tickets/V-20250120-0042", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/tickets/pas-un-ticket", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/tickets?kind=avoir", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/tickets?from=20/01/2025", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/tickets?from=2025-01-21&to=2025-01-19", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSaleErrorsMapToStatus(t *testing.T) {
	h := newTestAPI(t).Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/sales", domain.SaleRequest{
		PaymentMethod: "card",
		CartItems:     []domain.CartItem{{SKU: "SKU-CAFE-01", Qty: 51}},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/sales", domain.SaleRequest{PaymentMethod: "card"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/returns", domain.ReturnRequest{
		OriginalTicket: "V-20250120-0001",
		Items:          []domain.CartItem{{SKU: "SKU-CAFE-01", Qty: 1}},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/sales", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleJournal(t *testing.T) {
	h := newTestAPI(t).Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/sales", domain.SaleRequest{
		PaymentMethod: "card",
		CartItems:     []domain.CartItem{{SKU: "SKU-EAU-01", Qty: 1}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodGet, "/api/v1/reports/journal.xlsx", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, xlsxMIME, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "journal-")
	// xlsx files are zip archives.
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")))

	rec = doJSON(t, h, http.MethodGet, "/api/v1/reports/journal.xlsx?date=hier", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
