package domain

import "time"

type Product struct {
	SKU        string `json:"sku" db:"sku"`
	Barcode    string `json:"barcode,omitempty" db:"barcode"`
	Name       string `json:"name" db:"name"`
	Category   string `json:"category" db:"category"`
	PriceCents int64  `json:"price_cents" db:"price_cents"`
	Active     bool   `json:"active" db:"active"`
}

type ProductCreateRequest struct {
	SKU          string `json:"sku"`
	Barcode      string `json:"barcode"`
	Name         string `json:"name"`
	Category     string `json:"category"`
	PriceCents   int64  `json:"price_cents"`
	InitialStock int    `json:"initial_stock"`
}

type StockSetRequest struct {
	Qty int `json:"qty"`
}

type ProductStock struct {
	Product
	Stock int `json:"stock" db:"stock"`
}

const (
	ScanStatusAdded      = "added"
	ScanStatusDuplicate  = "duplicate"
	ScanStatusNotFound   = "not_found"
	ScanStatusOutOfStock = "out_of_stock"
)

// ScanRequest carries one keystroke burst forwarded by the cashier UI.
type ScanRequest struct {
	TerminalID string     `json:"terminal_id"`
	Raw        string     `json:"raw"`
	ScannedAt  *time.Time `json:"scanned_at,omitempty"`
}

type ScanResult struct {
	Code    string   `json:"code"`
	Status  string   `json:"status"`
	Product *Product `json:"product,omitempty"`
	Qty     int      `json:"qty,omitempty"`
	Stock   int      `json:"stock,omitempty"`
	Message string   `json:"message,omitempty"`
}

type ScanResponse struct {
	Results  []ScanResult `json:"results"`
	Rejected int          `json:"rejected"`
	Hint     string       `json:"hint,omitempty"`
}

type CartItem struct {
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
}

const (
	PaymentCash  = "cash"
	PaymentCard  = "card"
	PaymentCheck = "check"
	// PaymentMixed takes CashReceivedCents in cash and the rest by card.
	PaymentMixed = "mixed"
)

type SaleRequest struct {
	TerminalID        string     `json:"terminal_id"`
	PaymentMethod     string     `json:"payment_method"`
	CashReceivedCents int64      `json:"cash_received_cents"`
	DiscountCents     int64      `json:"discount_cents"`
	CartItems         []CartItem `json:"cart_items"`
}

type SaleLine struct {
	SKU            string `json:"sku" db:"sku"`
	Name           string `json:"name" db:"name"`
	Qty            int    `json:"qty" db:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents" db:"unit_price_cents"`
}

func (l SaleLine) TotalCents() int64 {
	return l.UnitPriceCents * int64(l.Qty)
}

type Sale struct {
	ID                string     `json:"id"`
	TicketNumber      string     `json:"ticket_number"`
	TerminalID        string     `json:"terminal_id"`
	PaymentMethod     string     `json:"payment_method"`
	SubtotalCents     int64      `json:"subtotal_cents"`
	DiscountCents     int64      `json:"discount_cents"`
	TotalCents        int64      `json:"total_cents"`
	CashReceivedCents int64      `json:"cash_received_cents"`
	ChangeCents       int64      `json:"change_cents"`
	Items             []SaleLine `json:"items"`
	CreatedAt         time.Time  `json:"created_at"`
}

type SaleResponse struct {
	Sale Sale `json:"sale"`
}

type ReturnRequest struct {
	TerminalID     string     `json:"terminal_id"`
	OriginalTicket string     `json:"original_ticket"`
	Reason         string     `json:"reason"`
	Items          []CartItem `json:"items"`
}

type ReturnLine struct {
	SKU            string `json:"sku" db:"sku"`
	Qty            int    `json:"qty" db:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents" db:"unit_price_cents"`
}

type Return struct {
	ID             string       `json:"id"`
	TicketNumber   string       `json:"ticket_number"`
	SaleID         string       `json:"sale_id"`
	OriginalTicket string       `json:"original_ticket"`
	TerminalID     string       `json:"terminal_id"`
	Reason         string       `json:"reason"`
	RefundCents    int64        `json:"refund_cents"`
	Items          []ReturnLine `json:"items"`
	CreatedAt      time.Time    `json:"created_at"`
}

type ReturnResponse struct {
	Return Return `json:"return"`
}

// TicketSummary is one row of a ticket search, sale or return.
type TicketSummary struct {
	TicketNumber string    `json:"ticket_number" db:"ticket_number"`
	Kind         string    `json:"kind" db:"kind"`
	RecordID     string    `json:"record_id" db:"record_id"`
	TerminalID   string    `json:"terminal_id" db:"terminal_id"`
	AmountCents  int64     `json:"amount_cents" db:"amount_cents"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// TicketFilter selects tickets. Query matches a full number exactly or any
// number starting with it (V-20250120 lists that day's sales). From and To
// bound the issue time, To exclusive.
type TicketFilter struct {
	Query string
	Kind  string
	From  time.Time
	To    time.Time
	Limit int
}

type TicketLookupResponse struct {
	Kind   string  `json:"kind"`
	Sale   *Sale   `json:"sale,omitempty"`
	Return *Return `json:"return,omitempty"`
}

type TicketSearchResponse struct {
	Tickets []TicketSummary `json:"tickets"`
}

type BackfillResponse struct {
	Sales   int `json:"sales"`
	Returns int `json:"returns"`
}
