package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"gestionpro/backend/internal/domain"
	"gestionpro/backend/internal/store"
	"gestionpro/backend/internal/store/migrations"
	"gestionpro/backend/internal/ticket"
)

// Store is the single-station backend. Writes go through one connection, so
// a transaction must never touch s.db directly.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, _, err := migrations.Up(db.DB, migrations.SQLite, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(1)

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for maintenance commands and tests.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

const productColumns = `p.sku, COALESCE(p.barcode, '') AS barcode, p.name, p.category, p.price_cents, p.active`

func (s *Store) ListProducts(ctx context.Context) ([]domain.ProductStock, error) {
	products := make([]domain.ProductStock, 0, 64)
	err := s.db.SelectContext(ctx, &products, `
		SELECT `+productColumns+`, COALESCE(st.qty, 0) AS stock
		FROM products p
		LEFT JOIN stock st ON st.sku = p.sku
		WHERE p.active = 1
		ORDER BY p.category, p.name
	`)
	if err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product, initialStock int) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.PriceCents < 0 || initialStock < 0 {
		return nil, store.ErrInvalidTransaction
	}
	product.Active = true

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (sku, barcode, name, category, price_cents, active, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
	`, product.SKU, nullIfEmpty(product.Barcode), product.Name, product.Category, product.PriceCents, millis(time.Now()))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO stock (sku, qty) VALUES (?, ?)`, product.SKU, initialStock); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) GetProductByCode(ctx context.Context, code string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.GetContext(ctx, &product, `
		SELECT `+productColumns+`
		FROM products p
		WHERE p.active = 1 AND (p.barcode = ? OR UPPER(p.sku) = ?)
		ORDER BY CASE WHEN p.barcode = ? THEN 0 ELSE 1 END
		LIMIT 1
	`, code, strings.ToUpper(code), code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) GetStock(ctx context.Context, sku string) (int, error) {
	var qty int
	err := s.db.GetContext(ctx, &qty, `
		SELECT COALESCE(st.qty, 0)
		FROM products p
		LEFT JOIN stock st ON st.sku = p.sku
		WHERE p.sku = ?
	`, sku)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return qty, nil
}

func (s *Store) SetStock(ctx context.Context, sku string, qty int) error {
	if qty < 0 {
		return store.ErrInvalidTransaction
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO stock (sku, qty)
		SELECT sku, ? FROM products WHERE sku = ?
		ON CONFLICT (sku) DO UPDATE SET qty = excluded.qty
	`, qty, sku)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// NextTicketCounter increments and reads back the (day, kind) counter in a
// single statement.
func (s *Store) NextTicketCounter(ctx context.Context, day string, kind ticket.Kind) (int, error) {
	var value int
	err := s.db.GetContext(ctx, &value, `
		INSERT INTO ticket_counters (day, kind, value)
		VALUES (?, ?, 1)
		ON CONFLICT (day, kind) DO UPDATE SET value = value + 1
		RETURNING value
	`, day, string(kind))
	if err != nil {
		return 0, err
	}
	return value, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if err := store.CheckSale(sale); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := registerTicket(ctx, tx, sale.TicketNumber, ticket.KindSale, sale.ID, sale.CreatedAt); err != nil {
		return nil, err
	}

	needed := make(map[string]int, len(sale.Items))
	for _, item := range sale.Items {
		needed[item.SKU] += item.Qty
	}
	for sku, qty := range needed {
		var available int
		err := tx.GetContext(ctx, &available, `SELECT qty FROM stock WHERE sku = ?`, sku)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrInvalidTransaction
			}
			return nil, err
		}
		if available < qty {
			return nil, store.ErrInsufficientStock
		}
		if _, err := tx.ExecContext(ctx, `UPDATE stock SET qty = qty - ? WHERE sku = ?`, qty, sku); err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (id, ticket_number, terminal_id, payment_method, subtotal_cents, discount_cents,
			total_cents, cash_received_cents, change_cents, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sale.ID, sale.TicketNumber, sale.TerminalID, sale.PaymentMethod, sale.SubtotalCents, sale.DiscountCents,
		sale.TotalCents, sale.CashReceivedCents, sale.ChangeCents, millis(sale.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert sale %s: %w", sale.TicketNumber, store.ErrDuplicateTicket)
		}
		return nil, err
	}
	for i, item := range sale.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, line_no, sku, name, qty, unit_price_cents)
			VALUES (?, ?, ?, ?, ?, ?)
		`, sale.ID, i+1, item.SKU, item.Name, item.Qty, item.UnitPriceCents)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := sale
	created.CreatedAt = fromMillis(millis(sale.CreatedAt))
	return &created, nil
}

func (s *Store) CreateReturn(ctx context.Context, ret domain.Return) (*domain.Return, error) {
	if err := store.CheckReturn(ret); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.GetContext(ctx, &exists, `SELECT COUNT(1) FROM sales WHERE id = ?`, ret.SaleID); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, store.ErrNotFound
	}

	if err := registerTicket(ctx, tx, ret.TicketNumber, ticket.KindReturn, ret.ID, ret.CreatedAt); err != nil {
		return nil, err
	}

	sold, err := qtyBySKU(ctx, tx, `SELECT sku, SUM(qty) AS qty FROM sale_items WHERE sale_id = ? GROUP BY sku`, ret.SaleID)
	if err != nil {
		return nil, err
	}
	already, err := qtyBySKU(ctx, tx, returnedQtyQuery, ret.SaleID)
	if err != nil {
		return nil, err
	}
	requested := make(map[string]int, len(ret.Items))
	for _, item := range ret.Items {
		requested[item.SKU] += item.Qty
	}
	for sku, qty := range requested {
		if already[sku]+qty > sold[sku] {
			return nil, store.ErrInvalidTransaction
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO returns (id, ticket_number, sale_id, original_ticket, terminal_id, reason, refund_cents, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ret.ID, ret.TicketNumber, ret.SaleID, ret.OriginalTicket, ret.TerminalID, ret.Reason, ret.RefundCents, millis(ret.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert return %s: %w", ret.TicketNumber, store.ErrDuplicateTicket)
		}
		return nil, err
	}
	for i, item := range ret.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO return_items (return_id, line_no, sku, qty, unit_price_cents)
			VALUES (?, ?, ?, ?, ?)
		`, ret.ID, i+1, item.SKU, item.Qty, item.UnitPriceCents)
		if err != nil {
			return nil, err
		}
	}
	for sku, qty := range requested {
		if _, err := tx.ExecContext(ctx, `UPDATE stock SET qty = qty + ? WHERE sku = ?`, qty, sku); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := ret
	created.CreatedAt = fromMillis(millis(ret.CreatedAt))
	return &created, nil
}

const returnedQtyQuery = `
	SELECT ri.sku, SUM(ri.qty) AS qty
	FROM return_items ri
	JOIN returns r ON r.id = ri.return_id
	WHERE r.sale_id = ?
	GROUP BY ri.sku
`

func (s *Store) GetReturnedQty(ctx context.Context, saleID string) (map[string]int, error) {
	return qtyBySKU(ctx, s.db, returnedQtyQuery, saleID)
}

type saleRow struct {
	ID                string         `db:"id"`
	TicketNumber      sql.NullString `db:"ticket_number"`
	TerminalID        string         `db:"terminal_id"`
	PaymentMethod     string         `db:"payment_method"`
	SubtotalCents     int64          `db:"subtotal_cents"`
	DiscountCents     int64          `db:"discount_cents"`
	TotalCents        int64          `db:"total_cents"`
	CashReceivedCents int64          `db:"cash_received_cents"`
	ChangeCents       int64          `db:"change_cents"`
	CreatedAt         int64          `db:"created_at"`
}

func (r saleRow) toDomain() domain.Sale {
	return domain.Sale{
		ID:                r.ID,
		TicketNumber:      r.TicketNumber.String,
		TerminalID:        r.TerminalID,
		PaymentMethod:     r.PaymentMethod,
		SubtotalCents:     r.SubtotalCents,
		DiscountCents:     r.DiscountCents,
		TotalCents:        r.TotalCents,
		CashReceivedCents: r.CashReceivedCents,
		ChangeCents:       r.ChangeCents,
		CreatedAt:         fromMillis(r.CreatedAt),
	}
}

type returnRow struct {
	ID             string         `db:"id"`
	TicketNumber   sql.NullString `db:"ticket_number"`
	SaleID         string         `db:"sale_id"`
	OriginalTicket string         `db:"original_ticket"`
	TerminalID     string         `db:"terminal_id"`
	Reason         string         `db:"reason"`
	RefundCents    int64          `db:"refund_cents"`
	CreatedAt      int64          `db:"created_at"`
}

func (r returnRow) toDomain() domain.Return {
	return domain.Return{
		ID:             r.ID,
		TicketNumber:   r.TicketNumber.String,
		SaleID:         r.SaleID,
		OriginalTicket: r.OriginalTicket,
		TerminalID:     r.TerminalID,
		Reason:         r.Reason,
		RefundCents:    r.RefundCents,
		CreatedAt:      fromMillis(r.CreatedAt),
	}
}

const (
	saleColumns = `id, ticket_number, terminal_id, payment_method, subtotal_cents, discount_cents,
		total_cents, cash_received_cents, change_cents, created_at`
	returnColumns = `id, ticket_number, sale_id, original_ticket, terminal_id, reason, refund_cents, created_at`
)

func (s *Store) FindSaleByTicket(ctx context.Context, number string) (*domain.Sale, error) {
	var row saleRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+saleColumns+` FROM sales WHERE ticket_number = ?`, number); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale := row.toDomain()
	if err := s.loadSaleItems(ctx, &sale); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) FindReturnByTicket(ctx context.Context, number string) (*domain.Return, error) {
	var row returnRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+returnColumns+` FROM returns WHERE ticket_number = ?`, number); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	ret := row.toDomain()
	if err := s.loadReturnItems(ctx, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

type summaryRow struct {
	TicketNumber string `db:"ticket_number"`
	Kind         string `db:"kind"`
	RecordID     string `db:"record_id"`
	TerminalID   string `db:"terminal_id"`
	AmountCents  int64  `db:"amount_cents"`
	CreatedAt    int64  `db:"created_at"`
}

func (s *Store) SearchTickets(ctx context.Context, filter domain.TicketFilter) ([]domain.TicketSummary, error) {
	conditions := []string{"ticket_number IS NOT NULL"}
	args := make([]any, 0, 4)
	if filter.Query != "" {
		conditions = append(conditions, "substr(ticket_number, 1, ?) = ?")
		args = append(args, len(filter.Query), filter.Query)
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, millis(filter.From))
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, "created_at < ?")
		args = append(args, millis(filter.To))
	}
	where := strings.Join(conditions, " AND ")

	parts := make([]string, 0, 2)
	queryArgs := make([]any, 0, 2*len(args)+1)
	if filter.Kind == "" || filter.Kind == string(ticket.KindSale) {
		parts = append(parts, `SELECT ticket_number, 'sale' AS kind, id AS record_id, terminal_id,
			total_cents AS amount_cents, created_at FROM sales WHERE `+where)
		queryArgs = append(queryArgs, args...)
	}
	if filter.Kind == "" || filter.Kind == string(ticket.KindReturn) {
		parts = append(parts, `SELECT ticket_number, 'return' AS kind, id AS record_id, terminal_id,
			refund_cents AS amount_cents, created_at FROM returns WHERE `+where)
		queryArgs = append(queryArgs, args...)
	}
	if len(parts) == 0 {
		return []domain.TicketSummary{}, nil
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = store.DefaultSearchLimit
	}
	queryArgs = append(queryArgs, limit)

	var rows []summaryRow
	query := strings.Join(parts, " UNION ALL ") + ` ORDER BY created_at DESC, ticket_number DESC LIMIT ?`
	if err := s.db.SelectContext(ctx, &rows, query, queryArgs...); err != nil {
		return nil, err
	}

	out := make([]domain.TicketSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.TicketSummary{
			TicketNumber: r.TicketNumber,
			Kind:         r.Kind,
			RecordID:     r.RecordID,
			TerminalID:   r.TerminalID,
			AmountCents:  r.AmountCents,
			CreatedAt:    fromMillis(r.CreatedAt),
		})
	}
	return out, nil
}

func (s *Store) ListSalesBetween(ctx context.Context, from, to time.Time) ([]domain.Sale, error) {
	var rows []saleRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE created_at >= ? AND created_at < ?
		ORDER BY created_at, rowid
	`, millis(from), millis(to))
	if err != nil {
		return nil, err
	}

	out := make([]domain.Sale, 0, len(rows))
	for _, r := range rows {
		sale := r.toDomain()
		if err := s.loadSaleItems(ctx, &sale); err != nil {
			return nil, err
		}
		out = append(out, sale)
	}
	return out, nil
}

func (s *Store) ListReturnsBetween(ctx context.Context, from, to time.Time) ([]domain.Return, error) {
	var rows []returnRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+returnColumns+`
		FROM returns
		WHERE created_at >= ? AND created_at < ?
		ORDER BY created_at, rowid
	`, millis(from), millis(to))
	if err != nil {
		return nil, err
	}

	out := make([]domain.Return, 0, len(rows))
	for _, r := range rows {
		ret := r.toDomain()
		if err := s.loadReturnItems(ctx, &ret); err != nil {
			return nil, err
		}
		out = append(out, ret)
	}
	return out, nil
}

func (s *Store) ListUnnumbered(ctx context.Context, kind ticket.Kind) ([]ticket.Legacy, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		ID        string `db:"id"`
		Row       int64  `db:"row_no"`
		CreatedAt int64  `db:"created_at"`
	}
	err = s.db.SelectContext(ctx, &rows, `
		SELECT id, rowid AS row_no, created_at
		FROM `+table+`
		WHERE ticket_number IS NULL
		ORDER BY rowid
	`)
	if err != nil {
		return nil, err
	}

	out := make([]ticket.Legacy, 0, len(rows))
	for _, r := range rows {
		out = append(out, ticket.Legacy{ID: r.ID, Row: r.Row, CreatedAt: fromMillis(r.CreatedAt)})
	}
	return out, nil
}

func (s *Store) AssignTicketNumber(ctx context.Context, kind ticket.Kind, id string, number string) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var createdAt int64
	if err := tx.GetContext(ctx, &createdAt, `SELECT created_at FROM `+table+` WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, store.ErrNotFound
		}
		return false, err
	}

	res, err := tx.ExecContext(ctx, `UPDATE `+table+` SET ticket_number = ? WHERE id = ? AND ticket_number IS NULL`, number, id)
	if err != nil {
		if isUniqueViolation(err) {
			return false, store.ErrDuplicateTicket
		}
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}
	if err := registerTicket(ctx, tx, number, kind, id, fromMillis(createdAt)); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func registerTicket(ctx context.Context, tx *sqlx.Tx, number string, kind ticket.Kind, recordID string, at time.Time) error {
	n, err := ticket.Parse(number)
	if err != nil {
		return store.ErrInvalidTransaction
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO issued_tickets (ticket_number, kind, day, record_id, issued_at)
		VALUES (?, ?, ?, ?, ?)
	`, number, string(kind), n.DayKey(), recordID, millis(at))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("register %s: %w", number, store.ErrDuplicateTicket)
		}
		return err
	}
	return nil
}

func (s *Store) loadSaleItems(ctx context.Context, sale *domain.Sale) error {
	items := make([]domain.SaleLine, 0, 4)
	err := s.db.SelectContext(ctx, &items, `
		SELECT sku, name, qty, unit_price_cents
		FROM sale_items
		WHERE sale_id = ?
		ORDER BY line_no
	`, sale.ID)
	if err != nil {
		return err
	}
	sale.Items = items
	return nil
}

func (s *Store) loadReturnItems(ctx context.Context, ret *domain.Return) error {
	items := make([]domain.ReturnLine, 0, 4)
	err := s.db.SelectContext(ctx, &items, `
		SELECT sku, qty, unit_price_cents
		FROM return_items
		WHERE return_id = ?
		ORDER BY line_no
	`, ret.ID)
	if err != nil {
		return err
	}
	ret.Items = items
	return nil
}

func qtyBySKU(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (map[string]int, error) {
	var rows []struct {
		SKU string `db:"sku"`
		Qty int    `db:"qty"`
	}
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, err
	}
	result := make(map[string]int, len(rows))
	for _, r := range rows {
		result[r.SKU] = r.Qty
	}
	return result, nil
}

func tableFor(kind ticket.Kind) (string, error) {
	switch kind {
	case ticket.KindSale:
		return "sales", nil
	case ticket.KindReturn:
		return "returns", nil
	}
	return "", fmt.Errorf("%w: %q", ticket.ErrUnknownKind, kind)
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT:
			return true
		}
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}
