package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"gestionpro/backend/internal/domain"
	"gestionpro/backend/internal/store"
	"gestionpro/backend/internal/store/migrations"
	"gestionpro/backend/internal/ticket"
)

type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

func New(ctx context.Context, databaseURL string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, _, err := migrations.Up(db, migrations.Postgres, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.ProductStock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.sku, COALESCE(p.barcode, ''), p.name, p.category, p.price_cents, p.active, COALESCE(st.qty, 0)
		FROM products p
		LEFT JOIN stock st ON st.sku = p.sku
		WHERE p.active = true
		ORDER BY p.category, p.name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.ProductStock, 0, 128)
	for rows.Next() {
		var p domain.ProductStock
		if err := rows.Scan(&p.SKU, &p.Barcode, &p.Name, &p.Category, &p.PriceCents, &p.Active, &p.Stock); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product, initialStock int) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.PriceCents < 0 || initialStock < 0 {
		return nil, store.ErrInvalidTransaction
	}
	product.Active = true

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO products (sku, barcode, name, category, price_cents, active, created_at)
		VALUES ($1,$2,$3,$4,$5,true,now())
	`, product.SKU, nullIfEmpty(product.Barcode), product.Name, product.Category, product.PriceCents)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}
	if _, err := pgTx.ExecContext(ctx, `INSERT INTO stock (sku, qty) VALUES ($1,$2)`, product.SKU, initialStock); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) GetProductByCode(ctx context.Context, code string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT sku, COALESCE(barcode, ''), name, category, price_cents, active
		FROM products
		WHERE active = true AND (barcode = $1 OR upper(sku) = upper($1))
		ORDER BY (barcode = $1) DESC NULLS LAST
		LIMIT 1
	`, code).Scan(&product.SKU, &product.Barcode, &product.Name, &product.Category, &product.PriceCents, &product.Active)
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
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(st.qty, 0)
		FROM products p
		LEFT JOIN stock st ON st.sku = p.sku
		WHERE p.sku = $1
	`, sku).Scan(&qty)
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
		SELECT sku, $2 FROM products WHERE sku = $1
		ON CONFLICT (sku) DO UPDATE SET qty = EXCLUDED.qty
	`, sku, qty)
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

func (s *Store) NextTicketCounter(ctx context.Context, day string, kind ticket.Kind) (int, error) {
	var value int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ticket_counters (day, kind, value)
		VALUES ($1, $2, 1)
		ON CONFLICT (day, kind) DO UPDATE SET value = ticket_counters.value + 1
		RETURNING value
	`, day, string(kind)).Scan(&value)
	if err != nil {
		return 0, err
	}
	return value, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if err := store.CheckSale(sale); err != nil {
		return nil, err
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := registerTicket(ctx, pgTx, sale.TicketNumber, ticket.KindSale, sale.ID, sale.CreatedAt); err != nil {
		return nil, err
	}

	needed := make(map[string]int, len(sale.Items))
	for _, item := range sale.Items {
		needed[item.SKU] += item.Qty
	}
	// Lock rows in a stable order so concurrent checkouts cannot deadlock.
	for _, sku := range sortedKeys(needed) {
		var available int
		err := pgTx.QueryRowContext(ctx, `SELECT qty FROM stock WHERE sku = $1 FOR UPDATE`, sku).Scan(&available)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrInvalidTransaction
			}
			return nil, err
		}
		if available < needed[sku] {
			return nil, store.ErrInsufficientStock
		}
		if _, err := pgTx.ExecContext(ctx, `UPDATE stock SET qty = qty - $2 WHERE sku = $1`, sku, needed[sku]); err != nil {
			return nil, err
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (id, ticket_number, terminal_id, payment_method, subtotal_cents, discount_cents,
			total_cents, cash_received_cents, change_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, sale.ID, sale.TicketNumber, sale.TerminalID, sale.PaymentMethod, sale.SubtotalCents, sale.DiscountCents,
		sale.TotalCents, sale.CashReceivedCents, sale.ChangeCents, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert sale %s: %w", sale.TicketNumber, store.ErrDuplicateTicket)
		}
		return nil, err
	}
	for i, item := range sale.Items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, line_no, sku, name, qty, unit_price_cents)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, sale.ID, i+1, item.SKU, item.Name, item.Qty, item.UnitPriceCents)
		if err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	created := sale
	return &created, nil
}

func (s *Store) CreateReturn(ctx context.Context, ret domain.Return) (*domain.Return, error) {
	if err := store.CheckReturn(ret); err != nil {
		return nil, err
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	// Serialises returns against the same sale.
	var saleID string
	err = pgTx.QueryRowContext(ctx, `SELECT id FROM sales WHERE id = $1 FOR UPDATE`, ret.SaleID).Scan(&saleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if err := registerTicket(ctx, pgTx, ret.TicketNumber, ticket.KindReturn, ret.ID, ret.CreatedAt); err != nil {
		return nil, err
	}

	sold, err := qtyBySKU(ctx, pgTx, `
		SELECT sku, COALESCE(SUM(qty), 0)::int FROM sale_items WHERE sale_id = $1 GROUP BY sku
	`, ret.SaleID)
	if err != nil {
		return nil, err
	}
	already, err := qtyBySKU(ctx, pgTx, returnedQtyQuery, ret.SaleID)
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

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO returns (id, ticket_number, sale_id, original_ticket, terminal_id, reason, refund_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, ret.ID, ret.TicketNumber, ret.SaleID, ret.OriginalTicket, ret.TerminalID, ret.Reason, ret.RefundCents, ret.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert return %s: %w", ret.TicketNumber, store.ErrDuplicateTicket)
		}
		return nil, err
	}
	for i, item := range ret.Items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO return_items (return_id, line_no, sku, qty, unit_price_cents)
			VALUES ($1,$2,$3,$4,$5)
		`, ret.ID, i+1, item.SKU, item.Qty, item.UnitPriceCents)
		if err != nil {
			return nil, err
		}
	}
	for _, sku := range sortedKeys(requested) {
		if _, err := pgTx.ExecContext(ctx, `UPDATE stock SET qty = qty + $2 WHERE sku = $1`, sku, requested[sku]); err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	created := ret
	return &created, nil
}

const returnedQtyQuery = `
	SELECT ri.sku, COALESCE(SUM(ri.qty), 0)::int
	FROM return_items ri
	JOIN returns r ON r.id = ri.return_id
	WHERE r.sale_id = $1
	GROUP BY ri.sku
`

func (s *Store) GetReturnedQty(ctx context.Context, saleID string) (map[string]int, error) {
	return qtyBySKU(ctx, s.db, returnedQtyQuery, saleID)
}

const (
	saleColumns = `id, COALESCE(ticket_number, ''), terminal_id, payment_method, subtotal_cents, discount_cents,
		total_cents, cash_received_cents, change_cents, created_at`
	returnColumns = `id, COALESCE(ticket_number, ''), sale_id, original_ticket, terminal_id, reason, refund_cents, created_at`
)

type scanner interface {
	Scan(dest ...any) error
}

func scanSale(row scanner) (domain.Sale, error) {
	var sale domain.Sale
	err := row.Scan(&sale.ID, &sale.TicketNumber, &sale.TerminalID, &sale.PaymentMethod, &sale.SubtotalCents,
		&sale.DiscountCents, &sale.TotalCents, &sale.CashReceivedCents, &sale.ChangeCents, &sale.CreatedAt)
	sale.CreatedAt = sale.CreatedAt.UTC()
	return sale, err
}

func scanReturn(row scanner) (domain.Return, error) {
	var ret domain.Return
	err := row.Scan(&ret.ID, &ret.TicketNumber, &ret.SaleID, &ret.OriginalTicket, &ret.TerminalID, &ret.Reason,
		&ret.RefundCents, &ret.CreatedAt)
	ret.CreatedAt = ret.CreatedAt.UTC()
	return ret, err
}

func (s *Store) FindSaleByTicket(ctx context.Context, number string) (*domain.Sale, error) {
	sale, err := scanSale(s.db.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE ticket_number = $1`, number))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if sale.Items, err = s.saleItems(ctx, sale.ID); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) FindReturnByTicket(ctx context.Context, number string) (*domain.Return, error) {
	ret, err := scanReturn(s.db.QueryRowContext(ctx, `SELECT `+returnColumns+` FROM returns WHERE ticket_number = $1`, number))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if ret.Items, err = s.returnItems(ctx, ret.ID); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (s *Store) SearchTickets(ctx context.Context, filter domain.TicketFilter) ([]domain.TicketSummary, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = store.DefaultSearchLimit
	}
	var query any
	if filter.Query != "" {
		query = store.LikePrefix(filter.Query)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ticket_number, kind, record_id, terminal_id, amount_cents, created_at
		FROM (
			SELECT ticket_number, 'sale' AS kind, id AS record_id, terminal_id, total_cents AS amount_cents, created_at
			FROM sales
			WHERE ticket_number IS NOT NULL
			UNION ALL
			SELECT ticket_number, 'return' AS kind, id AS record_id, terminal_id, refund_cents AS amount_cents, created_at
			FROM returns
			WHERE ticket_number IS NOT NULL
		) t
		WHERE ($1::text IS NULL OR ticket_number LIKE $1)
			AND ($2::text = '' OR kind = $2)
			AND ($3::timestamptz IS NULL OR created_at >= $3)
			AND ($4::timestamptz IS NULL OR created_at < $4)
		ORDER BY created_at DESC, ticket_number DESC
		LIMIT $5
	`, query, filter.Kind, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.TicketSummary, 0, 32)
	for rows.Next() {
		var row domain.TicketSummary
		if err := rows.Scan(&row.TicketNumber, &row.Kind, &row.RecordID, &row.TerminalID, &row.AmountCents, &row.CreatedAt); err != nil {
			return nil, err
		}
		row.CreatedAt = row.CreatedAt.UTC()
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListSalesBetween(ctx context.Context, from, to time.Time) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at, row_no
	`, from, to)
	if err != nil {
		return nil, err
	}
	sales := make([]domain.Sale, 0, 64)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range sales {
		if sales[i].Items, err = s.saleItems(ctx, sales[i].ID); err != nil {
			return nil, err
		}
	}
	return sales, nil
}

func (s *Store) ListReturnsBetween(ctx context.Context, from, to time.Time) ([]domain.Return, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+returnColumns+`
		FROM returns
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at, row_no
	`, from, to)
	if err != nil {
		return nil, err
	}
	returns := make([]domain.Return, 0, 16)
	for rows.Next() {
		ret, err := scanReturn(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		returns = append(returns, ret)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range returns {
		if returns[i].Items, err = s.returnItems(ctx, returns[i].ID); err != nil {
			return nil, err
		}
	}
	return returns, nil
}

func (s *Store) ListUnnumbered(ctx context.Context, kind ticket.Kind) ([]ticket.Legacy, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, row_no, created_at
		FROM `+table+`
		WHERE ticket_number IS NULL
		ORDER BY row_no
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ticket.Legacy, 0, 64)
	for rows.Next() {
		var rec ticket.Legacy
		if err := rows.Scan(&rec.ID, &rec.Row, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) AssignTicketNumber(ctx context.Context, kind ticket.Kind, id string, number string) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, err
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var createdAt time.Time
	var current sql.NullString
	err = pgTx.QueryRowContext(ctx, `SELECT created_at, ticket_number FROM `+table+` WHERE id = $1 FOR UPDATE`, id).
		Scan(&createdAt, &current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, store.ErrNotFound
		}
		return false, err
	}
	if current.Valid {
		return false, nil
	}

	if err := registerTicket(ctx, pgTx, number, kind, id, createdAt); err != nil {
		return false, err
	}
	_, err = pgTx.ExecContext(ctx, `UPDATE `+table+` SET ticket_number = $2 WHERE id = $1 AND ticket_number IS NULL`, id, number)
	if err != nil {
		if isUniqueViolation(err) {
			return false, store.ErrDuplicateTicket
		}
		return false, err
	}

	if err := pgTx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func registerTicket(ctx context.Context, pgTx *sql.Tx, number string, kind ticket.Kind, recordID string, at time.Time) error {
	n, err := ticket.Parse(number)
	if err != nil {
		return store.ErrInvalidTransaction
	}
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO issued_tickets (ticket_number, kind, day, record_id, issued_at)
		VALUES ($1,$2,$3,$4,$5)
	`, number, string(kind), n.DayKey(), recordID, at)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("register %s: %w", number, store.ErrDuplicateTicket)
		}
		return err
	}
	return nil
}

func (s *Store) saleItems(ctx context.Context, saleID string) ([]domain.SaleLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, name, qty, unit_price_cents
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY line_no
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleLine, 0, 4)
	for rows.Next() {
		var item domain.SaleLine
		if err := rows.Scan(&item.SKU, &item.Name, &item.Qty, &item.UnitPriceCents); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) returnItems(ctx context.Context, returnID string) ([]domain.ReturnLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, qty, unit_price_cents
		FROM return_items
		WHERE return_id = $1
		ORDER BY line_no
	`, returnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.ReturnLine, 0, 4)
	for rows.Next() {
		var item domain.ReturnLine
		if err := rows.Scan(&item.SKU, &item.Qty, &item.UnitPriceCents); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func qtyBySKU(ctx context.Context, q queryer, query string, args ...any) (map[string]int, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var sku string
		var qty int
		if err := rows.Scan(&sku, &qty); err != nil {
			return nil, err
		}
		result[sku] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
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

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val time.Time) any {
	if val.IsZero() {
		return nil
	}
	return val
}
