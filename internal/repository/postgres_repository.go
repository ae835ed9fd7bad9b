package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/OP0007/shelf-to-door/internal/domain"
	"github.com/OP0007/shelf-to-door/internal/store"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	pqUniqueViolation = "23505"
	pqCheckViolation  = "23514"
	pqOutOfRange      = "22003"
)

// Repository implements store.Store on Postgres. Units of work are SQL
// transactions; rows read through Tx are locked with SELECT ... FOR UPDATE.
type Repository struct {
	db *sql.DB
}

var _ store.Store = (*Repository)(nil)

func NewRepository(cred *Credentials) (*Repository, error) {
	psqlconn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cred.Host,
		cred.Port,
		cred.User,
		cred.Password,
		cred.DBName)

	db, err := sql.Open("postgres", psqlconn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if e2 := db.Ping(); e2 != nil {
		return nil, fmt.Errorf("failed to ping database: %w", e2)
	}

	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(10)
	return &Repository{db: db}, nil
}

func (r *Repository) RunMigrations(cred *Credentials) error {
	driver, err := postgres.WithInstance(r.db, &postgres.Config{
		MigrationsTable: "cart_engine_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", cred.MigrationsDirPath),
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if e2 := m.Up(); e2 != nil && !errors.Is(e2, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", e2)
	}

	return nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) Atomically(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const (
	cartColumns        = `id, status, aggregate_weight, session, created_at, updated_at`
	productColumns     = `id, name, rfid_tag, unit_price, unit_weight, stock_count, photo_url, created_at, updated_at`
	lineColumns        = `id, cart_id, product_id, quantity, line_weight, created_at, updated_at`
	transactionColumns = `id, cart_id, cart_session, email, total_amount, total_weight, payment_method, status, created_at`
)

type scanner interface {
	Scan(dest ...any) error
}

func scanCart(row scanner) (*domain.Cart, error) {
	var c domain.Cart
	err := row.Scan(&c.ID, &c.Status, &c.AggregateWeight, &c.Session, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrCartNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan cart: %w", err)
	}
	return &c, nil
}

func scanProduct(row scanner) (*domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.RFIDTag, &p.UnitPrice, &p.UnitWeight, &p.StockCount, &p.PhotoURL, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan product: %w", err)
	}
	return &p, nil
}

func scanTransaction(row scanner) (*domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(&t.ID, &t.CartID, &t.CartSession, &t.Email, &t.TotalAmount, &t.TotalWeight, &t.PaymentMethod, &t.Status, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	return &t, nil
}

func getCart(ctx context.Context, q querier, cartID int64, lock bool) (*domain.Cart, error) {
	query := `SELECT ` + cartColumns + ` FROM carts WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	return scanCart(q.QueryRowContext(ctx, query, cartID))
}

func getProduct(ctx context.Context, q querier, productID int64, lock bool) (*domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	return scanProduct(q.QueryRowContext(ctx, query, productID))
}

func (r *Repository) CreateCart(ctx context.Context) (*domain.Cart, error) {
	query := `INSERT INTO carts (status, aggregate_weight, session) VALUES ($1, 0, 1) RETURNING ` + cartColumns
	return scanCart(r.db.QueryRowContext(ctx, query, domain.CartStatusActive))
}

func (r *Repository) GetCart(ctx context.Context, cartID int64) (*domain.Cart, error) {
	return getCart(ctx, r.db, cartID, false)
}

func (r *Repository) ListCartLines(ctx context.Context, cartID int64) ([]domain.CartLineView, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM carts WHERE id = $1)`, cartID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check cart: %w", err)
	}
	if !exists {
		return nil, store.ErrCartNotFound
	}

	query := `SELECT l.id, l.cart_id, l.product_id, l.quantity, l.line_weight, l.created_at, l.updated_at,
	                 p.name, p.unit_price, p.unit_weight, p.photo_url
	          FROM cart_lines l
	          JOIN products p ON p.id = l.product_id
	          WHERE l.cart_id = $1
	          ORDER BY l.id`

	rows, err := r.db.QueryContext(ctx, query, cartID)
	if err != nil {
		return nil, fmt.Errorf("query cart lines: %w", err)
	}
	defer rows.Close()

	views := []domain.CartLineView{}
	for rows.Next() {
		var v domain.CartLineView
		if err := rows.Scan(
			&v.ID, &v.CartID, &v.ProductID, &v.Quantity, &v.LineWeight, &v.CreatedAt, &v.UpdatedAt,
			&v.ProductName, &v.UnitPrice, &v.UnitWeight, &v.PhotoURL,
		); err != nil {
			return nil, fmt.Errorf("scan cart line: %w", err)
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

func (r *Repository) CreateProduct(ctx context.Context, product *domain.Product) error {
	query := `INSERT INTO products (name, rfid_tag, unit_price, unit_weight, stock_count, photo_url)
	          VALUES ($1, $2, $3, $4, $5, $6)
	          RETURNING id, created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query,
		product.Name,
		product.RFIDTag,
		product.UnitPrice,
		product.UnitWeight,
		product.StockCount,
		product.PhotoURL,
	).Scan(&product.ID, &product.CreatedAt, &product.UpdatedAt)
	if pqCode(err) == pqUniqueViolation {
		return store.ErrDuplicateTag
	}
	if err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

func (r *Repository) GetProduct(ctx context.Context, productID int64) (*domain.Product, error) {
	return getProduct(ctx, r.db, productID, false)
}

func (r *Repository) GetProductByTag(ctx context.Context, tag string) (*domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE rfid_tag = $1`
	return scanProduct(r.db.QueryRowContext(ctx, query, tag))
}

func (r *Repository) ListProducts(ctx context.Context) ([]*domain.Product, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	products := []*domain.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (r *Repository) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrTransactionNotFound
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	return scanTransaction(r.db.QueryRowContext(ctx, query, id))
}

func (r *Repository) ListTransactions(ctx context.Context, limit int) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions ORDER BY created_at DESC, id LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	txns := []*domain.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func (r *Repository) ListDegradedCarts(ctx context.Context) ([]int64, error) {
	query := `SELECT c.id
	          FROM carts c
	          JOIN transactions t ON t.cart_id = c.id AND t.cart_session = c.session
	          WHERE c.status = $1
	          ORDER BY c.id`

	rows, err := r.db.QueryContext(ctx, query, domain.CartStatusActive)
	if err != nil {
		return nil, fmt.Errorf("query degraded carts: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan cart id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) GetUnpublishedEvents(ctx context.Context, limit int) ([]*domain.Event, error) {
	query := `SELECT id, event_id, event_type, aggregate_id, payload, created_at
	          FROM outbox_events
	          WHERE published_at IS NULL
	          ORDER BY id
	          LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox events: %w", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.EventID, &e.Type, &e.AggregateID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (r *Repository) MarkEventPublished(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE outbox_events SET published_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark event published: %w", err)
	}
	return expectOneRow(res, store.ErrEventNotFound)
}

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// pgTx is a unit of work bound to one SQL transaction.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetCart(ctx context.Context, cartID int64) (*domain.Cart, error) {
	return getCart(ctx, t.tx, cartID, true)
}

func (t *pgTx) GetProduct(ctx context.Context, productID int64) (*domain.Product, error) {
	return getProduct(ctx, t.tx, productID, true)
}

func (t *pgTx) ListLines(ctx context.Context, cartID int64) ([]domain.CartLine, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+lineColumns+` FROM cart_lines WHERE cart_id = $1 ORDER BY id`, cartID)
	if err != nil {
		return nil, fmt.Errorf("query lines: %w", err)
	}
	defer rows.Close()

	var lines []domain.CartLine
	for rows.Next() {
		var l domain.CartLine
		if err := rows.Scan(&l.ID, &l.CartID, &l.ProductID, &l.Quantity, &l.LineWeight, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (t *pgTx) SaveLine(ctx context.Context, line *domain.CartLine) error {
	if line.ID == 0 {
		query := `INSERT INTO cart_lines (cart_id, product_id, quantity, line_weight)
		          VALUES ($1, $2, $3, $4)
		          RETURNING id, created_at, updated_at`
		err := t.tx.QueryRowContext(ctx, query, line.CartID, line.ProductID, line.Quantity, line.LineWeight).
			Scan(&line.ID, &line.CreatedAt, &line.UpdatedAt)
		if pqCode(err) == pqUniqueViolation {
			return store.ErrDuplicateLine
		}
		if err != nil {
			return fmt.Errorf("insert line: %w", err)
		}
		return nil
	}

	query := `UPDATE cart_lines SET quantity = $3, line_weight = $4, updated_at = NOW()
	          WHERE id = $1 AND cart_id = $2
	          RETURNING updated_at`
	err := t.tx.QueryRowContext(ctx, query, line.ID, line.CartID, line.Quantity, line.LineWeight).Scan(&line.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrLineNotFound
	}
	if err != nil {
		return fmt.Errorf("update line: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteLine(ctx context.Context, cartID, lineID int64) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM cart_lines WHERE id = $1 AND cart_id = $2`, lineID, cartID)
	if err != nil {
		return fmt.Errorf("delete line: %w", err)
	}
	return expectOneRow(res, store.ErrLineNotFound)
}

func (t *pgTx) DeleteLines(ctx context.Context, cartID int64) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM cart_lines WHERE cart_id = $1`, cartID); err != nil {
		return fmt.Errorf("delete lines: %w", err)
	}
	return nil
}

// AdjustStock applies delta only if the result stays non-negative.
func (t *pgTx) AdjustStock(ctx context.Context, productID int64, delta int32) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE products SET stock_count = stock_count + $2, updated_at = NOW()
		 WHERE id = $1 AND stock_count + $2 >= 0`,
		productID, delta)
	switch pqCode(err) {
	case pqCheckViolation:
		return store.ErrInsufficientStock
	case pqOutOfRange:
		return store.ErrStockOverflow
	}
	if err != nil {
		return fmt.Errorf("adjust stock: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
		return fmt.Errorf("check product: %w", err)
	}
	if !exists {
		return store.ErrProductNotFound
	}
	return store.ErrInsufficientStock
}

func (t *pgTx) UpdateCart(ctx context.Context, cart *domain.Cart) error {
	// clock_timestamp keeps updated_at increasing across transactions that
	// queue on the row lock; cached views are ordered by it
	query := `UPDATE carts SET status = $2, aggregate_weight = $3, session = $4, updated_at = clock_timestamp()
	          WHERE id = $1
	          RETURNING updated_at`
	err := t.tx.QueryRowContext(ctx, query, cart.ID, cart.Status, cart.AggregateWeight, cart.Session).Scan(&cart.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrCartNotFound
	}
	if err != nil {
		return fmt.Errorf("update cart: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateProduct(ctx context.Context, product *domain.Product) error {
	query := `UPDATE products SET name = $2, rfid_tag = $3, unit_price = $4, unit_weight = $5, photo_url = $6, updated_at = NOW()
	          WHERE id = $1
	          RETURNING updated_at`
	err := t.tx.QueryRowContext(ctx, query,
		product.ID,
		product.Name,
		product.RFIDTag,
		product.UnitPrice,
		product.UnitWeight,
		product.PhotoURL,
	).Scan(&product.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return store.ErrProductNotFound
	case pqCode(err) == pqUniqueViolation:
		return store.ErrDuplicateTag
	case err != nil:
		return fmt.Errorf("update product: %w", err)
	}
	return nil
}

func (t *pgTx) HasSale(ctx context.Context, cartID int64, session int32) (bool, error) {
	var sold bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM transactions WHERE cart_id = $1 AND cart_session = $2)`,
		cartID, session).Scan(&sold)
	if err != nil {
		return false, fmt.Errorf("check sale: %w", err)
	}
	return sold, nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	if txn.ID == "" {
		txn.ID = uuid.New().String()
	}
	query := `INSERT INTO transactions (id, cart_id, cart_session, email, total_amount, total_weight, payment_method, status, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))
	          RETURNING created_at`

	var createdAt sql.NullTime
	if !txn.CreatedAt.IsZero() {
		createdAt = sql.NullTime{Time: txn.CreatedAt, Valid: true}
	}
	err := t.tx.QueryRowContext(ctx, query,
		txn.ID,
		txn.CartID,
		txn.CartSession,
		txn.Email,
		txn.TotalAmount,
		txn.TotalWeight,
		txn.PaymentMethod,
		txn.Status,
		createdAt,
	).Scan(&txn.CreatedAt)
	if pqCode(err) == pqUniqueViolation {
		return store.ErrDuplicateSale
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, event *domain.Event) error {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	query := `INSERT INTO outbox_events (event_id, event_type, aggregate_id, payload)
	          VALUES ($1, $2, $3, $4)
	          RETURNING id, created_at`
	err := t.tx.QueryRowContext(ctx, query, event.EventID, event.Type, event.AggregateID, string(event.Payload)).
		Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}
