package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"metalbooks/backend/internal/domain"
	"metalbooks/backend/internal/store"
	"metalbooks/backend/internal/xid"
)

const schema = `
CREATE TABLE IF NOT EXISTS inventory (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL UNIQUE,
	quantity       NUMERIC NOT NULL DEFAULT 0,
	purchase_price NUMERIC,
	selling_price  NUMERIC,
	hsn            TEXT NOT NULL DEFAULT '',
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS sales (
	id               TEXT PRIMARY KEY,
	invoice_number   TEXT NOT NULL UNIQUE,
	sale_date        TEXT NOT NULL,
	customer_name    TEXT NOT NULL DEFAULT '',
	customer_address TEXT NOT NULL DEFAULT '',
	customer_gstin   TEXT NOT NULL DEFAULT '',
	items            JSONB NOT NULL,
	tax_rate_percent NUMERIC NOT NULL,
	subtotal         NUMERIC NOT NULL,
	tax_amount       NUMERIC NOT NULL,
	total            NUMERIC NOT NULL,
	created_by       TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS sales_date_idx ON sales (sale_date DESC, created_at DESC);
CREATE TABLE IF NOT EXISTS purchases (
	id            TEXT PRIMARY KEY,
	purchase_date TEXT NOT NULL,
	items         JSONB NOT NULL,
	created_by    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS app_users (
	email      TEXT PRIMARY KEY,
	password   TEXT NOT NULL,
	role       TEXT NOT NULL,
	active     BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
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
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const inventoryColumns = `id, name, quantity, purchase_price, selling_price, hsn, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInventory(row rowScanner) (*domain.InventoryRecord, error) {
	var rec domain.InventoryRecord
	var purchase, selling decimal.NullDecimal
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Quantity, &purchase, &selling, &rec.HSN, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	rec.PurchasePrice = fromNull(purchase)
	rec.SellingPrice = fromNull(selling)
	return &rec, nil
}

func (s *Store) FindInventoryByName(ctx context.Context, name string) (*domain.InventoryRecord, error) {
	return scanInventory(s.db.QueryRowContext(ctx, `
		SELECT `+inventoryColumns+`
		FROM inventory
		WHERE name = $1
	`, name))
}

func (s *Store) GetInventory(ctx context.Context, id string) (*domain.InventoryRecord, error) {
	return scanInventory(s.db.QueryRowContext(ctx, `
		SELECT `+inventoryColumns+`
		FROM inventory
		WHERE id = $1
	`, id))
}

func (s *Store) ListInventory(ctx context.Context) ([]domain.InventoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+inventoryColumns+`
		FROM inventory
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.InventoryRecord, 0, 64)
	for rows.Next() {
		rec, err := scanInventory(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) CreateInventory(ctx context.Context, record domain.InventoryRecord) (*domain.InventoryRecord, error) {
	if strings.TrimSpace(record.Name) == "" {
		return nil, store.ErrInvalidRecord
	}
	record.ID = xid.New("inv")
	record.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory (`+inventoryColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, record.ID, record.Name, record.Quantity, toNull(record.PurchasePrice), toNull(record.SellingPrice), record.HSN, record.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	created := record
	return &created, nil
}

// UpdateInventory reads the row under a lock, applies the patch and writes it
// back, so fields absent from the patch keep their stored values.
func (s *Store) UpdateInventory(ctx context.Context, id string, patch domain.InventoryPatch) (*domain.InventoryRecord, error) {
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return nil, store.ErrInvalidRecord
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanInventory(tx.QueryRowContext(ctx, `
		SELECT `+inventoryColumns+`
		FROM inventory
		WHERE id = $1
		FOR UPDATE
	`, id))
	if err != nil {
		return nil, err
	}

	updated := patch.Apply(*current)
	updated.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE inventory
		SET name = $2, quantity = $3, purchase_price = $4, selling_price = $5, hsn = $6, updated_at = $7
		WHERE id = $1
	`, id, updated.Name, updated.Quantity, toNull(updated.PurchasePrice), toNull(updated.SellingPrice), updated.HSN, updated.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Store) DeleteInventory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM inventory WHERE id = $1`, id)
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

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if strings.TrimSpace(sale.InvoiceNumber) == "" {
		return nil, store.ErrInvalidRecord
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	itemsJSON, err := json.Marshal(sale.Items)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sales (
			id, invoice_number, sale_date, customer_name, customer_address, customer_gstin,
			items, tax_rate_percent, subtotal, tax_amount, total, created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, sale.ID, sale.InvoiceNumber, sale.Date, sale.Customer.Name, sale.Customer.Address, sale.Customer.GSTIN,
		itemsJSON, sale.TaxRatePercent, sale.Subtotal, sale.TaxAmount, sale.Total, sale.CreatedBy, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	saved := sale
	return &saved, nil
}

func (s *Store) ListRecentSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invoice_number, sale_date, customer_name, customer_address, customer_gstin,
			items, tax_rate_percent, subtotal, tax_amount, total, created_by, created_at
		FROM sales
		ORDER BY sale_date DESC, created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		var itemsRaw []byte
		if err := rows.Scan(
			&sale.ID,
			&sale.InvoiceNumber,
			&sale.Date,
			&sale.Customer.Name,
			&sale.Customer.Address,
			&sale.Customer.GSTIN,
			&itemsRaw,
			&sale.TaxRatePercent,
			&sale.Subtotal,
			&sale.TaxAmount,
			&sale.Total,
			&sale.CreatedBy,
			&sale.CreatedAt,
		); err != nil {
			return nil, err
		}
		sale.CreatedAt = sale.CreatedAt.UTC()
		if len(itemsRaw) > 0 {
			if err := json.Unmarshal(itemsRaw, &sale.Items); err != nil {
				return nil, err
			}
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) CreatePurchase(ctx context.Context, purchase domain.Purchase) (*domain.Purchase, error) {
	if len(purchase.Items) == 0 {
		return nil, store.ErrInvalidRecord
	}
	if purchase.ID == "" {
		purchase.ID = xid.New("pur")
	}
	if purchase.CreatedAt.IsZero() {
		purchase.CreatedAt = time.Now().UTC()
	}

	itemsJSON, err := json.Marshal(purchase.Items)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO purchases (id, purchase_date, items, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, purchase.ID, purchase.Date, itemsJSON, purchase.CreatedBy, purchase.CreatedAt)
	if err != nil {
		return nil, err
	}
	saved := purchase
	return &saved, nil
}

func (s *Store) ListPurchases(ctx context.Context, limit int) ([]domain.Purchase, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, purchase_date, items, created_by, created_at
		FROM purchases
		ORDER BY purchase_date DESC, created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	purchases := make([]domain.Purchase, 0, limit)
	for rows.Next() {
		var purchase domain.Purchase
		var itemsRaw []byte
		if err := rows.Scan(&purchase.ID, &purchase.Date, &itemsRaw, &purchase.CreatedBy, &purchase.CreatedAt); err != nil {
			return nil, err
		}
		purchase.CreatedAt = purchase.CreatedAt.UTC()
		if len(itemsRaw) > 0 {
			if err := json.Unmarshal(itemsRaw, &purchase.Items); err != nil {
				return nil, err
			}
		}
		purchases = append(purchases, purchase)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return purchases, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	if user.Email == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidRecord
	}
	if user.Role == "" {
		user.Role = domain.RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (email, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Email, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email, password, role, active, created_at
		FROM app_users
		ORDER BY email ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Email, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, email string, password string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidRecord
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE email = $1
	`, email, password)
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func toNull(val *decimal.Decimal) decimal.NullDecimal {
	if val == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *val, Valid: true}
}

func fromNull(val decimal.NullDecimal) *decimal.Decimal {
	if !val.Valid {
		return nil
	}
	out := val.Decimal
	return &out
}
