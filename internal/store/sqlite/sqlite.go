// Package sqlite is a single-file store for small deployments, built on sqlx
// and the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"metalbooks/backend/internal/domain"
	"metalbooks/backend/internal/store"
	"metalbooks/backend/internal/xid"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS inventory (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		quantity TEXT NOT NULL,
		purchase_price TEXT,
		selling_price TEXT,
		hsn TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		invoice_number TEXT NOT NULL UNIQUE,
		sale_date TEXT NOT NULL,
		customer_name TEXT NOT NULL DEFAULT '',
		customer_address TEXT NOT NULL DEFAULT '',
		customer_gstin TEXT NOT NULL DEFAULT '',
		items TEXT NOT NULL,
		tax_rate_percent TEXT NOT NULL,
		subtotal TEXT NOT NULL,
		tax_amount TEXT NOT NULL,
		total TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		purchase_date TEXT NOT NULL,
		items TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS users (
		email TEXT PRIMARY KEY,
		password TEXT NOT NULL,
		role TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);`,
}

type Store struct {
	db *sqlx.DB
}

// Open connects to the database file at path and creates missing tables.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type inventoryRow struct {
	ID            string              `db:"id"`
	Name          string              `db:"name"`
	Quantity      decimal.Decimal     `db:"quantity"`
	PurchasePrice decimal.NullDecimal `db:"purchase_price"`
	SellingPrice  decimal.NullDecimal `db:"selling_price"`
	HSN           string              `db:"hsn"`
	UpdatedAt     string              `db:"updated_at"`
}

func (r inventoryRow) record() domain.InventoryRecord {
	return domain.InventoryRecord{
		ID:            r.ID,
		Name:          r.Name,
		Quantity:      r.Quantity,
		PurchasePrice: fromNull(r.PurchasePrice),
		SellingPrice:  fromNull(r.SellingPrice),
		HSN:           r.HSN,
		UpdatedAt:     parseTime(r.UpdatedAt),
	}
}

func rowFor(rec domain.InventoryRecord) inventoryRow {
	return inventoryRow{
		ID:            rec.ID,
		Name:          rec.Name,
		Quantity:      rec.Quantity,
		PurchasePrice: toNull(rec.PurchasePrice),
		SellingPrice:  toNull(rec.SellingPrice),
		HSN:           rec.HSN,
		UpdatedAt:     formatTime(rec.UpdatedAt),
	}
}

const inventorySelect = `SELECT id, name, quantity, purchase_price, selling_price, hsn, updated_at FROM inventory`

func getInventory(ctx context.Context, q sqlx.QueryerContext, where string, arg any) (*domain.InventoryRecord, error) {
	var row inventoryRow
	if err := sqlx.GetContext(ctx, q, &row, inventorySelect+` WHERE `+where+` = ?`, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	rec := row.record()
	return &rec, nil
}

func (s *Store) FindInventoryByName(ctx context.Context, name string) (*domain.InventoryRecord, error) {
	return getInventory(ctx, s.db, "name", name)
}

func (s *Store) GetInventory(ctx context.Context, id string) (*domain.InventoryRecord, error) {
	return getInventory(ctx, s.db, "id", id)
}

func (s *Store) ListInventory(ctx context.Context) ([]domain.InventoryRecord, error) {
	var rows []inventoryRow
	if err := s.db.SelectContext(ctx, &rows, inventorySelect+` ORDER BY name`); err != nil {
		return nil, err
	}
	records := make([]domain.InventoryRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.record())
	}
	return records, nil
}

func (s *Store) CreateInventory(ctx context.Context, record domain.InventoryRecord) (*domain.InventoryRecord, error) {
	if strings.TrimSpace(record.Name) == "" {
		return nil, store.ErrInvalidRecord
	}
	record.ID = xid.New("inv")
	record.UpdatedAt = time.Now().UTC()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO inventory (id, name, quantity, purchase_price, selling_price, hsn, updated_at)
		VALUES (:id, :name, :quantity, :purchase_price, :selling_price, :hsn, :updated_at)
	`, rowFor(record))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	created := record
	return &created, nil
}

func (s *Store) UpdateInventory(ctx context.Context, id string, patch domain.InventoryPatch) (*domain.InventoryRecord, error) {
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return nil, store.ErrInvalidRecord
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := getInventory(ctx, tx, "id", id)
	if err != nil {
		return nil, err
	}
	updated := patch.Apply(*current)
	updated.UpdatedAt = time.Now().UTC()

	_, err = tx.NamedExecContext(ctx, `
		UPDATE inventory
		SET name = :name, quantity = :quantity, purchase_price = :purchase_price,
			selling_price = :selling_price, hsn = :hsn, updated_at = :updated_at
		WHERE id = :id
	`, rowFor(updated))
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM inventory WHERE id = ?`, id)
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

type saleRow struct {
	ID              string          `db:"id"`
	InvoiceNumber   string          `db:"invoice_number"`
	Date            string          `db:"sale_date"`
	CustomerName    string          `db:"customer_name"`
	CustomerAddress string          `db:"customer_address"`
	CustomerGSTIN   string          `db:"customer_gstin"`
	Items           string          `db:"items"`
	TaxRatePercent  decimal.Decimal `db:"tax_rate_percent"`
	Subtotal        decimal.Decimal `db:"subtotal"`
	TaxAmount       decimal.Decimal `db:"tax_amount"`
	Total           decimal.Decimal `db:"total"`
	CreatedBy       string          `db:"created_by"`
	CreatedAt       string          `db:"created_at"`
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
	items, err := json.Marshal(sale.Items)
	if err != nil {
		return nil, err
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO sales (
			id, invoice_number, sale_date, customer_name, customer_address, customer_gstin,
			items, tax_rate_percent, subtotal, tax_amount, total, created_by, created_at
		)
		VALUES (
			:id, :invoice_number, :sale_date, :customer_name, :customer_address, :customer_gstin,
			:items, :tax_rate_percent, :subtotal, :tax_amount, :total, :created_by, :created_at
		)
	`, saleRow{
		ID:              sale.ID,
		InvoiceNumber:   sale.InvoiceNumber,
		Date:            sale.Date,
		CustomerName:    sale.Customer.Name,
		CustomerAddress: sale.Customer.Address,
		CustomerGSTIN:   sale.Customer.GSTIN,
		Items:           string(items),
		TaxRatePercent:  sale.TaxRatePercent,
		Subtotal:        sale.Subtotal,
		TaxAmount:       sale.TaxAmount,
		Total:           sale.Total,
		CreatedBy:       sale.CreatedBy,
		CreatedAt:       formatTime(sale.CreatedAt),
	})
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
	var rows []saleRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, invoice_number, sale_date, customer_name, customer_address, customer_gstin,
			items, tax_rate_percent, subtotal, tax_amount, total, created_by, created_at
		FROM sales
		ORDER BY sale_date DESC, created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}

	sales := make([]domain.Sale, 0, len(rows))
	for _, row := range rows {
		sale := domain.Sale{
			ID:             row.ID,
			InvoiceNumber:  row.InvoiceNumber,
			Date:           row.Date,
			Customer:       domain.Customer{Name: row.CustomerName, Address: row.CustomerAddress, GSTIN: row.CustomerGSTIN},
			TaxRatePercent: row.TaxRatePercent,
			Subtotal:       row.Subtotal,
			TaxAmount:      row.TaxAmount,
			Total:          row.Total,
			CreatedBy:      row.CreatedBy,
			CreatedAt:      parseTime(row.CreatedAt),
		}
		if err := json.Unmarshal([]byte(row.Items), &sale.Items); err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	return sales, nil
}

type purchaseRow struct {
	ID        string `db:"id"`
	Date      string `db:"purchase_date"`
	Items     string `db:"items"`
	CreatedBy string `db:"created_by"`
	CreatedAt string `db:"created_at"`
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
	items, err := json.Marshal(purchase.Items)
	if err != nil {
		return nil, err
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO purchases (id, purchase_date, items, created_by, created_at)
		VALUES (:id, :purchase_date, :items, :created_by, :created_at)
	`, purchaseRow{
		ID:        purchase.ID,
		Date:      purchase.Date,
		Items:     string(items),
		CreatedBy: purchase.CreatedBy,
		CreatedAt: formatTime(purchase.CreatedAt),
	})
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
	var rows []purchaseRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, purchase_date, items, created_by, created_at
		FROM purchases
		ORDER BY purchase_date DESC, created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}

	purchases := make([]domain.Purchase, 0, len(rows))
	for _, row := range rows {
		purchase := domain.Purchase{
			ID:        row.ID,
			Date:      row.Date,
			CreatedBy: row.CreatedBy,
			CreatedAt: parseTime(row.CreatedAt),
		}
		if err := json.Unmarshal([]byte(row.Items), &purchase.Items); err != nil {
			return nil, err
		}
		purchases = append(purchases, purchase)
	}
	return purchases, nil
}

type userRow struct {
	Email     string `db:"email"`
	Password  string `db:"password"`
	Role      string `db:"role"`
	Active    bool   `db:"active"`
	CreatedAt string `db:"created_at"`
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

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO users (email, password, role, active, created_at)
		VALUES (:email, :password, :role, :active, :created_at)
	`, userRow{
		Email:     user.Email,
		Password:  user.Password,
		Role:      user.Role,
		Active:    user.Active,
		CreatedAt: formatTime(user.CreatedAt),
	})
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT email, password, role, active, created_at FROM users ORDER BY email`); err != nil {
		return nil, err
	}
	users := make([]domain.UserAccount, 0, len(rows))
	for _, row := range rows {
		users = append(users, domain.UserAccount{
			Email:     row.Email,
			Password:  row.Password,
			Role:      row.Role,
			Active:    row.Active,
			CreatedAt: parseTime(row.CreatedAt),
		})
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, email string, password string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidRecord
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password = ? WHERE email = ?`, password, email)
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
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
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
