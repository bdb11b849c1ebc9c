package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"metalbooks/backend/internal/domain"
	"metalbooks/backend/internal/store"
	"metalbooks/backend/internal/xid"
)

type Store struct {
	mu          sync.RWMutex
	inventory   map[string]domain.InventoryRecord
	sales       map[string]domain.Sale
	purchases   map[string]domain.Purchase
	usersByMail map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD; when
// unset, dev defaults are used and a warning is logged. Persistent backends
// never see these accounts.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		logrus.WithField("module", "memory-store").Warn("using default dev credentials, set SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		email    string
		password string
		role     string
	}{
		{"admin@metalbooks.local", adminPwd, domain.RoleAdmin},
		{"staff@metalbooks.local", staffPwd, domain.RoleStaff},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logrus.WithField("module", "memory-store").Fatalf("failed to hash seed password for %s: %v", u.email, err)
		}
		users[u.email] = domain.UserAccount{
			Email:     u.email,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// New returns an empty store with no accounts.
func New() *Store {
	return &Store{
		inventory:   make(map[string]domain.InventoryRecord),
		sales:       make(map[string]domain.Sale),
		purchases:   make(map[string]domain.Purchase),
		usersByMail: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with demo accounts and a few stock lines.
func NewSeeded() *Store {
	s := New()
	s.usersByMail = seedUsers()

	now := time.Now().UTC()
	for _, seed := range []struct {
		name     string
		hsn      string
		qty      string
		purchase string
		selling  string
	}{
		{"Copper Wire", "7408", "250", "640", "690"},
		{"Brass Sheet", "7409", "120", "410", "455"},
		{"Aluminium Ingot", "7601", "500", "215", "240"},
		{"Zinc Ingot", "7901", "80", "260", ""},
	} {
		purchase := decimal.RequireFromString(seed.purchase)
		rec := domain.InventoryRecord{
			ID:            xid.New("inv"),
			Name:          seed.name,
			Quantity:      decimal.RequireFromString(seed.qty),
			PurchasePrice: &purchase,
			HSN:           seed.hsn,
			UpdatedAt:     now,
		}
		if seed.selling != "" {
			selling := decimal.RequireFromString(seed.selling)
			rec.SellingPrice = &selling
		}
		s.inventory[rec.ID] = rec
	}
	return s
}

func (s *Store) FindInventoryByName(_ context.Context, name string) (*domain.InventoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.inventory {
		if rec.Name == name {
			found := cloneInventory(rec)
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetInventory(_ context.Context, id string) (*domain.InventoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.inventory[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	found := cloneInventory(rec)
	return &found, nil
}

func (s *Store) ListInventory(_ context.Context) ([]domain.InventoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.InventoryRecord, 0, len(s.inventory))
	for _, rec := range s.inventory {
		records = append(records, cloneInventory(rec))
	}
	slices.SortFunc(records, func(a, b domain.InventoryRecord) int {
		return strings.Compare(a.Name, b.Name)
	})
	return records, nil
}

func (s *Store) CreateInventory(_ context.Context, record domain.InventoryRecord) (*domain.InventoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(record.Name) == "" {
		return nil, store.ErrInvalidRecord
	}
	if s.nameTakenLocked(record.Name, "") {
		return nil, store.ErrDuplicate
	}

	record.ID = xid.New("inv")
	record.UpdatedAt = time.Now().UTC()
	record = cloneInventory(record)
	s.inventory[record.ID] = record
	created := cloneInventory(record)
	return &created, nil
}

func (s *Store) UpdateInventory(_ context.Context, id string, patch domain.InventoryPatch) (*domain.InventoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.inventory[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	if patch.Name != nil {
		if strings.TrimSpace(*patch.Name) == "" {
			return nil, store.ErrInvalidRecord
		}
		if s.nameTakenLocked(*patch.Name, id) {
			return nil, store.ErrDuplicate
		}
	}

	rec = cloneInventory(patch.Apply(rec))
	rec.UpdatedAt = time.Now().UTC()
	s.inventory[id] = rec
	updated := cloneInventory(rec)
	return &updated, nil
}

func (s *Store) DeleteInventory(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.inventory[id]; !exists {
		return store.ErrNotFound
	}
	delete(s.inventory, id)
	return nil
}

func (s *Store) nameTakenLocked(name string, exceptID string) bool {
	for id, rec := range s.inventory {
		if id != exceptID && rec.Name == name {
			return true
		}
	}
	return false
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(sale.InvoiceNumber) == "" {
		return nil, store.ErrInvalidRecord
	}
	for _, existing := range s.sales {
		if existing.InvoiceNumber == sale.InvoiceNumber {
			return nil, store.ErrDuplicate
		}
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale = cloneSale(sale)
	s.sales[sale.ID] = sale
	created := cloneSale(sale)
	return &created, nil
}

func (s *Store) ListRecentSales(_ context.Context, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		sales = append(sales, cloneSale(sale))
	}
	slices.SortFunc(sales, func(a, b domain.Sale) int {
		if a.Date != b.Date {
			return strings.Compare(b.Date, a.Date)
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(sales) > limit {
		sales = sales[:limit]
	}
	return sales, nil
}

func (s *Store) CreatePurchase(_ context.Context, purchase domain.Purchase) (*domain.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(purchase.Items) == 0 {
		return nil, store.ErrInvalidRecord
	}
	if purchase.ID == "" {
		purchase.ID = xid.New("pur")
	}
	if purchase.CreatedAt.IsZero() {
		purchase.CreatedAt = time.Now().UTC()
	}
	purchase = clonePurchase(purchase)
	s.purchases[purchase.ID] = purchase
	created := clonePurchase(purchase)
	return &created, nil
}

func (s *Store) ListPurchases(_ context.Context, limit int) ([]domain.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	purchases := make([]domain.Purchase, 0, len(s.purchases))
	for _, purchase := range s.purchases {
		purchases = append(purchases, clonePurchase(purchase))
	}
	slices.SortFunc(purchases, func(a, b domain.Purchase) int {
		if a.Date != b.Date {
			return strings.Compare(b.Date, a.Date)
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(purchases) > limit {
		purchases = purchases[:limit]
	}
	return purchases, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(strings.TrimSpace(user.Email))
	if email == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidRecord
	}
	if _, exists := s.usersByMail[email]; exists {
		return store.ErrDuplicate
	}
	user.Email = email
	if user.Role == "" {
		user.Role = domain.RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByMail[email] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByMail))
	for _, user := range s.usersByMail {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Email, b.Email)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, email string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidRecord
	}
	user, exists := s.usersByMail[email]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByMail[email] = user
	return nil
}

func cloneInventory(src domain.InventoryRecord) domain.InventoryRecord {
	dup := src
	if src.PurchasePrice != nil {
		price := *src.PurchasePrice
		dup.PurchasePrice = &price
	}
	if src.SellingPrice != nil {
		price := *src.SellingPrice
		dup.SellingPrice = &price
	}
	return dup
}

func cloneSale(src domain.Sale) domain.Sale {
	dup := src
	items := make([]domain.LineItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return dup
}

func clonePurchase(src domain.Purchase) domain.Purchase {
	dup := src
	items := make([]domain.LineItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return dup
}
