package store

import (
	"context"
	"errors"

	"metalbooks/backend/internal/domain"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidRecord = errors.New("invalid record")
	ErrDuplicate     = errors.New("duplicate record")
)

// Repository is the document store behind the service. Inventory names are
// exact-match lookup keys and unique per store.
type Repository interface {
	FindInventoryByName(ctx context.Context, name string) (*domain.InventoryRecord, error)
	GetInventory(ctx context.Context, id string) (*domain.InventoryRecord, error)
	ListInventory(ctx context.Context) ([]domain.InventoryRecord, error)
	CreateInventory(ctx context.Context, record domain.InventoryRecord) (*domain.InventoryRecord, error)
	UpdateInventory(ctx context.Context, id string, patch domain.InventoryPatch) (*domain.InventoryRecord, error)
	DeleteInventory(ctx context.Context, id string) error
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	ListRecentSales(ctx context.Context, limit int) ([]domain.Sale, error)
	CreatePurchase(ctx context.Context, purchase domain.Purchase) (*domain.Purchase, error)
	ListPurchases(ctx context.Context, limit int) ([]domain.Purchase, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, email string, password string) error
}
