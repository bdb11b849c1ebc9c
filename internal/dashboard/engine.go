// Package dashboard computes the home-screen summary: stock levels, recent
// sales, revenue over those sales and the best sellers among them.
package dashboard

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"metalbooks/backend/internal/cache"
	"metalbooks/backend/internal/domain"
	"metalbooks/backend/internal/invoice"
)

const (
	CacheKey       = "metalbooks:dashboard:v1"
	RecentSales    = 5
	TopSellerLimit = 5
)

// Source is the read side of the repository the dashboard needs.
type Source interface {
	ListInventory(ctx context.Context) ([]domain.InventoryRecord, error)
	ListRecentSales(ctx context.Context, limit int) ([]domain.Sale, error)
}

type Engine struct {
	cache    cache.DashboardCache
	cacheTTL time.Duration
	calc     invoice.Calculator
	now      func() time.Time
	// gen advances on every Invalidate so a rebuild that raced a write
	// does not stay cached.
	gen atomic.Uint64
}

func NewEngine(cacheStore cache.DashboardCache, cacheTTL time.Duration, calc invoice.Calculator) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopDashboardCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}

	return &Engine{
		cache:    cacheStore,
		cacheTTL: cacheTTL,
		calc:     calc,
		now:      time.Now,
	}
}

// Summary serves the cached dashboard when present and rebuilds it from src
// otherwise. Cache errors fall through to a rebuild.
func (e *Engine) Summary(ctx context.Context, src Source) (domain.Dashboard, error) {
	if cached, ok, err := e.cache.Get(ctx, CacheKey); err == nil && ok {
		return *cached, nil
	}
	gen := e.gen.Load()

	records, err := src.ListInventory(ctx)
	if err != nil {
		return domain.Dashboard{}, err
	}
	sales, err := src.ListRecentSales(ctx, RecentSales)
	if err != nil {
		return domain.Dashboard{}, err
	}

	summary := e.Build(records, sales)
	if err := e.cache.Set(ctx, CacheKey, &summary, e.cacheTTL); err == nil && e.gen.Load() != gen {
		_ = e.cache.Delete(ctx, CacheKey)
	}
	return summary, nil
}

// Invalidate drops the cached summary after a write.
func (e *Engine) Invalidate(ctx context.Context) error {
	e.gen.Add(1)
	return e.cache.Delete(ctx, CacheKey)
}

func (e *Engine) Build(records []domain.InventoryRecord, sales []domain.Sale) domain.Dashboard {
	summary := domain.Dashboard{
		ItemCount:     len(records),
		TotalStock:    decimal.Zero,
		Stock:         make([]domain.StockPoint, 0, len(records)),
		RecentSales:   make([]domain.RecentSale, 0, len(sales)),
		RecentRevenue: decimal.Zero,
		GeneratedAt:   e.now().UTC().Format(time.RFC3339),
	}

	for _, rec := range records {
		summary.TotalStock = summary.TotalStock.Add(rec.Quantity)
		summary.Stock = append(summary.Stock, domain.StockPoint{Name: rec.Name, Quantity: rec.Quantity})
	}

	if len(sales) > RecentSales {
		sales = sales[:RecentSales]
	}
	for _, sale := range sales {
		summary.RecentRevenue = summary.RecentRevenue.Add(sale.Total)
		summary.RecentSales = append(summary.RecentSales, domain.RecentSale{
			ID:            sale.ID,
			InvoiceNumber: sale.InvoiceNumber,
			Customer:      sale.Customer.Name,
			Date:          sale.Date,
			Total:         sale.Total,
		})
	}

	summary.TopSelling = e.topSellers(sales)
	return summary
}

// topSellers ranks item names by adjusted weight sold across sales. Lines the
// calculator rejects and blank descriptions do not count.
func (e *Engine) topSellers(sales []domain.Sale) []domain.StockPoint {
	sold := make(map[string]decimal.Decimal)
	for _, sale := range sales {
		for _, item := range sale.Items {
			name := strings.TrimSpace(item.Description)
			if name == "" {
				continue
			}
			adjusted, err := e.calc.Adjusted(item)
			if err != nil {
				continue
			}
			sold[name] = sold[name].Add(adjusted)
		}
	}

	result := make([]domain.StockPoint, 0, len(sold))
	for name, qty := range sold {
		result = append(result, domain.StockPoint{Name: name, Quantity: qty})
	}
	sort.Slice(result, func(i, j int) bool {
		if cmp := result[i].Quantity.Cmp(result[j].Quantity); cmp != 0 {
			return cmp > 0
		}
		return result[i].Name < result[j].Name
	})
	if len(result) > TopSellerLimit {
		result = result[:TopSellerLimit]
	}
	return result
}
