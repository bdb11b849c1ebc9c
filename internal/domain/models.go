package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type PackagingType string

const (
	PackagingNone PackagingType = ""
	PackagingKP   PackagingType = "KP"
	PackagingP2   PackagingType = "P2"
)

// Normalize maps the explicit "NONE" spelling and stray casing onto the
// canonical constants. Unknown codes are returned upper-cased and untouched.
func (p PackagingType) Normalize() PackagingType {
	code := strings.ToUpper(strings.TrimSpace(string(p)))
	if code == "NONE" {
		return PackagingNone
	}
	return PackagingType(code)
}

type LineItem struct {
	Description string          `json:"description"`
	HSN         string          `json:"hsn"`
	Quantity    decimal.Decimal `json:"quantity" validate:"gte=0"`
	Price       decimal.Decimal `json:"price" validate:"gte=0"`
	Type        PackagingType   `json:"type" validate:"omitempty,oneof=NONE KP P2"`
	Bags        int             `json:"bags" validate:"gte=0"`
}

type InvoiceTotals struct {
	Subtotal  decimal.Decimal `json:"subtotal"`
	TaxAmount decimal.Decimal `json:"tax_amount"`
	Total     decimal.Decimal `json:"total"`
}

// InvoiceLine is the display row of one line item, rounded for printing.
type InvoiceLine struct {
	Description string        `json:"description"`
	HSN         string        `json:"hsn"`
	Quantity    string        `json:"quantity"`
	Type        PackagingType `json:"type"`
	Bags        int           `json:"bags"`
	Reduction   string        `json:"weight_reduction"`
	Adjusted    string        `json:"adjusted_quantity"`
	Rate        string        `json:"rate"`
	Amount      string        `json:"amount"`
}

type InventoryRecord struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Quantity      decimal.Decimal  `json:"quantity"`
	PurchasePrice *decimal.Decimal `json:"purchase_price,omitempty"`
	SellingPrice  *decimal.Decimal `json:"selling_price,omitempty"`
	HSN           string           `json:"hsn,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// InventoryPatch lists the fields a write should touch. Nil fields are left
// as stored.
type InventoryPatch struct {
	Name              *string
	Quantity          *decimal.Decimal
	PurchasePrice     *decimal.Decimal
	SellingPrice      *decimal.Decimal
	ClearSellingPrice bool
	HSN               *string
}

// Apply returns rec with the patch applied.
func (p InventoryPatch) Apply(rec InventoryRecord) InventoryRecord {
	if p.Name != nil {
		rec.Name = *p.Name
	}
	if p.Quantity != nil {
		rec.Quantity = *p.Quantity
	}
	if p.PurchasePrice != nil {
		price := *p.PurchasePrice
		rec.PurchasePrice = &price
	}
	if p.ClearSellingPrice {
		rec.SellingPrice = nil
	} else if p.SellingPrice != nil {
		price := *p.SellingPrice
		rec.SellingPrice = &price
	}
	if p.HSN != nil {
		rec.HSN = *p.HSN
	}
	return rec
}

func (p InventoryPatch) IsEmpty() bool {
	return p.Name == nil && p.Quantity == nil && p.PurchasePrice == nil && p.SellingPrice == nil && !p.ClearSellingPrice && p.HSN == nil
}

type Customer struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	GSTIN   string `json:"gstin" validate:"max=15"`
}

type Sale struct {
	ID             string          `json:"id"`
	InvoiceNumber  string          `json:"invoice_number"`
	Date           string          `json:"date"`
	Customer       Customer        `json:"customer"`
	Items          []LineItem      `json:"items"`
	TaxRatePercent decimal.Decimal `json:"tax_rate_percent"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	Total          decimal.Decimal `json:"total"`
	CreatedBy      string          `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
}

type Purchase struct {
	ID        string     `json:"id"`
	Date      string     `json:"date"`
	Items     []LineItem `json:"items"`
	CreatedBy string     `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
}

type InvoicePreviewRequest struct {
	Items          []LineItem       `json:"items" validate:"dive"`
	TaxRatePercent *decimal.Decimal `json:"tax_rate_percent,omitempty"`
}

type InvoicePreviewResponse struct {
	Lines  []InvoiceLine `json:"lines"`
	Totals InvoiceTotals `json:"totals"`
}

type InvoiceCreateRequest struct {
	InvoiceNumber  string           `json:"invoice_number" validate:"required"`
	Date           string           `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Customer       Customer         `json:"customer"`
	Items          []LineItem       `json:"items" validate:"required,min=1,dive"`
	TaxRatePercent *decimal.Decimal `json:"tax_rate_percent,omitempty"`
}

type PurchaseCreateRequest struct {
	Date  string     `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Items []LineItem `json:"items" validate:"required,min=1,dive"`
}

// ReconcileSummary is the caller-facing digest of one reconcile run.
type ReconcileSummary struct {
	Updated int      `json:"updated"`
	Created int      `json:"created"`
	Skipped int      `json:"skipped"`
	Missing int      `json:"missing"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

type InvoiceResponse struct {
	Sale      Sale             `json:"sale"`
	Lines     []InvoiceLine    `json:"lines"`
	Inventory ReconcileSummary `json:"inventory"`
}

type PurchaseResponse struct {
	Purchase  Purchase         `json:"purchase"`
	Inventory ReconcileSummary `json:"inventory"`
}

type InventoryAddRequest struct {
	Name         string           `json:"name" validate:"required"`
	Quantity     decimal.Decimal  `json:"quantity" validate:"gt=0"`
	SellingPrice *decimal.Decimal `json:"selling_price,omitempty"`
}

type InventoryUpdateRequest struct {
	Name              *string          `json:"name,omitempty"`
	Quantity          *decimal.Decimal `json:"quantity,omitempty"`
	PurchasePrice     *decimal.Decimal `json:"purchase_price,omitempty"`
	SellingPrice      *decimal.Decimal `json:"selling_price,omitempty"`
	ClearSellingPrice bool             `json:"clear_selling_price,omitempty"`
	HSN               *string          `json:"hsn,omitempty"`
}

type StockPoint struct {
	Name     string          `json:"name"`
	Quantity decimal.Decimal `json:"quantity"`
}

type RecentSale struct {
	ID            string          `json:"id"`
	InvoiceNumber string          `json:"invoice_number"`
	Customer      string          `json:"customer"`
	Date          string          `json:"date"`
	Total         decimal.Decimal `json:"total"`
}

type Dashboard struct {
	ItemCount     int             `json:"item_count"`
	TotalStock    decimal.Decimal `json:"total_stock"`
	Stock         []StockPoint    `json:"stock"`
	RecentSales   []RecentSale    `json:"recent_sales"`
	RecentRevenue decimal.Decimal `json:"recent_revenue"`
	TopSelling    []StockPoint    `json:"top_selling"`
	GeneratedAt   string          `json:"generated_at"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Email string
	Role  string
}

type StaffCreateRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

type StaffUser struct {
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Email     string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)
