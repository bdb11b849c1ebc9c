package service

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"metalbooks/backend/internal/dashboard"
	"metalbooks/backend/internal/domain"
	"metalbooks/backend/internal/invoice"
	"metalbooks/backend/internal/store"
	"metalbooks/backend/internal/store/memory"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestService(t *testing.T, opts Options) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.NewSeeded()
	if opts.DefaultTaxRatePercent.IsZero() {
		opts.DefaultTaxRatePercent = decimal.NewFromInt(18)
	}
	board := dashboard.NewEngine(nil, time.Minute, invoice.NewCalculator(opts.NegativeWeight))
	svc := New(repo, board, opts, quietLogger())
	svc.now = func() time.Time { return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC) }
	return svc, repo
}

func staffContext() context.Context {
	return WithActor(context.Background(), domain.Actor{Email: "staff@metalbooks.local", Role: domain.RoleStaff})
}

func adminContext() context.Context {
	return WithActor(context.Background(), domain.Actor{Email: "admin@metalbooks.local", Role: domain.RoleAdmin})
}

func dec(t *testing.T, value string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(value)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", value, err)
	}
	return d
}

func quantityOf(t *testing.T, repo *memory.Store, name string) decimal.Decimal {
	t.Helper()
	rec, err := repo.FindInventoryByName(context.Background(), name)
	if err != nil {
		t.Fatalf("find %q: %v", name, err)
	}
	return rec.Quantity
}

func TestPreviewInvoiceUsesDefaultTaxRate(t *testing.T) {
	svc, _ := newTestService(t, Options{})

	resp, err := svc.PreviewInvoice(context.Background(), domain.InvoicePreviewRequest{
		Items: []domain.LineItem{
			{Description: "Copper Wire", Quantity: dec(t, "50.5"), Price: dec(t, "690"), Type: "kp", Bags: 2},
		},
	})
	if err != nil {
		t.Fatalf("preview failed: %v", err)
	}
	// 50.5 - 1.4 = 49.1 kg at 690
	if !resp.Totals.Subtotal.Equal(dec(t, "33879")) {
		t.Fatalf("unexpected subtotal %s", resp.Totals.Subtotal)
	}
	if !resp.Totals.TaxAmount.Equal(dec(t, "6098.22")) {
		t.Fatalf("unexpected tax %s", resp.Totals.TaxAmount)
	}
	if len(resp.Lines) != 1 || resp.Lines[0].Type != domain.PackagingKP || resp.Lines[0].Adjusted != "49.100" {
		t.Fatalf("unexpected lines %+v", resp.Lines)
	}
}

func TestPreviewInvoiceRejectsBadInput(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	rate := dec(t, "120")

	cases := []struct {
		name string
		req  domain.InvoicePreviewRequest
	}{
		{"unknown packaging", domain.InvoicePreviewRequest{Items: []domain.LineItem{{Description: "x", Quantity: dec(t, "1"), Type: "XX"}}}},
		{"negative price", domain.InvoicePreviewRequest{Items: []domain.LineItem{{Description: "x", Quantity: dec(t, "1"), Price: dec(t, "-1")}}}},
		{"negative bags", domain.InvoicePreviewRequest{Items: []domain.LineItem{{Description: "x", Quantity: dec(t, "1"), Bags: -1}}}},
		{"tax out of range", domain.InvoicePreviewRequest{TaxRatePercent: &rate}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.PreviewInvoice(context.Background(), tc.req)
			var vErr *invoice.ValidationError
			if !errors.As(err, &vErr) || !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCreateInvoiceCommitsSaleThenReducesStock(t *testing.T) {
	svc, repo := newTestService(t, Options{})

	resp, err := svc.CreateInvoice(staffContext(), domain.InvoiceCreateRequest{
		InvoiceNumber: " INV-1001 ",
		Customer:      domain.Customer{Name: "Shree Metals", GSTIN: "27aaacs1234f1z5"},
		Items: []domain.LineItem{
			{Description: "Brass Sheet", Quantity: dec(t, "20.6"), Price: dec(t, "455"), Type: domain.PackagingP2, Bags: 2},
			{Description: "Unknown Alloy", Quantity: dec(t, "3"), Price: dec(t, "100")},
			{Description: "  ", Quantity: dec(t, "1"), Price: dec(t, "10")},
		},
	})
	if err != nil {
		t.Fatalf("create invoice failed: %v", err)
	}

	if resp.Sale.InvoiceNumber != "INV-1001" || resp.Sale.Date != "2026-03-14" || resp.Sale.CreatedBy != "staff@metalbooks.local" {
		t.Fatalf("unexpected sale header %+v", resp.Sale)
	}
	if resp.Sale.Customer.GSTIN != "27AAACS1234F1Z5" {
		t.Fatalf("expected normalised gstin, got %q", resp.Sale.Customer.GSTIN)
	}
	// 20.6 - 0.6 = 20 kg at 455, plus 3 kg at 100, plus 1 at 10
	if !resp.Sale.Subtotal.Equal(dec(t, "9410")) || !resp.Sale.TaxRatePercent.Equal(dec(t, "18")) {
		t.Fatalf("unexpected totals %+v", resp.Sale)
	}
	if resp.Inventory.Updated != 1 || resp.Inventory.Missing != 1 || resp.Inventory.Skipped != 1 {
		t.Fatalf("unexpected reconcile summary %+v", resp.Inventory)
	}

	if got := quantityOf(t, repo, "Brass Sheet"); !got.Equal(dec(t, "100")) {
		t.Fatalf("expected brass at 100, got %s", got)
	}
	if _, err := repo.FindInventoryByName(context.Background(), "Unknown Alloy"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("sale must not create inventory, got %v", err)
	}

	sales, err := svc.ListSales(context.Background(), 10)
	if err != nil || len(sales) != 1 {
		t.Fatalf("expected stored sale, got %v / %v", sales, err)
	}
}

func TestCreateInvoiceDuplicateNumberLeavesStockAlone(t *testing.T) {
	svc, repo := newTestService(t, Options{})
	req := domain.InvoiceCreateRequest{
		InvoiceNumber: "INV-7",
		Date:          "2026-03-01",
		Items:         []domain.LineItem{{Description: "Zinc Ingot", Quantity: dec(t, "10"), Price: dec(t, "300")}},
	}
	if _, err := svc.CreateInvoice(staffContext(), req); err != nil {
		t.Fatalf("first invoice failed: %v", err)
	}
	if _, err := svc.CreateInvoice(staffContext(), req); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if got := quantityOf(t, repo, "Zinc Ingot"); !got.Equal(dec(t, "70")) {
		t.Fatalf("expected a single deduction leaving 70, got %s", got)
	}
}

func TestCreateInvoiceValidatesHeader(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	items := []domain.LineItem{{Description: "Zinc Ingot", Quantity: dec(t, "1"), Price: dec(t, "1")}}

	cases := []domain.InvoiceCreateRequest{
		{InvoiceNumber: "", Items: items},
		{InvoiceNumber: "INV-1"},
		{InvoiceNumber: "INV-1", Date: "14/03/2026", Items: items},
		{InvoiceNumber: "INV-1", Customer: domain.Customer{GSTIN: "1234567890123456"}, Items: items},
	}
	for i, req := range cases {
		if _, err := svc.CreateInvoice(staffContext(), req); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}
}

func TestCreateInvoiceRejectPolicyWritesNothing(t *testing.T) {
	svc, repo := newTestService(t, Options{NegativeWeight: invoice.NegativeWeightReject})

	_, err := svc.CreateInvoice(staffContext(), domain.InvoiceCreateRequest{
		InvoiceNumber: "INV-9",
		Items: []domain.LineItem{
			{Description: "Zinc Ingot", Quantity: dec(t, "1"), Price: dec(t, "300"), Type: domain.PackagingKP, Bags: 3},
		},
	})
	if !errors.Is(err, invoice.ErrNegativeWeight) {
		t.Fatalf("expected ErrNegativeWeight, got %v", err)
	}
	sales, _ := svc.ListSales(context.Background(), 10)
	if len(sales) != 0 {
		t.Fatalf("rejected invoice must not be stored, got %d", len(sales))
	}
	if got := quantityOf(t, repo, "Zinc Ingot"); !got.Equal(dec(t, "80")) {
		t.Fatalf("stock changed to %s", got)
	}
}

func TestRecordPurchaseCreatesAndTopsUp(t *testing.T) {
	svc, repo := newTestService(t, Options{})

	resp, err := svc.RecordPurchase(staffContext(), domain.PurchaseCreateRequest{
		Items: []domain.LineItem{
			{Description: "Copper Rod", HSN: "7407", Quantity: dec(t, "50"), Price: dec(t, "610.25"), Type: domain.PackagingKP, Bags: 2},
			{Description: "Zinc Ingot", Quantity: dec(t, "20.3"), Price: dec(t, "275"), Type: domain.PackagingP2, Bags: 1},
		},
	})
	if err != nil {
		t.Fatalf("record purchase failed: %v", err)
	}
	if resp.Purchase.ID == "" || resp.Purchase.Date != "2026-03-14" {
		t.Fatalf("unexpected purchase %+v", resp.Purchase)
	}
	if resp.Inventory.Created != 1 || resp.Inventory.Updated != 1 {
		t.Fatalf("unexpected summary %+v", resp.Inventory)
	}

	rod, err := repo.FindInventoryByName(context.Background(), "Copper Rod")
	if err != nil {
		t.Fatalf("find copper rod: %v", err)
	}
	if !rod.Quantity.Equal(dec(t, "48.6")) || rod.PurchasePrice == nil || !rod.PurchasePrice.Equal(dec(t, "610.25")) || rod.HSN != "7407" {
		t.Fatalf("unexpected created record %+v", rod)
	}

	zinc, err := repo.FindInventoryByName(context.Background(), "Zinc Ingot")
	if err != nil {
		t.Fatalf("find zinc: %v", err)
	}
	if !zinc.Quantity.Equal(dec(t, "100")) || !zinc.PurchasePrice.Equal(dec(t, "260")) {
		t.Fatalf("unexpected topped up record %+v", zinc)
	}
}

func TestRecordPurchaseRefreshesPriceWhenEnabled(t *testing.T) {
	svc, repo := newTestService(t, Options{RefreshPurchasePrice: true})

	if _, err := svc.RecordPurchase(staffContext(), domain.PurchaseCreateRequest{
		Date:  "2026-03-10",
		Items: []domain.LineItem{{Description: "Zinc Ingot", Quantity: dec(t, "5"), Price: dec(t, "275")}},
	}); err != nil {
		t.Fatalf("record purchase failed: %v", err)
	}
	zinc, _ := repo.FindInventoryByName(context.Background(), "Zinc Ingot")
	if !zinc.PurchasePrice.Equal(dec(t, "275")) {
		t.Fatalf("expected refreshed price 275, got %s", zinc.PurchasePrice)
	}
}

func TestReconcileSurvivesCancelledRequest(t *testing.T) {
	svc, repo := newTestService(t, Options{})
	ctx, cancel := context.WithCancel(staffContext())

	resp, err := svc.CreateInvoice(ctx, domain.InvoiceCreateRequest{
		InvoiceNumber: "INV-22",
		Items:         []domain.LineItem{{Description: "Aluminium Ingot", Quantity: dec(t, "25"), Price: dec(t, "240")}},
	})
	cancel()
	if err != nil {
		t.Fatalf("create invoice failed: %v", err)
	}
	if resp.Inventory.Updated != 1 {
		t.Fatalf("unexpected summary %+v", resp.Inventory)
	}
	if got := quantityOf(t, repo, "Aluminium Ingot"); !got.Equal(dec(t, "475")) {
		t.Fatalf("expected 475, got %s", got)
	}
}

func TestAddInventoryItemMergesByName(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := staffContext()

	merged, err := svc.AddInventoryItem(ctx, domain.InventoryAddRequest{Name: " Zinc Ingot ", Quantity: dec(t, "20")})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if !merged.Quantity.Equal(dec(t, "100")) || merged.SellingPrice != nil {
		t.Fatalf("unexpected merge result %+v", merged)
	}

	price := dec(t, "300")
	merged, err = svc.AddInventoryItem(ctx, domain.InventoryAddRequest{Name: "Zinc Ingot", Quantity: dec(t, "1"), SellingPrice: &price})
	if err != nil {
		t.Fatalf("merge with price failed: %v", err)
	}
	if merged.SellingPrice == nil || !merged.SellingPrice.Equal(price) {
		t.Fatalf("expected selling price set, got %+v", merged)
	}

	created, err := svc.AddInventoryItem(ctx, domain.InventoryAddRequest{Name: "Tin Bar", Quantity: dec(t, "12.5")})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.ID == "" || !created.Quantity.Equal(dec(t, "12.5")) {
		t.Fatalf("unexpected created record %+v", created)
	}

	if _, err := svc.AddInventoryItem(ctx, domain.InventoryAddRequest{Name: "Tin Bar", Quantity: decimal.Zero}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero quantity, got %v", err)
	}
}

func TestUpdateAndDeleteInventoryItem(t *testing.T) {
	svc, repo := newTestService(t, Options{})
	brass, _ := repo.FindInventoryByName(context.Background(), "Brass Sheet")

	qty := dec(t, "90.5")
	updated, err := svc.UpdateInventoryItem(staffContext(), brass.ID, domain.InventoryUpdateRequest{Quantity: &qty, ClearSellingPrice: true})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if !updated.Quantity.Equal(qty) || updated.SellingPrice != nil {
		t.Fatalf("unexpected update %+v", updated)
	}

	negative := dec(t, "-1")
	if _, err := svc.UpdateInventoryItem(staffContext(), brass.ID, domain.InventoryUpdateRequest{Quantity: &negative}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.UpdateInventoryItem(staffContext(), brass.ID, domain.InventoryUpdateRequest{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty patch, got %v", err)
	}
	if _, err := svc.UpdateInventoryItem(staffContext(), "inv-missing", domain.InventoryUpdateRequest{Quantity: &qty}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := svc.DeleteInventoryItem(staffContext(), brass.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for staff, got %v", err)
	}
	if err := svc.DeleteInventoryItem(adminContext(), brass.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := repo.GetInventory(context.Background(), brass.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected record gone, got %v", err)
	}
}

func TestListInventorySearchIsCaseInsensitive(t *testing.T) {
	svc, _ := newTestService(t, Options{})

	all, err := svc.ListInventory(context.Background(), "")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 4 || all[0].Name != "Aluminium Ingot" {
		t.Fatalf("expected 4 records sorted by name, got %+v", all)
	}

	ingots, err := svc.ListInventory(context.Background(), "INGOT")
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(ingots) != 2 {
		t.Fatalf("expected 2 ingots, got %d", len(ingots))
	}
}

func TestDashboardReflectsNewInvoice(t *testing.T) {
	svc, _ := newTestService(t, Options{})

	before, err := svc.Dashboard(context.Background())
	if err != nil {
		t.Fatalf("dashboard failed: %v", err)
	}
	if before.ItemCount != 4 || len(before.RecentSales) != 0 {
		t.Fatalf("unexpected initial dashboard %+v", before)
	}

	if _, err := svc.CreateInvoice(staffContext(), domain.InvoiceCreateRequest{
		InvoiceNumber: "INV-50",
		Customer:      domain.Customer{Name: "Om Traders"},
		Items:         []domain.LineItem{{Description: "Copper Wire", Quantity: dec(t, "10"), Price: dec(t, "690")}},
	}); err != nil {
		t.Fatalf("create invoice failed: %v", err)
	}

	after, err := svc.Dashboard(context.Background())
	if err != nil {
		t.Fatalf("dashboard failed: %v", err)
	}
	if len(after.RecentSales) != 1 || after.RecentSales[0].Customer != "Om Traders" {
		t.Fatalf("expected fresh dashboard after invoice, got %+v", after.RecentSales)
	}
	if len(after.TopSelling) != 1 || !after.TopSelling[0].Quantity.Equal(dec(t, "10")) {
		t.Fatalf("unexpected top selling %+v", after.TopSelling)
	}
}
