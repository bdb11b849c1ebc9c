package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"metalbooks/backend/internal/domain"
	"metalbooks/backend/internal/invoice"
	"metalbooks/backend/internal/store"
)

type fakeInventory struct {
	records   map[string]domain.InventoryRecord
	nextID    int
	calls     int
	lookupErr map[string]error
	writeErr  map[string]error
}

func newFakeInventory(records ...domain.InventoryRecord) *fakeInventory {
	f := &fakeInventory{
		records:   map[string]domain.InventoryRecord{},
		lookupErr: map[string]error{},
		writeErr:  map[string]error{},
	}
	for _, rec := range records {
		f.nextID++
		rec.ID = fmt.Sprintf("inv-%d", f.nextID)
		f.records[rec.ID] = rec
	}
	return f
}

func (f *fakeInventory) FindInventoryByName(_ context.Context, name string) (*domain.InventoryRecord, error) {
	f.calls++
	if err := f.lookupErr[name]; err != nil {
		return nil, err
	}
	for _, rec := range f.records {
		if rec.Name == name {
			out := rec
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeInventory) UpdateInventory(_ context.Context, id string, patch domain.InventoryPatch) (*domain.InventoryRecord, error) {
	f.calls++
	rec, ok := f.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := f.writeErr[rec.Name]; err != nil {
		return nil, err
	}
	rec = patch.Apply(rec)
	f.records[id] = rec
	return &rec, nil
}

func (f *fakeInventory) CreateInventory(_ context.Context, record domain.InventoryRecord) (*domain.InventoryRecord, error) {
	f.calls++
	if err := f.writeErr[record.Name]; err != nil {
		return nil, err
	}
	f.nextID++
	record.ID = fmt.Sprintf("inv-%d", f.nextID)
	f.records[record.ID] = record
	return &record, nil
}

func (f *fakeInventory) byName(t *testing.T, name string) domain.InventoryRecord {
	t.Helper()
	for _, rec := range f.records {
		if rec.Name == name {
			return rec
		}
	}
	t.Fatalf("expected inventory record %q", name)
	return domain.InventoryRecord{}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ptr(v decimal.Decimal) *decimal.Decimal {
	return &v
}

func newReconciler(inv Inventory, policy Policy, weight invoice.NegativeWeightPolicy) *Reconciler {
	return New(inv, invoice.NewCalculator(weight), policy, quietLogger())
}

func TestSaleClampsStockAtZero(t *testing.T) {
	inv := newFakeInventory(domain.InventoryRecord{Name: "Copper Wire", Quantity: d("10"), SellingPrice: ptr(d("700"))})
	rec := newReconciler(inv, Policy{}, invoice.NegativeWeightAllow)

	report, err := rec.Reconcile(context.Background(), []domain.LineItem{
		{Description: "Copper Wire", Quantity: d("15"), Price: d("650")},
	}, OpSale)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := inv.byName(t, "Copper Wire")
	if !got.Quantity.IsZero() {
		t.Fatalf("expected stock clamped to 0, got %s", got.Quantity)
	}
	if got.SellingPrice == nil || !got.SellingPrice.Equal(d("700")) {
		t.Fatalf("expected selling price untouched, got %v", got.SellingPrice)
	}
	if report.Items[0].Status != StatusUpdated || !report.Items[0].Before.Equal(d("10")) {
		t.Fatalf("unexpected outcome %+v", report.Items[0])
	}
}

func TestPurchaseCreatesMissingRecord(t *testing.T) {
	inv := newFakeInventory()
	rec := newReconciler(inv, Policy{}, invoice.NegativeWeightAllow)

	report, err := rec.Reconcile(context.Background(), []domain.LineItem{
		{Description: "Copper Rod", HSN: "7407", Quantity: d("50"), Price: d("610"), Type: domain.PackagingKP, Bags: 2},
	}, OpPurchase)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := inv.byName(t, "Copper Rod")
	if !got.Quantity.Equal(d("48.6")) {
		t.Fatalf("expected 48.6, got %s", got.Quantity)
	}
	if got.PurchasePrice == nil || !got.PurchasePrice.Equal(d("610")) {
		t.Fatalf("expected purchase price 610, got %v", got.PurchasePrice)
	}
	if got.SellingPrice != nil {
		t.Fatalf("expected no selling price, got %s", got.SellingPrice)
	}
	if got.HSN != "7407" {
		t.Fatalf("expected hsn 7407, got %q", got.HSN)
	}
	if summary := report.Summary(); summary.Created != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestSaleThenPurchaseOnSameRecord(t *testing.T) {
	inv := newFakeInventory(domain.InventoryRecord{Name: "Brass Sheet", Quantity: d("20"), PurchasePrice: ptr(d("300"))})
	rec := newReconciler(inv, Policy{}, invoice.NegativeWeightAllow)
	ctx := context.Background()

	if _, err := rec.Reconcile(ctx, []domain.LineItem{{Description: "Brass Sheet", Quantity: d("5"), Price: d("350")}}, OpSale); err != nil {
		t.Fatalf("sale: %v", err)
	}
	if _, err := rec.Reconcile(ctx, []domain.LineItem{{Description: "Brass Sheet", Quantity: d("3"), Price: d("350")}}, OpSale); err != nil {
		t.Fatalf("sale: %v", err)
	}
	if got := inv.byName(t, "Brass Sheet"); !got.Quantity.Equal(d("12")) {
		t.Fatalf("expected 12, got %s", got.Quantity)
	}

	if _, err := rec.Reconcile(ctx, []domain.LineItem{{Description: "Brass Sheet", Quantity: d("10"), Price: d("320"), Type: domain.PackagingP2, Bags: 5}}, OpPurchase); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	got := inv.byName(t, "Brass Sheet")
	if !got.Quantity.Equal(d("20.5")) {
		t.Fatalf("expected 20.5, got %s", got.Quantity)
	}
	if !got.PurchasePrice.Equal(d("300")) {
		t.Fatalf("expected purchase price kept at 300 by default, got %s", got.PurchasePrice)
	}
}

func TestRepeatedSaleLinesInOneInvoiceAccumulate(t *testing.T) {
	inv := newFakeInventory(domain.InventoryRecord{Name: "Brass Sheet", Quantity: d("20"), PurchasePrice: ptr(d("300"))})
	rec := newReconciler(inv, Policy{}, invoice.NegativeWeightAllow)

	report, err := rec.Reconcile(context.Background(), []domain.LineItem{
		{Description: "Brass Sheet", Quantity: d("5"), Price: d("350")},
		{Description: "Brass Sheet", Quantity: d("3"), Price: d("350")},
		{Description: "  ", Quantity: d("7"), Price: d("350")},
	}, OpSale)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := inv.byName(t, "Brass Sheet"); !got.Quantity.Equal(d("12")) {
		t.Fatalf("expected 12, got %s", got.Quantity)
	}
	if summary := report.Summary(); summary.Updated != 2 || summary.Skipped != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	// one lookup and one update per named line
	if inv.calls != 4 {
		t.Fatalf("expected 4 store calls, got %d", inv.calls)
	}
}

func TestPurchaseRefreshesPriceWhenEnabled(t *testing.T) {
	inv := newFakeInventory(domain.InventoryRecord{Name: "Zinc Ingot", Quantity: d("5"), PurchasePrice: ptr(d("210"))})
	rec := newReconciler(inv, Policy{RefreshPurchasePrice: true}, invoice.NegativeWeightAllow)

	if _, err := rec.Reconcile(context.Background(), []domain.LineItem{{Description: "Zinc Ingot", Quantity: d("5"), Price: d("225")}}, OpPurchase); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := inv.byName(t, "Zinc Ingot")
	if !got.Quantity.Equal(d("10")) || !got.PurchasePrice.Equal(d("225")) {
		t.Fatalf("expected quantity 10 and price 225, got %s and %s", got.Quantity, got.PurchasePrice)
	}
}

func TestBlankDescriptionsNeverTouchTheStore(t *testing.T) {
	inv := newFakeInventory()
	rec := newReconciler(inv, Policy{}, invoice.NegativeWeightAllow)

	for _, op := range []Operation{OpSale, OpPurchase} {
		report, err := rec.Reconcile(context.Background(), []domain.LineItem{
			{Description: "", Quantity: d("5"), Price: d("10")},
			{Description: "   \t", Quantity: d("5"), Price: d("10")},
		}, op)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if summary := report.Summary(); summary.Skipped != 2 {
			t.Fatalf("%s: expected 2 skipped, got %+v", op, summary)
		}
	}
	if inv.calls != 0 {
		t.Fatalf("expected no store calls, got %d", inv.calls)
	}
	if len(inv.records) != 0 {
		t.Fatalf("expected no records created, got %d", len(inv.records))
	}
}

func TestSaleOfUnknownItemIsNoOp(t *testing.T) {
	inv := newFakeInventory(domain.InventoryRecord{Name: "Lead", Quantity: d("8")})
	rec := newReconciler(inv, Policy{}, invoice.NegativeWeightAllow)

	report, err := rec.Reconcile(context.Background(), []domain.LineItem{
		{Description: "Nickel", Quantity: d("3"), Price: d("1000")},
		{Description: "lead", Quantity: d("3"), Price: d("100")},
	}, OpSale)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary := report.Summary(); summary.Missing != 2 || summary.Failed != 0 {
		t.Fatalf("expected both lines missing, got %+v", summary)
	}
	if len(inv.records) != 1 || !inv.byName(t, "Lead").Quantity.Equal(d("8")) {
		t.Fatalf("expected inventory untouched, got %+v", inv.records)
	}
}

func TestFailuresDoNotStopLaterItems(t *testing.T) {
	lookupErr := errors.New("connection reset")
	writeErr := errors.New("quota exceeded")
	inv := newFakeInventory(
		domain.InventoryRecord{Name: "Copper", Quantity: d("10")},
		domain.InventoryRecord{Name: "Brass", Quantity: d("10")},
		domain.InventoryRecord{Name: "Zinc", Quantity: d("10")},
	)
	inv.lookupErr["Copper"] = lookupErr
	inv.writeErr["Brass"] = writeErr
	rec := newReconciler(inv, Policy{}, invoice.NegativeWeightAllow)

	report, err := rec.Reconcile(context.Background(), []domain.LineItem{
		{Description: "Copper", Quantity: d("1"), Price: d("1")},
		{Description: "Brass", Quantity: d("2"), Price: d("1")},
		{Description: "Zinc", Quantity: d("3"), Price: d("1")},
	}, OpSale)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	failed := report.Failed()
	if len(failed) != 2 {
		t.Fatalf("expected 2 failures, got %+v", failed)
	}
	var itemErr *ItemError
	if !errors.As(failed[0].Err, &itemErr) || itemErr.Stage != StageLookup || !errors.Is(failed[0].Err, lookupErr) {
		t.Fatalf("expected lookup failure for Copper, got %v", failed[0].Err)
	}
	if !errors.As(failed[1].Err, &itemErr) || itemErr.Stage != StageWrite || !errors.Is(failed[1].Err, writeErr) {
		t.Fatalf("expected write failure for Brass, got %v", failed[1].Err)
	}
	if got := inv.byName(t, "Zinc"); !got.Quantity.Equal(d("7")) {
		t.Fatalf("expected Zinc reconciled to 7, got %s", got.Quantity)
	}
	if got := inv.byName(t, "Copper"); !got.Quantity.Equal(d("10")) {
		t.Fatalf("expected Copper untouched, got %s", got.Quantity)
	}
	if summary := report.Summary(); summary.Updated != 1 || len(summary.Errors) != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestNegativeWeightPolicies(t *testing.T) {
	overshoot := domain.LineItem{Description: "Aluminium", Quantity: d("1"), Price: d("200"), Type: domain.PackagingKP, Bags: 3}

	tests := []struct {
		name   string
		policy invoice.NegativeWeightPolicy
		op     Operation
		want   string
		status Status
	}{
		{name: "allow sale raises stock", policy: invoice.NegativeWeightAllow, op: OpSale, want: "11.1", status: StatusUpdated},
		{name: "clamp sale leaves stock", policy: invoice.NegativeWeightClamp, op: OpSale, want: "10", status: StatusUpdated},
		{name: "reject sale fails item", policy: invoice.NegativeWeightReject, op: OpSale, want: "10", status: StatusFailed},
		{name: "allow purchase lowers stock", policy: invoice.NegativeWeightAllow, op: OpPurchase, want: "8.9", status: StatusUpdated},
		{name: "clamp purchase leaves stock", policy: invoice.NegativeWeightClamp, op: OpPurchase, want: "10", status: StatusUpdated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := newFakeInventory(domain.InventoryRecord{Name: "Aluminium", Quantity: d("10")})
			rec := newReconciler(inv, Policy{}, tt.policy)

			report, err := rec.Reconcile(context.Background(), []domain.LineItem{overshoot}, tt.op)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if report.Items[0].Status != tt.status {
				t.Fatalf("expected status %s, got %+v", tt.status, report.Items[0])
			}
			if got := inv.byName(t, "Aluminium"); !got.Quantity.Equal(d(tt.want)) {
				t.Fatalf("expected %s, got %s", tt.want, got.Quantity)
			}
		})
	}
}

func TestRejectedItemMakesNoStoreCalls(t *testing.T) {
	inv := newFakeInventory()
	rec := newReconciler(inv, Policy{}, invoice.NegativeWeightReject)

	report, err := rec.Reconcile(context.Background(), []domain.LineItem{
		{Description: "Tin", Quantity: d("0.5"), Price: d("10"), Type: domain.PackagingKP, Bags: 1},
	}, OpPurchase)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !errors.Is(report.Items[0].Err, invoice.ErrNegativeWeight) {
		t.Fatalf("expected ErrNegativeWeight, got %v", report.Items[0].Err)
	}
	if inv.calls != 0 {
		t.Fatalf("expected no store calls, got %d", inv.calls)
	}
}

func TestUnknownOperation(t *testing.T) {
	rec := newReconciler(newFakeInventory(), Policy{}, invoice.NegativeWeightAllow)
	if _, err := rec.Reconcile(context.Background(), nil, "RETURN"); !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation, got %v", err)
	}
}

func TestItemsAreProcessedInOrder(t *testing.T) {
	inv := newFakeInventory()
	rec := newReconciler(inv, Policy{}, invoice.NegativeWeightAllow)

	report, err := rec.Reconcile(context.Background(), []domain.LineItem{
		{Description: "Copper", Quantity: d("4"), Price: d("600")},
		{Description: "Copper", Quantity: d("6"), Price: d("610")},
	}, OpPurchase)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Items[0].Status != StatusCreated || report.Items[1].Status != StatusUpdated {
		t.Fatalf("expected create then update, got %+v", report.Items)
	}
	if report.Items[1].Index != 1 || !report.Items[1].Before.Equal(d("4")) {
		t.Fatalf("unexpected second outcome %+v", report.Items[1])
	}
	if got := inv.byName(t, "Copper"); !got.Quantity.Equal(d("10")) {
		t.Fatalf("expected 10, got %s", got.Quantity)
	}
}
