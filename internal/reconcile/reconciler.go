// Package reconcile applies the stock effect of a committed sale or purchase
// document to the inventory, one line item at a time.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"metalbooks/backend/internal/domain"
	"metalbooks/backend/internal/invoice"
	"metalbooks/backend/internal/store"
)

// Inventory is the slice of the repository the reconciler writes through.
// FindInventoryByName must return store.ErrNotFound when no record matches.
type Inventory interface {
	FindInventoryByName(ctx context.Context, name string) (*domain.InventoryRecord, error)
	UpdateInventory(ctx context.Context, id string, patch domain.InventoryPatch) (*domain.InventoryRecord, error)
	CreateInventory(ctx context.Context, record domain.InventoryRecord) (*domain.InventoryRecord, error)
}

type Operation string

const (
	OpSale     Operation = "SALE"
	OpPurchase Operation = "PURCHASE"
)

type Status string

const (
	StatusUpdated Status = "updated"
	StatusCreated Status = "created"
	StatusSkipped Status = "skipped"
	StatusMissing Status = "missing"
	StatusFailed  Status = "failed"
)

type Stage string

const (
	StageValidate Stage = "validate"
	StageLookup   Stage = "lookup"
	StageWrite    Stage = "write"
)

var ErrUnknownOperation = errors.New("unknown reconcile operation")

// ItemError records where a single item failed. Other items are unaffected.
type ItemError struct {
	Stage Stage
	Item  string
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Stage, e.Item, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

type Policy struct {
	// RefreshPurchasePrice overwrites the stored purchase price with the
	// line price when a purchase lands on an existing record.
	RefreshPurchasePrice bool
}

type ItemOutcome struct {
	Index  int
	Name   string
	Status Status
	Before decimal.Decimal
	After  decimal.Decimal
	Delta  decimal.Decimal
	Err    error
}

// Report is diagnostic. Writes that happened before a failure stay applied.
type Report struct {
	Operation Operation
	Items     []ItemOutcome
}

func (r Report) Failed() []ItemOutcome {
	var out []ItemOutcome
	for _, item := range r.Items {
		if item.Status == StatusFailed {
			out = append(out, item)
		}
	}
	return out
}

func (r Report) Summary() domain.ReconcileSummary {
	var summary domain.ReconcileSummary
	for _, item := range r.Items {
		switch item.Status {
		case StatusUpdated:
			summary.Updated++
		case StatusCreated:
			summary.Created++
		case StatusSkipped:
			summary.Skipped++
		case StatusMissing:
			summary.Missing++
		case StatusFailed:
			summary.Failed++
		}
		if item.Err != nil {
			summary.Errors = append(summary.Errors, item.Err.Error())
		}
	}
	return summary
}

type Reconciler struct {
	inventory Inventory
	calc      invoice.Calculator
	policy    Policy
	log       *logrus.Logger
}

func New(inventory Inventory, calc invoice.Calculator, policy Policy, logger *logrus.Logger) *Reconciler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reconciler{
		inventory: inventory,
		calc:      calc,
		policy:    policy,
		log:       logger,
	}
}

// Reconcile walks items in order and awaits each store call before moving
// on. It never stops early on an item failure; the error return is reserved
// for an unknown operation.
func (r *Reconciler) Reconcile(ctx context.Context, items []domain.LineItem, op Operation) (Report, error) {
	if op != OpSale && op != OpPurchase {
		return Report{}, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}

	report := Report{Operation: op, Items: make([]ItemOutcome, 0, len(items))}
	for i, item := range items {
		outcome := r.apply(ctx, item, op)
		outcome.Index = i
		report.Items = append(report.Items, outcome)
	}
	return report, nil
}

func (r *Reconciler) apply(ctx context.Context, item domain.LineItem, op Operation) ItemOutcome {
	name := item.Description
	outcome := ItemOutcome{Name: name}
	if strings.TrimSpace(name) == "" {
		outcome.Status = StatusSkipped
		return outcome
	}

	entry := r.log.WithFields(logrus.Fields{
		"module":    "reconcile",
		"operation": string(op),
		"item":      name,
	})

	delta, err := r.calc.Adjusted(item)
	if err != nil {
		entry.WithField("stage", StageValidate).WithError(err).Warn("item rejected")
		return failed(outcome, StageValidate, err)
	}
	outcome.Delta = delta

	existing, err := r.inventory.FindInventoryByName(ctx, name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		entry.WithField("stage", StageLookup).WithError(err).Error("inventory lookup failed")
		return failed(outcome, StageLookup, err)
	}

	if existing == nil {
		if op == OpSale {
			entry.Warn("sold item has no inventory record, stock left untouched")
			outcome.Status = StatusMissing
			return outcome
		}
		price := item.Price
		created, err := r.inventory.CreateInventory(ctx, domain.InventoryRecord{
			Name:          name,
			Quantity:      delta,
			PurchasePrice: &price,
			HSN:           item.HSN,
		})
		if err != nil {
			entry.WithField("stage", StageWrite).WithError(err).Error("inventory create failed")
			return failed(outcome, StageWrite, err)
		}
		outcome.Status = StatusCreated
		outcome.After = created.Quantity
		return outcome
	}

	outcome.Before = existing.Quantity
	patch := domain.InventoryPatch{}
	var next decimal.Decimal
	if op == OpSale {
		next = decimal.Max(decimal.Zero, existing.Quantity.Sub(delta))
	} else {
		next = existing.Quantity.Add(delta)
		if r.policy.RefreshPurchasePrice {
			price := item.Price
			patch.PurchasePrice = &price
		}
	}
	patch.Quantity = &next

	updated, err := r.inventory.UpdateInventory(ctx, existing.ID, patch)
	if err != nil {
		entry.WithFields(logrus.Fields{"stage": StageWrite, "id": existing.ID}).WithError(err).Error("inventory update failed")
		return failed(outcome, StageWrite, err)
	}
	outcome.Status = StatusUpdated
	outcome.After = updated.Quantity
	entry.WithFields(logrus.Fields{
		"before": outcome.Before.String(),
		"after":  outcome.After.String(),
	}).Debug("inventory adjusted")
	return outcome
}

func failed(outcome ItemOutcome, stage Stage, err error) ItemOutcome {
	outcome.Status = StatusFailed
	outcome.Err = &ItemError{Stage: stage, Item: outcome.Name, Err: err}
	return outcome
}
