// Package invoice holds the line-item arithmetic of sales and purchase
// invoices: packaging weight reduction, adjusted weight, price extension and
// invoice totals.
package invoice

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"metalbooks/backend/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// packagingRule is the tare weight deducted per bag, in kilograms.
var packagingRule = map[domain.PackagingType]decimal.Decimal{
	domain.PackagingKP: decimal.RequireFromString("0.700"),
	domain.PackagingP2: decimal.RequireFromString("0.300"),
}

// TarePerBag returns the kilograms deducted per bag for the packaging type.
// Unknown types and NONE deduct nothing.
func TarePerBag(t domain.PackagingType) decimal.Decimal {
	rate, ok := packagingRule[t.Normalize()]
	if !ok {
		return decimal.Zero
	}
	return rate
}

func WeightReduction(item domain.LineItem) decimal.Decimal {
	return TarePerBag(item.Type).Mul(decimal.NewFromInt(int64(item.Bags)))
}

// AdjustedWeight is the billable weight after packaging tare. It is not
// clamped and goes negative when the tare exceeds the gross quantity.
func AdjustedWeight(item domain.LineItem) decimal.Decimal {
	return item.Quantity.Sub(WeightReduction(item))
}

func LineExtension(item domain.LineItem) decimal.Decimal {
	return AdjustedWeight(item).Mul(item.Price)
}

// Aggregate sums line extensions and applies the tax rate (in percent).
func Aggregate(items []domain.LineItem, taxRatePercent decimal.Decimal) domain.InvoiceTotals {
	subtotal := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(LineExtension(item))
	}
	return totalsFor(subtotal, taxRatePercent)
}

func totalsFor(subtotal decimal.Decimal, taxRatePercent decimal.Decimal) domain.InvoiceTotals {
	tax := subtotal.Mul(taxRatePercent).Div(hundred)
	return domain.InvoiceTotals{
		Subtotal:  subtotal,
		TaxAmount: tax,
		Total:     subtotal.Add(tax),
	}
}

type NegativeWeightPolicy string

const (
	NegativeWeightAllow  NegativeWeightPolicy = "allow"
	NegativeWeightClamp  NegativeWeightPolicy = "clamp"
	NegativeWeightReject NegativeWeightPolicy = "reject"
)

func ParseNegativeWeightPolicy(raw string) (NegativeWeightPolicy, error) {
	switch policy := NegativeWeightPolicy(raw); policy {
	case "":
		return NegativeWeightAllow, nil
	case NegativeWeightAllow, NegativeWeightClamp, NegativeWeightReject:
		return policy, nil
	default:
		return "", fmt.Errorf("unknown negative weight policy %q", raw)
	}
}

var ErrNegativeWeight = errors.New("packaging tare exceeds item quantity")

// ValidationError reports a line item that cannot be used as given.
type ValidationError struct {
	Err     error
	Details string
}

func (e *ValidationError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Details)
	}
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Calculator applies a NegativeWeightPolicy on top of the raw arithmetic.
// The zero value behaves like NegativeWeightAllow.
type Calculator struct {
	NegativeWeight NegativeWeightPolicy
}

func NewCalculator(policy NegativeWeightPolicy) Calculator {
	return Calculator{NegativeWeight: policy}
}

func (c Calculator) Adjusted(item domain.LineItem) (decimal.Decimal, error) {
	adjusted := AdjustedWeight(item)
	if !adjusted.IsNegative() {
		return adjusted, nil
	}
	switch c.NegativeWeight {
	case NegativeWeightClamp:
		return decimal.Zero, nil
	case NegativeWeightReject:
		return decimal.Zero, &ValidationError{
			Err:     ErrNegativeWeight,
			Details: fmt.Sprintf("%q: quantity %s, tare %s", item.Description, item.Quantity.String(), WeightReduction(item).String()),
		}
	default:
		return adjusted, nil
	}
}

func (c Calculator) Extension(item domain.LineItem) (decimal.Decimal, error) {
	adjusted, err := c.Adjusted(item)
	if err != nil {
		return decimal.Zero, err
	}
	return adjusted.Mul(item.Price), nil
}

// Aggregate is the policy-aware counterpart of the package-level Aggregate.
// Under NegativeWeightReject the first offending item aborts the sum.
func (c Calculator) Aggregate(items []domain.LineItem, taxRatePercent decimal.Decimal) (domain.InvoiceTotals, error) {
	subtotal := decimal.Zero
	for i, item := range items {
		ext, err := c.Extension(item)
		if err != nil {
			return domain.InvoiceTotals{}, fmt.Errorf("item %d: %w", i+1, err)
		}
		subtotal = subtotal.Add(ext)
	}
	return totalsFor(subtotal, taxRatePercent), nil
}

// Lines renders items as display rows: weights to 3 places, amounts to 2.
func (c Calculator) Lines(items []domain.LineItem) []domain.InvoiceLine {
	lines := make([]domain.InvoiceLine, 0, len(items))
	for _, item := range items {
		adjusted, err := c.Adjusted(item)
		if err != nil {
			adjusted = AdjustedWeight(item)
		}
		lines = append(lines, domain.InvoiceLine{
			Description: item.Description,
			HSN:         item.HSN,
			Quantity:    item.Quantity.String(),
			Type:        item.Type.Normalize(),
			Bags:        item.Bags,
			Reduction:   WeightReduction(item).StringFixed(3),
			Adjusted:    adjusted.StringFixed(3),
			Rate:        item.Price.String(),
			Amount:      adjusted.Mul(item.Price).StringFixed(2),
		})
	}
	return lines
}
