package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"metalbooks/backend/internal/dashboard"
	"metalbooks/backend/internal/domain"
	"metalbooks/backend/internal/invoice"
	"metalbooks/backend/internal/reconcile"
	"metalbooks/backend/internal/store"
)

const dateLayout = "2006-01-02"

var (
	ErrForbidden    = errors.New("admin role required")
	ErrInvalidInput = errors.New("invalid input")
)

var hundred = decimal.NewFromInt(100)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	DefaultTaxRatePercent decimal.Decimal
	NegativeWeight        invoice.NegativeWeightPolicy
	RefreshPurchasePrice  bool
}

type Service struct {
	repo           store.Repository
	calc           invoice.Calculator
	reconciler     *reconcile.Reconciler
	dashboard      *dashboard.Engine
	validate       *validator.Validate
	log            *logrus.Logger
	defaultTaxRate decimal.Decimal
	now            func() time.Time
}

func New(repo store.Repository, board *dashboard.Engine, opts Options, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	calc := invoice.NewCalculator(opts.NegativeWeight)
	if board == nil {
		board = dashboard.NewEngine(nil, 0, calc)
	}
	taxRate := opts.DefaultTaxRatePercent
	if taxRate.IsNegative() || taxRate.GreaterThan(hundred) {
		taxRate = decimal.NewFromInt(18)
	}

	return &Service{
		repo:           repo,
		calc:           calc,
		reconciler:     reconcile.New(repo, calc, reconcile.Policy{RefreshPurchasePrice: opts.RefreshPurchasePrice}, logger),
		dashboard:      board,
		validate:       newValidator(),
		log:            logger,
		defaultTaxRate: taxRate,
		now:            time.Now,
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

func (s *Service) check(req interface{}) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &invoice.ValidationError{Err: ErrInvalidInput, Details: err.Error()}
	}
	details := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return &invoice.ValidationError{Err: ErrInvalidInput, Details: strings.Join(details, "; ")}
}

func (s *Service) taxRate(rate *decimal.Decimal) (decimal.Decimal, error) {
	if rate == nil {
		return s.defaultTaxRate, nil
	}
	if rate.IsNegative() || rate.GreaterThan(hundred) {
		return decimal.Zero, &invoice.ValidationError{Err: ErrInvalidInput, Details: "tax_rate_percent must be between 0 and 100"}
	}
	return *rate, nil
}

func (s *Service) PreviewInvoice(_ context.Context, req domain.InvoicePreviewRequest) (domain.InvoicePreviewResponse, error) {
	req.Items = normalizeItems(req.Items)
	if err := s.check(req); err != nil {
		return domain.InvoicePreviewResponse{}, err
	}
	rate, err := s.taxRate(req.TaxRatePercent)
	if err != nil {
		return domain.InvoicePreviewResponse{}, err
	}

	totals, err := s.calc.Aggregate(req.Items, rate)
	if err != nil {
		return domain.InvoicePreviewResponse{}, err
	}
	return domain.InvoicePreviewResponse{
		Lines:  s.calc.Lines(req.Items),
		Totals: totals,
	}, nil
}

// CreateInvoice stores the sale first. Only a stored sale reaches the
// inventory, and reconcile problems are reported in the response rather than
// failing the call.
func (s *Service) CreateInvoice(ctx context.Context, req domain.InvoiceCreateRequest) (domain.InvoiceResponse, error) {
	req.InvoiceNumber = strings.TrimSpace(req.InvoiceNumber)
	req.Date = s.dateOrToday(req.Date)
	req.Customer = domain.Customer{
		Name:    strings.TrimSpace(req.Customer.Name),
		Address: strings.TrimSpace(req.Customer.Address),
		GSTIN:   strings.ToUpper(strings.TrimSpace(req.Customer.GSTIN)),
	}
	req.Items = normalizeItems(req.Items)
	if err := s.check(req); err != nil {
		return domain.InvoiceResponse{}, err
	}
	rate, err := s.taxRate(req.TaxRatePercent)
	if err != nil {
		return domain.InvoiceResponse{}, err
	}

	totals, err := s.calc.Aggregate(req.Items, rate)
	if err != nil {
		return domain.InvoiceResponse{}, err
	}

	sale, err := s.repo.CreateSale(ctx, domain.Sale{
		InvoiceNumber:  req.InvoiceNumber,
		Date:           req.Date,
		Customer:       req.Customer,
		Items:          req.Items,
		TaxRatePercent: rate,
		Subtotal:       totals.Subtotal,
		TaxAmount:      totals.TaxAmount,
		Total:          totals.Total,
		CreatedBy:      actorEmail(ctx),
	})
	if err != nil {
		return domain.InvoiceResponse{}, err
	}

	report := s.reconcile(ctx, sale.Items, reconcile.OpSale, sale.InvoiceNumber)
	return domain.InvoiceResponse{
		Sale:      *sale,
		Lines:     s.calc.Lines(sale.Items),
		Inventory: report.Summary(),
	}, nil
}

func (s *Service) RecordPurchase(ctx context.Context, req domain.PurchaseCreateRequest) (domain.PurchaseResponse, error) {
	req.Date = s.dateOrToday(req.Date)
	req.Items = normalizeItems(req.Items)
	if err := s.check(req); err != nil {
		return domain.PurchaseResponse{}, err
	}
	for i, item := range req.Items {
		if _, err := s.calc.Adjusted(item); err != nil {
			return domain.PurchaseResponse{}, fmt.Errorf("item %d: %w", i+1, err)
		}
	}

	purchase, err := s.repo.CreatePurchase(ctx, domain.Purchase{
		Date:      req.Date,
		Items:     req.Items,
		CreatedBy: actorEmail(ctx),
	})
	if err != nil {
		return domain.PurchaseResponse{}, err
	}

	report := s.reconcile(ctx, purchase.Items, reconcile.OpPurchase, purchase.ID)
	return domain.PurchaseResponse{
		Purchase:  *purchase,
		Inventory: report.Summary(),
	}, nil
}

// reconcile runs detached from the request so a client disconnect cannot
// stop it halfway through the item list.
func (s *Service) reconcile(ctx context.Context, items []domain.LineItem, op reconcile.Operation, document string) reconcile.Report {
	detached := context.WithoutCancel(ctx)
	report, err := s.reconciler.Reconcile(detached, items, op)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"module":    "service",
			"operation": string(op),
			"document":  document,
		}).WithError(err).Error("reconcile aborted")
	}
	if failed := report.Failed(); len(failed) > 0 {
		s.log.WithFields(logrus.Fields{
			"module":    "service",
			"operation": string(op),
			"document":  document,
			"failed":    len(failed),
		}).Warn("inventory partially reconciled")
	}
	s.invalidateDashboard(detached)
	return report
}

func (s *Service) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	return s.repo.ListRecentSales(ctx, limit)
}

func (s *Service) ListPurchases(ctx context.Context, limit int) ([]domain.Purchase, error) {
	return s.repo.ListPurchases(ctx, limit)
}

// ListInventory returns every record, or those whose name contains query
// regardless of case.
func (s *Service) ListInventory(ctx context.Context, query string) ([]domain.InventoryRecord, error) {
	records, err := s.repo.ListInventory(ctx)
	if err != nil {
		return nil, err
	}
	sortByName(records)
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return records, nil
	}
	matched := make([]domain.InventoryRecord, 0, len(records))
	for _, rec := range records {
		if strings.Contains(strings.ToLower(rec.Name), needle) {
			matched = append(matched, rec)
		}
	}
	return matched, nil
}

// AddInventoryItem merges into a record with the same name or creates one.
// A merge adds quantity and only touches the selling price when one is given.
func (s *Service) AddInventoryItem(ctx context.Context, req domain.InventoryAddRequest) (domain.InventoryRecord, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := s.check(req); err != nil {
		return domain.InventoryRecord{}, err
	}
	if req.SellingPrice != nil && req.SellingPrice.IsNegative() {
		return domain.InventoryRecord{}, &invoice.ValidationError{Err: ErrInvalidInput, Details: "selling_price must not be negative"}
	}

	existing, err := s.repo.FindInventoryByName(ctx, req.Name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.InventoryRecord{}, err
	}

	var saved *domain.InventoryRecord
	if existing != nil {
		quantity := existing.Quantity.Add(req.Quantity)
		saved, err = s.repo.UpdateInventory(ctx, existing.ID, domain.InventoryPatch{
			Quantity:     &quantity,
			SellingPrice: req.SellingPrice,
		})
	} else {
		saved, err = s.repo.CreateInventory(ctx, domain.InventoryRecord{
			Name:         req.Name,
			Quantity:     req.Quantity,
			SellingPrice: req.SellingPrice,
		})
	}
	if err != nil {
		return domain.InventoryRecord{}, err
	}

	s.invalidateDashboard(ctx)
	return *saved, nil
}

func (s *Service) UpdateInventoryItem(ctx context.Context, id string, req domain.InventoryUpdateRequest) (domain.InventoryRecord, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.InventoryRecord{}, store.ErrInvalidRecord
	}

	patch := domain.InventoryPatch{
		Quantity:          req.Quantity,
		PurchasePrice:     req.PurchasePrice,
		SellingPrice:      req.SellingPrice,
		ClearSellingPrice: req.ClearSellingPrice,
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.InventoryRecord{}, &invoice.ValidationError{Err: ErrInvalidInput, Details: "name must not be blank"}
		}
		patch.Name = &name
	}
	if req.HSN != nil {
		hsn := strings.TrimSpace(*req.HSN)
		patch.HSN = &hsn
	}
	for field, value := range map[string]*decimal.Decimal{
		"quantity":       req.Quantity,
		"purchase_price": req.PurchasePrice,
		"selling_price":  req.SellingPrice,
	} {
		if value != nil && value.IsNegative() {
			return domain.InventoryRecord{}, &invoice.ValidationError{Err: ErrInvalidInput, Details: field + " must not be negative"}
		}
	}
	if patch.IsEmpty() {
		return domain.InventoryRecord{}, &invoice.ValidationError{Err: ErrInvalidInput, Details: "nothing to update"}
	}

	updated, err := s.repo.UpdateInventory(ctx, id, patch)
	if err != nil {
		return domain.InventoryRecord{}, err
	}
	s.invalidateDashboard(ctx)
	return *updated, nil
}

func (s *Service) DeleteInventoryItem(ctx context.Context, id string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return ErrForbidden
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return store.ErrInvalidRecord
	}
	if err := s.repo.DeleteInventory(ctx, id); err != nil {
		return err
	}
	s.invalidateDashboard(ctx)
	return nil
}

func (s *Service) Dashboard(ctx context.Context) (domain.Dashboard, error) {
	return s.dashboard.Summary(ctx, s.repo)
}

func (s *Service) invalidateDashboard(ctx context.Context) {
	if err := s.dashboard.Invalidate(ctx); err != nil {
		s.log.WithField("module", "service").WithError(err).Warn("dashboard cache invalidation failed")
	}
}

func (s *Service) dateOrToday(date string) string {
	date = strings.TrimSpace(date)
	if date == "" {
		return s.now().Format(dateLayout)
	}
	return date
}

func actorEmail(ctx context.Context) string {
	actor, _ := ActorFromContext(ctx)
	return actor.Email
}

func normalizeItems(items []domain.LineItem) []domain.LineItem {
	result := make([]domain.LineItem, 0, len(items))
	for _, item := range items {
		item.Description = strings.TrimSpace(item.Description)
		item.HSN = strings.TrimSpace(item.HSN)
		item.Type = item.Type.Normalize()
		result = append(result, item)
	}
	return result
}

func sortByName(records []domain.InventoryRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return strings.ToLower(records[i].Name) < strings.ToLower(records[j].Name)
	})
}
