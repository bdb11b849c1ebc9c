// Package mongo keeps inventory, sales, purchases and users as documents in
// MongoDB. Quantities and prices are stored as Decimal128.
package mongo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"metalbooks/backend/internal/domain"
	"metalbooks/backend/internal/store"
	"metalbooks/backend/internal/xid"
)

const (
	inventoryCollection = "inventory"
	salesCollection     = "sales"
	purchaseCollection  = "purchases"
	usersCollection     = "users"
)

type Store struct {
	client    *mongo.Client
	inventory *mongo.Collection
	sales     *mongo.Collection
	purchases *mongo.Collection
	users     *mongo.Collection
}

func New(ctx context.Context, uri string, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	db := client.Database(database)
	s := &Store{
		client:    client,
		inventory: db.Collection(inventoryCollection),
		sales:     db.Collection(salesCollection),
		purchases: db.Collection(purchaseCollection),
		users:     db.Collection(usersCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	if _, err := s.inventory.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := s.sales.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "invoice_number", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	_, err := s.sales.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "date", Value: -1}, {Key: "created_at", Value: -1}},
	})
	return err
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

type inventoryDoc struct {
	ID            string           `bson:"_id"`
	Name          string           `bson:"name"`
	Quantity      bson.Decimal128  `bson:"quantity"`
	PurchasePrice *bson.Decimal128 `bson:"purchase_price,omitempty"`
	SellingPrice  *bson.Decimal128 `bson:"selling_price,omitempty"`
	HSN           string           `bson:"hsn"`
	UpdatedAt     time.Time        `bson:"updated_at"`
}

type lineItemDoc struct {
	Description string          `bson:"description"`
	HSN         string          `bson:"hsn"`
	Quantity    bson.Decimal128 `bson:"quantity"`
	Price       bson.Decimal128 `bson:"price"`
	Type        string          `bson:"type"`
	Bags        int             `bson:"bags"`
}

type saleDoc struct {
	ID             string          `bson:"_id"`
	InvoiceNumber  string          `bson:"invoice_number"`
	Date           string          `bson:"date"`
	Customer       customerDoc     `bson:"customer"`
	Items          []lineItemDoc   `bson:"items"`
	TaxRatePercent bson.Decimal128 `bson:"tax_rate_percent"`
	Subtotal       bson.Decimal128 `bson:"subtotal"`
	TaxAmount      bson.Decimal128 `bson:"tax_amount"`
	Total          bson.Decimal128 `bson:"total"`
	CreatedBy      string          `bson:"created_by"`
	CreatedAt      time.Time       `bson:"created_at"`
}

type customerDoc struct {
	Name    string `bson:"name"`
	Address string `bson:"address"`
	GSTIN   string `bson:"gstin"`
}

type purchaseDoc struct {
	ID        string        `bson:"_id"`
	Date      string        `bson:"date"`
	Items     []lineItemDoc `bson:"items"`
	CreatedBy string        `bson:"created_by"`
	CreatedAt time.Time     `bson:"created_at"`
}

type userDoc struct {
	Email     string    `bson:"_id"`
	Password  string    `bson:"password"`
	Role      string    `bson:"role"`
	Active    bool      `bson:"active"`
	CreatedAt time.Time `bson:"created_at"`
}

func (s *Store) findInventory(ctx context.Context, filter bson.M) (*domain.InventoryRecord, error) {
	var doc inventoryDoc
	if err := s.inventory.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return inventoryFromDoc(doc)
}

func (s *Store) FindInventoryByName(ctx context.Context, name string) (*domain.InventoryRecord, error) {
	return s.findInventory(ctx, bson.M{"name": name})
}

func (s *Store) GetInventory(ctx context.Context, id string) (*domain.InventoryRecord, error) {
	return s.findInventory(ctx, bson.M{"_id": id})
}

func (s *Store) ListInventory(ctx context.Context) ([]domain.InventoryRecord, error) {
	cursor, err := s.inventory.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []inventoryDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	records := make([]domain.InventoryRecord, 0, len(docs))
	for _, doc := range docs {
		rec, err := inventoryFromDoc(doc)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

func (s *Store) CreateInventory(ctx context.Context, record domain.InventoryRecord) (*domain.InventoryRecord, error) {
	if strings.TrimSpace(record.Name) == "" {
		return nil, store.ErrInvalidRecord
	}
	record.ID = xid.New("inv")
	record.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)

	doc := inventoryDoc{
		ID:        record.ID,
		Name:      record.Name,
		HSN:       record.HSN,
		UpdatedAt: record.UpdatedAt,
	}
	var err error
	if doc.Quantity, err = toDecimal128(record.Quantity); err != nil {
		return nil, err
	}
	if doc.PurchasePrice, err = toOptionalDecimal128(record.PurchasePrice); err != nil {
		return nil, err
	}
	if doc.SellingPrice, err = toOptionalDecimal128(record.SellingPrice); err != nil {
		return nil, err
	}

	if _, err := s.inventory.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	created := record
	return &created, nil
}

// UpdateInventory translates the patch into $set / $unset so only the patched
// fields are written.
func (s *Store) UpdateInventory(ctx context.Context, id string, patch domain.InventoryPatch) (*domain.InventoryRecord, error) {
	set := bson.M{"updated_at": time.Now().UTC().Truncate(time.Millisecond)}
	unset := bson.M{}

	if patch.Name != nil {
		if strings.TrimSpace(*patch.Name) == "" {
			return nil, store.ErrInvalidRecord
		}
		set["name"] = *patch.Name
	}
	if patch.Quantity != nil {
		qty, err := toDecimal128(*patch.Quantity)
		if err != nil {
			return nil, err
		}
		set["quantity"] = qty
	}
	if patch.PurchasePrice != nil {
		price, err := toDecimal128(*patch.PurchasePrice)
		if err != nil {
			return nil, err
		}
		set["purchase_price"] = price
	}
	if patch.ClearSellingPrice {
		unset["selling_price"] = ""
	} else if patch.SellingPrice != nil {
		price, err := toDecimal128(*patch.SellingPrice)
		if err != nil {
			return nil, err
		}
		set["selling_price"] = price
	}
	if patch.HSN != nil {
		set["hsn"] = *patch.HSN
	}

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	var doc inventoryDoc
	err := s.inventory.FindOneAndUpdate(ctx, bson.M{"_id": id}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		if mongo.IsDuplicateKeyError(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return inventoryFromDoc(doc)
}

func (s *Store) DeleteInventory(ctx context.Context, id string) error {
	res, err := s.inventory.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
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
	sale.CreatedAt = sale.CreatedAt.Truncate(time.Millisecond)

	items, err := itemsToDocs(sale.Items)
	if err != nil {
		return nil, err
	}
	doc := saleDoc{
		ID:            sale.ID,
		InvoiceNumber: sale.InvoiceNumber,
		Date:          sale.Date,
		Customer:      customerDoc{Name: sale.Customer.Name, Address: sale.Customer.Address, GSTIN: sale.Customer.GSTIN},
		Items:         items,
		CreatedBy:     sale.CreatedBy,
		CreatedAt:     sale.CreatedAt,
	}
	for dst, src := range map[*bson.Decimal128]decimal.Decimal{
		&doc.TaxRatePercent: sale.TaxRatePercent,
		&doc.Subtotal:       sale.Subtotal,
		&doc.TaxAmount:      sale.TaxAmount,
		&doc.Total:          sale.Total,
	} {
		if *dst, err = toDecimal128(src); err != nil {
			return nil, err
		}
	}

	if _, err := s.sales.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
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
	opts := options.Find().
		SetSort(bson.D{{Key: "date", Value: -1}, {Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := s.sales.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	var docs []saleDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	sales := make([]domain.Sale, 0, len(docs))
	for _, doc := range docs {
		sale := domain.Sale{
			ID:            doc.ID,
			InvoiceNumber: doc.InvoiceNumber,
			Date:          doc.Date,
			Customer:      domain.Customer{Name: doc.Customer.Name, Address: doc.Customer.Address, GSTIN: doc.Customer.GSTIN},
			CreatedBy:     doc.CreatedBy,
			CreatedAt:     doc.CreatedAt.UTC(),
		}
		if sale.Items, err = itemsFromDocs(doc.Items); err != nil {
			return nil, err
		}
		for dst, src := range map[*decimal.Decimal]bson.Decimal128{
			&sale.TaxRatePercent: doc.TaxRatePercent,
			&sale.Subtotal:       doc.Subtotal,
			&sale.TaxAmount:      doc.TaxAmount,
			&sale.Total:          doc.Total,
		} {
			if *dst, err = fromDecimal128(src); err != nil {
				return nil, err
			}
		}
		sales = append(sales, sale)
	}
	return sales, nil
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
	purchase.CreatedAt = purchase.CreatedAt.Truncate(time.Millisecond)

	items, err := itemsToDocs(purchase.Items)
	if err != nil {
		return nil, err
	}
	_, err = s.purchases.InsertOne(ctx, purchaseDoc{
		ID:        purchase.ID,
		Date:      purchase.Date,
		Items:     items,
		CreatedBy: purchase.CreatedBy,
		CreatedAt: purchase.CreatedAt,
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
	opts := options.Find().
		SetSort(bson.D{{Key: "date", Value: -1}, {Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := s.purchases.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	var docs []purchaseDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	purchases := make([]domain.Purchase, 0, len(docs))
	for _, doc := range docs {
		items, err := itemsFromDocs(doc.Items)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, domain.Purchase{
			ID:        doc.ID,
			Date:      doc.Date,
			Items:     items,
			CreatedBy: doc.CreatedBy,
			CreatedAt: doc.CreatedAt.UTC(),
		})
	}
	return purchases, nil
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

	_, err := s.users.InsertOne(ctx, userDoc{
		Email:     user.Email,
		Password:  user.Password,
		Role:      user.Role,
		Active:    user.Active,
		CreatedAt: user.CreatedAt,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	cursor, err := s.users.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []userDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	users := make([]domain.UserAccount, 0, len(docs))
	for _, doc := range docs {
		users = append(users, domain.UserAccount{
			Email:     doc.Email,
			Password:  doc.Password,
			Role:      doc.Role,
			Active:    doc.Active,
			CreatedAt: doc.CreatedAt.UTC(),
		})
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, email string, password string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidRecord
	}
	res, err := s.users.UpdateOne(ctx, bson.M{"_id": email}, bson.M{"$set": bson.M{"password": password}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func inventoryFromDoc(doc inventoryDoc) (*domain.InventoryRecord, error) {
	qty, err := fromDecimal128(doc.Quantity)
	if err != nil {
		return nil, err
	}
	rec := domain.InventoryRecord{
		ID:        doc.ID,
		Name:      doc.Name,
		Quantity:  qty,
		HSN:       doc.HSN,
		UpdatedAt: doc.UpdatedAt.UTC(),
	}
	if rec.PurchasePrice, err = fromOptionalDecimal128(doc.PurchasePrice); err != nil {
		return nil, err
	}
	if rec.SellingPrice, err = fromOptionalDecimal128(doc.SellingPrice); err != nil {
		return nil, err
	}
	return &rec, nil
}

func itemsToDocs(items []domain.LineItem) ([]lineItemDoc, error) {
	docs := make([]lineItemDoc, 0, len(items))
	for _, item := range items {
		qty, err := toDecimal128(item.Quantity)
		if err != nil {
			return nil, err
		}
		price, err := toDecimal128(item.Price)
		if err != nil {
			return nil, err
		}
		docs = append(docs, lineItemDoc{
			Description: item.Description,
			HSN:         item.HSN,
			Quantity:    qty,
			Price:       price,
			Type:        string(item.Type),
			Bags:        item.Bags,
		})
	}
	return docs, nil
}

func itemsFromDocs(docs []lineItemDoc) ([]domain.LineItem, error) {
	items := make([]domain.LineItem, 0, len(docs))
	for _, doc := range docs {
		qty, err := fromDecimal128(doc.Quantity)
		if err != nil {
			return nil, err
		}
		price, err := fromDecimal128(doc.Price)
		if err != nil {
			return nil, err
		}
		items = append(items, domain.LineItem{
			Description: doc.Description,
			HSN:         doc.HSN,
			Quantity:    qty,
			Price:       price,
			Type:        domain.PackagingType(doc.Type),
			Bags:        doc.Bags,
		})
	}
	return items, nil
}

func toDecimal128(d decimal.Decimal) (bson.Decimal128, error) {
	return bson.ParseDecimal128(d.String())
}

func fromDecimal128(d bson.Decimal128) (decimal.Decimal, error) {
	return decimal.NewFromString(d.String())
}

func toOptionalDecimal128(d *decimal.Decimal) (*bson.Decimal128, error) {
	if d == nil {
		return nil, nil
	}
	out, err := toDecimal128(*d)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func fromOptionalDecimal128(d *bson.Decimal128) (*decimal.Decimal, error) {
	if d == nil {
		return nil, nil
	}
	out, err := fromDecimal128(*d)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
