// Package catalog holds the business services that own syncable entities:
// products and inventory items. Every mutation goes through the outbox in
// the same transaction, so it replicates to sibling terminals.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/vaultsync/internal/ir"
	"github.com/roach88/vaultsync/internal/outbox"
	"github.com/roach88/vaultsync/internal/store"
)

// Entity type names as they appear in change records.
const (
	TypeProduct       = "product"
	TypeInventoryItem = "inventory_item"
)

// ErrNotFound is returned when an entity does not exist or is deleted.
var ErrNotFound = errors.New("catalog: not found")

// Product is a sellable item. Prices are in minor units.
type Product struct {
	ID         string            `json:"id"`
	SKU        string            `json:"sku"`
	Name       string            `json:"name"`
	PriceCents int64             `json:"price_cents"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// InventoryItem is the stock level of a product at a location.
type InventoryItem struct {
	ID        string    `json:"id"`
	ProductID string    `json:"product_id"`
	Location  string    `json:"location"`
	Quantity  int64     `json:"quantity"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Service implements product and inventory mutations.
type Service struct {
	store  *store.Store
	outbox *outbox.Outbox
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a catalog service. now may be nil for time.Now.
func NewService(s *store.Store, ob *outbox.Outbox, now func() time.Time, logger *slog.Logger) *Service {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, outbox: ob, now: now, logger: logger}
}

// SaveProduct creates or replaces a product.
func (s *Service) SaveProduct(ctx context.Context, p Product) (Product, error) {
	if p.ID == "" {
		return Product{}, fmt.Errorf("save product: id is required")
	}
	p.UpdatedAt = s.now().UTC()

	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		op, err := upsertOperation(ctx, tx, TypeProduct, p.ID)
		if err != nil {
			return err
		}
		_, err = s.outbox.Write(ctx, tx, TypeProduct, p.ID, op, p.payload())
		return err
	})
	if err != nil {
		return Product{}, fmt.Errorf("save product %s: %w", p.ID, err)
	}
	s.logger.Info("product saved", "entity_id", p.ID, "sku", p.SKU)
	return p, nil
}

// SetPrice changes the price of an existing product.
func (s *Service) SetPrice(ctx context.Context, productID string, priceCents int64) (Product, error) {
	var out Product
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		p, err := getProduct(ctx, tx, productID)
		if err != nil {
			return err
		}
		p.PriceCents = priceCents
		p.UpdatedAt = s.now().UTC()
		if _, err := s.outbox.Write(ctx, tx, TypeProduct, p.ID, ir.OpUpdate, p.payload()); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return Product{}, fmt.Errorf("set price %s: %w", productID, err)
	}
	return out, nil
}

// DeleteProduct tombstones a product.
func (s *Service) DeleteProduct(ctx context.Context, productID string) error {
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		p, err := getProduct(ctx, tx, productID)
		if err != nil {
			return err
		}
		p.UpdatedAt = s.now().UTC()
		_, err = s.outbox.Write(ctx, tx, TypeProduct, p.ID, ir.OpDelete, p.payload())
		return err
	})
	if err != nil {
		return fmt.Errorf("delete product %s: %w", productID, err)
	}
	return nil
}

// GetProduct reads a product.
func (s *Service) GetProduct(ctx context.Context, productID string) (Product, error) {
	ent, found, err := s.store.GetEntity(ctx, TypeProduct, productID)
	if err != nil {
		return Product{}, err
	}
	if !found || ent.Deleted {
		return Product{}, fmt.Errorf("product %s: %w", productID, ErrNotFound)
	}
	return productFromPayload(ent.State)
}

// ListProducts returns every live product ordered by ID.
func (s *Service) ListProducts(ctx context.Context) ([]Product, error) {
	ents, err := s.store.ListEntities(ctx, TypeProduct)
	if err != nil {
		return nil, err
	}
	out := make([]Product, 0, len(ents))
	for _, ent := range ents {
		if ent.Deleted {
			continue
		}
		p, err := productFromPayload(ent.State)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// SaveInventoryItem creates or replaces an inventory item.
func (s *Service) SaveInventoryItem(ctx context.Context, item InventoryItem) (InventoryItem, error) {
	if item.ID == "" {
		return InventoryItem{}, fmt.Errorf("save inventory item: id is required")
	}
	item.UpdatedAt = s.now().UTC()

	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		op, err := upsertOperation(ctx, tx, TypeInventoryItem, item.ID)
		if err != nil {
			return err
		}
		_, err = s.outbox.Write(ctx, tx, TypeInventoryItem, item.ID, op, item.payload())
		return err
	})
	if err != nil {
		return InventoryItem{}, fmt.Errorf("save inventory item %s: %w", item.ID, err)
	}
	return item, nil
}

// AdjustStock adds delta (negative for a sale) to an item's quantity.
func (s *Service) AdjustStock(ctx context.Context, itemID string, delta int64) (InventoryItem, error) {
	var out InventoryItem
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		ent, found, err := tx.GetEntity(ctx, TypeInventoryItem, itemID)
		if err != nil {
			return err
		}
		if !found || ent.Deleted {
			return ErrNotFound
		}
		item, err := inventoryFromPayload(ent.State)
		if err != nil {
			return err
		}
		item.Quantity += delta
		item.UpdatedAt = s.now().UTC()
		if _, err := s.outbox.Write(ctx, tx, TypeInventoryItem, item.ID, ir.OpUpdate, item.payload()); err != nil {
			return err
		}
		out = item
		return nil
	})
	if err != nil {
		return InventoryItem{}, fmt.Errorf("adjust stock %s: %w", itemID, err)
	}
	s.logger.Debug("stock adjusted", "entity_id", itemID, "delta", delta, "quantity", out.Quantity)
	return out, nil
}

// GetInventoryItem reads an inventory item.
func (s *Service) GetInventoryItem(ctx context.Context, itemID string) (InventoryItem, error) {
	ent, found, err := s.store.GetEntity(ctx, TypeInventoryItem, itemID)
	if err != nil {
		return InventoryItem{}, err
	}
	if !found || ent.Deleted {
		return InventoryItem{}, fmt.Errorf("inventory item %s: %w", itemID, ErrNotFound)
	}
	return inventoryFromPayload(ent.State)
}

func upsertOperation(ctx context.Context, tx *store.Tx, entityType, id string) (ir.Operation, error) {
	ent, found, err := tx.GetEntity(ctx, entityType, id)
	if err != nil {
		return "", err
	}
	if !found || ent.Deleted {
		return ir.OpCreate, nil
	}
	return ir.OpUpdate, nil
}

func getProduct(ctx context.Context, tx *store.Tx, id string) (Product, error) {
	ent, found, err := tx.GetEntity(ctx, TypeProduct, id)
	if err != nil {
		return Product{}, err
	}
	if !found || ent.Deleted {
		return Product{}, ErrNotFound
	}
	return productFromPayload(ent.State)
}

func (p Product) payload() ir.Object {
	obj := ir.Object{
		"id":          ir.String(p.ID),
		"sku":         ir.String(p.SKU),
		"name":        ir.String(p.Name),
		"price_cents": ir.Int(p.PriceCents),
		"updated_at":  ir.String(p.UpdatedAt.Format(time.RFC3339Nano)),
	}
	if len(p.Metadata) > 0 {
		meta := make(ir.Object, len(p.Metadata))
		for k, v := range p.Metadata {
			meta[k] = ir.String(v)
		}
		obj["metadata"] = meta
	}
	return obj
}

func productFromPayload(obj ir.Object) (Product, error) {
	p := Product{
		ID:   obj.GetString("id"),
		SKU:  obj.GetString("sku"),
		Name: obj.GetString("name"),
	}
	p.PriceCents, _ = obj.GetInt("price_cents")
	if meta, ok := obj["metadata"].(ir.Object); ok {
		p.Metadata = make(map[string]string, len(meta))
		for k, v := range meta {
			switch val := v.(type) {
			case ir.String:
				p.Metadata[k] = string(val)
			default:
				data, err := ir.MarshalCanonical(val)
				if err != nil {
					return Product{}, err
				}
				p.Metadata[k] = string(data)
			}
		}
	}
	t, err := parsePayloadTime(obj)
	if err != nil {
		return Product{}, fmt.Errorf("product %s: %w", p.ID, err)
	}
	p.UpdatedAt = t
	return p, nil
}

func (item InventoryItem) payload() ir.Object {
	return ir.Object{
		"id":         ir.String(item.ID),
		"product_id": ir.String(item.ProductID),
		"location":   ir.String(item.Location),
		"quantity":   ir.Int(item.Quantity),
		"updated_at": ir.String(item.UpdatedAt.Format(time.RFC3339Nano)),
	}
}

func inventoryFromPayload(obj ir.Object) (InventoryItem, error) {
	item := InventoryItem{
		ID:        obj.GetString("id"),
		ProductID: obj.GetString("product_id"),
		Location:  obj.GetString("location"),
	}
	item.Quantity, _ = obj.GetInt("quantity")
	t, err := parsePayloadTime(obj)
	if err != nil {
		return InventoryItem{}, fmt.Errorf("inventory item %s: %w", item.ID, err)
	}
	item.UpdatedAt = t
	return item, nil
}

func parsePayloadTime(obj ir.Object) (time.Time, error) {
	raw := obj.GetString("updated_at")
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}
