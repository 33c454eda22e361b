// Package products resolves free-text line items to canonical product
// records, creating them (and the sentinel "Unclassified" category)
// on first sight.
package products

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"receipts/internal/core"

	"github.com/shopspring/decimal"
)

// Store is the persistence surface the resolver needs.
type Store interface {
	InsertProduct(ctx context.Context, p *core.Product) error
	ProductByID(ctx context.Context, id int64) (*core.Product, error)
	ProductByKey(ctx context.Context, key string) (*core.Product, error)
	UpdateProduct(ctx context.Context, p *core.Product) error
	ActiveProducts(ctx context.Context) ([]core.Product, error)
	ProductsByCategory(ctx context.Context, categoryID int64) ([]core.Product, error)
	SearchProducts(ctx context.Context, query string) ([]core.Product, error)

	InsertCategory(ctx context.Context, c *core.Category) error
	CategoryByID(ctx context.Context, id int64) (*core.Category, error)
	CategoryByName(ctx context.Context, name string) (*core.Category, error)
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// ResolveOrCreate finds the active product whose composite display name
// matches description+brand case-insensitively, or creates it. An
// existing product is returned unchanged: the submitted price and
// category never overwrite it.
//
// Ingestion must not fail just because a product or the default bucket
// does not exist yet, so both are created as a side effect when absent.
func (s *Service) ResolveOrCreate(ctx context.Context, description, brand string, unitPrice decimal.Decimal, categoryID *int64) (*core.Product, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, &core.ValidationError{Field: "description", Reason: "cannot be empty"}
	}

	key := core.ProductKey(description, brand)
	existing, err := s.store.ProductByKey(ctx, key)
	if err == nil {
		slog.DebugContext(ctx, "Product resolved", "id", existing.ID, "name", key)
		return existing, nil
	}
	if !core.IsNotFound(err) {
		return nil, fmt.Errorf("lookup product: %w", err)
	}

	catID, err := s.resolveCategory(ctx, categoryID)
	if err != nil {
		return nil, err
	}

	product := core.Product{
		Name:           description,
		Brand:          strings.TrimSpace(brand),
		ReferencePrice: unitPrice,
		CategoryID:     catID,
		Active:         true,
	}
	if err := s.store.InsertProduct(ctx, &product); err != nil {
		// A concurrent resolver created it first; fetch the winner.
		if errors.Is(err, core.ErrConflict) {
			return s.store.ProductByKey(ctx, key)
		}
		return nil, fmt.Errorf("create product: %w", err)
	}

	slog.InfoContext(ctx, "Product created",
		"id", product.ID,
		"name", key,
		"category_id", catID)
	return &product, nil
}

func (s *Service) resolveCategory(ctx context.Context, categoryID *int64) (int64, error) {
	if categoryID != nil {
		cat, err := s.store.CategoryByID(ctx, *categoryID)
		if err != nil {
			return 0, fmt.Errorf("resolve product category: %w", err)
		}
		return cat.ID, nil
	}
	cat, err := s.unclassified(ctx)
	if err != nil {
		return 0, err
	}
	return cat.ID, nil
}

// unclassified returns the sentinel bucket category, creating it on
// first use. The create is idempotent: losing the uniqueness race just
// means another resolver made it, so look it up again.
func (s *Service) unclassified(ctx context.Context) (*core.Category, error) {
	cat, err := s.store.CategoryByName(ctx, core.UnclassifiedCategory)
	if err == nil {
		return cat, nil
	}
	if !core.IsNotFound(err) {
		return nil, fmt.Errorf("lookup sentinel category: %w", err)
	}

	created := core.Category{
		Name:     core.UnclassifiedCategory,
		Keywords: core.UnclassifiedCategoryKeywords,
		Level:    1,
		Active:   true,
	}
	if err := s.store.InsertCategory(ctx, &created); err != nil {
		if errors.Is(err, core.ErrConflict) {
			return s.store.CategoryByName(ctx, core.UnclassifiedCategory)
		}
		return nil, fmt.Errorf("create sentinel category: %w", err)
	}

	slog.InfoContext(ctx, "Sentinel category created", "id", created.ID, "name", created.Name)
	return &created, nil
}

// Get returns a product by id.
func (s *Service) Get(ctx context.Context, id int64) (*core.Product, error) {
	return s.store.ProductByID(ctx, id)
}

// Deactivate soft-deletes a product; the core never hard-deletes them.
func (s *Service) Deactivate(ctx context.Context, id int64) error {
	product, err := s.store.ProductByID(ctx, id)
	if err != nil {
		return err
	}
	product.Active = false
	if err := s.store.UpdateProduct(ctx, product); err != nil {
		return fmt.Errorf("deactivate product: %w", err)
	}
	slog.InfoContext(ctx, "Product deactivated", "id", id)
	return nil
}

// Search matches the query against product names and their category's
// name and keywords; a blank query returns all active products.
func (s *Service) Search(ctx context.Context, query string) ([]core.Product, error) {
	return s.store.SearchProducts(ctx, query)
}

// ByCategory lists the products assigned to a category in name order.
func (s *Service) ByCategory(ctx context.Context, categoryID int64) ([]core.Product, error) {
	return s.store.ProductsByCategory(ctx, categoryID)
}

// All lists the active products in name order.
func (s *Service) All(ctx context.Context) ([]core.Product, error) {
	return s.store.ActiveProducts(ctx)
}
