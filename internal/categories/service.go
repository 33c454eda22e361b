// Package categories manages the self-referencing category tree:
// hierarchy levels, name uniqueness, keyword search, and the
// soft/hard delete rules.
package categories

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"receipts/internal/core"
)

// Store is the persistence surface the tree manager needs.
type Store interface {
	InsertCategory(ctx context.Context, c *core.Category) error
	CategoryByID(ctx context.Context, id int64) (*core.Category, error)
	CategoryByName(ctx context.Context, name string) (*core.Category, error)
	UpdateCategory(ctx context.Context, c *core.Category) error
	DeleteCategory(ctx context.Context, id int64) error
	Categories(ctx context.Context, activeOnly bool) ([]core.Category, error)
	RootCategories(ctx context.Context, activeOnly bool) ([]core.Category, error)
	Subcategories(ctx context.Context, parentID int64) ([]core.Category, error)
	CategoriesByLevel(ctx context.Context, level int) ([]core.Category, error)
	SearchCategories(ctx context.Context, keyword string) ([]core.Category, error)
	MostUsedCategories(ctx context.Context, limit int) ([]core.Category, error)
	CountCategoryProducts(ctx context.Context, id int64) (int64, error)
	CountSubcategories(ctx context.Context, id int64) (int64, error)
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// CreateInput carries the caller-settable fields of a category.
type CreateInput struct {
	Name        string
	Description string
	Keywords    string
	ParentID    *int64
}

// Create adds a category, deriving its level from the parent (1 for
// roots). Names are unique case-insensitively across active and
// inactive categories.
func (s *Service) Create(ctx context.Context, in CreateInput) (*core.Category, error) {
	cat := core.Category{
		Name:        in.Name,
		Description: in.Description,
		Keywords:    in.Keywords,
		ParentID:    in.ParentID,
		Level:       1,
		Active:      true,
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}

	if _, err := s.store.CategoryByName(ctx, in.Name); err == nil {
		return nil, &core.DuplicateNameError{Entity: "category", Name: in.Name}
	} else if !core.IsNotFound(err) {
		return nil, fmt.Errorf("check category name: %w", err)
	}

	if in.ParentID != nil {
		parent, err := s.store.CategoryByID(ctx, *in.ParentID)
		if err != nil {
			return nil, fmt.Errorf("resolve parent category: %w", err)
		}
		cat.Level = parent.Level + 1
	}

	if err := s.store.InsertCategory(ctx, &cat); err != nil {
		// Lost the race against a concurrent create with the same name.
		if errors.Is(err, core.ErrConflict) {
			return nil, &core.DuplicateNameError{Entity: "category", Name: in.Name}
		}
		return nil, fmt.Errorf("create category: %w", err)
	}

	slog.InfoContext(ctx, "Category created",
		"id", cat.ID,
		"name", cat.Name,
		"level", cat.Level)
	return &cat, nil
}

// UpdateInput carries the new field values for an existing category.
type UpdateInput struct {
	Name        string
	Description string
	Keywords    string
	Active      bool
	ParentID    *int64
}

// Update rewrites the category's fields and recomputes its level from
// the (possibly new) parent; clearing the parent resets the level to 1.
// A parent assignment that would place the category in its own ancestor
// chain is rejected.
func (s *Service) Update(ctx context.Context, id int64, in UpdateInput) (*core.Category, error) {
	cat, err := s.store.CategoryByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if other, err := s.store.CategoryByName(ctx, in.Name); err == nil {
		if other.ID != id {
			return nil, &core.DuplicateNameError{Entity: "category", Name: in.Name}
		}
	} else if !core.IsNotFound(err) {
		return nil, fmt.Errorf("check category name: %w", err)
	}

	cat.Name = in.Name
	cat.Description = in.Description
	cat.Keywords = in.Keywords
	cat.Active = in.Active
	if err := cat.Validate(); err != nil {
		return nil, err
	}

	if in.ParentID != nil {
		if *in.ParentID == id {
			return nil, &core.CyclicParentError{ID: id, ParentID: *in.ParentID}
		}
		parent, err := s.store.CategoryByID(ctx, *in.ParentID)
		if err != nil {
			return nil, fmt.Errorf("resolve parent category: %w", err)
		}
		if err := s.checkAncestry(ctx, id, parent); err != nil {
			return nil, err
		}
		cat.ParentID = in.ParentID
		cat.Level = parent.Level + 1
	} else {
		cat.ParentID = nil
		cat.Level = 1
	}

	if err := s.store.UpdateCategory(ctx, cat); err != nil {
		if errors.Is(err, core.ErrConflict) {
			return nil, &core.DuplicateNameError{Entity: "category", Name: in.Name}
		}
		return nil, fmt.Errorf("update category: %w", err)
	}

	slog.InfoContext(ctx, "Category updated",
		"id", cat.ID,
		"name", cat.Name,
		"level", cat.Level)
	return cat, nil
}

// checkAncestry walks from the candidate parent to the root and fails
// if it passes through id. Bounded by the tree depth; the iteration cap
// guards against pre-existing malformed chains.
func (s *Service) checkAncestry(ctx context.Context, id int64, parent *core.Category) error {
	const maxDepth = 100

	current := parent
	for depth := 0; depth < maxDepth; depth++ {
		if current.ID == id {
			return &core.CyclicParentError{ID: id, ParentID: parent.ID}
		}
		if current.ParentID == nil {
			return nil
		}
		next, err := s.store.CategoryByID(ctx, *current.ParentID)
		if err != nil {
			return fmt.Errorf("walk ancestor chain: %w", err)
		}
		current = next
	}
	return &core.CyclicParentError{ID: id, ParentID: parent.ID}
}

// Deactivate soft-deletes the category. Always permitted and reversible.
func (s *Service) Deactivate(ctx context.Context, id int64) error {
	return s.setActive(ctx, id, false)
}

// Activate re-enables a deactivated category.
func (s *Service) Activate(ctx context.Context, id int64) error {
	return s.setActive(ctx, id, true)
}

func (s *Service) setActive(ctx context.Context, id int64, active bool) error {
	cat, err := s.store.CategoryByID(ctx, id)
	if err != nil {
		return err
	}
	cat.Active = active
	if err := s.store.UpdateCategory(ctx, cat); err != nil {
		return fmt.Errorf("toggle category active flag: %w", err)
	}
	slog.InfoContext(ctx, "Category active flag changed", "id", id, "active", active)
	return nil
}

// Delete hard-deletes a category, refusing while products or
// subcategories still reference it.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if _, err := s.store.CategoryByID(ctx, id); err != nil {
		return err
	}

	products, err := s.store.CountCategoryProducts(ctx, id)
	if err != nil {
		return fmt.Errorf("count category products: %w", err)
	}
	if products > 0 {
		return &core.HasProductsError{CategoryID: id, Count: products}
	}

	children, err := s.store.CountSubcategories(ctx, id)
	if err != nil {
		return fmt.Errorf("count subcategories: %w", err)
	}
	if children > 0 {
		return &core.HasChildrenError{CategoryID: id, Count: children}
	}

	if err := s.store.DeleteCategory(ctx, id); err != nil {
		return fmt.Errorf("delete category: %w", err)
	}
	slog.InfoContext(ctx, "Category deleted", "id", id)
	return nil
}

// Get returns a category by id.
func (s *Service) Get(ctx context.Context, id int64) (*core.Category, error) {
	return s.store.CategoryByID(ctx, id)
}

// Search matches the keyword case-insensitively against name,
// description, and keyword list; a blank keyword returns the full
// active set in name order.
func (s *Service) Search(ctx context.Context, keyword string) ([]core.Category, error) {
	return s.store.SearchCategories(ctx, keyword)
}

// Roots lists root categories in name order.
func (s *Service) Roots(ctx context.Context, activeOnly bool) ([]core.Category, error) {
	return s.store.RootCategories(ctx, activeOnly)
}

// SubcategoriesOf lists the direct children of a category in name order.
func (s *Service) SubcategoriesOf(ctx context.Context, parentID int64) ([]core.Category, error) {
	return s.store.Subcategories(ctx, parentID)
}

// ByLevel lists categories at a given tree depth in name order.
func (s *Service) ByLevel(ctx context.Context, level int) ([]core.Category, error) {
	return s.store.CategoriesByLevel(ctx, level)
}

// MostUsed lists the categories with the most assigned products,
// busiest first. A non-positive limit falls back to 10.
func (s *Service) MostUsed(ctx context.Context, limit int) ([]core.Category, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.store.MostUsedCategories(ctx, limit)
}
