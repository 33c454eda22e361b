package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"receipts/internal/core"
)

// MemoryRepository is an in-memory implementation of the same store
// surface as SQLiteRepository. It backs tests and ephemeral setups and
// honors the same uniqueness contracts (category names, product keys,
// ticket numbers).
type MemoryRepository struct {
	mu sync.Mutex

	users      map[int64]core.User
	categories map[int64]core.Category
	products   map[int64]core.Product
	tickets    map[int64]core.Ticket

	nextUser     int64
	nextCategory int64
	nextProduct  int64
	nextTicket   int64
	nextItem     int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:      make(map[int64]core.User),
		categories: make(map[int64]core.Category),
		products:   make(map[int64]core.Product),
		tickets:    make(map[int64]core.Ticket),
	}
}

func (r *MemoryRepository) Close() error { return nil }

func sortCategories(out []core.Category) {
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
}

func sortProducts(out []core.Product) {
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
}

func sortTicketsDesc(out []core.Ticket) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
}

// ---- users ----

func (r *MemoryRepository) InsertUser(ctx context.Context, u *core.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextUser++
	u.ID = r.nextUser
	r.users[u.ID] = *u
	return nil
}

func (r *MemoryRepository) UserByID(ctx context.Context, id int64) (*core.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return nil, core.NewNotFound("user", id)
	}
	out := u
	return &out, nil
}

// ---- categories ----

func (r *MemoryRepository) InsertCategory(ctx context.Context, c *core.Category) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.categories {
		if strings.EqualFold(existing.Name, c.Name) {
			return fmt.Errorf("insert category: %w", core.ErrConflict)
		}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	r.nextCategory++
	c.ID = r.nextCategory
	r.categories[c.ID] = *c
	return nil
}

func (r *MemoryRepository) CategoryByID(ctx context.Context, id int64) (*core.Category, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.categories[id]
	if !ok {
		return nil, core.NewNotFound("category", id)
	}
	out := c
	return &out, nil
}

func (r *MemoryRepository) CategoryByName(ctx context.Context, name string) (*core.Category, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.categories {
		if strings.EqualFold(c.Name, name) {
			out := c
			return &out, nil
		}
	}
	return nil, &core.NotFoundError{Entity: "category", ID: name}
}

func (r *MemoryRepository) UpdateCategory(ctx context.Context, c *core.Category) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.categories[c.ID]; !ok {
		return core.NewNotFound("category", c.ID)
	}
	for id, existing := range r.categories {
		if id != c.ID && strings.EqualFold(existing.Name, c.Name) {
			return fmt.Errorf("update category: %w", core.ErrConflict)
		}
	}
	r.categories[c.ID] = *c
	return nil
}

func (r *MemoryRepository) DeleteCategory(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.categories[id]; !ok {
		return core.NewNotFound("category", id)
	}
	delete(r.categories, id)
	return nil
}

func (r *MemoryRepository) Categories(ctx context.Context, activeOnly bool) ([]core.Category, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []core.Category
	for _, c := range r.categories {
		if activeOnly && !c.Active {
			continue
		}
		out = append(out, c)
	}
	sortCategories(out)
	return out, nil
}

func (r *MemoryRepository) RootCategories(ctx context.Context, activeOnly bool) ([]core.Category, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []core.Category
	for _, c := range r.categories {
		if c.ParentID != nil {
			continue
		}
		if activeOnly && !c.Active {
			continue
		}
		out = append(out, c)
	}
	sortCategories(out)
	return out, nil
}

func (r *MemoryRepository) Subcategories(ctx context.Context, parentID int64) ([]core.Category, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []core.Category
	for _, c := range r.categories {
		if c.ParentID != nil && *c.ParentID == parentID {
			out = append(out, c)
		}
	}
	sortCategories(out)
	return out, nil
}

func (r *MemoryRepository) CategoriesByLevel(ctx context.Context, level int) ([]core.Category, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []core.Category
	for _, c := range r.categories {
		if c.Level == level {
			out = append(out, c)
		}
	}
	sortCategories(out)
	return out, nil
}

func (r *MemoryRepository) SearchCategories(ctx context.Context, keyword string) ([]core.Category, error) {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	if keyword == "" {
		return r.Categories(ctx, true)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []core.Category
	for _, c := range r.categories {
		if !c.Active {
			continue
		}
		if strings.Contains(strings.ToLower(c.Name), keyword) ||
			strings.Contains(strings.ToLower(c.Description), keyword) ||
			strings.Contains(strings.ToLower(c.Keywords), keyword) {
			out = append(out, c)
		}
	}
	sortCategories(out)
	return out, nil
}

func (r *MemoryRepository) MostUsedCategories(ctx context.Context, limit int) ([]core.Category, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[int64]int)
	for _, p := range r.products {
		counts[p.CategoryID]++
	}
	var out []core.Category
	for id, c := range r.categories {
		if counts[id] > 0 {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i].ID] == counts[out[j].ID] {
			return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
		}
		return counts[out[i].ID] > counts[out[j].ID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) CountCategoryProducts(ctx context.Context, id int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, p := range r.products {
		if p.CategoryID == id {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) CountSubcategories(ctx context.Context, id int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, c := range r.categories {
		if c.ParentID != nil && *c.ParentID == id {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) CountCategories(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.categories)), nil
}

// ---- products ----

func (r *MemoryRepository) InsertProduct(ctx context.Context, p *core.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.products {
		if existing.Active && strings.EqualFold(existing.FullName(), p.FullName()) {
			return fmt.Errorf("insert product: %w", core.ErrConflict)
		}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	r.nextProduct++
	p.ID = r.nextProduct
	r.products[p.ID] = *p
	return nil
}

func (r *MemoryRepository) ProductByID(ctx context.Context, id int64) (*core.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.products[id]
	if !ok {
		return nil, core.NewNotFound("product", id)
	}
	out := p
	return &out, nil
}

func (r *MemoryRepository) ProductByKey(ctx context.Context, key string) (*core.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.products {
		if p.Active && strings.EqualFold(p.FullName(), key) {
			out := p
			return &out, nil
		}
	}
	return nil, &core.NotFoundError{Entity: "product", ID: key}
}

func (r *MemoryRepository) UpdateProduct(ctx context.Context, p *core.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.products[p.ID]; !ok {
		return core.NewNotFound("product", p.ID)
	}
	r.products[p.ID] = *p
	return nil
}

func (r *MemoryRepository) ActiveProducts(ctx context.Context) ([]core.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []core.Product
	for _, p := range r.products {
		if p.Active {
			out = append(out, p)
		}
	}
	sortProducts(out)
	return out, nil
}

func (r *MemoryRepository) ProductsByCategory(ctx context.Context, categoryID int64) ([]core.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []core.Product
	for _, p := range r.products {
		if p.CategoryID == categoryID {
			out = append(out, p)
		}
	}
	sortProducts(out)
	return out, nil
}

func (r *MemoryRepository) SearchProducts(ctx context.Context, query string) ([]core.Product, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return r.ActiveProducts(ctx)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []core.Product
	for _, p := range r.products {
		if !p.Active {
			continue
		}
		match := strings.Contains(strings.ToLower(p.FullName()), query)
		if !match {
			if c, ok := r.categories[p.CategoryID]; ok {
				match = strings.Contains(strings.ToLower(c.Name), query) ||
					strings.Contains(strings.ToLower(c.Keywords), query)
			}
		}
		if match {
			out = append(out, p)
		}
	}
	sortProducts(out)
	return out, nil
}

func (r *MemoryRepository) CountProducts(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.products)), nil
}

// ---- tickets ----

func (r *MemoryRepository) InsertTicket(ctx context.Context, t *core.Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.tickets {
		if existing.Number == t.Number {
			return fmt.Errorf("insert ticket %s: %w", t.Number, core.ErrConflict)
		}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	r.nextTicket++
	t.ID = r.nextTicket
	for i := range t.Items {
		r.nextItem++
		t.Items[i].ID = r.nextItem
		t.Items[i].TicketID = t.ID
	}
	r.tickets[t.ID] = cloneTicket(*t)
	return nil
}

func cloneTicket(t core.Ticket) core.Ticket {
	items := make([]core.TicketItem, len(t.Items))
	copy(items, t.Items)
	t.Items = items
	return t
}

func (r *MemoryRepository) TicketByID(ctx context.Context, id int64) (*core.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tickets[id]
	if !ok {
		return nil, core.NewNotFound("ticket", id)
	}
	out := cloneTicket(t)
	return &out, nil
}

func (r *MemoryRepository) TicketByNumber(ctx context.Context, number string) (*core.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.tickets {
		if t.Number == number {
			out := cloneTicket(t)
			return &out, nil
		}
	}
	return nil, &core.NotFoundError{Entity: "ticket", ID: number}
}

func (r *MemoryRepository) Tickets(ctx context.Context) ([]core.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]core.Ticket, 0, len(r.tickets))
	for _, t := range r.tickets {
		out = append(out, cloneTicket(t))
	}
	sortTicketsDesc(out)
	return out, nil
}

func (r *MemoryRepository) TicketsByUser(ctx context.Context, userID int64) ([]core.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []core.Ticket
	for _, t := range r.tickets {
		if t.UserID == userID {
			out = append(out, cloneTicket(t))
		}
	}
	sortTicketsDesc(out)
	return out, nil
}

func (r *MemoryRepository) TicketsByDateRange(ctx context.Context, from, to time.Time) ([]core.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []core.Ticket
	for _, t := range r.tickets {
		if !t.CreatedAt.Before(from) && !t.CreatedAt.After(to) {
			out = append(out, cloneTicket(t))
		}
	}
	sortTicketsDesc(out)
	return out, nil
}

func (r *MemoryRepository) TicketsByPaymentMethod(ctx context.Context, method string) ([]core.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []core.Ticket
	for _, t := range r.tickets {
		if t.PaymentMethod == method {
			out = append(out, cloneTicket(t))
		}
	}
	sortTicketsDesc(out)
	return out, nil
}

func (r *MemoryRepository) MaxTicketSequence(ctx context.Context, prefix string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	max := 0
	for _, t := range r.tickets {
		if !strings.HasPrefix(t.Number, prefix) {
			continue
		}
		seq, err := strconv.Atoi(t.Number[len(prefix):])
		if err != nil {
			continue
		}
		if seq > max {
			max = seq
		}
	}
	return max, nil
}

func (r *MemoryRepository) UpdateTicketStatus(ctx context.Context, id int64, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tickets[id]
	if !ok {
		return core.NewNotFound("ticket", id)
	}
	t.Status = status
	r.tickets[id] = t
	return nil
}
