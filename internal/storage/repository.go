package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"receipts/internal/core"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteRepository is the persistent store behind the engine: it backs
// the category tree, the product catalog, tickets with their line
// items, and the user directory lookups.
type SQLiteRepository struct {
	db *sqlx.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// Run migrations
	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// isConflict reports whether err is a SQLite uniqueness violation.
func isConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ---- users ----

func (r *SQLiteRepository) UserByID(ctx context.Context, id int64) (*core.User, error) {
	var u core.User
	err := r.db.GetContext(ctx, &u, "SELECT id, name, email, active FROM users WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewNotFound("user", id)
	}
	if err != nil {
		return nil, &core.StorageError{Op: "get user", Err: err}
	}
	return &u, nil
}

func (r *SQLiteRepository) InsertUser(ctx context.Context, u *core.User) error {
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO users (name, email, active) VALUES (?, ?, ?)",
		u.Name, u.Email, u.Active)
	if err != nil {
		if isConflict(err) {
			return fmt.Errorf("insert user: %w", core.ErrConflict)
		}
		return &core.StorageError{Op: "insert user", Err: err}
	}
	u.ID, _ = res.LastInsertId()
	return nil
}

// ---- categories ----

const categoryColumns = "id, name, description, keywords, parent_id, level, active, created_at"

func (r *SQLiteRepository) InsertCategory(ctx context.Context, c *core.Category) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO categories (name, description, keywords, parent_id, level, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.Description, c.Keywords, c.ParentID, c.Level, c.Active, c.CreatedAt)
	if err != nil {
		if isConflict(err) {
			return fmt.Errorf("insert category: %w", core.ErrConflict)
		}
		return &core.StorageError{Op: "insert category", Err: err}
	}
	c.ID, _ = res.LastInsertId()

	slog.InfoContext(ctx, "Category saved",
		"id", c.ID,
		"name", c.Name,
		"level", c.Level)
	return nil
}

func (r *SQLiteRepository) CategoryByID(ctx context.Context, id int64) (*core.Category, error) {
	var c core.Category
	err := r.db.GetContext(ctx, &c,
		"SELECT "+categoryColumns+" FROM categories WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewNotFound("category", id)
	}
	if err != nil {
		return nil, &core.StorageError{Op: "get category", Err: err}
	}
	return &c, nil
}

func (r *SQLiteRepository) CategoryByName(ctx context.Context, name string) (*core.Category, error) {
	var c core.Category
	err := r.db.GetContext(ctx, &c,
		"SELECT "+categoryColumns+" FROM categories WHERE lower(name) = lower(?)", name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.NotFoundError{Entity: "category", ID: name}
	}
	if err != nil {
		return nil, &core.StorageError{Op: "get category by name", Err: err}
	}
	return &c, nil
}

func (r *SQLiteRepository) UpdateCategory(ctx context.Context, c *core.Category) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE categories
		 SET name = ?, description = ?, keywords = ?, parent_id = ?, level = ?, active = ?
		 WHERE id = ?`,
		c.Name, c.Description, c.Keywords, c.ParentID, c.Level, c.Active, c.ID)
	if err != nil {
		if isConflict(err) {
			return fmt.Errorf("update category: %w", core.ErrConflict)
		}
		return &core.StorageError{Op: "update category", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewNotFound("category", c.ID)
	}
	return nil
}

func (r *SQLiteRepository) DeleteCategory(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM categories WHERE id = ?", id)
	if err != nil {
		return &core.StorageError{Op: "delete category", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewNotFound("category", id)
	}
	return nil
}

func (r *SQLiteRepository) Categories(ctx context.Context, activeOnly bool) ([]core.Category, error) {
	query := "SELECT " + categoryColumns + " FROM categories"
	if activeOnly {
		query += " WHERE active = 1"
	}
	query += " ORDER BY name COLLATE NOCASE ASC"

	var out []core.Category
	if err := r.db.SelectContext(ctx, &out, query); err != nil {
		return nil, &core.StorageError{Op: "list categories", Err: err}
	}
	return out, nil
}

func (r *SQLiteRepository) RootCategories(ctx context.Context, activeOnly bool) ([]core.Category, error) {
	query := "SELECT " + categoryColumns + " FROM categories WHERE parent_id IS NULL"
	if activeOnly {
		query += " AND active = 1"
	}
	query += " ORDER BY name COLLATE NOCASE ASC"

	var out []core.Category
	if err := r.db.SelectContext(ctx, &out, query); err != nil {
		return nil, &core.StorageError{Op: "list root categories", Err: err}
	}
	return out, nil
}

func (r *SQLiteRepository) Subcategories(ctx context.Context, parentID int64) ([]core.Category, error) {
	var out []core.Category
	err := r.db.SelectContext(ctx, &out,
		"SELECT "+categoryColumns+" FROM categories WHERE parent_id = ? ORDER BY name COLLATE NOCASE ASC",
		parentID)
	if err != nil {
		return nil, &core.StorageError{Op: "list subcategories", Err: err}
	}
	return out, nil
}

func (r *SQLiteRepository) CategoriesByLevel(ctx context.Context, level int) ([]core.Category, error) {
	var out []core.Category
	err := r.db.SelectContext(ctx, &out,
		"SELECT "+categoryColumns+" FROM categories WHERE level = ? ORDER BY name COLLATE NOCASE ASC",
		level)
	if err != nil {
		return nil, &core.StorageError{Op: "list categories by level", Err: err}
	}
	return out, nil
}

func (r *SQLiteRepository) SearchCategories(ctx context.Context, keyword string) ([]core.Category, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return r.Categories(ctx, true)
	}
	pattern := "%" + strings.ToLower(keyword) + "%"
	var out []core.Category
	err := r.db.SelectContext(ctx, &out,
		`SELECT `+categoryColumns+` FROM categories
		 WHERE active = 1
		   AND (lower(name) LIKE ? OR lower(description) LIKE ? OR lower(keywords) LIKE ?)
		 ORDER BY name COLLATE NOCASE ASC`,
		pattern, pattern, pattern)
	if err != nil {
		return nil, &core.StorageError{Op: "search categories", Err: err}
	}
	return out, nil
}

func (r *SQLiteRepository) MostUsedCategories(ctx context.Context, limit int) ([]core.Category, error) {
	var out []core.Category
	err := r.db.SelectContext(ctx, &out,
		`SELECT c.id, c.name, c.description, c.keywords, c.parent_id, c.level, c.active, c.created_at
		 FROM categories c
		 JOIN products p ON p.category_id = c.id
		 GROUP BY c.id
		 ORDER BY COUNT(p.id) DESC, c.name COLLATE NOCASE ASC
		 LIMIT ?`,
		limit)
	if err != nil {
		return nil, &core.StorageError{Op: "most used categories", Err: err}
	}
	return out, nil
}

func (r *SQLiteRepository) CountCategoryProducts(ctx context.Context, id int64) (int64, error) {
	var n int64
	err := r.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM products WHERE category_id = ?", id)
	if err != nil {
		return 0, &core.StorageError{Op: "count category products", Err: err}
	}
	return n, nil
}

func (r *SQLiteRepository) CountSubcategories(ctx context.Context, id int64) (int64, error) {
	var n int64
	err := r.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM categories WHERE parent_id = ?", id)
	if err != nil {
		return 0, &core.StorageError{Op: "count subcategories", Err: err}
	}
	return n, nil
}

func (r *SQLiteRepository) CountCategories(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM categories"); err != nil {
		return 0, &core.StorageError{Op: "count categories", Err: err}
	}
	return n, nil
}

// ---- products ----

const productColumns = "id, name, brand, reference_price, category_id, active, created_at"

func (r *SQLiteRepository) InsertProduct(ctx context.Context, p *core.Product) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO products (name, brand, full_name, reference_price, category_id, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.Brand, p.FullName(), p.ReferencePrice, p.CategoryID, p.Active, p.CreatedAt)
	if err != nil {
		if isConflict(err) {
			return fmt.Errorf("insert product: %w", core.ErrConflict)
		}
		return &core.StorageError{Op: "insert product", Err: err}
	}
	p.ID, _ = res.LastInsertId()

	slog.InfoContext(ctx, "Product saved",
		"id", p.ID,
		"name", p.FullName(),
		"category_id", p.CategoryID)
	return nil
}

func (r *SQLiteRepository) ProductByID(ctx context.Context, id int64) (*core.Product, error) {
	var p core.Product
	err := r.db.GetContext(ctx, &p,
		"SELECT "+productColumns+" FROM products WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewNotFound("product", id)
	}
	if err != nil {
		return nil, &core.StorageError{Op: "get product", Err: err}
	}
	return &p, nil
}

func (r *SQLiteRepository) ProductByKey(ctx context.Context, key string) (*core.Product, error) {
	var p core.Product
	err := r.db.GetContext(ctx, &p,
		"SELECT "+productColumns+" FROM products WHERE active = 1 AND lower(full_name) = lower(?)", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.NotFoundError{Entity: "product", ID: key}
	}
	if err != nil {
		return nil, &core.StorageError{Op: "get product by key", Err: err}
	}
	return &p, nil
}

func (r *SQLiteRepository) UpdateProduct(ctx context.Context, p *core.Product) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE products
		 SET name = ?, brand = ?, full_name = ?, reference_price = ?, category_id = ?, active = ?
		 WHERE id = ?`,
		p.Name, p.Brand, p.FullName(), p.ReferencePrice, p.CategoryID, p.Active, p.ID)
	if err != nil {
		if isConflict(err) {
			return fmt.Errorf("update product: %w", core.ErrConflict)
		}
		return &core.StorageError{Op: "update product", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewNotFound("product", p.ID)
	}
	return nil
}

func (r *SQLiteRepository) ActiveProducts(ctx context.Context) ([]core.Product, error) {
	var out []core.Product
	err := r.db.SelectContext(ctx, &out,
		"SELECT "+productColumns+" FROM products WHERE active = 1 ORDER BY name COLLATE NOCASE ASC")
	if err != nil {
		return nil, &core.StorageError{Op: "list products", Err: err}
	}
	return out, nil
}

func (r *SQLiteRepository) ProductsByCategory(ctx context.Context, categoryID int64) ([]core.Product, error) {
	var out []core.Product
	err := r.db.SelectContext(ctx, &out,
		"SELECT "+productColumns+" FROM products WHERE category_id = ? ORDER BY name COLLATE NOCASE ASC",
		categoryID)
	if err != nil {
		return nil, &core.StorageError{Op: "list products by category", Err: err}
	}
	return out, nil
}

// SearchProducts matches the query as a case-insensitive substring of
// the product's composite name or of its category's name and keywords.
func (r *SQLiteRepository) SearchProducts(ctx context.Context, query string) ([]core.Product, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return r.ActiveProducts(ctx)
	}
	pattern := "%" + strings.ToLower(query) + "%"
	var out []core.Product
	err := r.db.SelectContext(ctx, &out,
		`SELECT p.id, p.name, p.brand, p.reference_price, p.category_id, p.active, p.created_at
		 FROM products p
		 LEFT JOIN categories c ON c.id = p.category_id
		 WHERE p.active = 1
		   AND (lower(p.full_name) LIKE ? OR lower(c.name) LIKE ? OR lower(c.keywords) LIKE ?)
		 ORDER BY p.name COLLATE NOCASE ASC`,
		pattern, pattern, pattern)
	if err != nil {
		return nil, &core.StorageError{Op: "search products", Err: err}
	}
	return out, nil
}

func (r *SQLiteRepository) CountProducts(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM products"); err != nil {
		return 0, &core.StorageError{Op: "count products", Err: err}
	}
	return n, nil
}

// ---- tickets ----

const ticketColumns = "id, number, user_id, created_at, subtotal, tax, discount, total, payment_method, notes, status, image_ref"

// InsertTicket persists the ticket and all its line items in one
// transaction; a duplicate number surfaces as core.ErrConflict without
// committing anything.
func (r *SQLiteRepository) InsertTicket(ctx context.Context, t *core.Ticket) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return &core.StorageError{Op: "begin ticket transaction", Err: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO tickets (number, user_id, created_at, subtotal, tax, discount, total, payment_method, notes, status, image_ref)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Number, t.UserID, t.CreatedAt, t.Subtotal, t.Tax, t.Discount, t.Total,
		t.PaymentMethod, t.Notes, t.Status, t.ImageRef)
	if err != nil {
		if isConflict(err) {
			return fmt.Errorf("insert ticket %s: %w", t.Number, core.ErrConflict)
		}
		return &core.StorageError{Op: "insert ticket", Err: err}
	}
	t.ID, _ = res.LastInsertId()

	for i := range t.Items {
		item := &t.Items[i]
		item.TicketID = t.ID
		res, err := tx.ExecContext(ctx,
			`INSERT INTO ticket_items (ticket_id, product_id, quantity, unit_price, discount, subtotal)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			item.TicketID, item.ProductID, item.Quantity, item.UnitPrice, item.Discount, item.Subtotal)
		if err != nil {
			return &core.StorageError{Op: "insert ticket item", Err: err}
		}
		item.ID, _ = res.LastInsertId()
	}

	if err := tx.Commit(); err != nil {
		return &core.StorageError{Op: "commit ticket", Err: err}
	}

	slog.InfoContext(ctx, "Ticket saved",
		"id", t.ID,
		"number", t.Number,
		"items", len(t.Items),
		"total", t.Total)
	return nil
}

func (r *SQLiteRepository) TicketByID(ctx context.Context, id int64) (*core.Ticket, error) {
	var t core.Ticket
	err := r.db.GetContext(ctx, &t,
		"SELECT "+ticketColumns+" FROM tickets WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewNotFound("ticket", id)
	}
	if err != nil {
		return nil, &core.StorageError{Op: "get ticket", Err: err}
	}
	if err := r.attachItems(ctx, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *SQLiteRepository) TicketByNumber(ctx context.Context, number string) (*core.Ticket, error) {
	var t core.Ticket
	err := r.db.GetContext(ctx, &t,
		"SELECT "+ticketColumns+" FROM tickets WHERE number = ?", number)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.NotFoundError{Entity: "ticket", ID: number}
	}
	if err != nil {
		return nil, &core.StorageError{Op: "get ticket by number", Err: err}
	}
	if err := r.attachItems(ctx, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *SQLiteRepository) Tickets(ctx context.Context) ([]core.Ticket, error) {
	return r.selectTickets(ctx,
		"SELECT "+ticketColumns+" FROM tickets ORDER BY created_at DESC")
}

func (r *SQLiteRepository) TicketsByUser(ctx context.Context, userID int64) ([]core.Ticket, error) {
	return r.selectTickets(ctx,
		"SELECT "+ticketColumns+" FROM tickets WHERE user_id = ? ORDER BY created_at DESC",
		userID)
}

func (r *SQLiteRepository) TicketsByDateRange(ctx context.Context, from, to time.Time) ([]core.Ticket, error) {
	return r.selectTickets(ctx,
		"SELECT "+ticketColumns+" FROM tickets WHERE created_at BETWEEN ? AND ? ORDER BY created_at DESC",
		from, to)
}

func (r *SQLiteRepository) TicketsByPaymentMethod(ctx context.Context, method string) ([]core.Ticket, error) {
	return r.selectTickets(ctx,
		"SELECT "+ticketColumns+" FROM tickets WHERE payment_method = ? ORDER BY created_at DESC",
		method)
}

func (r *SQLiteRepository) selectTickets(ctx context.Context, query string, args ...any) ([]core.Ticket, error) {
	var out []core.Ticket
	if err := r.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, &core.StorageError{Op: "list tickets", Err: err}
	}
	for i := range out {
		if err := r.attachItems(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *SQLiteRepository) attachItems(ctx context.Context, t *core.Ticket) error {
	err := r.db.SelectContext(ctx, &t.Items,
		`SELECT id, ticket_id, product_id, quantity, unit_price, discount, subtotal
		 FROM ticket_items WHERE ticket_id = ? ORDER BY id ASC`,
		t.ID)
	if err != nil {
		return &core.StorageError{Op: "list ticket items", Err: err}
	}
	return nil
}

// MaxTicketSequence returns the highest numeric suffix among ticket
// numbers with the given prefix, 0 when none exist.
func (r *SQLiteRepository) MaxTicketSequence(ctx context.Context, prefix string) (int, error) {
	var n sql.NullInt64
	err := r.db.GetContext(ctx, &n,
		`SELECT MAX(CAST(substr(number, ?) AS INTEGER)) FROM tickets WHERE number LIKE ?`,
		len(prefix)+1, prefix+"%")
	if err != nil {
		return 0, &core.StorageError{Op: "max ticket sequence", Err: err}
	}
	if !n.Valid {
		return 0, nil
	}
	return int(n.Int64), nil
}

func (r *SQLiteRepository) UpdateTicketStatus(ctx context.Context, id int64, status string) error {
	res, err := r.db.ExecContext(ctx, "UPDATE tickets SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return &core.StorageError{Op: "update ticket status", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewNotFound("ticket", id)
	}
	slog.InfoContext(ctx, "Ticket status updated", "id", id, "status", status)
	return nil
}
