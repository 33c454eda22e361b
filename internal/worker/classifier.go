// Package worker reclassifies freshly ingested tickets: products that
// landed in the sentinel "Unclassified" bucket get matched against the
// category tree's keywords, and the ticket is promoted to completed.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"receipts/internal/amqp"
	"receipts/internal/core"
)

// Store is the persistence surface the classifier needs.
type Store interface {
	TicketByID(ctx context.Context, id int64) (*core.Ticket, error)
	ProductByID(ctx context.Context, id int64) (*core.Product, error)
	UpdateProduct(ctx context.Context, p *core.Product) error
	Categories(ctx context.Context, activeOnly bool) ([]core.Category, error)
	CategoryByName(ctx context.Context, name string) (*core.Category, error)
	UpdateTicketStatus(ctx context.Context, id int64, status string) error
}

// Classifier processes ticket ingested messages from AMQP.
type Classifier struct {
	store Store
}

func NewClassifier(store Store) *Classifier {
	return &Classifier{store: store}
}

// HandleTicketIngested classifies every unclassified product on the
// ticket, then marks the ticket completed. Products with no matching
// category stay in the sentinel bucket; the ticket completes anyway.
func (w *Classifier) HandleTicketIngested(ctx context.Context, msg *amqp.TicketIngestedMessage) error {
	slog.InfoContext(ctx, "Processing ticket classification",
		"ticket_id", msg.TicketID,
		"number", msg.Number)

	ticket, err := w.store.TicketByID(ctx, msg.TicketID)
	if err != nil {
		if core.IsNotFound(err) {
			// Ticket vanished between publish and consume. Nothing to
			// requeue for.
			slog.WarnContext(ctx, "Ticket gone, dropping message", "ticket_id", msg.TicketID)
			return nil
		}
		return fmt.Errorf("get ticket from storage: %w", err)
	}

	if ticket.Status != core.StatusPendingClassification {
		slog.InfoContext(ctx, "Ticket already processed", "ticket_id", ticket.ID, "status", ticket.Status)
		return nil
	}

	sentinel, err := w.store.CategoryByName(ctx, core.UnclassifiedCategory)
	if err != nil && !core.IsNotFound(err) {
		return fmt.Errorf("get sentinel category: %w", err)
	}

	for _, item := range ticket.Items {
		if sentinel == nil {
			break // no sentinel bucket yet, nothing can be unclassified
		}
		if err := w.classifyProduct(ctx, item.ProductID, sentinel.ID); err != nil {
			return fmt.Errorf("classify product %d: %w", item.ProductID, err)
		}
	}

	if err := w.store.UpdateTicketStatus(ctx, ticket.ID, core.StatusCompleted); err != nil {
		return fmt.Errorf("complete ticket: %w", err)
	}

	slog.InfoContext(ctx, "Ticket classified", "ticket_id", ticket.ID, "number", ticket.Number)
	return nil
}

func (w *Classifier) classifyProduct(ctx context.Context, productID, sentinelID int64) error {
	product, err := w.store.ProductByID(ctx, productID)
	if err != nil {
		return fmt.Errorf("get product: %w", err)
	}
	if product.CategoryID != sentinelID {
		return nil
	}

	categories, err := w.store.Categories(ctx, true)
	if err != nil {
		return fmt.Errorf("list categories: %w", err)
	}

	best, score := bestMatch(product.FullName(), categories, sentinelID)
	if score == 0 {
		slog.DebugContext(ctx, "No category matched, product stays unclassified",
			"product_id", product.ID, "name", product.FullName())
		return nil
	}

	product.CategoryID = best.ID
	if err := w.store.UpdateProduct(ctx, product); err != nil {
		return fmt.Errorf("update product: %w", err)
	}

	slog.InfoContext(ctx, "Product reclassified",
		"product_id", product.ID,
		"name", product.FullName(),
		"category", best.Name,
		"score", score)
	return nil
}

// bestMatch scores each category by how many of its keywords occur in
// the product name, breaking ties in favor of deeper categories.
func bestMatch(productName string, categories []core.Category, sentinelID int64) (core.Category, int) {
	name := strings.ToLower(productName)

	var best core.Category
	bestScore := 0
	for _, c := range categories {
		if c.ID == sentinelID {
			continue
		}
		score := 0
		for _, keyword := range strings.Split(c.Keywords, ",") {
			keyword = strings.ToLower(strings.TrimSpace(keyword))
			if keyword != "" && strings.Contains(name, keyword) {
				score++
			}
		}
		if score > bestScore || (score == bestScore && score > 0 && c.Level > best.Level) {
			best = c
			bestScore = score
		}
	}
	return best, bestScore
}
