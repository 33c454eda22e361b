// Package app wires the engine's services together from configuration:
// storage, image store, number strategy, and the cache invalidation
// that keeps dashboard aggregates in step with writes.
package app

import (
	"context"
	"fmt"
	"io"

	"receipts/internal/amqp"
	"receipts/internal/categories"
	"receipts/internal/config"
	"receipts/internal/core"
	"receipts/internal/images"
	"receipts/internal/products"
	"receipts/internal/stats"
	"receipts/internal/storage"
	"receipts/internal/tickets"
	"receipts/internal/worker"
)

// Store is the full persistence surface the engine needs. Both the
// SQLite and the in-memory repository satisfy it.
type Store interface {
	categories.Store
	products.Store
	tickets.Store
	tickets.SequenceStore
	stats.Store
	worker.Store
}

// App holds the wired services.
type App struct {
	Categories *categories.Service
	Products   *products.Service
	Tickets    *tickets.Service
	Images     *images.Store
	Stats      *stats.Service
	Classifier *worker.Classifier

	store  Store
	closer io.Closer
}

// New opens SQLite storage at cfg.SQLiteDBPath and wires everything on
// top of it. events may be nil when no broker is configured.
func New(cfg *config.Config, events tickets.Publisher) (*App, error) {
	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a, err := NewWithStore(cfg, repo, events)
	if err != nil {
		repo.Close()
		return nil, err
	}
	a.closer = repo
	return a, nil
}

// NewWithStore wires the services on an existing store.
func NewWithStore(cfg *config.Config, store Store, events tickets.Publisher) (*App, error) {
	imgs, err := images.New(cfg.UploadDir)
	if err != nil {
		return nil, fmt.Errorf("open image store: %w", err)
	}

	numbers := tickets.NewStrategy(cfg.NumberStrategy, store)
	prods := products.NewService(store)

	return &App{
		Categories: categories.NewService(store),
		Products:   prods,
		Tickets:    tickets.NewService(store, prods, imgs, numbers, events),
		Images:     imgs,
		Stats:      stats.NewService(store),
		Classifier: worker.NewClassifier(store),
		store:      store,
	}, nil
}

func (a *App) Close() error {
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}

// Ingest records a ticket and drops cached aggregates so the next
// summary reflects it.
func (a *App) Ingest(ctx context.Context, in tickets.IngestInput) (*core.Ticket, error) {
	ticket, err := a.Tickets.Ingest(ctx, in)
	if err != nil {
		return nil, err
	}
	a.Stats.InvalidateCache()
	return ticket, nil
}

// HandleTicketIngested classifies a consumed message and drops cached
// aggregates, since classification reassigns products.
func (a *App) HandleTicketIngested(ctx context.Context, msg *amqp.TicketIngestedMessage) error {
	if err := a.Classifier.HandleTicketIngested(ctx, msg); err != nil {
		return err
	}
	a.Stats.InvalidateCache()
	return nil
}
