// Package stats computes dashboard aggregates over ingested tickets.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"receipts/internal/cache"
	"receipts/internal/core"

	"github.com/shopspring/decimal"
)

const (
	summaryCacheSize = 64
	summaryCacheTTL  = 5 * time.Minute
)

// Store is the persistence surface the aggregator reads from.
type Store interface {
	Tickets(ctx context.Context) ([]core.Ticket, error)
	TicketsByDateRange(ctx context.Context, from, to time.Time) ([]core.Ticket, error)
	CountProducts(ctx context.Context) (int64, error)
	CountCategories(ctx context.Context) (int64, error)
}

// Summary is the dashboard aggregate for a period.
type Summary struct {
	TicketCount   int64
	TotalSpent    decimal.Decimal
	AverageTicket decimal.Decimal
	MaxTicket     decimal.Decimal
	MinTicket     decimal.Decimal
	ItemQuantity  int64
	ProductCount  int64
	CategoryCount int64
}

func emptySummary() Summary {
	return Summary{
		TotalSpent:    decimal.Zero,
		AverageTicket: decimal.Zero,
		MaxTicket:     decimal.Zero,
		MinTicket:     decimal.Zero,
	}
}

type Service struct {
	store   Store
	summary *cache.LRUCache[Summary]
}

func NewService(store Store) *Service {
	return &Service{
		store:   store,
		summary: cache.NewLRUCache[Summary](summaryCacheSize, summaryCacheTTL),
	}
}

// Cache exposes the summary cache so the janitor can sweep it.
func (s *Service) Cache() *cache.LRUCache[Summary] {
	return s.summary
}

// InvalidateCache drops every cached summary. Called after ingestion
// so the dashboard never serves stale totals.
func (s *Service) InvalidateCache() {
	s.summary.Clear()
}

// Summary aggregates all tickets ever ingested. The dashboard must
// keep rendering when storage is degraded, so a read failure yields a
// zeroed summary and a warning instead of an error.
func (s *Service) Summary(ctx context.Context) Summary {
	const key = "summary:all"
	if cached, ok := s.summary.Get(key); ok {
		return cached
	}

	tickets, err := s.store.Tickets(ctx)
	if err != nil {
		slog.WarnContext(ctx, "Summary query failed, serving zero defaults", "error", err)
		return emptySummary()
	}
	result := s.aggregate(ctx, tickets)
	s.summary.Set(key, result)
	return result
}

// SummaryByDateRange aggregates tickets created within [from, to].
func (s *Service) SummaryByDateRange(ctx context.Context, from, to time.Time) Summary {
	key := fmt.Sprintf("summary:%d:%d", from.Unix(), to.Unix())
	if cached, ok := s.summary.Get(key); ok {
		return cached
	}

	tickets, err := s.store.TicketsByDateRange(ctx, from, to)
	if err != nil {
		slog.WarnContext(ctx, "Summary query failed, serving zero defaults",
			"from", from, "to", to, "error", err)
		return emptySummary()
	}
	result := s.aggregate(ctx, tickets)
	s.summary.Set(key, result)
	return result
}

func (s *Service) aggregate(ctx context.Context, tickets []core.Ticket) Summary {
	result := emptySummary()
	result.TicketCount = int64(len(tickets))

	for _, t := range tickets {
		result.TotalSpent = result.TotalSpent.Add(t.Total)
		result.ItemQuantity += t.ItemQuantity()
		if t.Total.GreaterThan(result.MaxTicket) {
			result.MaxTicket = t.Total
		}
		// Minimum over tickets that actually cost something.
		if t.Total.IsPositive() && (result.MinTicket.IsZero() || t.Total.LessThan(result.MinTicket)) {
			result.MinTicket = t.Total
		}
	}
	result.AverageTicket = core.Average(result.TotalSpent, result.TicketCount)

	if count, err := s.store.CountProducts(ctx); err != nil {
		slog.WarnContext(ctx, "Product count failed, serving zero", "error", err)
	} else {
		result.ProductCount = count
	}
	if count, err := s.store.CountCategories(ctx); err != nil {
		slog.WarnContext(ctx, "Category count failed, serving zero", "error", err)
	} else {
		result.CategoryCount = count
	}
	return result
}
