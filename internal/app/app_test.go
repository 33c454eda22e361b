package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"receipts/internal/amqp"
	"receipts/internal/config"
	"receipts/internal/core"
	"receipts/internal/storage"
	"receipts/internal/tickets"

	"github.com/shopspring/decimal"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		SQLiteDBPath:      filepath.Join(dir, "receipts.db"),
		UploadDir:         filepath.Join(dir, "uploads"),
		NumberStrategy:    config.NumberStrategyRandom,
		WorkerConcurrency: 1,
		CacheSweep:        time.Minute,
	}
}

func newTestApp(t *testing.T, cfg *config.Config) (*App, *storage.MemoryRepository) {
	t.Helper()
	store := storage.NewMemoryRepository()
	a, err := NewWithStore(cfg, store, nil)
	if err != nil {
		t.Fatalf("NewWithStore: %v", err)
	}
	if err := store.InsertUser(context.Background(), &core.User{ID: 1, Name: "Ada", Active: true}); err != nil {
		t.Fatalf("seeding user: %v", err)
	}
	return a, store
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parsing %q: %v", s, err)
	}
	return d
}

func groceryInput(t *testing.T) tickets.IngestInput {
	t.Helper()
	return tickets.IngestInput{
		UserID: 1,
		Lines: []tickets.LineInput{
			{Description: "Milk", Quantity: 1, UnitPrice: dec(t, "2.50")},
		},
	}
}

func TestIngestRefreshesSummary(t *testing.T) {
	a, _ := newTestApp(t, testConfig(t))
	ctx := context.Background()

	if got := a.Stats.Summary(ctx); got.TicketCount != 0 {
		t.Fatalf("TicketCount = %d, want 0 before any ingest", got.TicketCount)
	}

	if _, err := a.Ingest(ctx, groceryInput(t)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	// The summary cached before the ingest must not mask the write.
	if got := a.Stats.Summary(ctx); got.TicketCount != 1 {
		t.Errorf("TicketCount = %d, want 1 after ingest", got.TicketCount)
	}

	if _, err := a.Ingest(ctx, groceryInput(t)); err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if got := a.Stats.Summary(ctx); got.TicketCount != 2 {
		t.Errorf("TicketCount = %d, want 2 after second ingest", got.TicketCount)
	}
}

func TestClassificationRefreshesSummary(t *testing.T) {
	a, store := newTestApp(t, testConfig(t))
	ctx := context.Background()

	ticket, err := a.Ingest(ctx, groceryInput(t))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	a.Stats.Summary(ctx) // prime the cache

	if err := a.HandleTicketIngested(ctx, amqp.NewTicketIngestedMessage(ticket.ID, ticket.Number)); err != nil {
		t.Fatalf("HandleTicketIngested: %v", err)
	}

	got, err := store.TicketByID(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("TicketByID: %v", err)
	}
	if got.Status != core.StatusCompleted {
		t.Errorf("status = %q, want %q", got.Status, core.StatusCompleted)
	}
	if a.Stats.Cache().Size() != 0 {
		t.Error("expected cached summaries to be dropped after classification")
	}
}

func TestConfiguredSequentialStrategy(t *testing.T) {
	cfg := testConfig(t)
	cfg.NumberStrategy = config.NumberStrategySequential
	a, _ := newTestApp(t, cfg)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		ticket, err := a.Ingest(ctx, groceryInput(t))
		if err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
		want := fmt.Sprintf("TICKET-%d-%06d", time.Now().Year(), i)
		if ticket.Number != want {
			t.Errorf("number = %q, want %q", ticket.Number, want)
		}
	}
}

func TestConfiguredUploadDir(t *testing.T) {
	cfg := testConfig(t)
	a, _ := newTestApp(t, cfg)
	ctx := context.Background()

	in := groceryInput(t)
	in.Image = &tickets.ImageInput{
		Content:     strings.NewReader("fake jpeg bytes"),
		Filename:    "receipt.jpg",
		ContentType: "image/jpeg",
		Size:        15,
	}
	ticket, err := a.Ingest(ctx, in)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if _, err := os.Stat(filepath.Join(cfg.UploadDir, ticket.ImageRef)); err != nil {
		t.Errorf("image not stored under configured upload dir: %v", err)
	}
}
