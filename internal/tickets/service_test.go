package tickets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"receipts/internal/core"
	"receipts/internal/images"
	"receipts/internal/products"
	"receipts/internal/storage"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

type recordingPublisher struct {
	published []string
	fail      bool
}

func (p *recordingPublisher) PublishTicketIngested(ctx context.Context, ticketID int64, number string) error {
	if p.fail {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, number)
	return nil
}

type fixedNumbers struct {
	numbers []string
	calls   int
}

func (f *fixedNumbers) Next(ctx context.Context) (string, error) {
	n := f.numbers[f.calls%len(f.numbers)]
	f.calls++
	return n, nil
}

func newTestService(t *testing.T, numbers NumberStrategy, events Publisher) (*Service, *storage.MemoryRepository, string) {
	t.Helper()
	store := storage.NewMemoryRepository()
	uploads := t.TempDir()
	imgs, err := images.New(uploads)
	if err != nil {
		t.Fatalf("creating image store: %v", err)
	}
	if numbers == nil {
		numbers = NewRandomNumbers()
	}
	svc := NewService(store, products.NewService(store), imgs, numbers, events)

	if err := store.InsertUser(context.Background(), &core.User{ID: 1, Name: "Ada", Email: "ada@example.com", Active: true}); err != nil {
		t.Fatalf("seeding user: %v", err)
	}
	return svc, store, uploads
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parsing %q: %v", s, err)
	}
	return d
}

func groceryLines(t *testing.T) []LineInput {
	t.Helper()
	return []LineInput{
		{Description: "Milk", Brand: "Acme", Quantity: 2, UnitPrice: dec(t, "2.50")},
		{Description: "Bread", Quantity: 1, UnitPrice: dec(t, "4.00")},
	}
}

func TestIngestComputesTotals(t *testing.T) {
	svc, store, _ := newTestService(t, nil, nil)
	ctx := context.Background()

	ticket, err := svc.Ingest(ctx, IngestInput{
		UserID:        1,
		PaymentMethod: "card",
		Tax:           dec(t, "0.90"),
		Discount:      dec(t, "1.00"),
		Lines:         groceryLines(t),
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if !ticket.Subtotal.Equal(dec(t, "9.00")) {
		t.Errorf("subtotal = %s, want 9.00", ticket.Subtotal)
	}
	if !ticket.Total.Equal(dec(t, "8.90")) {
		t.Errorf("total = %s, want 8.90", ticket.Total)
	}
	if ticket.Status != core.StatusPendingClassification {
		t.Errorf("status = %q, want %q", ticket.Status, core.StatusPendingClassification)
	}
	if len(ticket.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(ticket.Items))
	}
	if !ticket.Items[0].Subtotal.Equal(dec(t, "5.00")) {
		t.Errorf("first line subtotal = %s, want 5.00", ticket.Items[0].Subtotal)
	}

	pattern := regexp.MustCompile(`^TKT-\d{14}-[0-9A-F]{6}$`)
	if !pattern.MatchString(ticket.Number) {
		t.Errorf("number %q does not match expected format", ticket.Number)
	}

	stored, err := store.TicketByID(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("TicketByID: %v", err)
	}
	if len(stored.Items) != 2 {
		t.Fatalf("persisted items = %d, want 2", len(stored.Items))
	}
}

func TestIngestCallerSubtotalIgnored(t *testing.T) {
	svc, _, _ := newTestService(t, nil, nil)

	ticket, err := svc.Ingest(context.Background(), IngestInput{
		UserID: 1,
		Lines: []LineInput{
			{Description: "Eggs", Quantity: 1, UnitPrice: dec(t, "3.20"), Discount: dec(t, "0.20")},
		},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !ticket.Subtotal.Equal(dec(t, "3.00")) {
		t.Errorf("subtotal = %s, want 3.00", ticket.Subtotal)
	}
	if !ticket.Total.Equal(dec(t, "3.00")) {
		t.Errorf("total = %s, want 3.00", ticket.Total)
	}
}

func TestIngestReusesProducts(t *testing.T) {
	svc, store, _ := newTestService(t, nil, nil)
	ctx := context.Background()

	first, err := svc.Ingest(ctx, IngestInput{UserID: 1, Lines: groceryLines(t)})
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	second, err := svc.Ingest(ctx, IngestInput{UserID: 1, Lines: groceryLines(t)})
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}

	if first.Items[0].ProductID != second.Items[0].ProductID {
		t.Error("same line resolved to different products across tickets")
	}

	count, err := store.CountProducts(ctx)
	if err != nil {
		t.Fatalf("CountProducts: %v", err)
	}
	if count != 2 {
		t.Errorf("products = %d, want 2", count)
	}
}

func TestIngestUnknownUser(t *testing.T) {
	svc, _, _ := newTestService(t, nil, nil)

	_, err := svc.Ingest(context.Background(), IngestInput{UserID: 99, Lines: groceryLines(t)})
	if !core.IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestIngestNoLines(t *testing.T) {
	svc, _, _ := newTestService(t, nil, nil)

	_, err := svc.Ingest(context.Background(), IngestInput{UserID: 1})
	var verr *core.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestIngestRejectedImageLeavesNothingBehind(t *testing.T) {
	svc, store, uploads := newTestService(t, nil, nil)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, IngestInput{
		UserID: 1,
		Lines:  groceryLines(t),
		Image: &ImageInput{
			Content:     strings.NewReader("not an image"),
			Filename:    "notes.txt",
			ContentType: "text/plain",
			Size:        12,
		},
	})
	var terr *core.InvalidImageTypeError
	if !errors.As(err, &terr) {
		t.Fatalf("expected invalid image type error, got %v", err)
	}

	tickets, err := store.Tickets(ctx)
	if err != nil {
		t.Fatalf("Tickets: %v", err)
	}
	if len(tickets) != 0 {
		t.Errorf("tickets = %d, want 0", len(tickets))
	}
	assertEmptyDir(t, uploads)
}

func TestIngestInvalidLineRemovesStoredImage(t *testing.T) {
	svc, _, uploads := newTestService(t, nil, nil)

	_, err := svc.Ingest(context.Background(), IngestInput{
		UserID: 1,
		Lines: []LineInput{
			{Description: "Milk", Quantity: 0, UnitPrice: dec(t, "2.50")},
		},
		Image: &ImageInput{
			Content:     strings.NewReader("fake jpeg bytes"),
			Filename:    "receipt.jpg",
			ContentType: "image/jpeg",
			Size:        15,
		},
	})
	var verr *core.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	assertEmptyDir(t, uploads)
}

func TestIngestStoresImageReference(t *testing.T) {
	svc, store, _ := newTestService(t, nil, nil)
	ctx := context.Background()

	ticket, err := svc.Ingest(ctx, IngestInput{
		UserID: 1,
		Lines:  groceryLines(t),
		Image: &ImageInput{
			Content:     strings.NewReader("fake jpeg bytes"),
			Filename:    "receipt.jpg",
			ContentType: "image/jpeg",
			Size:        15,
		},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !strings.HasPrefix(ticket.ImageRef, "ticket_") {
		t.Errorf("image reference %q missing ticket_ prefix", ticket.ImageRef)
	}

	stored, err := store.TicketByID(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("TicketByID: %v", err)
	}
	if stored.ImageRef != ticket.ImageRef {
		t.Errorf("persisted reference %q, want %q", stored.ImageRef, ticket.ImageRef)
	}
}

func TestIngestPublishesEvent(t *testing.T) {
	pub := &recordingPublisher{}
	svc, _, _ := newTestService(t, nil, pub)

	ticket, err := svc.Ingest(context.Background(), IngestInput{UserID: 1, Lines: groceryLines(t)})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(pub.published) != 1 || pub.published[0] != ticket.Number {
		t.Errorf("published = %v, want [%s]", pub.published, ticket.Number)
	}
}

func TestIngestSurvivesPublishFailure(t *testing.T) {
	svc, store, _ := newTestService(t, nil, &recordingPublisher{fail: true})
	ctx := context.Background()

	ticket, err := svc.Ingest(ctx, IngestInput{UserID: 1, Lines: groceryLines(t)})
	if err != nil {
		t.Fatalf("Ingest should succeed despite broker failure, got %v", err)
	}
	if _, err := store.TicketByID(ctx, ticket.ID); err != nil {
		t.Fatalf("ticket not persisted: %v", err)
	}
}

func TestSequentialNumbers(t *testing.T) {
	store := storage.NewMemoryRepository()
	imgs, err := images.New(t.TempDir())
	if err != nil {
		t.Fatalf("creating image store: %v", err)
	}
	svc := NewService(store, products.NewService(store), imgs, NewSequentialNumbers(store), nil)
	if err := store.InsertUser(context.Background(), &core.User{ID: 1, Name: "Ada", Active: true}); err != nil {
		t.Fatalf("seeding user: %v", err)
	}

	year := time.Now().Year()
	for i := 1; i <= 3; i++ {
		ticket, err := svc.Ingest(context.Background(), IngestInput{UserID: 1, Lines: groceryLines(t)})
		if err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
		want := fmt.Sprintf("TICKET-%d-%06d", year, i)
		if ticket.Number != want {
			t.Errorf("number = %q, want %q", ticket.Number, want)
		}
	}
}

func TestPersistRetriesOnNumberConflict(t *testing.T) {
	numbers := &fixedNumbers{numbers: []string{"TKT-X-000001", "TKT-X-000001", "TKT-X-000002"}}
	svc, _, _ := newTestService(t, numbers, nil)
	ctx := context.Background()

	first, err := svc.Ingest(ctx, IngestInput{UserID: 1, Lines: groceryLines(t)})
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	second, err := svc.Ingest(ctx, IngestInput{UserID: 1, Lines: groceryLines(t)})
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if first.Number == second.Number {
		t.Fatalf("both tickets got number %q", first.Number)
	}
	if numbers.calls != 3 {
		t.Errorf("strategy calls = %d, want 3", numbers.calls)
	}
}

func TestConcurrentIngestionsGetDistinctNumbers(t *testing.T) {
	svc, store, _ := newTestService(t, nil, nil)
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 100; i++ {
		g.Go(func() error {
			_, err := svc.Ingest(ctx, IngestInput{UserID: 1, Lines: groceryLines(t)})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent ingest: %v", err)
	}

	tickets, err := store.Tickets(ctx)
	if err != nil {
		t.Fatalf("Tickets: %v", err)
	}
	if len(tickets) != 100 {
		t.Fatalf("tickets = %d, want 100", len(tickets))
	}
	seen := make(map[string]bool, len(tickets))
	for _, tk := range tickets {
		if seen[tk.Number] {
			t.Fatalf("duplicate ticket number %q", tk.Number)
		}
		seen[tk.Number] = true
	}
}

func TestCancel(t *testing.T) {
	svc, store, _ := newTestService(t, nil, nil)
	ctx := context.Background()

	ticket, err := svc.Ingest(ctx, IngestInput{UserID: 1, Lines: groceryLines(t)})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := svc.Cancel(ctx, ticket.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, err := store.TicketByID(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("TicketByID: %v", err)
	}
	if got.Status != core.StatusCancelled {
		t.Errorf("status = %q, want %q", got.Status, core.StatusCancelled)
	}

	if err := svc.Cancel(ctx, 999); !core.IsNotFound(err) {
		t.Errorf("expected not-found for missing ticket, got %v", err)
	}
}

func TestTicketLookups(t *testing.T) {
	svc, store, _ := newTestService(t, nil, nil)
	ctx := context.Background()
	if err := store.InsertUser(ctx, &core.User{ID: 2, Name: "Bob", Active: true}); err != nil {
		t.Fatalf("seeding user: %v", err)
	}

	cash, err := svc.Ingest(ctx, IngestInput{UserID: 1, PaymentMethod: "cash", Lines: groceryLines(t)})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, err := svc.Ingest(ctx, IngestInput{UserID: 2, PaymentMethod: "card", Lines: groceryLines(t)}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	byNumber, err := svc.ByNumber(ctx, cash.Number)
	if err != nil {
		t.Fatalf("ByNumber: %v", err)
	}
	if byNumber.ID != cash.ID {
		t.Errorf("ByNumber returned ticket %d, want %d", byNumber.ID, cash.ID)
	}

	if _, err := svc.ByNumber(ctx, "TKT-00000000000000-XXXXXX"); !core.IsNotFound(err) {
		t.Errorf("expected not-found for unknown number, got %v", err)
	}

	mine, err := svc.ByUser(ctx, 1)
	if err != nil {
		t.Fatalf("ByUser: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != cash.ID {
		t.Errorf("ByUser returned %d tickets, want the single cash ticket", len(mine))
	}

	byMethod, err := svc.ByPaymentMethod(ctx, "cash")
	if err != nil {
		t.Fatalf("ByPaymentMethod: %v", err)
	}
	if len(byMethod) != 1 || byMethod[0].ID != cash.ID {
		t.Errorf("ByPaymentMethod returned %d tickets, want 1", len(byMethod))
	}

	now := time.Now().UTC()
	inRange, err := svc.ByDateRange(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("ByDateRange: %v", err)
	}
	if len(inRange) != 2 {
		t.Errorf("ByDateRange returned %d tickets, want 2", len(inRange))
	}
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading %s: %v", dir, err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no stored files, found %d", len(entries))
	}
}
