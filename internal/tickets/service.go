// Package tickets assembles validated receipts out of free-text line
// items, assigns them a unique number and persists ticket and lines in
// one transaction.
package tickets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"receipts/internal/core"

	"github.com/shopspring/decimal"
)

// maxNumberRetries bounds how often a conflicting ticket number is
// regenerated before the ingestion is given up.
const maxNumberRetries = 5

// Store is the persistence surface the assembler needs.
type Store interface {
	UserByID(ctx context.Context, id int64) (*core.User, error)

	InsertTicket(ctx context.Context, t *core.Ticket) error
	TicketByID(ctx context.Context, id int64) (*core.Ticket, error)
	TicketByNumber(ctx context.Context, number string) (*core.Ticket, error)
	Tickets(ctx context.Context) ([]core.Ticket, error)
	TicketsByUser(ctx context.Context, userID int64) ([]core.Ticket, error)
	TicketsByDateRange(ctx context.Context, from, to time.Time) ([]core.Ticket, error)
	TicketsByPaymentMethod(ctx context.Context, method string) ([]core.Ticket, error)
	UpdateTicketStatus(ctx context.Context, id int64, status string) error
}

// ProductResolver maps a free-text line description to a canonical
// product, creating it when absent.
type ProductResolver interface {
	ResolveOrCreate(ctx context.Context, description, brand string, unitPrice decimal.Decimal, categoryID *int64) (*core.Product, error)
}

// ImageStore persists receipt images and supports removing an image
// whose ticket failed to persist.
type ImageStore interface {
	Store(ctx context.Context, content io.Reader, originalFilename, contentType string, size int64) (string, error)
	Remove(ctx context.Context, reference string) error
}

// Publisher announces a persisted ticket to downstream consumers.
// Publishing is best effort: a failure never undoes the write.
type Publisher interface {
	PublishTicketIngested(ctx context.Context, ticketID int64, number string) error
}

type Service struct {
	store    Store
	products ProductResolver
	images   ImageStore
	numbers  NumberStrategy
	events   Publisher
}

// NewService wires the assembler. events may be nil when no broker is
// configured; ingestion then skips publishing.
func NewService(store Store, products ProductResolver, images ImageStore, numbers NumberStrategy, events Publisher) *Service {
	return &Service{
		store:    store,
		products: products,
		images:   images,
		numbers:  numbers,
		events:   events,
	}
}

// LineInput is one raw receipt line as submitted by the client.
type LineInput struct {
	Description string
	Brand       string
	Quantity    int
	UnitPrice   decimal.Decimal
	Discount    decimal.Decimal
	CategoryID  *int64
}

// ImageInput is an optional receipt photo uploaded with the ticket.
type ImageInput struct {
	Content     io.Reader
	Filename    string
	ContentType string
	Size        int64
}

// IngestInput is a complete raw receipt submission.
type IngestInput struct {
	UserID        int64
	PaymentMethod string
	Notes         string
	Tax           decimal.Decimal
	Discount      decimal.Decimal
	Lines         []LineInput
	Image         *ImageInput
}

// Ingest turns a raw submission into a persisted ticket. The image is
// stored first, then every line is resolved to a product, totals are
// recomputed server-side and the ticket plus its lines are written in
// one transaction. When that write fails the stored image is removed
// again so no orphan files accumulate.
func (s *Service) Ingest(ctx context.Context, in IngestInput) (*core.Ticket, error) {
	if in.UserID == 0 {
		return nil, &core.ValidationError{Field: "user", Reason: "is required"}
	}
	if _, err := s.store.UserByID(ctx, in.UserID); err != nil {
		return nil, fmt.Errorf("checking user %d: %w", in.UserID, err)
	}
	if len(in.Lines) == 0 {
		return nil, &core.ValidationError{Field: "items", Reason: "ticket must have at least one line item"}
	}

	imageRef := ""
	if in.Image != nil {
		ref, err := s.images.Store(ctx, in.Image.Content, in.Image.Filename, in.Image.ContentType, in.Image.Size)
		if err != nil {
			return nil, fmt.Errorf("storing receipt image: %w", err)
		}
		imageRef = ref
	}

	ticket, err := s.assemble(ctx, in, imageRef)
	if err != nil {
		s.discardImage(ctx, imageRef)
		return nil, err
	}

	if err := s.persist(ctx, ticket); err != nil {
		s.discardImage(ctx, imageRef)
		return nil, err
	}

	slog.InfoContext(ctx, "Ticket ingested",
		"id", ticket.ID,
		"number", ticket.Number,
		"user_id", ticket.UserID,
		"total", ticket.Total,
		"items", len(ticket.Items))

	if s.events != nil {
		if err := s.events.PublishTicketIngested(ctx, ticket.ID, ticket.Number); err != nil {
			slog.WarnContext(ctx, "Ticket saved but event publish failed", "id", ticket.ID, "error", err)
		}
	}

	return ticket, nil
}

func (s *Service) assemble(ctx context.Context, in IngestInput, imageRef string) (*core.Ticket, error) {
	ticket := &core.Ticket{
		UserID:        in.UserID,
		CreatedAt:     time.Now().UTC(),
		Tax:           in.Tax,
		Discount:      in.Discount,
		PaymentMethod: in.PaymentMethod,
		Notes:         in.Notes,
		Status:        core.StatusPendingClassification,
		ImageRef:      imageRef,
	}

	for _, line := range in.Lines {
		product, err := s.products.ResolveOrCreate(ctx, line.Description, line.Brand, line.UnitPrice, line.CategoryID)
		if err != nil {
			return nil, fmt.Errorf("resolving product %q: %w", line.Description, err)
		}
		ticket.AddItem(core.TicketItem{
			ProductID: product.ID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			Discount:  line.Discount,
		})
	}

	ticket.ComputeTotals()
	if err := ticket.Validate(); err != nil {
		return nil, err
	}
	return ticket, nil
}

// persist writes the ticket, regenerating its number when another
// ingestion won the race to the same one.
func (s *Service) persist(ctx context.Context, ticket *core.Ticket) error {
	for attempt := 0; attempt < maxNumberRetries; attempt++ {
		number, err := s.numbers.Next(ctx)
		if err != nil {
			return fmt.Errorf("assigning ticket number: %w", err)
		}
		ticket.Number = number

		err = s.store.InsertTicket(ctx, ticket)
		if err == nil {
			return nil
		}
		if !errors.Is(err, core.ErrConflict) {
			return fmt.Errorf("saving ticket: %w", err)
		}
		slog.DebugContext(ctx, "Ticket number taken, retrying", "number", number, "attempt", attempt+1)
	}
	return fmt.Errorf("saving ticket: number conflicts persisted after %d attempts: %w", maxNumberRetries, core.ErrConflict)
}

func (s *Service) discardImage(ctx context.Context, ref string) {
	if ref == "" {
		return
	}
	if err := s.images.Remove(ctx, ref); err != nil {
		slog.WarnContext(ctx, "Failed to remove orphan receipt image", "reference", ref, "error", err)
	}
}

// Cancel marks a ticket cancelled. Cancelled tickets stay stored and
// keep counting toward aggregates.
func (s *Service) Cancel(ctx context.Context, id int64) error {
	if _, err := s.store.TicketByID(ctx, id); err != nil {
		return err
	}
	return s.store.UpdateTicketStatus(ctx, id, core.StatusCancelled)
}

func (s *Service) ByID(ctx context.Context, id int64) (*core.Ticket, error) {
	return s.store.TicketByID(ctx, id)
}

func (s *Service) ByNumber(ctx context.Context, number string) (*core.Ticket, error) {
	return s.store.TicketByNumber(ctx, number)
}

func (s *Service) List(ctx context.Context) ([]core.Ticket, error) {
	return s.store.Tickets(ctx)
}

func (s *Service) ByUser(ctx context.Context, userID int64) ([]core.Ticket, error) {
	return s.store.TicketsByUser(ctx, userID)
}

func (s *Service) ByDateRange(ctx context.Context, from, to time.Time) ([]core.Ticket, error) {
	return s.store.TicketsByDateRange(ctx, from, to)
}

func (s *Service) ByPaymentMethod(ctx context.Context, method string) ([]core.Ticket, error) {
	return s.store.TicketsByPaymentMethod(ctx, method)
}
