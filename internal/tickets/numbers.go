package tickets

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NumberStrategy assigns a unique human-readable number to a ticket.
type NumberStrategy interface {
	Next(ctx context.Context) (string, error)
}

// SequenceStore is the slice of storage the sequential strategy needs.
type SequenceStore interface {
	MaxTicketSequence(ctx context.Context, prefix string) (int, error)
}

// NewStrategy returns the strategy for a configured name. Anything
// other than "sequential" falls back to random numbers.
func NewStrategy(name string, store SequenceStore) NumberStrategy {
	if name == "sequential" {
		return NewSequentialNumbers(store)
	}
	return NewRandomNumbers()
}

// RandomNumbers generates TKT-<timestamp>-<6-char-suffix> numbers. The
// suffix comes from a fresh UUID, so two tickets ingested in the same
// second still get distinct numbers.
type RandomNumbers struct {
	now func() time.Time
}

func NewRandomNumbers() *RandomNumbers {
	return &RandomNumbers{now: time.Now}
}

func (g *RandomNumbers) Next(ctx context.Context) (string, error) {
	suffix := strings.ToUpper(uuid.NewString()[:6])
	return fmt.Sprintf("TKT-%s-%s", g.now().Format("20060102150405"), suffix), nil
}

// SequentialNumbers generates TICKET-<year>-<6-digit-sequence> numbers
// by reading the highest sequence already stored for the current year.
// Concurrent ingestions can race to the same sequence; the caller
// retries on a uniqueness conflict by asking for a fresh number.
type SequentialNumbers struct {
	store SequenceStore
	now   func() time.Time
}

func NewSequentialNumbers(store SequenceStore) *SequentialNumbers {
	return &SequentialNumbers{store: store, now: time.Now}
}

func (g *SequentialNumbers) Next(ctx context.Context) (string, error) {
	prefix := fmt.Sprintf("TICKET-%d-", g.now().Year())
	max, err := g.store.MaxTicketSequence(ctx, prefix)
	if err != nil {
		return "", fmt.Errorf("reading ticket sequence: %w", err)
	}
	return fmt.Sprintf("%s%06d", prefix, max+1), nil
}
