package core

import (
	"errors"
	"fmt"
)

// Error taxonomy for the ingestion and hierarchy engine. All validation
// and invariant failures surface as one of these types so callers can
// render a user-facing message without seeing storage internals.

// NotFoundError reports that a referenced entity does not exist.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// NewNotFound builds a NotFoundError for a numeric identifier.
func NewNotFound(entity string, id int64) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: fmt.Sprintf("%d", id)}
}

// DuplicateNameError reports a case-insensitive name collision.
type DuplicateNameError struct {
	Entity string
	Name   string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("a %s named %q already exists", e.Entity, e.Name)
}

// CyclicParentError reports a parent assignment that would make a
// category an ancestor of itself.
type CyclicParentError struct {
	ID       int64
	ParentID int64
}

func (e *CyclicParentError) Error() string {
	return fmt.Sprintf("category %d cannot have %d as parent: cycle", e.ID, e.ParentID)
}

// HasProductsError blocks a category delete while products reference it.
type HasProductsError struct {
	CategoryID int64
	Count      int64
}

func (e *HasProductsError) Error() string {
	return fmt.Sprintf("category %d has %d associated product(s)", e.CategoryID, e.Count)
}

// HasChildrenError blocks a category delete while subcategories exist.
type HasChildrenError struct {
	CategoryID int64
	Count      int64
}

func (e *HasChildrenError) Error() string {
	return fmt.Sprintf("category %d has %d subcategorie(s)", e.CategoryID, e.Count)
}

// ValidationError reports missing or malformed caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// InvalidImageTypeError reports a content type outside the allow-list.
type InvalidImageTypeError struct {
	ContentType string
}

func (e *InvalidImageTypeError) Error() string {
	return fmt.Sprintf("unsupported image type %q", e.ContentType)
}

// ImageTooLargeError reports an upload over the size ceiling.
type ImageTooLargeError struct {
	Size  int64
	Limit int64
}

func (e *ImageTooLargeError) Error() string {
	return fmt.Sprintf("image of %d bytes exceeds limit of %d bytes", e.Size, e.Limit)
}

// StorageError wraps an underlying store or file-system failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ErrConflict is returned by stores when a uniqueness constraint
// rejects a write. Callers translate it: duplicate ticket numbers are
// retried, duplicate product keys become a lookup of the winner.
var ErrConflict = errors.New("uniqueness conflict")

// IsNotFound reports whether err is a NotFoundError at any wrap depth.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
