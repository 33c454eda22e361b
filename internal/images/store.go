// Package images persists uploaded receipt images as uniquely named,
// immutable files under a configured root directory.
package images

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"receipts/internal/core"

	"github.com/google/uuid"
)

// MaxSize is the upload ceiling: 10 MiB.
const MaxSize = 10 * 1024 * 1024

// allowedTypes maps accepted declared content types to the canonical
// type served back on retrieval.
var allowedTypes = map[string]string{
	"image/jpeg": "image/jpeg",
	"image/jpg":  "image/jpeg",
	"image/png":  "image/png",
	"image/gif":  "image/gif",
	"image/webp": "image/webp",
}

// extTypes maps stored file extensions back to a content type.
var extTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// Store writes receipt images under a single root directory. Names are
// collision-resistant (timestamp plus random token) and files are
// created exclusively, so writers never race on the same reference.
type Store struct {
	root string
}

func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	return &Store{root: root}, nil
}

// Store validates and persists an upload, returning the reference the
// caller keeps for later retrieval. size is the declared upload size
// and must match the content exactly.
func (s *Store) Store(ctx context.Context, content io.Reader, originalFilename, contentType string, size int64) (string, error) {
	if content == nil || size <= 0 {
		return "", &core.ValidationError{Field: "image", Reason: "is required"}
	}
	if _, ok := allowedTypes[strings.ToLower(contentType)]; !ok {
		return "", &core.InvalidImageTypeError{ContentType: contentType}
	}
	if size > MaxSize {
		return "", &core.ImageTooLargeError{Size: size, Limit: MaxSize}
	}

	ref := newReference(originalFilename)
	path := filepath.Join(s.root, ref)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", &core.StorageError{Op: "create image file", Err: err}
	}

	// Read one byte past the declared size so oversized content is
	// detected instead of silently truncated.
	written, err := io.Copy(f, io.LimitReader(content, size+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", &core.StorageError{Op: "write image file", Err: err}
	}
	if written != size {
		os.Remove(path)
		return "", &core.ValidationError{
			Field:  "image",
			Reason: fmt.Sprintf("content length does not match declared size %d", size),
		}
	}

	slog.InfoContext(ctx, "Image stored",
		"reference", ref,
		"size", written,
		"content_type", contentType)
	return ref, nil
}

// newReference builds "ticket_<timestamp>_<token><ext>", falling back
// to .jpg when the original name carries no extension.
func newReference(originalFilename string) string {
	timestamp := time.Now().Format("20060102_150405")
	token := uuid.NewString()[:8]

	ext := strings.ToLower(filepath.Ext(originalFilename))
	if ext == "" {
		ext = ".jpg"
	}
	return "ticket_" + timestamp + "_" + token + ext
}

// Retrieve returns the stored content and its content type. References
// that resolve outside the root are rejected.
func (s *Store) Retrieve(ctx context.Context, reference string) ([]byte, string, error) {
	if err := validateReference(reference); err != nil {
		return nil, "", err
	}

	content, err := os.ReadFile(filepath.Join(s.root, reference))
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", &core.NotFoundError{Entity: "image", ID: reference}
	}
	if err != nil {
		return nil, "", &core.StorageError{Op: "read image file", Err: err}
	}

	contentType := extTypes[strings.ToLower(filepath.Ext(reference))]
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return content, contentType, nil
}

// Remove deletes a stored image. Images are immutable for callers; this
// exists only so ingestion can roll back an orphan after a failed
// ticket persist.
func (s *Store) Remove(ctx context.Context, reference string) error {
	if err := validateReference(reference); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.root, reference)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &core.StorageError{Op: "remove image file", Err: err}
	}
	return nil
}

// validateReference rejects anything that is not a plain file name.
func validateReference(reference string) error {
	if reference == "" ||
		reference != filepath.Base(reference) ||
		strings.Contains(reference, "..") {
		return &core.ValidationError{Field: "reference", Reason: "invalid image reference"}
	}
	return nil
}
