package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/quillstore/quill/internal/errors"
)

const (
	// Size limits
	MaxCollectionSize = 256
	MaxKeySize        = 1024
	MaxDocumentSize   = 1 << 20 // 1 MB
)

// Validator validates engine write and read requests. Rejections are local,
// carry a stable code and are never retried by the core.
type Validator struct {
	maxKeySize      int
	maxDocumentSize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:      MaxKeySize,
		maxDocumentSize: MaxDocumentSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxKeySize, maxDocumentSize int) *Validator {
	return &Validator{
		maxKeySize:      maxKeySize,
		maxDocumentSize: maxDocumentSize,
	}
}

// ValidateWrite validates a write operation
func (v *Validator) ValidateWrite(collection, key string, schemaVersion int, body []byte) error {
	if err := v.ValidateCollection(collection); err != nil {
		return err
	}
	if err := v.ValidateKey(key); err != nil {
		return err
	}
	if schemaVersion < 1 {
		return errors.InvalidArgument(
			fmt.Sprintf("schema version must be positive, got %d", schemaVersion), nil)
	}
	return v.ValidateBody(body)
}

// ValidateCollection validates a collection id
func (v *Validator) ValidateCollection(collection string) error {
	if collection == "" {
		return errors.InvalidArgument("collection cannot be empty", nil)
	}
	if len(collection) > MaxCollectionSize {
		return errors.InvalidArgument(
			fmt.Sprintf("collection exceeds maximum size of %d bytes", MaxCollectionSize), nil)
	}
	// '/' separates collection and key in composite keys
	if strings.Contains(collection, "/") {
		return errors.InvalidArgument("collection cannot contain '/' character", nil)
	}
	for _, r := range collection {
		if unicode.IsControl(r) {
			return errors.InvalidArgument("collection cannot contain control characters", nil)
		}
	}
	return nil
}

// ValidateKey validates a primary key
func (v *Validator) ValidateKey(key string) error {
	if key == "" {
		return errors.InvalidArgument("key cannot be empty", nil)
	}
	if len(key) > v.maxKeySize {
		return errors.New(errors.ErrCodeKeyTooLarge, errors.SeverityReject,
			fmt.Sprintf("key size %d exceeds maximum %d", len(key), v.maxKeySize), nil)
	}
	if strings.Contains(key, "\x00") {
		return errors.InvalidArgument("key cannot contain null bytes", nil)
	}
	for _, r := range key {
		if unicode.IsControl(r) && r != '\t' {
			return errors.InvalidArgument("key cannot contain control characters", nil)
		}
	}
	return nil
}

// ValidateBody validates a document body. Empty bodies are valid only for
// deletes, which never pass a body at all.
func (v *Validator) ValidateBody(body []byte) error {
	if len(body) == 0 {
		return errors.InvalidArgument("document body cannot be empty", nil)
	}
	if len(body) > v.maxDocumentSize {
		return errors.New(errors.ErrCodeDocumentTooLarge, errors.SeverityReject,
			fmt.Sprintf("document size %d exceeds maximum %d", len(body), v.maxDocumentSize), nil)
	}
	return nil
}
