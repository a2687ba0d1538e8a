package contracts

import (
	"errors"
	"strings"
)

const (
	ErrorCategoryValidation   = "validation"
	ErrorCategoryWrite        = "write"
	ErrorCategorySubscription = "subscription"
	ErrorCategoryStorage      = "storage"
)

// CategorizedError tags an error with the failure class callers branch on:
// validation errors are rejected before any write, write errors carry the
// store failure, subscription errors leave the last good snapshot in place.
type CategorizedError struct {
	Category string
	Err      error
}

func (e *CategorizedError) Error() string {
	return e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

func normalizeErrorCategory(category string) string {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case ErrorCategoryValidation:
		return ErrorCategoryValidation
	case ErrorCategorySubscription:
		return ErrorCategorySubscription
	case ErrorCategoryStorage:
		return ErrorCategoryStorage
	default:
		return ErrorCategoryWrite
	}
}

// WrapCategorizedError keeps an existing category rather than re-tagging.
func WrapCategorizedError(category string, err error) error {
	if err == nil {
		return nil
	}
	var existing *CategorizedError
	if errors.As(err, &existing) {
		return &CategorizedError{
			Category: normalizeErrorCategory(existing.Category),
			Err:      existing.Err,
		}
	}
	return &CategorizedError{
		Category: normalizeErrorCategory(category),
		Err:      err,
	}
}

func ValidationError(err error) error {
	return WrapCategorizedError(ErrorCategoryValidation, err)
}

func WriteError(err error) error {
	return WrapCategorizedError(ErrorCategoryWrite, err)
}

func ErrorCategory(err error) string {
	var classified *CategorizedError
	if errors.As(err, &classified) {
		return normalizeErrorCategory(classified.Category)
	}
	return ErrorCategoryWrite
}

func IsValidation(err error) bool {
	var classified *CategorizedError
	return errors.As(err, &classified) && normalizeErrorCategory(classified.Category) == ErrorCategoryValidation
}
