package contracts

import (
	"errors"
	"testing"
)

func TestWrapCategorizedError_NewErrorUsesProvidedCategory(t *testing.T) {
	wrapped := WrapCategorizedError(ErrorCategorySubscription, errors.New("boom"))
	var classified *CategorizedError
	if !errors.As(wrapped, &classified) {
		t.Fatalf("expected categorized error, got %T", wrapped)
	}
	if classified.Category != ErrorCategorySubscription {
		t.Fatalf("expected category=%q, got %q", ErrorCategorySubscription, classified.Category)
	}
}

func TestWrapCategorizedError_KeepsExistingCategory(t *testing.T) {
	base := errors.New("group name is required")
	wrapped := WriteError(ValidationError(base))
	if !IsValidation(wrapped) {
		t.Fatalf("expected validation category to survive rewrap, got %q", ErrorCategory(wrapped))
	}
	if !errors.Is(wrapped, base) {
		t.Fatal("expected sentinel to stay reachable via errors.Is")
	}
}

func TestWrapCategorizedError_NormalizesUnknownCategoryToWrite(t *testing.T) {
	wrapped := WrapCategorizedError("unknown", errors.New("boom"))
	if got := ErrorCategory(wrapped); got != ErrorCategoryWrite {
		t.Fatalf("expected category=%q, got %q", ErrorCategoryWrite, got)
	}
}

func TestErrorCategory_DefaultsToWriteForRegularErrors(t *testing.T) {
	if got := ErrorCategory(errors.New("plain")); got != ErrorCategoryWrite {
		t.Fatalf("expected default category=%q, got %q", ErrorCategoryWrite, got)
	}
	if IsValidation(errors.New("plain")) {
		t.Fatal("plain errors are not validation errors")
	}
	if WrapCategorizedError(ErrorCategoryWrite, nil) != nil {
		t.Fatal("nil must stay nil")
	}
}
