package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryableClassifiesTransientKinds(t *testing.T) {
	for _, k := range []ErrorKind{KindNetwork, KindTimeout, KindHTTP5xx, KindHTTP429, KindHTTP408, KindIOWrite} {
		if !IsRetryable(k) {
			t.Errorf("expected %s to be retryable", k)
		}
	}
	for _, k := range []ErrorKind{KindValidation, KindUnsupported, KindChecksumMismatch, KindContractViolation, KindCancelled} {
		if IsRetryable(k) {
			t.Errorf("expected %s to be terminal", k)
		}
	}
}

func TestKindOfUnwrapsThroughWrappedErrors(t *testing.T) {
	base := NewError(KindNetwork, errors.New("connection reset"))
	wrapped := fmt.Errorf("segment 3 failed: %w", base)
	if got := KindOf(wrapped); got != KindNetwork {
		t.Fatalf("expected KindNetwork, got %s", got)
	}
}

func TestKindOfFallsBackToValidationForUnclassifiedErrors(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindValidation {
		t.Fatalf("expected KindValidation fallback, got %s", got)
	}
}

func TestDownloadErrorUnwrap(t *testing.T) {
	base := errors.New("root cause")
	de := NewError(KindDiskFull, base)
	if !errors.Is(de, base) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
}
