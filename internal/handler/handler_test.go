package handler

import (
	"context"
	"strings"
	"testing"

	"github.com/kestrel-dl/kestrel/internal/model"
)

type prefixHandler struct{ prefix string }

func (p prefixHandler) Detect(url string) bool { return strings.HasPrefix(url, p.prefix) }
func (p prefixHandler) Execute(ctx context.Context, task *model.Task, progress ProgressFunc) (Result, error) {
	return Result{}, nil
}

func TestResolveReturnsFirstMatchInRegistrationOrder(t *testing.T) {
	r := NewRegistry(prefixHandler{prefix: "http://"}, prefixHandler{prefix: "http"})

	h, ok := r.Resolve("http://example.com/a")
	if !ok {
		t.Fatal("expected a match")
	}
	if h.(prefixHandler).prefix != "http://" {
		t.Fatalf("expected the first registered matching handler to win, got %+v", h)
	}
}

func TestResolveReturnsFalseWhenNoneMatch(t *testing.T) {
	r := NewRegistry(prefixHandler{prefix: "s3://"})
	if _, ok := r.Resolve("ftp://example.com/a"); ok {
		t.Fatal("expected no handler to claim an ftp URL")
	}
}
