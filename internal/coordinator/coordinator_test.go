package coordinator

import (
	"context"
	"testing"

	"github.com/kestrel-dl/kestrel/internal/handler"
	"github.com/kestrel-dl/kestrel/internal/model"
)

type stubHandler struct {
	prefix   string
	progress func(handler.ProgressFunc)
	err      error
}

func (s *stubHandler) Detect(url string) bool { return len(url) >= len(s.prefix) && url[:len(s.prefix)] == s.prefix }

func (s *stubHandler) Execute(ctx context.Context, task *model.Task, progress handler.ProgressFunc) (handler.Result, error) {
	if s.progress != nil {
		s.progress(progress)
	}
	return handler.Result{}, s.err
}

func TestExecuteDispatchesToMatchingHandler(t *testing.T) {
	h := &stubHandler{prefix: "http://"}
	reg := handler.NewRegistry(h)
	c := New(reg)

	task := model.NewTask("t", "http://example/file", "/tmp/f", 1, 1, nil)
	var reported bool
	err := c.Execute(context.Background(), task, func(downloaded, total int64, throughput float64) {
		reported = true
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	_ = reported
}

func TestExecuteRejectsDownloadedExceedingTotal(t *testing.T) {
	h := &stubHandler{
		prefix: "http://",
		progress: func(p handler.ProgressFunc) {
			p(200, 100, 0)
		},
	}
	reg := handler.NewRegistry(h)
	c := New(reg)

	task := model.NewTask("t", "http://example/file", "/tmp/f", 1, 1, nil)
	err := c.Execute(context.Background(), task, func(downloaded, total int64, throughput float64) {})
	if model.KindOf(err) != model.KindContractViolation {
		t.Fatalf("expected CONTRACT_VIOLATION, got %v", model.KindOf(err))
	}
}

func TestExecuteReturnsUnsupportedForUnclaimedURL(t *testing.T) {
	reg := handler.NewRegistry(&stubHandler{prefix: "s3://"})
	c := New(reg)
	task := model.NewTask("t", "ftp://example/file", "/tmp/f", 1, 1, nil)
	err := c.Execute(context.Background(), task, func(int64, int64, float64) {})
	if model.KindOf(err) != model.KindUnsupported {
		t.Fatalf("expected UNSUPPORTED, got %v", model.KindOf(err))
	}
}
