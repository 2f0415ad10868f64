// Package handler defines the capability interface download variants
// implement: Detect decides whether a handler can serve a URL, Execute
// runs the transfer. The engine's built-in HTTP handler plans segments
// and runs them concurrently; other variants (S3, git clone) wrap a
// different transport behind the same two methods, so the queue's
// Executor never needs to know which one it's driving.
package handler

import (
	"context"

	"github.com/kestrel-dl/kestrel/internal/model"
)

// Result is what a handler reports back once Execute returns without
// error.
type Result struct {
	BytesTransferred int64
	Checksum         string
}

// ProgressFunc reports absolute downloaded/total bytes and an
// instantaneous throughput estimate.
type ProgressFunc func(downloaded, total int64, throughputBps float64)

// Handler is implemented once per transport. Detect must be cheap and
// side-effect free; Execute does the actual work and must honor ctx
// cancellation promptly.
type Handler interface {
	Detect(url string) bool
	Execute(ctx context.Context, task *model.Task, progress ProgressFunc) (Result, error)
}

// Registry dispatches a URL to the first Handler that claims it, in
// registration order.
type Registry struct {
	handlers []Handler
}

// NewRegistry builds a Registry trying each handler in order.
func NewRegistry(handlers ...Handler) *Registry {
	return &Registry{handlers: handlers}
}

// Resolve returns the first handler that detects url, or false if none do.
func (r *Registry) Resolve(url string) (Handler, bool) {
	for _, h := range r.handlers {
		if h.Detect(url) {
			return h, true
		}
	}
	return nil, false
}
