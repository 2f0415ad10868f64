// Package s3dl implements the s3:// handler variant: it resolves bucket
// and key from the URL, heads the object for its size, and transfers it
// with the S3 transfer manager's concurrent part downloader instead of
// the engine's own HTTP range segmenter, since the SDK already knows how
// to split a GetObject by part size and checksum it.
package s3dl

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/kestrel-dl/kestrel/internal/handler"
	"github.com/kestrel-dl/kestrel/internal/model"
)

// Handler claims s3:// URLs and transfers objects via the S3 transfer
// manager's concurrent downloader.
type Handler struct {
	PartSizeBytes int64
	Concurrency   int
}

// New builds a Handler. partSize and concurrency mirror the engine's own
// segment-size and connection-count options, applied to the SDK's
// downloader instead of the built-in segmenter.
func New(partSizeBytes int64, concurrency int) *Handler {
	if partSizeBytes <= 0 {
		partSizeBytes = manager.DefaultDownloadPartSize
	}
	if concurrency <= 0 {
		concurrency = manager.DefaultDownloadConcurrency
	}
	return &Handler{PartSizeBytes: partSizeBytes, Concurrency: concurrency}
}

// Detect claims s3:// URLs.
func (h *Handler) Detect(rawURL string) bool {
	return strings.HasPrefix(rawURL, "s3://")
}

// Execute downloads the object at s3://bucket/key to task.Destination.
func (h *Handler) Execute(ctx context.Context, task *model.Task, progress handler.ProgressFunc) (handler.Result, error) {
	bucket, key, err := parseS3URL(task.URL)
	if err != nil {
		return handler.Result{}, model.NewError(model.KindProtocol, err)
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRetryMode(aws.RetryModeAdaptive))
	if err != nil {
		return handler.Result{}, model.NewError(model.KindValidation, fmt.Errorf("load AWS config: %w", err))
	}
	client := s3.NewFromConfig(cfg)

	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return handler.Result{}, model.NewError(model.KindHTTP4xxOther, fmt.Errorf("head s3://%s/%s: %w", bucket, key, err))
	}
	var total int64
	if head.ContentLength != nil {
		total = *head.ContentLength
	}
	task.Progress.BytesTotal = total

	if err := os.MkdirAll(filepath.Dir(task.Destination), 0755); err != nil {
		return handler.Result{}, model.NewError(model.KindIOWrite, fmt.Errorf("create destination directory: %w", err))
	}
	tmp := task.Destination + ".kestrel-assembling"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return handler.Result{}, model.NewError(model.KindIOWrite, fmt.Errorf("create assembly file: %w", err))
	}

	downloader := manager.NewDownloader(client, func(d *manager.Downloader) {
		d.PartSize = h.PartSizeBytes
		d.Concurrency = h.Concurrency
	})

	progressWriter := &countingWriterAt{w: out, total: total, progress: progress, lastReport: time.Now()}
	n, err := downloader.Download(ctx, progressWriter, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	closeErr := out.Close()
	if err != nil {
		os.Remove(tmp)
		return handler.Result{}, classifyS3Error(err)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return handler.Result{}, model.NewError(model.KindIOWrite, closeErr)
	}
	if err := os.Rename(tmp, task.Destination); err != nil {
		return handler.Result{}, model.NewError(model.KindIOWrite, fmt.Errorf("commit object: %w", err))
	}
	progress(n, total, 0)
	return handler.Result{BytesTransferred: n}, nil
}

// countingWriterAt adapts an *os.File to io.WriterAt while reporting
// aggregate progress as the downloader's part workers write concurrently.
type countingWriterAt struct {
	w          io.WriterAt
	total      int64
	progress   handler.ProgressFunc
	mu         sync.Mutex
	written    int64
	lastReport time.Time
}

func (c *countingWriterAt) WriteAt(p []byte, off int64) (int, error) {
	n, err := c.w.WriteAt(p, off)
	if n > 0 {
		c.mu.Lock()
		c.written += int64(n)
		written := c.written
		shouldReport := time.Since(c.lastReport) >= 250*time.Millisecond
		if shouldReport {
			c.lastReport = time.Now()
		}
		c.mu.Unlock()
		if shouldReport {
			c.progress(written, c.total, 0)
		}
	}
	return n, err
}

func parseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse s3 URL: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3 URL: %s", raw)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

func classifyS3Error(err error) error {
	return model.NewError(model.KindNetwork, err)
}
