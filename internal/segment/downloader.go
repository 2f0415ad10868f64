// Package segment streams one byte range into a per-segment temp file in
// chunks, observing cancellation between chunks and reporting progress at
// throttled intervals. Bytes pass through a ratelimit.Chain before
// they're counted toward progress.
package segment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/kestrel-dl/kestrel/internal/httpclient"
	"github.com/kestrel-dl/kestrel/internal/model"
	"github.com/kestrel-dl/kestrel/internal/ratelimit"
)

// DefaultChunkSize is the per-read transfer granularity when the caller
// doesn't specify one.
const DefaultChunkSize = 64 * 1024

// ProgressFunc receives the number of new bytes written for this segment
// since the last call. It must return quickly; segment.Run invokes it
// inline on the transfer goroutine.
type ProgressFunc func(newBytes int64)

// Options configures one segment transfer.
type Options struct {
	URL          string
	Segment      *model.Segment
	Client       *http.Client
	ClientConfig httpclient.Config
	Limiter      ratelimit.Chain
	ChunkSize    int
	OnProgress   ProgressFunc
	// ProgressInterval throttles OnProgress calls; 0 means call on every
	// chunk.
	ProgressInterval time.Duration
	// AllowFullBodyFallback permits a 200 response to a Range request to be
	// accepted as the whole resource starting at byte 0, instead of being
	// classified as a protocol error. Only the single-connection coordinator
	// sets this: a 200 mid-multi-segment transfer stays an error, since the
	// coordinator already committed to multi-mode on the prober's say-so.
	AllowFullBodyFallback bool
}

// Run streams seg's byte range into seg.TempPath, resuming from whatever
// is already on disk there. It returns the error kind classification the
// coordinator needs to decide retry-vs-terminal; it never retries
// internally, since retry scheduling belongs to the caller.
func Run(ctx context.Context, opts Options) error {
	seg := opts.Segment
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	seg.Status = model.SegmentRunning

	resumeOffset := int64(0)
	if info, err := os.Stat(seg.TempPath); err == nil {
		resumeOffset = info.Size()
	}
	expected := seg.Length()
	if resumeOffset >= expected {
		seg.Written = expected
		seg.Status = model.SegmentDone
		return nil
	}

	flag := os.O_WRONLY | os.O_CREATE
	if resumeOffset > 0 {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}
	f, err := os.OpenFile(seg.TempPath, flag, 0644)
	if err != nil {
		seg.Status = model.SegmentFailed
		return model.NewError(model.KindIOWrite, fmt.Errorf("open temp segment file: %w", err))
	}
	defer f.Close()

	startByte := seg.Start + resumeOffset
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		seg.Status = model.SegmentFailed
		return model.NewError(model.KindProtocol, err)
	}
	httpclient.ApplyHeaders(req, opts.ClientConfig)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", startByte, seg.End))

	resp, err := opts.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			seg.Status = model.SegmentCancelled
			return model.NewError(model.KindCancelled, ctx.Err())
		}
		seg.Status = model.SegmentFailed
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	fullBodyFallback := opts.AllowFullBodyFallback && resp.StatusCode == http.StatusOK
	if !fullBodyFallback {
		if err := checkRangeResponse(resp); err != nil {
			seg.Status = model.SegmentFailed
			return err
		}
	} else if resumeOffset > 0 {
		// The server ignored Range entirely and sent the whole resource from
		// byte 0; a partially written segment can't be trusted against that,
		// so restart it from scratch.
		if err := f.Truncate(0); err != nil {
			seg.Status = model.SegmentFailed
			return model.NewError(model.KindIOWrite, err)
		}
		resumeOffset = 0
	}

	seg.Written = resumeOffset
	buffer := make([]byte, chunkSize)
	var lastReport time.Time
	var sinceReport int64

	for {
		select {
		case <-ctx.Done():
			seg.Status = model.SegmentCancelled
			return model.NewError(model.KindCancelled, ctx.Err())
		default:
		}

		n, readErr := resp.Body.Read(buffer)
		if n > 0 {
			if err := opts.Limiter.Consume(ctx, int64(n)); err != nil {
				seg.Status = model.SegmentCancelled
				return model.NewError(model.KindCancelled, err)
			}
			if _, writeErr := f.Write(buffer[:n]); writeErr != nil {
				seg.Status = model.SegmentFailed
				return model.NewError(model.KindIOWrite, writeErr)
			}
			seg.Written += int64(n)
			sinceReport += int64(n)
			if opts.OnProgress != nil {
				if opts.ProgressInterval <= 0 || time.Since(lastReport) >= opts.ProgressInterval {
					opts.OnProgress(sinceReport)
					sinceReport = 0
					lastReport = time.Now()
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			if ctx.Err() != nil {
				seg.Status = model.SegmentCancelled
				return model.NewError(model.KindCancelled, ctx.Err())
			}
			seg.Status = model.SegmentFailed
			return classifyTransportError(readErr)
		}
	}
	if opts.OnProgress != nil && sinceReport > 0 {
		opts.OnProgress(sinceReport)
	}

	if seg.Written != expected {
		seg.Status = model.SegmentFailed
		return model.NewError(model.KindProtocol, fmt.Errorf("segment %d: wrote %d bytes, expected %d", seg.Index, seg.Written, expected))
	}
	seg.Status = model.SegmentDone
	return nil
}

func checkRangeResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusPartialContent {
		if resp.Header.Get("Content-Range") == "" {
			return model.NewError(model.KindProtocol, fmt.Errorf("missing Content-Range header"))
		}
		return nil
	}
	return classifyStatus(resp.StatusCode)
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusTooManyRequests:
		return model.NewError(model.KindHTTP429, fmt.Errorf("status %d", code))
	case code == http.StatusRequestTimeout:
		return model.NewError(model.KindHTTP408, fmt.Errorf("status %d", code))
	case code >= 500:
		return model.NewError(model.KindHTTP5xx, fmt.Errorf("status %d", code))
	case code >= 400:
		return model.NewError(model.KindHTTP4xxOther, fmt.Errorf("status %d", code))
	default:
		return model.NewError(model.KindProtocol, fmt.Errorf("unexpected status %d", code))
	}
}

func classifyTransportError(err error) error {
	type timeoutErr interface{ Timeout() bool }
	if te, ok := err.(timeoutErr); ok && te.Timeout() {
		return model.NewError(model.KindTimeout, err)
	}
	return model.NewError(model.KindNetwork, err)
}
