// Package httpdl implements the built-in HTTP download handler: it probes
// the target, decides single- vs multi-connection mode from the size
// threshold, plans and runs segments concurrently, merges them into the
// final file in index order while computing its SHA-256, checks the
// assembled length, and commits via write-temp-then-rename. Assembly is grounded on merging
// ordered chunk files into one destination; the rename-to-commit step
// generalizes the same idea to the whole file instead of one chunk.
package httpdl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kestrel-dl/kestrel/internal/config"
	"github.com/kestrel-dl/kestrel/internal/handler"
	"github.com/kestrel-dl/kestrel/internal/httpclient"
	"github.com/kestrel-dl/kestrel/internal/logging"
	"github.com/kestrel-dl/kestrel/internal/model"
	"github.com/kestrel-dl/kestrel/internal/prober"
	"github.com/kestrel-dl/kestrel/internal/ratelimit"
	"github.com/kestrel-dl/kestrel/internal/resume"
	"github.com/kestrel-dl/kestrel/internal/segment"
)

var log = logging.Get("handler.http")

// Handler is the built-in http/https transfer handler.
type Handler struct {
	Opts         config.Options
	ClientConfig httpclient.Config
	Client       *http.Client
	GlobalLimiter ratelimit.Limiter
}

// New builds a Handler from engine options.
func New(opts config.Options, clientConfig httpclient.Config, globalLimiter ratelimit.Limiter) *Handler {
	return &Handler{
		Opts:          opts,
		ClientConfig:  clientConfig,
		Client:        httpclient.New(clientConfig),
		GlobalLimiter: globalLimiter,
	}
}

// Detect claims any http/https URL.
func (h *Handler) Detect(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

// Execute runs one task end to end: probe, mode selection, transfer,
// merge, verify, commit.
func (h *Handler) Execute(ctx context.Context, task *model.Task, progress handler.ProgressFunc) (handler.Result, error) {
	probeResult, err := prober.Probe(ctx, task.URL, h.Client, h.ClientConfig)
	if err != nil {
		return handler.Result{}, err
	}
	task.Progress.BytesTotal = probeResult.TotalSize

	if err := os.MkdirAll(filepath.Dir(task.Destination), 0755); err != nil {
		return handler.Result{}, model.NewError(model.KindIOWrite, fmt.Errorf("create destination directory: %w", err))
	}

	maxConnections := h.Opts.MaxConnections
	if override, ok := task.Options["max_connections"]; ok {
		if n, ok := override.(int); ok && n > 0 {
			maxConnections = n
		} else if f, ok := override.(float64); ok && f > 0 {
			maxConnections = int(f)
		}
	}

	useMulti := probeResult.RangeSupported &&
		probeResult.TotalSize >= h.Opts.MultiConnectionThresholdB &&
		maxConnections > 1

	var connCount int
	if useMulti {
		connCount = maxConnections
		if maxByMinSize := probeResult.TotalSize / h.Opts.MinSegmentSizeB; int64(connCount) > maxByMinSize && maxByMinSize >= 1 {
			connCount = int(maxByMinSize)
		}
	} else {
		connCount = 1
	}

	segments := h.planSegments(task, probeResult, connCount)

	// Persist the plan before any byte is written: a crash between here and
	// the first segment write still leaves a resume record a restart can
	// pick up, rather than one written only after the transfer finishes.
	if err := h.saveResumeProgress(task, probeResult, segments); err != nil {
		log.Warn().Err(err).Str("task_id", task.ID).Msg("failed to persist resume record before segment start")
	}

	taskLimiter := h.taskLimiter(task)
	limiterChain := ratelimit.Chain{Global: h.GlobalLimiter, Task: taskLimiter}

	runErr := h.runSegments(ctx, task, probeResult, segments, limiterChain, progress)

	if err := h.saveResumeProgress(task, probeResult, segments); err != nil {
		log.Warn().Err(err).Str("task_id", task.ID).Msg("failed to persist resume record after segment run")
	}

	if runErr != nil {
		if model.KindOf(runErr) == model.KindCancelled {
			h.cleanupOnCancel(task, segments, connCount > 1)
		}
		return handler.Result{}, runErr
	}

	checksum, err := h.mergeAndCommit(task, segments)
	if err != nil {
		return handler.Result{}, err
	}

	_ = resume.Delete(task.Destination)

	return handler.Result{BytesTransferred: task.Progress.BytesTotal, Checksum: checksum}, nil
}

func (h *Handler) planSegments(task *model.Task, probeResult prober.Result, connCount int) []model.Segment {
	tempDir := filepath.Join(filepath.Dir(task.Destination), ".kestrel-temp")
	os.MkdirAll(tempDir, 0755)
	base := filepath.Base(task.Destination)

	if rec, ok := resume.Load(task.Destination); ok && rec.URL == task.URL && rec.TotalSize == probeResult.TotalSize && validatorsMatch(rec, probeResult) {
		segments := make([]model.Segment, 0, len(rec.Segments))
		for _, sr := range rec.Segments {
			segments = append(segments, model.Segment{
				Index:    sr.Index,
				Start:    sr.Start,
				End:      sr.End,
				Written:  sr.Written,
				TempPath: filepath.Join(tempDir, fmt.Sprintf("%s.part%d", base, sr.Index)),
				Status:   model.SegmentPending,
			})
		}
		return segments
	}

	planned := model.PlanSegments(probeResult.TotalSize, connCount)
	segments := make([]model.Segment, 0, len(planned))
	for _, s := range planned {
		s.TempPath = filepath.Join(tempDir, fmt.Sprintf("%s.part%d", base, s.Index))
		segments = append(segments, s)
	}
	return segments
}

// cleanupOnCancel enforces P4: a cancelled task must never leave a final
// file behind, and single-mode never leaves its temp file behind either.
// Multi-mode keeps segment temp files and the resume record by default, so
// a later resume can pick up where it left off, unless CleanupOnCancel
// opts out of that.
func (h *Handler) cleanupOnCancel(task *model.Task, segments []model.Segment, multi bool) {
	os.Remove(task.Destination + ".kestrel-assembling")

	if multi && h.Opts.KeepPartialsOnCancelMulti && !h.Opts.CleanupOnCancel {
		return
	}
	for _, seg := range segments {
		if err := os.Remove(seg.TempPath); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("task_id", task.ID).Str("path", seg.TempPath).Msg("failed to remove segment temp file on cancel")
		}
	}
	if err := resume.Delete(task.Destination); err != nil {
		log.Warn().Err(err).Str("task_id", task.ID).Msg("failed to remove resume record on cancel")
	}
}

// validatorsMatch reports whether the remote resource still looks like the
// one a resume record was written against. A stale record with a matching
// size but a replaced body (a different ETag or Last-Modified) must not be
// reused, or the merged file would silently mix old and new bytes.
func validatorsMatch(rec *model.ResumeRecord, probeResult prober.Result) bool {
	if rec.ETag != "" || probeResult.ETag != "" {
		return rec.ETag == probeResult.ETag
	}
	if rec.LastModified != "" || probeResult.LastModified != "" {
		return rec.LastModified == probeResult.LastModified
	}
	return true
}

func (h *Handler) runSegments(ctx context.Context, task *model.Task, probeResult prober.Result, segments []model.Segment, limiter ratelimit.Chain, progress handler.ProgressFunc) error {
	var mu sync.Mutex
	totalDownloaded := int64(0)
	// writtenSnapshot mirrors each segment's Written count under mu, so the
	// periodic resume save below can read a consistent view without racing
	// the per-segment goroutines that mutate Segment.Written directly.
	writtenSnapshot := make([]int64, len(segments))
	for i := range segments {
		totalDownloaded += segments[i].Written
		writtenSnapshot[i] = segments[i].Written
	}
	lastReportTime := time.Now()
	var lastReportBytes int64 = totalDownloaded

	persistInterval := h.Opts.ProgressThrottle()
	if persistInterval <= 0 {
		persistInterval = 2 * time.Second
	}
	persistDone := make(chan struct{})
	persistStop := make(chan struct{})
	go func() {
		defer close(persistDone)
		ticker := time.NewTicker(persistInterval)
		defer ticker.Stop()
		for {
			select {
			case <-persistStop:
				return
			case <-ticker.C:
				mu.Lock()
				records := make([]model.SegmentRecord, len(segments))
				for i := range segments {
					records[i] = model.SegmentRecord{Index: segments[i].Index, Start: segments[i].Start, End: segments[i].End, Written: writtenSnapshot[i]}
				}
				mu.Unlock()
				if err := h.saveResumeRecords(task, probeResult, records); err != nil {
					log.Warn().Err(err).Str("task_id", task.ID).Msg("failed to persist resume record mid-transfer")
				}
			}
		}
	}()

	var wg sync.WaitGroup
	errCh := make(chan error, len(segments))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := range segments {
		seg := &segments[i]
		idx := i
		if seg.Status == model.SegmentDone {
			continue
		}
		wg.Add(1)
		go func(seg *model.Segment) {
			defer wg.Done()
			err := segment.Run(ctx, segment.Options{
				URL:                   task.URL,
				Segment:               seg,
				Client:                h.Client,
				ClientConfig:          h.ClientConfig,
				Limiter:               limiter,
				ChunkSize:             h.Opts.ChunkSizeB,
				ProgressInterval:      h.Opts.ProgressThrottle(),
				AllowFullBodyFallback: len(segments) == 1,
				OnProgress: func(n int64) {
					mu.Lock()
					totalDownloaded += n
					writtenSnapshot[idx] += n
					now := time.Now()
					elapsed := now.Sub(lastReportTime)
					if elapsed >= h.Opts.ProgressThrottle() || h.Opts.ProgressThrottle() <= 0 {
						throughput := float64(totalDownloaded-lastReportBytes) / elapsed.Seconds()
						progress(totalDownloaded, task.Progress.BytesTotal, throughput)
						lastReportTime = now
						lastReportBytes = totalDownloaded
					}
					mu.Unlock()
				},
			})
			if err != nil {
				select {
				case errCh <- err:
				default:
				}
				cancel()
			}
		}(seg)
	}
	wg.Wait()
	close(persistStop)
	<-persistDone
	close(errCh)

	if err, ok := <-errCh; ok {
		return err
	}
	progress(totalDownloaded, task.Progress.BytesTotal, 0)
	return nil
}

func (h *Handler) saveResumeProgress(task *model.Task, probeResult prober.Result, segments []model.Segment) error {
	records := make([]model.SegmentRecord, 0, len(segments))
	for _, s := range segments {
		records = append(records, model.SegmentRecord{Index: s.Index, Start: s.Start, End: s.End, Written: s.Written})
	}
	return h.saveResumeRecords(task, probeResult, records)
}

func (h *Handler) saveResumeRecords(task *model.Task, probeResult prober.Result, records []model.SegmentRecord) error {
	rec := &model.ResumeRecord{
		URL:          task.URL,
		TotalSize:    probeResult.TotalSize,
		ETag:         probeResult.ETag,
		LastModified: probeResult.LastModified,
		Segments:     records,
	}
	return resume.Save(task.Destination, rec)
}

// mergeAndCommit assembles segment temp files into the destination in
// index order, then verifies and renames into place. The destination is
// only ever visible to other processes once complete.
func (h *Handler) mergeAndCommit(task *model.Task, segments []model.Segment) (string, error) {
	sort.Slice(segments, func(i, j int) bool { return segments[i].Index < segments[j].Index })

	finalTemp := task.Destination + ".kestrel-assembling"
	out, err := os.OpenFile(finalTemp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return "", model.NewError(model.KindIOWrite, fmt.Errorf("create assembly file: %w", err))
	}

	hasher := sha256.New()
	writer := io.MultiWriter(out, hasher)
	var written int64
	for _, seg := range segments {
		in, err := os.Open(seg.TempPath)
		if err != nil {
			out.Close()
			return "", model.NewError(model.KindIOWrite, fmt.Errorf("open segment %d: %w", seg.Index, err))
		}
		n, err := io.Copy(writer, in)
		in.Close()
		if err != nil {
			out.Close()
			return "", model.NewError(model.KindIOWrite, fmt.Errorf("assemble segment %d: %w", seg.Index, err))
		}
		written += n
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return "", model.NewError(model.KindIOWrite, fmt.Errorf("fsync assembly file: %w", err))
	}
	if err := out.Close(); err != nil {
		return "", model.NewError(model.KindIOWrite, fmt.Errorf("close assembly file: %w", err))
	}
	if task.Progress.BytesTotal > 0 && written != task.Progress.BytesTotal {
		os.Remove(finalTemp)
		return "", model.NewError(model.KindProtocol, fmt.Errorf("assembled %d bytes, expected %d", written, task.Progress.BytesTotal))
	}

	if err := os.Rename(finalTemp, task.Destination); err != nil {
		return "", model.NewError(model.KindIOWrite, fmt.Errorf("commit assembled file: %w", err))
	}

	for _, seg := range segments {
		os.Remove(seg.TempPath)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func (h *Handler) taskLimiter(task *model.Task) ratelimit.Limiter {
	if !h.Opts.EnableBandwidthLimiting {
		return nil
	}
	rateRaw, ok := task.Options["bandwidth_limit_bps"]
	if !ok {
		return nil
	}
	rate, ok := rateRaw.(int64)
	if !ok || rate <= 0 {
		return nil
	}
	return ratelimit.NewBucket(rate, 0)
}
