package httpdl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrel-dl/kestrel/internal/config"
	"github.com/kestrel-dl/kestrel/internal/httpclient"
	"github.com/kestrel-dl/kestrel/internal/model"
)

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func testData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// rangeServer serves data at /file, honoring Range requests and tracking
// how many of them it received.
func rangeServer(data []byte) (*httptest.Server, *int32) {
	var rangedRequests int32
	mux := http.NewServeMux()
	mux.HandleFunc("/file", func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("ETag", `"v1"`)
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write(data)
			return
		}
		atomic.AddInt32(&rangedRequests, 1)
		var start, end int
		fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end)
		if end >= len(data) {
			end = len(data) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
		w.Header().Set("ETag", `"v1"`)
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : end+1])
	})
	return httptest.NewServer(mux), &rangedRequests
}

// norangeServer never honors Range requests, regardless of whether it
// advertises support for them in its HEAD response.
func norangeServer(data []byte, advertiseRanges bool) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/file", func(w http.ResponseWriter, r *http.Request) {
		if advertiseRanges {
			w.Header().Set("Accept-Ranges", "bytes")
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	})
	return httptest.NewServer(mux)
}

func newTestHandler(opts config.Options) *Handler {
	return New(opts, httpclient.Config{UserAgent: "kestrel-test"}, nil)
}

func baseOpts() config.Options {
	o := config.Defaults()
	o.MaxConnections = 4
	o.MultiConnectionThresholdB = 1024
	o.MinSegmentSizeB = 256
	o.ChunkSizeB = 256
	o.ProgressThrottleMs = 0
	return o
}

// Scenario 1: a resource above the multi-connection threshold, served by a
// range-capable server, downloads using every configured connection and
// commits a file whose SHA-256 matches the source bytes.
func TestExecuteMultiConnectionWhenRangeSupported(t *testing.T) {
	data := testData(4096)
	srv, rangedRequests := rangeServer(data)
	defer srv.Close()

	h := newTestHandler(baseOpts())
	dest := filepath.Join(t.TempDir(), "out.bin")
	task := model.NewTask("t1", srv.URL+"/file", dest, 1, 1, nil)

	var progressCalls int32
	var lastDownloaded int64
	var mu sync.Mutex
	result, err := h.Execute(context.Background(), task, func(downloaded, total int64, throughput float64) {
		mu.Lock()
		defer mu.Unlock()
		if downloaded < lastDownloaded {
			t.Errorf("progress went backwards: %d after %d", downloaded, lastDownloaded)
		}
		lastDownloaded = downloaded
		atomic.AddInt32(&progressCalls, 1)
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Checksum != sha256Hex(data) {
		t.Fatalf("checksum mismatch: got %s", result.Checksum)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read destination: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("destination bytes do not match source")
	}
	// one ranged confirmation GET from the prober plus one per segment.
	if want := int32(1 + 4); atomic.LoadInt32(rangedRequests) != want {
		t.Fatalf("expected %d ranged requests (confirm + 4 segments), got %d", want, atomic.LoadInt32(rangedRequests))
	}
}

// Scenario 2: a server that never advertises range support falls back to a
// single connection and still reproduces the source bytes exactly.
func TestExecuteSingleConnectionWhenServerRefusesRanges(t *testing.T) {
	data := testData(4096)
	srv := norangeServer(data, false)
	defer srv.Close()

	h := newTestHandler(baseOpts())
	dest := filepath.Join(t.TempDir(), "out.bin")
	task := model.NewTask("t2", srv.URL+"/file", dest, 1, 1, nil)

	result, err := h.Execute(context.Background(), task, func(int64, int64, float64) {})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Checksum != sha256Hex(data) {
		t.Fatalf("checksum mismatch")
	}
}

// Boundary scenario: a server advertises Accept-Ranges: bytes in its HEAD
// response but returns 200 to the first ranged GET. The prober's
// confirmation request must catch this before mode selection commits to
// multi-connection, or the first real segment request fails terminally.
func TestExecuteFallsBackToSingleWhenHeadAdvertisesButGetIgnoresRange(t *testing.T) {
	data := testData(4096)
	srv := norangeServer(data, true)
	defer srv.Close()

	h := newTestHandler(baseOpts())
	dest := filepath.Join(t.TempDir(), "out.bin")
	task := model.NewTask("t3", srv.URL+"/file", dest, 1, 1, nil)

	result, err := h.Execute(context.Background(), task, func(int64, int64, float64) {})
	if err != nil {
		t.Fatalf("Execute: %v (expected a clean single-mode fallback, not a terminal protocol error)", err)
	}
	if result.Checksum != sha256Hex(data) {
		t.Fatalf("checksum mismatch")
	}
}

// Scenario 3: a resource smaller than the multi-connection threshold uses
// single mode, and no stray temp file survives a successful commit.
func TestExecuteBelowThresholdLeavesNoTempFileOnSuccess(t *testing.T) {
	data := testData(512)
	srv, _ := rangeServer(data)
	defer srv.Close()

	opts := baseOpts()
	opts.MultiConnectionThresholdB = 1 << 20
	h := newTestHandler(opts)
	destDir := t.TempDir()
	dest := filepath.Join(destDir, "out.bin")
	task := model.NewTask("t4", srv.URL+"/file", dest, 1, 1, nil)

	if _, err := h.Execute(context.Background(), task, func(int64, int64, float64) {}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	tempDir := filepath.Join(destDir, ".kestrel-temp")
	entries, err := os.ReadDir(tempDir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("read temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no leftover temp files after a successful commit, found %v", entries)
	}
	if _, err := os.Stat(dest + ".resume"); !os.IsNotExist(err) {
		t.Fatalf("expected the resume record to be removed on success")
	}
}

// slowServer streams data one chunk at a time with a short pause between
// writes, so a transfer is still in flight when a test cancels it.
func slowServer(data []byte, chunk int, pause time.Duration) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/file", func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		start, end := 0, len(data)-1
		if rangeHeader == "" {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)
			if r.Method == http.MethodHead {
				return
			}
		} else {
			fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end)
			if end >= len(data) {
				end = len(data) - 1
			}
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
			w.WriteHeader(http.StatusPartialContent)
		}
		flusher, _ := w.(http.Flusher)
		body := data[start : end+1]
		for off := 0; off < len(body); off += chunk {
			upto := off + chunk
			if upto > len(body) {
				upto = len(body)
			}
			if _, err := w.Write(body[off:upto]); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			time.Sleep(pause)
		}
	})
	return httptest.NewServer(mux)
}

// P4: cancelling a single-mode transfer mid-flight leaves neither the final
// file nor its temp file behind.
func TestExecuteCancellationSingleModeLeavesNoFiles(t *testing.T) {
	data := testData(10 * 1024 * 1024)
	srv := slowServer(data, 16*1024, 2*time.Millisecond)
	defer srv.Close()

	opts := baseOpts()
	opts.MultiConnectionThresholdB = 1 << 30 // force single mode
	h := newTestHandler(opts)
	destDir := t.TempDir()
	dest := filepath.Join(destDir, "out.bin")
	task := model.NewTask("t5", srv.URL+"/file", dest, 1, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(60 * time.Millisecond)
		cancel()
	}()

	_, err := h.Execute(ctx, task, func(int64, int64, float64) {})
	if model.KindOf(err) != model.KindCancelled {
		t.Fatalf("expected a CANCELLED error, got %v", err)
	}

	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("expected the final file to not exist after cancellation")
	}
	tempDir := filepath.Join(destDir, ".kestrel-temp")
	entries, _ := os.ReadDir(tempDir)
	for _, e := range entries {
		t.Fatalf("expected no single-mode temp file after cancellation, found %s", e.Name())
	}
}

// P4 (multi-mode side): by default a cancelled multi-connection transfer
// keeps its segment temp files so a resume can pick up later; setting
// CleanupOnCancel removes them instead.
func TestExecuteCancellationMultiModeHonorsCleanupOnCancel(t *testing.T) {
	run := func(t *testing.T, cleanup bool) int {
		data := testData(10 * 1024 * 1024)
		srv := slowServer(data, 16*1024, 2*time.Millisecond)
		defer srv.Close()

		opts := baseOpts()
		opts.CleanupOnCancel = cleanup
		h := newTestHandler(opts)
		destDir := t.TempDir()
		dest := filepath.Join(destDir, "out.bin")
		task := model.NewTask("t6", srv.URL+"/file", dest, 1, 1, nil)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(60 * time.Millisecond)
			cancel()
		}()

		_, err := h.Execute(ctx, task, func(int64, int64, float64) {})
		if model.KindOf(err) != model.KindCancelled {
			t.Fatalf("expected a CANCELLED error, got %v", err)
		}

		if _, err := os.Stat(dest); !os.IsNotExist(err) {
			t.Fatalf("expected the final file to not exist after cancellation")
		}
		tempDir := filepath.Join(destDir, ".kestrel-temp")
		entries, _ := os.ReadDir(tempDir)
		return len(entries)
	}

	if got := run(t, false); got == 0 {
		t.Fatalf("expected segment temp files to survive cancellation by default, found none")
	}
	if got := run(t, true); got != 0 {
		t.Fatalf("expected cleanup_on_cancel to remove segment temp files, found %d", got)
	}
}
