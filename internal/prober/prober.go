// Package prober detects whether a server honors byte-range requests and
// reports the resource's total size. It distinguishes an advertised
// Accept-Ranges header from an observed partial response, and caps how
// much body it will read during the probe.
package prober

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/kestrel-dl/kestrel/internal/httpclient"
	"github.com/kestrel-dl/kestrel/internal/model"
)

// inspectionCeiling bounds how many probe-response body bytes this package
// will ever read, so a misbehaving server returning 200 with the full body
// to a ranged GET can't turn a probe into an accidental full download.
const inspectionCeiling = 64 * 1024

// Result is what the prober reports back to the coordinator.
type Result struct {
	TotalSize      int64
	RangeSupported bool
	ETag           string
	LastModified   string
}

// Probe issues a HEAD request, then a small ranged GET to confirm range
// support against url using client. The GET is skipped only when HEAD
// succeeds with a known size and no Accept-Ranges. A HEAD that advertises Accept-Ranges
// is not trusted on its own: some servers send the header but still
// return 200 to the first real ranged request, and only the GET catches
// that before mode selection commits to multi-connection.
func Probe(ctx context.Context, url string, client *http.Client, cfg httpclient.Config) (Result, error) {
	res, err := probeHead(ctx, url, client, cfg)
	if err == nil && res.TotalSize > 0 && !res.RangeSupported {
		return res, nil
	}
	getRes, getErr := probeRangedGet(ctx, url, client, cfg)
	if getErr != nil {
		if err != nil {
			return Result{}, err
		}
		return Result{}, getErr
	}
	if res.ETag != "" && getRes.ETag == "" {
		getRes.ETag = res.ETag
	}
	if res.LastModified != "" && getRes.LastModified == "" {
		getRes.LastModified = res.LastModified
	}
	if getRes.TotalSize <= 0 && res.TotalSize <= 0 {
		return Result{}, model.NewError(model.KindUnsupported, fmt.Errorf("server did not report a usable size for %s", url))
	}
	if getRes.TotalSize <= 0 {
		getRes.TotalSize = res.TotalSize
	}
	return getRes, nil
}

func probeHead(ctx context.Context, url string, client *http.Client, cfg httpclient.Config) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return Result{}, model.NewError(model.KindProtocol, err)
	}
	httpclient.ApplyHeaders(req, cfg)
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, model.NewError(model.KindNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return Result{}, model.NewError(model.KindHTTP5xx, fmt.Errorf("HEAD %s: status %d", url, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return Result{}, model.NewError(model.KindHTTP4xxOther, fmt.Errorf("HEAD %s: status %d", url, resp.StatusCode))
	}
	return Result{
		TotalSize:      resp.ContentLength,
		RangeSupported: resp.Header.Get("Accept-Ranges") == "bytes",
		ETag:           resp.Header.Get("ETag"),
		LastModified:   resp.Header.Get("Last-Modified"),
	}, nil
}

// probeRangedGet sends Range: bytes=0-0 and inspects the response. A 206
// confirms range support and, via Content-Range, the total size. A 200
// means the server ignored the range and collapses to single-mode.
func probeRangedGet(ctx context.Context, url string, client *http.Client, cfg httpclient.Config) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, model.NewError(model.KindProtocol, err)
	}
	httpclient.ApplyHeaders(req, cfg)
	req.Header.Set("Range", "bytes=0-0")
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, model.NewError(model.KindNetwork, err)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, io.LimitReader(resp.Body, inspectionCeiling))

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		total, err := parseContentRangeTotal(resp.Header.Get("Content-Range"))
		if err != nil {
			return Result{}, model.NewError(model.KindProtocol, err)
		}
		return Result{
			TotalSize:      total,
			RangeSupported: true,
			ETag:           resp.Header.Get("ETag"),
			LastModified:   resp.Header.Get("Last-Modified"),
		}, nil
	case resp.StatusCode == http.StatusOK:
		return Result{
			TotalSize:      resp.ContentLength,
			RangeSupported: false,
			ETag:           resp.Header.Get("ETag"),
			LastModified:   resp.Header.Get("Last-Modified"),
		}, nil
	case resp.StatusCode >= 500:
		return Result{}, model.NewError(model.KindHTTP5xx, fmt.Errorf("probe GET %s: status %d", url, resp.StatusCode))
	default:
		return Result{}, model.NewError(model.KindHTTP4xxOther, fmt.Errorf("probe GET %s: status %d", url, resp.StatusCode))
	}
}

// parseContentRangeTotal extracts the total size from a header shaped like
// "bytes 0-0/12345". A "*" total (unknown size) is reported as protocol
// failure since the prober's whole job is to learn the size.
func parseContentRangeTotal(headerVal string) (int64, error) {
	if headerVal == "" {
		return 0, fmt.Errorf("missing Content-Range header")
	}
	var total int64
	n, err := fmt.Sscanf(headerVal, "bytes %d-%d/%d", new(int64), new(int64), &total)
	if err != nil || n != 3 {
		return 0, fmt.Errorf("malformed Content-Range header %q", headerVal)
	}
	return total, nil
}
