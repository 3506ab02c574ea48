package xget

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/xget-dev/xget/internal/xhttp"
)

// HeaderSlice is passed to a HeadHandlerFunc exactly once, after a
// successful probe (spec §4.1).
type HeaderSlice struct {
	Chunks        int
	Headers       http.Header
	TotalSize     int64
	AcceptsRanges bool
}

// HeadHandlerFunc may override the byte offset fetching begins from. ok
// reports whether offset should be used in place of the configured start.
type HeadHandlerFunc func(HeaderSlice) (offset int64, ok bool)

// probeResult is the raw outcome of one probe attempt, before start-offset
// resolution and planning.
type probeResult struct {
	totalSize     int64
	acceptsRanges bool
	headers       http.Header
}

// probe issues the metadata GET described in spec §4.1 and retries it up
// to maxRetries times, except that HTTP 403 is never retried.
func probe(ctx context.Context, client *xhttp.Client, url string, maxRetries int, onRetry func(RetryInfo), log zerolog.Logger) (*probeResult, error) {
	var lastErr error
	attempts := 0
	for {
		res, err := probeOnce(ctx, client, url)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if ne, ok := err.(*NetException); ok && ne.Status == http.StatusForbidden {
			log.Debug().Msg("probe forbidden (403), not retrying")
			return nil, &MetaExhausted{LastErr: err}
		}

		attempts++
		if maxRetries >= 0 && attempts > maxRetries {
			return nil, &MetaExhausted{LastErr: lastErr}
		}
		log.Debug().Int("attempt", attempts).Err(err).Msg("retrying metadata probe")
		if onRetry != nil {
			onRetry(RetryInfo{
				Meta:       true,
				RetryCount: attempts,
				MaxRetries: maxRetries,
				LastErr:    lastErr,
			})
		}
	}
}

func probeOnce(ctx context.Context, client *xhttp.Client, url string) (*probeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", "bytes=0-")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		totalSize := parseContentLengthFallback(resp.Header)
		return &probeResult{totalSize: totalSize, acceptsRanges: false, headers: resp.Header}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &NetException{Status: resp.StatusCode, StatusText: resp.Status}
	}

	totalSize := Unknown
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			totalSize = n
		}
	}
	if totalSize == Unknown {
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if _, _, total, err := parseContentRange(cr); err == nil && total != Unknown {
				totalSize = total
			}
		}
	}

	acceptsRanges := resp.Header.Get("Accept-Ranges") == "bytes"
	if !acceptsRanges && resp.Header.Get("Content-Range") != "" {
		acceptsRanges = true
	}

	return &probeResult{totalSize: totalSize, acceptsRanges: acceptsRanges, headers: resp.Header}, nil
}

func parseContentLengthFallback(h http.Header) int64 {
	if cl := h.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			return n
		}
	}
	return Unknown
}

// parseContentRange parses "bytes start-end/total", returning Unknown for
// an unreported total ("*").
func parseContentRange(header string) (start, end, total int64, err error) {
	header = strings.TrimPrefix(header, "bytes ")
	slashParts := strings.SplitN(header, "/", 2)
	if len(slashParts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range: %q", header)
	}
	rangeParts := strings.SplitN(slashParts[0], "-", 2)
	if len(rangeParts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range: %q", header)
	}
	start, err = strconv.ParseInt(rangeParts[0], 10, 64)
	if err != nil {
		return 0, 0, 0, err
	}
	end, err = strconv.ParseInt(rangeParts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, err
	}
	if slashParts[1] == "*" {
		return start, end, Unknown, nil
	}
	total, err = strconv.ParseInt(slashParts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, err
	}
	return start, end, total, nil
}
