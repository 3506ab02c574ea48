package xget

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func rangeServer(body []byte, acceptRanges bool) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !acceptRanges {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.Write(body)
			return
		}
		start, end := 0, len(body)-1
		if rh := r.Header.Get("Range"); rh != "" {
			trimmed := strings.TrimPrefix(rh, "bytes=")
			parts := strings.SplitN(trimmed, "-", 2)
			if parts[0] != "" {
				start, _ = strconv.Atoi(parts[0])
			}
			if len(parts) > 1 && parts[1] != "" {
				end, _ = strconv.Atoi(parts[1])
			}
		}
		if start >= len(body) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if end >= len(body) {
			end = len(body) - 1
		}
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.Header().Set("Content-Length", strconv.Itoa(end-start+1))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start : end+1])
	}))
}

func fillBody(n int) []byte {
	body := make([]byte, n)
	for i := range body {
		body[i] = byte(i % 251)
	}
	return body
}

// S1: small chunkable body splits exactly into the configured chunk count.
func TestScenarioS1SmallChunkable(t *testing.T) {
	body := fillBody(1024)
	srv := rangeServer(body, true)
	defer srv.Close()

	f, err := New(context.Background(), srv.URL, WithChunks(4))
	assert.NoError(t, err)

	var buf bytes.Buffer
	n, err := f.WriteTo(&buf)
	assert.NoError(t, err)
	assert.Equal(t, int64(1024), n)
	assert.Equal(t, body, buf.Bytes())
}

// S2: non-chunkable origin forces one segment and start=0 regardless of
// the configured start offset.
func TestScenarioS2NonChunkable(t *testing.T) {
	body := fillBody(2000)
	srv := rangeServer(body, false)
	defer srv.Close()

	f, err := New(context.Background(), srv.URL, WithChunks(8), WithStart(500))
	assert.NoError(t, err)

	var buf bytes.Buffer
	n, err := f.WriteTo(&buf)
	assert.NoError(t, err)
	assert.Equal(t, int64(2000), n)
	assert.Equal(t, body, buf.Bytes())
}

// S4: an origin reporting no length at all collapses to one open-ended
// chunk and still delivers the full body.
func TestScenarioS4UnknownSize(t *testing.T) {
	body := fillBody(4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush()
		w.Write(body)
	}))
	defer srv.Close()

	f, err := New(context.Background(), srv.URL, WithChunks(5))
	assert.NoError(t, err)

	var buf bytes.Buffer
	n, err := f.WriteTo(&buf)
	assert.NoError(t, err)
	assert.Equal(t, int64(len(body)), n)
	assert.Equal(t, body, buf.Bytes())
}

// S5: a configured hash equals the digest of the bytes emitted so far at
// any point, and of the full body after completion.
func TestScenarioS5HashSnapshot(t *testing.T) {
	body := bytes.Repeat([]byte("abc"), 1<<20)
	srv := rangeServer(body, true)
	defer srv.Close()

	f, err := New(context.Background(), srv.URL, WithChunks(3), WithHash("sha256"))
	assert.NoError(t, err)

	var buf bytes.Buffer
	_, err = f.WriteTo(&buf)
	assert.NoError(t, err)

	want := sha256.Sum256(body)
	got, err := f.Hash("hex")
	assert.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(want[:]), string(got))
}

// S6: a segment that fails once and then resumes produces a retry event
// with correct bookkeeping and the same bytes as an unperturbed run.
func TestScenarioS6RetryBookkeeping(t *testing.T) {
	body := fillBody(4000)
	var segment2Calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start, end := 0, len(body)-1
		if rh := r.Header.Get("Range"); rh != "" {
			trimmed := strings.TrimPrefix(rh, "bytes=")
			parts := strings.SplitN(trimmed, "-", 2)
			if parts[0] != "" {
				start, _ = strconv.Atoi(parts[0])
			}
			if len(parts) > 1 && parts[1] != "" {
				end, _ = strconv.Atoi(parts[1])
			}
		}
		if end >= len(body) {
			end = len(body) - 1
		}

		// Segment 2 of 4 spans [2000,2999]; fail its first attempt after
		// a partial write once bytes have actually started flowing.
		if start == 2000 && atomic.AddInt32(&segment2Calls, 1) == 1 {
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, bufrw, _ := hj.Hijack()
				partial := body[start : start+100]
				fmt.Fprintf(bufrw, "HTTP/1.1 206 Partial Content\r\nContent-Range: bytes %d-%d/%d\r\nContent-Length: %d\r\n\r\n", start, end, len(body), end-start+1)
				bufrw.Write(partial)
				bufrw.Flush()
				conn.Close()
				return
			}
		}

		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.Header().Set("Content-Length", strconv.Itoa(end-start+1))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start : end+1])
	}))
	defer srv.Close()

	f, err := New(context.Background(), srv.URL, WithChunks(4))
	assert.NoError(t, err)

	var sawRetryOnSegment2 bool
	retryDone := make(chan struct{})
	go func() {
		defer close(retryDone)
		for ev := range f.Events() {
			if ev.Kind == EventRetry && ev.Retry.Index == 2 {
				sawRetryOnSegment2 = true
			}
		}
	}()

	var buf bytes.Buffer
	n, err := f.WriteTo(&buf)
	assert.NoError(t, err)
	assert.Equal(t, int64(4000), n)
	assert.Equal(t, body, buf.Bytes())
	<-retryDone
	assert.True(t, sawRetryOnSegment2)
}

// Round trip property: any chunk count between 1 and S yields bytes
// identical to a single-connection fetch.
func TestRoundTripAcrossChunkCounts(t *testing.T) {
	body := fillBody(777)
	srv := rangeServer(body, true)
	defer srv.Close()

	for _, n := range []int{1, 2, 3, 5, 7} {
		f, err := New(context.Background(), srv.URL, WithChunks(n))
		assert.NoError(t, err)
		var buf bytes.Buffer
		_, err = f.WriteTo(&buf)
		assert.NoError(t, err)
		assert.Equal(t, body, buf.Bytes(), "chunks=%d", n)
	}
}

// Suffix property: start = k yields bytes identical to body[k:].
func TestStartOffsetYieldsSuffix(t *testing.T) {
	body := fillBody(500)
	srv := rangeServer(body, true)
	defer srv.Close()

	for _, k := range []int64{0, 1, 250, 499} {
		f, err := New(context.Background(), srv.URL, WithChunks(4), WithStart(k))
		assert.NoError(t, err)
		var buf bytes.Buffer
		_, err = f.WriteTo(&buf)
		assert.NoError(t, err)
		assert.Equal(t, body[k:], buf.Bytes(), "start=%d", k)
	}
}

// Segment exhaustion surfaces from WriteTo as a SegmentExhausted error:
// the probe succeeds, and every segment request fails.
func TestSegmentExhaustionSurfacesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") == "bytes=0-" {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", "10")
			w.WriteHeader(http.StatusPartialContent)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f, err := New(context.Background(), srv.URL, WithChunks(1), WithRetries(0))
	assert.NoError(t, err)

	var buf bytes.Buffer
	_, err = f.WriteTo(&buf)
	assert.Error(t, err)
	var exhausted *SegmentExhausted
	assert.ErrorAs(t, err, &exhausted)
}

func TestDestroyBeforeLoadedProducesNoEndEvent(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer func() {
		close(block)
		srv.Close()
	}()

	f, err := New(context.Background(), srv.URL)
	assert.NoError(t, err)
	f.Destroy(nil)

	for ev := range f.Events() {
		assert.NotEqual(t, EventEnd, ev.Kind)
	}
}
