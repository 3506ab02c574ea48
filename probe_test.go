package xget

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xget-dev/xget/internal/xhttp"
	"github.com/xget-dev/xget/internal/xlog"
)

func TestProbeChunkableServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Range", "bytes 0-1023/1024")
		w.Header().Set("Content-Length", "1024")
		w.WriteHeader(http.StatusPartialContent)
	}))
	defer srv.Close()

	client := xhttp.New(xhttp.ClientConfig{})
	res, err := probe(context.Background(), client, srv.URL, 3, nil, xlog.Nop())
	assert.NoError(t, err)
	assert.True(t, res.acceptsRanges)
	assert.Equal(t, int64(1024), res.totalSize)
}

func TestProbe416StillLearnsSizeButNotChunkable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "2000")
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer srv.Close()

	client := xhttp.New(xhttp.ClientConfig{})
	res, err := probe(context.Background(), client, srv.URL, 3, nil, xlog.Nop())
	assert.NoError(t, err)
	assert.False(t, res.acceptsRanges)
	assert.Equal(t, int64(2000), res.totalSize)
}

func TestProbe403NeverRetries(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := xhttp.New(xhttp.ClientConfig{})
	_, err := probe(context.Background(), client, srv.URL, 5, nil, xlog.Nop())
	assert.Error(t, err)
	var exhausted *MetaExhausted
	assert.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 1, calls)
}

func TestProbeRetriesOnTransportError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "10")
		w.WriteHeader(http.StatusPartialContent)
	}))
	defer srv.Close()

	client := xhttp.New(xhttp.ClientConfig{})
	var retries int
	res, err := probe(context.Background(), client, srv.URL, 5, func(RetryInfo) { retries++ }, xlog.Nop())
	assert.NoError(t, err)
	assert.Equal(t, int64(10), res.totalSize)
	assert.Equal(t, 2, retries)
}
