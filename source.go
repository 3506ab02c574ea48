package xget

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/xget-dev/xget/internal/xhttp"
)

var errSourceDestroyed = errors.New("xget: segment source destroyed")

// source is the Resilient Segment Source of spec §4.2: a single lazy byte
// sequence over one Range that transparently re-issues a ranged GET,
// offset by the bytes already delivered, whenever the underlying
// connection fails.
type source struct {
	index          int
	rng            Range
	url            string
	client         *xhttp.Client
	maxRetries     int // -1 means unlimited
	rangeSupported bool
	timeout        time.Duration
	onRetry        func(RetryInfo)
	log            zerolog.Logger

	parentCtx context.Context
	cancel    context.CancelFunc

	bytesDelivered int64
	retryCount     int
	cur            io.ReadCloser
	curCancel      context.CancelFunc
	destroyed      bool
}

func newSource(parentCtx context.Context, index int, rng Range, url string, client *xhttp.Client, maxRetries int, rangeSupported bool, timeout time.Duration, onRetry func(RetryInfo), log zerolog.Logger) *source {
	ctx, cancel := context.WithCancel(parentCtx)
	return &source{
		index:          index,
		rng:            rng,
		url:            url,
		client:         client,
		maxRetries:     maxRetries,
		rangeSupported: rangeSupported,
		timeout:        timeout,
		onRetry:        onRetry,
		log:            log,
		parentCtx:      ctx,
		cancel:         cancel,
	}
}

// effectiveMaxRetries applies spec §4.2's "when the server does not support
// ranges, retries are capped at 1" rule.
func (s *source) effectiveMaxRetries() int {
	if !s.rangeSupported {
		if s.maxRetries < 0 || s.maxRetries > 1 {
			return 1
		}
		return s.maxRetries
	}
	return s.maxRetries
}

func (s *source) exhausted() bool {
	max := s.effectiveMaxRetries()
	return max >= 0 && s.retryCount >= max
}

// Read implements io.Reader, resuming across transport errors until the
// segment completes, retries are exhausted, or the source is destroyed.
func (s *source) Read(p []byte) (int, error) {
	for {
		if s.destroyed {
			return 0, errSourceDestroyed
		}
		if s.cur == nil {
			body, cancel, err := s.open()
			if err != nil {
				if s.exhausted() {
					return 0, &SegmentExhausted{Index: s.index, LastErr: err}
				}
				s.retry(err)
				continue
			}
			s.cur, s.curCancel = body, cancel
		}

		n, err := s.cur.Read(p)
		if n > 0 {
			s.bytesDelivered += int64(n)
		}
		switch {
		case err == nil:
			if n > 0 {
				return n, nil
			}
			continue
		case err == io.EOF:
			s.closeCurrent()
			if n > 0 {
				return n, nil
			}
			return 0, io.EOF
		default:
			s.closeCurrent()
			if s.exhausted() {
				return n, &SegmentExhausted{Index: s.index, LastErr: err}
			}
			s.retry(err)
			if n > 0 {
				return n, nil
			}
			continue
		}
	}
}

func (s *source) retry(err error) {
	s.retryCount++
	s.log.Debug().Int("segment", s.index).Int("retry", s.retryCount).Err(err).Msg("resuming segment after transport error")
	if s.onRetry != nil {
		s.onRetry(RetryInfo{
			Index:      s.index,
			RetryCount: s.retryCount,
			MaxRetries: s.effectiveMaxRetries(),
			BytesRead:  s.bytesDelivered,
			TotalBytes: s.rng.Size(),
			LastErr:    err,
		})
	}
}

func (s *source) closeCurrent() {
	if s.cur != nil {
		s.cur.Close()
		s.cur = nil
	}
	if s.curCancel != nil {
		s.curCancel()
		s.curCancel = nil
	}
}

// open issues the (possibly resumed) ranged GET for the bytes not yet
// delivered, guarded by the per-request inactivity timeout.
func (s *source) open() (io.ReadCloser, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(s.parentCtx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	req.Header.Set("Range", s.rangeHeader())
	req.Header.Set("Connection", "keep-alive")

	resp, err := s.client.Do(req)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		return nil, nil, &NetException{Status: resp.StatusCode, StatusText: resp.Status}
	}
	body := newWatchdogReader(ctx, cancel, resp.Body, s.timeout)
	return body, cancel, nil
}

func (s *source) rangeHeader() string {
	start := s.rng.Min + s.bytesDelivered
	if s.rng.Max == Unknown {
		return fmt.Sprintf("bytes=%d-", start)
	}
	return fmt.Sprintf("bytes=%d-%d", start, s.rng.Max)
}

// destroy aborts the in-flight request and makes the source terminal.
func (s *source) destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.closeCurrent()
	s.cancel()
}

// watchdogReader cancels its context if no bytes are read within timeout of
// the previous read, realizing spec §5's per-request inactivity timeout.
// Zero timeout disables the watchdog.
type watchdogReader struct {
	ctx     context.Context
	cancel  context.CancelFunc
	body    io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
}

func newWatchdogReader(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser, timeout time.Duration) io.ReadCloser {
	w := &watchdogReader{ctx: ctx, cancel: cancel, body: body, timeout: timeout}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, cancel)
	}
	return w
}

func (w *watchdogReader) Read(p []byte) (int, error) {
	n, err := w.body.Read(p)
	if w.timer != nil {
		w.timer.Reset(w.timeout)
	}
	if err == nil && w.ctx.Err() != nil {
		return n, w.ctx.Err()
	}
	return n, err
}

func (w *watchdogReader) Close() error {
	if w.timer != nil {
		w.timer.Stop()
	}
	return w.body.Close()
}
