package xget

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"sync"
)

// SegmentHandle is passed to a TransformerFactory so it can key behavior
// off which segment it is wiring.
type SegmentHandle struct {
	Index int
	Range Range
}

// TransformerFactory wraps upstream, the segment's raw or previously
// transformed byte stream, in a new io.Reader. This is the idiomatic Go
// shape of a duplex transform: composition of io.Reader wrappers (the
// same pattern as gzip.NewReader or bufio.NewReader) rather than a
// two-sided read/write stream, since every transformer here has exactly
// one upstream and one downstream.
type TransformerFactory func(h *SegmentHandle, store *Store, upstream io.Reader) (io.Reader, error)

type taggedFactory struct {
	tag string
	fn  TransformerFactory
}

var errNilTransformer = errors.New("transformer factory returned a nil reader")

// buildPipeline chains factories over raw in registration order, tagging
// every transformer's output so a mid-stream read error can be attributed
// to the transformer that produced it.
func buildPipeline(h *SegmentHandle, store *Store, factories []taggedFactory, raw io.Reader) (io.Reader, error) {
	cur := raw
	for _, tf := range factories {
		next, err := tf.fn(h, store, cur)
		if err != nil {
			return nil, &TransformError{Tag: tf.tag, Cause: err}
		}
		if next == nil {
			return nil, &TransformError{Tag: tf.tag, Cause: errNilTransformer}
		}
		cur = &taggedReader{tag: tf.tag, r: next}
	}
	return cur, nil
}

// taggedReader annotates any non-EOF read error with the tag of the
// transformer that raised it, per the mid-stream error contract. Errors
// that come from upstream (the segment source, or an earlier transformer
// that already tagged them) pass through unchanged.
type taggedReader struct {
	tag string
	r   io.Reader
}

func (t *taggedReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		var te *TransformError
		var se *SegmentExhausted
		if !errors.As(err, &te) && !errors.As(err, &se) && !errors.Is(err, errSourceDestroyed) {
			err = &TransformError{Tag: t.tag, Cause: err}
		}
	}
	return n, err
}

// hasher is the internal tap of §4.4: a write-only observer of the merged,
// post-reassembly byte stream that can be snapshotted mid-stream or after
// end without disturbing the pipeline.
type hasher struct {
	mu sync.Mutex
	h  hash.Hash
}

func newHasher(algo string) (*hasher, error) {
	var h hash.Hash
	switch algo {
	case "md5":
		h = md5.New()
	case "sha1":
		h = sha1.New()
	case "sha256":
		h = sha256.New()
	case "sha512":
		h = sha512.New()
	default:
		return nil, &HashUnsupported{Algo: algo}
	}
	return &hasher{h: h}, nil
}

// observe feeds p through the digest. It never fails: hash.Hash.Write is
// documented to never return an error.
func (t *hasher) observe(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h.Write(p)
}

// snapshot returns the digest of bytes observed so far, encoded per
// encoding ("hex", the default, "base64", or "raw" for the digest bytes).
func (t *hasher) snapshot(encoding string) ([]byte, error) {
	t.mu.Lock()
	sum := t.h.Sum(nil)
	t.mu.Unlock()

	switch encoding {
	case "", "hex":
		return []byte(hex.EncodeToString(sum)), nil
	case "base64":
		return []byte(base64.StdEncoding.EncodeToString(sum)), nil
	case "raw":
		return sum, nil
	default:
		return nil, &InvalidOption{Name: "encoding", Reason: fmt.Sprintf("unknown encoding %q", encoding)}
	}
}
