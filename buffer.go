package xget

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultMaxCapacity is the reassembly buffer's default global byte budget.
const DefaultMaxCapacity int64 = 200 * 1024 * 1024

// BufferConfig configures a Buffer.
type BufferConfig struct {
	MaxCapacity int64
	Reallocate  bool
	NoWarn      bool
}

type bufChunk struct {
	data []byte
	end  bool
}

func (c bufChunk) size() int64 { return int64(len(c.data)) }

type admitEntry struct {
	slot  int
	chunk bufChunk
	done  chan struct{}
}

type readResult struct {
	data []byte
	end  bool
}

type readWaiter struct {
	result chan readResult
}

type slotState struct {
	buffer        []bufChunk
	pendingWrites int
	pendingReads  int
	readers       []*readWaiter
}

// Buffer is the Ordered Reassembly Buffer: the bounded-memory merge point
// between N segment producers and one consumer, one slot per segment.
//
// A single mutex guards the entire admit/dispatch/read state machine —
// the Go stand-in for a single logical thread of control. Reader and
// writer completions are delivered over channels of capacity 1, so a
// send performed while the mutex is held never blocks.
type Buffer struct {
	mu sync.Mutex

	maxCapacity int64
	reallocate  bool
	nowarn      bool
	log         zerolog.Logger

	length     int64
	slots      []*slotState
	admitQueue []*admitEntry

	max           int64
	totalComputed int64
	tickIndex     int64
}

func newBuffer(numSlots int, cfg BufferConfig, log zerolog.Logger) *Buffer {
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = DefaultMaxCapacity
	}
	slots := make([]*slotState, numSlots)
	for i := range slots {
		slots[i] = &slotState{}
	}
	return &Buffer{
		maxCapacity: cfg.MaxCapacity,
		reallocate:  cfg.Reallocate,
		nowarn:      cfg.NoWarn,
		log:         log,
		slots:       slots,
	}
}

// Write admits a chunk into slot, blocking until it (or its tail, after a
// capacity split) has been fully stored or handed to a waiting reader.
// end marks the sentinel that closes the slot; it carries no bytes.
func (b *Buffer) Write(ctx context.Context, slot int, data []byte, end bool) error {
	s := b.slots[slot]
	chunk := bufChunk{data: data, end: end}

	b.mu.Lock()
	if s.pendingWrites == 0 && s.pendingReads > 0 {
		// Admit step 2: bypass straight to the waiting reader.
		w := s.readers[0]
		s.readers = s.readers[1:]
		s.pendingReads--
		b.mu.Unlock()
		w.result <- readResult{data: chunk.data, end: chunk.end}
		return nil
	}

	entry := &admitEntry{slot: slot, chunk: chunk, done: make(chan struct{}, 1)}
	s.pendingWrites++
	b.admitQueue = append(b.admitQueue, entry)
	b.dispatch()
	b.mu.Unlock()

	select {
	case <-entry.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Read pops the next chunk from slot, blocking if none is buffered yet.
// end reports whether the returned chunk is the end-of-stream sentinel.
func (b *Buffer) Read(ctx context.Context, slot int) (data []byte, end bool, err error) {
	s := b.slots[slot]
	b.mu.Lock()
	if len(s.buffer) > 0 {
		c := s.buffer[0]
		s.buffer = s.buffer[1:]
		b.length -= c.size()
		b.tick()
		b.dispatch()
		b.mu.Unlock()
		return c.data, c.end, nil
	}

	w := &readWaiter{result: make(chan readResult, 1)}
	s.pendingReads++
	s.readers = append(s.readers, w)
	b.dispatch()
	b.mu.Unlock()

	select {
	case res := <-w.result:
		return res.data, res.end, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// dispatch walks the admit queue front to back, admitting what capacity
// allows and bypassing directly to waiting readers otherwise. Must be
// called with b.mu held.
func (b *Buffer) dispatch() {
	i := 0
	for i < len(b.admitQueue) {
		e := b.admitQueue[i]
		s := b.slots[e.slot]

		if b.length >= b.maxCapacity {
			if len(s.readers) > 0 {
				w := s.readers[0]
				s.readers = s.readers[1:]
				s.pendingReads--
				s.pendingWrites--
				b.removeAdmitEntry(i)
				w.result <- readResult{data: e.chunk.data, end: e.chunk.end}
				close(e.done)
				continue
			}
			i++
			continue
		}

		avail := b.maxCapacity - b.length
		if e.chunk.size() <= avail {
			if e.chunk.size() > 0 || e.chunk.end {
				s.buffer = append(s.buffer, e.chunk)
			}
			b.length += e.chunk.size()
			s.pendingWrites--
			b.removeAdmitEntry(i)
			b.tick()
			close(e.done)
			b.satisfyReaders(s)
			continue
		}

		head := bufChunk{data: e.chunk.data[:avail]}
		tail := bufChunk{data: e.chunk.data[avail:], end: e.chunk.end}
		s.buffer = append(s.buffer, head)
		b.length += avail
		b.tick()
		b.satisfyReaders(s)

		if b.reallocate {
			b.removeAdmitEntry(i)
			b.admitQueue = append(b.admitQueue, &admitEntry{slot: e.slot, chunk: tail, done: e.done})
			continue
		}
		e.chunk = tail
		i++
	}
}

func (b *Buffer) satisfyReaders(s *slotState) {
	for len(s.buffer) > 0 && len(s.readers) > 0 {
		c := s.buffer[0]
		s.buffer = s.buffer[1:]
		b.length -= c.size()
		w := s.readers[0]
		s.readers = s.readers[1:]
		s.pendingReads--
		w.result <- readResult{data: c.data, end: c.end}
	}
}

func (b *Buffer) removeAdmitEntry(i int) {
	b.admitQueue = append(b.admitQueue[:i], b.admitQueue[i+1:]...)
}

func (b *Buffer) tick() {
	b.tickIndex++
	b.totalComputed += b.length
	if b.length > b.max {
		b.max = b.length
	}
}

// BufferStats snapshots the buffer's capacity metrics.
type BufferStats struct {
	Length  int64
	Max     int64
	Average float64
}

func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	avg := 0.0
	if b.tickIndex > 0 {
		avg = float64(b.totalComputed) / float64(b.tickIndex)
	}
	return BufferStats{Length: b.length, Max: b.max, Average: avg}
}

// SetCapacity changes the global byte budget. It never evicts already
// stored chunks; a lowered cap drains silently as reads free space.
func (b *Buffer) SetCapacity(n int64) error {
	if n <= 0 {
		return &InvalidOption{Name: "cacheSize", Reason: "must be positive"}
	}
	total := totalPhysicalMemory()
	if n > total {
		return &InvalidOption{Name: "cacheSize", Reason: "exceeds total physical memory"}
	}
	if !b.nowarn && float64(n) > 0.4*float64(total) {
		b.log.Warn().Int64("requested", n).Int64("totalMemory", total).Msg("cache size exceeds 40% of physical memory")
	}
	b.mu.Lock()
	b.maxCapacity = n
	b.dispatch()
	b.mu.Unlock()
	return nil
}

// totalPhysicalMemory returns a best-effort estimate of total system RAM.
// No ecosystem library in the reference corpus exposes this; on Linux it
// is parsed from /proc/meminfo, and everywhere else a generous fallback
// is used since only a coarse warning threshold depends on the value.
func totalPhysicalMemory() int64 {
	const fallback = int64(64) * 1024 * 1024 * 1024
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return fallback
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			break
		}
		return kb * 1024
	}
	return fallback
}
