package sampler

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/numaopt/agent/pkg/ringbuffer"
)

// baselineKey identifies one (CPU, EventGroup) counter whose next sample is
// a throwaway baseline: perf_event counters report cumulative values, so
// the delta against a freshly (re)enabled counter's first read is
// meaningless (spec §4.3).
type baselineKey struct {
	cpu   int
	group EventGroup
}

// rawRecord is one undecoded PERF_RECORD_SAMPLE body lifted off a
// counter's mmap ring, tagged with the (cpu, group) it came from. Kept
// just long enough to be parsed, or, in tests, scripted in directly
// without a real perf_event_open fd.
type rawRecord struct {
	cpu   int
	group EventGroup
	body  []byte
}

// recordStream is the sampler's decode pipeline: spec.md §9's design note
// calls for encapsulating raw ring-buffer pointer arithmetic behind a
// stream of typed records with explicit "reset baseline" and "skip to
// page boundary" operations, so unit tests can substitute a scripted
// stream for a live perf mmap. Every counter feeds its raw records
// through one shared recordStream, which also doubles as the bounded
// "most recently decoded records" buffer spec.md's pkg/ringbuffer
// carries over from the teacher for.
type recordStream struct {
	pageSize uint64

	mu       sync.Mutex
	recent   *ringbuffer.RingBuffer[rawRecord]
	baseline map[baselineKey]struct{}
}

// newRecordStream builds a recordStream backed by a ringbuffer.RingBuffer
// holding the recentCap most recently decoded raw records.
func newRecordStream(recentCap int) *recordStream {
	recent, _ := ringbuffer.New[rawRecord](recentCap)
	return &recordStream{
		pageSize: uint64(unix.Getpagesize()),
		recent:   recent,
		baseline: map[baselineKey]struct{}{},
	}
}

// Push buffers raw in the recent-records ring and decodes it, returning
// ok=false for anything currently flagged as a baseline sample for its
// (cpu, group) pair (consuming that flag) or for a body that fails to
// decode.
func (rs *recordStream) Push(raw rawRecord) (rec Record, ok bool) {
	rs.mu.Lock()
	rs.recent.Push(raw)
	key := baselineKey{raw.cpu, raw.group}
	_, isBaseline := rs.baseline[key]
	if isBaseline {
		delete(rs.baseline, key)
	}
	rs.mu.Unlock()

	if isBaseline {
		return Record{}, false
	}

	rec, decoded := parseSample(raw.body, 0, uint64(len(raw.body)), raw.group, raw.cpu)
	if !decoded {
		return Record{}, false
	}
	return rec, true
}

// ResetBaseline marks the next sample for (cpu, kind) as an untrusted
// baseline to discard. Called both when a counter is (re)enabled and, via
// skipToPageBoundary's caller, when a corrupt record poisons the buffer
// and the delta baseline for that counter can no longer be trusted.
func (rs *recordStream) ResetBaseline(cpu int, kind EventGroup) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.baseline[baselineKey{cpu, kind}] = struct{}{}
}

// skipToPageBoundary rounds tail up to the start of the next mmap page,
// per spec §5's "the reader skips to the next page boundary" recovery for
// a partial or corrupt record, instead of retrying the same poisoned
// offset on every tick.
func (rs *recordStream) skipToPageBoundary(tail uint64) uint64 {
	if tail%rs.pageSize == 0 {
		return tail
	}
	return (tail/rs.pageSize + 1) * rs.pageSize
}

// Recent returns the buffered raw records in chronological order, for
// tests that assert on what the stream actually saw.
func (rs *recordStream) Recent() []rawRecord {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.recent.GetAll()
}
