package sampler

import (
	"encoding/binary"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// rawEvents names the hardware events in details::events' order. Real
// deployments resolve these through the kernel's PMU event-alias JSON; here
// they select PERF_TYPE_HARDWARE generics where one exists and fall back to
// PERF_TYPE_RAW with a documented placeholder config otherwise, since the
// exact raw MSR encodings are CPU-model specific.
var rawEvents = [...]struct {
	typ    uint32
	config uint64
}{
	GroupMem:      {unix.PERF_TYPE_RAW, 0x1cd}, // MEM_TRANS_RETIRED.LATENCY_ABOVE_THRESHOLD
	GroupReq:      {unix.PERF_TYPE_RAW, 0x1b0}, // OFFCORE_REQUESTS.ALL_DATA_RD
	GroupIns:      {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_INSTRUCTIONS},
	GroupFPScalar: {unix.PERF_TYPE_RAW, 0x500c7},
	GroupFP128D:   {unix.PERF_TYPE_RAW, 0x1000c7},
	GroupFP128S:   {unix.PERF_TYPE_RAW, 0x2000c7},
	GroupFP256D:   {unix.PERF_TYPE_RAW, 0x4000c7},
	GroupFP256S:   {unix.PERF_TYPE_RAW, 0x8000c7},
	GroupFP512D:   {unix.PERF_TYPE_RAW, 0x10000c7},
	GroupFP512S:   {unix.PERF_TYPE_RAW, 0x20000c7},
}

const sampleFormat = unix.PERF_SAMPLE_IP | unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME |
	unix.PERF_SAMPLE_ADDR | unix.PERF_SAMPLE_STREAM_ID | unix.PERF_SAMPLE_CPU |
	unix.PERF_SAMPLE_PERIOD | unix.PERF_SAMPLE_READ |
	unix.PERF_SAMPLE_WEIGHT | unix.PERF_SAMPLE_DATA_SRC

// readFormat requests TIME_ENABLED/TIME_RUNNING alongside the raw counter
// value in every PERF_SAMPLE_READ block, per spec §4.3's field list; scaling
// a multiplexed group's delta by time_running/time_enabled needs both.
const readFormat = unix.PERF_FORMAT_TOTAL_TIME_ENABLED | unix.PERF_FORMAT_TOTAL_TIME_RUNNING

// counter is one open, mmap'd perf_event fd sampling a single EventGroup on
// a single CPU.
type counter struct {
	group EventGroup
	cpu   int
	fd    int
	freq  int

	ring     []byte
	metadata *unix.PerfEventMmapPage

	enabled bool
}

func openCounter(group EventGroup, cpu int, freqHz, mmapPages int) (*counter, error) {
	ev := rawEvents[group]
	attr := unix.PerfEventAttr{
		Type:        ev.typ,
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config:      ev.config,
		Sample:      uint64(freqHz),
		Sample_type: sampleFormat,
		Read_format: readFormat,
		Bits:        unix.PerfBitFreq | unix.PerfBitDisabled | unix.PerfBitExcludeKernel | unix.PerfBitExcludeHv,
		Wakeup:      1,
	}

	fd, err := unix.PerfEventOpen(&attr, -1, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("perf_event_open(group=%s cpu=%d): %w", group, cpu, err)
	}

	pageSize := unix.Getpagesize()
	ringLen := (1 + mmapPages) * pageSize
	data, err := unix.Mmap(fd, 0, ringLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap perf ring (group=%s cpu=%d): %w", group, cpu, err)
	}

	c := &counter{
		group:    group,
		cpu:      cpu,
		fd:       fd,
		freq:     freqHz,
		ring:     data,
		metadata: (*unix.PerfEventMmapPage)(unsafe.Pointer(&data[0])),
	}
	return c, nil
}

func (c *counter) enable() error {
	if c.enabled {
		return nil
	}
	if err := unix.IoctlSetInt(c.fd, unix.PERF_EVENT_IOC_RESET, 0); err != nil {
		return fmt.Errorf("PERF_EVENT_IOC_RESET: %w", err)
	}
	if err := unix.IoctlSetInt(c.fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		return fmt.Errorf("PERF_EVENT_IOC_ENABLE: %w", err)
	}
	c.enabled = true
	return nil
}

func (c *counter) disable() error {
	if !c.enabled {
		return nil
	}
	if err := unix.IoctlSetInt(c.fd, unix.PERF_EVENT_IOC_DISABLE, 0); err != nil {
		return fmt.Errorf("PERF_EVENT_IOC_DISABLE: %w", err)
	}
	c.enabled = false
	return nil
}

func (c *counter) setFrequency(hz int) error {
	if hz < MinFrequencyHz {
		hz = MinFrequencyHz
	}
	if hz > MaxFrequencyHz {
		hz = MaxFrequencyHz
	}
	if err := unix.IoctlSetInt(c.fd, unix.PERF_EVENT_IOC_PERIOD, hz); err != nil {
		return fmt.Errorf("PERF_EVENT_IOC_PERIOD: %w", err)
	}
	c.freq = hz
	return nil
}

func (c *counter) close() {
	_ = c.disable()
	if c.ring != nil {
		_ = unix.Munmap(c.ring)
	}
	_ = unix.Close(c.fd)
}

// dataPages returns the mutable region past the single metadata page.
func (c *counter) dataPages() []byte {
	pageSize := unix.Getpagesize()
	return c.ring[pageSize:]
}

// poll drains every complete record currently available in the ring
// buffer, per perf_event_open(2)'s head/tail protocol: records between
// data_tail and data_head (mod buffer size) are ready. Data_head is read
// once on entry, and Data_tail is written back once after the drain; no
// explicit memory barrier is issued.
//
// A partial or corrupt record (not enough bytes left for a header, or a
// header claiming a size smaller than itself) is treated as buffer
// poisoning per spec §5: rs.skipToPageBoundary realigns tail to the next
// mmap page instead of retrying the same offset forever, and
// rs.ResetBaseline discards the next sample for this counter's (cpu,
// group) pair, since the delta baseline it would otherwise compute
// against is no longer trustworthy.
func (c *counter) poll(rs *recordStream, out *[]Record) error {
	data := c.dataPages()
	size := uint64(len(data))

	head := c.metadata.Data_head
	tail := c.metadata.Data_tail

	for tail < head {
		hdrOff := tail % size
		if hdrOff+8 > size {
			tail = rs.skipToPageBoundary(tail)
			rs.ResetBaseline(c.cpu, c.group)
			break
		}
		recType := binary.LittleEndian.Uint32(data[hdrOff : hdrOff+4])
		recMisc := binary.LittleEndian.Uint16(data[hdrOff+4 : hdrOff+6])
		_ = recMisc
		recSize := uint64(binary.LittleEndian.Uint16(data[hdrOff+6 : hdrOff+8]))
		if recSize < 8 {
			tail = rs.skipToPageBoundary(tail)
			rs.ResetBaseline(c.cpu, c.group)
			break
		}

		if recType == unix.PERF_RECORD_SAMPLE {
			body := make([]byte, recSize-8)
			for i := range body {
				body[i] = data[(hdrOff+8+uint64(i))%size]
			}
			rec, ok := rs.Push(rawRecord{cpu: c.cpu, group: c.group, body: body})
			if ok {
				*out = append(*out, rec)
			}
		}
		tail += recSize
	}

	c.metadata.Data_tail = tail
	return nil
}

// parseSample decodes the fixed PERF_RECORD_SAMPLE body for sampleFormat,
// handling ring-buffer wraparound by reading byte-at-a-time through a
// small helper rather than assuming a contiguous slice. Field order follows
// perf_event.h's documented PERF_RECORD_SAMPLE layout: ip, pid/tid, time,
// addr, stream_id, cpu/res, period, then the read_format block (value,
// time_enabled, time_running, since readFormat requests only those two
// totals), then weight, data_src.
func parseSample(data []byte, off, size uint64, group EventGroup, cpu int) (Record, bool) {
	read := func(n uint64) []byte {
		buf := make([]byte, n)
		for i := uint64(0); i < n; i++ {
			buf[i] = data[(off+i)%size]
		}
		off += n
		return buf
	}

	ip := binary.LittleEndian.Uint64(read(8))
	_ = ip
	pid := int32(binary.LittleEndian.Uint32(read(4)))
	tid := int32(binary.LittleEndian.Uint32(read(4)))
	ts := binary.LittleEndian.Uint64(read(8))
	addr := binary.LittleEndian.Uint64(read(8))
	_ = binary.LittleEndian.Uint64(read(8)) // stream_id, not surfaced on Record
	recCPU := binary.LittleEndian.Uint32(read(4))
	_ = read(4) // reserved padding after cpu/res field
	period := binary.LittleEndian.Uint64(read(8))
	_ = binary.LittleEndian.Uint64(read(8)) // read_format.value (raw counter, superseded by period)
	timeEnabled := binary.LittleEndian.Uint64(read(8))
	timeRunning := binary.LittleEndian.Uint64(read(8))
	weight := binary.LittleEndian.Uint64(read(8))
	dsrc := binary.LittleEndian.Uint64(read(8))

	return Record{
		Group:       group,
		CPU:         int(recCPU),
		PID:         pid,
		TID:         tid,
		Time:        time.Unix(0, int64(ts)),
		Addr:        addr,
		Weight:      weight,
		TimeEnabled: timeEnabled,
		TimeRunning: timeRunning,
		DataSrc:     dsrc,
		Period:      period,
	}, cpu >= 0
}
