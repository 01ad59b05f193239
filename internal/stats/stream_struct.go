package stats

import (
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MaxChannels bounds the fixed-size input/output ChannelStats arrays. The
// region is a POD placed directly into shared memory so it cannot hold a
// Go slice; SetNumInputs/SetNumOutputs reject counts above this.
const MaxChannels = 16

// StreamIDLen is the fixed byte capacity for the embedded stream id.
const StreamIDLen = 64

// Status is the worker lifecycle state the supervisor reads from C2.
type Status uint32

const (
	StatusNew Status = iota
	StatusInit
	StatusPlaying
	StatusFrozen
	StatusWaiting
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusInit:
		return "INIT"
	case StatusPlaying:
		return "PLAYING"
	case StatusFrozen:
		return "FROZEN"
	case StatusWaiting:
		return "WAITING"
	default:
		return "UNKNOWN"
	}
}

// StreamStruct is the fixed-layout record mapped into anonymous shared
// memory at worker creation (spec §3/§4.2). It is written exclusively by
// the owning worker and read-only for the supervisor; every field is
// independently monotonic or idempotent so torn reads are tolerated.
//
// Field order matters: the first eight-byte-aligned fields carry the
// atomically-accessed counters so this struct stays safely alignable when
// placed at an arbitrary mmap'd address.
type StreamStruct struct {
	StartMs      int64
	LastMs       int64
	cpuLoadBits  uint64 // math.Float64bits(cpu load percentage)
	rssBytes     uint64
	status       uint32
	restartsLeft int32
	numInputs    uint32
	numOutputs   uint32
	streamIDLen  uint32
	typ          uint32
	streamID     [StreamIDLen]byte
	Inputs       [MaxChannels]ChannelStats
	Outputs      [MaxChannels]ChannelStats
}

// Region owns the mmap'd memory backing a StreamStruct. Alloc creates one,
// Free unmaps it; the supervisor calls Free only after the worker has been
// reaped and its final snapshot has been emitted (spec §3).
type Region struct {
	mem    []byte
	Struct *StreamStruct
}

// Alloc mmaps an anonymous MAP_SHARED region sized for one StreamStruct and
// placement-initializes it for streamID/typ, mirroring the source's
// AllocSharedStreamStruct (mmap + placement new).
func Alloc(streamID string, typ uint32) (*Region, error) {
	if len(streamID) >= StreamIDLen {
		return nil, fmt.Errorf("stream id %q exceeds %d bytes", streamID, StreamIDLen-1)
	}
	size := int(unsafe.Sizeof(StreamStruct{}))
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap stream struct: %w", err)
	}
	s := (*StreamStruct)(unsafe.Pointer(&mem[0]))
	*s = StreamStruct{}
	copy(s.streamID[:], streamID)
	s.streamIDLen = uint32(len(streamID))
	s.typ = typ
	s.status = uint32(StatusNew)
	return &Region{mem: mem, Struct: s}, nil
}

// Free unmaps the region. The pointer is invalid after this returns.
func (r *Region) Free() error {
	if r == nil || r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	r.Struct = nil
	return err
}

// StreamID returns the embedded stream id.
func (s *StreamStruct) StreamID() string {
	n := atomic.LoadUint32(&s.streamIDLen)
	return string(s.streamID[:n])
}

func (s *StreamStruct) Type() uint32 { return atomic.LoadUint32(&s.typ) }

func (s *StreamStruct) SetStatus(v Status) { atomic.StoreUint32(&s.status, uint32(v)) }
func (s *StreamStruct) GetStatus() Status  { return Status(atomic.LoadUint32(&s.status)) }

func (s *StreamStruct) SetRestartsLeftMirror(n int) { atomic.StoreInt32(&s.restartsLeft, int32(n)) }
func (s *StreamStruct) RestartsLeftMirror() int     { return int(atomic.LoadInt32(&s.restartsLeft)) }

func (s *StreamStruct) SetCPULoad(pct float64) {
	atomic.StoreUint64(&s.cpuLoadBits, math.Float64bits(pct))
}
func (s *StreamStruct) CPULoad() float64 {
	return math.Float64frombits(atomic.LoadUint64(&s.cpuLoadBits))
}

func (s *StreamStruct) SetRSS(bytes uint64) { atomic.StoreUint64(&s.rssBytes, bytes) }
func (s *StreamStruct) RSS() uint64         { return atomic.LoadUint64(&s.rssBytes) }

func (s *StreamStruct) SetLastMs(ms int64) { atomic.StoreInt64(&s.LastMs, ms) }

// SetNumInputs/SetNumOutputs record how many of the fixed Inputs/Outputs
// slots are in use; the worker sets these once at startup.
func (s *StreamStruct) SetNumInputs(n int) error {
	if n > MaxChannels {
		return fmt.Errorf("numInputs %d exceeds MaxChannels %d", n, MaxChannels)
	}
	atomic.StoreUint32(&s.numInputs, uint32(n))
	return nil
}

func (s *StreamStruct) SetNumOutputs(n int) error {
	if n > MaxChannels {
		return fmt.Errorf("numOutputs %d exceeds MaxChannels %d", n, MaxChannels)
	}
	atomic.StoreUint32(&s.numOutputs, uint32(n))
	return nil
}

func (s *StreamStruct) NumInputs() int  { return int(atomic.LoadUint32(&s.numInputs)) }
func (s *StreamStruct) NumOutputs() int { return int(atomic.LoadUint32(&s.numOutputs)) }

// Snapshot is the JSON-serializable whole-record copy of a StreamStruct.
// Only tests take one; the supervisor reports a worker's last
// statistic_stream payload instead (spec §4.2).
type Snapshot struct {
	StreamID     string                 `json:"stream_id"`
	Type         uint32                 `json:"type"`
	StartMs      int64                  `json:"start_ms"`
	LastMs       int64                  `json:"last_ms"`
	RestartsLeft int                    `json:"restarts_left"`
	Status       Status                 `json:"status"`
	CPULoad      float64                `json:"cpu_load"`
	RSSBytes     uint64                 `json:"rss_bytes"`
	Inputs       []ChannelStatsSnapshot `json:"inputs"`
	Outputs      []ChannelStatsSnapshot `json:"outputs"`
}

// Snapshot takes a whole-record copy. Because every field is independently
// monotonic, a concurrent writer mid-update can only make this snapshot
// slightly stale, never internally inconsistent.
func (s *StreamStruct) Snapshot() Snapshot {
	snap := Snapshot{
		StreamID:     s.StreamID(),
		Type:         s.Type(),
		StartMs:      atomic.LoadInt64(&s.StartMs),
		LastMs:       atomic.LoadInt64(&s.LastMs),
		RestartsLeft: s.RestartsLeftMirror(),
		Status:       s.GetStatus(),
		CPULoad:      s.CPULoad(),
		RSSBytes:     s.RSS(),
	}
	n := s.NumInputs()
	snap.Inputs = make([]ChannelStatsSnapshot, n)
	for i := 0; i < n; i++ {
		snap.Inputs[i] = s.Inputs[i].Snapshot()
	}
	m := s.NumOutputs()
	snap.Outputs = make([]ChannelStatsSnapshot, m)
	for i := 0; i < m; i++ {
		snap.Outputs[i] = s.Outputs[i].Snapshot()
	}
	return snap
}
