// Package stats implements the shared-memory metrics region (C2): a
// fixed-layout record placed in an anonymous MAP_SHARED mapping. The
// supervisor and cmd/worker each allocate their own region, since the
// mapping does not survive the exec that starts a worker; the supervisor
// learns a worker's numbers from its statistic_stream notifications, not
// by reading this region.
package stats

import "sync/atomic"

// ChannelStats is the per-input/output byte counter described in spec §3.
// Every field is independently monotonic or idempotent so a torn read
// (the supervisor copying the struct while the worker is mid-update) is
// always a harmless stale-but-consistent snapshot, never a mix of
// unrelated values — this is what lets C2 skip locking entirely.
type ChannelStats struct {
	ID             uint64
	LastUpdateMs   int64
	TotalBytes     uint64
	PrevBytes      uint64
	BytesPerSecond uint64
	DesiredBpsLow  uint64
	DesiredBpsHigh uint64
	HasDesiredBps  uint32
}

// NewChannelStats returns a zeroed ChannelStats for the given channel id.
func NewChannelStats(id uint64) ChannelStats {
	return ChannelStats{ID: id}
}

// DiffTotalBytes returns total-prev, the delta the last checkpoint
// established.
func (c *ChannelStats) DiffTotalBytes() uint64 {
	total := atomic.LoadUint64(&c.TotalBytes)
	prev := atomic.LoadUint64(&c.PrevBytes)
	return total - prev
}

// SetTotalBytes records a new cumulative byte count and stamps
// LastUpdateMs. Called by the owning worker on every buffer delivered to
// an element; total must never decrease (spec invariant total >= prev).
func (c *ChannelStats) SetTotalBytes(total uint64, nowMs int64) {
	atomic.StoreUint64(&c.TotalBytes, total)
	atomic.StoreInt64(&c.LastUpdateMs, nowMs)
}

// AddBytes increments the cumulative counter by n and stamps the update
// time, the common case of a fixed-size read being appended.
func (c *ChannelStats) AddBytes(n uint64, nowMs int64) {
	atomic.AddUint64(&c.TotalBytes, n)
	atomic.StoreInt64(&c.LastUpdateMs, nowMs)
}

// UpdateBps computes bytes-per-second over the last checkpoint window
// (elapsedSec, normally 1) without yet advancing the checkpoint — mirrors
// the source's two-step UpdateBps()+UpdateCheckPoint() so the bps window is
// isolated from wall-clock jitter (spec §4.2 rationale).
func (c *ChannelStats) UpdateBps(elapsedSec uint64) {
	if elapsedSec == 0 {
		return
	}
	atomic.StoreUint64(&c.BytesPerSecond, c.DiffTotalBytes()/elapsedSec)
}

// UpdateCheckPoint sets prev = total, closing the current measurement
// window.
func (c *ChannelStats) UpdateCheckPoint() {
	atomic.StoreUint64(&c.PrevBytes, atomic.LoadUint64(&c.TotalBytes))
}

// Bps returns the last computed bytes-per-second value.
func (c *ChannelStats) Bps() uint64 { return atomic.LoadUint64(&c.BytesPerSecond) }

// SetDesiredBps records the optional lower/upper desired throughput bounds
// (e.g. advertised by an adaptive-bitrate source).
func (c *ChannelStats) SetDesiredBps(low, high uint64) {
	atomic.StoreUint64(&c.DesiredBpsLow, low)
	atomic.StoreUint64(&c.DesiredBpsHigh, high)
	atomic.StoreUint32(&c.HasDesiredBps, 1)
}

// Snapshot copies out a value-type view safe to serialize, read once with
// no further atomic operations required by the caller.
type ChannelStatsSnapshot struct {
	ID             uint64 `json:"id"`
	LastUpdateMs   int64  `json:"last_update_ms"`
	TotalBytes     uint64 `json:"total_bytes"`
	PrevBytes      uint64 `json:"prev_bytes"`
	BytesPerSecond uint64 `json:"bytes_per_second"`
	DesiredBpsLow  uint64 `json:"desired_bps_low,omitempty"`
	DesiredBpsHigh uint64 `json:"desired_bps_high,omitempty"`
}

func (c *ChannelStats) Snapshot() ChannelStatsSnapshot {
	return ChannelStatsSnapshot{
		ID:             atomic.LoadUint64(&c.ID),
		LastUpdateMs:   atomic.LoadInt64(&c.LastUpdateMs),
		TotalBytes:     atomic.LoadUint64(&c.TotalBytes),
		PrevBytes:      atomic.LoadUint64(&c.PrevBytes),
		BytesPerSecond: atomic.LoadUint64(&c.BytesPerSecond),
		DesiredBpsLow:  atomic.LoadUint64(&c.DesiredBpsLow),
		DesiredBpsHigh: atomic.LoadUint64(&c.DesiredBpsHigh),
	}
}
