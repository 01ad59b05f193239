package stats

import "testing"

func TestChannelStatsMonotonic(t *testing.T) {
	c := NewChannelStats(1)
	c.SetTotalBytes(100, 1000)
	c.UpdateCheckPoint()
	c.AddBytes(50, 2000)
	if got := c.DiffTotalBytes(); got != 50 {
		t.Fatalf("DiffTotalBytes = %d, want 50", got)
	}
	c.UpdateBps(1)
	if got := c.Bps(); got != 50 {
		t.Fatalf("Bps = %d, want 50", got)
	}
	c.UpdateCheckPoint()
	if got := c.DiffTotalBytes(); got != 0 {
		t.Fatalf("DiffTotalBytes after checkpoint = %d, want 0", got)
	}
}

func TestRegionAllocFreeRoundTrip(t *testing.T) {
	r, err := Alloc("stream-1", uint32(1))
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer r.Free()

	if got := r.Struct.StreamID(); got != "stream-1" {
		t.Fatalf("StreamID = %q, want stream-1", got)
	}
	if got := r.Struct.Type(); got != 1 {
		t.Fatalf("Type = %d, want 1", got)
	}
	if got := r.Struct.GetStatus(); got != StatusNew {
		t.Fatalf("initial status = %v, want NEW", got)
	}

	r.Struct.SetStatus(StatusPlaying)
	r.Struct.SetCPULoad(12.5)
	r.Struct.SetRSS(1 << 20)
	if err := r.Struct.SetNumInputs(1); err != nil {
		t.Fatalf("SetNumInputs: %v", err)
	}
	r.Struct.Inputs[0] = NewChannelStats(1)
	r.Struct.Inputs[0].AddBytes(1024, 5000)

	snap := r.Struct.Snapshot()
	if snap.Status != StatusPlaying {
		t.Fatalf("snapshot status = %v, want PLAYING", snap.Status)
	}
	if snap.CPULoad != 12.5 {
		t.Fatalf("snapshot cpu load = %v, want 12.5", snap.CPULoad)
	}
	if len(snap.Inputs) != 1 || snap.Inputs[0].TotalBytes != 1024 {
		t.Fatalf("unexpected input snapshot: %+v", snap.Inputs)
	}
}

func TestAllocRejectsOversizedStreamID(t *testing.T) {
	long := make([]byte, StreamIDLen+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := Alloc(string(long), 0); err == nil {
		t.Fatalf("expected error for oversized stream id")
	}
}

func TestSetNumInputsRejectsOverflow(t *testing.T) {
	r, err := Alloc("s1", 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer r.Free()
	if err := r.Struct.SetNumInputs(MaxChannels + 1); err == nil {
		t.Fatalf("expected error for numInputs overflow")
	}
}
