package viewer

import (
	"testing"
	"time"
)

func TestStatsBuffer_KeepsBoundedHistory(t *testing.T) {
	b := newStatsBuffer(3)
	if _, ok := b.latest(); ok {
		t.Fatal("expected empty buffer")
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		b.push(ConnectionStats{LatencyMs: float64(i), SampledAt: base.Add(time.Duration(i) * time.Second)})
	}
	latest, ok := b.latest()
	if !ok || latest.LatencyMs != 4 {
		t.Fatalf("latest = %+v, %v", latest, ok)
	}
	h := b.history()
	if len(h) != 3 || h[0].LatencyMs != 2 || h[2].LatencyMs != 4 {
		t.Fatalf("unexpected history %+v", h)
	}

	b.reset()
	if len(b.history()) != 0 {
		t.Fatal("expected reset history")
	}
}

func TestConnectionStateTransient(t *testing.T) {
	if !StateConnecting.Transient() || !StateReconnecting.Transient() {
		t.Fatal("expected connect states to be transient")
	}
	if StateConnected.Transient() || StateDisconnected.Transient() {
		t.Fatal("expected settled states not to be transient")
	}
}

func TestSizeKey(t *testing.T) {
	if got := (Size{Width: 1920, Height: 1080}).Key(); got != "1920x1080" {
		t.Fatalf("Key() = %q", got)
	}
	if (Size{Width: 0, Height: 720}).Valid() {
		t.Fatal("zero width must be invalid")
	}
	if !IsResolutionPreset(Size{1366, 768}) || IsResolutionPreset(Size{1366, 769}) {
		t.Fatal("unexpected preset membership")
	}
}
