package adaptive

import (
	"testing"
	"time"
)

func TestTTLPolicy(t *testing.T) {
	p := DefaultTTLPolicy()
	at := func(hour int) time.Time {
		return time.Date(2024, 3, 1, hour, 30, 0, 0, time.UTC)
	}

	tests := []struct {
		name     string
		now      time.Time
		latency  time.Duration
		requests int64
		want     time.Duration
	}{
		{"shoulder hours use base", at(6), 0, 0, 5 * time.Minute},
		{"night doubles", at(2), 0, 0, 10 * time.Minute},
		{"peak shortens", at(12), 0, 0, 225 * time.Second},
		{"slow producer lengthens", at(6), 1500 * time.Millisecond, 0, 450 * time.Second},
		{"very slow producer doubles", at(6), 4 * time.Second, 0, 10 * time.Minute},
		{"hot key refreshes sooner", at(6), 0, 50, 150 * time.Second},
		{"slow at night", at(2), 5 * time.Second, 0, 20 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.TTL(tt.now, tt.latency, tt.requests); got != tt.want {
				t.Errorf("TTL = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTTLPolicy_Bounds(t *testing.T) {
	p := DefaultTTLPolicy()
	p.Base = 50 * time.Minute
	night := time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC)

	if got := p.TTL(night, 10*time.Second, 0); got != time.Hour {
		t.Errorf("expected cap of 1h, got %v", got)
	}

	p.Base = 40 * time.Second
	peak := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := p.TTL(peak, 0, 100); got != p.Min {
		t.Errorf("expected floor of %v, got %v", p.Min, got)
	}
}

func TestTTLPolicy_CeilingWithoutMax(t *testing.T) {
	p := TTLPolicy{Base: 2 * time.Hour, SlowLatency: time.Second}
	now := time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)

	if got := p.TTL(now, 5*time.Second, 0); got != MaxTTLCeiling {
		t.Errorf("expected %v, got %v", MaxTTLCeiling, got)
	}
	if got := p.capExplicit(3 * time.Hour); got != MaxTTLCeiling {
		t.Errorf("explicit TTL: expected %v, got %v", MaxTTLCeiling, got)
	}
	if got := p.capExplicit(10 * time.Second); got != 10*time.Second {
		t.Errorf("short explicit TTL should be kept, got %v", got)
	}
}

func TestInHours_WrapsMidnight(t *testing.T) {
	if !inHours(23, 22, 5) || !inHours(3, 22, 5) || inHours(12, 22, 5) {
		t.Error("window 22-5 should wrap past midnight")
	}
	if inHours(4, 4, 4) {
		t.Error("empty window should match nothing")
	}
}
