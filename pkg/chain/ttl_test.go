package chain

import (
	"testing"
	"time"
)

func TestUniformTTLStrategy(t *testing.T) {
	var s UniformTTLStrategy
	for i := 0; i < 3; i++ {
		if got := s.TTL(i, 3, time.Hour); got != time.Hour {
			t.Errorf("layer %d: expected 1h, got %v", i, got)
		}
	}
}

func TestDecayingTTLStrategy(t *testing.T) {
	tests := []struct {
		name   string
		factor float64
		layer  int
		layers int
		base   time.Duration
		want   time.Duration
	}{
		{"bottom layer keeps base", 0.5, 2, 3, 8 * time.Hour, 8 * time.Hour},
		{"middle layer halves", 0.5, 1, 3, 8 * time.Hour, 4 * time.Hour},
		{"top layer quarters", 0.5, 0, 3, 8 * time.Hour, 2 * time.Hour},
		{"two layers", 0.25, 0, 2, time.Hour, 15 * time.Minute},
		{"single layer", 0.5, 0, 1, time.Hour, time.Hour},
		{"zero base lets the layer choose", 0.5, 0, 2, 0, 0},
		{"invalid factor", 1.5, 0, 3, time.Hour, time.Hour},
		{"floor of one second", 0.01, 0, 3, time.Minute, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DecayingTTLStrategy{DecayFactor: tt.factor}
			if got := s.TTL(tt.layer, tt.layers, tt.base); got != tt.want {
				t.Errorf("TTL(%d, %d, %v) = %v, want %v", tt.layer, tt.layers, tt.base, got, tt.want)
			}
		})
	}
}

func TestCustomTTLStrategy(t *testing.T) {
	s := CustomTTLStrategy{TTLs: []time.Duration{time.Minute, 0}}

	if got := s.TTL(0, 3, time.Hour); got != time.Minute {
		t.Errorf("layer 0: expected 1m, got %v", got)
	}
	if got := s.TTL(1, 3, time.Hour); got != time.Hour {
		t.Errorf("zero entry should fall back to base, got %v", got)
	}
	if got := s.TTL(2, 3, time.Hour); got != time.Hour {
		t.Errorf("unlisted layer should fall back to base, got %v", got)
	}
}
