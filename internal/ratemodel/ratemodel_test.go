package ratemodel

import (
	"testing"
	"time"
)

func TestParseRatio(t *testing.T) {
	r, err := Parse("60000/1001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Num != 60000 || r.Den != 1001 {
		t.Errorf("got %d/%d, want 60000/1001", r.Num, r.Den)
	}
}

func TestParseRatioColon(t *testing.T) {
	r, err := Parse("30000:1001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Num != 30000 || r.Den != 1001 {
		t.Errorf("got %d/%d, want 30000/1001", r.Num, r.Den)
	}
}

func TestParseInteger(t *testing.T) {
	r, err := Parse("60")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Num != 60 || r.Den != 1 {
		t.Errorf("got %d/%d, want 60/1", r.Num, r.Den)
	}
}

func TestParseBroadcastDecimal(t *testing.T) {
	cases := map[string][2]int{
		"23.976": {24000, 1001},
		"29.97":  {30000, 1001},
		"59.94":  {60000, 1001},
		"119.88": {120000, 1001},
	}
	for input, want := range cases {
		r, err := Parse(input)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", input, err)
		}
		if r.Num != want[0] || r.Den != want[1] {
			t.Errorf("%s: got %d/%d, want %d/%d", input, r.Num, r.Den, want[0], want[1])
		}
	}
}

func TestParseUnknownDecimalRoundsToDenominator1000(t *testing.T) {
	r, err := Parse("24.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 24.5 * 1000 = 24500/1000 -> reduced by GCD(24500,1000)=500 -> 49/2
	if r.Num != 49 || r.Den != 2 {
		t.Errorf("got %d/%d, want 49/2", r.Num, r.Den)
	}
}

func TestParseNormalizesUnreducedRatio(t *testing.T) {
	r, err := Parse("120/2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Num != 60 || r.Den != 1 {
		t.Errorf("got %d/%d, want 60/1 after GCD reduction", r.Num, r.Den)
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{"", "0/1", "-5/1", "60/0", "not-a-rate"}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Errorf("Parse(%q): expected error, got nil", c)
		}
	}
}

func TestNewRejectsNonPositive(t *testing.T) {
	if _, err := New(0, 1); err == nil {
		t.Error("expected error for zero numerator")
	}
	if _, err := New(1, 0); err == nil {
		t.Error("expected error for zero denominator")
	}
	if _, err := New(-1, 1); err == nil {
		t.Error("expected error for negative numerator")
	}
}

func TestRoundTripNormalization(t *testing.T) {
	r, err := Parse("60000/1001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r2, err := New(r.Num, r.Den)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r != r2 {
		t.Errorf("round-trip mismatch: %v != %v", r, r2)
	}
}

func TestPeriod(t *testing.T) {
	r, _ := New(60, 1)
	got := r.Period()
	want := 16666667 * time.Nanosecond // round(1e9/60)
	if diff := got - want; diff > time.Microsecond || diff < -time.Microsecond {
		t.Errorf("Period() = %v, want ~%v", got, want)
	}
}

func TestPeriod24000_1001(t *testing.T) {
	r, _ := New(24000, 1001)
	got := r.Period()
	want := 41708333 * time.Nanosecond // ~41.708ms
	if diff := got - want; diff > 2*time.Microsecond || diff < -2*time.Microsecond {
		t.Errorf("Period() = %v, want ~%v", got, want)
	}
}

func TestCadenceTrackerFPS(t *testing.T) {
	target, _ := New(30, 1)
	ct := NewCadenceTracker(target)
	base := time.Now()
	for i := 0; i < 61; i++ {
		ct.Observe(base.Add(time.Duration(i) * time.Second / 30))
	}
	if !ct.Ready() {
		t.Fatal("expected tracker to be ready after 2s of samples")
	}
	if fps := ct.FPS(); fps < 29 || fps > 31 {
		t.Errorf("FPS() = %v, want ~30", fps)
	}
	if sf := ct.ShortfallPercent(); sf > 5 {
		t.Errorf("ShortfallPercent() = %v, want ~0", sf)
	}
}

func TestCadenceTrackerNotReadyInitially(t *testing.T) {
	target, _ := New(60, 1)
	ct := NewCadenceTracker(target)
	ct.Observe(time.Now())
	if ct.Ready() {
		t.Error("expected not ready with a single sample")
	}
	if ct.FPS() != 0 {
		t.Error("expected FPS 0 before window fills")
	}
}
