// Package ratemodel implements rational frame-rate parsing, normalization
// and a rolling cadence tracker.
package ratemodel

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"
)

// broadcastDecimals maps commonly encountered decimal frame rates to their
// exact rational form. Unknown decimals fall back to a denominator of 1000.
var broadcastDecimals = map[string][2]int{
	"23.976": {24000, 1001},
	"29.97":  {30000, 1001},
	"59.94":  {60000, 1001},
	"119.88": {120000, 1001},
}

// Rate is a normalized, positive, coprime rational frame rate.
type Rate struct {
	Num int
	Den int
}

// Period returns the nominal frame period in nanoseconds, rounded to the
// nearest integer: round(1e9 * Den / Num).
func (r Rate) Period() time.Duration {
	num := new(big.Rat).SetFrac64(1e9*int64(r.Den), int64(r.Num))
	f, _ := num.Float64()
	return time.Duration(f + 0.5)
}

func (r Rate) String() string { return fmt.Sprintf("%d/%d", r.Num, r.Den) }

// ErrInvalidRate is returned by Parse/New when numerator or denominator are
// not both positive after normalization.
type ErrInvalidRate struct {
	Input string
}

func (e *ErrInvalidRate) Error() string {
	return fmt.Sprintf("ratemodel: invalid rate %q", e.Input)
}

// New normalizes a numerator/denominator pair, reducing by GCD.
func New(num, den int) (Rate, error) {
	if num <= 0 || den <= 0 {
		return Rate{}, &ErrInvalidRate{Input: fmt.Sprintf("%d/%d", num, den)}
	}
	r := big.NewRat(int64(num), int64(den))
	return Rate{Num: int(r.Num().Int64()), Den: int(r.Denom().Int64())}, nil
}

// Parse accepts decimal ("59.94"), ratio ("60000/1001" or "60000:1001"), or
// integer ("60") text and returns a normalized Rate.
func Parse(text string) (Rate, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Rate{}, &ErrInvalidRate{Input: text}
	}

	if nd, ok := broadcastDecimals[text]; ok {
		return New(nd[0], nd[1])
	}

	if idx := strings.IndexAny(text, "/:"); idx >= 0 {
		numStr, denStr := text[:idx], text[idx+1:]
		num, err1 := strconv.Atoi(strings.TrimSpace(numStr))
		den, err2 := strconv.Atoi(strings.TrimSpace(denStr))
		if err1 != nil || err2 != nil {
			return Rate{}, &ErrInvalidRate{Input: text}
		}
		return New(num, den)
	}

	if !strings.Contains(text, ".") {
		n, err := strconv.Atoi(text)
		if err != nil {
			return Rate{}, &ErrInvalidRate{Input: text}
		}
		return New(n, 1)
	}

	// Unknown decimal: normalize with a denominator of 1000 after GCD
	// reduction.
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || f <= 0 {
		return Rate{}, &ErrInvalidRate{Input: text}
	}
	num := int(f*1000 + 0.5)
	return New(num, 1000)
}

// CadenceTracker records paint arrival times in a rolling two-second window
// and, once the window fills, exposes observed FPS and shortfall percent
// against a target rate. Telemetry only; nothing in the send path reads it.
type CadenceTracker struct {
	mu       sync.Mutex
	window   time.Duration
	target   Rate
	arrivals []time.Time
}

// NewCadenceTracker returns a tracker measured against target over a rolling
// two-second window.
func NewCadenceTracker(target Rate) *CadenceTracker {
	return &CadenceTracker{window: 2 * time.Second, target: target}
}

// Observe records one paint arrival at time t (monotonic).
func (c *CadenceTracker) Observe(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.arrivals = append(c.arrivals, t)
	cutoff := t.Add(-c.window)
	i := 0
	for i < len(c.arrivals) && c.arrivals[i].Before(cutoff) {
		i++
	}
	c.arrivals = c.arrivals[i:]
}

// Ready reports whether the rolling window has filled (i.e. spans at least
// the configured window duration).
func (c *CadenceTracker) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.arrivals) < 2 {
		return false
	}
	return c.arrivals[len(c.arrivals)-1].Sub(c.arrivals[0]) >= c.window
}

// FPS returns the observed frames-per-second over the current window. Zero
// until the window has filled.
func (c *CadenceTracker) FPS() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.arrivals) < 2 {
		return 0
	}
	span := c.arrivals[len(c.arrivals)-1].Sub(c.arrivals[0])
	if span < c.window {
		return 0
	}
	return float64(len(c.arrivals)-1) / span.Seconds()
}

// ShortfallPercent returns how far FPS() falls short of the target rate, as
// a percentage (0 = on target or ahead, 100 = no observed frames, which is
// also what it reports until the window has filled, since FPS() is zero
// until then).
func (c *CadenceTracker) ShortfallPercent() float64 {
	target := float64(c.target.Num) / float64(c.target.Den)
	if target <= 0 {
		return 0
	}
	observed := c.FPS()
	shortfall := (target - observed) / target * 100
	if shortfall < 0 {
		return 0
	}
	if shortfall > 100 {
		return 100
	}
	return shortfall
}
