package backoff

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestNextDelayExponentialGrowth(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("delay is non-decreasing and capped without jitter", prop.ForAll(
		func(baseMs int, maxMs int) bool {
			p := New(time.Duration(baseMs)*time.Millisecond, time.Duration(maxMs)*time.Millisecond, 0)
			prev := time.Duration(0)
			for attempt := 0; attempt < 70; attempt++ {
				d := p.NextDelay(attempt)
				if d < prev || d > p.Max {
					return false
				}
				prev = d
			}
			return prev == p.Max
		},
		gen.IntRange(100, 2000),
		gen.IntRange(5000, 60000),
	))

	properties.TestingRun(t)
}

func TestNextDelayJitterBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("jitter stays within ±jitter and under max", prop.ForAll(
		func(attempt int, r float64) bool {
			p := New(time.Second, 30*time.Second, 0.2)
			p.Rand = func() float64 { return r }
			plain := New(time.Second, 30*time.Second, 0).NextDelay(attempt)
			d := p.NextDelay(attempt)
			lo := time.Duration(float64(plain) * 0.8)
			return d >= lo-time.Nanosecond && d <= p.Max
		},
		gen.IntRange(0, 10),
		gen.Float64Range(0, 0.999999),
	))

	properties.TestingRun(t)
}

func TestNextDelayIsPure(t *testing.T) {
	p := New(100*time.Millisecond, 2*time.Second, 0.5)
	p.Rand = func() float64 { return 0.75 }
	first := p.NextDelay(3)
	second := p.NextDelay(3)
	if first != second {
		t.Fatalf("NextDelay(3) = %v then %v, want identical", first, second)
	}
	// 800ms * (1 + 0.5*0.5)
	if first != time.Second {
		t.Fatalf("NextDelay(3) = %v, want 1s", first)
	}
}

func TestBackoffReset(t *testing.T) {
	b := New(10*time.Millisecond, time.Second, 0).Start()
	if d := b.Next(); d != 10*time.Millisecond {
		t.Fatalf("Next() = %v, want 10ms", d)
	}
	if d := b.Next(); d != 20*time.Millisecond {
		t.Fatalf("Next() = %v, want 20ms", d)
	}
	b.Reset()
	if b.Attempt() != 0 {
		t.Fatalf("Attempt() = %d, want 0", b.Attempt())
	}
	if d := b.Next(); d != 10*time.Millisecond {
		t.Fatalf("Next() after Reset = %v, want 10ms", d)
	}
}
