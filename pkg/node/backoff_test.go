package node

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	t.Run("DefaultSequence", func(t *testing.T) {
		b := NewBackoffWithConfig(BackoffConfig{Jitter: 0})

		// Expected base sequence: 1s, 2s, 4s, 8s, 16s, 32s, 60s, 60s...
		expected := []time.Duration{
			1 * time.Second,
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			16 * time.Second,
			32 * time.Second,
			60 * time.Second,
			60 * time.Second,
		}

		for i, want := range expected {
			got := b.Next()
			if got != want {
				t.Errorf("attempt %d: delay = %v, want %v", i, got, want)
			}
		}
	})

	t.Run("Jitter", func(t *testing.T) {
		b := NewBackoff()

		// With default jitter the first delay lands in [1s, 1.25s].
		samples := make([]time.Duration, 10)
		for i := range samples {
			samples[i] = b.Next()
			b.Reset()
		}

		allSame := true
		for i, s := range samples {
			if s < InitialBackoff || s > time.Duration(float64(InitialBackoff)*(1+JitterFactor))+time.Millisecond {
				t.Errorf("sample %d: %v out of range", i, s)
			}
			if s != samples[0] {
				allSame = false
			}
		}
		if allSame {
			t.Error("all jittered samples identical")
		}
	})

	t.Run("Reset", func(t *testing.T) {
		b := NewBackoffWithConfig(BackoffConfig{Jitter: 0})
		for i := 0; i < 5; i++ {
			b.Next()
		}
		if b.Attempts() != 5 {
			t.Errorf("Attempts = %d", b.Attempts())
		}

		b.Reset()
		if b.Attempts() != 0 {
			t.Errorf("Attempts after reset = %d", b.Attempts())
		}
		if got := b.Next(); got != InitialBackoff {
			t.Errorf("delay after reset = %v, want %v", got, InitialBackoff)
		}
	})

	t.Run("ConfigDefaults", func(t *testing.T) {
		b := NewBackoffWithConfig(BackoffConfig{Initial: -1, Max: 0, Multiplier: 0.5, Jitter: -1})
		if got := b.Next(); got != InitialBackoff {
			t.Errorf("delay with defaulted config = %v", got)
		}
	})
}
