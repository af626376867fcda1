package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Factor:       2.0,
	}
}

func TestDo(t *testing.T) {
	t.Run("succeeds first try", func(t *testing.T) {
		calls := 0
		result := Do(context.Background(), fastConfig(3), func() error {
			calls++
			return nil
		})
		if result.Err != nil {
			t.Errorf("Err = %v", result.Err)
		}
		if calls != 1 || result.Attempts != 1 {
			t.Errorf("calls = %d, attempts = %d", calls, result.Attempts)
		}
	})

	t.Run("retries until success", func(t *testing.T) {
		calls := 0
		result := Do(context.Background(), fastConfig(3), func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		if result.Err != nil {
			t.Errorf("Err = %v", result.Err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		calls := 0
		result := Do(context.Background(), fastConfig(3), func() error {
			calls++
			return errors.New("always fails")
		})
		if result.Err == nil {
			t.Error("expected error")
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("permanent error stops immediately", func(t *testing.T) {
		calls := 0
		result := Do(context.Background(), fastConfig(3), func() error {
			calls++
			return Permanent(errors.New("bad request"))
		})
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
		if !IsPermanent(result.Err) {
			t.Error("expected permanent error")
		}
	})

	t.Run("RetryIf rejects error", func(t *testing.T) {
		cfg := fastConfig(3)
		cfg.RetryIf = func(err error) bool { return false }
		calls := 0
		Do(context.Background(), cfg, func() error {
			calls++
			return errors.New("not transient")
		})
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		result := Do(ctx, fastConfig(3), func() error {
			return errors.New("never runs")
		})
		if !errors.Is(result.Err, context.Canceled) {
			t.Errorf("Err = %v", result.Err)
		}
	})
}

func TestDoWithValue(t *testing.T) {
	calls := 0
	value, result := DoWithValue(context.Background(), fastConfig(3), func() (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if result.Err != nil {
		t.Fatalf("Err = %v", result.Err)
	}
	if value != "ok" {
		t.Errorf("value = %q", value)
	}
}

func TestDelay(t *testing.T) {
	cfg := Config{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Factor:       2.0,
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second}, // capped
		{8, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := Delay(tc.attempt, cfg); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}

	t.Run("jitter stays within bound", func(t *testing.T) {
		cfg := cfg
		cfg.Jitter = 0.3
		for i := 0; i < 50; i++ {
			d := Delay(1, cfg)
			if d < time.Second || d > 1300*time.Millisecond {
				t.Fatalf("jittered delay out of range: %v", d)
			}
		}
	})
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	base := errors.New("boom")
	wrapped := Permanent(base)
	if !errors.Is(wrapped, base) {
		t.Error("wrapped error should unwrap to base")
	}
	if !IsPermanent(wrapped) {
		t.Error("IsPermanent = false")
	}
	if IsPermanent(base) {
		t.Error("plain error reported permanent")
	}
}
