// Copyright 2024-2026 Aiku AI

package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errRemote = errors.New("remote failure")

func fastPolicy(maxRetries int) Policy {
	return Policy{Delay: time.Millisecond, MaxRetries: maxRetries}
}

func TestDo_SucceedsAfterTwoFailures(t *testing.T) {
	t.Parallel()
	calls := 0
	got, err := Do(context.Background(), fastPolicy(6), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errRemote
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do: unexpected error %v", err)
	}
	if got != "ok" {
		t.Errorf("Do: got %q, want %q", got, "ok")
	}
	if calls != 3 {
		t.Errorf("Do: op called %d times, want 3", calls)
	}
}

func TestDo_ExhaustsBudget(t *testing.T) {
	t.Parallel()
	calls := 0
	_, err := Do(context.Background(), fastPolicy(2), func(context.Context) (int, error) {
		calls++
		return 0, errRemote
	})
	if !errors.Is(err, errRemote) {
		t.Fatalf("Do: got error %v, want %v", err, errRemote)
	}
	if calls != 3 {
		t.Errorf("Do: op called %d times, want 3 (1 initial + 2 retries)", calls)
	}
}

func TestDo_ReturnsLastError(t *testing.T) {
	t.Parallel()
	calls := 0
	errs := []error{errors.New("first"), errors.New("second"), errors.New("third")}
	_, err := Do(context.Background(), fastPolicy(2), func(context.Context) (int, error) {
		e := errs[calls]
		calls++
		return 0, e
	})
	if err != errs[2] {
		t.Errorf("Do: got %v, want last error %v", err, errs[2])
	}
}

func TestDo_ZeroRetriesRunsOnce(t *testing.T) {
	t.Parallel()
	calls := 0
	_, err := Do(context.Background(), fastPolicy(0), func(context.Context) (int, error) {
		calls++
		return 0, errRemote
	})
	if err == nil {
		t.Fatal("Do: expected error")
	}
	if calls != 1 {
		t.Errorf("Do: op called %d times, want 1", calls)
	}
}

func TestDo_FirstAttemptSuccessDoesNotSleep(t *testing.T) {
	t.Parallel()
	start := time.Now()
	_, err := Do(context.Background(), Policy{Delay: time.Hour, MaxRetries: 5}, func(context.Context) (int, error) {
		return 1, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Do slept although the first attempt succeeded")
	}
}

func TestDo_CancelledContextStopsRetrying(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Do(ctx, Policy{Delay: time.Hour, MaxRetries: 5}, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, errRemote
	})
	if !errors.Is(err, errRemote) {
		t.Errorf("Do: got %v, want %v", err, errRemote)
	}
	if calls != 1 {
		t.Errorf("Do: op called %d times after cancel, want 1", calls)
	}
}

func TestDoErr(t *testing.T) {
	t.Parallel()
	calls := 0
	err := DoErr(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		if calls == 2 {
			return nil
		}
		return errRemote
	})
	if err != nil {
		t.Fatalf("DoErr: %v", err)
	}
	if calls != 2 {
		t.Errorf("DoErr: op called %d times, want 2", calls)
	}
}

func TestBackoff_GivesUpAboveLimit(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Backoff(context.Background(), time.Millisecond, 4*time.Millisecond, func(context.Context) error {
		calls++
		return errRemote
	})
	if !errors.Is(err, errRemote) {
		t.Fatalf("Backoff: got %v, want %v", err, errRemote)
	}
	// Delays 1ms, 2ms, 4ms are allowed; doubling to 8ms exceeds the limit.
	if calls != 3 {
		t.Errorf("Backoff: op called %d times, want 3", calls)
	}
}

func TestBackoff_Succeeds(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Backoff(context.Background(), time.Millisecond, time.Second, func(context.Context) error {
		calls++
		if calls < 2 {
			return errRemote
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Backoff: %v", err)
	}
	if calls != 2 {
		t.Errorf("Backoff: op called %d times, want 2", calls)
	}
}

func TestDo_PermanentStops(t *testing.T) {
	t.Parallel()
	calls := 0
	_, err := Do(context.Background(), Policy{Delay: time.Millisecond, MaxRetries: 6}, func(context.Context) (int, error) {
		calls++
		return 0, Permanent(errRemote)
	})
	if calls != 1 {
		t.Errorf("Do: op called %d times, want 1", calls)
	}
	if err != errRemote {
		t.Errorf("Do: got %v, want the unwrapped error", err)
	}
}

func TestPermanent_Nil(t *testing.T) {
	t.Parallel()
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}
