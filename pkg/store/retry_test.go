package store

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsTransientSQLiteErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"non-transient", errors.New("syntax error"), false},
		{"constraint", errors.New("UNIQUE constraint failed: outbox.id"), false},
		{"SQLITE_BUSY text", errors.New("SQLITE_BUSY"), true},
		{"SQLITE_LOCKED text", errors.New("SQLITE_LOCKED"), true},
		{"IOERR_SHORT_READ text", errors.New("IOERR_SHORT_READ"), true},
		{"database is locked", errors.New("database is locked"), true},
		{"database table is locked", errors.New("database table is locked"), true},
		{"code 5", errors.New("sqlite: (5) database is busy"), true},
		{"code 522", errors.New("sqlite: (522) short read"), true},
		{"wrapped busy", fmt.Errorf("save snapshot: %w", errors.New("SQLITE_BUSY")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransientSQLiteErr(tt.err); got != tt.want {
				t.Errorf("isTransientSQLiteErr(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

// recordingConfig never really sleeps and records requested delays.
func recordingConfig(maxRetries int) (retryConfig, *[]time.Duration) {
	var slept []time.Duration
	return retryConfig{
		maxRetries: maxRetries,
		baseDelay:  time.Millisecond,
		maxDelay:   4 * time.Millisecond,
		sleep:      func(d time.Duration) { slept = append(slept, d) },
	}, &slept
}

func TestRetryOp(t *testing.T) {
	busy := errors.New("SQLITE_BUSY")
	permanent := errors.New("syntax error near SELECT")

	tests := []struct {
		name       string
		maxRetries int
		failures   int
		failWith   error
		wantCalls  int
		wantErr    error
	}{
		{"succeeds immediately", 3, 0, nil, 1, nil},
		{"permanent error not retried", 3, 10, permanent, 1, permanent},
		{"transient then success", 3, 2, busy, 3, nil},
		{"retries exhausted", 2, 10, busy, 3, busy},
		{"zero retries means one attempt", 0, 10, busy, 1, busy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, slept := recordingConfig(tt.maxRetries)
			calls := 0
			err := retryOp(cfg, func() error {
				calls++
				if calls <= tt.failures {
					return tt.failWith
				}
				return nil
			})
			if err != tt.wantErr {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if len(*slept) != calls-1 {
				t.Errorf("slept %d times for %d calls", len(*slept), calls)
			}
		})
	}
}

func TestBackoffDelay(t *testing.T) {
	cfg := retryConfig{baseDelay: 50 * time.Millisecond, maxDelay: 500 * time.Millisecond}
	for attempt, base := range []time.Duration{50, 100, 200, 400} {
		base *= time.Millisecond
		d := backoffDelay(cfg, attempt)
		if d < base || d >= base+cfg.baseDelay {
			t.Errorf("attempt %d delay %v not in [%v, %v)", attempt, d, base, base+cfg.baseDelay)
		}
	}
}

func TestBackoffDelayCapsAtMax(t *testing.T) {
	cfg := retryConfig{baseDelay: 100 * time.Millisecond, maxDelay: 200 * time.Millisecond}
	for _, attempt := range []int{5, 40, 100} {
		if d := backoffDelay(cfg, attempt); d < 200*time.Millisecond || d >= 300*time.Millisecond {
			t.Errorf("attempt %d delay %v not capped near 200ms", attempt, d)
		}
	}
}
