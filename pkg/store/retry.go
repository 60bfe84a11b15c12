// retry.go retries store writes that fail on transient SQLite contention.
//
// The serving node rewrites its checkpoint after every change while CLI
// invocations append to the outbox from other processes. WAL mode plus
// busy_timeout absorbs most of that, but BUSY, LOCKED and
// IOERR_SHORT_READ can still surface and are worth another attempt.
package store

import (
	"errors"
	"math/rand"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// retryConfig controls retry behavior for transient SQLite errors.
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	// sleep defaults to time.Sleep.
	sleep func(time.Duration)
}

var defaultRetryConfig = retryConfig{
	maxRetries: 3,
	baseDelay:  50 * time.Millisecond,
	maxDelay:   500 * time.Millisecond,
}

// transientCodes are primary SQLite result codes plus the one extended code
// seen under WAL read contention.
var transientCodes = map[int]bool{
	sqlite3.SQLITE_BUSY:             true,
	sqlite3.SQLITE_LOCKED:           true,
	sqlite3.SQLITE_IOERR_SHORT_READ: true,
}

// isTransientSQLiteErr reports whether err is worth retrying. Driver errors
// are classified by result code; anything else (wrapped or stringly typed)
// falls back to matching the driver's message text.
func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		code := serr.Code()
		return transientCodes[code] || transientCodes[code&0xff]
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
		"(5)",
		"(6)",
		"(522)",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// retryOp runs fn until it succeeds, fails permanently, or maxRetries
// retries are spent. The last error is returned.
func retryOp(cfg retryConfig, fn func() error) error {
	sleep := cfg.sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil || !isTransientSQLiteErr(err) {
			return err
		}
		if attempt >= cfg.maxRetries {
			return err
		}
		sleep(backoffDelay(cfg, attempt))
	}
}

// backoffDelay is baseDelay * 2^attempt capped at maxDelay, plus jitter in
// [0, baseDelay).
func backoffDelay(cfg retryConfig, attempt int) time.Duration {
	delay := cfg.maxDelay
	if attempt < 32 {
		if d := cfg.baseDelay << uint(attempt); d > 0 && d < cfg.maxDelay {
			delay = d
		}
	}
	if cfg.baseDelay <= 0 {
		return delay
	}
	return delay + time.Duration(rand.Int63n(int64(cfg.baseDelay)))
}
