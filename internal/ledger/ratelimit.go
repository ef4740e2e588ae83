package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis keys for the fixed-window limiter.
const (
	windowHourKey     = "credits:window:hour"
	windowCreditedKey = "credits:window:credited"
)

// RateLimiter bounds the total value credited per fixed hourly window.
// The window index is floor(now / windowSize); rolling into a new window
// resets the credited counter before the new reservation is accounted.
type RateLimiter struct {
	mu         sync.Mutex
	rdb        *redis.Client
	windowSize int64 // seconds
	max        *big.Int
}

func NewRateLimiter(rdb *redis.Client, maxPerHour *big.Int) *RateLimiter {
	return &RateLimiter{rdb: rdb, windowSize: 3600, max: new(big.Int).Set(maxPerHour)}
}

// SetMax adjusts the hourly cap (admin surface).
func (l *RateLimiter) SetMax(max *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.max = new(big.Int).Set(max)
}

func (l *RateLimiter) Max() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.max)
}

// state reads (storedWindow, creditedInWindow); missing keys read as zero.
func (l *RateLimiter) state(ctx context.Context) (int64, *big.Int, error) {
	raw, err := l.rdb.Get(ctx, windowHourKey).Result()
	if err == redis.Nil {
		return 0, new(big.Int), nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("get window: %w", err)
	}
	window, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("corrupt window %q: %w", raw, err)
	}

	credRaw, err := l.rdb.Get(ctx, windowCreditedKey).Result()
	if err == redis.Nil {
		return window, new(big.Int), nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("get credited: %w", err)
	}
	credited, ok := new(big.Int).SetString(credRaw, 10)
	if !ok {
		return 0, nil, fmt.Errorf("corrupt credited amount: %q", credRaw)
	}
	return window, credited, nil
}

// CheckAndReserve validates that amount fits the current window and stages
// the reservation into batch. The write only lands when the whole
// redemption commits, so an aborted call leaks no budget. Must be invoked
// once per call with the final credited total, never per voucher.
func (l *RateLimiter) CheckAndReserve(ctx context.Context, batch *Batch, amount *big.Int, now int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := now / l.windowSize
	stored, credited, err := l.state(ctx)
	if err != nil {
		return err
	}
	if current != stored {
		credited = new(big.Int) // window rollover resets the counter
	}

	available := new(big.Int).Sub(l.max, credited)
	if amount.Cmp(available) > 0 {
		return &HourlyLimitError{Available: available, Requested: new(big.Int).Set(amount)}
	}

	batch.StageSet(windowHourKey, strconv.FormatInt(current, 10))
	batch.StageSet(windowCreditedKey, new(big.Int).Add(credited, amount).String())
	return nil
}

// Available reports the credit budget left in the window containing now,
// floored at zero. Used as a pre-flight bound before irreversible work;
// the exact reservation still goes through CheckAndReserve.
func (l *RateLimiter) Available(ctx context.Context, now int64) (*big.Int, error) {
	credited, err := l.CreditedThisWindow(ctx, now)
	if err != nil {
		return nil, err
	}
	avail := new(big.Int).Sub(l.Max(), credited)
	if avail.Sign() < 0 {
		avail.SetInt64(0)
	}
	return avail, nil
}

// CreditedThisWindow reports the amount already credited in the window
// containing now. A stored window older than now reads as zero.
func (l *RateLimiter) CreditedThisWindow(ctx context.Context, now int64) (*big.Int, error) {
	stored, credited, err := l.state(ctx)
	if err != nil {
		return nil, err
	}
	if now/l.windowSize != stored {
		return new(big.Int), nil
	}
	return credited, nil
}

// HourlyLimitError reports the remaining window budget alongside the
// rejected request so callers can resubmit with adjusted amounts.
type HourlyLimitError struct {
	Available *big.Int
	Requested *big.Int
}

func (e *HourlyLimitError) Error() string {
	return fmt.Sprintf("hourly credit limit exceeded: available %s, requested %s", e.Available, e.Requested)
}
