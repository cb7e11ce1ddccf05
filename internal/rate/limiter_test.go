package rate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client), mr
}

func TestBumpSlidingCounter(t *testing.T) {
	l, _ := testLimiter(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		limited, count, err := l.BumpSlidingCounter(ctx, "scope", now, time.Minute, 3, fmt.Sprintf("m%d", i))
		if err != nil {
			t.Fatalf("bump %d: %v", i, err)
		}
		if limited {
			t.Fatalf("bump %d limited early, count=%d", i, count)
		}
	}

	limited, count, err := l.BumpSlidingCounter(ctx, "scope", now, time.Minute, 3, "m3")
	if err != nil {
		t.Fatalf("bump: %v", err)
	}
	if !limited || count != 4 {
		t.Fatalf("limited=%v count=%d, want limited with count 4", limited, count)
	}
}

func TestBumpSlidingCounterPrunesOldEntries(t *testing.T) {
	l, _ := testLimiter(t)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 3; i++ {
		if _, _, err := l.BumpSlidingCounter(ctx, "scope", base, time.Minute, 3, fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("bump: %v", err)
		}
	}

	// Past the window the old entries no longer count.
	later := base.Add(2 * time.Minute)
	limited, count, err := l.BumpSlidingCounter(ctx, "scope", later, time.Minute, 3, "m3")
	if err != nil {
		t.Fatalf("bump: %v", err)
	}
	if limited || count != 1 {
		t.Fatalf("limited=%v count=%d after window, want unlimited count 1", limited, count)
	}
}

func TestBumpSlidingCounterDeduplicatesMembers(t *testing.T) {
	l, _ := testLimiter(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		limited, count, err := l.BumpSlidingCounter(ctx, "scope", now.Add(time.Duration(i)*time.Second), time.Minute, 3, "same-member")
		if err != nil {
			t.Fatalf("bump: %v", err)
		}
		if limited || count != 1 {
			t.Fatalf("bump %d: limited=%v count=%d, want unlimited count 1", i, limited, count)
		}
	}
}

func TestPeekSlidingCounter(t *testing.T) {
	l, _ := testLimiter(t)
	ctx := context.Background()
	now := time.Now()

	if _, _, err := l.BumpSlidingCounter(ctx, "scope", now, time.Minute, 10, "m0"); err != nil {
		t.Fatalf("bump: %v", err)
	}

	count, err := l.PeekSlidingCounter(ctx, "scope", now, time.Minute)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}

	// Peeking never records.
	count, err = l.PeekSlidingCounter(ctx, "scope", now, time.Minute)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if count != 1 {
		t.Fatalf("count after second peek = %d, want 1", count)
	}
}

func TestBumpFixedCounter(t *testing.T) {
	l, _ := testLimiter(t)
	ctx := context.Background()

	for want := int64(1); want <= 2; want++ {
		limited, count, _, err := l.BumpFixedCounter(ctx, "fixed", time.Minute, 3, false)
		if err != nil {
			t.Fatalf("bump: %v", err)
		}
		if limited || count != want {
			t.Fatalf("limited=%v count=%d, want unlimited count %d", limited, count, want)
		}
	}

	limited, count, remaining, err := l.BumpFixedCounter(ctx, "fixed", time.Minute, 3, false)
	if err != nil {
		t.Fatalf("bump: %v", err)
	}
	if !limited || count != 3 {
		t.Fatalf("limited=%v count=%d, want limited at 3", limited, count)
	}
	if remaining <= 0 || remaining > time.Minute {
		t.Fatalf("remaining = %s, want within (0, 1m]", remaining)
	}
}

func TestBumpFixedCounterExpires(t *testing.T) {
	l, mr := testLimiter(t)
	ctx := context.Background()

	if _, _, _, err := l.BumpFixedCounter(ctx, "fixed", time.Minute, 1, false); err != nil {
		t.Fatalf("bump: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	limited, count, _, err := l.BumpFixedCounter(ctx, "fixed", time.Minute, 2, false)
	if err != nil {
		t.Fatalf("bump: %v", err)
	}
	if limited || count != 1 {
		t.Fatalf("limited=%v count=%d after expiry, want fresh count 1", limited, count)
	}
}

func TestBumpFixedCounterRefreshTTL(t *testing.T) {
	l, mr := testLimiter(t)
	ctx := context.Background()

	if _, _, _, err := l.BumpFixedCounter(ctx, "cooldown", time.Minute, 3, true); err != nil {
		t.Fatalf("bump: %v", err)
	}

	mr.FastForward(45 * time.Second)

	// The refresh restarts the window from this bump.
	_, _, remaining, err := l.BumpFixedCounter(ctx, "cooldown", time.Minute, 3, true)
	if err != nil {
		t.Fatalf("bump: %v", err)
	}
	if remaining < 55*time.Second {
		t.Fatalf("remaining = %s, want a freshly armed window", remaining)
	}
}

func TestGetFixedCounterMissingKey(t *testing.T) {
	l, _ := testLimiter(t)

	count, remaining, err := l.GetFixedCounter(context.Background(), "absent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if count != 0 || remaining != 0 {
		t.Fatalf("count=%d remaining=%s, want zeros", count, remaining)
	}
}

func TestConcurrencyLock(t *testing.T) {
	l, _ := testLimiter(t)
	ctx := context.Background()

	acquired, _, err := l.AcquireConcurrencyLock(ctx, "lock", "owner-a", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !acquired {
		t.Fatal("first acquire failed")
	}

	acquired, retryAfter, err := l.AcquireConcurrencyLock(ctx, "lock", "owner-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if acquired {
		t.Fatal("second acquire succeeded while held")
	}
	if retryAfter <= 0 {
		t.Fatalf("retryAfter = %s, want positive hint", retryAfter)
	}

	// Only the owner can release.
	if err := l.ReleaseConcurrencyLock(ctx, "lock", "owner-b"); err != nil {
		t.Fatalf("release: %v", err)
	}
	acquired, _, err = l.AcquireConcurrencyLock(ctx, "lock", "owner-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if acquired {
		t.Fatal("non-owner release freed the lock")
	}

	if err := l.ReleaseConcurrencyLock(ctx, "lock", "owner-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	acquired, _, err = l.AcquireConcurrencyLock(ctx, "lock", "owner-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !acquired {
		t.Fatal("acquire after owner release failed")
	}
}
