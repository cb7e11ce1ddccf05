package limiters

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/oseh/siwo/internal/rate"
)

func testRedis(t *testing.T) (redis.UniversalClient, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func testCheckLimiter(t *testing.T) (*CheckLimiter, *miniredis.Miniredis) {
	t.Helper()
	client, mr := testRedis(t)
	return NewCheckLimiter(client, rate.New(client), CheckConfig{
		GlobalWindow:     time.Minute,
		GlobalMax:        5,
		EmailWindow:      time.Hour,
		EmailMax:         3,
		VisitorWindow:    24 * time.Hour,
		VisitorMaxEmails: 4,
		EmailFlagTTL:     24 * time.Hour,
		GlobalFlagTTL:    30 * time.Minute,
		AccountsWindow:   24 * time.Hour,
		AssociationTTL:   time.Hour,
		RecentUpdateTTL:  time.Hour,
	}, ""), mr
}

func TestCheckFlags(t *testing.T) {
	l, mr := testCheckLimiter(t)
	ctx := context.Background()

	active, err := l.GlobalChallengeActive(ctx)
	if err != nil {
		t.Fatalf("global active: %v", err)
	}
	if active {
		t.Fatal("global flag active before being raised")
	}

	if err := l.FlagGlobal(ctx); err != nil {
		t.Fatalf("flag global: %v", err)
	}
	if err := l.FlagEmail(ctx, "user@example.com"); err != nil {
		t.Fatalf("flag email: %v", err)
	}

	active, _ = l.GlobalChallengeActive(ctx)
	if !active {
		t.Error("global flag not active")
	}
	active, _ = l.EmailChallengeActive(ctx, "user@example.com")
	if !active {
		t.Error("email flag not active")
	}
	active, _ = l.EmailChallengeActive(ctx, "other@example.com")
	if active {
		t.Error("email flag leaked to another email")
	}

	// Flags lapse with their TTLs.
	mr.FastForward(25 * time.Hour)
	active, _ = l.GlobalChallengeActive(ctx)
	if active {
		t.Error("global flag survived its TTL")
	}
	active, _ = l.EmailChallengeActive(ctx, "user@example.com")
	if active {
		t.Error("email flag survived its TTL")
	}
}

func TestCheckEmailWindow(t *testing.T) {
	l, _ := testCheckLimiter(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		tripped, err := l.BumpEmail(ctx, "user@example.com", now, fmt.Sprintf("m%d", i))
		if err != nil {
			t.Fatalf("bump %d: %v", i, err)
		}
		if tripped {
			t.Fatalf("bump %d tripped early", i)
		}
	}

	tripped, err := l.BumpEmail(ctx, "user@example.com", now, "m3")
	if err != nil {
		t.Fatalf("bump: %v", err)
	}
	if !tripped {
		t.Fatal("fourth check within the hour did not trip")
	}
}

func TestCheckVisitorDistinctEmails(t *testing.T) {
	l, _ := testCheckLimiter(t)
	ctx := context.Background()
	now := time.Now()

	// Re-checking the same email never widens the footprint.
	for i := 0; i < 10; i++ {
		tripped, err := l.BumpVisitorEmails(ctx, "visitor-1", "same@example.com", now)
		if err != nil {
			t.Fatalf("bump: %v", err)
		}
		if tripped {
			t.Fatal("repeated same-email checks tripped the distinct window")
		}
	}

	for i := 0; i < 3; i++ {
		if _, err := l.BumpVisitorEmails(ctx, "visitor-1", fmt.Sprintf("u%d@example.com", i), now); err != nil {
			t.Fatalf("bump: %v", err)
		}
	}
	tripped, err := l.BumpVisitorEmails(ctx, "visitor-1", "u3@example.com", now)
	if err != nil {
		t.Fatalf("bump: %v", err)
	}
	if !tripped {
		t.Fatal("fifth distinct email did not trip")
	}
}

func TestCheckAccountsCreated(t *testing.T) {
	l, _ := testCheckLimiter(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		if err := l.RecordAccountCreated(ctx, "visitor-1", fmt.Sprintf("identity-%d", i), now); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	count, err := l.AccountsCreated(ctx, "visitor-1", now)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}

	count, err = l.AccountsCreated(ctx, "visitor-2", now)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("other visitor count = %d, want 0", count)
	}
}

func TestCheckAssociation(t *testing.T) {
	l, _ := testCheckLimiter(t)
	ctx := context.Background()

	ok, err := l.Associated(ctx, "visitor-1", "identity-1")
	if err != nil {
		t.Fatalf("associated: %v", err)
	}
	if ok {
		t.Fatal("association exists before Associate")
	}

	if err := l.Associate(ctx, "visitor-1", "identity-1"); err != nil {
		t.Fatalf("associate: %v", err)
	}

	ok, _ = l.Associated(ctx, "visitor-1", "identity-1")
	if !ok {
		t.Error("association not recorded")
	}
	ok, _ = l.Associated(ctx, "visitor-1", "identity-2")
	if ok {
		t.Error("association leaked to another identity")
	}
}

func TestCheckPasswordUpdatedMarker(t *testing.T) {
	l, _ := testCheckLimiter(t)
	ctx := context.Background()

	if err := l.MarkPasswordUpdated(ctx, "identity-1"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	ok, err := l.RecentlyUpdatedPassword(ctx, "identity-1")
	if err != nil {
		t.Fatalf("recently updated: %v", err)
	}
	if !ok {
		t.Error("marker not live")
	}
}

func testLoginLimiter(t *testing.T) (*LoginLimiter, *miniredis.Miniredis) {
	t.Helper()
	client, mr := testRedis(t)
	return NewLoginLimiter(client, rate.New(client), LoginConfig{
		MaxAttempts: 3,
		Cooldown:    time.Minute,
		LockTTL:     10 * time.Second,
		DedupeTTL:   time.Minute,
	}, ""), mr
}

func TestLoginCooldownAfterDistinctFailures(t *testing.T) {
	l, mr := testLoginLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.RecordFailure(ctx, "jti-1", fmt.Sprintf("guess-%d", i)); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	cooling, remaining, err := l.InCooldown(ctx, "jti-1")
	if err != nil {
		t.Fatalf("cooldown: %v", err)
	}
	if !cooling {
		t.Fatal("not cooling after three distinct failures")
	}
	if remaining <= 0 || remaining > time.Minute {
		t.Fatalf("remaining = %s, want within (0, 1m]", remaining)
	}

	mr.FastForward(2 * time.Minute)
	cooling, _, err = l.InCooldown(ctx, "jti-1")
	if err != nil {
		t.Fatalf("cooldown: %v", err)
	}
	if cooling {
		t.Fatal("still cooling after the window lapsed")
	}
}

func TestLoginIdenticalGuessesDeduplicated(t *testing.T) {
	l, _ := testLoginLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := l.RecordFailure(ctx, "jti-1", "same guess"); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	cooling, _, err := l.InCooldown(ctx, "jti-1")
	if err != nil {
		t.Fatalf("cooldown: %v", err)
	}
	if cooling {
		t.Fatal("repeating one guess exhausted the attempt budget")
	}
}

func TestLoginLock(t *testing.T) {
	l, _ := testLoginLimiter(t)
	ctx := context.Background()

	acquired, _, err := l.AcquireLock(ctx, "jti-1", "owner-a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !acquired {
		t.Fatal("first acquire failed")
	}

	acquired, retryAfter, err := l.AcquireLock(ctx, "jti-1", "owner-b")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if acquired {
		t.Fatal("lock acquired twice")
	}
	if retryAfter <= 0 {
		t.Fatal("no retry-after hint while held")
	}

	if err := l.ReleaseLock(ctx, "jti-1", "owner-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	acquired, _, _ = l.AcquireLock(ctx, "jti-1", "owner-b")
	if !acquired {
		t.Fatal("acquire after release failed")
	}
}

func testResetLimiter(t *testing.T) *ResetLimiter {
	t.Helper()
	client, _ := testRedis(t)
	return NewResetLimiter(rate.New(client), ResetConfig{
		IdentityPerDay:    3,
		IdentityPerHour:   2,
		IdentityPerMinute: 1,
		GlobalPerHour:     100,
		GlobalPerMinute:   10,
		UpdatePerMinute:   2,
	}, "")
}

func TestResetTiers(t *testing.T) {
	l := testResetLimiter(t)
	ctx := context.Background()

	suppressed, err := l.BumpRequest(ctx, "identity-1")
	if err != nil {
		t.Fatalf("bump: %v", err)
	}
	if suppressed != "" {
		t.Fatalf("first request suppressed: %s", suppressed)
	}

	// The per-minute tier is the tightest, but the reported reason follows
	// the fixed day-before-hour-before-minute order once a wider tier is
	// also exhausted.
	suppressed, err = l.BumpRequest(ctx, "identity-1")
	if err != nil {
		t.Fatalf("bump: %v", err)
	}
	if suppressed != SuppressIdentityMin {
		t.Fatalf("suppressed = %q, want %q", suppressed, SuppressIdentityMin)
	}

	suppressed, err = l.BumpRequest(ctx, "identity-1")
	if err != nil {
		t.Fatalf("bump: %v", err)
	}
	if suppressed != SuppressIdentityHour {
		t.Fatalf("suppressed = %q, want %q", suppressed, SuppressIdentityHour)
	}

	suppressed, err = l.BumpRequest(ctx, "identity-1")
	if err != nil {
		t.Fatalf("bump: %v", err)
	}
	if suppressed != SuppressIdentityDay {
		t.Fatalf("suppressed = %q, want %q", suppressed, SuppressIdentityDay)
	}

	// Another identity is unaffected.
	suppressed, err = l.BumpRequest(ctx, "identity-2")
	if err != nil {
		t.Fatalf("bump: %v", err)
	}
	if suppressed != "" {
		t.Fatalf("other identity suppressed: %s", suppressed)
	}
}

func TestUpdateBudget(t *testing.T) {
	l := testResetLimiter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		limited, _, err := l.BumpUpdate(ctx)
		if err != nil {
			t.Fatalf("bump: %v", err)
		}
		if limited {
			t.Fatalf("bump %d limited early", i)
		}
	}

	limited, remaining, err := l.BumpUpdate(ctx)
	if err != nil {
		t.Fatalf("bump: %v", err)
	}
	if !limited {
		t.Fatal("third update not limited")
	}
	if remaining <= 0 {
		t.Fatal("no retry hint")
	}
}
