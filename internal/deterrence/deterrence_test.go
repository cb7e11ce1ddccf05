package deterrence

import (
	"math/rand"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		SlowdownMean:    2 * time.Second,
		ModerateMean:    10 * time.Second,
		AggressiveMean:  30 * time.Second,
		ModerateDecoy:   0.05,
		AggressiveDecoy: 0.33,
	}
}

func TestLevelFor(t *testing.T) {
	cases := []struct {
		reason string
		want   Level
	}{
		{"visitor", LevelAggressive},
		{"visitor_ratelimit", LevelAggressive},
		{"global", LevelModerate},
		{"ratelimit", LevelSlowdown},
		{"email_ratelimit", LevelSlowdown},
		{"email", LevelSlowdown},
		{"disposable", LevelSlowdown},
		{"strange", LevelNone},
		{"", LevelNone},
	}

	for _, tc := range cases {
		if got := LevelFor(tc.reason); got != tc.want {
			t.Errorf("LevelFor(%q) = %s, want %s", tc.reason, got, tc.want)
		}
	}
}

func TestDrawNoneIsImmediate(t *testing.T) {
	s := New(testConfig(), rand.NewSource(1))

	for i := 0; i < 100; i++ {
		delay, decoy := s.Draw("strange")
		if delay != 0 || decoy {
			t.Fatalf("draw %d: delay=%s decoy=%v, want no deterrence", i, delay, decoy)
		}
	}
}

func TestDrawSlowdownNeverDecoys(t *testing.T) {
	s := New(testConfig(), rand.NewSource(1))

	for i := 0; i < 1000; i++ {
		_, decoy := s.Draw("email_ratelimit")
		if decoy {
			t.Fatal("slowdown level produced a decoy")
		}
	}
}

func TestDrawDecoyRates(t *testing.T) {
	cases := []struct {
		reason  string
		rate    float64
		samples int
	}{
		{"global", 0.05, 10000},
		{"visitor", 0.33, 10000},
	}

	for _, tc := range cases {
		t.Run(tc.reason, func(t *testing.T) {
			s := New(testConfig(), rand.NewSource(42))

			decoys := 0
			for i := 0; i < tc.samples; i++ {
				if _, decoy := s.Draw(tc.reason); decoy {
					decoys++
				}
			}

			got := float64(decoys) / float64(tc.samples)
			if got < tc.rate*0.7 || got > tc.rate*1.3 {
				t.Errorf("decoy rate = %.3f, want about %.2f", got, tc.rate)
			}
		})
	}
}

func TestDrawDelayScalesWithLevel(t *testing.T) {
	s := New(testConfig(), rand.NewSource(7))

	mean := func(reason string) time.Duration {
		var total time.Duration
		const samples = 5000
		for i := 0; i < samples; i++ {
			delay, _ := s.Draw(reason)
			total += delay
		}
		return total / samples
	}

	slowdown := mean("ratelimit")
	aggressive := mean("visitor")

	if slowdown <= 0 {
		t.Fatal("slowdown delays are zero")
	}
	if aggressive < 5*slowdown {
		t.Errorf("aggressive mean %s not clearly above slowdown mean %s", aggressive, slowdown)
	}
}

func TestDrawDeterministicWithSeed(t *testing.T) {
	a := New(testConfig(), rand.NewSource(99))
	b := New(testConfig(), rand.NewSource(99))

	for i := 0; i < 50; i++ {
		delayA, decoyA := a.Draw("visitor")
		delayB, decoyB := b.Draw("visitor")
		if delayA != delayB || decoyA != decoyB {
			t.Fatalf("draw %d diverged: (%s,%v) vs (%s,%v)", i, delayA, decoyA, delayB, decoyB)
		}
	}
}
