package pacing

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveKnownProfiles(t *testing.T) {
	t.Parallel()
	tests := []struct {
		profile Profile
		cap     int
		minGap  int
	}{
		{profile: ProfileSafe, cap: 30, minGap: 90},
		{profile: ProfileBalanced, cap: 100, minGap: 60},
		{profile: ProfileAggressive, cap: 300, minGap: 30},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.profile), func(t *testing.T) {
			t.Parallel()
			p := Resolve(tt.profile)
			assert.Equal(t, tt.profile, p.Profile)
			assert.Equal(t, tt.cap, p.MaxTargetsPerRun)
			assert.Equal(t, tt.minGap, p.PerSendMinSeconds)
			assert.LessOrEqual(t, p.PerSendMinSeconds, p.PerSendMaxSeconds)
			assert.LessOrEqual(t, p.PauseMinSeconds, p.PauseMaxSeconds)
		})
	}
}

func TestResolveUnknownFallsBackToSafe(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "turbo", "SAFE ", "unsafe"} {
		assert.Equal(t, ProfileSafe, Resolve(Profile(raw)).Profile, raw)
	}
	p, ok := ParseProfile(" Balanced")
	assert.True(t, ok)
	assert.Equal(t, ProfileBalanced, p)
	_, ok = ParseProfile("turbo")
	assert.False(t, ok)
}

func TestBuildScheduleEmpty(t *testing.T) {
	t.Parallel()
	got := BuildSchedule(0, Resolve(ProfileSafe), time.Now(), rand.New(rand.NewSource(1)))
	assert.Empty(t, got)
}

func TestBuildScheduleMonotonicAndBounded(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, profile := range Profiles() {
		policy := Resolve(profile)
		for seed := int64(1); seed <= 20; seed++ {
			for _, count := range []int{1, 2, policy.PauseEveryN, policy.PauseEveryN + 1, 3 * policy.PauseEveryN} {
				got := BuildSchedule(count, policy, now, rand.New(rand.NewSource(seed)))
				require.Len(t, got, count)

				prev := now
				for i, ts := range got {
					gap := ts.Sub(prev)
					require.True(t, ts.After(prev), "profile=%s seed=%d i=%d", profile, seed, i)
					require.GreaterOrEqual(t, gap, time.Duration(policy.PerSendMinSeconds)*time.Second)
					require.LessOrEqual(t, gap, time.Duration(policy.PerSendMaxSeconds+policy.PauseMaxSeconds)*time.Second)
					prev = ts
				}
			}
		}
	}
}

func TestBuildSchedulePauseInjection(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	policy := Resolve(ProfileBalanced)
	count := policy.PauseEveryN * 2

	got := BuildSchedule(count, policy, now, rand.New(rand.NewSource(7)))
	require.Len(t, got, count)

	longGaps := 0
	prev := now
	for _, ts := range got {
		gap := ts.Sub(prev)
		if gap > time.Duration(policy.PerSendMaxSeconds)*time.Second {
			assert.GreaterOrEqual(t, gap, time.Duration(policy.PerSendMinSeconds+policy.PauseMinSeconds)*time.Second)
			longGaps++
		}
		prev = ts
	}
	// The pause after the last item is suppressed, so only item N gets one.
	assert.Equal(t, 1, longGaps)
}

func TestBuildScheduleDeterministicWithSeed(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	policy := Resolve(ProfileAggressive)
	a := BuildSchedule(40, policy, now, rand.New(rand.NewSource(42)))
	b := BuildSchedule(40, policy, now, rand.New(rand.NewSource(42)))
	assert.Equal(t, a, b)
}

type fixedRand int

func (f fixedRand) Intn(n int) int { return int(f) % n }

func TestBuildScheduleFixedSource(t *testing.T) {
	t.Parallel()
	now := time.Unix(0, 0)
	policy := Policy{PerSendMinSeconds: 10, PerSendMaxSeconds: 10, PauseEveryN: 2, PauseMinSeconds: 100, PauseMaxSeconds: 100}
	got := BuildSchedule(3, policy, now, fixedRand(0))
	want := []time.Time{now.Add(10 * time.Second), now.Add(120 * time.Second), now.Add(130 * time.Second)}
	assert.Equal(t, want, got)
}

func TestLockedRandRange(t *testing.T) {
	t.Parallel()
	r := NewLockedRand()
	for i := 0; i < 100; i++ {
		v := r.Intn(5)
		assert.GreaterOrEqual(t, v, 0)
		assert.Less(t, v, 5)
	}
}
