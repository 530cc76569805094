package pacing

import (
	"math/rand"
	"sync"
	"time"
)

// Rand is the random source used by BuildSchedule. *rand.Rand satisfies it.
type Rand interface {
	Intn(n int) int
}

// LockedRand is a Rand safe for concurrent use.
type LockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewLockedRand returns a time-seeded source for production use.
func NewLockedRand() *LockedRand {
	return &LockedRand{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (r *LockedRand) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Intn(n)
}

// BuildSchedule returns count strictly increasing dispatch timestamps starting after now.
//
// Each item adds a jittered spacing in [PerSendMinSeconds, PerSendMaxSeconds] to a running
// offset. After every PauseEveryN-th item (except the last) a long pause in
// [PauseMinSeconds, PauseMaxSeconds] is added on top. Targets are never reordered.
func BuildSchedule(count int, policy Policy, now time.Time, rng Rand) []time.Time {
	if count <= 0 {
		return []time.Time{}
	}
	out := make([]time.Time, count)
	offset := 0
	for i := 1; i <= count; i++ {
		offset += between(rng, max(policy.PerSendMinSeconds, 1), policy.PerSendMaxSeconds)
		if policy.PauseEveryN > 0 && i%policy.PauseEveryN == 0 && i != count {
			offset += between(rng, max(policy.PauseMinSeconds, 0), policy.PauseMaxSeconds)
		}
		out[i-1] = now.Add(time.Duration(offset) * time.Second)
	}
	return out
}

// between draws a uniform integer in [lo, hi]. Spacing is clamped to at least one
// second by the caller so the schedule stays strictly increasing.
func between(rng Rand, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	return lo + rng.Intn(hi-lo+1)
}
