// Package pacing turns a named pacing profile into concrete dispatch timestamps.
//
// Profiles are a fixed lookup table; they are not persisted and cannot be edited at runtime.
// Unknown profile names always resolve to the most conservative profile.
package pacing

import "strings"

// Profile names a bundle of scheduling limits. The names are stable vocabulary read by
// the UI and reporting; do not rename without a migration.
type Profile string

const (
	ProfileSafe       Profile = "safe"
	ProfileBalanced   Profile = "balanced"
	ProfileAggressive Profile = "aggressive"
)

// Policy holds the numeric scheduling parameters of a profile.
// All second-valued bounds are inclusive.
type Policy struct {
	Profile           Profile `json:"profile"`
	PerSendMinSeconds int     `json:"per_send_min_seconds"`
	PerSendMaxSeconds int     `json:"per_send_max_seconds"`
	PauseEveryN       int     `json:"pause_every_n"`
	PauseMinSeconds   int     `json:"pause_min_seconds"`
	PauseMaxSeconds   int     `json:"pause_max_seconds"`
	MaxTargetsPerRun  int     `json:"max_targets_per_run"`
}

var policies = map[Profile]Policy{
	ProfileSafe: {
		Profile:           ProfileSafe,
		PerSendMinSeconds: 90,
		PerSendMaxSeconds: 180,
		PauseEveryN:       10,
		PauseMinSeconds:   600,
		PauseMaxSeconds:   1200,
		MaxTargetsPerRun:  30,
	},
	ProfileBalanced: {
		Profile:           ProfileBalanced,
		PerSendMinSeconds: 60,
		PerSendMaxSeconds: 120,
		PauseEveryN:       15,
		PauseMinSeconds:   300,
		PauseMaxSeconds:   900,
		MaxTargetsPerRun:  100,
	},
	ProfileAggressive: {
		Profile:           ProfileAggressive,
		PerSendMinSeconds: 30,
		PerSendMaxSeconds: 75,
		PauseEveryN:       25,
		PauseMinSeconds:   180,
		PauseMaxSeconds:   480,
		MaxTargetsPerRun:  300,
	},
}

// ParseProfile normalizes s. ok is false when s is not a known profile; the returned
// profile is then ProfileSafe.
func ParseProfile(s string) (Profile, bool) {
	p := Profile(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := policies[p]; ok {
		return p, true
	}
	return ProfileSafe, false
}

// Resolve returns the policy for profile. It never fails: unknown input gets the
// safe policy so a malformed request cannot bypass pacing.
func Resolve(profile Profile) Policy {
	p, _ := ParseProfile(string(profile))
	return policies[p]
}

// Profiles lists the known profiles, most conservative first.
func Profiles() []Profile {
	return []Profile{ProfileSafe, ProfileBalanced, ProfileAggressive}
}
