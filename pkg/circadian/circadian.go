// Package circadian implements the Circadian Scheduler (spec §4.H): a
// pure, seedable day-plan generator that gives an Agent Orchestrator a
// human-irregular rhythm instead of a fixed-interval loop. Given the same
// seed and clock, BuildDayPlan and GetNextActivity are deterministic,
// which is what makes them testable without wall-clock sleeps.
package circadian

import (
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/corvidlabs/xstream/pkg/log"
	"github.com/corvidlabs/xstream/pkg/types"
)

// Config parameterizes one agent's rhythm (spec §6: timezone, sleep_hours,
// variance_minutes).
type Config struct {
	Timezone *time.Location

	// SleepStartHour/SleepEndHour are local hours [0,24); the window may
	// wrap past midnight (e.g. 23 -> 6).
	SleepStartHour int
	SleepEndHour   int

	// VarianceMinutes is the Gaussian jitter's standard deviation before
	// clamping (spec default ±20 min).
	VarianceMinutes float64
	// JitterClampMinutes hard-bounds the jitter regardless of variance
	// (spec: clamped to ±30 min).
	JitterClampMinutes float64

	// SlotDropProbability independently drops each enumerated slot (spec
	// default 10%).
	SlotDropProbability float64
	// DurationJitterFrac jitters a slot's duration by ± this fraction
	// (spec default 20%).
	DurationJitterFrac float64
	// BingeProbability doubles a slot's duration with this probability
	// (spec default 5%).
	BingeProbability float64

	// WeekendShiftMin/MaxMinutes shifts weekend early-morning slots later
	// by a random amount in this range (spec: 1-3 h).
	WeekendShiftMinMinutes float64
	WeekendShiftMaxMinutes float64

	// GracePeriod is how stale a slot may be and still be returned by
	// GetNextActivity (spec: 15 min).
	GracePeriod time.Duration

	// SleepCap bounds how long a single sleep wait can be reported (spec
	// §4.I step 2: cap e.g. 8h), used only as a ceiling on the returned
	// sleep slot's Duration.
	SleepCap time.Duration
}

// DefaultConfig returns spec §4.H/§6's documented defaults for a
// midnight-to-7am sleep window in UTC.
func DefaultConfig() Config {
	return Config{
		Timezone:               time.UTC,
		SleepStartHour:         0,
		SleepEndHour:           7,
		VarianceMinutes:        20,
		JitterClampMinutes:     30,
		SlotDropProbability:    0.10,
		DurationJitterFrac:     0.20,
		BingeProbability:       0.05,
		WeekendShiftMinMinutes: 60,
		WeekendShiftMaxMinutes: 180,
		GracePeriod:            15 * time.Minute,
		SleepCap:               8 * time.Hour,
	}
}

// archetype is one entry in the built-in hourly template: an activity
// kind, its base selection weight, and its nominal duration before
// jitter.
type archetype struct {
	kind     types.ActivityKind
	weight   float64
	duration time.Duration
}

// catalog is the built-in set of non-sleep archetypes a day-plan draws
// from. Weights are relative, not probabilities; pickWeighted normalizes.
var catalog = []archetype{
	{types.ActivityHomeFeed, 3.0, 8 * time.Minute},
	{types.ActivitySearchEngage, 2.0, 12 * time.Minute},
	{types.ActivityInfluencer, 1.0, 6 * time.Minute},
	{types.ActivityCreateContent, 0.6, 15 * time.Minute},
	{types.ActivityEngageReplies, 1.5, 7 * time.Minute},
	{types.ActivityExplore, 1.2, 10 * time.Minute},
	{types.ActivityOwnProfile, 0.4, 3 * time.Minute},
	{types.ActivitySearchPeople, 0.5, 5 * time.Minute},
}

// intensityCurve weights how active each local hour of the day is,
// scaling both how many slots an hour gets and the Intensity recorded on
// each slot.
var intensityCurve = [24]float64{
	0.05, 0.05, 0.05, 0.05, 0.05, 0.10, // 0-5
	0.35, 0.55, 0.60, 0.70, 0.75, 0.85, // 6-11
	0.90, 0.80, 0.70, 0.65, 0.70, 0.80, // 12-17
	0.95, 1.00, 0.95, 0.85, 0.60, 0.30, // 18-23
}

// Scheduler generates and caches one agent's day-plan, advancing to the
// next local date automatically as time passes.
type Scheduler struct {
	cfg Config
	rng *rand.Rand

	mu       sync.Mutex
	planDate string
	plan     []types.ActivitySlot

	logger zerolog.Logger
}

// New builds a Scheduler seeded deterministically from seed: the same
// seed and the same sequence of GetNextActivity/BuildDayPlan calls always
// produce the same plan.
func New(cfg Config, seed uint64) *Scheduler {
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	return &Scheduler{
		cfg:    cfg,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		logger: log.WithComponent("circadian"),
	}
}

// isSleepHour reports whether hour falls in the configured sleep window,
// honoring a window that wraps past midnight.
func (s *Scheduler) isSleepHour(hour int) bool {
	start, end := s.cfg.SleepStartHour, s.cfg.SleepEndHour
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// InSleepWindow reports whether now falls in the sleep window and, if so,
// how long until the window's end (wake time).
func (s *Scheduler) InSleepWindow(now time.Time) (bool, time.Duration) {
	local := now.In(s.cfg.Timezone)
	if !s.isSleepHour(local.Hour()) {
		return false, 0
	}

	wake := time.Date(local.Year(), local.Month(), local.Day(), s.cfg.SleepEndHour, 0, 0, 0, s.cfg.Timezone)
	if wake.Before(local) {
		wake = wake.AddDate(0, 0, 1)
	}
	d := wake.Sub(local)
	if s.cfg.SleepCap > 0 && d > s.cfg.SleepCap {
		d = s.cfg.SleepCap
	}
	return true, d
}

// pickWeighted selects one archetype from the catalog using the
// Scheduler's own rng, so selection stays reproducible given the seed.
func (s *Scheduler) pickWeighted() archetype {
	total := 0.0
	for _, a := range catalog {
		total += a.weight
	}
	r := s.rng.Float64() * total
	for _, a := range catalog {
		if r < a.weight {
			return a
		}
		r -= a.weight
	}
	return catalog[len(catalog)-1]
}

// clampedGaussianMinutes samples Gaussian jitter in minutes, clamped to
// ±JitterClampMinutes.
func (s *Scheduler) clampedGaussianMinutes() float64 {
	m := s.rng.NormFloat64() * s.cfg.VarianceMinutes
	clamp := s.cfg.JitterClampMinutes
	if m > clamp {
		m = clamp
	}
	if m < -clamp {
		m = -clamp
	}
	return m
}

func slotCountForIntensity(intensity float64) int {
	n := 1 + int(intensity*2)
	if n > 3 {
		n = 3
	}
	if n < 1 {
		n = 1
	}
	return n
}

// BuildDayPlan constructs and caches the day-plan for date's local
// calendar day, replacing any previously cached plan for a different
// date. It is exported mainly for deterministic tests; GetNextActivity
// calls it automatically as needed.
func (s *Scheduler) BuildDayPlan(date time.Time) []types.ActivitySlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildDayPlanLocked(date)
}

func (s *Scheduler) buildDayPlanLocked(date time.Time) []types.ActivitySlot {
	local := date.In(s.cfg.Timezone)
	key := local.Format("2006-01-02")
	if s.planDate == key {
		return s.plan
	}

	weekend := local.Weekday() == time.Saturday || local.Weekday() == time.Sunday
	var slots []types.ActivitySlot

	for hour := 0; hour < 24; hour++ {
		if s.isSleepHour(hour) {
			continue
		}
		intensity := intensityCurve[hour]
		n := slotCountForIntensity(intensity)

		for i := 0; i < n; i++ {
			if s.rng.Float64() < s.cfg.SlotDropProbability {
				continue
			}

			tmpl := s.pickWeighted()
			minuteWithinHour := s.rng.Float64() * 60

			scheduledFor := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, s.cfg.Timezone)
			scheduledFor = scheduledFor.Add(time.Duration(minuteWithinHour * float64(time.Minute)))
			scheduledFor = scheduledFor.Add(time.Duration(s.clampedGaussianMinutes() * float64(time.Minute)))

			if weekend && hour < 9 {
				shift := s.cfg.WeekendShiftMinMinutes + s.rng.Float64()*(s.cfg.WeekendShiftMaxMinutes-s.cfg.WeekendShiftMinMinutes)
				scheduledFor = scheduledFor.Add(time.Duration(shift * float64(time.Minute)))
			}

			durFrac := 1 + (s.rng.Float64()*2-1)*s.cfg.DurationJitterFrac
			duration := time.Duration(float64(tmpl.duration) * durFrac)
			if s.rng.Float64() < s.cfg.BingeProbability {
				duration *= 2
			}

			slots = append(slots, types.ActivitySlot{
				Kind:         tmpl.kind,
				ScheduledFor: scheduledFor,
				Duration:     duration,
				Intensity:    intensity,
			})
		}
	}

	sort.Slice(slots, func(i, j int) bool { return slots[i].ScheduledFor.Before(slots[j].ScheduledFor) })

	s.planDate = key
	s.plan = slots
	return slots
}

// fallbackSlot is returned when a day-plan has no remaining future slots:
// a light home-feed check scheduled a few minutes out.
func (s *Scheduler) fallbackSlot(now time.Time) types.ActivitySlot {
	return types.ActivitySlot{
		Kind:         types.ActivityHomeFeed,
		ScheduledFor: now.Add(5 * time.Minute),
		Duration:     3 * time.Minute,
		Intensity:    0.2,
	}
}

// GetNextActivity returns the next activity an agent should perform,
// given the current time: a sleep slot while in the sleep window,
// otherwise the nearest non-stale slot from the day-plan, or a light
// fallback if the plan is exhausted (spec §4.H).
func (s *Scheduler) GetNextActivity(now time.Time) types.ActivitySlot {
	if asleep, wait := s.InSleepWindow(now); asleep {
		return types.ActivitySlot{
			Kind:         types.ActivitySleep,
			ScheduledFor: now,
			Duration:     wait,
			Intensity:    0,
		}
	}

	s.mu.Lock()
	plan := s.buildDayPlanLocked(now)
	s.mu.Unlock()

	cutoff := now.Add(-s.cfg.GracePeriod)
	for _, slot := range plan {
		if slot.ScheduledFor.Before(cutoff) {
			continue
		}
		return slot
	}

	return s.fallbackSlot(now)
}
