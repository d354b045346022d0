package main

import (
	"math"
	"math/rand/v2"
	"sort"

	"bounceguard/internal/trace"
)

// Profile describes a typist and the state of their keyboard.
type Profile struct {
	Name        string
	Description string

	MedianIntervalMs float64 // press to next press
	IntervalStdDevMs float64
	HoldMs           float64 // press to release
	HoldJitterMs     float64

	// WornKeys keys bounce with BounceProbability on each press.
	WornKeys          int
	BounceProbability float64

	// HoldProbability is the chance a press is held long enough for the
	// OS to start auto-repeating.
	HoldProbability float64

	PauseProbability float64
	PauseMaxMs       float64
}

var profiles = map[string]Profile{
	"steady": {
		Name:             "Steady Typist",
		Description:      "Healthy keyboard, no chatter",
		MedianIntervalMs: 180,
		IntervalStdDevMs: 70,
		HoldMs:           95,
		HoldJitterMs:     30,
		HoldProbability:  0.01,
		PauseProbability: 0.03,
		PauseMaxMs:       3000,
	},
	"worn-switch": {
		Name:              "Worn Switch",
		Description:       "Three keys bounce on a quarter of their presses",
		MedianIntervalMs:  180,
		IntervalStdDevMs:  70,
		HoldMs:            95,
		HoldJitterMs:      30,
		WornKeys:          3,
		BounceProbability: 0.25,
		HoldProbability:   0.01,
		PauseProbability:  0.03,
		PauseMaxMs:        3000,
	},
	"fast-typist": {
		Name:              "Fast Typist",
		Description:       "Quick rollover typing, one slightly worn key",
		MedianIntervalMs:  110,
		IntervalStdDevMs:  40,
		HoldMs:            75,
		HoldJitterMs:      20,
		WornKeys:          1,
		BounceProbability: 0.1,
		PauseProbability:  0.02,
		PauseMaxMs:        1500,
	},
	"gamer": {
		Name:              "Gamer",
		Description:       "Long holds with auto-repeat and two worn keys",
		MedianIntervalMs:  250,
		IntervalStdDevMs:  150,
		HoldMs:            120,
		HoldJitterMs:      40,
		WornKeys:          2,
		BounceProbability: 0.1,
		HoldProbability:   0.15,
		PauseProbability:  0.05,
		PauseMaxMs:        2000,
	},
}

// Letter key codes in keyboard order.
var layouts = map[string][]uint32{
	"windows": {
		'Q', 'W', 'E', 'R', 'T', 'Y', 'U', 'I', 'O', 'P',
		'A', 'S', 'D', 'F', 'G', 'H', 'J', 'K', 'L',
		'Z', 'X', 'C', 'V', 'B', 'N', 'M',
	},
	"evdev": {
		16, 17, 18, 19, 20, 21, 22, 23, 24, 25,
		30, 31, 32, 33, 34, 35, 36, 37, 38,
		44, 45, 46, 47, 48, 49, 50,
	},
}

// Timing constants. The expectations written by generate hold for the
// default filter settings (50ms chatter threshold, repeat accommodation
// on, release checks off).
const (
	startMs         = 1000
	minIntervalMs   = 30  // between any two presses
	minSameKeyMs    = 80  // between two genuine presses of the same key
	maxBounceMs     = 40  // a bounce completes within this after the press
	repeatDelayMs   = 500 // OS auto-repeat delay
	repeatRateMs    = 33
	minLongHoldMs   = 600
	maxLongHoldMs   = 1500
	minReleaseGapMs = 10
)

// Summary counts what generate produced.
type Summary struct {
	Presses  int
	Bounces  int
	Repeats  int
	Events   int
	SpanMs   int64
	WornKeys []uint32
}

// generate produces count key presses. Bounce presses carry
// expect=suppress and everything else expect=deliver when expect is set.
func generate(rng *rand.Rand, p Profile, keys []uint32, count int, expect bool) ([]trace.Record, Summary) {
	var sum Summary

	worn := make(map[uint32]bool, p.WornKeys)
	for _, i := range rng.Perm(len(keys))[:min(p.WornKeys, len(keys))] {
		worn[keys[i]] = true
		sum.WornKeys = append(sum.WornKeys, keys[i])
	}
	sort.Slice(sum.WornKeys, func(i, j int) bool { return sum.WornKeys[i] < sum.WornKeys[j] })

	var (
		records   []trace.Record
		now       int64 = startMs
		lastDown  int64
		lastKey   uint32
		haveLast  bool
		releaseAt = make(map[uint32]int64)
	)

	emit := func(t int64, key uint32, dir, want string) {
		rec := trace.Record{Time: t, Key: key, Dir: dir}
		if expect {
			rec.Expect = want
		}
		records = append(records, rec)
	}

	for i := 0; i < count; i++ {
		key := keys[rng.IntN(len(keys))]

		// Place the press.
		if haveLast {
			interval := logNormalSample(rng, p.MedianIntervalMs, p.IntervalStdDevMs)
			if rng.Float64() < p.PauseProbability {
				interval += rng.Float64() * p.PauseMaxMs
			}
			now += int64(interval)
			now = max(now, lastDown+minIntervalMs)
			if key == lastKey {
				now = max(now, lastDown+minSameKeyMs)
			}
		}
		if r, ok := releaseAt[key]; ok {
			now = max(now, r+minReleaseGapMs)
		}
		press := now

		hold := int64(p.HoldMs + p.HoldJitterMs*(2*rng.Float64()-1))
		long := rng.Float64() < p.HoldProbability
		if long {
			hold = minLongHoldMs + rng.Int64N(maxLongHoldMs-minLongHoldMs)
		}

		emit(press, key, trace.Down, "deliver")
		sum.Presses++
		lastDown, lastKey, haveLast = press, key, true

		switch {
		case long:
			for t := press + repeatDelayMs; t < press+hold; t += repeatRateMs {
				emit(t, key, trace.Down, "deliver")
				sum.Repeats++
				lastDown = t
			}
		case worn[key] && rng.Float64() < p.BounceProbability:
			// The contact opens and closes again before settling.
			up := press + 1 + rng.Int64N(maxBounceMs/2)
			down := up + 1 + rng.Int64N(maxBounceMs/2)
			emit(up, key, trace.Up, "deliver")
			emit(down, key, trace.Down, "suppress")
			sum.Bounces++
			lastDown = down
			hold = max(hold, down-press+minReleaseGapMs)
			// The next press must not land inside the bounce.
			now = down
		}

		hold = max(hold, 20)
		emit(press+hold, key, trace.Up, "deliver")
		releaseAt[key] = press + hold

		if long {
			// Nothing else is typed while a key auto-repeats.
			now = press + hold
		}
	}

	sort.SliceStable(records, func(i, j int) bool { return records[i].Time < records[j].Time })
	sum.Events = len(records)
	if len(records) > 0 {
		sum.SpanMs = records[len(records)-1].Time - records[0].Time
	}
	return records, sum
}

// logNormalSample draws from a log-normal distribution with the given
// median and approximate standard deviation.
func logNormalSample(rng *rand.Rand, median, stdDev float64) float64 {
	mu := math.Log(median)
	sigma := math.Log(1 + stdDev/median)
	if sigma < 0.1 {
		sigma = 0.1
	}
	return math.Exp(mu + sigma*rng.NormFloat64())
}
