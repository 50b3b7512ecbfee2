package algo

import (
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// TWAPOptions tune TWAP slicing.
type TWAPOptions struct {
	// Randomization jitters each slice interval by up to this fraction
	// either way. Zero keeps a fixed cadence; values are clamped to [0,0.9].
	Randomization float64
	// Rand overrides the jitter source.
	Rand *rand.Rand
}

type twap struct {
	randomization float64
	rng           *rand.Rand
}

// NewTWAP builds a time-weighted algorithm: the uncommitted quantity is
// spread evenly over the slices left in the schedule.
func NewTWAP(cfg Config, opts TWAPOptions, router OrderRouter, logger *slog.Logger) (*Algorithm, error) {
	t := &twap{randomization: math.Max(0, math.Min(opts.Randomization, 0.9)), rng: opts.Rand}
	if t.rng == nil {
		t.rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x7477_6170))
	}
	return newAlgorithm(cfg, t, router, logger)
}

func (t *twap) kind() Kind { return KindTWAP }

func (t *twap) sliceQty(a *Algorithm, _ int, uncommitted float64, now time.Time) float64 {
	left := a.cfg.Duration - now.Sub(a.startedAt)
	n := math.Ceil(float64(left) / float64(a.cfg.SliceInterval))
	if n < 1 {
		n = 1
	}
	return uncommitted / n
}

// nextInterval is called with the algorithm lock held, which also guards rng.
func (t *twap) nextInterval(base time.Duration) time.Duration {
	if t.randomization == 0 {
		return base
	}
	f := 1 + t.randomization*(2*t.rng.Float64()-1)
	return time.Duration(float64(base) * f)
}
