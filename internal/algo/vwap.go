package algo

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// VWAPOptions carry the intraday volume profile.
type VWAPOptions struct {
	// Profile holds relative volume weights spread evenly over the schedule.
	// It is normalised to sum to one and resampled to the slice count; an
	// empty profile is uniform.
	Profile []float64
}

type vwap struct {
	// cum[i] is the share of the target due by the end of slice i.
	cum []float64
}

// NewVWAP builds a volume-weighted algorithm. By the end of slice i the
// children cover TargetQty times the profile weight up to i; the final slice
// sweeps whatever is left.
func NewVWAP(cfg Config, opts VWAPOptions, router OrderRouter, logger *slog.Logger) (*Algorithm, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	profile, err := normaliseProfile(opts.Profile, cfg.SliceCount())
	if err != nil {
		return nil, err
	}
	cum := make([]float64, len(profile))
	var run float64
	for i, w := range profile {
		run += w
		cum[i] = run
	}
	return newAlgorithm(cfg, &vwap{cum: cum}, router, logger)
}

// normaliseProfile scales in to sum to one and resamples it to n slices.
func normaliseProfile(in []float64, n int) ([]float64, error) {
	if len(in) == 0 {
		out := make([]float64, n)
		for i := range out {
			out[i] = 1 / float64(n)
		}
		return out, nil
	}
	var sum float64
	for i, w := range in {
		if w < 0 {
			return nil, fmt.Errorf("algo: vwap profile weight %d is negative", i)
		}
		sum += w
	}
	if sum == 0 {
		return nil, errors.New("algo: vwap profile sums to zero")
	}
	norm := make([]float64, len(in))
	for i, w := range in {
		norm[i] = w / sum
	}
	return resample(norm, n), nil
}

// resample treats p as a step density over the schedule and integrates it
// over n equal slices. The total weight is preserved.
func resample(p []float64, n int) []float64 {
	if len(p) == n {
		return p
	}
	m := float64(len(p))
	out := make([]float64, n)
	for i := range out {
		lo := float64(i) * m / float64(n)
		hi := float64(i+1) * m / float64(n)
		for j := int(lo); j < len(p) && float64(j) < hi; j++ {
			if overlap := min(hi, float64(j+1)) - max(lo, float64(j)); overlap > 0 {
				out[i] += p[j] * overlap
			}
		}
	}
	return out
}

func (v *vwap) kind() Kind { return KindVWAP }

// sliceQty tops the committed quantity up to the schedule for the slice the
// clock is in, so skipped or rejected slices are caught up later.
func (v *vwap) sliceQty(a *Algorithm, _ int, uncommitted float64, now time.Time) float64 {
	idx := max(int(now.Sub(a.startedAt)/a.cfg.SliceInterval), 0)
	if idx >= len(v.cum)-1 {
		return uncommitted
	}
	committed := a.cfg.TargetQty - uncommitted
	return max(a.cfg.TargetQty*v.cum[idx]-committed, 0)
}

func (v *vwap) nextInterval(base time.Duration) time.Duration { return base }
