// Package analyze computes summary statistics over a stored simulation:
// path length distributions, per-mover sample counts, and per-ensemble
// activity. It only needs read access and never touches coordinates, so
// it stays cheap even on large files.
package analyze

import (
	"fmt"
	"math"
	"sort"

	"github.com/opentis/pathstore/internal/paths"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary describes one scalar distribution.
type Summary struct {
	N    int
	Mean float64
	Std  float64
	Min  float64
	Max  float64
}

// Summarize computes the summary of xs. An empty slice yields a zero
// summary.
func Summarize(xs []float64) Summary {
	if len(xs) == 0 {
		return Summary{}
	}
	return Summary{
		N:    len(xs),
		Mean: stat.Mean(xs, nil),
		Std:  stat.StdDev(xs, nil),
		Min:  floats.Min(xs),
		Max:  floats.Max(xs),
	}
}

// PathLengths returns the snapshot count of every stored trajectory, in
// index order.
func PathLengths(s *paths.Stores) []float64 {
	var out []float64
	for _, obj := range s.Trajectories.All() {
		out = append(out, float64(obj.(*paths.Trajectory).Len()))
	}
	return out
}

// Histogram bins xs into nbins equal-width bins across its span and
// returns the bin dividers (nbins+1 values) and counts.
func Histogram(xs []float64, nbins int) (dividers, counts []float64, err error) {
	if nbins < 1 {
		return nil, nil, fmt.Errorf("analyze: need at least one bin, got %d", nbins)
	}
	if len(xs) == 0 {
		return nil, nil, fmt.Errorf("analyze: nothing to bin")
	}
	lo, hi := floats.Min(xs), floats.Max(xs)
	if lo == hi {
		// A flat distribution still gets one well-formed bin.
		hi = lo + 1
	}
	dividers = make([]float64, nbins+1)
	floats.Span(dividers, lo, hi)
	// stat.Histogram treats the highest divider as exclusive; nudge it past
	// the maximum so the largest value lands in the last bin.
	dividers[nbins] = math.Nextafter(hi, math.Inf(1))
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	counts = stat.Histogram(nil, dividers, sorted, nil)
	return dividers, counts, nil
}

// MoverCounts tallies stored samples by the mover that produced them.
func MoverCounts(s *paths.Stores) map[string]int {
	out := map[string]int{}
	for _, obj := range s.Samples.All() {
		out[obj.(*paths.Sample).Mover]++
	}
	return out
}

// ReplicaCounts tallies stored samples by replica.
func ReplicaCounts(s *paths.Stores) map[int]int {
	out := map[int]int{}
	for _, obj := range s.Samples.All() {
		out[obj.(*paths.Sample).Replica]++
	}
	return out
}

// EnsembleActivity is the number of samples recorded for one ensemble.
type EnsembleActivity struct {
	Name    string
	Lambda  float64
	Samples int
}

// ByEnsemble tallies stored samples per ensemble, ordered by lambda.
func ByEnsemble(s *paths.Stores) []EnsembleActivity {
	bySample := map[*paths.Ensemble]int{}
	for _, obj := range s.Samples.All() {
		if ens := obj.(*paths.Sample).Ensemble; ens != nil {
			bySample[ens]++
		}
	}
	out := make([]EnsembleActivity, 0, len(bySample))
	for ens, n := range bySample {
		out = append(out, EnsembleActivity{Name: ens.Name(), Lambda: ens.Lambda, Samples: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lambda < out[j].Lambda })
	return out
}
