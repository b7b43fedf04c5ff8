package dsp

import (
	"math"
	"sort"
)

// FindPeaks returns indices of local maxima in x, filtered first by a minimum
// horizontal distance (in samples) and then by a minimum prominence. Flat
// peaks resolve to their middle sample. Higher peaks claim their
// neighbourhood first when enforcing distance.
func FindPeaks(x []float64, distance int, prominence float64) []int {
	peaks := localMaxima(x)
	if distance > 1 && len(peaks) > 1 {
		peaks = selectByDistance(x, peaks, distance)
	}
	if prominence > 0 {
		kept := peaks[:0:0]
		for _, p := range peaks {
			if Prominence(x, p) >= prominence {
				kept = append(kept, p)
			}
		}
		peaks = kept
	}
	return peaks
}

func localMaxima(x []float64) []int {
	var peaks []int
	n := len(x)
	i := 1
	for i < n-1 {
		if x[i-1] < x[i] {
			ahead := i + 1
			for ahead < n-1 && x[ahead] == x[i] {
				ahead++
			}
			if x[ahead] < x[i] {
				peaks = append(peaks, (i+ahead-1)/2)
				i = ahead
			}
		}
		i++
	}
	return peaks
}

func selectByDistance(x []float64, peaks []int, distance int) []int {
	n := len(peaks)
	keep := make([]bool, n)
	for i := range keep {
		keep[i] = true
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return x[peaks[order[i]]] < x[peaks[order[j]]] })

	for i := n - 1; i >= 0; i-- {
		j := order[i]
		if !keep[j] {
			continue
		}
		for k := j - 1; k >= 0 && peaks[j]-peaks[k] < distance; k-- {
			keep[k] = false
		}
		for k := j + 1; k < n && peaks[k]-peaks[j] < distance; k++ {
			keep[k] = false
		}
	}

	out := make([]int, 0, n)
	for i, p := range peaks {
		if keep[i] {
			out = append(out, p)
		}
	}
	return out
}

// Prominence is how far the peak at index p stands above the higher of the
// two lowest points reached before x climbs above x[p] on either side.
func Prominence(x []float64, p int) float64 {
	leftMin := x[p]
	for i := p; i >= 0 && x[i] <= x[p]; i-- {
		leftMin = math.Min(leftMin, x[i])
	}
	rightMin := x[p]
	for i := p; i < len(x) && x[i] <= x[p]; i++ {
		rightMin = math.Min(rightMin, x[i])
	}
	return x[p] - math.Max(leftMin, rightMin)
}

// CrossCorr returns c[k] = sum_n a[n+k]*b[n] for k in [-maxLag, maxLag],
// the central 2*maxLag+1 lags of the full cross-correlation.
// Lags beyond the signal length contribute zero.
func CrossCorr(a, b []float64, maxLag int) []float64 {
	out := make([]float64, 2*maxLag+1)
	for k := -maxLag; k <= maxLag; k++ {
		var s float64
		for n := range b {
			if m := n + k; m >= 0 && m < len(a) {
				s += a[m] * b[n]
			}
		}
		out[k+maxLag] = s
	}
	return out
}

// AutoCorr returns the non-negative-lag autocorrelation of x (lags 0..n-1).
func AutoCorr(x []float64) []float64 {
	n := len(x)
	out := make([]float64, n)
	for k := 0; k < n; k++ {
		var s float64
		for i := 0; i+k < n; i++ {
			s += x[i+k] * x[i]
		}
		out[k] = s
	}
	return out
}
