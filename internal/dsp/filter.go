package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Detrend removes the least-squares straight line from x.
func Detrend(x []float64) []float64 {
	n := len(x)
	out := make([]float64, n)
	if n < 2 {
		return out
	}
	idx := make([]float64, n)
	for i := range idx {
		idx[i] = float64(i)
	}
	alpha, beta := stat.LinearRegression(idx, x, nil, false)
	for i, v := range x {
		out[i] = v - (alpha + beta*float64(i))
	}
	return out
}

// Butter designs a digital Butterworth band-pass filter of the given order.
// lo and hi are normalised to the Nyquist frequency and must satisfy
// 0 < lo < hi < 1. Coefficients are returned as (b, a) with a[0] == 1.
//
// The design follows the analog prototype -> band-pass transform -> bilinear
// route with pre-warped edges.
func Butter(order int, lo, hi float64) (b, a []float64) {
	// Analog low-pass prototype poles on the unit circle.
	p := make([]complex128, order)
	for i := range p {
		m := float64(-order + 1 + 2*i)
		p[i] = -cmplx.Exp(complex(0, math.Pi*m/float64(2*order)))
	}

	// Pre-warp for the bilinear transform at fs = 2.
	const fs = 2.0
	w1 := 2 * fs * math.Tan(math.Pi*lo/fs)
	w2 := 2 * fs * math.Tan(math.Pi*hi/fs)
	bw := w2 - w1
	wo := math.Sqrt(w1 * w2)

	// Low-pass to band-pass: every pole splits in two, and order zeros land at 0.
	pbp := make([]complex128, 0, 2*order)
	for _, pole := range p {
		pl := pole * complex(bw/2, 0)
		d := cmplx.Sqrt(pl*pl - complex(wo*wo, 0))
		pbp = append(pbp, pl+d)
	}
	for _, pole := range p {
		pl := pole * complex(bw/2, 0)
		d := cmplx.Sqrt(pl*pl - complex(wo*wo, 0))
		pbp = append(pbp, pl-d)
	}
	zbp := make([]complex128, order)
	k := math.Pow(bw, float64(order))

	// Bilinear transform.
	const fs2 = 2 * fs
	zz := make([]complex128, 0, 2*order)
	num := complex(1, 0)
	for _, z := range zbp {
		zz = append(zz, (fs2+z)/(fs2-z))
		num *= fs2 - z
	}
	for range order {
		zz = append(zz, -1)
	}
	pz := make([]complex128, len(pbp))
	den := complex(1, 0)
	for i, pole := range pbp {
		pz[i] = (fs2 + pole) / (fs2 - pole)
		den *= fs2 - pole
	}
	kz := k * real(num/den)

	bc := poly(zz)
	ac := poly(pz)
	b = make([]float64, len(bc))
	a = make([]float64, len(ac))
	for i := range bc {
		b[i] = kz * real(bc[i])
	}
	for i := range ac {
		a[i] = real(ac[i])
	}
	return b, a
}

// poly returns the coefficients (highest power first) of the monic polynomial
// with the given roots.
func poly(roots []complex128) []complex128 {
	c := []complex128{1}
	for _, r := range roots {
		next := make([]complex128, len(c)+1)
		for i, v := range c {
			next[i] += v
			next[i+1] -= v * r
		}
		c = next
	}
	return c
}

// LFilter applies the IIR filter (b, a) to x using the transposed direct
// form II structure. zi is the initial state (len max(len(a),len(b))-1) and
// may be nil for a zero state.
func LFilter(b, a, x, zi []float64) []float64 {
	b, a = normalise(b, a)
	n := len(a)
	z := make([]float64, n-1)
	copy(z, zi)

	y := make([]float64, len(x))
	for i, xi := range x {
		yi := b[0]*xi + first(z)
		for j := 0; j < n-2; j++ {
			z[j] = b[j+1]*xi + z[j+1] - a[j+1]*yi
		}
		if n > 1 {
			z[n-2] = b[n-1]*xi - a[n-1]*yi
		}
		y[i] = yi
	}
	return y
}

func first(z []float64) float64 {
	if len(z) == 0 {
		return 0
	}
	return z[0]
}

// normalise pads b and a to equal length and scales so that a[0] == 1.
func normalise(b, a []float64) ([]float64, []float64) {
	n := max(len(a), len(b))
	nb := make([]float64, n)
	na := make([]float64, n)
	copy(nb, b)
	copy(na, a)
	if a0 := na[0]; a0 != 1 && a0 != 0 {
		for i := range nb {
			nb[i] /= a0
			na[i] /= a0
		}
	}
	return nb, na
}

// LFilterZI returns the steady-state initial conditions of (b, a) for a unit
// step input.
func LFilterZI(b, a []float64) []float64 {
	b, a = normalise(b, a)
	n := len(a)
	if n < 2 {
		return nil
	}
	m := n - 1
	// I - companion(a).T
	ia := mat.NewDense(m, m, nil)
	for i := 0; i < m; i++ {
		ia.Set(i, i, 1)
		ia.Set(i, 0, ia.At(i, 0)+a[i+1])
		if i+1 < m {
			ia.Set(i, i+1, ia.At(i, i+1)-1)
		}
	}
	rhs := mat.NewVecDense(m, nil)
	for i := 0; i < m; i++ {
		rhs.SetVec(i, b[i+1]-a[i+1]*b[0])
	}
	var zi mat.VecDense
	if err := zi.SolveVec(ia, rhs); err != nil {
		return make([]float64, m)
	}
	return zi.RawVector().Data
}

// FiltFilt runs (b, a) forward and backward over x for zero phase distortion.
// The signal is extended at both ends by odd reflection of 3*max(len(a),len(b))
// samples, shrunk to len(x)-1 when x is shorter than that.
func FiltFilt(b, a, x []float64) []float64 {
	if len(x) == 0 {
		return nil
	}
	padlen := min(3*max(len(a), len(b)), len(x)-1)

	ext := oddExt(x, padlen)
	zi := LFilterZI(b, a)

	y := LFilter(b, a, ext, scale(zi, ext[0]))
	reverse(y)
	y = LFilter(b, a, y, scale(zi, y[0]))
	reverse(y)

	out := make([]float64, len(x))
	copy(out, y[padlen:padlen+len(x)])
	return out
}

func oddExt(x []float64, n int) []float64 {
	if n <= 0 {
		out := make([]float64, len(x))
		copy(out, x)
		return out
	}
	last := len(x) - 1
	ext := make([]float64, 0, len(x)+2*n)
	for i := n; i >= 1; i-- {
		ext = append(ext, 2*x[0]-x[i])
	}
	ext = append(ext, x...)
	for i := 1; i <= n; i++ {
		ext = append(ext, 2*x[last]-x[last-i])
	}
	return ext
}

func scale(v []float64, c float64) []float64 {
	out := make([]float64, len(v))
	for i := range v {
		out[i] = v[i] * c
	}
	return out
}

func reverse(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}

// Bandpass applies a 3rd-order zero-phase Butterworth band-pass between low
// and high Hz. Inputs shorter than 4 samples, or bands that do not fit below
// Nyquist, are returned unchanged.
func Bandpass(x []float64, fs, low, high float64) []float64 {
	if len(x) < 4 {
		return x
	}
	nyq := 0.5 * fs
	lo, hi := low/nyq, high/nyq
	if lo <= 0 || hi >= 1 || lo >= hi {
		return x
	}
	b, a := Butter(3, lo, hi)
	return FiltFilt(b, a, x)
}
