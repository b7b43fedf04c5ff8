package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Hann returns the symmetric Hann window of length m.
func Hann(m int) []float64 {
	switch {
	case m <= 0:
		return nil
	case m == 1:
		return []float64{1}
	}
	w := make([]float64, m)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(m-1))
	}
	return w
}

// RFFTFreq returns the n/2+1 sample frequencies of a real FFT of length n.
func RFFTFreq(n int, fs float64) []float64 {
	if n <= 0 {
		return nil
	}
	f := make([]float64, n/2+1)
	for k := range f {
		f[k] = float64(k) * fs / float64(n)
	}
	return f
}

// Periodogram returns rfft frequencies and |rfft(x)|^2, optionally after a
// Hann window. No scaling is applied.
func Periodogram(x []float64, fs float64, window bool) (freqs, power []float64) {
	n := len(x)
	if n == 0 {
		return nil, nil
	}
	seq := make([]float64, n)
	copy(seq, x)
	if window {
		for i, w := range Hann(n) {
			seq[i] *= w
		}
	}
	coeffs := fourier.NewFFT(n).Coefficients(nil, seq)
	power = make([]float64, len(coeffs))
	for i, c := range coeffs {
		m := cmplx.Abs(c)
		power[i] = m * m
	}
	return RFFTFreq(n, fs), power
}

// PowerSpectrum is the Hann-windowed periodogram used for pulse spectra.
func PowerSpectrum(x []float64, fs float64) (freqs, power []float64) {
	return Periodogram(x, fs, true)
}

// Hilbert returns the analytic signal of x computed by an FFT of length
// len(x).
func Hilbert(x []float64) []complex128 {
	n := len(x)
	if n == 0 {
		return nil
	}
	seq := make([]complex128, n)
	for i, v := range x {
		seq[i] = complex(v, 0)
	}
	fft := fourier.NewCmplxFFT(n)
	spec := fft.Coefficients(nil, seq)

	h := make([]float64, n)
	h[0] = 1
	if n%2 == 0 {
		h[n/2] = 1
		for i := 1; i < n/2; i++ {
			h[i] = 2
		}
	} else {
		for i := 1; i < (n+1)/2; i++ {
			h[i] = 2
		}
	}
	for i := range spec {
		spec[i] *= complex(h[i], 0)
	}

	out := fft.Sequence(nil, spec)
	inv := complex(1/float64(n), 0)
	for i := range out {
		out[i] *= inv
	}
	return out
}

// Envelope returns |Hilbert(x)|.
func Envelope(x []float64) []float64 {
	a := Hilbert(x)
	out := make([]float64, len(a))
	for i, c := range a {
		out[i] = cmplx.Abs(c)
	}
	return out
}

// BandMask returns the indices of freqs inside [lo, hi].
func BandMask(freqs []float64, lo, hi float64) []int {
	var idx []int
	for i, f := range freqs {
		if f >= lo && f <= hi {
			idx = append(idx, i)
		}
	}
	return idx
}

// Pick gathers x at the given indices.
func Pick(x []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, j := range idx {
		out[i] = x[j]
	}
	return out
}
