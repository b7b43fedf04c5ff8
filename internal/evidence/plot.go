package evidence

import (
	"fmt"

	"github.com/fogleman/gg"
	"gonum.org/v1/gonum/floats"
)

const (
	plotWidth  = 640
	plotHeight = 480

	marginLeft   = 70.0
	marginRight  = 20.0
	marginTop    = 40.0
	marginBottom = 50.0
)

// linePlot draws ys against xs on a white canvas and saves it as PNG.
func linePlot(path, title, xLabel, yLabel string, xs, ys []float64) error {
	n := min(len(xs), len(ys))
	if n == 0 {
		return errNoData
	}
	xs, ys = xs[:n], ys[:n]

	x0, x1 := floats.Min(xs), floats.Max(xs)
	y0, y1 := floats.Min(ys), floats.Max(ys)
	if x1 == x0 {
		x1 = x0 + 1
	}
	if y1 == y0 {
		y0, y1 = y0-0.5, y1+0.5
	}

	left, right := marginLeft, float64(plotWidth)-marginRight
	top, bottom := marginTop, float64(plotHeight)-marginBottom
	px := func(x float64) float64 { return left + (x-x0)/(x1-x0)*(right-left) }
	py := func(y float64) float64 { return bottom - (y-y0)/(y1-y0)*(bottom-top) }

	dc := gg.NewContext(plotWidth, plotHeight)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	// Axes and extent labels.
	dc.SetRGB(0, 0, 0)
	dc.SetLineWidth(1)
	dc.DrawLine(left, bottom, right, bottom)
	dc.DrawLine(left, top, left, bottom)
	dc.Stroke()
	dc.DrawStringAnchored(fmt.Sprintf("%.2f", x0), left, bottom+12, 0.5, 0.5)
	dc.DrawStringAnchored(fmt.Sprintf("%.2f", x1), right, bottom+12, 0.5, 0.5)
	dc.DrawStringAnchored(fmt.Sprintf("%.3g", y0), left-6, bottom, 1, 0.5)
	dc.DrawStringAnchored(fmt.Sprintf("%.3g", y1), left-6, top, 1, 0.5)

	dc.DrawStringAnchored(title, float64(plotWidth)/2, marginTop/2, 0.5, 0.5)
	dc.DrawStringAnchored(xLabel, (left+right)/2, float64(plotHeight)-15, 0.5, 0.5)
	dc.Push()
	dc.RotateAbout(gg.Radians(-90), 15, (top+bottom)/2)
	dc.DrawStringAnchored(yLabel, 15, (top+bottom)/2, 0.5, 0.5)
	dc.Pop()

	dc.SetRGB255(31, 119, 180)
	dc.SetLineWidth(1.5)
	for i := range n {
		if i == 0 {
			dc.MoveTo(px(xs[i]), py(ys[i]))
			continue
		}
		dc.LineTo(px(xs[i]), py(ys[i]))
	}
	dc.Stroke()

	return dc.SavePNG(path)
}
