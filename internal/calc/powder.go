// Package calc implements the powder-diffraction forward model.
//
// For every experiment the calculated pattern is
//
//	y(x) = bkg(x) + Σ_phase scale · Σ_peak I · pV(x − pos − zero, H, eta)
//
// with H² = U·tan²θ + V·tanθ + W (θ = pos/2 in degrees) and pV the
// area-normalised pseudo-Voigt profile. The cost is Σ((y_obs − y)/σ)².
package calc

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/starford/diffit/internal/model"
	"github.com/starford/diffit/internal/paramid"
)

// Groups read by the powder model.
const (
	GroupZeroShift           = "zero_shift"
	GroupResolutionU         = "resolution_u"
	GroupResolutionV         = "resolution_v"
	GroupResolutionW         = "resolution_w"
	GroupResolutionEta       = "resolution_eta"
	GroupBackgroundX         = "background_x"
	GroupBackgroundIntensity = "background_intensity"
	GroupScale               = "scale"
	GroupPeakPosition        = "peak_position"
	GroupPeakIntensity       = "peak_intensity"
)

// ErrMalformedModel is returned when the dictionary cannot be evaluated.
var ErrMalformedModel = errors.New("calc: malformed model")

const minFWHM = 1e-6

// Powder is the reference forward calculator. Not safe for concurrent use.
type Powder struct {
	profiles map[string]*profile
}

type profile struct {
	shape  [6]uint64
	points int
	values []float64
}

// NewPowder returns a calculator with an empty profile cache.
func NewPowder() *Powder {
	return &Powder{profiles: make(map[string]*profile)}
}

// Calculate implements model.Calculator.
func (c *Powder) Calculate(d *model.Dictionary, out *model.Buffers, usePrecomputed bool) (model.Evaluation, error) {
	if !usePrecomputed {
		clear(c.profiles)
	}
	r := reader{t: d.Table}
	var ev model.Evaluation

	for _, exp := range d.Experiments {
		pat, ok := d.Patterns[exp.Name]
		if !ok {
			return model.Evaluation{}, fmt.Errorf("%w: no measured data for experiment %s", ErrMalformedModel, exp.Name)
		}
		if err := checkPattern(exp.Name, pat); err != nil {
			return model.Evaluation{}, err
		}

		zero := r.scalar(exp.Name, GroupZeroShift, 0)
		u := r.scalar(exp.Name, GroupResolutionU, 0)
		v := r.scalar(exp.Name, GroupResolutionV, 0)
		w := r.scalar(exp.Name, GroupResolutionW, 0.01)
		eta := r.scalar(exp.Name, GroupResolutionEta, 0.5)
		bx, by := r.series(exp.Name, GroupBackgroundX, GroupBackgroundIntensity)
		if r.err != nil {
			return model.Evaluation{}, r.err
		}
		eta = math.Min(1, math.Max(0, eta))

		ycalc := make([]float64, pat.Len())
		background(ycalc, pat.X, bx, by)

		for _, phase := range exp.Phases {
			scale := r.must(phase, GroupScale)
			pos, inten := r.series(phase, GroupPeakPosition, GroupPeakIntensity)
			if r.err != nil {
				return model.Evaluation{}, r.err
			}
			for k := range pos {
				shape := [6]uint64{
					math.Float64bits(pos[k]), math.Float64bits(zero),
					math.Float64bits(u), math.Float64bits(v),
					math.Float64bits(w), math.Float64bits(eta),
				}
				key := fmt.Sprintf("%s/%s/%d", exp.Name, phase, k)
				prof := c.profiles[key]
				if !usePrecomputed || prof == nil || prof.shape != shape || prof.points != pat.Len() {
					prof = &profile{
						shape:  shape,
						points: pat.Len(),
						values: peakProfile(pat.X, pos[k]+zero, fwhm(pos[k], u, v, w), eta),
					}
					c.profiles[key] = prof
				}
				amp := scale * inten[k]
				for i, pv := range prof.values {
					ycalc[i] += amp * pv
				}
			}
		}

		for i := range ycalc {
			diff := (pat.Y[i] - ycalc[i]) / pat.Sigma[i]
			ev.ChiSquare += diff * diff
		}
		ev.Points += pat.Len()
		if out != nil {
			out.Calculated[exp.Name] = ycalc
		}
	}

	if math.IsNaN(ev.ChiSquare) || math.IsInf(ev.ChiSquare, 0) {
		return model.Evaluation{}, fmt.Errorf("%w: chi-square is not finite", ErrMalformedModel)
	}
	ev.Paths = r.read
	return ev, nil
}

func checkPattern(name string, p *model.Pattern) error {
	if len(p.Y) != len(p.X) || len(p.Sigma) != len(p.X) {
		return fmt.Errorf("%w: experiment %s: x, y and sigma lengths differ", ErrMalformedModel, name)
	}
	for i, s := range p.Sigma {
		if !(s > 0) {
			return fmt.Errorf("%w: experiment %s: sigma[%d] = %g", ErrMalformedModel, name, i, s)
		}
	}
	return nil
}

// fwhm evaluates the Caglioti resolution function at 2θ = pos degrees.
func fwhm(pos, u, v, w float64) float64 {
	tan := math.Tan(pos / 2 * math.Pi / 180)
	h2 := u*tan*tan + v*tan + w
	if !(h2 > minFWHM*minFWHM) {
		return minFWHM
	}
	return math.Sqrt(h2)
}

func peakProfile(x []float64, center, h, eta float64) []float64 {
	const ln2 = math.Ln2
	gNorm := 2 / h * math.Sqrt(ln2/math.Pi)
	lNorm := 2 / (math.Pi * h)
	out := make([]float64, len(x))
	for i, xi := range x {
		t := (xi - center) / h
		g := gNorm * math.Exp(-4*ln2*t*t)
		l := lNorm / (1 + 4*t*t)
		out[i] = eta*l + (1-eta)*g
	}
	return out
}

// background linearly interpolates the (bx, by) points onto x, holding the
// end values flat outside the covered range.
func background(dst, x, bx, by []float64) {
	if len(bx) == 0 {
		return
	}
	idx := make([]int, len(bx))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return bx[idx[a]] < bx[idx[b]] })
	sx := make([]float64, len(bx))
	sy := make([]float64, len(bx))
	for i, j := range idx {
		sx[i], sy[i] = bx[j], by[j]
	}
	for i, xi := range x {
		switch {
		case xi <= sx[0]:
			dst[i] += sy[0]
		case xi >= sx[len(sx)-1]:
			dst[i] += sy[len(sy)-1]
		default:
			k := sort.SearchFloat64s(sx, xi)
			x0, x1 := sx[k-1], sx[k]
			f := (xi - x0) / (x1 - x0)
			dst[i] += sy[k-1] + f*(sy[k]-sy[k-1])
		}
	}
}

// reader resolves slots and records the paths it touched. The first error sticks.
type reader struct {
	t    *model.Table
	read []paramid.Path
	err  error
}

func (r *reader) get(block, group string, i int) (float64, bool) {
	p := paramid.Path{Block: block, Group: group, Index: []int{i}}
	v, ok := r.t.Get(p)
	if !ok {
		return 0, false
	}
	r.read = append(r.read, p)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		r.fail(fmt.Errorf("%w: %s is not finite", ErrMalformedModel, p))
	}
	return v, true
}

func (r *reader) scalar(block, group string, def float64) float64 {
	if v, ok := r.get(block, group, 0); ok {
		return v
	}
	return def
}

func (r *reader) must(block, group string) float64 {
	v, ok := r.get(block, group, 0)
	if !ok {
		r.fail(fmt.Errorf("%w: %s: missing %s", ErrMalformedModel, block, group))
	}
	return v
}

// series reads two parallel indexed groups until the first missing index.
func (r *reader) series(block, xGroup, yGroup string) ([]float64, []float64) {
	var xs, ys []float64
	for i := 0; ; i++ {
		x, okX := r.get(block, xGroup, i)
		y, okY := r.get(block, yGroup, i)
		if !okX && !okY {
			return xs, ys
		}
		if okX != okY {
			r.fail(fmt.Errorf("%w: %s: %s and %s differ in length", ErrMalformedModel, block, xGroup, yGroup))
			return xs, ys
		}
		xs = append(xs, x)
		ys = append(ys, y)
	}
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}
