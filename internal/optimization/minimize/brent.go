package minimize

import (
	"context"
	"math"
)

// brent refines the bracket (initialA, initialB, initialC) along parent's
// search direction by inverse parabolic interpolation, falling back to golden
// section steps. It returns the best point found, which is never nil and
// carries a reference for the caller, even when an error is returned.
func brent(ctx context.Context, parent, initialA, initialB, initialC *Configuration, tolerance float64) (*Configuration, error) {
	var (
		a *Configuration // left end of the interval
		b *Configuration // right end of the interval
		u *Configuration // most recent evaluation
		v *Configuration // previous value of w
		w *Configuration // second lowest value
		x *Configuration // lowest value so far
	)
	defer releaseAll(&a, &b, &u, &v, &w)

	fd := parent.fd
	s := &search{}

	Set(&x, initialB)
	Set(&w, initialB)
	Set(&v, initialB)
	if initialA.Parameter > initialC.Parameter {
		Set(&a, initialC)
		Set(&b, initialA)
	} else {
		Set(&a, initialA)
		Set(&b, initialC)
	}

	var d, e float64 // this step and the one before it
	for iteration := 1; iteration <= linearIterationLimit; iteration++ {
		if err := ctx.Err(); err != nil {
			return take(&x), err
		}
		xm := 0.5 * (a.Parameter + b.Parameter)
		tol := tolerance*math.Abs(x.Parameter) + toleranceAtZero
		// the right hand side is negative until b-a < 4·tol
		if math.Abs(x.Parameter-xm) <= tol*2-0.5*(b.Parameter-a.Parameter) {
			return take(&x), nil
		}

		if math.Abs(e) > tol {
			// minimum of the parabola through v, w and x is x + num/den
			r := (x.Parameter - w.Parameter) * (s.f(x) - s.f(v))
			den := (x.Parameter - v.Parameter) * (s.f(x) - s.f(w))
			num := (x.Parameter-v.Parameter)*den - (x.Parameter-w.Parameter)*r
			den = 2 * (den - r)
			if den > 0 {
				num = -num
			} else {
				den = -den
			}
			etemp := e
			e = d
			if math.Abs(num) >= math.Abs(0.5*den*etemp) ||
				num <= den*(a.Parameter-x.Parameter) ||
				num >= den*(b.Parameter-x.Parameter) {
				e = goldenSide(a, b, x, xm)
				d = (2 - goldenRatio) * e
			} else {
				d = num / den
				ux := x.Parameter + d
				if ux-a.Parameter < tol*2 || b.Parameter-ux < tol*2 {
					// too close to an end, step a little toward the middle
					d = tol
					if xm-x.Parameter < 0 {
						d = -tol
					}
				}
			}
		} else {
			e = goldenSide(a, b, x, xm)
			d = (2 - goldenRatio) * e
		}

		// move at least tol away from x
		ux := x.Parameter + d
		if math.Abs(d) < tol {
			if d < 0 {
				ux = x.Parameter - tol
			} else {
				ux = x.Parameter + tol
			}
		}
		Set(&u, nil)
		u = s.offset(parent, ux)
		if s.err != nil {
			return take(&x), s.err
		}

		if s.f(u) <= s.f(x) {
			// u is the new best, pull in the far end to x
			if u.Parameter >= x.Parameter {
				Set(&a, x)
			} else {
				Set(&b, x)
			}
			Set(&v, w)
			Set(&w, x)
			Set(&x, u)
			Set(&u, nil)
		} else {
			// x stays best, pull in the end on u's side
			if u.Parameter < x.Parameter {
				Set(&a, u)
			} else {
				Set(&b, u)
			}
			if s.f(u) <= s.f(w) || u.Parameter == w.Parameter {
				Set(&v, w)
				Set(&w, u)
			} else if s.f(u) <= s.f(v) || v.Parameter == x.Parameter || v.Parameter == w.Parameter {
				Set(&v, u)
			}
		}
		if s.err != nil {
			return take(&x), s.err
		}
	}
	fd.Messagef("reached iteration limit in linearMinimize")
	return take(&x), nil
}

// goldenSide returns the distance from x to the end of the larger half of
// the interval.
func goldenSide(a, b, x *Configuration, xm float64) float64 {
	if x.Parameter >= xm {
		return a.Parameter - x.Parameter
	}
	return b.Parameter - x.Parameter
}
