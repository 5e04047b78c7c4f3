package minimize

import (
	"context"
	"math"
)

// bracketMinimum finds a, b and c along p's search direction with b between
// a and c and f(b) no worse than either end, so a minimum lies between a and
// c. The returned configurations each carry a reference for the caller.
//
// On a numeric failure all three are nil. When ctx is done only b is
// returned, holding the best point seen so far, along with ctx.Err().
func bracketMinimum(ctx context.Context, p *Configuration) (*Configuration, *Configuration, *Configuration, error) {
	var a, b, c, u *Configuration
	fd := p.fd
	s := &search{}

	Set(&a, p)
	a.Parameter = 0
	// evaluating the gradient first lets the gradient callback adjust the
	// initial guess and the parameter limit
	if err := p.EvaluateGradient(); err != nil {
		releaseAll(&a)
		return nil, nil, nil, err
	}
	parameterLimit := math.Abs(fd.ParameterLimit)
	// a golden step past b must stay inside the limit
	b = s.offset(p, signClamp(fd.InitialParameterGuess, parameterLimit/(goldenRatio+1)))
	if s.f(b) > s.f(a) {
		a, b = b, a
	}
	if s.err == nil {
		c = s.offset(p, b.Parameter+goldenRatio*(b.Parameter-a.Parameter))
	}

	for s.err == nil && ctx.Err() == nil && s.f(b) > s.f(c) {
		// extremum of the parabola through a, b and c
		r := (b.Parameter - a.Parameter) * (s.f(b) - s.f(c))
		q := (b.Parameter - c.Parameter) * (s.f(b) - s.f(a))
		denom := q - r
		if denom < 0 {
			if denom > -dontDivideByZero {
				denom = -dontDivideByZero
			}
		} else if denom < dontDivideByZero {
			denom = dontDivideByZero
		}
		nx := b.Parameter - ((b.Parameter-c.Parameter)*q-(b.Parameter-a.Parameter)*r)/(2*denom)
		nx = signClamp(nx, parameterLimit)
		Set(&u, nil)
		u = s.offset(p, nx)
		if s.err != nil {
			break
		}

		ulimit := signClamp(b.Parameter+parabolicBracketLimit*(c.Parameter-b.Parameter), parameterLimit)

		switch {
		case (b.Parameter-u.Parameter)*(u.Parameter-c.Parameter) > 0:
			// u between b and c
			if s.f(u) < s.f(c) {
				if fd.Debug {
					fd.Messagef("bracket: b u c")
				}
				releaseAll(&a)
				return take(&b), take(&u), take(&c), nil
			}
			if s.f(u) > s.f(b) {
				if fd.Debug {
					fd.Messagef("bracket: a b u")
				}
				releaseAll(&c)
				return take(&a), take(&b), take(&u), nil
			}
			// b, u, c still descending so u tells us nothing
			Set(&u, nil)
			u = s.offset(p, signClamp(c.Parameter+goldenRatio*(c.Parameter-b.Parameter), parameterLimit))
		case (c.Parameter-u.Parameter)*(u.Parameter-ulimit) > 0:
			// u between c and ulimit
			if s.f(u) < s.f(c) {
				Set(&b, c)
				Set(&c, u)
				Set(&u, nil)
				u = s.offset(p, signClamp(c.Parameter+goldenRatio*(c.Parameter-b.Parameter), parameterLimit))
			}
		case (u.Parameter-ulimit)*(ulimit-c.Parameter) >= 0:
			// u past ulimit
			Set(&u, nil)
			u = s.offset(p, ulimit)
		default:
			// u before b is a maximum of the parabola
			Set(&u, nil)
			u = s.offset(p, signClamp(c.Parameter+goldenRatio*(c.Parameter-b.Parameter), parameterLimit))
		}
		Set(&a, b)
		Set(&b, c)
		Set(&c, u)
		Set(&u, nil)
	}

	if s.err != nil {
		releaseAll(&a, &b, &c, &u)
		return nil, nil, nil, s.err
	}
	if err := ctx.Err(); err != nil {
		best := take(&b)
		if c != nil && s.f(c) < s.f(best) {
			Set(&best, c)
		}
		releaseAll(&a, &c, &u)
		return nil, best, nil, err
	}
	releaseAll(&u)
	return take(&a), take(&b), take(&c), nil
}
