package minimize

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/ematvey/NanoEngineer-1/internal/optimization"
)

// Configuration is a point in parameter space with its cached function value
// and gradient.
type Configuration struct {
	Coordinate []float64

	// Gradient is the gradient at Coordinate, nil until EvaluateGradient.
	Gradient []float64
	// Direction is the search direction used by GradientOffset. It starts as
	// the negated gradient and accumulates conjugate-gradient momentum.
	Direction []float64
	// MaximumCoordinateInGradient is the largest |Gradient[i]|.
	MaximumCoordinateInGradient float64

	// Parameter is the step along the parent's direction that produced this
	// point; zero at the start of a line search.
	Parameter float64

	// Extra carries domain data; see FunctionDefinition.FreeExtra.
	Extra interface{}

	fd                 *FunctionDefinition
	functionValue      float64
	functionValueValid bool
	referenceCount     int
}

// Set stores src in *dst, taking a reference to src and dropping the one
// held by the old value. Either may be nil.
func Set(dst **Configuration, src *Configuration) {
	if *dst == src {
		return
	}
	if src != nil {
		src.mustBeLive()
		src.referenceCount++
	}
	if old := *dst; old != nil {
		old.Release()
	}
	*dst = src
}

// take moves the reference held in *slot to the caller.
func take(slot **Configuration) *Configuration {
	p := *slot
	*slot = nil
	return p
}

func releaseAll(slots ...**Configuration) {
	for _, slot := range slots {
		Set(slot, nil)
	}
}

// Release drops one reference. The configuration is freed when none remain.
func (p *Configuration) Release() {
	p.mustBeLive()
	p.referenceCount--
	if p.referenceCount > 0 {
		return
	}
	fd := p.fd
	fd.FreeCount++
	if p.Extra != nil && fd.FreeExtra != nil {
		fd.FreeExtra(p)
	}
	p.Coordinate = nil
	p.Gradient = nil
	p.Direction = nil
	p.Extra = nil
}

func (p *Configuration) mustBeLive() {
	if p.referenceCount <= 0 {
		panic("minimize: use of released configuration")
	}
}

// ReferenceCount returns the number of references held.
func (p *Configuration) ReferenceCount() int {
	return p.referenceCount
}

// Definition returns the function definition p belongs to.
func (p *Configuration) Definition() *FunctionDefinition {
	return p.fd
}

// FunctionValue returns the cached function value, if there is one.
func (p *Configuration) FunctionValue() (float64, bool) {
	return p.functionValue, p.functionValueValid
}

// Evaluate returns the function value at p, computing it on first use.
func (p *Configuration) Evaluate() (float64, error) {
	p.mustBeLive()
	if p.functionValueValid {
		return p.functionValue, nil
	}
	fd := p.fd
	value, err := fd.Func(p)
	if err != nil {
		return 0, optimization.WrapError(err, "function evaluation").WithComponent("minimize")
	}
	if math.IsNaN(value) {
		return 0, optimization.WrapErrorf(optimization.ErrNonFinite,
			"function value at parameter %g", p.Parameter).WithComponent("minimize")
	}
	p.functionValue = value
	p.functionValueValid = true
	fd.FunctionEvaluationCount++
	return value, nil
}

// EvaluateGradient computes and caches the gradient at p, using the
// definition's GradientFunc or central differences when it has none. It
// resets Parameter and initialises Direction to the downhill direction.
func (p *Configuration) EvaluateGradient() error {
	p.mustBeLive()
	if p.Gradient != nil {
		return nil
	}
	fd := p.fd
	gradient := make([]float64, fd.Dimension)
	var err error
	if fd.Gradient == nil {
		err = p.differenceGradient(gradient)
	} else {
		err = fd.Gradient(p, gradient)
	}
	if err != nil {
		return optimization.WrapError(err, "gradient evaluation").WithComponent("minimize")
	}
	fd.GradientEvaluationCount++

	maximum := 0.0
	for i := len(gradient) - 1; i >= 0; i-- {
		if math.IsNaN(gradient[i]) {
			return optimization.WrapErrorf(optimization.ErrNonFinite,
				"gradient component %d", i).WithComponent("minimize")
		}
		if g := math.Abs(gradient[i]); g > maximum {
			maximum = g
		}
	}
	p.Parameter = 0
	p.MaximumCoordinateInGradient = maximum
	p.Gradient = gradient
	p.Direction = make([]float64, len(gradient))
	floats.ScaleTo(p.Direction, -1, gradient)
	return nil
}

// differenceGradient estimates the gradient from function values a half
// step either side of p along each axis. Probe points are not constrained.
func (p *Configuration) differenceGradient(gradient []float64) error {
	fd := p.fd
	if fd.GradientDelta == 0 {
		fd.GradientDelta = defaultGradientDelta
	}
	delta := fd.GradientDelta
	for i := range gradient {
		plus := fd.NewConfiguration()
		copy(plus.Coordinate, p.Coordinate)
		plus.Coordinate[i] += delta / 2

		minus := fd.NewConfiguration()
		copy(minus.Coordinate, p.Coordinate)
		minus.Coordinate[i] -= delta / 2

		fPlus, errPlus := plus.Evaluate()
		fMinus, errMinus := minus.Evaluate()
		plus.Release()
		minus.Release()
		if errPlus != nil {
			return errPlus
		}
		if errMinus != nil {
			return errMinus
		}
		gradient[i] = (fPlus - fMinus) / delta
	}
	return nil
}

// GradientOffset returns a new configuration at p + q·Direction, with the
// constraints applied. Positive q moves downhill.
func (p *Configuration) GradientOffset(q float64) (*Configuration, error) {
	if err := p.EvaluateGradient(); err != nil {
		return nil, err
	}
	fd := p.fd
	r := fd.NewConfiguration()
	floats.AddScaledTo(r.Coordinate, p.Coordinate, q, p.Direction)
	r.Parameter = q
	if fd.Constraints != nil {
		fd.Constraints(r)
	}
	return r, nil
}

// search evaluates configurations until the first error, after which every
// value is NaN and every offset is nil. Comparisons against NaN are false,
// so a loop guarded by them falls through to an error check.
type search struct {
	err error
}

func (s *search) f(p *Configuration) float64 {
	if s.err != nil {
		return math.NaN()
	}
	v, err := p.Evaluate()
	if err != nil {
		s.err = err
		return math.NaN()
	}
	return v
}

func (s *search) offset(p *Configuration, q float64) *Configuration {
	if s.err != nil {
		return nil
	}
	r, err := p.GradientOffset(q)
	if err != nil {
		s.err = err
		return nil
	}
	return r
}

// signClamp limits value to [-limit, limit].
func signClamp(value, limit float64) float64 {
	if value > limit {
		return limit
	}
	if value < -limit {
		return -limit
	}
	return value
}
