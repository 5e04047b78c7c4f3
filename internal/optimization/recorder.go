package optimization

import (
	"context"
	"sync"
)

// Recorder keeps the accepted iterations and best solution of a run and lets
// another goroutine stop it. The zero value is ready to use.
type Recorder struct {
	mu      sync.Mutex
	best    *Solution
	history []Evaluation
	cancel  context.CancelFunc
	stopped bool
}

// Start clears the record and returns a context that Stop cancels. The
// returned function must be called when the run ends. If Stop was called
// while no run was in progress, the context is already cancelled.
func (r *Recorder) Start(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		cancel()
	}
	r.cancel = cancel
	r.best = nil
	r.history = nil
	return ctx, func() {
		cancel()
		r.mu.Lock()
		r.cancel = nil
		r.stopped = false
		r.mu.Unlock()
	}
}

// Record appends an accepted point to the history.
func (r *Recorder) Record(x []float64, value float64) {
	solution := &Solution{
		Parameters: append([]float64(nil), x...),
		Value:      value,
	}
	r.mu.Lock()
	r.history = append(r.history, Evaluation{
		Iteration: len(r.history) + 1,
		Solution:  solution,
	})
	r.mu.Unlock()
	r.Offer(x, value)
}

// Offer keeps the point if it improves on the best so far.
func (r *Recorder) Offer(x []float64, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.best == nil || value < r.best.Value {
		r.best = &Solution{
			Parameters: append([]float64(nil), x...),
			Value:      value,
		}
	}
}

// Best returns a copy of the best solution, or nil.
func (r *Recorder) Best() *Solution {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.best == nil {
		return nil
	}
	return &Solution{
		Parameters: append([]float64(nil), r.best.Parameters...),
		Value:      r.best.Value,
	}
}

// History returns a copy of the accepted iterations.
func (r *Recorder) History() []Evaluation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Evaluation(nil), r.history...)
}

// Stop cancels the running minimization.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.cancel != nil {
		r.cancel()
	}
}
