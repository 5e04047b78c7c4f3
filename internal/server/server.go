package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ematvey/NanoEngineer-1/internal/config"
	"github.com/ematvey/NanoEngineer-1/internal/errors"
	"github.com/ematvey/NanoEngineer-1/internal/logging"
	"github.com/ematvey/NanoEngineer-1/internal/optimization"
	"github.com/ematvey/NanoEngineer-1/internal/optimization/minimize"
	"github.com/ematvey/NanoEngineer-1/internal/structure"
)

// Logger defines the logging interface used by the server
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
	Zap() *zap.Logger
}

// Job statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

const (
	kindObjective = "objective"
	kindStructure = "structure"
)

// MinimizeRequest starts a minimization of either a named benchmark
// objective or a structure.
type MinimizeRequest struct {
	Objective       string                 `json:"objective,omitempty"`
	Start           []float64              `json:"start,omitempty"`
	Algorithm       string                 `json:"algorithm,omitempty"`
	LinearAlgorithm string                 `json:"linear_algorithm,omitempty"`
	Tolerance       float64                `json:"tolerance,omitempty"`
	IterationLimit  int                    `json:"iteration_limit,omitempty"`
	Structure       *structure.Description `json:"structure,omitempty"`
}

// Progress is the latest frame of a structure minimization.
type Progress struct {
	Iteration int     `json:"iteration"`
	Phase     string  `json:"phase"`
	RMSForce  float64 `json:"rms_force"`
	MaxForce  float64 `json:"max_force"`
	Energy    float64 `json:"energy"`
}

// HistoryEntry is one accepted iteration.
type HistoryEntry struct {
	Iteration  int       `json:"iteration"`
	Parameters []float64 `json:"parameters"`
	Value      float64   `json:"value"`
}

// StatusResponse describes a minimization job.
type StatusResponse struct {
	ID                  string                 `json:"minimization_id"`
	Kind                string                 `json:"kind"`
	Status              string                 `json:"status"`
	StartTime           time.Time              `json:"start_time"`
	EndTime             *time.Time             `json:"end_time,omitempty"`
	LastUpdate          time.Time              `json:"last_update"`
	Progress            *Progress              `json:"progress,omitempty"`
	BestSolution        *optimization.Solution `json:"best_solution,omitempty"`
	History             []HistoryEntry         `json:"history,omitempty"`
	Outcome             string                 `json:"outcome,omitempty"`
	Iterations          int                    `json:"iterations,omitempty"`
	FunctionEvaluations int                    `json:"function_evaluations,omitempty"`
	GradientEvaluations int                    `json:"gradient_evaluations,omitempty"`
	Message             string                 `json:"message,omitempty"`
	Measurements        map[string]float64     `json:"measurements,omitempty"`
	Error               string                 `json:"error,omitempty"`
}

// MinimizationState tracks one job. Fields are guarded by the server's
// mutex.
type MinimizationState struct {
	ID          string
	Kind        string
	Status      string
	StartTime   time.Time
	EndTime     *time.Time
	LastUpdated time.Time
	Progress    *Progress
	Result      *optimization.OptimizationResult
	Err         error
	Optimizer   optimization.Optimizer
	Config      optimization.OptimizerConfig
	CancelFunc  context.CancelFunc
}

// Server implements the HTTP and JSON-RPC endpoints of the minimization
// service.
type Server struct {
	cfg     *config.Config
	logger  Logger
	metrics *Metrics

	mu      sync.RWMutex
	jobs    map[string]*MinimizationState
	active  int
	workers sync.WaitGroup
}

// NewServer creates a server. A nil metrics keeps the counters unexported.
func NewServer(cfg *config.Config, logger Logger, metrics *Metrics) *Server {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		jobs:    make(map[string]*MinimizationState),
	}
}

// RegisterRoutes mounts the API on r.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/minimize", s.handleMinimize)
		r.Get("/status/{id}", s.handleStatus)
		r.Delete("/minimization/{id}", s.handleCancel)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// prepare validates a request and builds the optimizer that will serve it.
func (s *Server) prepare(req *MinimizeRequest) (*MinimizationState, error) {
	m := s.cfg.Minimize
	limit := m.IterationLimit
	if req.IterationLimit < 0 {
		return nil, errors.Invalid("iteration_limit must not be negative")
	}
	if req.IterationLimit > 0 {
		limit = req.IterationLimit
	}

	switch {
	case req.Structure != nil && req.Objective != "":
		return nil, errors.Invalid("objective and structure are exclusive")
	case req.Structure != nil:
		part, err := req.Structure.Build()
		if err != nil {
			return nil, errors.Wrap(err, "invalid structure").WithKind(errors.KindInvalid)
		}
		opts := []structure.Option{
			structure.WithThresholds(s.cfg.Thresholds()),
			structure.WithIterationLimit(limit),
			structure.WithMessageBufferLength(m.MessageBufferLength),
			structure.WithLogger(s.logger.Zap()),
		}
		if req.Algorithm != "" {
			algorithm, err := minimize.ParseAlgorithm(req.Algorithm)
			if err != nil {
				return nil, errors.Wrap(err, "invalid algorithm").WithKind(errors.KindInvalid)
			}
			if algorithm == minimize.LimitedMemoryBFGS {
				opts = append(opts, structure.WithLBFGS())
			}
		}
		state := &MinimizationState{Kind: kindStructure}
		opts = append(opts, structure.WithObserver(func(f structure.Frame) {
			s.mu.Lock()
			state.Progress = &Progress{
				Iteration: f.Iteration,
				Phase:     f.Phase,
				RMSForce:  f.RMSForce,
				MaxForce:  f.MaxForce,
				Energy:    f.Energy,
			}
			state.LastUpdated = time.Now()
			s.mu.Unlock()
		}))
		minimizer, err := structure.NewMinimizer(part, opts...)
		if err != nil {
			return nil, errors.Wrap(err, "invalid structure").WithKind(errors.KindInvalid)
		}
		state.Optimizer = minimizer
		state.Config = optimization.OptimizerConfig{MaxIterations: limit}
		return state, nil
	case req.Objective != "":
		benchmark, err := optimization.LookupBenchmark(req.Objective)
		if err != nil {
			return nil, errors.Wrap(err, "invalid objective").WithKind(errors.KindInvalid)
		}
		start := benchmark.Start
		if len(req.Start) > 0 {
			start = req.Start
		}
		if _, err := benchmark.Objective(start); err != nil {
			return nil, errors.Wrap(err, "invalid start").WithKind(errors.KindInvalid)
		}
		algorithm, linear := req.Algorithm, req.LinearAlgorithm
		if algorithm == "" {
			algorithm = m.Algorithm
		}
		if linear == "" {
			linear = m.LinearAlgorithm
		}
		tolerance := req.Tolerance
		if tolerance <= 0 {
			tolerance = m.Tolerance
		}
		cfg := optimization.OptimizerConfig{
			Objective:     benchmark.Objective,
			Gradient:      benchmark.Gradient,
			Start:         start,
			MaxIterations: limit,
			Tolerance:     tolerance,
			Method:        algorithm,
			LineSearch:    linear,
		}
		optimizer, err := minimize.NewLineSearchOptimizer(cfg,
			minimize.WithLogger(s.logger.Zap()),
			minimize.WithMessageBufferLength(m.MessageBufferLength),
			minimize.WithGradientDelta(m.GradientDelta))
		if err != nil {
			return nil, errors.Wrap(err, "invalid method").WithKind(errors.KindInvalid)
		}
		return &MinimizationState{Kind: kindObjective, Optimizer: optimizer, Config: cfg}, nil
	}
	return nil, errors.Invalid("objective or structure is required")
}

// start validates req and launches its job.
func (s *Server) start(req *MinimizeRequest) (*MinimizationState, error) {
	state, err := s.prepare(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	state.ID = uuid.NewString()
	state.Status = StatusPending
	state.StartTime = now
	state.LastUpdated = now
	state.CancelFunc = cancel

	s.mu.Lock()
	if s.active >= s.cfg.Minimize.MaxJobs {
		s.mu.Unlock()
		cancel()
		s.metrics.rejected.Inc()
		return nil, errors.Conflict("%d minimizations already running", s.cfg.Minimize.MaxJobs)
	}
	s.active++
	s.jobs[state.ID] = state
	s.workers.Add(1)
	s.mu.Unlock()
	s.metrics.running.Inc()

	s.logger.Info("Minimization started", map[string]interface{}{
		"minimization_id": state.ID,
		"kind":            state.Kind,
	})
	go s.run(ctx, state)
	return state, nil
}

// run executes a job on its own goroutine.
func (s *Server) run(ctx context.Context, state *MinimizationState) {
	defer s.workers.Done()
	defer state.CancelFunc()

	s.mu.Lock()
	if state.Status == StatusPending {
		state.Status = StatusRunning
	}
	s.mu.Unlock()

	started := time.Now()
	result, err := state.Optimizer.Optimize(ctx, state.Config)
	elapsed := time.Since(started)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	s.metrics.running.Dec()

	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now
	state.Result = result
	state.Err = err

	fields := map[string]interface{}{
		"minimization_id": state.ID,
		"elapsed":         elapsed.String(),
	}
	if err != nil {
		state.Status = StatusFailed
		s.metrics.minimizations.WithLabelValues(state.Kind, "error").Inc()
		fields["error"] = err.Error()
		s.logger.Error("Minimization failed", fields)
		return
	}

	switch {
	case state.Status == StatusCancelled:
	case result.Outcome == minimize.Interrupted.String():
		state.Status = StatusCancelled
	case result.Outcome == minimize.NumericFailure.String():
		state.Status = StatusFailed
	default:
		state.Status = StatusCompleted
	}
	s.metrics.minimizations.WithLabelValues(state.Kind, result.Outcome).Inc()
	s.metrics.functionEvaluations.WithLabelValues(state.Kind).Add(float64(result.FunctionEvaluations))
	s.metrics.gradientEvaluations.WithLabelValues(state.Kind).Add(float64(result.GradientEvaluations))
	s.metrics.duration.WithLabelValues(state.Kind).Observe(elapsed.Seconds())

	fields["outcome"] = result.Outcome
	fields["iterations"] = result.Iterations
	s.logger.Info("Minimization finished", fields)
}

// status returns a snapshot of job id.
func (s *Server) status(id string) (*StatusResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.jobs[id]
	if !ok {
		return nil, errors.NotFound("minimization %s not found", id)
	}

	response := &StatusResponse{
		ID:         state.ID,
		Kind:       state.Kind,
		Status:     state.Status,
		StartTime:  state.StartTime,
		EndTime:    state.EndTime,
		LastUpdate: state.LastUpdated,
	}
	if state.Progress != nil {
		progress := *state.Progress
		response.Progress = &progress
	}
	if state.Err != nil {
		response.Error = state.Err.Error()
	}
	if result := state.Result; result != nil {
		response.Outcome = result.Outcome
		response.Iterations = result.Iterations
		response.FunctionEvaluations = result.FunctionEvaluations
		response.GradientEvaluations = result.GradientEvaluations
		response.Message = result.Message
		response.Measurements = result.Measurements
	}

	response.BestSolution = state.Optimizer.GetBestSolution()
	for _, eval := range state.Optimizer.GetHistory() {
		response.History = append(response.History, HistoryEntry{
			Iteration:  eval.Iteration,
			Parameters: eval.Solution.Parameters,
			Value:      eval.Solution.Value,
		})
	}
	return response, nil
}

// cancel asks job id to stop. The job ends with the interrupted outcome.
func (s *Server) cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.jobs[id]
	if !ok {
		return errors.NotFound("minimization %s not found", id)
	}
	switch state.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return errors.Conflict("cannot cancel minimization with status: %s", state.Status)
	}

	state.CancelFunc()
	state.Status = StatusCancelled
	state.LastUpdated = time.Now()

	s.logger.Info("Minimization cancelled", map[string]interface{}{
		"minimization_id": id,
	})
	return nil
}

// Close cancels every job and waits for them to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	for _, state := range s.jobs {
		state.CancelFunc()
	}
	s.mu.Unlock()
	s.workers.Wait()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleMinimize handles POST /api/v1/minimize.
func (s *Server) handleMinimize(w http.ResponseWriter, r *http.Request) {
	var req MinimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteJSONError(w, errors.Wrap(err, "invalid request body").WithKind(errors.KindInvalid))
		return
	}

	state, err := s.start(&req)
	if err != nil {
		errors.WriteJSONError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"minimization_id": state.ID,
		"status":          StatusPending,
	})
}

// handleStatus handles GET /api/v1/status/{id}.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	response, err := s.status(chi.URLParam(r, "id"))
	if err != nil {
		errors.WriteJSONError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// handleCancel handles DELETE /api/v1/minimization/{id}.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.cancel(chi.URLParam(r, "id")); err != nil {
		errors.WriteJSONError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "cancellation requested",
	})
}

// JSON-RPC 2.0 error codes.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcServerError    = -32000
	rpcNotFound       = -32001
	rpcConflict       = -32002
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type idParams struct {
	ID string `json:"minimization_id"`
}

// decodeParams reads params given either as an object or as an array
// holding one object.
func decodeParams(raw json.RawMessage, v interface{}) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return errors.Invalid("missing required parameters")
	}
	if raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil || len(list) != 1 {
			return errors.Invalid("params must be an object or a one element array")
		}
		raw = list[0]
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(err, "invalid params").WithKind(errors.KindInvalid)
	}
	return nil
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, rpcParseError, "Parse error", nil)
		return
	}
	if request.JSONRPC != "2.0" || request.Method == "" {
		s.respondWithError(w, rpcInvalidRequest, "Invalid Request", request.ID)
		return
	}

	var result interface{}
	var err error
	switch request.Method {
	case "minimize.start":
		var req MinimizeRequest
		if err = decodeParams(request.Params, &req); err == nil {
			var state *MinimizationState
			if state, err = s.start(&req); err == nil {
				result = map[string]string{"minimization_id": state.ID, "status": StatusPending}
			}
		}
	case "minimize.status":
		var p idParams
		if err = decodeParams(request.Params, &p); err == nil {
			result, err = s.status(p.ID)
		}
	case "minimize.cancel":
		var p idParams
		if err = decodeParams(request.Params, &p); err == nil {
			if err = s.cancel(p.ID); err == nil {
				result = map[string]string{"status": "cancellation requested"}
			}
		}
	default:
		s.respondWithError(w, rpcMethodNotFound, "Method not found", request.ID)
		return
	}

	if err != nil {
		code := rpcServerError
		switch errors.KindOf(err) {
		case errors.KindInvalid:
			code = rpcInvalidParams
		case errors.KindNotFound:
			code = rpcNotFound
		case errors.KindConflict:
			code = rpcConflict
		}
		s.respondWithError(w, code, err.Error(), request.ID)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	})
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Warn("RPC error", map[string]interface{}{
		"code":    code,
		"message": message,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	})
}
