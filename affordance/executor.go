package affordance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/latticeworks/lattice/errors"
	"github.com/latticeworks/lattice/metric"
)

// Handler executes one named action. The action's Target and Parameters
// arrive exactly as the caller sent them.
type Handler func(ctx context.Context, action Action) (*Result, error)

// Options configures an Executor.
type Options struct {
	// Registry receives executor metrics. Nil disables them.
	Registry *metric.Registry
	Logger   *slog.Logger
}

// Executor dispatches actions to registered handlers.
type Executor struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
	metrics  *executorMetrics
}

// NewExecutor creates an executor with an empty handler registry.
func NewExecutor(opts Options) (*Executor, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics, err := newExecutorMetrics(opts.Registry)
	if err != nil {
		return nil, errors.Wrap(err, "Executor", "New", "register metrics")
	}
	return &Executor{
		handlers: make(map[string]Handler),
		logger:   logger.With("component", "affordance_executor"),
		metrics:  metrics,
	}, nil
}

// Register binds a handler to an action name. Registering the same name
// twice is rejected.
func (x *Executor) Register(name string, handler Handler) error {
	if name == "" {
		return errors.WrapInvalid(
			fmt.Errorf("action name is empty"),
			"Executor", "Register", "check name")
	}
	if handler == nil {
		return errors.WrapInvalid(
			fmt.Errorf("handler for %q is nil", name),
			"Executor", "Register", "check handler")
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if _, exists := x.handlers[name]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("action %q already registered", name),
			"Executor", "Register", "check duplicate")
	}
	x.handlers[name] = handler
	return nil
}

// Actions returns the registered action names, sorted.
func (x *Executor) Actions() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	names := make([]string, 0, len(x.handlers))
	for name := range x.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute dispatches an action to its handler. An unregistered name is an
// invalid request carrying ErrUnknownAction; a failing handler surfaces
// through ExecutionError with the handler's message intact. Execute never
// rewrites a handler's result type: unknown types pass through for the
// client-side Interpreter to ignore.
func (x *Executor) Execute(ctx context.Context, action Action) (*Result, error) {
	if action.Name == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("action name is empty"),
			"Executor", "Execute", "check action")
	}

	x.mu.RLock()
	handler, ok := x.handlers[action.Name]
	x.mu.RUnlock()
	if !ok {
		x.metrics.recordExecution(action.Name, "unknown")
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrUnknownAction, action.Name),
			"Executor", "Execute", "resolve handler")
	}

	start := time.Now()
	result, err := handler(ctx, action)
	if err != nil {
		x.metrics.recordExecution(action.Name, "error")
		x.logger.Warn("action failed",
			"action", action.Name,
			"target", action.Target,
			"error", err)
		return nil, &ExecutionError{Action: action.Name, Err: err}
	}
	if result == nil {
		x.metrics.recordExecution(action.Name, "error")
		return nil, &ExecutionError{
			Action: action.Name,
			Err:    fmt.Errorf("handler returned neither result nor error"),
		}
	}

	x.metrics.recordExecution(action.Name, resultLabel(result.Type))
	x.logger.Debug("action executed",
		"action", action.Name,
		"result_type", result.Type,
		"duration", time.Since(start))
	return result, nil
}

// resultLabel bounds the metric label set to the known result vocabulary.
func resultLabel(resultType string) string {
	switch resultType {
	case ResultNavigate, ResultCreated, ResultTriggered, ResultData:
		return resultType
	default:
		return "other"
	}
}
