// Package executor resolves the symbolic `executor` name on a Task node to
// a concrete callable, across the local scope and zero or more foreign
// scopes contributed by sibling plugins (§4.3).
package executor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Result is what a successful Execute call returns.
type Result struct {
	Output    interface{}
	Metadata  map[string]interface{}
	StartTime time.Time
	EndTime   time.Time
}

// TaskError is the rich classification an executor raises on failure, per
// §9's "Result<Output, TaskError> with explicit retryable flag" strategy.
type TaskError struct {
	Message   string
	Retryable bool
	Code      string
}

func (e *TaskError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "task execution error"
}

// ExecutionContext is passed to every Execute call; see the Executor
// contract in §6.
type ExecutionContext struct {
	InstanceID string
	NodeID     string
	Attempt    int
	Config     map[string]interface{}
	Inputs     map[string]interface{}
	Logger     logrus.FieldLogger
	StartTime  time.Time

	// Progress lets a long-running executor report partial completion;
	// the engine does not act on it beyond forwarding it to observers.
	Progress func(pct float64, message string)
}

// Health is the result of an optional HealthCheck call.
type Health struct {
	Healthy bool
	Detail  string
}

// ValidationResult is the result of an optional ValidateConfig call.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Executor is the unified interface a plugin implements to contribute a
// task implementation.
type Executor interface {
	Name() string
	Execute(ctx context.Context, ec *ExecutionContext) (*Result, error)
}

// HealthChecker is an optional capability an Executor may additionally
// implement.
type HealthChecker interface {
	HealthCheck(ctx context.Context) (*Health, error)
}

// ConfigValidator is an optional capability an Executor may additionally
// implement.
type ConfigValidator interface {
	ValidateConfig(cfg map[string]interface{}) (*ValidationResult, error)
}
