package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sagedialogue/sage/internal/store"
)

// StepError attributes a run failure to the step that produced it.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return e.Step + ": " + e.Err.Error() }

func (e *StepError) Unwrap() error { return e.Err }

// FailedStep returns the name of the step err originated in, or "" when it
// did not come from a step.
func FailedStep(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step
	}
	return ""
}

// runStep executes fn at most once per job. A completed step's result is
// stored as JSON and returned from the checkpoint on later attempts.
func runStep[T any](ctx context.Context, steps store.StepRepo, jobID, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	raw, done, err := steps.GetStepResult(jobID, name)
	if err != nil {
		return out, &StepError{Step: name, Err: fmt.Errorf("failed to read checkpoint: %w", err)}
	}
	if done {
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return out, &StepError{Step: name, Err: fmt.Errorf("failed to decode checkpoint: %w", err)}
		}
		slog.Debug("lifecycle.runStep: reusing checkpoint", "jobID", jobID, "step", name)
		return out, nil
	}

	out, err = fn(ctx)
	if err != nil {
		return out, &StepError{Step: name, Err: err}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return out, &StepError{Step: name, Err: fmt.Errorf("failed to encode checkpoint: %w", err)}
	}
	if err := steps.SaveStepResult(jobID, name, string(data)); err != nil {
		return out, &StepError{Step: name, Err: fmt.Errorf("failed to save checkpoint: %w", err)}
	}
	slog.Debug("lifecycle.runStep: step completed", "jobID", jobID, "step", name)
	return out, nil
}
