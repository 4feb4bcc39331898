package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danshapiro/runr/internal/config"
	"github.com/danshapiro/runr/internal/model"
	"github.com/danshapiro/runr/internal/worker"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schemas are validated at the phase-decode boundary here rather than
// inside worker.Call, since a worker's stdout is typically a thin
// {result|content|message} wrapper (spec.md §9) around the real payload;
// validating the wrapper shape would not catch a malformed plan or
// implement outcome.
const planSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "minItems": 1,
  "maxItems": 7,
  "items": {
    "type": "object",
    "required": ["goal", "done_checks", "risk"],
    "properties": {
      "goal": {"type": "string", "minLength": 1},
      "done_checks": {"type": "array", "items": {"type": "string"}},
      "risk": {"enum": ["low", "medium", "high"]}
    }
  }
}`

const implementSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["status"],
  "properties": {
    "status": {"enum": ["changed", "no_changes_needed", "failed"]},
    "summary": {"type": "string"},
    "evidence": {
      "type": "object",
      "properties": {
        "files_checked": {"type": "array", "items": {"type": "string"}},
        "grep_output": {"type": "string"},
        "commands_run": {"type": "array", "items": {"type": "object"}}
      }
    }
  }
}`

// planFn, implementFn, and reviewFn are the supervisor.Deps worker
// closures (spec.md §4.C), wired against one phase's worker.Spec.
type planFn func(ctx context.Context, run *model.Run) ([]model.Milestone, error)
type implementFn func(ctx context.Context, run *model.Run) (model.ImplementOutcome, error)
type reviewFn func(ctx context.Context, run *model.Run) (model.ReviewStatus, error)

func specFor(cfg *config.RunConfig, name string) (worker.Spec, worker.CallOptions, error) {
	wc, ok := cfg.Workers[name]
	if !ok {
		return worker.Spec{}, worker.CallOptions{}, fmt.Errorf("no workers.%s configured", name)
	}
	timeout := time.Duration(wc.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(cfg.WorkerCallTimeoutMS) * time.Millisecond
	}
	spec := worker.Spec{Bin: wc.Bin, Args: wc.Args, OutputKind: string(wc.Output)}
	opts := worker.CallOptions{
		Timeout:      timeout,
		StallTimeout: time.Duration(cfg.StallTimeoutMS) * time.Millisecond,
	}
	return spec, opts, nil
}

func decodeAndValidate(text string, schema *jsonschema.Schema, out any) error {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return fmt.Errorf("worker_parse_failed: %w", err)
	}
	if schema != nil {
		if err := schema.Validate(v); err != nil {
			return fmt.Errorf("worker_parse_failed: %w", err)
		}
	}
	return json.Unmarshal([]byte(text), out)
}

// buildWorkerFns wires the three phase workers for one run, capturing
// taskBody (the task file's markdown body, spec.md §4.C prompt input) in
// each closure.
func buildWorkerFns(cfg *config.RunConfig, taskBody string) (planFn, implementFn, reviewFn, error) {
	planSpec, planOpts, err := specFor(cfg, "plan")
	if err != nil {
		return nil, nil, nil, err
	}
	planSchema, err := worker.CompileSchema("plan", []byte(planSchemaJSON))
	if err != nil {
		return nil, nil, nil, err
	}

	implementSpec, implementOpts, err := specFor(cfg, "implement")
	if err != nil {
		return nil, nil, nil, err
	}
	implementSchema, err := worker.CompileSchema("implement", []byte(implementSchemaJSON))
	if err != nil {
		return nil, nil, nil, err
	}

	reviewSpec, reviewOpts, err := specFor(cfg, "review")
	if err != nil {
		return nil, nil, nil, err
	}

	plan := func(ctx context.Context, run *model.Run) ([]model.Milestone, error) {
		prompt := fmt.Sprintf(
			"TASK:\n%s\n\nRespond with a JSON array of milestones, each "+
				"{\"goal\":string,\"done_checks\":[string],\"risk\":\"low\"|\"medium\"|\"high\"}. 1 to 7 entries.",
			taskBody,
		)
		res, err := worker.Call(ctx, planSpec, prompt, planOpts)
		if err != nil {
			return nil, err
		}
		if res.Status != "succeeded" {
			return nil, &worker.CallError{Reason: res.ReasonCode(), Err: fmt.Errorf("plan worker: %s", res.Observation)}
		}
		var milestones []model.Milestone
		if err := decodeAndValidate(res.Text, planSchema, &milestones); err != nil {
			return nil, err
		}
		return milestones, nil
	}

	implement := func(ctx context.Context, run *model.Run) (model.ImplementOutcome, error) {
		milestone := run.CurrentMilestone()
		goal := ""
		if milestone != nil {
			goal = milestone.Goal
		}
		prompt := fmt.Sprintf(
			"TASK:\n%s\n\nCURRENT MILESTONE: %s\n\nMake the changes for this milestone only, "+
				"respecting the allowlist. Respond with JSON: "+
				"{\"status\":\"changed\"|\"no_changes_needed\"|\"failed\",\"summary\":string,\"evidence\":{...}}.",
			taskBody, goal,
		)
		res, err := worker.Call(ctx, implementSpec, prompt, implementOpts)
		if err != nil {
			return model.ImplementOutcome{}, err
		}
		if res.Status != "succeeded" {
			return model.ImplementOutcome{}, &worker.CallError{Reason: res.ReasonCode(), Err: fmt.Errorf("implement worker: %s", res.Observation)}
		}
		var outcome model.ImplementOutcome
		if err := decodeAndValidate(res.Text, implementSchema, &outcome); err == nil {
			return outcome, nil
		}
		// Fall back to the source's looser legacy shape (SPEC_FULL.md §12).
		return model.DecodeImplementOutcome([]byte(res.Text))
	}

	review := func(ctx context.Context, run *model.Run) (model.ReviewStatus, error) {
		milestone := run.CurrentMilestone()
		goal := ""
		if milestone != nil {
			goal = milestone.Goal
		}
		prompt := fmt.Sprintf(
			"TASK:\n%s\n\nCURRENT MILESTONE: %s\n\nReview the change set against this milestone's "+
				"done_checks. Respond with only \"approve\" or \"request_changes\".",
			taskBody, goal,
		)
		res, err := worker.Call(ctx, reviewSpec, prompt, reviewOpts)
		if err != nil {
			return "", err
		}
		if res.Status != "succeeded" {
			return "", &worker.CallError{Reason: res.ReasonCode(), Err: fmt.Errorf("review worker: %s", res.Observation)}
		}
		return model.ParseReviewStatus(res.Text)
	}

	return plan, implement, review, nil
}
