package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"echo-transcript/internal/history"
)

// planArgs is the update_plan tool payload.
type planArgs struct {
	Explanation string `json:"explanation,omitempty"`
	Plan        []struct {
		Step   string `json:"step"`
		Status string `json:"status"`
	} `json:"plan"`
}

// DecodePlan parses update_plan arguments strictly: unknown fields, empty
// steps and unknown statuses are errors.
func DecodePlan(raw []byte) (history.PlanUpdate, error) {
	var args planArgs
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&args); err != nil {
		return history.PlanUpdate{}, fmt.Errorf("parse plan arguments: %w", err)
	}
	steps := make([]history.PlanStep, 0, len(args.Plan))
	for i, item := range args.Plan {
		if strings.TrimSpace(item.Step) == "" {
			return history.PlanUpdate{}, fmt.Errorf("plan[%d]: step is required", i)
		}
		status := history.StepStatus(item.Status)
		switch status {
		case history.StepPending, history.StepInProgress, history.StepCompleted:
		default:
			return history.PlanUpdate{}, fmt.Errorf("plan[%d]: invalid status %q", i, item.Status)
		}
		steps = append(steps, history.PlanStep{Description: strings.TrimSpace(item.Step), Status: status})
	}
	return history.NewPlanUpdate(strings.TrimSpace(args.Explanation), steps), nil
}

// UpdatePlan decodes raw and records the plan.
func UpdatePlan(ctx context.Context, sink Sink, raw []byte) (history.PlanUpdate, error) {
	plan, err := DecodePlan(raw)
	if err != nil {
		return plan, err
	}
	if err := sink.Dispatch(ctx, history.Insert{Record: plan}); err != nil {
		return plan, err
	}
	return plan, nil
}
