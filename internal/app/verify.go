package app

import (
	"context"
	"fmt"

	"stepdocs/api/internal/versioning"
)

// VerifyReport compares the stored derived fields of a step with what a
// rebuild would write. Nothing is modified.
type VerifyReport struct {
	StepID          string                 `json:"stepId"`
	Consistent      bool                   `json:"consistent"`
	Violations      []versioning.Violation `json:"violations"`
	PendingUpdates  []string               `json:"pendingUpdates"`
	PendingRemovals []string               `json:"pendingRemovals"`
}

func (s *Service) Verify(ctx context.Context, stepID string) (VerifyReport, error) {
	if _, err := s.GetStep(ctx, stepID); err != nil {
		return VerifyReport{}, err
	}
	docs, err := s.store.ListStepDocuments(ctx, stepID)
	if err != nil {
		return VerifyReport{}, fmt.Errorf("list step documents: %w", err)
	}

	plan := versioning.BuildPlan(docs, s.policy)
	report := VerifyReport{
		StepID:          stepID,
		Violations:      versioning.Verify(docs),
		PendingUpdates:  make([]string, 0, len(plan.Updates)),
		PendingRemovals: plan.RemovedIDs(),
	}
	if report.Violations == nil {
		report.Violations = []versioning.Violation{}
	}
	for _, doc := range plan.Updates {
		report.PendingUpdates = append(report.PendingUpdates, doc.ID)
	}
	report.Consistent = len(report.Violations) == 0 && !plan.Changed()
	if !report.Consistent {
		s.log.Warn("step verification failed",
			"step_id", stepID,
			"violations", len(report.Violations),
			"pending_updates", len(report.PendingUpdates),
			"pending_removals", len(report.PendingRemovals),
		)
	}
	return report, nil
}
