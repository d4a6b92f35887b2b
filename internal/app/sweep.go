package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultSweepWorkers = 4

type SweepOptions struct {
	// StepIDs are swept when All is false.
	StepIDs []string
	// All sweeps every step that has versioned documents.
	All bool
	// Limit caps the number of steps selected by All. Zero means no limit.
	Limit   int
	DryRun  bool
	Workers int
}

type SweepStepResult struct {
	StepID     string   `json:"stepId"`
	Changed    bool     `json:"changed"`
	Removed    []string `json:"removed"`
	Updated    []string `json:"updated"`
	Violations int      `json:"violations"`
	Error      string   `json:"error,omitempty"`
}

type SweepReport struct {
	DryRun   bool              `json:"dryRun"`
	Steps    []SweepStepResult `json:"steps"`
	Changed  int               `json:"changed"`
	Failed   int               `json:"failed"`
	Duration int64             `json:"durationMs"`
}

// Sweep rebuilds (or, with DryRun, verifies) many steps with a bounded number
// of workers. A failing step is reported and does not stop the others.
func (s *Service) Sweep(ctx context.Context, opts SweepOptions) (SweepReport, error) {
	started := s.now()
	stepIDs, err := s.sweepTargets(ctx, opts)
	if err != nil {
		return SweepReport{}, err
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultSweepWorkers
	}

	var (
		mu      sync.Mutex
		results = make([]SweepStepResult, 0, len(stepIDs))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, stepID := range stepIDs {
		stepID := stepID
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			result := s.sweepStep(gctx, stepID, opts.DryRun)
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return SweepReport{}, fmt.Errorf("sweep: %w", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].StepID < results[j].StepID })
	report := SweepReport{DryRun: opts.DryRun, Steps: results}
	for _, result := range results {
		if result.Error != "" {
			report.Failed++
		}
		if result.Changed {
			report.Changed++
		}
	}
	report.Duration = s.now().Sub(started).Milliseconds()
	s.log.Info("sweep finished",
		"steps", len(results),
		"changed", report.Changed,
		"failed", report.Failed,
		"dry_run", opts.DryRun,
		"duration_ms", report.Duration,
	)
	return report, nil
}

func (s *Service) sweepTargets(ctx context.Context, opts SweepOptions) ([]string, error) {
	if opts.All {
		ids, err := s.store.ListVersionedStepIDs(ctx, opts.Limit)
		if err != nil {
			return nil, fmt.Errorf("list versioned steps: %w", err)
		}
		return ids, nil
	}
	seen := make(map[string]struct{}, len(opts.StepIDs))
	ids := make([]string, 0, len(opts.StepIDs))
	for _, id := range opts.StepIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Service) sweepStep(ctx context.Context, stepID string, dryRun bool) SweepStepResult {
	result := SweepStepResult{StepID: stepID, Removed: []string{}, Updated: []string{}}
	if dryRun {
		report, err := s.Verify(ctx, stepID)
		if err != nil {
			result.Error = err.Error()
			return result
		}
		result.Changed = !report.Consistent
		result.Removed = report.PendingRemovals
		result.Updated = report.PendingUpdates
		result.Violations = len(report.Violations)
		return result
	}

	rebuilt, err := s.Rebuild(ctx, stepID)
	if err != nil {
		s.log.Warn("sweep step failed", "step_id", stepID, "error", err, "retryable", IsRetryable(err))
		result.Error = err.Error()
		return result
	}
	result.Changed = rebuilt.Changed
	result.Removed = rebuilt.Removed
	result.Updated = rebuilt.Updated
	return result
}

// RunSweeper sweeps every versioned step each interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration, workers int) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.log.Info("sweeper started", "interval", interval.String(), "workers", workers)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx, SweepOptions{All: true, Workers: workers}); err != nil && ctx.Err() == nil {
				s.log.Error("periodic sweep failed", "error", err)
			}
		}
	}
}
