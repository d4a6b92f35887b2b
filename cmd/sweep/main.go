package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"stepdocs/api/internal/app"
	"stepdocs/api/internal/bootstrap"
	"stepdocs/api/internal/config"
	"stepdocs/api/internal/logger"
)

type idList []string

func (l *idList) String() string { return strings.Join(*l, ",") }
func (l *idList) Set(v string) error {
	v = strings.TrimSpace(v)
	if v != "" {
		*l = append(*l, v)
	}
	return nil
}

func main() {
	var steps idList
	var all, dryRun bool
	var limit, workers int
	flag.Var(&steps, "step", "step id to rebuild (repeatable)")
	flag.BoolVar(&all, "all", false, "rebuild every step with versioned documents")
	flag.BoolVar(&dryRun, "dry-run", false, "report what would change without writing")
	flag.IntVar(&limit, "limit", 0, "limit number of steps selected by -all")
	flag.IntVar(&workers, "workers", 0, "parallel rebuilds (default STEPDOCS_SWEEP_WORKERS)")
	flag.Parse()

	if !all && len(steps) == 0 {
		fmt.Println("nothing to do: pass -step <id> or -all")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("load config: %v\n", err)
		os.Exit(1)
	}
	if workers <= 0 {
		workers = cfg.SweepWorkers
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Printf("init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Build(ctx, cfg, log)
	if err != nil {
		fmt.Printf("init: %v\n", err)
		os.Exit(1)
	}
	defer rt.Close()

	report, err := rt.Service.Sweep(ctx, app.SweepOptions{
		StepIDs: steps,
		All:     all,
		Limit:   limit,
		DryRun:  dryRun,
		Workers: workers,
	})
	if err != nil {
		fmt.Printf("sweep: %v\n", err)
		os.Exit(1)
	}

	prefix := ""
	if dryRun {
		prefix = "[dry-run] "
	}
	for _, step := range report.Steps {
		switch {
		case step.Error != "":
			fmt.Printf("%sstep=%s error=%s\n", prefix, step.StepID, step.Error)
		case step.Changed:
			fmt.Printf("%sstep=%s removed=%d updated=%d violations=%d\n",
				prefix, step.StepID, len(step.Removed), len(step.Updated), step.Violations)
		default:
			fmt.Printf("%sstep=%s consistent\n", prefix, step.StepID)
		}
	}
	fmt.Printf("done; steps=%d changed=%d failed=%d duration_ms=%d\n",
		len(report.Steps), report.Changed, report.Failed, report.Duration)
	if report.Failed > 0 {
		rt.Close()
		os.Exit(1)
	}
}
