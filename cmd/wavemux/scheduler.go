package main

import (
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/wavemux/wavemux/internal/config"
	"github.com/wavemux/wavemux/internal/conflict"
	"github.com/wavemux/wavemux/internal/coordinator"
	"github.com/wavemux/wavemux/internal/events"
	"github.com/wavemux/wavemux/internal/impact"
	"github.com/wavemux/wavemux/internal/planner"
	"github.com/wavemux/wavemux/internal/store"
	"github.com/wavemux/wavemux/internal/supervisor"
	"github.com/wavemux/wavemux/internal/worker"
)

// scheduler bundles the wired component stack behind one CLI command.
type scheduler struct {
	store   *store.Store
	emitter *events.Emitter
	planner *planner.Planner
	sup     *supervisor.Supervisor
	coord   *coordinator.Coordinator
}

// openStore opens the scheduler database, honoring the --db flag, and
// applies migrations.
func openStore() (*store.Store, error) {
	path := dbPath
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		path = store.DefaultPath(cwd)
	}

	st, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// newEstimator selects the impact oracle from config.
func newEstimator(cfg *config.Config) (impact.Estimator, error) {
	switch cfg.Impact.Oracle {
	case "", "heuristic":
		return impact.NewHeuristicEstimator(), nil
	case "claude":
		apiKey, err := config.GetAPIKey(cfg)
		if err != nil && !cfg.Anthropic.UseAWSBedrock {
			return nil, err
		}
		return impact.NewClaudeEstimator(impact.ClaudeConfig{
			Model:         anthropic.Model(cfg.Anthropic.Model),
			APIKey:        apiKey,
			UseAWSBedrock: cfg.Anthropic.UseAWSBedrock,
			AWSRegion:     cfg.Anthropic.AWSRegion,
			AWSProfile:    cfg.Anthropic.AWSProfile,
		})
	default:
		return nil, fmt.Errorf("unknown impact oracle %q", cfg.Impact.Oracle)
	}
}

// buildScheduler wires the full component stack over an open store.
func buildScheduler(cfg *config.Config, st *store.Store) (*scheduler, error) {
	estimator, err := newEstimator(cfg)
	if err != nil {
		return nil, err
	}

	analyzer := conflict.NewAnalyzer(st, estimator,
		cfg.Impact.ConfidenceThreshold, cfg.Conflict.CacheTTL)
	p := planner.New(st, analyzer,
		cfg.Scheduler.MaxConcurrentAgents, cfg.Scheduler.MaxWaveSize)

	emitter := events.NewEmitter(st, 256)
	runner := worker.NewProcessRunner(cfg.Worker.Command, cfg.Worker.Args...)
	sup := supervisor.New(st, runner, emitter, supervisor.Config{
		HeartbeatTimeout:         cfg.Supervisor.HeartbeatTimeout,
		MaxRetries:               cfg.Supervisor.MaxRetries,
		RetryBackoffInitial:      cfg.Supervisor.RetryBackoffInitial,
		HeartbeatIntervalSeconds: cfg.Worker.HeartbeatIntervalSeconds,
		WorkDir:                  cfg.Worker.WorkDir,
		ObserveImpacts:           cfg.Impact.Observe,
	})

	coord := coordinator.New(st, p, sup, emitter, coordinator.Config{
		TickInterval:         cfg.Scheduler.TickInterval,
		WaveFailureThreshold: cfg.Coordinator.WaveFailureThreshold,
	})

	return &scheduler{
		store:   st,
		emitter: emitter,
		planner: p,
		sup:     sup,
		coord:   coord,
	}, nil
}
