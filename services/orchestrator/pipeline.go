// Package orchestrator sequences the release pipeline: resolve the release
// descriptor, render the packaging spec, build source and binary packages,
// persist artifacts through the relay, publish to the build queue and smoke
// test the result. A stage runs only when every stage before it succeeded.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"packline/pkg/bus"
)

// Stage is one named pipeline step. Run returns a human-readable detail
// string for the finished event.
type Stage struct {
	Name string
	Run  func(ctx context.Context) (string, error)
}

// Emitter announces stage transitions. *bus.Bus satisfies it; a nil Bus
// drops events.
type Emitter interface {
	EmitStage(ctx context.Context, subj string, evt bus.StageEvent) error
}

// Pipeline runs stages in order, stopping at the first failure.
type Pipeline struct {
	runID  string
	stages []Stage
	events Emitter
	logger zerolog.Logger
}

// NewPipeline creates a pipeline. An empty runID gets a fresh one.
func NewPipeline(runID string, stages []Stage, events Emitter, logger zerolog.Logger) (*Pipeline, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	if len(stages) == 0 {
		return nil, errors.New("orchestrator: at least one stage is required")
	}
	for _, s := range stages {
		if s.Name == "" || s.Run == nil {
			return nil, errors.New("orchestrator: every stage needs a name and a run function")
		}
	}

	return &Pipeline{
		runID:  runID,
		stages: stages,
		events: events,
		logger: logger,
	}, nil
}

// RunID identifies this pipeline run in emitted events and relay labels.
func (p *Pipeline) RunID() string { return p.runID }

// Run executes the stages. The first failure aborts the run; stages after it
// never start.
func (p *Pipeline) Run(ctx context.Context) error {
	for _, stage := range p.stages {
		if err := ctx.Err(); err != nil {
			return err
		}

		p.emit(ctx, bus.StageStartedSubject, stage.Name, "running", "")
		p.logger.Info().Str("run_id", p.runID).Str("stage", stage.Name).Msg("stage started")

		detail, err := stage.Run(ctx)
		if err != nil {
			p.emit(ctx, bus.StageFinishedSubject, stage.Name, "failed", err.Error())
			p.logger.Error().Err(err).Str("run_id", p.runID).Str("stage", stage.Name).Msg("stage failed")
			return fmt.Errorf("orchestrator: stage %s: %w", stage.Name, err)
		}

		p.emit(ctx, bus.StageFinishedSubject, stage.Name, "succeeded", detail)
		p.logger.Info().Str("run_id", p.runID).Str("stage", stage.Name).Str("detail", detail).Msg("stage finished")
	}
	return nil
}

func (p *Pipeline) emit(ctx context.Context, subj, stage, status, detail string) {
	if p.events == nil {
		return
	}
	evt := bus.StageEvent{
		RunID:  p.runID,
		Stage:  stage,
		Status: status,
		Detail: detail,
	}
	if err := p.events.EmitStage(ctx, subj, evt); err != nil {
		p.logger.Warn().Err(err).Str("stage", stage).Msg("stage event dropped")
	}
}
