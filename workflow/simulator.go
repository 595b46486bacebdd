package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/pathomics/wsiflow/config"
	"github.com/pathomics/wsiflow/errors"
)

// Nominal slide dimensions for the simulated tile grid. Real pipelines
// read these from the slide header.
const (
	simSlideWidth  = 10240
	simSlideHeight = 10240
)

// SimulatorExecutor stands in for the GPU inference pipeline. It walks a
// tile grid derived from the configured tile geometry, sleeping a fixed
// interval per batch and recording progress through the store, so the
// scheduling and fan-out paths behave as they would under real load.
type SimulatorExecutor struct {
	store     *Store
	hub       *ProgressHub
	cfg       config.SimulatorConfig
	resultDir string
	log       *zap.SugaredLogger
}

// NewSimulatorExecutor creates a simulated executor writing under resultDir
func NewSimulatorExecutor(store *Store, hub *ProgressHub, cfg config.SimulatorConfig, resultDir string, log *zap.SugaredLogger) *SimulatorExecutor {
	return &SimulatorExecutor{
		store:     store,
		hub:       hub,
		cfg:       cfg,
		resultDir: resultDir,
		log:       log.Named("simulator"),
	}
}

// tileGrid returns the number of tiles covering the nominal slide with
// the configured tile size and overlap
func (e *SimulatorExecutor) tileGrid() int {
	stride := e.cfg.TileSize - e.cfg.TileOverlap
	if stride <= 0 {
		stride = e.cfg.TileSize
	}
	if stride <= 0 {
		return 1
	}
	cols := (simSlideWidth + stride - 1) / stride
	rows := (simSlideHeight + stride - 1) / stride
	return cols * rows
}

// Execute simulates processing the job's slide batch by batch. Progress
// is persisted and published after every batch. Cancellation of the
// context aborts the run with the context's error.
func (e *SimulatorExecutor) Execute(ctx context.Context, job *Job) error {
	tilesTotal := e.tileGrid()
	batchSize := e.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	stepDelay := time.Duration(e.cfg.StepMillis) * time.Millisecond

	e.log.Infow("Simulating job execution",
		"job_id", job.ID,
		"type", job.Type,
		"tiles_total", tilesTotal,
		"batch_size", batchSize)

	for processed := 0; processed < tilesTotal; {
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "job %s aborted", job.ID)
		case <-time.After(stepDelay):
		}

		processed += batchSize
		if processed > tilesTotal {
			processed = tilesTotal
		}
		percent := float64(processed) / float64(tilesTotal) * 100.0

		done := processed
		updated, err := e.store.UpdateJob(job.ID, func(j *Job) error {
			j.SetProgress(percent, done, tilesTotal)
			return nil
		})
		if err != nil {
			return errors.Wrap(err, "failed to record simulated progress")
		}
		e.hub.PublishJob(updated)
	}

	output := filepath.Join(e.resultDir, fmt.Sprintf("%s_%s.tiff", job.ID, job.Type))
	if _, err := e.store.UpdateJob(job.ID, func(j *Job) error {
		j.OutputPath = output
		return nil
	}); err != nil {
		return errors.Wrap(err, "failed to record output path")
	}

	e.log.Infow("Simulated job finished", "job_id", job.ID, "output_path", output)
	return nil
}
