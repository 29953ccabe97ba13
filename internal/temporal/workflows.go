package temporal

import (
	"time"

	"github.com/efebarandurmaz/kiln/internal/kb"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// BatchInput selects the documents of one batch: the files under Dir, then
// Files.
type BatchInput struct {
	Dir   string
	Files []DocumentInput
	// Concurrency bounds the activities running at once (default 4).
	Concurrency int
	// MaxAttempts per document (default 3).
	MaxAttempts int32
}

// BatchOutput aggregates the per-document results in input order.
type BatchOutput struct {
	Results   []DocumentResult
	Processed int
	Partial   int
	Failed    int
	Skipped   int
	Chunks    int
	Entities  int
	Relations int
}

func (o *BatchOutput) add(r DocumentResult) {
	o.Results = append(o.Results, r)
	if r.Error != "" || r.Report == nil {
		o.Failed++
		return
	}
	rep := r.Report
	switch {
	case rep.Skipped:
		o.Skipped++
	case rep.Status == kb.StatusPartial:
		o.Partial++
	case rep.Status == kb.StatusFailed:
		o.Failed++
	default:
		o.Processed++
	}
	o.Chunks += rep.ChunksAdded
	o.Entities += rep.EntitiesCreated
	o.Relations += rep.RelationsCreated
}

// IngestBatchWorkflow ingests every document of the batch with bounded
// parallelism. One document failing does not fail the workflow.
func IngestBatchWorkflow(ctx workflow.Context, in BatchInput) (*BatchOutput, error) {
	attempts := in.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &sdktemporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    attempts,
		},
	})
	logger := workflow.GetLogger(ctx)

	var a *Activities
	files := in.Files
	if in.Dir != "" {
		var listed []DocumentInput
		if err := workflow.ExecuteActivity(ctx, a.ListDocuments, in.Dir).Get(ctx, &listed); err != nil {
			return nil, err
		}
		files = append(listed, files...)
	}

	limit := in.Concurrency
	if limit <= 0 {
		limit = 4
	}
	results := make([]DocumentResult, len(files))
	selector := workflow.NewSelector(ctx)
	pending := 0
	for i, f := range files {
		if pending == limit {
			selector.Select(ctx)
			pending--
		}
		fut := workflow.ExecuteActivity(ctx, a.IngestDocument, f)
		pending++
		selector.AddFuture(fut, func(fu workflow.Future) {
			var r DocumentResult
			if err := fu.Get(ctx, &r); err != nil {
				logger.Warn("document failed", "path", f.Path, "error", err)
				r = DocumentResult{Path: f.Path, Error: err.Error()}
			}
			results[i] = r
		})
	}
	for ; pending > 0; pending-- {
		selector.Select(ctx)
	}

	out := &BatchOutput{Results: make([]DocumentResult, 0, len(results))}
	for _, r := range results {
		out.add(r)
	}
	logger.Info("batch ingested",
		"documents", len(files),
		"processed", out.Processed,
		"partial", out.Partial,
		"failed", out.Failed,
		"skipped", out.Skipped)
	return out, nil
}
