package temporal

import (
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// StartWorker registers the batch workflow and acts on taskQueue and starts
// polling. concurrency bounds the activities executing at once.
func StartWorker(c client.Client, taskQueue string, acts *Activities, concurrency int) (worker.Worker, error) {
	w := worker.New(c, taskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: max(concurrency, 1),
	})

	w.RegisterWorkflow(IngestBatchWorkflow)
	w.RegisterActivity(acts)

	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}
	return w, nil
}
