package pipeline

import (
	"context"
	"fmt"

	"github.com/mwhitten/ingestd/internal/operation"
)

// indexPhases returns the submit and poll phases every pipeline ends with.
// The two phases share the submitted job id; when nothing is pending the
// submit phase skips the indexer and the poll phase becomes a no-op.
func indexPhases(deps Deps, opID uint) []Phase {
	var jobID string

	submit := Phase{
		Name:   "submit to indexer",
		Status: operation.StatusIndexSubmitted,
		Run: func(ctx context.Context) (string, error) {
			pending, err := deps.Catalog.ListPending()
			if err != nil {
				return "", err
			}
			if len(pending) == 0 {
				return "no documents pending, skipping index job", nil
			}
			if _, err := deps.Catalog.MarkInProgress(); err != nil {
				return "", err
			}
			id, err := deps.Indexer.StartIngestion(ctx, fmt.Sprintf("ingestd operation %d", opID))
			if err != nil {
				return "", err
			}
			jobID = id
			if err := deps.Ops.SetIndexJobID(opID, id); err != nil {
				return "", err
			}
			return fmt.Sprintf("index job %s submitted covering %d pending documents", id, len(pending)), nil
		},
	}

	poll := Phase{
		Name:   "await indexing completion",
		Status: operation.StatusIndexPolling,
		Run: func(ctx context.Context) (string, error) {
			if jobID == "" {
				return "no index job to await", nil
			}
			job, err := deps.Indexer.WaitForJob(ctx, jobID)
			if err != nil {
				return "", err
			}
			if !job.Succeeded {
				// Record per-document failure before surfacing the phase
				// error; a resolve error here is secondary to the job error.
				_ = deps.Catalog.ResolveAfterIndexJob(false, job.Detail)
				return "", fmt.Errorf("index job %s failed: %s", job.ID, job.Detail)
			}
			if err := deps.Catalog.ResolveAfterIndexJob(true, ""); err != nil {
				return "", err
			}
			return fmt.Sprintf("index job %s completed: %s", job.ID, job.Detail), nil
		},
	}

	return []Phase{submit, poll}
}
