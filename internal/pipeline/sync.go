package pipeline

import (
	"context"
	"fmt"
	"path"

	"github.com/mwhitten/ingestd/internal/models"
	"github.com/mwhitten/ingestd/internal/operation"
)

// SyncAndProcess builds the pipeline that pulls the source system, stages
// changed documents into the object store, flags the delta for indexing,
// and drives an index job to completion.
func SyncAndProcess(deps Deps, opID uint) Pipeline {
	var files []SourceFile

	pull := Phase{
		Name:   "pull source listing",
		Status: operation.StatusPullingSource,
		Run: func(ctx context.Context) (string, error) {
			if deps.Source == nil {
				return "", fmt.Errorf("source system is not configured")
			}
			listed, err := deps.Source.ListFiles(ctx)
			if err != nil {
				return "", err
			}
			files = listed
			return fmt.Sprintf("%d files listed from source", len(files)), nil
		},
	}

	stage := Phase{
		Name:   "stage documents",
		Status: operation.StatusUploading,
		Run: func(ctx context.Context) (string, error) {
			staged, errored := 0, 0
			var lastErr error
			for _, f := range files {
				if err := stageSourceFile(ctx, deps, f); err != nil {
					errored++
					lastErr = err
					continue
				}
				staged++
			}
			if errored > 0 && staged == 0 {
				return "", fmt.Errorf("staging failed for all %d files: %w", errored, lastErr)
			}
			return fmt.Sprintf("%d files staged, %d errors", staged, errored), nil
		},
	}

	flag := Phase{
		Name:   "flag delta for indexing",
		Status: operation.StatusFlaggingForIndex,
		Run: func(ctx context.Context) (string, error) {
			seen := make([]string, 0, len(files))
			for _, f := range files {
				seen = append(seen, f.ID)
			}
			removed, err := deps.Catalog.MarkMissingFromSource(seen)
			if err != nil {
				return "", err
			}
			pending, err := deps.Catalog.ListPending()
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d documents pending, %d flagged for deletion", len(pending), removed), nil
		},
	}

	phases := []Phase{pull, stage, flag}
	phases = append(phases, indexPhases(deps, opID)...)
	return Pipeline{Type: operation.TypeSyncAndProcess, Phases: phases}
}

// stageSourceFile downloads one source file, stores it under a stable
// object key, and records it pending ingestion.
func stageSourceFile(ctx context.Context, deps Deps, f SourceFile) error {
	body, err := deps.Source.Download(ctx, f)
	if err != nil {
		return fmt.Errorf("download %s: %w", f.Path, err)
	}
	defer body.Close()

	key := path.Join("documents", f.ID, f.Name)
	if err := deps.Objects.Put(ctx, key, body, f.ContentType); err != nil {
		return fmt.Errorf("stage %s: %w", f.Path, err)
	}

	doc := models.Document{
		ID:          f.ID,
		FileName:    f.Name,
		SourcePath:  f.Path,
		SourceETag:  f.ETag,
		ObjectKey:   key,
		SizeBytes:   f.SizeBytes,
		ContentType: f.ContentType,
	}
	if err := deps.Catalog.UpsertSynced(doc); err != nil {
		return err
	}
	return nil
}
