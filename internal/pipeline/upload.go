package pipeline

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/google/uuid"
	"github.com/mwhitten/ingestd/internal/operation"
)

// Upload is one validated file handed off by the HTTP layer, spooled to a
// temp file so the request body can be released before the pipeline runs.
type Upload struct {
	FileName    string
	ContentType string
	SizeBytes   int64
	TempPath    string
}

// ManualUploadAndProcess builds the pipeline that stages uploaded files
// into the object store, flags them for indexing, and drives an index job
// to completion.
func ManualUploadAndProcess(deps Deps, opID uint, uploads []Upload) Pipeline {
	stage := Phase{
		Name:   "stage uploads",
		Status: operation.StatusUploading,
		Run: func(ctx context.Context) (string, error) {
			defer removeTempFiles(uploads)
			for _, u := range uploads {
				if err := stageUpload(ctx, deps, u); err != nil {
					return "", err
				}
			}
			return fmt.Sprintf("%d uploaded files staged", len(uploads)), nil
		},
	}

	flag := Phase{
		Name:   "flag uploads for indexing",
		Status: operation.StatusFlaggingForIndex,
		Run: func(ctx context.Context) (string, error) {
			pending, err := deps.Catalog.ListPending()
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d documents pending ingestion", len(pending)), nil
		},
	}

	phases := []Phase{stage, flag}
	phases = append(phases, indexPhases(deps, opID)...)
	return Pipeline{Type: operation.TypeManualUploadAndProcess, Phases: phases}
}

func stageUpload(ctx context.Context, deps Deps, u Upload) error {
	body, err := os.Open(u.TempPath)
	if err != nil {
		return fmt.Errorf("open spooled upload %s: %w", u.FileName, err)
	}
	defer body.Close()

	key := path.Join("uploads", uuid.New().String(), u.FileName)
	if err := deps.Objects.Put(ctx, key, body, u.ContentType); err != nil {
		return fmt.Errorf("stage upload %s: %w", u.FileName, err)
	}
	if _, err := deps.Catalog.StageUpload(u.FileName, key, u.ContentType, u.SizeBytes); err != nil {
		return err
	}
	return nil
}

func removeTempFiles(uploads []Upload) {
	for _, u := range uploads {
		os.Remove(u.TempPath)
	}
}
