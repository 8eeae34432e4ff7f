package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mwhitten/ingestd/internal/catalog"
	"github.com/mwhitten/ingestd/internal/operation"
)

// DeletionAndProcess builds the pipeline that flags the requested
// documents for deletion, removes their staged objects, and drives an
// index job so the knowledge base drops them.
func DeletionAndProcess(deps Deps, opID uint, documentIDs []string) Pipeline {
	flag := Phase{
		Name:   "flag documents for deletion",
		Status: operation.StatusFlaggingForIndex,
		Run: func(ctx context.Context) (string, error) {
			flagged, missing, err := deps.Catalog.FlagForDeletion(documentIDs)
			if err != nil {
				return "", err
			}
			if flagged == 0 {
				return "", fmt.Errorf("none of the %d requested documents exist", len(documentIDs))
			}
			if err := removeStagedObjects(ctx, deps, documentIDs); err != nil {
				return "", err
			}
			detail := fmt.Sprintf("%d documents flagged for deletion", flagged)
			if len(missing) > 0 {
				detail += fmt.Sprintf(", %d not found (%s)", len(missing), strings.Join(missing, ", "))
			}
			return detail, nil
		},
	}

	phases := []Phase{flag}
	phases = append(phases, indexPhases(deps, opID)...)
	return Pipeline{Type: operation.TypeDeletionAndProcess, Phases: phases}
}

// removeStagedObjects deletes the staged content of each flagged document
// so the next index job drops it from the knowledge base.
func removeStagedObjects(ctx context.Context, deps Deps, documentIDs []string) error {
	for _, id := range documentIDs {
		doc, err := deps.Catalog.Get(id)
		if errors.Is(err, catalog.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if doc.ObjectKey == "" {
			continue
		}
		if err := deps.Objects.Delete(ctx, doc.ObjectKey); err != nil {
			return fmt.Errorf("delete staged object for %s: %w", id, err)
		}
	}
	return nil
}
