package pipeline

import (
	"github.com/mwhitten/ingestd/internal/operation"
)

// ProcessPending builds the pipeline that skips staging and submits
// whatever is already pending, then drives the index job to completion.
func ProcessPending(deps Deps, opID uint) Pipeline {
	return Pipeline{
		Type:   operation.TypeProcessPending,
		Phases: indexPhases(deps, opID),
	}
}
