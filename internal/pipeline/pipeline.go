// Package pipeline defines the ordered phase lists executed by the
// orchestrator and the collaborator interfaces phases call out to.
package pipeline

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/mwhitten/ingestd/internal/catalog"
	"github.com/mwhitten/ingestd/internal/operation"
)

// Phase is one ordered step of an operation's pipeline. The orchestrator
// persists Status before invoking Run; Run returns a human-readable detail
// on success. Any error halts the pipeline and fails the operation.
type Phase struct {
	Name   string
	Status operation.Status
	Run    func(ctx context.Context) (string, error)
}

// Pipeline is a fixed, ordered phase list for one operation type.
type Pipeline struct {
	Type   operation.Type
	Phases []Phase
}

// SourceFile describes one file in the source system.
type SourceFile struct {
	ID          string
	Name        string
	Path        string
	ETag        string
	SizeBytes   int64
	ContentType string
}

// Source is the external content origin being synced.
type Source interface {
	ListFiles(ctx context.Context) ([]SourceFile, error)
	Download(ctx context.Context, file SourceFile) (io.ReadCloser, error)
}

// ObjectStore stages document content for the indexing service.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
	Delete(ctx context.Context, key string) error
}

// IndexJob is the final report of an indexing-service job.
type IndexJob struct {
	ID        string
	Succeeded bool
	Detail    string
}

// Indexer is the external knowledge-base indexing service.
type Indexer interface {
	// StartIngestion submits an indexing job covering the staged data
	// source and returns its id.
	StartIngestion(ctx context.Context, description string) (string, error)
	// WaitForJob polls the job until it reaches a terminal state or the
	// configured timeout elapses.
	WaitForJob(ctx context.Context, jobID string) (IndexJob, error)
}

// Deps bundles the collaborators phases need. Source may be nil when no
// source system is configured; pipelines that need it say so up front.
type Deps struct {
	Catalog *catalog.Store
	Ops     *operation.Store
	Source  Source
	Objects ObjectStore
	Indexer Indexer
}

// allowedExtensions is the upload allow list, matching what the indexing
// service accepts.
var allowedExtensions = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true,
	".xls": true, ".xlsx": true, ".ppt": true, ".pptx": true,
	".txt": true, ".md": true, ".csv": true, ".html": true,
}

// AllowedExtension reports whether the file name carries an ingestible
// extension.
func AllowedExtension(name string) bool {
	return allowedExtensions[strings.ToLower(filepath.Ext(name))]
}
