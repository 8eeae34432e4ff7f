// Package orchestrator creates operations and drives their phase
// pipelines in detached goroutines, owning a registry of in-flight work.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mwhitten/ingestd/internal/config"
	"github.com/mwhitten/ingestd/internal/models"
	"github.com/mwhitten/ingestd/internal/notify"
	"github.com/mwhitten/ingestd/internal/operation"
	"github.com/mwhitten/ingestd/internal/pipeline"
)

// ErrValidation marks synchronous input rejection: no operation row is
// created and the transport layer maps it to a 400.
var ErrValidation = errors.New("orchestrator: invalid input")

// Input carries the request payload for pipelines that need one.
type Input struct {
	Uploads     []pipeline.Upload
	DocumentIDs []string
}

// Job describes one in-flight operation owned by this process.
type Job struct {
	OperationID uint
	Type        operation.Type
	StartedAt   time.Time
}

// Opts holds construction parameters for the Orchestrator.
type Opts struct {
	Ops        *operation.Store
	Deps       pipeline.Deps
	Notifier   notify.Notifier
	Limits     config.LimitsConfig
	StaleAfter time.Duration
	Out        io.Writer
}

// Orchestrator starts operations and runs their pipelines to a terminal
// state. Background work is tied to the orchestrator's context, not the
// initiating request's, so it survives the HTTP response.
type Orchestrator struct {
	ctx        context.Context
	ops        *operation.Store
	deps       pipeline.Deps
	notifier   notify.Notifier
	limits     config.LimitsConfig
	staleAfter time.Duration
	out        io.Writer

	mu       sync.Mutex
	inflight map[uint]Job
	wg       sync.WaitGroup
}

// New creates an Orchestrator. ctx bounds all background pipeline work.
func New(ctx context.Context, opts Opts) (*Orchestrator, error) {
	if opts.Ops == nil {
		return nil, fmt.Errorf("orchestrator: operation store is required")
	}
	if opts.Deps.Catalog == nil || opts.Deps.Indexer == nil || opts.Deps.Objects == nil {
		return nil, fmt.Errorf("orchestrator: catalog, indexer and object store are required")
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 2 * time.Hour
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	opts.Deps.Ops = opts.Ops
	return &Orchestrator{
		ctx:        ctx,
		ops:        opts.Ops,
		deps:       opts.Deps,
		notifier:   opts.Notifier,
		limits:     opts.Limits,
		staleAfter: opts.StaleAfter,
		out:        opts.Out,
		inflight:   make(map[uint]Job),
	}, nil
}

// Start validates the input, creates the operation row, and launches the
// pipeline in a detached goroutine. It returns the created operation
// immediately; operation.ErrConflict when one of this type is already
// active; ErrValidation when the input is rejected before any row exists.
func (o *Orchestrator) Start(opType operation.Type, in Input) (*models.Operation, error) {
	if err := o.validate(opType, in); err != nil {
		return nil, err
	}

	op, err := o.ops.Create(opType, initialProgress(opType, in))
	if err != nil {
		return nil, err
	}

	pl, err := o.pipelineFor(opType, op.ID, in)
	if err != nil {
		// Cannot happen for a validated input; fail the row rather than
		// strand it STARTED.
		o.fail(op.ID, err.Error())
		return nil, err
	}

	o.launch(op, pl)
	return op, nil
}

// Inflight returns a snapshot of operations currently running in this
// process, ordered by operation id.
func (o *Orchestrator) Inflight() []Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	jobs := make([]Job, 0, len(o.inflight))
	for _, j := range o.inflight {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].OperationID < jobs[k].OperationID })
	return jobs
}

// Wait blocks until all in-flight pipelines finish. Used for graceful
// shutdown; it does not cancel anything.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) validate(opType operation.Type, in Input) error {
	switch opType {
	case operation.TypeSyncAndProcess:
		if o.deps.Source == nil {
			return fmt.Errorf("%w: source system is not configured", ErrValidation)
		}
	case operation.TypeManualUploadAndProcess:
		if len(in.Uploads) == 0 {
			return fmt.Errorf("%w: at least one file is required", ErrValidation)
		}
		if len(in.Uploads) > o.limits.MaxUploadFiles {
			return fmt.Errorf("%w: too many files: %d exceeds the maximum of %d",
				ErrValidation, len(in.Uploads), o.limits.MaxUploadFiles)
		}
		for _, u := range in.Uploads {
			if u.SizeBytes > o.limits.MaxUploadBytes {
				return fmt.Errorf("%w: file %s exceeds the size limit of %d bytes",
					ErrValidation, u.FileName, o.limits.MaxUploadBytes)
			}
			if !pipeline.AllowedExtension(u.FileName) {
				return fmt.Errorf("%w: file %s has an unsupported extension", ErrValidation, u.FileName)
			}
		}
	case operation.TypeDeletionAndProcess:
		if len(in.DocumentIDs) == 0 {
			return fmt.Errorf("%w: at least one document id is required", ErrValidation)
		}
		if len(in.DocumentIDs) > o.limits.MaxDeleteBatch {
			return fmt.Errorf("%w: too many document ids: %d exceeds the maximum of %d",
				ErrValidation, len(in.DocumentIDs), o.limits.MaxDeleteBatch)
		}
		for i, id := range in.DocumentIDs {
			if strings.TrimSpace(id) == "" {
				return fmt.Errorf("%w: blank document id at index %d", ErrValidation, i)
			}
		}
	case operation.TypeProcessPending:
	default:
		return fmt.Errorf("%w: unknown operation type %q", ErrValidation, opType)
	}
	return nil
}

func (o *Orchestrator) pipelineFor(opType operation.Type, opID uint, in Input) (pipeline.Pipeline, error) {
	switch opType {
	case operation.TypeSyncAndProcess:
		return pipeline.SyncAndProcess(o.deps, opID), nil
	case operation.TypeManualUploadAndProcess:
		return pipeline.ManualUploadAndProcess(o.deps, opID, in.Uploads), nil
	case operation.TypeDeletionAndProcess:
		return pipeline.DeletionAndProcess(o.deps, opID, in.DocumentIDs), nil
	case operation.TypeProcessPending:
		return pipeline.ProcessPending(o.deps, opID), nil
	}
	return pipeline.Pipeline{}, fmt.Errorf("orchestrator: no pipeline for type %q", opType)
}

func (o *Orchestrator) launch(op *models.Operation, pl pipeline.Pipeline) {
	job := Job{OperationID: op.ID, Type: pl.Type, StartedAt: time.Now()}
	o.mu.Lock()
	o.inflight[op.ID] = job
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.inflight, op.ID)
			o.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("orchestrator: CRITICAL: panic in operation %d pipeline: %v", op.ID, r)
				o.fail(op.ID, fmt.Sprintf("internal error: %v", r))
			}
		}()
		o.run(op.ID, pl)
	}()
}

// run executes the pipeline phases strictly sequentially. Each phase's
// status is durably persisted before the phase executes; the first failure
// halts the pipeline and later phases are never attempted.
func (o *Orchestrator) run(opID uint, pl pipeline.Pipeline) {
	for _, ph := range pl.Phases {
		ok, err := o.ops.Transition(opID, ph.Status, fmt.Sprintf("Starting %s.", ph.Name))
		if err != nil {
			log.Printf("orchestrator: operation %d: persist %s status: %v", opID, ph.Status, err)
			o.fail(opID, fmt.Sprintf("could not persist %s status: %v", ph.Status, err))
			return
		}
		if !ok {
			// Some other path already drove the row terminal; stop quietly.
			log.Printf("orchestrator: operation %d already terminal, skipping %s", opID, ph.Name)
			return
		}

		detail, err := ph.Run(o.ctx)
		if err != nil {
			fmt.Fprintf(o.out, "Operation %d failed during %s: %v\n", opID, ph.Name, err)
			o.fail(opID, fmt.Sprintf("%s: %v", ph.Name, err))
			o.notifyTerminal(opID)
			return
		}
		if err := o.ops.UpdateProgress(opID, detail); err != nil {
			log.Printf("orchestrator: operation %d: record progress: %v", opID, err)
		}
		fmt.Fprintf(o.out, "Operation %d: %s: %s\n", opID, ph.Name, detail)
	}

	done, err := o.ops.Complete(opID, "Operation completed successfully.")
	if err != nil {
		log.Printf("orchestrator: CRITICAL: operation %d: record completion: %v", opID, err)
		o.fail(opID, fmt.Sprintf("could not record completion: %v", err))
		return
	}
	if !done {
		// A concurrent failure path won the race; the row stays FAILED.
		log.Printf("orchestrator: operation %d was marked failed before completion", opID)
	}
	o.notifyTerminal(opID)
}

// fail marks the operation FAILED, retrying once on a store error. If the
// retry also fails the row is left non-terminal for the reconciliation
// sweep and the condition is logged as critical.
func (o *Orchestrator) fail(opID uint, msg string) {
	if _, err := o.ops.Fail(opID, msg); err != nil {
		log.Printf("orchestrator: operation %d: record failure: %v", opID, err)
		if _, err := o.ops.Fail(opID, msg); err != nil {
			log.Printf("orchestrator: CRITICAL: operation %d left non-terminal, failure not recorded: %v", opID, err)
		}
	}
}

// notifyTerminal delivers a best-effort terminal-state notification.
func (o *Orchestrator) notifyTerminal(opID uint) {
	if o.notifier == nil {
		return
	}
	op, err := o.ops.Get(opID)
	if err != nil {
		log.Printf("orchestrator: operation %d: load for notification: %v", opID, err)
		return
	}
	if err := o.notifier.OperationTerminal(o.ctx, op); err != nil {
		log.Printf("orchestrator: operation %d: notify: %v", opID, err)
	}
}

func initialProgress(opType operation.Type, in Input) string {
	switch opType {
	case operation.TypeSyncAndProcess:
		return "Source sync and processing initiated."
	case operation.TypeManualUploadAndProcess:
		return fmt.Sprintf("Manual upload and processing initiated for %d files.", len(in.Uploads))
	case operation.TypeDeletionAndProcess:
		return fmt.Sprintf("Deletion and processing initiated for %d documents.", len(in.DocumentIDs))
	case operation.TypeProcessPending:
		return "Pending document processing initiated."
	}
	return "Operation initiated."
}
