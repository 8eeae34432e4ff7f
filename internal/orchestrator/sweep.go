package orchestrator

import (
	"fmt"
	"log"
	"time"
)

// SweepStale force-fails operations stuck non-terminal with no update for
// longer than the staleness threshold. Such rows can only come from a
// secondary failure while recording a failure (or a process crash);
// operations still running in this process are never swept, no matter how
// old their last update is. Returns how many rows were failed.
func (o *Orchestrator) SweepStale() (int, error) {
	cutoff := time.Now().UTC().Add(-o.staleAfter)
	stale, err := o.ops.StaleActive(cutoff)
	if err != nil {
		return 0, err
	}

	o.mu.Lock()
	running := make(map[uint]bool, len(o.inflight))
	for id := range o.inflight {
		running[id] = true
	}
	o.mu.Unlock()

	swept := 0
	for _, op := range stale {
		if running[op.ID] {
			continue
		}
		msg := fmt.Sprintf("operation stalled: no update since %s, force-failed by reconciliation sweep",
			op.UpdatedAt.UTC().Format(time.RFC3339))
		done, err := o.ops.Fail(op.ID, msg)
		if err != nil {
			log.Printf("orchestrator: sweep: fail operation %d: %v", op.ID, err)
			continue
		}
		if done {
			fmt.Fprintf(o.out, "Swept stale operation %d (%s)\n", op.ID, op.OperationType)
			swept++
		}
	}
	return swept, nil
}
