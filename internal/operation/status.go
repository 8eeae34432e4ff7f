// Package operation defines the operation lifecycle state machine and the
// GORM-backed store that enforces the single-active-operation invariant.
package operation

// Status is an operation lifecycle state.
type Status string

const (
	// StatusIdle is the sentinel for "no operation"; it is never persisted.
	StatusIdle             Status = "IDLE"
	StatusStarted          Status = "STARTED"
	StatusPullingSource    Status = "PULLING_SOURCE"
	StatusUploading        Status = "UPLOADING"
	StatusFlaggingForIndex Status = "FLAGGING_FOR_INDEX"
	StatusIndexSubmitted   Status = "INDEX_SUBMITTED"
	StatusIndexPolling     Status = "INDEX_POLLING"
	StatusCompleted        Status = "COMPLETED"
	StatusFailed           Status = "FAILED"
)

// Type identifies which phase pipeline an operation runs.
type Type string

const (
	TypeSyncAndProcess         Type = "SYNC_AND_PROCESS"
	TypeProcessPending         Type = "PROCESS_PENDING"
	TypeManualUploadAndProcess Type = "MANUAL_UPLOAD_AND_PROCESS"
	TypeDeletionAndProcess     Type = "DELETION_AND_PROCESS"
)

// Types lists all known operation types.
func Types() []Type {
	return []Type{
		TypeSyncAndProcess,
		TypeProcessPending,
		TypeManualUploadAndProcess,
		TypeDeletionAndProcess,
	}
}

// statusRank orders statuses along the pipeline. Pipelines may skip ranks
// (deletion never uploads) but a legal forward transition always increases
// the rank.
var statusRank = map[Status]int{
	StatusIdle:             0,
	StatusStarted:          1,
	StatusPullingSource:    2,
	StatusUploading:        3,
	StatusFlaggingForIndex: 4,
	StatusIndexSubmitted:   5,
	StatusIndexPolling:     6,
	StatusCompleted:        7,
	StatusFailed:           7,
}

// Known reports whether s is a defined status value.
func Known(s Status) bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Active reports whether s denotes in-flight work: not terminal and not
// the idle sentinel. Active statuses participate in the one-per-type
// uniqueness invariant.
func (s Status) Active() bool {
	return s != StatusIdle && !s.Terminal()
}

// CanTransition reports whether moving from one status to the next is
// legal. FAILED is reachable from any non-terminal status; COMPLETED only
// from the final polling phase; everything else must move forward.
func CanTransition(from, to Status) bool {
	if !Known(from) || !Known(to) {
		return false
	}
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusFailed:
		return true
	case StatusCompleted:
		return from == StatusIndexPolling
	case StatusIdle:
		return false
	}
	return statusRank[to] > statusRank[from]
}

// nonTerminalGuard is the status set used in SQL guards: a row whose
// current_status is outside this set is untouchable. IDLE is included for
// parity with the partial unique index even though it is never written.
func nonTerminalGuard() []string {
	return []string{string(StatusCompleted), string(StatusFailed), string(StatusIdle)}
}
