package executor

import "fmt"

// ExecMode gates what work the partition accepts and when speculative
// responses may be released to clients.
type ExecMode int

const (
	// ModeCommitAll: no dtxn active; single-partition transactions commit
	// and respond immediately.
	ModeCommitAll ExecMode = iota
	// ModeCommitReadOnly: dtxn active but read-only at this partition;
	// read-only speculative responses may be released immediately.
	ModeCommitReadOnly
	// ModeCommitNonConflicting: dtxn active; speculative transactions that
	// passed the conflict checker may respond immediately.
	ModeCommitNonConflicting
	// ModeCommitNone: dtxn active and has written here; all speculative
	// responses queue until the dtxn resolves.
	ModeCommitNone
	// ModeDisabled: speculation halted after a speculative abort; new
	// client work blocks until the dtxn finishes.
	ModeDisabled
	// ModeDisabledReject: partition halted; non-sysproc work is rejected.
	ModeDisabledReject
)

func (m ExecMode) String() string {
	switch m {
	case ModeCommitAll:
		return "COMMIT_ALL"
	case ModeCommitReadOnly:
		return "COMMIT_READONLY"
	case ModeCommitNonConflicting:
		return "COMMIT_NONCONFLICTING"
	case ModeCommitNone:
		return "COMMIT_NONE"
	case ModeDisabled:
		return "DISABLED"
	case ModeDisabledReject:
		return "DISABLED_REJECT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(m))
	}
}

// BlocksNewWork reports whether client transactions must queue instead of
// executing.
func (m ExecMode) BlocksNewWork() bool {
	return m == ModeDisabled
}
