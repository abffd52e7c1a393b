// Package taskdata defines the status vocabulary shared by every task
// class in the engine: the four-valued kind, the richer status carrying
// timestamps, and the TaskRef projection used by API callers.
package taskdata

import "time"

// Kind is the bare status enum, stored as a small integer column.
type Kind int

const (
	Pending Kind = iota
	Success
	Error
	Canceled
)

func (k Kind) String() string {
	switch k {
	case Pending:
		return "pending"
	case Success:
		return "success"
	case Error:
		return "error"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// rank gives the total ordering Error > Pending > Canceled > Success used
// for aggregating a job's three phases, and a page's jobs, into one kind.
// Equal kinds compare Equal: the source's ordering made (Success, Success)
// Greater, which breaks reflexivity; this is the corrected version.
func (k Kind) rank() int {
	switch k {
	case Error:
		return 3
	case Pending:
		return 2
	case Canceled:
		return 1
	case Success:
		return 0
	default:
		return -1
	}
}

// Compare returns -1, 0, or 1 as k is less than, equal to, or greater
// than other under Error > Pending > Canceled > Success.
func (k Kind) Compare(other Kind) int {
	a, b := k.rank(), other.rank()
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Max returns the greater of a and b under the total ordering; ties
// resolve to a, making Max associative and commutative-on-kind.
func Max(a, b Kind) Kind {
	if b.Compare(a) > 0 {
		return b
	}
	return a
}

// Status is the observable state of a task: a Kind plus whichever
// timestamps apply to it. Finish is always nil while Kind == Pending and
// always set once Kind is terminal (except a Canceled task that never
// started, which carries no range at all).
type Status struct {
	Kind   Kind
	Start  *time.Time
	Finish *time.Time
}

// PendingStatus builds a Status for a task that has not yet started.
func PendingStatus() Status { return Status{Kind: Pending} }

// Terminal builds a Status for a task that ran to completion (Success,
// Error, or a Canceled task that did get to start).
func Terminal(kind Kind, start, finish time.Time) Status {
	return Status{Kind: kind, Start: &start, Finish: &finish}
}

// CanceledBeforeStart builds the Canceled status for a task whose body
// never reached its first suspension point.
func CanceledBeforeStart() Status { return Status{Kind: Canceled} }

// Class names one of the four task kinds tracked by the engine.
type Class string

const (
	ClassEvaluation Class = "evaluation"
	ClassJobBegin   Class = "job_begin"
	ClassJobBuild   Class = "job_build"
	ClassJobEnd     Class = "job_end"
)

// Phase names one of the two action phases of a job (Build is not an
// action phase: it runs the build backend, not a sandboxed script).
type Phase string

const (
	PhaseBegin Phase = "begin"
	PhaseEnd   Phase = "end"
)

// Ref is the tagged union the API layer uses to name one of a job's
// three phases, paired with its current status. It is a projection of a
// Job row, never a stored entity in its own right.
type Ref struct {
	Action *Phase
	Build  *BuildRef
	Status Status
}

// BuildRef names the build phase by its derivation path and declared
// output.
type BuildRef struct {
	Drv string
	Out string
}

// ActionRef builds a Ref naming one of the two action phases.
func ActionRef(phase Phase, status Status) Ref {
	return Ref{Action: &phase, Status: status}
}

// BuildPhaseRef builds a Ref naming the build phase.
func BuildPhaseRef(drv, out string, status Status) Ref {
	return Ref{Build: &BuildRef{Drv: drv, Out: out}, Status: status}
}
