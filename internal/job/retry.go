package job

// RetryCeiling is the re-entry count at which a job is escalated.
const RetryCeiling = 3

// RetryDecision is what the retry controller wants done with a job.
type RetryDecision int

const (
	RetryDispatch RetryDecision = iota
	RetryEscalate
)

func (d RetryDecision) String() string {
	if d == RetryEscalate {
		return "escalate"
	}
	return "dispatch"
}

// RetryController advances a job's retry counter and compares it against the
// ceiling. The comparison is strict equality: a counter that jumps past the
// ceiling keeps dispatching and is reported by PastCeiling.
type RetryController struct {
	ceiling int
}

// NewRetryController creates a controller with the fixed ceiling.
func NewRetryController() *RetryController {
	return &RetryController{ceiling: RetryCeiling}
}

// Advance increments j.RetryAttempt in memory and decides the next step.
func (r *RetryController) Advance(j *Job) RetryDecision {
	j.RetryAttempt++
	if j.RetryAttempt == r.ceiling {
		return RetryEscalate
	}
	return RetryDispatch
}

// PastCeiling reports a counter that skipped the ceiling.
func (r *RetryController) PastCeiling(j *Job) bool {
	return j.RetryAttempt > r.ceiling
}
