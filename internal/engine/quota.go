package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/mibody/internal/ir"
)

// DefaultMaxSteps bounds the commands processed by one Run or Drain.
const DefaultMaxSteps = 100000

// QuotaEnforcer counts processed commands per kind and fails once the
// total passes a limit. A protocol that keeps re-delivering notifications,
// or a continuation that re-enqueues itself, hits the quota instead of
// spinning forever; the per-kind tally names the culprit.
type QuotaEnforcer struct {
	limit  int
	total  int
	byKind map[ir.CommandKind]int
}

// NewQuotaEnforcer creates an enforcer allowing limit steps. Zero or a
// negative value disables the limit.
func NewQuotaEnforcer(limit int) *QuotaEnforcer {
	return &QuotaEnforcer{limit: limit, byKind: map[ir.CommandKind]int{}}
}

// Check counts one command of the given kind.
func (q *QuotaEnforcer) Check(kind ir.CommandKind) error {
	q.total++
	q.byKind[kind]++
	if q.limit <= 0 || q.total <= q.limit {
		return nil
	}
	return &StepsExceededError{Steps: q.total, Limit: q.limit, Dominant: q.dominant()}
}

// dominant is the most frequent kind so far, ties broken by name.
func (q *QuotaEnforcer) dominant() ir.CommandKind {
	var best ir.CommandKind
	for k, n := range q.byKind {
		if n > q.byKind[best] || (n == q.byKind[best] && k < best) {
			best = k
		}
	}
	return best
}

// Reset clears all counts.
func (q *QuotaEnforcer) Reset() {
	q.total = 0
	clear(q.byKind)
}

// Current returns the total step count.
func (q *QuotaEnforcer) Current() int {
	return q.total
}

// Count returns the steps counted for one kind.
func (q *QuotaEnforcer) Count(kind ir.CommandKind) int {
	return q.byKind[kind]
}

// StepsExceededError is returned when the step quota is exceeded.
type StepsExceededError struct {
	Steps    int
	Limit    int
	Dominant ir.CommandKind
}

func (e *StepsExceededError) Error() string {
	msg := fmt.Sprintf("exceeded max steps quota: %d steps > %d limit", e.Steps, e.Limit)
	if e.Dominant != "" {
		msg += fmt.Sprintf(" (mostly %s)", e.Dominant)
	}
	return msg
}

// IsStepsExceededError reports whether err is a StepsExceededError.
func IsStepsExceededError(err error) bool {
	var se *StepsExceededError
	return errors.As(err, &se)
}
