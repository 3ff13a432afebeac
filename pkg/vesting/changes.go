package vesting

import "fmt"

// ChangeOp identifies a schedule mutation kind.
type ChangeOp string

const (
	// ChangeUpdate replaces the period at Index.
	ChangeUpdate ChangeOp = "update"
	// ChangeRemove removes the period at Index.
	ChangeRemove ChangeOp = "remove"
	// ChangePush appends a period to the end of the schedule.
	ChangePush ChangeOp = "push"
)

// Change is a single schedule mutation.
type Change struct {
	Op     ChangeOp `json:"op"`
	Index  int      `json:"index,omitempty"`
	Period Period   `json:"period,omitempty"`
}

// Apply applies a batch of changes to a scratch copy of the schedule,
// validates the result, and returns it as a new schedule. The receiver is
// never modified, so a batch that breaks an invariant has no effect.
func (s *Schedule) Apply(changes []Change) (*Schedule, error) {
	scratch := append([]Period(nil), s.periods...)

	for i, c := range changes {
		switch c.Op {
		case ChangeUpdate:
			if c.Index < 0 || c.Index >= len(scratch) {
				return nil, fmt.Errorf("change %d: update index %d: %w", i, c.Index, ErrInvalidChangeIndex)
			}
			scratch[c.Index] = c.Period
		case ChangeRemove:
			if c.Index < 0 || c.Index >= len(scratch) {
				return nil, fmt.Errorf("change %d: remove index %d: %w", i, c.Index, ErrInvalidChangeIndex)
			}
			scratch = append(scratch[:c.Index], scratch[c.Index+1:]...)
		case ChangePush:
			scratch = append(scratch, c.Period)
		default:
			return nil, fmt.Errorf("change %d: unknown op %q", i, c.Op)
		}
	}

	return New(scratch)
}
