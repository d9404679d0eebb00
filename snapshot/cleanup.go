package snapshot

// action is one compensating step: an invocation of the snapshot script
// with its stage and arguments, to be run during unwind.
type action struct {
	stage Stage
	args  []string
}

// Stack is a LIFO list of compensating actions, armed as the driver
// advances through its lifecycle and popped as each stage completes
// normally. On failure, Unwind runs whatever remains, in reverse order.
type Stack struct {
	actions []action
}

func (s *Stack) push(stage Stage, args ...string) {
	s.actions = append(s.actions, action{stage: stage, args: args})
}

// pop removes the most recently pushed action without running it, used
// when a stage completes successfully and its compensation is no longer
// needed on this path (e.g. umount pops the pending umount once it has
// run).
func (s *Stack) pop() {
	if len(s.actions) == 0 {
		return
	}
	s.actions = s.actions[:len(s.actions)-1]
}

// Empty reports whether every pushed action has been popped.
func (s *Stack) Empty() bool {
	return len(s.actions) == 0
}

// Unwind runs every remaining action in reverse order, invoking run for
// each. A cleanup action's own failure is reported to onErr but does not
// stop the remaining unwind steps, and never replaces the original
// failure that triggered the unwind.
func (s *Stack) Unwind(run func(stage Stage, args []string) error, onErr func(stage Stage, err error)) {
	for i := len(s.actions) - 1; i >= 0; i-- {
		a := s.actions[i]
		if err := run(a.stage, a.args); err != nil && onErr != nil {
			onErr(a.stage, err)
		}
	}
	s.actions = nil
}
