package optim

// StepDown drops the learning rate to a fixed value once training passes a
// step threshold.
//
// The drop happens at the first step whose 1-based number exceeds
// AfterStep and never again, even if the learning rate is changed later.
// A zero AfterStep disables the policy.
type StepDown struct {
	AfterStep int     // Last step trained with the initial learning rate
	LR        float64 // Learning rate from step AfterStep+1 on

	applied bool
}

// Apply is called before training step number step (1-based). It lowers
// the optimizer's learning rate when the threshold is first passed and
// reports whether it did so.
func (s *StepDown) Apply(step int, opt Optimizer) bool {
	if s.applied || s.AfterStep <= 0 || step <= s.AfterStep {
		return false
	}
	s.applied = true
	opt.SetLR(s.LR)
	return true
}

// Applied reports whether the drop has happened.
func (s *StepDown) Applied() bool {
	return s.applied
}
