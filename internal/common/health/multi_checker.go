package health

import "github.com/hashicorp/go-multierror"

// MultiChecker aggregates checkers; it fails if any of them fails.
type MultiChecker struct {
	checkers []Checker
}

func NewMultiChecker(checkers ...Checker) *MultiChecker {
	return &MultiChecker{checkers: checkers}
}

// Check runs every checker and returns the collected failures, or nil if all
// passed.
func (mc *MultiChecker) Check() error {
	var result *multierror.Error
	for _, checker := range mc.checkers {
		result = multierror.Append(result, checker.Check())
	}
	return result.ErrorOrNil()
}

// Add registers another checker.
func (mc *MultiChecker) Add(checker Checker) {
	mc.checkers = append(mc.checkers, checker)
}
