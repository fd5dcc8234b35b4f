package batch

import "fmt"

// Mode selects how tasks in a batch are scheduled.
type Mode int

const (
	ModeSequential Mode = iota + 1
	ModeBounded
	ModeParallel
)

// Policy is a concurrency policy for a batch.
type Policy struct {
	mode  Mode
	limit int
}

// Sequential runs one task at a time in input order.
func Sequential() Policy { return Policy{mode: ModeSequential, limit: 1} }

// BoundedParallel runs at most n tasks at once. n < 1 is treated as 1.
func BoundedParallel(n int) Policy {
	if n < 1 {
		n = 1
	}
	return Policy{mode: ModeBounded, limit: n}
}

// FullParallel dispatches every task at once.
func FullParallel() Policy { return Policy{mode: ModeParallel} }

// Mode returns the policy mode. The zero Policy reports ModeSequential.
func (p Policy) Mode() Mode {
	if p.mode == 0 {
		return ModeSequential
	}
	return p.mode
}

// Limit returns the admission limit, or -1 for no limit.
func (p Policy) Limit() int {
	switch p.Mode() {
	case ModeParallel:
		return -1
	case ModeSequential:
		return 1
	default:
		return p.limit
	}
}

// String renders the policy, e.g. "bounded(4)".
func (p Policy) String() string {
	switch p.Mode() {
	case ModeSequential:
		return "sequential"
	case ModeBounded:
		return fmt.Sprintf("bounded(%d)", p.limit)
	case ModeParallel:
		return "parallel"
	default:
		return fmt.Sprintf("unknown(%d)", int(p.mode))
	}
}

// Name returns the policy name without its limit, for metric labels.
func (p Policy) Name() string {
	switch p.Mode() {
	case ModeBounded:
		return "bounded"
	case ModeParallel:
		return "parallel"
	default:
		return "sequential"
	}
}

// ParsePolicy builds a Policy from a name and a limit. Accepted names are
// "sequential", "bounded" and "parallel"; the empty name means sequential.
func ParsePolicy(name string, limit int) (Policy, error) {
	switch name {
	case "", "sequential":
		return Sequential(), nil
	case "bounded":
		if limit < 1 {
			return Policy{}, fmt.Errorf("bounded policy needs a limit >= 1, got %d", limit)
		}
		return BoundedParallel(limit), nil
	case "parallel":
		return FullParallel(), nil
	default:
		return Policy{}, fmt.Errorf("unknown policy %q", name)
	}
}
