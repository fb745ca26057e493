package permission

import "fmt"

// Predicate is a context-dependent rule condition. The set of predicate kinds
// is closed; rule tables refer to them by name and are resolved at load time.
type Predicate interface {
	Name() string
	Eval(req Request) bool
	predicate()
}

// RiskLevelAtMost passes when the request's subject risk level is known and
// does not exceed Max.
type RiskLevelAtMost struct {
	Max RiskLevel
}

func (p RiskLevelAtMost) Name() string {
	switch p.Max {
	case RiskLow:
		return "low_risk_only"
	case RiskMedium:
		return "medium_risk_or_lower"
	default:
		return "risk_at_most_" + string(p.Max)
	}
}

func (p RiskLevelAtMost) Eval(req Request) bool {
	r := req.Context.RiskLevel.rank()
	return r > 0 && r <= p.Max.rank()
}

func (RiskLevelAtMost) predicate() {}

// OwnsResource passes when the caller owns the target resource.
type OwnsResource struct{}

func (OwnsResource) Name() string { return "owns_resource" }

func (OwnsResource) Eval(req Request) bool {
	return req.Context.OwnerID != "" && req.Context.OwnerID == req.Identity.ID
}

func (OwnsResource) predicate() {}

// SupervisesSubject passes when the caller is the supervising coach of the
// subject the request concerns.
type SupervisesSubject struct{}

func (SupervisesSubject) Name() string { return "supervises_subject" }

func (SupervisesSubject) Eval(req Request) bool {
	return req.Context.SubjectCoachID != "" && req.Context.SubjectCoachID == req.Identity.ID
}

func (SupervisesSubject) predicate() {}

// PredicateByName resolves a rule-table predicate name.
func PredicateByName(name string) (Predicate, error) {
	switch name {
	case "":
		return nil, nil
	case "low_risk_only":
		return RiskLevelAtMost{Max: RiskLow}, nil
	case "medium_risk_or_lower":
		return RiskLevelAtMost{Max: RiskMedium}, nil
	case "owns_resource":
		return OwnsResource{}, nil
	case "supervises_subject":
		return SupervisesSubject{}, nil
	default:
		return nil, &ConfigurationError{Msg: fmt.Sprintf("unknown predicate %q", name)}
	}
}
