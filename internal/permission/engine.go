package permission

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigurationError reports a malformed rule table or a caller passing values
// outside the closed vocabularies. It signals a programming or deployment
// mistake, never a denial.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "permission configuration: " + e.Msg
}

// ForbiddenError indicates a denied permission.
type ForbiddenError struct {
	Permission string
	Reason     string
}

func (e ForbiddenError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("permission %s required", e.Permission)
	}
	return fmt.Sprintf("permission %s required: %s", e.Permission, e.Reason)
}

// IsForbidden reports whether err carries a ForbiddenError.
func IsForbidden(err error) bool {
	var fe ForbiddenError
	return errors.As(err, &fe)
}

// Engine evaluates permission checks against an ordered, immutable rule table.
// It holds no mutable state and is safe for concurrent use.
type Engine struct {
	rules []Rule
	index map[string][]int
}

// NewEngine validates rules and builds an engine over them.
func NewEngine(rules []Rule) (*Engine, error) {
	if err := validateRules(rules); err != nil {
		return nil, err
	}
	e := &Engine{
		rules: make([]Rule, len(rules)),
		index: make(map[string][]int),
	}
	for i, r := range rules {
		r.Condition.Roles = append([]Role(nil), r.Condition.Roles...)
		r.Condition.Statuses = append([]Status(nil), r.Condition.Statuses...)
		r.Condition.Certifications = append([]string(nil), r.Condition.Certifications...)
		e.rules[i] = r
		k := Key(r.Resource, r.Action)
		e.index[k] = append(e.index[k], i)
	}
	return e, nil
}

// MustNewEngine is NewEngine that panics on an invalid table.
func MustNewEngine(rules []Rule) *Engine {
	e, err := NewEngine(rules)
	if err != nil {
		panic(err)
	}
	return e
}

// Rules returns a copy of the loaded table in declaration order.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Check decides whether identity may perform act on res. A denial is reported
// through CheckResult; an error is returned only for malformed input.
func (e *Engine) Check(identity *Identity, res Resource, act Action, rc *RequestContext) (CheckResult, error) {
	if identity == nil {
		return CheckResult{}, &ConfigurationError{Msg: "nil identity"}
	}
	if !ValidRole(identity.Role) {
		return CheckResult{}, &ConfigurationError{Msg: fmt.Sprintf("unknown role %q", identity.Role)}
	}
	if !ValidStatus(identity.Status) {
		return CheckResult{}, &ConfigurationError{Msg: fmt.Sprintf("unknown status %q", identity.Status)}
	}
	if identity.Level < MinLevel || identity.Level > MaxLevel {
		return CheckResult{}, &ConfigurationError{Msg: fmt.Sprintf("level %d outside [%d,%d]", identity.Level, MinLevel, MaxLevel)}
	}
	if !ValidResource(res) {
		return CheckResult{}, &ConfigurationError{Msg: fmt.Sprintf("unknown resource %q", res)}
	}
	if !ValidAction(act) {
		return CheckResult{}, &ConfigurationError{Msg: fmt.Sprintf("unknown action %q", act)}
	}

	switch identity.Status {
	case StatusSuspended:
		return CheckResult{Reason: "account suspended"}, nil
	case StatusInactive:
		return CheckResult{Reason: "account inactive"}, nil
	}

	candidates := e.index[Key(res, act)]
	if len(candidates) == 0 {
		return CheckResult{Reason: fmt.Sprintf("no rule defined for %s×%s", res, act)}, nil
	}

	req := Request{Identity: *identity, Resource: res, Action: act}
	if rc != nil {
		req.Context = *rc
	}
	for _, i := range candidates {
		if unmet(e.rules[i].Condition, req) == "" {
			return CheckResult{Allowed: true, Reason: "granted", MatchedRule: e.rules[i].ID}, nil
		}
	}

	first := e.rules[candidates[0]]
	out := CheckResult{Reason: unmet(first.Condition, req)}
	if lo := first.Condition.MinLevel; lo != nil && identity.Level < *lo {
		v := *lo
		out.RequiredLevel = &v
	}
	if missing := missingCertifications(first.Condition.Certifications, *identity); len(missing) > 0 {
		out.RequiredCertifications = missing
	}
	return out, nil
}

// Require returns a ForbiddenError when the check denies.
func (e *Engine) Require(identity *Identity, res Resource, act Action, rc *RequestContext) error {
	result, err := e.Check(identity, res, act, rc)
	if err != nil {
		return err
	}
	if !result.Allowed {
		return ForbiddenError{Permission: Key(res, act), Reason: result.Reason}
	}
	return nil
}

// UserPermissions lists every "resource:action" the identity is granted,
// ordered by resource then action. Rules that depend on request context are
// evaluated without one and therefore do not contribute.
func (e *Engine) UserPermissions(identity Identity) []string {
	var out []string
	for _, res := range Resources {
		for _, act := range Actions {
			result, err := e.Check(&identity, res, act, nil)
			if err == nil && result.Allowed {
				out = append(out, Key(res, act))
			}
		}
	}
	return out
}

// CanServeRiskLevel gates subjects by risk using level alone.
func CanServeRiskLevel(identity Identity, risk RiskLevel) bool {
	switch {
	case identity.Level >= 3:
		return ValidRiskLevel(risk)
	case identity.Level == 2:
		return risk == RiskLow || risk == RiskMedium
	case identity.Level == 1:
		return risk == RiskLow
	default:
		return false
	}
}

var studentCapacity = [...]int{0, 10, 30, 50, 100}

// MaxStudentCount returns how many students an identity may supervise.
func MaxStudentCount(identity Identity) int {
	if identity.Level < MinLevel || identity.Level > MaxLevel {
		return 0
	}
	return studentCapacity[identity.Level]
}

// unmet returns a description of the first requirement of c that req fails,
// or "" when the condition is satisfied.
func unmet(c Condition, req Request) string {
	id := req.Identity
	if len(c.Roles) > 0 && !containsRole(c.Roles, id.Role) {
		return fmt.Sprintf("role %s not permitted", id.Role)
	}
	if c.MinLevel != nil && id.Level < *c.MinLevel {
		return fmt.Sprintf("level %d or higher required", *c.MinLevel)
	}
	if c.MaxLevel != nil && id.Level > *c.MaxLevel {
		return fmt.Sprintf("level %d or lower required", *c.MaxLevel)
	}
	if missing := missingCertifications(c.Certifications, id); len(missing) > 0 {
		return "missing certifications: " + strings.Join(missing, ", ")
	}
	if len(c.Statuses) > 0 && !containsStatus(c.Statuses, id.Status) {
		return fmt.Sprintf("status %s not permitted", id.Status)
	}
	if c.Predicate != nil && !c.Predicate.Eval(req) {
		return fmt.Sprintf("condition %s not satisfied", c.Predicate.Name())
	}
	return ""
}

func missingCertifications(required []string, id Identity) []string {
	var missing []string
	for _, cert := range required {
		if !id.HasCertification(cert) {
			missing = append(missing, cert)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return sortedCopy(missing)
}

func containsRole(list []Role, r Role) bool {
	for _, v := range list {
		if v == r {
			return true
		}
	}
	return false
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
