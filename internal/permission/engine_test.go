package permission_test

import (
	"errors"
	"reflect"
	"testing"

	"coachline/internal/permission"
)

func newEngine(t *testing.T) *permission.Engine {
	t.Helper()
	e, err := permission.NewEngine(permission.DefaultRules())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func juniorCoach() permission.Identity {
	return permission.Identity{
		ID:             "coach-1",
		Role:           permission.RoleCoachJunior,
		Level:          1,
		Certifications: []string{permission.CertL1},
		Status:         permission.StatusActive,
	}
}

func TestJuniorCoachInterventionByRisk(t *testing.T) {
	e := newEngine(t)
	id := juniorCoach()

	res, err := e.Check(&id, permission.ResourceInterventionPlan, permission.ActionCreate, &permission.RequestContext{RiskLevel: permission.RiskLow})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Allowed || res.MatchedRule != "intervention_create_basic" {
		t.Fatalf("expected allowed via intervention_create_basic, got %+v", res)
	}

	res, err = e.Check(&id, permission.ResourceInterventionPlan, permission.ActionCreate, &permission.RequestContext{RiskLevel: permission.RiskHigh})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Allowed {
		t.Fatalf("expected deny for high risk subject")
	}
	if res.MatchedRule != "" {
		t.Fatalf("denied result should not carry a matched rule: %+v", res)
	}
	if res.Reason != "condition low_risk_only not satisfied" {
		t.Fatalf("unexpected reason %q", res.Reason)
	}
}

func TestDenyByDefault(t *testing.T) {
	e := newEngine(t)
	uncovered := [][2]string{
		{string(permission.ResourceDecisionRecord), string(permission.ActionDelete)},
		{string(permission.ResourceSystemConfig), string(permission.ActionDelete)},
		{string(permission.ResourceHealthData), string(permission.ActionExecute)},
	}
	for _, pair := range uncovered {
		res, act := permission.Resource(pair[0]), permission.Action(pair[1])
		for _, role := range permission.Roles {
			for level := permission.MinLevel; level <= permission.MaxLevel; level++ {
				for _, status := range permission.Statuses {
					id := permission.Identity{
						ID:             "u",
						Role:           role,
						Level:          level,
						Certifications: []string{permission.CertL1, permission.CertL2, permission.CertL3, permission.CertExpert, permission.CertTrainer, permission.CertAdmin},
						Status:         status,
					}
					out, err := e.Check(&id, res, act, &permission.RequestContext{RiskLevel: permission.RiskLow, OwnerID: "u", SubjectCoachID: "u"})
					if err != nil {
						t.Fatalf("check: %v", err)
					}
					if out.Allowed {
						t.Fatalf("%s:%s allowed for %+v", res, act, id)
					}
				}
			}
		}
	}

	id := juniorCoach()
	out, _ := e.Check(&id, permission.ResourceDecisionRecord, permission.ActionDelete, nil)
	if out.Reason != "no rule defined for decision_record×delete" {
		t.Fatalf("unexpected reason %q", out.Reason)
	}
}

func TestSuspensionOverridesEverything(t *testing.T) {
	e := newEngine(t)
	admin := permission.Identity{
		ID:             "admin-1",
		Role:           permission.RoleAdmin,
		Level:          4,
		Certifications: []string{permission.CertAdmin},
		Status:         permission.StatusActive,
	}
	active, err := e.Check(&admin, permission.ResourceSystemConfig, permission.ActionView, nil)
	if err != nil || !active.Allowed {
		t.Fatalf("active admin should view system config: %+v %v", active, err)
	}

	suspended := admin
	suspended.Status = permission.StatusSuspended
	for _, res := range permission.Resources {
		for _, act := range permission.Actions {
			out, err := e.Check(&suspended, res, act, &permission.RequestContext{OwnerID: admin.ID})
			if err != nil {
				t.Fatalf("check: %v", err)
			}
			if out.Allowed {
				t.Fatalf("suspended identity allowed %s:%s", res, act)
			}
			if out.Reason != "account suspended" {
				t.Fatalf("unexpected reason %q", out.Reason)
			}
		}
	}
	if perms := e.UserPermissions(suspended); len(perms) != 0 {
		t.Fatalf("suspended identity should hold no permissions, got %v", perms)
	}

	inactive := admin
	inactive.Status = permission.StatusInactive
	out, _ := e.Check(&inactive, permission.ResourceSystemConfig, permission.ActionView, nil)
	if out.Allowed || out.Reason != "account inactive" {
		t.Fatalf("inactive identity should be denied, got %+v", out)
	}
}

func TestMonotonicLevelGating(t *testing.T) {
	e := newEngine(t)
	b := permission.Identity{
		ID:             "senior",
		Role:           permission.RoleCoachSenior,
		Level:          3,
		Certifications: []string{permission.CertL1, permission.CertL2, permission.CertL3},
		Status:         permission.StatusActive,
	}
	a := b
	a.Level = 2

	outB, err := e.Check(&b, permission.ResourceInterventionPlan, permission.ActionApprove, nil)
	if err != nil || !outB.Allowed {
		t.Fatalf("level 3 should approve: %+v %v", outB, err)
	}
	outA, err := e.Check(&a, permission.ResourceInterventionPlan, permission.ActionApprove, nil)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if outA.Allowed {
		t.Fatalf("level 2 should be denied")
	}
	if outA.RequiredLevel == nil || *outA.RequiredLevel != 3 {
		t.Fatalf("expected required level 3, got %+v", outA.RequiredLevel)
	}
}

func TestMissingCertificationDiagnostics(t *testing.T) {
	e := newEngine(t)
	id := permission.Identity{
		ID:     "coach-2",
		Role:   permission.RoleCoachIntermediate,
		Level:  2,
		Status: permission.StatusActive,
	}
	out, err := e.Check(&id, permission.ResourceAgentSuggestion, permission.ActionApprove, nil)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if out.Allowed {
		t.Fatalf("expected deny without certifications")
	}
	if !reflect.DeepEqual(out.RequiredCertifications, []string{permission.CertL2}) {
		t.Fatalf("unexpected required certifications %v", out.RequiredCertifications)
	}
	if out.RequiredLevel != nil {
		t.Fatalf("level already satisfied, got %d", *out.RequiredLevel)
	}
}

func TestTrainingStatusPermittedByRule(t *testing.T) {
	e := newEngine(t)
	id := juniorCoach()
	id.Status = permission.StatusTraining
	out, err := e.Check(&id, permission.ResourceTrainingContent, permission.ActionView, nil)
	if err != nil || !out.Allowed {
		t.Fatalf("training coach should view training content: %+v %v", out, err)
	}
	out, _ = e.Check(&id, permission.ResourceAgentSuggestion, permission.ActionExecute, nil)
	if out.Allowed {
		t.Fatalf("training coach should not execute agents")
	}
}

func TestOwnershipPredicate(t *testing.T) {
	e := newEngine(t)
	user := permission.Identity{ID: "u-1", Role: permission.RoleUser, Status: permission.StatusActive}
	out, _ := e.Check(&user, permission.ResourceHealthData, permission.ActionView, &permission.RequestContext{OwnerID: "u-1"})
	if !out.Allowed || out.MatchedRule != "health_view_own" {
		t.Fatalf("owner should view own health data: %+v", out)
	}
	out, _ = e.Check(&user, permission.ResourceHealthData, permission.ActionView, &permission.RequestContext{OwnerID: "u-2"})
	if out.Allowed {
		t.Fatalf("non-owner should be denied")
	}

	coach := juniorCoach()
	out, _ = e.Check(&coach, permission.ResourceHealthData, permission.ActionView, &permission.RequestContext{OwnerID: "u-2", SubjectCoachID: coach.ID})
	if !out.Allowed || out.MatchedRule != "health_view_supervised" {
		t.Fatalf("supervising coach should view subject health data: %+v", out)
	}
}

func TestUserPermissionsDeterministic(t *testing.T) {
	e := newEngine(t)
	id := juniorCoach()
	first := e.UserPermissions(id)
	second := e.UserPermissions(id)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("permissions differ between calls: %v vs %v", first, second)
	}
	has := func(perms []string, key string) bool {
		for _, p := range perms {
			if p == key {
				return true
			}
		}
		return false
	}
	if !has(first, "agent_suggestion:execute") {
		t.Fatalf("junior coach should execute agents: %v", first)
	}
	if has(first, "intervention_plan:create") {
		t.Fatalf("context-dependent grant should not be listed: %v", first)
	}
	if has(first, "system_config:view") {
		t.Fatalf("junior coach should not view system config")
	}
}

func TestConfigurationErrors(t *testing.T) {
	e := newEngine(t)
	id := juniorCoach()
	var cfgErr *permission.ConfigurationError

	if _, err := e.Check(nil, permission.ResourceHealthData, permission.ActionView, nil); !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error for nil identity, got %v", err)
	}
	if _, err := e.Check(&id, permission.Resource("spaceship"), permission.ActionView, nil); !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error for unknown resource, got %v", err)
	}
	if _, err := e.Check(&id, permission.ResourceHealthData, permission.Action("launch"), nil); !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error for unknown action, got %v", err)
	}

	malformed := map[string]permission.Identity{
		"unknown role":   {ID: "x", Role: permission.Role("superuser"), Status: permission.StatusActive},
		"unknown status": {ID: "x", Role: permission.RoleAdmin, Level: 4, Certifications: []string{permission.CertAdmin}, Status: permission.Status("bogus")},
		"level too high": {ID: "x", Role: permission.RoleCoachJunior, Level: 99, Certifications: []string{permission.CertL1}, Status: permission.StatusActive},
		"negative level": {ID: "x", Role: permission.RoleUser, Level: -1, Status: permission.StatusActive},
	}
	for name, bad := range malformed {
		out, err := e.Check(&bad, permission.ResourceUserProfile, permission.ActionView, nil)
		if !errors.As(err, &cfgErr) || out.Allowed {
			t.Fatalf("%s: expected configuration error and no grant, got %+v %v", name, out, err)
		}
	}
	superuser := permission.Identity{ID: "x", Role: permission.Role("superuser"), Status: permission.StatusActive}
	if got := e.UserPermissions(superuser); len(got) != 0 {
		t.Fatalf("malformed identity must hold no permissions, got %v", got)
	}

	dup := []permission.Rule{
		{ID: "a", Resource: permission.ResourceHealthData, Action: permission.ActionView},
		{ID: "a", Resource: permission.ResourceHealthData, Action: permission.ActionEdit},
	}
	if _, err := permission.NewEngine(dup); !errors.As(err, &cfgErr) {
		t.Fatalf("expected duplicate id error, got %v", err)
	}

	_, err := permission.Compile([]permission.RuleSpec{{ID: "x", Resource: "health_data", Action: "view", Predicate: "full_moon"}})
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected unknown predicate error, got %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("MustNewEngine should panic on invalid rules")
		}
	}()
	permission.MustNewEngine(dup)
}

func TestCompiledSpecsPreserveOrder(t *testing.T) {
	defaults := permission.DefaultRules()
	specs := make([]permission.RuleSpec, 0, len(defaults))
	for _, r := range defaults {
		specs = append(specs, r.Spec())
	}
	rules, err := permission.Compile(specs)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	for i := range rules {
		if rules[i].ID != defaults[i].ID {
			t.Fatalf("rule %d: got %s want %s", i, rules[i].ID, defaults[i].ID)
		}
	}
	e := permission.MustNewEngine(rules)
	id := juniorCoach()
	out, _ := e.Check(&id, permission.ResourceInterventionPlan, permission.ActionCreate, &permission.RequestContext{RiskLevel: permission.RiskLow})
	if out.MatchedRule != "intervention_create_basic" {
		t.Fatalf("compiled table should match basic rule, got %+v", out)
	}
}

func TestRequire(t *testing.T) {
	e := newEngine(t)
	id := juniorCoach()
	if err := e.Require(&id, permission.ResourceAgentSuggestion, permission.ActionExecute, nil); err != nil {
		t.Fatalf("require execute: %v", err)
	}
	err := e.Require(&id, permission.ResourceAgentSuggestion, permission.ActionConfigure, nil)
	var fe permission.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden error, got %v", err)
	}
	if fe.Permission != "agent_suggestion:configure" {
		t.Fatalf("unexpected permission %q", fe.Permission)
	}
	if !permission.IsForbidden(err) {
		t.Fatalf("IsForbidden should recognise %v", err)
	}
}

func TestCapacityHelpers(t *testing.T) {
	cases := []struct {
		level    int
		students int
		serves   []permission.RiskLevel
	}{
		{0, 0, nil},
		{1, 10, []permission.RiskLevel{permission.RiskLow}},
		{2, 30, []permission.RiskLevel{permission.RiskLow, permission.RiskMedium}},
		{3, 50, []permission.RiskLevel{permission.RiskLow, permission.RiskMedium, permission.RiskHigh}},
		{4, 100, []permission.RiskLevel{permission.RiskLow, permission.RiskMedium, permission.RiskHigh}},
	}
	for _, tc := range cases {
		id := permission.Identity{Level: tc.level}
		if got := permission.MaxStudentCount(id); got != tc.students {
			t.Fatalf("level %d: max students %d, want %d", tc.level, got, tc.students)
		}
		served := map[permission.RiskLevel]bool{}
		for _, r := range tc.serves {
			served[r] = true
		}
		for _, r := range []permission.RiskLevel{permission.RiskLow, permission.RiskMedium, permission.RiskHigh} {
			if got := permission.CanServeRiskLevel(id, r); got != served[r] {
				t.Fatalf("level %d risk %s: got %v", tc.level, r, got)
			}
		}
	}
}
