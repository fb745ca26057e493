package permission

import (
	"fmt"
)

// Condition is the conjunction of requirements a rule imposes. Nil/empty
// fields are unconstrained.
type Condition struct {
	Roles          []Role
	MinLevel       *int
	MaxLevel       *int
	Certifications []string
	Statuses       []Status
	Predicate      Predicate
}

// Rule grants an action on a resource when its condition holds.
type Rule struct {
	ID        string
	Resource  Resource
	Action    Action
	Condition Condition
}

// RuleSpec is the configuration-file form of a rule.
type RuleSpec struct {
	ID             string   `yaml:"id" json:"id"`
	Resource       string   `yaml:"resource" json:"resource"`
	Action         string   `yaml:"action" json:"action"`
	Roles          []string `yaml:"roles,omitempty" json:"roles,omitempty"`
	MinLevel       *int     `yaml:"min_level,omitempty" json:"min_level,omitempty"`
	MaxLevel       *int     `yaml:"max_level,omitempty" json:"max_level,omitempty"`
	Certifications []string `yaml:"certifications,omitempty" json:"certifications,omitempty"`
	Statuses       []string `yaml:"statuses,omitempty" json:"statuses,omitempty"`
	Predicate      string   `yaml:"predicate,omitempty" json:"predicate,omitempty"`
}

// Compile turns rule specs into rules, resolving predicate names. Order is kept.
func Compile(specs []RuleSpec) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for i, s := range specs {
		pred, err := PredicateByName(s.Predicate)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, s.ID, err)
		}
		r := Rule{
			ID:       s.ID,
			Resource: Resource(s.Resource),
			Action:   Action(s.Action),
			Condition: Condition{
				MinLevel:       s.MinLevel,
				MaxLevel:       s.MaxLevel,
				Certifications: append([]string(nil), s.Certifications...),
				Predicate:      pred,
			},
		}
		for _, role := range s.Roles {
			r.Condition.Roles = append(r.Condition.Roles, Role(role))
		}
		for _, st := range s.Statuses {
			r.Condition.Statuses = append(r.Condition.Statuses, Status(st))
		}
		rules = append(rules, r)
	}
	if err := validateRules(rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// Spec converts a rule back to its configuration form.
func (r Rule) Spec() RuleSpec {
	s := RuleSpec{
		ID:             r.ID,
		Resource:       string(r.Resource),
		Action:         string(r.Action),
		MinLevel:       r.Condition.MinLevel,
		MaxLevel:       r.Condition.MaxLevel,
		Certifications: append([]string(nil), r.Condition.Certifications...),
	}
	for _, role := range r.Condition.Roles {
		s.Roles = append(s.Roles, string(role))
	}
	for _, st := range r.Condition.Statuses {
		s.Statuses = append(s.Statuses, string(st))
	}
	if r.Condition.Predicate != nil {
		s.Predicate = r.Condition.Predicate.Name()
	}
	return s
}

func validateRules(rules []Rule) error {
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r.ID == "" {
			return &ConfigurationError{Msg: fmt.Sprintf("rule %d has empty id", i)}
		}
		if seen[r.ID] {
			return &ConfigurationError{Msg: fmt.Sprintf("duplicate rule id %s", r.ID)}
		}
		seen[r.ID] = true
		if !ValidResource(r.Resource) {
			return &ConfigurationError{Msg: fmt.Sprintf("rule %s: unknown resource %q", r.ID, r.Resource)}
		}
		if !ValidAction(r.Action) {
			return &ConfigurationError{Msg: fmt.Sprintf("rule %s: unknown action %q", r.ID, r.Action)}
		}
		c := r.Condition
		for _, role := range c.Roles {
			if !ValidRole(role) {
				return &ConfigurationError{Msg: fmt.Sprintf("rule %s: unknown role %q", r.ID, role)}
			}
		}
		for _, st := range c.Statuses {
			if !ValidStatus(st) {
				return &ConfigurationError{Msg: fmt.Sprintf("rule %s: unknown status %q", r.ID, st)}
			}
		}
		if c.MinLevel != nil && (*c.MinLevel < MinLevel || *c.MinLevel > MaxLevel) {
			return &ConfigurationError{Msg: fmt.Sprintf("rule %s: min_level %d out of range", r.ID, *c.MinLevel)}
		}
		if c.MaxLevel != nil && (*c.MaxLevel < MinLevel || *c.MaxLevel > MaxLevel) {
			return &ConfigurationError{Msg: fmt.Sprintf("rule %s: max_level %d out of range", r.ID, *c.MaxLevel)}
		}
		if c.MinLevel != nil && c.MaxLevel != nil && *c.MinLevel > *c.MaxLevel {
			return &ConfigurationError{Msg: fmt.Sprintf("rule %s: min_level exceeds max_level", r.ID)}
		}
		for _, cert := range c.Certifications {
			if cert == "" {
				return &ConfigurationError{Msg: fmt.Sprintf("rule %s: empty certification", r.ID)}
			}
		}
	}
	return nil
}

func lvl(n int) *int { return &n }

var (
	coachRoles  = []Role{RoleCoachJunior, RoleCoachIntermediate, RoleCoachSenior}
	workingSet  = []Status{StatusActive, StatusTraining}
	activeOnly  = []Status{StatusActive}
	everyRole   = Roles
	staffRoles  = []Role{RoleCoachJunior, RoleCoachIntermediate, RoleCoachSenior, RoleExpert, RoleTrainer, RoleAdmin}
	reviewRoles = []Role{RoleCoachIntermediate, RoleCoachSenior, RoleExpert, RoleAdmin}
)

// DefaultRules returns the built-in rule table. Order matters: the first
// satisfied rule for a resource/action pair is reported as the match.
func DefaultRules() []Rule {
	return []Rule{
		// user_profile
		{ID: "profile_view_own", Resource: ResourceUserProfile, Action: ActionView,
			Condition: Condition{Roles: everyRole, Predicate: OwnsResource{}}},
		{ID: "profile_view_supervised", Resource: ResourceUserProfile, Action: ActionView,
			Condition: Condition{Roles: coachRoles, MinLevel: lvl(1), Statuses: workingSet, Predicate: SupervisesSubject{}}},
		{ID: "profile_view_staff", Resource: ResourceUserProfile, Action: ActionView,
			Condition: Condition{MinLevel: lvl(3), Statuses: activeOnly}},
		{ID: "profile_edit_own", Resource: ResourceUserProfile, Action: ActionEdit,
			Condition: Condition{Predicate: OwnsResource{}}},
		{ID: "profile_edit_admin", Resource: ResourceUserProfile, Action: ActionEdit,
			Condition: Condition{Roles: []Role{RoleAdmin}}},
		{ID: "profile_delete_admin", Resource: ResourceUserProfile, Action: ActionDelete,
			Condition: Condition{Roles: []Role{RoleAdmin}, Certifications: []string{CertAdmin}}},

		// health_data
		{ID: "health_view_own", Resource: ResourceHealthData, Action: ActionView,
			Condition: Condition{Predicate: OwnsResource{}}},
		{ID: "health_view_supervised", Resource: ResourceHealthData, Action: ActionView,
			Condition: Condition{Roles: coachRoles, MinLevel: lvl(1), Certifications: []string{CertL1}, Statuses: workingSet, Predicate: SupervisesSubject{}}},
		{ID: "health_view_expert", Resource: ResourceHealthData, Action: ActionView,
			Condition: Condition{Roles: []Role{RoleCoachSenior, RoleExpert}, MinLevel: lvl(3), Statuses: activeOnly}},
		{ID: "health_create_own", Resource: ResourceHealthData, Action: ActionCreate,
			Condition: Condition{Roles: []Role{RoleUser, RoleStudent}, Predicate: OwnsResource{}}},
		{ID: "health_create_device_sync", Resource: ResourceHealthData, Action: ActionCreate,
			Condition: Condition{Roles: []Role{RoleSystemAgent}}},

		// intervention_plan
		{ID: "intervention_view", Resource: ResourceInterventionPlan, Action: ActionView,
			Condition: Condition{Roles: staffRoles, MinLevel: lvl(1), Statuses: workingSet}},
		{ID: "intervention_view_own", Resource: ResourceInterventionPlan, Action: ActionView,
			Condition: Condition{Roles: []Role{RoleUser, RoleStudent}, Predicate: OwnsResource{}}},
		{ID: "intervention_create_basic", Resource: ResourceInterventionPlan, Action: ActionCreate,
			Condition: Condition{Roles: coachRoles, MinLevel: lvl(1), Certifications: []string{CertL1}, Statuses: activeOnly, Predicate: RiskLevelAtMost{Max: RiskLow}}},
		{ID: "intervention_create_advanced", Resource: ResourceInterventionPlan, Action: ActionCreate,
			Condition: Condition{Roles: []Role{RoleCoachIntermediate, RoleCoachSenior}, MinLevel: lvl(2), Certifications: []string{CertL2}, Statuses: activeOnly, Predicate: RiskLevelAtMost{Max: RiskMedium}}},
		{ID: "intervention_create_expert", Resource: ResourceInterventionPlan, Action: ActionCreate,
			Condition: Condition{Roles: []Role{RoleCoachSenior, RoleExpert}, MinLevel: lvl(3), Certifications: []string{CertL3}, Statuses: activeOnly}},
		{ID: "intervention_edit", Resource: ResourceInterventionPlan, Action: ActionEdit,
			Condition: Condition{Roles: staffRoles, MinLevel: lvl(2), Certifications: []string{CertL2}, Statuses: activeOnly}},
		{ID: "intervention_approve", Resource: ResourceInterventionPlan, Action: ActionApprove,
			Condition: Condition{Roles: []Role{RoleCoachSenior, RoleExpert, RoleAdmin}, MinLevel: lvl(3), Statuses: activeOnly}},
		{ID: "intervention_delete", Resource: ResourceInterventionPlan, Action: ActionDelete,
			Condition: Condition{Roles: []Role{RoleAdmin}}},

		// coach_students
		{ID: "students_view", Resource: ResourceCoachStudents, Action: ActionView,
			Condition: Condition{Roles: coachRoles, MinLevel: lvl(1), Statuses: workingSet}},
		{ID: "students_view_staff", Resource: ResourceCoachStudents, Action: ActionView,
			Condition: Condition{Roles: []Role{RoleTrainer, RoleAdmin}}},
		{ID: "students_edit", Resource: ResourceCoachStudents, Action: ActionEdit,
			Condition: Condition{Roles: coachRoles, MinLevel: lvl(2), Statuses: activeOnly}},
		{ID: "students_assign", Resource: ResourceCoachStudents, Action: ActionCreate,
			Condition: Condition{Roles: []Role{RoleTrainer, RoleAdmin}, MinLevel: lvl(3), Statuses: activeOnly}},

		// certification
		{ID: "certification_view", Resource: ResourceCertification, Action: ActionView,
			Condition: Condition{Roles: staffRoles, Statuses: []Status{StatusActive, StatusTraining, StatusPending}}},
		{ID: "certification_view_student", Resource: ResourceCertification, Action: ActionView,
			Condition: Condition{Roles: []Role{RoleStudent}}},
		{ID: "certification_grant", Resource: ResourceCertification, Action: ActionCreate,
			Condition: Condition{Roles: []Role{RoleTrainer}, MinLevel: lvl(3), Certifications: []string{CertTrainer}, Statuses: activeOnly}},
		{ID: "certification_grant_admin", Resource: ResourceCertification, Action: ActionCreate,
			Condition: Condition{Roles: []Role{RoleAdmin}}},
		{ID: "certification_approve", Resource: ResourceCertification, Action: ActionApprove,
			Condition: Condition{Roles: []Role{RoleTrainer, RoleAdmin}, MinLevel: lvl(4), Statuses: activeOnly}},
		{ID: "certification_revoke", Resource: ResourceCertification, Action: ActionDelete,
			Condition: Condition{Roles: []Role{RoleAdmin}}},

		// training_content
		{ID: "training_view", Resource: ResourceTrainingContent, Action: ActionView,
			Condition: Condition{Roles: []Role{RoleStudent, RoleCoachJunior, RoleCoachIntermediate, RoleCoachSenior, RoleExpert, RoleTrainer, RoleAdmin}, Statuses: workingSet}},
		{ID: "training_create", Resource: ResourceTrainingContent, Action: ActionCreate,
			Condition: Condition{Roles: []Role{RoleTrainer, RoleExpert}, MinLevel: lvl(3), Statuses: activeOnly}},
		{ID: "training_edit", Resource: ResourceTrainingContent, Action: ActionEdit,
			Condition: Condition{Roles: []Role{RoleTrainer, RoleExpert}, MinLevel: lvl(3), Statuses: activeOnly}},
		{ID: "training_approve", Resource: ResourceTrainingContent, Action: ActionApprove,
			Condition: Condition{Roles: []Role{RoleTrainer}, MinLevel: lvl(3), Certifications: []string{CertTrainer}, Statuses: activeOnly}},

		// agent_suggestion
		{ID: "agent_view", Resource: ResourceAgentSuggestion, Action: ActionView,
			Condition: Condition{Roles: staffRoles, MinLevel: lvl(1), Statuses: workingSet}},
		{ID: "agent_view_own", Resource: ResourceAgentSuggestion, Action: ActionView,
			Condition: Condition{Roles: []Role{RoleUser, RoleStudent}, Predicate: OwnsResource{}}},
		{ID: "agent_execute_coach", Resource: ResourceAgentSuggestion, Action: ActionExecute,
			Condition: Condition{Roles: coachRoles, MinLevel: lvl(1), Certifications: []string{CertL1}, Statuses: activeOnly}},
		{ID: "agent_execute_staff", Resource: ResourceAgentSuggestion, Action: ActionExecute,
			Condition: Condition{Roles: []Role{RoleExpert, RoleAdmin}, Statuses: activeOnly}},
		{ID: "agent_execute_system", Resource: ResourceAgentSuggestion, Action: ActionExecute,
			Condition: Condition{Roles: []Role{RoleSystemAgent}}},
		{ID: "agent_approve", Resource: ResourceAgentSuggestion, Action: ActionApprove,
			Condition: Condition{Roles: reviewRoles, MinLevel: lvl(2), Certifications: []string{CertL2}, Statuses: activeOnly}},
		{ID: "agent_approve_expert", Resource: ResourceAgentSuggestion, Action: ActionApprove,
			Condition: Condition{Roles: []Role{RoleExpert, RoleAdmin}, MinLevel: lvl(3), Statuses: activeOnly}},
		{ID: "agent_configure", Resource: ResourceAgentSuggestion, Action: ActionConfigure,
			Condition: Condition{Roles: []Role{RoleAdmin}, Statuses: activeOnly}},

		// expert_review
		{ID: "expert_review_view", Resource: ResourceExpertReview, Action: ActionView,
			Condition: Condition{Roles: staffRoles, MinLevel: lvl(2), Statuses: activeOnly}},
		{ID: "expert_review_create", Resource: ResourceExpertReview, Action: ActionCreate,
			Condition: Condition{Roles: []Role{RoleCoachSenior, RoleExpert}, MinLevel: lvl(3), Statuses: activeOnly}},
		{ID: "expert_review_approve", Resource: ResourceExpertReview, Action: ActionApprove,
			Condition: Condition{Roles: []Role{RoleExpert}, MinLevel: lvl(4), Certifications: []string{CertExpert}, Statuses: activeOnly}},

		// system_config
		{ID: "system_config_view", Resource: ResourceSystemConfig, Action: ActionView,
			Condition: Condition{Roles: []Role{RoleAdmin}}},
		{ID: "system_config_edit", Resource: ResourceSystemConfig, Action: ActionEdit,
			Condition: Condition{Roles: []Role{RoleAdmin}, Certifications: []string{CertAdmin}, Statuses: activeOnly}},
		{ID: "system_config_configure", Resource: ResourceSystemConfig, Action: ActionConfigure,
			Condition: Condition{Roles: []Role{RoleAdmin}, Certifications: []string{CertAdmin}, Statuses: activeOnly}},

		// commercial_resource
		{ID: "commercial_view", Resource: ResourceCommercialResource, Action: ActionView,
			Condition: Condition{Statuses: workingSet}},
		{ID: "commercial_create", Resource: ResourceCommercialResource, Action: ActionCreate,
			Condition: Condition{Roles: []Role{RoleAdmin}}},
		{ID: "commercial_edit", Resource: ResourceCommercialResource, Action: ActionEdit,
			Condition: Condition{Roles: []Role{RoleAdmin}}},

		// decision_record
		{ID: "decision_view", Resource: ResourceDecisionRecord, Action: ActionView,
			Condition: Condition{Roles: staffRoles, MinLevel: lvl(1)}},
		{ID: "decision_create", Resource: ResourceDecisionRecord, Action: ActionCreate,
			Condition: Condition{Roles: staffRoles, MinLevel: lvl(2), Statuses: activeOnly}},
	}
}
