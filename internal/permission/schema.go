// Package permission implements the four-dimension (role, level, certification,
// status) authorization model used to gate coaching and agent operations.
package permission

import (
	"sort"
	"strings"
)

type Role string

const (
	RoleUser              Role = "user"
	RoleStudent           Role = "student"
	RoleCoachJunior       Role = "coach_junior"
	RoleCoachIntermediate Role = "coach_intermediate"
	RoleCoachSenior       Role = "coach_senior"
	RoleExpert            Role = "expert"
	RoleTrainer           Role = "trainer"
	RoleAdmin             Role = "admin"
	RoleSystemAgent       Role = "system_agent"
)

// Roles lists every role in hierarchy order.
var Roles = []Role{
	RoleUser, RoleStudent, RoleCoachJunior, RoleCoachIntermediate, RoleCoachSenior,
	RoleExpert, RoleTrainer, RoleAdmin, RoleSystemAgent,
}

type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusTraining  Status = "training"
	StatusPending   Status = "pending"
	StatusInactive  Status = "inactive"
)

var Statuses = []Status{StatusActive, StatusSuspended, StatusTraining, StatusPending, StatusInactive}

type Resource string

const (
	ResourceUserProfile        Resource = "user_profile"
	ResourceHealthData         Resource = "health_data"
	ResourceInterventionPlan   Resource = "intervention_plan"
	ResourceCoachStudents      Resource = "coach_students"
	ResourceCertification      Resource = "certification"
	ResourceTrainingContent    Resource = "training_content"
	ResourceAgentSuggestion    Resource = "agent_suggestion"
	ResourceExpertReview       Resource = "expert_review"
	ResourceSystemConfig       Resource = "system_config"
	ResourceCommercialResource Resource = "commercial_resource"
	ResourceDecisionRecord     Resource = "decision_record"
)

// Resources is the closed resource vocabulary in listing order.
var Resources = []Resource{
	ResourceUserProfile, ResourceHealthData, ResourceInterventionPlan, ResourceCoachStudents,
	ResourceCertification, ResourceTrainingContent, ResourceAgentSuggestion, ResourceExpertReview,
	ResourceSystemConfig, ResourceCommercialResource, ResourceDecisionRecord,
}

type Action string

const (
	ActionView      Action = "view"
	ActionCreate    Action = "create"
	ActionEdit      Action = "edit"
	ActionDelete    Action = "delete"
	ActionApprove   Action = "approve"
	ActionExecute   Action = "execute"
	ActionConfigure Action = "configure"
)

// Actions is the closed action vocabulary in listing order.
var Actions = []Action{
	ActionView, ActionCreate, ActionEdit, ActionDelete, ActionApprove, ActionExecute, ActionConfigure,
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func (r RiskLevel) rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	default:
		return 0
	}
}

// Certification tags earned by coaches and staff.
const (
	CertL1      = "L1_CERTIFIED"
	CertL2      = "L2_CERTIFIED"
	CertL3      = "L3_CERTIFIED"
	CertExpert  = "EXPERT_CERTIFIED"
	CertTrainer = "TRAINER_CERTIFIED"
	CertAdmin   = "ADMIN_CERTIFIED"
)

const (
	MinLevel = 0
	MaxLevel = 4
)

// Identity is the subject of a permission check. Permissions is derived and
// is only populated when an identity is materialized for a caller.
type Identity struct {
	ID             string   `json:"id"`
	Role           Role     `json:"role"`
	Level          int      `json:"level"`
	Certifications []string `json:"certifications"`
	Status         Status   `json:"status"`
	Permissions    []string `json:"permissions,omitempty"`
	SpecialtyTags  []string `json:"specialty_tags,omitempty"`
	CoachID        string   `json:"coach_id,omitempty"`
	TeamID         string   `json:"team_id,omitempty"`
}

func (id Identity) HasCertification(cert string) bool {
	for _, c := range id.Certifications {
		if c == cert {
			return true
		}
	}
	return false
}

// RoleProfile describes the defaults and level bounds of a role.
type RoleProfile struct {
	DefaultLevel          int
	MinLevel              int
	MaxLevel              int
	DefaultCertifications []string
}

var hierarchy = map[Role]RoleProfile{
	RoleUser:              {DefaultLevel: 0, MinLevel: 0, MaxLevel: 0},
	RoleStudent:           {DefaultLevel: 0, MinLevel: 0, MaxLevel: 1},
	RoleCoachJunior:       {DefaultLevel: 1, MinLevel: 1, MaxLevel: 1, DefaultCertifications: []string{CertL1}},
	RoleCoachIntermediate: {DefaultLevel: 2, MinLevel: 2, MaxLevel: 2, DefaultCertifications: []string{CertL1, CertL2}},
	RoleCoachSenior:       {DefaultLevel: 3, MinLevel: 3, MaxLevel: 3, DefaultCertifications: []string{CertL1, CertL2, CertL3}},
	RoleExpert:            {DefaultLevel: 4, MinLevel: 3, MaxLevel: 4, DefaultCertifications: []string{CertL3, CertExpert}},
	RoleTrainer:           {DefaultLevel: 3, MinLevel: 3, MaxLevel: 4, DefaultCertifications: []string{CertL3, CertTrainer}},
	RoleAdmin:             {DefaultLevel: 4, MinLevel: 4, MaxLevel: 4, DefaultCertifications: []string{CertAdmin}},
	RoleSystemAgent:       {DefaultLevel: 2, MinLevel: 0, MaxLevel: 4},
}

// ProfileFor returns the hierarchy entry for a role.
func ProfileFor(role Role) (RoleProfile, bool) {
	p, ok := hierarchy[role]
	if !ok {
		return RoleProfile{}, false
	}
	p.DefaultCertifications = append([]string(nil), p.DefaultCertifications...)
	return p, true
}

// LevelInRange reports whether level is valid for role.
func LevelInRange(role Role, level int) bool {
	p, ok := hierarchy[role]
	if !ok {
		return false
	}
	return level >= p.MinLevel && level <= p.MaxLevel
}

func ValidRole(r Role) bool {
	_, ok := hierarchy[r]
	return ok
}

func ValidStatus(s Status) bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

func ValidResource(r Resource) bool {
	for _, v := range Resources {
		if v == r {
			return true
		}
	}
	return false
}

func ValidAction(a Action) bool {
	for _, v := range Actions {
		if v == a {
			return true
		}
	}
	return false
}

func ValidRiskLevel(r RiskLevel) bool {
	return r.rank() > 0
}

// Key formats a resource/action pair the way permission lists carry it.
func Key(res Resource, act Action) string {
	return string(res) + ":" + string(act)
}

// ParseKey splits "resource:action".
func ParseKey(key string) (Resource, Action, bool) {
	res, act, ok := strings.Cut(key, ":")
	if !ok {
		return "", "", false
	}
	return Resource(res), Action(act), true
}

// RequestContext carries the request-specific facts custom predicates look at.
type RequestContext struct {
	RiskLevel      RiskLevel         `json:"risk_level,omitempty"`
	OwnerID        string            `json:"owner_id,omitempty"`
	SubjectCoachID string            `json:"subject_coach_id,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// Request is the full object a rule predicate is evaluated against.
type Request struct {
	Identity Identity
	Resource Resource
	Action   Action
	Context  RequestContext
}

// CheckResult is the outcome of a permission check.
type CheckResult struct {
	Allowed                bool     `json:"allowed"`
	Reason                 string   `json:"reason"`
	MatchedRule            string   `json:"matched_rule,omitempty"`
	RequiredLevel          *int     `json:"required_level,omitempty"`
	RequiredCertifications []string `json:"required_certifications,omitempty"`
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
