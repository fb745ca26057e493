package agent

import (
	"fmt"
	"time"
)

type AgentStatus string

const (
	AgentActive      AgentStatus = "active"
	AgentInactive    AgentStatus = "inactive"
	AgentMaintenance AgentStatus = "maintenance"
)

func ValidAgentStatus(s AgentStatus) bool {
	switch s {
	case AgentActive, AgentInactive, AgentMaintenance:
		return true
	}
	return false
}

// Context field names an agent can declare as required.
const (
	FieldProfile             = "profile"
	FieldDeviceData          = "device_data"
	FieldBehaviorStage       = "behavior_stage"
	FieldPhenotypeTags       = "phenotype_tags"
	FieldRecentInterventions = "recent_interventions"
	FieldConversationHistory = "conversation_history"
)

// Registration is a catalogue entry describing an agent's capabilities.
type Registration struct {
	ID              string        `yaml:"id" json:"id"`
	Type            AgentType     `yaml:"type" json:"type"`
	Name            string        `yaml:"name" json:"name"`
	Version         string        `yaml:"version,omitempty" json:"version,omitempty"`
	OutputTypes     []OutputType  `yaml:"output_types" json:"output_types"`
	RequiredContext []string      `yaml:"required_context,omitempty" json:"required_context,omitempty"`
	MaxConcurrent   int           `yaml:"max_concurrent" json:"max_concurrent"`
	ExpectedLatency time.Duration `yaml:"expected_latency" json:"expected_latency"`
	Timeout         time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Status          AgentStatus   `yaml:"status" json:"status"`
}

func (r Registration) supports(out OutputType) bool {
	if out == "" {
		return true
	}
	for _, o := range r.OutputTypes {
		if o == out {
			return true
		}
	}
	return false
}

func (r Registration) clone() Registration {
	r.OutputTypes = append([]OutputType(nil), r.OutputTypes...)
	r.RequiredContext = append([]string(nil), r.RequiredContext...)
	return r
}

// Validate checks the registration and fills in the default status.
func (r *Registration) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id required", ErrInvalidRegistration)
	}
	if !ValidAgentType(r.Type) {
		return fmt.Errorf("%w: %s: unknown type %q", ErrInvalidRegistration, r.ID, r.Type)
	}
	if r.Status == "" {
		r.Status = AgentActive
	}
	if !ValidAgentStatus(r.Status) {
		return fmt.Errorf("%w: %s: unknown status %q", ErrInvalidRegistration, r.ID, r.Status)
	}
	if r.MaxConcurrent < 0 {
		return fmt.Errorf("%w: %s: max_concurrent must be >= 0", ErrInvalidRegistration, r.ID)
	}
	if r.Timeout < 0 {
		return fmt.Errorf("%w: %s: timeout must be >= 0", ErrInvalidRegistration, r.ID)
	}
	for _, f := range r.RequiredContext {
		switch f {
		case FieldProfile, FieldDeviceData, FieldBehaviorStage, FieldPhenotypeTags, FieldRecentInterventions, FieldConversationHistory:
		default:
			return fmt.Errorf("%w: %s: unknown context field %q", ErrInvalidRegistration, r.ID, f)
		}
	}
	return nil
}

// missingContext returns the first required field absent from c.
func (r Registration) missingContext(c Context) string {
	for _, f := range r.RequiredContext {
		var present bool
		switch f {
		case FieldProfile:
			present = !c.Profile.empty()
		case FieldDeviceData:
			present = len(c.DeviceData) > 0
		case FieldBehaviorStage:
			present = c.Stage() != ""
		case FieldPhenotypeTags:
			present = len(c.PhenotypeTags) > 0
		case FieldRecentInterventions:
			present = len(c.RecentInterventions) > 0
		case FieldConversationHistory:
			present = len(c.ConversationHistory) > 0
		}
		if !present {
			return f
		}
	}
	return ""
}

// DefaultCatalogue is the built-in set of rule-based agents, one per type.
func DefaultCatalogue() []Registration {
	return []Registration{
		{ID: "assessment-agent-v1", Type: TypeAssessment, Name: "Health Assessment", Version: "1.0.0",
			OutputTypes: []OutputType{OutputAssessmentReport, OutputSuggestionList}, RequiredContext: []string{FieldProfile},
			MaxConcurrent: 10, ExpectedLatency: 2 * time.Second, Status: AgentActive},
		{ID: "intervention-agent-v1", Type: TypeIntervention, Name: "Intervention Planner", Version: "1.0.0",
			OutputTypes: []OutputType{OutputInterventionPlan, OutputSuggestionList}, RequiredContext: []string{FieldProfile},
			MaxConcurrent: 5, ExpectedLatency: 3 * time.Second, Status: AgentActive},
		{ID: "coaching-agent-v1", Type: TypeCoaching, Name: "Daily Coaching", Version: "1.0.0",
			OutputTypes:   []OutputType{OutputCoachingMessage, OutputSuggestionList},
			MaxConcurrent: 20, ExpectedLatency: time.Second, Status: AgentActive},
		{ID: "alert-agent-v1", Type: TypeAlert, Name: "Risk Alert", Version: "1.0.0",
			OutputTypes: []OutputType{OutputRiskAlert, OutputSuggestionList}, RequiredContext: []string{FieldDeviceData},
			MaxConcurrent: 20, ExpectedLatency: 500 * time.Millisecond, Status: AgentActive},
		{ID: "training-agent-v1", Type: TypeTraining, Name: "Coach Training", Version: "1.0.0",
			OutputTypes:   []OutputType{OutputTrainingContent},
			MaxConcurrent: 5, ExpectedLatency: 2 * time.Second, Status: AgentActive},
		{ID: "review-agent-v1", Type: TypeReview, Name: "Quality Review", Version: "1.0.0",
			OutputTypes:   []OutputType{OutputReviewResult},
			MaxConcurrent: 5, ExpectedLatency: 2 * time.Second, Status: AgentActive},
		{ID: "recommendation-agent-v1", Type: TypeRecommendation, Name: "Content Recommendation", Version: "1.0.0",
			OutputTypes:   []OutputType{OutputSuggestionList},
			MaxConcurrent: 10, ExpectedLatency: time.Second, Status: AgentActive},
	}
}
