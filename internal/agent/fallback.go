package agent

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FallbackConfidence is the fixed confidence reported by rule-based output.
const FallbackConfidence = 0.85

// Risk flags derived from device readings and the subject's profile.
const (
	FlagHighGlucose       = "high_glucose"
	FlagHighBloodPressure = "high_blood_pressure"
	FlagAbnormalHeartRate = "abnormal_heart_rate"
	FlagHighRiskUser      = "high_risk_user"
)

const (
	glucoseLimit   = 10.0
	systolicLimit  = 140.0
	heartRateFloor = 50.0
	heartRateCeil  = 100.0
)

// RiskFlags derives risk flags from the context's device data and profile.
// Each flag appears at most once.
func RiskFlags(c Context) []string {
	seen := map[string]bool{}
	var flags []string
	add := func(f string) {
		if !seen[f] {
			seen[f] = true
			flags = append(flags, f)
		}
	}
	for _, r := range c.DeviceData {
		switch strings.ToLower(r.Metric) {
		case "glucose", "blood_glucose":
			if r.Value > glucoseLimit {
				add(FlagHighGlucose)
			}
		case "blood_pressure", "blood_pressure_systolic", "systolic":
			if r.Value > systolicLimit {
				add(FlagHighBloodPressure)
			}
		case "heart_rate":
			if r.Value < heartRateFloor || r.Value > heartRateCeil {
				add(FlagAbnormalHeartRate)
			}
		}
	}
	if c.Profile.RiskLevel == RiskHigh {
		add(FlagHighRiskUser)
	}
	return flags
}

// Fallback is the deterministic rule-based generator used when no handler is
// registered for an agent.
type Fallback struct {
	Now func() time.Time
}

func (f Fallback) Handle(_ context.Context, task Task) (Output, error) {
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	suggestions := stageSuggestions(task.Context.Stage())
	if task.Context.Profile.RiskLevel == RiskHigh {
		suggestions = append(suggestions, Suggestion{
			Type:      SuggestionAlert,
			Priority:  10,
			Content:   "Contact your coach as soon as possible",
			Rationale: "High-risk profiles need direct coach follow-up",
		})
	}
	for i := range suggestions {
		suggestions[i].ID = uuid.NewString()
	}
	flags := RiskFlags(task.Context)
	return Output{
		TaskID:          task.ID,
		AgentType:       task.AgentType,
		OutputType:      task.ExpectedOutput,
		Confidence:      FallbackConfidence,
		Suggestions:     suggestions,
		RiskFlags:       flags,
		NeedHumanReview: len(flags) > 0 || task.Context.Profile.RiskLevel == RiskHigh,
		Processing:      ProcessingInfo{Model: "rule-engine", Version: "1.0"},
		CreatedAt:       now().UTC(),
	}, nil
}

func stageSuggestions(stage string) []Suggestion {
	switch stage {
	case StagePreContemplation:
		return []Suggestion{{
			Type:      SuggestionContent,
			Priority:  5,
			Content:   "Read: how small daily habits shape long-term health",
			Rationale: "Awareness content helps users who are not yet considering change",
		}}
	case StageContemplation:
		return []Suggestion{{
			Type:      SuggestionAction,
			Priority:  6,
			Content:   "Set one small, achievable health goal for this week",
			Rationale: "A concrete goal moves users from weighing change to committing to it",
		}}
	case StagePreparation:
		return []Suggestion{{
			Type:      SuggestionTask,
			Priority:  7,
			Content:   "Plan when and where you will start your new habit",
			Rationale: "Specific plans raise follow-through for users about to start",
		}}
	case StageAction:
		return []Suggestion{
			{
				Type:      SuggestionTask,
				Priority:  8,
				Content:   "Log today's progress",
				Rationale: "Self-monitoring sustains users who are actively changing",
			},
			{
				Type:      SuggestionAction,
				Priority:  7,
				Content:   "Finish today's planned activity to keep your streak",
				Rationale: "Completing planned activities reinforces the new behavior",
			},
		}
	case StageMaintenance:
		return []Suggestion{{
			Type:      SuggestionContent,
			Priority:  5,
			Content:   "Share your experience with the community",
			Rationale: "Helping others strengthens long-term maintenance",
		}}
	default:
		return []Suggestion{{
			Type:      SuggestionTask,
			Priority:  6,
			Content:   "Complete today's task",
			Rationale: "Daily tasks keep users engaged with their plan",
		}}
	}
}
