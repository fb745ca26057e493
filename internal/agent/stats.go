package agent

import (
	"context"
	"fmt"
	"time"
)

// AgentStats aggregates every execution and feedback recorded for agentID.
// Averages over empty sets are zero.
func (o *Orchestrator) AgentStats(ctx context.Context, agentID string) (Stats, error) {
	if _, err := o.Agent(agentID); err != nil {
		return Stats{}, err
	}
	list, err := o.execs.ListExecutions(ctx, HistoryFilter{AgentID: agentID})
	if err != nil {
		return Stats{}, fmt.Errorf("list executions: %w", err)
	}
	return ComputeStats(agentID, list), nil
}

// ComputeStats summarizes executions belonging to one agent.
func ComputeStats(agentID string, list []Execution) Stats {
	s := Stats{AgentID: agentID, TotalTasks: len(list)}
	var (
		confSum, respSum  float64
		confN, respN      int
		accepted, ratingN int
		ratingSum         float64
		lastActive        time.Time
	)
	for _, e := range list {
		switch e.Status {
		case StatusCompleted:
			s.SuccessfulTasks++
		case StatusFailed:
			s.FailedTasks++
		case StatusTimeout:
			s.TimedOutTasks++
		}
		if e.Output != nil {
			confSum += e.Output.Confidence
			confN++
		}
		if e.CompletedAt != nil && !e.StartedAt.IsZero() {
			respSum += float64(e.CompletedAt.Sub(e.StartedAt).Microseconds()) / 1000
			respN++
		}
		if fb := e.Feedback; fb != nil {
			s.FeedbackCount++
			if fb.Type == FeedbackAccept {
				accepted++
			}
			if fb.Rating != nil {
				ratingSum += float64(*fb.Rating)
				ratingN++
			}
		}
		if e.StartedAt.After(lastActive) {
			lastActive = e.StartedAt
		}
	}
	s.AvgConfidence = mean(confSum, confN)
	s.AvgResponseMS = mean(respSum, respN)
	s.AcceptanceRate = mean(float64(accepted), s.FeedbackCount)
	s.AvgRating = mean(ratingSum, ratingN)
	if !lastActive.IsZero() {
		s.LastActiveAt = &lastActive
	}
	return s
}

func mean(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
