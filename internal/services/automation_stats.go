package services

import "ledgerflow/internal/models"

// AutomationStatistics 自动化统计
type AutomationStatistics struct {
	TotalRules             int                            `json:"total_rules"`
	ActiveRules            int                            `json:"active_rules"`
	TotalExecutions        int                            `json:"total_executions"`
	SuccessRate            float64                        `json:"success_rate"`
	AverageExecutionTimeMs float64                        `json:"average_execution_time_ms"`
	ExecutionsByStatus     map[models.ExecutionStatus]int `json:"executions_by_status"`
}

// computeStatistics summarises the retained history. successRate counts every
// completed execution, skipped ones included; the average covers finished executions.
func computeStatistics(totalRules, activeRules int, history []*models.AutomationExecution) AutomationStatistics {
	stats := AutomationStatistics{
		TotalRules:         totalRules,
		ActiveRules:        activeRules,
		TotalExecutions:    len(history),
		ExecutionsByStatus: make(map[models.ExecutionStatus]int),
	}

	var completed, finished int
	var totalMs float64
	for _, exec := range history {
		stats.ExecutionsByStatus[exec.Status]++
		if exec.Status == models.ExecutionCompleted {
			completed++
		}
		if exec.EndTime != nil {
			finished++
			totalMs += float64(exec.EndTime.Sub(exec.StartTime).Microseconds()) / 1000
		}
	}

	if stats.TotalExecutions > 0 {
		stats.SuccessRate = float64(completed) / float64(stats.TotalExecutions)
	}
	if finished > 0 {
		stats.AverageExecutionTimeMs = totalMs / float64(finished)
	}
	return stats
}
