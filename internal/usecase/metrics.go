package usecase

import "context"

// MetricsSummary represents aggregated validation insights.
type MetricsSummary struct {
	TotalRequests              int64   `json:"total_requests"`
	PassedRequests             int64   `json:"passed_requests"`
	WarningRequests            int64   `json:"warning_requests"`
	FailedRequests             int64   `json:"failed_requests"`
	PassRate                   float64 `json:"pass_rate"`
	AverageConfidence          float64 `json:"average_confidence"`
	AverageProcessingLatencyMs float64 `json:"average_processing_latency_ms"`
}

// GetMetricsSummary aggregates validation metrics from persisted logs.
func (uc *ValidationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:              aggregation.TotalCount,
		PassedRequests:             aggregation.PassCount,
		WarningRequests:            aggregation.WarningCount,
		FailedRequests:             aggregation.FailCount,
		AverageConfidence:          aggregation.AverageConfidence,
		AverageProcessingLatencyMs: aggregation.AverageProcessingLatencyMs,
	}
	if aggregation.TotalCount > 0 {
		summary.PassRate = float64(aggregation.PassCount) / float64(aggregation.TotalCount)
	}
	return summary, nil
}
