package domain

// Metrics is a point-in-time snapshot of coordinator counters.
type Metrics struct {
	Total              int     `json:"total"`
	Successful         int     `json:"successful"`
	Failed             int     `json:"failed"`
	AvgExecutionTimeMs float64 `json:"avg_execution_time_ms"`
	ActiveCount        int     `json:"active_count"`
	QueuedCount        int     `json:"queued_count"`
	CompletedRetained  int     `json:"completed_retained"`
	Batches            int     `json:"batches"`
}

// Record folds one finished result into the rolling counters.
func (m *Metrics) Record(r Result) {
	m.Total++
	if r.Success {
		m.Successful++
	} else {
		m.Failed++
	}
	m.AvgExecutionTimeMs += (r.ExecutionTimeMs - m.AvgExecutionTimeMs) / float64(m.Total)
}
