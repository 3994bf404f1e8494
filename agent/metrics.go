package agent

import "time"

// Metrics summarizes an agent's task history.
type Metrics struct {
	TasksCompleted      int           `json:"tasks_completed"`
	TasksFailed         int           `json:"tasks_failed"`
	SuccessRate         float64       `json:"success_rate"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	LastActivity        time.Time     `json:"last_activity"`
}

func (m *Metrics) record(success bool, took time.Duration, at time.Time) {
	n := m.TasksCompleted + m.TasksFailed
	m.AverageResponseTime = (m.AverageResponseTime*time.Duration(n) + took) / time.Duration(n+1)
	if success {
		m.TasksCompleted++
	} else {
		m.TasksFailed++
	}
	m.SuccessRate = float64(m.TasksCompleted) / float64(m.TasksCompleted+m.TasksFailed)
	m.LastActivity = at
}
