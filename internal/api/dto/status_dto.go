package dto

// StatusResponse is returned by GET /api/v1/status
type StatusResponse struct {
	State      string         `json:"state"`
	Active     bool           `json:"active"`
	LastCycle  *CycleDTO      `json:"last_cycle,omitempty"`
	Queue      *QueueStatsDTO `json:"queue,omitempty"`
	QueueError string         `json:"queue_error,omitempty"`
}

type CycleDTO struct {
	CycleID     string   `json:"cycle_id"`
	StartedAt   string   `json:"started_at"`
	FinishedAt  string   `json:"finished_at"`
	Fetched     int      `json:"fetched"`
	Paired      int      `json:"paired"`
	Dropped     int      `json:"dropped"`
	Completed   int      `json:"completed"`
	Failed      int      `json:"failed"`
	Duplicates  int      `json:"duplicates"`
	InstanceIDs []string `json:"instance_ids"`
}

type QueueStatsDTO struct {
	Visible  int `json:"visible"`
	InFlight int `json:"in_flight"`
	Delayed  int `json:"delayed"`
}

type ListFailuresRequest struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=1000"`
}

type ListFailuresResponse struct {
	Failures []FailureDTO `json:"failures"`
}

type FailureDTO struct {
	MessageID  string `json:"message_id"`
	ObjectKey  string `json:"object_key"`
	InstanceID string `json:"instance_id"`
	Error      string `json:"error"`
	Stderr     string `json:"stderr,omitempty"`
	FailedAt   string `json:"failed_at"`
}

type ControlRequest struct {
	Active *bool `json:"active" binding:"required"`
}
