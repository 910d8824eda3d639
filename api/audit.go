package api

import "time"

// QueryFilter defines criteria for querying audit records.
type QueryFilter struct {
	Since    time.Time      `json:"since,omitempty"`
	Until    time.Time      `json:"until,omitempty"`
	Type     AuditEventType `json:"type,omitempty"`
	AgentID  string         `json:"agent_id,omitempty"`
	ServerID string         `json:"server_id,omitempty"`
	Tool     string         `json:"tool,omitempty"`
	// Success filters by outcome when non-nil.
	Success *bool `json:"success,omitempty"`
	Limit   int   `json:"limit,omitempty"`
	Offset  int   `json:"offset,omitempty"`
}

// AuditStats provides summary statistics over the in-memory audit ring.
type AuditStats struct {
	Total        int                    `json:"total"`
	SuccessCount int                    `json:"success_count"`
	FailureCount int                    `json:"failure_count"`
	ByType       map[AuditEventType]int `json:"by_type"`
	ByAgent      map[string]int         `json:"by_agent"`
	ByServer     map[string]int         `json:"by_server"`
}
