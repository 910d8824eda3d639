package api

import (
	"encoding/json"
	"time"
)

// SecurityLevel grades how sensitive an operation or policy is.
type SecurityLevel string

const (
	SecurityLow      SecurityLevel = "low"
	SecurityMedium   SecurityLevel = "medium"
	SecurityHigh     SecurityLevel = "high"
	SecurityCritical SecurityLevel = "critical"
)

// AuditEventType classifies an audit record.
type AuditEventType string

const (
	AuditConnectionAttempt AuditEventType = "connection_attempt"
	AuditToolExecution     AuditEventType = "tool_execution"
	AuditPolicyViolation   AuditEventType = "policy_violation"
	AuditThreatDetected    AuditEventType = "threat_detected"
	AuditAgentBlocked      AuditEventType = "agent_blocked"
	AuditAgentUnblocked    AuditEventType = "agent_unblocked"
	AuditEntityBlocked     AuditEventType = "entity_blocked"
	AuditEntityUnblocked   AuditEventType = "entity_unblocked"
	AuditCredentialAdded   AuditEventType = "credential_added"
	AuditCredentialRemoved AuditEventType = "credential_removed"
	AuditPolicyChanged     AuditEventType = "policy_changed"
	AuditContentScanned    AuditEventType = "content_scanned"
	AuditRateLimited       AuditEventType = "rate_limited"
	AuditServerLifecycle   AuditEventType = "server_lifecycle"
)

// AuditEvent is a single immutable audit record.
type AuditEvent struct {
	ID            string          `json:"id"`
	Type          AuditEventType  `json:"type"`
	AgentID       string          `json:"agent_id"`
	ServerID      string          `json:"server_id,omitempty"`
	Tool          string          `json:"tool,omitempty"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
	Success       bool            `json:"success"`
	Error         string          `json:"error,omitempty"`
	SecurityLevel SecurityLevel   `json:"security_level"`
	Timestamp     time.Time       `json:"timestamp"`
	Details       map[string]any  `json:"details,omitempty"`
}

// Clone returns a deep-enough copy so stored events never alias caller state.
func (e *AuditEvent) Clone() *AuditEvent {
	c := *e
	if e.Parameters != nil {
		c.Parameters = append(json.RawMessage(nil), e.Parameters...)
	}
	if e.Details != nil {
		c.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	return &c
}
