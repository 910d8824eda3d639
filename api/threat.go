package api

import "time"

// ThreatType names a class of suspected malicious behavior.
type ThreatType string

const (
	ThreatBruteForce          ThreatType = "BRUTE_FORCE"
	ThreatSuspiciousBehavior  ThreatType = "SUSPICIOUS_BEHAVIOR"
	ThreatInjectionAttack     ThreatType = "INJECTION_ATTACK"
	ThreatDataExfiltration    ThreatType = "DATA_EXFILTRATION"
	ThreatPrivilegeEscalation ThreatType = "PRIVILEGE_ESCALATION"
	ThreatMaliciousPayload    ThreatType = "MALICIOUS_PAYLOAD"
	ThreatAnomalousPattern    ThreatType = "ANOMALOUS_PATTERN"
	ThreatDenialOfService     ThreatType = "DENIAL_OF_SERVICE"
)

// ThreatLevel grades a threat event.
type ThreatLevel string

const (
	ThreatInfo     ThreatLevel = "info"
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// ThreatEvent is a scored, evidenced record of suspected malicious behavior.
type ThreatEvent struct {
	ID            string         `json:"id"`
	Type          ThreatType     `json:"type"`
	Level         ThreatLevel    `json:"level"`
	AgentID       string         `json:"agent_id"`
	ServerID      string         `json:"server_id,omitempty"`
	Tool          string         `json:"tool,omitempty"`
	Evidence      map[string]any `json:"evidence,omitempty"`
	Confidence    float64        `json:"confidence"`
	Timestamp     time.Time      `json:"timestamp"`
	Blocked       bool           `json:"blocked"`
	FalsePositive bool           `json:"false_positive"`
}

// Clone returns a copy whose Evidence map is not shared with e.
func (e *ThreatEvent) Clone() *ThreatEvent {
	c := *e
	if e.Evidence != nil {
		c.Evidence = make(map[string]any, len(e.Evidence))
		for k, v := range e.Evidence {
			c.Evidence[k] = v
		}
	}
	return &c
}
