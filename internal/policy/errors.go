package policy

import (
	"errors"
	"fmt"

	"github.com/tkingovr/mcpwarden/api"
)

// ErrCredentialExpired marks a credential past its expiry.
var ErrCredentialExpired = errors.New("credential expired")

// ErrInvalidRequest is wrapped by errors for malformed authorization input.
var ErrInvalidRequest = errors.New("invalid authorization request")

// PolicyError reports a malformed policy or an unusable credential.
type PolicyError struct {
	Policy string
	Reason string
	Err    error
}

func (e *PolicyError) Error() string {
	msg := "policy"
	if e.Policy != "" {
		msg += " " + fmt.Sprintf("%q", e.Policy)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PolicyError) Unwrap() error { return e.Err }

// ThreatBlockedError reports that a threat escalation blocked an agent.
type ThreatBlockedError struct {
	Event *api.ThreatEvent
}

func (e *ThreatBlockedError) Error() string {
	if e.Event == nil {
		return "blocked by threat detection"
	}
	return fmt.Sprintf("agent %q blocked by threat detection: %s (confidence %.2f)",
		e.Event.AgentID, e.Event.Type, e.Event.Confidence)
}
