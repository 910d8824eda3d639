package threat

import (
	"fmt"
	"regexp"
	"sync/atomic"

	"github.com/tkingovr/mcpwarden/api"
)

// Fields of a ConnectionAttempt that indicators may test.
const (
	FieldSourceAddress = "source_address"
	FieldUserAgent     = "user_agent"
	FieldCommand       = "command"
)

// Indicator is a configured pattern that implies one or more threat types.
type Indicator struct {
	Name    string `yaml:"name" json:"name"`
	Pattern string `yaml:"pattern" json:"pattern"`
	// Fields limits matching to these attempt fields; empty means all.
	Fields      []string         `yaml:"fields" json:"fields,omitempty"`
	ThreatTypes []api.ThreatType `yaml:"threat_types" json:"threat_types"`
	Level       api.ThreatLevel  `yaml:"level" json:"level"`
	Confidence  float64          `yaml:"confidence" json:"confidence"`
}

// IndicatorStatus is an indicator with its hit counter.
type IndicatorStatus struct {
	Indicator
	Hits int64 `json:"hits"`
}

type indicator struct {
	def  Indicator
	re   *regexp.Regexp
	hits atomic.Int64
}

func compileIndicator(def Indicator) (*indicator, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("indicator without name")
	}
	re, err := regexp.Compile(def.Pattern)
	if err != nil {
		return nil, fmt.Errorf("indicator %q: %w", def.Name, err)
	}
	for _, f := range def.Fields {
		switch f {
		case FieldSourceAddress, FieldUserAgent, FieldCommand:
		default:
			return nil, fmt.Errorf("indicator %q: unknown field %q", def.Name, f)
		}
	}
	if len(def.ThreatTypes) == 0 {
		def.ThreatTypes = []api.ThreatType{api.ThreatSuspiciousBehavior}
	}
	if def.Level == "" {
		def.Level = api.ThreatMedium
	}
	if def.Confidence <= 0 || def.Confidence > 1 {
		return nil, fmt.Errorf("indicator %q: confidence must be in (0, 1]", def.Name)
	}
	return &indicator{def: def, re: re}, nil
}

// DefaultIndicators ships patterns for scanner user agents, reverse-shell
// launch commands and private or metadata source addresses.
func DefaultIndicators() []Indicator {
	return []Indicator{
		{
			Name:        "scanner_user_agent",
			Pattern:     `(?i)\b(sqlmap|nikto|nmap|masscan|zgrab|nuclei|dirbuster|gobuster|wpscan|hydra)\b`,
			Fields:      []string{FieldUserAgent},
			ThreatTypes: []api.ThreatType{api.ThreatSuspiciousBehavior},
			Level:       api.ThreatMedium,
			Confidence:  0.7,
		},
		{
			Name:        "reverse_shell_command",
			Pattern:     `(?i)(\bnc\b.*\s-e\s|\bncat\b.*--exec|bash\s+-i\s*>&|/dev/tcp/|\bsocat\b.*exec:|python[23]?\s+-c\s+.*socket)`,
			Fields:      []string{FieldCommand},
			ThreatTypes: []api.ThreatType{api.ThreatMaliciousPayload, api.ThreatPrivilegeEscalation},
			Level:       api.ThreatCritical,
			Confidence:  0.95,
		},
		{
			Name:        "metadata_source_address",
			Pattern:     `^(169\.254\.169\.254|fd00:ec2::254)$`,
			Fields:      []string{FieldSourceAddress},
			ThreatTypes: []api.ThreatType{api.ThreatPrivilegeEscalation},
			Level:       api.ThreatHigh,
			Confidence:  0.8,
		},
		{
			Name:        "private_source_address",
			Pattern:     `^(10\.\d+\.\d+\.\d+|192\.168\.\d+\.\d+|172\.(1[6-9]|2\d|3[01])\.\d+\.\d+)$`,
			Fields:      []string{FieldSourceAddress},
			ThreatTypes: []api.ThreatType{api.ThreatAnomalousPattern},
			Level:       api.ThreatLow,
			Confidence:  0.3,
		},
	}
}

func attemptField(a ConnectionAttempt, field string) string {
	switch field {
	case FieldSourceAddress:
		return a.SourceAddress
	case FieldUserAgent:
		return a.UserAgent
	case FieldCommand:
		return a.Command
	}
	return ""
}

var allFields = []string{FieldSourceAddress, FieldUserAgent, FieldCommand}

// matchIndicators returns one event per matching indicator and bumps the
// indicator's hit counter.
func (d *Detector) matchIndicators(a ConnectionAttempt) []*api.ThreatEvent {
	var out []*api.ThreatEvent
	for _, ind := range d.indicators {
		fields := ind.def.Fields
		if len(fields) == 0 {
			fields = allFields
		}
		for _, f := range fields {
			v := attemptField(a, f)
			if v == "" || !ind.re.MatchString(v) {
				continue
			}
			ind.hits.Add(1)
			out = append(out, d.newEvent(ind.def.ThreatTypes[0], ind.def.Level, ind.def.Confidence,
				a.AgentID, a.ServerID, "", map[string]any{
					"check":        "indicator",
					"indicator":    ind.def.Name,
					"field":        f,
					"threat_types": ind.def.ThreatTypes,
				}))
			break
		}
	}
	return out
}

// Indicators returns every indicator with its hit count.
func (d *Detector) Indicators() []IndicatorStatus {
	out := make([]IndicatorStatus, len(d.indicators))
	for i, ind := range d.indicators {
		out[i] = IndicatorStatus{Indicator: ind.def, Hits: ind.hits.Load()}
	}
	return out
}
