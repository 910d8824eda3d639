package scanner

import "regexp"

// Category groups violation types.
type Category string

const (
	CategoryInjection        Category = "injection"
	CategoryDataExposure     Category = "data_exposure"
	CategoryMaliciousContent Category = "malicious_content"
	CategoryEncodingEvasion  Category = "encoding_evasion"
	CategoryCompliance       Category = "compliance"
)

// categoryWeight is the type-weight applied to a violation's severity when
// computing the risk score.
var categoryWeight = map[Category]float64{
	CategoryInjection:        1.0,
	CategoryDataExposure:     1.0,
	CategoryMaliciousContent: 0.8,
	CategoryEncodingEvasion:  0.6,
	CategoryCompliance:       0.5,
}

// Rule is one named pattern producing violations of a fixed type.
type Rule struct {
	Type     string
	Category Category
	Severity float64
	Regex    *regexp.Regexp
}

// DefaultRules returns the built-in rule catalogue.
func DefaultRules() []Rule {
	r := func(typ string, cat Category, sev float64, expr string) Rule {
		return Rule{Type: typ, Category: cat, Severity: sev, Regex: regexp.MustCompile(expr)}
	}
	return []Rule{
		// injection
		r("sql_injection", CategoryInjection, 0.85, `(?i)(\bUNION\s+(ALL\s+)?SELECT\b|\b(DROP|TRUNCATE|ALTER)\s+(TABLE|DATABASE)\b|'\s*OR\s+'?1'?\s*=\s*'?1|;\s*DELETE\s+FROM\b)`),
		r("xss", CategoryInjection, 0.8, `(?i)(<script[\s>]|javascript:|<iframe[\s>]|\bon(load|error|click|mouseover)\s*=)`),
		r("command_injection", CategoryInjection, 0.95, "(;|&&|\\|\\|)\\s*(rm|cat|curl|wget|bash|sh|nc|chmod|python|perl)\\b|\\$\\([^)]+\\)|\\|\\s*(ba)?sh\\b|`[^`\\n]+`"),
		r("template_injection", CategoryInjection, 0.7, `(\{\{[^}]*\}\}|\{%[^%]*%\}|\$\{[^}]+\})`),
		r("code_injection", CategoryInjection, 0.85, `(\b(eval|exec)\s*\(|__import__\s*\(|\bos\.system\s*\(|\bsubprocess\.(run|call|Popen)\s*\()`),
		r("prompt_override", CategoryInjection, 0.8, `(?i)\b(ignore|disregard|forget)\s+(all\s+)?(previous|prior|above)\s+(instructions|rules|prompts?)\b`),

		// data exposure
		r("private_key", CategoryDataExposure, 1.0, `-----BEGIN (?:RSA |EC |DSA |OPENSSH |PGP |ENCRYPTED )?PRIVATE KEY(?: BLOCK)?-----`),
		r("aws_access_key", CategoryDataExposure, 0.9, `\b(AKIA|ASIA)[0-9A-Z]{16}\b`),
		r("github_token", CategoryDataExposure, 0.9, `\b(gh[pousr]_[A-Za-z0-9_]{36,255}|github_pat_[A-Za-z0-9_]{22,255})\b`),
		r("slack_token", CategoryDataExposure, 0.9, `\bxox[baprs]-[0-9]{10,13}-[0-9]{10,13}[a-zA-Z0-9-]*`),
		r("stripe_key", CategoryDataExposure, 0.9, `\b(sk|rk)_(live|test)_[A-Za-z0-9]{20,100}\b`),
		r("google_api_key", CategoryDataExposure, 0.85, `\bAIza[A-Za-z0-9\-_]{35}\b`),
		r("jwt_token", CategoryDataExposure, 0.7, `\beyJ[A-Za-z0-9\-_]+\.eyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+`),
		r("password_assignment", CategoryDataExposure, 0.8, `(?i)\b(password|passwd|pwd|secret|api[_-]?key)\s*[=:]\s*['"]?[^\s'"]{8,}`),
		r("ssn", CategoryDataExposure, 0.8, `\b\d{3}-\d{2}-\d{4}\b`),
		r("credit_card", CategoryDataExposure, 0.85, `\b(4\d{3}|5[1-5]\d{2}|3[47]\d{2}|6011)[ -]?\d{4}[ -]?\d{4}[ -]?\d{1,4}\b`),
		r("email_address", CategoryDataExposure, 0.4, `\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),

		// malicious content
		r("suspicious_url", CategoryMaliciousContent, 0.7, `(?i)\bhttps?://((\d{1,3}\.){3}\d{1,3}|[a-z0-9.\-]+\.(tk|ml|ga|cf|gq|xyz|top|zip|mov)|(bit\.ly|tinyurl\.com|t\.co|goo\.gl)/)[^\s]*`),
		r("executable_download", CategoryMaliciousContent, 0.8, `(?i)\bhttps?://[^\s]+\.(exe|scr|bat|ps1|vbs|msi|jar)\b`),
		r("phishing_lure", CategoryMaliciousContent, 0.6, `(?i)\b(verify your account|urgent action required|your account (has been|will be) suspended|click here to (claim|login|verify))\b`),

		// encoding evasion
		r("base64_blob", CategoryEncodingEvasion, 0.5, `[A-Za-z0-9+/]{120,}={0,2}`),
		r("hex_blob", CategoryEncodingEvasion, 0.5, `\b(0x)?[0-9a-fA-F]{96,}\b`),
		r("percent_encoding", CategoryEncodingEvasion, 0.6, `(%[0-9a-fA-F]{2}){8,}`),
		r("unicode_escape", CategoryEncodingEvasion, 0.6, `(\\u[0-9a-fA-F]{4}){4,}`),

		// compliance
		r("hipaa_term", CategoryCompliance, 0.4, `(?i)\b(medical record number|patient id|diagnosis code|protected health information)\b`),
		r("pci_term", CategoryCompliance, 0.4, `(?i)\b(cardholder data|cvv2?|card verification value)\b`),
		r("gdpr_term", CategoryCompliance, 0.3, `(?i)\b(data subject|special category data|right to erasure)\b`),
	}
}

// DefaultSafeDomains are hosts whose URLs never count as suspicious.
var DefaultSafeDomains = []string{
	"example.com", "example.org", "example.net", "localhost",
	"github.com", "go.dev", "golang.org", "python.org", "wikipedia.org",
}

var (
	// docMarker on the same line suppresses data-exposure and compliance
	// matches in documentation and sample snippets.
	docMarker = regexp.MustCompile(`(?i)(\bexample\b|EXAMPLE|\bsample\b|\bplaceholder\b|\bdummy\b|<your[-_ ]|\bxxxx|\be\.g\.)`)

	safeImageData = regexp.MustCompile(`data:image/(png|jpe?g|gif|webp);base64,$`)

	urlHost = regexp.MustCompile(`(?i)^https?://([^/\s:?#]+)`)
)
