package detection

import (
	"regexp"

	"fantasyguard/internal/model"
)

// signatureFamily groups expressions of one attack category. A request
// produces at most one indicator per family.
type signatureFamily struct {
	name     string
	severity model.Severity
	score    float64
	patterns []*regexp.Regexp
}

// shellVerbs are commands an injected fragment typically starts with.
const shellVerbs = `(ls|cat|rm|wget|curl|nc|ncat|bash|sh|chmod|whoami|uname|ping)`

var signatureFamilies = []signatureFamily{
	{
		name:     "sql_injection",
		severity: model.SeverityHigh,
		score:    0.8,
		patterns: compileAll(
			`(?i)'\s*(or|and)\s+['"]?\w+['"]?\s*=\s*['"]?\w+`,
			`(?i)\bor\s+1\s*=\s*1\b`,
			`(?i)\bunion\s+(all\s+)?select\b`,
			`(?i)'\s*;?\s*--`,
			`(?i);\s*(drop|truncate|alter)\s+table\b`,
			`(?i)\b(sleep|benchmark|pg_sleep)\s*\(\s*\d+`,
			`(?i)\bwaitfor\s+delay\b`,
			`(?i)\binformation_schema\b`,
		),
	},
	{
		name:     "script_injection",
		severity: model.SeverityHigh,
		score:    0.7,
		patterns: compileAll(
			`(?i)<\s*script\b`,
			`(?i)javascript\s*:`,
			`(?i)\bon(load|error|click|mouseover|focus|submit)\s*=`,
			`(?i)<\s*(iframe|object|embed)\b`,
			`(?i)document\.(cookie|location|write)`,
			`(?i)\beval\s*\(`,
		),
	},
	{
		name:     "path_traversal",
		severity: model.SeverityMedium,
		score:    0.6,
		patterns: compileAll(
			`\.\./`,
			`\.\.\\`,
			`(?i)%2e%2e(%2f|%5c|/|\\)`,
			`(?i)/etc/(passwd|shadow|hosts)\b`,
			`(?i)\b(boot|win)\.ini\b`,
		),
	},
	{
		name:     "command_injection",
		severity: model.SeverityHigh,
		score:    0.9,
		patterns: compileAll(
			`(?i)(;|\|\||&&|\|)\s*`+shellVerbs+`\b`,
			"(?i)`"+shellVerbs+"\\b[^`]{0,200}`",
			`(?i)\$\(\s*`+shellVerbs+`\b[^)]{0,200}\)`,
			`(?i)/bin/(ba)?sh\b`,
		),
	},
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}

func (f signatureFamily) match(s string) (string, bool) {
	for _, re := range f.patterns {
		if loc := re.FindStringIndex(s); loc != nil {
			return s[loc[0]:loc[1]], true
		}
	}
	return "", false
}
