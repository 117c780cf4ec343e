package audit

import "fantasyguard/internal/model"

var baseSeverity = map[model.EventType]model.Severity{
	model.EventLoginSuccess:        model.SeverityLow,
	model.EventLogout:              model.SeverityLow,
	model.EventAccessGranted:       model.SeverityLow,
	model.EventMFASuccess:          model.SeverityLow,
	model.EventSessionTerminated:   model.SeverityLow,
	model.EventLoginFailure:        model.SeverityMedium,
	model.EventLoginBlocked:        model.SeverityMedium,
	model.EventAccessDenied:        model.SeverityMedium,
	model.EventRateLimitExceeded:   model.SeverityMedium,
	model.EventMFAFailure:          model.SeverityMedium,
	model.EventPasswordChange:      model.SeverityMedium,
	model.EventAdminChange:         model.SeverityMedium,
	model.EventDataExport:          model.SeverityMedium,
	model.EventSuspiciousActivity:  model.SeverityMedium,
	model.EventAccountLockout:      model.SeverityHigh,
	model.EventUnauthorizedAccess:  model.SeverityHigh,
	model.EventBruteForceAttempt:   model.SeverityHigh,
	model.EventPrivilegeEscalation: model.SeverityCritical,
	model.EventIntrusionDetected:   model.SeverityCritical,
}

// severityFor escalates the base severity by risk score; it never downgrades.
func severityFor(t model.EventType, risk float64) model.Severity {
	sev, ok := baseSeverity[t]
	if !ok {
		sev = model.SeverityLow
	}
	switch {
	case risk > 0.8:
		sev = model.MaxSeverity(sev, model.SeverityHigh)
	case risk > 0.5:
		sev = model.MaxSeverity(sev, model.SeverityMedium)
	}
	return sev
}

var relatedGroups = [][]model.EventType{
	{model.EventLoginFailure, model.EventLoginBlocked, model.EventBruteForceAttempt, model.EventAccountLockout},
	{model.EventAccessDenied, model.EventUnauthorizedAccess, model.EventPrivilegeEscalation},
	{model.EventSuspiciousActivity, model.EventIntrusionDetected, model.EventRateLimitExceeded},
	{model.EventMFAFailure, model.EventAccountLockout},
}

// groupsOf returns the indexes of the related groups containing t.
func groupsOf(t model.EventType) []int {
	var out []int
	for i, g := range relatedGroups {
		if containsType(g, t) {
			out = append(out, i)
		}
	}
	return out
}

var categories = map[model.EventType]string{
	model.EventLoginFailure:        "credential_attack",
	model.EventLoginBlocked:        "credential_attack",
	model.EventBruteForceAttempt:   "credential_attack",
	model.EventAccountLockout:      "credential_attack",
	model.EventMFAFailure:          "credential_attack",
	model.EventAccessDenied:        "access_violation",
	model.EventUnauthorizedAccess:  "access_violation",
	model.EventPrivilegeEscalation: "privilege_abuse",
	model.EventSuspiciousActivity:  "intrusion",
	model.EventIntrusionDetected:   "intrusion",
	model.EventRateLimitExceeded:   "abuse",
	model.EventDataExport:          "data_exfiltration",
	model.EventAdminChange:         "account_change",
	model.EventPasswordChange:      "account_change",
}

func categoryFor(t model.EventType) string {
	if c, ok := categories[t]; ok {
		return c
	}
	return "general"
}
