package remediation

import (
	"path"
	"regexp"
	"strings"

	"github.com/linnemanlabs/remedy/internal/alert"
)

// Matches reports whether the alert satisfies every configured constraint of
// the trigger's match rule. Unset constraints are wildcards, so a trigger
// with an empty rule matches every alert; guarding against overly broad
// triggers is the caller's job via priority ordering.
//
// Pure function, safe for concurrent use.
func Matches(al *alert.Alert, t *Trigger) bool {
	m := &t.Match

	if m.NamePattern != "" && !matchName(m.NamePattern, al.Name) {
		return false
	}

	if len(m.Severities) > 0 && !severityIn(al.Severity, m.Severities) {
		return false
	}

	for i := range m.Labels {
		if !matchLabel(al.Labels, &m.Labels[i]) {
			return false
		}
	}

	return true
}

// matchName applies the name pattern. Anchored patterns (^ or $) are treated
// as case-sensitive regular expressions; everything else is a glob matched
// with case folded. Patterns that fail to compile match nothing; Validate
// reports them before they reach this path.
func matchName(pattern, name string) bool {
	if anchored(pattern) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(name)
	}
	ok, err := path.Match(strings.ToLower(pattern), strings.ToLower(name))
	return err == nil && ok
}

func severityIn(sev alert.Severity, set []alert.Severity) bool {
	for _, s := range set {
		if strings.EqualFold(string(s), string(sev)) {
			return true
		}
	}
	return false
}

func matchLabel(labels map[string]string, lc *LabelConstraint) bool {
	v, ok := labels[lc.Key]
	if !ok {
		return false
	}
	switch lc.Op {
	case LabelContains:
		return strings.Contains(v, lc.Value)
	default: // LabelEquals and the zero value
		return v == lc.Value
	}
}
