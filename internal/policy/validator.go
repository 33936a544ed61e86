package policy

import (
	"fmt"
	"strings"
)

// Verdict is the result of validating one raw command string.
type Verdict struct {
	Allowed bool
	Reason  string
}

func allowed() Verdict {
	return Verdict{Allowed: true}
}

func rejected(format string, args ...any) Verdict {
	return Verdict{Reason: fmt.Sprintf(format, args...)}
}

// Validate decides whether a raw user-typed command may run. It is a pure
// function of the input and the tables; first matching rule wins.
//
// Operator blocking runs before any allowlist lookup: an allowed base command
// chained to anything else via shell metacharacters would otherwise smuggle
// arbitrary commands past the allowlist.
func (t *Tables) Validate(raw string) Verdict {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return rejected("empty command")
	}
	if len(raw) > t.MaxCommandLength {
		return rejected("command exceeds %d characters", t.MaxCommandLength)
	}

	for _, op := range t.BlockedOperators {
		if strings.Contains(raw, op) {
			return rejected("operator %q is not permitted", op)
		}
	}

	fields := strings.Fields(trimmed)
	primary := strings.ToLower(fields[0])

	// Blocklist wins over allowlist so a command accidentally present in
	// both tables stays blocked.
	if _, blocked := t.AbsoluteBlocklist[primary]; blocked {
		return rejected("command %q is not permitted", primary)
	}

	meta, ok := t.Allowlist[primary]
	if !ok {
		return rejected("command %q is not in the allowed command list", primary)
	}

	if meta.SubcommandChecked && len(fields) > 1 {
		sub := strings.ToLower(fields[1])
		if _, ok := t.AllowedGitSubs[sub]; !ok {
			return rejected("%s subcommand %q is not permitted", primary, sub)
		}
	}

	lower := strings.ToLower(raw)
	for _, pattern := range t.BlockedPathPatterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return rejected("path %q is not accessible", pattern)
		}
	}

	for _, re := range t.dangerous {
		if re.MatchString(raw) {
			return rejected("command contains a disallowed pattern")
		}
	}

	return allowed()
}

// Primary returns the lowercased first token of a command, or "".
func Primary(raw string) string {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}
