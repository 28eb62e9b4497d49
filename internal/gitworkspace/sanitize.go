package gitworkspace

import "strings"

// Sanitize collapses non-alphanumeric/dot/underscore/dash runs in s to a
// single dash and trims leading/trailing dashes, the way the broker derives
// both branch names and worktree directory names from a runId.
//
// Grounded on the teacher's SanitizeWorktreeDirName (branch-name
// sanitisation), generalised to any identifier-shaped input.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

// BranchName derives the per-run branch name: "agent/changes-<sanitized
// runId prefix>", truncated to 24 sanitized characters.
func BranchName(runID string) string {
	sanitized := Sanitize(runID)
	if len(sanitized) > 24 {
		sanitized = sanitized[:24]
	}
	return "agent/changes-" + sanitized
}
