// Package shellquote adapts the teacher's bash-quoting helper
// (gitapi/bash.go, cmd/git-sync/sync.go) for wrapping a remote-command
// argv into the single shell command string the EXEC state needs.
package shellquote

import "strings"

const safeUnquoted = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789@%_-+=:,./"

// QuoteWord single-quotes s unless it is already safe to pass unquoted.
// A leading "~/" is left alone so shell tilde-expansion still applies.
func QuoteWord(s string) string {
	if strings.HasPrefix(s, "~/") {
		return s
	}
	if s == "" {
		return "''"
	}
	hasUnsafe := false
	for _, r := range s {
		if !strings.ContainsRune(safeUnquoted, r) {
			hasUnsafe = true
			break
		}
	}
	if !hasUnsafe {
		return s
	}
	return "'" + strings.Replace(s, "'", `'"'"'`, -1) + "'"
}

// QuoteArgv joins argv into a single space-separated, shell-quoted string
// suitable as the script argument to `sh -c`.
func QuoteArgv(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = QuoteWord(a)
	}
	return strings.Join(parts, " ")
}
