// Package util provides common utility functions used across the codebase.
package util

import "strings"

// ShellQuote wraps a string in single quotes, escaping any existing single quotes.
// This is safe for use in shell commands where the string should be treated literally.
func ShellQuote(s string) string {
	// Replace ' with '\'' (end quote, escaped quote, start quote)
	escaped := strings.ReplaceAll(s, "'", "'\\''")
	return "'" + escaped + "'"
}

// ShellJoin quotes each word and joins them with spaces.
func ShellJoin(words ...string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = ShellQuote(w)
	}
	return strings.Join(quoted, " ")
}

// SudoWrap runs cmd through a non-interactive sudo shell so compound
// commands (pipes, &&, redirects) keep root privileges end to end.
// sudo -n fails instead of prompting when a password would be needed.
func SudoWrap(cmd string) string {
	return "sudo -n sh -c " + ShellQuote(cmd)
}
