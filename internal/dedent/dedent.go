// Package dedent normalizes multi-line shell fragments before they are
// embedded into a machine's user data, which EC2 limits to 16 KB.
package dedent

import "strings"

// Dedent removes leading blank lines, trailing whitespace, #-comment lines
// (a #! shebang on the first line is kept) and lines holding nothing but
// indentation, then strips the indentation common to all remaining lines.
// The result ends with exactly one newline. Dedent is idempotent.
func Dedent(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}

	kept := lines[:0]
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" && line != "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#") && !(i == 0 && strings.HasPrefix(trimmed, "#!")) {
			continue
		}
		kept = append(kept, strings.TrimRight(line, " \t\r"))
	}

	prefix := commonIndent(kept)
	for i, line := range kept {
		kept[i] = strings.TrimPrefix(line, prefix)
	}

	return strings.TrimRight(strings.Join(kept, "\n"), " \t\r\n") + "\n"
}

func commonIndent(lines []string) string {
	prefix := ""
	first := true
	for _, line := range lines {
		if line == "" {
			continue
		}
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		if first {
			prefix, first = indent, false
			continue
		}
		for !strings.HasPrefix(indent, prefix) {
			prefix = prefix[:len(prefix)-1]
		}
	}
	return prefix
}
