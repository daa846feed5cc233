package migrate

import "strings"

// SplitStatements splits a SQL script into individual statements on
// top-level semicolons. Semicolons inside quotes, dollar-quoted bodies and
// comments do not end a statement. Comment-only and empty statements are dropped.
func SplitStatements(sql string) []string {
	var statements []string
	var current strings.Builder
	hasCode := false

	flush := func() {
		stmt := strings.TrimSpace(current.String())
		if hasCode && stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
		hasCode = false
	}

	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				end = len(sql) - i
			}
			current.WriteString(sql[i : i+end])
			i += end - 1

		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				end = len(sql) - i - 2
			} else {
				end += 2
			}
			current.WriteString(sql[i : i+2+end])
			i += 1 + end

		case c == '\'' || c == '"':
			end := closingQuote(sql, i+1, c)
			current.WriteString(sql[i:end])
			hasCode = true
			i = end - 1

		case c == '$':
			if tag, ok := dollarTag(sql[i:]); ok {
				end := strings.Index(sql[i+len(tag):], tag)
				if end < 0 {
					end = len(sql) - i
				} else {
					end += 2 * len(tag)
				}
				current.WriteString(sql[i : i+end])
				hasCode = true
				i += end - 1
				continue
			}
			current.WriteByte(c)
			hasCode = true

		case c == ';':
			flush()

		default:
			current.WriteByte(c)
			if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
				hasCode = true
			}
		}
	}
	flush()

	return statements
}

// closingQuote returns the index just past the quote that closes the literal
// starting at start. Doubled quotes are escapes.
func closingQuote(sql string, start int, quote byte) int {
	for j := start; j < len(sql); j++ {
		if sql[j] != quote {
			continue
		}
		if j+1 < len(sql) && sql[j+1] == quote {
			j++
			continue
		}
		return j + 1
	}
	return len(sql)
}

// dollarTag reports the $tag$ opening s, if any.
func dollarTag(s string) (string, bool) {
	for j := 1; j < len(s); j++ {
		c := s[j]
		if c == '$' {
			return s[:j+1], true
		}
		if !(c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || j > 1 && c >= '0' && c <= '9') {
			return "", false
		}
	}
	return "", false
}
