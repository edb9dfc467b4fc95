package group

import "strings"

// patternMatches reports whether p matches filename, trying both the full
// path and the basename (spec.md §4.3: "some positive pattern matched the
// basename or the full path").
func patternMatches(p Pattern, fullpath, base string) bool {
	return globMatchLeadingDir(p.Literal, fullpath, p.StarMatchesSlash) ||
		globMatchLeadingDir(p.Literal, base, p.StarMatchesSlash)
}

// globMatchLeadingDir implements shell-glob matching with FNM_LEADING_DIR
// semantics: in addition to a full match, the pattern is also considered a
// match when it exactly matches a leading directory component of text (a
// prefix of text that ends immediately before a '/'). path/filepath.Match
// provides neither FNM_LEADING_DIR nor the optional "star crosses slash"
// behavior, so the matcher is hand-rolled (see DESIGN.md).
func globMatchLeadingDir(pattern, text string, starSlash bool) bool {
	if globMatchExact(pattern, text, starSlash) {
		return true
	}

	for i := 0; i < len(text); i++ {
		if text[i] == '/' && globMatchExact(pattern, text[:i], starSlash) {
			return true
		}
	}

	return false
}

// globMatchExact reports whether pattern matches text in full, supporting
// '*', '?', and POSIX-style '[...]' bracket expressions. '*' matches zero
// or more characters; unless starSlash is set, it never consumes '/'.
func globMatchExact(pattern, text string, starSlash bool) bool {
	return matchHere(pattern, text, starSlash)
}

func matchHere(pattern, text string, starSlash bool) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for len(pattern) > 0 && pattern[0] == '*' {
				pattern = pattern[1:]
			}

			if len(pattern) == 0 {
				if starSlash {
					return true
				}

				return !strings.Contains(text, "/")
			}

			maxI := len(text)

			if !starSlash {
				if idx := strings.IndexByte(text, '/'); idx >= 0 {
					maxI = idx
				}
			}

			for i := 0; i <= maxI; i++ {
				if matchHere(pattern, text[i:], starSlash) {
					return true
				}
			}

			return false

		case '?':
			if len(text) == 0 {
				return false
			}

			if !starSlash && text[0] == '/' {
				return false
			}

			pattern = pattern[1:]
			text = text[1:]

		case '[':
			end := strings.IndexByte(pattern, ']')
			if end < 0 {
				// Unterminated bracket expression: treat '[' literally.
				if len(text) == 0 || text[0] != '[' {
					return false
				}

				pattern = pattern[1:]
				text = text[1:]

				continue
			}

			if len(text) == 0 {
				return false
			}

			if !matchBracket(pattern[1:end], text[0]) {
				return false
			}

			pattern = pattern[end+1:]
			text = text[1:]

		default:
			if len(text) == 0 || text[0] != pattern[0] {
				return false
			}

			pattern = pattern[1:]
			text = text[1:]
		}
	}

	return len(text) == 0
}

// matchBracket evaluates a POSIX bracket-expression body (the part between
// '[' and ']', already stripped) against a single byte c. A leading '!' or
// '^' negates the class; "a-z" style ranges are supported.
func matchBracket(body string, c byte) bool {
	negate := false

	if len(body) > 0 && (body[0] == '!' || body[0] == '^') {
		negate = true
		body = body[1:]
	}

	matched := false

	for i := 0; i < len(body); i++ {
		if i+2 < len(body) && body[i+1] == '-' {
			lo, hi := body[i], body[i+2]
			if lo <= c && c <= hi {
				matched = true
			}

			i += 2

			continue
		}

		if body[i] == c {
			matched = true
		}
	}

	return matched != negate
}
