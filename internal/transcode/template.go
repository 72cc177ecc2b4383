package transcode

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Tokenize splits a command template into argv with POSIX shell-style quoting
// (single quotes literal, double quotes with backslash escapes). No shell is
// ever invoked; the tokens go straight to exec.
//
// Hand-rolled: the quoting rules are small and fixed, and argv construction
// for a child process is too security-sensitive to route through a shell.
func Tokenize(s string) ([]string, error) {
	var argv []string
	var cur strings.Builder
	inToken := false
	i := 0
	for i < len(s) {
		c := s[i]
		switch c {
		case ' ', '\t', '\n':
			if inToken {
				argv = append(argv, cur.String())
				cur.Reset()
				inToken = false
			}
			i++
		case '\'':
			inToken = true
			end := strings.IndexByte(s[i+1:], '\'')
			if end < 0 {
				return nil, fmt.Errorf("template: unterminated single quote")
			}
			cur.WriteString(s[i+1 : i+1+end])
			i += end + 2
		case '"':
			inToken = true
			i++
			for {
				if i >= len(s) {
					return nil, fmt.Errorf("template: unterminated double quote")
				}
				if s[i] == '"' {
					i++
					break
				}
				if s[i] == '\\' && i+1 < len(s) && (s[i+1] == '"' || s[i+1] == '\\' || s[i+1] == '$' || s[i+1] == '`') {
					cur.WriteByte(s[i+1])
					i += 2
					continue
				}
				cur.WriteByte(s[i])
				i++
			}
		case '\\':
			if i+1 >= len(s) {
				return nil, fmt.Errorf("template: trailing backslash")
			}
			inToken = true
			cur.WriteByte(s[i+1])
			i += 2
		default:
			inToken = true
			cur.WriteByte(c)
			i++
		}
	}
	if inToken {
		argv = append(argv, cur.String())
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("template: empty command")
	}
	return argv, nil
}

// Expand tokenizes the template and substitutes the placeholders. Because
// substitution happens after tokenization, placeholder values can never split
// or merge tokens regardless of what they contain.
//
// duration 0 means unbounded: the {duration} token is dropped, together with
// an immediately preceding -t flag.
func Expand(template, input string, duration time.Duration, userAgent string) ([]string, error) {
	tokens, err := Tokenize(template)
	if err != nil {
		return nil, err
	}
	ua := sanitizeUserAgent(userAgent)
	secs := strconv.Itoa(int(duration / time.Second))

	argv := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if duration == 0 && strings.Contains(tok, "{duration}") {
			if n := len(argv); n > 0 && argv[n-1] == "-t" {
				argv = argv[:n-1]
			}
			continue
		}
		tok = strings.ReplaceAll(tok, "{input}", input)
		tok = strings.ReplaceAll(tok, "{duration}", secs)
		tok = strings.ReplaceAll(tok, "{user_agent}", ua)
		argv = append(argv, tok)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("template: empty command after expansion")
	}
	return argv, nil
}

// sanitizeUserAgent strips quotes, backslashes, and control characters so the
// value stays a single inert argv token even if it reaches a log line or an
// upstream header later.
func sanitizeUserAgent(ua string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r < 0x20 || r == 0x7f:
			return -1
		case r == '"' || r == '\'' || r == '\\':
			return -1
		}
		return r
	}, ua)
}
