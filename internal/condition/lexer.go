package condition

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokLParen
	tokRParen
	tokNot
	tokOp
	tokVar
	tokString
	tokNumber
	tokIdent
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of expression"
	}
	return fmt.Sprintf("%q at %d", t.text, t.pos)
}

// lex splits an expression into tokens. Variable references in both
// supported forms (${a.b} and variables.a.b) become a single tokVar whose
// text is the dotted path.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++

		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++

		case c == '=' || c == '!' || c == '<' || c == '>':
			op, n := scanOperator(src[i:])
			if op == "!" {
				toks = append(toks, token{kind: tokNot, text: "!", pos: i})
			} else if op == "" {
				return nil, fmt.Errorf("unexpected %q at %d", string(c), i)
			} else {
				toks = append(toks, token{kind: tokOp, text: op, pos: i})
			}
			i += n

		case c == '$':
			if i+1 >= len(src) || src[i+1] != '{' {
				return nil, fmt.Errorf("expected '{' after '$' at %d", i)
			}
			end := strings.IndexByte(src[i+2:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unterminated variable reference at %d", i)
			}
			path := strings.TrimSpace(src[i+2 : i+2+end])
			if !validPath(path) {
				return nil, fmt.Errorf("invalid variable reference %q at %d", path, i)
			}
			toks = append(toks, token{kind: tokVar, text: path, pos: i})
			i += end + 3

		case c == '\'' || c == '"':
			s, n, err := scanString(src[i:])
			if err != nil {
				return nil, fmt.Errorf("%v at %d", err, i)
			}
			toks = append(toks, token{kind: tokString, text: s, pos: i})
			i += n

		case isDigit(c) || (c == '-' && i+1 < len(src) && isDigit(src[i+1])):
			start := i
			i++
			for i < len(src) && (isDigit(src[i]) || src[i] == '.' || src[i] == 'e' || src[i] == 'E') {
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: src[start:i], pos: start})

		case isIdentStart(runeAt(src, i)):
			start := i
			for i < len(src) {
				r, n := utf8.DecodeRuneInString(src[i:])
				if !isIdentPart(r) && r != '.' {
					break
				}
				i += n
			}
			word := src[start:i]
			if rest, ok := strings.CutPrefix(word, "variables."); ok {
				if !validPath(rest) {
					return nil, fmt.Errorf("invalid variable reference %q at %d", word, start)
				}
				toks = append(toks, token{kind: tokVar, text: rest, pos: start})
			} else {
				toks = append(toks, token{kind: tokIdent, text: word, pos: start})
			}

		default:
			return nil, fmt.Errorf("unexpected %q at %d", runeAt(src, i), i)
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

// scanOperator returns the longest comparison operator at the start of s,
// or "!" for a lone negation.
func scanOperator(s string) (string, int) {
	for _, op := range []string{"===", "!==", "==", "!=", "<=", ">=", "<", ">"} {
		if strings.HasPrefix(s, op) {
			return op, len(op)
		}
	}
	if strings.HasPrefix(s, "!") {
		return "!", 1
	}
	return "", 0
}

func scanString(s string) (string, int, error) {
	quote := s[0]
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s):
			i++
			b.WriteByte(s[i])
		case c == quote:
			return b.String(), i + 1, nil
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, fmt.Errorf("unterminated string")
}

func validPath(p string) bool {
	if p == "" {
		return false
	}
	for _, part := range strings.Split(p, ".") {
		if part == "" || !isIdentStart(runeAt(part, 0)) {
			return false
		}
		for _, r := range part {
			if !isIdentPart(r) {
				return false
			}
		}
	}
	return true
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// runeAt decodes the rune starting at byte offset i of s.
func runeAt(s string, i int) rune {
	r, _ := utf8.DecodeRuneInString(s[i:])
	return r
}

func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }

func isIdentPart(r rune) bool { return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) }
