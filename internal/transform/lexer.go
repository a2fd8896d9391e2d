package transform

import (
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokPunct
)

type token struct {
	kind tokenKind
	pos  int
	text string  // identifier name, punctuator, or decoded string
	num  float64 // tokNumber only
}

// punctuators ordered longest first so the scanner is greedy.
var punctuators = []string{
	"===", "!==",
	"==", "!=", "<=", ">=", "&&", "||", "??", "<<", ">>",
	"+", "-", "*", "/", "%", "<", ">", "!", "~", "&", "|", "^",
	"?", ":", "(", ")", "[", "]", "{", "}", ",", ".",
}

// maxSourceLen bounds what Compile accepts.
const maxSourceLen = 4096

func lex(src string) ([]token, error) {
	if len(src) > maxSourceLen {
		return nil, syntaxErr(0, "expression longer than %d bytes", maxSourceLen)
	}

	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case isDigit(c) || (c == '.' && i+1 < len(src) && isDigit(src[i+1])):
			tok, next, err := lexNumber(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, tok)
			i = next
		case c == '\'' || c == '"':
			tok, next, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, tok)
			i = next
		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			toks = append(toks, token{kind: tokIdent, pos: start, text: src[start:i]})
		default:
			matched := false
			for _, p := range punctuators {
				if strings.HasPrefix(src[i:], p) {
					toks = append(toks, token{kind: tokPunct, pos: i, text: p})
					i += len(p)
					matched = true
					break
				}
			}
			if !matched {
				return nil, syntaxErr(i, "unexpected character %q", c)
			}
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

func lexNumber(src string, start int) (token, int, error) {
	i := start
	if src[i] == '0' && i+1 < len(src) && (src[i+1] == 'x' || src[i+1] == 'X') {
		i += 2
		for i < len(src) && isHexDigit(src[i]) {
			i++
		}
		n, err := strconv.ParseUint(src[start+2:i], 16, 64)
		if err != nil {
			return token{}, 0, syntaxErr(start, "invalid hex literal %q", src[start:i])
		}
		return token{kind: tokNumber, pos: start, num: float64(n)}, i, nil
	}

	for i < len(src) && isDigit(src[i]) {
		i++
	}
	if i < len(src) && src[i] == '.' {
		i++
		for i < len(src) && isDigit(src[i]) {
			i++
		}
	}
	if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
		j := i + 1
		if j < len(src) && (src[j] == '+' || src[j] == '-') {
			j++
		}
		if j < len(src) && isDigit(src[j]) {
			i = j
			for i < len(src) && isDigit(src[i]) {
				i++
			}
		}
	}
	if i < len(src) && isIdentStart(src[i]) {
		return token{}, 0, syntaxErr(i, "identifier directly after number")
	}

	n, err := strconv.ParseFloat(src[start:i], 64)
	if err != nil {
		return token{}, 0, syntaxErr(start, "invalid number %q", src[start:i])
	}
	return token{kind: tokNumber, pos: start, num: n}, i, nil
}

func lexString(src string, start int) (token, int, error) {
	quote := src[start]
	var b strings.Builder
	i := start + 1
	for i < len(src) {
		c := src[i]
		switch {
		case c == quote:
			return token{kind: tokString, pos: start, text: b.String()}, i + 1, nil
		case c == '\\':
			if i+1 >= len(src) {
				return token{}, 0, syntaxErr(i, "unterminated escape")
			}
			switch e := src[i+1]; e {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '0':
				b.WriteByte(0)
			default:
				b.WriteByte(e)
			}
			i += 2
		case c == '\n':
			return token{}, 0, syntaxErr(i, "newline in string literal")
		default:
			b.WriteByte(c)
			i++
		}
	}
	return token{}, 0, syntaxErr(start, "unterminated string literal")
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isHexDigit(c byte) bool   { return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') }
func isIdentStart(c byte) bool { return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isIdentPart(c byte) bool  { return isIdentStart(c) || isDigit(c) }
