package search

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord
	tokString
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) keyword(kw string) bool {
	return t.kind == tokWord && strings.EqualFold(t.text, kw)
}

func isWord(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("_.-:@/+", r)
}

func lex(in string) ([]token, error) {
	var toks []token
	rs := []rune(in)

	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case r == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case r == '=' || r == '~':
			toks = append(toks, token{kind: tokOp, text: string(r), pos: i})
			i++
		case r == '!':
			if i+1 >= len(rs) || rs[i+1] != '=' {
				return nil, fmt.Errorf("%w: expected '!=' at %d", ErrInvalidQuery, i)
			}
			toks = append(toks, token{kind: tokOp, text: "!=", pos: i})
			i += 2
		case r == '\'' || r == '"':
			end := i + 1
			for end < len(rs) && rs[end] != r {
				end++
			}
			if end >= len(rs) {
				return nil, fmt.Errorf("%w: unterminated string at %d", ErrInvalidQuery, i)
			}
			toks = append(toks, token{kind: tokString, text: string(rs[i+1 : end]), pos: i})
			i = end + 1
		case isWord(r):
			start := i
			for i < len(rs) && isWord(rs[i]) {
				i++
			}
			toks = append(toks, token{kind: tokWord, text: string(rs[start:i]), pos: start})
		default:
			return nil, fmt.Errorf("%w: unexpected character %q at %d", ErrInvalidQuery, r, i)
		}
	}

	return append(toks, token{kind: tokEOF, pos: len(rs)}), nil
}
