package cypher

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ysankpia/nervusdb/pkg/dberr"
)

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokIdent
	tokQuotedIdent // `escaped name`, never a keyword
	tokString
	tokInt
	tokFloat
	tokParam
	tokSymbol
)

type token struct {
	kind tokenKind
	text string // identifier name, unescaped string, number text or symbol
	pos  int
	end  int
}

// is reports whether t is the keyword kw, compared case-insensitively.
func (t token) is(kw string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

func (t token) sym(s string) bool {
	return t.kind == tokSymbol && t.text == s
}

// multi-character symbols, longest first
var symbols = []string{"..", "<>", "!=", "<=", ">=", "=~", "+="}

// fragment returns the query text starting at pos, cut to a readable length.
func fragment(src string, pos int) string {
	if pos >= len(src) {
		return "<end of query>"
	}
	frag := src[pos:]
	if i := strings.IndexByte(frag, '\n'); i > 0 {
		frag = frag[:i]
	}
	if len(frag) > 40 {
		frag = frag[:40]
	}
	return strings.TrimSpace(frag)
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for {
		// whitespace and comments
	skip:
		for i < len(src) {
			r, w := utf8.DecodeRuneInString(src[i:])
			switch {
			case unicode.IsSpace(r):
				i += w
				continue
			case strings.HasPrefix(src[i:], "//"):
				if j := strings.IndexByte(src[i:], '\n'); j >= 0 {
					i += j + 1
				} else {
					i = len(src)
				}
				continue
			case strings.HasPrefix(src[i:], "/*"):
				j := strings.Index(src[i+2:], "*/")
				if j < 0 {
					return nil, dberr.SyntaxAt(fragment(src, i), "unterminated comment")
				}
				i += j + 4
				continue
			}
			break skip
		}
		if i >= len(src) {
			toks = append(toks, token{kind: tokEOF, pos: len(src), end: len(src)})
			return toks, nil
		}

		start := i
		c := src[i]
		switch {
		case c == '\'' || c == '"':
			s, n, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			i = n
			toks = append(toks, token{kind: tokString, text: s, pos: start, end: i})

		case c == '`':
			j := strings.IndexByte(src[i+1:], '`')
			if j < 0 {
				return nil, dberr.SyntaxAt(fragment(src, i), "unterminated quoted identifier")
			}
			i += j + 2
			toks = append(toks, token{kind: tokQuotedIdent, text: src[start+1 : i-1], pos: start, end: i})

		case c == '$':
			i++
			var name string
			if i < len(src) && src[i] == '`' {
				j := strings.IndexByte(src[i+1:], '`')
				if j < 0 {
					return nil, dberr.SyntaxAt(fragment(src, start), "unterminated parameter name")
				}
				name = src[i+1 : i+1+j]
				i += j + 2
			} else {
				j := i
				for j < len(src) && isIdentPart(rune(src[j])) {
					j++
				}
				name = src[i:j]
				i = j
			}
			if name == "" {
				return nil, dberr.SyntaxAt(fragment(src, start), "expected parameter name after $")
			}
			toks = append(toks, token{kind: tokParam, text: name, pos: start, end: i})

		case c >= '0' && c <= '9':
			tok, err := lexNumber(src, i)
			if err != nil {
				return nil, err
			}
			i = tok.end
			toks = append(toks, tok)

		case c == '.' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9' && !prevAllowsDot(toks):
			tok, err := lexNumber(src, i)
			if err != nil {
				return nil, err
			}
			i = tok.end
			toks = append(toks, tok)

		default:
			r, w := utf8.DecodeRuneInString(src[i:])
			if isIdentStart(r) {
				j := i + w
				for j < len(src) {
					r, w := utf8.DecodeRuneInString(src[j:])
					if !isIdentPart(r) {
						break
					}
					j += w
				}
				i = j
				toks = append(toks, token{kind: tokIdent, text: src[start:i], pos: start, end: i})
				continue
			}
			matched := false
			for _, s := range symbols {
				if strings.HasPrefix(src[i:], s) {
					i += len(s)
					toks = append(toks, token{kind: tokSymbol, text: s, pos: start, end: i})
					matched = true
					break
				}
			}
			if matched {
				continue
			}
			if strings.IndexByte("()[]{},.:;|+-*/%^=<>", c) < 0 {
				return nil, dberr.SyntaxAt(fragment(src, i), "unexpected character %q", r)
			}
			i++
			toks = append(toks, token{kind: tokSymbol, text: src[start:i], pos: start, end: i})
		}
	}
}

// prevAllowsDot reports whether a '.' here is property access rather than
// the start of a number such as .5.
func prevAllowsDot(toks []token) bool {
	if len(toks) == 0 {
		return false
	}
	p := toks[len(toks)-1]
	switch p.kind {
	case tokIdent, tokQuotedIdent, tokParam:
		return true
	case tokSymbol:
		return p.text == ")" || p.text == "]" || p.text == "}"
	}
	return false
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func lexNumber(src string, i int) (token, error) {
	start := i
	if strings.HasPrefix(src[i:], "0x") || strings.HasPrefix(src[i:], "0X") {
		i += 2
		for i < len(src) && strings.IndexByte("0123456789abcdefABCDEF", src[i]) >= 0 {
			i++
		}
		n, err := strconv.ParseInt(src[start+2:i], 16, 64)
		if err != nil {
			return token{}, dberr.SyntaxAt(src[start:i], "invalid hexadecimal literal")
		}
		return token{kind: tokInt, text: strconv.FormatInt(n, 10), pos: start, end: i}, nil
	}

	isFloat := false
	for i < len(src) && src[i] >= '0' && src[i] <= '9' {
		i++
	}
	// "1..3" is a range, not a float
	if i+1 < len(src) && src[i] == '.' && src[i+1] >= '0' && src[i+1] <= '9' {
		isFloat = true
		i++
		for i < len(src) && src[i] >= '0' && src[i] <= '9' {
			i++
		}
	}
	if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
		j := i + 1
		if j < len(src) && (src[j] == '+' || src[j] == '-') {
			j++
		}
		if j < len(src) && src[j] >= '0' && src[j] <= '9' {
			isFloat = true
			i = j
			for i < len(src) && src[i] >= '0' && src[i] <= '9' {
				i++
			}
		}
	}
	if i < len(src) && isIdentStart(rune(src[i])) {
		return token{}, dberr.SyntaxAt(fragment(src, start), "invalid number literal")
	}

	text := src[start:i]
	if isFloat {
		if _, err := strconv.ParseFloat(text, 64); err != nil {
			return token{}, dberr.SyntaxAt(text, "invalid float literal")
		}
		return token{kind: tokFloat, text: text, pos: start, end: i}, nil
	}
	// the magnitude of math.MinInt64 lexes; the parser checks the sign
	if n, err := strconv.ParseUint(text, 10, 64); err != nil || n > 1<<63 {
		return token{}, dberr.SyntaxAt(text, "integer literal out of range")
	}
	return token{kind: tokInt, text: text, pos: start, end: i}, nil
}

func lexString(src string, i int) (string, int, error) {
	quote := src[i]
	start := i
	i++
	var sb strings.Builder
	for i < len(src) {
		c := src[i]
		switch {
		case c == quote:
			return sb.String(), i + 1, nil
		case c == '\\':
			if i+1 >= len(src) {
				return "", 0, dberr.SyntaxAt(fragment(src, start), "unterminated string literal")
			}
			i++
			switch e := src[i]; e {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case 'b':
				sb.WriteByte('\b')
			case 'f':
				sb.WriteByte('\f')
			case '\\', '\'', '"':
				sb.WriteByte(e)
			case 'u', 'U':
				size := 4
				if e == 'U' {
					size = 8
				}
				if i+size >= len(src) {
					return "", 0, dberr.SyntaxAt(fragment(src, i-1), "invalid unicode escape")
				}
				code, err := strconv.ParseUint(src[i+1:i+1+size], 16, 32)
				if err != nil {
					return "", 0, dberr.SyntaxAt(fragment(src, i-1), "invalid unicode escape")
				}
				sb.WriteRune(rune(code))
				i += size
			default:
				return "", 0, dberr.SyntaxAt(fragment(src, i-1), "invalid escape sequence \\%c", e)
			}
			i++
		default:
			sb.WriteByte(c)
			i++
		}
	}
	return "", 0, dberr.SyntaxAt(fragment(src, start), "unterminated string literal")
}
