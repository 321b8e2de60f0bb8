package schema

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokWord   tokenKind = iota // bare keyword or identifier
	tokIdent                   // backtick or double quoted identifier
	tokString                  // single quoted literal
	tokNumber                  // numeric literal
	tokPunct                   // ( ) , ; = . and friends
)

type token struct {
	kind tokenKind
	// text is the unquoted value for identifiers and strings and the raw
	// text otherwise.
	text  string
	quote byte
	pos   int
}

func (t token) is(word string) bool {
	return t.kind == tokWord && strings.EqualFold(t.text, word)
}

func (t token) punct(p string) bool {
	return t.kind == tokPunct && t.text == p
}

// statement is one ';' terminated unit of a script.
type statement struct {
	toks []token
	text string
	line int
}

// splitStatements tokenizes src and groups the tokens into statements.
// Comments are dropped; statements without tokens are skipped.
func splitStatements(src string) ([]statement, error) {
	var (
		out   []statement
		cur   []token
		start = -1
	)
	flush := func(end int) {
		if len(cur) > 0 {
			out = append(out, statement{
				toks: cur,
				text: strings.TrimSpace(src[start:end]),
				line: 1 + strings.Count(src[:start], "\n"),
			})
		}
		cur = nil
		start = -1
	}

	lx := lexer{src: src}
	for {
		tok, ok, err := lx.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if tok.punct(";") {
			flush(tok.pos)
			continue
		}
		if start < 0 {
			start = tok.pos
		}
		cur = append(cur, tok)
	}
	flush(len(src))
	return out, nil
}

// SplitStatements returns the statements of a script without their
// terminating ';'. Comments between statements and comment-only fragments
// are dropped; comments inside a statement are kept as written.
func SplitStatements(src string) ([]string, error) {
	stmts, err := splitStatements(src)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(stmts))
	for i, st := range stmts {
		out[i] = st.text
	}
	return out, nil
}

type lexer struct {
	src string
	pos int
}

func (l *lexer) line() int { return 1 + strings.Count(l.src[:l.pos], "\n") }

func (l *lexer) next() (token, bool, error) {
	for {
		l.skipSpace()
		if l.pos >= len(l.src) {
			return token{}, false, nil
		}
		skipped, err := l.skipComment()
		if err != nil {
			return token{}, false, err
		}
		if !skipped {
			break
		}
	}

	start := l.pos
	c := l.src[l.pos]
	switch {
	case c == '\'':
		s, err := l.quoted('\'')
		if err != nil {
			return token{}, false, err
		}
		return token{kind: tokString, text: s, quote: '\'', pos: start}, true, nil

	case c == '`' || c == '"':
		s, err := l.quoted(c)
		if err != nil {
			return token{}, false, err
		}
		return token{kind: tokIdent, text: s, quote: c, pos: start}, true, nil

	case isDigit(c) || (c == '.' && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1])):
		l.pos++
		for l.pos < len(l.src) && (isDigit(l.src[l.pos]) || l.src[l.pos] == '.') {
			l.pos++
		}
		if l.pos < len(l.src) && (l.src[l.pos] == 'e' || l.src[l.pos] == 'E') {
			l.pos++
			if l.pos < len(l.src) && (l.src[l.pos] == '+' || l.src[l.pos] == '-') {
				l.pos++
			}
			for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
				l.pos++
			}
		}
		// Identifiers may start with digits; keep such words whole.
		if l.pos < len(l.src) && isWordByte(l.src[l.pos]) {
			for l.pos < len(l.src) && isWordByte(l.src[l.pos]) {
				l.pos++
			}
			return token{kind: tokWord, text: l.src[start:l.pos], pos: start}, true, nil
		}
		return token{kind: tokNumber, text: l.src[start:l.pos], pos: start}, true, nil

	case isWordByte(c):
		for l.pos < len(l.src) && isWordByte(l.src[l.pos]) {
			l.pos++
		}
		return token{kind: tokWord, text: l.src[start:l.pos], pos: start}, true, nil
	}

	l.pos++
	return token{kind: tokPunct, text: string(c), pos: start}, true, nil
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) {
		switch l.src[l.pos] {
		case ' ', '\t', '\n', '\r', '\f', '\v':
			l.pos++
		default:
			return
		}
	}
}

// skipComment consumes one comment at the current position, if any.
func (l *lexer) skipComment() (bool, error) {
	rest := l.src[l.pos:]
	switch {
	case strings.HasPrefix(rest, "--") && (len(rest) == 2 || isSpace(rest[2])):
		l.skipLine()
		return true, nil
	case strings.HasPrefix(rest, "#"):
		l.skipLine()
		return true, nil
	case strings.HasPrefix(rest, "/*"):
		end := strings.Index(rest[2:], "*/")
		if end < 0 {
			return false, &ParseError{Line: l.line(), Msg: "unterminated block comment"}
		}
		l.pos += end + 4
		return true, nil
	}
	return false, nil
}

func (l *lexer) skipLine() {
	if i := strings.IndexByte(l.src[l.pos:], '\n'); i >= 0 {
		l.pos += i + 1
		return
	}
	l.pos = len(l.src)
}

// quoted reads a literal delimited by q. A doubled delimiter is an escaped
// delimiter; backslash escapes apply to single and double quoted literals.
func (l *lexer) quoted(q byte) (string, error) {
	line := l.line()
	l.pos++
	var b strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == q:
			if l.pos+1 < len(l.src) && l.src[l.pos+1] == q {
				b.WriteByte(q)
				l.pos += 2
				continue
			}
			l.pos++
			return b.String(), nil
		case c == '\\' && q != '`' && l.pos+1 < len(l.src):
			b.WriteByte(unescape(l.src[l.pos+1]))
			l.pos += 2
		default:
			b.WriteByte(c)
			l.pos++
		}
	}
	return "", &ParseError{Line: line, Msg: fmt.Sprintf("unterminated %c quoted literal", q)}
}

func unescape(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	case '0':
		return 0
	case 'Z':
		return 26
	}
	return c
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }
func isWordByte(c byte) bool {
	return c == '_' || c == '$' || isDigit(c) || c >= 0x80 || (c|0x20 >= 'a' && c|0x20 <= 'z')
}
