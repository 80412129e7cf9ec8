package statement

import (
	"fmt"
	"strings"

	"github.com/xwb1989/sqlparser"
)

// token is one lexeme with its byte span in the source SQL
type token struct {
	typ   int
	val   string
	raw   string
	start int
	end   int
}

// quoted reports a backtick-quoted identifier
func (t token) quoted() bool {
	return strings.HasPrefix(t.raw, "`")
}

// is matches an unquoted word case-insensitively
func (t token) is(words ...string) bool {
	if t.typ == sqlparser.STRING || t.quoted() {
		return false
	}
	for _, w := range words {
		if strings.EqualFold(t.raw, w) {
			return true
		}
	}
	return false
}

func (t token) punct(ch byte) bool {
	return t.typ == int(ch)
}

// ident returns the identifier the token names
func (t token) ident() string {
	if t.quoted() {
		return t.val
	}
	return t.raw
}

func (t token) identifier() bool {
	if t.typ == sqlparser.STRING || t.typ < 256 {
		return false
	}
	return t.quoted() || isWord(t.raw)
}

func isWord(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '_' || c == '$' || c >= 0x80 ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			continue
		}
		return false
	}
	return true
}

func isBlank(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t'
}

// lex splits sql into tokens using the sqlparser tokenizer, dropping comments
// and a single trailing semicolon.
func lex(sql string) ([]token, error) {
	tkn := sqlparser.NewStringTokenizer(sql)
	var tokens []token
	prevEnd := 0

	for {
		typ, val := tkn.Scan()
		if typ == 0 {
			break
		}
		end := tkn.Position - 1
		if end > len(sql) {
			end = len(sql)
		}
		start := prevEnd
		for start < end && isBlank(sql[start]) {
			start++
		}
		prevEnd = end

		if typ == sqlparser.LEX_ERROR {
			return nil, fmt.Errorf("syntax error at position %d near '%s'", end, string(val))
		}
		if typ == sqlparser.COMMENT {
			continue
		}
		tokens = append(tokens, token{typ: typ, val: string(val), raw: sql[start:end], start: start, end: end})
	}

	for i, t := range tokens {
		if t.punct(';') {
			if i != len(tokens)-1 {
				return nil, fmt.Errorf("multiple statements are not supported")
			}
			tokens = tokens[:i]
			break
		}
	}
	return tokens, nil
}

// cursor walks a token slice over its source text
type cursor struct {
	sql    string
	tokens []token
	pos    int
	// schemas collects table qualifiers; sub-cursors share it
	schemas *[]string
}

func (c *cursor) done() bool {
	return c.pos >= len(c.tokens)
}

func (c *cursor) peek() token {
	if c.done() {
		return token{}
	}
	return c.tokens[c.pos]
}

func (c *cursor) peekAt(offset int) token {
	if c.pos+offset >= len(c.tokens) {
		return token{}
	}
	return c.tokens[c.pos+offset]
}

func (c *cursor) next() token {
	t := c.peek()
	if !c.done() {
		c.pos++
	}
	return t
}

// accept consumes the next token when it is one of words
func (c *cursor) accept(words ...string) bool {
	if !c.done() && c.peek().is(words...) {
		c.pos++
		return true
	}
	return false
}

func (c *cursor) expect(words ...string) error {
	if c.accept(words...) {
		return nil
	}
	return c.errorf("expected %s", strings.ToUpper(strings.Join(words, " or ")))
}

func (c *cursor) acceptPunct(ch byte) bool {
	if !c.done() && c.peek().punct(ch) {
		c.pos++
		return true
	}
	return false
}

// name consumes an identifier, possibly schema qualified, and returns its
// last part
func (c *cursor) name() (string, error) {
	t := c.peek()
	if !t.identifier() {
		return "", c.errorf("expected identifier")
	}
	c.pos++
	name := t.ident()
	if c.peek().punct('.') && c.peekAt(1).identifier() {
		c.pos++
		name = c.next().ident()
	}
	return name, nil
}

// tableName reads a table name like name, recording a schema qualifier
func (c *cursor) tableName() (string, error) {
	if c.peek().identifier() && c.peekAt(1).punct('.') && c.peekAt(2).identifier() && c.schemas != nil {
		*c.schemas = append(*c.schemas, c.peek().ident())
	}
	return c.name()
}

// rest returns the verbatim text from the current token to the end
func (c *cursor) rest() string {
	if c.done() {
		return ""
	}
	return c.sql[c.peek().start:c.tokens[len(c.tokens)-1].end]
}

// text returns the verbatim source between two token indexes, inclusive
func (c *cursor) text(from, to int) string {
	if from > to || from >= len(c.tokens) {
		return ""
	}
	return c.sql[c.tokens[from].start:c.tokens[to].end]
}

// split breaks the remaining tokens at top-level commas
func (c *cursor) split() [][]token {
	var parts [][]token
	depth, begin := 0, c.pos
	for i := c.pos; i < len(c.tokens); i++ {
		t := c.tokens[i]
		switch {
		case t.punct('('):
			depth++
		case t.punct(')'):
			depth--
		case t.punct(',') && depth == 0:
			parts = append(parts, c.tokens[begin:i])
			begin = i + 1
		}
	}
	parts = append(parts, c.tokens[begin:])
	c.pos = len(c.tokens)
	return parts
}

func (c *cursor) errorf(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if c.done() {
		return fmt.Errorf("%s at end of input", msg)
	}
	t := c.peek()
	return fmt.Errorf("%s at position %d near '%s'", msg, t.start, t.raw)
}

// sub creates a cursor over a slice of this cursor's tokens
func (c *cursor) sub(tokens []token) *cursor {
	return &cursor{sql: c.sql, tokens: tokens, schemas: c.schemas}
}
