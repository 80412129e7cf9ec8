package statement

import (
	"errors"
	"strings"
)

// Parse classifies a single SQL statement into its ordered operations.
//
// Malformed input yields a *ParseError carrying the parser's own message;
// well-formed statements outside the supported kinds yield *UnsupportedError.
func Parse(sql string) (*ParsedStatement, error) {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return nil, &ParseError{SQL: sql, Cause: "empty statement"}
	}

	tokens, err := lex(trimmed)
	if err != nil {
		return nil, &ParseError{SQL: sql, Cause: err.Error()}
	}
	if len(tokens) == 0 {
		return nil, &ParseError{SQL: sql, Cause: "empty statement"}
	}
	// keep offsets valid after the trailing semicolon is gone
	trimmed = trimmed[:tokens[len(tokens)-1].end]
	c := &cursor{sql: trimmed, tokens: tokens, schemas: new([]string)}

	var parsed *ParsedStatement
	switch {
	case c.accept("alter"):
		parsed, err = parseAlter(c)
	case c.accept("drop"):
		parsed, err = parseDrop(c)
	case c.accept("create"):
		parsed, err = parseCreate(c)
	case c.peek().is("rename") && c.peekAt(1).is("table"):
		c.next()
		parsed, err = parseRenameTable(c)
	case c.peek().is("update", "delete"):
		parsed, err = parseMutation(c)
	default:
		return nil, &UnsupportedError{SQL: trimmed, Type: statementType(trimmed)}
	}
	if err != nil {
		var parseErr *ParseError
		var unsupported *UnsupportedError
		if errors.As(err, &parseErr) || errors.As(err, &unsupported) {
			return nil, err
		}
		return nil, &ParseError{SQL: trimmed, Cause: err.Error()}
	}

	seen := make(map[string]bool)
	var schemas []string
	for _, schema := range append(*c.schemas, parsed.Schemas...) {
		if key := strings.ToLower(schema); !seen[key] {
			seen[key] = true
			schemas = append(schemas, schema)
		}
	}
	parsed.Schemas = schemas
	return parsed, nil
}
