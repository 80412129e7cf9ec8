package statement

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xwb1989/sqlparser"
)

// parseMutation handles UPDATE and DELETE. The statement is validated and its
// tables resolved by sqlparser; clause text is sliced from the source so the
// COUNT(*) rewrite keeps it byte for byte.
func parseMutation(c *cursor) (*ParsedStatement, error) {
	text := c.rest()
	stmt, err := sqlparser.Parse(text)
	if err != nil {
		return nil, &ParseError{SQL: c.sql, Cause: err.Error()}
	}

	switch s := stmt.(type) {
	case *sqlparser.Update:
		m, err := updateClauses(c)
		if err != nil {
			return nil, err
		}
		refs := fillMutation(m, s.TableExprs, s.Limit)
		op := &Update{Mutation: *m}
		return &ParsedStatement{RawSQL: c.sql, Kind: DML, Form: FormUpdate, Operations: []Operation{op}, Schemas: refSchemas(refs)}, nil
	case *sqlparser.Delete:
		m, err := deleteClauses(c)
		if err != nil {
			return nil, err
		}
		refs := fillMutation(m, s.TableExprs, s.Limit)
		if len(s.Targets) > 0 {
			m.TableName = resolveTarget(refs, s.Targets[0])
		}
		op := &Delete{Mutation: *m}
		return &ParsedStatement{RawSQL: c.sql, Kind: DML, Form: FormDelete, Operations: []Operation{op}, Schemas: refSchemas(refs)}, nil
	}
	return nil, &UnsupportedError{SQL: c.sql, Type: statementType(text)}
}

// topLevel returns the index of the first depth-zero token at or after from
// that matches one of words, or -1
func topLevel(tokens []token, from int, words ...string) int {
	depth := 0
	for i := from; i < len(tokens); i++ {
		t := tokens[i]
		switch {
		case t.punct('('):
			depth++
		case t.punct(')'):
			depth--
		case depth == 0 && t.is(words...):
			return i
		}
	}
	return -1
}

func updateClauses(c *cursor) (*Mutation, error) {
	c.accept("update")
	for c.accept("low_priority", "ignore") {
	}
	refsStart := c.pos
	set := topLevel(c.tokens, refsStart, "set")
	if set <= refsStart {
		return nil, &ParseError{SQL: c.sql, Cause: "UPDATE without table references or SET"}
	}
	m := &Mutation{Target: Target{Text: c.sql}, From: c.text(refsStart, set-1)}
	tailClauses(c, m, set+1)
	return m, nil
}

func deleteClauses(c *cursor) (*Mutation, error) {
	c.accept("delete")
	for c.accept("low_priority", "quick", "ignore") {
	}
	from := topLevel(c.tokens, c.pos, "from")
	if from < 0 {
		return nil, &ParseError{SQL: c.sql, Cause: "DELETE without FROM"}
	}
	refsStart := from + 1
	if using := topLevel(c.tokens, refsStart, "using"); using >= 0 {
		refsStart = using + 1
	}
	refsEnd := topLevel(c.tokens, refsStart, "where", "order", "limit")
	if refsEnd < 0 {
		refsEnd = len(c.tokens)
	}
	if refsEnd <= refsStart {
		return nil, &ParseError{SQL: c.sql, Cause: "DELETE without table references"}
	}
	m := &Mutation{Target: Target{Text: c.sql}, From: c.text(refsStart, refsEnd-1)}
	tailClauses(c, m, refsEnd)
	return m, nil
}

// tailClauses slices WHERE and LIMIT; ORDER BY does not change how many rows match
func tailClauses(c *cursor, m *Mutation, from int) {
	m.RowLimit = -1
	where := topLevel(c.tokens, from, "where")
	order := topLevel(c.tokens, from, "order")
	limit := topLevel(c.tokens, from, "limit")

	if where >= 0 {
		end := len(c.tokens)
		for _, next := range []int{order, limit} {
			if next > where && next < end {
				end = next
			}
		}
		m.Where = c.text(where+1, end-1)
	}
	if limit >= 0 {
		m.Limit = c.text(limit+1, len(c.tokens)-1)
	}
}

func fillMutation(m *Mutation, exprs sqlparser.TableExprs, limit *sqlparser.Limit) []tableRef {
	refs := collectTables(exprs, nil)
	m.Tables = nil
	for _, ref := range refs {
		m.Tables = append(m.Tables, ref.name)
	}
	if len(m.Tables) > 0 {
		m.TableName = m.Tables[0]
	}
	m.Joined = len(exprs) > 1
	for _, expr := range exprs {
		if _, ok := expr.(*sqlparser.JoinTableExpr); ok {
			m.Joined = true
		}
	}
	if limit != nil && limit.Rowcount != nil {
		if val, ok := limit.Rowcount.(*sqlparser.SQLVal); ok && val.Type == sqlparser.IntVal {
			if n, err := strconv.ParseInt(string(val.Val), 10, 64); err == nil {
				m.RowLimit = n
			}
		}
	}
	return refs
}

// tableRef is one table in a FROM list with its alias and schema qualifier
type tableRef struct {
	name   string
	alias  string
	schema string
}

func collectTables(exprs sqlparser.TableExprs, refs []tableRef) []tableRef {
	for _, expr := range exprs {
		switch e := expr.(type) {
		case *sqlparser.AliasedTableExpr:
			if name, ok := e.Expr.(sqlparser.TableName); ok {
				refs = append(refs, tableRef{
					name:   name.Name.String(),
					alias:  e.As.String(),
					schema: name.Qualifier.String(),
				})
			}
		case *sqlparser.JoinTableExpr:
			refs = collectTables(sqlparser.TableExprs{e.LeftExpr, e.RightExpr}, refs)
		case *sqlparser.ParenTableExpr:
			refs = collectTables(e.Exprs, refs)
		}
	}
	return refs
}

// resolveTarget maps a multi-table DELETE target, which may be an alias, to
// the table it names
func resolveTarget(refs []tableRef, target sqlparser.TableName) string {
	name := target.Name.String()
	if target.Qualifier.IsEmpty() {
		for _, ref := range refs {
			if ref.alias != "" && strings.EqualFold(ref.alias, name) {
				return ref.name
			}
		}
	}
	for _, ref := range refs {
		if ref.alias == "" && strings.EqualFold(ref.name, name) {
			return ref.name
		}
	}
	return name
}

func refSchemas(refs []tableRef) []string {
	var schemas []string
	for _, ref := range refs {
		if ref.schema != "" {
			schemas = append(schemas, ref.schema)
		}
	}
	return schemas
}

// statementType names a statement for unsupported-type errors
func statementType(sql string) string {
	switch sqlparser.Preview(sql) {
	case sqlparser.StmtSelect:
		return "SELECT"
	case sqlparser.StmtInsert:
		return "INSERT"
	case sqlparser.StmtReplace:
		return "REPLACE"
	case sqlparser.StmtUpdate:
		return "UPDATE"
	case sqlparser.StmtDelete:
		return "DELETE"
	case sqlparser.StmtDDL:
		return "DDL"
	case sqlparser.StmtSet:
		return "SET"
	case sqlparser.StmtShow:
		return "SHOW"
	case sqlparser.StmtUse:
		return "USE"
	case sqlparser.StmtBegin, sqlparser.StmtCommit, sqlparser.StmtRollback:
		return "TRANSACTION"
	}
	return fmt.Sprintf("OTHER(%d)", sqlparser.Preview(sql))
}
