package statement

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vitebski/mysql-ddl-guard/pkg/models"
)

// parseAlter handles ALTER TABLE; the cursor sits after ALTER
func parseAlter(c *cursor) (*ParsedStatement, error) {
	c.accept("online", "ignore")
	if err := c.expect("table"); err != nil {
		return nil, err
	}
	table, err := c.tableName()
	if err != nil {
		return nil, err
	}
	if c.done() {
		return nil, fmt.Errorf("ALTER TABLE %s has no clauses", table)
	}

	parsed := &ParsedStatement{RawSQL: c.sql, Kind: DDL, Form: FormAlterTable}
	var prev Operation
	for _, clause := range c.split() {
		if len(clause) == 0 {
			return nil, fmt.Errorf("empty clause in ALTER TABLE %s", table)
		}
		cc := c.sub(clause)
		if cc.peek().is("algorithm", "lock") {
			parsed.Options = append(parsed.Options, cc.rest())
			continue
		}

		ops, err := parseAlterClause(cc, table, prev)
		if err != nil {
			return nil, err
		}
		parsed.Operations = append(parsed.Operations, ops...)
		prev = ops[len(ops)-1]
	}
	if len(parsed.Operations) == 0 {
		return nil, fmt.Errorf("ALTER TABLE %s only sets options", table)
	}
	return parsed, nil
}

func parseAlterClause(c *cursor, table string, prev Operation) ([]Operation, error) {
	target := Target{TableName: table, Text: c.rest()}

	var (
		ops []Operation
		err error
	)
	switch {
	case c.accept("add"):
		ops, err = parseAdd(c, target)
	case c.accept("drop"):
		var op Operation
		op, err = parseAlterDrop(c, target, prev)
		ops = []Operation{op}
	case c.accept("modify"):
		c.accept("column")
		var def *models.ColumnDefinition
		if def, _, err = parseColumnDefinition(c); err == nil {
			ops = []Operation{&ModifyColumn{Target: target, Column: def}}
		}
	case c.accept("change"):
		c.accept("column")
		var oldName string
		if oldName, err = c.name(); err == nil {
			var def *models.ColumnDefinition
			if def, _, err = parseColumnDefinition(c); err == nil {
				ops = []Operation{&ChangeColumn{Target: target, OldName: oldName, Column: def}}
			}
		}
	case c.accept("rename"):
		var op Operation
		op, err = parseAlterRename(c, target)
		ops = []Operation{op}
	default:
		return nil, fmt.Errorf("unsupported ALTER TABLE clause %q", target.Text)
	}
	if err != nil {
		return nil, err
	}
	if !c.done() {
		return nil, c.errorf("unexpected input in clause %q", target.Text)
	}
	return ops, nil
}

func parseAdd(c *cursor, target Target) ([]Operation, error) {
	if c.accept("column") {
		if c.peek().punct('(') {
			return parseColumnList(c, target)
		}
		return parseSingleAddColumn(c, target)
	}

	var constraint string
	if c.accept("constraint") {
		if !c.peek().is("primary", "unique", "foreign", "check") {
			name, err := c.name()
			if err != nil {
				return nil, err
			}
			constraint = name
		}
	}

	switch {
	case c.accept("index", "key"):
		def, err := parseIndex(c, "", "")
		if err != nil {
			return nil, err
		}
		return []Operation{&AddIndex{Target: target, Index: def}}, nil
	case c.peek().is("fulltext", "spatial"):
		method := strings.ToUpper(c.next().raw)
		c.accept("index", "key")
		def, err := parseIndex(c, "", "")
		if err != nil {
			return nil, err
		}
		def.Method = method
		return []Operation{&AddIndex{Target: target, Index: def}}, nil
	case c.accept("unique"):
		c.accept("index", "key")
		def, err := parseIndex(c, "", constraint)
		if err != nil {
			return nil, err
		}
		def.Unique = true
		return []Operation{&AddIndex{Target: target, Index: def}}, nil
	case c.accept("primary"):
		if err := c.expect("key"); err != nil {
			return nil, err
		}
		def, err := parseIndex(c, models.PrimaryKeyName, "")
		if err != nil {
			return nil, err
		}
		def.Unique = true
		return []Operation{&AddIndex{Target: target, Index: def}}, nil
	case c.accept("foreign"):
		if err := c.expect("key"); err != nil {
			return nil, err
		}
		// the rest (columns, REFERENCES, actions) is carried verbatim in the clause text
		c.pos = len(c.tokens)
		return []Operation{&AddForeignKey{Target: target, Constraint: constraint}}, nil
	case c.peek().is("check", "partition"):
		return nil, fmt.Errorf("unsupported ALTER TABLE clause %q", target.Text)
	case constraint != "":
		return nil, c.errorf("expected PRIMARY, UNIQUE or FOREIGN after CONSTRAINT")
	case c.peek().punct('('):
		return parseColumnList(c, target)
	}
	return parseSingleAddColumn(c, target)
}

func parseSingleAddColumn(c *cursor, target Target) ([]Operation, error) {
	def, position, err := parseColumnDefinition(c)
	if err != nil {
		return nil, err
	}
	return []Operation{&AddColumn{Target: target, Column: def, Position: position}}, nil
}

// parseColumnList handles ADD [COLUMN] (a INT, b INT), one AddColumn per column
func parseColumnList(c *cursor, target Target) ([]Operation, error) {
	inner, err := parenGroup(c)
	if err != nil {
		return nil, err
	}
	var ops []Operation
	for _, part := range c.sub(inner).split() {
		pc := c.sub(part)
		def, _, err := parseColumnDefinition(pc)
		if err != nil {
			return nil, err
		}
		ops = append(ops, &AddColumn{Target: Target{TableName: target.TableName, Text: target.Text}, Column: def})
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("empty column list in %q", target.Text)
	}
	return ops, nil
}

// parseColumnDefinition reads "name definition [FIRST | AFTER col]" up to the
// end of the cursor. The definition is kept verbatim.
func parseColumnDefinition(c *cursor) (*models.ColumnDefinition, string, error) {
	name, err := c.name()
	if err != nil {
		return nil, "", err
	}
	if c.done() {
		return nil, "", fmt.Errorf("column %s has no definition", name)
	}

	from, to := c.pos, len(c.tokens)-1
	var position string
	switch {
	case c.tokens[to].is("first"):
		position = "FIRST"
		to--
	case to-1 >= from && c.tokens[to-1].is("after"):
		position = "AFTER " + models.QuoteIdent(c.tokens[to].ident())
		to -= 2
	}
	if to < from {
		return nil, "", fmt.Errorf("column %s has no definition", name)
	}

	def := &models.ColumnDefinition{Name: name, Raw: c.text(from, to)}
	c.pos = len(c.tokens)
	return def, position, nil
}

// parseIndex reads "[name] [USING m] (key parts) [options]". A fixed name
// means the name was already consumed (PRIMARY KEY, CREATE INDEX); fallback
// names an index declared without one.
func parseIndex(c *cursor, fixed, fallback string) (*models.IndexDefinition, error) {
	def := &models.IndexDefinition{Name: fixed}
	if fixed == "" && c.peek().identifier() && !c.peek().is("using") {
		name, err := c.name()
		if err != nil {
			return nil, err
		}
		def.Name = name
	}
	if c.accept("using") {
		def.Method = strings.ToUpper(c.next().raw)
	}

	inner, err := parenGroup(c)
	if err != nil {
		return nil, err
	}
	columns, err := parseKeyParts(c.sub(inner))
	if err != nil {
		return nil, err
	}
	def.Columns = columns

	for !c.done() {
		switch {
		case c.accept("using"):
			def.Method = strings.ToUpper(c.next().raw)
		case c.accept("comment"):
			t := c.next()
			def.Comment = t.val
		case c.accept("visible", "invisible"):
		case c.accept("key_block_size"):
			c.acceptPunct('=')
			c.next()
		default:
			return nil, c.errorf("unsupported index option")
		}
	}

	if def.Name == "" {
		def.Name = fallback
	}
	if def.Name == "" {
		// MySQL names an anonymous index after its first column
		def.Name = def.Columns[0].Name
	}
	return def, nil
}

func parseKeyParts(c *cursor) ([]models.IndexColumn, error) {
	var columns []models.IndexColumn
	for _, part := range c.split() {
		pc := c.sub(part)
		if pc.peek().punct('(') {
			return nil, fmt.Errorf("functional key parts are not supported")
		}
		name, err := pc.name()
		if err != nil {
			return nil, err
		}
		col := models.IndexColumn{Name: name}
		if pc.peek().punct('(') {
			inner, err := parenGroup(pc)
			if err != nil {
				return nil, err
			}
			if len(inner) != 1 {
				return nil, fmt.Errorf("invalid prefix length for key part %s", name)
			}
			length, err := strconv.Atoi(inner[0].raw)
			if err != nil {
				return nil, fmt.Errorf("invalid prefix length for key part %s: %v", name, err)
			}
			col.PrefixLength = length
		}
		switch {
		case pc.accept("desc"):
			col.Desc = true
		case pc.accept("asc"):
		}
		if !pc.done() {
			return nil, pc.errorf("unexpected input in key part")
		}
		columns = append(columns, col)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("index has no key parts")
	}
	return columns, nil
}

// parenGroup consumes a parenthesized group and returns the tokens inside it
func parenGroup(c *cursor) ([]token, error) {
	if !c.peek().punct('(') {
		return nil, c.errorf("expected (")
	}
	depth := 0
	for i := c.pos; i < len(c.tokens); i++ {
		switch {
		case c.tokens[i].punct('('):
			depth++
		case c.tokens[i].punct(')'):
			depth--
			if depth == 0 {
				inner := c.tokens[c.pos+1 : i]
				c.pos = i + 1
				return inner, nil
			}
		}
	}
	return nil, c.errorf("unbalanced parentheses")
}

func parseAlterDrop(c *cursor, target Target, prev Operation) (Operation, error) {
	switch {
	case c.accept("column"):
		name, err := c.name()
		if err != nil {
			return nil, err
		}
		return &DropColumn{Target: target, Column: name}, nil
	case c.accept("index", "key"):
		name, err := c.name()
		if err != nil {
			return nil, err
		}
		return &DropIndex{Target: target, Index: name}, nil
	case c.accept("primary"):
		if err := c.expect("key"); err != nil {
			return nil, err
		}
		return &DropIndex{Target: target, Index: models.PrimaryKeyName}, nil
	case c.peek().is("foreign", "check", "constraint", "partition"):
		return nil, fmt.Errorf("unsupported ALTER TABLE clause %q", target.Text)
	}

	name, err := c.name()
	if err != nil {
		return nil, err
	}
	return inferDrop(target, name, prev)
}

// inferDrop resolves a bare "DROP name" from the clause before it: a column
// clause makes it a column drop, an index clause an index drop.
func inferDrop(target Target, name string, prev Operation) (Operation, error) {
	if prev == nil {
		return nil, fmt.Errorf("cannot tell whether %q drops a column or an index: no preceding clause", target.Text)
	}
	switch prev.Kind() {
	case OpAddColumn, OpDropColumn, OpModifyColumn, OpChangeColumn, OpRenameColumn:
		return &DropColumn{Target: target, Column: name, Inferred: true}, nil
	case OpAddIndex, OpDropIndex, OpRenameIndex:
		return &DropIndex{Target: target, Index: name, Inferred: true}, nil
	}
	return nil, fmt.Errorf("cannot tell whether %q drops a column or an index after a %s clause", target.Text, prev.Kind())
}

func parseAlterRename(c *cursor, target Target) (Operation, error) {
	switch {
	case c.accept("column"):
		oldName, newName, err := parseRenamePair(c)
		if err != nil {
			return nil, err
		}
		return &RenameColumn{Target: target, OldName: oldName, NewName: newName}, nil
	case c.accept("index", "key"):
		oldName, newName, err := parseRenamePair(c)
		if err != nil {
			return nil, err
		}
		return &RenameIndex{Target: target, OldName: oldName, NewName: newName}, nil
	}
	c.accept("to", "as")
	newName, err := c.tableName()
	if err != nil {
		return nil, err
	}
	return &RenameTable{Target: target, NewName: newName}, nil
}

func parseRenamePair(c *cursor) (string, string, error) {
	oldName, err := c.tableName()
	if err != nil {
		return "", "", err
	}
	if err := c.expect("to"); err != nil {
		return "", "", err
	}
	newName, err := c.tableName()
	if err != nil {
		return "", "", err
	}
	return oldName, newName, nil
}

// parseDrop handles DROP TABLE and DROP INDEX ... ON; the cursor sits after DROP
func parseDrop(c *cursor) (*ParsedStatement, error) {
	switch {
	case c.accept("table"):
		ifExists := false
		if c.accept("if") {
			if err := c.expect("exists"); err != nil {
				return nil, err
			}
			ifExists = true
		}
		parsed := &ParsedStatement{RawSQL: c.sql, Kind: DDL, Form: FormDropTable}
		for {
			name, err := c.tableName()
			if err != nil {
				return nil, err
			}
			parsed.Operations = append(parsed.Operations, &DropTable{
				Target:   Target{TableName: name, Text: c.sql},
				IfExists: ifExists,
			})
			if !c.acceptPunct(',') {
				break
			}
		}
		c.accept("restrict", "cascade")
		if !c.done() {
			return nil, c.errorf("unexpected input")
		}
		return parsed, nil

	case c.accept("index"):
		index, err := c.name()
		if err != nil {
			return nil, err
		}
		if err := c.expect("on"); err != nil {
			return nil, err
		}
		table, err := c.tableName()
		if err != nil {
			return nil, err
		}
		for !c.done() {
			if !c.peek().is("algorithm", "lock") {
				return nil, c.errorf("unexpected input")
			}
			c.next()
			c.acceptPunct('=')
			c.next()
		}
		op := &DropIndex{Target: Target{TableName: table, Text: c.sql}, Index: index, Standalone: true}
		return &ParsedStatement{RawSQL: c.sql, Kind: DDL, Form: FormDropIndex, Operations: []Operation{op}}, nil
	}
	return nil, &UnsupportedError{SQL: c.sql, Type: "DROP " + strings.ToUpper(c.peek().raw)}
}

// parseCreate handles CREATE TABLE and CREATE INDEX; the cursor sits after CREATE
func parseCreate(c *cursor) (*ParsedStatement, error) {
	if c.accept("table") {
		ifNotExists := false
		if c.accept("if") {
			if err := c.expect("not"); err != nil {
				return nil, err
			}
			if err := c.expect("exists"); err != nil {
				return nil, err
			}
			ifNotExists = true
		}
		name, err := c.tableName()
		if err != nil {
			return nil, err
		}
		if c.done() {
			return nil, fmt.Errorf("CREATE TABLE %s has no definition", name)
		}
		op := &CreateTable{Target: Target{TableName: name, Text: c.sql}, IfNotExists: ifNotExists}
		return &ParsedStatement{RawSQL: c.sql, Kind: DDL, Form: FormCreateTable, Operations: []Operation{op}}, nil
	}

	def := &models.IndexDefinition{}
	switch {
	case c.accept("unique"):
		def.Unique = true
	case c.peek().is("fulltext", "spatial"):
		def.Method = strings.ToUpper(c.next().raw)
	}
	if !c.accept("index") {
		return nil, &UnsupportedError{SQL: c.sql, Type: "CREATE " + strings.ToUpper(c.peek().raw)}
	}

	name, err := c.name()
	if err != nil {
		return nil, err
	}
	if c.accept("using") {
		def.Method = strings.ToUpper(c.next().raw)
	}
	if err := c.expect("on"); err != nil {
		return nil, err
	}
	table, err := c.tableName()
	if err != nil {
		return nil, err
	}

	// strip trailing ALGORITHM/LOCK options, which parseIndex does not know
	end := len(c.tokens)
	for i := c.pos; i < len(c.tokens); i++ {
		if c.tokens[i].is("algorithm", "lock") {
			end = i
			break
		}
	}
	rest := c.sub(c.tokens[c.pos:end])
	parsedIndex, err := parseIndex(rest, name, "")
	if err != nil {
		return nil, err
	}
	parsedIndex.Unique = def.Unique
	if def.Method != "" && parsedIndex.Method == "" {
		parsedIndex.Method = def.Method
	}

	op := &CreateIndex{Target: Target{TableName: table, Text: c.sql}, Index: parsedIndex}
	return &ParsedStatement{RawSQL: c.sql, Kind: DDL, Form: FormCreateIndex, Operations: []Operation{op}}, nil
}

// parseRenameTable handles RENAME TABLE a TO b[, c TO d]; the cursor sits after RENAME
func parseRenameTable(c *cursor) (*ParsedStatement, error) {
	if err := c.expect("table"); err != nil {
		return nil, err
	}
	parsed := &ParsedStatement{RawSQL: c.sql, Kind: DDL, Form: FormRenameTable}
	for {
		oldName, newName, err := parseRenamePair(c)
		if err != nil {
			return nil, err
		}
		parsed.Operations = append(parsed.Operations, &RenameTable{
			Target:     Target{TableName: oldName, Text: c.sql},
			NewName:    newName,
			Standalone: true,
		})
		if !c.acceptPunct(',') {
			break
		}
	}
	if !c.done() {
		return nil, c.errorf("unexpected input")
	}
	return parsed, nil
}
