package statement

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jaswdr/faker"
)

func mustParse(t *testing.T, sql string) *ParsedStatement {
	t.Helper()
	parsed, err := Parse(sql)
	if err != nil {
		t.Fatalf("Parse(%q) returned error: %v", sql, err)
	}
	return parsed
}

func kinds(parsed *ParsedStatement) []OpKind {
	var result []OpKind
	for _, op := range parsed.Operations {
		result = append(result, op.Kind())
	}
	return result
}

func TestParseAlterKeepsClauseOrder(t *testing.T) {
	parsed := mustParse(t, "ALTER TABLE `users` ADD COLUMN age INT NOT NULL DEFAULT 0 AFTER name, DROP COLUMN legacy, MODIFY COLUMN email VARCHAR(320) NOT NULL, RENAME COLUMN nick TO nickname, ADD INDEX idx_age (age), DROP INDEX idx_old;")

	if parsed.Kind != DDL {
		t.Errorf("Expected DDL, got %s", parsed.Kind)
	}
	expected := []OpKind{OpAddColumn, OpDropColumn, OpModifyColumn, OpRenameColumn, OpAddIndex, OpDropIndex}
	got := kinds(parsed)
	if fmt.Sprint(got) != fmt.Sprint(expected) {
		t.Fatalf("Expected operations %v, got %v", expected, got)
	}

	add := parsed.Operations[0].(*AddColumn)
	if add.Table() != "users" {
		t.Errorf("Expected table users, got %s", add.Table())
	}
	if add.Column.Name != "age" || add.Column.Raw != "INT NOT NULL DEFAULT 0" {
		t.Errorf("Unexpected column definition: %+v", add.Column)
	}
	if add.Position != "AFTER `name`" {
		t.Errorf("Expected AFTER `name`, got %q", add.Position)
	}
	if add.Clause() != "ADD COLUMN age INT NOT NULL DEFAULT 0 AFTER name" {
		t.Errorf("Unexpected clause text %q", add.Clause())
	}

	modify := parsed.Operations[2].(*ModifyColumn)
	if modify.Column.Raw != "VARCHAR(320) NOT NULL" {
		t.Errorf("Expected definition VARCHAR(320) NOT NULL, got %q", modify.Column.Raw)
	}

	rename := parsed.Operations[3].(*RenameColumn)
	if rename.OldName != "nick" || rename.NewName != "nickname" {
		t.Errorf("Unexpected rename pair %s -> %s", rename.OldName, rename.NewName)
	}

	index := parsed.Operations[4].(*AddIndex)
	if index.Index.Name != "idx_age" || len(index.Index.Columns) != 1 || index.Index.Columns[0].Name != "age" {
		t.Errorf("Unexpected index definition: %+v", index.Index)
	}
}

func TestParseSplitsOnlyTopLevelCommas(t *testing.T) {
	parsed := mustParse(t, "ALTER TABLE prices ADD COLUMN amount DECIMAL(10,2) NOT NULL, ADD COLUMN note VARCHAR(20) DEFAULT 'a,b'")
	if len(parsed.Operations) != 2 {
		t.Fatalf("Expected 2 operations, got %d", len(parsed.Operations))
	}
	first := parsed.Operations[0].(*AddColumn)
	if first.Column.Raw != "DECIMAL(10,2) NOT NULL" {
		t.Errorf("Expected DECIMAL(10,2) NOT NULL, got %q", first.Column.Raw)
	}
	second := parsed.Operations[1].(*AddColumn)
	if second.Column.Raw != "VARCHAR(20) DEFAULT 'a,b'" {
		t.Errorf("Expected quoted default kept verbatim, got %q", second.Column.Raw)
	}
}

func TestParseUnspecifiedDropInheritsPrecedingClause(t *testing.T) {
	parsed := mustParse(t, "ALTER TABLE t DROP COLUMN a, DROP b")
	drop, ok := parsed.Operations[1].(*DropColumn)
	if !ok {
		t.Fatalf("Expected DropColumn, got %T", parsed.Operations[1])
	}
	if !drop.Inferred || drop.Column != "b" {
		t.Errorf("Expected inferred drop of column b, got %+v", drop)
	}

	parsed = mustParse(t, "ALTER TABLE t DROP INDEX idx_a, DROP idx_b")
	index, ok := parsed.Operations[1].(*DropIndex)
	if !ok {
		t.Fatalf("Expected DropIndex, got %T", parsed.Operations[1])
	}
	if !index.Inferred || index.Index != "idx_b" {
		t.Errorf("Expected inferred drop of index idx_b, got %+v", index)
	}

	// chained inference follows the resolved kind
	parsed = mustParse(t, "ALTER TABLE t ADD INDEX i1 (a), DROP i2, DROP i3")
	if _, ok := parsed.Operations[2].(*DropIndex); !ok {
		t.Errorf("Expected chained DropIndex, got %T", parsed.Operations[2])
	}
}

func TestParseLoneUnspecifiedDropIsRejected(t *testing.T) {
	_, err := Parse("ALTER TABLE t DROP b")
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("Expected ParseError, got %v", err)
	}
	if !strings.Contains(parseErr.Cause, "column or an index") {
		t.Errorf("Expected ambiguity message, got %q", parseErr.Cause)
	}

	if _, err := Parse("ALTER TABLE t RENAME TO u, DROP b"); err == nil {
		t.Error("Expected error for bare DROP after RENAME TO")
	}
}

func TestParseChangeRenameAndOptions(t *testing.T) {
	parsed := mustParse(t, "ALTER TABLE `db`.`orders` CHANGE COLUMN `total` `amount` BIGINT UNSIGNED NOT NULL, RENAME INDEX idx_total TO idx_amount, RENAME TO purchases, ALGORITHM=INPLACE, LOCK=NONE")

	change := parsed.Operations[0].(*ChangeColumn)
	if change.Table() != "orders" {
		t.Errorf("Expected qualified name to resolve to orders, got %s", change.Table())
	}
	if change.OldName != "total" || change.Column.Name != "amount" || change.Column.Raw != "BIGINT UNSIGNED NOT NULL" {
		t.Errorf("Unexpected change operation: %+v %+v", change, change.Column)
	}

	if _, ok := parsed.Operations[1].(*RenameIndex); !ok {
		t.Errorf("Expected RenameIndex, got %T", parsed.Operations[1])
	}
	rename := parsed.Operations[2].(*RenameTable)
	if rename.NewName != "purchases" || rename.Standalone {
		t.Errorf("Unexpected rename table operation: %+v", rename)
	}
	if len(parsed.Options) != 2 || parsed.Options[0] != "ALGORITHM=INPLACE" {
		t.Errorf("Expected two options, got %v", parsed.Options)
	}

	refs := parsed.ReferencedTables()
	if len(refs) != 2 || refs[0] != "orders" || refs[1] != "purchases" {
		t.Errorf("Expected referenced tables [orders purchases], got %v", refs)
	}
}

func TestParseIndexVariants(t *testing.T) {
	parsed := mustParse(t, "ALTER TABLE t ADD UNIQUE KEY uk_email (email(64) DESC), ADD PRIMARY KEY (id), ADD FULLTEXT INDEX ft_body (body), ADD CONSTRAINT uq_code UNIQUE (code), ADD INDEX (created_at) USING BTREE COMMENT 'by time'")

	unique := parsed.Operations[0].(*AddIndex).Index
	if !unique.Unique || unique.Name != "uk_email" {
		t.Errorf("Unexpected unique index %+v", unique)
	}
	if unique.Columns[0].PrefixLength != 64 || !unique.Columns[0].Desc {
		t.Errorf("Expected prefix 64 DESC, got %+v", unique.Columns[0])
	}

	primary := parsed.Operations[1].(*AddIndex).Index
	if !primary.IsPrimary() {
		t.Errorf("Expected primary key, got %+v", primary)
	}

	fulltext := parsed.Operations[2].(*AddIndex).Index
	if fulltext.Method != "FULLTEXT" {
		t.Errorf("Expected FULLTEXT method, got %q", fulltext.Method)
	}

	constraint := parsed.Operations[3].(*AddIndex).Index
	if constraint.Name != "uq_code" || !constraint.Unique {
		t.Errorf("Expected constraint symbol to name the index, got %+v", constraint)
	}

	anonymous := parsed.Operations[4].(*AddIndex).Index
	if anonymous.Name != "created_at" || anonymous.Method != "BTREE" || anonymous.Comment != "by time" {
		t.Errorf("Unexpected anonymous index %+v", anonymous)
	}
}

func TestParseForeignKeyAndUnsupportedClauses(t *testing.T) {
	parsed := mustParse(t, "ALTER TABLE orders ADD CONSTRAINT fk_customer FOREIGN KEY (customer_id) REFERENCES customers(id)")
	fk := parsed.Operations[0].(*AddForeignKey)
	if fk.Constraint != "fk_customer" {
		t.Errorf("Expected constraint fk_customer, got %q", fk.Constraint)
	}

	for _, sql := range []string{
		"ALTER TABLE t ENGINE=InnoDB",
		"ALTER TABLE t DROP FOREIGN KEY fk",
		"ALTER TABLE t ADD CHECK (a > 0)",
		"ALTER TABLE t",
	} {
		_, err := Parse(sql)
		var parseErr *ParseError
		if !errors.As(err, &parseErr) {
			t.Errorf("Expected ParseError for %q, got %v", sql, err)
		}
	}
}

func TestParseTopLevelForms(t *testing.T) {
	tests := []struct {
		sql   string
		form  Form
		kinds []OpKind
	}{
		{"DROP TABLE IF EXISTS a, b", FormDropTable, []OpKind{OpDropTable, OpDropTable}},
		{"DROP INDEX idx_a ON t", FormDropIndex, []OpKind{OpDropIndex}},
		{"CREATE TABLE t (id INT PRIMARY KEY)", FormCreateTable, []OpKind{OpCreateTable}},
		{"CREATE UNIQUE INDEX uk ON t (a, b)", FormCreateIndex, []OpKind{OpCreateIndex}},
		{"RENAME TABLE a TO b, c TO d", FormRenameTable, []OpKind{OpRenameTable, OpRenameTable}},
		{"UPDATE t SET a = 1", FormUpdate, []OpKind{OpUpdate}},
		{"DELETE FROM t WHERE a = 1", FormDelete, []OpKind{OpDelete}},
	}

	for _, tt := range tests {
		parsed := mustParse(t, tt.sql)
		if parsed.Form != tt.form {
			t.Errorf("%q: expected form %d, got %d", tt.sql, tt.form, parsed.Form)
		}
		if fmt.Sprint(kinds(parsed)) != fmt.Sprint(tt.kinds) {
			t.Errorf("%q: expected %v, got %v", tt.sql, tt.kinds, kinds(parsed))
		}
	}

	drop := mustParse(t, "DROP INDEX idx_a ON t").Operations[0].(*DropIndex)
	if !drop.Standalone || drop.Table() != "t" || drop.Index != "idx_a" {
		t.Errorf("Unexpected standalone drop index %+v", drop)
	}

	create := mustParse(t, "CREATE UNIQUE INDEX uk ON t (a, b)").Operations[0].(*CreateIndex)
	if !create.Index.Unique || create.Index.Name != "uk" || len(create.Index.Columns) != 2 {
		t.Errorf("Unexpected create index %+v", create.Index)
	}
}

func TestCountSQLRewrite(t *testing.T) {
	tests := []struct {
		sql      string
		expected string
		limit    int64
	}{
		{"UPDATE users SET x=1 WHERE id=5 LIMIT 1", "SELECT COUNT(*) FROM users WHERE id=5 LIMIT 1", 1},
		{"DELETE FROM users WHERE created_at < '2020-01-01' ORDER BY id LIMIT 100", "SELECT COUNT(*) FROM users WHERE created_at < '2020-01-01' LIMIT 100", 100},
		{"UPDATE a, b SET a.x = b.x WHERE a.id = b.a_id", "SELECT COUNT(*) FROM a, b WHERE a.id = b.a_id", -1},
		{"UPDATE a JOIN b ON a.id = b.a_id SET a.x = 1 WHERE b.y > 2", "SELECT COUNT(*) FROM a JOIN b ON a.id = b.a_id WHERE b.y > 2", -1},
		{"DELETE FROM logs", "SELECT COUNT(*) FROM logs", -1},
	}

	for _, tt := range tests {
		parsed := mustParse(t, tt.sql)
		var m *Mutation
		switch op := parsed.Operations[0].(type) {
		case *Update:
			m = &op.Mutation
		case *Delete:
			m = &op.Mutation
		default:
			t.Fatalf("%q: unexpected operation %T", tt.sql, op)
		}
		if got := m.CountSQL(); got != tt.expected {
			t.Errorf("%q: expected %q, got %q", tt.sql, tt.expected, got)
		}
		if m.RowLimit != tt.limit {
			t.Errorf("%q: expected row limit %d, got %d", tt.sql, tt.limit, m.RowLimit)
		}
	}

	update := mustParse(t, "UPDATE a, b SET a.x = b.x WHERE a.id = b.a_id").Operations[0].(*Update)
	if !update.Joined || len(update.Tables) != 2 || update.Table() != "a" {
		t.Errorf("Expected joined update over a and b, got %+v", update.Mutation)
	}
}

func TestParseDeleteResolvesAliases(t *testing.T) {
	tests := []struct {
		sql        string
		table      string
		referenced string
	}{
		{"DELETE u FROM users u WHERE u.id = 1", "users", "[users]"},
		{"DELETE o FROM users AS u JOIN orders o ON o.user_id = u.id", "orders", "[orders users]"},
		{"DELETE users FROM users, orders WHERE users.id = orders.id", "users", "[users orders]"},
	}

	for _, tt := range tests {
		parsed := mustParse(t, tt.sql)
		if parsed.Table() != tt.table {
			t.Errorf("%q: expected table %s, got %s", tt.sql, tt.table, parsed.Table())
		}
		if got := fmt.Sprint(parsed.ReferencedTables()); got != tt.referenced {
			t.Errorf("%q: expected referenced %s, got %s", tt.sql, tt.referenced, got)
		}
	}
}

func TestParseRecordsSchemaQualifiers(t *testing.T) {
	tests := []struct {
		sql     string
		table   string
		schemas string
	}{
		{"ALTER TABLE shop.users ADD COLUMN age INT", "users", "[shop]"},
		{"ALTER TABLE `shop`.`users` RENAME TO archive.users", "users", "[shop archive]"},
		{"RENAME TABLE shop.a TO shop.b", "a", "[shop]"},
		{"DROP INDEX idx_a ON shop.users", "users", "[shop]"},
		{"CREATE INDEX idx_a ON Shop.users (a)", "users", "[Shop]"},
		{"DROP TABLE shop.a, SHOP.b", "a", "[shop]"},
		{"DELETE FROM shop.users WHERE id = 1", "users", "[shop]"},
		{"UPDATE users SET a = 1", "users", "[]"},
	}

	for _, tt := range tests {
		parsed := mustParse(t, tt.sql)
		if parsed.Table() != tt.table {
			t.Errorf("%q: expected table %s, got %s", tt.sql, tt.table, parsed.Table())
		}
		if got := fmt.Sprint(parsed.Schemas); got != tt.schemas {
			t.Errorf("%q: expected schemas %s, got %s", tt.sql, tt.schemas, got)
		}
	}
}

func TestParseErrorsCarryParserMessage(t *testing.T) {
	_, err := Parse("UPDATE SET WHERE")
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("Expected ParseError, got %v", err)
	}
	if !strings.Contains(parseErr.Cause, "syntax error") {
		t.Errorf("Expected the parser's syntax error text, got %q", parseErr.Cause)
	}
	if parseErr.SQL == "" {
		t.Error("Expected the original SQL on the error")
	}

	_, err = Parse("SELECT * FROM t")
	var unsupported *UnsupportedError
	if !errors.As(err, &unsupported) {
		t.Fatalf("Expected UnsupportedError, got %v", err)
	}
	if unsupported.Type != "SELECT" {
		t.Errorf("Expected SELECT, got %s", unsupported.Type)
	}

	if _, err := Parse("   "); err == nil {
		t.Error("Expected error for empty statement")
	}
	if _, err := Parse("DROP TABLE a; DROP TABLE b"); err == nil {
		t.Error("Expected error for multiple statements")
	}
}

func TestParseRandomColumns(t *testing.T) {
	fake := faker.New()

	for i := 0; i < 25; i++ {
		column := fmt.Sprintf("c_%s_%d", fake.Lorem().Word(), i)
		length := fake.IntBetween(1, 255)
		comment := strings.ReplaceAll(fake.Lorem().Sentence(4), "'", "")
		sql := fmt.Sprintf("ALTER TABLE t_%d ADD COLUMN `%s` VARCHAR(%d) NULL COMMENT '%s'", i, column, length, comment)

		parsed := mustParse(t, sql)
		add, ok := parsed.Operations[0].(*AddColumn)
		if !ok {
			t.Fatalf("Expected AddColumn for %q, got %T", sql, parsed.Operations[0])
		}
		if add.Column.Name != column {
			t.Errorf("Expected column %s, got %s", column, add.Column.Name)
		}
		expected := fmt.Sprintf("VARCHAR(%d) NULL COMMENT '%s'", length, comment)
		if add.Column.Raw != expected {
			t.Errorf("Expected definition %q, got %q", expected, add.Column.Raw)
		}
	}
}
