package statement

import (
	"fmt"
	"strings"

	"github.com/vitebski/mysql-ddl-guard/pkg/models"
)

// StatementKind separates schema changes from row changes
type StatementKind int

const (
	DDL StatementKind = iota
	DML
)

func (k StatementKind) String() string {
	if k == DML {
		return "DML"
	}
	return "DDL"
}

// OpKind identifies an Operation variant
type OpKind int

const (
	OpAddColumn OpKind = iota
	OpDropColumn
	OpModifyColumn
	OpChangeColumn
	OpRenameColumn
	OpRenameTable
	OpAddIndex
	OpDropIndex
	OpRenameIndex
	OpAddForeignKey
	OpCreateTable
	OpDropTable
	OpCreateIndex
	OpUpdate
	OpDelete
)

var opKindNames = map[OpKind]string{
	OpAddColumn:     "AddColumn",
	OpDropColumn:    "DropColumn",
	OpModifyColumn:  "ModifyColumn",
	OpChangeColumn:  "ChangeColumn",
	OpRenameColumn:  "RenameColumn",
	OpRenameTable:   "RenameTable",
	OpAddIndex:      "AddIndex",
	OpDropIndex:     "DropIndex",
	OpRenameIndex:   "RenameIndex",
	OpAddForeignKey: "AddForeignKey",
	OpCreateTable:   "CreateTable",
	OpDropTable:     "DropTable",
	OpCreateIndex:   "CreateIndex",
	OpUpdate:        "Update",
	OpDelete:        "Delete",
}

func (k OpKind) String() string {
	if name, ok := opKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// Operation is one normalized unit of change extracted from a statement
type Operation interface {
	Kind() OpKind
	// Table is the table the operation acts on, as named in the statement
	Table() string
	// Clause is the operation's verbatim source text
	Clause() string
}

// Target carries the fields every operation shares
type Target struct {
	TableName string
	Text      string
}

func (t *Target) Table() string  { return t.TableName }
func (t *Target) Clause() string { return t.Text }

type AddColumn struct {
	Target
	Column *models.ColumnDefinition
	// Position is the trailing FIRST / AFTER x text, if any
	Position string
}

type DropColumn struct {
	Target
	Column   string
	Inferred bool
}

type ModifyColumn struct {
	Target
	Column *models.ColumnDefinition
}

type ChangeColumn struct {
	Target
	OldName string
	Column  *models.ColumnDefinition
}

type RenameColumn struct {
	Target
	OldName string
	NewName string
}

// RenameTable renames Target.TableName to NewName. Standalone marks the
// RENAME TABLE statement form as opposed to an ALTER TABLE clause.
type RenameTable struct {
	Target
	NewName    string
	Standalone bool
}

type AddIndex struct {
	Target
	Index *models.IndexDefinition
}

// DropIndex covers both the ALTER clause and the DROP INDEX ... ON statement
type DropIndex struct {
	Target
	Index      string
	Standalone bool
	Inferred   bool
}

type RenameIndex struct {
	Target
	OldName string
	NewName string
}

// AddForeignKey keeps only the constraint symbol; an unnamed key gets a
// server-generated name that cannot be known before execution.
type AddForeignKey struct {
	Target
	Constraint string
}

type CreateTable struct {
	Target
	IfNotExists bool
}

type DropTable struct {
	Target
	IfExists bool
}

type CreateIndex struct {
	Target
	Index *models.IndexDefinition
}

// Mutation is the shape shared by UPDATE and DELETE
type Mutation struct {
	Target
	// From is the table reference list, verbatim, including JOINs or commas
	From   string
	Tables []string
	Joined bool
	Where  string
	Limit  string
	// RowLimit is the LIMIT row count, or -1 without LIMIT
	RowLimit int64
}

// CountSQL rewrites the mutation into a read-only COUNT(*) over the same
// table references, WHERE and LIMIT.
func (m *Mutation) CountSQL() string {
	var b strings.Builder
	b.WriteString("SELECT COUNT(*) FROM ")
	b.WriteString(m.From)
	if m.Where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(m.Where)
	}
	if m.Limit != "" {
		b.WriteString(" LIMIT ")
		b.WriteString(m.Limit)
	}
	return b.String()
}

type Update struct {
	Mutation
}

type Delete struct {
	Mutation
}

func (*AddColumn) Kind() OpKind     { return OpAddColumn }
func (*DropColumn) Kind() OpKind    { return OpDropColumn }
func (*ModifyColumn) Kind() OpKind  { return OpModifyColumn }
func (*ChangeColumn) Kind() OpKind  { return OpChangeColumn }
func (*RenameColumn) Kind() OpKind  { return OpRenameColumn }
func (*RenameTable) Kind() OpKind   { return OpRenameTable }
func (*AddIndex) Kind() OpKind      { return OpAddIndex }
func (*DropIndex) Kind() OpKind     { return OpDropIndex }
func (*RenameIndex) Kind() OpKind   { return OpRenameIndex }
func (*AddForeignKey) Kind() OpKind { return OpAddForeignKey }
func (*CreateTable) Kind() OpKind   { return OpCreateTable }
func (*DropTable) Kind() OpKind     { return OpDropTable }
func (*CreateIndex) Kind() OpKind   { return OpCreateIndex }
func (*Update) Kind() OpKind        { return OpUpdate }
func (*Delete) Kind() OpKind        { return OpDelete }

// Form records which top-level statement shape produced the operations
type Form int

const (
	FormAlterTable Form = iota
	FormCreateTable
	FormDropTable
	FormCreateIndex
	FormDropIndex
	FormRenameTable
	FormUpdate
	FormDelete
)

// ParsedStatement is the immutable result of Parse
type ParsedStatement struct {
	RawSQL     string
	Kind       StatementKind
	Form       Form
	Operations []Operation
	// Options holds ALTER TABLE options such as ALGORITHM=INPLACE that
	// change how, not what, the statement alters.
	Options []string
	// Schemas lists the qualifiers written on table names, e.g. shop in shop.users
	Schemas []string
}

// Table returns the table named by the statement's first operation
func (p *ParsedStatement) Table() string {
	if len(p.Operations) == 0 {
		return ""
	}
	return p.Operations[0].Table()
}

// ReferencedTables lists every table whose schema the statement depends on,
// including rename destinations, without duplicates.
func (p *ParsedStatement) ReferencedTables() []string {
	seen := make(map[string]bool)
	var tables []string
	add := func(name string) {
		key := strings.ToLower(name)
		if name == "" || seen[key] {
			return
		}
		seen[key] = true
		tables = append(tables, name)
	}

	for _, op := range p.Operations {
		add(op.Table())
		switch o := op.(type) {
		case *RenameTable:
			add(o.NewName)
		case *Update:
			for _, t := range o.Tables {
				add(t)
			}
		case *Delete:
			for _, t := range o.Tables {
				add(t)
			}
		}
	}
	return tables
}

// DroppedTables lists the tables removed by DROP TABLE operations
func (p *ParsedStatement) DroppedTables() []string {
	var tables []string
	for _, op := range p.Operations {
		if drop, ok := op.(*DropTable); ok {
			tables = append(tables, drop.TableName)
		}
	}
	return tables
}

// ParseError is returned when the input cannot be parsed. Cause carries the
// underlying parser message unchanged.
type ParseError struct {
	SQL   string
	Cause string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q: %s", e.SQL, e.Cause)
}

// UnsupportedError is returned for well-formed statements of a kind the
// engine does not handle
type UnsupportedError struct {
	SQL  string
	Type string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("unsupported statement type %s: %q", e.Type, e.SQL)
}
