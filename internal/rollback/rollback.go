package rollback

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vitebski/mysql-ddl-guard/internal/analyzer"
	"github.com/vitebski/mysql-ddl-guard/internal/statement"
	"github.com/vitebski/mysql-ddl-guard/pkg/models"
)

// Error reports an operation whose inverse cannot be derived from the
// captured schema. No statement is returned alongside it.
type Error struct {
	Op     string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("cannot synthesize rollback for %s: %s", e.Op, e.Reason)
}

func failf(op statement.Operation, format string, args ...interface{}) *Error {
	return &Error{Op: op.Kind().String(), Reason: fmt.Sprintf(format, args...)}
}

// Synthesizer derives the SQL that undoes a statement from the schema as it
// was before the statement ran
type Synthesizer struct {
	Catalog analyzer.Catalog
	Logger  *logrus.Logger
}

// NewSynthesizer creates a new rollback synthesizer
func NewSynthesizer(catalog analyzer.Catalog, logger *logrus.Logger) *Synthesizer {
	return &Synthesizer{
		Catalog: catalog,
		Logger:  logger,
	}
}

// Synthesize returns the rollback statement for parsed
func (s *Synthesizer) Synthesize(ctx context.Context, parsed *statement.ParsedStatement) (string, error) {
	var (
		sql string
		err error
	)
	switch parsed.Form {
	case statement.FormAlterTable:
		sql, err = s.alterTable(ctx, parsed)
	case statement.FormDropTable:
		sql, err = s.dropTables(ctx, parsed)
	case statement.FormCreateTable, statement.FormCreateIndex, statement.FormDropIndex:
		sql, err = s.single(ctx, parsed.Operations[0])
	case statement.FormRenameTable:
		sql = renameTables(parsed)
	case statement.FormUpdate, statement.FormDelete:
		err = failf(parsed.Operations[0], "cannot rollback data-mutation statements automatically")
	default:
		err = &statement.UnsupportedError{SQL: parsed.RawSQL, Type: fmt.Sprintf("form %d", parsed.Form)}
	}
	if err != nil {
		s.Logger.Errorf("Error synthesizing rollback for %q: %v", parsed.RawSQL, err)
		return "", err
	}
	s.Logger.Debugf("Rollback for %q: %s", parsed.RawSQL, sql)
	return sql, nil
}

// alterTable inverts each clause against the schema the earlier clauses leave
// behind, then emits the inverses last clause first
func (s *Synthesizer) alterTable(ctx context.Context, parsed *statement.ParsedStatement) (string, error) {
	table := parsed.Table()
	snapshot, err := s.Catalog.Table(ctx, table)
	if err != nil {
		return "", err
	}
	if !snapshot.Exists {
		return "", &Error{Op: "AlterTable", Reason: fmt.Sprintf("table %s does not exist", models.QuoteIdent(table))}
	}

	overlay := analyzer.NewOverlay(s.Catalog, table)
	inverses := make([]string, 0, len(parsed.Operations))
	for _, op := range parsed.Operations {
		inverse, err := s.invertClause(ctx, overlay, op)
		if err != nil {
			return "", err
		}
		if inverse != "" {
			inverses = append(inverses, inverse)
		}
		if err := overlay.Apply(ctx, op); err != nil {
			return "", err
		}
	}

	for i, j := 0, len(inverses)-1; i < j; i, j = i+1, j-1 {
		inverses[i], inverses[j] = inverses[j], inverses[i]
	}
	return fmt.Sprintf("ALTER TABLE %s %s;", models.QuoteIdent(overlay.Name()), strings.Join(inverses, ",\n")), nil
}

func (s *Synthesizer) invertClause(ctx context.Context, overlay *analyzer.Overlay, op statement.Operation) (string, error) {
	switch op := op.(type) {
	case *statement.AddColumn:
		return "DROP COLUMN " + models.QuoteIdent(op.Column.Name), nil
	case *statement.DropColumn:
		return invertDropColumn(ctx, overlay, op)
	case *statement.ModifyColumn:
		return invertModifyColumn(ctx, overlay, op)
	case *statement.ChangeColumn:
		return invertChangeColumn(ctx, overlay, op)
	case *statement.RenameColumn:
		return fmt.Sprintf("RENAME COLUMN %s TO %s", models.QuoteIdent(op.NewName), models.QuoteIdent(op.OldName)), nil
	case *statement.RenameTable:
		return "RENAME TO " + models.QuoteIdent(overlay.Name()), nil
	case *statement.AddIndex:
		return dropIndexClause(op.Index), nil
	case *statement.DropIndex:
		return invertDropIndex(ctx, overlay, op)
	case *statement.RenameIndex:
		return fmt.Sprintf("RENAME INDEX %s TO %s", models.QuoteIdent(op.NewName), models.QuoteIdent(op.OldName)), nil
	case *statement.AddForeignKey:
		if op.Constraint == "" {
			return "", failf(op, "foreign key has no constraint name, the generated name is unknown before execution")
		}
		return "DROP FOREIGN KEY " + models.QuoteIdent(op.Constraint), nil
	}
	return "", failf(op, "not an ALTER TABLE clause")
}

func invertDropColumn(ctx context.Context, overlay *analyzer.Overlay, op *statement.DropColumn) (string, error) {
	pre, err := overlay.Column(ctx, op.Column)
	if err != nil {
		return "", err
	}
	if pre == nil {
		return "", failf(op, "column %s not found in %s", models.QuoteIdent(op.Column), models.QuoteIdent(overlay.Name()))
	}
	if err := restorable(op, pre); err != nil {
		return "", err
	}
	clauses := []string{"ADD COLUMN " + pre.Render("")}

	// MySQL drops indexes keyed on the column alone and trims it out of the
	// others, so both come back from the pre-image
	snapshot, err := overlay.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	og := analyzer.BuildObjectGraph(snapshot)
	sole := make(map[string]bool)
	for _, name := range og.SoleKeyIndexes(op.Column) {
		sole[strings.ToLower(name)] = true
	}
	for _, name := range og.IndexesUsing(op.Column) {
		index := snapshot.Index(name)
		if index == nil {
			continue
		}
		if !sole[strings.ToLower(name)] {
			clauses = append(clauses, dropIndexClause(index))
		}
		clauses = append(clauses, "ADD "+index.Render())
	}
	return strings.Join(clauses, ",\n"), nil
}

// restorable rejects a generated column whose expression was not captured
func restorable(op statement.Operation, pre *models.ColumnDefinition) error {
	if kind := pre.Generated(); kind != "" && pre.Raw == "" && pre.Expression == "" {
		return failf(op, "column %s is %s GENERATED but its expression is unknown", models.QuoteIdent(pre.Name), kind)
	}
	return nil
}

func invertModifyColumn(ctx context.Context, overlay *analyzer.Overlay, op *statement.ModifyColumn) (string, error) {
	pre, err := overlay.Column(ctx, op.Column.Name)
	if err != nil {
		return "", err
	}
	if pre == nil {
		return "", failf(op, "column %s not found in %s", models.QuoteIdent(op.Column.Name), models.QuoteIdent(overlay.Name()))
	}
	if err := restorable(op, pre); err != nil {
		return "", err
	}
	return "MODIFY COLUMN " + pre.Render(""), nil
}

func invertChangeColumn(ctx context.Context, overlay *analyzer.Overlay, op *statement.ChangeColumn) (string, error) {
	pre, err := overlay.Column(ctx, op.OldName)
	if err != nil {
		return "", err
	}
	if pre == nil {
		return "", failf(op, "column %s not found in %s", models.QuoteIdent(op.OldName), models.QuoteIdent(overlay.Name()))
	}
	if err := restorable(op, pre); err != nil {
		return "", err
	}
	return fmt.Sprintf("CHANGE COLUMN %s %s", models.QuoteIdent(op.Column.Name), pre.Render(op.OldName)), nil
}

func invertDropIndex(ctx context.Context, overlay *analyzer.Overlay, op *statement.DropIndex) (string, error) {
	pre, err := overlay.Index(ctx, op.Index)
	if err != nil {
		return "", err
	}
	if pre == nil {
		// restored together with the column
		if overlay.DroppedWithColumn(op.Index) != nil {
			return "", nil
		}
		return "", failf(op, "index %s not found in %s", models.QuoteIdent(op.Index), models.QuoteIdent(overlay.Name()))
	}
	return "ADD " + pre.Render(), nil
}

func dropIndexClause(index *models.IndexDefinition) string {
	if index.IsPrimary() {
		return "DROP PRIMARY KEY"
	}
	return "DROP INDEX " + models.QuoteIdent(index.Name)
}

// single inverts the statement forms that carry one operation
func (s *Synthesizer) single(ctx context.Context, op statement.Operation) (string, error) {
	switch op := op.(type) {
	case *statement.CreateTable:
		snapshot, err := s.Catalog.Table(ctx, op.TableName)
		if err != nil {
			return "", err
		}
		if snapshot.Exists {
			return "", failf(op, "table %s already exists, DROP TABLE would remove the existing table", models.QuoteIdent(op.TableName))
		}
		return fmt.Sprintf("DROP TABLE %s;", models.QuoteIdent(op.TableName)), nil
	case *statement.CreateIndex:
		return fmt.Sprintf("DROP INDEX %s ON %s;", models.QuoteIdent(op.Index.Name), models.QuoteIdent(op.TableName)), nil
	case *statement.DropIndex:
		pre, err := s.Catalog.Index(ctx, op.TableName, op.Index)
		if err != nil {
			return "", err
		}
		if pre == nil {
			return "", failf(op, "index %s not found in %s", models.QuoteIdent(op.Index), models.QuoteIdent(op.TableName))
		}
		return fmt.Sprintf("ALTER TABLE %s ADD %s;", models.QuoteIdent(op.TableName), pre.Render()), nil
	}
	return "", failf(op, "unexpected operation")
}

// dropTables recreates every dropped table from its captured CREATE TABLE
// text, last dropped first
func (s *Synthesizer) dropTables(ctx context.Context, parsed *statement.ParsedStatement) (string, error) {
	var creates []string
	for i := len(parsed.Operations) - 1; i >= 0; i-- {
		op := parsed.Operations[i].(*statement.DropTable)
		snapshot, err := s.Catalog.Table(ctx, op.TableName)
		if err != nil {
			return "", err
		}
		if !snapshot.Exists {
			if op.IfExists {
				continue
			}
			return "", failf(op, "table %s does not exist", models.QuoteIdent(op.TableName))
		}
		create, err := s.Catalog.CreateStatement(ctx, op.TableName)
		if err != nil {
			return "", failf(op, "%v", err)
		}
		creates = append(creates, strings.TrimSuffix(strings.TrimSpace(create), ";"))
	}
	if len(creates) == 0 {
		return "", &Error{Op: "DropTable", Reason: "none of the tables exist, there is nothing to restore"}
	}
	return strings.Join(creates, ";\n") + ";", nil
}

// renameTables swaps every pair and reverses their order
func renameTables(parsed *statement.ParsedStatement) string {
	pairs := make([]string, 0, len(parsed.Operations))
	for i := len(parsed.Operations) - 1; i >= 0; i-- {
		op := parsed.Operations[i].(*statement.RenameTable)
		pairs = append(pairs, fmt.Sprintf("%s TO %s", models.QuoteIdent(op.NewName), models.QuoteIdent(op.TableName)))
	}
	return "RENAME TABLE " + strings.Join(pairs, ", ") + ";"
}
