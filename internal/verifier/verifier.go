package verifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vitebski/mysql-ddl-guard/internal/analyzer"
	"github.com/vitebski/mysql-ddl-guard/internal/statement"
	"github.com/vitebski/mysql-ddl-guard/pkg/models"
)

// Counter runs a read-only COUNT(*) query
type Counter interface {
	Count(ctx context.Context, query string) (int64, error)
}

// Verifier checks each operation of a statement against the catalog and
// describes what it will do. Mismatches with the live schema are reported as
// assessment lines, never as errors.
type Verifier struct {
	Catalog analyzer.Catalog
	Counter Counter
	Logger  *logrus.Logger
}

// NewVerifier creates a new change verifier
func NewVerifier(catalog analyzer.Catalog, counter Counter, logger *logrus.Logger) *Verifier {
	return &Verifier{
		Catalog: catalog,
		Counter: counter,
		Logger:  logger,
	}
}

// Verify produces one assessment per operation of the parsed statement
func (v *Verifier) Verify(ctx context.Context, parsed *statement.ParsedStatement) (*models.VerificationResult, error) {
	switch parsed.Form {
	case statement.FormAlterTable:
		return v.verifyAlter(ctx, parsed)
	case statement.FormCreateTable, statement.FormDropTable, statement.FormCreateIndex,
		statement.FormDropIndex, statement.FormRenameTable, statement.FormUpdate, statement.FormDelete:
		return v.verifyStatement(ctx, parsed)
	}
	return nil, &statement.UnsupportedError{SQL: parsed.RawSQL, Type: fmt.Sprintf("form %d", parsed.Form)}
}

func (v *Verifier) verifyAlter(ctx context.Context, parsed *statement.ParsedStatement) (*models.VerificationResult, error) {
	table := parsed.Table()
	snapshot, err := v.Catalog.Table(ctx, table)
	if err != nil {
		v.Logger.Errorf("Error reading table %s: %v", table, err)
		return nil, err
	}
	if !snapshot.Exists {
		return &models.VerificationResult{
			Assessments:  []string{fmt.Sprintf("Alter table: %s not exist", models.QuoteIdent(table))},
			TableMissing: true,
		}, nil
	}

	result := &models.VerificationResult{}
	overlay := analyzer.NewOverlay(v.Catalog, table)
	for _, op := range parsed.Operations {
		line, err := v.verifyClause(ctx, overlay, op)
		if err != nil {
			return nil, err
		}
		result.Assessments = append(result.Assessments, line)
		if err := overlay.Apply(ctx, op); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (v *Verifier) verifyStatement(ctx context.Context, parsed *statement.ParsedStatement) (*models.VerificationResult, error) {
	result := &models.VerificationResult{}
	overlay := analyzer.NewOverlay(v.Catalog, parsed.Table())
	for _, op := range parsed.Operations {
		var (
			line string
			err  error
		)
		switch op := op.(type) {
		case *statement.CreateTable:
			line, err = v.verifyCreateTable(ctx, overlay, op)
		case *statement.DropTable:
			line, err = v.verifyDropTable(ctx, overlay, op)
		case *statement.CreateIndex:
			line, err = v.verifyCreateIndex(ctx, op)
		case *statement.DropIndex:
			line, err = v.verifyStandaloneDropIndex(ctx, op)
		case *statement.RenameTable:
			line, err = v.verifyRenameTable(ctx, overlay, op)
		case *statement.Update:
			line, err = v.verifyMutation(ctx, result, "Update", &op.Mutation)
		case *statement.Delete:
			line, err = v.verifyMutation(ctx, result, "Delete", &op.Mutation)
		default:
			return nil, &statement.UnsupportedError{SQL: parsed.RawSQL, Type: op.Kind().String()}
		}
		if err != nil {
			return nil, err
		}
		result.Assessments = append(result.Assessments, line)
		if err := overlay.Apply(ctx, op); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (v *Verifier) verifyClause(ctx context.Context, overlay *analyzer.Overlay, op statement.Operation) (string, error) {
	switch op := op.(type) {
	case *statement.AddColumn:
		return v.verifyAddColumn(ctx, overlay, op)
	case *statement.DropColumn:
		return v.verifyDropColumn(ctx, overlay, op)
	case *statement.ModifyColumn:
		return v.verifyModifyColumn(ctx, overlay, op)
	case *statement.ChangeColumn:
		return v.verifyChangeColumn(ctx, overlay, op)
	case *statement.RenameColumn:
		return v.verifyRenameColumn(ctx, overlay, op)
	case *statement.RenameTable:
		return v.verifyRenameTable(ctx, overlay, op)
	case *statement.AddIndex:
		return v.verifyAddIndex(ctx, overlay, op)
	case *statement.DropIndex:
		return v.verifyDropIndex(ctx, overlay, op)
	case *statement.RenameIndex:
		return v.verifyRenameIndex(ctx, overlay, op)
	case *statement.AddForeignKey:
		return fmt.Sprintf("Add foreign key: %s %s", models.QuoteIdent(overlay.Name()), op.Clause()), nil
	}
	return "", &statement.UnsupportedError{SQL: op.Clause(), Type: op.Kind().String()}
}

// qualified renders `table`.`name`
func qualified(table, name string) string {
	return models.QuoteIdent(table) + "." + models.QuoteIdent(name)
}

func (v *Verifier) verifyAddColumn(ctx context.Context, overlay *analyzer.Overlay, op *statement.AddColumn) (string, error) {
	existing, err := overlay.Column(ctx, op.Column.Name)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return fmt.Sprintf("Add column: %s  already exist, %s", qualified(overlay.Name(), op.Column.Name), existing.Render("")), nil
	}
	line := fmt.Sprintf("Add column: %s %s", models.QuoteIdent(overlay.Name()), op.Column.Render(""))
	if op.Position != "" {
		line += " " + op.Position
	}
	return line, nil
}

func (v *Verifier) verifyDropColumn(ctx context.Context, overlay *analyzer.Overlay, op *statement.DropColumn) (string, error) {
	existing, err := overlay.Column(ctx, op.Column)
	if err != nil {
		return "", err
	}
	if existing == nil {
		return fmt.Sprintf("Drop column: %s not exist", qualified(overlay.Name(), op.Column)), nil
	}

	current, err := overlay.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	line := fmt.Sprintf("Drop column: %s %s", models.QuoteIdent(overlay.Name()), existing.Render(""))
	if indexes := analyzer.BuildObjectGraph(current).IndexesUsing(op.Column); len(indexes) > 0 {
		line += ", used by index: " + strings.Join(indexes, ", ")
	}
	if op.Inferred {
		line += " (column inferred from previous clause)"
	}
	return line, nil
}

func (v *Verifier) verifyModifyColumn(ctx context.Context, overlay *analyzer.Overlay, op *statement.ModifyColumn) (string, error) {
	existing, err := overlay.Column(ctx, op.Column.Name)
	if err != nil {
		return "", err
	}
	if existing == nil {
		return fmt.Sprintf("Modify column: %s not exist", qualified(overlay.Name(), op.Column.Name)), nil
	}
	return fmt.Sprintf("Modify column: %s %s, was: %s", models.QuoteIdent(overlay.Name()), op.Column.Render(""), existing.Render("")), nil
}

func (v *Verifier) verifyChangeColumn(ctx context.Context, overlay *analyzer.Overlay, op *statement.ChangeColumn) (string, error) {
	existing, err := overlay.Column(ctx, op.OldName)
	if err != nil {
		return "", err
	}
	if existing == nil {
		return fmt.Sprintf("Change column: %s not exist", qualified(overlay.Name(), op.OldName)), nil
	}
	if !strings.EqualFold(op.OldName, op.Column.Name) {
		target, err := overlay.Column(ctx, op.Column.Name)
		if err != nil {
			return "", err
		}
		if target != nil {
			return fmt.Sprintf("Change column: %s  already exist, %s", qualified(overlay.Name(), op.Column.Name), target.Render("")), nil
		}
	}
	return fmt.Sprintf("Change column: %s to: %s, was: %s",
		qualified(overlay.Name(), op.OldName), op.Column.Render(""), existing.Render("")), nil
}

func (v *Verifier) verifyRenameColumn(ctx context.Context, overlay *analyzer.Overlay, op *statement.RenameColumn) (string, error) {
	existing, err := overlay.Column(ctx, op.OldName)
	if err != nil {
		return "", err
	}
	if existing == nil {
		return fmt.Sprintf("Rename column: %s not exist", qualified(overlay.Name(), op.OldName)), nil
	}
	if !strings.EqualFold(op.OldName, op.NewName) {
		target, err := overlay.Column(ctx, op.NewName)
		if err != nil {
			return "", err
		}
		if target != nil {
			return fmt.Sprintf("Rename column: %s  already exist, %s", qualified(overlay.Name(), op.NewName), target.Render("")), nil
		}
	}
	return fmt.Sprintf("Rename column: %s to: %s", qualified(overlay.Name(), op.OldName), models.QuoteIdent(op.NewName)), nil
}

func (v *Verifier) verifyRenameTable(ctx context.Context, overlay *analyzer.Overlay, op *statement.RenameTable) (string, error) {
	source := op.TableName
	if !op.Standalone {
		source = overlay.Name()
	}
	exists, err := overlay.TableExists(ctx, source)
	if err != nil {
		return "", err
	}
	if !exists {
		return fmt.Sprintf("Rename table: %s not exist", models.QuoteIdent(source)), nil
	}
	if !strings.EqualFold(source, op.NewName) {
		taken, err := overlay.TableExists(ctx, op.NewName)
		if err != nil {
			return "", err
		}
		if taken {
			return fmt.Sprintf("Rename table: %s already exist", models.QuoteIdent(op.NewName)), nil
		}
	}
	return fmt.Sprintf("Rename table %s to: %s", models.QuoteIdent(source), models.QuoteIdent(op.NewName)), nil
}

func (v *Verifier) verifyAddIndex(ctx context.Context, overlay *analyzer.Overlay, op *statement.AddIndex) (string, error) {
	existing, err := overlay.Index(ctx, op.Index.Name)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return fmt.Sprintf("Add index: %s  already exist, %s", qualified(overlay.Name(), op.Index.Name), existing.Render()), nil
	}
	for _, part := range op.Index.Columns {
		column, err := overlay.Column(ctx, part.Name)
		if err != nil {
			return "", err
		}
		if column == nil {
			return fmt.Sprintf("Add index: %s key column %s not exist",
				qualified(overlay.Name(), op.Index.Name), models.QuoteIdent(part.Name)), nil
		}
	}
	return fmt.Sprintf("Add index: %s %s", models.QuoteIdent(overlay.Name()), op.Index.Render()), nil
}

func (v *Verifier) verifyDropIndex(ctx context.Context, overlay *analyzer.Overlay, op *statement.DropIndex) (string, error) {
	existing, err := overlay.Index(ctx, op.Index)
	if err != nil {
		return "", err
	}
	if existing == nil {
		if gone := overlay.DroppedWithColumn(op.Index); gone != nil {
			return fmt.Sprintf("Drop index: %s %s (already dropped with its column)", models.QuoteIdent(overlay.Name()), gone.Render()), nil
		}
		return fmt.Sprintf("Drop index: %s not exist", qualified(overlay.Name(), op.Index)), nil
	}
	line := fmt.Sprintf("Drop index: %s %s", models.QuoteIdent(overlay.Name()), existing.Render())
	if op.Inferred {
		line += " (index inferred from previous clause)"
	}
	return line, nil
}

func (v *Verifier) verifyRenameIndex(ctx context.Context, overlay *analyzer.Overlay, op *statement.RenameIndex) (string, error) {
	existing, err := overlay.Index(ctx, op.OldName)
	if err != nil {
		return "", err
	}
	if existing == nil {
		return fmt.Sprintf("Rename index: %s not exist", qualified(overlay.Name(), op.OldName)), nil
	}
	if !strings.EqualFold(op.OldName, op.NewName) {
		target, err := overlay.Index(ctx, op.NewName)
		if err != nil {
			return "", err
		}
		if target != nil {
			return fmt.Sprintf("Rename index: %s  already exist, %s", qualified(overlay.Name(), op.NewName), target.Render()), nil
		}
	}
	return fmt.Sprintf("Rename index: %s to: %s", qualified(overlay.Name(), op.OldName), models.QuoteIdent(op.NewName)), nil
}

func (v *Verifier) verifyCreateTable(ctx context.Context, overlay *analyzer.Overlay, op *statement.CreateTable) (string, error) {
	snapshot, err := v.Catalog.Table(ctx, op.TableName)
	if err != nil {
		return "", err
	}
	if snapshot.Exists {
		line := fmt.Sprintf("Create table: %s already exist, %s", models.QuoteIdent(op.TableName), snapshot.Summary())
		if op.IfNotExists {
			line += " (IF NOT EXISTS, no-op)"
		}
		return line, nil
	}
	return fmt.Sprintf("Create table: %s", models.QuoteIdent(op.TableName)), nil
}

func (v *Verifier) verifyDropTable(ctx context.Context, overlay *analyzer.Overlay, op *statement.DropTable) (string, error) {
	snapshot, err := v.Catalog.Table(ctx, op.TableName)
	if err != nil {
		return "", err
	}
	if !snapshot.Exists {
		line := fmt.Sprintf("Drop table: %s not exist", models.QuoteIdent(op.TableName))
		if op.IfExists {
			line += " (IF EXISTS, no-op)"
		}
		return line, nil
	}
	return fmt.Sprintf("Drop table: %s, %s", models.QuoteIdent(op.TableName), snapshot.Summary()), nil
}

func (v *Verifier) verifyCreateIndex(ctx context.Context, op *statement.CreateIndex) (string, error) {
	snapshot, err := v.Catalog.Table(ctx, op.TableName)
	if err != nil {
		return "", err
	}
	if !snapshot.Exists {
		return fmt.Sprintf("Create index table: %s not exist", models.QuoteIdent(op.TableName)), nil
	}
	if existing := snapshot.Index(op.Index.Name); existing != nil {
		return fmt.Sprintf("Create index: %s  already exist, %s", qualified(op.TableName, op.Index.Name), existing.Render()), nil
	}
	return fmt.Sprintf("Create index: %s %s", models.QuoteIdent(op.TableName), op.Index.Render()), nil
}

func (v *Verifier) verifyStandaloneDropIndex(ctx context.Context, op *statement.DropIndex) (string, error) {
	snapshot, err := v.Catalog.Table(ctx, op.TableName)
	if err != nil {
		return "", err
	}
	if !snapshot.Exists {
		return fmt.Sprintf("Drop index table: %s not exist", models.QuoteIdent(op.TableName)), nil
	}
	existing := snapshot.Index(op.Index)
	if existing == nil {
		return fmt.Sprintf("Drop index: %s not exist", qualified(op.TableName, op.Index)), nil
	}
	return fmt.Sprintf("Drop index: %s %s", models.QuoteIdent(op.TableName), existing.Render()), nil
}

// verifyMutation predicts the affected rows of UPDATE/DELETE by running the
// statement's COUNT(*) rewrite
func (v *Verifier) verifyMutation(ctx context.Context, result *models.VerificationResult, verb string, m *statement.Mutation) (string, error) {
	snapshot, err := v.Catalog.Table(ctx, m.TableName)
	if err != nil {
		return "", err
	}
	if !snapshot.Exists {
		result.TableMissing = true
		return fmt.Sprintf("%s table: %s not exist", verb, models.QuoteIdent(m.TableName)), nil
	}
	if v.Counter == nil {
		return "", fmt.Errorf("no counter configured to predict affected rows")
	}

	countSQL := m.CountSQL()
	affected, err := v.Counter.Count(ctx, countSQL)
	if err != nil {
		v.Logger.Errorf("Error predicting affected rows with %s: %v", countSQL, err)
		return "", fmt.Errorf("predict affected rows: %w", err)
	}
	if m.RowLimit >= 0 && affected > m.RowLimit {
		affected = m.RowLimit
	}
	v.Logger.Debugf("Predicted %d affected rows for %s", affected, m.TableName)

	result.Predicted = &models.RowPrediction{
		CountSQL:      countSQL,
		Affected:      affected,
		TableEstimate: snapshot.ApproximateRowCount,
	}
	return fmt.Sprintf("Expected affected row:%d,\n%s's total count(estimate):%d",
		affected, models.QuoteIdent(m.TableName), snapshot.ApproximateRowCount), nil
}
