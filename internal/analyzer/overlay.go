package analyzer

import (
	"context"
	"strings"

	"github.com/vitebski/mysql-ddl-guard/internal/statement"
	"github.com/vitebski/mysql-ddl-guard/pkg/models"
)

// Overlay replays the clauses of one ALTER statement over a catalog, so that
// each clause is checked against the schema the earlier clauses leave behind.
// Names no clause has touched fall through to single-entity catalog lookups.
type Overlay struct {
	catalog Catalog
	origin  string
	current string
	columns map[string]*models.ColumnDefinition
	indices map[string]*models.IndexDefinition
	tables  map[string]bool
	// names in the order clauses first touched them
	columnOrder []string
	indexOrder  []string
	// indexes removed by dropping their only column
	cascaded map[string]*models.IndexDefinition
}

// NewOverlay starts an overlay over table as the catalog knows it
func NewOverlay(catalog Catalog, table string) *Overlay {
	return &Overlay{
		catalog: catalog,
		origin:  table,
		current: table,
		columns: make(map[string]*models.ColumnDefinition),
		indices: make(map[string]*models.IndexDefinition),
		tables:  make(map[string]bool),

		cascaded: make(map[string]*models.IndexDefinition),
	}
}

// Name is the table's name after the clauses applied so far
func (o *Overlay) Name() string {
	return o.current
}

// Column returns the column as earlier clauses left it, nil when absent
func (o *Overlay) Column(ctx context.Context, name string) (*models.ColumnDefinition, error) {
	if def, touched := o.columns[strings.ToLower(name)]; touched {
		return def, nil
	}
	return o.catalog.Column(ctx, o.origin, name)
}

// Index returns the index as earlier clauses left it, nil when absent
func (o *Overlay) Index(ctx context.Context, name string) (*models.IndexDefinition, error) {
	if def, touched := o.indices[strings.ToLower(name)]; touched {
		return def, nil
	}
	return o.catalog.Index(ctx, o.origin, name)
}

// TableExists reports whether another table name is taken
func (o *Overlay) TableExists(ctx context.Context, name string) (bool, error) {
	if exists, touched := o.tables[strings.ToLower(name)]; touched {
		return exists, nil
	}
	snapshot, err := o.catalog.Table(ctx, name)
	if err != nil {
		return false, err
	}
	return snapshot.Exists, nil
}

// Snapshot materializes the table as the clauses applied so far leave it
func (o *Overlay) Snapshot(ctx context.Context) (*models.TableSnapshot, error) {
	base, err := o.catalog.Table(ctx, o.origin)
	if err != nil {
		return nil, err
	}
	snapshot := models.NewTableSnapshot(o.current)
	snapshot.Exists = base.Exists
	snapshot.ApproximateRowCount = base.ApproximateRowCount

	for _, name := range base.ColumnOrder {
		def, touched := o.columns[strings.ToLower(name)]
		if !touched {
			def = base.Column(name)
		}
		if def != nil {
			snapshot.AddColumn(def)
		}
	}
	for _, key := range o.columnOrder {
		if def := o.columns[key]; def != nil && snapshot.Column(def.Name) == nil {
			snapshot.AddColumn(def)
		}
	}
	for _, name := range base.IndexOrder {
		def, touched := o.indices[strings.ToLower(name)]
		if !touched {
			def = base.Index(name)
		}
		if def != nil {
			snapshot.AddIndex(def)
		}
	}
	for _, key := range o.indexOrder {
		if def := o.indices[key]; def != nil && snapshot.Index(def.Name) == nil {
			snapshot.AddIndex(def)
		}
	}
	return snapshot, nil
}

func (o *Overlay) setColumn(name string, def *models.ColumnDefinition) {
	key := strings.ToLower(name)
	if _, ok := o.columns[key]; !ok {
		o.columnOrder = append(o.columnOrder, key)
	}
	o.columns[key] = def
}

func (o *Overlay) setIndex(name string, def *models.IndexDefinition) {
	key := strings.ToLower(name)
	if _, ok := o.indices[key]; !ok {
		o.indexOrder = append(o.indexOrder, key)
	}
	o.indices[key] = def
	if def != nil {
		delete(o.cascaded, key)
	}
}

// DroppedWithColumn returns the definition of an index an earlier DROP
// COLUMN removed implicitly, nil otherwise
func (o *Overlay) DroppedWithColumn(name string) *models.IndexDefinition {
	return o.cascaded[strings.ToLower(name)]
}

func (o *Overlay) PutColumn(def *models.ColumnDefinition) {
	o.setColumn(def.Name, def)
}

func (o *Overlay) DropColumn(name string) {
	o.setColumn(name, nil)
}

// DropColumnCascade drops a column the way MySQL does: indexes keyed on it
// alone go with it and other indexes lose the key part
func (o *Overlay) DropColumnCascade(ctx context.Context, name string) error {
	snapshot, err := o.Snapshot(ctx)
	if err != nil {
		return err
	}
	og := BuildObjectGraph(snapshot)
	sole := make(map[string]bool)
	for _, index := range og.SoleKeyIndexes(name) {
		sole[strings.ToLower(index)] = true
		o.DropIndex(index)
		o.cascaded[strings.ToLower(index)] = snapshot.Index(index)
	}
	for _, index := range og.IndexesUsing(name) {
		def := snapshot.Index(index)
		if sole[strings.ToLower(index)] || def == nil {
			continue
		}
		trimmed := *def
		trimmed.Columns = nil
		for _, part := range def.Columns {
			if !strings.EqualFold(part.Name, name) {
				trimmed.Columns = append(trimmed.Columns, part)
			}
		}
		o.PutIndex(&trimmed)
	}
	o.DropColumn(name)
	return nil
}

// RenameColumn moves the definition under the new name
func (o *Overlay) RenameColumn(ctx context.Context, oldName, newName string) error {
	def, err := o.Column(ctx, oldName)
	if err != nil {
		return err
	}
	if err := o.renameKeyParts(ctx, oldName, newName); err != nil {
		return err
	}
	o.DropColumn(oldName)
	if def != nil {
		renamed := *def
		renamed.Name = newName
		o.PutColumn(&renamed)
	}
	return nil
}

// renameKeyParts follows a column rename into the indexes that use it
func (o *Overlay) renameKeyParts(ctx context.Context, oldName, newName string) error {
	if strings.EqualFold(oldName, newName) {
		return nil
	}
	snapshot, err := o.Snapshot(ctx)
	if err != nil {
		return err
	}
	for _, name := range BuildObjectGraph(snapshot).IndexesUsing(oldName) {
		def := snapshot.Index(name)
		if def == nil {
			continue
		}
		renamed := *def
		renamed.Columns = make([]models.IndexColumn, len(def.Columns))
		for i, part := range def.Columns {
			if strings.EqualFold(part.Name, oldName) {
				part.Name = newName
			}
			renamed.Columns[i] = part
		}
		o.PutIndex(&renamed)
	}
	return nil
}

func (o *Overlay) PutIndex(def *models.IndexDefinition) {
	o.setIndex(def.Name, def)
}

func (o *Overlay) DropIndex(name string) {
	o.setIndex(name, nil)
}

// RenameIndex moves the definition under the new name
func (o *Overlay) RenameIndex(ctx context.Context, oldName, newName string) error {
	def, err := o.Index(ctx, oldName)
	if err != nil {
		return err
	}
	o.DropIndex(oldName)
	if def != nil {
		renamed := *def
		renamed.Name = newName
		o.PutIndex(&renamed)
	}
	return nil
}

// RenameTable frees the current name and takes the new one
func (o *Overlay) RenameTable(newName string) {
	o.MoveTable(o.current, newName)
	o.current = newName
}

// MoveTable records that oldName is free and newName is taken
func (o *Overlay) MoveTable(oldName, newName string) {
	o.tables[strings.ToLower(oldName)] = false
	o.tables[strings.ToLower(newName)] = true
}

// Apply records the effect of one forward operation
func (o *Overlay) Apply(ctx context.Context, op statement.Operation) error {
	switch op := op.(type) {
	case *statement.AddColumn:
		o.PutColumn(op.Column)
	case *statement.DropColumn:
		return o.DropColumnCascade(ctx, op.Column)
	case *statement.ModifyColumn:
		o.PutColumn(op.Column)
	case *statement.ChangeColumn:
		if err := o.renameKeyParts(ctx, op.OldName, op.Column.Name); err != nil {
			return err
		}
		o.DropColumn(op.OldName)
		o.PutColumn(op.Column)
	case *statement.RenameColumn:
		return o.RenameColumn(ctx, op.OldName, op.NewName)
	case *statement.RenameTable:
		if op.Standalone {
			o.MoveTable(op.TableName, op.NewName)
		} else {
			o.RenameTable(op.NewName)
		}
	case *statement.AddIndex:
		o.PutIndex(op.Index)
	case *statement.DropIndex:
		o.DropIndex(op.Index)
	case *statement.RenameIndex:
		return o.RenameIndex(ctx, op.OldName, op.NewName)
	}
	return nil
}
