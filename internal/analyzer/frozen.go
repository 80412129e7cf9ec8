package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/vitebski/mysql-ddl-guard/pkg/models"
)

// Frozen is a catalog captured at one instant. Verification and rollback
// synthesis read from it so that both see the schema as it was before the
// statement ran, no matter what happens to the live tables afterwards.
type Frozen struct {
	tables map[string]*models.TableSnapshot
	order  []string
}

// Capture reads each table once from the catalog. Tables listed in
// withCreate also get their CREATE TABLE text, which DROP TABLE inverses need.
func Capture(ctx context.Context, catalog Catalog, tables []string, withCreate []string) (*Frozen, error) {
	frozen := &Frozen{tables: make(map[string]*models.TableSnapshot)}
	needsCreate := make(map[string]bool)
	for _, table := range withCreate {
		needsCreate[strings.ToLower(table)] = true
	}

	for _, table := range tables {
		key := strings.ToLower(table)
		if _, done := frozen.tables[key]; done {
			continue
		}
		snapshot, err := catalog.Table(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("capture %s: %w", table, err)
		}
		if snapshot.Exists && needsCreate[key] {
			create, err := catalog.CreateStatement(ctx, table)
			if err != nil {
				return nil, fmt.Errorf("capture %s: %w", table, err)
			}
			snapshot.CreateStatement = create
		}
		frozen.tables[key] = snapshot
		frozen.order = append(frozen.order, table)
	}
	return frozen, nil
}

// FreezeSnapshots builds a Frozen catalog from snapshots already in hand
func FreezeSnapshots(snapshots ...*models.TableSnapshot) *Frozen {
	frozen := &Frozen{tables: make(map[string]*models.TableSnapshot)}
	for _, snapshot := range snapshots {
		frozen.tables[strings.ToLower(snapshot.Name)] = snapshot
		frozen.order = append(frozen.order, snapshot.Name)
	}
	return frozen
}

// Snapshots returns the captured tables in capture order
func (f *Frozen) Snapshots() []*models.TableSnapshot {
	result := make([]*models.TableSnapshot, 0, len(f.order))
	for _, name := range f.order {
		result = append(result, f.tables[strings.ToLower(name)])
	}
	return result
}

func (f *Frozen) lookup(table string) (*models.TableSnapshot, error) {
	snapshot, ok := f.tables[strings.ToLower(table)]
	if !ok {
		return nil, fmt.Errorf("table %s was not captured", table)
	}
	return snapshot, nil
}

func (f *Frozen) Table(_ context.Context, table string) (*models.TableSnapshot, error) {
	return f.lookup(table)
}

func (f *Frozen) Column(_ context.Context, table, column string) (*models.ColumnDefinition, error) {
	snapshot, err := f.lookup(table)
	if err != nil {
		return nil, err
	}
	return snapshot.Column(column), nil
}

func (f *Frozen) Index(_ context.Context, table, index string) (*models.IndexDefinition, error) {
	snapshot, err := f.lookup(table)
	if err != nil {
		return nil, err
	}
	return snapshot.Index(index), nil
}

func (f *Frozen) CreateStatement(_ context.Context, table string) (string, error) {
	snapshot, err := f.lookup(table)
	if err != nil {
		return "", err
	}
	if !snapshot.Exists {
		return "", fmt.Errorf("table %s does not exist", table)
	}
	if snapshot.CreateStatement == "" {
		return "", fmt.Errorf("create statement of %s was not captured", table)
	}
	return snapshot.CreateStatement, nil
}
