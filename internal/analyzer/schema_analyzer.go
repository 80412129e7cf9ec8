package analyzer

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vitebski/mysql-ddl-guard/internal/connector"
	"github.com/vitebski/mysql-ddl-guard/pkg/models"
)

// Catalog is read access to table metadata. The live SchemaAnalyzer and a
// captured Frozen snapshot both implement it.
type Catalog interface {
	// Table returns a snapshot; a missing table has Exists == false
	Table(ctx context.Context, table string) (*models.TableSnapshot, error)
	// Column returns nil when the table or column does not exist
	Column(ctx context.Context, table, column string) (*models.ColumnDefinition, error)
	// Index returns nil when the table or index does not exist
	Index(ctx context.Context, table, index string) (*models.IndexDefinition, error)
	CreateStatement(ctx context.Context, table string) (string, error)
}

// SchemaAnalyzer reads table metadata from the live information_schema
type SchemaAnalyzer struct {
	DB     *connector.DatabaseConnector
	Logger *logrus.Logger
}

// NewSchemaAnalyzer creates a new schema analyzer
func NewSchemaAnalyzer(db *connector.DatabaseConnector, logger *logrus.Logger) *SchemaAnalyzer {
	return &SchemaAnalyzer{
		DB:     db,
		Logger: logger,
	}
}

const columnsQuery = `SELECT COLUMN_NAME AS column_name, COLUMN_TYPE AS column_type, IS_NULLABLE AS is_nullable, COLUMN_DEFAULT AS column_default, EXTRA AS extra, COLUMN_COMMENT AS column_comment, CHARACTER_SET_NAME AS character_set_name, COLLATION_NAME AS collation_name, GENERATION_EXPRESSION AS generation_expression FROM information_schema.COLUMNS WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?`

const indexesQuery = `SELECT INDEX_NAME AS index_name, SEQ_IN_INDEX AS seq_in_index, COLUMN_NAME AS column_name, SUB_PART AS sub_part, COLLATION AS collation, NON_UNIQUE AS non_unique, INDEX_TYPE AS index_type, INDEX_COMMENT AS index_comment FROM information_schema.STATISTICS WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?`

// Queries issued against the catalog, exported so tests can match them exactly
var (
	TableColumnsQuery  = columnsQuery + ` ORDER BY ORDINAL_POSITION`
	SingleColumnQuery  = columnsQuery + ` AND COLUMN_NAME = ?`
	TableIndexesQuery  = indexesQuery + ` ORDER BY INDEX_NAME, SEQ_IN_INDEX`
	SingleIndexQuery   = indexesQuery + ` AND INDEX_NAME = ? ORDER BY SEQ_IN_INDEX`
	TableStatusQuery   = "SHOW TABLE STATUS WHERE `Name` = ?"
	ShowCreatePrefix   = "SHOW CREATE TABLE "
	createTableColumn  = "Create Table"
	tableStatusRowsKey = "Rows"
)

// Table reads columns, then indexes, then the row estimate. A missing table
// is reported as Exists == false, not as an error.
func (sa *SchemaAnalyzer) Table(ctx context.Context, table string) (*models.TableSnapshot, error) {
	snapshot := models.NewTableSnapshot(table)

	columnsResult, err := sa.DB.ExecuteQuery(ctx, TableColumnsQuery, sa.DB.Database, table)
	if err != nil {
		sa.Logger.Errorf("Error getting columns for table %s: %v", table, err)
		return nil, fmt.Errorf("read columns of %s: %w", table, err)
	}
	if len(columnsResult) == 0 {
		sa.Logger.Debugf("Table %s does not exist in %s", table, sa.DB.Database)
		return snapshot, nil
	}
	snapshot.Exists = true
	for _, row := range columnsResult {
		snapshot.AddColumn(columnFromRow(row))
	}

	indexesResult, err := sa.DB.ExecuteQuery(ctx, TableIndexesQuery, sa.DB.Database, table)
	if err != nil {
		sa.Logger.Errorf("Error getting indexes for table %s: %v", table, err)
		return nil, fmt.Errorf("read indexes of %s: %w", table, err)
	}
	for _, index := range indexesFromRows(indexesResult) {
		snapshot.AddIndex(index)
	}

	statusResult, err := sa.DB.ExecuteQuery(ctx, TableStatusQuery, table)
	if err != nil {
		sa.Logger.Errorf("Error getting table status for %s: %v", table, err)
		return nil, fmt.Errorf("read status of %s: %w", table, err)
	}
	if len(statusResult) > 0 {
		snapshot.ApproximateRowCount = toInt64(statusResult[0][tableStatusRowsKey])
	}

	sa.Logger.Debugf("Table %s: %d columns, %d indexes, ~%d rows",
		table, len(snapshot.Columns), len(snapshot.Indices), snapshot.ApproximateRowCount)
	return snapshot, nil
}

// Column looks up one column definition without reading the whole table
func (sa *SchemaAnalyzer) Column(ctx context.Context, table, column string) (*models.ColumnDefinition, error) {
	result, err := sa.DB.ExecuteQuery(ctx, SingleColumnQuery, sa.DB.Database, table, column)
	if err != nil {
		sa.Logger.Errorf("Error getting column %s.%s: %v", table, column, err)
		return nil, fmt.Errorf("read column %s.%s: %w", table, column, err)
	}
	if len(result) == 0 {
		return nil, nil
	}
	return columnFromRow(result[0]), nil
}

// Index looks up one index definition without reading the whole table
func (sa *SchemaAnalyzer) Index(ctx context.Context, table, index string) (*models.IndexDefinition, error) {
	result, err := sa.DB.ExecuteQuery(ctx, SingleIndexQuery, sa.DB.Database, table, index)
	if err != nil {
		sa.Logger.Errorf("Error getting index %s.%s: %v", table, index, err)
		return nil, fmt.Errorf("read index %s.%s: %w", table, index, err)
	}
	indexes := indexesFromRows(result)
	if len(indexes) == 0 {
		return nil, nil
	}
	return indexes[0], nil
}

// CreateStatement returns the server's canonical CREATE TABLE text
func (sa *SchemaAnalyzer) CreateStatement(ctx context.Context, table string) (string, error) {
	result, err := sa.DB.ExecuteQuery(ctx, ShowCreatePrefix+models.QuoteIdent(table))
	if err != nil {
		sa.Logger.Errorf("Error getting create statement for %s: %v", table, err)
		return "", fmt.Errorf("show create table %s: %w", table, err)
	}
	if len(result) == 0 {
		return "", fmt.Errorf("show create table %s returned no rows", table)
	}
	create, ok := result[0][createTableColumn].(string)
	if !ok || create == "" {
		return "", fmt.Errorf("show create table %s returned no definition", table)
	}
	return create, nil
}

func columnFromRow(row map[string]interface{}) *models.ColumnDefinition {
	column := &models.ColumnDefinition{
		Name:     toString(row["column_name"]),
		Type:     toString(row["column_type"]),
		Nullable: strings.EqualFold(toString(row["is_nullable"]), "YES"),
		Extra:    toString(row["extra"]),
		Comment:  toString(row["column_comment"]),

		Charset:    toString(row["character_set_name"]),
		Collation:  toString(row["collation_name"]),
		Expression: toString(row["generation_expression"]),
	}
	if row["column_default"] != nil {
		value := toString(row["column_default"])
		column.Default = &value
	}
	return column
}

// indexesFromRows groups STATISTICS rows into index definitions, keeping the
// order in which each index first appears
func indexesFromRows(rows []map[string]interface{}) []*models.IndexDefinition {
	var ordered []*models.IndexDefinition
	byName := make(map[string]*models.IndexDefinition)

	for _, row := range rows {
		name := toString(row["index_name"])
		index, ok := byName[name]
		if !ok {
			index = &models.IndexDefinition{
				Name:    name,
				Unique:  toInt64(row["non_unique"]) == 0,
				Method:  strings.ToUpper(toString(row["index_type"])),
				Comment: toString(row["index_comment"]),
			}
			byName[name] = index
			ordered = append(ordered, index)
		}

		column := models.IndexColumn{
			Name: toString(row["column_name"]),
			Desc: strings.EqualFold(toString(row["collation"]), "D"),
		}
		if row["sub_part"] != nil {
			column.PrefixLength = int(toInt64(row["sub_part"]))
		}
		index.Columns = append(index.Columns, column)
	}
	return ordered
}

func toString(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	}
	return fmt.Sprintf("%v", value)
}

func toInt64(value interface{}) int64 {
	switch v := value.(type) {
	case nil:
		return 0
	case int64:
		return v
	case int:
		return int64(v)
	case uint64:
		return int64(v)
	}
	parsed, err := strconv.ParseInt(toString(value), 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
