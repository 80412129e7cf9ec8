package review

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/vitebski/mysql-ddl-guard/internal/analyzer"
	"github.com/vitebski/mysql-ddl-guard/internal/statement"
	"github.com/vitebski/mysql-ddl-guard/pkg/models"
)

// DefaultLargeTableRows is the row estimate from which adding a column is
// considered a long table rebuild
const DefaultLargeTableRows int64 = 1000000

// Subject is what a rule inspects: one operation and the captured table it acts on
type Subject struct {
	Op       statement.Operation
	Snapshot *models.TableSnapshot
	Graph    *analyzer.ObjectGraph
}

// Rule produces a detail line when it fires, or "" when it does not
type Rule struct {
	Name  string
	Level models.SuggestLevel
	Kinds []statement.OpKind
	Check func(s Subject) string
}

// Table is an immutable rule set indexed by operation kind
type Table struct {
	rules  []Rule
	byKind map[statement.OpKind][]int
}

// NewTable indexes rules by the operation kinds they apply to
func NewTable(rules ...Rule) *Table {
	t := &Table{
		rules:  append([]Rule(nil), rules...),
		byKind: make(map[statement.OpKind][]int),
	}
	for i, rule := range t.rules {
		for _, kind := range rule.Kinds {
			t.byKind[kind] = append(t.byKind[kind], i)
		}
	}
	return t
}

// Rules returns a copy of the rule list
func (t *Table) Rules() []Rule {
	return append([]Rule(nil), t.rules...)
}

// Review runs every applicable rule over each operation. Suggestions are
// ordered by level, most severe first, then by operation order.
func (t *Table) Review(ctx context.Context, parsed *statement.ParsedStatement, catalog analyzer.Catalog) ([]models.Suggestion, error) {
	var suggestions []models.Suggestion
	graphs := make(map[string]*analyzer.ObjectGraph)

	for _, op := range parsed.Operations {
		indices := t.byKind[op.Kind()]
		if len(indices) == 0 {
			continue
		}
		snapshot, err := catalog.Table(ctx, op.Table())
		if err != nil {
			return nil, fmt.Errorf("review %s: %w", op.Table(), err)
		}
		key := strings.ToLower(op.Table())
		if _, ok := graphs[key]; !ok {
			graphs[key] = analyzer.BuildObjectGraph(snapshot)
		}

		subject := Subject{Op: op, Snapshot: snapshot, Graph: graphs[key]}
		for _, i := range indices {
			rule := t.rules[i]
			if detail := rule.Check(subject); detail != "" {
				suggestions = append(suggestions, models.Suggestion{Rule: rule.Name, Level: rule.Level, Detail: detail})
			}
		}
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Level < suggestions[j].Level
	})
	return suggestions, nil
}

// DefaultRules builds the standard rule set. A non-positive threshold uses
// DefaultLargeTableRows.
func DefaultRules(largeTableRows int64) *Table {
	if largeTableRows <= 0 {
		largeTableRows = DefaultLargeTableRows
	}
	return NewTable(
		Rule{
			Name:  "LARGE_TABLE_ADD_COLUMN",
			Level: models.Critical,
			Kinds: []statement.OpKind{statement.OpAddColumn},
			Check: func(s Subject) string {
				if !s.Snapshot.Exists || s.Snapshot.ApproximateRowCount < largeTableRows {
					return ""
				}
				add := s.Op.(*statement.AddColumn)
				return fmt.Sprintf("adding column %s to %s with about %d rows may rebuild the table, consider an online schema change tool",
					models.QuoteIdent(add.Column.Name), models.QuoteIdent(s.Snapshot.Name), s.Snapshot.ApproximateRowCount)
			},
		},
		Rule{
			Name:  "COLUMN_MODIFY_RISK",
			Level: models.Critical,
			Kinds: []statement.OpKind{statement.OpModifyColumn, statement.OpChangeColumn},
			Check: checkColumnModify,
		},
		Rule{
			Name:  "DROP_COLUMN_DEPENDENCY",
			Level: models.Blocker,
			Kinds: []statement.OpKind{statement.OpDropColumn},
			Check: checkDropColumn,
		},
		Rule{
			Name:  "AVOID_FOREIGN_KEY",
			Level: models.Critical,
			Kinds: []statement.OpKind{statement.OpAddForeignKey},
			Check: func(s Subject) string {
				return "foreign keys add locking and cascade side effects, enforce the relation in the application instead"
			},
		},
		Rule{
			Name:  "DROP_INDEX_USAGE",
			Level: models.Minor,
			Kinds: []statement.OpKind{statement.OpDropIndex},
			Check: func(s Subject) string {
				drop := s.Op.(*statement.DropIndex)
				if s.Snapshot.Index(drop.Index) == nil {
					return ""
				}
				return fmt.Sprintf("check performance_schema.table_io_waits_summary_by_index_usage for %s before dropping it",
					models.QuoteIdent(drop.Index))
			},
		},
		Rule{
			Name:  "TABLE_EXISTS",
			Level: models.Blocker,
			Kinds: []statement.OpKind{statement.OpCreateTable},
			Check: func(s Subject) string {
				if !s.Snapshot.Exists {
					return ""
				}
				return fmt.Sprintf("table %s already exists, %s", models.QuoteIdent(s.Snapshot.Name), s.Snapshot.Summary())
			},
		},
		Rule{
			Name:  "REQUIRED_PRIMARY_KEY",
			Level: models.Blocker,
			Kinds: []statement.OpKind{statement.OpCreateTable},
			Check: func(s Subject) string {
				if primaryKey.MatchString(s.Op.Clause()) {
					return ""
				}
				return fmt.Sprintf("table %s has no primary key", models.QuoteIdent(s.Op.Table()))
			},
		},
		Rule{
			Name:  "UPDATE_DELETE_ALL",
			Level: models.Blocker,
			Kinds: []statement.OpKind{statement.OpUpdate, statement.OpDelete},
			Check: func(s Subject) string {
				if mutation(s.Op).Where != "" {
					return ""
				}
				return fmt.Sprintf("%s has no WHERE clause and touches every row of %s", strings.ToUpper(s.Op.Kind().String()), models.QuoteIdent(s.Op.Table()))
			},
		},
		Rule{
			Name:  "MULTIPLE_UPDATE_DELETE",
			Level: models.Critical,
			Kinds: []statement.OpKind{statement.OpUpdate, statement.OpDelete},
			Check: func(s Subject) string {
				m := mutation(s.Op)
				if len(m.Tables) < 2 {
					return ""
				}
				return fmt.Sprintf("statement touches %d tables (%s), split it per table", len(m.Tables), strings.Join(m.Tables, ", "))
			},
		},
	)
}

var primaryKey = regexp.MustCompile(`(?i)\bprimary\s+key\b`)

func mutation(op statement.Operation) *statement.Mutation {
	switch op := op.(type) {
	case *statement.Update:
		return &op.Mutation
	case *statement.Delete:
		return &op.Mutation
	}
	return &statement.Mutation{}
}

func checkColumnModify(s Subject) string {
	var (
		name string
		def  *models.ColumnDefinition
	)
	switch op := s.Op.(type) {
	case *statement.ModifyColumn:
		name, def = op.Column.Name, op.Column
	case *statement.ChangeColumn:
		name, def = op.OldName, op.Column
	}
	pre := s.Snapshot.Column(name)
	if pre == nil || def == nil {
		return ""
	}
	before, after := normaliseType(pre), normaliseType(def)
	if before.base != after.base {
		return fmt.Sprintf("column %s changes type from %s to %s, existing values may be converted or truncated",
			models.QuoteIdent(name), before.base, after.base)
	}
	// an omitted charset or collation means the table default, which the
	// catalog row does not tell apart from an explicit one
	if after.charset != "" && before.charset != "" && after.charset != before.charset {
		return fmt.Sprintf("column %s changes character set from %s to %s, existing values will be converted",
			models.QuoteIdent(name), before.charset, after.charset)
	}
	if after.collation != "" && before.collation != "" && after.collation != before.collation {
		return fmt.Sprintf("column %s changes collation from %s to %s, comparisons and unique keys may behave differently",
			models.QuoteIdent(name), before.collation, after.collation)
	}
	return ""
}

// columnType is a column type normalised for comparison
type columnType struct {
	base      string
	charset   string
	collation string
}

// normaliseType lowercases the type, drops integer display widths and keeps the
// attributes that belong to the type, stopping at the first column option
func normaliseType(def *models.ColumnDefinition) columnType {
	source := def.Type
	if source == "" {
		source = def.Raw
	}
	source = strings.ToLower(strings.TrimSpace(source))
	name := def.TypeName()
	rest := strings.TrimSpace(source[len(name):])

	var args string
	if strings.HasPrefix(rest, "(") {
		if end := strings.IndexByte(rest, ')'); end > 0 {
			args = strings.Join(strings.Fields(rest[:end+1]), "")
			rest = rest[end+1:]
		}
	}
	if canonical, ok := integerTypes[name]; ok {
		name, args = canonical, ""
	}

	normal := columnType{
		charset:   strings.ToLower(def.Charset),
		collation: strings.ToLower(def.Collation),
	}
	attrs := []string{name + args}
	words := strings.Fields(rest)
scan:
	for i := 0; i < len(words); i++ {
		switch words[i] {
		case "unsigned", "zerofill":
			attrs = append(attrs, words[i])
		case "signed":
		case "charset", "collate", "character":
			if words[i] == "character" {
				if i+1 >= len(words) || words[i+1] != "set" {
					break scan
				}
				i++
			}
			if i+1 >= len(words) {
				break scan
			}
			value := strings.Trim(words[i+1], "`'\"")
			if words[i] == "collate" {
				normal.collation = value
			} else {
				normal.charset = value
			}
			i++
		default:
			break scan
		}
	}
	normal.base = strings.Join(attrs, " ")
	return normal
}

// integerTypes ignore their display width
var integerTypes = map[string]string{
	"tinyint":   "tinyint",
	"smallint":  "smallint",
	"mediumint": "mediumint",
	"int":       "int",
	"integer":   "int",
	"bigint":    "bigint",
}

func checkDropColumn(s Subject) string {
	drop := s.Op.(*statement.DropColumn)
	indexes := s.Graph.IndexesUsing(drop.Column)
	if len(indexes) == 0 {
		return ""
	}
	detail := fmt.Sprintf("column %s is used by index %s", models.QuoteIdent(drop.Column), strings.Join(indexes, ", "))
	if sole := s.Graph.SoleKeyIndexes(drop.Column); len(sole) > 0 {
		detail += fmt.Sprintf("; %s will be dropped with it", strings.Join(sole, ", "))
	}
	return detail
}
