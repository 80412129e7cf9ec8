package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ColumnDefinition represents one column as the catalog reports it
type ColumnDefinition struct {
	Name     string
	Type     string
	Nullable bool
	Default  *string
	Extra    string
	Comment  string

	// Charset and Collation are empty for non-text columns
	Charset   string
	Collation string

	// Expression is the generation expression of a VIRTUAL or STORED column
	Expression string

	// Raw holds the definition text from a statement clause (everything after
	// the column name) when the column was not read from the catalog.
	Raw string
}

var (
	timestampDefault = regexp.MustCompile(`(?i)^(current_timestamp|now|localtime|localtimestamp)(\(\d*\))?$`)
	numericType      = regexp.MustCompile(`(?i)^(tinyint|smallint|mediumint|int|integer|bigint|decimal|numeric|float|double|real|bit|bool|boolean)\b`)
	numericLiteral   = regexp.MustCompile(`^-?\d+(\.\d+)?([eE][-+]?\d+)?$`)
)

// Render builds the column definition as it appears after ADD COLUMN or
// MODIFY COLUMN. An empty name keeps the column's own name.
func (c *ColumnDefinition) Render(name string) string {
	if name == "" {
		name = c.Name
	}
	if c.Raw != "" {
		return QuoteIdent(name) + " " + c.Raw
	}

	parts := []string{QuoteIdent(name), c.Type}
	if c.Charset != "" {
		parts = append(parts, "CHARACTER SET "+c.Charset)
	}
	if c.Collation != "" {
		parts = append(parts, "COLLATE "+c.Collation)
	}
	if kind := c.Generated(); kind != "" {
		parts = append(parts, "GENERATED ALWAYS AS ("+c.Expression+") "+kind)
	}
	if c.Nullable {
		parts = append(parts, "NULL")
	} else {
		parts = append(parts, "NOT NULL")
	}
	if c.Default != nil && c.Generated() == "" {
		parts = append(parts, "DEFAULT "+c.renderDefault())
	}
	if extra := c.cleanExtra(); extra != "" {
		parts = append(parts, extra)
	}
	if c.Comment != "" {
		parts = append(parts, "COMMENT "+QuoteString(c.Comment))
	}
	return strings.Join(parts, " ")
}

// Generated returns VIRTUAL or STORED for a generated column, empty otherwise
func (c *ColumnDefinition) Generated() string {
	extra := strings.ToUpper(c.Extra)
	switch {
	case strings.Contains(extra, "VIRTUAL GENERATED"):
		return "VIRTUAL"
	case strings.Contains(extra, "STORED GENERATED"):
		return "STORED"
	}
	return ""
}

// TypeName returns the bare type keyword, lowercased, without length or attributes
func (c *ColumnDefinition) TypeName() string {
	source := c.Type
	if source == "" {
		source = c.Raw
	}
	source = strings.TrimSpace(strings.ToLower(source))
	end := strings.IndexAny(source, " (")
	if end >= 0 {
		source = source[:end]
	}
	return source
}

func (c *ColumnDefinition) renderDefault() string {
	value := *c.Default
	switch {
	case strings.Contains(strings.ToUpper(c.Extra), "DEFAULT_GENERATED"):
		if timestampDefault.MatchString(value) {
			return value
		}
		return "(" + value + ")"
	case timestampDefault.MatchString(value):
		return value
	case numericType.MatchString(c.Type) && numericLiteral.MatchString(value):
		return value
	}
	return QuoteString(value)
}

// cleanExtra drops catalog-only markers that are not valid column syntax
func (c *ColumnDefinition) cleanExtra() string {
	var kept []string
	for _, word := range strings.Fields(c.Extra) {
		switch strings.ToUpper(word) {
		case "DEFAULT_GENERATED", "VIRTUAL", "STORED", "GENERATED":
			continue
		}
		kept = append(kept, word)
	}
	return strings.Join(kept, " ")
}

// IndexColumn is one key part of an index
type IndexColumn struct {
	Name         string
	PrefixLength int
	Desc         bool
}

// IndexDefinition represents an index with its key parts in index order
type IndexDefinition struct {
	Name    string
	Columns []IndexColumn
	Unique  bool
	Method  string
	Comment string
}

// PrimaryKeyName is the name MySQL reports for the primary key
const PrimaryKeyName = "PRIMARY"

// IsPrimary reports whether the index is the primary key
func (i *IndexDefinition) IsPrimary() bool {
	return strings.EqualFold(i.Name, PrimaryKeyName)
}

// ColumnNames returns the key part column names in order
func (i *IndexDefinition) ColumnNames() []string {
	names := make([]string, 0, len(i.Columns))
	for _, col := range i.Columns {
		names = append(names, col.Name)
	}
	return names
}

// Render builds the index definition as it appears after ADD
func (i *IndexDefinition) Render() string {
	var b strings.Builder
	method := strings.ToUpper(i.Method)

	switch {
	case i.IsPrimary():
		b.WriteString("PRIMARY KEY")
	case method == "FULLTEXT" || method == "SPATIAL":
		fmt.Fprintf(&b, "%s INDEX %s", method, QuoteIdent(i.Name))
	case i.Unique:
		fmt.Fprintf(&b, "UNIQUE INDEX %s", QuoteIdent(i.Name))
	default:
		fmt.Fprintf(&b, "INDEX %s", QuoteIdent(i.Name))
	}

	parts := make([]string, 0, len(i.Columns))
	for _, col := range i.Columns {
		part := QuoteIdent(col.Name)
		if col.PrefixLength > 0 {
			part += fmt.Sprintf("(%d)", col.PrefixLength)
		}
		if col.Desc {
			part += " DESC"
		}
		parts = append(parts, part)
	}
	fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))

	if method == "BTREE" || method == "HASH" {
		b.WriteString(" USING " + method)
	}
	if i.Comment != "" {
		b.WriteString(" COMMENT " + QuoteString(i.Comment))
	}
	return b.String()
}

// TableSnapshot is a point-in-time read of one table's catalog metadata.
// Columns and Indices are keyed by lowercased name.
type TableSnapshot struct {
	Name                string
	Exists              bool
	Columns             map[string]*ColumnDefinition
	Indices             map[string]*IndexDefinition
	ColumnOrder         []string
	IndexOrder          []string
	ApproximateRowCount int64
	CreateStatement     string
}

// NewTableSnapshot creates an empty snapshot for a table
func NewTableSnapshot(name string) *TableSnapshot {
	return &TableSnapshot{
		Name:    name,
		Columns: make(map[string]*ColumnDefinition),
		Indices: make(map[string]*IndexDefinition),
	}
}

// Column looks up a column case-insensitively
func (s *TableSnapshot) Column(name string) *ColumnDefinition {
	return s.Columns[strings.ToLower(name)]
}

// Index looks up an index case-insensitively
func (s *TableSnapshot) Index(name string) *IndexDefinition {
	return s.Indices[strings.ToLower(name)]
}

// AddColumn appends a column keeping catalog order
func (s *TableSnapshot) AddColumn(def *ColumnDefinition) {
	key := strings.ToLower(def.Name)
	if _, ok := s.Columns[key]; !ok {
		s.ColumnOrder = append(s.ColumnOrder, def.Name)
	}
	s.Columns[key] = def
}

// AddIndex appends an index keeping catalog order
func (s *TableSnapshot) AddIndex(def *IndexDefinition) {
	key := strings.ToLower(def.Name)
	if _, ok := s.Indices[key]; !ok {
		s.IndexOrder = append(s.IndexOrder, def.Name)
	}
	s.Indices[key] = def
}

// Summary renders the blast radius counts used by DROP/CREATE TABLE reports
func (s *TableSnapshot) Summary() string {
	return fmt.Sprintf("row:%d, column:%d, index:%d", s.ApproximateRowCount, len(s.Columns), len(s.Indices))
}

// VerificationResult holds one assessment line per operation, or a single
// conflict when the target table itself is missing.
type VerificationResult struct {
	Assessments  []string
	TableMissing bool
	// Predicted is set for UPDATE/DELETE statements
	Predicted *RowPrediction
}

// String concatenates the assessments for display
func (r *VerificationResult) String() string {
	return strings.Join(r.Assessments, "\n")
}

// RowPrediction is the outcome of a COUNT(*) rewrite of a data-mutating statement
type RowPrediction struct {
	CountSQL      string
	Affected      int64
	TableEstimate int64
}

// SuggestLevel ranks review suggestions, most severe first
type SuggestLevel int

const (
	Blocker SuggestLevel = iota
	Critical
	Minor
)

func (l SuggestLevel) String() string {
	switch l {
	case Blocker:
		return "BLOCKER"
	case Critical:
		return "CRITICAL"
	case Minor:
		return "MINOR"
	}
	return "UNKNOWN"
}

// Suggestion is one advisory finding from the review rule table
type Suggestion struct {
	Rule   string
	Level  SuggestLevel
	Detail string
}

// ResultKind classifies what an executed statement produced
type ResultKind int

const (
	ResultNone ResultKind = iota
	ResultRowsAffected
	ResultRowSet
	ResultScalar
)

func (k ResultKind) String() string {
	switch k {
	case ResultRowsAffected:
		return "ROWS_AFFECTED"
	case ResultRowSet:
		return "ROW_SET"
	case ResultScalar:
		return "SCALAR"
	}
	return "NONE"
}

// ExecutionState is the terminal state of a guarded execution
type ExecutionState int

const (
	StateIdle ExecutionState = iota
	StateRunning
	StateCommitted
	StateRolledBack
	StateCancelled
)

func (s ExecutionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateCommitted:
		return "COMMITTED"
	case StateRolledBack:
		return "ROLLED_BACK"
	case StateCancelled:
		return "CANCELLED"
	}
	return "UNKNOWN"
}

// ExecutionOutcome describes how a guarded execution ended
type ExecutionOutcome struct {
	RequestID     string
	Success       bool
	State         ExecutionState
	TimedOut      bool
	Elapsed       time.Duration
	ElapsedMillis int64
	Kind          ResultKind
	RowsAffected  int64
	RowCount      int64
	Scalar        *string
	ErrorMessage  string
	SQLState      string
	VendorCode    int
	// AutocommitRestored is false only when the session could not be reset,
	// in which case the connection is discarded instead of returned to the pool.
	AutocommitRestored bool
}

// QuoteIdent wraps an identifier in backticks
func QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// QuoteString renders a single-quoted SQL string literal
func QuoteString(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `''`)
	return "'" + replacer.Replace(value) + "'"
}
