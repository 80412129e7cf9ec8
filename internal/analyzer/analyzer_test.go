package analyzer

import (
	"context"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jaswdr/faker"
	"github.com/sirupsen/logrus"
	"github.com/vitebski/mysql-ddl-guard/internal/connector"
	"github.com/vitebski/mysql-ddl-guard/internal/statement"
	"github.com/vitebski/mysql-ddl-guard/pkg/models"
)

var (
	columnHeader = []string{"column_name", "column_type", "is_nullable", "column_default", "extra", "column_comment"}
	indexHeader  = []string{"index_name", "seq_in_index", "column_name", "sub_part", "collation", "non_unique", "index_type", "index_comment"}
)

func newMockAnalyzer(t *testing.T) (*SchemaAnalyzer, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel) // Suppress log output during tests
	return NewSchemaAnalyzer(connector.NewWithDB(db, "shop", logger), logger), mock
}

func usersColumns() *sqlmock.Rows {
	return sqlmock.NewRows(columnHeader).
		AddRow("id", "bigint unsigned", "NO", nil, "auto_increment", "").
		AddRow("email", "varchar(255)", "YES", nil, "", "login").
		AddRow("status", "varchar(16)", "NO", "new", "", "")
}

func usersIndexes() *sqlmock.Rows {
	return sqlmock.NewRows(indexHeader).
		AddRow("PRIMARY", 1, "id", nil, "A", 0, "BTREE", "").
		AddRow("idx_email_status", 1, "email", 64, "A", 1, "BTREE", "").
		AddRow("idx_email_status", 2, "status", nil, "D", 1, "BTREE", "")
}

func expectUsersTable(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(TableColumnsQuery).WithArgs("shop", "users").WillReturnRows(usersColumns())
	mock.ExpectQuery(TableIndexesQuery).WithArgs("shop", "users").WillReturnRows(usersIndexes())
	mock.ExpectQuery(TableStatusQuery).WithArgs("users").
		WillReturnRows(sqlmock.NewRows([]string{"Name", "Engine", "Rows"}).AddRow("users", "InnoDB", "1200"))
}

func TestTableSnapshot(t *testing.T) {
	sa, mock := newMockAnalyzer(t)
	expectUsersTable(mock)

	snapshot, err := sa.Table(context.Background(), "users")
	if err != nil {
		t.Fatalf("Table returned error: %v", err)
	}
	if !snapshot.Exists {
		t.Fatal("Expected users to exist")
	}
	if len(snapshot.Columns) != 3 || len(snapshot.Indices) != 2 {
		t.Errorf("Expected 3 columns and 2 indexes, got %d and %d", len(snapshot.Columns), len(snapshot.Indices))
	}
	if snapshot.ApproximateRowCount != 1200 {
		t.Errorf("Expected row estimate 1200, got %d", snapshot.ApproximateRowCount)
	}
	if fmt.Sprint(snapshot.ColumnOrder) != "[id email status]" {
		t.Errorf("Expected catalog column order, got %v", snapshot.ColumnOrder)
	}

	status := snapshot.Column("STATUS")
	if status == nil || status.Default == nil || *status.Default != "new" {
		t.Fatalf("Expected status default 'new', got %+v", status)
	}
	if got := status.Render(""); got != "`status` varchar(16) NOT NULL DEFAULT 'new'" {
		t.Errorf("Unexpected status rendering %q", got)
	}
	if got := snapshot.Column("id").Render(""); got != "`id` bigint unsigned NOT NULL auto_increment" {
		t.Errorf("Unexpected id rendering %q", got)
	}

	index := snapshot.Index("idx_email_status")
	if index == nil || index.Unique || len(index.Columns) != 2 {
		t.Fatalf("Unexpected composite index %+v", index)
	}
	if index.Columns[0].PrefixLength != 64 || !index.Columns[1].Desc {
		t.Errorf("Expected prefix on email and DESC on status, got %+v", index.Columns)
	}
	if got := index.Render(); got != "INDEX `idx_email_status` (`email`(64), `status` DESC) USING BTREE" {
		t.Errorf("Unexpected index rendering %q", got)
	}
	if !snapshot.Index("primary").IsPrimary() {
		t.Error("Expected PRIMARY index")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestMissingTableIsNotAnError(t *testing.T) {
	sa, mock := newMockAnalyzer(t)
	mock.ExpectQuery(TableColumnsQuery).WithArgs("shop", "ghost").WillReturnRows(sqlmock.NewRows(columnHeader))

	snapshot, err := sa.Table(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Expected no error for a missing table, got %v", err)
	}
	if snapshot.Exists || len(snapshot.Columns) != 0 || len(snapshot.Indices) != 0 {
		t.Errorf("Expected empty non-existent snapshot, got %+v", snapshot)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Expected no index or status queries for a missing table: %v", err)
	}
}

func TestColumnCarriesCharsetAndGeneration(t *testing.T) {
	sa, mock := newMockAnalyzer(t)
	ctx := context.Background()

	header := append(append([]string{}, columnHeader...), "character_set_name", "collation_name", "generation_expression")
	mock.ExpectQuery(SingleColumnQuery).WithArgs("shop", "users", "full_name").
		WillReturnRows(sqlmock.NewRows(header).
			AddRow("full_name", "varchar(255)", "YES", nil, "VIRTUAL GENERATED", "", "utf8mb4", "utf8mb4_bin", "concat(`first`,' ',`last`)"))
	mock.ExpectQuery(SingleColumnQuery).WithArgs("shop", "users", "total").
		WillReturnRows(sqlmock.NewRows(header).
			AddRow("total", "decimal(10,2)", "NO", nil, "STORED GENERATED", "", nil, nil, "(`price` * `qty`)"))

	column, err := sa.Column(ctx, "users", "full_name")
	if err != nil || column == nil {
		t.Fatalf("Expected full_name column, got %+v, %v", column, err)
	}
	expected := "`full_name` varchar(255) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin GENERATED ALWAYS AS (concat(`first`,' ',`last`)) VIRTUAL NULL"
	if got := column.Render(""); got != expected {
		t.Errorf("Expected %q, got %q", expected, got)
	}

	column, err = sa.Column(ctx, "users", "total")
	if err != nil || column == nil {
		t.Fatalf("Expected total column, got %+v, %v", column, err)
	}
	expected = "`total` decimal(10,2) GENERATED ALWAYS AS ((`price` * `qty`)) STORED NOT NULL"
	if got := column.Render(""); got != expected {
		t.Errorf("Expected %q, got %q", expected, got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestSingleEntityLookups(t *testing.T) {
	sa, mock := newMockAnalyzer(t)
	ctx := context.Background()

	mock.ExpectQuery(SingleColumnQuery).WithArgs("shop", "users", "email").
		WillReturnRows(sqlmock.NewRows(columnHeader).AddRow("email", "varchar(255)", "YES", nil, "", "login"))
	mock.ExpectQuery(SingleColumnQuery).WithArgs("shop", "users", "nope").
		WillReturnRows(sqlmock.NewRows(columnHeader))
	mock.ExpectQuery(SingleIndexQuery).WithArgs("shop", "users", "uk_email").
		WillReturnRows(sqlmock.NewRows(indexHeader).AddRow("uk_email", 1, "email", nil, "A", 0, "BTREE", "unique login"))

	column, err := sa.Column(ctx, "users", "email")
	if err != nil || column == nil {
		t.Fatalf("Expected email column, got %+v, %v", column, err)
	}
	if got := column.Render(""); got != "`email` varchar(255) NULL COMMENT 'login'" {
		t.Errorf("Unexpected rendering %q", got)
	}

	missing, err := sa.Column(ctx, "users", "nope")
	if err != nil || missing != nil {
		t.Errorf("Expected nil, nil for a missing column, got %+v, %v", missing, err)
	}

	index, err := sa.Index(ctx, "users", "uk_email")
	if err != nil || index == nil {
		t.Fatalf("Expected uk_email index, got %+v, %v", index, err)
	}
	if got := index.Render(); got != "UNIQUE INDEX `uk_email` (`email`) USING BTREE COMMENT 'unique login'" {
		t.Errorf("Unexpected rendering %q", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestCreateStatement(t *testing.T) {
	sa, mock := newMockAnalyzer(t)
	create := "CREATE TABLE `users` (\n  `id` bigint NOT NULL\n) ENGINE=InnoDB"
	mock.ExpectQuery("SHOW CREATE TABLE `users`").
		WillReturnRows(sqlmock.NewRows([]string{"Table", "Create Table"}).AddRow("users", create))

	got, err := sa.CreateStatement(context.Background(), "users")
	if err != nil {
		t.Fatalf("CreateStatement returned error: %v", err)
	}
	if got != create {
		t.Errorf("Expected verbatim create statement, got %q", got)
	}
}

func TestCapturedSnapshotSurvivesLiveChange(t *testing.T) {
	sa, mock := newMockAnalyzer(t)
	ctx := context.Background()
	expectUsersTable(mock)

	frozen, err := Capture(ctx, sa, []string{"users"}, nil)
	if err != nil {
		t.Fatalf("Capture returned error: %v", err)
	}

	// the column is dropped on the live server after capture
	mock.ExpectQuery(SingleColumnQuery).WithArgs("shop", "users", "status").
		WillReturnRows(sqlmock.NewRows(columnHeader))

	live, err := sa.Column(ctx, "users", "status")
	if err != nil {
		t.Fatalf("Live lookup returned error: %v", err)
	}
	if live != nil {
		t.Fatalf("Expected live lookup to miss the dropped column")
	}

	captured, err := frozen.Column(ctx, "users", "status")
	if err != nil || captured == nil {
		t.Fatalf("Expected the captured pre-image, got %+v, %v", captured, err)
	}
	if captured.Type != "varchar(16)" {
		t.Errorf("Expected captured type varchar(16), got %s", captured.Type)
	}

	if _, err := frozen.Table(ctx, "orders"); err == nil {
		t.Error("Expected error for a table that was never captured")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestCaptureReadsCreateStatementOnlyWhenAsked(t *testing.T) {
	sa, mock := newMockAnalyzer(t)
	expectUsersTable(mock)
	mock.ExpectQuery("SHOW CREATE TABLE `users`").
		WillReturnRows(sqlmock.NewRows([]string{"Table", "Create Table"}).AddRow("users", "CREATE TABLE `users` (...)"))

	frozen, err := Capture(context.Background(), sa, []string{"users", "USERS"}, []string{"users"})
	if err != nil {
		t.Fatalf("Capture returned error: %v", err)
	}
	if len(frozen.Snapshots()) != 1 {
		t.Errorf("Expected duplicate names to be captured once, got %d", len(frozen.Snapshots()))
	}
	create, err := frozen.CreateStatement(context.Background(), "users")
	if err != nil || create == "" {
		t.Errorf("Expected captured create statement, got %q, %v", create, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func sampleSnapshot() *models.TableSnapshot {
	snapshot := models.NewTableSnapshot("users")
	snapshot.Exists = true
	snapshot.AddColumn(&models.ColumnDefinition{Name: "id", Type: "bigint"})
	snapshot.AddColumn(&models.ColumnDefinition{Name: "email", Type: "varchar(255)", Nullable: true})
	snapshot.AddColumn(&models.ColumnDefinition{Name: "status", Type: "varchar(16)"})
	snapshot.AddIndex(&models.IndexDefinition{Name: "PRIMARY", Unique: true, Columns: []models.IndexColumn{{Name: "id"}}})
	snapshot.AddIndex(&models.IndexDefinition{Name: "idx_status", Columns: []models.IndexColumn{{Name: "status"}}})
	snapshot.AddIndex(&models.IndexDefinition{Name: "idx_email_status", Columns: []models.IndexColumn{{Name: "email"}, {Name: "status"}}})
	snapshot.ApproximateRowCount = 10
	return snapshot
}

func TestOverlayReplaysClauses(t *testing.T) {
	ctx := context.Background()
	frozen := FreezeSnapshots(sampleSnapshot(), &models.TableSnapshot{Name: "archive", Exists: true})
	overlay := NewOverlay(frozen, "users")

	if err := overlay.RenameColumn(ctx, "email", "login"); err != nil {
		t.Fatalf("RenameColumn returned error: %v", err)
	}
	if def, _ := overlay.Column(ctx, "email"); def != nil {
		t.Error("Expected email to be gone after rename")
	}
	login, _ := overlay.Column(ctx, "login")
	if login == nil || login.Type != "varchar(255)" {
		t.Fatalf("Expected login to carry email's definition, got %+v", login)
	}

	overlay.DropColumn("login")
	if def, _ := overlay.Column(ctx, "login"); def != nil {
		t.Error("Expected login to be gone after drop")
	}
	if def, _ := overlay.Column(ctx, "status"); def == nil {
		t.Error("Expected untouched column to fall through to the catalog")
	}

	overlay.RenameTable("members")
	if overlay.Name() != "members" {
		t.Errorf("Expected current name members, got %s", overlay.Name())
	}
	if exists, _ := overlay.TableExists(ctx, "users"); exists {
		t.Error("Expected old table name to be free after rename")
	}
	if exists, _ := overlay.TableExists(ctx, "archive"); !exists {
		t.Error("Expected archive to exist")
	}

	// the captured snapshot itself is untouched
	if sampleEmail := frozen.tables["users"].Column("email"); sampleEmail == nil {
		t.Error("Overlay must not mutate the captured snapshot")
	}
}

func TestOverlayDropColumnFollowsIndexes(t *testing.T) {
	ctx := context.Background()
	frozen := FreezeSnapshots(sampleSnapshot())
	overlay := NewOverlay(frozen, "users")

	if err := overlay.RenameColumn(ctx, "email", "login"); err != nil {
		t.Fatalf("RenameColumn returned error: %v", err)
	}
	composite, _ := overlay.Index(ctx, "idx_email_status")
	if composite == nil || composite.Columns[0].Name != "login" {
		t.Fatalf("Expected the composite index to follow the rename, got %+v", composite)
	}

	drop := &statement.DropColumn{Target: statement.Target{TableName: "users"}, Column: "status"}
	if err := overlay.Apply(ctx, drop); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if def, _ := overlay.Index(ctx, "idx_status"); def != nil {
		t.Errorf("Expected idx_status to go with its only column, got %+v", def)
	}
	composite, _ = overlay.Index(ctx, "idx_email_status")
	if composite == nil || len(composite.Columns) != 1 || composite.Columns[0].Name != "login" {
		t.Errorf("Expected idx_email_status to keep only login, got %+v", composite)
	}

	snapshot, err := overlay.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot returned error: %v", err)
	}
	if snapshot.Column("status") != nil || snapshot.Column("login") == nil || snapshot.Index("idx_status") != nil {
		t.Errorf("Unexpected snapshot columns %v indexes %v", snapshot.ColumnOrder, snapshot.IndexOrder)
	}

	// the captured snapshot keeps both key parts
	if parts := frozen.tables["users"].Index("idx_email_status").Columns; len(parts) != 2 || parts[0].Name != "email" {
		t.Errorf("Overlay must not mutate the captured index, got %+v", parts)
	}
}

func TestObjectGraph(t *testing.T) {
	og := BuildObjectGraph(sampleSnapshot())

	if got := og.IndexesUsing("status"); fmt.Sprint(got) != "[idx_email_status idx_status]" {
		t.Errorf("Expected both status indexes, got %v", got)
	}
	if got := og.SoleKeyIndexes("status"); fmt.Sprint(got) != "[idx_status]" {
		t.Errorf("Expected only the single-column index, got %v", got)
	}
	if got := og.IndexesUsing("unknown"); len(got) != 0 {
		t.Errorf("Expected no indexes for unknown column, got %v", got)
	}
}

func TestFingerprint(t *testing.T) {
	base := sampleSnapshot()
	same := sampleSnapshot()
	same.ApproximateRowCount = 99999

	if Fingerprint(base) != Fingerprint(same) {
		t.Error("Expected row estimate to be excluded from the fingerprint")
	}

	fake := faker.New()
	changed := sampleSnapshot()
	changed.AddColumn(&models.ColumnDefinition{Name: "c_" + fake.Lorem().Word(), Type: "int"})
	if Fingerprint(base) == Fingerprint(changed) {
		t.Error("Expected a new column to change the fingerprint")
	}

	before := FreezeSnapshots(base).Fingerprints()
	after := FreezeSnapshots(changed).Fingerprints()
	if drift := Drifted(before, after); fmt.Sprint(drift) != "[users]" {
		t.Errorf("Expected users to drift, got %v", drift)
	}
	if drift := Drifted(before, before); len(drift) != 0 {
		t.Errorf("Expected no drift, got %v", drift)
	}
}
