package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vitebski/mysql-ddl-guard/internal/analyzer"
	"github.com/vitebski/mysql-ddl-guard/internal/connector"
	"github.com/vitebski/mysql-ddl-guard/internal/executor"
	"github.com/vitebski/mysql-ddl-guard/internal/review"
	"github.com/vitebski/mysql-ddl-guard/internal/rollback"
	"github.com/vitebski/mysql-ddl-guard/internal/statement"
	"github.com/vitebski/mysql-ddl-guard/internal/verifier"
	"github.com/vitebski/mysql-ddl-guard/pkg/models"
)

// ErrSchemaDrift is returned by Execute when a referenced table changed
// between Prepare and Execute
var ErrSchemaDrift = errors.New("schema changed since the statement was verified")

// ErrForeignSchema is returned by Prepare when a table is qualified with a
// schema other than the connected database, whose catalog would not describe it
var ErrForeignSchema = errors.New("statement names a schema other than the connected database")

// Plan is everything known about a statement before it runs. Verification,
// rollback and review were all computed from the same captured schema.
type Plan struct {
	RequestID    string
	Parsed       *statement.ParsedStatement
	Captured     *analyzer.Frozen
	Verification *models.VerificationResult
	Rollback     string
	RollbackErr  error
	Suggestions  []models.Suggestion
	Fingerprints map[string]string
}

// Blockers returns the suggestions at BLOCKER level
func (p *Plan) Blockers() []models.Suggestion {
	var blockers []models.Suggestion
	for _, s := range p.Suggestions {
		if s.Level == models.Blocker {
			blockers = append(blockers, s)
		}
	}
	return blockers
}

// Guard runs statements through verify, rollback synthesis and review before
// handing them to the guarded executor
type Guard struct {
	DB       *connector.DatabaseConnector
	Catalog  analyzer.Catalog
	Executor *executor.Executor
	Rules    *review.Table
	Logger   *logrus.Logger
}

// NewGuard wires the components over a connected database. The connector
// also serves as the executor's server-side canceler.
func NewGuard(db *connector.DatabaseConnector, rules *review.Table, logger *logrus.Logger, opts ...executor.Option) *Guard {
	if rules == nil {
		rules = review.DefaultRules(0)
	}
	opts = append([]executor.Option{executor.WithCanceler(db)}, opts...)
	return &Guard{
		DB:       db,
		Catalog:  analyzer.NewSchemaAnalyzer(db, logger),
		Executor: executor.NewExecutor(db.DB, logger, opts...),
		Rules:    rules,
		Logger:   logger,
	}
}

// Prepare parses sql, captures the tables it references and derives the
// verification report, rollback statement and review suggestions
func (g *Guard) Prepare(ctx context.Context, sql string) (*Plan, error) {
	plan := &Plan{RequestID: uuid.NewString()}
	log := g.Logger.WithField("request_id", plan.RequestID)

	parsed, err := statement.Parse(sql)
	if err != nil {
		log.Errorf("Error parsing statement: %v", err)
		return nil, err
	}
	plan.Parsed = parsed
	log = log.WithField("table", parsed.Table())

	for _, schema := range parsed.Schemas {
		if !strings.EqualFold(schema, g.DB.Database) {
			log.Errorf("Statement names schema %s, connected to %s", schema, g.DB.Database)
			return nil, fmt.Errorf("%w: %s (connected to %s)", ErrForeignSchema, schema, g.DB.Database)
		}
	}

	captured, err := analyzer.Capture(ctx, g.Catalog, parsed.ReferencedTables(), parsed.DroppedTables())
	if err != nil {
		log.Errorf("Error capturing schema: %v", err)
		return nil, err
	}
	plan.Captured = captured
	plan.Fingerprints = captured.Fingerprints()

	plan.Verification, err = verifier.NewVerifier(captured, g.DB, g.Logger).Verify(ctx, parsed)
	if err != nil {
		log.Errorf("Error verifying statement: %v", err)
		return nil, err
	}

	plan.Rollback, plan.RollbackErr = rollback.NewSynthesizer(captured, g.Logger).Synthesize(ctx, parsed)
	if plan.RollbackErr != nil {
		var rollbackErr *rollback.Error
		if !errors.As(plan.RollbackErr, &rollbackErr) {
			return nil, plan.RollbackErr
		}
		log.Warnf("No rollback available: %v", plan.RollbackErr)
	}

	plan.Suggestions, err = g.Rules.Review(ctx, parsed, captured)
	if err != nil {
		log.Errorf("Error reviewing statement: %v", err)
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"operations":  len(parsed.Operations),
		"suggestions": len(plan.Suggestions),
	}).Info("Statement prepared")
	return plan, nil
}

// Execute re-captures the referenced tables and runs the statement only if
// none of them changed since Prepare
func (g *Guard) Execute(ctx context.Context, plan *Plan, timeout time.Duration) (*models.ExecutionOutcome, error) {
	log := g.Logger.WithFields(logrus.Fields{
		"request_id": plan.RequestID,
		"table":      plan.Parsed.Table(),
	})

	current, err := analyzer.Capture(ctx, g.Catalog, plan.Parsed.ReferencedTables(), nil)
	if err != nil {
		log.Errorf("Error re-capturing schema: %v", err)
		return nil, err
	}
	if drifted := analyzer.Drifted(plan.Fingerprints, current.Fingerprints()); len(drifted) > 0 {
		log.Errorf("Schema drift detected on %s", strings.Join(drifted, ", "))
		return nil, fmt.Errorf("%w: %s", ErrSchemaDrift, strings.Join(drifted, ", "))
	}

	outcome := g.Executor.Execute(ctx, plan.Parsed.RawSQL, timeout)
	outcome.RequestID = plan.RequestID
	log.WithFields(logrus.Fields{
		"state":      outcome.State.String(),
		"elapsed_ms": outcome.ElapsedMillis,
		"timed_out":  outcome.TimedOut,
	}).Info("Statement finished")
	return outcome, nil
}

// Inspect reads one table straight from the live catalog
func (g *Guard) Inspect(ctx context.Context, table string) (*models.TableSnapshot, error) {
	snapshot, err := g.Catalog.Table(ctx, table)
	if err != nil {
		g.Logger.Errorf("Error inspecting %s: %v", table, err)
		return nil, err
	}
	if snapshot.Exists {
		if snapshot.CreateStatement, err = g.Catalog.CreateStatement(ctx, table); err != nil {
			return nil, err
		}
	}
	return snapshot, nil
}
