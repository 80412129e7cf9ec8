package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vitebski/mysql-ddl-guard/internal/config"
	"github.com/vitebski/mysql-ddl-guard/internal/connector"
	"github.com/vitebski/mysql-ddl-guard/internal/executor"
	"github.com/vitebski/mysql-ddl-guard/internal/guard"
	"github.com/vitebski/mysql-ddl-guard/internal/review"
	"github.com/vitebski/mysql-ddl-guard/internal/utils"
)

type options struct {
	host       string
	user       string
	password   string
	database   string
	port       string
	envFile    string
	logLevel   string
	configFile string
	timeout    time.Duration
	yes        bool
}

// session is one connected run of a subcommand
type session struct {
	logger *logrus.Logger
	cfg    *config.Config
	db     *connector.DatabaseConnector
	guard  *guard.Guard
}

// settings resolves the effective configuration without connecting
func (o *options) settings(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	// Setup logging
	logger := utils.SetupLogging(o.logLevel)

	// Load environment variables, then the config file on top of defaults
	utils.LoadEnvironmentVariables(o.envFile, logger)
	cfg, err := config.Load(o.configFile, logger)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel == "" {
		if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
			logger.SetLevel(level)
		}
	}

	// Flags win over file and environment
	flags := cmd.Flags()
	overrides := map[string]*string{
		"host":     &cfg.Database.Host,
		"user":     &cfg.Database.User,
		"password": &cfg.Database.Password,
		"database": &cfg.Database.Database,
		"port":     &cfg.Database.Port,
	}
	values := map[string]string{
		"host":     o.host,
		"user":     o.user,
		"password": o.password,
		"database": o.database,
		"port":     o.port,
	}
	for name, field := range overrides {
		if flags.Changed(name) {
			*field = values[name]
		}
	}
	if flags.Changed("timeout") {
		cfg.Executor.Timeout.Duration = o.timeout
	}
	return cfg, logger, nil
}

func (o *options) open(ctx context.Context, cmd *cobra.Command) (*session, error) {
	cfg, logger, err := o.settings(cmd)
	if err != nil {
		return nil, err
	}

	// Validate connection parameters
	d := cfg.Database
	if !utils.ValidateConnectionParams(d.Host, d.User, d.Password, d.Database, d.Port, logger) {
		return nil, errors.New("invalid connection parameters")
	}

	// Create database connector
	db := connector.NewDatabaseConnector(d.Host, d.User, d.Password, d.Database, d.Port, logger)
	if err := db.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	g := guard.NewGuard(db, review.DefaultRules(cfg.Review.LargeTableRows), logger,
		executor.WithHardMargin(cfg.Executor.HardMargin.Duration))
	return &session{logger: logger, cfg: cfg, db: db, guard: g}, nil
}

func (s *session) close() {
	s.db.Disconnect()
}

func (s *session) prepare(ctx context.Context, args []string) (*guard.Plan, error) {
	sql := strings.TrimSpace(strings.Join(args, " "))
	if sql == "" {
		return nil, errors.New("no statement given")
	}
	return s.guard.Prepare(ctx, sql)
}

func printPlan(plan *guard.Plan) {
	utils.PrintVerification(os.Stdout, plan.Verification)
	utils.PrintRollback(os.Stdout, plan.Rollback, plan.RollbackErr)
	utils.PrintSuggestions(os.Stdout, plan.Suggestions)
}

func verifyCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <statement>",
		Short: "Report what a statement will change, how to undo it, and review findings",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := o.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer s.close()

			plan, err := s.prepare(cmd.Context(), args)
			if err != nil {
				return err
			}
			printPlan(plan)
			return nil
		},
	}
}

func rollbackCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <statement>",
		Short: "Print only the statement that undoes the given one",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := o.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer s.close()

			plan, err := s.prepare(cmd.Context(), args)
			if err != nil {
				return err
			}
			if plan.RollbackErr != nil {
				return plan.RollbackErr
			}
			fmt.Println(plan.Rollback)
			return nil
		},
	}
}

func execCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec <statement>",
		Short: "Verify, confirm and run a statement with a timeout inside a transaction",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := o.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer s.close()

			plan, err := s.prepare(cmd.Context(), args)
			if err != nil {
				return err
			}
			printPlan(plan)

			if plan.Verification.TableMissing {
				s.logger.Warn("The target table does not exist")
			}
			if blockers := plan.Blockers(); len(blockers) > 0 {
				s.logger.Warnf("%d blocker finding(s) reported", len(blockers))
			}
			if !o.yes && !utils.PromptYesNo(os.Stdin, os.Stdout, "\nExecute this statement?") {
				s.logger.Info("Aborted, nothing was executed")
				return nil
			}

			outcome, err := s.guard.Execute(cmd.Context(), plan, s.cfg.Executor.Timeout.Duration)
			if err != nil {
				return err
			}
			utils.PrintOutcome(os.Stdout, outcome)
			if !outcome.Success {
				return fmt.Errorf("statement did not commit: %s", outcome.ErrorMessage)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&o.yes, "yes", "y", false, "Execute without asking for confirmation")
	cmd.Flags().DurationVarP(&o.timeout, "timeout", "t", executor.DefaultTimeout, "Statement timeout")
	return cmd
}

func inspectCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <table>",
		Short: "Print a table's columns, indexes and row estimate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := o.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer s.close()

			snapshot, err := s.guard.Inspect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			utils.PrintSnapshot(os.Stdout, snapshot)
			return nil
		},
	}
}

func configCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with the password masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := o.settings(cmd)
			if err != nil {
				return err
			}
			out, err := cfg.Encode()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

func main() {
	o := &options{}

	rootCmd := &cobra.Command{
		Use:   "mysql-ddl-guard",
		Short: "Verify, roll back and safely run MySQL schema changes",
		Long: `MySQL DDL Guard

Checks a schema change or UPDATE/DELETE against the live schema before it runs,
derives the statement that undoes it, and executes it inside a transaction
with a timeout.`,
		SilenceUsage: true,
	}

	// Define flags
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&o.host, "host", "H", "", "MySQL host (default: localhost)")
	flags.StringVarP(&o.user, "user", "u", "", "MySQL user (default: root)")
	flags.StringVarP(&o.password, "password", "p", "", "MySQL password")
	flags.StringVarP(&o.database, "database", "d", "", "MySQL database name")
	flags.StringVarP(&o.port, "port", "P", "", "MySQL port (default: 3306)")
	flags.StringVarP(&o.envFile, "env-file", "e", ".env", "Path to .env file")
	flags.StringVarP(&o.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	flags.StringVarP(&o.configFile, "config", "c", "", "Path to config file (default: ./"+config.DefaultFile+" if present)")

	rootCmd.AddCommand(verifyCommand(o), rollbackCommand(o), execCommand(o), inspectCommand(o), configCommand(o))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Execute
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
