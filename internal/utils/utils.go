package utils

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/vitebski/mysql-ddl-guard/pkg/models"
)

// SetupLogging configures the logging system
func SetupLogging(logLevel string) *logrus.Logger {
	// Create a new logger
	logger := logrus.New()

	// Get log level from environment variable or parameter
	levelStr := logLevel
	if levelStr == "" {
		levelStr = os.Getenv("DDL_GUARD_LOG_LEVEL")
		if levelStr == "" {
			levelStr = "info"
		}
	}

	// Parse log level
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}

	// Configure logger. Reports go to stdout, so logs go to stderr.
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetOutput(os.Stderr)

	logger.Debugf("Logging configured with level: %s", level)
	return logger
}

// LoadEnvironmentVariables loads environment variables from .env file
func LoadEnvironmentVariables(envFile string, logger *logrus.Logger) bool {
	// Check if a sample .env file exists but not the actual .env file
	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		sampleEnvFile := envFile + ".sample"
		if _, err := os.Stat(sampleEnvFile); err == nil {
			logger.Infof("No %s file found, but %s exists. Consider copying %s to %s and updating it.",
				envFile, sampleEnvFile, sampleEnvFile, envFile)
		}
	}

	// Load environment variables from .env file if it exists
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			logger.Warningf("Error loading %s file: %v", envFile, err)
		} else {
			logger.Infof("Loaded environment variables from %s", envFile)
		}
	} else {
		logger.Debugf("No %s file found, using existing environment variables", envFile)
	}

	// Check for required environment variables
	requiredVars := []string{"MYSQL_HOST", "MYSQL_USER", "MYSQL_DATABASE"}
	var missingVars []string

	for _, v := range requiredVars {
		if os.Getenv(v) == "" {
			missingVars = append(missingVars, v)
		}
	}

	if len(missingVars) > 0 {
		logger.Debugf("Environment variables not set: %s", strings.Join(missingVars, ", "))
		return false
	}

	// Log all available MySQL_* and DDL_GUARD_* environment variables (for debugging)
	if logger.Level == logrus.DebugLevel {
		for _, env := range os.Environ() {
			if strings.HasPrefix(env, "MYSQL_") || strings.HasPrefix(env, "DDL_GUARD_") {
				parts := strings.SplitN(env, "=", 2)
				if len(parts) == 2 {
					// Mask password
					if parts[0] == "MYSQL_PASSWORD" {
						logger.Debugf("%s=********", parts[0])
					} else {
						logger.Debugf("%s=%s", parts[0], parts[1])
					}
				}
			}
		}
	}

	return true
}

// GetEnvInt gets an integer value from environment variable
func GetEnvInt(varName string, defaultValue int) int {
	value := os.Getenv(varName)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// ValidateConnectionParams validates database connection parameters
func ValidateConnectionParams(host, user, password, database, port string, logger *logrus.Logger) bool {
	if host == "" {
		logger.Error("Database host is required")
		return false
	}

	if user == "" {
		logger.Error("Database user is required")
		return false
	}

	if password == "" { // Empty password is allowed
		logger.Warning("Database password is empty")
	}

	if database == "" {
		logger.Error("Database name is required")
		return false
	}

	if _, err := strconv.Atoi(port); err != nil {
		logger.Errorf("Invalid port number: %s", port)
		return false
	}

	return true
}

func header(w io.Writer, title string, width int) {
	fmt.Fprintln(w, "\n"+strings.Repeat("=", width))
	fmt.Fprintln(w, title)
	fmt.Fprintln(w, strings.Repeat("=", width))
}

// PrintVerification prints the verification report
func PrintVerification(w io.Writer, result *models.VerificationResult) {
	header(w, "VERIFICATION", 60)
	if result.TableMissing {
		fmt.Fprintln(w, "❌ target table does not exist")
	}
	for _, assessment := range result.Assessments {
		for i, line := range strings.Split(assessment, "\n") {
			if i == 0 {
				fmt.Fprintf(w, "  - %s\n", line)
			} else {
				fmt.Fprintf(w, "    %s\n", line)
			}
		}
	}
	if p := result.Predicted; p != nil {
		share := ""
		if p.TableEstimate > 0 {
			share = fmt.Sprintf(" (~%s%% of the table)", humanize.FtoaWithDigits(float64(p.Affected)*100/float64(p.TableEstimate), 2))
		}
		fmt.Fprintf(w, "\nPredicted rows: %s of about %s%s\n", humanize.Comma(p.Affected), humanize.Comma(p.TableEstimate), share)
		fmt.Fprintf(w, "Counted with: %s\n", p.CountSQL)
	}
}

// PrintRollback prints the rollback statement, or why there is none
func PrintRollback(w io.Writer, rollbackSQL string, err error) {
	header(w, "ROLLBACK", 60)
	if err != nil {
		fmt.Fprintf(w, "⚠️  %v\n", err)
		return
	}
	fmt.Fprintln(w, rollbackSQL)
}

// PrintSuggestions prints the review findings
func PrintSuggestions(w io.Writer, suggestions []models.Suggestion) {
	header(w, "REVIEW", 60)
	if len(suggestions) == 0 {
		fmt.Fprintln(w, "✅ no findings")
		return
	}
	for _, s := range suggestions {
		fmt.Fprintf(w, "  [%s] %s: %s\n", s.Level, s.Rule, s.Detail)
	}
}

// PrintOutcome prints how a guarded execution ended
func PrintOutcome(w io.Writer, outcome *models.ExecutionOutcome) {
	header(w, "EXECUTION", 60)
	status := "✅"
	if !outcome.Success {
		status = "❌"
	}
	fmt.Fprintf(w, "%s %s in %s (request %s)\n", status, outcome.State, outcome.Elapsed.Round(time.Millisecond), outcome.RequestID)

	switch outcome.Kind {
	case models.ResultRowsAffected:
		fmt.Fprintf(w, "Rows affected: %s\n", humanize.Comma(outcome.RowsAffected))
	case models.ResultRowSet:
		fmt.Fprintf(w, "Rows returned: %s\n", humanize.Comma(outcome.RowCount))
	case models.ResultScalar:
		if outcome.Scalar != nil {
			fmt.Fprintf(w, "Result: %s\n", *outcome.Scalar)
		} else {
			fmt.Fprintln(w, "Result: NULL")
		}
	}

	if outcome.TimedOut {
		fmt.Fprintln(w, "⏱️  Timed out")
	}
	if outcome.ErrorMessage != "" {
		if outcome.VendorCode != 0 {
			fmt.Fprintf(w, "Error %d (%s): %s\n", outcome.VendorCode, outcome.SQLState, outcome.ErrorMessage)
		} else {
			fmt.Fprintf(w, "Error: %s\n", outcome.ErrorMessage)
		}
	}
	if !outcome.AutocommitRestored {
		fmt.Fprintln(w, "⚠️  autocommit could not be restored, the session was discarded")
	}
}

// PrintSnapshot prints a table's columns and indexes
func PrintSnapshot(w io.Writer, snapshot *models.TableSnapshot) {
	header(w, "TABLE "+models.QuoteIdent(snapshot.Name), 60)
	if !snapshot.Exists {
		fmt.Fprintln(w, "❌ table does not exist")
		return
	}
	fmt.Fprintf(w, "Rows (estimate): %s\n", humanize.Comma(snapshot.ApproximateRowCount))

	fmt.Fprintf(w, "\nColumns (%d):\n", len(snapshot.ColumnOrder))
	for _, name := range snapshot.ColumnOrder {
		fmt.Fprintf(w, "  %s\n", snapshot.Column(name).Render(""))
	}
	fmt.Fprintf(w, "\nIndexes (%d):\n", len(snapshot.IndexOrder))
	for _, name := range snapshot.IndexOrder {
		fmt.Fprintf(w, "  %s\n", snapshot.Index(name).Render())
	}
	if snapshot.CreateStatement != "" {
		fmt.Fprintf(w, "\n%s\n", snapshot.CreateStatement)
	}
}

// PromptYesNo asks a yes/no question, defaulting to no
func PromptYesNo(in io.Reader, out io.Writer, message string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", message)
	input, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && input == "" {
		return false
	}
	input = strings.TrimSpace(strings.ToLower(input))
	return input == "y" || input == "yes"
}
