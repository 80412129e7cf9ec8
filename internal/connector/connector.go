package connector

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
)

// DatabaseConnector handles the database connection and query execution
type DatabaseConnector struct {
	Host     string
	User     string
	Password string
	Database string
	Port     string
	DB       *sql.DB
	Logger   *logrus.Logger
}

// NewDatabaseConnector creates a new database connector
func NewDatabaseConnector(host, user, password, database, port string, logger *logrus.Logger) *DatabaseConnector {
	if host == "" {
		host = getEnvOrDefault("MYSQL_HOST", "localhost")
	}
	if user == "" {
		user = getEnvOrDefault("MYSQL_USER", "root")
	}
	if password == "" {
		password = getEnvOrDefault("MYSQL_PASSWORD", "")
	}
	if database == "" {
		database = getEnvOrDefault("MYSQL_DATABASE", "")
	}
	if port == "" {
		port = getEnvOrDefault("MYSQL_PORT", "3306")
	}

	return &DatabaseConnector{
		Host:     host,
		User:     user,
		Password: password,
		Database: database,
		Port:     port,
		Logger:   logger,
	}
}

// NewWithDB wraps an already opened handle, e.g. one created by sqlmock
func NewWithDB(db *sql.DB, database string, logger *logrus.Logger) *DatabaseConnector {
	return &DatabaseConnector{Database: database, DB: db, Logger: logger}
}

// DSN builds the driver connection string
func (dc *DatabaseConnector) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = dc.User
	cfg.Passwd = dc.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(dc.Host, dc.Port)
	cfg.DBName = dc.Database
	cfg.ParseTime = true
	cfg.Timeout = 10 * time.Second
	return cfg.FormatDSN()
}

// Connect establishes a connection to the MySQL database
func (dc *DatabaseConnector) Connect(ctx context.Context) error {
	if dc.Database == "" {
		return fmt.Errorf("database name must be provided either as an argument or as MYSQL_DATABASE environment variable")
	}

	db, err := sql.Open("mysql", dc.DSN())
	if err != nil {
		dc.Logger.Errorf("Error connecting to MySQL database: %v", err)
		return err
	}

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		dc.Logger.Errorf("Error pinging MySQL database: %v", err)
		db.Close()
		return err
	}

	dc.DB = db
	dc.Logger.Infof("Connected to MySQL database: %s", dc.Database)
	return nil
}

// Disconnect closes the database connection
func (dc *DatabaseConnector) Disconnect() {
	if dc.DB != nil {
		err := dc.DB.Close()
		if err != nil {
			dc.Logger.Errorf("Error closing database connection: %v", err)
		} else {
			dc.Logger.Info("MySQL connection closed")
		}
	}
}

func (dc *DatabaseConnector) ensureConnected(ctx context.Context) error {
	if dc.DB == nil {
		return dc.Connect(ctx)
	}
	return nil
}

// ExecuteQuery executes a SQL query and returns the rows as column maps.
// Byte slices are converted to strings.
func (dc *DatabaseConnector) ExecuteQuery(ctx context.Context, query string, params ...interface{}) ([]map[string]interface{}, error) {
	if err := dc.ensureConnected(ctx); err != nil {
		return nil, err
	}

	rows, err := dc.DB.QueryContext(ctx, query, params...)
	if err != nil {
		dc.Logger.Errorf("Error executing query: %v", err)
		return nil, err
	}
	defer rows.Close()

	results, err := scanRows(rows)
	if err != nil {
		dc.Logger.Errorf("Error reading rows: %v", err)
		return nil, err
	}
	return results, nil
}

func scanRows(rows *sql.Rows) ([]map[string]interface{}, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range columns {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// ExecuteStatement executes a SQL statement and returns the number of affected rows
func (dc *DatabaseConnector) ExecuteStatement(ctx context.Context, query string, params ...interface{}) (int64, error) {
	if err := dc.ensureConnected(ctx); err != nil {
		return 0, err
	}

	result, err := dc.DB.ExecContext(ctx, query, params...)
	if err != nil {
		dc.Logger.Errorf("Error executing statement: %v", err)
		return 0, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		dc.Logger.Errorf("Error getting affected rows: %v", err)
		return 0, err
	}
	return affected, nil
}

// Count runs a single-value COUNT query inside a read-only transaction, which
// is always rolled back
func (dc *DatabaseConnector) Count(ctx context.Context, query string) (int64, error) {
	if err := dc.ensureConnected(ctx); err != nil {
		return 0, err
	}

	tx, err := dc.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		dc.Logger.Errorf("Error starting read-only transaction: %v", err)
		return 0, err
	}
	defer tx.Rollback()

	var count int64
	if err := tx.QueryRowContext(ctx, query).Scan(&count); err != nil {
		dc.Logger.Errorf("Error executing count query %q: %v", query, err)
		return 0, err
	}
	return count, nil
}

// CancelQuery kills the statement running on another session. It satisfies
// the executor's Canceler and runs on its own pooled connection.
func (dc *DatabaseConnector) CancelQuery(ctx context.Context, connectionID int64) error {
	if _, err := dc.ExecuteStatement(ctx, fmt.Sprintf("KILL QUERY %d", connectionID)); err != nil {
		return fmt.Errorf("kill query on connection %d: %w", connectionID, err)
	}
	dc.Logger.Warningf("Killed query on connection %d", connectionID)
	return nil
}

// getEnvOrDefault gets an environment variable or returns a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
