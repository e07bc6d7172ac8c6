package aggregator

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	"go.uber.org/zap"
)

// MySQLConfig is represents the MySQL configuration
type MySQLConfig struct {
	DSN string `yaml:"dsn"`
}

// NewDbConnection opens a new connection using the configured DSN
func NewDbConnection(config MySQLConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("database connection error: %s", err)
	}

	return db, nil
}

// Archive persists joined records for offline analysis. It keeps the
// latest joined record per truck and route.
type Archive struct {
	db     *sql.DB
	stmt   *sql.Stmt
	logger *zap.SugaredLogger
}

func (a *Archive) prepareStmt() (*sql.Stmt, error) {
	if a.stmt != nil {
		return a.stmt, nil
	}

	var err error

	sql := "INSERT INTO `joined_record` " +
		"(`truck_id`, `driver_id`, `route_id`, `event_time`, `speed`, `event_type`, `congestion_level`) " +
		"VALUES (?, ?, ?, ?, ?, ?, ?) " +
		"ON DUPLICATE KEY UPDATE " +
		"`event_time` = VALUES(event_time), " +
		"`speed` = VALUES(speed), " +
		"`event_type` = VALUES(event_type), " +
		"`congestion_level` = VALUES(congestion_level)"

	a.stmt, err = a.db.Prepare(sql)
	if err != nil {
		return nil, fmt.Errorf("Archive: %s", err)
	}

	return a.stmt, nil
}

// Write inserts or updates a single joined record
func (a *Archive) Write(rec *JoinedRecord) error {
	stmt, err := a.prepareStmt()
	if err != nil {
		return err
	}

	_, err = stmt.Exec(
		rec.TruckID,
		rec.DriverID,
		rec.RouteID,
		rec.EventTime,
		rec.Speed,
		rec.EventType,
		rec.CongestionLevel,
	)
	if err != nil {
		return fmt.Errorf("Archive: %s", err)
	}

	return nil
}

// Close the prepared statement
func (a *Archive) Close() error {
	if a.stmt == nil {
		return nil
	}

	return a.stmt.Close()
}

// NewArchive creates a new Archive
func NewArchive(db *sql.DB, logger *zap.SugaredLogger) *Archive {
	return &Archive{
		db:     db,
		logger: logger,
	}
}
