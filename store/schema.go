// Copyright 2026, Square, Inc.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // sqlite driver

	serr "github.com/square/uws/errors"
)

// Drivers.
const (
	MYSQL  = "mysql"
	SQLITE = "sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
  jobid              VARCHAR(64)  NOT NULL PRIMARY KEY,
  jobname            VARCHAR(255) NOT NULL,
  phase              VARCHAR(16)  NOT NULL,
  quote              INTEGER      NULL,
  execution_duration INTEGER      NOT NULL DEFAULT 0,
  ` + "`error`" + `            TEXT         NULL,
  creation_time      VARCHAR(19)  NOT NULL,
  start_time         VARCHAR(19)  NULL,
  end_time           VARCHAR(19)  NULL,
  destruction_time   VARCHAR(19)  NOT NULL,
  owner              VARCHAR(255) NOT NULL,
  owner_pid          VARCHAR(255) NOT NULL,
  run_id             VARCHAR(255) NULL,
  pid                BIGINT       NULL
);
CREATE INDEX IF NOT EXISTS jobs_pid ON jobs (pid);
CREATE INDEX IF NOT EXISTS jobs_jobname ON jobs (jobname, destruction_time);
CREATE TABLE IF NOT EXISTS job_parameters (
  jobid  VARCHAR(64)  NOT NULL,
  name   VARCHAR(255) NOT NULL,
  value  TEXT         NOT NULL,
  by_ref INTEGER      NOT NULL DEFAULT 0,
  PRIMARY KEY (jobid, name)
);
CREATE TABLE IF NOT EXISTS job_results (
  jobid        VARCHAR(64)  NOT NULL,
  name         VARCHAR(255) NOT NULL,
  url          TEXT         NOT NULL,
  content_type VARCHAR(255) NOT NULL,
  PRIMARY KEY (jobid, name)
);
`

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS jobs (
  jobid              VARCHAR(64)  NOT NULL PRIMARY KEY,
  jobname            VARCHAR(255) NOT NULL,
  phase              VARCHAR(16)  NOT NULL,
  quote              INTEGER      NULL,
  execution_duration INTEGER      NOT NULL DEFAULT 0,
  ` + "`error`" + `            TEXT         NULL,
  creation_time      VARCHAR(19)  NOT NULL,
  start_time         VARCHAR(19)  NULL,
  end_time           VARCHAR(19)  NULL,
  destruction_time   VARCHAR(19)  NOT NULL,
  owner              VARCHAR(255) NOT NULL,
  owner_pid          VARCHAR(255) NOT NULL,
  run_id             VARCHAR(255) NULL,
  pid                BIGINT       NULL,
  INDEX jobs_pid (pid),
  INDEX jobs_jobname (jobname, destruction_time)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
CREATE TABLE IF NOT EXISTS job_parameters (
  jobid  VARCHAR(64)  NOT NULL,
  name   VARCHAR(255) NOT NULL,
  value  TEXT         NOT NULL,
  by_ref TINYINT      NOT NULL DEFAULT 0,
  PRIMARY KEY (jobid, name)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
CREATE TABLE IF NOT EXISTS job_results (
  jobid        VARCHAR(64)  NOT NULL,
  name         VARCHAR(255) NOT NULL,
  url          TEXT         NOT NULL,
  content_type VARCHAR(255) NOT NULL,
  PRIMARY KEY (jobid, name)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`

// Migrate creates the tables if they do not exist. driver is MYSQL or SQLITE.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	var schema string
	switch driver {
	case MYSQL:
		schema = mysqlSchema
	case SQLITE:
		schema = sqliteSchema
	default:
		return fmt.Errorf("unsupported database type %q, expected %s or %s", driver, MYSQL, SQLITE)
	}
	// One statement per Exec: the MySQL driver rejects multi-statement
	// queries unless multiStatements is set in the DSN.
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return serr.NewDbError(err, stmt)
		}
	}
	return nil
}

// OpenSQLite opens the SQLite database file and creates the schema. Writes
// are serialized through a single connection.
func OpenSQLite(ctx context.Context, file string) (*sql.DB, error) {
	db, err := sql.Open(SQLITE, file+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %s", file, err)
	}
	db.SetMaxOpenConns(1)
	if err := Migrate(ctx, db, SQLITE); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
