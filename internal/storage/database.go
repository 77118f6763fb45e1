package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"agenthub/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the configured database for the given driver type.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			dbCfg.Host,
			dbCfg.Port,
			dbCfg.DBName,
			dbCfg.Params,
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				agent_id TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'active',
				created_at DATETIME NOT NULL,
				last_activity DATETIME NOT NULL,
				message_count INTEGER NOT NULL DEFAULT 0,
				ended_at DATETIME
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				seq INTEGER NOT NULL,
				created_at DATETIME NOT NULL,
				UNIQUE(session_id, seq),
				FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS ingestion_jobs (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				source TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'queued',
				retries INTEGER NOT NULL DEFAULT 0,
				pages INTEGER NOT NULL DEFAULT 0,
				error TEXT,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions(tenant_id)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_source ON ingestion_jobs(source, status)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS uniq_jobs_active_source ON ingestion_jobs(source)
				WHERE status IN ('queued', 'running')`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id VARCHAR(36) NOT NULL,
				tenant_id VARCHAR(36) NOT NULL,
				agent_id VARCHAR(36) NOT NULL,
				status VARCHAR(20) NOT NULL DEFAULT 'active',
				created_at DATETIME NOT NULL,
				last_activity DATETIME NOT NULL,
				message_count BIGINT NOT NULL DEFAULT 0,
				ended_at DATETIME NULL,
				PRIMARY KEY (id),
				INDEX idx_sessions_tenant (tenant_id),
				INDEX idx_sessions_last_activity (last_activity)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS messages (
				id VARCHAR(36) NOT NULL,
				session_id VARCHAR(36) NOT NULL,
				role VARCHAR(20) NOT NULL,
				content MEDIUMTEXT NOT NULL,
				seq BIGINT NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_session_seq (session_id, seq),
				INDEX idx_messages_session (session_id),
				CONSTRAINT fk_messages_session FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS ingestion_jobs (
				id VARCHAR(36) NOT NULL,
				tenant_id VARCHAR(36) NOT NULL,
				kind VARCHAR(20) NOT NULL,
				source VARCHAR(512) NOT NULL,
				status VARCHAR(20) NOT NULL DEFAULT 'queued',
				retries INT NOT NULL DEFAULT 0,
				pages INT NOT NULL DEFAULT 0,
				error TEXT,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				active_source VARCHAR(512) GENERATED ALWAYS AS
					(CASE WHEN status IN ('queued', 'running') THEN source END) STORED,
				PRIMARY KEY (id),
				INDEX idx_jobs_source (source, status),
				UNIQUE KEY uniq_jobs_active_source (active_source)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
