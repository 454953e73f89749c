package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Database manages the SQLite database holding images and alerts
type Database struct {
	db     *sql.DB
	dbPath string
}

// NewDatabase creates a new database connection
func NewDatabase(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := ensureDir(dir); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes well
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	database := &Database{
		db:     db,
		dbPath: dbPath,
	}

	// Initialize schema
	if err := database.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return database, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// GetDB returns the underlying database connection
func (d *Database) GetDB() *sql.DB {
	return d.db
}

// Path returns the database file path
func (d *Database) Path() string {
	return d.dbPath
}

// initSchema initializes the database schema
func (d *Database) initSchema() error {
	schema := `
	-- Captured motion snapshots
	CREATE TABLE IF NOT EXISTS images (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TIMESTAMP NOT NULL,
		filename TEXT NOT NULL,
		image_data BLOB NOT NULL,
		s3_url TEXT, -- set once the object upload succeeded
		width INTEGER NOT NULL,
		height INTEGER NOT NULL
	);

	-- Security alerts raised from label analysis
	CREATE TABLE IF NOT EXISTS security_alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		image_id INTEGER NOT NULL,
		alert_type TEXT NOT NULL,
		confidence REAL NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		notified BOOLEAN DEFAULT 0,
		FOREIGN KEY (image_id) REFERENCES images(id) ON DELETE CASCADE
	);

	-- Indexes for performance
	CREATE INDEX IF NOT EXISTS idx_images_timestamp ON images(timestamp);
	CREATE INDEX IF NOT EXISTS idx_security_alerts_image ON security_alerts(image_id);
	`

	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// ensureDir ensures a directory exists
func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}
