package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database at path, migrating the schema
// if needed.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		name TEXT PRIMARY KEY,
		address TEXT NOT NULL,
		device_type TEXT NOT NULL,
		encryption_key TEXT,
		model_code INTEGER,
		auto_detect INTEGER NOT NULL DEFAULT 0,
		poll_interval_seconds INTEGER NOT NULL DEFAULT 30,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS poll_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_name TEXT NOT NULL,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		success INTEGER NOT NULL,
		error TEXT,
		FOREIGN KEY (device_name) REFERENCES devices(name)
	);
	CREATE INDEX IF NOT EXISTS idx_poll_history_device ON poll_history(device_name);
	CREATE INDEX IF NOT EXISTS idx_poll_history_timestamp ON poll_history(timestamp);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// UpsertDevice inserts a new configured device or updates an existing one
// by name.
func (db *DB) UpsertDevice(d *DeviceConfig) error {
	var modelCode sql.NullInt64
	if d.ModelCode != nil {
		modelCode = sql.NullInt64{Int64: int64(*d.ModelCode), Valid: true}
	}
	now := time.Now()
	query := `
		INSERT INTO devices (name, address, device_type, encryption_key, model_code,
			auto_detect, poll_interval_seconds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			address = excluded.address,
			device_type = excluded.device_type,
			encryption_key = excluded.encryption_key,
			model_code = excluded.model_code,
			auto_detect = excluded.auto_detect,
			poll_interval_seconds = excluded.poll_interval_seconds,
			updated_at = excluded.updated_at
	`
	_, err := db.conn.Exec(query, d.Name, d.Address, d.DeviceType, nullString(d.EncryptionKeyB64),
		modelCode, d.AutoDetect, d.PollInterval, now, now)
	return err
}

// GetDevice retrieves a configured device by name.
func (db *DB) GetDevice(name string) (*DeviceConfig, error) {
	query := `SELECT name, address, device_type, encryption_key, model_code,
		auto_detect, poll_interval_seconds, created_at, updated_at FROM devices WHERE name = ?`
	return scanDevice(db.conn.QueryRow(query, name))
}

// ListDevices returns every configured device, ordered by name.
func (db *DB) ListDevices() ([]*DeviceConfig, error) {
	query := `SELECT name, address, device_type, encryption_key, model_code,
		auto_detect, poll_interval_seconds, created_at, updated_at FROM devices ORDER BY name`
	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeviceConfig
	for rows.Next() {
		d, err := scanDeviceRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteDevice removes a configured device and its poll history.
func (db *DB) DeleteDevice(name string) error {
	if _, err := db.conn.Exec(`DELETE FROM poll_history WHERE device_name = ?`, name); err != nil {
		return err
	}
	_, err := db.conn.Exec(`DELETE FROM devices WHERE name = ?`, name)
	return err
}

// RecordPoll appends one poll-attempt row and prunes the device's history
// to the most recent maxHistory rows.
func (db *DB) RecordPoll(r *PollRecord, maxHistory int) error {
	_, err := db.conn.Exec(
		`INSERT INTO poll_history (device_name, timestamp, success, error) VALUES (?, ?, ?, ?)`,
		r.DeviceName, r.Timestamp, r.Success, nullString(r.Error),
	)
	if err != nil {
		return err
	}
	_, err = db.conn.Exec(`
		DELETE FROM poll_history WHERE device_name = ? AND id NOT IN (
			SELECT id FROM poll_history WHERE device_name = ? ORDER BY timestamp DESC LIMIT ?
		)`, r.DeviceName, r.DeviceName, maxHistory)
	return err
}

// RecentPolls returns the most recent limit poll records for a device,
// newest first.
func (db *DB) RecentPolls(deviceName string, limit int) ([]*PollRecord, error) {
	rows, err := db.conn.Query(
		`SELECT id, device_name, timestamp, success, error FROM poll_history
		 WHERE device_name = ? ORDER BY timestamp DESC LIMIT ?`, deviceName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PollRecord
	for rows.Next() {
		var r PollRecord
		var errStr sql.NullString
		if err := rows.Scan(&r.ID, &r.DeviceName, &r.Timestamp, &r.Success, &errStr); err != nil {
			return nil, err
		}
		r.Error = errStr.String
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ConsecutiveFailures counts how many of the most recent polls for a device
// failed in a row, as shown by jackery-blectl's status command. The
// coordinator does not consult it; it polls at a fixed interval regardless
// of failures.
func (db *DB) ConsecutiveFailures(deviceName string) (int, error) {
	recent, err := db.RecentPolls(deviceName, 50)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range recent {
		if r.Success {
			break
		}
		n++
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row *sql.Row) (*DeviceConfig, error) {
	return scanDeviceRow(row)
}

func scanDeviceRow(row rowScanner) (*DeviceConfig, error) {
	d := &DeviceConfig{}
	var keyB64 sql.NullString
	var modelCode sql.NullInt64
	if err := row.Scan(&d.Name, &d.Address, &d.DeviceType, &keyB64, &modelCode,
		&d.AutoDetect, &d.PollInterval, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.EncryptionKeyB64 = keyB64.String
	if modelCode.Valid {
		v := uint16(modelCode.Int64)
		d.ModelCode = &v
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
